// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package verify inspects a transformed tree and decides whether the run
// succeeded.
//
// What counts as a failure is delegated to Strategy implementations. The
// default MarkerStrategy flags any file containing "Error:" or
// "Exception:", which can also match legitimate output; SyntaxStrategy and
// RoundTripStrategy are structural alternatives.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/shroud/services/shroud/config"
	"github.com/AleutianAI/shroud/services/shroud/transform"
	"github.com/AleutianAI/shroud/services/shroud/walker"
)

// =============================================================================
// Types
// =============================================================================

// Target is one file handed to the strategies.
type Target struct {
	Path string

	// Content is the file as stored on disk.
	Content []byte

	// Body is Content without the attribution trailer. Equal to Content
	// when the trailer is absent or no copyright was configured.
	Body []byte

	// Attributed reports whether the trailer was found.
	Attributed bool
}

// Finding explains why a file was flagged.
type Finding struct {
	Path     string
	Strategy string
	Reason   string
}

func (f Finding) String() string {
	return fmt.Sprintf("%s [%s] %s", f.Path, f.Strategy, f.Reason)
}

// Strategy decides whether a single file shows a failed transform.
type Strategy interface {
	Name() string

	// Check returns a finding and true when the file is flagged.
	Check(ctx context.Context, t Target) (Finding, bool)
}

// RunOutcome is the verdict over a whole tree.
type RunOutcome struct {
	Succeeded bool

	// FailingPaths lists flagged files in walk order, each once.
	FailingPaths []string

	// Findings holds every reason, possibly several per path.
	Findings []Finding

	// Checked counts files inspected.
	Checked int
}

// =============================================================================
// Pass
// =============================================================================

// Options configures a Pass.
type Options struct {
	// Strategies must all pass. Default: MarkerStrategy with
	// config.DefaultMarkers.
	Strategies []Strategy

	// Workers bounds concurrent file checks. Default: 1.
	Workers int

	// Extensions filters files. Default: walker.DefaultExtensions.
	Extensions []string

	// SkipDirs are excluded from the walk (the backup directory).
	SkipDirs []string

	// Copyright is stripped from each file to form Target.Body.
	Copyright string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Pass re-walks a tree after a transform run.
//
// # Description
//
// The tree is listed first, then files are checked by at most Workers
// goroutines. Checking only reads files, so parallelism cannot disturb the
// tree. A file that cannot be read is flagged rather than failing the pass.
//
// # Thread Safety
//
// Safe for concurrent use.
type Pass struct {
	strategies []Strategy
	workers    int
	extensions []string
	skip       []string
	copyright  string
	logger     *slog.Logger
}

// New creates a Pass.
func New(opts Options) *Pass {
	p := &Pass{
		strategies: opts.Strategies,
		workers:    opts.Workers,
		extensions: opts.Extensions,
		copyright:  opts.Copyright,
		logger:     opts.Logger,
	}
	for _, d := range opts.SkipDirs {
		if d != "" {
			p.skip = append(p.skip, d)
		}
	}
	if len(p.strategies) == 0 {
		p.strategies = []Strategy{NewMarkerStrategy(config.DefaultMarkers)}
	}
	if p.workers < 1 {
		p.workers = 1
	}
	if len(p.extensions) == 0 {
		p.extensions = walker.DefaultExtensions
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "verify")
	return p
}

// Verify checks every eligible file under root.
//
// # Outputs
//
//   - RunOutcome: Succeeded is true when no file was flagged.
//   - error: Only for a cancelled context or an unreadable root.
func (p *Pass) Verify(ctx context.Context, root string) (RunOutcome, error) {
	start := time.Now()
	if _, err := os.Stat(root); err != nil {
		return RunOutcome{}, fmt.Errorf("verify %s: %w", root, err)
	}

	// Directory read errors stay in the walk sequence so findings come out
	// in walk order.
	type item struct {
		rec    walker.FileRecord
		dirErr error
	}
	var items []item
	for rec, err := range walker.Walk(ctx, root,
		walker.WithExtensions(p.extensions...), walker.WithSkipDirs(p.skip...)) {
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return RunOutcome{}, fmt.Errorf("verify %s: %w", root, ctxErr)
			}
			items = append(items, item{rec: rec, dirErr: &walker.DirError{Path: rec.Path, Err: err}})
			continue
		}
		items = append(items, item{rec: rec})
	}

	results := make([][]Finding, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, it := range items {
		if it.dirErr != nil {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = p.check(gctx, it.rec.Path)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return RunOutcome{}, err
	}

	var out RunOutcome
	for i, it := range items {
		if it.dirErr != nil {
			out.Findings = append(out.Findings, Finding{Path: it.rec.Path, Strategy: "read", Reason: it.dirErr.Error()})
			out.FailingPaths = append(out.FailingPaths, it.rec.Path)
			continue
		}
		out.Checked++
		findings := results[i]
		if len(findings) == 0 {
			recordFile("passed")
			continue
		}
		recordFile("flagged")
		out.FailingPaths = append(out.FailingPaths, it.rec.Path)
		for _, f := range findings {
			recordFinding(f.Strategy)
			p.logger.Warn("file flagged", "path", f.Path, "strategy", f.Strategy, "reason", f.Reason)
		}
		out.Findings = append(out.Findings, findings...)
	}
	out.Succeeded = len(out.FailingPaths) == 0

	p.logger.Info("verification finished",
		"checked", out.Checked,
		"flagged", len(out.FailingPaths),
		"succeeded", out.Succeeded,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

func (p *Pass) check(ctx context.Context, path string) []Finding {
	content, err := os.ReadFile(path)
	if err != nil {
		return []Finding{{Path: path, Strategy: "read", Reason: err.Error()}}
	}
	t := Target{Path: path, Content: content, Body: content}
	if p.copyright != "" {
		t.Body, t.Attributed = transform.StripAttribution(content, p.copyright)
	}

	var findings []Finding
	for _, s := range p.strategies {
		if f, flagged := s.Check(ctx, t); flagged {
			if f.Path == "" {
				f.Path = path
			}
			if f.Strategy == "" {
				f.Strategy = s.Name()
			}
			findings = append(findings, f)
		}
	}
	return findings
}
