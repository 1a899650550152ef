// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transform drives one in-place pass over a source tree.
//
// Every eligible file is saved to the backup store, transformed (encrypted
// or obfuscated), suffixed with the copyright trailer and atomically
// replaced. Per-file failures are recorded in the Report and never stop the
// pass.
package transform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/AleutianAI/shroud/pkg/atomicfile"
	"github.com/AleutianAI/shroud/services/shroud/cipher"
	"github.com/AleutianAI/shroud/services/shroud/config"
	"github.com/AleutianAI/shroud/services/shroud/keys"
	"github.com/AleutianAI/shroud/services/shroud/obfuscate"
	"github.com/AleutianAI/shroud/services/shroud/walker"
)

// =============================================================================
// Types
// =============================================================================

// Mode selects the transform applied to each file.
type Mode string

const (
	ModeEncrypt   Mode = "encrypt"
	ModeObfuscate Mode = "obfuscate"
)

// ParseMode accepts a mode name or its menu number ("1" encrypt,
// "2" obfuscate).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "encrypt":
		return ModeEncrypt, nil
	case "2", "obfuscate":
		return ModeObfuscate, nil
	default:
		return "", fmt.Errorf("unknown mode %q (want encrypt or obfuscate)", s)
	}
}

// Stage names the per-file step that failed.
type Stage string

const (
	StageWalk      Stage = "walk"
	StageBackup    Stage = "backup"
	StageRead      Stage = "read"
	StageTransform Stage = "transform"
	StageWrite     Stage = "write"
)

// FileError is a per-file failure. The run continues after one.
type FileError struct {
	Path  string
	Stage Stage
	Err   error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Path, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// OrchestrationError aborts a run.
type OrchestrationError struct {
	RunID string
	Op    string
	Err   error
}

func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("transform run %s: %s: %v", e.RunID, e.Op, e.Err)
}

func (e *OrchestrationError) Unwrap() error { return e.Err }

// Report summarizes one run.
type Report struct {
	RunID string
	Mode  Mode
	Root  string

	// Processed lists transformed files in walk order.
	Processed []string

	// Skipped holds files left untouched because their backup failed.
	Skipped []*FileError

	// Failed holds files (and unreadable directories) that were backed up
	// but could not be transformed or written.
	Failed []*FileError

	Duration time.Duration
}

// Clean reports whether every visited file was transformed.
func (r *Report) Clean() bool {
	return len(r.Skipped) == 0 && len(r.Failed) == 0
}

// Errors returns skipped and failed entries together.
func (r *Report) Errors() []*FileError {
	out := make([]*FileError, 0, len(r.Skipped)+len(r.Failed))
	out = append(out, r.Skipped...)
	return append(out, r.Failed...)
}

// Backup is the part of backup.Store a run needs.
type Backup interface {
	Save(ctx context.Context, path string) error
	Dir() string
}

// =============================================================================
// Attribution
// =============================================================================

// AttributionSuffix is the trailer appended to every transformed file.
func AttributionSuffix(copyright string) string {
	return "\n\n" + copyright
}

// StripAttribution removes the trailer from content. The bool reports
// whether it was present.
func StripAttribution(content []byte, copyright string) ([]byte, bool) {
	suffix := []byte(AttributionSuffix(copyright))
	if !bytes.HasSuffix(content, suffix) {
		return content, false
	}
	return content[:len(content)-len(suffix)], true
}

// =============================================================================
// Orchestrator
// =============================================================================

const tracerName = "shroud.transform"

// Options configures an Orchestrator.
type Options struct {
	// Cipher defaults to cipher.New().
	Cipher cipher.Cipher

	// Obfuscator defaults to the builtin engine.
	Obfuscator obfuscate.Obfuscator

	// WriteFile replaces a transformed file. Default: atomicfile.WriteFile.
	WriteFile atomicfile.WriteFunc

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// TracingEnabled emits one span per run through the global provider.
	TracingEnabled bool
}

// Orchestrator runs transform passes.
//
// # Description
//
// A run walks the root sequentially. For every file the backup is saved
// before anything else; a file whose backup failed is never read for
// transformation or written. The walk is synchronous, so when Run returns
// every file has been handled.
//
// # Thread Safety
//
// Safe for concurrent use across different roots. Two runs over the same
// root race on the files themselves.
type Orchestrator struct {
	cipher     cipher.Cipher
	obfuscator obfuscate.Obfuscator
	writeFile  atomicfile.WriteFunc
	logger     *slog.Logger
	tracer     trace.Tracer
	tracing    bool
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		cipher:     opts.Cipher,
		obfuscator: opts.Obfuscator,
		writeFile:  opts.WriteFile,
		logger:     opts.Logger,
		tracer:     otel.Tracer(tracerName),
		tracing:    opts.TracingEnabled,
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "transform")
	if o.cipher == nil {
		o.cipher = cipher.New()
	}
	if o.obfuscator == nil {
		o.obfuscator = obfuscate.NewBuiltin(o.logger)
	}
	if o.writeFile == nil {
		o.writeFile = atomicfile.WriteFile
	}
	return o
}

// Run transforms every eligible file under root.
//
// # Inputs
//
//   - ctx: Cancellation is checked between files.
//   - root: Tree to transform.
//   - mode: ModeEncrypt or ModeObfuscate.
//   - cfg: Supplies algorithm, key, IV, copyright and extensions.
//   - store: Receives the original of each file before it changes.
//
// # Outputs
//
//   - *Report: Always non-nil, partial when err is non-nil.
//   - error: *OrchestrationError for unknown mode, bad key material, an
//     unreadable root or cancellation. Per-file problems are in the Report.
func (o *Orchestrator) Run(ctx context.Context, root string, mode Mode, cfg config.Config, store Backup) (*Report, error) {
	start := time.Now()
	report := &Report{RunID: uuid.NewString(), Mode: mode, Root: root}
	ctx, span := o.startSpan(ctx, report)

	err := o.run(ctx, report, cfg, store)
	report.Duration = time.Since(start)

	o.endSpan(span, report, err)
	recordRun(mode, report, err)

	logger := o.logger.With("run_id", report.RunID, "mode", string(mode))
	if err != nil {
		logger.Error("transform run aborted", "error", err, "processed", len(report.Processed))
		return report, err
	}
	logger.Info("transform run finished",
		"processed", len(report.Processed),
		"skipped", len(report.Skipped),
		"failed", len(report.Failed),
		"duration_ms", report.Duration.Milliseconds(),
	)
	return report, nil
}

func (o *Orchestrator) run(ctx context.Context, report *Report, cfg config.Config, store Backup) error {
	fail := func(op string, err error) error {
		return &OrchestrationError{RunID: report.RunID, Op: op, Err: err}
	}

	var (
		pair *keys.KeyPair
		err  error
	)
	switch report.Mode {
	case ModeEncrypt:
		if s, ok := o.cipher.(interface{ Supports(string) bool }); ok && !s.Supports(cfg.Algorithm) {
			return fail("check algorithm", fmt.Errorf("%q: %w", cfg.Algorithm, cipher.ErrUnsupportedAlgorithm))
		}
		pair, err = keys.FromConfig(cfg)
		if err != nil {
			return fail("load key material", err)
		}
		defer pair.Destroy()
	case ModeObfuscate:
	default:
		return fail("select mode", fmt.Errorf("unknown mode %q", report.Mode))
	}
	if store == nil {
		return fail("open backup", errors.New("no backup store"))
	}

	info, err := os.Stat(report.Root)
	if err != nil {
		return fail("open root", err)
	}
	if !info.IsDir() {
		return fail("open root", fmt.Errorf("%s is not a directory", report.Root))
	}

	exts := cfg.Extensions
	if len(exts) == 0 {
		exts = walker.DefaultExtensions
	}
	suffix := AttributionSuffix(cfg.Copyright)
	walkOpts := []walker.Option{walker.WithExtensions(exts...)}
	if dir := store.Dir(); dir != "" {
		walkOpts = append(walkOpts, walker.WithSkipDirs(dir))
	}

	for rec, werr := range walker.Walk(ctx, report.Root, walkOpts...) {
		if werr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(werr, ctxErr) {
				return fail("walk", werr)
			}
			o.logger.Warn("directory unreadable", "path", rec.Path, "error", werr)
			report.Failed = append(report.Failed, &FileError{Path: rec.Path, Stage: StageWalk, Err: werr})
			continue
		}
		fileStart := time.Now()
		ferr := o.file(ctx, rec.Path, report.Mode, cfg, pair, suffix, store)
		recordFile(report.Mode, ferr, time.Since(fileStart))
		switch {
		case ferr == nil:
			report.Processed = append(report.Processed, rec.Path)
		case ferr.Stage == StageBackup:
			o.logger.Warn("file skipped, backup failed", "path", rec.Path, "error", ferr.Err)
			report.Skipped = append(report.Skipped, ferr)
		default:
			o.logger.Error("file not transformed", "path", rec.Path, "stage", string(ferr.Stage), "error", ferr.Err)
			report.Failed = append(report.Failed, ferr)
		}
	}
	if err := ctx.Err(); err != nil {
		return fail("walk", err)
	}
	return nil
}

// file handles one path. The backup save strictly precedes the read used
// for the transform and the write.
func (o *Orchestrator) file(ctx context.Context, path string, mode Mode, cfg config.Config, pair *keys.KeyPair, suffix string, store Backup) *FileError {
	if err := store.Save(ctx, path); err != nil {
		return &FileError{Path: path, Stage: StageBackup, Err: err}
	}

	info, err := os.Stat(path)
	if err != nil {
		return &FileError{Path: path, Stage: StageRead, Err: err}
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return &FileError{Path: path, Stage: StageRead, Err: err}
	}

	var body []byte
	switch mode {
	case ModeEncrypt:
		text, err := cipher.EncryptHex(o.cipher, src, pair.Key(), pair.IV(), cfg.Algorithm)
		if err != nil {
			return &FileError{Path: path, Stage: StageTransform, Err: err}
		}
		body = []byte(text)
	case ModeObfuscate:
		opts := obfuscate.FixedOptions()
		opts.Language = obfuscate.LanguageFor(path)
		body, err = o.obfuscator.Obfuscate(ctx, src, opts)
		if err != nil {
			return &FileError{Path: path, Stage: StageTransform, Err: err}
		}
	}

	out := make([]byte, 0, len(body)+len(suffix))
	out = append(append(out, body...), suffix...)
	if err := o.writeFile(path, out, info.Mode().Perm()); err != nil {
		return &FileError{Path: path, Stage: StageWrite, Err: err}
	}
	o.logger.Debug("file transformed", "path", path, "bytes_in", len(src), "bytes_out", len(out))
	return nil
}

// =============================================================================
// Tracing
// =============================================================================

func (o *Orchestrator) startSpan(ctx context.Context, r *Report) (context.Context, trace.Span) {
	if !o.tracing {
		return ctx, noop.Span{}
	}
	return o.tracer.Start(ctx, "transform.run",
		trace.WithAttributes(
			attribute.String("run.id", r.RunID),
			attribute.String("run.mode", string(r.Mode)),
			attribute.String("run.root", r.Root),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (o *Orchestrator) endSpan(span trace.Span, r *Report, err error) {
	defer span.End()
	span.SetAttributes(
		attribute.Int("run.processed", len(r.Processed)),
		attribute.Int("run.skipped", len(r.Skipped)),
		attribute.Int("run.failed", len(r.Failed)),
		attribute.Int64("run.duration_ms", r.Duration.Milliseconds()),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
