// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package verify

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/AleutianAI/shroud/services/shroud/cipher"
	"github.com/AleutianAI/shroud/services/shroud/config"
	"github.com/AleutianAI/shroud/services/shroud/obfuscate"
	"github.com/AleutianAI/shroud/services/shroud/transform"
)

// =============================================================================
// Marker strategy
// =============================================================================

// MarkerStrategy flags files containing any marker substring.
//
// # Limitations
//
// A heuristic. Output that legitimately contains a marker (an obfuscated
// string literal "Error: not found") is flagged too.
type MarkerStrategy struct {
	markers []string
}

// NewMarkerStrategy creates a MarkerStrategy. Empty markers are ignored and
// an empty list falls back to config.DefaultMarkers.
func NewMarkerStrategy(markers []string) *MarkerStrategy {
	m := &MarkerStrategy{}
	for _, s := range markers {
		if s != "" {
			m.markers = append(m.markers, s)
		}
	}
	if len(m.markers) == 0 {
		m.markers = config.DefaultMarkers
	}
	return m
}

func (m *MarkerStrategy) Name() string { return config.StrategyMarkers }

func (m *MarkerStrategy) Check(_ context.Context, t Target) (Finding, bool) {
	for _, marker := range m.markers {
		if bytes.Contains(t.Content, []byte(marker)) {
			return Finding{Reason: fmt.Sprintf("contains %q", marker)}, true
		}
	}
	return Finding{}, false
}

// =============================================================================
// Syntax strategy
// =============================================================================

// SyntaxStrategy flags files whose body no longer parses. It suits
// obfuscation runs, whose output must stay valid source.
type SyntaxStrategy struct{}

func (SyntaxStrategy) Name() string { return config.StrategySyntax }

func (SyntaxStrategy) Check(ctx context.Context, t Target) (Finding, bool) {
	errs, err := obfuscate.CheckSyntax(ctx, t.Body, obfuscate.LanguageFor(t.Path))
	if err != nil {
		return Finding{Reason: "parse failed: " + err.Error()}, true
	}
	if len(errs) > 0 {
		return Finding{Reason: fmt.Sprintf("syntax error at %s (%d total)", errs[0], len(errs))}, true
	}
	return Finding{}, false
}

// =============================================================================
// Round-trip strategy
// =============================================================================

// Originals looks up the pre-transform bytes of a file.
type Originals interface {
	Original(ctx context.Context, path string) ([]byte, error)
}

// RoundTripStrategy decrypts each body and compares it with the backup. It
// suits encryption runs.
type RoundTripStrategy struct {
	Cipher    cipher.Cipher
	Key       []byte
	IV        []byte
	Algorithm string
	Originals Originals
}

func (*RoundTripStrategy) Name() string { return config.StrategyRoundTrip }

func (r *RoundTripStrategy) Check(ctx context.Context, t Target) (Finding, bool) {
	if !t.Attributed {
		return Finding{Reason: "attribution trailer missing"}, true
	}
	plain, err := cipher.DecryptHex(r.Cipher, strings.TrimSpace(string(t.Body)), r.Key, r.IV, r.Algorithm)
	if err != nil {
		return Finding{Reason: "decrypt failed: " + err.Error()}, true
	}
	original, err := r.Originals.Original(ctx, t.Path)
	if err != nil {
		return Finding{Reason: "no original to compare: " + err.Error()}, true
	}
	if !bytes.Equal(plain, original) {
		return Finding{Reason: "decrypted content differs from original"}, true
	}
	return Finding{}, false
}

var (
	_ Strategy = (*MarkerStrategy)(nil)
	_ Strategy = SyntaxStrategy{}
	_ Strategy = (*RoundTripStrategy)(nil)
)

// =============================================================================
// Selection
// =============================================================================

// Deps supplies what configured strategies need.
type Deps struct {
	Markers []string

	// RoundTrip is required for "roundtrip" in encrypt mode.
	RoundTrip *RoundTripStrategy
}

// StrategiesFor builds the strategies named in configuration for a run in
// mode.
//
// # Description
//
// "syntax" applies to obfuscation only and "roundtrip" to encryption only;
// a name that does not fit the mode is returned in skipped. If nothing is
// left, MarkerStrategy is used.
//
// # Outputs
//
//   - []Strategy: Strategies to run, never empty.
//   - []string: Names skipped for this mode.
//   - error: Unknown name, or roundtrip without Deps.RoundTrip.
func StrategiesFor(names []string, mode transform.Mode, deps Deps) ([]Strategy, []string, error) {
	var (
		out     []Strategy
		skipped []string
	)
	for _, name := range names {
		switch name {
		case config.StrategyMarkers:
			out = append(out, NewMarkerStrategy(deps.Markers))
		case config.StrategySyntax:
			if mode != transform.ModeObfuscate {
				skipped = append(skipped, name)
				continue
			}
			out = append(out, SyntaxStrategy{})
		case config.StrategyRoundTrip:
			if mode != transform.ModeEncrypt {
				skipped = append(skipped, name)
				continue
			}
			if deps.RoundTrip == nil {
				return nil, nil, fmt.Errorf("strategy %q needs key material and a backup store", name)
			}
			out = append(out, deps.RoundTrip)
		default:
			return nil, nil, fmt.Errorf("unknown verification strategy %q", name)
		}
	}
	if len(out) == 0 {
		out = append(out, NewMarkerStrategy(deps.Markers))
	}
	return out, skipped, nil
}
