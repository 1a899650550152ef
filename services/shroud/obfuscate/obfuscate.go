// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package obfuscate is the source obfuscation collaborator of the
// obfuscate mode.
//
// Two engines implement Obfuscator:
//
//   - Builtin rewrites the tree-sitter syntax tree in process.
//   - Command shells out to the javascript-obfuscator CLI with the same
//     option set.
//
// Both reject input that does not parse.
package obfuscate

import (
	"context"
	"fmt"
	"strings"
)

// Options is the obfuscation option set. Runs always use FixedOptions;
// the struct exists so engines and tests can see what is asked of them.
type Options struct {
	Compact                        bool
	ControlFlowFlattening          bool
	ControlFlowFlatteningThreshold float64
	NumbersToExpressions           bool
	Simplify                       bool
	ShuffleStringArray             bool
	SplitStrings                   bool
	SplitStringsChunkLength        int
	StringArrayThreshold           float64

	// Language selects the grammar. Default: JavaScript.
	Language Language

	// Seed makes Builtin output reproducible. Zero picks a random seed.
	Seed uint64
}

// FixedOptions returns the option set every run uses.
func FixedOptions() Options {
	return Options{
		Compact:                        true,
		ControlFlowFlattening:          true,
		ControlFlowFlatteningThreshold: 0.75,
		NumbersToExpressions:           true,
		Simplify:                       true,
		ShuffleStringArray:             true,
		SplitStrings:                   true,
		SplitStringsChunkLength:        10,
		StringArrayThreshold:           0.75,
		Language:                       JavaScript,
	}
}

// Obfuscator rewrites source text into an equivalent, harder to read form.
type Obfuscator interface {
	Obfuscate(ctx context.Context, src []byte, opts Options) ([]byte, error)
}

// ObfuscationError reports input the engine could not process.
type ObfuscationError struct {
	Engine string
	Reason string
	Syntax []SyntaxError
	Err    error
}

func (e *ObfuscationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "obfuscate (%s): %s", e.Engine, e.Reason)
	if len(e.Syntax) > 0 {
		fmt.Fprintf(&b, " at %s", e.Syntax[0])
		if len(e.Syntax) > 1 {
			fmt.Fprintf(&b, " (+%d more)", len(e.Syntax)-1)
		}
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ObfuscationError) Unwrap() error { return e.Err }
