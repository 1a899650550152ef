// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package obfuscate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/shroud/pkg/validation"
)

// DefaultCommand is the javascript-obfuscator CLI binary name.
const DefaultCommand = "javascript-obfuscator"

// CommandError describes a failed external obfuscator invocation.
type CommandError struct {
	// Command is the binary that was run.
	Command string

	// ExitCode is the process exit status, -1 if it never ran.
	ExitCode int

	// Stderr is the trimmed error output of the process.
	Stderr string

	Wrapped error
}

func (e *CommandError) Error() string {
	switch {
	case e.Stderr != "":
		return fmt.Sprintf("%s (exit %d): %s", e.Command, e.ExitCode, e.Stderr)
	case e.Wrapped != nil:
		return fmt.Sprintf("%s (exit %d): %v", e.Command, e.ExitCode, e.Wrapped)
	default:
		return fmt.Sprintf("%s (exit %d)", e.Command, e.ExitCode)
	}
}

func (e *CommandError) Unwrap() error { return e.Wrapped }

// Command runs the javascript-obfuscator CLI on a temp copy of the input.
//
// # Description
//
// The source is written to a private temp directory, the CLI is run with
// the flags derived from Options, and the output file is read back. Input
// that does not parse is rejected before the process starts, so parse
// failures look the same for both engines.
//
// # Limitations
//
//   - Requires Node.js and javascript-obfuscator on PATH (or Path set).
//   - Options.Seed is passed as --seed; zero lets the CLI pick.
type Command struct {
	// Path is the CLI binary. Default: DefaultCommand.
	Path string

	// Timeout bounds one invocation. Default: 2 minutes.
	Timeout time.Duration

	Logger *slog.Logger
}

// NewCommand creates the external engine.
func NewCommand(path string, logger *slog.Logger) *Command {
	if path == "" {
		path = DefaultCommand
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Command{
		Path:    path,
		Timeout: 2 * time.Minute,
		Logger:  logger.With("component", "obfuscate", "engine", "command"),
	}
}

// Args builds the CLI arguments for input and output paths.
func (c *Command) Args(input, output string, opts Options) []string {
	f := strconv.FormatFloat
	args := []string{
		input,
		"--output", output,
		"--compact", strconv.FormatBool(opts.Compact),
		"--control-flow-flattening", strconv.FormatBool(opts.ControlFlowFlattening),
		"--control-flow-flattening-threshold", f(opts.ControlFlowFlatteningThreshold, 'f', -1, 64),
		"--numbers-to-expressions", strconv.FormatBool(opts.NumbersToExpressions),
		"--simplify", strconv.FormatBool(opts.Simplify),
		"--string-array-shuffle", strconv.FormatBool(opts.ShuffleStringArray),
		"--split-strings", strconv.FormatBool(opts.SplitStrings),
		"--string-array-threshold", f(opts.StringArrayThreshold, 'f', -1, 64),
	}
	if opts.SplitStrings && opts.SplitStringsChunkLength > 0 {
		args = append(args, "--split-strings-chunk-length", strconv.Itoa(opts.SplitStringsChunkLength))
	}
	if opts.Seed != 0 {
		args = append(args, "--seed", strconv.FormatUint(opts.Seed, 10))
	}
	return args
}

// Obfuscate runs the CLI on src.
//
// # Outputs
//
//   - []byte: The CLI output file.
//   - error: *ObfuscationError, wrapping *CommandError when the process
//     failed.
func (c *Command) Obfuscate(ctx context.Context, src []byte, opts Options) ([]byte, error) {
	lang := opts.Language
	if lang == "" {
		lang = JavaScript
	}
	if lang != JavaScript {
		return nil, &ObfuscationError{Engine: "command", Reason: fmt.Sprintf("language %s not supported", lang)}
	}
	errs, err := CheckSyntax(ctx, src, lang)
	if err != nil {
		return nil, &ObfuscationError{Engine: "command", Reason: "parse failed", Err: err}
	}
	if len(errs) > 0 {
		return nil, &ObfuscationError{Engine: "command", Reason: "input does not parse", Syntax: errs}
	}

	dir, err := os.MkdirTemp("", "shroud-obf-*")
	if err != nil {
		return nil, &ObfuscationError{Engine: "command", Reason: "temp dir", Err: err}
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "input.js")
	out := filepath.Join(dir, "output.js")
	if err := os.WriteFile(in, src, 0600); err != nil {
		return nil, &ObfuscationError{Engine: "command", Reason: "stage input", Err: err}
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.Path, c.Args(in, out, opts)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	start := time.Now()
	if err := cmd.Run(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		cmdErr := &CommandError{
			Command:  c.Path,
			ExitCode: exitCode,
			Stderr:   strings.TrimSpace(stderr.String()),
			Wrapped:  err,
		}
		return nil, &ObfuscationError{Engine: "command", Reason: "obfuscator failed", Err: cmdErr}
	}
	c.Logger.Debug("external obfuscator finished", "duration_ms", time.Since(start).Milliseconds())

	result, err := os.ReadFile(out)
	if err != nil {
		return nil, &ObfuscationError{Engine: "command", Reason: "read output", Err: err}
	}
	return result, nil
}

var (
	_ Obfuscator = (*Command)(nil)
	_ Obfuscator = (*Builtin)(nil)
)

// New returns the engine named by the obfuscator.engine setting.
func New(engine, command string, logger *slog.Logger) (Obfuscator, error) {
	switch engine {
	case "", "builtin":
		return NewBuiltin(logger), nil
	case "command":
		if command == "" {
			command = DefaultCommand
		}
		if err := validation.ValidateCommand(command); err != nil {
			return nil, fmt.Errorf("obfuscator command: %w", err)
		}
		return NewCommand(command, logger), nil
	default:
		return nil, fmt.Errorf("unknown obfuscator engine %q", engine)
	}
}
