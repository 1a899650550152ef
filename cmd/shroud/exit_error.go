// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/shroud/pkg/ux"
	"github.com/AleutianAI/shroud/services/shroud/backup"
	"github.com/AleutianAI/shroud/services/shroud/config"
	"github.com/AleutianAI/shroud/services/shroud/keys"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitConfig      = 2
	ExitInterrupted = 130
)

// ExitError carries the exit code and an optional hint for a failed
// command.
//
// # Description
//
// Commands return ExitError instead of calling os.Exit so deferred cleanup
// (log files, telemetry flush, memguard purge) always runs. main prints the
// message and the hint, then exits with Code.
//
// # Example
//
//	err := NewExitError("run", ExitFailure, "run `shroud rollback` to restore", cause)
//	fmt.Println(err.Error()) // "run: <cause>"
//
//	var exitErr *ExitError
//	if errors.As(err, &exitErr) {
//	    os.Exit(exitErr.Code)
//	}
type ExitError struct {
	// Command is the subcommand that failed.
	Command string

	// Code is the process exit code.
	Code int

	// Hint tells the user what to do next. May be empty.
	Hint string

	// Wrapped is the underlying error.
	Wrapped error
}

func (e *ExitError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %v", e.Command, e.Wrapped)
	}
	return fmt.Sprintf("%s failed (exit %d)", e.Command, e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Wrapped
}

// HasHint returns true if a hint is available.
func (e *ExitError) HasHint() bool {
	return e.Hint != ""
}

// NewExitError creates an ExitError. The hint is trimmed.
func NewExitError(cmd string, code int, hint string, wrapped error) *ExitError {
	return &ExitError{
		Command: cmd,
		Code:    code,
		Hint:    strings.TrimSpace(hint),
		Wrapped: wrapped,
	}
}

// WrapExitError classifies err into an ExitError, keeping one that is
// already in the chain.
//
// # Description
//
// Config and key validation errors map to ExitConfig, an interrupt to
// ExitInterrupted and anything else to ExitFailure.
//
// # Outputs
//
//   - *ExitError: nil when err is nil.
func WrapExitError(err error, cmd string) *ExitError {
	if err == nil {
		return nil
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Command == "" {
			exitErr.Command = cmd
		}
		return exitErr
	}

	var (
		loadErr *config.LoadError
		cfgErr  *keys.ConfigError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return NewExitError(cmd, ExitInterrupted, "", err)
	case errors.As(err, &loadErr):
		hint := ""
		if errors.Is(err, config.ErrNotFound) {
			hint = "create the file or point --config at it"
		}
		return NewExitError(cmd, ExitConfig, hint, err)
	case errors.As(err, &cfgErr):
		return NewExitError(cmd, ExitConfig, "fix "+cfgErr.Field+" in the config file, or run `shroud keygen`", err)
	case errors.Is(err, backup.ErrStaleBackup):
		return NewExitError(cmd, ExitFailure, "a previous run was interrupted; run `shroud rollback` to restore it", err)
	case errors.Is(err, ux.ErrNonInteractive):
		return NewExitError(cmd, ExitFailure, "pass --yes to accept every prompt", err)
	default:
		return NewExitError(cmd, ExitFailure, "", err)
	}
}

// ExtractHint walks the error chain and returns the first hint found.
func ExtractHint(err error) string {
	for err != nil {
		if exitErr, ok := err.(*ExitError); ok && exitErr.HasHint() {
			return exitErr.Hint
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = unwrapper.Unwrap()
	}
	return ""
}

// exitCode returns the process exit code for err.
func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}
