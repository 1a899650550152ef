// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for configuration values that end up in
// subprocess calls or file path matching. Using these validators prevents
// command injection and surprising matches.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrUnsafeInput is wrapped by every validation failure.
var ErrUnsafeInput = errors.New("unsafe input")

// commandPattern matches a binary name or path.
// Allows: letters, digits, dot, underscore, plus, at, hyphen, slash
// Must not start with a hyphen (would read as a flag)
var commandPattern = regexp.MustCompile(`^[A-Za-z0-9._/+@][A-Za-z0-9._/+@-]*$`)

// extensionPattern matches a file extension with its leading dot.
// Max length: 16 characters after the dot
var extensionPattern = regexp.MustCompile(`^\.[A-Za-z0-9][A-Za-z0-9_-]{0,15}$`)

// maxCommandLength bounds a command path.
const maxCommandLength = 4096

// ValidateCommand validates the external obfuscator binary.
//
// Valid commands:
//   - a bare name resolved through PATH, e.g. javascript-obfuscator
//   - a relative or absolute path, e.g. ./node_modules/.bin/javascript-obfuscator
//
// Spaces, quotes, shell metacharacters and control characters are
// rejected. The value is passed to exec directly, never to a shell, but a
// space or a semicolon in it is almost always a config mistake.
//
// Example:
//
//	if err := validation.ValidateCommand(cfg.Obfuscator.Command); err != nil {
//	    return nil, fmt.Errorf("obfuscator.command: %w", err)
//	}
func ValidateCommand(command string) error {
	if command == "" {
		return fmt.Errorf("%w: command cannot be empty", ErrUnsafeInput)
	}
	if len(command) > maxCommandLength {
		return fmt.Errorf("%w: command longer than %d bytes", ErrUnsafeInput, maxCommandLength)
	}
	if !commandPattern.MatchString(command) {
		return fmt.Errorf("%w: invalid command %q (letters, digits and ._/+@- only, no leading hyphen)", ErrUnsafeInput, command)
	}
	for _, elem := range strings.Split(command, "/") {
		if strings.HasPrefix(elem, "-") {
			return fmt.Errorf("%w: path element %q starts with a hyphen", ErrUnsafeInput, elem)
		}
	}
	return nil
}

// ValidateExtension validates one file extension such as ".js".
func ValidateExtension(ext string) error {
	if ext == "" {
		return fmt.Errorf("%w: extension cannot be empty", ErrUnsafeInput)
	}
	if !extensionPattern.MatchString(ext) {
		return fmt.Errorf("%w: invalid extension %q (must be a dot followed by up to 16 letters, digits, _ or -)", ErrUnsafeInput, ext)
	}
	return nil
}

// ValidateExtensions validates every extension.
// Returns an error listing all invalid extensions if any fail validation.
func ValidateExtensions(exts []string) error {
	var invalid []string
	for _, e := range exts {
		if err := ValidateExtension(e); err != nil {
			invalid = append(invalid, e)
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("%w: invalid extensions: %q", ErrUnsafeInput, invalid)
	}
	return nil
}

// SanitizeExtension normalizes and validates an extension.
// Returns the trimmed extension with a leading dot if valid. Case is kept:
// extension filters match case-sensitively.
//
// Use this when you need both validation and normalization:
//
//	ext, err := validation.SanitizeExtension(" mjs ")
//	if err != nil {
//	    return err
//	}
//	// ext == ".mjs"
func SanitizeExtension(ext string) (string, error) {
	normalized := strings.TrimSpace(ext)
	if normalized != "" && !strings.HasPrefix(normalized, ".") {
		normalized = "." + normalized
	}
	if err := ValidateExtension(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
