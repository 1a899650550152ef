// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateCommand(t *testing.T) {
	tests := []struct {
		name    string
		command string
		wantErr bool
	}{
		// Valid commands
		{"bare name", "javascript-obfuscator", false},
		{"relative path", "./node_modules/.bin/javascript-obfuscator", false},
		{"absolute path", "/usr/local/bin/javascript-obfuscator", false},
		{"scoped package dir", "node_modules/@scope/bin/obf", false},
		{"versioned", "obfuscator-4.1.0", false},

		// Invalid commands - injection attempts
		{"empty", "", true},
		{"shell chain", "javascript-obfuscator; rm -rf /", true},
		{"subshell", "$(whoami)", true},
		{"backticks", "`id`", true},
		{"pipe", "obf|sh", true},
		{"space", "node obf.js", true},
		{"newline", "obf\nrm", true},
		{"flag", "-rf", true},
		{"flag path element", "bin/--help", true},
		{"quote", `obf"`, true},
		{"too long", strings.Repeat("a", maxCommandLength+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCommand(tt.command)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateCommand(%q) error = %v, wantErr %v", tt.command, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrUnsafeInput) {
				t.Errorf("ValidateCommand(%q) error %v does not wrap ErrUnsafeInput", tt.command, err)
			}
		})
	}
}

func TestValidateExtension(t *testing.T) {
	tests := []struct {
		name    string
		ext     string
		wantErr bool
	}{
		{"js", ".js", false},
		{"mjs", ".mjs", false},
		{"tsx", ".tsx", false},
		{"upper", ".JS", false},
		{"min.js style part", ".min", false},

		{"empty", "", true},
		{"no dot", "js", true},
		{"dot only", ".", true},
		{"double dot", "..js", true},
		{"glob", ".*", true},
		{"path", "./js", true},
		{"space", ".j s", true},
		{"too long", "." + strings.Repeat("x", 17), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateExtension(tt.ext)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateExtension(%q) error = %v, wantErr %v", tt.ext, err, tt.wantErr)
			}
		})
	}
}

func TestValidateExtensions(t *testing.T) {
	tests := []struct {
		name    string
		exts    []string
		wantErr bool
	}{
		{"all valid", []string{".js", ".mjs", ".cjs"}, false},
		{"one invalid", []string{".js", "*", ".cjs"}, true},
		{"all invalid", []string{"js", ""}, true},
		{"empty slice", []string{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateExtensions(tt.exts)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateExtensions(%v) error = %v, wantErr %v", tt.exts, err, tt.wantErr)
			}
		})
	}
}

func TestSanitizeExtension(t *testing.T) {
	tests := []struct {
		name    string
		ext     string
		want    string
		wantErr bool
	}{
		{"passthrough", ".js", ".js", false},
		{"case kept", ".JS", ".JS", false},
		{"case kept without dot", "Mjs", ".Mjs", false},
		{"dot added", "mjs", ".mjs", false},
		{"with spaces trimmed", "  .js  ", ".js", false},
		{"invalid rejected", ".j$", "", true},
		{"empty rejected", "  ", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizeExtension(tt.ext)
			if (err != nil) != tt.wantErr {
				t.Errorf("SanitizeExtension(%q) error = %v, wantErr %v", tt.ext, err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("SanitizeExtension(%q) = %q, want %q", tt.ext, got, tt.want)
			}
		})
	}
}
