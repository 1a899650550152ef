// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package atomicfile replaces files by writing a temp file in the same
// directory, syncing it, and renaming it over the target.
//
// A reader of the target path sees either the old content or the new
// content, never a prefix of the new one. The temp file is removed on every
// failure path.
package atomicfile

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// TempPattern is the os.CreateTemp pattern for in-flight files. It carries
// no source extension so tree walks never pick temp files up.
const TempPattern = ".shroud-*.tmp"

// WriteFunc is the signature of WriteFile, injectable where tests need a
// failing writer.
type WriteFunc func(path string, data []byte, perm os.FileMode) error

// WriteFile atomically replaces path with data.
//
// # Inputs
//
//   - path: Target file. Its directory must exist.
//   - data: Full new content.
//   - perm: Mode applied to the temp file before rename.
//
// # Outputs
//
//   - error: Non-nil if any step failed; the target is then untouched.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	_, err := WriteFrom(path, bytes.NewReader(data), perm)
	return err
}

// WriteFrom atomically replaces path with everything read from r.
//
// # Outputs
//
//   - int64: Bytes written.
//   - error: Non-nil if any step failed; the target is then untouched.
func WriteFrom(path string, r io.Reader, perm os.FileMode) (n int64, err error) {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, TempPattern)
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	n, err = io.Copy(tmp, r)
	if err != nil {
		return n, fmt.Errorf("writing content: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return n, fmt.Errorf("syncing to disk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return n, fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return n, fmt.Errorf("renaming temp file: %w", err)
	}
	committed = true

	syncDir(dir)
	return n, nil
}

// syncDir makes the rename durable where the platform allows it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// IsTemp reports whether a base name is an in-flight temp file of this
// package.
func IsTemp(name string) bool {
	return strings.HasPrefix(name, ".shroud-") && strings.HasSuffix(name, ".tmp")
}
