// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package walker enumerates the files of a tree that a run should touch.
package walker

import (
	"context"
	"iter"
	"os"
	"path/filepath"
	"slices"
)

// DefaultExtensions is used when no extension filter is given.
var DefaultExtensions = []string{".js"}

// FileRecord is one traversal result.
type FileRecord struct {
	// Path is root joined with RelPath.
	Path string

	// RelPath is relative to the walk root, using OS separators.
	RelPath string

	// IsDir marks the record of a directory that could not be read.
	IsDir bool
}

// Option adjusts a walk.
type Option func(*options)

type options struct {
	extensions []string
	skip       []string
}

// WithExtensions replaces the extension filter. Matching is exact and
// case-sensitive on filepath.Ext, so ".js" does not match "a.JS" or
// "a.json".
func WithExtensions(exts ...string) Option {
	return func(o *options) { o.extensions = exts }
}

// WithSkipDirs excludes directories by absolute or root-relative path.
// The backup directory is skipped this way when it sits inside the root.
func WithSkipDirs(dirs ...string) Option {
	return func(o *options) { o.skip = append(o.skip, dirs...) }
}

// Walk lazily traverses root depth-first.
//
// # Description
//
// Entries of a directory are visited in lexical order. Regular files whose
// extension matches the filter are yielded. Subdirectories are descended
// into. Symlinks and other non-regular entries are skipped. A directory that
// cannot be read yields its record together with the error and the walk
// moves on to its siblings. The sequence stops when the consumer stops or
// ctx is done (the final pair then carries ctx.Err()).
//
// The returned sequence is single-use: ranging over it twice walks the
// tree twice.
//
// # Example
//
//	for rec, err := range walker.Walk(ctx, root) {
//	    if err != nil {
//	        log.Warn("unreadable", "path", rec.Path, "error", err)
//	        continue
//	    }
//	    process(rec.Path)
//	}
func Walk(ctx context.Context, root string, opts ...Option) iter.Seq2[FileRecord, error] {
	o := options{extensions: DefaultExtensions}
	for _, opt := range opts {
		opt(&o)
	}
	skip := make(map[string]bool, len(o.skip))
	for _, d := range o.skip {
		if abs, err := filepath.Abs(d); err == nil {
			skip[abs] = true
		}
	}

	return func(yield func(FileRecord, error) bool) {
		w := walk{root: root, opts: o, skip: skip, yield: yield}
		w.dir(ctx, root, "")
	}
}

type walk struct {
	root  string
	opts  options
	skip  map[string]bool
	yield func(FileRecord, error) bool
}

// dir returns false once the consumer or the context stopped the walk.
func (w *walk) dir(ctx context.Context, path, rel string) bool {
	if err := ctx.Err(); err != nil {
		w.yield(FileRecord{Path: path, RelPath: rel, IsDir: true}, err)
		return false
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return w.yield(FileRecord{Path: path, RelPath: rel, IsDir: true}, err)
	}

	for _, e := range entries {
		childPath := filepath.Join(path, e.Name())
		childRel := filepath.Join(rel, e.Name())

		switch {
		case e.Type()&os.ModeSymlink != 0:
			continue
		case e.IsDir():
			if w.skipped(childPath) {
				continue
			}
			if !w.dir(ctx, childPath, childRel) {
				return false
			}
		case e.Type().IsRegular():
			if !slices.Contains(w.opts.extensions, filepath.Ext(e.Name())) {
				continue
			}
			if err := ctx.Err(); err != nil {
				w.yield(FileRecord{Path: childPath, RelPath: childRel}, err)
				return false
			}
			if !w.yield(FileRecord{Path: childPath, RelPath: childRel}, nil) {
				return false
			}
		}
	}
	return true
}

func (w *walk) skipped(path string) bool {
	if len(w.skip) == 0 {
		return false
	}
	abs, err := filepath.Abs(path)
	return err == nil && w.skip[abs]
}

// DirError is a directory that could not be listed. Callers wrap the
// error Walk yields with the record's path.
type DirError struct {
	Path string
	Err  error
}

func (e *DirError) Error() string { return "read dir " + e.Path + ": " + e.Err.Error() }
func (e *DirError) Unwrap() error { return e.Err }
