// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backup keeps byte-exact copies of files before a run mutates
// them, and puts them back on rollback.
//
// # Layout
//
// A file at <root>/<rel> is copied to <dir>/<rel>. Mirroring the relative
// path means two files with the same base name in different directories
// never collide. Each completed copy is recorded in a badger journal at
// <dir>/.journal with its size, mode and SHA-256.
//
// # Invariant
//
// Save returns nil only after the copy has been fsynced, renamed into place
// and its journal entry committed. Callers mutate a file only after Save
// returned nil for it.
package backup

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/shroud/pkg/atomicfile"
)

var (
	// ErrStaleBackup means the backup directory already holds files,
	// usually from an interrupted run. Recover it with a rollback first.
	ErrStaleBackup = errors.New("backup directory is not empty")

	// ErrNoBackup means there is no backup directory to recover from.
	ErrNoBackup = errors.New("backup directory does not exist")

	// ErrOutsideRoot means a path to save is not below the store's root.
	ErrOutsideRoot = errors.New("path is outside the walk root")

	// ErrChecksumMismatch means a backup copy no longer matches its journal
	// entry.
	ErrChecksumMismatch = errors.New("backup checksum mismatch")

	// ErrNotSaved means no original was saved for a path.
	ErrNotSaved = errors.New("no backup for path")
)

// RestoreFailure is one backup entry that could not be put back.
type RestoreFailure struct {
	RelPath string
	Err     error
}

// RestoreError lists every entry RestoreAll could not restore.
type RestoreError struct {
	Failures []RestoreFailure
}

func (e *RestoreError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.RelPath, f.Err))
	}
	return fmt.Sprintf("restore failed for %d entries: %s", len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap exposes the per-entry causes to errors.Is.
func (e *RestoreError) Unwrap() []error {
	out := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f.Err
	}
	return out
}

// Config configures a Store.
type Config struct {
	// Dir is the backup directory. Required.
	Dir string

	// Root is the walk root that relative paths are computed against.
	// Required for Save.
	Root string

	// NoSync disables synchronous journal writes. Tests only.
	NoSync bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Store is the backup directory of one run.
//
// # Thread Safety
//
// Safe for concurrent use, though a run saves files one at a time.
type Store struct {
	dir     string
	root    string
	journal *journal
	logger  *slog.Logger

	mu    sync.Mutex
	saved map[string]bool
}

// Open creates the backup directory for a new run.
//
// # Outputs
//
//   - *Store: Ready for Save.
//   - error: ErrStaleBackup (wrapped) when Dir exists and is not empty.
func Open(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("backup directory is required")
	}
	nonEmpty, err := Exists(cfg.Dir)
	if err != nil {
		return nil, err
	}
	if nonEmpty {
		return nil, fmt.Errorf("%s: %w", cfg.Dir, ErrStaleBackup)
	}
	if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
		return nil, fmt.Errorf("create backup directory %s: %w", cfg.Dir, err)
	}
	return open(cfg)
}

// OpenExisting opens a backup directory left by an earlier run, for
// inspection or rollback.
//
// # Outputs
//
//   - error: ErrNoBackup (wrapped) when Dir does not exist.
func OpenExisting(cfg Config) (*Store, error) {
	info, err := os.Stat(cfg.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", cfg.Dir, ErrNoBackup)
	}
	if err != nil {
		return nil, fmt.Errorf("stat backup directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("backup path %s is not a directory", cfg.Dir)
	}
	return open(cfg)
}

func open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "backup", "backup_dir", cfg.Dir)

	j, err := openJournal(filepath.Join(cfg.Dir, JournalDirName), !cfg.NoSync, logger)
	if err != nil {
		return nil, err
	}
	root := cfg.Root
	if root != "" {
		if abs, err := filepath.Abs(root); err == nil {
			root = abs
		}
	}
	return &Store{
		dir:     cfg.Dir,
		root:    root,
		journal: j,
		logger:  logger,
		saved:   make(map[string]bool),
	}, nil
}

// Exists reports whether dir exists and holds at least one entry.
func Exists(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("inspect backup directory %s: %w", dir, err)
	}
	return len(entries) > 0, nil
}

// Dir returns the backup directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) relPath(path string) (string, error) {
	if s.root == "" {
		return "", errors.New("store has no root")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(s.root, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", path, ErrOutsideRoot)
	}
	return rel, nil
}

// Save copies path into the backup directory.
//
// # Description
//
// The copy is written through a temp file, fsynced and renamed, then the
// journal entry is committed. Saving the same path twice in one run keeps
// the first copy, since by then the file on disk may already be
// transformed.
//
// # Outputs
//
//   - error: Non-nil if any step failed. The file must then not be mutated.
func (s *Store) Save(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rel, err := s.relPath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved[rel] {
		return nil
	}
	if s.journal.closed() {
		return errJournalClosed
	}

	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open original: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat original: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", path)
	}

	dst := filepath.Join(s.dir, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return fmt.Errorf("create backup subdirectory: %w", err)
	}

	h := sha256.New()
	n, err := atomicfile.WriteFrom(dst, io.TeeReader(src, h), info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("copy %s to backup: %w", rel, err)
	}

	entry := Entry{
		RelPath: filepath.ToSlash(rel),
		Size:    n,
		Mode:    info.Mode().Perm(),
		SHA256:  hex.EncodeToString(h.Sum(nil)),
		SavedAt: time.Now().UTC(),
	}
	if err := s.journal.put(entry); err != nil {
		return fmt.Errorf("journal %s: %w", rel, err)
	}
	s.saved[rel] = true

	s.logger.Debug("original saved", "path", path, "bytes", n)
	return nil
}

// Original returns the saved bytes of path.
func (s *Store) Original(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rel, err := s.relPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.dir, rel))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, ErrNotSaved)
	}
	return data, err
}

// Entries returns the journal entries in relative path order.
func (s *Store) Entries(ctx context.Context) ([]Entry, error) {
	return s.journal.list(ctx)
}

// RestoreAll copies every backup file back to its place under root.
//
// # Description
//
// Walks the backup directory in lexical order, skipping the journal and
// in-flight temp files. Each copy is checked against its journal entry when
// one exists and written back atomically, recreating missing parent
// directories. A failing entry is recorded and the rest are still tried.
//
// # Outputs
//
//   - []string: Restored target paths, in processing order.
//   - error: *RestoreError listing failed entries, ctx.Err() if cancelled,
//     or a walk error. Nil when everything was restored.
func (s *Store) RestoreAll(ctx context.Context, root string) ([]string, error) {
	var (
		restored []string
		failures []RestoreFailure
	)

	walkErr := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == s.dir {
				return err
			}
			rel, _ := filepath.Rel(s.dir, path)
			failures = append(failures, RestoreFailure{RelPath: rel, Err: err})
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if d.Name() == JournalDirName && filepath.Dir(path) == filepath.Clean(s.dir) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || atomicfile.IsTemp(d.Name()) {
			return nil
		}

		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			failures = append(failures, RestoreFailure{RelPath: path, Err: err})
			return nil
		}
		target := filepath.Join(root, rel)
		if err := s.restoreOne(path, rel, target); err != nil {
			s.logger.Error("restore failed", "path", target, "error", err)
			failures = append(failures, RestoreFailure{RelPath: rel, Err: err})
			return nil
		}
		restored = append(restored, target)
		return nil
	})
	if walkErr != nil {
		return restored, fmt.Errorf("walk backup directory: %w", walkErr)
	}
	if len(failures) > 0 {
		return restored, &RestoreError{Failures: failures}
	}
	s.logger.Info("originals restored", "count", len(restored))
	return restored, nil
}

func (s *Store) restoreOne(src, rel, target string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	mode := os.FileMode(0644)
	if info, err := os.Stat(src); err == nil {
		mode = info.Mode().Perm()
	}

	entry, ok, err := s.journal.get(filepath.ToSlash(rel))
	if err != nil {
		return err
	}
	if ok {
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != entry.SHA256 || int64(len(data)) != entry.Size {
			return ErrChecksumMismatch
		}
		mode = entry.Mode
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("recreate directory: %w", err)
	}
	if current, err := os.ReadFile(target); err == nil && bytes.Equal(current, data) {
		return nil
	}
	return atomicfile.WriteFile(target, data, mode)
}

// Close releases the journal and leaves the backup directory in place.
func (s *Store) Close() error {
	return s.journal.close()
}

// Discard closes the journal and deletes the backup directory.
func (s *Store) Discard() error {
	if err := s.journal.close(); err != nil {
		s.logger.Warn("journal close failed", "error", err)
	}
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("remove backup directory %s: %w", s.dir, err)
	}
	s.logger.Info("backups discarded")
	return nil
}
