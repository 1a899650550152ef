// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rollback puts a tree back the way it was before a transform run.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/shroud/services/shroud/backup"
	"github.com/AleutianAI/shroud/services/shroud/config"
)

// Store is the part of backup.Store a rollback needs.
type Store interface {
	RestoreAll(ctx context.Context, root string) ([]string, error)
	Discard() error
}

// Result describes a rollback, complete or not.
type Result struct {
	// ConfigRestored is false when there was no config snapshot.
	ConfigRestored bool

	// Restored lists files written back, in processing order.
	Restored []string

	// Failures lists backup entries that could not be restored.
	Failures []backup.RestoreFailure

	// Discarded reports whether the backup directory was removed.
	Discarded bool

	Duration time.Duration
}

// RollbackError reports an incomplete rollback. The backup directory is
// kept so the rollback can be retried.
type RollbackError struct {
	Failures []backup.RestoreFailure
	Err      error
}

func (e *RollbackError) Error() string {
	switch {
	case len(e.Failures) > 0 && e.Err != nil:
		return fmt.Sprintf("rollback incomplete: %d entries not restored: %v", len(e.Failures), e.Err)
	case len(e.Failures) > 0:
		return fmt.Sprintf("rollback incomplete: %d entries not restored", len(e.Failures))
	default:
		return fmt.Sprintf("rollback incomplete: %v", e.Err)
	}
}

func (e *RollbackError) Unwrap() error { return e.Err }

// Options configures a Controller.
type Options struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// TracingEnabled emits spans through the global tracer provider.
	TracingEnabled bool
}

// Controller performs rollbacks.
//
// # Thread Safety
//
// Safe for concurrent use on different stores.
type Controller struct {
	logger *slog.Logger
	tracer *Tracer
}

// New creates a Controller.
func New(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "rollback")
	return &Controller{logger: logger, tracer: NewTracer(logger, opts.TracingEnabled)}
}

// Rollback restores the config file and every backed-up file.
//
// # Description
//
//  1. If configBackupPath exists it is copied over configPath. A missing
//     snapshot is logged; key changes then cannot be undone.
//  2. Every backup entry is copied back under root, best effort.
//  3. Only when every entry was restored is the backup store discarded.
//
// # Inputs
//
//   - configBackupPath: Snapshot to restore. Empty skips step 1.
//
// # Outputs
//
//   - *Result: Always non-nil.
//   - error: *RollbackError when any step failed.
func (c *Controller) Rollback(ctx context.Context, root string, store Store, configBackupPath, configPath string) (*Result, error) {
	start := time.Now()
	ctx, span := c.tracer.StartRollback(ctx, root)

	result, err := c.rollback(ctx, root, store, configBackupPath, configPath)
	result.Duration = time.Since(start)

	c.tracer.EndRollback(span, result, err)
	recordRollback(ctx, result, err)
	return result, err
}

func (c *Controller) rollback(ctx context.Context, root string, store Store, configBackupPath, configPath string) (*Result, error) {
	result := &Result{}
	var errs []error

	if configBackupPath != "" {
		ok, err := config.RestoreSnapshot(configBackupPath, configPath)
		switch {
		case err != nil:
			c.logger.Error("config restore failed", "snapshot", configBackupPath, "error", err)
			errs = append(errs, fmt.Errorf("restore config: %w", err))
		case !ok:
			c.logger.Warn("no config snapshot, key changes cannot be undone", "snapshot", configBackupPath)
		default:
			result.ConfigRestored = true
			c.logger.Info("config restored", "path", configPath)
		}
	}

	restored, err := store.RestoreAll(ctx, root)
	result.Restored = restored
	if err != nil {
		var restoreErr *backup.RestoreError
		if errors.As(err, &restoreErr) {
			result.Failures = restoreErr.Failures
		} else {
			errs = append(errs, err)
		}
	}

	if len(result.Failures) > 0 || len(errs) > 0 {
		c.logger.Error("rollback incomplete, backups kept",
			"restored", len(result.Restored),
			"failed", len(result.Failures),
		)
		return result, &RollbackError{Failures: result.Failures, Err: errors.Join(errs...)}
	}

	if err := store.Discard(); err != nil {
		return result, &RollbackError{Err: err}
	}
	result.Discarded = true
	c.logger.Info("rollback complete", "restored", len(result.Restored))
	return result, nil
}
