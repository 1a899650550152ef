// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rollback

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/AleutianAI/shroud/pkg/logging"
	"github.com/AleutianAI/shroud/services/shroud/backup"
	"github.com/AleutianAI/shroud/services/shroud/cipher"
	"github.com/AleutianAI/shroud/services/shroud/config"
	"github.com/AleutianAI/shroud/services/shroud/transform"
	"github.com/AleutianAI/shroud/services/shroud/verify"
)

const (
	testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	testIV  = "0f0e0d0c0b0a09080706050403020100"
)

// =============================================================================
// Fixtures
// =============================================================================

type fixture struct {
	base       string
	root       string
	backupDir  string
	configPath string
	cfg        config.Config
	store      *backup.Store
	originals  map[string]string
}

// newTransformed builds a tree, snapshots its config and runs an encrypt
// pass over it.
func newTransformed(t *testing.T, files map[string]string) *fixture {
	t.Helper()
	base := t.TempDir()
	root := filepath.Join(base, "src")
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}

	cfg := config.Config{
		Algorithm: cipher.AES256CBC,
		RootPath:  root,
		Copyright: "(c) Acme",
		Key:       testKey,
		IV:        testIV,
	}
	configPath := filepath.Join(base, config.DefaultPath)
	require.NoError(t, config.Save(configPath, cfg))
	_, err := config.Snapshot(configPath)
	require.NoError(t, err)

	backupDir := filepath.Join(base, "restore")
	store, err := backup.Open(backup.Config{Dir: backupDir, Root: root, NoSync: true, Logger: logging.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg = cfg.WithDefaults()
	report, err := transform.New(transform.Options{Logger: logging.Discard()}).
		Run(context.Background(), root, transform.ModeEncrypt, cfg, store)
	require.NoError(t, err)
	require.True(t, report.Clean())

	return &fixture{
		base: base, root: root, backupDir: backupDir, configPath: configPath,
		cfg: cfg, store: store, originals: files,
	}
}

func (f *fixture) assertOriginals(t *testing.T) {
	t.Helper()
	for rel, want := range f.originals {
		got, err := os.ReadFile(filepath.Join(f.root, filepath.FromSlash(rel)))
		require.NoError(t, err)
		assert.Equal(t, want, string(got), rel)
	}
}

func newController() *Controller {
	return New(Options{Logger: logging.Discard()})
}

// fakeStore scripts RestoreAll and records Discard.
type fakeStore struct {
	restored   []string
	restoreErr error
	discardErr error
	discarded  bool
}

func (s *fakeStore) RestoreAll(context.Context, string) ([]string, error) {
	return s.restored, s.restoreErr
}

func (s *fakeStore) Discard() error {
	s.discarded = true
	return s.discardErr
}

// =============================================================================
// Rollback Tests
// =============================================================================

func TestRollback_RoundTrip(t *testing.T) {
	f := newTransformed(t, map[string]string{
		"a.js":         "let x=1;",
		"lib/util.js":  "export const u = 2;",
		"lib2/util.js": "export const u = 3;",
		"readme.txt":   "untouched",
	})

	// Regenerated keys were written back after the snapshot.
	require.NoError(t, config.Save(f.configPath, f.cfg.WithKeys(testIV+testIV, testIV)))

	result, err := newController().Rollback(context.Background(), f.root, f.store, config.SnapshotPath(f.configPath), f.configPath)
	require.NoError(t, err)
	assert.True(t, result.ConfigRestored)
	assert.True(t, result.Discarded)
	assert.Len(t, result.Restored, 3)
	assert.Empty(t, result.Failures)

	f.assertOriginals(t)
	assert.NoDirExists(t, f.backupDir)

	restored, err := config.Load(f.configPath)
	require.NoError(t, err)
	assert.Equal(t, testKey, restored.Key)
}

func TestRollback_AfterFailedVerification(t *testing.T) {
	f := newTransformed(t, map[string]string{"a.js": "let x=1;"})
	path := filepath.Join(f.root, "a.js")
	require.NoError(t, os.WriteFile(path, []byte("Error: transform blew up"), 0644))

	outcome, err := verify.New(verify.Options{Logger: logging.Discard()}).Verify(context.Background(), f.root)
	require.NoError(t, err)
	require.False(t, outcome.Succeeded)
	require.Equal(t, []string{path}, outcome.FailingPaths)

	_, err = newController().Rollback(context.Background(), f.root, f.store, config.SnapshotPath(f.configPath), f.configPath)
	require.NoError(t, err)
	f.assertOriginals(t)

	exists, err := backup.Exists(f.backupDir)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRollback_MissingSnapshotIsReported(t *testing.T) {
	f := newTransformed(t, map[string]string{"a.js": "let x=1;"})
	require.NoError(t, os.Remove(config.SnapshotPath(f.configPath)))

	result, err := newController().Rollback(context.Background(), f.root, f.store, config.SnapshotPath(f.configPath), f.configPath)
	require.NoError(t, err)
	assert.False(t, result.ConfigRestored)
	assert.True(t, result.Discarded)
	f.assertOriginals(t)
}

func TestRollback_NoSnapshotPath(t *testing.T) {
	store := &fakeStore{restored: []string{"a.js"}}
	result, err := newController().Rollback(context.Background(), "/src", store, "", "")
	require.NoError(t, err)
	assert.False(t, result.ConfigRestored)
	assert.True(t, store.discarded)
}

func TestRollback_PartialRestoreKeepsBackups(t *testing.T) {
	failures := []backup.RestoreFailure{{RelPath: "b.js", Err: backup.ErrChecksumMismatch}}
	store := &fakeStore{
		restored:   []string{"/src/a.js"},
		restoreErr: &backup.RestoreError{Failures: failures},
	}

	result, err := newController().Rollback(context.Background(), "/src", store, "", "")
	var rbErr *RollbackError
	require.True(t, errors.As(err, &rbErr))
	assert.Equal(t, failures, rbErr.Failures)
	assert.Contains(t, err.Error(), "1 entries not restored")
	assert.Equal(t, []string{"/src/a.js"}, result.Restored)
	assert.False(t, result.Discarded)
	assert.False(t, store.discarded)
}

func TestRollback_RealStoreChecksumMismatch(t *testing.T) {
	f := newTransformed(t, map[string]string{"a.js": "let x=1;", "b.js": "let y=2;"})
	require.NoError(t, os.WriteFile(filepath.Join(f.backupDir, "b.js"), []byte("corrupted"), 0644))

	result, err := newController().Rollback(context.Background(), f.root, f.store, "", f.configPath)
	var rbErr *RollbackError
	require.True(t, errors.As(err, &rbErr))
	require.Len(t, rbErr.Failures, 1)
	assert.Equal(t, "b.js", rbErr.Failures[0].RelPath)
	assert.ErrorIs(t, rbErr.Failures[0].Err, backup.ErrChecksumMismatch)

	assert.Equal(t, []string{filepath.Join(f.root, "a.js")}, result.Restored)
	assert.DirExists(t, f.backupDir)
}

func TestRollback_StoreErrors(t *testing.T) {
	walkErr := errors.New("walk backup directory: permission denied")
	store := &fakeStore{restoreErr: walkErr}
	_, err := newController().Rollback(context.Background(), "/src", store, "", "")
	assert.ErrorIs(t, err, walkErr)
	assert.False(t, store.discarded)

	discardErr := errors.New("device busy")
	store = &fakeStore{discardErr: discardErr}
	result, err := newController().Rollback(context.Background(), "/src", store, "", "")
	assert.ErrorIs(t, err, discardErr)
	assert.False(t, result.Discarded)
}

func TestRollbackError_Messages(t *testing.T) {
	assert.Equal(t, "rollback incomplete: boom", (&RollbackError{Err: errors.New("boom")}).Error())
	e := &RollbackError{Failures: make([]backup.RestoreFailure, 2), Err: errors.New("boom")}
	assert.Equal(t, "rollback incomplete: 2 entries not restored: boom", e.Error())
}

// =============================================================================
// Observability Tests
// =============================================================================

func TestRollback_EmitsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		_ = provider.Shutdown(context.Background())
	})

	c := New(Options{Logger: logging.Discard(), TracingEnabled: true})
	_, err := c.Rollback(context.Background(), "/src", &fakeStore{restored: []string{"/src/a.js"}}, "", "")
	require.NoError(t, err)
	_, err = c.Rollback(context.Background(), "/src", &fakeStore{restoreErr: errors.New("boom")}, "", "")
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "rollback.run", spans[0].Name())
	assert.Equal(t, otelcodes.Ok, spans[0].Status().Code)
	assert.Equal(t, otelcodes.Error, spans[1].Status().Code)
}

func TestTracer_Disabled(t *testing.T) {
	tr := NewTracer(nil, false)
	ctx, span := tr.StartRollback(context.Background(), "/src")
	assert.NotNil(t, ctx)
	assert.False(t, span.IsRecording())
	tr.EndRollback(span, &Result{}, nil)
	tr.EndRollback(nil, nil, nil)
}

func TestRecordRollback(t *testing.T) {
	ctx := context.Background()

	t.Run("records", func(t *testing.T) {
		SetMetricsEnabled(true)
		// Should not panic
		recordRollback(ctx, &Result{Restored: []string{"a"}}, nil)
		recordRollback(ctx, &Result{Failures: make([]backup.RestoreFailure, 1)}, errors.New("x"))
	})

	t.Run("skips when disabled", func(t *testing.T) {
		SetMetricsEnabled(false)
		recordRollback(ctx, &Result{}, nil)
		SetMetricsEnabled(true)
	})
}
