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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/AleutianAI/shroud/pkg/ux"
	"github.com/AleutianAI/shroud/services/shroud/backup"
	"github.com/AleutianAI/shroud/services/shroud/cipher"
	"github.com/AleutianAI/shroud/services/shroud/config"
	"github.com/AleutianAI/shroud/services/shroud/keys"
)

var sampleTree = map[string]string{
	"a.js":       "let x=1;",
	"lib/b.js":   "let b = 2;",
	"notes.txt":  "leave me",
	"lib/c.json": "{}",
}

// ----- Success Tests -----

func TestLoop_EncryptKeepKeys(t *testing.T) {
	out := quiet(t)
	e := newEnv(t, sampleTree, nil)
	p := answers(nil, 0)
	l := e.loop(p)
	l.mode = "encrypt"
	l.keepKeys = true

	require.NoError(t, l.run(context.Background()))

	assert.Equal(t, attributed(encryptHex(t, "let x=1;", testKey, testIV)), e.read(t, "a.js"))
	assert.Equal(t, attributed(encryptHex(t, "let b = 2;", testKey, testIV)), e.read(t, "lib/b.js"))
	assert.Equal(t, "leave me", e.read(t, "notes.txt"))
	assert.Equal(t, "{}", e.read(t, "lib/c.json"))
	assert.NoDirExists(t, e.backupDir)

	assert.Equal(t, 0, countPrompts(p, promptKeygen))
	assert.Equal(t, 1, countPrompts(p, promptSettings))
	assert.True(t, hasLine(out.String(), "SUMMARY: processed=2 skipped=0 failed=0"), out.String())
	assert.Contains(t, out.String(), "OK: Process completed successfully.")
}

func TestLoop_EncryptRegeneratesKeys(t *testing.T) {
	quiet(t)
	e := newEnv(t, map[string]string{"a.js": "let x=1;"}, nil)
	l := e.loop(answers(nil, 0))
	l.mode = "1"

	require.NoError(t, l.run(context.Background()))

	cfg := e.config(t)
	assert.NotEqual(t, testKey, cfg.Key)
	assert.Len(t, cfg.Key, 64)
	assert.Len(t, cfg.IV, 32)
	assert.Equal(t, attributed(encryptHex(t, "let x=1;", cfg.Key, cfg.IV)), e.read(t, "a.js"))

	snap, err := config.Load(config.SnapshotPath(e.configPath))
	require.NoError(t, err)
	assert.Equal(t, testKey, snap.Key)
}

func TestLoop_RegenerateLeavesUserFieldsAlone(t *testing.T) {
	quiet(t)
	e := newEnv(t, map[string]string{"a.js": "let x=1;"}, nil)
	data, err := os.ReadFile(e.configPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(e.configPath, append([]byte("# team config\n"), data...), 0640))
	require.NoError(t, os.Chmod(e.configPath, 0640))

	l := e.loop(answers(nil, 0))
	l.mode = "1"
	require.NoError(t, l.run(context.Background()))

	after, err := os.ReadFile(e.configPath)
	require.NoError(t, err)
	text := string(after)
	assert.Contains(t, text, "# team config")
	assert.NotContains(t, text, "obfuscator")
	assert.NotContains(t, text, "maxAttempts")
	assert.NotContains(t, text, testKey)

	info, err := os.Stat(e.configPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0640), info.Mode().Perm())
}

func TestLoop_SettingsMaskSecrets(t *testing.T) {
	out := quiet(t)
	e := newEnv(t, map[string]string{"a.js": "x"}, nil)
	l := e.loop(answers(map[string]bool{promptSettings: false}, 0))
	l.keepKeys = true

	require.NoError(t, l.run(context.Background()))
	assert.Contains(t, out.String(), "key="+ux.Mask(testKey))
	assert.NotContains(t, out.String(), testKey)

	out.Reset()
	l.showSecrets = true
	require.NoError(t, l.run(context.Background()))
	assert.Contains(t, out.String(), "key="+testKey)
}

func TestLoop_ModePrompt(t *testing.T) {
	quiet(t)
	e := newEnv(t, map[string]string{"a.js": "let a = 1;"}, nil)
	p := answers(nil, 1)
	l := e.loop(p)
	l.keepKeys = true
	l.obfuscator = &stubObfuscator{}

	require.NoError(t, l.run(context.Background()))

	assert.Equal(t, attributed("/*obf*/let a = 1;"), e.read(t, "a.js"))
	require.Equal(t, 1, countPrompts(p, promptMode))
	for _, c := range p.Calls {
		if c.Method == "Select" {
			assert.Equal(t, modeOptions, c.Options)
		}
	}
}

func TestLoop_BuiltinObfuscator(t *testing.T) {
	quiet(t)
	src := "// greeting\nvar greeting = \"hello\";\n\n    console.log(greeting, 42);\n"
	e := newEnv(t, map[string]string{"a.js": src}, func(c *config.Config) {
		c.Verify.Strategies = []string{config.StrategyMarkers, config.StrategySyntax}
	})
	l := e.loop(answers(nil, 0))
	l.mode = "obfuscate"
	l.keepKeys = true

	require.NoError(t, l.run(context.Background()))
	got := e.read(t, "a.js")
	assert.NotEqual(t, attributed(src), got)
	assert.NotContains(t, got, "// greeting")
	assert.NotContains(t, got, "    console")
	assert.Contains(t, got, "\n\n"+testCopyright)
	assert.NoDirExists(t, e.backupDir)
}

func TestLoop_RoundTripVerification(t *testing.T) {
	quiet(t)
	e := newEnv(t, sampleTree, func(c *config.Config) {
		c.Verify.Strategies = []string{config.StrategyMarkers, config.StrategyRoundTrip}
		c.Verify.Workers = 4
	})
	l := e.loop(answers(nil, 0))
	l.mode = "encrypt"

	require.NoError(t, l.run(context.Background()))
	assert.NoDirExists(t, e.backupDir)
}

// ----- Cancellation Tests -----

func TestLoop_KeygenDeclined(t *testing.T) {
	out := quiet(t)
	e := newEnv(t, sampleTree, nil)
	p := answers(map[string]bool{promptKeygen: false}, 0)

	require.NoError(t, e.loop(p).run(context.Background()))

	assert.Equal(t, testKey, e.config(t).Key)
	assert.FileExists(t, config.SnapshotPath(e.configPath))
	assert.Equal(t, "let x=1;", e.read(t, "a.js"))
	assert.NoDirExists(t, e.backupDir)
	assert.Len(t, p.Calls, 1)
	assert.Contains(t, out.String(), "ERROR: Operation cancelled.")
}

func TestLoop_SettingsDeclined(t *testing.T) {
	quiet(t)
	e := newEnv(t, sampleTree, nil)
	p := answers(map[string]bool{promptSettings: false}, 0)

	require.NoError(t, e.loop(p).run(context.Background()))

	// The new key was already written back before the settings screen.
	assert.NotEqual(t, testKey, e.config(t).Key)
	assert.Equal(t, "let x=1;", e.read(t, "a.js"))
	assert.NoDirExists(t, e.backupDir)
}

func TestLoop_InvalidModeSelection(t *testing.T) {
	quiet(t)
	e := newEnv(t, sampleTree, nil)
	p := &ux.MockPrompter{
		ConfirmFunc: func(context.Context, string) (bool, error) { return true, nil },
		SelectFunc: func(context.Context, string, []string) (int, error) {
			return 0, ux.ErrInvalidSelection
		},
	}
	l := e.loop(p)
	l.keepKeys = true

	require.NoError(t, l.run(context.Background()))
	assert.Equal(t, "let x=1;", e.read(t, "a.js"))
	assert.NoDirExists(t, e.backupDir)
}

func TestLoop_NonInteractive(t *testing.T) {
	quiet(t)
	e := newEnv(t, sampleTree, nil)

	err := e.loop(ux.NewNonInteractivePrompter()).run(context.Background())
	assert.ErrorIs(t, err, ux.ErrNonInteractive)
	assert.Equal(t, testKey, e.config(t).Key)
}

func TestLoop_AutoApprove(t *testing.T) {
	quiet(t)
	e := newEnv(t, sampleTree, nil)
	l := e.loop(ux.NewAutoApprovePrompter())

	require.NoError(t, l.run(context.Background()))
	// First option of the mode menu is encrypt.
	cfg := e.config(t)
	assert.Equal(t, attributed(encryptHex(t, "let x=1;", cfg.Key, cfg.IV)), e.read(t, "a.js"))
}

// ----- Verification Failure Tests -----

func TestLoop_VerificationFailureRollbackAndRetry(t *testing.T) {
	quiet(t)
	e := newEnv(t, map[string]string{"a.js": "let a = 1;", "b.js": "let b = 2;"}, nil)
	p := answers(nil, 0)
	l := e.loop(p)
	l.mode = "obfuscate"
	l.obfuscator = &stubObfuscator{bad: 2}

	require.NoError(t, l.run(context.Background()))

	assert.Equal(t, attributed("/*obf*/let a = 1;"), e.read(t, "a.js"))
	assert.Equal(t, attributed("/*obf*/let b = 2;"), e.read(t, "b.js"))
	assert.NoDirExists(t, e.backupDir)
	assert.Equal(t, 1, countPrompts(p, promptUndo))
	assert.Equal(t, 2, countPrompts(p, promptKeygen))
}

func TestLoop_VerificationFailureDeclined(t *testing.T) {
	quiet(t)
	e := newEnv(t, map[string]string{"a.js": "let a = 1;"}, nil)
	l := e.loop(answers(map[string]bool{promptUndo: false}, 0))
	l.mode = "obfuscate"
	l.keepKeys = true
	l.obfuscator = &stubObfuscator{bad: -1}

	err := l.run(context.Background())
	require.ErrorIs(t, err, ErrVerificationFailed)
	assert.Equal(t, ExitFailure, exitCode(err))
	assert.Contains(t, ExtractHint(err), "shroud rollback")

	// Tree and backups are both left for a later rollback.
	assert.Equal(t, attributed("/*Error: stub*/let a = 1;"), e.read(t, "a.js"))
	data, rerr := os.ReadFile(filepath.Join(e.backupDir, "a.js"))
	require.NoError(t, rerr)
	assert.Equal(t, "let a = 1;", string(data))
}

func TestLoop_GivesUpAfterMaxAttempts(t *testing.T) {
	quiet(t)
	e := newEnv(t, map[string]string{"a.js": "let a = 1;"}, func(c *config.Config) {
		c.MaxAttempts = 2
	})
	p := answers(nil, 0)
	l := e.loop(p)
	l.mode = "obfuscate"
	l.obfuscator = &stubObfuscator{bad: -1}

	err := l.run(context.Background())
	require.ErrorIs(t, err, ErrVerificationFailed)
	assert.Equal(t, 2, countPrompts(p, promptUndo))

	// Every attempt was undone, config included.
	assert.Equal(t, "let a = 1;", e.read(t, "a.js"))
	assert.Equal(t, testKey, e.config(t).Key)
	assert.NoDirExists(t, e.backupDir)
}

// ----- Fatal Error Tests -----

func TestLoop_Prechecks(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		mode   string
		field  string
		is     error
	}{
		{
			name:   "short key",
			mutate: func(c *config.Config) { c.Key = "abcd" },
			mode:   "encrypt",
			field:  "key",
			is:     keys.ErrKeyLength,
		},
		{
			name:   "missing root",
			mutate: func(c *config.Config) { c.RootPath = filepath.Join(filepath.Dir(c.RootPath), "missing") },
			mode:   "encrypt",
			field:  "directoryPath",
			is:     os.ErrNotExist,
		},
		{
			name:   "unsupported algorithm",
			mutate: func(c *config.Config) { c.Algorithm = "aes-128-gcm" },
			mode:   "encrypt",
			field:  "algorithm",
			is:     cipher.ErrUnsupportedAlgorithm,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			quiet(t)
			e := newEnv(t, sampleTree, tt.mutate)
			l := e.loop(answers(nil, 0))
			l.mode = tt.mode
			l.keepKeys = true

			err := l.run(context.Background())
			var cfgErr *keys.ConfigError
			require.True(t, errors.As(err, &cfgErr), "got %v", err)
			assert.Equal(t, tt.field, cfgErr.Field)
			assert.ErrorIs(t, err, tt.is)
			assert.Equal(t, ExitConfig, exitCode(WrapExitError(err, "run")))

			assert.NoDirExists(t, e.backupDir)
		})
	}
}

func TestLoop_BadModeFlag(t *testing.T) {
	quiet(t)
	e := newEnv(t, sampleTree, nil)
	l := e.loop(answers(nil, 0))
	l.mode = "compress"
	l.keepKeys = true

	err := l.run(context.Background())
	assert.Equal(t, ExitConfig, exitCode(err))
	assert.Equal(t, "let x=1;", e.read(t, "a.js"))
}

func TestLoop_MissingConfig(t *testing.T) {
	quiet(t)
	l := (&env{configPath: filepath.Join(t.TempDir(), "none.yml")}).loop(answers(nil, 0))

	err := l.run(context.Background())
	assert.ErrorIs(t, err, config.ErrNotFound)
	assert.Equal(t, ExitConfig, exitCode(WrapExitError(err, "run")))
}

func TestLoop_StaleBackup(t *testing.T) {
	quiet(t)
	e := newEnv(t, sampleTree, nil)
	require.NoError(t, os.MkdirAll(e.backupDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(e.backupDir, "a.js"), []byte("old"), 0644))
	l := e.loop(answers(nil, 0))
	l.mode = "encrypt"
	l.keepKeys = true

	err := l.run(context.Background())
	require.ErrorIs(t, err, backup.ErrStaleBackup)
	assert.Contains(t, WrapExitError(err, "run").Hint, "shroud rollback")
	assert.Equal(t, "let x=1;", e.read(t, "a.js"))
}

func TestLoop_Cancelled(t *testing.T) {
	quiet(t)
	e := newEnv(t, sampleTree, nil)
	ctx, cancel := context.WithCancel(context.Background())
	p := &ux.MockPrompter{
		ConfirmFunc: func(context.Context, string) (bool, error) {
			cancel()
			return true, nil
		},
	}
	l := e.loop(p)
	l.mode = "encrypt"
	l.keepKeys = true

	err := l.run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, ExitInterrupted, exitCode(WrapExitError(err, "run")))
	assert.Equal(t, "let x=1;", e.read(t, "a.js"))
	assert.NoDirExists(t, e.backupDir)
}

// ----- Tracing Tests -----

func TestLoop_TracingEmitsCycleSpan(t *testing.T) {
	quiet(t)
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	e := newEnv(t, map[string]string{"a.js": "let x=1;"}, nil)
	l := e.loop(answers(nil, 0))
	l.mode = "encrypt"
	l.keepKeys = true
	l.tracing = true

	require.NoError(t, l.run(context.Background()))

	names := map[string]bool{}
	for _, s := range recorder.Ended() {
		names[s.Name()] = true
	}
	assert.True(t, names["shroud.cycle"], "spans: %v", names)
	assert.True(t, names["transform.run"], "spans: %v", names)
}
