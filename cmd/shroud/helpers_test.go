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
	"bytes"
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/shroud/pkg/logging"
	"github.com/AleutianAI/shroud/pkg/ux"
	"github.com/AleutianAI/shroud/services/shroud/cipher"
	"github.com/AleutianAI/shroud/services/shroud/config"
	"github.com/AleutianAI/shroud/services/shroud/keys"
	"github.com/AleutianAI/shroud/services/shroud/obfuscate"
)

const (
	testKey       = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	testIV        = "f0e0d0c0b0a090807060504030201000"
	testCopyright = "(c) Acme"
)

// env is a config file, a source tree and a backup location under one
// temp directory.
type env struct {
	base       string
	root       string
	backupDir  string
	configPath string
}

func newEnv(t *testing.T, files map[string]string, mutate func(*config.Config)) *env {
	t.Helper()
	base := t.TempDir()
	e := &env{
		base:       base,
		root:       filepath.Join(base, "src"),
		backupDir:  filepath.Join(base, "restore"),
		configPath: filepath.Join(base, "config.yml"),
	}
	require.NoError(t, os.MkdirAll(e.root, 0755))
	for rel, content := range files {
		p := e.path(rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}

	cfg := config.Config{
		Algorithm: cipher.AES256CBC,
		RootPath:  e.root,
		Copyright: testCopyright,
		Key:       testKey,
		IV:        testIV,
		BackupDir: e.backupDir,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, config.Save(e.configPath, cfg))
	return e
}

func (e *env) path(rel string) string {
	return filepath.Join(e.root, filepath.FromSlash(rel))
}

func (e *env) read(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(e.path(rel))
	require.NoError(t, err)
	return string(data)
}

func (e *env) config(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load(e.configPath)
	require.NoError(t, err)
	return cfg
}

func (e *env) loop(p ux.UserPrompter) *loop {
	return &loop{
		configPath: e.configPath,
		prompter:   p,
		logger:     logging.Discard(),
		keygen:     keys.Generator{Unlocked: true},
	}
}

// quiet switches output to machine mode into a buffer for the test.
func quiet(t *testing.T) *bytes.Buffer {
	t.Helper()
	old := ux.GetPersonality()
	ux.SetPersonality(ux.Personality{Level: ux.PersonalityMachine})
	var buf bytes.Buffer
	restore := ux.SetOutput(&buf, &buf)
	t.Cleanup(func() {
		restore()
		ux.SetPersonality(old)
	})
	return &buf
}

// answers scripts Confirm by prompt text. Unlisted prompts answer yes.
func answers(confirm map[string]bool, selectIdx int) *ux.MockPrompter {
	return &ux.MockPrompter{
		ConfirmFunc: func(_ context.Context, prompt string) (bool, error) {
			if v, ok := confirm[prompt]; ok {
				return v, nil
			}
			return true, nil
		},
		SelectFunc: func(context.Context, string, []string) (int, error) {
			return selectIdx, nil
		},
	}
}

func countPrompts(m *ux.MockPrompter, prompt string) int {
	n := 0
	for _, c := range m.Calls {
		if c.Prompt == prompt {
			n++
		}
	}
	return n
}

func encryptHex(t *testing.T, plain, keyHex, ivHex string) string {
	t.Helper()
	key, err := hex.DecodeString(keyHex)
	require.NoError(t, err)
	iv, err := hex.DecodeString(ivHex)
	require.NoError(t, err)
	out, err := cipher.EncryptHex(cipher.New(), []byte(plain), key, iv, cipher.AES256CBC)
	require.NoError(t, err)
	return out
}

// stubObfuscator prefixes a comment. The first bad calls produce a
// verification marker; bad < 0 marks every call.
type stubObfuscator struct {
	mu    sync.Mutex
	calls int
	bad   int
}

func (s *stubObfuscator) Obfuscate(_ context.Context, src []byte, _ obfuscate.Options) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.bad < 0 || s.calls <= s.bad {
		return append([]byte("/*Error: stub*/"), src...), nil
	}
	return append([]byte("/*obf*/"), src...), nil
}

func attributed(body string) string {
	return body + "\n\n" + testCopyright
}

func hasLine(out, line string) bool {
	for _, l := range strings.Split(out, "\n") {
		if l == line {
			return true
		}
	}
	return false
}
