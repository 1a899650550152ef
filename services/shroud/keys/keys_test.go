// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package keys

import (
	"bytes"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/shroud/pkg/validation"
	"github.com/AleutianAI/shroud/services/shroud/config"
)

func validConfig() config.Config {
	return config.Config{
		Algorithm: "aes-256-cbc",
		RootPath:  "./src",
		Copyright: "(c) Acme",
		Key:       strings.Repeat("ab", KeySize),
		IV:        strings.Repeat("cd", IVSize),
	}.WithDefaults()
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

// ----- Generate Tests -----

func TestGenerate_Lengths(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)
	defer kp.Destroy()

	assert.Len(t, kp.Key(), KeySize)
	assert.Len(t, kp.IV(), IVSize)

	keyHex, ivHex := kp.Hex()
	assert.Len(t, keyHex, KeySize*2)
	assert.Len(t, ivHex, IVSize*2)
}

func TestGenerator_DeterministicSource(t *testing.T) {
	seed := make([]byte, KeySize+IVSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	kp, err := Generator{Rand: bytes.NewReader(seed), Unlocked: true}.Generate()
	require.NoError(t, err)

	assert.Equal(t, seed[:KeySize], kp.Key())
	assert.Equal(t, seed[KeySize:], kp.IV())
	assert.False(t, kp.Locked())

	keyHex, _ := kp.Hex()
	assert.Equal(t, hex.EncodeToString(seed[:KeySize]), keyHex)
}

func TestGenerator_Failures(t *testing.T) {
	tests := []struct {
		name string
		src  io.Reader
	}{
		{"reader error", errReader{err: errors.New("entropy unavailable")}},
		{"short read", bytes.NewReader(make([]byte, KeySize))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kp, err := Generator{Rand: tt.src}.Generate()
			assert.Nil(t, kp)
			var kge *KeyGenerationError
			require.True(t, errors.As(err, &kge))
		})
	}
}

func TestGenerator_NoRetryOnFailure(t *testing.T) {
	calls := 0
	src := readerFunc(func(p []byte) (int, error) {
		calls++
		return 0, errors.New("boom")
	})
	_, err := Generator{Rand: src}.Generate()
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

func TestKeyPair_DestroyPlain(t *testing.T) {
	kp := newKeyPair(bytes.Repeat([]byte{1}, KeySize), bytes.Repeat([]byte{2}, IVSize), false)
	kp.Destroy()
	assert.Nil(t, kp.Key())
	assert.Nil(t, kp.IV())
}

func TestKeyPair_LockedWipesSource(t *testing.T) {
	ok, _ := mlockAvailable()
	if !ok {
		t.Skip("mlock limit too low for locked buffers")
	}
	key := bytes.Repeat([]byte{7}, KeySize)
	iv := bytes.Repeat([]byte{9}, IVSize)
	kp := newKeyPair(key, iv, true)
	defer kp.Destroy()

	assert.True(t, kp.Locked())
	assert.Equal(t, bytes.Repeat([]byte{7}, KeySize), kp.Key())
	assert.Equal(t, make([]byte, KeySize), key)
}

// ----- Validate Tests -----

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c config.Config) config.Config
		field   string
		wantErr error
	}{
		{"valid", func(c config.Config) config.Config { return c }, "", nil},
		{"short key", func(c config.Config) config.Config { c.Key = strings.Repeat("ab", 16); return c }, "key", ErrKeyLength},
		{"long iv", func(c config.Config) config.Config { c.IV = strings.Repeat("cd", 32); return c }, "iv", ErrIVLength},
		{"missing key", func(c config.Config) config.Config { c.Key = ""; return c }, "key", ErrMissingField},
		{"missing copyright", func(c config.Config) config.Config { c.Copyright = ""; return c }, "copyright", ErrMissingField},
		{"prefixed hex", func(c config.Config) config.Config { c.Key = "0x" + c.Key; return c }, "key", nil},
		{"odd hex", func(c config.Config) config.Config { c.IV = "abc"; return c }, "iv", nil},
		{"glob extension", func(c config.Config) config.Config { c.Extensions = []string{".*"}; return c }, "extensions", validation.ErrUnsafeInput},
		{"shell in command", func(c config.Config) config.Config {
			c.Obfuscator = config.ObfuscatorConfig{Engine: config.EngineCommand, Command: "obf; rm -rf ~"}
			return c
		}, "obfuscator.command", validation.ErrUnsafeInput},
		{"command ignored for builtin", func(c config.Config) config.Config { c.Obfuscator.Command = "obf; rm"; return c }, "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.mutate(validConfig()))
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var ce *ConfigError
			require.True(t, errors.As(err, &ce), "got %v", err)
			assert.Equal(t, tt.field, ce.Field)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestValidate_ReportsFirstField(t *testing.T) {
	cfg := validConfig()
	cfg.Algorithm = ""
	cfg.Key = "abcd"
	var ce *ConfigError
	require.True(t, errors.As(Validate(cfg), &ce))
	assert.Equal(t, "algorithm", ce.Field)
}

func TestValidateAll_ExtensionReportedOnce(t *testing.T) {
	cfg := validConfig()
	cfg.Extensions = []string{"js"}
	err := ValidateAll(cfg)
	require.Error(t, err)
	// Only the field rule reports it.
	assert.Contains(t, err.Error(), `"extensions[0]"`)
	assert.NotErrorIs(t, err, validation.ErrUnsafeInput)
}

func TestValidateAll_JoinsEveryFailure(t *testing.T) {
	cfg := validConfig()
	cfg.Algorithm = ""
	cfg.Key = "abcd"
	cfg.IV = ""
	err := ValidateAll(cfg)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `"algorithm"`)
	assert.Contains(t, msg, `"key"`)
	assert.Contains(t, msg, `"iv"`)
	assert.ErrorIs(t, err, ErrKeyLength)
}

func TestValidate_ErrorDoesNotLeakKey(t *testing.T) {
	cfg := validConfig()
	cfg.Key = strings.Repeat("ab", 31)
	err := Validate(cfg)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), cfg.Key)
}

func TestFromConfig(t *testing.T) {
	kp, err := FromConfig(validConfig())
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xab}, KeySize), kp.Key())
	assert.Equal(t, bytes.Repeat([]byte{0xcd}, IVSize), kp.IV())

	bad := validConfig()
	bad.IV = "00"
	_, err = FromConfig(bad)
	assert.ErrorIs(t, err, ErrIVLength)
}
