// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package keys generates and validates the symmetric key and IV used by
// the encrypt mode.
//
// Key material lives in memguard locked buffers when the process may lock
// enough memory. Otherwise it falls back to ordinary slices and says so in
// the log. Keys are opaque blobs: there is no derivation and no keystore.
package keys

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"

	"github.com/AleutianAI/shroud/pkg/validation"
	"github.com/AleutianAI/shroud/services/shroud/config"
)

const (
	// KeySize is the key length in bytes (AES-256).
	KeySize = 32

	// IVSize is the IV length in bytes (one AES block).
	IVSize = 16

	// minMlockKB is the lock budget needed for two small locked buffers
	// including memguard guard pages.
	minMlockKB = 64
)

var (
	// ErrKeyLength is wrapped by ConfigError when the key is not KeySize bytes.
	ErrKeyLength = errors.New("key must be 32 bytes")

	// ErrIVLength is wrapped by ConfigError when the IV is not IVSize bytes.
	ErrIVLength = errors.New("iv must be 16 bytes")

	// ErrMissingField is wrapped by ConfigError when a required setting is empty.
	ErrMissingField = errors.New("required setting missing")
)

// ConfigError names the first configuration field that failed validation.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config field %q: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// KeyGenerationError reports that the random source failed. It is never
// retried.
type KeyGenerationError struct {
	Err error
}

func (e *KeyGenerationError) Error() string {
	return fmt.Sprintf("generate key material: %v", e.Err)
}

func (e *KeyGenerationError) Unwrap() error { return e.Err }

// =============================================================================
// KeyPair
// =============================================================================

// KeyPair holds a 32-byte key and a 16-byte IV.
//
// # Thread Safety
//
// Read accessors are safe for concurrent use. Destroy must not race with
// readers.
type KeyPair struct {
	key    *memguard.LockedBuffer
	iv     *memguard.LockedBuffer
	rawKey []byte
	rawIV  []byte
}

// newKeyPair takes ownership of key and iv. When locked memory is used the
// source slices are wiped.
func newKeyPair(key, iv []byte, lock bool) *KeyPair {
	if !lock {
		return &KeyPair{rawKey: key, rawIV: iv}
	}
	return &KeyPair{
		key: memguard.NewBufferFromBytes(key),
		iv:  memguard.NewBufferFromBytes(iv),
	}
}

// Key returns the key bytes. The slice must not be modified or retained
// past Destroy.
func (k *KeyPair) Key() []byte {
	if k.key != nil {
		return k.key.Bytes()
	}
	return k.rawKey
}

// IV returns the IV bytes under the same rules as Key.
func (k *KeyPair) IV() []byte {
	if k.iv != nil {
		return k.iv.Bytes()
	}
	return k.rawIV
}

// Locked reports whether the material sits in mlocked memory.
func (k *KeyPair) Locked() bool {
	return k.key != nil
}

// Hex returns the hex encodings written back to the config file.
func (k *KeyPair) Hex() (keyHex, ivHex string) {
	return hex.EncodeToString(k.Key()), hex.EncodeToString(k.IV())
}

// Destroy wipes the material. The pair is unusable afterwards.
func (k *KeyPair) Destroy() {
	if k.key != nil {
		k.key.Destroy()
		k.iv.Destroy()
		return
	}
	clear(k.rawKey)
	clear(k.rawIV)
	k.rawKey, k.rawIV = nil, nil
}

// =============================================================================
// Generation
// =============================================================================

// Generator creates fresh key pairs.
type Generator struct {
	// Rand is the entropy source. Default: crypto/rand.Reader.
	Rand io.Reader

	// Logger receives the locked-memory status. Default: slog.Default().
	Logger *slog.Logger

	// Unlocked forces plain slices even when mlock is available.
	Unlocked bool
}

// Generate draws KeySize+IVSize bytes from the entropy source.
//
// # Description
//
// Any read error, including a short read, returns *KeyGenerationError.
// There is no retry and no fallback to a weaker source.
//
// # Outputs
//
//   - *KeyPair: Fresh material, caller owns it and should Destroy it.
//   - error: *KeyGenerationError on failure.
func (g Generator) Generate() (*KeyPair, error) {
	src := g.Rand
	if src == nil {
		src = rand.Reader
	}
	buf := make([]byte, KeySize+IVSize)
	if _, err := io.ReadFull(src, buf); err != nil {
		clear(buf)
		return nil, &KeyGenerationError{Err: err}
	}
	key := make([]byte, KeySize)
	iv := make([]byte, IVSize)
	copy(key, buf[:KeySize])
	copy(iv, buf[KeySize:])
	clear(buf)

	return newKeyPair(key, iv, g.lockable()), nil
}

func (g Generator) lockable() bool {
	if g.Unlocked {
		return false
	}
	ok, limitKB := mlockAvailable()
	if !ok {
		logger := g.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("mlock limit too low, key material kept in ordinary memory",
			"mlock_limit_kb", limitKB,
			"required_kb", minMlockKB,
		)
	}
	return ok
}

// Generate draws a key pair from crypto/rand.
func Generate() (*KeyPair, error) {
	return Generator{}.Generate()
}

var (
	mlockOnce   sync.Once
	mlockOK     bool
	mlockLimitK int64
)

// mlockAvailable reports whether RLIMIT_MEMLOCK allows locked buffers.
// The answer is computed once per process.
func mlockAvailable() (bool, int64) {
	mlockOnce.Do(func() {
		var rlimit unix.Rlimit
		if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
			mlockOK, mlockLimitK = false, -1
			return
		}
		if rlimit.Cur == unix.RLIM_INFINITY {
			mlockOK, mlockLimitK = true, -1
			return
		}
		mlockLimitK = int64(rlimit.Cur / 1024)
		mlockOK = mlockLimitK >= minMlockKB
	})
	return mlockOK, mlockLimitK
}

// =============================================================================
// Validation
// =============================================================================

// Validate checks cfg before any file is touched.
//
// # Description
//
// Runs the config field rules, then decodes key and IV and checks their
// byte lengths. Returns the first failure only.
//
// # Outputs
//
//   - error: *ConfigError naming the offending field, nil when valid.
func Validate(cfg config.Config) error {
	errs := validate(cfg)
	if len(errs) == 0 {
		return nil
	}
	return errs[0]
}

// ValidateAll is Validate reporting every failure, joined.
func ValidateAll(cfg config.Config) error {
	errs := validate(cfg)
	if len(errs) == 0 {
		return nil
	}
	joined := make([]error, len(errs))
	for i, e := range errs {
		joined[i] = e
	}
	return errors.Join(joined...)
}

func validate(cfg config.Config) []*ConfigError {
	var out []*ConfigError
	seen := map[string]bool{}
	for _, v := range cfg.Violations() {
		ce := &ConfigError{Field: v.Field, Reason: v.String()}
		if v.Rule == "required" {
			ce.Err = ErrMissingField
		}
		out = append(out, ce)
		root, _, _ := strings.Cut(v.Field, "[")
		seen[root] = true
	}
	if !seen["key"] {
		if ce := checkHex("key", cfg.Key, KeySize, ErrKeyLength); ce != nil {
			out = append(out, ce)
		}
	}
	if !seen["iv"] {
		if ce := checkHex("iv", cfg.IV, IVSize, ErrIVLength); ce != nil {
			out = append(out, ce)
		}
	}
	if !seen["extensions"] {
		if err := validation.ValidateExtensions(cfg.Extensions); err != nil {
			out = append(out, &ConfigError{Field: "extensions", Reason: err.Error(), Err: err})
		}
	}
	if cfg.Obfuscator.Engine == config.EngineCommand {
		if err := validation.ValidateCommand(cfg.Obfuscator.Command); err != nil {
			out = append(out, &ConfigError{Field: "obfuscator.command", Reason: err.Error(), Err: err})
		}
	}
	return out
}

func checkHex(field, value string, size int, lengthErr error) *ConfigError {
	raw, err := hex.DecodeString(value)
	if err != nil {
		return &ConfigError{Field: field, Reason: "not a hex string", Err: err}
	}
	defer clear(raw)
	if len(raw) != size {
		return &ConfigError{
			Field:  field,
			Reason: fmt.Sprintf("decodes to %d bytes, want %d", len(raw), size),
			Err:    lengthErr,
		}
	}
	return nil
}

// FromConfig validates cfg and decodes its key and IV. The hex form already
// sits in the config value, so the pair is not locked.
func FromConfig(cfg config.Config) (*KeyPair, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	key, _ := hex.DecodeString(cfg.Key)
	iv, _ := hex.DecodeString(cfg.IV)
	return newKeyPair(key, iv, false), nil
}
