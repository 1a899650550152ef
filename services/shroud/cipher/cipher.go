// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cipher is the symmetric encryption collaborator of the encrypt
// mode.
//
// Output is deterministic for a fixed (plaintext, key, iv, algorithm). The
// ciphertext is stored as lowercase hex, matching what Node's
// createCipheriv(...).update(text, "utf8", "hex") + final("hex") produces
// for the same algorithm.
package cipher

import (
	"bytes"
	"crypto/aes"
	stdcipher "crypto/cipher"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Supported algorithm names.
const (
	AES256CBC = "aes-256-cbc"
	AES256CTR = "aes-256-ctr"
)

const (
	keySize = 32
	ivSize  = aes.BlockSize
)

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrKeySize              = errors.New("key must be 32 bytes")
	ErrIVSize               = errors.New("iv must be 16 bytes")
	ErrPadding              = errors.New("bad padding")
)

// CryptoError wraps every failure of Encrypt and Decrypt.
type CryptoError struct {
	Op        string
	Algorithm string
	Err       error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Algorithm, e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

// Cipher encrypts and decrypts whole buffers.
type Cipher interface {
	Encrypt(plaintext, key, iv []byte, algorithm string) ([]byte, error)
	Decrypt(ciphertext, key, iv []byte, algorithm string) ([]byte, error)
}

// AES implements Cipher with crypto/aes.
type AES struct{}

// New returns the AES cipher.
func New() *AES { return &AES{} }

// Algorithms lists the accepted algorithm names.
func Algorithms() []string { return []string{AES256CBC, AES256CTR} }

// Supports reports whether algorithm is accepted (case-insensitive).
func (*AES) Supports(algorithm string) bool {
	return slices.Contains(Algorithms(), normalize(algorithm))
}

// Encrypt encrypts plaintext.
//
// # Inputs
//
//   - plaintext: Any length, including zero.
//   - key: 32 bytes.
//   - iv: 16 bytes.
//   - algorithm: One of Algorithms(), case-insensitive.
//
// # Outputs
//
//   - []byte: Ciphertext. CBC output is PKCS#7 padded.
//   - error: *CryptoError on bad key, IV or algorithm.
func (c *AES) Encrypt(plaintext, key, iv []byte, algorithm string) ([]byte, error) {
	alg := normalize(algorithm)
	block, err := c.block(key, iv, alg)
	if err != nil {
		return nil, &CryptoError{Op: "encrypt", Algorithm: algorithm, Err: err}
	}
	switch alg {
	case AES256CBC:
		padded := pkcs7Pad(plaintext, aes.BlockSize)
		out := make([]byte, len(padded))
		stdcipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
		return out, nil
	default:
		out := make([]byte, len(plaintext))
		stdcipher.NewCTR(block, iv).XORKeyStream(out, plaintext)
		return out, nil
	}
}

// Decrypt reverses Encrypt.
func (c *AES) Decrypt(ciphertext, key, iv []byte, algorithm string) ([]byte, error) {
	alg := normalize(algorithm)
	block, err := c.block(key, iv, alg)
	if err != nil {
		return nil, &CryptoError{Op: "decrypt", Algorithm: algorithm, Err: err}
	}
	switch alg {
	case AES256CBC:
		if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
			return nil, &CryptoError{Op: "decrypt", Algorithm: algorithm,
				Err: fmt.Errorf("ciphertext length %d is not a multiple of the block size", len(ciphertext))}
		}
		out := make([]byte, len(ciphertext))
		stdcipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
		unpadded, err := pkcs7Unpad(out, aes.BlockSize)
		if err != nil {
			return nil, &CryptoError{Op: "decrypt", Algorithm: algorithm, Err: err}
		}
		return unpadded, nil
	default:
		out := make([]byte, len(ciphertext))
		stdcipher.NewCTR(block, iv).XORKeyStream(out, ciphertext)
		return out, nil
	}
}

func (c *AES) block(key, iv []byte, alg string) (stdcipher.Block, error) {
	if !c.Supports(alg) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("%w, got %d", ErrKeySize, len(key))
	}
	if len(iv) != ivSize {
		return nil, fmt.Errorf("%w, got %d", ErrIVSize, len(iv))
	}
	return aes.NewCipher(key)
}

// EncryptHex encrypts text and returns lowercase hex.
func EncryptHex(c Cipher, text, key, iv []byte, algorithm string) (string, error) {
	out, err := c.Encrypt(text, key, iv, algorithm)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(out), nil
}

// DecryptHex decodes hex and decrypts it.
func DecryptHex(c Cipher, hexText string, key, iv []byte, algorithm string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(hexText))
	if err != nil {
		return nil, &CryptoError{Op: "decrypt", Algorithm: algorithm, Err: fmt.Errorf("decode hex: %w", err)}
	}
	return c.Decrypt(raw, key, iv, algorithm)
}

func normalize(algorithm string) string {
	return strings.ToLower(strings.TrimSpace(algorithm))
}

// pkcs7Pad always adds padding, a full block when len(b) is aligned.
func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	return append(slices.Clone(b), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, ErrPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, ErrPadding
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, ErrPadding
		}
	}
	return b[:len(b)-n], nil
}

var _ Cipher = (*AES)(nil)
