// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads, validates and writes back the shroud run
// configuration.
//
// A Config is a plain value. Nothing mutates a loaded Config in place:
// WithKeys returns a new value and Save is the only way a change reaches
// disk.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/shroud/pkg/atomicfile"
	"github.com/AleutianAI/shroud/pkg/validation"
)

const (
	// DefaultPath is the config file used when --config is not given.
	DefaultPath = "config.yml"

	// SnapshotSuffix is appended to the config path for the pre-run copy.
	SnapshotSuffix = ".bak"

	// DefaultBackupDir holds original file copies during a run.
	DefaultBackupDir = "./restore"

	// DefaultMaxAttempts bounds the rollback-and-retry loop.
	DefaultMaxAttempts = 3
)

// Strategy names accepted in verify.strategies.
const (
	StrategyMarkers   = "markers"
	StrategySyntax    = "syntax"
	StrategyRoundTrip = "roundtrip"
)

// Obfuscator engine names accepted in obfuscator.engine.
const (
	EngineBuiltin = "builtin"
	EngineCommand = "command"
)

// DefaultMarkers are the failure markers of the marker strategy.
var DefaultMarkers = []string{"Error:", "Exception:"}

// Config is the run configuration, as read from YAML.
//
// The first five fields are the classic config.yml keys. The rest are
// optional and receive defaults on load.
type Config struct {
	Algorithm string `yaml:"algorithm" validate:"required"`
	RootPath  string `yaml:"directoryPath" validate:"required"`
	Copyright string `yaml:"copyright" validate:"required"`
	Key       string `yaml:"key" validate:"required,hexadecimal"`
	IV        string `yaml:"iv" validate:"required,hexadecimal"`

	Extensions  []string         `yaml:"extensions,omitempty" validate:"omitempty,dive,startswith=."`
	BackupDir   string           `yaml:"backupDir,omitempty"`
	Verify      VerifyConfig     `yaml:"verify,omitempty"`
	Obfuscator  ObfuscatorConfig `yaml:"obfuscator,omitempty"`
	MaxAttempts int              `yaml:"maxAttempts,omitempty" validate:"gte=0,lte=20"`
}

// VerifyConfig selects how a finished run is judged.
type VerifyConfig struct {
	Strategies []string `yaml:"strategies,omitempty" validate:"omitempty,dive,oneof=markers syntax roundtrip"`
	Markers    []string `yaml:"markers,omitempty"`
	Workers    int      `yaml:"workers,omitempty" validate:"gte=0,lte=64"`
}

// ObfuscatorConfig selects the obfuscation engine.
type ObfuscatorConfig struct {
	Engine  string `yaml:"engine,omitempty" validate:"omitempty,oneof=builtin command"`
	Command string `yaml:"command,omitempty"`
}

// Violation is one failed field rule.
type Violation struct {
	// Field is the YAML key path, e.g. "key" or "verify.strategies[0]".
	Field string
	Rule  string
	Value any
}

func (v Violation) String() string {
	switch v.Rule {
	case "required":
		return fmt.Sprintf("%s: missing", v.Field)
	case "hexadecimal":
		return fmt.Sprintf("%s: not a hex string", v.Field)
	default:
		return fmt.Sprintf("%s: failed %q (value %v)", v.Field, v.Rule, v.Value)
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Violations runs the field rules and returns every failure in field order.
func (c Config) Violations() []Violation {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []Violation{{Field: "config", Rule: err.Error()}}
	}
	out := make([]Violation, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		out = append(out, Violation{Field: field, Rule: fe.Tag(), Value: fe.Value()})
	}
	return out
}

// WithKeys returns a copy of c carrying the given hex key and IV.
func (c Config) WithKeys(keyHex, ivHex string) Config {
	out := c.clone()
	out.Key = keyHex
	out.IV = ivHex
	return out
}

// WithDefaults returns a copy of c with every optional field filled in.
func (c Config) WithDefaults() Config {
	out := c.clone()
	if len(out.Extensions) == 0 {
		out.Extensions = []string{".js"}
	}
	if out.BackupDir == "" {
		out.BackupDir = DefaultBackupDir
	}
	if len(out.Verify.Strategies) == 0 {
		out.Verify.Strategies = []string{StrategyMarkers}
	}
	if len(out.Verify.Markers) == 0 {
		out.Verify.Markers = slices.Clone(DefaultMarkers)
	}
	if out.Verify.Workers == 0 {
		out.Verify.Workers = 1
	}
	if out.Obfuscator.Engine == "" {
		out.Obfuscator.Engine = EngineBuiltin
	}
	if out.Obfuscator.Command == "" {
		out.Obfuscator.Command = "javascript-obfuscator"
	}
	if out.MaxAttempts == 0 {
		out.MaxAttempts = DefaultMaxAttempts
	}
	return out
}

func (c Config) clone() Config {
	out := c
	out.Extensions = slices.Clone(c.Extensions)
	out.Verify.Strategies = slices.Clone(c.Verify.Strategies)
	out.Verify.Markers = slices.Clone(c.Verify.Markers)
	return out
}

// =============================================================================
// Errors
// =============================================================================

// ErrNotFound is wrapped by LoadError when the config file does not exist.
var ErrNotFound = errors.New("config file not found")

// LoadError reports a config file that could not be read or parsed.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load config %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// =============================================================================
// File I/O
// =============================================================================

// Load reads path and returns the parsed Config with defaults applied.
//
// # Outputs
//
//   - Config: The loaded value.
//   - error: *LoadError when the file is missing (wrapping ErrNotFound),
//     unreadable or not valid YAML. Field rules are not checked here.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, &LoadError{Path: path, Err: ErrNotFound}
		}
		return Config{}, &LoadError{Path: path, Err: err}
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, &LoadError{Path: path, Err: err}
	}
	return cfg, nil
}

// Parse decodes YAML and applies defaults. Unknown keys are rejected.
// Extensions are trimmed and given a leading dot; invalid ones are kept
// as written for validation to report.
func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return Config{}, errors.New("config file is empty")
		}
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	for i, ext := range cfg.Extensions {
		if clean, err := validation.SanitizeExtension(ext); err == nil {
			cfg.Extensions[i] = clean
		}
	}
	return cfg.WithDefaults(), nil
}

// Save writes cfg to path atomically. An existing file keeps its mode, a
// new one is created 0600. Defaults are written out too; use UpdateKeys to
// change the key pair of a user's file.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := atomicfile.WriteFile(path, data, modeOf(path)); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// UpdateKeys replaces the key and iv values in the config file at path.
//
// # Description
//
// The file is edited as a YAML node tree, so every other key keeps the
// value, order and comments the user wrote, and defaulted fields are not
// added. Missing key or iv entries are appended. The file keeps its mode.
//
// # Outputs
//
//   - error: *LoadError when the file cannot be read or is not a YAML
//     mapping, a write error otherwise.
func UpdateKeys(path, keyHex, ivHex string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &LoadError{Path: path, Err: ErrNotFound}
		}
		return &LoadError{Path: path, Err: err}
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return &LoadError{Path: path, Err: fmt.Errorf("parse yaml: %w", err)}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return &LoadError{Path: path, Err: errors.New("config is not a YAML mapping")}
	}
	root := doc.Content[0]
	setString(root, "key", keyHex)
	setString(root, "iv", ivHex)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := atomicfile.WriteFile(path, buf.Bytes(), modeOf(path)); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// setString sets key in mapping m to a string scalar. Hex that would
// read back as a number is quoted by the encoder.
func setString(m *yaml.Node, key, value string) {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value != key {
			continue
		}
		v := m.Content[i+1]
		v.Kind = yaml.ScalarNode
		v.Tag = "!!str"
		v.Value = value
		v.Content = nil
		if v.Style&(yaml.LiteralStyle|yaml.FoldedStyle) != 0 {
			v.Style = 0
		}
		return
	}
	m.Content = append(m.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value},
	)
}

// modeOf returns the permission bits of an existing file, 0600 otherwise.
func modeOf(path string) os.FileMode {
	if info, err := os.Stat(path); err == nil {
		return info.Mode().Perm()
	}
	return 0600
}

// SnapshotPath returns the .bak path for a config path.
func SnapshotPath(path string) string {
	return path + SnapshotSuffix
}

// Snapshot copies the config file to its .bak path, replacing any older
// snapshot.
//
// # Outputs
//
//   - string: The snapshot path.
//   - error: Non-nil if the config could not be read or the copy written.
func Snapshot(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read config for snapshot: %w", err)
	}
	bak := SnapshotPath(path)
	if err := atomicfile.WriteFile(bak, data, 0600); err != nil {
		return "", fmt.Errorf("write snapshot %s: %w", bak, err)
	}
	return bak, nil
}

// RestoreSnapshot copies snapshotPath back over path. The snapshot is kept.
//
// # Outputs
//
//   - bool: False when there was no snapshot to restore.
//   - error: Non-nil if the snapshot exists but could not be copied back.
func RestoreSnapshot(snapshotPath, path string) (bool, error) {
	data, err := os.ReadFile(snapshotPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read snapshot: %w", err)
	}
	if err := atomicfile.WriteFile(path, data, modeOf(path)); err != nil {
		return false, fmt.Errorf("restore config %s: %w", path, err)
	}
	return true, nil
}
