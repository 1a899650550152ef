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
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/shroud/pkg/ux"
	"github.com/AleutianAI/shroud/services/shroud/config"
	"github.com/AleutianAI/shroud/services/shroud/keys"
	"github.com/AleutianAI/shroud/services/shroud/transform"
	"github.com/AleutianAI/shroud/services/shroud/verify"
)

// runKeygen prints a fresh pair and, with --write, stores it in the config.
func runKeygen(cmd *cobra.Command, _ []string) error {
	s, err := newSession(cmd.Context())
	if err != nil {
		return WrapExitError(err, "keygen")
	}
	defer s.Close()

	if err := keygen(keys.Generator{Logger: s.log}, configPath, keygenWrite, s.log); err != nil {
		return WrapExitError(err, "keygen")
	}
	return nil
}

func keygen(gen keys.Generator, path string, write bool, logger *slog.Logger) error {
	pair, err := gen.Generate()
	if err != nil {
		return err
	}
	defer pair.Destroy()
	keyHex, ivHex := pair.Hex()

	ux.Settings("New key material", []ux.Field{
		{Label: "Key", Value: keyHex},
		{Label: "IV", Value: ivHex},
	})
	if !write {
		return nil
	}

	if _, err := config.Load(path); err != nil {
		return err
	}
	snapshot, err := config.Snapshot(path)
	if err != nil {
		return err
	}
	if err := config.UpdateKeys(path, keyHex, ivHex); err != nil {
		return err
	}
	logger.Info("key material written", "config", path, "snapshot", snapshot, "key_present", true)
	ux.Success(fmt.Sprintf("Wrote the new key and IV to %s (previous config in %s)", path, snapshot))
	return nil
}

// runCheck validates the config file and reports every problem.
func runCheck(cmd *cobra.Command, _ []string) error {
	if err := check(configPath); err != nil {
		return WrapExitError(err, "check")
	}
	return nil
}

func check(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	var problems []error
	if err := keys.ValidateAll(cfg); err != nil {
		problems = append(problems, err)
	}
	if cfg.RootPath != "" {
		if err := checkRoot(cfg.RootPath); err != nil {
			problems = append(problems, err)
		}
	}
	for _, mode := range []transform.Mode{transform.ModeEncrypt, transform.ModeObfuscate} {
		deps := verify.Deps{Markers: cfg.Verify.Markers, RoundTrip: &verify.RoundTripStrategy{}}
		_, skipped, err := verify.StrategiesFor(cfg.Verify.Strategies, mode, deps)
		if err != nil {
			problems = append(problems, &keys.ConfigError{Field: "verify.strategies", Reason: err.Error(), Err: err})
			break
		}
		for _, name := range skipped {
			ux.Muted(fmt.Sprintf("strategy %q is skipped in %s mode", name, mode))
		}
	}

	if len(problems) > 0 {
		err := errors.Join(problems...)
		for _, p := range problems {
			for _, line := range splitJoined(p) {
				ux.FileStatus(path, ux.IconError, line)
			}
		}
		return err
	}
	ux.Success(fmt.Sprintf("%s is valid", path))
	return nil
}

// splitJoined flattens an errors.Join tree into its leaf messages.
func splitJoined(err error) []string {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, splitJoined(e)...)
		}
		return out
	}
	return []string{err.Error()}
}

