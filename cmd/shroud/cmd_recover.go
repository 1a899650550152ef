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
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/shroud/pkg/ux"
	"github.com/AleutianAI/shroud/services/shroud/backup"
	"github.com/AleutianAI/shroud/services/shroud/cipher"
	"github.com/AleutianAI/shroud/services/shroud/config"
	"github.com/AleutianAI/shroud/services/shroud/keys"
	"github.com/AleutianAI/shroud/services/shroud/rollback"
	"github.com/AleutianAI/shroud/services/shroud/transform"
	"github.com/AleutianAI/shroud/services/shroud/verify"
)

// runVerify runs the verification pass on its own, e.g. after a run that
// was interrupted before its pass.
func runVerify(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	s, err := newSession(ctx)
	if err != nil {
		return WrapExitError(err, "verify")
	}
	defer s.Close()

	if err := verifyTree(ctx, configPath, verifyMode, s.log); err != nil {
		return WrapExitError(err, "verify")
	}
	return nil
}

func verifyTree(ctx context.Context, path, modeName string, logger *slog.Logger) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	mode, err := transform.ParseMode(modeName)
	if err != nil {
		return NewExitError("verify", ExitConfig, "use --mode encrypt or --mode obfuscate", err)
	}

	var (
		originals verify.Originals
		pair      *keys.KeyPair
	)
	if slices.Contains(cfg.Verify.Strategies, config.StrategyRoundTrip) && mode == transform.ModeEncrypt {
		store, err := openLeftover(cfg, logger)
		switch {
		case errors.Is(err, backup.ErrNoBackup):
			ux.Warning("no backups to compare against, roundtrip strategy skipped")
			cfg.Verify.Strategies = slices.DeleteFunc(slices.Clone(cfg.Verify.Strategies), func(s string) bool {
				return s == config.StrategyRoundTrip
			})
		case err != nil:
			return err
		default:
			defer store.Close()
			originals = store
			if pair, err = keys.FromConfig(cfg); err != nil {
				return err
			}
			defer pair.Destroy()
		}
	}

	pass, err := newVerifyPass(cfg, mode, cipher.New(), pair, originals, logger)
	if err != nil {
		return err
	}
	var outcome verify.RunOutcome
	err = ux.Spin("Checking for errors...", func() error {
		var verr error
		outcome, verr = pass.Verify(ctx, cfg.RootPath)
		return verr
	})
	if err != nil {
		return err
	}
	printFindings(outcome)
	if !outcome.Succeeded {
		return NewExitError("verify", ExitFailure, "",
			fmt.Errorf("%w: %d of %d files flagged", ErrVerificationFailed, len(outcome.FailingPaths), outcome.Checked))
	}
	ux.Success(fmt.Sprintf("%d files verified", outcome.Checked))
	return nil
}

// runRollback restores a tree left behind by an interrupted or declined
// run.
func runRollback(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	s, err := newSession(ctx)
	if err != nil {
		return WrapExitError(err, "rollback")
	}
	defer s.Close()

	r := recovery{
		configPath: configPath,
		prompter:   s.prompter,
		logger:     s.log,
		tracing:    s.telemetry.TracingEnabled(),
	}
	if err := r.run(ctx); err != nil {
		return WrapExitError(err, "rollback")
	}
	return nil
}

type recovery struct {
	configPath string
	prompter   ux.UserPrompter
	logger     *slog.Logger
	tracing    bool
}

func (r recovery) run(ctx context.Context) error {
	snapshot := config.SnapshotPath(r.configPath)

	// The key rewrite may have left the config unreadable; the snapshot
	// names the same tree.
	cfg, err := config.Load(r.configPath)
	if err != nil {
		var snapErr error
		if cfg, snapErr = config.Load(snapshot); snapErr != nil {
			return err
		}
		r.logger.Warn("config unreadable, using snapshot", "config", r.configPath, "error", err)
	}

	store, err := openLeftover(cfg, r.logger)
	if err != nil {
		if errors.Is(err, backup.ErrNoBackup) {
			return NewExitError("rollback", ExitFailure, "nothing to roll back", err)
		}
		return err
	}
	entries, err := store.Entries(ctx)
	if err != nil {
		_ = store.Close()
		return err
	}

	ux.Settings("Rollback", []ux.Field{
		{Label: "Directory Path", Value: cfg.RootPath},
		{Label: "Backup Dir", Value: cfg.BackupDir},
		{Label: "Files", Value: fmt.Sprintf("%d", len(entries))},
		{Label: "Config Snapshot", Value: snapshot},
	})
	ok, err := r.prompter.Confirm(ctx, "Restore these files and the config?")
	if err != nil && !errors.Is(err, ux.ErrCancelled) {
		_ = store.Close()
		return err
	}
	if !ok {
		_ = store.Close()
		ux.Error("Operation cancelled.")
		return nil
	}

	ctl := rollback.New(rollback.Options{Logger: r.logger, TracingEnabled: r.tracing})
	var result *rollback.Result
	err = ux.Spin("Restoring original files...", func() error {
		var rerr error
		result, rerr = ctl.Rollback(ctx, cfg.RootPath, store, snapshot, r.configPath)
		return rerr
	})
	if result != nil {
		printRollback(result)
	}
	if err != nil {
		_ = store.Close()
		return NewExitError("rollback", ExitFailure, "backups were kept; fix the cause and retry", err)
	}
	ux.Success("Rollback complete.")
	return nil
}

// openLeftover opens the backup directory named by cfg.
func openLeftover(cfg config.Config, logger *slog.Logger) (*backup.Store, error) {
	return backup.OpenExisting(backup.Config{Dir: cfg.BackupDir, Root: cfg.RootPath, Logger: logger})
}
