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
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/shroud/pkg/ux"
	"github.com/AleutianAI/shroud/services/shroud/backup"
	"github.com/AleutianAI/shroud/services/shroud/cipher"
	"github.com/AleutianAI/shroud/services/shroud/config"
	"github.com/AleutianAI/shroud/services/shroud/keys"
	"github.com/AleutianAI/shroud/services/shroud/obfuscate"
	"github.com/AleutianAI/shroud/services/shroud/rollback"
	"github.com/AleutianAI/shroud/services/shroud/telemetry"
	"github.com/AleutianAI/shroud/services/shroud/transform"
	"github.com/AleutianAI/shroud/services/shroud/verify"
)

// Prompt texts.
const (
	promptKeygen   = "Do you want to proceed?"
	promptSettings = "Are these settings correct?"
	promptMode     = "Choose process type"
	promptUndo     = "Errors detected. Do you want to undo changes and restart?"
)

var modeOptions = []string{"Encrypt", "Obfuscate"}

// ErrVerificationFailed is returned when the user keeps a tree that failed
// verification.
var ErrVerificationFailed = errors.New("verification failed")

// errCancelled ends the loop cleanly after a declined prompt.
var errCancelled = errors.New("operation cancelled")

// runTransform is the run command: the backup, transform, verify and undo
// cycle.
func runTransform(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	s, err := newSession(ctx)
	if err != nil {
		return WrapExitError(err, "run")
	}
	defer s.Close()

	l := &loop{
		configPath:  configPath,
		mode:        runMode,
		keepKeys:    keepKeys,
		showSecrets: showSecrets || ux.GetPersonality().ShowSecrets,
		prompter:    s.prompter,
		logger:      s.log,
		tracing:     s.telemetry.TracingEnabled(),
		keygen:      keys.Generator{Logger: s.log},
	}
	if err := l.run(ctx); err != nil {
		return WrapExitError(err, "run")
	}
	return nil
}

// loop drives the top-level cycle.
//
// # Description
//
// One cycle loads the config, snapshots it to .bak, optionally regenerates
// the key pair, runs the pre-checks, confirms settings, picks the mode,
// opens the backup store, transforms the tree and verifies it. A clean
// verification discards the backups. A failed one offers to roll back and
// start a new cycle, at most maxAttempts cycles in total.
//
// Any declined prompt ends the loop without error. Nothing under the root
// is touched before the backup store is open.
type loop struct {
	configPath  string
	mode        string
	keepKeys    bool
	showSecrets bool

	prompter ux.UserPrompter
	logger   *slog.Logger
	tracing  bool
	keygen   keys.Generator

	// cipher and obfuscator override the defaults. Tests only.
	cipher     cipher.Cipher
	obfuscator obfuscate.Obfuscator

	maxAttempts int
}

type cycleResult int

const (
	cycleDone cycleResult = iota
	cycleRetry
)

func (l *loop) run(ctx context.Context) error {
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.cipher == nil {
		l.cipher = cipher.New()
	}
	ux.Banner(version)

	for attempt := 1; ; attempt++ {
		result, err := l.traced(ctx, attempt)
		if errors.Is(err, errCancelled) {
			ux.Error("Operation cancelled.")
			return nil
		}
		if err != nil {
			return err
		}
		if result == cycleDone {
			return nil
		}
		ux.Info("Restarting the key generation process...")
	}
}

// traced wraps one cycle in a span when tracing is on.
func (l *loop) traced(ctx context.Context, attempt int) (cycleResult, error) {
	if !l.tracing {
		return l.cycle(ctx, attempt, l.logger)
	}
	ctx, span := otel.Tracer("shroud/cmd").Start(ctx, "shroud.cycle",
		trace.WithAttributes(attribute.Int("cycle.attempt", attempt)))
	defer span.End()

	result, err := l.cycle(ctx, attempt, telemetry.LoggerWithTrace(ctx, l.logger))
	switch {
	case err == nil || errors.Is(err, errCancelled):
		span.SetStatus(codes.Ok, "")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (l *loop) cycle(ctx context.Context, attempt int, logger *slog.Logger) (cycleResult, error) {
	// 1. Load.
	cfg, err := config.Load(l.configPath)
	if err != nil {
		return cycleDone, err
	}
	if l.maxAttempts == 0 {
		l.maxAttempts = cfg.MaxAttempts
	}

	// 2. Snapshot before anything can rewrite the config.
	snapshot, err := config.Snapshot(l.configPath)
	if err != nil {
		return cycleDone, err
	}
	logger.Debug("config snapshot written", "snapshot", snapshot, "attempt", attempt)

	// 3. Key regeneration.
	if !l.keepKeys {
		ux.Info("This will generate a new encryption key and IV.")
		ux.Info("Existing key and IV will be overwritten.")
		if err := l.confirm(ctx, promptKeygen); err != nil {
			return cycleDone, err
		}
		if cfg, err = l.regenerate(cfg, logger); err != nil {
			return cycleDone, err
		}
	}

	// 4. Pre-checks.
	ux.Muted("Running pre-checks...")
	if err := precheck(cfg); err != nil {
		return cycleDone, err
	}
	ux.Success("Pre-checks passed.")

	// 5. Settings.
	ux.Settings("Please confirm the following settings", settingsFields(cfg, l.showSecrets))
	if err := l.confirm(ctx, promptSettings); err != nil {
		return cycleDone, err
	}

	// 6. Mode.
	mode, err := l.chooseMode(ctx)
	if err != nil {
		return cycleDone, err
	}
	if err := l.precheckMode(cfg, mode); err != nil {
		return cycleDone, err
	}

	// 7. Backups.
	store, err := backup.Open(backup.Config{Dir: cfg.BackupDir, Root: cfg.RootPath, Logger: logger})
	if err != nil {
		return cycleDone, err
	}

	// 8. Transform, then verify once every file is written.
	ux.Title("Starting process...")
	report, err := l.transform(ctx, cfg, mode, store, logger)
	if err != nil {
		return cycleDone, abandon(store, err)
	}
	outcome, err := l.verify(ctx, cfg, mode, store, logger)
	if err != nil {
		return cycleDone, abandon(store, err)
	}

	// 9. Outcome.
	if outcome.Succeeded {
		return cycleDone, finish(report, store)
	}
	return l.offerUndo(ctx, attempt, cfg, outcome, store, snapshot, logger)
}

// confirm maps a declined or aborted prompt to errCancelled.
func (l *loop) confirm(ctx context.Context, prompt string) error {
	ok, err := l.prompter.Confirm(ctx, prompt)
	if errors.Is(err, ux.ErrCancelled) {
		return errCancelled
	}
	if err != nil {
		return err
	}
	if !ok {
		return errCancelled
	}
	return nil
}

// regenerate draws a new pair and writes it back to the config file.
func (l *loop) regenerate(cfg config.Config, logger *slog.Logger) (config.Config, error) {
	pair, err := l.keygen.Generate()
	if err != nil {
		return cfg, err
	}
	defer pair.Destroy()

	keyHex, ivHex := pair.Hex()
	next := cfg.WithKeys(keyHex, ivHex)
	if err := config.UpdateKeys(l.configPath, keyHex, ivHex); err != nil {
		return cfg, err
	}
	ux.Success("Configuration file updated successfully.")
	logger.Info("key material regenerated", "config", l.configPath, "key_present", true, "locked", pair.Locked())
	return next, nil
}

// precheck validates cfg and the root before any file is touched.
func precheck(cfg config.Config) error {
	if err := keys.Validate(cfg); err != nil {
		return err
	}
	return checkRoot(cfg.RootPath)
}

// checkRoot requires root to be an existing directory.
func checkRoot(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return &keys.ConfigError{Field: "directoryPath", Reason: "directory not found: " + root, Err: err}
	}
	if !info.IsDir() {
		return &keys.ConfigError{Field: "directoryPath", Reason: "not a directory: " + root}
	}
	return nil
}

// precheckMode rejects an algorithm the cipher cannot run.
func (l *loop) precheckMode(cfg config.Config, mode transform.Mode) error {
	if mode != transform.ModeEncrypt {
		return nil
	}
	s, ok := l.cipher.(interface{ Supports(string) bool })
	if ok && !s.Supports(cfg.Algorithm) {
		return &keys.ConfigError{
			Field:  "algorithm",
			Reason: fmt.Sprintf("%q is not supported, use one of %s", cfg.Algorithm, strings.Join(cipher.Algorithms(), ", ")),
			Err:    cipher.ErrUnsupportedAlgorithm,
		}
	}
	return nil
}

// chooseMode uses --mode when given, otherwise prompts.
func (l *loop) chooseMode(ctx context.Context) (transform.Mode, error) {
	if l.mode != "" {
		mode, err := transform.ParseMode(l.mode)
		if err != nil {
			return "", NewExitError("run", ExitConfig, "use --mode encrypt or --mode obfuscate", err)
		}
		return mode, nil
	}
	idx, err := l.prompter.Select(ctx, promptMode, modeOptions)
	switch {
	case errors.Is(err, ux.ErrInvalidSelection):
		ux.Error("Invalid choice.")
		return "", errCancelled
	case errors.Is(err, ux.ErrCancelled):
		return "", errCancelled
	case err != nil:
		return "", err
	}
	if idx == 1 {
		return transform.ModeObfuscate, nil
	}
	return transform.ModeEncrypt, nil
}

func (l *loop) transform(ctx context.Context, cfg config.Config, mode transform.Mode, store *backup.Store, logger *slog.Logger) (*transform.Report, error) {
	obf := l.obfuscator
	if obf == nil && mode == transform.ModeObfuscate {
		var err error
		if obf, err = obfuscate.New(cfg.Obfuscator.Engine, cfg.Obfuscator.Command, logger); err != nil {
			return nil, err
		}
	}
	orch := transform.New(transform.Options{
		Cipher:         l.cipher,
		Obfuscator:     obf,
		Logger:         logger,
		TracingEnabled: l.tracing,
	})

	spin := ux.NewSpinner(fmt.Sprintf("Processing files (%s)...", mode))
	spin.Start()
	report, err := orch.Run(ctx, cfg.RootPath, mode, cfg, store)
	spin.Stop()
	if report != nil {
		printReport(report)
	}
	return report, err
}

func (l *loop) verify(ctx context.Context, cfg config.Config, mode transform.Mode, store *backup.Store, logger *slog.Logger) (verify.RunOutcome, error) {
	var pair *keys.KeyPair
	if mode == transform.ModeEncrypt {
		p, err := keys.FromConfig(cfg)
		if err != nil {
			return verify.RunOutcome{}, err
		}
		defer p.Destroy()
		pair = p
	}
	pass, err := newVerifyPass(cfg, mode, l.cipher, pair, store, logger)
	if err != nil {
		return verify.RunOutcome{}, err
	}
	spin := ux.NewSpinner("Checking for errors...")
	spin.Start()
	outcome, err := pass.Verify(ctx, cfg.RootPath)
	spin.Stop()
	if err != nil {
		return outcome, err
	}
	printFindings(outcome)
	return outcome, nil
}

// newVerifyPass builds the configured strategies for mode. RoundTrip is
// only available with a key pair and the backup originals.
func newVerifyPass(cfg config.Config, mode transform.Mode, c cipher.Cipher, pair *keys.KeyPair, originals verify.Originals, logger *slog.Logger) (*verify.Pass, error) {
	deps := verify.Deps{Markers: cfg.Verify.Markers}
	if pair != nil && originals != nil {
		deps.RoundTrip = &verify.RoundTripStrategy{
			Cipher:    c,
			Key:       pair.Key(),
			IV:        pair.IV(),
			Algorithm: cfg.Algorithm,
			Originals: originals,
		}
	}
	strategies, skipped, err := verify.StrategiesFor(cfg.Verify.Strategies, mode, deps)
	if err != nil {
		return nil, &keys.ConfigError{Field: "verify.strategies", Reason: err.Error(), Err: err}
	}
	for _, name := range skipped {
		ux.Warning(fmt.Sprintf("verification strategy %q does not apply to %s mode, skipped", name, mode))
	}
	return verify.New(verify.Options{
		Strategies: strategies,
		Workers:    cfg.Verify.Workers,
		Extensions: cfg.Extensions,
		SkipDirs:   []string{cfg.BackupDir},
		Copyright:  cfg.Copyright,
		Logger:     logger,
	}), nil
}

// offerUndo offers rollback after a failed verification.
func (l *loop) offerUndo(ctx context.Context, attempt int, cfg config.Config, outcome verify.RunOutcome, store *backup.Store, snapshot string, logger *slog.Logger) (cycleResult, error) {
	ux.WarningBox("Verification failed",
		fmt.Sprintf("%d of %d files flagged", len(outcome.FailingPaths), outcome.Checked))

	ok, err := l.prompter.Confirm(ctx, promptUndo)
	if err != nil && !errors.Is(err, ux.ErrCancelled) {
		_ = store.Close()
		return cycleDone, err
	}
	if !ok {
		_ = store.Close()
		ux.Error("Operation cancelled.")
		return cycleDone, NewExitError("run", ExitFailure,
			"the tree was left as is; run 'shroud rollback' to restore it", ErrVerificationFailed)
	}

	ux.Warning("Restoring the original configuration and undoing changes...")
	ctl := rollback.New(rollback.Options{Logger: logger, TracingEnabled: l.tracing})
	var result *rollback.Result
	err = ux.Spin("Restoring original files...", func() error {
		var rerr error
		result, rerr = ctl.Rollback(ctx, cfg.RootPath, store, snapshot, l.configPath)
		return rerr
	})
	if result != nil {
		printRollback(result)
	}
	if err != nil {
		_ = store.Close()
		return cycleDone, NewExitError("run", ExitFailure,
			"backups were kept; fix the cause and run 'shroud rollback'", err)
	}

	if attempt >= l.maxAttempts {
		return cycleDone, NewExitError("run", ExitFailure, "changes were undone",
			fmt.Errorf("%w after %d attempts", ErrVerificationFailed, attempt))
	}
	return cycleRetry, nil
}

// finish discards the backups of a verified run.
func finish(report *transform.Report, store *backup.Store) error {
	ux.Success("No errors found. Cleaning up...")
	if err := store.Discard(); err != nil {
		return fmt.Errorf("discard backups: %w", err)
	}
	ux.Success("Restore directory cleaned up.")
	if n := len(report.Errors()); n > 0 {
		ux.Warning(fmt.Sprintf("%d files were not transformed and were left unchanged", n))
	}
	ux.Success("Process completed successfully.")
	return nil
}

// abandon closes the store after a fatal error. A store that never saved a
// file is removed; otherwise it is kept for `shroud rollback`.
func abandon(store *backup.Store, err error) error {
	if entries, lerr := store.Entries(context.Background()); lerr == nil && len(entries) == 0 {
		if derr := store.Discard(); derr == nil {
			return err
		}
	}
	_ = store.Close()
	return NewExitError("run", exitCode(WrapExitError(err, "run")),
		"backups were kept; run 'shroud rollback' to restore the tree", err)
}

func printReport(r *transform.Report) {
	for _, p := range r.Processed {
		ux.FileStatus(p, ux.IconSuccess, string(r.Mode))
	}
	for _, fe := range r.Skipped {
		ux.FileStatus(fe.Path, ux.IconWarning, fmt.Sprintf("skipped: %v", fe.Err))
	}
	for _, fe := range r.Failed {
		ux.FileStatus(fe.Path, ux.IconError, fmt.Sprintf("%s: %v", fe.Stage, fe.Err))
	}
	ux.Summary(len(r.Processed), len(r.Skipped), len(r.Failed))
}

func printFindings(o verify.RunOutcome) {
	for _, f := range o.Findings {
		ux.FileStatus(f.Path, ux.IconError, f.Strategy+": "+f.Reason)
	}
}

func printRollback(r *rollback.Result) {
	if r.ConfigRestored {
		ux.Success("Configuration file restored from backup.")
	} else {
		ux.Warning("No backup configuration file found.")
	}
	for _, p := range r.Restored {
		ux.FileStatus(p, ux.IconSuccess, "restored")
	}
	for _, f := range r.Failures {
		ux.FileStatus(f.RelPath, ux.IconError, f.Err.Error())
	}
	if r.Discarded {
		ux.Success("Restore directory cleaned up.")
	}
}

func settingsFields(cfg config.Config, showSecrets bool) []ux.Field {
	key, iv := ux.Mask(cfg.Key), ux.Mask(cfg.IV)
	if showSecrets {
		key, iv = cfg.Key, cfg.IV
	}
	return []ux.Field{
		{Label: "Algorithm", Value: cfg.Algorithm},
		{Label: "Key", Value: key},
		{Label: "IV", Value: iv},
		{Label: "Directory Path", Value: cfg.RootPath},
		{Label: "Copyright", Value: cfg.Copyright},
		{Label: "Extensions", Value: strings.Join(cfg.Extensions, ", ")},
		{Label: "Backup Dir", Value: cfg.BackupDir},
		{Label: "Verification", Value: strings.Join(cfg.Verify.Strategies, ", ")},
	}
}
