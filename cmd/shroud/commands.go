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
	"github.com/spf13/cobra"

	"github.com/AleutianAI/shroud/pkg/ux"
	"github.com/AleutianAI/shroud/services/shroud/config"
)

// --- Global Command Variables ---
var (
	configPath       string
	personalityLevel string // full/standard/minimal/machine
	logDir           string
	logJSON          bool
	verbose          bool
	logLevelName     string
	metricsFile      string
	traceFile        string
	assumeYes        bool
	nonInteractive   bool

	runMode     string
	keepKeys    bool
	showSecrets bool

	keygenWrite bool

	verifyMode string

	rootCmd = &cobra.Command{
		Use:   "shroud",
		Short: "Encrypt or obfuscate a source tree in place, with verification and undo",
		Long: `shroud walks a directory tree and encrypts or obfuscates every matching
file in place. Originals are backed up first, the result is verified, and
a failed run can be rolled back to the original tree.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Initialize UX personality from flag or environment
			if personalityLevel != "" {
				ux.SetPersonalityLevel(ux.ParsePersonalityLevel(personalityLevel))
			} else {
				ux.InitPersonality()
			}
		},
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Back up, transform and verify the configured tree",
		Args:  cobra.NoArgs,
		RunE:  runTransform, // Defined in control_loop.go
	}

	keygenCmd = &cobra.Command{
		Use:   "keygen",
		Short: "Generate a fresh key and IV",
		Args:  cobra.NoArgs,
		RunE:  runKeygen, // Defined in cmd_keys.go
	}

	checkCmd = &cobra.Command{
		Use:   "check",
		Short: "Validate the config file without touching any file",
		Args:  cobra.NoArgs,
		RunE:  runCheck, // Defined in cmd_keys.go
	}

	verifyCmd = &cobra.Command{
		Use:   "verify",
		Short: "Run the verification pass over the configured tree",
		Args:  cobra.NoArgs,
		RunE:  runVerify, // Defined in cmd_recover.go
	}

	rollbackCmd = &cobra.Command{
		Use:   "rollback",
		Short: "Restore the tree and config from a leftover backup",
		Args:  cobra.NoArgs,
		RunE:  runRollback, // Defined in cmd_recover.go
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("shroud " + version)
		},
	}
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to the YAML config file")
	flags.StringVar(&personalityLevel, "personality", "",
		"Output style: full, standard, minimal, or machine (scripting)")
	flags.StringVar(&logDir, "log-dir", "", "Also write JSON logs to a dated file in this directory")
	flags.BoolVar(&logJSON, "log-json", false, "Log to stderr as JSON")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Log per-file progress (same as --log-level debug)")
	flags.StringVar(&logLevelName, "log-level", "warn", "Minimum log level: debug, info, warn, or error")
	flags.StringVar(&metricsFile, "metrics-file", "", "Write Prometheus metrics to this file on exit")
	flags.StringVar(&traceFile, "trace-file", "", "Write trace spans as JSON to this file (\"-\" for stdout)")
	flags.BoolVarP(&assumeYes, "yes", "y", false, "Answer yes to every prompt")
	flags.BoolVar(&nonInteractive, "non-interactive", false, "Fail instead of prompting")

	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runMode, "mode", "m", "", "encrypt (1) or obfuscate (2); prompts when empty")
	runCmd.Flags().BoolVar(&keepKeys, "keep-keys", false, "Use the key and IV already in the config")
	runCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "Show key and IV unmasked in the settings screen")

	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().BoolVarP(&keygenWrite, "write", "w", false, "Write the new key and IV into the config file")

	rootCmd.AddCommand(checkCmd)

	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().StringVarP(&verifyMode, "mode", "m", "encrypt",
		"Mode the tree was transformed with; selects the applicable strategies")

	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(versionCmd)
}
