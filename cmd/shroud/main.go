// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command shroud encrypts or obfuscates every matching file of a source
// tree in place, verifies the result and can undo the whole run.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/awnumar/memguard"

	"github.com/AleutianAI/shroud/pkg/ux"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

// run executes the command tree and returns the exit code. Deferred
// cleanup runs before main exits.
func run() int {
	defer memguard.Purge()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}
	reportError(err)
	return exitCode(err)
}

// reportError prints err and its hint through the personality-aware output.
func reportError(err error) {
	ux.Error(err.Error())
	if hint := ExtractHint(err); hint != "" {
		ux.Info(hint)
	}
}
