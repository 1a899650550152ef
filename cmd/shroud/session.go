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
	"fmt"
	"log/slog"

	"github.com/AleutianAI/shroud/pkg/logging"
	"github.com/AleutianAI/shroud/pkg/ux"
	"github.com/AleutianAI/shroud/services/shroud/rollback"
	"github.com/AleutianAI/shroud/services/shroud/telemetry"
)

// session holds the process-wide collaborators built from the persistent
// flags.
type session struct {
	logger    *logging.Logger
	log       *slog.Logger
	prompter  ux.UserPrompter
	telemetry telemetry.Config
	shutdown  func(context.Context) error
}

// newSession builds the logger, telemetry and prompter for one command.
// The caller must Close it.
func newSession(ctx context.Context) (*session, error) {
	level, err := resolveLogLevel(logLevelName, verbose)
	if err != nil {
		return nil, err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  logDir,
		Service: "shroud",
		JSON:    logJSON,
	})

	tcfg := telemetry.Config{
		ServiceVersion: version,
		TraceFile:      traceFile,
		MetricsFile:    metricsFile,
	}
	shutdown, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}
	rollback.SetMetricsEnabled(tcfg.MetricsEnabled())

	return &session{
		logger:    logger,
		log:       logger.Slog(),
		prompter:  ux.NewPrompter(ux.PrompterOptions{AutoApprove: assumeYes, NonInteractive: nonInteractive}),
		telemetry: tcfg,
		shutdown:  shutdown,
	}, nil
}

// Close flushes telemetry and closes the log file.
func (s *session) Close() {
	if err := s.shutdown(context.Background()); err != nil {
		s.log.Warn("telemetry shutdown failed", "error", err)
	}
	_ = s.logger.Close()
}

// resolveLogLevel maps --log-level to a level. --verbose wins.
func resolveLogLevel(name string, verbose bool) (logging.Level, error) {
	if verbose {
		return logging.LevelDebug, nil
	}
	level, ok := logging.ParseLevel(name)
	if !ok {
		return level, NewExitError("", ExitConfig, "use debug, info, warn, or error",
			fmt.Errorf("unknown log level %q", name))
	}
	return level, nil
}
