// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transform

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	// filesTotal counts files by outcome.
	// Labels: mode, outcome (processed, skipped, failed)
	filesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shroud",
		Subsystem: "transform",
		Name:      "files_total",
		Help:      "Files handled by transform runs",
	}, []string{"mode", "outcome"})

	// fileDuration measures backup plus transform plus write of one file.
	// Labels: mode
	fileDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "shroud",
		Subsystem: "transform",
		Name:      "file_duration_seconds",
		Help:      "Time to back up, transform and write one file",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"mode"})

	// runsTotal counts runs.
	// Labels: mode, status (clean, partial, aborted)
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shroud",
		Subsystem: "transform",
		Name:      "runs_total",
		Help:      "Transform runs by status",
	}, []string{"mode", "status"})
)

func recordFile(mode Mode, ferr *FileError, d time.Duration) {
	outcome := "processed"
	if ferr != nil {
		outcome = "failed"
		if ferr.Stage == StageBackup {
			outcome = "skipped"
		}
	}
	filesTotal.WithLabelValues(string(mode), outcome).Inc()
	fileDuration.WithLabelValues(string(mode)).Observe(d.Seconds())
}

func recordRun(mode Mode, r *Report, err error) {
	status := "clean"
	switch {
	case err != nil:
		status = "aborted"
	case !r.Clean():
		status = "partial"
	}
	runsTotal.WithLabelValues(string(mode), status).Inc()
}
