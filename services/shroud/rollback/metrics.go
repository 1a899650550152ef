// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rollback

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instruments are created lazily so a meter provider installed at startup
// is picked up.
var (
	rollbackTotal    metric.Int64Counter
	filesRestored    metric.Int64Counter
	filesUnrestored  metric.Int64Counter
	rollbackDuration metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// metricsEnabled controls whether metrics are recorded.
var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Safe for concurrent use.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

func initMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.Meter("shroud.rollback")
		var err error

		rollbackTotal, err = meter.Int64Counter(
			"shroud_rollback_total",
			metric.WithDescription("Rollbacks by status"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		filesRestored, err = meter.Int64Counter(
			"shroud_rollback_files_restored_total",
			metric.WithDescription("Files written back from backups"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		filesUnrestored, err = meter.Int64Counter(
			"shroud_rollback_files_failed_total",
			metric.WithDescription("Backup entries that could not be restored"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		rollbackDuration, err = meter.Float64Histogram(
			"shroud_rollback_duration_seconds",
			metric.WithDescription("Duration of rollbacks in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordRollback(ctx context.Context, result *Result, err error) {
	if !metricsEnabled.Load() {
		return
	}
	if initErr := initMetrics(); initErr != nil {
		return
	}

	status := "complete"
	if err != nil {
		status = "incomplete"
	}
	rollbackTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	filesRestored.Add(ctx, int64(len(result.Restored)))
	filesUnrestored.Add(ctx, int64(len(result.Failures)))
	rollbackDuration.Record(ctx, result.Duration.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}
