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
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const rollbackTracerName = "shroud.rollback"

// Tracer creates rollback spans. When disabled it hands out noop spans.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Tracer struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	enabled bool
}

// NewTracer creates a Tracer. A nil logger uses slog.Default().
func NewTracer(logger *slog.Logger, enabled bool) *Tracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracer{
		tracer:  otel.Tracer(rollbackTracerName),
		logger:  logger,
		enabled: enabled,
	}
}

// StartRollback starts the span of one rollback.
//
// # Outputs
//
//   - context.Context: Context with span attached.
//   - trace.Span: Caller must pass it to EndRollback.
func (t *Tracer) StartRollback(ctx context.Context, root string) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	ctx, span := t.tracer.Start(ctx, "rollback.run",
		trace.WithAttributes(attribute.String("rollback.root", root)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	t.logger.DebugContext(ctx, "starting rollback", slog.String("root", root))
	return ctx, span
}

// EndRollback completes the span.
func (t *Tracer) EndRollback(span trace.Span, result *Result, err error) {
	if span == nil {
		return
	}
	defer span.End()

	if result != nil {
		span.SetAttributes(
			attribute.Bool("rollback.config_restored", result.ConfigRestored),
			attribute.Int("rollback.restored", len(result.Restored)),
			attribute.Int("rollback.failed", len(result.Failures)),
			attribute.Bool("rollback.discarded", result.Discarded),
			attribute.Int64("rollback.duration_ms", result.Duration.Milliseconds()),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
