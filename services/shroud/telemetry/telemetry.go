// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry installs the OpenTelemetry providers for one shroud
// process.
//
// Components use otel.Tracer() and otel.Meter() directly. Init decides
// where their output goes: spans to a JSON file through the stdout trace
// exporter, metrics into a Prometheus registry that is written out as a
// textfile on shutdown, for node_exporter's textfile collector.
//
// # Usage
//
//	shutdown, err := telemetry.Init(ctx, telemetry.Config{
//	    ServiceVersion: version,
//	    TraceFile:      "run.trace.json",
//	    MetricsFile:    "/var/lib/node_exporter/shroud.prom",
//	})
//	if err != nil {
//	    return fmt.Errorf("init telemetry: %w", err)
//	}
//	defer shutdown(context.Background())
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// StdoutPath as TraceFile writes spans to standard output.
const StdoutPath = "-"

var ErrNilContext = errors.New("telemetry: nil context")

// Config controls telemetry output. The zero value installs nothing.
type Config struct {
	// ServiceName identifies the process in exported data. Default: "shroud".
	ServiceName string

	// ServiceVersion is the build version.
	ServiceVersion string

	// TraceFile receives spans as JSON. "-" is stdout, "" disables tracing.
	TraceFile string

	// MetricsFile receives the Prometheus textfile on shutdown. "" disables
	// the otel metric bridge and the write.
	MetricsFile string

	// Registry gathers the metrics written to MetricsFile. Default: the
	// global Prometheus registry, which also holds promauto collectors.
	Registry *prometheus.Registry
}

// TracingEnabled reports whether Init installs a tracer provider.
func (c Config) TracingEnabled() bool { return c.TraceFile != "" }

// MetricsEnabled reports whether Init installs a meter provider.
func (c Config) MetricsEnabled() bool { return c.MetricsFile != "" }

// Init installs the tracer and meter providers selected by cfg.
//
// # Outputs
//
//   - shutdown: Flushes spans, writes the metrics textfile and closes the
//     trace file. Must be called once, even after a failed run.
//   - error: Non-nil if an exporter or the trace file could not be created.
//
// # Thread Safety
//
// Call once at startup.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "shroud"
	}

	var shutdownFuncs []func(context.Context) error
	shutdownAll := func(ctx context.Context) error {
		var errs []error
		for i := len(shutdownFuncs) - 1; i >= 0; i-- {
			if err := shutdownFuncs[i](ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	fail := func(err error) (func(context.Context) error, error) {
		_ = shutdownAll(ctx)
		return nil, err
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	if cfg.TracingEnabled() {
		tp, closeFile, err := initTracer(cfg, res)
		if err != nil {
			return fail(fmt.Errorf("init tracer: %w", err))
		}
		shutdownFuncs = append(shutdownFuncs, closeFile, tp.Shutdown)
		otel.SetTracerProvider(tp)
	}

	if cfg.MetricsEnabled() {
		registerer := prometheus.DefaultRegisterer
		var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
		if cfg.Registry != nil {
			registerer, gatherer = cfg.Registry, cfg.Registry
		}
		mp, err := initMeter(registerer, res)
		if err != nil {
			return fail(fmt.Errorf("init meter: %w", err))
		}
		// Shutdown runs in reverse: the textfile is written while the
		// provider can still collect.
		path := cfg.MetricsFile
		shutdownFuncs = append(shutdownFuncs, mp.Shutdown, func(context.Context) error {
			return WriteMetrics(path, gatherer)
		})
		otel.SetMeterProvider(mp)
	}

	return shutdownAll, nil
}

// initTracer batches spans into the trace file. The returned close func
// runs after the provider shutdown has flushed the batch.
func initTracer(cfg Config, res *resource.Resource) (*trace.TracerProvider, func(context.Context) error, error) {
	var (
		w       io.Writer = os.Stdout
		closeFn           = func(context.Context) error { return nil }
	)
	if cfg.TraceFile != StdoutPath {
		f, err := os.OpenFile(cfg.TraceFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
		if err != nil {
			return nil, nil, fmt.Errorf("open trace file: %w", err)
		}
		w = f
		closeFn = func(context.Context) error { return f.Close() }
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		_ = closeFn(context.Background())
		return nil, nil, fmt.Errorf("create exporter: %w", err)
	}
	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.AlwaysSample()),
	)
	return tp, closeFn, nil
}

// initMeter bridges otel instruments into reg.
func initMeter(reg prometheus.Registerer, res *resource.Resource) (*metric.MeterProvider, error) {
	exporter, err := promexporter.New(
		promexporter.WithRegisterer(reg),
		promexporter.WithoutScopeInfo(),
	)
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(exporter),
	), nil
}

// WriteMetrics writes everything g gathers to path in the Prometheus text
// format. The write goes through a temp file and a rename.
func WriteMetrics(path string, g prometheus.Gatherer) error {
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("write metrics %s: %w", path, err)
	}
	return nil
}

// LoggerWithTrace adds trace_id and span_id to logger when ctx carries a
// recording span.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return logger
	}
	return logger.With(
		"trace_id", sc.TraceID().String(),
		"span_id", sc.SpanID().String(),
	)
}
