// Package observability wires the process-wide logging pipeline. Console
// formats go straight to stderr through slog handlers; the otlp format bridges
// slog into the OpenTelemetry log SDK so records reach a collector.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// scopeName identifies this instrumentation in exported log records.
const scopeName = "github.com/tinfoillabs/vault-helper"

// Instrument installs the default slog logger for the given format and level.
// The returned shutdown function flushes any buffered telemetry; it is a no-op
// for console formats.
func Instrument(level slog.Level, format string) (func(context.Context) error, error) {
	switch format {
	case "text":
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return noopShutdown, nil
	case "json":
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return noopShutdown, nil
	case "otlp":
		return instrumentOTLP(level)
	default:
		return nil, fmt.Errorf("unknown log format: %q", format)
	}
}

// instrumentOTLP builds exporter -> batch processor -> severity filter ->
// provider and routes slog through the otelslog bridge.
func instrumentOTLP(level slog.Level) (func(context.Context) error, error) {
	ctx := context.Background()

	exporter, err := newExporter(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating log exporter: %w", err)
	}

	processor := minsev.NewLogProcessor(sdklog.NewBatchProcessor(exporter), minSeverity(level))
	provider := sdklog.NewLoggerProvider(sdklog.WithProcessor(processor))
	global.SetLoggerProvider(provider)

	// SDK-internal failures (export errors mostly) must not recurse into the
	// pipeline they report on.
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		fmt.Fprintf(os.Stderr, "otel: %v\n", err)
	}))

	slog.SetDefault(slog.New(otelslog.NewHandler(scopeName, otelslog.WithLoggerProvider(provider))))
	return provider.Shutdown, nil
}

// newExporter picks the OTLP transport from the standard OTEL_EXPORTER_*
// environment variables. Without a configured endpoint records go to stdout,
// which keeps the otlp format usable in development.
func newExporter(ctx context.Context) (sdklog.Exporter, error) {
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" && os.Getenv("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT") == "" {
		return stdoutlog.New()
	}

	switch protocol := os.Getenv("OTEL_EXPORTER_OTLP_PROTOCOL"); protocol {
	case "", "grpc":
		return otlploggrpc.New(ctx)
	case "http/protobuf", "http/json":
		return otlploghttp.New(ctx)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol: %q", protocol)
	}
}

// minSeverity maps an slog level onto the OpenTelemetry severity scale for
// the filtering processor.
func minSeverity(level slog.Level) minsev.Severity {
	switch {
	case level <= slog.LevelDebug:
		return minsev.SeverityDebug
	case level <= slog.LevelInfo:
		return minsev.SeverityInfo
	case level <= slog.LevelWarn:
		return minsev.SeverityWarn
	default:
		return minsev.SeverityError
	}
}

func noopShutdown(context.Context) error { return nil }
