// Package telemetry wires an OpenTelemetry tracer for outbound-send spans
// (config.TelemetryConfig), exporting over OTLP via gRPC or HTTP depending
// on the configured protocol.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/replbridge/internal/config"
)

// Shutdown flushes and closes the tracer provider; call it once at daemon
// exit. A no-op Shutdown is returned when telemetry is disabled, so callers
// never need to nil-check it.
type Shutdown func(ctx context.Context) error

var tracer = otel.Tracer("replbridge/router")

// Init sets the global tracer provider from cfg, or leaves the otel no-op
// provider installed if cfg.Enabled is false.
func Init(ctx context.Context, cfg config.TelemetryConfig) (Shutdown, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "replbridge"
	}

	client, err := newClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry client: %w", err)
	}
	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("telemetry exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", serviceName),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	tracer = tp.Tracer("replbridge/router")

	slog.Info("telemetry.initialized", "endpoint", cfg.Endpoint, "protocol", cfg.Protocol)

	return func(shutdownCtx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(shutdownCtx, 5*time.Second)
		defer cancel()
		return tp.Shutdown(shutdownCtx)
	}, nil
}

func newClient(cfg config.TelemetryConfig) (otlptrace.Client, error) {
	if cfg.Protocol == "http" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.NewClient(opts...), nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.NewClient(opts...), nil
}

// StartSend starts a span around one routed delivery, covering all of its
// retry attempts. The
// returned func ends the span and should be deferred by the caller.
func StartSend(ctx context.Context, channel, tone string) (context.Context, func(err error)) {
	ctx, span := tracer.Start(ctx, "router.deliver",
		trace.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("tone", tone),
		),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}
