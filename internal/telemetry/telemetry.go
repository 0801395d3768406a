// Package telemetry wires OpenTelemetry tracing and metrics to rotated
// files.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/wsuo/argochainhub-platform-sub001/internal/logging"
)

// Config controls where telemetry goes.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// MetricsFile receives periodic metric snapshots. Empty disables export.
	MetricsFile string
	// TracesFile defaults to MetricsFile with a ".traces" suffix.
	TracesFile     string
	ExportInterval time.Duration
}

// Providers holds the instruments handed to the rest of the service.
type Providers struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	shutdown []func(context.Context) error
}

// Shutdown flushes exporters and closes files.
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Init installs global tracer and meter providers. With no MetricsFile it
// returns the global no-op instruments.
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "argochainhub-platform"
	}
	if cfg.MetricsFile == "" {
		return &Providers{
			Tracer: otel.Tracer(cfg.ServiceName),
			Meter:  otel.Meter(cfg.ServiceName),
		}, nil
	}
	if cfg.TracesFile == "" {
		cfg.TracesFile = cfg.MetricsFile + ".traces"
	}
	if cfg.ExportInterval <= 0 {
		cfg.ExportInterval = 10 * time.Second
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	for _, path := range []string{cfg.MetricsFile, cfg.TracesFile} {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create telemetry directory: %w", err)
		}
	}

	traceFile := logging.RotatingFile(cfg.TracesFile, 10)
	traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(traceFile))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)

	metricsFile := logging.RotatingFile(cfg.MetricsFile, 10)
	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(metricsFile))
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(cfg.ExportInterval))),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	logging.Info().
		Str("metrics_file", cfg.MetricsFile).
		Str("traces_file", cfg.TracesFile).
		Msg("telemetry export enabled")

	return &Providers{
		Tracer: tp.Tracer(cfg.ServiceName),
		Meter:  mp.Meter(cfg.ServiceName),
		shutdown: []func(context.Context) error{
			tp.Shutdown,
			mp.Shutdown,
			closer(traceFile),
			closer(metricsFile),
		},
	}, nil
}

func closer(w io.Writer) func(context.Context) error {
	return func(context.Context) error {
		if c, ok := w.(io.Closer); ok {
			return c.Close()
		}
		return nil
	}
}
