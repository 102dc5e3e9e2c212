// Package telemetry installs the OpenTelemetry meter provider that the executor
// metrics are recorded against.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const defaultServiceName = "trilogy-studio"

// Config configures metric export.
type Config struct {
	// Endpoint is the OTLP gRPC collector address. Export is disabled when empty.
	Endpoint string
	// Insecure disables transport security on the collector connection.
	Insecure bool
	// Interval is the export period (default 60s).
	Interval time.Duration
	// ServiceName and ServiceVersion populate the resource attributes.
	ServiceName    string
	ServiceVersion string
	// Reader replaces the OTLP exporter. Used by tests.
	Reader sdkmetric.Reader
	// Logger is the structured logger (optional, uses discard if nil)
	Logger *slog.Logger
}

// Provider owns the installed meter provider.
type Provider struct {
	provider *sdkmetric.MeterProvider
	logger   *slog.Logger
}

// Setup builds a meter provider and makes it the global one. With neither an
// endpoint nor a reader it returns a Provider whose Shutdown does nothing and
// leaves the global no-op provider in place.
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Endpoint == "" && cfg.Reader == nil {
		logger.Debug("metric export disabled")
		return &Provider{logger: logger}, nil
	}

	reader := cfg.Reader
	if reader == nil {
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts,
				otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
				otlpmetricgrpc.WithInsecure(),
			)
		}
		exp, err := otlpmetricgrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		var readerOpts []sdkmetric.PeriodicReaderOption
		if cfg.Interval > 0 {
			readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.Interval))
		}
		reader = sdkmetric.NewPeriodicReader(exp, readerOpts...)
	}

	name := cfg.ServiceName
	if name == "" {
		name = defaultServiceName
	}
	attrs := []resource.Option{resource.WithAttributes(semconv.ServiceName(name))}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersion(cfg.ServiceVersion)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)
	logger.Info("metric export enabled", "endpoint", cfg.Endpoint, "service", name)

	return &Provider{provider: provider, logger: logger}, nil
}

// Enabled reports whether metrics are being exported.
func (p *Provider) Enabled() bool {
	return p.provider != nil
}

// Shutdown flushes pending metrics and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider == nil {
		return nil
	}
	if err := p.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down meter provider: %w", err)
	}
	return nil
}
