// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package tracing exports the spans of the pipeline over OTLP.
package tracing

import (
	"context"
	"time"

	"github.com/juju/errors"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
)

// DefaultServiceName is the service name attached to exported spans.
const DefaultServiceName = "cdcd"

// Config holds the configuration of a span exporting provider.
type Config struct {
	// Endpoint is the host:port of the OTLP gRPC collector.
	Endpoint string
	// Insecure disables transport security to the collector.
	Insecure bool
	// SampleRatio is the fraction of traces sampled, in (0, 1].
	SampleRatio float64
	// ServiceName names this process. Empty means DefaultServiceName.
	ServiceName string
	// InstanceID distinguishes processes of the same service.
	InstanceID string
}

// Validate ensures that the config values are valid.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return errors.NotValidf("empty Endpoint")
	}
	if c.SampleRatio <= 0 || c.SampleRatio > 1 {
		return errors.NotValidf("SampleRatio %v", c.SampleRatio)
	}
	return nil
}

// Provider is a tracer provider that batches spans to an exporter.
type Provider struct {
	*sdktrace.TracerProvider
}

// NewProvider returns a Provider exporting to the configured collector.
// The connection is made lazily, so an unreachable collector only loses
// spans.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	options := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		options = append(options, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(options...))
	if err != nil {
		return nil, errors.Annotate(err, "creating span exporter")
	}

	return newProvider(cfg, sdktrace.WithBatcher(exporter)), nil
}

func newProvider(cfg Config, processor sdktrace.TracerProviderOption) *Provider {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = DefaultServiceName
	}
	return &Provider{
		TracerProvider: sdktrace.NewTracerProvider(
			processor,
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
			sdktrace.WithResource(newResource(serviceName, cfg.InstanceID)),
		),
	}
}

// Close flushes outstanding spans and shuts the provider down, waiting at
// most timeout.
func (p *Provider) Close(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := p.ForceFlush(ctx); err != nil {
		return errors.Annotate(err, "flushing spans")
	}
	return errors.Trace(p.Shutdown(ctx))
}

func newResource(serviceName, instanceID string) *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceInstanceID(instanceID),
	)
}
