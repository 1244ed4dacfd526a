package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ErrMissingEndpoint is returned when an OTLP exporter is requested without
// a collector endpoint.
var ErrMissingEndpoint = errors.New("telemetry: otlp endpoint is required")

// ExporterConfig describes an OTLP/HTTP trace collector.
type ExporterConfig struct {
	// Endpoint is host:port, or a full URL when it carries a scheme.
	Endpoint string
	Insecure bool
	Headers  map[string]string
}

// NewOTLPExporter builds an OTLP/HTTP span exporter. The connection is lazy;
// no request is made until the first batch is flushed.
func NewOTLPExporter(ctx context.Context, cfg ExporterConfig) (sdktrace.SpanExporter, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, ErrMissingEndpoint
	}
	var opts []otlptracehttp.Option
	if strings.Contains(endpoint, "://") {
		opts = append(opts, otlptracehttp.WithEndpointURL(endpoint))
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: otlp exporter: %w", err)
	}
	return exp, nil
}
