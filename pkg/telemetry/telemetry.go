// Package telemetry holds the observability plumbing of both binaries:
// Prometheus metrics, the metrics HTTP server and OpenTelemetry tracing.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/Kandimus/FreeDistributedBuild/internal/version"
)

const instrumentationPrefix = "github.com/Kandimus/FreeDistributedBuild/"

type tracerConfig struct {
	ratio    float64
	instance string
}

// TracerOption tunes InitTracer.
type TracerOption func(*tracerConfig)

// WithSampleRatio keeps roughly ratio of the root spans. Children follow
// their parent. Values outside (0, 1) mean every span or none.
func WithSampleRatio(ratio float64) TracerOption {
	return func(c *tracerConfig) { c.ratio = ratio }
}

// WithInstance tags every span with the process instance, so two masters
// taking turns under 'schedule' can be told apart.
func WithInstance(id string) TracerOption {
	return func(c *tracerConfig) { c.instance = id }
}

// InitTracer installs the W3C propagator and, when endpoint is set, an OTLP
// HTTP exporter for service ("master" or "worker"). The returned func flushes
// pending spans and must run before exit.
func InitTracer(ctx context.Context, service, endpoint string, opts ...TracerOption) (func(), error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if endpoint == "" {
		return func() {}, nil
	}

	cfg := tracerConfig{ratio: 1}
	for _, opt := range opts {
		opt(&cfg)
	}

	exp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(buildResource(ctx, service, cfg.instance)),
		sdktrace.WithSampler(sampler(cfg.ratio)),
	)
	otel.SetTracerProvider(tp)

	return func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(flushCtx)
	}, nil
}

func buildResource(ctx context.Context, service, instance string) *resource.Resource {
	attrs := []resource.Option{
		resource.WithAttributes(
			semconv.ServiceNamespace("fdb"),
			semconv.ServiceName(service),
			semconv.ServiceVersion(version.Version),
		),
		resource.WithHost(),
		resource.WithProcessPID(),
	}
	if instance != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceInstanceID(instance)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		// Partial resources come back together with the error.
		if res != nil {
			return res
		}
		return resource.Default()
	}
	return res
}

func sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.AlwaysSample()
	case ratio <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

// Tracer returns the tracer for one component, e.g. Tracer("worker").
func Tracer(component string) trace.Tracer {
	return otel.Tracer(instrumentationPrefix + component)
}
