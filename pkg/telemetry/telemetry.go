// Package telemetry sets up OpenTelemetry metrics and tracing for the
// gojokv tools, with metrics served in Prometheus format.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/multierr"
)

// Config holds all the configuration for the telemetry system.
type Config struct {
	// Enabled toggles the entire telemetry system on or off.
	Enabled bool `yaml:"enabled"`
	// ServiceName is the name of the service that will appear in traces and metrics.
	ServiceName string `yaml:"service_name"`
	// PrometheusPort is the port on which to expose the /metrics endpoint.
	// Zero registers the exporter without serving it.
	PrometheusPort int `yaml:"prometheus_port"`
	// TraceSampleRatio is the fraction of traces to sample (e.g., 0.01 for 1%).
	// Defaults to 1.0 (always sample) if not set or invalid.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// Telemetry represents the active telemetry components.
type Telemetry struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	// Registry holds the OTel exporter together with the Go runtime and
	// process collectors. Each Telemetry gets its own.
	Registry *prometheus.Registry
	// Handler serves the Prometheus exposition of Registry.
	Handler http.Handler
}

// ShutdownFunc is a function that gracefully shuts down the telemetry providers.
type ShutdownFunc func(ctx context.Context) error

// New initializes the OpenTelemetry SDK for metrics and tracing and installs
// the providers globally, so instruments created later through otel.Meter
// and otel.Tracer report through them.
func New(config Config) (*Telemetry, ShutdownFunc, error) {
	if !config.Enabled {
		return &Telemetry{
			Tracer:  nooptrace.NewTracerProvider().Tracer(""),
			Meter:   noop.NewMeterProvider().Meter(""),
			Handler: http.NotFoundHandler(),
		}, func(ctx context.Context) error { return nil }, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// --- Metrics Setup (Prometheus) ---
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	// --- Tracing Setup ---
	sampleRatio := config.TraceSampleRatio
	if sampleRatio <= 0 || sampleRatio > 1 {
		sampleRatio = 1.0
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(sampleRatio)),
	)

	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	tel := &Telemetry{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Tracer:         tracerProvider.Tracer(config.ServiceName),
		Meter:          meterProvider.Meter(config.ServiceName),
		Registry:       registry,
		Handler:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
	}

	// Expose the Prometheus metrics endpoint on its own mux.
	var server *http.Server
	if config.PrometheusPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", tel.Handler)
		server = &http.Server{
			Addr:              fmt.Sprintf(":%d", config.PrometheusPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				otel.Handle(fmt.Errorf("prometheus http server failed: %w", err))
			}
		}()
	}

	// The shutdown function ensures all buffered telemetry is exported.
	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		var err error
		if server != nil {
			err = multierr.Append(err, server.Shutdown(ctx))
		}
		if serr := tracerProvider.Shutdown(ctx); serr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to shutdown tracer provider: %w", serr))
		}
		if serr := meterProvider.Shutdown(ctx); serr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to shutdown meter provider: %w", serr))
		}
		return err
	}

	return tel, shutdown, nil
}
