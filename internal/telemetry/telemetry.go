// Package telemetry installs the global OpenTelemetry tracer provider.
package telemetry

import (
	"context"
	"io"

	"github.com/kfishgm/btcbot-sub001/internal/logger"
	"github.com/kfishgm/btcbot-sub001/internal/version"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

const (
	// ExporterNone leaves the global no-op provider in place.
	ExporterNone = "none"
	// ExporterStdout writes finished spans as JSON.
	ExporterStdout = "stdout"
)

// Config selects the span exporter.
type Config struct {
	Exporter    string `mapstructure:"exporter" yaml:"exporter" json:"exporter" jsonschema:"enum=none,enum=stdout" validate:"omitempty,oneof=none stdout"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name" json:"service_name"`
}

// ShutdownFunc flushes and stops the provider.
type ShutdownFunc func(context.Context) error

// Init sets the global tracer provider. Spans go to w when the stdout exporter
// is selected. The returned shutdown is never nil.
func Init(cfg Config, w io.Writer, log *logger.Logger) (ShutdownFunc, error) {
	noop := func(context.Context) error { return nil }

	if cfg.Exporter == "" || cfg.Exporter == ExporterNone {
		return noop, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return noop, err
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "athfeed"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", version.GetVersion()),
			attribute.Bool("service.development", version.IsDevelopment()),
		),
	)
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Named("telemetry").Info("Tracer initialized",
		zap.String("exporter", cfg.Exporter),
		zap.String("service", serviceName))

	return tp.Shutdown, nil
}
