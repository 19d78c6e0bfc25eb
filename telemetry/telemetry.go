package telemetry

import (
	"context"
	"time"

	"github.com/lightstep/otel-launcher-go/launcher"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.7.0"
	"google.golang.org/grpc/credentials"

	"github.com/getlantern/golog"
	"github.com/getlantern/ops"
)

var (
	log = golog.LoggerFor("telemetry")
)

const (
	honeycombEndpoint = "api.honeycomb.io:443"
)

// Start configures opentelemetry for collecting metrics and traces, and returns
// a function to shut down telemetry collection. getenv supplies LIGHTSTEP_KEY or HONEYCOMB_KEY,
// without either nothing is reported.
func Start(serviceName string, getenv func(string) string) func() {
	lightstepKey := getenv("LIGHTSTEP_KEY")
	honeycombKey := getenv("HONEYCOMB_KEY")
	switch {
	case lightstepKey != "":
		log.Debug("Will report traces and metrics to Lightstep")
		ls := launcher.ConfigureOpentelemetry(
			launcher.WithServiceName(serviceName),
			launcher.WithMetricReportingPeriod(100*time.Millisecond),
			launcher.WithAccessToken(lightstepKey),
		)
		ops.EnableOpenTelemetry(serviceName)
		return func() { ls.Shutdown() }
	case honeycombKey != "":
		tp, err := honeycombProvider(serviceName, honeycombKey)
		if err != nil {
			log.Errorf("Unable to initialize Honeycomb, will not report traces: %v", err)
			return func() {}
		}
		otel.SetTracerProvider(tp)
		ops.EnableOpenTelemetry(serviceName)
		return func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				log.Errorf("Unable to shut down tracing: %v", err)
			}
		}
	default:
		log.Debug("No LIGHTSTEP_KEY or HONEYCOMB_KEY in environment, will not report traces and metrics")
		return func() {}
	}
}

// honeycombProvider builds a TracerProvider that batches spans to Honeycomb's OTEL collector
// over gRPC.
func honeycombProvider(serviceName string, key string) (*sdktrace.TracerProvider, error) {
	client := otlptracegrpc.NewClient(
		otlptracegrpc.WithEndpoint(honeycombEndpoint),
		otlptracegrpc.WithHeaders(map[string]string{
			"x-honeycomb-team": key,
		}),
		otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")),
	)
	exporter, err := otlptrace.New(context.Background(), client)
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		)),
	), nil
}
