// Package metrics exports engine metrics through OpenTelemetry with a
// Prometheus exporter.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelglobal "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const meterName = "github.com/aristath/deepproduct"

// InitMeterProvider installs the global MeterProvider backed by a Prometheus
// exporter and returns the handler that serves /metrics. Call once at startup.
func InitMeterProvider(ctx context.Context, serviceName string) (http.Handler, error) {
	if serviceName == "" {
		serviceName = "deepproduct"
	}
	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otelglobal.SetMeterProvider(provider)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}), nil
}

// Meter returns the global meter of the engine.
func Meter() metric.Meter {
	return otelglobal.Meter(meterName)
}

// Attribute keys.
var (
	AttrStage   = attribute.Key("stage")
	AttrAgent   = attribute.Key("agent")
	AttrOutcome = attribute.Key("outcome")
	AttrKind    = attribute.Key("kind")
	AttrPolicy  = attribute.Key("policy")
	AttrState   = attribute.Key("state")
	AttrStatus  = attribute.Key("status")
)
