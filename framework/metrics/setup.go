package metrics

import (
	"context"
	"fmt"
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// MetricsConfig описывает процесс, отдающий метрики
type MetricsConfig struct {
	ServiceName    string
	ServiceVersion string
	ResourceAttrs  map[string]string
	// Global делает провайдер глобальным, чтобы NewMetrics() писал в него
	Global bool
}

// PrometheusExporter MeterProvider, читаемый через собственный Prometheus-реестр
type PrometheusExporter struct {
	provider *sdkmetric.MeterProvider
	registry *prom.Registry
}

// SetupMetrics создает MeterProvider с Prometheus reader'ом на отдельном реестре
func SetupMetrics(ctx context.Context, config MetricsConfig) (*PrometheusExporter, error) {
	if config.ServiceName == "" {
		config.ServiceName = MeterName
	}

	registry := prom.NewRegistry()
	reader, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(resourceAttributes(config)...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	if config.Global {
		otel.SetMeterProvider(provider)
	}
	return &PrometheusExporter{provider: provider, registry: registry}, nil
}

func resourceAttributes(config MetricsConfig) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String("service.name", config.ServiceName)}
	if config.ServiceVersion != "" {
		attrs = append(attrs, attribute.String("service.version", config.ServiceVersion))
	}
	for k, v := range config.ResourceAttrs {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

// Provider возвращает MeterProvider для NewMetricsWithProvider
func (e *PrometheusExporter) Provider() *sdkmetric.MeterProvider {
	return e.provider
}

// Handler отдает метрики в текстовом формате Prometheus
func (e *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Shutdown сбрасывает и останавливает провайдер
func (e *PrometheusExporter) Shutdown(ctx context.Context) error {
	if e == nil {
		return nil
	}
	return e.provider.Shutdown(ctx)
}
