// Package metrics предоставляет систему метрик на основе OpenTelemetry.
//
// Все методы *Metrics безопасны для nil-получателя: компоненты без метрик
// просто держат nil и ничего не записывают.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName имя meter'а библиотеки
const MeterName = "potter-eventstore"

// Metrics сборщик метрик event store
type Metrics struct {
	eventsAppended     metric.Int64Counter
	appendDuration     metric.Float64Histogram
	appendErrors       metric.Int64Counter
	subscriberDrops    metric.Int64Counter
	projectionEvents   metric.Int64Counter
	projectionErrors   metric.Int64Counter
	projectionRebuilds metric.Int64Counter
	sagasTotal         metric.Int64Counter
	sagaStepDuration   metric.Float64Histogram
	relayPublished     metric.Int64Counter
	relayErrors        metric.Int64Counter
}

// NewMetrics создает сборщик на глобальном MeterProvider
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithProvider(otel.GetMeterProvider())
}

// NewMetricsWithProvider создает сборщик на указанном провайдере
func NewMetricsWithProvider(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(MeterName)
	m := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.eventsAppended, "events_appended_total", "Total number of events appended"},
		{&m.appendErrors, "append_errors_total", "Total number of failed appends"},
		{&m.subscriberDrops, "subscriber_drops_total", "Events dropped because a subscriber buffer was full"},
		{&m.projectionEvents, "projection_events_total", "Events applied to projections"},
		{&m.projectionErrors, "projection_errors_total", "Projection apply failures"},
		{&m.projectionRebuilds, "projection_rebuilds_total", "Projection rebuilds"},
		{&m.sagasTotal, "saga_total", "Finished saga executions by status"},
		{&m.relayPublished, "relay_published_total", "Events published to external brokers"},
		{&m.relayErrors, "relay_errors_total", "Failed broker publishes"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}

	var err error
	m.appendDuration, err = meter.Float64Histogram(
		"append_duration_seconds",
		metric.WithDescription("Backend append duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.sagaStepDuration, err = meter.Float64Histogram(
		"saga_step_duration_seconds",
		metric.WithDescription("Saga step duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordAppend записывает метрику записи пачки событий
func (m *Metrics) RecordAppend(ctx context.Context, count int, duration time.Duration, err error) {
	if m == nil {
		return
	}
	success := err == nil
	m.appendDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.Bool("success", success)))
	if !success {
		m.appendErrors.Add(ctx, 1)
		return
	}
	m.eventsAppended.Add(ctx, int64(count))
}

// RecordSubscriberDrop записывает потерю события подписчиком
func (m *Metrics) RecordSubscriberDrop(ctx context.Context) {
	if m == nil {
		return
	}
	m.subscriberDrops.Add(ctx, 1)
}

// RecordProjectionEvent записывает применение события проекцией
func (m *Metrics) RecordProjectionEvent(ctx context.Context, projection string, success bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("projection", projection))
	m.projectionEvents.Add(ctx, 1, attrs)
	if !success {
		m.projectionErrors.Add(ctx, 1, attrs)
	}
}

// RecordRebuild записывает перестроение проекции
func (m *Metrics) RecordRebuild(ctx context.Context, projection string, success bool) {
	if m == nil {
		return
	}
	m.projectionRebuilds.Add(ctx, 1, metric.WithAttributes(
		attribute.String("projection", projection),
		attribute.Bool("success", success),
	))
}

// RecordSaga записывает завершение саги
func (m *Metrics) RecordSaga(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.sagasTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordSagaStep записывает длительность шага саги
func (m *Metrics) RecordSagaStep(ctx context.Context, step string, duration time.Duration, success bool) {
	if m == nil {
		return
	}
	m.sagaStepDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("step", step),
		attribute.Bool("success", success),
	))
}

// RecordRelay записывает публикацию события во внешний брокер
func (m *Metrics) RecordRelay(ctx context.Context, kind string, success bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("relay", kind))
	if !success {
		m.relayErrors.Add(ctx, 1, attrs)
		return
	}
	m.relayPublished.Add(ctx, 1, attrs)
}
