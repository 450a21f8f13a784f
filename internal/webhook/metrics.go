package webhook

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type dispatchMetrics struct {
	dropped     metric.Int64Counter
	delivered   metric.Int64Counter
	failed      metric.Int64Counter
	rateLimited metric.Int64Counter
}

var (
	metricsOnce   sync.Once
	sharedMetrics *dispatchMetrics
)

func loadMetrics() *dispatchMetrics {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("kasgate/webhook")
		dropped, err := meter.Int64Counter("kasgate.webhooks.dropped")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("kasgate/webhook")
			dropped, _ = fallback.Int64Counter("kasgate.webhooks.dropped")
		}
		delivered, err := meter.Int64Counter("kasgate.webhooks.delivered")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("kasgate/webhook")
			delivered, _ = fallback.Int64Counter("kasgate.webhooks.delivered")
		}
		failed, err := meter.Int64Counter("kasgate.webhooks.failed")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("kasgate/webhook")
			failed, _ = fallback.Int64Counter("kasgate.webhooks.failed")
		}
		rateLimited, err := meter.Int64Counter("kasgate.webhooks.rate_limited")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("kasgate/webhook")
			rateLimited, _ = fallback.Int64Counter("kasgate.webhooks.rate_limited")
		}
		sharedMetrics = &dispatchMetrics{dropped: dropped, delivered: delivered, failed: failed, rateLimited: rateLimited}
	})
	return sharedMetrics
}

func (m *dispatchMetrics) recordDropped(reason string) {
	if m == nil || m.dropped == nil {
		return
	}
	m.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *dispatchMetrics) recordDelivered() {
	if m == nil || m.delivered == nil {
		return
	}
	m.delivered.Add(context.Background(), 1)
}

func (m *dispatchMetrics) recordFailed() {
	if m == nil || m.failed == nil {
		return
	}
	m.failed.Add(context.Background(), 1)
}

func (m *dispatchMetrics) recordRateLimited() {
	if m == nil || m.rateLimited == nil {
		return
	}
	m.rateLimited.Add(context.Background(), 1)
}
