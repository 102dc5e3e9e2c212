package executor

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/trilogy-data/trilogy-studio-core-sub000/internal/executor"

type metrics struct {
	enqueuedTotal     metric.Int64Counter
	deduplicatedTotal metric.Int64Counter
	retriedTotal      metric.Int64Counter
	failedTotal       metric.Int64Counter
	cancelledTotal    metric.Int64Counter
	durationHist      metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	m := &metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.enqueuedTotal, "studio_queries_enqueued_total", "Queries added to the executor queue"},
		{&m.deduplicatedTotal, "studio_queries_deduplicated_total", "Run requests served by an existing query"},
		{&m.retriedTotal, "studio_queries_retried_total", "Query retries after transport failures"},
		{&m.failedTotal, "studio_queries_failed_total", "Queries that finished with an error"},
		{&m.cancelledTotal, "studio_queries_cancelled_total", "Queries cancelled or superseded"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name,
			metric.WithDescription(c.desc),
			metric.WithUnit("{query}"),
		)
		if err != nil {
			return nil, fmt.Errorf("creating %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	hist, err := meter.Float64Histogram("studio_query_duration_seconds",
		metric.WithDescription("Time from dispatch to final outcome"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating duration histogram: %w", err)
	}
	m.durationHist = hist
	return m, nil
}

func dashboardAttr(id string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("dashboard_id", id))
}

func (m *metrics) enqueued(dashboardID string) {
	m.enqueuedTotal.Add(context.Background(), 1, dashboardAttr(dashboardID))
}

func (m *metrics) deduplicated(dashboardID string) {
	m.deduplicatedTotal.Add(context.Background(), 1, dashboardAttr(dashboardID))
}

func (m *metrics) retried(dashboardID string) {
	m.retriedTotal.Add(context.Background(), 1, dashboardAttr(dashboardID))
}

func (m *metrics) cancelled(dashboardID string) {
	m.cancelledTotal.Add(context.Background(), 1, dashboardAttr(dashboardID))
}

func (m *metrics) observe(dashboardID string, d time.Duration, err error) {
	ctx := context.Background()
	if err != nil {
		m.failedTotal.Add(ctx, 1, dashboardAttr(dashboardID))
	}
	if d > 0 {
		m.durationHist.Record(ctx, d.Seconds(), dashboardAttr(dashboardID))
	}
}
