package daemon

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/dormant/reconciler"
)

// DaemonMetrics holds tick metrics using OTEL semantic conventions
type DaemonMetrics struct {
	ticks         metric.Int64Counter
	tickDuration  metric.Float64Histogram
	groups        metric.Int64Gauge
	groupFailures metric.Int64Counter
	groupsSkipped metric.Int64Counter
}

// NewDaemonMetrics creates the tick instruments on meter, or on the global
// meter provider when meter is nil
func NewDaemonMetrics(meter metric.Meter) (*DaemonMetrics, error) {
	if meter == nil {
		meter = otel.Meter("dormant.daemon")
	}

	ticks, err := meter.Int64Counter(
		"dormant.reconciler.ticks",
		metric.WithDescription("Number of reconciliation ticks"),
		metric.WithUnit("{tick}"),
	)
	if err != nil {
		return nil, err
	}

	tickDuration, err := meter.Float64Histogram(
		"dormant.reconciler.tick.duration",
		metric.WithDescription("Duration of reconciliation ticks"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	groups, err := meter.Int64Gauge(
		"dormant.reconciler.groups",
		metric.WithDescription("Groups with a downtime window in the last tick"),
		metric.WithUnit("{group}"),
	)
	if err != nil {
		return nil, err
	}

	groupFailures, err := meter.Int64Counter(
		"dormant.reconciler.group_failures",
		metric.WithDescription("Groups whose reconciliation failed"),
		metric.WithUnit("{group}"),
	)
	if err != nil {
		return nil, err
	}

	groupsSkipped, err := meter.Int64Counter(
		"dormant.reconciler.groups_skipped",
		metric.WithDescription("Groups skipped because their window could not be parsed"),
		metric.WithUnit("{group}"),
	)
	if err != nil {
		return nil, err
	}

	return &DaemonMetrics{
		ticks:         ticks,
		tickDuration:  tickDuration,
		groups:        groups,
		groupFailures: groupFailures,
		groupsSkipped: groupsSkipped,
	}, nil
}

// RecordTick records the outcome of one tick
func (m *DaemonMetrics) RecordTick(ctx context.Context, result reconciler.TickResult, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(attribute.String("status", status))

	m.ticks.Add(ctx, 1, attrs)
	m.tickDuration.Record(ctx, d.Seconds(), attrs)
	if err != nil {
		return
	}

	m.groups.Record(ctx, int64(len(result.Groups)))
	if n := result.Failures(); n > 0 {
		m.groupFailures.Add(ctx, int64(n))
	}
	if n := result.Skipped(); n > 0 {
		m.groupsSkipped.Add(ctx, int64(n))
	}
}
