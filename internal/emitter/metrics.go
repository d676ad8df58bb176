package emitter

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/dormant/types"
)

// MetricsEmitter records decisions as OTEL metrics.
type MetricsEmitter struct {
	meter metric.Meter

	commands  metric.Int64Counter
	instances metric.Int64Counter
	pruned    metric.Int64Counter
	groupDown metric.Int64ObservableGauge

	// last accepted transition per group, for the observable gauge
	mu     sync.RWMutex
	groups map[string]types.Transition
}

// NewMetricsEmitter creates a metrics emitter on meter, or on the global
// meter provider when meter is nil.
func NewMetricsEmitter(meter metric.Meter) (*MetricsEmitter, error) {
	if meter == nil {
		meter = otel.Meter("dormant.emitter")
	}

	e := &MetricsEmitter{
		meter:  meter,
		groups: make(map[string]types.Transition),
	}

	if err := e.initMetrics(); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	return e, nil
}

func (e *MetricsEmitter) initMetrics() error {
	var err error

	e.commands, err = e.meter.Int64Counter(
		"dormant.reconciler.commands",
		metric.WithDescription("Power commands decided by the reconciler"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		return fmt.Errorf("create commands counter: %w", err)
	}

	e.instances, err = e.meter.Int64Counter(
		"dormant.reconciler.command.instances",
		metric.WithDescription("Instances named in power commands"),
		metric.WithUnit("{instance}"),
	)
	if err != nil {
		return fmt.Errorf("create instances counter: %w", err)
	}

	e.pruned, err = e.meter.Int64Counter(
		"dormant.reconciler.pruned",
		metric.WithDescription("Stale memberships removed by pruning"),
		metric.WithUnit("{instance}"),
	)
	if err != nil {
		return fmt.Errorf("create pruned counter: %w", err)
	}

	e.groupDown, err = e.meter.Int64ObservableGauge(
		"dormant.group.down",
		metric.WithDescription("1 when the last command for the group stopped it"),
		metric.WithInt64Callback(e.observeGroups),
	)
	if err != nil {
		return fmt.Errorf("create group gauge: %w", err)
	}

	return nil
}

// Emit records the decision.
func (e *MetricsEmitter) Emit(ctx context.Context, d types.Decision) error {
	attrs := metric.WithAttributes(
		attribute.String("action", d.Action),
		attribute.String("status", d.Status),
		attribute.String("cloud.provider", string(d.Provider)),
	)

	if d.Action == types.ActionPrune {
		if d.Status == types.StatusApplied || d.Status == types.StatusDryRun {
			e.pruned.Add(ctx, int64(len(d.InstanceIDs)), metric.WithAttributes(
				attribute.String("cloud.provider", string(d.Provider)),
			))
		}
		return nil
	}

	e.commands.Add(ctx, 1, attrs)
	e.instances.Add(ctx, int64(len(d.InstanceIDs)), attrs)

	if d.Status != types.StatusIssued && d.Status != types.StatusDryRun {
		return nil
	}
	t := types.TransitionFor(d.Action)
	if t == types.TransitionNone {
		return nil
	}

	e.mu.Lock()
	prev, known := e.groups[d.Group]
	e.groups[d.Group] = t
	e.mu.Unlock()

	if known && prev != t {
		log.Debug().
			Str("group", d.Group).
			Str("from", string(prev)).
			Str("to", string(t)).
			Msg("group transition changed")
	}
	return nil
}

// observeGroups is the callback for the group gauge.
func (e *MetricsEmitter) observeGroups(_ context.Context, o metric.Int64Observer) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for group, t := range e.groups {
		var v int64
		if t == types.TransitionStopped {
			v = 1
		}
		o.Observe(v, metric.WithAttributes(attribute.String("group", group)))
	}
	return nil
}

// Close is a no-op for the metrics emitter.
func (e *MetricsEmitter) Close() error {
	return nil
}
