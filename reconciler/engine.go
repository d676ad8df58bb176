package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/yairfalse/dormant/providers"
	"github.com/yairfalse/dormant/types"
	"github.com/yairfalse/dormant/wal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Engine reconciles groups against their downtime windows. It is safe to
// call Status while a tick runs; ticks themselves must not overlap.
type Engine struct {
	store     Store
	providers *providers.Registry

	guard   Guard
	emitter Emitter
	wal     *wal.WAL
	logger  zerolog.Logger
	tracer  trace.Tracer

	now         func() time.Time
	loc         *time.Location
	callTimeout time.Duration
	dryRun      bool

	state *transitions
	ticks atomic.Uint64

	mu   sync.RWMutex
	last *TickResult
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the wall clock
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLocation sets the zone for window bounds written without one
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) { e.loc = loc }
}

// WithCallTimeout bounds each provider call. Zero disables the bound.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Engine) { e.callTimeout = d }
}

// WithDryRun records decisions without issuing provider commands
func WithDryRun(dryRun bool) Option {
	return func(e *Engine) { e.dryRun = dryRun }
}

// WithGuard sets the policy guard consulted before each command
func WithGuard(g Guard) Option {
	return func(e *Engine) { e.guard = g }
}

// WithEmitter sets the decision emitter
func WithEmitter(em Emitter) Option {
	return func(e *Engine) { e.emitter = em }
}

// WithWAL sets the audit log
func WithWAL(w *wal.WAL) Option {
	return func(e *Engine) { e.wal = w }
}

// WithTracer overrides the tracer
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// NewEngine creates an engine over a store and the registered providers
func NewEngine(store Store, registry *providers.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		providers:   registry,
		logger:      log.Logger,
		tracer:      otel.Tracer("dormant/reconciler"),
		now:         time.Now,
		loc:         time.Local,
		callTimeout: DefaultCallTimeout,
		state:       newTransitions(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With().Str("component", "reconciler").Logger()
	return e
}

// Status returns the last applied transition of every tracked group
func (e *Engine) Status() []GroupStatus {
	return e.state.snapshot()
}

// LastTick returns the result of the most recent tick
func (e *Engine) LastTick() (TickResult, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.last == nil {
		return TickResult{}, false
	}
	return *e.last, true
}

// Tick runs one pass over every downtime window. Failures are isolated per
// group; an error is returned only when the windows cannot be read.
func (e *Engine) Tick(ctx context.Context) (TickResult, error) {
	tick := e.ticks.Add(1)
	started := e.now()

	ctx, span := e.tracer.Start(ctx, "reconciler.tick",
		trace.WithAttributes(attribute.Int64("tick", int64(tick))))
	defer span.End()

	result := TickResult{Tick: tick, StartedAt: started}

	rows, err := e.store.GetAllGroupDowntimes(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list downtimes")
		e.logger.Error().Err(err).Uint64("tick", tick).Msg("failed to list downtime windows")
		return result, fmt.Errorf("failed to list downtime windows: %w", err)
	}

	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		seen[row.GroupName] = true
		result.Groups = append(result.Groups, e.reconcileGroup(ctx, row))
	}
	e.state.retain(seen)

	result.Duration = e.now().Sub(started)
	span.SetAttributes(
		attribute.Int("groups", len(result.Groups)),
		attribute.Int("failures", result.Failures()))

	e.logger.Info().
		Uint64("tick", tick).
		Int("groups", len(result.Groups)).
		Int("commands", len(result.Decisions())).
		Int("pruned", result.Pruned()).
		Int("failures", result.Failures()).
		Dur("duration", result.Duration).
		Msg("reconcile tick complete")

	e.audit(wal.EntryTick, "", tickSummary{
		Tick:     tick,
		Groups:   len(result.Groups),
		Commands: len(result.Decisions()),
		Pruned:   result.Pruned(),
		Failures: result.Failures(),
		Skipped:  result.Skipped(),
		Duration: result.Duration.String(),
	}, nil)

	e.mu.Lock()
	e.last = &result
	e.mu.Unlock()

	return result, nil
}

type tickSummary struct {
	Tick     uint64 `json:"tick"`
	Groups   int    `json:"groups"`
	Commands int    `json:"commands"`
	Pruned   int    `json:"pruned"`
	Failures int    `json:"failures"`
	Skipped  int    `json:"skipped"`
	Duration string `json:"duration"`
}

func (e *Engine) reconcileGroup(ctx context.Context, row types.GroupDowntime) GroupResult {
	ctx, span := e.tracer.Start(ctx, "reconciler.group",
		trace.WithAttributes(attribute.String("group", row.GroupName)))
	defer span.End()

	res := GroupResult{Group: row.GroupName}
	logger := e.logger.With().Str("group", row.GroupName).Logger()

	fail := func(err error) GroupResult {
		res.Err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, "group failed")
		logger.Error().Err(err).Msg("group reconciliation failed")
		return res
	}

	window, err := ParseWindow(row.StartTime, row.EndTime, e.loc)
	if err != nil {
		res.Skipped = true
		logger.Warn().Err(err).
			Str("start", row.StartTime).
			Str("end", row.EndTime).
			Msg("skipping group with unparseable downtime window")
		return res
	}
	res.Window = window.String()

	members, err := e.store.GetInstancesByGroup(ctx, row.GroupName)
	if err != nil {
		return fail(fmt.Errorf("failed to read membership: %w", err))
	}

	batches, pruned, err := e.prune(ctx, row.GroupName, members)
	res.Pruned = pruned
	if err != nil {
		return fail(err)
	}

	phase := window.Evaluate(e.now())
	res.Phase = phase.Kind
	span.SetAttributes(attribute.String("phase", string(phase.Kind)))

	var action string
	switch phase.Kind {
	case PhaseInside:
		action = types.ActionStop
	case PhaseAfter:
		action = types.ActionStart
	default:
		return res
	}

	transition := types.TransitionFor(action)
	if e.state.applied(row.GroupName, phase.Occurrence, transition) {
		return res
	}
	if len(batches) == 0 {
		logger.Debug().Msg("group has no live members")
		return res
	}

	decisions, complete, err := e.apply(ctx, row.GroupName, action, phase, batches)
	res.Decisions = decisions
	if err != nil {
		return fail(err)
	}
	if complete {
		e.state.record(row.GroupName, phase.Occurrence, transition, e.now())
		logger.Info().
			Str("transition", string(transition)).
			Time("occurrence", phase.Occurrence).
			Msg("transition applied")
	}
	return res
}

// apply issues the command of action for every batch. complete is false when
// any batch was denied or failed, so the next tick tries again.
func (e *Engine) apply(ctx context.Context, group, action string, phase Phase, batches []batch) ([]types.Decision, bool, error) {
	reason := "downtime window started"
	if action == types.ActionStart {
		reason = "downtime window ended"
	}

	var (
		decisions []types.Decision
		firstErr  error
		complete  = true
	)
	for _, b := range batches {
		d := types.Decision{
			Action:      action,
			Group:       group,
			Provider:    b.provider,
			Account:     b.account,
			InstanceIDs: providers.IDs(b.refs),
			Reason:      reason,
			Occurrence:  phase.Occurrence,
			CreatedAt:   e.now(),
		}

		err := e.issue(ctx, &d, b)
		if d.Status != types.StatusIssued && d.Status != types.StatusDryRun {
			complete = false
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
		e.record(ctx, d)
		decisions = append(decisions, d)
	}
	return decisions, complete, firstErr
}

// issue runs the guard and the provider command for one batch, setting the
// decision status
func (e *Engine) issue(ctx context.Context, d *types.Decision, b batch) error {
	if e.guard != nil {
		allowed, reason, err := e.guard.Allow(ctx, *d)
		if err != nil {
			d.Status = types.StatusFailed
			d.Error = "policy: " + err.Error()
			return fmt.Errorf("policy check failed: %w", err)
		}
		if !allowed {
			d.Status = types.StatusDenied
			d.Error = reason
			return nil
		}
	}

	if e.dryRun {
		d.Status = types.StatusDryRun
		return nil
	}

	compute, ok := e.providers.Get(b.provider)
	if !ok {
		d.Status = types.StatusFailed
		d.Error = "provider not configured"
		return fmt.Errorf("%s provider not configured", b.provider)
	}

	callCtx, cancel := e.callContext(ctx)
	defer cancel()

	var err error
	switch d.Action {
	case types.ActionStop:
		err = compute.StopInstances(callCtx, b.account, b.refs)
	case types.ActionStart:
		err = compute.StartInstances(callCtx, b.account, b.refs)
	default:
		err = fmt.Errorf("unsupported action %q", d.Action)
	}
	if err != nil {
		d.Status = types.StatusFailed
		d.Error = err.Error()
		return err
	}
	d.Status = types.StatusIssued
	return nil
}

func (e *Engine) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.callTimeout)
}

// record logs, audits and emits a decision
func (e *Engine) record(ctx context.Context, d types.Decision) {
	event := e.logger.Debug()
	if d.Status == types.StatusFailed {
		event = e.logger.Error()
	}
	event.
		Str("group", d.Group).
		Str("provider", string(d.Provider)).
		Str("account", d.Account).
		Str("action", d.Action).
		Str("status", d.Status).
		Strs("instance_ids", d.InstanceIDs).
		Str("error", d.Error).
		Msg("command decision")

	entryType := wal.EntryCommand
	if d.Action == types.ActionPrune {
		entryType = wal.EntryPrune
	}
	var cause error
	if d.Status == types.StatusFailed && d.Error != "" {
		cause = errors.New(d.Error)
	}
	e.audit(entryType, d.Group, d, cause)

	if e.emitter != nil {
		if err := e.emitter.Emit(ctx, d); err != nil {
			e.logger.Warn().Err(err).Str("group", d.Group).Msg("failed to emit decision")
		}
	}
}

func (e *Engine) audit(t wal.EntryType, group string, data interface{}, cause error) {
	if e.wal == nil {
		return
	}
	var err error
	if cause != nil {
		err = e.wal.AppendError(t, group, SystemActor, data, cause)
	} else {
		err = e.wal.Append(t, group, SystemActor, data)
	}
	if err != nil {
		e.logger.Error().Err(err).Str("entry_type", string(t)).Msg("failed to append audit entry")
	}
}
