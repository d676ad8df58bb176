package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/yairfalse/dormant/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Guard holds compiled policies and vetoes commands they deny.
// A guard with no policies allows everything.
type Guard struct {
	mu      sync.RWMutex
	queries map[string]rego.PreparedEvalQuery
	logger  zerolog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures a Guard
type Option func(*Guard)

// WithLogger sets the guard logger
func WithLogger(l zerolog.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// WithClock overrides the time source used for the input timestamp
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// NewGuard creates an empty guard
func NewGuard(opts ...Option) *Guard {
	g := &Guard{
		queries: make(map[string]rego.PreparedEvalQuery),
		logger:  log.Logger,
		tracer:  otel.Tracer("dormant/policy"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// LoadPolicy compiles a Rego module and adds it under name, replacing any
// policy of the same name
func (g *Guard) LoadPolicy(ctx context.Context, name, code string) error {
	ctx, span := g.tracer.Start(ctx, "policy.load",
		trace.WithAttributes(attribute.String("policy.name", name)))
	defer span.End()

	prepared, err := rego.New(
		rego.Query(Query),
		rego.Module(name, code),
	).PrepareForEval(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to compile policy %s: %w", name, err)
	}

	g.mu.Lock()
	g.queries[name] = prepared
	g.mu.Unlock()

	g.logger.Debug().Str("policy", name).Msg("policy loaded")
	return nil
}

// Policies returns the loaded policy names, sorted
func (g *Guard) Policies() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.queries))
	for name := range g.queries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Evaluate runs every policy against input. Any deny wins.
// An evaluation error fails the whole check.
func (g *Guard) Evaluate(ctx context.Context, input Input) (Result, error) {
	ctx, span := g.tracer.Start(ctx, "policy.evaluate",
		trace.WithAttributes(
			attribute.String("group", input.Group),
			attribute.String("action", input.Action)))
	defer span.End()

	g.mu.RLock()
	defer g.mu.RUnlock()

	names := make([]string, 0, len(g.queries))
	for name := range g.queries {
		names = append(names, name)
	}
	sort.Strings(names)

	result := Result{Decision: DecisionAllow}
	var reasons []string
	for _, name := range names {
		rs, err := g.queries[name].Eval(ctx, rego.EvalInput(input))
		if err != nil {
			span.RecordError(err)
			return Result{}, fmt.Errorf("policy %s: %w", name, err)
		}
		denied, reason := parseResults(rs)
		if !denied {
			continue
		}
		result.Decision = DecisionDeny
		result.Policies = append(result.Policies, name)
		if reason != "" {
			reasons = append(reasons, reason)
		}
	}
	result.Reason = strings.Join(reasons, "; ")

	span.SetAttributes(attribute.String("decision", result.Decision))
	return result, nil
}

// Allow evaluates the policies for a reconciler decision
func (g *Guard) Allow(ctx context.Context, d types.Decision) (bool, string, error) {
	res, err := g.Evaluate(ctx, InputFor(d, g.now()))
	if err != nil {
		return false, "", err
	}
	if !res.Allowed() {
		g.logger.Info().
			Str("group", d.Group).
			Str("action", d.Action).
			Strs("policies", res.Policies).
			Str("reason", res.Reason).
			Msg("command denied by policy")
	}
	return res.Allowed(), res.Reason, nil
}

// parseResults reads the dormant document. A policy denies either through a
// non-empty `deny` set of messages or a `decision` of "deny" with an
// optional `reason`.
func parseResults(rs rego.ResultSet) (bool, string) {
	for _, res := range rs {
		if len(res.Expressions) == 0 {
			continue
		}
		doc, ok := res.Expressions[0].Value.(map[string]interface{})
		if !ok {
			continue
		}

		if msgs := stringsOf(doc["deny"]); len(msgs) > 0 {
			sort.Strings(msgs)
			return true, strings.Join(msgs, "; ")
		}
		if denied, _ := doc["deny"].(bool); denied {
			reason, _ := doc["reason"].(string)
			return true, reason
		}
		if decision, _ := doc["decision"].(string); decision == DecisionDeny {
			reason, _ := doc["reason"].(string)
			return true, reason
		}
	}
	return false, ""
}

func stringsOf(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		} else {
			out = append(out, fmt.Sprint(item))
		}
	}
	return out
}
