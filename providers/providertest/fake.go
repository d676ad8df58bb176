// Package providertest provides an in-memory Compute for tests.
package providertest

import (
	"context"
	"sync"

	"github.com/yairfalse/dormant/providers"
	"github.com/yairfalse/dormant/types"
)

// Call records one command issued to the fake
type Call struct {
	Op      string
	Account string
	Refs    []providers.Ref
}

// Compute is a scriptable providers.Compute. Instances are keyed by account.
type Compute struct {
	mu sync.Mutex

	Provider  types.Provider
	Instances map[string][]providers.Instance

	// Optional failure injection
	ListErr    error
	CommandErr error

	// ListFunc overrides the instance listing when set
	ListFunc func(ctx context.Context, accountID string) ([]providers.Instance, error)

	calls []Call
	lists int
}

// New creates a fake for provider p
func New(p types.Provider) *Compute {
	return &Compute{Provider: p, Instances: make(map[string][]providers.Instance)}
}

// SetInstances replaces the live instances of an account
func (c *Compute) SetInstances(account string, instances ...providers.Instance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Instances[account] = instances
}

func (c *Compute) Name() types.Provider { return c.Provider }

func (c *Compute) ListInstances(ctx context.Context, accountID string) ([]providers.Instance, error) {
	c.mu.Lock()
	c.lists++
	fn, err := c.ListFunc, c.ListErr
	out := append([]providers.Instance(nil), c.Instances[accountID]...)
	c.mu.Unlock()

	if fn != nil {
		return fn(ctx, accountID)
	}
	if err != nil {
		return nil, providers.Wrap(c.Provider, "list", accountID, err)
	}
	return out, nil
}

func (c *Compute) StopInstances(ctx context.Context, accountID string, refs []providers.Ref) error {
	return c.record("stop", accountID, refs)
}

func (c *Compute) StartInstances(ctx context.Context, accountID string, refs []providers.Ref) error {
	return c.record("start", accountID, refs)
}

func (c *Compute) TerminateInstances(ctx context.Context, accountID string, refs []providers.Ref) error {
	return c.record("terminate", accountID, refs)
}

func (c *Compute) record(op, accountID string, refs []providers.Ref) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CommandErr != nil {
		return providers.Wrap(c.Provider, op, accountID, c.CommandErr)
	}
	c.calls = append(c.calls, Call{Op: op, Account: accountID, Refs: append([]providers.Ref(nil), refs...)})
	return nil
}

// Calls returns the commands issued so far
func (c *Compute) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// CallsFor returns the commands of one kind
func (c *Compute) CallsFor(op string) []Call {
	var out []Call
	for _, call := range c.Calls() {
		if call.Op == op {
			out = append(out, call)
		}
	}
	return out
}

// Lists returns how many listings were requested
func (c *Compute) Lists() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lists
}

// Reset forgets recorded calls
func (c *Compute) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = nil
	c.lists = 0
}

var _ providers.Compute = (*Compute)(nil)
