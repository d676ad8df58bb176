// Package providers defines the compute capability the reconciler needs from
// each cloud and a registry to look providers up by name.
package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/yairfalse/dormant/types"
)

// Instance is one live instance as reported by a provider listing
type Instance struct {
	ID             string
	State          string
	Region         string
	Name           string
	SubscriptionID string
}

// Ref addresses an instance in a power command. Region is required for AWS
// and SubscriptionID for Azure.
type Ref struct {
	ID             string
	Region         string
	SubscriptionID string
}

// Compute is implemented by every cloud provider.
// Commands are accepted, not completed: a nil error means the provider took
// the request. Issuing a command for an instance already in the target state
// is not an error.
type Compute interface {
	Name() types.Provider

	// ListInstances returns every live instance visible to the account.
	// Zero instances is not an error.
	ListInstances(ctx context.Context, accountID string) ([]Instance, error)

	StopInstances(ctx context.Context, accountID string, refs []Ref) error
	StartInstances(ctx context.Context, accountID string, refs []Ref) error
	TerminateInstances(ctx context.Context, accountID string, refs []Ref) error
}

// ProviderError reports an authentication, network or API failure of a provider call
type ProviderError struct {
	Provider types.Provider
	Op       string
	Account  string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s (account %s): %v", e.Provider, e.Op, e.Account, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Wrap returns err as a *ProviderError, or nil when err is nil
func Wrap(p types.Provider, op, account string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Provider: p, Op: op, Account: account, Err: err}
}

// Registry maps provider names to their Compute implementation
type Registry struct {
	mu       sync.RWMutex
	computes map[types.Provider]Compute
}

// NewRegistry creates a registry holding the given providers
func NewRegistry(computes ...Compute) *Registry {
	r := &Registry{computes: make(map[types.Provider]Compute)}
	for _, c := range computes {
		r.Register(c)
	}
	return r
}

// Register adds or replaces a provider
func (r *Registry) Register(c Compute) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.computes[c.Name()] = c
}

// Get looks a provider up by name
func (r *Registry) Get(p types.Provider) (Compute, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.computes[p]
	return c, ok
}

// Providers returns the registered provider names, sorted
func (r *Registry) Providers() []types.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]types.Provider, 0, len(r.computes))
	for name := range r.computes {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// IDs returns the instance identifiers of refs
func IDs(refs []Ref) []string {
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		ids = append(ids, r.ID)
	}
	return ids
}
