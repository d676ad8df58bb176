package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/yairfalse/dormant/providers"
	"github.com/yairfalse/dormant/session"
	"github.com/yairfalse/dormant/storage"
	"github.com/yairfalse/dormant/types"
	"github.com/yairfalse/dormant/wal"
)

const opTerminate = "terminate_instances"

// WithProviders enables operations that call the clouds
func WithProviders(r *providers.Registry) Option {
	return func(m *Manager) { m.providers = r }
}

// TerminateInstances terminates instances of the session accounts and
// removes them from their groups. Every instance must be reported by its
// provider; nothing is terminated otherwise.
func (m *Manager) TerminateInstances(ctx context.Context, s *session.Session, target types.Target) ([]types.Decision, error) {
	target, err := m.scope(opTerminate, s, target, true)
	if err != nil {
		return nil, err
	}
	if m.providers == nil {
		return nil, fmt.Errorf("%s: no providers configured", opTerminate)
	}

	aws, azure := types.Split(target)
	var plans []plan
	if aws != nil && !aws.Empty() {
		p, err := m.resolve(ctx, types.ProviderAWS, aws.AccountID, aws.InstanceIDs)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	if azure != nil && !azure.Empty() {
		p, err := m.resolve(ctx, types.ProviderAzure, azure.AccountID, azure.IDs())
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}

	var decisions []types.Decision
	for _, p := range plans {
		d := types.Decision{
			Action:      types.ActionTerminate,
			Provider:    p.compute.Name(),
			Account:     p.account,
			InstanceIDs: providers.IDs(p.refs),
			Reason:      "requested by " + s.Actor(),
			Status:      types.StatusIssued,
			CreatedAt:   time.Now(),
		}
		err := p.compute.TerminateInstances(ctx, p.account, p.refs)
		if err != nil {
			d.Status = types.StatusFailed
			d.Error = err.Error()
		}
		m.audit(wal.EntryCommand, "", s, d, err)
		decisions = append(decisions, d)
		if err != nil {
			return decisions, err
		}
	}

	if _, err := m.store.RemoveInstancesFromGroup(ctx, target); err != nil {
		return decisions, fmt.Errorf("instances terminated but membership cleanup failed: %w", err)
	}
	return decisions, nil
}

type plan struct {
	compute providers.Compute
	account string
	refs    []providers.Ref
}

// resolve addresses ids through the live listing of the account
func (m *Manager) resolve(ctx context.Context, p types.Provider, account string, ids []string) (plan, error) {
	compute, ok := m.providers.Get(p)
	if !ok {
		return plan{}, fmt.Errorf("%s provider not configured", p)
	}
	live, err := compute.ListInstances(ctx, account)
	if err != nil {
		return plan{}, err
	}
	byID := make(map[string]providers.Instance, len(live))
	for _, inst := range live {
		byID[inst.ID] = inst
	}

	out := plan{compute: compute, account: account}
	var missing []string
	for _, id := range ids {
		inst, ok := byID[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		out.refs = append(out.refs, providers.Ref{ID: id, Region: inst.Region, SubscriptionID: inst.SubscriptionID})
	}
	if len(missing) > 0 {
		return plan{}, &storage.OpError{Op: opTerminate, Kind: storage.ErrValidation, IDs: missing, Msg: "instances not reported by " + string(p)}
	}
	return out, nil
}
