package reconciler

import (
	"context"
	"errors"
	"fmt"

	"github.com/yairfalse/dormant/providers"
	"github.com/yairfalse/dormant/types"
)

// batch is one provider command target: the live members of a group owned
// by one account
type batch struct {
	provider types.Provider
	account  string
	refs     []providers.Ref
}

// prune lists the live instances of every owning account of the group and
// removes members the provider no longer reports. It returns the surviving
// members as command batches, AWS first, and the removed IDs.
//
// Accounts are uniform within a provider leg of a group, so the owner of
// the first member is normally the only account listed.
func (e *Engine) prune(ctx context.Context, group string, members types.GroupInstances) ([]batch, []string, error) {
	var (
		batches []batch
		pruned  []string
	)

	legs := []struct {
		provider types.Provider
		members  []types.Member
	}{
		{types.ProviderAWS, members.AWS},
		{types.ProviderAzure, members.Azure},
	}

	for _, leg := range legs {
		if len(leg.members) == 0 {
			continue
		}
		compute, ok := e.providers.Get(leg.provider)
		if !ok {
			return nil, pruned, fmt.Errorf("%s provider not configured", leg.provider)
		}

		for _, account := range owners(leg.members) {
			live, err := e.list(ctx, compute, account)
			if err != nil {
				return nil, pruned, err
			}

			var (
				refs    []providers.Ref
				invalid []types.Member
			)
			for _, m := range leg.members {
				if m.OwnerAccount != account {
					continue
				}
				inst, ok := live[m.InstanceID]
				if !ok {
					invalid = append(invalid, m)
					continue
				}
				sub := m.SubscriptionID
				if sub == "" {
					sub = inst.SubscriptionID
				}
				refs = append(refs, providers.Ref{ID: m.InstanceID, Region: inst.Region, SubscriptionID: sub})
			}

			if len(invalid) > 0 {
				ids, err := e.remove(ctx, group, leg.provider, account, invalid)
				pruned = append(pruned, ids...)
				if err != nil {
					return nil, pruned, err
				}
			}
			if len(refs) > 0 {
				batches = append(batches, batch{provider: leg.provider, account: account, refs: refs})
			}
		}
	}
	return batches, pruned, nil
}

func (e *Engine) list(ctx context.Context, compute providers.Compute, account string) (map[string]providers.Instance, error) {
	callCtx, cancel := e.callContext(ctx)
	defer cancel()

	instances, err := compute.ListInstances(callCtx, account)
	if err != nil {
		return nil, providers.Wrap(compute.Name(), "list", account, unwrapProvider(err))
	}
	live := make(map[string]providers.Instance, len(instances))
	for _, inst := range instances {
		live[inst.ID] = inst
	}
	return live, nil
}

// unwrapProvider avoids double wrapping errors that already are provider errors
func unwrapProvider(err error) error {
	var pe *providers.ProviderError
	if errors.As(err, &pe) {
		return pe.Err
	}
	return err
}

// remove clears stale members from the group on behalf of the engine
func (e *Engine) remove(ctx context.Context, group string, p types.Provider, account string, stale []types.Member) ([]string, error) {
	var (
		target types.Target
		ids    = make([]string, 0, len(stale))
	)
	for _, m := range stale {
		ids = append(ids, m.InstanceID)
	}

	switch p {
	case types.ProviderAWS:
		target = types.AWSTarget{AccountID: account, InstanceIDs: ids}
	default:
		refs := make([]types.AzureRef, 0, len(stale))
		for _, m := range stale {
			refs = append(refs, m.Ref())
		}
		target = types.AzureTarget{AccountID: account, Instances: refs}
	}

	d := types.Decision{
		Action:      types.ActionPrune,
		Group:       group,
		Provider:    p,
		Account:     account,
		InstanceIDs: ids,
		Reason:      "instances no longer reported by provider",
		CreatedAt:   e.now(),
	}

	if e.dryRun {
		d.Status = types.StatusDryRun
		e.record(ctx, d)
		return ids, nil
	}

	status, err := e.store.RemoveInstancesFromGroup(ctx, target)
	if err != nil {
		d.Status = types.StatusFailed
		d.Error = err.Error()
		e.record(ctx, d)
		return nil, fmt.Errorf("failed to prune stale members: %w", err)
	}
	if status == types.NothingRemoved {
		return nil, nil
	}
	d.Status = types.StatusApplied
	e.record(ctx, d)
	return ids, nil
}

// owners returns the distinct owning accounts of members in order of appearance
func owners(members []types.Member) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range members {
		if !seen[m.OwnerAccount] {
			seen[m.OwnerAccount] = true
			out = append(out, m.OwnerAccount)
		}
	}
	return out
}
