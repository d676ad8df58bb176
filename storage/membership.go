package storage

import (
	"sort"
	"time"

	"github.com/yairfalse/dormant/types"
)

// Operation names used in errors and audit entries
const (
	OpCreateGroup     = "create_group"
	OpAddInstances    = "add_instances"
	OpRemoveInstances = "remove_instances"
	OpSetDowntime     = "set_downtime"
)

// Tx is the row-level view a backend exposes inside one transaction.
// The membership rules below run against it so every backend enforces
// them identically.
type Tx interface {
	GroupByName(name string) (types.Group, bool, error)
	GroupByID(id string) (types.Group, bool, error)
	PutGroup(g types.Group) error
	// DeleteGroup removes the group row together with its name, link and downtime
	DeleteGroup(g types.Group) error

	Member(p types.Provider, instanceID string) (types.Member, bool, error)
	PutMember(p types.Provider, m types.Member) error
	GroupMembers(p types.Provider, groupID string) ([]types.Member, error)

	AccountGroups(p types.Provider, account string) ([]string, error)
	PutAccountGroups(p types.Provider, account string, groupIDs []string) error
	AccountsWithGroup(p types.Provider, groupID string) ([]string, error)

	Link(groupID string) (types.MultiCloudLink, bool, error)
	PutLink(l types.MultiCloudLink) error
}

// RemoveResult describes what a removal changed
type RemoveResult struct {
	Status        types.RemoveStatus
	Removed       int
	DeletedGroups []string
}

// ApplyCreate applies a validated create request. Every check runs before
// the first write.
func ApplyCreate(tx Tx, name string, req Request, id string, now time.Time) (types.Group, error) {
	if _, found, err := tx.GroupByName(name); err != nil {
		return types.Group{}, err
	} else if found {
		return types.Group{}, opErr(OpCreateGroup, ErrDuplicateGroupName, name, nil, "")
	}

	if err := checkUngrouped(tx, OpCreateGroup, name, "", req); err != nil {
		return types.Group{}, err
	}

	g := types.Group{ID: id, Name: name, MultiCloud: req.Both, CreatedAt: now.UTC()}
	if !req.Both {
		g.Provider = homeProvider(req)
	}

	if err := tx.PutGroup(g); err != nil {
		return types.Group{}, err
	}
	if err := attach(tx, g, req); err != nil {
		return types.Group{}, err
	}
	if req.Both {
		link := types.MultiCloudLink{GroupID: g.ID, AWSAccount: req.AWS.AccountID, AzureAccount: req.Azure.AccountID}
		if err := tx.PutLink(link); err != nil {
			return types.Group{}, err
		}
	}
	return g, nil
}

// ApplyAdd applies a validated add request to an existing group
func ApplyAdd(tx Tx, name string, req Request) (types.Group, error) {
	g, found, err := tx.GroupByName(name)
	if err != nil {
		return types.Group{}, err
	}
	if !found {
		return types.Group{}, opErr(OpAddInstances, ErrGroupNotFound, name, nil, "")
	}

	if !g.MultiCloud {
		if req.Both || (req.AWS != nil && g.Provider != types.ProviderAWS) || (req.Azure != nil && g.Provider != types.ProviderAzure) {
			return types.Group{}, opErr(OpAddInstances, ErrCrossProvider, name, requestIDs(req), "group is not multi-cloud")
		}
	}

	for _, leg := range legs(req) {
		list, err := tx.AccountGroups(leg.provider, leg.account)
		if err != nil {
			return types.Group{}, err
		}
		if !Contains(list, g.ID) {
			return types.Group{}, opErr(OpAddInstances, ErrAccessDenied, name, nil,
				string(leg.provider)+" account "+leg.account+" is not a member of the group")
		}
	}

	if err := checkUniform(tx, name, g.ID, req); err != nil {
		return types.Group{}, err
	}
	if err := checkUngrouped(tx, OpAddInstances, name, g.ID, req); err != nil {
		return types.Group{}, err
	}
	if err := attach(tx, g, req); err != nil {
		return types.Group{}, err
	}
	return g, nil
}

// checkUniform keeps every provider leg of a group owned by a single account
func checkUniform(tx Tx, name, groupID string, req Request) error {
	var foreign []string
	for _, leg := range legs(req) {
		if len(leg.ids) == 0 {
			continue
		}
		members, err := tx.GroupMembers(leg.provider, groupID)
		if err != nil {
			return err
		}
		for _, m := range members {
			if m.OwnerAccount != leg.account {
				foreign = append(foreign, m.InstanceID)
			}
		}
	}
	if len(foreign) > 0 {
		return opErr(OpAddInstances, ErrMixedAccounts, name, foreign, "")
	}
	return nil
}

// ApplyRemove clears membership rows scoped to (instance, owning account).
// Groups left without members are deleted.
func ApplyRemove(tx Tx, req Request) (RemoveResult, error) {
	touched := make(map[string]bool)
	result := RemoveResult{Status: types.NothingRemoved}

	for _, leg := range legs(req) {
		for _, id := range leg.ids {
			m, found, err := tx.Member(leg.provider, id)
			if err != nil {
				return RemoveResult{}, err
			}
			if !found || m.GroupID == "" || m.OwnerAccount != leg.account {
				continue
			}
			touched[m.GroupID] = true
			m.GroupID = ""
			if err := tx.PutMember(leg.provider, m); err != nil {
				return RemoveResult{}, err
			}
			result.Removed++
		}
	}

	if result.Removed > 0 {
		result.Status = types.Removed
	}

	ids := make([]string, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, gid := range ids {
		deleted, err := deleteIfEmpty(tx, gid)
		if err != nil {
			return RemoveResult{}, err
		}
		if deleted != "" {
			result.DeletedGroups = append(result.DeletedGroups, deleted)
		}
	}
	return result, nil
}

// InstancesByGroup returns the members of a group, empty when unknown
func InstancesByGroup(tx Tx, name string) (types.GroupInstances, error) {
	g, found, err := tx.GroupByName(name)
	if err != nil || !found {
		return types.GroupInstances{}, err
	}
	aws, err := tx.GroupMembers(types.ProviderAWS, g.ID)
	if err != nil {
		return types.GroupInstances{}, err
	}
	azure, err := tx.GroupMembers(types.ProviderAzure, g.ID)
	if err != nil {
		return types.GroupInstances{}, err
	}
	return types.GroupInstances{AWS: aws, Azure: azure}, nil
}

// UserGroups resolves the single-provider groups reachable by an account pair
func UserGroups(tx Tx, awsID, azureID string) (types.UserGroups, error) {
	var out types.UserGroups
	var err error
	if awsID != "" {
		if out.AWS, err = singleProviderNames(tx, types.ProviderAWS, awsID); err != nil {
			return types.UserGroups{}, err
		}
	}
	if azureID != "" {
		if out.Azure, err = singleProviderNames(tx, types.ProviderAzure, azureID); err != nil {
			return types.UserGroups{}, err
		}
	}
	return out, nil
}

// MultiCloudGroups resolves the multi-cloud groups linked to an account pair
func MultiCloudGroups(tx Tx, awsID, azureID string) ([]string, error) {
	ids, err := tx.AccountGroups(types.ProviderAWS, awsID)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, id := range ids {
		link, found, err := tx.Link(id)
		if err != nil {
			return nil, err
		}
		if !found || link.AWSAccount != awsID || link.AzureAccount != azureID {
			continue
		}
		g, found, err := tx.GroupByID(id)
		if err != nil {
			return nil, err
		}
		if found {
			names = append(names, g.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func singleProviderNames(tx Tx, p types.Provider, account string) ([]string, error) {
	ids, err := tx.AccountGroups(p, account)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		g, found, err := tx.GroupByID(id)
		if err != nil {
			return nil, err
		}
		if !found || g.MultiCloud {
			continue
		}
		names = append(names, g.Name)
	}
	sort.Strings(names)
	return names, nil
}

type leg struct {
	provider types.Provider
	account  string
	ids      []string
	subs     map[string]string
}

func legs(req Request) []leg {
	var out []leg
	if req.AWS != nil {
		out = append(out, leg{provider: types.ProviderAWS, account: req.AWS.AccountID, ids: req.AWS.InstanceIDs})
	}
	if req.Azure != nil {
		subs := make(map[string]string, len(req.Azure.Instances))
		for _, ref := range req.Azure.Instances {
			subs[ref.VMID] = ref.SubscriptionID
		}
		out = append(out, leg{provider: types.ProviderAzure, account: req.Azure.AccountID, ids: req.Azure.IDs(), subs: subs})
	}
	return out
}

func requestIDs(req Request) []string {
	var ids []string
	for _, l := range legs(req) {
		ids = append(ids, l.ids...)
	}
	return ids
}

func homeProvider(req Request) types.Provider {
	if req.AWS != nil && len(req.AWS.InstanceIDs) > 0 {
		return types.ProviderAWS
	}
	return types.ProviderAzure
}

// checkUngrouped rejects instances that belong to a group other than groupID
func checkUngrouped(tx Tx, op, name, groupID string, req Request) error {
	var conflicted []string
	for _, l := range legs(req) {
		for _, id := range l.ids {
			m, found, err := tx.Member(l.provider, id)
			if err != nil {
				return err
			}
			if found && m.GroupID != "" && m.GroupID != groupID {
				conflicted = append(conflicted, id)
			}
		}
	}
	if len(conflicted) > 0 {
		return opErr(op, ErrAlreadyGrouped, name, conflicted, "")
	}
	return nil
}

func attach(tx Tx, g types.Group, req Request) error {
	for _, l := range legs(req) {
		for _, id := range l.ids {
			m := types.Member{InstanceID: id, GroupID: g.ID, OwnerAccount: l.account, SubscriptionID: l.subs[id]}
			if err := tx.PutMember(l.provider, m); err != nil {
				return err
			}
		}
		list, err := tx.AccountGroups(l.provider, l.account)
		if err != nil {
			return err
		}
		if list, added := AppendIfAbsent(list, g.ID); added {
			if err := tx.PutAccountGroups(l.provider, l.account, list); err != nil {
				return err
			}
		}
	}
	return nil
}

func deleteIfEmpty(tx Tx, groupID string) (string, error) {
	for _, p := range []types.Provider{types.ProviderAWS, types.ProviderAzure} {
		members, err := tx.GroupMembers(p, groupID)
		if err != nil {
			return "", err
		}
		if len(members) > 0 {
			return "", nil
		}
	}

	g, found, err := tx.GroupByID(groupID)
	if err != nil || !found {
		return "", err
	}

	for _, p := range []types.Provider{types.ProviderAWS, types.ProviderAzure} {
		accounts, err := tx.AccountsWithGroup(p, groupID)
		if err != nil {
			return "", err
		}
		for _, account := range accounts {
			list, err := tx.AccountGroups(p, account)
			if err != nil {
				return "", err
			}
			if list, removed := RemoveIfPresent(list, groupID); removed {
				if err := tx.PutAccountGroups(p, account, list); err != nil {
					return "", err
				}
			}
		}
	}

	if err := tx.DeleteGroup(g); err != nil {
		return "", err
	}
	return g.Name, nil
}
