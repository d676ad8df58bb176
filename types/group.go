package types

import "time"

// Group is a named collection of cloud instances sharing a downtime schedule.
// Provider is the home provider of a single-provider group and empty for
// multi-cloud groups.
type Group struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Provider   Provider  `json:"provider,omitempty"`
	MultiCloud bool      `json:"multi_cloud"`
	CreatedAt  time.Time `json:"created_at"`
}

// Member is the membership record of one instance.
// GroupID is empty when the instance is ungrouped.
type Member struct {
	InstanceID     string `json:"instance_id"`
	GroupID        string `json:"group_id,omitempty"`
	OwnerAccount   string `json:"owner_account"`
	SubscriptionID string `json:"subscription_id,omitempty"`
}

// Ref returns the Azure compound key of the member
func (m Member) Ref() AzureRef {
	return AzureRef{VMID: m.InstanceID, SubscriptionID: m.SubscriptionID}
}

// MultiCloudLink ties a multi-cloud group to an account pair
type MultiCloudLink struct {
	GroupID      string `json:"group_id"`
	AWSAccount   string `json:"aws_account"`
	AzureAccount string `json:"azure_account"`
}

// GroupInstances is the current membership of a group
type GroupInstances struct {
	AWS   []Member `json:"aws"`
	Azure []Member `json:"azure"`
}

// Empty reports whether the group has no members
func (g GroupInstances) Empty() bool {
	return len(g.AWS) == 0 && len(g.Azure) == 0
}

// UserGroups are the single-provider groups reachable by an account pair
type UserGroups struct {
	AWS   []string `json:"aws"`
	Azure []string `json:"azure"`
}

// RemoveStatus is the outcome of a membership removal
type RemoveStatus string

const (
	Removed        RemoveStatus = "removed"
	NothingRemoved RemoveStatus = "nothing_removed"
)
