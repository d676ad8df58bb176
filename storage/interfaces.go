package storage

import (
	"context"

	"github.com/yairfalse/dormant/types"
)

// GroupWriter mutates group membership
type GroupWriter interface {
	CreateGroup(ctx context.Context, name string, target types.Target) (string, error)
	AddInstancesToGroup(ctx context.Context, name string, target types.Target) (string, error)
	RemoveInstancesFromGroup(ctx context.Context, target types.Target) (types.RemoveStatus, error)
}

// GroupReader queries group membership. Unknown groups yield empty results.
type GroupReader interface {
	GetInstancesByGroup(ctx context.Context, name string) (types.GroupInstances, error)
	GetUserGroups(ctx context.Context, awsID, azureID string) (types.UserGroups, error)
	GetMultiCloudGroups(ctx context.Context, awsID, azureID string) ([]string, error)
	GetGroup(ctx context.Context, name string) (types.Group, bool, error)
	ListGroups(ctx context.Context) ([]types.Group, error)
}

// GroupStore combines read and write for groups
type GroupStore interface {
	GroupWriter
	GroupReader
}

// DowntimeStore persists one downtime window per group.
// GetGroupDowntime never fails: absence and read errors yield types.NoDowntime.
type DowntimeStore interface {
	SetGroupDowntime(ctx context.Context, name, start, end string) error
	GetGroupDowntime(ctx context.Context, name string) types.Downtime
	RemoveGroupDowntime(ctx context.Context, name string) (bool, error)
	GetAllGroupDowntimes(ctx context.Context) ([]types.GroupDowntime, error)
}

// Lifecycle manages storage lifecycle
type Lifecycle interface {
	Close() error
}

// Store is the complete storage interface combining all capabilities
type Store interface {
	GroupStore
	DowntimeStore
	Lifecycle
}
