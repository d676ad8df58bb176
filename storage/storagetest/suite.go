// Package storagetest holds the behavioural contract every storage backend
// must satisfy.
package storagetest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/dormant/storage"
	"github.com/yairfalse/dormant/types"
)

// Opener returns a fresh, empty store for one test
type Opener func(t *testing.T) storage.Store

// Run executes the contract against the stores produced by open
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"CreateAndRead", testCreateAndRead},
		{"DuplicateName", testDuplicateName},
		{"AlreadyGrouped", testAlreadyGrouped},
		{"Validation", testValidation},
		{"AddInstances", testAddInstances},
		{"CrossProvider", testCrossProvider},
		{"AccessDenied", testAccessDenied},
		{"RemoveScopedToOwner", testRemoveScopedToOwner},
		{"ImplicitDeletion", testImplicitDeletion},
		{"ReownUngrouped", testReownUngrouped},
		{"MultiCloud", testMultiCloud},
		{"Downtime", testDowntime},
		{"DowntimeSentinel", testDowntimeSentinel},
		{"AllDowntimes", testAllDowntimes},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func awsTarget(account string, ids ...string) types.AWSTarget {
	return types.AWSTarget{AccountID: account, InstanceIDs: ids}
}

func azureTarget(account string, refs ...types.AzureRef) types.AzureTarget {
	return types.AzureTarget{AccountID: account, Instances: refs}
}

func ids(members []types.Member) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, m.InstanceID)
	}
	return out
}

func testCreateAndRead(t *testing.T, s storage.Store) {
	ctx := context.Background()

	name, err := s.CreateGroup(ctx, " web ", awsTarget("111", "i-2", "i-1", "i-1"))
	require.NoError(t, err)
	assert.Equal(t, "web", name)

	got, err := s.GetInstancesByGroup(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, []string{"i-1", "i-2"}, ids(got.AWS))
	assert.Empty(t, got.Azure)
	for _, m := range got.AWS {
		assert.Equal(t, "111", m.OwnerAccount)
	}

	g, found, err := s.GetGroup(ctx, "web")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, types.ProviderAWS, g.Provider)
	assert.False(t, g.MultiCloud)
	assert.NotEmpty(t, g.ID)

	groups, err := s.GetUserGroups(ctx, "111", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"web"}, groups.AWS)

	unknown, err := s.GetInstancesByGroup(ctx, "missing")
	require.NoError(t, err)
	assert.True(t, unknown.Empty())
}

func testDuplicateName(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.CreateGroup(ctx, "web", awsTarget("111", "i-1"))
	require.NoError(t, err)

	_, err = s.CreateGroup(ctx, "web", awsTarget("111", "i-9"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrDuplicateGroupName))
	assert.True(t, errors.Is(err, storage.ErrConflict))

	got, err := s.GetInstancesByGroup(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, []string{"i-1"}, ids(got.AWS))
}

func testAlreadyGrouped(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.CreateGroup(ctx, "web", awsTarget("111", "i-1", "i-2"))
	require.NoError(t, err)

	_, err = s.CreateGroup(ctx, "db", awsTarget("111", "i-2", "i-3"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrAlreadyGrouped))

	var opErr *storage.OpError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, []string{"i-2"}, opErr.IDs)

	_, found, err := s.GetGroup(ctx, "db")
	require.NoError(t, err)
	assert.False(t, found, "failed create must not write")
}

func testValidation(t *testing.T, s storage.Store) {
	ctx := context.Background()

	cases := []struct {
		name   string
		group  string
		target types.Target
	}{
		{"empty name", "  ", awsTarget("111", "i-1")},
		{"no instances", "web", awsTarget("111")},
		{"missing account", "web", awsTarget("", "i-1")},
		{"nil target", "web", nil},
		{"azure without subscription", "web", azureTarget("az", types.AzureRef{VMID: "v-1"})},
		{"both without azure account", "web", types.BothTarget{AWS: awsTarget("111", "i-1")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.CreateGroup(ctx, tc.group, tc.target)
			require.Error(t, err)
			assert.True(t, errors.Is(err, storage.ErrValidation))
		})
	}

	groups, err := s.ListGroups(ctx)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func testAddInstances(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.CreateGroup(ctx, "web", awsTarget("111", "i-1"))
	require.NoError(t, err)

	name, err := s.AddInstancesToGroup(ctx, "web", awsTarget("111", "i-2", "i-1"))
	require.NoError(t, err)
	assert.Equal(t, "web", name)

	got, err := s.GetInstancesByGroup(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, []string{"i-1", "i-2"}, ids(got.AWS))

	_, err = s.AddInstancesToGroup(ctx, "missing", awsTarget("111", "i-3"))
	assert.True(t, errors.Is(err, storage.ErrGroupNotFound))
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func testCrossProvider(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.CreateGroup(ctx, "web", awsTarget("111", "i-1"))
	require.NoError(t, err)

	_, err = s.AddInstancesToGroup(ctx, "web", types.BothTarget{
		AWS:   awsTarget("111", "i-2"),
		Azure: azureTarget("az", types.AzureRef{VMID: "v-1", SubscriptionID: "sub-1"}),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrCrossProvider))

	_, err = s.AddInstancesToGroup(ctx, "web", azureTarget("az", types.AzureRef{VMID: "v-1", SubscriptionID: "sub-1"}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrConflict))

	got, err := s.GetInstancesByGroup(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, []string{"i-1"}, ids(got.AWS))
	assert.Empty(t, got.Azure)
}

func testAccessDenied(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.CreateGroup(ctx, "web", awsTarget("111", "i-1"))
	require.NoError(t, err)

	_, err = s.AddInstancesToGroup(ctx, "web", awsTarget("222", "i-2"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrAccessDenied))

	got, err := s.GetInstancesByGroup(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, []string{"i-1"}, ids(got.AWS))
}

func testRemoveScopedToOwner(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.CreateGroup(ctx, "web", awsTarget("111", "i-1", "i-2"))
	require.NoError(t, err)

	status, err := s.RemoveInstancesFromGroup(ctx, awsTarget("222", "i-1"))
	require.NoError(t, err)
	assert.Equal(t, types.NothingRemoved, status)

	status, err = s.RemoveInstancesFromGroup(ctx, awsTarget("111", "i-1", "i-404"))
	require.NoError(t, err)
	assert.Equal(t, types.Removed, status)

	status, err = s.RemoveInstancesFromGroup(ctx, awsTarget("111", "i-1"))
	require.NoError(t, err)
	assert.Equal(t, types.NothingRemoved, status)

	got, err := s.GetInstancesByGroup(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, []string{"i-2"}, ids(got.AWS))
}

func testImplicitDeletion(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.CreateGroup(ctx, "web", awsTarget("111", "i-1"))
	require.NoError(t, err)
	require.NoError(t, s.SetGroupDowntime(ctx, "web", "2030-01-01T00:00:00Z", "2030-01-01T01:00:00Z"))

	status, err := s.RemoveInstancesFromGroup(ctx, awsTarget("111", "i-1"))
	require.NoError(t, err)
	assert.Equal(t, types.Removed, status)

	_, found, err := s.GetGroup(ctx, "web")
	require.NoError(t, err)
	assert.False(t, found)

	assert.Equal(t, types.NoDowntime, s.GetGroupDowntime(ctx, "web"))

	all, err := s.GetAllGroupDowntimes(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	groups, err := s.GetUserGroups(ctx, "111", "")
	require.NoError(t, err)
	assert.Empty(t, groups.AWS)

	// the name is free again
	_, err = s.CreateGroup(ctx, "web", awsTarget("111", "i-1"))
	assert.NoError(t, err)
}

func testReownUngrouped(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.CreateGroup(ctx, "web", awsTarget("111", "i-1", "i-2"))
	require.NoError(t, err)
	_, err = s.RemoveInstancesFromGroup(ctx, awsTarget("111", "i-1"))
	require.NoError(t, err)

	_, err = s.CreateGroup(ctx, "other", awsTarget("222", "i-1"))
	require.NoError(t, err)

	got, err := s.GetInstancesByGroup(ctx, "other")
	require.NoError(t, err)
	require.Len(t, got.AWS, 1)
	assert.Equal(t, "222", got.AWS[0].OwnerAccount)
}

func testMultiCloud(t *testing.T, s storage.Store) {
	ctx := context.Background()

	both := types.BothTarget{
		AWS:   awsTarget("111", "i-1"),
		Azure: azureTarget("az", types.AzureRef{VMID: "v-1", SubscriptionID: "sub-1"}),
	}
	_, err := s.CreateGroup(ctx, "hybrid", both)
	require.NoError(t, err)
	_, err = s.CreateGroup(ctx, "web", awsTarget("111", "i-9"))
	require.NoError(t, err)

	g, found, err := s.GetGroup(ctx, "hybrid")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, g.MultiCloud)

	groups, err := s.GetUserGroups(ctx, "111", "az")
	require.NoError(t, err)
	assert.Equal(t, []string{"web"}, groups.AWS)
	assert.Empty(t, groups.Azure)

	multi, err := s.GetMultiCloudGroups(ctx, "111", "az")
	require.NoError(t, err)
	assert.Equal(t, []string{"hybrid"}, multi)

	multi, err = s.GetMultiCloudGroups(ctx, "111", "other")
	require.NoError(t, err)
	assert.Empty(t, multi)

	// one vacuous leg still passes the access check for both accounts
	_, err = s.AddInstancesToGroup(ctx, "hybrid", types.BothTarget{
		AWS:   awsTarget("111"),
		Azure: azureTarget("az", types.AzureRef{VMID: "v-2", SubscriptionID: "sub-2"}),
	})
	require.NoError(t, err)

	got, err := s.GetInstancesByGroup(ctx, "hybrid")
	require.NoError(t, err)
	assert.Equal(t, []string{"i-1"}, ids(got.AWS))
	assert.Equal(t, []string{"v-1", "v-2"}, ids(got.Azure))
	assert.Equal(t, "sub-2", got.Azure[1].SubscriptionID)

	// single-provider adds into a multi-cloud group are allowed
	_, err = s.AddInstancesToGroup(ctx, "hybrid", awsTarget("111", "i-2"))
	require.NoError(t, err)
}

func testDowntime(t *testing.T, s storage.Store) {
	ctx := context.Background()

	err := s.SetGroupDowntime(ctx, "web", "09:00", "17:00")
	assert.True(t, errors.Is(err, storage.ErrGroupNotFound))

	_, err = s.CreateGroup(ctx, "web", awsTarget("111", "i-1"))
	require.NoError(t, err)

	err = s.SetGroupDowntime(ctx, "web", "", "17:00")
	assert.True(t, errors.Is(err, storage.ErrValidation))

	require.NoError(t, s.SetGroupDowntime(ctx, "web", "09:00", "17:00"))
	assert.Equal(t, types.Downtime{StartTime: "09:00", EndTime: "17:00"}, s.GetGroupDowntime(ctx, "web"))

	require.NoError(t, s.SetGroupDowntime(ctx, "web", "20:00", "06:00"))
	assert.Equal(t, types.Downtime{StartTime: "20:00", EndTime: "06:00"}, s.GetGroupDowntime(ctx, "web"))

	removed, err := s.RemoveGroupDowntime(ctx, "web")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.RemoveGroupDowntime(ctx, "web")
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = s.RemoveGroupDowntime(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, removed)
}

func testDowntimeSentinel(t *testing.T, s storage.Store) {
	ctx := context.Background()

	d := s.GetGroupDowntime(ctx, "nonexistent")
	assert.Equal(t, types.NotAvailable, d.StartTime)
	assert.Equal(t, types.NotAvailable, d.EndTime)
	assert.False(t, d.IsSet())
}

func testAllDowntimes(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.CreateGroup(ctx, "web", awsTarget("111", "i-1"))
	require.NoError(t, err)
	_, err = s.CreateGroup(ctx, "api", awsTarget("111", "i-2"))
	require.NoError(t, err)
	_, err = s.CreateGroup(ctx, "idle", awsTarget("111", "i-3"))
	require.NoError(t, err)

	require.NoError(t, s.SetGroupDowntime(ctx, "web", "09:00", "17:00"))
	require.NoError(t, s.SetGroupDowntime(ctx, "api", "2030-01-01T00:00:00Z", "2030-01-02T00:00:00Z"))

	all, err := s.GetAllGroupDowntimes(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "api", all[0].GroupName)
	assert.Equal(t, "web", all[1].GroupName)
	assert.Equal(t, "09:00", all[1].StartTime)
	assert.Equal(t, "17:00", all[1].EndTime)
}
