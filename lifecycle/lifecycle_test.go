package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/dormant/providers"
	"github.com/yairfalse/dormant/providers/providertest"
	"github.com/yairfalse/dormant/session"
	"github.com/yairfalse/dormant/storage"
	"github.com/yairfalse/dormant/types"
	"github.com/yairfalse/dormant/wal"
)

type fixture struct {
	ctx      context.Context
	store    *storage.BoltStore
	sessions *session.Manager
	aws      *providertest.Compute
	azure    *providertest.Compute
	walDir   string
	mgr      *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "dormant.db"), storage.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	walDir := t.TempDir()
	w, err := wal.Open(walDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	f := &fixture{
		ctx:      context.Background(),
		store:    store,
		sessions: session.NewManager(),
		aws:      providertest.New(types.ProviderAWS),
		azure:    providertest.New(types.ProviderAzure),
		walDir:   walDir,
	}
	f.mgr = New(store,
		WithLogger(zerolog.Nop()),
		WithWAL(w),
		WithLocation(time.UTC),
		WithProviders(providers.NewRegistry(f.aws, f.azure)))
	return f
}

func (f *fixture) open(t *testing.T, aws, azure string) *session.Session {
	t.Helper()
	s, err := f.sessions.Open(session.Accounts{AWS: aws, Azure: azure})
	require.NoError(t, err)
	return s
}

func (f *fixture) entries(t *testing.T) []wal.Entry {
	t.Helper()
	var out []wal.Entry
	require.NoError(t, wal.Replay(f.walDir, time.Time{}, func(e *wal.Entry) error {
		out = append(out, *e)
		return nil
	}))
	return out
}

func TestManager_CreateUsesSessionAccount(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, "111", "")

	name, err := f.mgr.CreateGroup(f.ctx, s, "web", types.AWSTarget{InstanceIDs: []string{"i-1", "i-2"}})
	require.NoError(t, err)
	assert.Equal(t, "web", name)

	members, err := f.mgr.Members(f.ctx, "web")
	require.NoError(t, err)
	require.Len(t, members.AWS, 2)
	assert.Equal(t, "111", members.AWS[0].OwnerAccount)

	entries := f.entries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, wal.EntryMembership, entries[0].Type)
	assert.Equal(t, "web", entries[0].Group)
	assert.Equal(t, "user:aws:111", entries[0].Actor)
}

func TestManager_RequiresSession(t *testing.T) {
	f := newFixture(t)

	_, err := f.mgr.CreateGroup(f.ctx, nil, "web", types.AWSTarget{InstanceIDs: []string{"i-1"}})
	assert.ErrorIs(t, err, storage.ErrValidation)

	_, err = f.mgr.Groups(f.ctx, nil)
	assert.ErrorIs(t, err, storage.ErrValidation)
}

func TestManager_ForeignAccountDenied(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, "111", "")

	_, err := f.mgr.CreateGroup(f.ctx, s, "web", types.AWSTarget{AccountID: "999", InstanceIDs: []string{"i-1"}})
	require.ErrorIs(t, err, storage.ErrAccessDenied)

	var opErr *storage.OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, []string{"999"}, opErr.IDs)

	_, found, err := f.store.GetGroup(f.ctx, "web")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestManager_BothNeedsBothAccounts(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, "111", "")

	_, err := f.mgr.CreateGroup(f.ctx, s, "mixed", types.BothTarget{
		AWS:   types.AWSTarget{InstanceIDs: []string{"i-1"}},
		Azure: types.AzureTarget{Instances: []types.AzureRef{{VMID: "v-1", SubscriptionID: "sub"}}},
	})
	assert.ErrorIs(t, err, storage.ErrValidation)
}

func TestManager_AddDegradesVacuousLeg(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, "111", "az-1")

	_, err := f.mgr.CreateGroup(f.ctx, s, "web", types.AWSTarget{InstanceIDs: []string{"i-1"}})
	require.NoError(t, err)

	name, err := f.mgr.AddInstances(f.ctx, s, "web", types.BothTarget{
		AWS: types.AWSTarget{InstanceIDs: []string{"i-2"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "web", name)

	members, err := f.mgr.Members(f.ctx, "web")
	require.NoError(t, err)
	assert.Len(t, members.AWS, 2)
	assert.Empty(t, members.Azure)

	_, err = f.mgr.AddInstances(f.ctx, s, "web", types.BothTarget{
		AWS:   types.AWSTarget{InstanceIDs: []string{"i-3"}},
		Azure: types.AzureTarget{Instances: []types.AzureRef{{VMID: "v-1", SubscriptionID: "sub"}}},
	})
	assert.ErrorIs(t, err, storage.ErrCrossProvider)
}

func TestManager_EmptyRequestRejected(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, "111", "az-1")

	_, err := f.mgr.AddInstances(f.ctx, s, "web", types.BothTarget{})
	assert.ErrorIs(t, err, storage.ErrValidation)

	_, err = f.mgr.RemoveInstances(f.ctx, s, types.AWSTarget{})
	assert.ErrorIs(t, err, storage.ErrValidation)
}

func TestManager_MultiCloudLifecycle(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, "111", "az-1")

	_, err := f.mgr.CreateGroup(f.ctx, s, "mixed", types.BothTarget{
		AWS:   types.AWSTarget{InstanceIDs: []string{"i-1"}},
		Azure: types.AzureTarget{Instances: []types.AzureRef{{VMID: "v-1", SubscriptionID: "sub-1"}}},
	})
	require.NoError(t, err)
	_, err = f.mgr.CreateGroup(f.ctx, s, "solo", types.AWSTarget{InstanceIDs: []string{"i-9"}})
	require.NoError(t, err)

	groups, err := f.mgr.Groups(f.ctx, s)
	require.NoError(t, err)
	assert.Equal(t, []string{"solo"}, groups.AWS)
	assert.Empty(t, groups.Azure)
	assert.Equal(t, []string{"mixed"}, groups.MultiCloud)

	require.NoError(t, f.mgr.SetDowntime(f.ctx, s, "mixed", "22:00", "06:00"))
	assert.Equal(t, types.Downtime{StartTime: "22:00", EndTime: "06:00"}, f.mgr.Downtime(f.ctx, "mixed"))

	awsOnly := f.open(t, "111", "")
	err = f.mgr.SetDowntime(f.ctx, awsOnly, "mixed", "22:00", "06:00")
	assert.ErrorIs(t, err, storage.ErrAccessDenied)
}

func TestManager_SetDowntimeValidatesWindow(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, "111", "")
	_, err := f.mgr.CreateGroup(f.ctx, s, "web", types.AWSTarget{InstanceIDs: []string{"i-1"}})
	require.NoError(t, err)

	err = f.mgr.SetDowntime(f.ctx, s, "web", "2026-04-10T10:00:00Z", "2026-04-10T09:00:00Z")
	assert.ErrorIs(t, err, storage.ErrValidation)
	assert.Equal(t, types.NoDowntime, f.mgr.Downtime(f.ctx, "web"))

	err = f.mgr.SetDowntime(f.ctx, s, "nope", "09:00", "10:00")
	assert.ErrorIs(t, err, storage.ErrGroupNotFound)

	require.NoError(t, f.mgr.SetDowntime(f.ctx, s, "web", "2026-04-10 09:00", "2026-04-10 10:00"))
	removed, err := f.mgr.RemoveDowntime(f.ctx, s, "web")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = f.mgr.RemoveDowntime(f.ctx, s, "web")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestManager_OtherSessionCannotTouchGroup(t *testing.T) {
	f := newFixture(t)
	owner := f.open(t, "111", "")
	other := f.open(t, "222", "")

	_, err := f.mgr.CreateGroup(f.ctx, owner, "web", types.AWSTarget{InstanceIDs: []string{"i-1"}})
	require.NoError(t, err)

	_, err = f.mgr.AddInstances(f.ctx, other, "web", types.AWSTarget{InstanceIDs: []string{"i-2"}})
	assert.ErrorIs(t, err, storage.ErrAccessDenied)

	err = f.mgr.SetDowntime(f.ctx, other, "web", "09:00", "10:00")
	assert.ErrorIs(t, err, storage.ErrAccessDenied)

	status, err := f.mgr.RemoveInstances(f.ctx, other, types.AWSTarget{InstanceIDs: []string{"i-1"}})
	require.NoError(t, err)
	assert.Equal(t, types.NothingRemoved, status)

	status, err = f.mgr.RemoveInstances(f.ctx, owner, types.AWSTarget{InstanceIDs: []string{"i-1"}})
	require.NoError(t, err)
	assert.Equal(t, types.Removed, status)
}

func TestManager_TerminateInstances(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, "111", "")
	_, err := f.mgr.CreateGroup(f.ctx, s, "web", types.AWSTarget{InstanceIDs: []string{"i-1", "i-2"}})
	require.NoError(t, err)
	f.aws.SetInstances("111",
		providers.Instance{ID: "i-1", Region: "eu-west-1"},
		providers.Instance{ID: "i-2", Region: "eu-west-1"})

	decisions, err := f.mgr.TerminateInstances(f.ctx, s, types.AWSTarget{InstanceIDs: []string{"i-1"}})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, types.StatusIssued, decisions[0].Status)

	calls := f.aws.CallsFor("terminate")
	require.Len(t, calls, 1)
	assert.Equal(t, []providers.Ref{{ID: "i-1", Region: "eu-west-1"}}, calls[0].Refs)

	members, err := f.mgr.Members(f.ctx, "web")
	require.NoError(t, err)
	require.Len(t, members.AWS, 1)
	assert.Equal(t, "i-2", members.AWS[0].InstanceID)
}

func TestManager_TerminateUnknownInstance(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, "111", "")
	f.aws.SetInstances("111", providers.Instance{ID: "i-1"})

	_, err := f.mgr.TerminateInstances(f.ctx, s, types.AWSTarget{InstanceIDs: []string{"i-1", "i-404"}})
	require.ErrorIs(t, err, storage.ErrValidation)

	var opErr *storage.OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, []string{"i-404"}, opErr.IDs)
	assert.Empty(t, f.aws.Calls())
}

func TestManager_TerminateFailureAudited(t *testing.T) {
	f := newFixture(t)
	s := f.open(t, "111", "")
	f.aws.SetInstances("111", providers.Instance{ID: "i-1"})
	f.aws.CommandErr = errors.New("unauthorized")

	decisions, err := f.mgr.TerminateInstances(f.ctx, s, types.AWSTarget{InstanceIDs: []string{"i-1"}})
	require.Error(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, types.StatusFailed, decisions[0].Status)

	entries := f.entries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, wal.EntryCommand, entries[0].Type)
	assert.NotEmpty(t, entries[0].Error)
}
