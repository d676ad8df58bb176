package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/dormant/types"
)

// Bucket names in bbolt
var (
	bucketGroups       = []byte("groups")
	bucketGroupNames   = []byte("group_names")
	bucketMembersAWS   = []byte("members_aws")
	bucketMembersAzure = []byte("members_azure")
	bucketAccountsAWS  = []byte("account_groups_aws")
	bucketAccountsAz   = []byte("account_groups_azure")
	bucketLinks        = []byte("multi_cloud_links")
	bucketDowntime     = []byte("downtime")
	bucketMeta         = []byte("meta")

	allBuckets = [][]byte{
		bucketGroups, bucketGroupNames, bucketMembersAWS, bucketMembersAzure,
		bucketAccountsAWS, bucketAccountsAz, bucketLinks, bucketDowntime, bucketMeta,
	}

	keyRevision = []byte("current_revision")
)

// BoltStore keeps groups and downtime windows in a single bbolt file with an
// in-memory btree index of members ordered by group.
type BoltStore struct {
	mu sync.RWMutex

	// (group, provider, instance) ordered membership index
	index   *btree.BTreeG[memberEntry]
	groupOf map[memberKey]string

	db         *bbolt.DB
	currentRev int64
	path       string

	logger zerolog.Logger
	now    func() time.Time
	newID  func() string
}

type memberKey struct {
	provider types.Provider
	id       string
}

type memberEntry struct {
	GroupID  string
	Provider types.Provider
	Member   types.Member
}

func lessMemberEntry(a, b memberEntry) bool {
	if a.GroupID != b.GroupID {
		return a.GroupID < b.GroupID
	}
	if a.Provider != b.Provider {
		return a.Provider < b.Provider
	}
	return a.Member.InstanceID < b.Member.InstanceID
}

type downtimeRow struct {
	Start     string    `json:"start"`
	End       string    `json:"end"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BoltOption configures a BoltStore
type BoltOption func(*BoltStore)

// WithLogger sets the store logger
func WithLogger(logger zerolog.Logger) BoltOption {
	return func(s *BoltStore) { s.logger = logger }
}

// WithClock overrides the clock used for timestamps
func WithClock(now func() time.Time) BoltOption {
	return func(s *BoltStore) { s.now = now }
}

// NewBoltStore opens (or creates) the store at path
func NewBoltStore(path string, opts ...BoltOption) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &BoltStore{
		index:   btree.NewG[memberEntry](32, lessMemberEntry),
		groupOf: make(map[memberKey]string),
		db:      db,
		path:    path,
		logger:  zerolog.Nop(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to load index: %w", err)
	}
	return s, nil
}

// Close closes the storage
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Revision returns the number of committed mutations
func (s *BoltStore) Revision() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRev
}

// CreateGroup creates a group from the instances of target
func (s *BoltStore) CreateGroup(ctx context.Context, name string, target types.Target) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name, err := NormalizeName(OpCreateGroup, name)
	if err != nil {
		return "", err
	}
	req, err := NormalizeTarget(OpCreateGroup, target, true)
	if err != nil {
		return "", err
	}

	var g types.Group
	err = s.update(func(tx *boltTx) error {
		var err error
		g, err = ApplyCreate(tx, name, req, s.newID(), s.now())
		return err
	})
	if err != nil {
		return "", err
	}

	s.logger.Info().
		Str("group", g.Name).
		Str("group_id", g.ID).
		Bool("multi_cloud", g.MultiCloud).
		Int("instances", req.Instances()).
		Msg("group created")
	return g.Name, nil
}

// AddInstancesToGroup adds the instances of target to an existing group
func (s *BoltStore) AddInstancesToGroup(ctx context.Context, name string, target types.Target) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name, err := NormalizeName(OpAddInstances, name)
	if err != nil {
		return "", err
	}
	req, err := NormalizeTarget(OpAddInstances, target, true)
	if err != nil {
		return "", err
	}

	var g types.Group
	err = s.update(func(tx *boltTx) error {
		var err error
		g, err = ApplyAdd(tx, name, req)
		return err
	})
	if err != nil {
		return "", err
	}

	s.logger.Info().Str("group", g.Name).Int("instances", req.Instances()).Msg("instances added to group")
	return g.Name, nil
}

// RemoveInstancesFromGroup ungroups the instances of target owned by its accounts
func (s *BoltStore) RemoveInstancesFromGroup(ctx context.Context, target types.Target) (types.RemoveStatus, error) {
	if err := ctx.Err(); err != nil {
		return types.NothingRemoved, err
	}
	req, err := NormalizeTarget(OpRemoveInstances, target, false)
	if err != nil {
		return types.NothingRemoved, err
	}
	if req.Instances() == 0 {
		return types.NothingRemoved, nil
	}

	var result RemoveResult
	err = s.update(func(tx *boltTx) error {
		var err error
		result, err = ApplyRemove(tx, req)
		return err
	})
	if err != nil {
		return types.NothingRemoved, err
	}

	s.logger.Info().
		Int("removed", result.Removed).
		Strs("deleted_groups", result.DeletedGroups).
		Msg("instances removed from groups")
	return result.Status, nil
}

// GetInstancesByGroup returns the members of a group
func (s *BoltStore) GetInstancesByGroup(ctx context.Context, name string) (types.GroupInstances, error) {
	var out types.GroupInstances
	err := s.view(ctx, func(tx *boltTx) error {
		var err error
		out, err = InstancesByGroup(tx, name)
		return err
	})
	return out, err
}

// GetUserGroups returns the single-provider groups of an account pair
func (s *BoltStore) GetUserGroups(ctx context.Context, awsID, azureID string) (types.UserGroups, error) {
	var out types.UserGroups
	err := s.view(ctx, func(tx *boltTx) error {
		var err error
		out, err = UserGroups(tx, awsID, azureID)
		return err
	})
	return out, err
}

// GetMultiCloudGroups returns the multi-cloud groups linked to an account pair
func (s *BoltStore) GetMultiCloudGroups(ctx context.Context, awsID, azureID string) ([]string, error) {
	var out []string
	err := s.view(ctx, func(tx *boltTx) error {
		var err error
		out, err = MultiCloudGroups(tx, awsID, azureID)
		return err
	})
	return out, err
}

// GetGroup looks a group up by name
func (s *BoltStore) GetGroup(ctx context.Context, name string) (types.Group, bool, error) {
	var (
		g     types.Group
		found bool
	)
	err := s.view(ctx, func(tx *boltTx) error {
		var err error
		g, found, err = tx.GroupByName(name)
		return err
	})
	return g, found, err
}

// ListGroups returns all groups ordered by name
func (s *BoltStore) ListGroups(ctx context.Context) ([]types.Group, error) {
	var groups []types.Group
	err := s.view(ctx, func(tx *boltTx) error {
		return tx.tx.Bucket(bucketGroups).ForEach(func(_, v []byte) error {
			var g types.Group
			if err := json.Unmarshal(v, &g); err != nil {
				return err
			}
			groups = append(groups, g)
			return nil
		})
	})
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	return groups, err
}

// update runs fn in a write transaction and applies its member writes to
// the index once the transaction commits
func (s *BoltStore) update(fn func(tx *boltTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending map[memberKey]types.Member
	rev := s.currentRev + 1

	err := s.db.Update(func(btx *bbolt.Tx) error {
		t := &boltTx{tx: btx, store: s, pending: make(map[memberKey]types.Member)}
		if err := fn(t); err != nil {
			return err
		}
		pending = t.pending
		return btx.Bucket(bucketMeta).Put(keyRevision, []byte(strconv.FormatInt(rev, 10)))
	})
	if err != nil {
		return err
	}

	s.currentRev = rev
	for k, m := range pending {
		s.indexMember(k, m)
	}
	return nil
}

func (s *BoltStore) view(ctx context.Context, fn func(tx *boltTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.db.View(func(btx *bbolt.Tx) error {
		return fn(&boltTx{tx: btx, store: s})
	})
}

func (s *BoltStore) indexMember(k memberKey, m types.Member) {
	if old, ok := s.groupOf[k]; ok {
		s.index.Delete(memberEntry{GroupID: old, Provider: k.provider, Member: types.Member{InstanceID: k.id}})
		delete(s.groupOf, k)
	}
	if m.GroupID == "" {
		return
	}
	s.index.ReplaceOrInsert(memberEntry{GroupID: m.GroupID, Provider: k.provider, Member: m})
	s.groupOf[k] = m.GroupID
}

// load restores the revision and rebuilds the member index from disk
func (s *BoltStore) load() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if data := tx.Bucket(bucketMeta).Get(keyRevision); data != nil {
			rev, err := strconv.ParseInt(string(data), 10, 64)
			if err != nil {
				return fmt.Errorf("corrupt revision: %w", err)
			}
			s.currentRev = rev
		}

		for _, p := range []types.Provider{types.ProviderAWS, types.ProviderAzure} {
			err := tx.Bucket(memberBucket(p)).ForEach(func(k, v []byte) error {
				var m types.Member
				if err := json.Unmarshal(v, &m); err != nil {
					return fmt.Errorf("member %s: %w", k, err)
				}
				s.indexMember(memberKey{provider: p, id: m.InstanceID}, m)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func memberBucket(p types.Provider) []byte {
	if p == types.ProviderAzure {
		return bucketMembersAzure
	}
	return bucketMembersAWS
}

func accountBucket(p types.Provider) []byte {
	if p == types.ProviderAzure {
		return bucketAccountsAz
	}
	return bucketAccountsAWS
}
