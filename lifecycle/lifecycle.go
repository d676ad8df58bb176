// Package lifecycle applies caller requests to group membership and
// downtime windows on behalf of an open session.
package lifecycle

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/yairfalse/dormant/providers"
	"github.com/yairfalse/dormant/reconciler"
	"github.com/yairfalse/dormant/session"
	"github.com/yairfalse/dormant/storage"
	"github.com/yairfalse/dormant/types"
	"github.com/yairfalse/dormant/wal"
)

// Groups are the groups visible to a session
type Groups struct {
	AWS        []string `json:"aws"`
	Azure      []string `json:"azure"`
	MultiCloud []string `json:"multi_cloud"`
}

// Manager validates and applies group operations
type Manager struct {
	store     storage.Store
	providers *providers.Registry
	wal       *wal.WAL
	logger    zerolog.Logger
	loc       *time.Location
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the manager logger
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithWAL records every applied operation in the audit log
func WithWAL(w *wal.WAL) Option {
	return func(m *Manager) { m.wal = w }
}

// WithLocation sets the zone downtime windows are validated in
func WithLocation(loc *time.Location) Option {
	return func(m *Manager) { m.loc = loc }
}

// New creates a lifecycle manager over store
func New(store storage.Store, opts ...Option) *Manager {
	m := &Manager{store: store, logger: log.Logger, loc: time.Local}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type membershipRecord struct {
	Op     string             `json:"op"`
	Target types.Target       `json:"target,omitempty"`
	Status types.RemoveStatus `json:"status,omitempty"`
}

type downtimeRecord struct {
	Op    string `json:"op"`
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// CreateGroup creates a group holding the target's instances. A Both target
// creates a multi-cloud group and needs both accounts.
func (m *Manager) CreateGroup(ctx context.Context, s *session.Session, name string, target types.Target) (string, error) {
	target, err := m.scope(storage.OpCreateGroup, s, target, false)
	if err != nil {
		return "", err
	}

	group, err := m.store.CreateGroup(ctx, name, target)
	if err != nil {
		return "", err
	}
	m.audit(wal.EntryMembership, group, s, membershipRecord{Op: storage.OpCreateGroup, Target: target}, nil)
	return group, nil
}

// AddInstances adds the target's instances to an existing group. A Both
// target with an empty leg is applied as a request for the other provider.
func (m *Manager) AddInstances(ctx context.Context, s *session.Session, name string, target types.Target) (string, error) {
	target, err := m.scope(storage.OpAddInstances, s, target, true)
	if err != nil {
		return "", err
	}

	group, err := m.store.AddInstancesToGroup(ctx, name, target)
	if err != nil {
		return "", err
	}
	m.audit(wal.EntryMembership, group, s, membershipRecord{Op: storage.OpAddInstances, Target: target}, nil)
	return group, nil
}

// RemoveInstances ungroups the target's instances owned by the session accounts
func (m *Manager) RemoveInstances(ctx context.Context, s *session.Session, target types.Target) (types.RemoveStatus, error) {
	target, err := m.scope(storage.OpRemoveInstances, s, target, true)
	if err != nil {
		return types.NothingRemoved, err
	}

	status, err := m.store.RemoveInstancesFromGroup(ctx, target)
	if err != nil {
		return types.NothingRemoved, err
	}
	if status == types.Removed {
		m.audit(wal.EntryMembership, "", s, membershipRecord{Op: storage.OpRemoveInstances, Target: target, Status: status}, nil)
	}
	return status, nil
}

// SetDowntime sets the window of a group. Windows the reconciler could not
// parse are rejected.
func (m *Manager) SetDowntime(ctx context.Context, s *session.Session, name, start, end string) error {
	if err := m.visible(ctx, storage.OpSetDowntime, s, name); err != nil {
		return err
	}
	if _, err := reconciler.ParseWindow(start, end, m.loc); err != nil {
		return &storage.OpError{Op: storage.OpSetDowntime, Kind: storage.ErrValidation, Group: name, Msg: err.Error()}
	}
	if err := m.store.SetGroupDowntime(ctx, name, start, end); err != nil {
		return err
	}
	m.audit(wal.EntryDowntime, name, s, downtimeRecord{Op: "set", Start: start, End: end}, nil)
	return nil
}

// Downtime returns the window of a group or the N/A sentinel
func (m *Manager) Downtime(ctx context.Context, name string) types.Downtime {
	return m.store.GetGroupDowntime(ctx, name)
}

// RemoveDowntime clears the window of a group
func (m *Manager) RemoveDowntime(ctx context.Context, s *session.Session, name string) (bool, error) {
	if err := m.visible(ctx, "remove_downtime", s, name); err != nil {
		return false, err
	}
	removed, err := m.store.RemoveGroupDowntime(ctx, name)
	if err != nil {
		return false, err
	}
	if removed {
		m.audit(wal.EntryDowntime, name, s, downtimeRecord{Op: "remove"}, nil)
	}
	return removed, nil
}

// Groups lists the groups reachable by the session accounts
func (m *Manager) Groups(ctx context.Context, s *session.Session) (Groups, error) {
	if s == nil {
		return Groups{}, noSession("list_groups")
	}
	user, err := m.store.GetUserGroups(ctx, s.Accounts.AWS, s.Accounts.Azure)
	if err != nil {
		return Groups{}, err
	}
	out := Groups{AWS: user.AWS, Azure: user.Azure}
	if s.Accounts.AWS != "" && s.Accounts.Azure != "" {
		out.MultiCloud, err = m.store.GetMultiCloudGroups(ctx, s.Accounts.AWS, s.Accounts.Azure)
		if err != nil {
			return Groups{}, err
		}
	}
	return out, nil
}

// Members returns the members of a group. Unknown groups are empty.
func (m *Manager) Members(ctx context.Context, name string) (types.GroupInstances, error) {
	return m.store.GetInstancesByGroup(ctx, name)
}

func (m *Manager) audit(t wal.EntryType, group string, s *session.Session, data interface{}, cause error) {
	m.logger.Info().
		Str("group", group).
		Str("actor", s.Actor()).
		Str("entry_type", string(t)).
		Msg("group operation applied")

	if m.wal == nil {
		return
	}
	var err error
	if cause != nil {
		err = m.wal.AppendError(t, group, s.Actor(), data, cause)
	} else {
		err = m.wal.Append(t, group, s.Actor(), data)
	}
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to append audit entry")
	}
}

func noSession(op string) error {
	return &storage.OpError{Op: op, Kind: storage.ErrValidation, Msg: "an open session is required"}
}
