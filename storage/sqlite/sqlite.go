// Package sqlite is the relational storage backend, built on the CGO-less
// modernc SQLite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // CGO-less SQLite driver

	"github.com/yairfalse/dormant/storage"
	"github.com/yairfalse/dormant/types"
)

// Store implements storage.Store on SQLite
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
	newID  func() string
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store
type Option func(*Store)

// WithLogger sets the store logger
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithClock overrides the clock used for timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New opens the database at dsn and applies pending migrations
func New(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection serialises writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000; PRAGMA foreign_keys=ON;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:     db,
		logger: zerolog.Nop(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateGroup creates a group from the instances of target
func (s *Store) CreateGroup(ctx context.Context, name string, target types.Target) (string, error) {
	name, err := storage.NormalizeName(storage.OpCreateGroup, name)
	if err != nil {
		return "", err
	}
	req, err := storage.NormalizeTarget(storage.OpCreateGroup, target, true)
	if err != nil {
		return "", err
	}

	var g types.Group
	err = s.inTx(ctx, func(tx *sqlTx) error {
		var err error
		g, err = storage.ApplyCreate(tx, name, req, s.newID(), s.now())
		return err
	})
	if err != nil {
		return "", storage.WrapIfConflict(err)
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
func (s *Store) AddInstancesToGroup(ctx context.Context, name string, target types.Target) (string, error) {
	name, err := storage.NormalizeName(storage.OpAddInstances, name)
	if err != nil {
		return "", err
	}
	req, err := storage.NormalizeTarget(storage.OpAddInstances, target, true)
	if err != nil {
		return "", err
	}

	var g types.Group
	err = s.inTx(ctx, func(tx *sqlTx) error {
		var err error
		g, err = storage.ApplyAdd(tx, name, req)
		return err
	})
	if err != nil {
		return "", err
	}

	s.logger.Info().Str("group", g.Name).Int("instances", req.Instances()).Msg("instances added to group")
	return g.Name, nil
}

// RemoveInstancesFromGroup ungroups the instances of target owned by its accounts
func (s *Store) RemoveInstancesFromGroup(ctx context.Context, target types.Target) (types.RemoveStatus, error) {
	req, err := storage.NormalizeTarget(storage.OpRemoveInstances, target, false)
	if err != nil {
		return types.NothingRemoved, err
	}
	if req.Instances() == 0 {
		return types.NothingRemoved, nil
	}

	var result storage.RemoveResult
	err = s.inTx(ctx, func(tx *sqlTx) error {
		var err error
		result, err = storage.ApplyRemove(tx, req)
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
func (s *Store) GetInstancesByGroup(ctx context.Context, name string) (types.GroupInstances, error) {
	var out types.GroupInstances
	err := s.inTx(ctx, func(tx *sqlTx) error {
		var err error
		out, err = storage.InstancesByGroup(tx, name)
		return err
	})
	return out, err
}

// GetUserGroups returns the single-provider groups of an account pair
func (s *Store) GetUserGroups(ctx context.Context, awsID, azureID string) (types.UserGroups, error) {
	var out types.UserGroups
	err := s.inTx(ctx, func(tx *sqlTx) error {
		var err error
		out, err = storage.UserGroups(tx, awsID, azureID)
		return err
	})
	return out, err
}

// GetMultiCloudGroups returns the multi-cloud groups linked to an account pair
func (s *Store) GetMultiCloudGroups(ctx context.Context, awsID, azureID string) ([]string, error) {
	var out []string
	err := s.inTx(ctx, func(tx *sqlTx) error {
		var err error
		out, err = storage.MultiCloudGroups(tx, awsID, azureID)
		return err
	})
	return out, err
}

// GetGroup looks a group up by name
func (s *Store) GetGroup(ctx context.Context, name string) (types.Group, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM groups WHERE name=?`, name)
	return scanGroup(row)
}

// ListGroups returns all groups ordered by name
func (s *Store) ListGroups(ctx context.Context) ([]types.Group, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+groupColumns+` FROM groups ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Group
	for rows.Next() {
		g, _, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// SetGroupDowntime upserts the window of a group
func (s *Store) SetGroupDowntime(ctx context.Context, name, start, end string) error {
	name, err := storage.NormalizeName(storage.OpSetDowntime, name)
	if err != nil {
		return err
	}
	start, end, err = normalizeWindow(name, start, end)
	if err != nil {
		return err
	}

	err = s.inTx(ctx, func(tx *sqlTx) error {
		g, found, err := tx.GroupByName(name)
		if err != nil {
			return err
		}
		if !found {
			return &storage.OpError{Op: storage.OpSetDowntime, Kind: storage.ErrGroupNotFound, Group: name}
		}
		_, err = tx.tx.ExecContext(tx.ctx, `INSERT INTO group_downtime(group_id, start_time, end_time, updated_at) VALUES(?, ?, ?, ?)
			ON CONFLICT(group_id) DO UPDATE SET start_time=excluded.start_time, end_time=excluded.end_time, updated_at=excluded.updated_at`,
			g.ID, start, end, s.now().UTC().Format(time.RFC3339Nano))
		return err
	})
	if err != nil {
		return err
	}

	s.logger.Info().Str("group", name).Str("start", start).Str("end", end).Msg("downtime set")
	return nil
}

// GetGroupDowntime returns the window of a group or types.NoDowntime
func (s *Store) GetGroupDowntime(ctx context.Context, name string) types.Downtime {
	var d types.Downtime
	err := s.db.QueryRowContext(ctx, `SELECT d.start_time, d.end_time FROM group_downtime d
		JOIN groups g ON g.id = d.group_id WHERE g.name=?`, name).Scan(&d.StartTime, &d.EndTime)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn().Err(err).Str("group", name).Msg("failed to read downtime")
		}
		return types.NoDowntime
	}
	return d
}

// RemoveGroupDowntime deletes the window of a group
func (s *Store) RemoveGroupDowntime(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM group_downtime WHERE group_id IN (SELECT id FROM groups WHERE name=?)`, name)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		s.logger.Info().Str("group", name).Msg("downtime removed")
	}
	return n > 0, nil
}

// GetAllGroupDowntimes joins every window to its group name. Rows whose
// group no longer exists are logged and skipped.
func (s *Store) GetAllGroupDowntimes(ctx context.Context) ([]types.GroupDowntime, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT d.group_id, g.name, d.start_time, d.end_time, d.updated_at
		FROM group_downtime d LEFT JOIN groups g ON g.id = d.group_id ORDER BY g.name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.GroupDowntime
	for rows.Next() {
		var (
			groupID, start, end, updated string
			name                         sql.NullString
		)
		if err := rows.Scan(&groupID, &name, &start, &end, &updated); err != nil {
			return nil, err
		}
		if !name.Valid {
			s.logger.Warn().Str("group_id", groupID).Msg("skipping downtime of missing group")
			continue
		}
		gd := types.GroupDowntime{GroupName: name.String, StartTime: start, EndTime: end}
		if t, err := time.Parse(time.RFC3339Nano, updated); err == nil {
			gd.UpdatedAt = t
		}
		out = append(out, gd)
	}
	return out, rows.Err()
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sqlTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&sqlTx{ctx: ctx, tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func normalizeWindow(name, start, end string) (string, string, error) {
	start, end = trim(start), trim(end)
	if start == "" || end == "" {
		return "", "", &storage.OpError{Op: storage.OpSetDowntime, Kind: storage.ErrValidation, Group: name, Msg: "start and end are required"}
	}
	return start, end, nil
}
