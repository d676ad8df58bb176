package storage

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/yairfalse/dormant/types"
)

// SetGroupDowntime upserts the window of a group. The values are stored as
// written; they are parsed when the reconciler reads them.
func (s *BoltStore) SetGroupDowntime(ctx context.Context, name, start, end string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name, err := NormalizeName(OpSetDowntime, name)
	if err != nil {
		return err
	}
	start, end = strings.TrimSpace(start), strings.TrimSpace(end)
	if start == "" || end == "" {
		return opErr(OpSetDowntime, ErrValidation, name, nil, "start and end are required")
	}

	err = s.update(func(tx *boltTx) error {
		g, found, err := tx.GroupByName(name)
		if err != nil {
			return err
		}
		if !found {
			return opErr(OpSetDowntime, ErrGroupNotFound, name, nil, "")
		}
		row := downtimeRow{Start: start, End: end, UpdatedAt: s.now().UTC()}
		return putJSON(tx.tx.Bucket(bucketDowntime), g.ID, row)
	})
	if err != nil {
		return err
	}

	s.logger.Info().Str("group", name).Str("start", start).Str("end", end).Msg("downtime set")
	return nil
}

// GetGroupDowntime returns the window of a group or types.NoDowntime
func (s *BoltStore) GetGroupDowntime(ctx context.Context, name string) types.Downtime {
	out := types.NoDowntime
	err := s.view(ctx, func(tx *boltTx) error {
		g, found, err := tx.GroupByName(name)
		if err != nil || !found {
			return err
		}
		var row downtimeRow
		found, err = getJSON(tx.tx.Bucket(bucketDowntime), g.ID, &row)
		if err != nil || !found {
			return err
		}
		out = types.Downtime{StartTime: row.Start, EndTime: row.End}
		return nil
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("group", name).Msg("failed to read downtime")
		return types.NoDowntime
	}
	return out
}

// RemoveGroupDowntime deletes the window of a group. It reports false when
// the group or its window does not exist.
func (s *BoltStore) RemoveGroupDowntime(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	removed := false
	err := s.update(func(tx *boltTx) error {
		g, found, err := tx.GroupByName(name)
		if err != nil || !found {
			return err
		}
		b := tx.tx.Bucket(bucketDowntime)
		if b.Get([]byte(g.ID)) == nil {
			return nil
		}
		removed = true
		return b.Delete([]byte(g.ID))
	})
	if err != nil {
		return false, err
	}
	if removed {
		s.logger.Info().Str("group", name).Msg("downtime removed")
	}
	return removed, nil
}

// GetAllGroupDowntimes joins every window to its group name. Rows whose
// group no longer exists are logged and skipped.
func (s *BoltStore) GetAllGroupDowntimes(ctx context.Context) ([]types.GroupDowntime, error) {
	var out []types.GroupDowntime
	err := s.view(ctx, func(tx *boltTx) error {
		return tx.tx.Bucket(bucketDowntime).ForEach(func(k, v []byte) error {
			g, found, err := tx.GroupByID(string(k))
			if err != nil {
				return err
			}
			if !found {
				s.logger.Warn().Str("group_id", string(k)).Msg("skipping downtime of missing group")
				return nil
			}
			var row downtimeRow
			if err := json.Unmarshal(v, &row); err != nil {
				s.logger.Warn().Err(err).Str("group", g.Name).Msg("skipping unreadable downtime")
				return nil
			}
			out = append(out, types.GroupDowntime{
				GroupName: g.Name,
				StartTime: row.Start,
				EndTime:   row.End,
				UpdatedAt: row.UpdatedAt,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupName < out[j].GroupName })
	return out, nil
}
