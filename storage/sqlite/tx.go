package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/yairfalse/dormant/storage"
	"github.com/yairfalse/dormant/types"
)

const groupColumns = `id, name, provider, multi_cloud, created_at`

// sqlTx adapts a database transaction to storage.Tx
type sqlTx struct {
	ctx context.Context
	tx  *sql.Tx
}

var _ storage.Tx = (*sqlTx)(nil)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanGroup(row rowScanner) (types.Group, bool, error) {
	var (
		g          types.Group
		provider   string
		multiCloud int
		ts         string
	)
	if err := row.Scan(&g.ID, &g.Name, &provider, &multiCloud, &ts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Group{}, false, nil
		}
		return types.Group{}, false, err
	}
	g.Provider = types.Provider(provider)
	g.MultiCloud = multiCloud != 0
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		g.CreatedAt = t
	}
	return g, true, nil
}

func (t *sqlTx) GroupByName(name string) (types.Group, bool, error) {
	return scanGroup(t.tx.QueryRowContext(t.ctx, `SELECT `+groupColumns+` FROM groups WHERE name=?`, name))
}

func (t *sqlTx) GroupByID(id string) (types.Group, bool, error) {
	return scanGroup(t.tx.QueryRowContext(t.ctx, `SELECT `+groupColumns+` FROM groups WHERE id=?`, id))
}

func (t *sqlTx) PutGroup(g types.Group) error {
	multiCloud := 0
	if g.MultiCloud {
		multiCloud = 1
	}
	_, err := t.tx.ExecContext(t.ctx, `INSERT INTO groups(id, name, provider, multi_cloud, created_at) VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, provider=excluded.provider, multi_cloud=excluded.multi_cloud`,
		g.ID, g.Name, string(g.Provider), multiCloud, g.CreatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (t *sqlTx) DeleteGroup(g types.Group) error {
	for _, stmt := range []string{
		`DELETE FROM group_downtime WHERE group_id=?`,
		`DELETE FROM multi_cloud_links WHERE group_id=?`,
		`DELETE FROM groups WHERE id=?`,
	} {
		if _, err := t.tx.ExecContext(t.ctx, stmt, g.ID); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqlTx) Member(p types.Provider, instanceID string) (types.Member, bool, error) {
	var (
		m       types.Member
		groupID sql.NullString
		row     *sql.Row
	)
	if p == types.ProviderAzure {
		row = t.tx.QueryRowContext(t.ctx, `SELECT instance_id, group_id, owner_account, subscription_id FROM group_members_azure WHERE instance_id=?`, instanceID)
		if err := row.Scan(&m.InstanceID, &groupID, &m.OwnerAccount, &m.SubscriptionID); err != nil {
			return noMember(err)
		}
	} else {
		row = t.tx.QueryRowContext(t.ctx, `SELECT instance_id, group_id, owner_account FROM group_members_aws WHERE instance_id=?`, instanceID)
		if err := row.Scan(&m.InstanceID, &groupID, &m.OwnerAccount); err != nil {
			return noMember(err)
		}
	}
	m.GroupID = groupID.String
	return m, true, nil
}

func noMember(err error) (types.Member, bool, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return types.Member{}, false, nil
	}
	return types.Member{}, false, err
}

func (t *sqlTx) PutMember(p types.Provider, m types.Member) error {
	groupID := sql.NullString{String: m.GroupID, Valid: m.GroupID != ""}
	var err error
	if p == types.ProviderAzure {
		_, err = t.tx.ExecContext(t.ctx, `INSERT INTO group_members_azure(instance_id, group_id, owner_account, subscription_id) VALUES(?, ?, ?, ?)
			ON CONFLICT(instance_id) DO UPDATE SET group_id=excluded.group_id, owner_account=excluded.owner_account, subscription_id=excluded.subscription_id`,
			m.InstanceID, groupID, m.OwnerAccount, m.SubscriptionID)
	} else {
		_, err = t.tx.ExecContext(t.ctx, `INSERT INTO group_members_aws(instance_id, group_id, owner_account) VALUES(?, ?, ?)
			ON CONFLICT(instance_id) DO UPDATE SET group_id=excluded.group_id, owner_account=excluded.owner_account`,
			m.InstanceID, groupID, m.OwnerAccount)
	}
	return err
}

func (t *sqlTx) GroupMembers(p types.Provider, groupID string) ([]types.Member, error) {
	query := `SELECT instance_id, owner_account, '' FROM group_members_aws WHERE group_id=? ORDER BY instance_id ASC`
	if p == types.ProviderAzure {
		query = `SELECT instance_id, owner_account, subscription_id FROM group_members_azure WHERE group_id=? ORDER BY instance_id ASC`
	}
	rows, err := t.tx.QueryContext(t.ctx, query, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Member
	for rows.Next() {
		m := types.Member{GroupID: groupID}
		if err := rows.Scan(&m.InstanceID, &m.OwnerAccount, &m.SubscriptionID); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (t *sqlTx) AccountGroups(p types.Provider, account string) ([]string, error) {
	var raw string
	err := t.tx.QueryRowContext(t.ctx, `SELECT group_ids FROM account_group_memberships WHERE provider=? AND account_id=?`,
		string(p), account).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (t *sqlTx) PutAccountGroups(p types.Provider, account string, groupIDs []string) error {
	if len(groupIDs) == 0 {
		_, err := t.tx.ExecContext(t.ctx, `DELETE FROM account_group_memberships WHERE provider=? AND account_id=?`, string(p), account)
		return err
	}
	raw, err := json.Marshal(groupIDs)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx, `INSERT INTO account_group_memberships(provider, account_id, group_ids) VALUES(?, ?, ?)
		ON CONFLICT(provider, account_id) DO UPDATE SET group_ids=excluded.group_ids`, string(p), account, string(raw))
	return err
}

func (t *sqlTx) AccountsWithGroup(p types.Provider, groupID string) ([]string, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT account_id, group_ids FROM account_group_memberships WHERE provider=?`, string(p))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var account, raw string
		if err := rows.Scan(&account, &raw); err != nil {
			return nil, err
		}
		var ids []string
		if err := json.Unmarshal([]byte(raw), &ids); err != nil {
			return nil, err
		}
		if storage.Contains(ids, groupID) {
			out = append(out, account)
		}
	}
	return out, rows.Err()
}

func (t *sqlTx) Link(groupID string) (types.MultiCloudLink, bool, error) {
	l := types.MultiCloudLink{GroupID: groupID}
	err := t.tx.QueryRowContext(t.ctx, `SELECT aws_account, azure_account FROM multi_cloud_links WHERE group_id=?`, groupID).
		Scan(&l.AWSAccount, &l.AzureAccount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.MultiCloudLink{}, false, nil
		}
		return types.MultiCloudLink{}, false, err
	}
	return l, true, nil
}

func (t *sqlTx) PutLink(l types.MultiCloudLink) error {
	_, err := t.tx.ExecContext(t.ctx, `INSERT INTO multi_cloud_links(group_id, aws_account, azure_account) VALUES(?, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET aws_account=excluded.aws_account, azure_account=excluded.azure_account`,
		l.GroupID, l.AWSAccount, l.AzureAccount)
	return err
}

func trim(s string) string { return strings.TrimSpace(s) }
