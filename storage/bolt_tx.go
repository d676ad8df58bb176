package storage

import (
	"encoding/json"
	"sort"

	"go.etcd.io/bbolt"

	"github.com/yairfalse/dormant/types"
)

// boltTx adapts a bbolt transaction to Tx. Member writes are recorded in
// pending so GroupMembers sees them before the index is updated.
type boltTx struct {
	tx      *bbolt.Tx
	store   *BoltStore
	pending map[memberKey]types.Member
}

var _ Tx = (*boltTx)(nil)

func (t *boltTx) GroupByName(name string) (types.Group, bool, error) {
	id := t.tx.Bucket(bucketGroupNames).Get([]byte(name))
	if id == nil {
		return types.Group{}, false, nil
	}
	return t.GroupByID(string(id))
}

func (t *boltTx) GroupByID(id string) (types.Group, bool, error) {
	var g types.Group
	found, err := getJSON(t.tx.Bucket(bucketGroups), id, &g)
	return g, found, err
}

func (t *boltTx) PutGroup(g types.Group) error {
	if err := putJSON(t.tx.Bucket(bucketGroups), g.ID, g); err != nil {
		return err
	}
	return t.tx.Bucket(bucketGroupNames).Put([]byte(g.Name), []byte(g.ID))
}

func (t *boltTx) DeleteGroup(g types.Group) error {
	for _, op := range []struct {
		bucket []byte
		key    string
	}{
		{bucketGroups, g.ID},
		{bucketGroupNames, g.Name},
		{bucketLinks, g.ID},
		{bucketDowntime, g.ID},
	} {
		if err := t.tx.Bucket(op.bucket).Delete([]byte(op.key)); err != nil {
			return err
		}
	}
	return nil
}

func (t *boltTx) Member(p types.Provider, instanceID string) (types.Member, bool, error) {
	var m types.Member
	found, err := getJSON(t.tx.Bucket(memberBucket(p)), instanceID, &m)
	return m, found, err
}

func (t *boltTx) PutMember(p types.Provider, m types.Member) error {
	if err := putJSON(t.tx.Bucket(memberBucket(p)), m.InstanceID, m); err != nil {
		return err
	}
	t.pending[memberKey{provider: p, id: m.InstanceID}] = m
	return nil
}

func (t *boltTx) GroupMembers(p types.Provider, groupID string) ([]types.Member, error) {
	var members []types.Member

	pivot := memberEntry{GroupID: groupID, Provider: p}
	t.store.index.AscendGreaterOrEqual(pivot, func(e memberEntry) bool {
		if e.GroupID != groupID || e.Provider != p {
			return false
		}
		if _, changed := t.pending[memberKey{provider: p, id: e.Member.InstanceID}]; !changed {
			members = append(members, e.Member)
		}
		return true
	})

	for k, m := range t.pending {
		if k.provider == p && m.GroupID == groupID {
			members = append(members, m)
		}
	}

	sort.Slice(members, func(i, j int) bool { return members[i].InstanceID < members[j].InstanceID })
	return members, nil
}

func (t *boltTx) AccountGroups(p types.Provider, account string) ([]string, error) {
	var ids []string
	_, err := getJSON(t.tx.Bucket(accountBucket(p)), account, &ids)
	return ids, err
}

func (t *boltTx) PutAccountGroups(p types.Provider, account string, groupIDs []string) error {
	b := t.tx.Bucket(accountBucket(p))
	if len(groupIDs) == 0 {
		return b.Delete([]byte(account))
	}
	return putJSON(b, account, groupIDs)
}

func (t *boltTx) AccountsWithGroup(p types.Provider, groupID string) ([]string, error) {
	var accounts []string
	err := t.tx.Bucket(accountBucket(p)).ForEach(func(k, v []byte) error {
		var ids []string
		if err := json.Unmarshal(v, &ids); err != nil {
			return err
		}
		if Contains(ids, groupID) {
			accounts = append(accounts, string(k))
		}
		return nil
	})
	return accounts, err
}

func (t *boltTx) Link(groupID string) (types.MultiCloudLink, bool, error) {
	var l types.MultiCloudLink
	found, err := getJSON(t.tx.Bucket(bucketLinks), groupID, &l)
	return l, found, err
}

func (t *boltTx) PutLink(l types.MultiCloudLink) error {
	return putJSON(t.tx.Bucket(bucketLinks), l.GroupID, l)
}

func getJSON(b *bbolt.Bucket, key string, v interface{}) (bool, error) {
	data := b.Get([]byte(key))
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

func putJSON(b *bbolt.Bucket, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}
