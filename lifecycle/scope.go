package lifecycle

import (
	"context"

	"github.com/yairfalse/dormant/session"
	"github.com/yairfalse/dormant/storage"
	"github.com/yairfalse/dormant/types"
)

// scope binds a target to the session accounts. Legs without an account
// take the session's; legs naming another account are denied. With degrade
// set, an empty leg of a Both target is dropped before binding so the
// request applies to the other provider alone.
func (m *Manager) scope(op string, s *session.Session, target types.Target, degrade bool) (types.Target, error) {
	if s == nil {
		return nil, noSession(op)
	}
	if target == nil {
		return nil, &storage.OpError{Op: op, Kind: storage.ErrValidation, Msg: "target is required"}
	}

	aws, azure := types.Split(target)
	if degrade {
		awsEmpty := aws == nil || aws.Empty()
		azureEmpty := azure == nil || azure.Empty()
		switch {
		case awsEmpty && azureEmpty:
			return nil, &storage.OpError{Op: op, Kind: storage.ErrValidation, Msg: "no instance ids given"}
		case awsEmpty:
			aws = nil
		case azureEmpty:
			azure = nil
		}
	}

	if aws != nil {
		account, err := bind(op, types.ProviderAWS, aws.AccountID, s.Accounts.AWS)
		if err != nil {
			return nil, err
		}
		aws.AccountID = account
	}
	if azure != nil {
		account, err := bind(op, types.ProviderAzure, azure.AccountID, s.Accounts.Azure)
		if err != nil {
			return nil, err
		}
		azure.AccountID = account
	}

	switch {
	case azure == nil:
		return *aws, nil
	case aws == nil:
		return *azure, nil
	}
	return types.BothTarget{AWS: *aws, Azure: *azure}, nil
}

func bind(op string, p types.Provider, requested, own string) (string, error) {
	switch {
	case own == "":
		return "", &storage.OpError{Op: op, Kind: storage.ErrValidation, Msg: "session has no " + string(p) + " account"}
	case requested == "" || requested == own:
		return own, nil
	default:
		return "", &storage.OpError{Op: op, Kind: storage.ErrAccessDenied, IDs: []string{requested}, Msg: "account is not part of the session"}
	}
}

// visible checks that the group exists and is reachable by the session
func (m *Manager) visible(ctx context.Context, op string, s *session.Session, name string) error {
	if s == nil {
		return noSession(op)
	}
	if _, found, err := m.store.GetGroup(ctx, name); err != nil {
		return err
	} else if !found {
		return &storage.OpError{Op: op, Kind: storage.ErrGroupNotFound, Group: name}
	}

	groups, err := m.Groups(ctx, s)
	if err != nil {
		return err
	}
	for _, list := range [][]string{groups.AWS, groups.Azure, groups.MultiCloud} {
		if storage.Contains(list, name) {
			return nil
		}
	}
	return &storage.OpError{Op: op, Kind: storage.ErrAccessDenied, Group: name}
}
