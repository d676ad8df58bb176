package storage

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the storage layer. Callers map them with errors.Is.
var (
	// ErrNotFound indicates the requested group does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates the operation conflicts with existing state.
	ErrConflict = errors.New("conflict")

	// ErrValidation indicates the request failed validation.
	ErrValidation = errors.New("validation error")

	// ErrAccessDenied indicates the account has no recorded membership of the group.
	ErrAccessDenied = errors.New("access denied")
)

// Specific kinds, each wrapping one of the sentinels above.
var (
	ErrGroupNotFound      = fmt.Errorf("group %w", ErrNotFound)
	ErrDuplicateGroupName = fmt.Errorf("%w: duplicate group name", ErrConflict)
	ErrAlreadyGrouped     = fmt.Errorf("%w: instance already grouped", ErrConflict)
	ErrCrossProvider      = fmt.Errorf("%w: cross-provider membership", ErrConflict)
	ErrMixedAccounts      = fmt.Errorf("%w: group members belong to another account", ErrConflict)
)

// OpError carries the kind of a failed store operation and the offending identifiers
type OpError struct {
	Op    string
	Kind  error
	Group string
	IDs   []string
	Msg   string
}

func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Group != "" {
		fmt.Fprintf(&b, " (group %q)", e.Group)
	}
	if len(e.IDs) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.IDs, ", "))
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	return b.String()
}

func (e *OpError) Unwrap() error { return e.Kind }

func opErr(op string, kind error, group string, ids []string, msg string) error {
	return &OpError{Op: op, Kind: kind, Group: group, IDs: ids, Msg: msg}
}

// WrapIfConflict wraps a database error as ErrConflict if it represents a
// unique constraint violation.
func WrapIfConflict(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE") || strings.Contains(msg, "duplicate") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}
