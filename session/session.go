// Package session scopes group operations to the cloud accounts of one caller.
package session

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handle is the opaque identifier of an open session
type Handle string

// Accounts are the cloud accounts a caller acts as. Either may be empty.
type Accounts struct {
	AWS   string `json:"aws,omitempty"`
	Azure string `json:"azure,omitempty"`
}

// Empty reports whether no account is set
func (a Accounts) Empty() bool {
	return a.AWS == "" && a.Azure == ""
}

var (
	ErrNoAccounts     = errors.New("session requires at least one account")
	ErrUnknownSession = errors.New("unknown session")
)

// Session is one caller's scope
type Session struct {
	Handle   Handle    `json:"handle"`
	Accounts Accounts  `json:"accounts"`
	OpenedAt time.Time `json:"opened_at"`
}

// Actor names the caller in audit records
func (s *Session) Actor() string {
	var parts []string
	if s.Accounts.AWS != "" {
		parts = append(parts, "aws:"+s.Accounts.AWS)
	}
	if s.Accounts.Azure != "" {
		parts = append(parts, "azure:"+s.Accounts.Azure)
	}
	return "user:" + strings.Join(parts, ",")
}

// Manager owns the open sessions of a process
type Manager struct {
	mu       sync.Mutex
	sessions map[Handle]*Session
	now      func() time.Time
}

// NewManager creates an empty session manager
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[Handle]*Session),
		now:      time.Now,
	}
}

// Open starts a session for accounts
func (m *Manager) Open(accounts Accounts) (*Session, error) {
	accounts.AWS = strings.TrimSpace(accounts.AWS)
	accounts.Azure = strings.TrimSpace(accounts.Azure)
	if accounts.Empty() {
		return nil, ErrNoAccounts
	}

	s := &Session{
		Handle:   Handle(uuid.NewString()),
		Accounts: accounts,
		OpenedAt: m.now(),
	}

	m.mu.Lock()
	m.sessions[s.Handle] = s
	m.mu.Unlock()
	return s, nil
}

// Get returns an open session
func (m *Manager) Get(h Handle) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, h)
	}
	return s, nil
}

// Close ends a session. Closing an unknown handle reports false.
func (m *Manager) Close(h Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[h]; !ok {
		return false
	}
	delete(m.sessions, h)
	return true
}

// With runs fn inside a session that is closed when fn returns
func (m *Manager) With(accounts Accounts, fn func(*Session) error) error {
	s, err := m.Open(accounts)
	if err != nil {
		return err
	}
	defer m.Close(s.Handle)
	return fn(s)
}

// Handles returns the handles of every open session, sorted
func (m *Manager) Handles() []Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Handle, 0, len(m.sessions))
	for h := range m.sessions {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
