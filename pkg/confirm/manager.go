// Package confirm gates side-effecting calls behind an explicit
// confirmation. A staged call is held under an opaque token until it is
// confirmed, cancelled, expires, or its session ends.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaleyeah/toolkernel/pkg/contracts"
)

var (
	ErrTokenNotFound = errors.New("confirmation token not found")
	ErrNotPending    = errors.New("action is not pending")
)

// Status is the lifecycle state of a staged action.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Action is a call held for confirmation.
type Action struct {
	Token       string                 `json:"token"`
	RequestID   string                 `json:"request_id"`
	SessionID   string                 `json:"session_id"`
	CallID      string                 `json:"call_id"`
	Call        contracts.Call         `json:"call"`
	Identity    contracts.UserIdentity `json:"identity"`
	DetailLevel contracts.DetailLevel  `json:"detail_level"`
	Timeout     time.Duration          `json:"timeout"`
	Status      Status                 `json:"status"`
	CreatedAt   time.Time              `json:"created_at"`
	ExpiresAt   time.Time              `json:"expires_at"`
	SettledAt   time.Time              `json:"settled_at,omitzero"`
}

// DefaultRetention is how long settled actions stay answerable when the
// manager has no ttl.
const DefaultRetention = 15 * time.Minute

// Manager holds staged actions in memory.
type Manager struct {
	mu      sync.Mutex
	actions map[string]*Action
	ttl     time.Duration
	clock   func() time.Time
}

// NewManager creates a manager whose tokens live for ttl. A non-positive
// ttl never expires. Settled actions are kept for ttl (or DefaultRetention)
// so a repeated confirm reports ErrNotPending, then Expire drops them.
func NewManager(ttl time.Duration) *Manager {
	return &Manager{
		actions: make(map[string]*Action),
		ttl:     ttl,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Stage holds a and returns it with its token and timestamps set.
func (m *Manager) Stage(_ context.Context, a Action) Action {
	now := m.clock()
	a.Token = uuid.NewString()
	a.Status = StatusPending
	a.CreatedAt = now
	if m.ttl > 0 {
		a.ExpiresAt = now.Add(m.ttl)
	}

	m.mu.Lock()
	m.actions[a.Token] = &a
	m.mu.Unlock()
	return a
}

// Take confirms a pending action and hands it back for dispatch. A token
// can be taken once.
func (m *Manager) Take(_ context.Context, token string) (Action, error) {
	return m.transition(token, StatusConfirmed)
}

// Cancel discards a pending action.
func (m *Manager) Cancel(_ context.Context, token string) (Action, error) {
	return m.transition(token, StatusCancelled)
}

func (m *Manager) transition(token string, to Status) (Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.actions[token]
	if !ok {
		return Action{}, fmt.Errorf("%w: %q", ErrTokenNotFound, token)
	}
	m.expireLocked(a, m.clock())
	if a.Status != StatusPending {
		return *a, fmt.Errorf("%w: %q is %s", ErrNotPending, token, a.Status)
	}
	a.Status = to
	a.SettledAt = m.clock()
	return *a, nil
}

func (m *Manager) expireLocked(a *Action, now time.Time) bool {
	if a.Status == StatusPending && !a.ExpiresAt.IsZero() && now.After(a.ExpiresAt) {
		a.Status = StatusExpired
		a.SettledAt = now
		return true
	}
	return false
}

// Get returns an action by token.
func (m *Manager) Get(token string) (Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.actions[token]
	if !ok {
		return Action{}, fmt.Errorf("%w: %q", ErrTokenNotFound, token)
	}
	m.expireLocked(a, m.clock())
	return *a, nil
}

// CancelSession cancels every pending action of a session.
func (m *Manager) CancelSession(_ context.Context, sessionID string) []Action {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Action
	for _, a := range m.actions {
		if a.SessionID != sessionID || a.Status != StatusPending {
			continue
		}
		a.Status = StatusCancelled
		a.SettledAt = m.clock()
		out = append(out, *a)
	}
	sortByCreated(out)
	return out
}

// Expire marks overdue actions expired and returns them. Actions settled
// longer ago than the retention window are forgotten.
func (m *Manager) Expire(_ context.Context) []Action {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	cutoff := now.Add(-m.retention())
	var out []Action
	for token, a := range m.actions {
		if m.expireLocked(a, now) {
			out = append(out, *a)
			continue
		}
		if a.Status != StatusPending && a.SettledAt.Before(cutoff) {
			delete(m.actions, token)
		}
	}
	sortByCreated(out)
	return out
}

func (m *Manager) retention() time.Duration {
	if m.ttl > 0 {
		return m.ttl
	}
	return DefaultRetention
}

// Len returns the number of actions held, settled ones included.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.actions)
}

// Pending lists pending actions of a session, oldest first. An empty
// session id lists all.
func (m *Manager) Pending(sessionID string) []Action {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	var out []Action
	for _, a := range m.actions {
		m.expireLocked(a, now)
		if a.Status == StatusPending && (sessionID == "" || a.SessionID == sessionID) {
			out = append(out, *a)
		}
	}
	sortByCreated(out)
	return out
}

func sortByCreated(as []Action) {
	sort.Slice(as, func(i, j int) bool {
		if as[i].CreatedAt.Equal(as[j].CreatedAt) {
			return as[i].CallID < as[j].CallID
		}
		return as[i].CreatedAt.Before(as[j].CreatedAt)
	})
}
