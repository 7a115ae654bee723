// Package session anchors every interaction to an identity and keeps the
// results of a session's calls so later calls can consume them.
//
// A session's result store only grows: results are written once per call
// id and discarded together when the session ends.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaleyeah/toolkernel/pkg/auth"
	"github.com/shaleyeah/toolkernel/pkg/contracts"
)

var (
	ErrNotFound          = errors.New("session not found")
	ErrIdentityRequired  = errors.New("identity required")
	ErrUnresolvedBinding = errors.New("unresolved binding")
)

// Session is the identity anchor of one logical interaction.
type Session struct {
	ID        string                 `json:"session_id"`
	Identity  contracts.UserIdentity `json:"identity"`
	CreatedAt time.Time              `json:"created_at"`
	LastSeen  time.Time              `json:"last_seen"`
}

// EndHook runs when a session ends, before its results are discarded.
type EndHook func(ctx context.Context, sessionID string)

// Manager owns sessions and their result stores.
type Manager struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	hooks       []EndHook
	store       ResultStore
	authEnabled bool
	ttl         time.Duration
	clock       func() time.Time
	logger      *slog.Logger
}

// NewManager creates a manager. A nil store means in-memory. ttl is the idle
// time after which Reap ends a session; zero disables reaping.
func NewManager(store ResultStore, authEnabled bool, ttl time.Duration) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Manager{
		sessions:    make(map[string]*Session),
		store:       store,
		authEnabled: authEnabled,
		ttl:         ttl,
		clock:       time.Now,
		logger:      slog.Default().With("component", "session"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// OnEnd registers a teardown hook.
func (m *Manager) OnEnd(hook EndHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// Create opens a session for identity. With auth enabled an identity is
// mandatory; without it an empty identity becomes the anonymous analyst.
func (m *Manager) Create(_ context.Context, identity contracts.UserIdentity) (Session, error) {
	if identity.UserID == "" || !identity.Role.Valid() {
		if m.authEnabled {
			return Session{}, ErrIdentityRequired
		}
		if identity.IsZero() {
			identity = auth.Anonymous()
		} else if !identity.Role.Valid() {
			identity.Role = contracts.RoleAnalyst
		}
		if identity.UserID == "" {
			identity.UserID = auth.Anonymous().UserID
		}
	}

	now := m.clock()
	s := &Session{ID: uuid.NewString(), Identity: identity, CreatedAt: now, LastSeen: now}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.logger.Debug("session created", "session_id", s.ID, "user_id", identity.UserID, "role", identity.Role)
	return *s, nil
}

// Get returns a session and marks it active.
func (m *Manager) Get(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.LastSeen = m.clock()
	return *s, nil
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// End tears a session down: hooks run, then its results are discarded.
func (m *Manager) End(ctx context.Context, id string) error {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	hooks := append([]EndHook(nil), m.hooks...)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	for _, h := range hooks {
		h(ctx, id)
	}
	if err := m.store.Drop(ctx, id); err != nil {
		return fmt.Errorf("drop results for %s: %w", id, err)
	}
	m.logger.Debug("session ended", "session_id", id)
	return nil
}

func (m *Manager) exists(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// StoreResult records result under callID. The first write wins; later
// writes return the original unchanged.
func (m *Manager) StoreResult(ctx context.Context, sessionID, callID string, result contracts.ExecutionResult) (contracts.ExecutionResult, error) {
	if err := m.exists(sessionID); err != nil {
		return contracts.ExecutionResult{}, err
	}
	result.CallID = callID
	stored, inserted, err := m.store.Put(ctx, sessionID, callID, result)
	if err != nil {
		return contracts.ExecutionResult{}, fmt.Errorf("store result %s: %w", callID, err)
	}
	// The session may have ended between the check and the write; its
	// results must not outlive it.
	if err := m.exists(sessionID); err != nil {
		if derr := m.store.Drop(ctx, sessionID); derr != nil {
			m.logger.Warn("drop results of ended session failed", "session_id", sessionID, "error", derr)
		}
		return contracts.ExecutionResult{}, err
	}
	if !inserted {
		m.logger.Debug("result already stored", "session_id", sessionID, "call_id", callID)
	}
	return stored, nil
}

// Result returns one stored result.
func (m *Manager) Result(ctx context.Context, sessionID, callID string) (contracts.ExecutionResult, bool, error) {
	if err := m.exists(sessionID); err != nil {
		return contracts.ExecutionResult{}, false, err
	}
	return m.store.Get(ctx, sessionID, callID)
}

// Results returns every stored result of the session.
func (m *Manager) Results(ctx context.Context, sessionID string) (map[string]contracts.ExecutionResult, error) {
	if err := m.exists(sessionID); err != nil {
		return nil, err
	}
	return m.store.List(ctx, sessionID)
}

// InjectContext returns a copy of call whose arguments carry the stored
// results it references. Each ContextRefs alias appears under
// args[contracts.ContextArgKey]; each binding copies a field of a prior
// successful result into the named argument. The input call is not modified.
func (m *Manager) InjectContext(ctx context.Context, sessionID string, call contracts.Call) (contracts.Call, error) {
	if len(call.ContextRefs) == 0 && len(call.Bindings) == 0 {
		return call, nil
	}
	results, err := m.Results(ctx, sessionID)
	if err != nil {
		return call, err
	}

	args := make(map[string]any, len(call.Args)+1)
	for k, v := range call.Args {
		args[k] = v
	}

	if len(call.ContextRefs) > 0 {
		injected := make(map[string]any, len(call.ContextRefs))
		if prior, ok := args[contracts.ContextArgKey].(map[string]any); ok {
			for k, v := range prior {
				injected[k] = v
			}
		}
		for alias, ref := range call.ContextRefs {
			injected[alias] = contextEntry(results, ref)
		}
		args[contracts.ContextArgKey] = injected
	}

	for arg, ref := range call.Bindings {
		v, err := resolveBinding(results, ref)
		if err != nil {
			return call, fmt.Errorf("argument %q: %w", arg, err)
		}
		args[arg] = v
	}

	out := call
	out.Args = args
	return out, nil
}

func contextEntry(results map[string]contracts.ExecutionResult, ref string) map[string]any {
	r, ok := results[ref]
	if !ok {
		return map[string]any{"status": "unavailable"}
	}
	entry := map[string]any{"status": string(r.Status)}
	switch {
	case r.Status == contracts.StatusSuccess:
		entry["data"] = r.Value
	case r.Error != nil:
		entry["error"] = map[string]any{
			"kind":    string(r.Error.Kind),
			"code":    r.Error.Code,
			"message": r.Error.Message,
		}
	}
	return entry
}

// resolveBinding splits ref into the longest stored call id and a dotted
// field path. Call ids may themselves contain dots.
func resolveBinding(results map[string]contracts.ExecutionResult, ref string) (any, error) {
	callID, path := ref, ""
	if _, ok := results[ref]; !ok {
		found := false
		for i := strings.LastIndexByte(ref, '.'); i > 0; i = strings.LastIndexByte(ref[:i], '.') {
			if _, ok := results[ref[:i]]; ok {
				callID, path, found = ref[:i], ref[i+1:], true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: no stored result for %q", ErrUnresolvedBinding, ref)
		}
	}

	r := results[callID]
	if r.Status != contracts.StatusSuccess {
		return nil, fmt.Errorf("%w: %s has status %s", ErrUnresolvedBinding, callID, r.Status)
	}
	v := r.Value
	if path == "" {
		return v, nil
	}
	for _, seg := range strings.Split(path, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s has no field %q", ErrUnresolvedBinding, callID, path)
		}
		if v, ok = m[seg]; !ok {
			return nil, fmt.Errorf("%w: %s has no field %q", ErrUnresolvedBinding, callID, path)
		}
	}
	return v, nil
}

// Reap ends sessions idle for longer than the TTL and returns their ids.
func (m *Manager) Reap(ctx context.Context) []string {
	if m.ttl <= 0 {
		return nil
	}
	cutoff := m.clock().Add(-m.ttl)

	m.mu.Lock()
	var idle []string
	for id, s := range m.sessions {
		if s.LastSeen.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()
	sort.Strings(idle)

	for _, id := range idle {
		if err := m.End(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			m.logger.Warn("reap failed", "session_id", id, "error", err)
		}
	}
	if len(idle) > 0 {
		m.logger.Info("reaped idle sessions", "count", len(idle))
	}
	return idle
}

// Run reaps idle sessions every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if m.ttl <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reap(ctx)
		}
	}
}
