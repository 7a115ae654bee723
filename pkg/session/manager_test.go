package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaleyeah/toolkernel/pkg/contracts"
)

var analyst = contracts.UserIdentity{UserID: "ana", Role: contracts.RoleAnalyst}

func success(v any) contracts.ExecutionResult {
	return contracts.ExecutionResult{Status: contracts.StatusSuccess, Value: v}
}

func TestCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("auth enabled requires identity", func(t *testing.T) {
		m := NewManager(nil, true, 0)
		_, err := m.Create(ctx, contracts.UserIdentity{})
		assert.ErrorIs(t, err, ErrIdentityRequired)
		_, err = m.Create(ctx, contracts.UserIdentity{UserID: "x", Role: "owner"})
		assert.ErrorIs(t, err, ErrIdentityRequired)

		s, err := m.Create(ctx, analyst)
		require.NoError(t, err)
		assert.NotEmpty(t, s.ID)
		assert.Equal(t, analyst, s.Identity)
	})

	t.Run("auth disabled falls back to anonymous", func(t *testing.T) {
		m := NewManager(nil, false, 0)
		s, err := m.Create(ctx, contracts.UserIdentity{})
		require.NoError(t, err)
		assert.Equal(t, "anonymous", s.Identity.UserID)
		assert.Equal(t, contracts.RoleAnalyst, s.Identity.Role)
	})
}

func TestGetAndEnd(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil, true, 0)

	_, err := m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	s, err := m.Create(ctx, analyst)
	require.NoError(t, err)
	_, err = m.StoreResult(ctx, s.ID, "c1", success(1))
	require.NoError(t, err)

	var ended []string
	m.OnEnd(func(_ context.Context, id string) { ended = append(ended, id) })

	require.NoError(t, m.End(ctx, s.ID))
	assert.Equal(t, []string{s.ID}, ended)
	_, err = m.Get(ctx, s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Results(ctx, s.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.End(ctx, s.ID), ErrNotFound)
}

func TestStoreResult_WriteOnce(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil, true, 0)
	s, _ := m.Create(ctx, analyst)

	first, err := m.StoreResult(ctx, s.ID, "geo", success("first"))
	require.NoError(t, err)
	assert.Equal(t, "geo", first.CallID)

	second, err := m.StoreResult(ctx, s.ID, "geo", success("second"))
	require.NoError(t, err)
	assert.Equal(t, "first", second.Value)

	got, ok, err := m.Result(ctx, s.ID, "geo")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", got.Value)

	_, err = m.StoreResult(ctx, "nope", "geo", success(1))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreResult_ConcurrentKeyedInserts(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil, true, 0)
	s, _ := m.Create(ctx, analyst)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.StoreResult(ctx, s.ID, fmt.Sprintf("call-%d", i), success(i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	all, err := m.Results(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, all, 50)
}

func TestInjectContext(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil, true, 0)
	s, _ := m.Create(ctx, analyst)

	_, err := m.StoreResult(ctx, s.ID, "req/geology.read", success(map[string]any{
		"formation": map[string]any{"name": "Wolfcamp", "thickness_ft": 320},
	}))
	require.NoError(t, err)
	_, err = m.StoreResult(ctx, s.ID, "req/curves.read", contracts.ExecutionResult{
		Status: contracts.StatusFailure,
		Error:  &contracts.ErrorDetail{Kind: contracts.KindRetryable, Code: "timeout", Message: "timed out"},
	})
	require.NoError(t, err)

	call := contracts.Call{
		ServerID: "risk",
		ToolID:   "compute",
		Args:     map[string]any{"tract_id": "T-1"},
		ContextRefs: map[string]string{
			"geology": "req/geology.read",
			"curves":  "req/curves.read",
			"market":  "req/market.read",
		},
		Bindings: map[string]string{"formation": "req/geology.read.formation.name"},
	}

	out, err := m.InjectContext(ctx, s.ID, call)
	require.NoError(t, err)

	injected := out.Args[contracts.ContextArgKey].(map[string]any)
	geo := injected["geology"].(map[string]any)
	assert.Equal(t, "success", geo["status"])
	assert.NotNil(t, geo["data"])
	curves := injected["curves"].(map[string]any)
	assert.Equal(t, "failure", curves["status"])
	assert.Equal(t, "timeout", curves["error"].(map[string]any)["code"])
	assert.Equal(t, map[string]any{"status": "unavailable"}, injected["market"])

	assert.Equal(t, "Wolfcamp", out.Args["formation"])
	assert.Equal(t, "T-1", out.Args["tract_id"])

	// input untouched
	assert.NotContains(t, call.Args, contracts.ContextArgKey)
	assert.NotContains(t, call.Args, "formation")
}

func TestInjectContext_Bindings(t *testing.T) {
	ctx := context.Background()
	m := NewManager(nil, true, 0)
	s, _ := m.Create(ctx, analyst)
	_, _ = m.StoreResult(ctx, s.ID, "npv", success(map[string]any{"npv": 1.5}))
	_, _ = m.StoreResult(ctx, s.ID, "bad", contracts.ExecutionResult{Status: contracts.StatusFailure})

	out, err := m.InjectContext(ctx, s.ID, contracts.Call{Bindings: map[string]string{"whole": "npv", "v": "npv.npv"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"npv": 1.5}, out.Args["whole"])
	assert.Equal(t, 1.5, out.Args["v"])

	for _, ref := range []string{"missing", "npv.irr", "bad", "npv.npv.deeper"} {
		_, err := m.InjectContext(ctx, s.ID, contracts.Call{Bindings: map[string]string{"x": ref}})
		assert.ErrorIs(t, err, ErrUnresolvedBinding, ref)
	}

	plain := contracts.Call{Args: map[string]any{"a": 1}}
	out, err = m.InjectContext(ctx, "whatever", plain)
	require.NoError(t, err)
	assert.Equal(t, plain, out)
}

func TestReap(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(nil, true, 30*time.Minute).WithClock(func() time.Time { return now })

	idle, _ := m.Create(ctx, analyst)
	active, _ := m.Create(ctx, analyst)

	now = now.Add(20 * time.Minute)
	_, err := m.Get(ctx, active.ID)
	require.NoError(t, err)

	now = now.Add(15 * time.Minute)
	reaped := m.Reap(ctx)
	assert.Equal(t, []string{idle.ID}, reaped)
	assert.Equal(t, 1, m.Len())

	assert.Empty(t, NewManager(nil, true, 0).Reap(ctx))
}

// endingStore ends the session in the middle of the first write.
type endingStore struct {
	*MemoryStore
	m    *Manager
	once sync.Once
}

func (s *endingStore) Put(ctx context.Context, sessionID, callID string, r contracts.ExecutionResult) (contracts.ExecutionResult, bool, error) {
	s.once.Do(func() { _ = s.m.End(ctx, sessionID) })
	return s.MemoryStore.Put(ctx, sessionID, callID, r)
}

func TestStoreResult_SessionEndedDuringWrite(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	store := &endingStore{MemoryStore: mem}
	m := NewManager(store, true, 0)
	store.m = m

	s, err := m.Create(ctx, analyst)
	require.NoError(t, err)

	_, err = m.StoreResult(ctx, s.ID, "c1", success(1))
	assert.ErrorIs(t, err, ErrNotFound)

	left, err := mem.List(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, left)
	mem.mu.RLock()
	_, bucket := mem.results[s.ID]
	mem.mu.RUnlock()
	assert.False(t, bucket)
}
