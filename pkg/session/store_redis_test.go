package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRedisStore_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisStore_Integration(t *testing.T) {
	store := NewRedisStoreFromAddr("localhost:6379", "", 0, time.Minute)
	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	sessionID := "test-" + uuid.NewString()
	defer func() { _ = store.Drop(ctx, sessionID) }()

	_, inserted, err := store.Put(ctx, sessionID, "c1", success("first"))
	require.NoError(t, err)
	assert.True(t, inserted)

	r, inserted, err := store.Put(ctx, sessionID, "c1", success("second"))
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, "first", r.Value)

	all, err := store.List(ctx, sessionID)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, store.Drop(ctx, sessionID))
	_, ok, err := store.Get(ctx, sessionID, "c1")
	require.NoError(t, err)
	assert.False(t, ok)
}
