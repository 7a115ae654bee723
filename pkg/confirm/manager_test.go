package confirm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaleyeah/toolkernel/pkg/contracts"
)

func signAction(session string) Action {
	return Action{
		RequestID: "req-1",
		SessionID: session,
		CallID:    "req-1/notary.sign",
		Call:      contracts.Call{ServerID: "notary", ToolID: "sign"},
	}
}

func TestStageAndTake(t *testing.T) {
	ctx := context.Background()
	m := NewManager(time.Minute)

	a := m.Stage(ctx, signAction("s1"))
	require.NotEmpty(t, a.Token)
	assert.Equal(t, StatusPending, a.Status)
	assert.Len(t, m.Pending("s1"), 1)

	got, err := m.Take(ctx, a.Token)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)
	assert.Equal(t, "req-1/notary.sign", got.CallID)

	_, err = m.Take(ctx, a.Token)
	assert.ErrorIs(t, err, ErrNotPending)
	assert.Empty(t, m.Pending("s1"))
}

func TestUnknownToken(t *testing.T) {
	m := NewManager(time.Minute)
	_, err := m.Take(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrTokenNotFound)
	_, err = m.Cancel(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrTokenNotFound)
	_, err = m.Get("nope")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	m := NewManager(time.Minute)
	a := m.Stage(ctx, signAction("s1"))

	got, err := m.Cancel(ctx, a.Token)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	_, err = m.Take(ctx, a.Token)
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	m := NewManager(10 * time.Minute).WithClock(func() time.Time { return now })

	a := m.Stage(ctx, signAction("s1"))
	b := m.Stage(ctx, signAction("s1"))
	assert.Equal(t, now.Add(10*time.Minute), a.ExpiresAt)

	now = now.Add(11 * time.Minute)
	_, err := m.Take(ctx, a.Token)
	assert.ErrorIs(t, err, ErrNotPending)

	got, err := m.Get(a.Token)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)

	expired := m.Expire(ctx)
	require.Len(t, expired, 1)
	assert.Equal(t, b.Token, expired[0].Token)
}

func TestCancelSession(t *testing.T) {
	ctx := context.Background()
	m := NewManager(0)
	m.Stage(ctx, signAction("s1"))
	m.Stage(ctx, signAction("s1"))
	other := m.Stage(ctx, signAction("s2"))

	cancelled := m.CancelSession(ctx, "s1")
	assert.Len(t, cancelled, 2)
	assert.Empty(t, m.Pending("s1"))

	pending := m.Pending("")
	require.Len(t, pending, 1)
	assert.Equal(t, other.Token, pending[0].Token)
	assert.True(t, pending[0].ExpiresAt.IsZero())
}

func TestExpireForgetsSettledActions(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	m := NewManager(time.Minute).WithClock(func() time.Time { return now })

	var tokens []string
	for i := range 1000 {
		a := m.Stage(ctx, signAction("s1"))
		tokens = append(tokens, a.Token)
		if i%2 == 0 {
			_, err := m.Take(ctx, a.Token)
			require.NoError(t, err)
		} else {
			_, err := m.Cancel(ctx, a.Token)
			require.NoError(t, err)
		}
	}
	live := m.Stage(ctx, signAction("s2"))
	m.CancelSession(ctx, "s1")

	assert.Empty(t, m.Expire(ctx))
	assert.Equal(t, 1001, m.Len(), "settled actions stay answerable within the window")
	_, err := m.Take(ctx, tokens[0])
	assert.ErrorIs(t, err, ErrNotPending)

	now = now.Add(30 * time.Second)
	m.Stage(ctx, signAction("s3"))
	now = now.Add(45 * time.Second)
	expired := m.Expire(ctx)
	require.Len(t, expired, 1)
	assert.Equal(t, live.Token, expired[0].Token)
	assert.Equal(t, 2, m.Len())

	_, err = m.Take(ctx, tokens[0])
	assert.ErrorIs(t, err, ErrTokenNotFound)

	now = now.Add(2 * time.Minute)
	require.Len(t, m.Expire(ctx), 1)
	assert.Equal(t, 1, m.Len())
	now = now.Add(2 * time.Minute)
	m.Expire(ctx)
	assert.Zero(t, m.Len())
}
