package toolclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaleyeah/toolkernel/pkg/contracts"
)

func req(server, tool string, args map[string]any) contracts.ToolRequest {
	return contracts.ToolRequest{ServerID: server, ToolID: tool, Args: args}
}

func TestResult(t *testing.T) {
	r := req("geology", "read", nil)

	data, err := Result(r, OK(map[string]any{"a": 1}))
	require.NoError(t, err)
	assert.Equal(t, 1, data["a"])

	data, err = Result(r, OK(nil))
	require.NoError(t, err)
	assert.NotNil(t, data)

	_, err = Result(r, Fail("slow down", "rate_limit"))
	var te *contracts.ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "rate_limit", te.Type)
	assert.Equal(t, "geology", te.ServerID)

	_, err = Result(r, &contracts.ToolResponse{Success: false})
	require.Error(t, err)
	_, err = Result(r, nil)
	require.Error(t, err)
}

func TestStatic(t *testing.T) {
	s := NewStatic().Handle("risk", "read", func(_ context.Context, args map[string]any) (*contracts.ToolResponse, error) {
		return OK(map[string]any{"tract": args["tract"]}), nil
	})

	resp, err := s.Invoke(context.Background(), req("risk", "read", map[string]any{"tract": "T1"}))
	require.NoError(t, err)
	assert.Equal(t, "T1", resp.Data["tract"])
	assert.Equal(t, 1, s.Calls("risk", "read"))

	resp, err = s.Invoke(context.Background(), req("risk", "nope", nil))
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "not_found", resp.Error.Type)

	s.Fallback(func(context.Context, map[string]any) (*contracts.ToolResponse, error) {
		return OK(map[string]any{"fallback": true}), nil
	})
	resp, err = s.Invoke(context.Background(), req("risk", "nope", nil))
	require.NoError(t, err)
	assert.Equal(t, true, resp.Data["fallback"])
}

func TestEcho_Deterministic(t *testing.T) {
	e := Echo()
	a, err := e.Invoke(context.Background(), req("economics", "compute_npv", map[string]any{"tract": "T1"}))
	require.NoError(t, err)
	b, err := e.Invoke(context.Background(), req("economics", "compute_npv", map[string]any{"tract": "T1"}))
	require.NoError(t, err)
	assert.Equal(t, a.Data, b.Data)
	assert.Contains(t, a.Data, "npv")
	assert.Contains(t, a.Data, "summary")

	c, err := e.Invoke(context.Background(), req("geology", "read", map[string]any{
		contracts.ContextArgKey: map[string]any{"prior": map[string]any{"status": "success"}},
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"prior"}, c.Data["context_used"])
}

func TestRouter(t *testing.T) {
	r := NewRouter(nil)
	r.Route("geology", Echo())

	_, err := r.Invoke(context.Background(), req("geology", "read", nil))
	require.NoError(t, err)

	_, err = r.Invoke(context.Background(), req("title", "read", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no endpoint configured")
	assert.Equal(t, []string{"geology"}, r.Routes())
}

func TestCircuitBreaker(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("geology", 2, 10*time.Second).WithClock(func() time.Time { return now })

	assert.True(t, cb.Allow())
	cb.Failure()
	assert.Equal(t, StateClosed, cb.State())
	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow())

	now = now.Add(11 * time.Second)
	assert.True(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.False(t, cb.Allow(), "only one trial call while half open")

	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())

	now = now.Add(11 * time.Second)
	require.True(t, cb.Allow())
	cb.Success()
	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestParseEndpoints(t *testing.T) {
	m, err := ParseEndpoints("geology=http://localhost:9001, risk=https://risk.internal")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9001", m["geology"])
	assert.Len(t, m, 2)

	m, err = ParseEndpoints("")
	require.NoError(t, err)
	assert.Empty(t, m)

	_, err = ParseEndpoints("geology")
	require.Error(t, err)
	_, err = ParseEndpoints("geology=not-a-url")
	require.Error(t, err)
}

func TestHTTPInvoker_RoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/tools/read", r.URL.Path)

		var in contracts.ToolRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(contracts.ToolResponse{
			Success: true,
			Data:    map[string]any{"tract": in.Args["tract"]},
		})
	}))
	defer srv.Close()

	h := NewHTTPInvoker(map[string]string{"geology": srv.URL + "/"})
	resp, err := h.Invoke(context.Background(), req("geology", "read", map[string]any{"tract": "T7"}))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "T7", resp.Data["tract"])
}

func TestHTTPInvoker_ToolFailureEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(Fail("missing required field tract", "validation"))
	}))
	defer srv.Close()

	h := NewHTTPInvoker(map[string]string{"geology": srv.URL})
	resp, err := h.Invoke(context.Background(), req("geology", "read", nil))
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "validation", resp.Error.Type)
	assert.Equal(t, StateClosed, h.Breaker("geology").State())
}

func TestHTTPInvoker_StatusErrorsAndBreaker(t *testing.T) {
	status := http.StatusTooManyRequests
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	h := NewHTTPInvoker(map[string]string{"market": srv.URL}, WithBreaker(2, time.Hour))

	_, err := h.Invoke(context.Background(), req("market", "read", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")

	status = http.StatusBadGateway
	_, err = h.Invoke(context.Background(), req("market", "read", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service unavailable")

	_, err = h.Invoke(context.Background(), req("market", "read", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker open for market")
}

func TestHTTPInvoker_UnknownServer(t *testing.T) {
	h := NewHTTPInvoker(nil)
	_, err := h.Invoke(context.Background(), req("geology", "read", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no endpoint configured")
}

func TestHTTPInvoker_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	h := NewHTTPInvoker(map[string]string{"geology": srv.URL})
	_, err := h.Invoke(ctx, req("geology", "read", nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
