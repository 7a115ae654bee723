package toolclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/shaleyeah/toolkernel/pkg/contracts"
)

const maxResponseBytes = 8 << 20

// HTTPInvoker posts the tool-call envelope to per-server endpoints at
// <base>/tools/<toolId>.
type HTTPInvoker struct {
	client       *http.Client
	endpoints    map[string]string
	threshold    int
	resetTimeout time.Duration
	logger       *slog.Logger

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// HTTPOption configures an HTTPInvoker.
type HTTPOption func(*HTTPInvoker)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPInvoker) { h.client = c }
}

// WithBreaker sets the circuit breaker threshold and reset timeout.
func WithBreaker(threshold int, resetTimeout time.Duration) HTTPOption {
	return func(h *HTTPInvoker) {
		h.threshold = threshold
		h.resetTimeout = resetTimeout
	}
}

// NewHTTPInvoker creates an invoker for the given server → base URL map.
func NewHTTPInvoker(endpoints map[string]string, opts ...HTTPOption) *HTTPInvoker {
	h := &HTTPInvoker{
		client:       &http.Client{Timeout: 60 * time.Second},
		endpoints:    make(map[string]string, len(endpoints)),
		threshold:    5,
		resetTimeout: 30 * time.Second,
		logger:       slog.Default().With("component", "toolclient"),
		breakers:     make(map[string]*CircuitBreaker),
	}
	for id, base := range endpoints {
		h.endpoints[id] = strings.TrimRight(base, "/")
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ParseEndpoints parses "server=url,server=url".
func ParseEndpoints(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, raw, ok := strings.Cut(part, "=")
		if !ok || id == "" || raw == "" {
			return nil, fmt.Errorf("invalid endpoint %q: want server=url", part)
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid endpoint url for %s: %q", id, raw)
		}
		out[strings.TrimSpace(id)] = raw
	}
	return out, nil
}

// Servers lists servers with a configured endpoint.
func (h *HTTPInvoker) Servers() []string {
	out := make([]string, 0, len(h.endpoints))
	for id := range h.endpoints {
		out = append(out, id)
	}
	return out
}

// Breaker returns the breaker for serverID, creating it on first use.
func (h *HTTPInvoker) Breaker(serverID string) *CircuitBreaker {
	h.mu.Lock()
	defer h.mu.Unlock()
	cb, ok := h.breakers[serverID]
	if !ok {
		cb = NewCircuitBreaker(serverID, h.threshold, h.resetTimeout)
		h.breakers[serverID] = cb
	}
	return cb
}

func (h *HTTPInvoker) Invoke(ctx context.Context, req contracts.ToolRequest) (*contracts.ToolResponse, error) {
	base, ok := h.endpoints[req.ServerID]
	if !ok {
		return nil, fmt.Errorf("no endpoint configured for server %q", req.ServerID)
	}

	cb := h.Breaker(req.ServerID)
	if !cb.Allow() {
		return nil, fmt.Errorf("circuit breaker open for %s", req.ServerID)
	}

	resp, err := h.do(ctx, base, req)
	if err != nil {
		cb.Failure()
		h.logger.WarnContext(ctx, "tool call failed",
			"server", req.ServerID, "tool", req.ToolID, "error", err, "breaker", cb.State())
		return nil, err
	}
	cb.Success()
	return resp, nil
}

func (h *HTTPInvoker) do(ctx context.Context, base string, req contracts.ToolRequest) (*contracts.ToolResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/tools/"+url.PathEscape(req.ToolID), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	httpResp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case httpResp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("rate limit exceeded (HTTP 429)")
	case httpResp.StatusCode >= 500:
		return nil, fmt.Errorf("service unavailable (HTTP %d)", httpResp.StatusCode)
	}

	var out contracts.ToolResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		if httpResp.StatusCode >= 400 {
			return nil, fmt.Errorf("tool %s returned HTTP %d", req.ToolID, httpResp.StatusCode)
		}
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}
