// Package toolclient implements the tool-call contract: a request
// {serverId, toolId, args} yields {success, data?, error?}.
package toolclient

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shaleyeah/toolkernel/pkg/contracts"
)

// Invoker sends one request to a domain tool. A nil error with
// Success=false is a tool-reported failure; a non-nil error is a
// transport failure.
type Invoker interface {
	Invoke(ctx context.Context, req contracts.ToolRequest) (*contracts.ToolResponse, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, req contracts.ToolRequest) (*contracts.ToolResponse, error)

func (f InvokerFunc) Invoke(ctx context.Context, req contracts.ToolRequest) (*contracts.ToolResponse, error) {
	return f(ctx, req)
}

// Result unwraps a response into its data or a *contracts.ToolError.
func Result(req contracts.ToolRequest, resp *contracts.ToolResponse) (map[string]any, error) {
	if err := resp.Validate(); err != nil {
		return nil, fmt.Errorf("%s.%s: %w", req.ServerID, req.ToolID, err)
	}
	if !resp.Success {
		return nil, &contracts.ToolError{
			ServerID: req.ServerID,
			ToolID:   req.ToolID,
			Type:     resp.Error.Type,
			Message:  resp.Error.Message,
		}
	}
	if resp.Data == nil {
		return map[string]any{}, nil
	}
	return resp.Data, nil
}

// Router dispatches by server id, falling back when no route matches.
type Router struct {
	mu       sync.RWMutex
	routes   map[string]Invoker
	fallback Invoker
}

// NewRouter creates a router. fallback may be nil.
func NewRouter(fallback Invoker) *Router {
	return &Router{routes: make(map[string]Invoker), fallback: fallback}
}

// Route sends every call for serverID to inv.
func (r *Router) Route(serverID string, inv Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[serverID] = inv
}

// Routes lists routed server ids.
func (r *Router) Routes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.routes))
	for id := range r.routes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Router) Invoke(ctx context.Context, req contracts.ToolRequest) (*contracts.ToolResponse, error) {
	r.mu.RLock()
	inv, ok := r.routes[req.ServerID]
	r.mu.RUnlock()
	if !ok {
		inv = r.fallback
	}
	if inv == nil {
		return nil, fmt.Errorf("no endpoint configured for server %q", req.ServerID)
	}
	return inv.Invoke(ctx, req)
}
