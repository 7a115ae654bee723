package toolclient

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/shaleyeah/toolkernel/pkg/contracts"
)

// Handler answers one tool in-process.
type Handler func(ctx context.Context, args map[string]any) (*contracts.ToolResponse, error)

// Static serves in-process handlers keyed by "server.tool".
type Static struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	calls    map[string]int
	fallback Handler
}

// NewStatic creates an empty static invoker.
func NewStatic() *Static {
	return &Static{
		handlers: make(map[string]Handler),
		calls:    make(map[string]int),
	}
}

// Handle registers h for server.tool.
func (s *Static) Handle(serverID, toolID string, h Handler) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[serverID+"."+toolID] = h
	return s
}

// Fallback answers tools without a handler.
func (s *Static) Fallback(h Handler) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = h
	return s
}

// Calls reports how many times server.tool was invoked.
func (s *Static) Calls(serverID, toolID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[serverID+"."+toolID]
}

func (s *Static) Invoke(ctx context.Context, req contracts.ToolRequest) (*contracts.ToolResponse, error) {
	key := req.ServerID + "." + req.ToolID
	s.mu.Lock()
	s.calls[key]++
	h, ok := s.handlers[key]
	if !ok {
		h = s.fallback
	}
	s.mu.Unlock()

	if h == nil {
		return Fail("tool "+key+" not found", "not_found"), nil
	}
	return h(ctx, req.Args)
}

// OK wraps data in a success envelope.
func OK(data map[string]any) *contracts.ToolResponse {
	return &contracts.ToolResponse{Success: true, Data: data}
}

// Fail builds a failure envelope.
func Fail(message, typ string) *contracts.ToolResponse {
	return &contracts.ToolResponse{Success: false, Error: &contracts.ToolFault{Message: message, Type: typ}}
}

// Echo is the demo invoker: every tool succeeds with deterministic data
// derived from its server, tool and arguments.
func Echo() Invoker {
	return InvokerFunc(func(_ context.Context, req contracts.ToolRequest) (*contracts.ToolResponse, error) {
		return OK(echoData(req)), nil
	})
}

func echoData(req contracts.ToolRequest) map[string]any {
	argsJSON, _ := json.Marshal(req.Args)
	sum := sha256.Sum256(append([]byte(req.ServerID+"."+req.ToolID+":"), argsJSON...))
	seed := binary.BigEndian.Uint64(sum[:8])
	score := float64(seed%1000) / 10

	keys := make([]string, 0, len(req.Args))
	for k := range req.Args {
		if k != contracts.ContextArgKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var refs []string
	if ctxArg, ok := req.Args[contracts.ContextArgKey].(map[string]any); ok {
		for alias := range ctxArg {
			refs = append(refs, alias)
		}
		sort.Strings(refs)
	}

	data := map[string]any{
		"id":      fmt.Sprintf("%s-%x", req.ServerID, sum[:4]),
		"status":  "complete",
		"summary": fmt.Sprintf("%s.%s completed with score %.1f", req.ServerID, req.ToolID, score),
		"score":   score,
		"findings": []any{
			fmt.Sprintf("%s analysis over %d argument(s)", req.ServerID, len(keys)),
		},
		"metrics": map[string]any{
			"confidence": float64(seed%100) / 100,
			"inputs":     len(keys),
		},
	}
	if len(refs) > 0 {
		data["context_used"] = refs
	}
	switch req.ServerID {
	case "economics":
		data["npv"] = float64(seed%5000000) / 100
		data["irr"] = float64(seed%400) / 1000
		data["recommendation"] = "proceed"
	case "risk":
		data["risk_score"] = score
		data["risk_level"] = riskLevel(score)
	}
	return data
}

func riskLevel(score float64) string {
	switch {
	case score >= 70:
		return "high"
	case score >= 40:
		return "medium"
	default:
		return "low"
	}
}
