package observability

import (
	"sort"
	"sync"
	"time"
)

// maxObservations bounds the per-server history.
const maxObservations = 1024

// HealthTarget is the objective a server is judged against.
type HealthTarget struct {
	LatencyP99  time.Duration `json:"latency_p99"`
	SuccessRate float64       `json:"success_rate"` // 0-1
	Window      time.Duration `json:"window"`
}

// DefaultHealthTarget applies to servers without an explicit target.
var DefaultHealthTarget = HealthTarget{
	LatencyP99:  10 * time.Second,
	SuccessRate: 0.9,
	Window:      time.Hour,
}

// Observation is one settled tool call.
type Observation struct {
	ServerID  string        `json:"server_id"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}

// ServerHealth reports a server's current standing.
type ServerHealth struct {
	ServerID        string  `json:"server_id"`
	P99Ms           float64 `json:"p99_ms"`
	SuccessRate     float64 `json:"success_rate"`
	Healthy         bool    `json:"healthy"`
	BurnRate        float64 `json:"burn_rate"`
	ErrorBudgetLeft float64 `json:"error_budget_left"`
	Observations    int     `json:"observations"`
}

// HealthTracker keeps a sliding window of call outcomes per server.
type HealthTracker struct {
	mu           sync.Mutex
	targets      map[string]HealthTarget
	observations map[string][]Observation
	clock        func() time.Time
}

// NewHealthTracker creates an empty tracker.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		targets:      make(map[string]HealthTarget),
		observations: make(map[string][]Observation),
		clock:        time.Now,
	}
}

// WithClock overrides clock for testing.
func (t *HealthTracker) WithClock(clock func() time.Time) *HealthTracker {
	t.clock = clock
	return t
}

// SetTarget overrides the target for one server.
func (t *HealthTracker) SetTarget(serverID string, target HealthTarget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[serverID] = target
}

// Record appends an observation, dropping the oldest past the cap.
func (t *HealthTracker) Record(obs Observation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if obs.Timestamp.IsZero() {
		obs.Timestamp = t.clock()
	}
	list := append(t.observations[obs.ServerID], obs)
	if len(list) > maxObservations {
		list = list[len(list)-maxObservations:]
	}
	t.observations[obs.ServerID] = list
}

// Status computes health for one server. A server with no observations
// in the window is healthy.
func (t *HealthTracker) Status(serverID string) ServerHealth {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusLocked(serverID)
}

// Snapshot returns the status of every observed server, sorted by ID.
func (t *HealthTracker) Snapshot() []ServerHealth {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.observations))
	for id := range t.observations {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]ServerHealth, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.statusLocked(id))
	}
	return out
}

func (t *HealthTracker) statusLocked(serverID string) ServerHealth {
	target, ok := t.targets[serverID]
	if !ok {
		target = DefaultHealthTarget
	}

	windowStart := t.clock().Add(-target.Window)
	var windowed []Observation
	for _, obs := range t.observations[serverID] {
		if obs.Timestamp.After(windowStart) {
			windowed = append(windowed, obs)
		}
	}

	if len(windowed) == 0 {
		return ServerHealth{
			ServerID:        serverID,
			SuccessRate:     1,
			Healthy:         true,
			ErrorBudgetLeft: 100,
		}
	}

	successes := 0
	latencies := make([]float64, len(windowed))
	for i, obs := range windowed {
		if obs.Success {
			successes++
		}
		latencies[i] = float64(obs.Latency.Milliseconds())
	}
	successRate := float64(successes) / float64(len(windowed))

	sort.Float64s(latencies)
	idx := int(float64(len(latencies)) * 0.99)
	if idx >= len(latencies) {
		idx = len(latencies) - 1
	}
	p99 := latencies[idx]

	errorRate := 1 - successRate
	errorBudget := 1 - target.SuccessRate
	var burnRate, budgetLeft float64
	switch {
	case errorBudget > 0:
		burnRate = errorRate / errorBudget
		budgetLeft = 100 * (1 - burnRate)
		if budgetLeft < 0 {
			budgetLeft = 0
		}
	case errorRate == 0:
		budgetLeft = 100
	}

	return ServerHealth{
		ServerID:        serverID,
		P99Ms:           p99,
		SuccessRate:     successRate,
		Healthy:         p99 <= float64(target.LatencyP99.Milliseconds()) && successRate >= target.SuccessRate,
		BurnRate:        burnRate,
		ErrorBudgetLeft: budgetLeft,
		Observations:    len(windowed),
	}
}
