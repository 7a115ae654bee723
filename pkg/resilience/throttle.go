package resilience

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Throttle paces calls per tool server on the client side so bursts from a
// parallel phase do not trip server rate limits.
type Throttle struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewThrottle returns a per-server throttle, or nil when rps is not positive.
func NewThrottle(rps float64, burst int) *Throttle {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttle{limiters: make(map[string]*rate.Limiter), rps: rate.Limit(rps), burst: burst}
}

func (t *Throttle) limiter(serverID string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[serverID]
	if !ok {
		l = rate.NewLimiter(t.rps, t.burst)
		t.limiters[serverID] = l
	}
	return l
}

// Wait blocks until serverID may be called. A nil Throttle never waits.
func (t *Throttle) Wait(ctx context.Context, serverID string) error {
	if t == nil {
		return nil
	}
	return t.limiter(serverID).Wait(ctx)
}
