package resilience

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/shaleyeah/toolkernel/pkg/contracts"
)

// Policy bounds retries.
type Policy struct {
	MaxRetries int
	// Jitter is the upper bound of the random extra delay as a fraction of
	// the computed delay.
	Jitter float64
}

// DefaultPolicy retries twice with up to 30% jitter.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 2, Jitter: 0.3}
}

// Delay returns base·2^attempt plus jitter; u is drawn from [0, 1).
func (p Policy) Delay(base time.Duration, attempt int, u float64) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	d := base * time.Duration(int64(1)<<attempt)
	return d + time.Duration(float64(d)*p.Jitter*u)
}

// Stats reports what a Do call spent on retries.
type Stats struct {
	RetryAttempts int
	TotalDelay    time.Duration
	Final         Classification
}

// Retrier runs an operation under a Policy.
type Retrier struct {
	policy     Policy
	classifier *Classifier
	sleep      func(ctx context.Context, d time.Duration) error
	rand       func() float64
	logger     *slog.Logger
}

// NewRetrier creates a retrier.
func NewRetrier(policy Policy, classifier *Classifier) *Retrier {
	if classifier == nil {
		classifier = NewClassifier(0)
	}
	return &Retrier{
		policy:     policy,
		classifier: classifier,
		sleep:      sleepContext,
		rand:       rand.Float64,
		logger:     slog.Default().With("component", "resilience"),
	}
}

// WithSleep overrides the backoff sleep for deterministic testing.
func (r *Retrier) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Retrier {
	r.sleep = sleep
	return r
}

// WithRand overrides the jitter source for deterministic testing.
func (r *Retrier) WithRand(fn func() float64) *Retrier {
	r.rand = fn
	return r
}

// Policy returns the retry policy.
func (r *Retrier) Policy() Policy { return r.policy }

// Classifier returns the classifier in use.
func (r *Retrier) Classifier() *Classifier { return r.classifier }

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn, retrying retryable failures up to MaxRetries times. A final
// failure is returned as a *contracts.KernelError carrying the original
// error, its class and a recovery suggestion.
func (r *Retrier) Do(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (any, Stats, error) {
	var stats Stats
	for attempt := 0; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, stats, nil
		}

		cl := r.classifier.Classify(err)
		stats.Final = cl
		if !cl.Kind.Retryable() || attempt >= r.policy.MaxRetries {
			return nil, stats, finalError(err, cl)
		}

		delay := r.policy.Delay(cl.BaseDelay, attempt, r.rand())
		r.logger.Warn("retrying tool call",
			"tool", name, "attempt", attempt+1, "code", cl.Code, "delay_ms", delay.Milliseconds(), "error", err)
		if serr := r.sleep(ctx, delay); serr != nil {
			return nil, stats, finalError(err, cl)
		}
		stats.RetryAttempts++
		stats.TotalDelay += delay
	}
}

func finalError(err error, cl Classification) *contracts.KernelError {
	if ke, ok := contracts.AsKernelError(err); ok {
		if ke.Detail.Suggestion == "" {
			ke.Detail.Suggestion = Suggest(ke.Detail.Kind)
		}
		return ke
	}
	ke := contracts.NewKernelError(cl.Kind, cl.Code, err)
	ke.Detail.Suggestion = Suggest(cl.Kind)
	return ke
}
