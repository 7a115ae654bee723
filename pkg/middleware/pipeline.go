package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/shaleyeah/toolkernel/pkg/audit"
	"github.com/shaleyeah/toolkernel/pkg/authz"
	"github.com/shaleyeah/toolkernel/pkg/contracts"
	"github.com/shaleyeah/toolkernel/pkg/observability"
	"github.com/shaleyeah/toolkernel/pkg/registry"
	"github.com/shaleyeah/toolkernel/pkg/resilience"
	"github.com/shaleyeah/toolkernel/pkg/toolclient"
)

// Config wires a Pipeline. Registry and Invoker are required; the rest
// default to permissive, silent implementations.
type Config struct {
	Registry      *registry.Registry
	Invoker       toolclient.Invoker
	Authz         *authz.Engine
	Retrier       *resilience.Retrier
	Throttle      *resilience.Throttle
	Audit         audit.Logger
	Redactor      *audit.Redactor
	Observability *observability.Provider
	Clock         func() time.Time
}

// Pipeline is the composed chain plus the recorder it audits through.
type Pipeline struct {
	handler  Handler
	recorder *Recorder
	clock    func() time.Time
	logger   *slog.Logger
}

// New composes the stages in their fixed order.
func New(cfg Config) *Pipeline {
	if cfg.Authz == nil {
		cfg.Authz = authz.NewEngine(false)
	}
	if cfg.Retrier == nil {
		cfg.Retrier = resilience.NewRetrier(resilience.DefaultPolicy(), nil)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	terminal := func(ctx context.Context, _ *Invocation) Outcome {
		return fail(contracts.NewKernelError(contracts.KindUserAction, "not_configured", errNoInvoker))
	}
	if cfg.Invoker != nil {
		terminal = Invoke(cfg.Invoker)
	}

	rec := NewRecorder(cfg.Audit, cfg.Redactor)
	rec.clock = cfg.Clock

	return &Pipeline{
		handler: Chain(terminal,
			Shaping(),
			Audit(rec),
			Observe(cfg.Observability),
			Resolve(cfg.Registry),
			Auth(cfg.Authz),
			Validate(cfg.Registry),
			Resilience(cfg.Retrier, cfg.Registry),
			Timeout(),
			Throttle(cfg.Throttle),
		),
		recorder: rec,
		clock:    cfg.Clock,
		logger:   slog.Default().With("component", "pipeline"),
	}
}

// Dispatch runs inv through every stage and stamps the timing.
func (p *Pipeline) Dispatch(ctx context.Context, inv *Invocation) Outcome {
	start := p.clock()
	out := p.handler(ctx, inv)
	out.StartedAt = start
	out.FinishedAt = p.clock()
	if out.Err != nil {
		p.logger.DebugContext(ctx, "call failed",
			"call_id", inv.CallID, "tool", inv.Call.Key(), "error", out.Err, "retries", out.RetryAttempts)
	}
	return out
}

// Recorder exposes the audit recorder for events outside a dispatch, such
// as staging or cancelling a gated call.
func (p *Pipeline) Recorder() *Recorder { return p.recorder }

// Result converts an outcome to the per-call result shape.
func Result(inv *Invocation, out Outcome) contracts.ExecutionResult {
	r := contracts.ExecutionResult{
		RequestID:         inv.RequestID,
		CallID:            inv.CallID,
		ServerID:          inv.Call.ServerID,
		ToolID:            inv.Call.ToolID,
		DetailLevel:       contracts.ParseDetailLevel(string(inv.DetailLevel)),
		RetryAttempts:     out.RetryAttempts,
		TotalRetryDelayMs: out.TotalRetryDelay.Milliseconds(),
		StartedAt:         out.StartedAt,
		FinishedAt:        out.FinishedAt,
	}
	if out.Err != nil {
		r.Status = contracts.StatusFailure
		r.Error = Detail(out.Err)
		return r
	}
	r.Status = contracts.StatusSuccess
	r.Value = out.Value
	return r
}
