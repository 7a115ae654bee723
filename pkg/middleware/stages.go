package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaleyeah/toolkernel/pkg/audit"
	"github.com/shaleyeah/toolkernel/pkg/authz"
	"github.com/shaleyeah/toolkernel/pkg/contracts"
	"github.com/shaleyeah/toolkernel/pkg/observability"
	"github.com/shaleyeah/toolkernel/pkg/registry"
	"github.com/shaleyeah/toolkernel/pkg/resilience"
	"github.com/shaleyeah/toolkernel/pkg/shaping"
	"github.com/shaleyeah/toolkernel/pkg/toolclient"
)

// Shaping filters the raw value down to the invocation's detail level.
func Shaping() Stage {
	return func(next Handler) Handler {
		return func(ctx context.Context, inv *Invocation) Outcome {
			inv.DetailLevel = contracts.ParseDetailLevel(string(inv.DetailLevel))
			out := next(ctx, inv)
			if out.Err == nil {
				out.Value = shaping.Shape(out.Raw, inv.DetailLevel, inv.Tool.Fields)
			}
			return out
		}
	}
}

// Audit records exactly one entry per invocation. A failing sink is
// logged and never fails the call.
func Audit(rec *Recorder) Stage {
	return func(next Handler) Handler {
		return func(ctx context.Context, inv *Invocation) Outcome {
			start := rec.clock()
			out := next(ctx, inv)
			rec.Record(ctx, inv, OutcomeOf(out.Err), out.Err, out.RetryAttempts, rec.clock().Sub(start))
			return out
		}
	}
}

// Observe traces the call and feeds RED metrics and server health.
func Observe(p *observability.Provider) Stage {
	return func(next Handler) Handler {
		if p == nil {
			return next
		}
		return func(ctx context.Context, inv *Invocation) Outcome {
			attrs := observability.ToolCall(inv.Call.ServerID, inv.Call.ToolID)
			start := time.Now()
			ctx, done := p.TrackOperation(ctx, "toolkernel.call", attrs...)
			observability.AddSpanEvent(ctx, "dispatch",
				observability.AttrCallID.String(inv.CallID),
				observability.AttrRequestID.String(inv.RequestID),
			)
			out := next(ctx, inv)
			p.RecordRetries(ctx, out.RetryAttempts, attrs...)
			p.Health().Record(observability.Observation{
				ServerID: inv.Call.ServerID,
				Latency:  time.Since(start),
				Success:  out.Err == nil,
			})
			done(out.Err)
			return out
		}
	}
}

// Resolve looks the tool up. Unknown tools fail with KindNotFound and a
// pointer to similar tools.
func Resolve(reg *registry.Registry) Stage {
	return func(next Handler) Handler {
		return func(ctx context.Context, inv *Invocation) Outcome {
			tool, err := reg.Resolve(inv.Call.ServerID, inv.Call.ToolID)
			if err != nil {
				ke := contracts.NewKernelError(contracts.KindNotFound, "tool_not_found", err)
				ke.Detail.Suggestion = resilience.Suggest(contracts.KindNotFound)
				if inv.Call.ToolID != "" {
					for _, t := range reg.FindCapability(inv.Call.ToolID) {
						ke.Detail.AlternativeTool = t.Key()
						break
					}
				}
				return fail(ke)
			}
			inv.Tool = tool
			return next(ctx, inv)
		}
	}
}

// Auth enforces the tool's required permission against the caller's role.
func Auth(engine *authz.Engine) Stage {
	return func(next Handler) Handler {
		return func(ctx context.Context, inv *Invocation) Outcome {
			if err := engine.Check(ctx, inv.Identity, inv.Tool.RequiredPermission); err != nil {
				return fail(err)
			}
			return next(ctx, inv)
		}
	}
}

// Validate checks arguments against the tool's input schema.
func Validate(reg *registry.Registry) Stage {
	return func(next Handler) Handler {
		return func(ctx context.Context, inv *Invocation) Outcome {
			if err := reg.ValidateArgs(inv.Tool, inv.Call.Args); err != nil {
				ke := contracts.NewKernelError(contracts.KindPermanent, "invalid_arguments", err)
				ke.Detail.Suggestion = "fix the arguments to match the tool's input schema"
				return fail(ke)
			}
			return next(ctx, inv)
		}
	}
}

// Resilience retries retryable failures and classifies the final one,
// attaching a recovery suggestion and an alternative tool.
func Resilience(r *resilience.Retrier, reg *registry.Registry) Stage {
	return func(next Handler) Handler {
		return func(ctx context.Context, inv *Invocation) Outcome {
			v, stats, err := r.Do(ctx, inv.Call.Key(), func(ctx context.Context) (any, error) {
				out := next(ctx, inv)
				return out.Raw, out.Err
			})
			out := Outcome{
				Raw:             v,
				RetryAttempts:   stats.RetryAttempts,
				TotalRetryDelay: stats.TotalDelay,
			}
			if err != nil {
				if ke, ok := contracts.AsKernelError(err); ok && ke.Detail.AlternativeTool == "" {
					for _, alt := range reg.Alternatives(inv.Tool) {
						ke.Detail.AlternativeTool = alt.Key()
						break
					}
				}
				out.Err = err
			}
			return out
		}
	}
}

// Timeout bounds each attempt. An attempt that overruns is abandoned, not
// killed: it keeps running on a detached context and its late result is
// discarded. Cancelling the caller's context still reaches the attempt, and
// an abandoned attempt is cut off once it has run for twice the timeout.
func Timeout() Stage {
	return func(next Handler) Handler {
		return func(ctx context.Context, inv *Invocation) Outcome {
			if inv.Timeout <= 0 {
				return next(ctx, inv)
			}
			attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*inv.Timeout)
			stop := context.AfterFunc(ctx, cancel)

			done := make(chan Outcome, 1)
			go func() {
				defer cancel()
				defer stop()
				done <- next(attemptCtx, inv)
			}()

			timer := time.NewTimer(inv.Timeout)
			defer timer.Stop()
			select {
			case out := <-done:
				return out
			case <-ctx.Done():
				return fail(contracts.NewKernelError(contracts.KindPermanent, "cancelled", ctx.Err()))
			case <-timer.C:
				return fail(contracts.NewKernelError(contracts.KindRetryable, "timeout",
					fmt.Errorf("%s timed out after %s", inv.Call.Key(), inv.Timeout)))
			}
		}
	}
}

// Throttle paces calls per server. A wait the attempt cannot afford is a
// timeout, retryable like any other.
func Throttle(t *resilience.Throttle) Stage {
	return func(next Handler) Handler {
		if t == nil {
			return next
		}
		return func(ctx context.Context, inv *Invocation) Outcome {
			if err := t.Wait(ctx, inv.Call.ServerID); err != nil {
				if errors.Is(ctx.Err(), context.Canceled) {
					return fail(contracts.NewKernelError(contracts.KindPermanent, "cancelled", err))
				}
				return fail(contracts.NewKernelError(contracts.KindRetryable, "timeout",
					fmt.Errorf("%s: waiting for %s rate limit: %w", inv.Call.Key(), inv.Call.ServerID, err)))
			}
			return next(ctx, inv)
		}
	}
}

// Invoke is the terminal handler sending the call to its tool.
func Invoke(inv toolclient.Invoker) Handler {
	return func(ctx context.Context, in *Invocation) Outcome {
		req := contracts.ToolRequest{ServerID: in.Call.ServerID, ToolID: in.Call.ToolID, Args: in.Call.Args}
		resp, err := inv.Invoke(ctx, req)
		if err != nil {
			return fail(err)
		}
		data, err := toolclient.Result(req, resp)
		if err != nil {
			return fail(err)
		}
		return Outcome{Raw: data}
	}
}

// OutcomeOf maps an error to its audit outcome.
func OutcomeOf(err error) audit.Outcome {
	if err == nil {
		return audit.OutcomeSuccess
	}
	if ke, ok := contracts.AsKernelError(err); ok {
		switch ke.Detail.Kind {
		case contracts.KindPermissionDenied:
			return audit.OutcomeDenied
		case contracts.KindNotFound:
			return audit.OutcomeNotFound
		}
	}
	return audit.OutcomeFailure
}

// Recorder turns invocations into audit entries.
type Recorder struct {
	log      audit.Logger
	redactor *audit.Redactor
	logger   *slog.Logger
	clock    func() time.Time
}

// NewRecorder creates a recorder. A nil log records nothing.
func NewRecorder(log audit.Logger, redactor *audit.Redactor) *Recorder {
	if log == nil {
		log = audit.Nop()
	}
	if redactor == nil {
		redactor = audit.NewRedactor()
	}
	return &Recorder{
		log:      log,
		redactor: redactor,
		logger:   slog.Default().With("component", "audit"),
		clock:    time.Now,
	}
}

// Record writes one entry for inv.
func (r *Recorder) Record(ctx context.Context, inv *Invocation, outcome audit.Outcome, err error, retries int, elapsed time.Duration) {
	redacted := r.redactor.Redact(inv.Call.Args, inv.Tool.SensitiveArgs)
	digest, derr := audit.Digest(redacted)
	if derr != nil {
		r.logger.WarnContext(ctx, "args digest failed", "call_id", inv.CallID, "error", derr)
	}

	e := audit.Entry{
		RequestID:     inv.RequestID,
		CallID:        inv.CallID,
		SessionID:     inv.SessionID,
		UserID:        inv.Identity.UserID,
		Role:          inv.Identity.Role,
		ServerID:      inv.Call.ServerID,
		ToolID:        inv.Call.ToolID,
		ArgsRedacted:  redacted,
		ArgsDigest:    digest,
		Outcome:       outcome,
		RetryAttempts: retries,
		DurationMs:    elapsed.Milliseconds(),
	}
	if d := Detail(err); d != nil {
		e.ErrorKind = d.Kind
		e.ErrorCode = d.Code
	}
	if werr := r.log.Record(ctx, e); werr != nil {
		r.logger.ErrorContext(ctx, "audit write failed", "call_id", inv.CallID, "error", werr)
	}
}

var errNoInvoker = errors.New("no tool invoker configured")
