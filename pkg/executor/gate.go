package executor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/shaleyeah/toolkernel/pkg/audit"
	"github.com/shaleyeah/toolkernel/pkg/confirm"
	"github.com/shaleyeah/toolkernel/pkg/contracts"
	"github.com/shaleyeah/toolkernel/pkg/middleware"
)

// gated reports whether call must wait for confirmation. Unknown tools are
// never staged; the pipeline reports them as not found.
func (e *Engine) gated(req contracts.ExecutionRequest, call contracts.Call) bool {
	if e.cfg.Confirm == nil {
		return false
	}
	if req.ConfirmationRequired {
		return true
	}
	if !e.cfg.ConfirmCommands {
		return false
	}
	tool, err := e.cfg.Registry.Resolve(call.ServerID, call.ToolID)
	if err != nil {
		return false
	}
	return e.cfg.Registry.Classify(tool) == contracts.KindCommand
}

func (e *Engine) stage(ctx context.Context, span trace.Span, inv *middleware.Invocation) contracts.ExecutionResult {
	a := e.cfg.Confirm.Stage(ctx, confirm.Action{
		RequestID:   inv.RequestID,
		SessionID:   inv.SessionID,
		CallID:      inv.CallID,
		Call:        inv.Call,
		Identity:    inv.Identity,
		DetailLevel: inv.DetailLevel,
		Timeout:     inv.Timeout,
	})
	if tool, err := e.cfg.Registry.Resolve(inv.Call.ServerID, inv.Call.ToolID); err == nil {
		inv.Tool = tool
	}
	e.cfg.Pipeline.Recorder().Record(ctx, inv, audit.OutcomeStaged, nil, 0, 0)
	e.logger.InfoContext(ctx, "call staged for confirmation", "call_id", inv.CallID, "tool", inv.Call.Key())

	r := e.base(inv)
	r.Status = contracts.StatusPending
	r.PendingToken = a.Token
	return e.settle(ctx, span, inv, r, nil)
}

func invocationOf(a confirm.Action) *middleware.Invocation {
	return &middleware.Invocation{
		RequestID:   a.RequestID,
		CallID:      a.CallID,
		SessionID:   a.SessionID,
		Identity:    a.Identity,
		Call:        a.Call,
		Timeout:     a.Timeout,
		DetailLevel: a.DetailLevel,
	}
}

// ConfirmAction runs a staged call through the full pipeline and stores
// its result under the original call id.
func (e *Engine) ConfirmAction(ctx context.Context, token string) (contracts.ExecutionResult, error) {
	if e.cfg.Confirm == nil {
		return contracts.ExecutionResult{}, ErrGateDisabled
	}
	a, err := e.cfg.Confirm.Take(ctx, token)
	if err != nil {
		return contracts.ExecutionResult{}, err
	}
	if _, err := e.cfg.Sessions.Get(ctx, a.SessionID); err != nil {
		return contracts.ExecutionResult{}, fmt.Errorf("confirm %s: %w", a.CallID, err)
	}

	ctx, span := e.tracer.Start(ctx, "toolkernel.confirm "+a.Call.Key())
	defer span.End()

	inv := invocationOf(a)
	out := e.cfg.Pipeline.Dispatch(ctx, inv)
	return e.settle(ctx, span, inv, middleware.Result(inv, out), out.Raw), nil
}

// CancelAction discards a staged call. Nothing is dispatched.
func (e *Engine) CancelAction(ctx context.Context, token string) (contracts.ExecutionResult, error) {
	if e.cfg.Confirm == nil {
		return contracts.ExecutionResult{}, ErrGateDisabled
	}
	a, err := e.cfg.Confirm.Cancel(ctx, token)
	if err != nil {
		return contracts.ExecutionResult{}, err
	}
	inv := invocationOf(a)
	if tool, rerr := e.cfg.Registry.Resolve(a.Call.ServerID, a.Call.ToolID); rerr == nil {
		inv.Tool = tool
	}
	e.cfg.Pipeline.Recorder().Record(ctx, inv, audit.OutcomeCancelled, nil, 0, 0)

	r := e.base(inv)
	r.Status = contracts.StatusFailure
	r.Error = &contracts.ErrorDetail{
		Kind:    contracts.KindUserAction,
		Code:    "cancelled",
		Message: fmt.Sprintf("%s was cancelled before dispatch", a.Call.Key()),
	}
	return r, nil
}
