// Package executor runs tool calls through the dispatch pipeline as single
// calls, parallel scatter-gather batches or phased bundles, and holds
// side-effecting calls behind the confirmation gate.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/shaleyeah/toolkernel/pkg/bundles"
	"github.com/shaleyeah/toolkernel/pkg/confirm"
	"github.com/shaleyeah/toolkernel/pkg/contracts"
	"github.com/shaleyeah/toolkernel/pkg/middleware"
	"github.com/shaleyeah/toolkernel/pkg/observability"
	"github.com/shaleyeah/toolkernel/pkg/registry"
	"github.com/shaleyeah/toolkernel/pkg/session"
)

var (
	ErrInvalidRequest = errors.New("invalid execution request")
	ErrGateDisabled   = errors.New("confirmation gate is not configured")
)

// Config wires an Engine. Pipeline, Registry and Sessions are required.
type Config struct {
	Pipeline *middleware.Pipeline
	Registry *registry.Registry
	Sessions *session.Manager
	// Confirm holds gated calls. Nil disables the gate entirely.
	Confirm *confirm.Manager
	Bundles *bundles.Catalog
	// Conditions evaluates bundle step conditions; nil treats every
	// condition as true.
	Conditions *bundles.Conditions
	// ConfirmCommands stages every command-kind tool.
	ConfirmCommands bool
	MaxParallel     int
	CallTimeout     time.Duration
	Tracer          trace.Tracer
	Clock           func() time.Time
}

// Engine executes requests.
type Engine struct {
	cfg    Config
	tracer trace.Tracer
	clock  func() time.Time
	logger *slog.Logger
}

// New creates an engine.
func New(cfg Config) *Engine {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if cfg.Bundles == nil {
		cfg.Bundles = bundles.NewCatalog(bundles.Builtins()...)
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/shaleyeah/toolkernel/pkg/executor")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		cfg:    cfg,
		tracer: tracer,
		clock:  clock,
		logger: slog.Default().With("component", "executor"),
	}
}

// Bundles returns the bundle catalog.
func (e *Engine) Bundles() *bundles.Catalog { return e.cfg.Bundles }

// Execute dispatches req by mode. Individual call failures are reported in
// the response; the error return is for requests that cannot run at all.
func (e *Engine) Execute(ctx context.Context, req contracts.ExecutionRequest) (*Response, error) {
	return e.execute(ctx, req, nil)
}

// begin resolves the session and fixes the request id. A caller-supplied id
// must be fresh in the session: stored results are write-once, so a reused
// id would hand later calls the previous run's data.
func (e *Engine) begin(ctx context.Context, req *contracts.ExecutionRequest) (session.Session, error) {
	sess, err := e.cfg.Sessions.Get(ctx, req.SessionID)
	if err != nil {
		return session.Session{}, err
	}
	if req.ConfirmationRequired && e.cfg.Confirm == nil {
		return session.Session{}, fmt.Errorf("%w: confirmation requested: %w", ErrInvalidRequest, ErrGateDisabled)
	}
	explicit := req.RequestID != ""
	for _, c := range req.Calls {
		explicit = explicit || c.ID != ""
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if !explicit {
		return sess, nil
	}

	stored, err := e.cfg.Sessions.Results(ctx, sess.ID)
	if err != nil {
		return session.Session{}, err
	}
	prefix := req.RequestID + "/"
	for id := range stored {
		if strings.HasPrefix(id, prefix) {
			return session.Session{}, fmt.Errorf("%w: request id %q already has results in session %s", ErrInvalidRequest, req.RequestID, sess.ID)
		}
	}
	for _, c := range req.Calls {
		if _, ok := stored[c.ID]; ok && c.ID != "" {
			return session.Session{}, fmt.Errorf("%w: call id %q already has a result in session %s", ErrInvalidRequest, c.ID, sess.ID)
		}
	}
	return sess, nil
}

func (e *Engine) execute(ctx context.Context, req contracts.ExecutionRequest, bundle *bundles.Bundle) (*Response, error) {
	sess, err := e.begin(ctx, &req)
	if err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "toolkernel.execute", trace.WithAttributes(
		observability.AttrRequestID.String(req.RequestID),
		observability.AttrMode.String(string(req.Mode)),
	))
	defer span.End()

	resp := newResponse(req, e.clock())
	switch req.Mode {
	case contracts.ModeSingle, "":
		if len(req.Calls) != 1 {
			err = fmt.Errorf("%w: single mode takes exactly one call, got %d", ErrInvalidRequest, len(req.Calls))
			break
		}
		resp.Mode = contracts.ModeSingle
		calls := assignIDs(req.RequestID, req.Calls)
		resp.Results = []contracts.ExecutionResult{e.runCall(ctx, req, sess, calls[0], nil)}
	case contracts.ModeParallel:
		if len(req.Calls) == 0 {
			err = fmt.Errorf("%w: parallel mode needs at least one call", ErrInvalidRequest)
			break
		}
		resp.Results = e.RunParallel(ctx, req, sess, assignIDs(req.RequestID, req.Calls))
	case contracts.ModeBundle:
		if bundle == nil {
			var b bundles.Bundle
			if b, err = e.cfg.Bundles.Get(req.Bundle); err != nil {
				break
			}
			bundle = &b
		}
		err = e.runBundle(ctx, req, sess, *bundle, resp)
	default:
		err = fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, req.Mode)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	resp.finish(e.clock())
	span.SetAttributes(
		attribute.Int("toolkernel.results.succeeded", resp.Summary.Succeeded),
		attribute.Int("toolkernel.results.failed", resp.Summary.Failed),
	)
	return resp, nil
}

// RunSingle runs one call in the session.
func (e *Engine) RunSingle(ctx context.Context, sessionID string, call contracts.Call) (contracts.ExecutionResult, error) {
	resp, err := e.Execute(ctx, contracts.ExecutionRequest{
		SessionID:   sessionID,
		Mode:        contracts.ModeSingle,
		Calls:       []contracts.Call{call},
		DetailLevel: call.DetailLevel,
	})
	if err != nil {
		return contracts.ExecutionResult{}, err
	}
	return resp.Results[0], nil
}

// RunParallel runs calls with at most MaxParallel in flight. Every call
// settles on its own; a failure never cancels siblings. Results are
// aligned with calls.
func (e *Engine) RunParallel(ctx context.Context, req contracts.ExecutionRequest, sess session.Session, calls []contracts.Call) []contracts.ExecutionResult {
	return e.runParallel(ctx, req, sess, calls, nil)
}

func (e *Engine) runParallel(ctx context.Context, req contracts.ExecutionRequest, sess session.Session, calls []contracts.Call, cond func(contracts.Call) (bool, error)) []contracts.ExecutionResult {
	limit := req.MaxParallel
	if limit <= 0 {
		limit = e.cfg.MaxParallel
	}

	results := make([]contracts.ExecutionResult, len(calls))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = e.runCall(ctx, req, sess, call, cond)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// assignIDs gives every call a request-unique id. Repeats of the same tool
// get a #n suffix.
func assignIDs(requestID string, calls []contracts.Call) []contracts.Call {
	out := make([]contracts.Call, len(calls))
	seen := make(map[string]int, len(calls))
	for i, c := range calls {
		if c.ID == "" {
			c.ID = requestID + "/" + c.Key()
		}
		seen[c.ID]++
		if n := seen[c.ID]; n > 1 {
			c.ID += "#" + strconv.Itoa(n)
		}
		out[i] = c
	}
	return out
}

func (e *Engine) timeout(req contracts.ExecutionRequest, call contracts.Call) time.Duration {
	switch {
	case call.TimeoutMs > 0:
		return time.Duration(call.TimeoutMs) * time.Millisecond
	case req.TimeoutMs > 0:
		return time.Duration(req.TimeoutMs) * time.Millisecond
	default:
		return e.cfg.CallTimeout
	}
}

func detailLevel(req contracts.ExecutionRequest, call contracts.Call) contracts.DetailLevel {
	if call.DetailLevel != "" {
		return contracts.ParseDetailLevel(string(call.DetailLevel))
	}
	return contracts.ParseDetailLevel(string(req.DetailLevel))
}

// runCall settles one call: context injection, the gate, the pipeline and
// the session store. cond, when set, may skip the call.
func (e *Engine) runCall(ctx context.Context, req contracts.ExecutionRequest, sess session.Session, call contracts.Call, cond func(contracts.Call) (bool, error)) contracts.ExecutionResult {
	ctx, span := e.tracer.Start(ctx, "toolkernel.call "+call.Key(), trace.WithAttributes(
		observability.AttrCallID.String(call.ID),
		observability.AttrServerID.String(call.ServerID),
		observability.AttrToolID.String(call.ToolID),
	))
	defer span.End()

	inv := &middleware.Invocation{
		RequestID:   req.RequestID,
		CallID:      call.ID,
		SessionID:   sess.ID,
		Identity:    sess.Identity,
		Call:        call,
		Timeout:     e.timeout(req, call),
		DetailLevel: detailLevel(req, call),
	}

	if cond != nil {
		run, err := cond(call)
		if err != nil {
			return e.settle(ctx, span, inv, e.failed(inv, contracts.NewKernelError(contracts.KindPermanent, "condition_error", err)), nil)
		}
		if !run {
			r := e.base(inv)
			r.Status = contracts.StatusSkipped
			return e.settle(ctx, span, inv, r, nil)
		}
	}

	injected, err := e.cfg.Sessions.InjectContext(ctx, sess.ID, call)
	if err != nil {
		code := "context_unavailable"
		if errors.Is(err, session.ErrUnresolvedBinding) {
			code = "unresolved_binding"
		}
		return e.settle(ctx, span, inv, e.failed(inv, contracts.NewKernelError(contracts.KindPermanent, code, err)), nil)
	}
	inv.Call = injected

	if e.gated(req, call) {
		return e.stage(ctx, span, inv)
	}

	out := e.cfg.Pipeline.Dispatch(ctx, inv)
	return e.settle(ctx, span, inv, middleware.Result(inv, out), out.Raw)
}

func (e *Engine) base(inv *middleware.Invocation) contracts.ExecutionResult {
	now := e.clock()
	return contracts.ExecutionResult{
		RequestID:   inv.RequestID,
		CallID:      inv.CallID,
		ServerID:    inv.Call.ServerID,
		ToolID:      inv.Call.ToolID,
		DetailLevel: inv.DetailLevel,
		StartedAt:   now,
		FinishedAt:  now,
	}
}

func (e *Engine) failed(inv *middleware.Invocation, err error) contracts.ExecutionResult {
	r := e.base(inv)
	r.Status = contracts.StatusFailure
	r.Error = middleware.Detail(err)
	return r
}

// settle stores r in the session, keeping the unshaped value so later
// calls see full data, and returns r to the caller.
func (e *Engine) settle(ctx context.Context, span trace.Span, inv *middleware.Invocation, r contracts.ExecutionResult, raw any) contracts.ExecutionResult {
	span.SetAttributes(
		observability.AttrStatus.String(string(r.Status)),
		observability.AttrRetries.Int(r.RetryAttempts),
	)
	if r.Error != nil {
		span.SetAttributes(observability.AttrErrorKind.String(string(r.Error.Kind)))
		span.SetStatus(codes.Error, r.Error.Message)
	}
	if r.Status == contracts.StatusPending {
		return r
	}

	stored := r
	if r.Status == contracts.StatusSuccess {
		stored.Value = raw
	}
	if _, err := e.cfg.Sessions.StoreResult(ctx, inv.SessionID, inv.CallID, stored); err != nil {
		e.logger.ErrorContext(ctx, "store result failed", "call_id", inv.CallID, "error", err)
	}
	return r
}
