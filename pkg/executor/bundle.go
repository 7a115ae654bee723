package executor

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/shaleyeah/toolkernel/pkg/bundles"
	"github.com/shaleyeah/toolkernel/pkg/contracts"
	"github.com/shaleyeah/toolkernel/pkg/observability"
	"github.com/shaleyeah/toolkernel/pkg/session"
)

// RunBundle runs b, which need not be in the catalog, with the same
// request handling as Execute. Each phase runs in parallel and fully
// settles, results stored, before the next one starts.
func (e *Engine) RunBundle(ctx context.Context, req contracts.ExecutionRequest, b bundles.Bundle) (*Response, error) {
	req.Mode = contracts.ModeBundle
	req.Bundle = b.Name
	return e.execute(ctx, req, &b)
}

func (e *Engine) runBundle(ctx context.Context, req contracts.ExecutionRequest, sess session.Session, b bundles.Bundle, resp *Response) error {
	if err := bundles.Validate(b, e.cfg.Registry, e.cfg.Conditions); err != nil {
		return err
	}
	resp.Mode = contracts.ModeBundle
	resp.Bundle = b.Name

	callIDs := map[string]string{} // step key → call id
	var earlier []string
	for i, phase := range b.Phases {
		phaseCtx, span := e.tracer.Start(ctx, "toolkernel.phase "+phase.Name,
			trace.WithAttributes(observability.BundlePhase(b.Name, phase.Name, i)...))

		calls := make([]contracts.Call, len(phase.Steps))
		steps := make(map[string]bundles.Step, len(phase.Steps))
		for j, s := range phase.Steps {
			call := stepCall(req, s, callIDs, earlier)
			calls[j] = call
			steps[call.ID] = s
		}

		cond := func(call contracts.Call) (bool, error) {
			s := steps[call.ID]
			if s.When == "" || e.cfg.Conditions == nil {
				return true, nil
			}
			view, err := e.resultView(phaseCtx, sess.ID, callIDs)
			if err != nil {
				return false, err
			}
			return e.cfg.Conditions.Eval(s.When, view, req.BundleArgs)
		}

		started := e.clock()
		results := e.runParallel(phaseCtx, req, sess, calls, cond)
		resp.Results = append(resp.Results, results...)
		report := PhaseReport{Name: phase.Name, StartedAt: started, FinishedAt: e.clock()}
		for _, c := range calls {
			report.CallIDs = append(report.CallIDs, c.ID)
		}
		resp.Phases = append(resp.Phases, report)
		span.End()

		for _, s := range phase.Steps {
			callIDs[s.Key()] = req.RequestID + "/" + s.Key()
			earlier = append(earlier, s.Key())
		}
	}
	return nil
}

// stepCall builds the call for a step. Bundle arguments are the base and
// step arguments override them.
func stepCall(req contracts.ExecutionRequest, s bundles.Step, callIDs map[string]string, earlier []string) contracts.Call {
	args := make(map[string]any, len(req.BundleArgs)+len(s.Args))
	for k, v := range req.BundleArgs {
		args[k] = v
	}
	for k, v := range s.Args {
		args[k] = v
	}

	needs := s.Needs
	if len(needs) == 0 {
		needs = earlier
	}
	var refs map[string]string
	if len(needs) > 0 {
		refs = make(map[string]string, len(needs))
		for _, key := range needs {
			if id, ok := callIDs[key]; ok {
				refs[key] = id
			}
		}
	}

	return contracts.Call{
		ID:          req.RequestID + "/" + s.Key(),
		ServerID:    s.ServerID,
		ToolID:      s.ToolID,
		Args:        args,
		ContextRefs: refs,
		DetailLevel: s.DetailLevel,
	}
}

// resultView exposes stored results to step conditions, keyed by step key.
func (e *Engine) resultView(ctx context.Context, sessionID string, callIDs map[string]string) (map[string]any, error) {
	view := make(map[string]any, len(callIDs))
	for key, id := range callIDs {
		r, ok, err := e.cfg.Sessions.Result(ctx, sessionID, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		entry := map[string]any{"status": string(r.Status)}
		if r.Value != nil {
			entry["data"] = r.Value
		}
		if r.Error != nil {
			entry["error"] = map[string]any{"kind": string(r.Error.Kind), "code": r.Error.Code, "message": r.Error.Message}
		}
		view[key] = entry
	}
	return view, nil
}
