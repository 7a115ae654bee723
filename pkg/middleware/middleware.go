// Package middleware composes the dispatch pipeline every tool call passes
// through. Stages wrap a Handler; the fixed order is
//
//	shaping → audit → observe → resolve → auth → validate → resilience → timeout → throttle → invoke
//
// so that a denial short-circuits the retry loop while audit still records
// it, and shaping applies to whatever comes back.
package middleware

import (
	"context"
	"time"

	"github.com/shaleyeah/toolkernel/pkg/contracts"
	"github.com/shaleyeah/toolkernel/pkg/registry"
)

// Invocation is one dispatch of one call. Stages may fill in fields for the
// stages around them; Tool is set by the resolve stage.
type Invocation struct {
	RequestID   string
	CallID      string
	SessionID   string
	Identity    contracts.UserIdentity
	Call        contracts.Call
	Tool        registry.ToolDescriptor
	Timeout     time.Duration
	DetailLevel contracts.DetailLevel
}

// Outcome is what a Handler returns. Raw is the unshaped tool data, Value
// the data shaped to the caller's detail level.
type Outcome struct {
	Value           any
	Raw             any
	Err             error
	RetryAttempts   int
	TotalRetryDelay time.Duration
	StartedAt       time.Time
	FinishedAt      time.Time
}

// Handler runs an invocation.
type Handler func(ctx context.Context, inv *Invocation) Outcome

// Stage wraps a Handler.
type Stage func(next Handler) Handler

// Chain applies stages in declaration order: the first stage is outermost.
func Chain(h Handler, stages ...Stage) Handler {
	wrapped := h
	for i := len(stages) - 1; i >= 0; i-- {
		if stages[i] == nil {
			continue
		}
		wrapped = stages[i](wrapped)
	}
	return wrapped
}

func fail(err error) Outcome { return Outcome{Err: err} }

// Detail converts an outcome error into the result error shape.
func Detail(err error) *contracts.ErrorDetail {
	if err == nil {
		return nil
	}
	if ke, ok := contracts.AsKernelError(err); ok {
		d := ke.Detail
		return &d
	}
	return &contracts.ErrorDetail{Kind: contracts.KindPermanent, Code: "tool_error", Message: err.Error()}
}
