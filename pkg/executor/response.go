package executor

import (
	"time"

	"github.com/shaleyeah/toolkernel/pkg/contracts"
)

// Response is the aggregated envelope every mode returns.
type Response struct {
	RequestID  string                      `json:"request_id"`
	SessionID  string                      `json:"session_id"`
	Mode       contracts.Mode              `json:"mode"`
	Bundle     string                      `json:"bundle,omitempty"`
	Results    []contracts.ExecutionResult `json:"results"`
	Phases     []PhaseReport               `json:"phases,omitempty"`
	Summary    Summary                     `json:"summary"`
	StartedAt  time.Time                   `json:"started_at"`
	FinishedAt time.Time                   `json:"finished_at"`
}

// PhaseReport records which calls a bundle phase ran and when.
type PhaseReport struct {
	Name       string    `json:"name"`
	CallIDs    []string  `json:"call_ids"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Summary counts results by status.
type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	Skipped   int `json:"skipped"`
}

func newResponse(req contracts.ExecutionRequest, now time.Time) *Response {
	return &Response{
		RequestID: req.RequestID,
		SessionID: req.SessionID,
		Mode:      req.Mode,
		Bundle:    req.Bundle,
		Results:   []contracts.ExecutionResult{},
		StartedAt: now,
	}
}

func (r *Response) finish(now time.Time) {
	r.FinishedAt = now
	r.Summary = Summary{Total: len(r.Results)}
	for _, res := range r.Results {
		switch res.Status {
		case contracts.StatusSuccess:
			r.Summary.Succeeded++
		case contracts.StatusFailure:
			r.Summary.Failed++
		case contracts.StatusPending:
			r.Summary.Pending++
		case contracts.StatusSkipped:
			r.Summary.Skipped++
		}
	}
}

// Result returns the result for callID.
func (r *Response) Result(callID string) (contracts.ExecutionResult, bool) {
	for _, res := range r.Results {
		if res.CallID == callID {
			return res, true
		}
	}
	return contracts.ExecutionResult{}, false
}

// PendingTokens lists the confirmation tokens of staged calls.
func (r *Response) PendingTokens() []string {
	var out []string
	for _, res := range r.Results {
		if res.PendingToken != "" {
			out = append(out, res.PendingToken)
		}
	}
	return out
}
