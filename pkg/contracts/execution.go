// Package contracts holds the value types shared by the kernel components:
// calls, requests, results, identities and the failure taxonomy.
package contracts

import "time"

// Mode selects how an ExecutionRequest is run.
type Mode string

const (
	ModeSingle   Mode = "single"
	ModeParallel Mode = "parallel"
	ModeBundle   Mode = "bundle"
)

// Call is one tool invocation inside a request.
type Call struct {
	ID       string         `json:"id,omitempty"`
	ServerID string         `json:"server_id"`
	ToolID   string         `json:"tool_id"`
	Args     map[string]any `json:"args,omitempty"`

	// ContextRefs maps an alias to a call id whose stored result is injected
	// under ContextArgKey before dispatch.
	ContextRefs map[string]string `json:"context_refs,omitempty"`
	// Bindings maps an argument name to "callID" or "callID.path.to.field";
	// the referenced value of a prior successful result becomes the argument.
	Bindings map[string]string `json:"bindings,omitempty"`

	TimeoutMs   int         `json:"timeout_ms,omitempty"`
	DetailLevel DetailLevel `json:"detail_level,omitempty"`
}

// Key returns "server.tool".
func (c Call) Key() string { return c.ServerID + "." + c.ToolID }

// ContextArgKey is the argument under which referenced results are injected.
const ContextArgKey = "_context"

// ExecutionRequest is created per invocation and not persisted beyond the response.
type ExecutionRequest struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
	Calls     []Call `json:"calls,omitempty"`
	Mode      Mode   `json:"mode"`
	// Bundle names a predeclared bundle when Mode is ModeBundle.
	Bundle      string         `json:"bundle,omitempty"`
	BundleArgs  map[string]any `json:"bundle_args,omitempty"`
	MaxParallel int            `json:"max_parallel,omitempty"`
	TimeoutMs   int            `json:"timeout_ms,omitempty"`
	// ConfirmationRequired stages every call behind the confirmation gate,
	// not only commands. It cannot lift the gate for commands.
	ConfirmationRequired bool        `json:"confirmation_required,omitempty"`
	DetailLevel          DetailLevel `json:"detail_level,omitempty"`
}

// Status is the settled state of one call.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	// StatusPending marks a call staged behind the confirmation gate.
	StatusPending Status = "pending"
	// StatusSkipped marks a bundle step whose condition evaluated false.
	StatusSkipped Status = "skipped"
)

// ExecutionResult is the outcome of exactly one call.
type ExecutionResult struct {
	RequestID         string       `json:"request_id"`
	CallID            string       `json:"call_id"`
	ServerID          string       `json:"server_id"`
	ToolID            string       `json:"tool_id"`
	Status            Status       `json:"status"`
	Value             any          `json:"value,omitempty"`
	Error             *ErrorDetail `json:"error,omitempty"`
	DetailLevel       DetailLevel  `json:"detail_level"`
	RetryAttempts     int          `json:"retry_attempts"`
	TotalRetryDelayMs int64        `json:"total_retry_delay_ms"`
	PendingToken      string       `json:"pending_token,omitempty"`
	StartedAt         time.Time    `json:"started_at"`
	FinishedAt        time.Time    `json:"finished_at"`
}

// Succeeded reports whether the call produced a value.
func (r ExecutionResult) Succeeded() bool { return r.Status == StatusSuccess }
