package contracts

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed failure taxonomy surfaced on every failed result.
type ErrorKind string

const (
	KindNotFound         ErrorKind = "not_found"
	KindPermissionDenied ErrorKind = "permission_denied"
	KindRetryable        ErrorKind = "retryable"
	KindAuthRequired     ErrorKind = "auth_required"
	KindUserAction       ErrorKind = "user_action"
	KindPermanent        ErrorKind = "permanent"
)

// Retryable reports whether failures of this kind may be retried.
func (k ErrorKind) Retryable() bool { return k == KindRetryable }

// ErrorDetail describes a failed call with enough context for the caller to
// decide whether to retry, pick another tool, or abort.
type ErrorDetail struct {
	Kind               ErrorKind `json:"kind"`
	Code               string    `json:"code"`
	Message            string    `json:"message"`
	RequiredPermission string    `json:"required_permission,omitempty"`
	Suggestion         string    `json:"suggestion,omitempty"`
	AlternativeTool    string    `json:"alternative_tool,omitempty"`
}

// KernelError is an error already placed in the taxonomy.
type KernelError struct {
	Detail ErrorDetail
	Err    error
}

func (e *KernelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Detail.Kind, e.Detail.Code, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Detail.Kind, e.Detail.Code, e.Detail.Message)
}

func (e *KernelError) Unwrap() error { return e.Err }

// NewKernelError builds a classified error. The message defaults to err's text.
func NewKernelError(kind ErrorKind, code string, err error) *KernelError {
	ke := &KernelError{Detail: ErrorDetail{Kind: kind, Code: code}, Err: err}
	if err != nil {
		ke.Detail.Message = err.Error()
	}
	return ke
}

// AsKernelError extracts a classified error from an error chain.
func AsKernelError(err error) (*KernelError, bool) {
	var ke *KernelError
	if errors.As(err, &ke) {
		return ke, true
	}
	return nil, false
}
