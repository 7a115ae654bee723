// Package resilience classifies tool failures and retries the recoverable
// ones with exponential backoff and jitter.
package resilience

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/shaleyeah/toolkernel/pkg/contracts"
)

// Rule maps an error signature to a failure class.
type Rule struct {
	Code      string
	Kind      contracts.ErrorKind
	BaseDelay time.Duration
	// Types are tool-reported error types matched exactly.
	Types []string
	// Patterns are matched as lower-case substrings of the error message.
	Patterns []string
}

// DefaultRules is the fixed rule table, checked in order.
var DefaultRules = []Rule{
	{
		Code: "rate_limited", Kind: contracts.KindRetryable, BaseDelay: 5 * time.Second,
		Types:    []string{"rate_limit", "rate_limited", "throttled"},
		Patterns: []string{"rate limit", "too many requests", "429", "throttl"},
	},
	{
		Code: "timeout", Kind: contracts.KindRetryable, BaseDelay: 2 * time.Second,
		Types:    []string{"timeout"},
		Patterns: []string{"timeout", "timed out", "deadline exceeded"},
	},
	{
		Code: "connection", Kind: contracts.KindRetryable, BaseDelay: time.Second,
		Types: []string{"connection", "network", "unavailable"},
		Patterns: []string{
			"connection refused", "connection reset", "service unavailable", "503",
			"unexpected eof", "broken pipe", "no such host", "circuit breaker open",
		},
	},
	{
		Code: "auth_required", Kind: contracts.KindAuthRequired,
		Types:    []string{"auth", "unauthorized", "forbidden"},
		Patterns: []string{"unauthorized", "401", "403", "forbidden", "token expired", "invalid token"},
	},
	{
		Code: "user_action", Kind: contracts.KindUserAction,
		Types:    []string{"user_action", "validation", "missing_credentials"},
		Patterns: []string{"missing credential", "api key", "not configured", "user action", "missing required"},
	},
}

// Classification is the verdict for one failure.
type Classification struct {
	Kind      contracts.ErrorKind
	Code      string
	BaseDelay time.Duration
}

// Classifier applies the rule table.
type Classifier struct {
	rules []Rule
	// transientBase is the base delay for failures already marked
	// retryable that match no rule.
	transientBase time.Duration
}

// NewClassifier creates a classifier over DefaultRules.
func NewClassifier(transientBase time.Duration) *Classifier {
	if transientBase <= 0 {
		transientBase = time.Second
	}
	return &Classifier{rules: DefaultRules, transientBase: transientBase}
}

func (c *Classifier) byCode(code string) (Rule, bool) {
	for _, r := range c.rules {
		if r.Code == code {
			return r, true
		}
	}
	return Rule{}, false
}

func (r Rule) classification() Classification {
	return Classification{Kind: r.Kind, Code: r.Code, BaseDelay: r.BaseDelay}
}

// Classify places err in the failure taxonomy. Errors that are already
// classified keep their kind; typed tool errors are matched by type before
// the message patterns are consulted.
func (c *Classifier) Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}

	if ke, ok := contracts.AsKernelError(err); ok {
		cl := Classification{Kind: ke.Detail.Kind, Code: ke.Detail.Code}
		if cl.Kind.Retryable() {
			cl.BaseDelay = c.transientBase
			if r, ok := c.byCode(ke.Detail.Code); ok {
				cl.BaseDelay = r.BaseDelay
			}
		}
		return cl
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		r, _ := c.byCode("timeout")
		return r.classification()
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		r, _ := c.byCode("connection")
		return r.classification()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		r, _ := c.byCode("timeout")
		return r.classification()
	}

	var te *contracts.ToolError
	if errors.As(err, &te) && te.Type != "" {
		t := strings.ToLower(te.Type)
		for _, r := range c.rules {
			for _, typ := range r.Types {
				if t == typ {
					return r.classification()
				}
			}
		}
		switch t {
		case "transient", "retryable":
			return Classification{Kind: contracts.KindRetryable, Code: "transient", BaseDelay: c.transientBase}
		case "not_found":
			return Classification{Kind: contracts.KindNotFound, Code: "tool_not_found"}
		}
	}

	msg := strings.ToLower(err.Error())
	for _, r := range c.rules {
		for _, p := range r.Patterns {
			if strings.Contains(msg, p) {
				return r.classification()
			}
		}
	}
	return Classification{Kind: contracts.KindPermanent, Code: "tool_error"}
}

// Suggest returns the recovery hint for a failure kind.
func Suggest(kind contracts.ErrorKind) string {
	switch kind {
	case contracts.KindRetryable:
		return "transient failure persisted after retries; retry later or use an alternative tool"
	case contracts.KindAuthRequired:
		return "the tool server rejected its credentials; re-authenticate it and retry"
	case contracts.KindUserAction:
		return "supply the missing input or credentials, then retry"
	case contracts.KindNotFound:
		return "list the registered tools or search by capability"
	case contracts.KindPermissionDenied:
		return "ask an operator with a higher role to run this tool"
	default:
		return "this error will not resolve by retrying; check the arguments"
	}
}
