package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shaleyeah/toolkernel/pkg/contracts"
)

// Kernel semantic convention attributes.
var (
	AttrServerID  = attribute.Key("toolkernel.server.id")
	AttrToolID    = attribute.Key("toolkernel.tool.id")
	AttrCallID    = attribute.Key("toolkernel.call.id")
	AttrRequestID = attribute.Key("toolkernel.request.id")
	AttrMode      = attribute.Key("toolkernel.request.mode")
	AttrBundle    = attribute.Key("toolkernel.bundle.name")
	AttrPhase     = attribute.Key("toolkernel.bundle.phase")
	AttrStatus    = attribute.Key("toolkernel.call.status")
	AttrErrorKind = attribute.Key("toolkernel.error.kind")
	AttrRetries   = attribute.Key("toolkernel.call.retries")
)

// ToolCall creates attributes for one tool call.
func ToolCall(serverID, toolID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrServerID.String(serverID),
		AttrToolID.String(toolID),
	}
}

// BundlePhase creates attributes for a bundle phase.
func BundlePhase(bundle, phase string, index int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrBundle.String(bundle),
		AttrPhase.String(phase),
		attribute.Int("toolkernel.bundle.phase_index", index),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus marks the current span failed when err is non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func errorType(err error) string {
	if ke, ok := contracts.AsKernelError(err); ok {
		return string(ke.Detail.Kind)
	}
	return fmt.Sprintf("%T", err)
}
