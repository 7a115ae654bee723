package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/shaleyeah/toolkernel/pkg/contracts"
)

func newTestProvider(t *testing.T) (*Provider, *sdkmetric.ManualReader, *tracetest.SpanRecorder) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		_ = tp.Shutdown(context.Background())
	})

	p, err := NewWithProviders(tp, mp)
	require.NoError(t, err)
	return p, reader, rec
}

func sumFor(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "toolkernel", cfg.ServiceName)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestNew_Disabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Health())

	// No instruments: recording must be a no-op, not a panic.
	ctx, done := p.TrackOperation(context.Background(), "toolkernel.call", ToolCall("geology", "read")...)
	done(errors.New("boom"))
	p.RecordRetries(ctx, 3)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestTrackOperation_RecordsRED(t *testing.T) {
	p, reader, rec := newTestProvider(t)

	_, done := p.TrackOperation(context.Background(), "toolkernel.call", ToolCall("geology", "read")...)
	done(nil)
	_, done = p.TrackOperation(context.Background(), "toolkernel.call", ToolCall("risk", "read")...)
	done(contracts.NewKernelError(contracts.KindRetryable, "timeout", errors.New("slow")))

	assert.Equal(t, int64(2), sumFor(t, reader, "toolkernel.tool_calls.total"))
	assert.Equal(t, int64(1), sumFor(t, reader, "toolkernel.tool_errors.total"))
	assert.Equal(t, int64(0), sumFor(t, reader, "toolkernel.tool_calls.active"))

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "toolkernel.call", spans[0].Name())
}

func TestRecordRetries(t *testing.T) {
	p, reader, _ := newTestProvider(t)
	p.RecordRetries(context.Background(), 2, ToolCall("market", "read")...)
	p.RecordRetries(context.Background(), 0, ToolCall("market", "read")...)
	assert.Equal(t, int64(2), sumFor(t, reader, "toolkernel.tool_retries.total"))
}

func TestRecordDuration(t *testing.T) {
	p, reader, _ := newTestProvider(t)
	p.RecordDuration(context.Background(), 250*time.Millisecond, ToolCall("title", "read")...)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == "toolkernel.tool_call.duration" {
				h, ok := m.Data.(metricdata.Histogram[float64])
				require.True(t, ok)
				require.Len(t, h.DataPoints, 1)
				assert.Equal(t, uint64(1), h.DataPoints[0].Count)
				found = true
			}
		}
	}
	assert.True(t, found)
}

func TestErrorType(t *testing.T) {
	assert.Equal(t, "not_found", errorType(contracts.NewKernelError(contracts.KindNotFound, "tool_not_found", errors.New("x"))))
	assert.Equal(t, "*errors.errorString", errorType(errors.New("x")))
}

func TestBundlePhaseAttrs(t *testing.T) {
	attrs := BundlePhase("quick_screen", "phase-1", 0)
	require.Len(t, attrs, 3)
	assert.Equal(t, "quick_screen", attrs[0].Value.AsString())
}
