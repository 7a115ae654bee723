// Package audit keeps the append-only trail of tool dispatch attempts.
// Every attempt is recorded exactly once, including ones denied by
// authorization or aimed at unknown tools; sensitive arguments are redacted
// before an entry is written.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaleyeah/toolkernel/pkg/contracts"
)

// Outcome is the settled result of one dispatch attempt.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomeDenied    Outcome = "denied"
	OutcomeNotFound  Outcome = "not_found"
	OutcomeStaged    Outcome = "staged"
	OutcomeCancelled Outcome = "cancelled"
)

// Entry is one immutable audit record.
type Entry struct {
	ID            string              `json:"id"`
	Timestamp     time.Time           `json:"timestamp"`
	RequestID     string              `json:"request_id,omitempty"`
	CallID        string              `json:"call_id,omitempty"`
	SessionID     string              `json:"session_id"`
	UserID        string              `json:"user_id"`
	Role          contracts.Role      `json:"role,omitempty"`
	ServerID      string              `json:"server_id"`
	ToolID        string              `json:"tool_id"`
	ArgsRedacted  map[string]any      `json:"args_redacted,omitempty"`
	ArgsDigest    string              `json:"args_digest,omitempty"`
	Outcome       Outcome             `json:"outcome"`
	ErrorKind     contracts.ErrorKind `json:"error_kind,omitempty"`
	ErrorCode     string              `json:"error_code,omitempty"`
	RetryAttempts int                 `json:"retry_attempts"`
	DurationMs    int64               `json:"duration_ms"`
}

// Logger records audit entries. Implementations never modify or delete a
// recorded entry.
type Logger interface {
	Record(ctx context.Context, e Entry) error
}

func stamp(e *Entry, now func() time.Time) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now().UTC()
	}
}

// writerLogger writes one JSON object per line to a Writer.
type writerLogger struct {
	mu     sync.Mutex
	writer io.Writer
	clock  func() time.Time
}

// NewLogger creates a Logger writing JSON lines to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing JSON lines to w.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &writerLogger{writer: w, clock: time.Now}
}

func (l *writerLogger) Record(_ context.Context, e Entry) error {
	stamp(&e, l.clock)
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	line = append(line, '\n')

	// One Write per entry under the lock keeps lines whole and ordered.
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.writer.Write(line)
	return err
}

// FileLogger appends JSON lines to a file.
type FileLogger struct {
	Logger
	f *os.File
}

// OpenFile opens path for appending, creating it if needed.
func OpenFile(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileLogger{Logger: NewLoggerWithWriter(f), f: f}, nil
}

// Close closes the underlying file.
func (l *FileLogger) Close() error { return l.f.Close() }

// MemoryLog keeps entries in memory, in record order.
type MemoryLog struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryLog creates an empty log.
func NewMemoryLog() *MemoryLog { return &MemoryLog{} }

func (m *MemoryLog) Record(_ context.Context, e Entry) error {
	stamp(&e, time.Now)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

// Entries returns a copy of the recorded entries.
func (m *MemoryLog) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// Len returns the number of entries.
func (m *MemoryLog) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

type multi []Logger

// Multi fans every entry out to all loggers. Every logger is attempted;
// failures are joined.
func Multi(loggers ...Logger) Logger {
	return multi(loggers)
}

func (m multi) Record(ctx context.Context, e Entry) error {
	stamp(&e, time.Now)
	var errs []error
	for _, l := range m {
		if err := l.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type nop struct{}

// Nop discards entries. Used when auditing is disabled.
func Nop() Logger { return nop{} }

func (nop) Record(context.Context, Entry) error { return nil }
