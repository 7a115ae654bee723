package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shaleyeah/toolkernel/pkg/contracts"
)

// Dialect selects placeholder syntax for SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const sessionResultsSchema = `
CREATE TABLE IF NOT EXISTS session_results (
	session_id TEXT NOT NULL,
	call_id TEXT NOT NULL,
	result_json TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, call_id)
)`

// SQLStore persists results in a database/sql table. Both dialects support
// INSERT ... ON CONFLICT DO NOTHING, which keeps keys write-once.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps db. Call Init before first use.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Init creates the results table.
func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sessionResultsSchema)
	return err
}

// rebind rewrites ? placeholders as $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Put(ctx context.Context, sessionID, callID string, r contracts.ExecutionResult) (contracts.ExecutionResult, bool, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return contracts.ExecutionResult{}, false, fmt.Errorf("encode result: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO session_results (session_id, call_id, result_json, created_at) VALUES (?, ?, ?, ?) ON CONFLICT (session_id, call_id) DO NOTHING`),
		sessionID, callID, string(data), time.Now().UTC())
	if err != nil {
		return contracts.ExecutionResult{}, false, fmt.Errorf("insert result: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return r, true, nil
	}
	existing, ok, err := s.Get(ctx, sessionID, callID)
	if err != nil {
		return contracts.ExecutionResult{}, false, err
	}
	if !ok {
		return contracts.ExecutionResult{}, false, fmt.Errorf("result %s not stored", callID)
	}
	return existing, false, nil
}

func (s *SQLStore) Get(ctx context.Context, sessionID, callID string) (contracts.ExecutionResult, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT result_json FROM session_results WHERE session_id = ? AND call_id = ?`), sessionID, callID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.ExecutionResult{}, false, nil
	}
	if err != nil {
		return contracts.ExecutionResult{}, false, fmt.Errorf("select result: %w", err)
	}
	var r contracts.ExecutionResult
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return contracts.ExecutionResult{}, false, fmt.Errorf("decode result: %w", err)
	}
	return r, true, nil
}

func (s *SQLStore) List(ctx context.Context, sessionID string) (map[string]contracts.ExecutionResult, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT call_id, result_json FROM session_results WHERE session_id = ?`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]contracts.ExecutionResult)
	for rows.Next() {
		var callID, data string
		if err := rows.Scan(&callID, &data); err != nil {
			return nil, err
		}
		var r contracts.ExecutionResult
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("decode result %s: %w", callID, err)
		}
		out[callID] = r
	}
	return out, rows.Err()
}

func (s *SQLStore) Drop(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM session_results WHERE session_id = ?`), sessionID)
	return err
}
