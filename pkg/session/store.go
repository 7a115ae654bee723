package session

import (
	"context"
	"sync"

	"github.com/shaleyeah/toolkernel/pkg/contracts"
)

// ResultStore holds the results of a session's calls keyed by call id.
// Implementations must accept concurrent Puts for distinct keys and must
// never overwrite an existing key.
type ResultStore interface {
	// Put stores r unless callID already has a result. It returns the
	// stored result and whether this call inserted it.
	Put(ctx context.Context, sessionID, callID string, r contracts.ExecutionResult) (contracts.ExecutionResult, bool, error)
	Get(ctx context.Context, sessionID, callID string) (contracts.ExecutionResult, bool, error)
	List(ctx context.Context, sessionID string) (map[string]contracts.ExecutionResult, error)
	// Drop discards every result of the session.
	Drop(ctx context.Context, sessionID string) error
}

// MemoryStore is an in-process ResultStore.
type MemoryStore struct {
	mu      sync.RWMutex
	results map[string]map[string]contracts.ExecutionResult
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{results: make(map[string]map[string]contracts.ExecutionResult)}
}

func (s *MemoryStore) Put(_ context.Context, sessionID, callID string, r contracts.ExecutionResult) (contracts.ExecutionResult, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.results[sessionID]
	if !ok {
		bucket = make(map[string]contracts.ExecutionResult)
		s.results[sessionID] = bucket
	}
	if existing, ok := bucket[callID]; ok {
		return existing, false, nil
	}
	bucket[callID] = r
	return r, true, nil
}

func (s *MemoryStore) Get(_ context.Context, sessionID, callID string) (contracts.ExecutionResult, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[sessionID][callID]
	return r, ok, nil
}

func (s *MemoryStore) List(_ context.Context, sessionID string) (map[string]contracts.ExecutionResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]contracts.ExecutionResult, len(s.results[sessionID]))
	for k, v := range s.results[sessionID] {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) Drop(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.results, sessionID)
	return nil
}
