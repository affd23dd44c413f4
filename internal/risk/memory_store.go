package risk

import (
	"context"
	"sync"

	"github.com/mbd888/sentinel/internal/pagination"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu     sync.RWMutex
	byTxID map[string]*Decision
	order  []string // transaction IDs, oldest first
}

// NewMemoryStore creates an in-memory decision store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byTxID: make(map[string]*Decision)}
}

func (s *MemoryStore) Record(_ context.Context, d *Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byTxID[d.TransactionID]; ok {
		return ErrDecisionExists
	}
	s.byTxID[d.TransactionID] = cloneDecision(d)
	s.order = append(s.order, d.TransactionID)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, transactionID string) (*Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.byTxID[transactionID]
	if !ok {
		return nil, ErrDecisionNotFound
	}
	return cloneDecision(d), nil
}

func (s *MemoryStore) ListRecent(_ context.Context, before *pagination.Cursor, limit int) ([]*Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.order) {
		limit = len(s.order)
	}
	result := make([]*Decision, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(result) < limit; i-- {
		d := s.byTxID[s.order[i]]
		if before != nil && before.After(d.EvaluatedAt, d.TransactionID) {
			continue
		}
		result = append(result, cloneDecision(d))
	}
	return result, nil
}

func cloneDecision(d *Decision) *Decision {
	c := *d
	c.Factors = append([]Factor{}, d.Factors...)
	c.TriggeredRules = append([]string{}, d.TriggeredRules...)
	return &c
}
