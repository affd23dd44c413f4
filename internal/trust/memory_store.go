package trust

import (
	"context"
	"sort"
	"sync"
)

// MemoryHistoryStore keeps a bounded edge log per entity in memory.
type MemoryHistoryStore struct {
	mu        sync.RWMutex
	byEntity  map[string][]Edge
	roles     map[string]Role
	seen      map[string]struct{} // transaction IDs
	maxPerKey int
}

// NewMemoryHistoryStore creates an in-memory history store keeping at most
// maxPerEntity edges per entity (0 means 1000).
func NewMemoryHistoryStore(maxPerEntity int) *MemoryHistoryStore {
	if maxPerEntity <= 0 {
		maxPerEntity = historyLimit
	}
	return &MemoryHistoryStore{
		byEntity:  make(map[string][]Edge),
		roles:     make(map[string]Role),
		seen:      make(map[string]struct{}),
		maxPerKey: maxPerEntity,
	}
}

// RecordEdge stores e. Re-recording a transaction ID is a no-op.
func (s *MemoryHistoryStore) RecordEdge(_ context.Context, e Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.seen[e.TransactionID]; dup {
		return nil
	}
	s.seen[e.TransactionID] = struct{}{}

	s.insert(e.From, e)
	if e.To != e.From {
		s.insert(e.To, e)
	}
	// sending wins over receiving for the recorded role
	s.roles[e.From] = RoleSender
	if _, ok := s.roles[e.To]; !ok {
		s.roles[e.To] = RoleRecipient
	}
	return nil
}

func (s *MemoryHistoryStore) insert(id string, e Edge) {
	log := s.byEntity[id]
	i := sort.Search(len(log), func(i int) bool { return edgeBefore(e, log[i]) })
	log = append(log, Edge{})
	copy(log[i+1:], log[i:])
	log[i] = e
	if len(log) > s.maxPerKey {
		log = append(log[:0:0], log[len(log)-s.maxPerKey:]...)
	}
	s.byEntity[id] = log
}

func (s *MemoryHistoryStore) Edges(_ context.Context, entityID string, limit int) ([]Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.byEntity[entityID]
	if limit > 0 && len(log) > limit {
		log = log[len(log)-limit:]
	}
	out := make([]Edge, len(log))
	copy(out, log)
	return out, nil
}

func (s *MemoryHistoryStore) Entities(_ context.Context) ([]EntityRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]EntityRef, 0, len(s.roles))
	for id, r := range s.roles {
		out = append(out, EntityRef{ID: id, Role: r})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func edgeBefore(a, b Edge) bool {
	if !a.At.Equal(b.At) {
		return a.At.Before(b.At)
	}
	return a.TransactionID < b.TransactionID
}

// MemoryScoreStore keeps the current score per entity in memory.
type MemoryScoreStore struct {
	mu     sync.RWMutex
	scores map[string]Score
}

// NewMemoryScoreStore creates an empty in-memory score store.
func NewMemoryScoreStore() *MemoryScoreStore {
	return &MemoryScoreStore{scores: make(map[string]Score)}
}

func (s *MemoryScoreStore) Get(_ context.Context, entityID string) (*Score, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scores[entityID]
	if !ok {
		return nil, nil
	}
	return &sc, nil
}

func (s *MemoryScoreStore) GetMany(_ context.Context, entityIDs []string) (map[string]*Score, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*Score, len(entityIDs))
	for _, id := range entityIDs {
		if sc, ok := s.scores[id]; ok {
			out[id] = &sc
		}
	}
	return out, nil
}

// Put supersedes the stored score. An older UpdatedAt never replaces a
// newer one.
func (s *MemoryScoreStore) Put(_ context.Context, sc *Score) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.scores[sc.EntityID]; ok && cur.UpdatedAt.After(sc.UpdatedAt) {
		return nil
	}
	s.scores[sc.EntityID] = *sc
	return nil
}
