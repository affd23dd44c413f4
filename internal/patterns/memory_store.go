package patterns

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore is an in-memory central store, used when no database is
// configured and by tests.
type MemoryStore struct {
	mu        sync.RWMutex
	patterns  map[string]ThreatPattern
	blacklist map[string]BlacklistEntry
	last      time.Time
	now       func() time.Time

	snap atomic.Pointer[Snapshot]
}

var (
	_ Store   = (*MemoryStore)(nil)
	_ Source  = (*MemoryStore)(nil)
	_ Curator = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty in-memory central store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		patterns:  make(map[string]ThreatPattern),
		blacklist: make(map[string]BlacklistEntry),
		now:       time.Now,
	}
	s.snap.Store(EmptySnapshot())
	return s
}

// stamp returns a strictly increasing change time. Caller holds s.mu.
func (s *MemoryStore) stamp() time.Time {
	t := s.now().UTC().Truncate(time.Microsecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

func (s *MemoryStore) Match(_ context.Context, text string) ([]Match, error) {
	return s.snap.Load().Match(text), nil
}

func (s *MemoryStore) IsBlacklisted(_ context.Context, identifier string) (*BlacklistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.blacklist[NormalizeIdentifier(identifier)]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *MemoryStore) ReportIdentifier(_ context.Context, identifier, category string) (*BlacklistEntry, error) {
	key := NormalizeIdentifier(identifier)
	if key == "" {
		return nil, fmt.Errorf("%w: identifier is required", ErrInvalidPattern)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.blacklist[key]
	e.Identifier = key
	e.ReportCount++
	if category != "" {
		e.Category = category
	}
	e.LastReported = s.stamp()
	s.blacklist[key] = e
	return &e, nil
}

// UpsertPatterns validates the whole batch, then stamps and stores it.
// Tombstones are kept so that deletions reach every replica.
func (s *MemoryStore) UpsertPatterns(_ context.Context, patterns []ThreatPattern) error {
	for i := range patterns {
		if err := patterns[i].Validate(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stamped := make([]ThreatPattern, len(patterns))
	for i, p := range patterns {
		p.UpdatedAt = s.stamp()
		s.patterns[p.ID] = p
		stamped[i] = p
	}
	next, _, _ := s.snap.Load().Apply(stamped, s.last)
	s.snap.Store(next)
	return nil
}

func (s *MemoryStore) PatternChanges(_ context.Context, after Cursor, limit int) ([]ThreatPattern, error) {
	s.mu.RLock()
	out := make([]ThreatPattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		if after.Before(patternCursor(p)) {
			out = append(out, p)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return patternCursor(out[i]).Before(patternCursor(out[j])) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) BlacklistChanges(_ context.Context, after Cursor, limit int) ([]BlacklistEntry, error) {
	s.mu.RLock()
	out := make([]BlacklistEntry, 0, len(s.blacklist))
	for _, e := range s.blacklist {
		if after.Before(blacklistCursor(e)) {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return blacklistCursor(out[i]).Before(blacklistCursor(out[j])) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
