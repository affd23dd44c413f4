package patterns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/syncutil"
)

// pack is the on-disk format of the local store.
type pack struct {
	Version            int              `yaml:"version"`
	SyncedAt           time.Time        `yaml:"syncedAt"`
	PatternWatermark   Cursor           `yaml:"patternWatermark"`
	BlacklistWatermark Cursor           `yaml:"blacklistWatermark"`
	Patterns           []ThreatPattern  `yaml:"patterns"`
	Blacklist          []BlacklistEntry `yaml:"blacklist"`
	Pending            []PendingReport  `yaml:"pendingReports,omitempty"`
}

// PendingReport is a blacklist report accepted while the central store was
// unreachable and not yet pushed to it.
type PendingReport struct {
	Identifier string `json:"identifier" yaml:"identifier"`
	Category   string `json:"category,omitempty" yaml:"category,omitempty"`
	Count      int    `json:"count" yaml:"count"`
}

// LocalStore is the offline replica. Pattern reads go through an atomically
// swapped Snapshot and never take a lock. Blacklist entries are replaced,
// never mutated, under a per-identifier lock.
type LocalStore struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	snap  atomic.Pointer[Snapshot]
	ready atomic.Bool

	writeMu     sync.Mutex // serializes snapshot writers and saves
	blWatermark Cursor

	blacklist sync.Map // normalized identifier -> *BlacklistEntry
	blLocks   syncutil.KeyedMutex

	pendingMu       sync.Mutex
	pending         map[string]*PendingReport
	pendingRestored bool
	dirty           atomic.Bool // unsaved pending reports
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore creates a local store persisted at path. An empty path keeps
// the store in memory only.
func NewLocalStore(path string, logger *slog.Logger) *LocalStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &LocalStore{
		path:    path,
		logger:  logger.With("component", "patterns.local"),
		now:     time.Now,
		pending: make(map[string]*PendingReport),
	}
	s.snap.Store(EmptySnapshot())
	return s
}

// Snapshot returns the current pattern snapshot.
func (s *LocalStore) Snapshot() *Snapshot { return s.snap.Load() }

// Ready reports whether the store holds a snapshot from disk or a sync.
func (s *LocalStore) Ready() bool { return s.ready.Load() }

// Match never fails; it reads whatever snapshot is current.
func (s *LocalStore) Match(_ context.Context, text string) ([]Match, error) {
	return s.Snapshot().Match(text), nil
}

// IsBlacklisted returns a copy of the entry for identifier, or nil.
func (s *LocalStore) IsBlacklisted(_ context.Context, identifier string) (*BlacklistEntry, error) {
	v, ok := s.blacklist.Load(NormalizeIdentifier(identifier))
	if !ok {
		return nil, nil
	}
	e := *v.(*BlacklistEntry)
	return &e, nil
}

// ReportIdentifier increments the local count for identifier, creating the
// entry on first report.
func (s *LocalStore) ReportIdentifier(_ context.Context, identifier, category string) (*BlacklistEntry, error) {
	key := NormalizeIdentifier(identifier)
	if key == "" {
		return nil, fmt.Errorf("%w: identifier is required", ErrInvalidPattern)
	}
	unlock := s.blLocks.Lock(key)
	defer unlock()

	next := &BlacklistEntry{Identifier: key, Category: category}
	if v, ok := s.blacklist.Load(key); ok {
		held := v.(*BlacklistEntry)
		next.ReportCount = held.ReportCount
		if category == "" {
			next.Category = held.Category
		}
	}
	next.ReportCount++
	next.LastReported = s.now().UTC()
	s.blacklist.Store(key, next)

	e := *next
	return &e, nil
}

// ReportOffline counts a report locally and queues it for the central store.
// The Syncer pushes queued reports before its next pull.
func (s *LocalStore) ReportOffline(ctx context.Context, identifier, category string) (*BlacklistEntry, error) {
	e, err := s.ReportIdentifier(ctx, identifier, category)
	if err != nil {
		return nil, err
	}
	s.pendingMu.Lock()
	p, ok := s.pending[e.Identifier]
	if !ok {
		p = &PendingReport{Identifier: e.Identifier}
		s.pending[e.Identifier] = p
	}
	p.Count++
	if category != "" {
		p.Category = category
	}
	s.pendingMu.Unlock()
	s.dirty.Store(true)
	return e, nil
}

// PendingReports returns the queued reports sorted by identifier.
func (s *LocalStore) PendingReports() []PendingReport {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	out := make([]PendingReport, 0, len(s.pending))
	for _, p := range s.pending {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

// ResolvePending removes n queued reports for identifier.
func (s *LocalStore) ResolvePending(identifier string, n int) {
	key := NormalizeIdentifier(identifier)
	s.pendingMu.Lock()
	if p, ok := s.pending[key]; ok {
		if p.Count -= n; p.Count <= 0 {
			delete(s.pending, key)
		}
	}
	s.pendingMu.Unlock()
	s.dirty.Store(true)
}

// MirrorBlacklist stores an entry read from the central store outside of a
// sync. The sync watermark does not move, so central changes older than e
// still arrive with the next delta.
func (s *LocalStore) MirrorBlacklist(e BlacklistEntry) bool {
	key := NormalizeIdentifier(e.Identifier)
	if key == "" {
		return false
	}
	e.Identifier = key
	return s.mergeEntry(key, e)
}

// ApplyPatterns merges pattern changes into a new snapshot and swaps it in.
func (s *LocalStore) ApplyPatterns(changes []ThreatPattern) (applied int, rejected []error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next, applied, rejected := s.Snapshot().Apply(changes, s.now().UTC())
	s.snap.Store(next)
	s.ready.Store(true)
	metrics.ActivePatterns.Set(float64(next.Len()))
	return applied, rejected
}

// ApplyBlacklist merges blacklist entries, keeping the superseding version
// of each identifier.
func (s *LocalStore) ApplyBlacklist(entries []BlacklistEntry) int {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	applied := 0
	for _, e := range entries {
		key := NormalizeIdentifier(e.Identifier)
		if key == "" {
			continue
		}
		e.Identifier = key
		if c := blacklistCursor(e); s.blWatermark.Before(c) {
			s.blWatermark = c
		}
		if s.mergeEntry(key, e) {
			applied++
		}
	}
	s.ready.Store(true)
	return applied
}

func (s *LocalStore) mergeEntry(key string, e BlacklistEntry) bool {
	unlock := s.blLocks.Lock(key)
	defer unlock()
	if v, ok := s.blacklist.Load(key); ok && !entrySupersedes(e, *v.(*BlacklistEntry)) {
		return false
	}
	s.blacklist.Store(key, &e)
	return true
}

// Watermarks returns the pattern and blacklist sync cursors.
func (s *LocalStore) Watermarks() (patterns, blacklist Cursor) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.Snapshot().Watermark(), s.blWatermark
}

// BlacklistEntries returns all entries sorted by identifier.
func (s *LocalStore) BlacklistEntries() []BlacklistEntry {
	var out []BlacklistEntry
	s.blacklist.Range(func(_, v any) bool {
		out = append(out, *v.(*BlacklistEntry))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

// Load merges the pack file into the store. A missing file is not an error.
func (s *LocalStore) Load() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read pattern pack %s: %w", s.path, err)
	}
	var p pack
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parse pattern pack %s: %w", s.path, err)
	}

	s.writeMu.Lock()
	cur := s.Snapshot()
	next, _, rejected := cur.Apply(p.Patterns, p.SyncedAt)
	if cur.Len() > 0 && cur.SyncedAt().After(p.SyncedAt) {
		next.syncedAt = cur.SyncedAt()
	}
	if next.watermark.Before(p.PatternWatermark) {
		next.watermark = p.PatternWatermark
	}
	s.snap.Store(next)
	if s.blWatermark.Before(p.BlacklistWatermark) {
		s.blWatermark = p.BlacklistWatermark
	}
	s.writeMu.Unlock()

	for _, err := range rejected {
		s.logger.Warn("skipping invalid pattern in pack", "path", s.path, "error", err)
	}
	s.ApplyBlacklist(p.Blacklist)
	s.restorePending(p.Pending)
	metrics.ActivePatterns.Set(float64(next.Len()))
	s.logger.Info("pattern pack loaded", "path", s.path, "patterns", next.Len())
	return nil
}

// restorePending adopts queued reports from the first pack read. Later
// reloads are this store's own saves or provisioning drops and never carry
// reports the queue has not already seen.
func (s *LocalStore) restorePending(reports []PendingReport) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if s.pendingRestored {
		return
	}
	s.pendingRestored = true
	for _, r := range reports {
		key := NormalizeIdentifier(r.Identifier)
		if key == "" || r.Count <= 0 {
			continue
		}
		if _, ok := s.pending[key]; !ok {
			s.pending[key] = &PendingReport{Identifier: key, Category: r.Category, Count: r.Count}
		}
	}
}

// Save writes the current state to the pack file via a rename so that
// concurrent readers of the file never see a partial write.
func (s *LocalStore) Save() error {
	if s.path == "" {
		return nil
	}
	s.writeMu.Lock()
	snap := s.Snapshot()
	p := pack{
		Version:            1,
		SyncedAt:           snap.SyncedAt(),
		PatternWatermark:   snap.Watermark(),
		BlacklistWatermark: s.blWatermark,
		Patterns:           snap.All(),
	}
	s.writeMu.Unlock()
	p.Blacklist = s.BlacklistEntries()
	s.dirty.Store(false)
	p.Pending = s.PendingReports()
	if err := s.write(&p); err != nil {
		s.dirty.Store(true)
		return err
	}
	return nil
}

func (s *LocalStore) write(p *pack) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pattern pack: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create pack dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write pattern pack: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace pattern pack: %w", err)
	}
	return nil
}

// Watch reloads the pack whenever the file is written or replaced, so that a
// pack dropped in by provisioning takes effect without a restart. Reloads
// merge, so the store's own saves are harmless. Call stop to end watching.
func (s *LocalStore) Watch() (stop func(), err error) {
	if s.path == "" {
		return func() {}, nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("pattern pack watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("pattern pack watcher add %s: %w", dir, err)
	}

	done := make(chan struct{})
	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if err := s.Load(); err != nil {
						s.logger.Warn("pattern pack reload failed", "error", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("pattern pack watcher error", "error", err)
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}
