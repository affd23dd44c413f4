package patterns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/sentinel/internal/circuitbreaker"
	"github.com/mbd888/sentinel/internal/metrics"
)

// SyncResult summarizes one sync run.
type SyncResult struct {
	Pushed    int `json:"pushed"`
	Patterns  int `json:"patterns"`
	Blacklist int `json:"blacklist"`
	Rejected  int `json:"rejected"`
}

// Reporter accepts blacklist reports that were queued while offline.
type Reporter interface {
	ReportIdentifier(ctx context.Context, identifier, category string) (*BlacklistEntry, error)
}

// CacheInvalidator drops cached blacklist lookups for identifiers.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, identifiers ...string)
}

// Syncer pulls deltas from a Source into a LocalStore on an interval, and
// immediately when triggered (connectivity regained). Readers are never
// blocked: each applied page swaps in a new snapshot.
type Syncer struct {
	source    Source
	local     *LocalStore
	interval  time.Duration
	batchSize int
	logger    *slog.Logger

	reporter Reporter         // nil leaves queued reports in place
	cache    CacheInvalidator // nil when there is no blacklist cache

	runMu   sync.Mutex // one run at a time
	trigger chan struct{}
	stop    chan struct{}
}

// NewSyncer creates a pattern sync worker.
func NewSyncer(source Source, local *LocalStore, interval time.Duration, batchSize int, logger *slog.Logger) *Syncer {
	if batchSize <= 0 {
		batchSize = 500
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		source:    source,
		local:     local,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger.With("component", "patterns.sync"),
		trigger:   make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
}

// WithReporter sets where queued offline reports are pushed.
func (s *Syncer) WithReporter(r Reporter) *Syncer {
	s.reporter = r
	return s
}

// WithCacheInvalidator sets the blacklist cache to clear for each applied
// blacklist delta.
func (s *Syncer) WithCacheInvalidator(c CacheInvalidator) *Syncer {
	s.cache = c
	return s
}

// OnBreakerTransition triggers a sync when the central store's circuit closes
// again, so the replica catches up without waiting for the next tick.
func (s *Syncer) OnBreakerTransition(name string, from, to circuitbreaker.State) {
	if name == UpstreamName && to == circuitbreaker.StateClosed && from != circuitbreaker.StateClosed {
		s.Trigger()
	}
}

// Start runs the sync loop until ctx is done or Stop is called. Call in a goroutine.
func (s *Syncer) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.runLogged(ctx)
		case <-s.trigger:
			s.runLogged(ctx)
		}
	}
}

// Stop signals the worker to stop.
func (s *Syncer) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

// Trigger requests a sync as soon as possible. It never blocks.
func (s *Syncer) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Syncer) runLogged(ctx context.Context) {
	res, err := s.Run(ctx)
	if err != nil {
		s.logger.Warn("pattern sync failed", "error", err)
		return
	}
	if res.Pushed > 0 || res.Patterns > 0 || res.Blacklist > 0 {
		s.logger.Info("pattern sync applied",
			"pushed", res.Pushed, "patterns", res.Patterns, "blacklist", res.Blacklist, "rejected", res.Rejected)
	}
}

// Run pushes queued offline reports, then pulls every pending page once.
// Pages already applied before a failure stay applied; the watermark only
// moves past changes that were merged.
func (s *Syncer) Run(ctx context.Context) (SyncResult, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	var res SyncResult
	err := s.push(ctx, &res)
	if err == nil {
		err = s.pull(ctx, &res)
	}
	if err != nil {
		metrics.PatternSyncRunsTotal.WithLabelValues("error").Inc()
	} else {
		metrics.PatternSyncRunsTotal.WithLabelValues("ok").Inc()
	}
	metrics.PatternChangesAppliedTotal.Add(float64(res.Patterns + res.Blacklist))

	if res.Pushed > 0 || res.Patterns > 0 || res.Blacklist > 0 || s.local.dirty.Load() {
		if serr := s.local.Save(); serr != nil {
			s.logger.Warn("persist pattern pack failed", "error", serr)
		}
	}
	return res, err
}

// push sends queued reports one at a time so that a failure part way leaves
// exactly the unsent ones queued.
func (s *Syncer) push(ctx context.Context, res *SyncResult) error {
	if s.reporter == nil {
		return nil
	}
	for _, p := range s.local.PendingReports() {
		for sent := 0; sent < p.Count; sent++ {
			e, err := s.reporter.ReportIdentifier(ctx, p.Identifier, p.Category)
			if errors.Is(err, ErrInvalidPattern) {
				s.logger.Warn("dropping queued report", "identifier", p.Identifier, "error", err)
				s.local.ResolvePending(p.Identifier, p.Count-sent)
				break
			}
			if err != nil {
				return fmt.Errorf("push blacklist report: %w", err)
			}
			s.local.ResolvePending(p.Identifier, 1)
			s.local.MirrorBlacklist(*e)
			res.Pushed++
		}
	}
	return nil
}

func (s *Syncer) pull(ctx context.Context, res *SyncResult) error {
	for {
		after, _ := s.local.Watermarks()
		page, err := s.source.PatternChanges(ctx, after, s.batchSize)
		if err != nil {
			return fmt.Errorf("pull pattern changes: %w", err)
		}
		applied, rejected := s.local.ApplyPatterns(page)
		res.Patterns += applied
		res.Rejected += len(rejected)
		for _, rerr := range rejected {
			s.logger.Warn("rejected pattern from source", "error", rerr)
		}
		if len(page) < s.batchSize {
			break
		}
	}
	for {
		_, after := s.local.Watermarks()
		page, err := s.source.BlacklistChanges(ctx, after, s.batchSize)
		if err != nil {
			return fmt.Errorf("pull blacklist changes: %w", err)
		}
		res.Blacklist += s.local.ApplyBlacklist(page)
		if s.cache != nil && len(page) > 0 {
			ids := make([]string, len(page))
			for i, e := range page {
				ids[i] = e.Identifier
			}
			s.cache.Invalidate(ctx, ids...)
		}
		if len(page) < s.batchSize {
			return nil
		}
	}
}
