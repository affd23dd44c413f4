package patterns

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/circuitbreaker"
	"github.com/mbd888/sentinel/internal/logging"
)

func seedCentral(t *testing.T, n int) *MemoryStore {
	t.Helper()
	central := NewMemoryStore()
	var ps []ThreatPattern
	for i := 0; i < n; i++ {
		ps = append(ps, ThreatPattern{ID: fmt.Sprintf("kw-%02d", i), Kind: KindKeyword, Expression: fmt.Sprintf("scam%02d", i), Severity: SeverityLow})
	}
	require.NoError(t, central.UpsertPatterns(context.Background(), ps))
	return central
}

func TestSyncer_PagesUntilShortPage(t *testing.T) {
	central := seedCentral(t, 5)
	_, err := central.ReportIdentifier(context.Background(), "+254700000001", "mule")
	require.NoError(t, err)

	local := NewLocalStore(filepath.Join(t.TempDir(), "pack.yaml"), logging.Discard())
	syncer := NewSyncer(central, local, time.Hour, 2, logging.Discard())

	res, err := syncer.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Patterns)
	assert.Equal(t, 1, res.Blacklist)
	assert.Equal(t, 5, local.Snapshot().Len())

	again, err := syncer.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncResult{}, again, "nothing new past the watermark")
}

func TestSyncer_PropagatesUpdatesAndTombstones(t *testing.T) {
	central := seedCentral(t, 3)
	local := NewLocalStore("", logging.Discard())
	syncer := NewSyncer(central, local, time.Hour, 100, logging.Discard())
	_, err := syncer.Run(context.Background())
	require.NoError(t, err)

	require.NoError(t, central.UpsertPatterns(context.Background(), []ThreatPattern{
		{ID: "kw-00", Deleted: true},
		{ID: "kw-01", Kind: KindKeyword, Expression: "scam01", Severity: SeverityCritical},
	}))
	res, err := syncer.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Patterns)

	assert.Empty(t, local.Snapshot().Match("scam00"))
	m := local.Snapshot().Match("scam01")
	require.Len(t, m, 1)
	assert.Equal(t, 40, m[0].Points)
}

type failingSource struct{ Source }

func (failingSource) PatternChanges(context.Context, Cursor, int) ([]ThreatPattern, error) {
	return nil, fmt.Errorf("%w: dial tcp: i/o timeout", ErrStoreUnavailable)
}

func TestSyncer_FailureKeepsLastSnapshot(t *testing.T) {
	local := NewLocalStore("", logging.Discard())
	local.ApplyPatterns(samplePatterns())

	syncer := NewSyncer(failingSource{}, local, time.Hour, 10, logging.Discard())
	_, err := syncer.Run(context.Background())

	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	assert.Equal(t, 4, local.Snapshot().Len())
}

func TestSyncer_TriggerRunsImmediately(t *testing.T) {
	central := seedCentral(t, 1)
	local := NewLocalStore("", logging.Discard())
	syncer := NewSyncer(central, local, time.Hour, 10, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go syncer.Start(ctx)

	require.Eventually(t, func() bool { return local.Snapshot().Len() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, central.UpsertPatterns(ctx, []ThreatPattern{{ID: "kw-new", Kind: KindKeyword, Expression: "lottery"}}))
	syncer.Trigger()

	require.Eventually(t, func() bool { return local.Snapshot().Len() == 2 }, time.Second, 10*time.Millisecond)
	syncer.Stop()
}

func TestSyncer_CheckerReportLeavesWatermarkForSync(t *testing.T) {
	ctx := context.Background()
	central := NewMemoryStore()
	local := NewLocalStore("", logging.Discard())
	syncer := NewSyncer(central, local, time.Hour, 100, logging.Discard())
	checker := NewChecker(central, local, nil, logging.Discard())
	_, err := syncer.Run(ctx)
	require.NoError(t, err)

	// Reported through another instance, so only a sync can bring it here.
	_, err = central.ReportIdentifier(ctx, "+254700000222", "mule")
	require.NoError(t, err)
	_, err = checker.Report(ctx, "+254700000111", "mule")
	require.NoError(t, err)

	_, err = syncer.Run(ctx)
	require.NoError(t, err)

	other, _ := local.IsBlacklisted(ctx, "+254700000222")
	require.NotNil(t, other, "entries stamped before the mirrored report still sync")
	mine, _ := local.IsBlacklisted(ctx, "+254700000111")
	require.NotNil(t, mine)
}

// flakyStore is a MemoryStore that can be taken offline.
type flakyStore struct {
	*MemoryStore
	down atomic.Bool
}

func (f *flakyStore) err() error { return fmt.Errorf("%w: connection refused", ErrStoreUnavailable) }

func (f *flakyStore) Match(ctx context.Context, text string) ([]Match, error) {
	if f.down.Load() {
		return nil, f.err()
	}
	return f.MemoryStore.Match(ctx, text)
}

func (f *flakyStore) IsBlacklisted(ctx context.Context, id string) (*BlacklistEntry, error) {
	if f.down.Load() {
		return nil, f.err()
	}
	return f.MemoryStore.IsBlacklisted(ctx, id)
}

func (f *flakyStore) ReportIdentifier(ctx context.Context, id, category string) (*BlacklistEntry, error) {
	if f.down.Load() {
		return nil, f.err()
	}
	return f.MemoryStore.ReportIdentifier(ctx, id, category)
}

func (f *flakyStore) PatternChanges(ctx context.Context, after Cursor, limit int) ([]ThreatPattern, error) {
	if f.down.Load() {
		return nil, f.err()
	}
	return f.MemoryStore.PatternChanges(ctx, after, limit)
}

func TestSyncer_PushesReportsTakenOffline(t *testing.T) {
	ctx := context.Background()
	central := &flakyStore{MemoryStore: NewMemoryStore()}
	local := NewLocalStore("", logging.Discard())
	local.ApplyPatterns(nil)
	checker := NewChecker(central, local, nil, logging.Discard())
	syncer := NewSyncer(central, local, time.Hour, 100, logging.Discard()).WithReporter(central)

	central.down.Store(true)
	entry, err := checker.Report(ctx, "+254700000555", "fake-agent")
	require.NoError(t, err)
	assert.Equal(t, 1, entry.ReportCount)
	assert.Equal(t, []PendingReport{{Identifier: "+254700000555", Category: "fake-agent", Count: 1}}, local.PendingReports())

	_, err = syncer.Run(ctx)
	require.Error(t, err, "push fails while the store is down")
	assert.Len(t, local.PendingReports(), 1, "unsent reports stay queued")

	central.down.Store(false)
	res := checker.Check(ctx, "", "+254700000555")
	assert.False(t, res.Offline)
	require.NotNil(t, res.Blacklisted, "the local report holds until it is pushed")

	res2, err := syncer.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res2.Pushed)
	assert.Empty(t, local.PendingReports())

	held, err := central.MemoryStore.IsBlacklisted(ctx, "+254700000555")
	require.NoError(t, err)
	require.NotNil(t, held)
	assert.Equal(t, 1, held.ReportCount)
	assert.Equal(t, "fake-agent", held.Category)

	_, err = central.ReportIdentifier(ctx, "+254700000555", "")
	require.NoError(t, err)
	res = checker.Check(ctx, "", "+254700000555")
	require.NotNil(t, res.Blacklisted)
	assert.Equal(t, 2, res.Blacklisted.ReportCount, "later central reports add to the pushed one")
}

type recordingInvalidator struct{ ids []string }

func (r *recordingInvalidator) Invalidate(_ context.Context, ids ...string) {
	r.ids = append(r.ids, ids...)
}

func TestSyncer_InvalidatesCacheForBlacklistDelta(t *testing.T) {
	ctx := context.Background()
	central := NewMemoryStore()
	_, err := central.ReportIdentifier(ctx, "+254700000777", "mule")
	require.NoError(t, err)

	inv := &recordingInvalidator{}
	syncer := NewSyncer(central, NewLocalStore("", logging.Discard()), time.Hour, 100, logging.Discard()).
		WithCacheInvalidator(inv)
	_, err = syncer.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"+254700000777"}, inv.ids)
}

func TestSyncer_TriggeredWhenStoreCircuitCloses(t *testing.T) {
	syncer := NewSyncer(NewMemoryStore(), NewLocalStore("", logging.Discard()), time.Hour, 100, logging.Discard())

	syncer.OnBreakerTransition("ip-intel", circuitbreaker.StateHalfOpen, circuitbreaker.StateClosed)
	syncer.OnBreakerTransition(UpstreamName, circuitbreaker.StateClosed, circuitbreaker.StateOpen)
	assert.Empty(t, syncer.trigger)

	syncer.OnBreakerTransition(UpstreamName, circuitbreaker.StateHalfOpen, circuitbreaker.StateClosed)
	assert.Len(t, syncer.trigger, 1)
}
