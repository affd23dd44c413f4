package velocity

import (
	"context"
	"sort"
	"sync"
	"time"
)

type actorLog struct {
	mu    sync.Mutex
	times []time.Time // ascending
	dead  bool        // removed from the map by Sweep
}

// prune drops entries at or before cutoff. Caller holds l.mu.
func (l *actorLog) prune(cutoff time.Time) {
	i := sort.Search(len(l.times), func(i int) bool { return l.times[i].After(cutoff) })
	if i > 0 {
		l.times = append(l.times[:0], l.times[i:]...)
	}
}

// countAfter counts entries strictly after cutoff. Caller holds l.mu.
func (l *actorLog) countAfter(cutoff time.Time) int {
	i := sort.Search(len(l.times), func(i int) bool { return l.times[i].After(cutoff) })
	return len(l.times) - i
}

// MemoryTracker is an in-process Tracker. Each actor has its own lock, so
// concurrent evaluations for different actors never contend. Logs are pruned
// lazily past maxWindow and capped at maxPerActor entries.
type MemoryTracker struct {
	logs        sync.Map // key -> *actorLog
	maxWindow   time.Duration
	maxPerActor int
	now         func() time.Time
}

var _ Tracker = (*MemoryTracker)(nil)

// NewMemoryTracker creates an in-memory tracker.
func NewMemoryTracker(maxWindow time.Duration, maxPerActor int) *MemoryTracker {
	if maxWindow <= 0 {
		maxWindow = time.Hour
	}
	if maxPerActor <= 0 {
		maxPerActor = 1000
	}
	return &MemoryTracker{maxWindow: maxWindow, maxPerActor: maxPerActor, now: time.Now}
}

func (t *MemoryTracker) log(key string) *actorLog {
	if v, ok := t.logs.Load(key); ok {
		return v.(*actorLog)
	}
	v, _ := t.logs.LoadOrStore(key, &actorLog{})
	return v.(*actorLog)
}

// lockedLog returns the live log for key with its lock held.
func (t *MemoryTracker) lockedLog(key string) *actorLog {
	for {
		l := t.log(key)
		l.mu.Lock()
		if !l.dead {
			return l
		}
		l.mu.Unlock()
	}
}

func (t *MemoryTracker) Record(_ context.Context, s Summary) error {
	at := t.stamp(s)
	for _, key := range s.Keys {
		l := t.lockedLog(key)
		t.insert(l, at)
		l.mu.Unlock()
	}
	return nil
}

func (t *MemoryTracker) RecordAndCount(_ context.Context, s Summary, window time.Duration) ([]int, error) {
	at := t.stamp(s)
	window = min(window, t.maxWindow)
	counts := make([]int, len(s.Keys))
	for i, key := range s.Keys {
		l := t.lockedLog(key)
		t.insert(l, at)
		cutoff := t.now().Add(-window)
		counts[i] = l.countAfter(cutoff)
		if !at.After(cutoff) {
			counts[i]++ // a backdated transaction still counts toward its own burst
		}
		l.mu.Unlock()
	}
	return counts, nil
}

func (t *MemoryTracker) stamp(s Summary) time.Time {
	if s.At.IsZero() {
		return t.now()
	}
	return s.At
}

// insert adds at in order, then prunes and caps. Caller holds l.mu.
func (t *MemoryTracker) insert(l *actorLog, at time.Time) {
	i := sort.Search(len(l.times), func(i int) bool { return l.times[i].After(at) })
	l.times = append(l.times, time.Time{})
	copy(l.times[i+1:], l.times[i:])
	l.times[i] = at

	l.prune(t.now().Add(-t.maxWindow))
	if over := len(l.times) - t.maxPerActor; over > 0 {
		l.times = append(l.times[:0], l.times[over:]...)
	}
}

// RecentCount counts entries for key inside the trailing window. Windows
// longer than the retention horizon are clamped to it.
func (t *MemoryTracker) RecentCount(_ context.Context, key string, window time.Duration) (int, error) {
	v, ok := t.logs.Load(key)
	if !ok {
		return 0, nil
	}
	if window > t.maxWindow {
		window = t.maxWindow
	}
	l := v.(*actorLog)
	now := t.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(now.Add(-t.maxWindow))
	return l.countAfter(now.Add(-window)), nil
}

// Sweep removes actors with no entries inside the retention horizon and
// returns how many were removed.
func (t *MemoryTracker) Sweep() int {
	cutoff := t.now().Add(-t.maxWindow)
	removed := 0
	t.logs.Range(func(k, v any) bool {
		l := v.(*actorLog)
		l.mu.Lock()
		l.prune(cutoff)
		if len(l.times) == 0 {
			l.dead = true
			t.logs.Delete(k)
			removed++
		}
		l.mu.Unlock()
		return true
	})
	return removed
}

// StartJanitor sweeps idle actors every interval until ctx is done. Call in a goroutine.
func (t *MemoryTracker) StartJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}
