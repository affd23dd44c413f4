package patterns

import "context"

// MaxScore bounds every pattern-derived risk score.
const MaxScore = 100

// Assessment is a local-only risk estimate.
type Assessment struct {
	Score       int             `json:"score"`
	Matches     []Match         `json:"matches"`
	Blacklisted *BlacklistEntry `json:"blacklisted,omitempty"`
	// Ready is false when no local snapshot has been loaded yet.
	Ready bool `json:"ready"`
}

// OfflineDetector scores text and a counterparty with zero network access,
// using only the local snapshot.
type OfflineDetector struct {
	local          *LocalStore
	blacklistFloor int
}

// NewOfflineDetector creates a detector. blacklistFloor is the minimum score
// for a blacklisted counterparty.
func NewOfflineDetector(local *LocalStore, blacklistFloor int) *OfflineDetector {
	return &OfflineDetector{local: local, blacklistFloor: blacklistFloor}
}

// Assess returns a score in [0, 100].
func (d *OfflineDetector) Assess(text, counterparty string) Assessment {
	if !d.local.Ready() {
		return Assessment{}
	}
	snap := d.local.Snapshot()
	matches := mergeMatches(snap.Match(text), snap.MatchIdentifier(counterparty))
	entry, _ := d.local.IsBlacklisted(context.Background(), counterparty)

	score := min(TotalPoints(matches), MaxScore)
	if entry != nil {
		score = max(score, min(d.blacklistFloor, MaxScore))
	}
	return Assessment{Score: score, Matches: matches, Blacklisted: entry, Ready: true}
}
