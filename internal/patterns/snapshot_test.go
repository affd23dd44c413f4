package patterns

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func samplePatterns() []ThreatPattern {
	return []ThreatPattern{
		{ID: "kw-prize", Kind: KindKeyword, Expression: "You Have Won", Severity: SeverityHigh, UpdatedAt: t0},
		{ID: "rx-pin", Kind: KindRegex, Expression: `send\s+(me\s+)?your\s+pin`, Severity: SeverityCritical, UpdatedAt: t0},
		{ID: "ph-mule", Kind: KindPhoneExact, Expression: "+254 700-111-222", Severity: SeverityMedium, UpdatedAt: t0},
		{ID: "kw-urgent", Kind: KindKeyword, Expression: "urgent", UpdatedAt: t0},
	}
}

func TestSnapshot_MatchKinds(t *testing.T) {
	snap, applied, rejected := EmptySnapshot().Apply(samplePatterns(), t0)
	require.Empty(t, rejected)
	require.Equal(t, 4, applied)

	matches := snap.Match("URGENT: you have won! SEND me YOUR pin to +254700111222")
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.PatternID
	}
	assert.Equal(t, []string{"kw-prize", "kw-urgent", "ph-mule", "rx-pin"}, ids)
	// 30 + 15 (keyword without severity) + 20 + 40, uncapped
	assert.Equal(t, 105, TotalPoints(matches))
}

func TestSnapshot_PhoneExactNeedsWholeToken(t *testing.T) {
	snap, _, _ := EmptySnapshot().Apply(samplePatterns(), t0)

	assert.Empty(t, snap.Match("call 2547001112229 now"))
	assert.Len(t, snap.MatchIdentifier("+254-700-111-222"), 1)
	assert.Empty(t, snap.MatchIdentifier(""))
}

func TestSnapshot_ApplySameDeltaTwiceIsIdempotent(t *testing.T) {
	delta := samplePatterns()

	once, _, _ := EmptySnapshot().Apply(delta, t0)
	twice, applied, _ := once.Apply(delta, t0)

	assert.Zero(t, applied)
	assert.Equal(t, once.All(), twice.All())
	assert.Equal(t, once.Watermark(), twice.Watermark())
}

func TestSnapshot_ApplyIsOrderInsensitive(t *testing.T) {
	older := ThreatPattern{ID: "p1", Kind: KindKeyword, Expression: "gift card", Severity: SeverityLow, UpdatedAt: t0}
	newer := ThreatPattern{ID: "p1", Kind: KindKeyword, Expression: "gift card", Severity: SeverityHigh, UpdatedAt: t0.Add(time.Minute)}
	tieA := ThreatPattern{ID: "p2", Kind: KindKeyword, Expression: "alpha", UpdatedAt: t0}
	tieB := ThreatPattern{ID: "p2", Kind: KindKeyword, Expression: "beta", UpdatedAt: t0}

	a, _, _ := EmptySnapshot().Apply([]ThreatPattern{older, newer, tieA, tieB}, t0)
	b, _, _ := EmptySnapshot().Apply([]ThreatPattern{tieB, newer, tieA, older}, t0)

	assert.Equal(t, a.All(), b.All())
	assert.Equal(t, SeverityHigh, a.All()[0].Severity)
}

func TestSnapshot_TombstoneRemovesAndBlocksResurrection(t *testing.T) {
	snap, _, _ := EmptySnapshot().Apply(samplePatterns(), t0)
	require.NotEmpty(t, snap.Match("urgent"))

	tomb := ThreatPattern{ID: "kw-urgent", Deleted: true, UpdatedAt: t0.Add(time.Hour)}
	snap, _, _ = snap.Apply([]ThreatPattern{tomb}, t0)
	assert.Empty(t, snap.Match("urgent"))
	assert.Equal(t, 3, snap.Len())

	stale := ThreatPattern{ID: "kw-urgent", Kind: KindKeyword, Expression: "urgent", UpdatedAt: t0.Add(time.Minute)}
	snap, applied, _ := snap.Apply([]ThreatPattern{stale}, t0)
	assert.Zero(t, applied)
	assert.Empty(t, snap.Match("urgent"))
}

func TestSnapshot_InvalidPatternRejectedButWatermarkAdvances(t *testing.T) {
	bad := ThreatPattern{ID: "rx-bad", Kind: KindRegex, Expression: "([", UpdatedAt: t0.Add(time.Hour)}

	snap, applied, rejected := EmptySnapshot().Apply([]ThreatPattern{bad}, t0)
	assert.Zero(t, applied)
	require.Len(t, rejected, 1)
	assert.ErrorIs(t, rejected[0], ErrInvalidPattern)
	assert.Equal(t, Cursor{At: t0.Add(time.Hour), ID: "rx-bad"}, snap.Watermark())
}

func TestSnapshot_PreviousSnapshotUnchangedByApply(t *testing.T) {
	first, _, _ := EmptySnapshot().Apply(samplePatterns()[:1], t0)
	_, _, _ = first.Apply(samplePatterns()[1:], t0)

	assert.Equal(t, 1, first.Len())
}
