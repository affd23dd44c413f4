package risk

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/biometrics"
	"github.com/mbd888/sentinel/internal/config"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/patterns"
	"github.com/mbd888/sentinel/internal/trust"
	"github.com/mbd888/sentinel/internal/txn"
	"github.com/mbd888/sentinel/internal/velocity"
)

type fakeChecker struct {
	res patterns.CheckResult
}

func (f fakeChecker) Check(context.Context, string, string) patterns.CheckResult { return f.res }

var cleanCheck = fakeChecker{res: patterns.CheckResult{Available: true}}

func blacklisted(id string, reports int) fakeChecker {
	return fakeChecker{res: patterns.CheckResult{
		Available:   true,
		Blacklisted: &patterns.BlacklistEntry{Identifier: id, ReportCount: reports, Category: "scam"},
	}}
}

type failingTracker struct{}

func (failingTracker) Record(context.Context, velocity.Summary) error { return errors.New("redis down") }
func (failingTracker) RecentCount(context.Context, string, time.Duration) (int, error) {
	return 0, errors.New("redis down")
}
func (failingTracker) RecordAndCount(context.Context, velocity.Summary, time.Duration) ([]int, error) {
	return nil, errors.New("redis down")
}

type intelFunc func(ctx context.Context, addr string) (*txn.NetworkSignal, error)

func (f intelFunc) Lookup(ctx context.Context, addr string) (*txn.NetworkSignal, error) {
	return f(ctx, addr)
}

type staticTrust map[string]float64

func (s staticTrust) Get(_ context.Context, id string) (*trust.Score, error) {
	v, ok := s[id]
	if !ok {
		return nil, nil
	}
	return &trust.Score{EntityID: id, Score: v}, nil
}

func newTestEngine(checker PatternChecker) *Engine {
	return NewEngine(config.DefaultScoring(), checker, velocity.NewMemoryTracker(time.Hour, 1000)).
		WithLogger(logging.Discard())
}

func newTx(id, amount string) *txn.Transaction {
	return &txn.Transaction{
		ID:          id,
		SenderID:    "+255711000001",
		RecipientID: "+255722000002",
		Amount:      decimal.RequireFromString(amount),
		Currency:    "TZS",
		Channel:     txn.ChannelMobileMoney,
		Timestamp:   time.Now().UTC(),
	}
}

func TestEvaluate_SmallTransactionApproved(t *testing.T) {
	d, err := newTestEngine(cleanCheck).Evaluate(context.Background(), newTx("tx-1", "10"), nil, nil)
	require.NoError(t, err)

	// 50*.25 + 40*.20 + 30*.20 + 5*.20 + 5*.15
	assert.InDelta(t, 28.25, d.Score, 0.1)
	assert.Equal(t, TierLow, d.Tier)
	assert.Equal(t, OutcomeApprove, d.Outcome)
	assert.False(t, d.MFARequired)
	assert.Equal(t, 50, d.Confidence)
	assert.Equal(t, "tx-1", d.TransactionID)
	assert.NotEmpty(t, d.ID)
	assert.Len(t, d.Factors, 5)
	assert.NotNil(t, d.TriggeredRules)
}

func TestEvaluate_ValidationFailsFast(t *testing.T) {
	e := newTestEngine(cleanCheck)

	tx := newTx("tx-1", "-5")
	_, err := e.Evaluate(context.Background(), tx, nil, nil)
	assert.ErrorIs(t, err, txn.ErrValidation)

	tx = newTx("tx-1", "5")
	tx.RecipientID = ""
	_, err = e.Evaluate(context.Background(), tx, nil, nil)
	var verr *txn.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "recipientId", verr.Field)
}

func TestEvaluate_LargeAmountNeverApproved(t *testing.T) {
	d, err := newTestEngine(cleanCheck).Evaluate(context.Background(), newTx("tx-a", "75000"), nil, nil)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, d.SubScores.Transaction, 65.0)
	assert.NotEqual(t, OutcomeApprove, d.Outcome)
	assert.Contains(t, []Outcome{OutcomeReview, OutcomeMFARequired}, d.Outcome)
	assert.True(t, d.MFARequired)
	assert.Contains(t, d.TriggeredRules, "amount.step_up")
}

func TestEvaluate_BlacklistedRecipientDeclined(t *testing.T) {
	tx := newTx("tx-b", "10")
	d, err := newTestEngine(blacklisted(tx.RecipientID, 12)).Evaluate(context.Background(), tx, nil, nil)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, d.Score, 95.0)
	assert.Equal(t, OutcomeDecline, d.Outcome)
	assert.Equal(t, TierCritical, d.Tier)
	assert.Contains(t, d.TriggeredRules, "blacklist:"+tx.RecipientID)
	f, ok := d.Factor(FactorBlacklist)
	require.True(t, ok)
	assert.Contains(t, f.Detail, "12")
}

func TestEvaluate_BlacklistDominatesEverySignalMix(t *testing.T) {
	sessions := []*biometrics.Session{nil, steadySession()}
	signals := []*txn.NetworkSignal{nil, {IP: "10.0.0.1"}, {IP: "10.0.0.2", IsTor: true}}
	amounts := []string{"0", "1", "999", "75000", "2000000"}

	e := newTestEngine(blacklisted("+255722000002", 1))
	n := 0
	for _, s := range sessions {
		for _, sig := range signals {
			for _, amt := range amounts {
				n++
				d, err := e.Evaluate(context.Background(), newTx(fmt.Sprintf("tx-%d", n), amt), s, sig)
				require.NoError(t, err)
				assert.GreaterOrEqual(t, d.Score, 95.0)
				assert.Contains(t, []Outcome{OutcomeReview, OutcomeDecline}, d.Outcome)
			}
		}
	}
}

func TestEvaluate_ScoreBoundedForAnyWeights(t *testing.T) {
	weightSets := []config.Weights{
		{Behavioral: 1},
		{Device: 1},
		{Network: 1},
		{Transaction: 1},
		{Velocity: 1},
		{Behavioral: 0.2, Device: 0.2, Network: 0.2, Transaction: 0.2, Velocity: 0.2},
		config.DefaultScoring().Weights,
	}
	worst := &txn.NetworkSignal{IsTor: true, IsProxy: true, IsVPN: true, IsDatacenter: true, Reputation: 250}

	for i, w := range weightSets {
		require.NoError(t, w.Validate())
		cfg := config.DefaultScoring()
		cfg.Weights = w
		e := NewEngine(cfg, fakeChecker{res: patterns.CheckResult{
			Available: true,
			Matches: []patterns.Match{
				{PatternID: "a", Severity: patterns.SeverityCritical, Points: 40},
				{PatternID: "b", Severity: patterns.SeverityCritical, Points: 40},
				{PatternID: "c", Severity: patterns.SeverityCritical, Points: 40},
			},
		}}, velocity.NewMemoryTracker(time.Hour, 1000)).WithLogger(logging.Discard())

		for _, amt := range []string{"0", "5000000"} {
			d, err := e.Evaluate(context.Background(), newTx(fmt.Sprintf("tx-%d-%s", i, amt), amt), nil, worst)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, d.Score, 0.0)
			assert.LessOrEqual(t, d.Score, 100.0)
			for _, f := range d.Factors {
				assert.GreaterOrEqual(t, f.Score, 0.0)
				assert.LessOrEqual(t, f.Score, 100.0)
			}
		}
	}
}

func TestEvaluate_InsufficientBiometricsIsNeutral(t *testing.T) {
	session := &biometrics.Session{ID: "s1", Samples: biometrics.Samples{
		Keystrokes: []biometrics.KeystrokeSample{
			{Key: "a", DwellMs: 5, FlightMs: 5},
			{Key: "b", DwellMs: 900, FlightMs: 3000},
			{Key: "c", DwellMs: 40, FlightMs: 10},
		},
	}}

	d, err := newTestEngine(cleanCheck).Evaluate(context.Background(), newTx("tx-d", "10"), session, nil)
	require.NoError(t, err)

	assert.InDelta(t, float64(biometrics.NeutralRisk), d.SubScores.Behavioral, 0.001)
	assert.Equal(t, 75, d.Confidence, "a supplied session still raises confidence")
	f, _ := d.Factor(FactorBehavioral)
	assert.Equal(t, "insufficient samples", f.Detail)
}

func TestEvaluate_ConfidenceCountsSignals(t *testing.T) {
	e := newTestEngine(cleanCheck)
	d, err := e.Evaluate(context.Background(), newTx("tx-1", "10"), steadySession(), &txn.NetworkSignal{IP: "10.1.1.1"})
	require.NoError(t, err)
	assert.Equal(t, 100, d.Confidence)
}

func TestEvaluate_NetworkSignal(t *testing.T) {
	e := newTestEngine(cleanCheck)
	d, err := e.Evaluate(context.Background(), newTx("tx-1", "10"), nil, &txn.NetworkSignal{IP: "1.2.3.4", IsTor: true})
	require.NoError(t, err)
	assert.InDelta(t, 70, d.SubScores.Network, 0.001)

	d, err = e.Evaluate(context.Background(), newTx("tx-2", "10"), nil, &txn.NetworkSignal{IP: "1.2.3.4"})
	require.NoError(t, err)
	assert.InDelta(t, 10, d.SubScores.Network, 0.001)
}

func TestEvaluate_NetworkLookupTimeoutFallsBack(t *testing.T) {
	slow := intelFunc(func(ctx context.Context, _ string) (*txn.NetworkSignal, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	e := newTestEngine(cleanCheck).WithNetworkIntel(slow, 20*time.Millisecond)
	before := testutil.ToFloat64(metrics.SubScoreFallbacksTotal.WithLabelValues("network"))

	tx := newTx("tx-1", "10")
	tx.NetworkAddress = "203.0.113.9"
	start := time.Now()
	d, err := e.Evaluate(context.Background(), tx, nil, nil)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), time.Second)
	f, _ := d.Factor(FactorNetwork)
	assert.True(t, f.Fallback)
	assert.InDelta(t, neutralNetwork, f.Score, 0.001)
	assert.Equal(t, 50, d.Confidence)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.SubScoreFallbacksTotal.WithLabelValues("network")))
}

func TestEvaluate_NetworkLookupSuccess(t *testing.T) {
	var calls atomic.Int32
	intel := intelFunc(func(_ context.Context, addr string) (*txn.NetworkSignal, error) {
		calls.Add(1)
		return &txn.NetworkSignal{IP: addr, IsProxy: true}, nil
	})
	e := newTestEngine(cleanCheck).WithNetworkIntel(intel, time.Second)

	tx := newTx("tx-1", "10")
	tx.NetworkAddress = "203.0.113.9"
	d, err := e.Evaluate(context.Background(), tx, nil, nil)
	require.NoError(t, err)
	assert.InDelta(t, 50, d.SubScores.Network, 0.001)
	assert.Equal(t, 75, d.Confidence)

	// a supplied signal skips the lookup
	_, err = e.Evaluate(context.Background(), tx, nil, &txn.NetworkSignal{IP: "x"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEvaluate_DeviceNovelty(t *testing.T) {
	reg := NewMemoryDeviceRegistry(0)
	e := newTestEngine(cleanCheck).WithDevices(reg)
	ctx := context.Background()

	tx := newTx("tx-1", "10")
	tx.DeviceFingerprint = "fp-1"
	d, err := e.Evaluate(ctx, tx, nil, nil)
	require.NoError(t, err)
	assert.InDelta(t, neutralDevice, d.SubScores.Device, 0.001, "no history")

	require.NoError(t, reg.Remember(ctx, tx.SenderID, "fp-1"))
	d, err = e.Evaluate(ctx, tx, nil, nil)
	require.NoError(t, err)
	assert.InDelta(t, knownDeviceRisk, d.SubScores.Device, 0.001)

	tx.DeviceFingerprint = "fp-2"
	d, err = e.Evaluate(ctx, tx, nil, nil)
	require.NoError(t, err)
	assert.InDelta(t, unknownDeviceRisk, d.SubScores.Device, 0.001)
}

func TestEvaluate_TrackerFailureFallsBack(t *testing.T) {
	e := NewEngine(config.DefaultScoring(), cleanCheck, failingTracker{}).WithLogger(logging.Discard())
	d, err := e.Evaluate(context.Background(), newTx("tx-1", "10"), nil, nil)
	require.NoError(t, err)

	f, _ := d.Factor(FactorVelocity)
	assert.True(t, f.Fallback)
	assert.Zero(t, f.Score)
}

func TestEvaluate_CriticalPatternLiftsScore(t *testing.T) {
	e := newTestEngine(fakeChecker{res: patterns.CheckResult{
		Available: true,
		Matches:   []patterns.Match{{PatternID: "kw-otp", Severity: patterns.SeverityCritical, Points: 40}},
	}})
	d, err := e.Evaluate(context.Background(), newTx("tx-1", "10"), nil, nil)
	require.NoError(t, err)

	assert.InDelta(t, 40, d.Score, 0.001)
	assert.Equal(t, TierMedium, d.Tier)
	assert.Contains(t, d.TriggeredRules, "pattern:kw-otp")
	f, ok := d.Factor(FactorPattern)
	require.True(t, ok)
	assert.InDelta(t, 40, f.Contribution, 0.001)
}

func TestEvaluate_LowPatternDoesNotDominate(t *testing.T) {
	e := newTestEngine(fakeChecker{res: patterns.CheckResult{
		Available: true,
		Matches:   []patterns.Match{{PatternID: "kw-gift", Severity: patterns.SeverityLow, Points: 10}},
	}})
	d, err := e.Evaluate(context.Background(), newTx("tx-1", "10"), nil, nil)
	require.NoError(t, err)
	assert.InDelta(t, 28.25, d.Score, 0.1)
	assert.Contains(t, d.TriggeredRules, "pattern:kw-gift")
}

func TestEvaluate_PatternScoreCapped(t *testing.T) {
	var ms []patterns.Match
	for i := 0; i < 4; i++ {
		ms = append(ms, patterns.Match{PatternID: fmt.Sprint(i), Severity: patterns.SeverityCritical, Points: 40})
	}
	d, err := newTestEngine(fakeChecker{res: patterns.CheckResult{Available: true, Matches: ms}}).
		Evaluate(context.Background(), newTx("tx-1", "10"), nil, nil)
	require.NoError(t, err)
	assert.InDelta(t, 100, d.Score, 0.001)
	assert.Equal(t, OutcomeDecline, d.Outcome)
}

func TestEvaluate_OfflineAndUnavailablePatterns(t *testing.T) {
	d, err := newTestEngine(fakeChecker{res: patterns.CheckResult{Offline: true, Available: false}}).
		Evaluate(context.Background(), newTx("tx-1", "10"), nil, nil)
	require.NoError(t, err)
	assert.True(t, d.Offline)
	assert.Contains(t, d.TriggeredRules, "patterns.unavailable")
	assert.Equal(t, OutcomeApprove, d.Outcome)
}

func TestEvaluate_CriticalRecipientTrustRequiresMFA(t *testing.T) {
	e := newTestEngine(cleanCheck).WithTrust(staticTrust{"+255722000002": 22})
	d, err := e.Evaluate(context.Background(), newTx("tx-1", "10"), nil, nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeMFARequired, d.Outcome)
	assert.True(t, d.MFARequired)
	assert.Contains(t, d.TriggeredRules, "trust.recipient_critical")
}

func TestOutcomeMapping(t *testing.T) {
	e := newTestEngine(cleanCheck)
	tests := []struct {
		score float64
		want  Outcome
		tier  Tier
	}{
		{0, OutcomeApprove, TierLow},
		{29.9, OutcomeApprove, TierLow},
		{30, OutcomeApprove, TierMedium},
		{50, OutcomeApprove, TierHigh},
		{60, OutcomeMFARequired, TierHigh},
		{69.9, OutcomeMFARequired, TierHigh},
		{70, OutcomeReview, TierCritical},
		{84.9, OutcomeReview, TierCritical},
		{85, OutcomeDecline, TierCritical},
		{100, OutcomeDecline, TierCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, e.outcomeFor(tt.score), "score %.1f", tt.score)
		assert.Equal(t, tt.tier, e.tierFor(tt.score), "score %.1f", tt.score)
	}
}

func TestScoreTransaction_Tiers(t *testing.T) {
	e := newTestEngine(cleanCheck)
	tests := []struct {
		amount string
		want   float64
	}{
		{"0", 5},
		{"999.99", 5},
		{"1000", 15}, // round, not above 1,000
		{"1500", 20},
		{"10001", 40},
		{"50000", 50},
		{"75000", 75},
		{"75001", 65},
		{"100000.5", 75},
		{"500001", 85},
		{"2000000", 100},
	}
	for _, tt := range tests {
		f := e.scoreTransaction(newTx("t", tt.amount))
		assert.InDelta(t, tt.want, f.Score, 0.001, tt.amount)
	}
}

func steadySession() *biometrics.Session {
	s := &biometrics.Session{ID: "steady", Touch: true}
	for i := 0; i < 12; i++ {
		s.Keystrokes = append(s.Keystrokes, biometrics.KeystrokeSample{Key: "k", DwellMs: 90, FlightMs: 150 + float64(i%3)*10})
	}
	return s
}
