package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/sentinel/internal/biometrics"
	"github.com/mbd888/sentinel/internal/circuitbreaker"
	"github.com/mbd888/sentinel/internal/config"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/patterns"
	"github.com/mbd888/sentinel/internal/traces"
	"github.com/mbd888/sentinel/internal/txn"
	"github.com/mbd888/sentinel/internal/velocity"
)

// Neutral defaults substituted when a signal is absent or its source fails.
const (
	neutralBehavioral = biometrics.NeutralRisk
	neutralDevice     = 40.0
	neutralNetwork    = 30.0
	neutralVelocity   = 0.0

	knownDeviceRisk   = 10.0
	unknownDeviceRisk = 70.0

	networkBaseline   = 10.0
	torRisk           = 60.0
	proxyRisk         = 40.0
	vpnRisk           = 30.0
	datacenterRisk    = 20.0
	roundAmountRisk   = 10.0
	criticalTrustRisk = 40.0 // recipients scoring below this need step-up

	baseConfidence   = 50
	signalConfidence = 25
)

type amountTier struct {
	above decimal.Decimal
	score float64
}

// amountTiers is ordered from the highest threshold down.
var amountTiers = []amountTier{
	{decimal.NewFromInt(1_000_000), 95},
	{decimal.NewFromInt(500_000), 85},
	{decimal.NewFromInt(100_000), 75},
	{decimal.NewFromInt(50_000), 65},
	{decimal.NewFromInt(10_000), 40},
	{decimal.NewFromInt(1_000), 20},
}

const smallAmountRisk = 5.0

// Engine scores transactions. It holds no per-transaction state; the
// velocity tracker, device registry and trust graph it reads are shared.
type Engine struct {
	cfg      config.Scoring
	analyzer *biometrics.Analyzer
	checker  PatternChecker
	tracker  velocity.Tracker
	scorer   velocity.Scorer
	window   time.Duration

	devices DeviceRegistry // nil scores every device as unseen history
	intel   NetworkIntel   // nil skips address lookups
	trust   TrustReader    // nil skips recipient trust
	breaker *circuitbreaker.Breaker

	enrichmentTimeout time.Duration
	logger            *slog.Logger
	now               func() time.Time
}

// NewEngine creates a risk scoring engine with the given scoring
// configuration, pattern checker and velocity tracker.
func NewEngine(cfg config.Scoring, checker PatternChecker, tracker velocity.Tracker) *Engine {
	vel := config.DefaultVelocity()
	return &Engine{
		cfg:               cfg,
		analyzer:          biometrics.NewAnalyzer(biometrics.DefaultConfig()),
		checker:           checker,
		tracker:           tracker,
		scorer:            velocity.Scorer{ModerateBurst: vel.ModerateBurst, HighBurst: vel.HighBurst},
		window:            vel.Window,
		breaker:           circuitbreaker.New(5, 30*time.Second),
		enrichmentTimeout: 300 * time.Millisecond,
		logger:            slog.Default(),
		now:               time.Now,
	}
}

// WithVelocity overrides the burst window and thresholds.
func (e *Engine) WithVelocity(v config.Velocity) *Engine {
	e.window = v.Window
	e.scorer = velocity.Scorer{ModerateBurst: v.ModerateBurst, HighBurst: v.HighBurst}
	return e
}

// WithAnalyzer overrides the behavioral analyzer.
func (e *Engine) WithAnalyzer(a *biometrics.Analyzer) *Engine {
	e.analyzer = a
	return e
}

// WithDevices sets the device registry.
func (e *Engine) WithDevices(d DeviceRegistry) *Engine {
	e.devices = d
	return e
}

// WithNetworkIntel sets the IP intelligence source and per-lookup timeout.
func (e *Engine) WithNetworkIntel(n NetworkIntel, timeout time.Duration) *Engine {
	e.intel = n
	if timeout > 0 {
		e.enrichmentTimeout = timeout
	}
	return e
}

// WithTrust sets the trust score reader used for recipient step-up.
func (e *Engine) WithTrust(t TrustReader) *Engine {
	e.trust = t
	return e
}

// WithBreaker shares a circuit breaker with other components.
func (e *Engine) WithBreaker(b *circuitbreaker.Breaker) *Engine {
	e.breaker = b
	return e
}

// WithLogger sets the logger.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	e.logger = l
	return e
}

// signals collects the outcome of every scorer before aggregation.
type signals struct {
	behavioral   Factor
	device       Factor
	network      Factor
	transaction  Factor
	velocity     Factor
	bioFlags     []biometrics.Flag
	hasBio       bool
	hasNetwork   bool
	check        patterns.CheckResult
	trust        *float64
}

// Evaluate scores tx. session and signal are optional. Only a malformed
// transaction returns an error; every enrichment failure degrades to its
// neutral default.
func (e *Engine) Evaluate(ctx context.Context, tx *txn.Transaction, session *biometrics.Session, signal *txn.NetworkSignal) (*Decision, error) {
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	ctx, span := traces.StartSpan(ctx, "risk.Evaluate",
		traces.TransactionID(tx.ID),
		traces.Channel(string(tx.Channel)),
		traces.Amount(tx.Amount.String()),
	)
	defer span.End()
	ctx = logging.WithTransactionID(ctx, tx.ID)

	var s signals
	var g errgroup.Group
	g.Go(func() error { s.behavioral, s.bioFlags, s.hasBio = e.scoreBehavioral(session); return nil })
	g.Go(func() error { s.device = e.scoreDevice(ctx, tx); return nil })
	g.Go(func() error { s.network, s.hasNetwork = e.scoreNetwork(ctx, tx, signal); return nil })
	g.Go(func() error { s.transaction = e.scoreTransaction(tx); return nil })
	g.Go(func() error { s.velocity = e.scoreVelocity(ctx, tx); return nil })
	g.Go(func() error { s.check = e.checker.Check(ctx, tx.Message, tx.RecipientID); return nil })
	g.Go(func() error { s.trust = e.recipientTrust(ctx, tx); return nil })
	_ = g.Wait()

	d := e.aggregate(tx, &s)

	for _, f := range d.Factors {
		if f.Fallback {
			metrics.SubScoreFallbacksTotal.WithLabelValues(string(f.Kind)).Inc()
		}
	}
	if d.Offline {
		metrics.OfflineEvaluationsTotal.Inc()
	}
	metrics.EvaluationsTotal.WithLabelValues(string(d.Outcome), string(d.Tier)).Inc()
	metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(traces.RiskScore(d.Score), traces.Outcome(string(d.Outcome)), traces.Offline(d.Offline))

	logging.L(ctx).Debug("transaction evaluated",
		"score", d.Score, "tier", d.Tier, "outcome", d.Outcome, "confidence", d.Confidence)
	return d, nil
}

func (e *Engine) aggregate(tx *txn.Transaction, s *signals) *Decision {
	w := e.cfg.Weights
	weighted := []struct {
		f *Factor
		w float64
	}{
		{&s.behavioral, w.Behavioral},
		{&s.device, w.Device},
		{&s.network, w.Network},
		{&s.transaction, w.Transaction},
		{&s.velocity, w.Velocity},
	}

	var sum float64
	factors := make([]Factor, 0, 7)
	for _, x := range weighted {
		x.f.Score = clamp(x.f.Score)
		x.f.Weight = x.w
		x.f.Contribution = round1(x.f.Score * x.w)
		x.f.Severity = e.tierFor(x.f.Score)
		sum += x.f.Score * x.w
		factors = append(factors, *x.f)
	}
	score := clamp(sum)

	var rules []string
	for _, fl := range s.bioFlags {
		rules = append(rules, "behavioral."+string(fl))
	}
	if s.velocity.Score >= velocity.HighRisk {
		rules = append(rules, "velocity.burst")
	}

	// Pattern matches: a critical or high match lifts the score to the
	// capped pattern score.
	if len(s.check.Matches) > 0 {
		ps := clamp(float64(s.check.Points()))
		dominant := false
		for _, m := range s.check.Matches {
			rules = append(rules, "pattern:"+m.PatternID)
			if m.Severity == patterns.SeverityCritical || m.Severity == patterns.SeverityHigh {
				dominant = true
			}
		}
		f := Factor{Kind: FactorPattern, Score: ps, Severity: e.tierFor(ps), Detail: fmt.Sprintf("%d pattern(s) matched", len(s.check.Matches))}
		if dominant && ps > score {
			score = ps
			f.Contribution = ps
		}
		factors = append(factors, f)
	}

	// Blacklist dominance: fail closed on an exact recipient hit.
	if bl := s.check.Blacklisted; bl != nil {
		floor := e.cfg.BlacklistFloor
		score = math.Max(score, floor)
		rules = append(rules, "blacklist:"+bl.Identifier)
		factors = append(factors, Factor{
			Kind:         FactorBlacklist,
			Score:        floor,
			Contribution: floor,
			Severity:     TierCritical,
			Detail:       fmt.Sprintf("recipient reported %d time(s), category %q", bl.ReportCount, bl.Category),
		})
	}
	if !s.check.Available {
		rules = append(rules, "patterns.unavailable")
	}

	score = round1(clamp(score))
	d := &Decision{
		ID:            uuid.NewString(),
		TransactionID: tx.ID,
		SenderID:      tx.SenderID,
		RecipientID:   tx.RecipientID,
		Score:         score,
		Tier:          e.tierFor(score),
		SubScores: SubScores{
			Behavioral:  s.behavioral.Score,
			Device:      s.device.Score,
			Network:     s.network.Score,
			Transaction: s.transaction.Score,
			Velocity:    s.velocity.Score,
		},
		Factors:     factors,
		Offline:     s.check.Offline,
		Confidence:  baseConfidence,
		EvaluatedAt: e.now().UTC(),
	}
	if s.hasBio {
		d.Confidence += signalConfidence
	}
	if s.hasNetwork {
		d.Confidence += signalConfidence
	}

	d.Outcome = e.outcomeFor(score)
	d.MFARequired = score >= e.cfg.MFAThreshold

	// Step-up rules only ever escalate an approval.
	if e.cfg.StepUpAmount > 0 && tx.Amount.GreaterThan(decimal.NewFromFloat(e.cfg.StepUpAmount)) {
		rules = append(rules, "amount.step_up")
		d.MFARequired = true
	}
	if s.trust != nil && *s.trust < criticalTrustRisk {
		rules = append(rules, "trust.recipient_critical")
		d.MFARequired = true
	}
	if d.MFARequired && d.Outcome == OutcomeApprove {
		d.Outcome = OutcomeMFARequired
	}
	if rules == nil {
		rules = []string{}
	}
	d.TriggeredRules = rules
	return d
}

// tierFor maps a 0-100 score onto the configured tiers.
func (e *Engine) tierFor(score float64) Tier {
	switch {
	case score >= e.cfg.CriticalThreshold:
		return TierCritical
	case score >= e.cfg.HighThreshold:
		return TierHigh
	case score >= e.cfg.MediumThreshold:
		return TierMedium
	default:
		return TierLow
	}
}

// outcomeFor: decline at the decline threshold, review from the critical
// threshold, MFA from the MFA threshold, otherwise approve.
func (e *Engine) outcomeFor(score float64) Outcome {
	switch {
	case score >= e.cfg.DeclineThreshold:
		return OutcomeDecline
	case score >= e.cfg.CriticalThreshold:
		return OutcomeReview
	case score >= e.cfg.MFAThreshold:
		return OutcomeMFARequired
	default:
		return OutcomeApprove
	}
}

func (e *Engine) scoreBehavioral(session *biometrics.Session) (Factor, []biometrics.Flag, bool) {
	if session == nil || session.Samples.Len() == 0 {
		return Factor{Kind: FactorBehavioral, Score: neutralBehavioral, Detail: "no biometrics"}, nil, false
	}
	res := e.analyzer.Analyze(session)
	detail := fmt.Sprintf("consistency %.1f", res.ConsistencyScore)
	if !res.Sufficient {
		detail = "insufficient samples"
	}
	return Factor{Kind: FactorBehavioral, Score: res.RiskScore, Detail: detail}, res.Flags, true
}

func (e *Engine) scoreDevice(ctx context.Context, tx *txn.Transaction) Factor {
	f := Factor{Kind: FactorDevice, Score: neutralDevice}
	if tx.DeviceFingerprint == "" {
		f.Detail = "no fingerprint"
		return f
	}
	if e.devices == nil {
		f.Detail = "no device history"
		return f
	}
	status, err := e.devices.Lookup(ctx, tx.SenderID, tx.DeviceFingerprint)
	if err != nil {
		logging.L(ctx).Warn("device lookup failed", "component", "risk", "error", err)
		f.Fallback = true
		f.Detail = fmt.Errorf("%w: %v", ErrEnrichmentUnavailable, err).Error()
		return f
	}
	switch status {
	case DeviceKnown:
		f.Score, f.Detail = knownDeviceRisk, "known device"
	case DeviceUnknown:
		f.Score, f.Detail = unknownDeviceRisk, "new device for sender"
	default:
		f.Detail = "no device history"
	}
	return f
}

// scoreNetwork prefers a caller-supplied signal, then a bounded lookup.
// The bool reports whether network data was actually available.
func (e *Engine) scoreNetwork(ctx context.Context, tx *txn.Transaction, signal *txn.NetworkSignal) (Factor, bool) {
	if signal != nil {
		return Factor{Kind: FactorNetwork, Score: networkScore(signal), Detail: networkDetail(signal)}, true
	}
	f := Factor{Kind: FactorNetwork, Score: neutralNetwork}
	if tx.NetworkAddress == "" || e.intel == nil {
		f.Detail = "no network data"
		return f, false
	}

	var sig *txn.NetworkSignal
	err := e.breaker.Execute(ctx, IntelUpstream, func(ctx context.Context) error {
		lctx, cancel := context.WithTimeout(ctx, e.enrichmentTimeout)
		defer cancel()
		var err error
		sig, err = e.intel.Lookup(lctx, tx.NetworkAddress)
		return err
	})
	if err != nil {
		if !errors.Is(err, circuitbreaker.ErrOpen) {
			logging.L(ctx).Warn("network intel lookup failed", "component", "risk", "address", tx.NetworkAddress, "error", err)
		}
		f.Fallback = true
		f.Detail = fmt.Errorf("%w: %v", ErrEnrichmentUnavailable, err).Error()
		return f, false
	}
	return Factor{Kind: FactorNetwork, Score: networkScore(sig), Detail: networkDetail(sig)}, true
}

func networkScore(s *txn.NetworkSignal) float64 {
	score := networkBaseline
	if s.IsTor {
		score += torRisk
	}
	if s.IsProxy {
		score += proxyRisk
	}
	if s.IsVPN {
		score += vpnRisk
	}
	if s.IsDatacenter {
		score += datacenterRisk
	}
	score = math.Max(score, s.Reputation)
	return clamp(score)
}

func networkDetail(s *txn.NetworkSignal) string {
	var flags []string
	if s.IsTor {
		flags = append(flags, "tor")
	}
	if s.IsProxy {
		flags = append(flags, "proxy")
	}
	if s.IsVPN {
		flags = append(flags, "vpn")
	}
	if s.IsDatacenter {
		flags = append(flags, "datacenter")
	}
	if len(flags) == 0 {
		return "clean address"
	}
	return fmt.Sprint(flags)
}

func (e *Engine) scoreTransaction(tx *txn.Transaction) Factor {
	f := Factor{Kind: FactorTransaction, Score: smallAmountRisk, Detail: "amount " + tx.Amount.String()}
	for _, t := range amountTiers {
		if tx.Amount.GreaterThan(t.above) {
			f.Score = t.score
			break
		}
	}
	if e.cfg.RoundAmountUnit > 0 && tx.IsRoundAmount(decimal.NewFromFloat(e.cfg.RoundAmountUnit)) {
		f.Score = math.Min(100, f.Score+roundAmountRisk)
		f.Detail += " (round)"
	}
	return f
}

// scoreVelocity records tx under each actor key and scores the busiest.
// Recording and counting in one step lets every member of a concurrent
// burst see the ones that arrived before it.
func (e *Engine) scoreVelocity(ctx context.Context, tx *txn.Transaction) Factor {
	f := Factor{Kind: FactorVelocity, Score: neutralVelocity}
	if e.tracker == nil {
		f.Detail = "no tracker"
		return f
	}
	counts, err := e.tracker.RecordAndCount(ctx, velocity.SummaryOf(tx), e.window)
	if err != nil {
		logging.L(ctx).Warn("velocity record failed", "component", "risk", "error", err)
		f.Fallback = true
		f.Detail = ErrEnrichmentUnavailable.Error()
		return f
	}
	count := 1
	for _, n := range counts {
		count = max(count, n)
	}
	f.Score = float64(e.scorer.Score(count))
	f.Detail = fmt.Sprintf("%d in %s", count, e.window)
	return f
}

func (e *Engine) recipientTrust(ctx context.Context, tx *txn.Transaction) *float64 {
	if e.trust == nil {
		return nil
	}
	s, err := e.trust.Get(ctx, tx.RecipientID)
	if err != nil {
		logging.L(ctx).Warn("trust lookup failed", "component", "risk", "error", err)
		return nil
	}
	if s == nil {
		return nil
	}
	v := s.Score
	return &v
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
