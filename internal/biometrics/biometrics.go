// Package biometrics turns raw interaction telemetry (keystroke timing,
// pointer movement, scroll) into a per-session consistency score.
//
// Analyze is a pure function of the samples collected in a session.
package biometrics

import (
	"math"
	"time"
)

// KeystrokeSample is one key press: how long it was held and the gap since
// the previous key was released.
type KeystrokeSample struct {
	Key      string  `json:"key,omitempty"`
	DwellMs  float64 `json:"dwellMs"`
	FlightMs float64 `json:"flightMs"`
}

// PointerSample is a pointer position at T milliseconds into the session.
type PointerSample struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	T int64   `json:"t"`
}

// ScrollSample is a scroll delta at T milliseconds into the session.
type ScrollSample struct {
	DeltaY float64 `json:"deltaY"`
	T      int64   `json:"t"`
}

// Samples is a batch of telemetry appended to a session.
type Samples struct {
	Keystrokes []KeystrokeSample `json:"keystrokes,omitempty"`
	Pointer    []PointerSample   `json:"pointer,omitempty"`
	Scroll     []ScrollSample    `json:"scroll,omitempty"`
}

// Len is the total number of samples in the batch.
func (s Samples) Len() int { return len(s.Keystrokes) + len(s.Pointer) + len(s.Scroll) }

// Session holds the ordered samples of one interaction session. Sessions
// are never shared.
type Session struct {
	ID                string    `json:"id"`
	DeviceFingerprint string    `json:"deviceFingerprint,omitempty"`
	// Touch marks sessions from touch-only input (a phone keypad), where
	// keystrokes with no pointer stream are expected.
	Touch     bool      `json:"touch,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	Samples
}

// Flag names an anomaly that raises risk regardless of consistency.
type Flag string

const (
	FlagTypingTooFast     Flag = "typing_too_fast"
	FlagTypingTooSlow     Flag = "typing_too_slow"
	FlagScriptedPointer   Flag = "scripted_pointer"
	FlagNoPointerMovement Flag = "no_pointer_movement"
)

// StreamStats summarizes one telemetry stream.
type StreamStats struct {
	Samples     int     `json:"samples"`
	Mean        float64 `json:"mean"`
	StdDev      float64 `json:"stdDev"`
	Consistency float64 `json:"consistency"`
	Sufficient  bool    `json:"sufficient"`
}

// Result is the analysis of a session.
type Result struct {
	AvgTypingSpeed     float64     `json:"avgTypingSpeed"`     // keys per second
	AvgPointerVelocity float64     `json:"avgPointerVelocity"` // pixels per second
	AvgScrollSpeed     float64     `json:"avgScrollSpeed"`     // pixels per second
	ConsistencyScore   float64     `json:"consistencyScore"`   // 0-100, higher is steadier
	RiskScore          float64     `json:"riskScore"`          // 0-100
	Flags              []Flag      `json:"flags,omitempty"`
	Sufficient         bool        `json:"sufficient"`
	Typing             StreamStats `json:"typing"`
	Pointer            StreamStats `json:"pointer"`
	Scroll             StreamStats `json:"scroll"`
}

// NeutralRisk is the behavioral risk used when there is too little telemetry.
const NeutralRisk = 50

// Config holds the analyzer thresholds.
type Config struct {
	MinKeystrokes     int
	MinPointerSamples int
	MinScrollSamples  int
	FastTypingKPS     float64 // average keys/s above this is flagged
	SlowTypingKPS     float64 // average keys/s below this is flagged
	ScriptedPointerCV float64 // pointer velocity variation (percent) below this is flagged
	AnomalyRiskFloor  float64
	// FlagMissingPointer flags non-touch sessions that type at least
	// MinKeystrokes keys without producing a single pointer sample.
	FlagMissingPointer bool
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		MinKeystrokes:      5,
		MinPointerSamples:  10,
		MinScrollSamples:   5,
		FastTypingKPS:      15,
		SlowTypingKPS:      0.5,
		ScriptedPointerCV:  2,
		AnomalyRiskFloor:   70,
		FlagMissingPointer: true,
	}
}

// Analyzer computes Results. The zero value is not usable; use NewAnalyzer.
type Analyzer struct {
	cfg Config
}

// NewAnalyzer creates an analyzer with cfg.
func NewAnalyzer(cfg Config) *Analyzer {
	return &Analyzer{cfg: cfg}
}

// Analyze summarizes each stream by its standard deviation and averages the
// per-stream consistency 100 - min(spread, 100) over the streams that have
// enough samples. Spread is the standard deviation as a percentage of the
// stream's mean, so keys/s and px/s streams score on one scale. Streams
// below their minimum contribute nothing; with no usable stream the risk is
// neutral.
func (a *Analyzer) Analyze(s *Session) Result {
	if s == nil {
		return Result{ConsistencyScore: NeutralRisk, RiskScore: NeutralRisk}
	}

	typing := typingSpeeds(s.Keystrokes)
	pointer := pointerVelocities(s.Pointer)
	scroll := scrollSpeeds(s.Scroll)

	res := Result{
		Typing:  summarize(typing, len(s.Keystrokes) >= a.cfg.MinKeystrokes),
		Pointer: summarize(pointer, len(s.Pointer) >= a.cfg.MinPointerSamples),
		Scroll:  summarize(scroll, len(s.Scroll) >= a.cfg.MinScrollSamples),
	}
	res.AvgTypingSpeed = res.Typing.Mean
	res.AvgPointerVelocity = res.Pointer.Mean
	res.AvgScrollSpeed = res.Scroll.Mean

	var total float64
	var n int
	for _, st := range []StreamStats{res.Typing, res.Pointer, res.Scroll} {
		if st.Sufficient {
			total += st.Consistency
			n++
		}
	}
	if n > 0 {
		res.Sufficient = true
		res.ConsistencyScore = round1(total / float64(n))
		res.RiskScore = round1(100 - res.ConsistencyScore)
	} else {
		res.ConsistencyScore = NeutralRisk
		res.RiskScore = NeutralRisk
	}

	res.Flags = a.flags(s, res)
	if len(res.Flags) > 0 && res.RiskScore < a.cfg.AnomalyRiskFloor {
		res.RiskScore = a.cfg.AnomalyRiskFloor
	}
	return res
}

func (a *Analyzer) flags(s *Session, res Result) []Flag {
	var out []Flag
	if res.Typing.Sufficient {
		switch {
		case res.AvgTypingSpeed > a.cfg.FastTypingKPS:
			out = append(out, FlagTypingTooFast)
		case res.AvgTypingSpeed < a.cfg.SlowTypingKPS:
			out = append(out, FlagTypingTooSlow)
		}
	}
	switch {
	case len(s.Pointer) == 0:
		if a.cfg.FlagMissingPointer && !s.Touch && len(s.Keystrokes) >= a.cfg.MinKeystrokes {
			out = append(out, FlagNoPointerMovement)
		}
	case len(s.Pointer) >= 2 && pathLength(s.Pointer) == 0:
		out = append(out, FlagNoPointerMovement)
	case res.Pointer.Sufficient && res.Pointer.Mean > 0 && spread(res.Pointer) < a.cfg.ScriptedPointerCV:
		out = append(out, FlagScriptedPointer)
	}
	return out
}

func summarize(values []float64, sufficient bool) StreamStats {
	st := StreamStats{Samples: len(values), Sufficient: sufficient && len(values) > 0}
	if len(values) == 0 {
		return st
	}
	st.Mean, st.StdDev = meanStdDev(values)
	if st.Sufficient {
		st.Consistency = 100 - math.Min(spread(st), 100)
	}
	return st
}

// spread is the stream's standard deviation in percent of its mean.
func spread(st StreamStats) float64 {
	if st.Mean <= 0 {
		return 0
	}
	return 100 * st.StdDev / st.Mean
}

func meanStdDev(values []float64) (mean, stddev float64) {
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}

// typingSpeeds converts each keystroke's dwell+flight into keys per second.
func typingSpeeds(ks []KeystrokeSample) []float64 {
	out := make([]float64, 0, len(ks))
	for _, k := range ks {
		if d := k.DwellMs + k.FlightMs; d > 0 {
			out = append(out, 1000/d)
		}
	}
	return out
}

// pointerVelocities derives speed between successive pointer positions.
func pointerVelocities(ps []PointerSample) []float64 {
	out := make([]float64, 0, len(ps))
	for i := 1; i < len(ps); i++ {
		dt := ps[i].T - ps[i-1].T
		if dt <= 0 {
			continue
		}
		dist := math.Hypot(ps[i].X-ps[i-1].X, ps[i].Y-ps[i-1].Y)
		out = append(out, dist*1000/float64(dt))
	}
	return out
}

func scrollSpeeds(ss []ScrollSample) []float64 {
	out := make([]float64, 0, len(ss))
	for i := 1; i < len(ss); i++ {
		dt := ss[i].T - ss[i-1].T
		if dt <= 0 {
			continue
		}
		out = append(out, math.Abs(ss[i].DeltaY)*1000/float64(dt))
	}
	return out
}

func pathLength(ps []PointerSample) float64 {
	var total float64
	for i := 1; i < len(ps); i++ {
		total += math.Hypot(ps[i].X-ps[i-1].X, ps[i].Y-ps[i-1].Y)
	}
	return total
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
