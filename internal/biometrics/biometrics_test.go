package biometrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func keystrokes(totalsMs ...float64) []KeystrokeSample {
	out := make([]KeystrokeSample, len(totalsMs))
	for i, ms := range totalsMs {
		out[i] = KeystrokeSample{DwellMs: ms / 2, FlightMs: ms / 2}
	}
	return out
}

func TestAnalyze_TooFewKeystrokesIsNeutral(t *testing.T) {
	a := NewAnalyzer(DefaultConfig())
	// wildly uneven timing that would look erratic if it were scored
	s := &Session{Samples: Samples{Keystrokes: keystrokes(10, 2000, 15, 3000)}}

	res := a.Analyze(s)
	assert.False(t, res.Sufficient)
	assert.False(t, res.Typing.Sufficient)
	assert.Equal(t, float64(NeutralRisk), res.RiskScore)
	assert.Empty(t, res.Flags)
}

func TestAnalyze_SteadyTyping(t *testing.T) {
	a := NewAnalyzer(DefaultConfig())
	s := &Session{Touch: true, Samples: Samples{Keystrokes: keystrokes(200, 250, 200, 250, 200, 250, 200, 250, 200, 250)}}

	res := a.Analyze(s)
	assert.True(t, res.Sufficient)
	assert.InDelta(t, 4.5, res.AvgTypingSpeed, 1e-9)
	assert.InDelta(t, 0.5, res.Typing.StdDev, 1e-9)
	// 100 - min(100*0.5/4.5, 100)
	assert.InDelta(t, 88.888889, res.Typing.Consistency, 1e-6)
	assert.InDelta(t, 88.9, res.ConsistencyScore, 1e-9)
	assert.InDelta(t, 11.1, res.RiskScore, 1e-9)
	assert.Empty(t, res.Flags)
}

func TestAnalyze_ConsistencyIgnoresStreamUnits(t *testing.T) {
	a := NewAnalyzer(DefaultConfig())
	quick := a.Analyze(&Session{Touch: true, Samples: Samples{Keystrokes: keystrokes(200, 250, 200, 250, 200, 250)}})
	slow := a.Analyze(&Session{Touch: true, Samples: Samples{Keystrokes: keystrokes(400, 500, 400, 500, 400, 500)}})

	assert.NotEqual(t, quick.Typing.StdDev, slow.Typing.StdDev)
	assert.InDelta(t, quick.Typing.Consistency, slow.Typing.Consistency, 1e-9, "same relative spread, same consistency")
}

func TestAnalyze_WildSpreadFloorsAtZero(t *testing.T) {
	a := NewAnalyzer(DefaultConfig())
	// one 1000 keys/s burst among 1 keys/s strokes: spread is close to 300%
	res := a.Analyze(&Session{Touch: true, Samples: Samples{Keystrokes: keystrokes(1, 1000, 1000, 1000, 1000, 1000, 1000, 1000, 1000, 1000)}})
	assert.True(t, res.Typing.Sufficient)
	assert.Equal(t, 0.0, res.Typing.Consistency)
}

func TestAnalyze_ConsistencyAveragesSufficientStreamsOnly(t *testing.T) {
	a := NewAnalyzer(DefaultConfig())
	s := &Session{Touch: true, Samples: Samples{
		Keystrokes: keystrokes(200, 250, 200, 250, 200, 250, 200, 250, 200, 250),
		Scroll:     []ScrollSample{{DeltaY: 100, T: 0}, {DeltaY: 100, T: 100}, {DeltaY: 300, T: 200}}, // below minimum
	}}

	res := a.Analyze(s)
	assert.False(t, res.Scroll.Sufficient)
	assert.InDelta(t, 88.9, res.ConsistencyScore, 1e-9)
}

func TestAnalyze_ScriptedPointerIsFlagged(t *testing.T) {
	a := NewAnalyzer(DefaultConfig())
	var ps []PointerSample
	for i := 0; i < 12; i++ {
		ps = append(ps, PointerSample{X: float64(i * 10), Y: 0, T: int64(i * 10)})
	}

	res := a.Analyze(&Session{Samples: Samples{Pointer: ps}})
	assert.Equal(t, []Flag{FlagScriptedPointer}, res.Flags)
	assert.InDelta(t, 1000, res.AvgPointerVelocity, 1e-9)
	assert.Equal(t, 70.0, res.RiskScore, "perfect consistency does not hide scripted input")
}

func TestAnalyze_ZeroPointerMovementIsFlagged(t *testing.T) {
	a := NewAnalyzer(DefaultConfig())
	ps := []PointerSample{{X: 5, Y: 5, T: 0}, {X: 5, Y: 5, T: 50}, {X: 5, Y: 5, T: 100}}

	res := a.Analyze(&Session{Samples: Samples{Pointer: ps}})
	assert.Contains(t, res.Flags, FlagNoPointerMovement)
	assert.Equal(t, 70.0, res.RiskScore)
}

func TestAnalyze_KeystrokesWithoutPointerAreFlagged(t *testing.T) {
	a := NewAnalyzer(DefaultConfig())
	typed := Samples{Keystrokes: keystrokes(200, 250, 200, 250, 200, 250)}

	res := a.Analyze(&Session{Samples: typed})
	assert.Equal(t, []Flag{FlagNoPointerMovement}, res.Flags)
	assert.Equal(t, 70.0, res.RiskScore)

	assert.Empty(t, a.Analyze(&Session{Touch: true, Samples: typed}).Flags, "touch keypads have no pointer")

	few := Samples{Keystrokes: keystrokes(200, 250)}
	assert.Empty(t, a.Analyze(&Session{Samples: few}).Flags, "too little typing to judge")

	cfg := DefaultConfig()
	cfg.FlagMissingPointer = false
	assert.Empty(t, NewAnalyzer(cfg).Analyze(&Session{Samples: typed}).Flags)
}

func TestAnalyze_TypingSpeedExtremes(t *testing.T) {
	a := NewAnalyzer(DefaultConfig())

	fast := a.Analyze(&Session{Samples: Samples{Keystrokes: keystrokes(40, 40, 42, 40, 38, 40)}})
	assert.Contains(t, fast.Flags, FlagTypingTooFast)
	assert.GreaterOrEqual(t, fast.RiskScore, 70.0)

	slow := a.Analyze(&Session{Samples: Samples{Keystrokes: keystrokes(4000, 3500, 5000, 4200, 3900)}})
	assert.Contains(t, slow.Flags, FlagTypingTooSlow)
}

func TestAnalyze_NilSession(t *testing.T) {
	res := NewAnalyzer(DefaultConfig()).Analyze(nil)
	assert.Equal(t, float64(NeutralRisk), res.RiskScore)
	assert.False(t, res.Sufficient)
}

func TestAnalyze_ScoresStayInRange(t *testing.T) {
	a := NewAnalyzer(DefaultConfig())
	s := &Session{Samples: Samples{
		Keystrokes: keystrokes(1, 5000, 3, 9000, 2, 7000),
		Scroll:     []ScrollSample{{DeltaY: 1, T: 0}, {DeltaY: 9000, T: 1}, {DeltaY: 1, T: 2}, {DeltaY: 9000, T: 3}, {DeltaY: 1, T: 4}},
	}}
	res := a.Analyze(s)
	assert.GreaterOrEqual(t, res.ConsistencyScore, 0.0)
	assert.LessOrEqual(t, res.ConsistencyScore, 100.0)
	assert.GreaterOrEqual(t, res.RiskScore, 0.0)
	assert.LessOrEqual(t, res.RiskScore, 100.0)
}
