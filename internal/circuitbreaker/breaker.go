// Package circuitbreaker guards calls to upstream enrichment and store
// dependencies with a per-upstream closed → open → half-open cycle.
//
// A tripped breaker makes callers fail fast with ErrOpen so that the
// scoring path substitutes its neutral defaults immediately rather than
// waiting out a timeout on every evaluation.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Execute while the circuit for an upstream is open.
var ErrOpen = errors.New("circuit open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal: requests flow through
	StateOpen                  // Tripped: requests are rejected
	StateHalfOpen              // Probing: one request allowed to test recovery
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	cbStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit breaker state transitions by upstream, from-state, and to-state.",
	}, []string{"upstream", "from_state", "to_state"})

	cbRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "circuitbreaker",
		Name:      "rejected_total",
		Help:      "Calls rejected because the circuit was open.",
	}, []string{"upstream"})
)

func init() {
	prometheus.MustRegister(cbStateTransitions, cbRejected)
}

type upstream struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker tracks consecutive failures per upstream name. After threshold
// consecutive failures the circuit opens; after cooldown one probe is let
// through and its outcome decides between closed and open.
type Breaker struct {
	mu           sync.Mutex
	upstreams    map[string]*upstream
	threshold    int
	cooldown     time.Duration
	now          func() time.Time
	onTransition func(name string, from, to State)
}

// New creates a breaker that opens after threshold consecutive failures and
// probes again after cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		upstreams: make(map[string]*upstream),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// OnTransition sets a callback invoked on state changes.
func (b *Breaker) OnTransition(fn func(name string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Execute runs fn if the circuit for name allows it and records the result.
// Context cancellation by the caller is not counted as an upstream failure.
func (b *Breaker) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if !b.Allow(name) {
		cbRejected.WithLabelValues(name).Inc()
		return ErrOpen
	}
	err := fn(ctx)
	switch {
	case err == nil:
		b.RecordSuccess(name)
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// caller went away; says nothing about the upstream
	default:
		b.RecordFailure(name)
	}
	return err
}

// Allow reports whether a call to name should proceed. An open circuit whose
// cooldown has elapsed moves to half-open and admits exactly one probe.
func (b *Breaker) Allow(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	u, ok := b.upstreams[name]
	if !ok {
		return true
	}

	switch u.state {
	case StateOpen:
		if b.now().Sub(u.lastFailure) >= b.cooldown {
			b.transition(u, name, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	u, ok := b.upstreams[name]
	if !ok {
		return
	}
	if u.state == StateHalfOpen {
		b.transition(u, name, StateClosed)
	}
	u.failures = 0
}

// RecordFailure counts a failure; a failed probe reopens immediately.
func (b *Breaker) RecordFailure(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	u, ok := b.upstreams[name]
	if !ok {
		u = &upstream{state: StateClosed}
		b.upstreams[name] = u
	}

	u.failures++
	u.lastFailure = b.now()

	switch {
	case u.state == StateHalfOpen:
		b.transition(u, name, StateOpen)
	case u.state == StateClosed && u.failures >= b.threshold:
		b.transition(u, name, StateOpen)
	}
}

// State returns the current state for name. Unknown names are closed.
func (b *Breaker) State(name string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if u, ok := b.upstreams[name]; ok {
		return u.state
	}
	return StateClosed
}

// transition changes state and fires the callback. Caller holds b.mu.
func (b *Breaker) transition(u *upstream, name string, to State) {
	from := u.state
	if from == to {
		return
	}
	u.state = to
	cbStateTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
	if b.onTransition != nil {
		fn := b.onTransition
		go fn(name, from, to)
	}
}
