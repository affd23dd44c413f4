package biometrics

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/sentinel/internal/metrics"
)

// ErrSessionNotFound is returned for unknown or expired sessions.
var ErrSessionNotFound = errors.New("biometrics: session not found")

// maxSamplesPerStream caps each stream so a chatty client cannot grow a
// session without bound. Later samples are dropped.
const maxSamplesPerStream = 5000

type sessionEntry struct {
	mu      sync.Mutex
	session Session
	touched time.Time
}

// SessionStore holds in-progress sessions with a per-session lock. Sessions
// idle longer than ttl are evicted by the janitor.
type SessionStore struct {
	sessions sync.Map // id -> *sessionEntry
	ttl      time.Duration
	now      func() time.Time
}

// NewSessionStore creates a session store.
func NewSessionStore(ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &SessionStore{ttl: ttl, now: time.Now}
}

// SessionOption configures a new session.
type SessionOption func(*Session)

// TouchInput marks the session as coming from a touch-only device.
func TouchInput() SessionOption {
	return func(s *Session) { s.Touch = true }
}

// Create starts a new session.
func (s *SessionStore) Create(deviceFingerprint string, opts ...SessionOption) *Session {
	now := s.now().UTC()
	e := &sessionEntry{
		session: Session{ID: uuid.NewString(), DeviceFingerprint: deviceFingerprint, StartedAt: now},
		touched: now,
	}
	for _, opt := range opts {
		opt(&e.session)
	}
	s.sessions.Store(e.session.ID, e)
	metrics.ActiveBiometricSessions.Inc()
	out := e.session
	return &out
}

// Append adds a batch of samples to session id in arrival order.
func (s *SessionStore) Append(id string, batch Samples) error {
	v, ok := s.sessions.Load(id)
	if !ok {
		return ErrSessionNotFound
	}
	e := v.(*sessionEntry)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.session.Keystrokes = appendCapped(e.session.Keystrokes, batch.Keystrokes)
	e.session.Pointer = appendCapped(e.session.Pointer, batch.Pointer)
	e.session.Scroll = appendCapped(e.session.Scroll, batch.Scroll)
	e.touched = s.now()
	return nil
}

func appendCapped[T any](dst, src []T) []T {
	room := maxSamplesPerStream - len(dst)
	if room <= 0 {
		return dst
	}
	if len(src) > room {
		src = src[:room]
	}
	return append(dst, src...)
}

// Get returns a copy of session id.
func (s *SessionStore) Get(id string) (*Session, error) {
	v, ok := s.sessions.Load(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	e := v.(*sessionEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneSession(&e.session), nil
}

// End removes session id and returns its final state.
func (s *SessionStore) End(id string) (*Session, error) {
	v, ok := s.sessions.LoadAndDelete(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	metrics.ActiveBiometricSessions.Dec()
	e := v.(*sessionEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneSession(&e.session), nil
}

// Evict removes sessions idle longer than the ttl and returns how many.
func (s *SessionStore) Evict() int {
	cutoff := s.now().Add(-s.ttl)
	n := 0
	s.sessions.Range(func(k, v any) bool {
		e := v.(*sessionEntry)
		e.mu.Lock()
		idle := e.touched.Before(cutoff)
		e.mu.Unlock()
		if idle {
			if _, loaded := s.sessions.LoadAndDelete(k); loaded {
				metrics.ActiveBiometricSessions.Dec()
				n++
			}
		}
		return true
	})
	return n
}

// StartJanitor evicts idle sessions every interval until ctx is done. Call in a goroutine.
func (s *SessionStore) StartJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Evict()
		}
	}
}

func cloneSession(s *Session) *Session {
	out := *s
	out.Keystrokes = append([]KeystrokeSample(nil), s.Keystrokes...)
	out.Pointer = append([]PointerSample(nil), s.Pointer...)
	out.Scroll = append([]ScrollSample(nil), s.Scroll...)
	return &out
}
