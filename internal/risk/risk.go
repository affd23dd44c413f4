// Package risk implements real-time transaction risk scoring.
//
// Every transaction is evaluated against five weighted sub-scores
// (behavioral, device, network, transaction, velocity) plus an independent
// pattern and blacklist check. Scores range from 0 (safe) to 100 (high
// risk). An exact blacklist hit on the recipient dominates the weighted sum.
// Enrichment failures never fail an evaluation; the affected sub-score falls
// back to its neutral default.
package risk

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/sentinel/internal/pagination"
	"github.com/mbd888/sentinel/internal/patterns"
	"github.com/mbd888/sentinel/internal/trust"
	"github.com/mbd888/sentinel/internal/txn"
)

var (
	// ErrEnrichmentUnavailable marks a sub-score that fell back to its default.
	ErrEnrichmentUnavailable = errors.New("risk: enrichment unavailable")
	// ErrDecisionExists is returned when a transaction already has a decision.
	ErrDecisionExists = errors.New("risk: decision already recorded")
	// ErrDecisionNotFound is returned for an unknown transaction ID.
	ErrDecisionNotFound = errors.New("risk: decision not found")
)

// Tier is the risk tier of an overall score.
type Tier string

const (
	TierLow      Tier = "low"
	TierMedium   Tier = "medium"
	TierHigh     Tier = "high"
	TierCritical Tier = "critical"
)

// Outcome is the engine's verdict on a transaction.
type Outcome string

const (
	OutcomeApprove     Outcome = "approve"
	OutcomeReview      Outcome = "review"
	OutcomeMFARequired Outcome = "mfa_required"
	OutcomeDecline     Outcome = "decline"
)

// Succeeded reports whether the transaction is allowed to proceed, possibly
// after step-up authentication.
func (o Outcome) Succeeded() bool {
	return o == OutcomeApprove || o == OutcomeMFARequired
}

// FactorKind is the closed set of signals a decision is built from.
type FactorKind string

const (
	FactorBehavioral  FactorKind = "behavioral"
	FactorDevice      FactorKind = "device"
	FactorNetwork     FactorKind = "network"
	FactorTransaction FactorKind = "transaction"
	FactorVelocity    FactorKind = "velocity"
	FactorPattern     FactorKind = "pattern"
	FactorBlacklist   FactorKind = "blacklist"
)

// Weighted reports whether the kind takes part in the weighted sum.
// Pattern and blacklist factors act as floors instead.
func (k FactorKind) Weighted() bool {
	switch k {
	case FactorBehavioral, FactorDevice, FactorNetwork, FactorTransaction, FactorVelocity:
		return true
	}
	return false
}

// Factor is one signal's contribution to a decision.
type Factor struct {
	Kind         FactorKind `json:"kind"`
	Score        float64    `json:"score"`        // 0-100
	Weight       float64    `json:"weight"`       // 0 for floor factors
	Contribution float64    `json:"contribution"` // Score*Weight, or the floor applied
	Severity     Tier       `json:"severity"`
	Fallback     bool       `json:"fallback,omitempty"`
	Detail       string     `json:"detail,omitempty"`
}

// SubScores are the five weighted sub-scores, each 0-100.
type SubScores struct {
	Behavioral  float64 `json:"behavioral"`
	Device      float64 `json:"device"`
	Network     float64 `json:"network"`
	Transaction float64 `json:"transaction"`
	Velocity    float64 `json:"velocity"`
}

// Decision is the immutable audit record of one evaluation.
type Decision struct {
	ID             string    `json:"id"`
	TransactionID  string    `json:"transactionId"`
	SenderID       string    `json:"senderId"`
	RecipientID    string    `json:"recipientId"`
	Score          float64   `json:"score"`
	Tier           Tier      `json:"tier"`
	SubScores      SubScores `json:"subScores"`
	Factors        []Factor  `json:"factors"`
	TriggeredRules []string  `json:"triggeredRules"`
	Outcome        Outcome   `json:"outcome"`
	MFARequired    bool      `json:"mfaRequired"`
	Confidence     int       `json:"confidence"`
	Offline        bool      `json:"offline"`
	EvaluatedAt    time.Time `json:"evaluatedAt"`
}

// Alertable reports whether the decision should notify the alert channel.
func (d *Decision) Alertable() bool {
	return d.Tier == TierHigh || d.Tier == TierCritical ||
		d.Outcome == OutcomeDecline || d.Outcome == OutcomeReview
}

// Factor returns the factor of kind k, if present.
func (d *Decision) Factor(k FactorKind) (Factor, bool) {
	for _, f := range d.Factors {
		if f.Kind == k {
			return f, true
		}
	}
	return Factor{}, false
}

// Store persists decisions. Record returns ErrDecisionExists for a second
// decision on the same transaction; Get returns ErrDecisionNotFound.
type Store interface {
	Record(ctx context.Context, d *Decision) error
	Get(ctx context.Context, transactionID string) (*Decision, error)
	// ListRecent returns up to limit decisions newest first, starting
	// strictly after before when it is non-nil.
	ListRecent(ctx context.Context, before *pagination.Cursor, limit int) ([]*Decision, error)
}

// PatternChecker answers pattern and blacklist questions, falling back to
// an offline replica internally.
type PatternChecker interface {
	Check(ctx context.Context, text, identifier string) patterns.CheckResult
}

// TrustReader returns the stored trust score of an entity, or nil.
type TrustReader interface {
	Get(ctx context.Context, entityID string) (*trust.Score, error)
}

// HistoryRecorder receives every evaluated transaction for the trust graph.
type HistoryRecorder interface {
	RecordTransaction(ctx context.Context, e trust.Edge) error
}

// NetworkIntel looks up reputation data for a network address.
type NetworkIntel interface {
	Lookup(ctx context.Context, address string) (*txn.NetworkSignal, error)
}

// DecisionSink persists a decision and schedules its side effects.
type DecisionSink interface {
	Submit(ctx context.Context, d *Decision) error
}
