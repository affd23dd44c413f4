// Package trust maintains a reputation score per entity (sender, recipient,
// merchant) derived from transaction history, verified complaints,
// behavioral consistency of amounts, the reputation of direct counterparties
// and verification status.
//
// Scores are superseded, never deleted, and recomputing a score from
// unchanged inputs returns the stored record untouched.
package trust

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidEntity is returned for an empty entity ID or unknown role.
var ErrInvalidEntity = errors.New("trust: invalid entity")

// Role of an entity in the transactions it takes part in.
type Role string

const (
	RoleSender    Role = "sender"
	RoleRecipient Role = "recipient"
	RoleMerchant  Role = "merchant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleSender, RoleRecipient, RoleMerchant:
		return true
	}
	return false
}

// Tier is the risk tier implied by a trust score. Low trust is high risk.
type Tier string

const (
	TierLow      Tier = "low"      // 80-100
	TierMedium   Tier = "medium"   // 60-79
	TierHigh     Tier = "high"     // 40-59
	TierCritical Tier = "critical" // 0-39
)

// TierFor maps a trust score to its risk tier.
func TierFor(score float64) Tier {
	switch {
	case score >= 80:
		return TierLow
	case score >= 60:
		return TierMedium
	case score >= 40:
		return TierHigh
	default:
		return TierCritical
	}
}

// Breakdown holds the per-factor scores, each 0-100.
type Breakdown struct {
	History      float64 `json:"history"`
	Community    float64 `json:"community"`
	Behavioral   float64 `json:"behavioral"`
	Network      float64 `json:"network"`
	Verification float64 `json:"verification"`
}

// Weights for the trust factors (must sum to 1.0)
type Weights struct {
	History      float64
	Community    float64
	Behavioral   float64
	Network      float64
	Verification float64
}

// DefaultWeights weighs community reports highest.
var DefaultWeights = Weights{
	History:      0.25,
	Community:    0.30,
	Behavioral:   0.20,
	Network:      0.15,
	Verification: 0.10,
}

// Combine returns the weighted sum of b, clamped to [0, 100] and rounded
// to one decimal place.
func (w Weights) Combine(b Breakdown) float64 {
	s := w.History*b.History +
		w.Community*b.Community +
		w.Behavioral*b.Behavioral +
		w.Network*b.Network +
		w.Verification*b.Verification
	return math.Round(math.Max(0, math.Min(100, s))*10) / 10
}

// Score is the current trust record for one entity.
type Score struct {
	EntityID  string    `json:"entityId"`
	Role      Role      `json:"role"`
	Score     float64   `json:"score"`
	Breakdown Breakdown `json:"breakdown"`
	Tier      Tier      `json:"tier"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Edge is one observed transaction between two entities.
type Edge struct {
	TransactionID string          `json:"transactionId"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	Amount        decimal.Decimal `json:"amount"`
	Succeeded     bool            `json:"succeeded"`
	At            time.Time       `json:"at"`
}

// Other returns the counterparty of id on e.
func (e Edge) Other(id string) string {
	if e.From == id {
		return e.To
	}
	return e.From
}

// EntityRef names an entity seen in history.
type EntityRef struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// HistoryStore holds observed transaction edges.
// Edges returns up to limit of the most recent edges touching entityID,
// oldest first, ordered by (At, TransactionID).
type HistoryStore interface {
	RecordEdge(ctx context.Context, e Edge) error
	Edges(ctx context.Context, entityID string, limit int) ([]Edge, error)
	Entities(ctx context.Context) ([]EntityRef, error)
}

// ScoreStore persists the current Score per entity. Get returns nil for an
// unscored entity.
type ScoreStore interface {
	Get(ctx context.Context, entityID string) (*Score, error)
	GetMany(ctx context.Context, entityIDs []string) (map[string]*Score, error)
	Put(ctx context.Context, s *Score) error
}

// ComplaintSource counts verified complaints against an entity.
type ComplaintSource interface {
	VerifiedReports(ctx context.Context, entityID string) (int, error)
}

// VerificationSource reports whether an entity has passed verification.
type VerificationSource interface {
	IsVerified(ctx context.Context, entityID string) (bool, error)
}

// StaticVerification is a fixed set of verified entity IDs.
type StaticVerification map[string]bool

func (s StaticVerification) IsVerified(_ context.Context, entityID string) (bool, error) {
	return s[entityID], nil
}
