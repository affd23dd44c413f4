// Package txn defines the transaction events supplied by the ledger source
// and the optional network signal that accompanies them.
//
// Transactions are immutable once created. Validate is the only gate between
// an inbound event and the scoring pipeline: a transaction that passes it is
// always scored, whatever the state of the enrichment sources.
package txn

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Channel identifies the rail a transaction moves over.
type Channel string

const (
	ChannelMobileMoney Channel = "mobile_money"
	ChannelCard        Channel = "card"
	ChannelBank        Channel = "bank"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelMobileMoney, ChannelCard, ChannelBank:
		return true
	}
	return false
}

// Transaction is a single money movement awaiting a risk decision.
type Transaction struct {
	ID                string          `json:"id"`
	SenderID          string          `json:"senderId"`
	RecipientID       string          `json:"recipientId"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Channel           Channel         `json:"channel"`
	Timestamp         time.Time       `json:"timestamp"`
	Message           string          `json:"message,omitempty"`
	DeviceFingerprint string          `json:"deviceFingerprint,omitempty"`
	NetworkAddress    string          `json:"networkAddress,omitempty"`
}

// NetworkSignal is IP reputation data, either supplied by the caller or
// fetched from an IP intelligence service.
type NetworkSignal struct {
	IP           string  `json:"ip"`
	IsVPN        bool    `json:"isVpn"`
	IsProxy      bool    `json:"isProxy"`
	IsTor        bool    `json:"isTor"`
	IsDatacenter bool    `json:"isDatacenter"`
	CountryCode  string  `json:"countryCode,omitempty"`
	Reputation   float64 `json:"reputation,omitempty"` // 0-100, higher is worse; 0 means unknown
}

// ErrValidation is matched by every *ValidationError via errors.Is.
var ErrValidation = errors.New("invalid transaction")

// ValidationError describes a malformed transaction field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid transaction: %s %s", e.Field, e.Message)
}

// Is makes errors.Is(err, ErrValidation) true for any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Validate rejects transactions that cannot be scored. It never inspects
// enrichment data.
func (t *Transaction) Validate() error {
	if t == nil {
		return &ValidationError{Field: "transaction", Message: "is required"}
	}
	required := []struct {
		field string
		value string
	}{
		{"id", t.ID},
		{"senderId", t.SenderID},
		{"recipientId", t.RecipientID},
		{"currency", t.Currency},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &ValidationError{Field: r.field, Message: "must not be empty"}
		}
	}
	if t.Amount.IsNegative() {
		return &ValidationError{Field: "amount", Message: "must not be negative"}
	}
	if t.Channel != "" && !t.Channel.Valid() {
		return &ValidationError{Field: "channel", Message: fmt.Sprintf("unknown channel %q", t.Channel)}
	}
	return nil
}

// IsRoundAmount reports whether the amount is a whole multiple of unit and
// at least one unit. Round figures are a weak scam indicator.
func (t *Transaction) IsRoundAmount(unit decimal.Decimal) bool {
	if unit.Sign() <= 0 || t.Amount.LessThan(unit) {
		return false
	}
	return t.Amount.Mod(unit).IsZero()
}
