// Package velocity keeps short sliding windows of recent transactions per
// actor (sender, device fingerprint, network address) to detect bursts.
package velocity

import (
	"context"
	"time"

	"github.com/mbd888/sentinel/internal/txn"
)

// Summary is what the tracker needs to know about a transaction.
type Summary struct {
	TransactionID string
	Keys          []string
	At            time.Time
}

// Tracker records transactions per actor key and counts recent ones.
// Access to one key is serialized; distinct keys never contend.
type Tracker interface {
	Record(ctx context.Context, s Summary) error
	RecentCount(ctx context.Context, key string, window time.Duration) (int, error)
	// RecordAndCount records s and returns, in s.Keys order, how many entries
	// each key holds inside window, s included. Insert and count are one step
	// per key, so of N concurrent callers on a key the last sees all N.
	RecordAndCount(ctx context.Context, s Summary, window time.Duration) ([]int, error)
}

// Actor key prefixes.
const (
	SenderPrefix  = "sender:"
	DevicePrefix  = "device:"
	NetworkPrefix = "net:"
)

// ActorKeys returns the keys a transaction is tracked under. The sender key
// is always present; device and network keys only when supplied.
func ActorKeys(tx *txn.Transaction) []string {
	keys := []string{SenderPrefix + tx.SenderID}
	if tx.DeviceFingerprint != "" {
		keys = append(keys, DevicePrefix+tx.DeviceFingerprint)
	}
	if tx.NetworkAddress != "" {
		keys = append(keys, NetworkPrefix+tx.NetworkAddress)
	}
	return keys
}

// SummaryOf builds the Summary recorded for tx.
func SummaryOf(tx *txn.Transaction) Summary {
	return Summary{TransactionID: tx.ID, Keys: ActorKeys(tx), At: tx.Timestamp}
}

// Risk bands returned by Scorer.Score.
const (
	HighRisk       = 90
	ModerateRisk   = 55
	perTxnRisk     = 5
	negligibleRisk = 15
)

// Scorer maps a recent-transaction count to a velocity risk sub-score.
type Scorer struct {
	ModerateBurst int // counts above this are moderate risk
	HighBurst     int // counts above this are high risk
}

// Score returns a value in [0, 100].
func (s Scorer) Score(count int) int {
	switch {
	case count > s.HighBurst:
		return HighRisk
	case count > s.ModerateBurst:
		return ModerateRisk
	case count <= 0:
		return 0
	default:
		return min(count*perTxnRisk, negligibleRisk)
	}
}
