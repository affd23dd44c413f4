// Package dispatch persists risk decisions and delivers alerts for the
// risky ones.
//
// The decision store is authoritative: Submit returns once the decision is
// recorded, and alert delivery happens on a bounded queue drained by a
// fixed worker pool. A delivery that cannot be completed is marked failed;
// it never affects the recorded decision.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/sentinel/internal/risk"
)

var (
	ErrDispatchFailed   = errors.New("alert delivery failed")
	ErrDeliveryNotFound = errors.New("delivery not found")
	ErrQueueFull        = errors.New("alert queue full")
	ErrStopped          = errors.New("dispatcher stopped")
)

// Status of an alert delivery.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Delivery records one attempt to deliver an alert over one channel.
type Delivery struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transactionId"`
	Channel       string    `json:"channel"`
	RecipientID   string    `json:"recipientId"`
	Message       string    `json:"message"`
	Status        Status    `json:"status"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"lastError,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// DeliveryStore persists delivery records.
type DeliveryStore interface {
	Create(ctx context.Context, d *Delivery) error
	Update(ctx context.Context, d *Delivery) error
	Get(ctx context.Context, id string) (*Delivery, error)
	ListByTransaction(ctx context.Context, transactionID string) ([]*Delivery, error)
}

// Notifier hands a rendered alert to an external channel.
type Notifier interface {
	Notify(ctx context.Context, recipientID, message string) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, recipientID, message string) error

func (f NotifierFunc) Notify(ctx context.Context, recipientID, message string) error {
	return f(ctx, recipientID, message)
}

// DecisionFeed receives every recorded decision, alertable or not.
type DecisionFeed interface {
	BroadcastDecision(d *risk.Decision)
}

// AlertBroadcaster is the part of the realtime hub alerts are pushed to.
type AlertBroadcaster interface {
	BroadcastAlert(recipientID, message string)
}

// HubNotifier delivers alerts to connected analyst consoles.
type HubNotifier struct {
	Hub AlertBroadcaster
}

func (n HubNotifier) Notify(_ context.Context, recipientID, message string) error {
	n.Hub.BroadcastAlert(recipientID, message)
	return nil
}

// RenderAlert formats the alert text sent for a decision.
func RenderAlert(d *risk.Decision) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Sentinel alert: transaction %s from %s to %s scored %.1f (%s), decision %s.",
		d.TransactionID, d.SenderID, d.RecipientID, d.Score, d.Tier, d.Outcome)
	if len(d.TriggeredRules) > 0 {
		fmt.Fprintf(&b, " Rules: %s.", strings.Join(d.TriggeredRules, ", "))
	}
	return b.String()
}
