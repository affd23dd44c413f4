package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/sentinel/internal/biometrics"
	"github.com/mbd888/sentinel/internal/pagination"
	"github.com/mbd888/sentinel/internal/syncutil"
	"github.com/mbd888/sentinel/internal/trust"
	"github.com/mbd888/sentinel/internal/txn"
)

// Service is the inbound entry point: it guarantees at most one decision
// per transaction and feeds each recorded decision back into the shared
// device and trust state. Velocity is recorded by the engine while scoring.
type Service struct {
	engine  *Engine
	store   Store
	sink    DecisionSink    // nil records straight to store
	devices DeviceRegistry  // nil skips device learning
	history HistoryRecorder // nil skips the trust graph
	logger  *slog.Logger

	txLocks syncutil.KeyedMutex
}

// NewService creates the evaluation service. sink, devices and history may
// be nil.
func NewService(engine *Engine, store Store, sink DecisionSink, devices DeviceRegistry, history HistoryRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		engine:  engine,
		store:   store,
		sink:    sink,
		devices: devices,
		history: history,
		logger:  logger.With("component", "risk"),
	}
}

// EvaluateTransaction validates and scores tx and records the decision. A
// transaction that already has a decision gets that decision back with
// replayed=true and nothing is recomputed.
func (s *Service) EvaluateTransaction(ctx context.Context, tx *txn.Transaction, session *biometrics.Session, signal *txn.NetworkSignal) (d *Decision, replayed bool, err error) {
	if tx != nil && tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now().UTC()
	}
	if err := tx.Validate(); err != nil {
		return nil, false, err
	}

	unlock, err := s.txLocks.LockContext(ctx, tx.ID)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	existing, err := s.store.Get(ctx, tx.ID)
	switch {
	case err == nil:
		return existing, true, nil
	case !errors.Is(err, ErrDecisionNotFound):
		// A lookup failure must not block scoring; the write below still
		// enforces uniqueness.
		s.logger.Warn("decision lookup failed", "transaction_id", tx.ID, "error", err)
	}

	d, err = s.engine.Evaluate(ctx, tx, session, signal)
	if err != nil {
		return nil, false, err
	}

	if err := s.persist(ctx, d); err != nil {
		if errors.Is(err, ErrDecisionExists) {
			if prior, gerr := s.store.Get(ctx, tx.ID); gerr == nil {
				return prior, true, nil
			}
		}
		return nil, false, fmt.Errorf("record decision: %w", err)
	}

	s.learn(ctx, tx, d)
	return d, false, nil
}

func (s *Service) persist(ctx context.Context, d *Decision) error {
	if s.sink != nil {
		return s.sink.Submit(ctx, d)
	}
	return s.store.Record(ctx, d)
}

// learn updates shared state after a decision is recorded. Failures are
// logged; the decision stands.
func (s *Service) learn(ctx context.Context, tx *txn.Transaction, d *Decision) {
	if s.devices != nil && tx.DeviceFingerprint != "" && d.Outcome.Succeeded() {
		if err := s.devices.Remember(ctx, tx.SenderID, tx.DeviceFingerprint); err != nil {
			s.logger.Warn("device remember failed", "transaction_id", tx.ID, "error", err)
		}
	}
	if s.history != nil {
		err := s.history.RecordTransaction(ctx, trust.Edge{
			TransactionID: tx.ID,
			From:          tx.SenderID,
			To:            tx.RecipientID,
			Amount:        tx.Amount,
			Succeeded:     d.Outcome.Succeeded(),
			At:            tx.Timestamp,
		})
		if err != nil {
			s.logger.Warn("trust history record failed", "transaction_id", tx.ID, "error", err)
		}
	}
}

// Get returns the decision for a transaction.
func (s *Service) Get(ctx context.Context, transactionID string) (*Decision, error) {
	return s.store.Get(ctx, transactionID)
}

// ListRecent returns the most recent decisions first, continuing after
// before when paging.
func (s *Service) ListRecent(ctx context.Context, before *pagination.Cursor, limit int) ([]*Decision, error) {
	return s.store.ListRecent(ctx, before, limit)
}
