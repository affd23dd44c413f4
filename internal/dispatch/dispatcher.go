package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/sentinel/internal/config"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/retry"
	"github.com/mbd888/sentinel/internal/risk"
)

// Channel is a named notifier. Each alert produces one Delivery per channel.
type Channel struct {
	Name     string
	Notifier Notifier
}

// Dispatcher implements risk.DecisionSink.
type Dispatcher struct {
	decisions  risk.Store
	deliveries DeliveryStore
	channels   []Channel
	feed       DecisionFeed
	policy     retry.Policy
	workers    int
	logger     *slog.Logger
	now        func() time.Time

	queue chan *Delivery

	mu       sync.RWMutex // guards stopped and the close of queue
	stopped  bool
	started  bool
	wg       sync.WaitGroup
	runCtx   context.Context
	abortRun context.CancelFunc
}

// NewDispatcher creates a dispatcher. Call Start to launch the worker pool.
func NewDispatcher(decisions risk.Store, deliveries DeliveryStore, cfg config.Dispatch, logger *slog.Logger) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if deliveries == nil {
		deliveries = NewMemoryStore()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		decisions:  decisions,
		deliveries: deliveries,
		workers:    cfg.Workers,
		logger:     logging.Component(logger, "dispatch"),
		now:        time.Now,
		queue:      make(chan *Delivery, cfg.QueueSize),
		runCtx:     ctx,
		abortRun:   cancel,
	}
	d.policy = retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseBackoff,
		MaxDelay:    30 * time.Second,
	}
	return d
}

// WithChannel registers a notification channel.
func (d *Dispatcher) WithChannel(name string, n Notifier) *Dispatcher {
	d.channels = append(d.channels, Channel{Name: name, Notifier: n})
	return d
}

// WithFeed sets the live decision feed.
func (d *Dispatcher) WithFeed(f DecisionFeed) *Dispatcher {
	d.feed = f
	return d
}

// Start launches the worker pool. Calling it twice is a no-op.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	d.logger.Info("alert dispatcher started", "workers", d.workers, "channels", len(d.channels))
}

// Submit records the decision and, when it is alertable, queues one
// delivery per channel. It never waits for delivery.
func (d *Dispatcher) Submit(ctx context.Context, dec *risk.Decision) error {
	if err := d.decisions.Record(ctx, dec); err != nil {
		return err
	}

	if d.feed != nil {
		d.feed.BroadcastDecision(dec)
	}

	if !dec.Alertable() || len(d.channels) == 0 {
		return nil
	}

	message := RenderAlert(dec)
	for _, ch := range d.channels {
		now := d.now().UTC()
		del := &Delivery{
			ID:            uuid.NewString(),
			TransactionID: dec.TransactionID,
			Channel:       ch.Name,
			RecipientID:   dec.SenderID,
			Message:       message,
			Status:        StatusPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := d.deliveries.Create(ctx, del); err != nil {
			logging.L(ctx).Warn("failed to record alert delivery", "channel", ch.Name, "error", err)
		}
		d.enqueue(ctx, del)
	}
	return nil
}

func (d *Dispatcher) enqueue(ctx context.Context, del *Delivery) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		d.fail(ctx, del, ErrStopped)
		return
	}
	select {
	case d.queue <- del:
		metrics.DispatchQueueDepth.Inc()
	default:
		d.fail(ctx, del, ErrQueueFull)
	}
}

func (d *Dispatcher) fail(ctx context.Context, del *Delivery, reason error) {
	del.Status = StatusFailed
	del.LastError = reason.Error()
	del.UpdatedAt = d.now().UTC()
	metrics.DispatchDeliveriesTotal.WithLabelValues("dropped").Inc()
	logging.L(ctx).Warn("alert dropped", "delivery", del.ID, "channel", del.Channel, "reason", reason)
	if err := d.deliveries.Update(ctx, del); err != nil {
		logging.L(ctx).Warn("failed to mark delivery failed", "delivery", del.ID, "error", err)
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for del := range d.queue {
		metrics.DispatchQueueDepth.Dec()
		d.deliver(d.runCtx, del)
	}
}

func (d *Dispatcher) notifier(channel string) Notifier {
	for _, ch := range d.channels {
		if ch.Name == channel {
			return ch.Notifier
		}
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, del *Delivery) {
	n := d.notifier(del.Channel)
	if n == nil {
		d.finish(ctx, del, fmt.Errorf("unknown channel %q", del.Channel))
		return
	}

	policy := d.policy
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		d.logger.Debug("alert delivery retry",
			"delivery", del.ID, "channel", del.Channel, "attempt", attempt, "wait", wait, "error", err)
	}
	err := policy.Do(ctx, func(ctx context.Context) error {
		del.Attempts++
		return n.Notify(ctx, del.RecipientID, del.Message)
	})
	d.finish(ctx, del, err)
}

func (d *Dispatcher) finish(ctx context.Context, del *Delivery, err error) {
	del.UpdatedAt = d.now().UTC()
	if err == nil {
		del.Status = StatusDelivered
		del.LastError = ""
		metrics.DispatchDeliveriesTotal.WithLabelValues("delivered").Inc()
	} else {
		del.Status = StatusFailed
		del.LastError = err.Error()
		metrics.DispatchDeliveriesTotal.WithLabelValues("failed").Inc()
		d.logger.Warn("alert delivery failed",
			"delivery", del.ID, "transaction_id", del.TransactionID, "channel", del.Channel,
			"attempts", del.Attempts, "error", fmt.Errorf("%w: %w", ErrDispatchFailed, err))
	}

	// Record the outcome even if the worker context was aborted.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if uerr := d.deliveries.Update(storeCtx, del); uerr != nil {
		d.logger.Warn("failed to update delivery", "delivery", del.ID, "error", uerr)
	}
}

// Stop stops intake and waits for queued and in-flight deliveries to
// finish. If ctx expires first, pending backoff waits are aborted and the
// remaining deliveries are marked failed.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	started := d.started
	close(d.queue)
	d.mu.Unlock()

	if !started {
		// No workers: everything still queued fails.
		for del := range d.queue {
			metrics.DispatchQueueDepth.Dec()
			d.finish(d.runCtx, del, ErrStopped)
		}
		d.abortRun()
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.abortRun()
		d.logger.Info("alert dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.abortRun()
		<-done
		return errors.Join(ErrStopped, ctx.Err())
	}
}

// Deliveries lists the deliveries recorded for a transaction.
func (d *Dispatcher) Deliveries(ctx context.Context, transactionID string) ([]*Delivery, error) {
	return d.deliveries.ListByTransaction(ctx, transactionID)
}
