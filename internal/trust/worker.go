package trust

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule recomputes every known entity hourly.
const DefaultSchedule = "@every 1h"

// RecomputeResult summarizes one recompute pass.
type RecomputeResult struct {
	Entities int           `json:"entities"`
	Updated  int           `json:"updated"`
	Failed   int           `json:"failed"`
	Took     time.Duration `json:"took"`
}

// Worker recomputes scores for every entity in history on a cron schedule.
type Worker struct {
	graph    *Graph
	schedule string
	logger   *slog.Logger

	runMu sync.Mutex
	stop  chan struct{}
}

// NewWorker creates a scheduled recompute worker. An empty schedule uses
// DefaultSchedule.
func NewWorker(graph *Graph, schedule string, logger *slog.Logger) *Worker {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		graph:    graph,
		schedule: schedule,
		logger:   logger.With("component", "trust.worker"),
		stop:     make(chan struct{}),
	}
}

// Start runs the schedule until ctx is done or Stop is called. Call in a goroutine.
func (w *Worker) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(w.schedule, func() { w.runLogged(ctx) }); err != nil {
		return fmt.Errorf("trust schedule %q: %w", w.schedule, err)
	}
	c.Start()

	select {
	case <-ctx.Done():
	case <-w.stop:
	}
	<-c.Stop().Done()
	return nil
}

// Stop signals the worker to stop.
func (w *Worker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Worker) runLogged(ctx context.Context) {
	res, err := w.Run(ctx)
	if err != nil {
		w.logger.Warn("trust recompute failed", "error", err)
		return
	}
	w.logger.Info("trust recompute done",
		"entities", res.Entities, "updated", res.Updated, "failed", res.Failed, "took", res.Took)
}

// Run recomputes every known entity once, keeping its stored role. Passes
// do not overlap.
func (w *Worker) Run(ctx context.Context) (RecomputeResult, error) {
	w.runMu.Lock()
	defer w.runMu.Unlock()

	start := time.Now()
	var res RecomputeResult
	refs, err := w.graph.history.Entities(ctx)
	if err != nil {
		return res, fmt.Errorf("list entities: %w", err)
	}
	res.Entities = len(refs)

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		role := ref.Role
		before, err := w.graph.scores.Get(ctx, ref.ID)
		if err == nil && before != nil {
			role = before.Role
		}
		after, err := w.graph.ComputeScore(ctx, ref.ID, role)
		if err != nil {
			res.Failed++
			w.logger.Debug("recompute entity failed", "entity", ref.ID, "error", err)
			continue
		}
		if before == nil || before.Breakdown != after.Breakdown || before.Role != after.Role {
			res.Updated++
		}
	}
	res.Took = time.Since(start)
	return res, nil
}
