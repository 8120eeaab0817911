package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/internal/store"
	"github.com/flexinfer/mentatlab/services/orchestrator-go/pkg/types"
)

// Sweeper is the background task that closes the crash-recovery loop: it
// reclaims computing attempts whose deadline has passed, and re-arms the
// dispatcher's readiness loop for every live execution, so that a process
// restart with no in-memory state still converges all nodes to success.
// Grounded on the donor scheduler's 250ms runLoop poll, widened to a
// configurable interval since reclaim is a safety net rather than the
// primary scheduling path (the revision bus is).
type Sweeper struct {
	store      store.Store
	dispatcher *Dispatcher
	interval   time.Duration
	logger     *slog.Logger
}

// NewSweeper creates a Sweeper. dispatcher is used to re-arm readiness loops
// for executions the sweeper discovers are live but unwatched (the crash
// recovery path: a fresh process has no Watch calls until the sweeper
// issues them).
func NewSweeper(s store.Store, dispatcher *Dispatcher, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Sweeper{store: s, dispatcher: dispatcher, interval: interval, logger: logger}
}

// Run blocks, ticking until ctx is cancelled.
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	sw.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.tick(ctx)
		}
	}
}

// tick performs one sweep: reclaim abandoned attempts, then re-arm the
// dispatcher for every live execution.
func (sw *Sweeper) tick(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "sweeper.tick")
	defer span.End()

	metrics.SweepTicksTotal.Inc()

	if err := sw.reclaimAbandoned(ctx); err != nil {
		sw.logger.Error("sweeper: reclaim failed", "error", err)
	}

	ids, _, err := sw.store.ListLiveExecutions(ctx, "", 0)
	if err != nil {
		sw.logger.Error("sweeper: list live executions failed", "error", err)
		return
	}
	for _, id := range ids {
		sw.dispatcher.Watch(ctx, id)
	}
}

// reclaimAbandoned transitions every computing attempt past its deadline to
// abandoned, making room for the next readiness pass to re-dispatch the
// node, honoring max_attempts.
func (sw *Sweeper) reclaimAbandoned(ctx context.Context) error {
	stale, err := sw.store.ListStaleComputations(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	for _, comp := range stale {
		_, err := sw.store.CompleteComputation(ctx, comp.ID, "", types.ComputationAbandoned, nil, abandonedPayload())
		if err != nil {
			// A concurrent completion or archive between ListStaleComputations
			// and this call is an expected race, not a sweeper failure.
			sw.logger.Debug("sweeper: reclaim skipped", "computation_id", comp.ID, "execution_id", comp.ExecutionID, "node", comp.NodeName, "error", err)
			continue
		}
		metrics.SweepReclaimedTotal.Inc()
		metrics.ComputationsCompletedTotal.WithLabelValues(string(types.ComputationAbandoned)).Inc()
		sw.logger.Info("sweeper: reclaimed abandoned attempt", "computation_id", comp.ID, "execution_id", comp.ExecutionID, "node", comp.NodeName, "attempt", comp.AttemptIndex)
	}
	return nil
}

func abandonedPayload() json.RawMessage {
	return mustMarshal(struct {
		Error string `json:"error"`
	}{Error: "deadline exceeded before completion"})
}
