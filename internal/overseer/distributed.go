package overseer

import (
	"context"
	"log/slog"
	"time"

	"searchcoord/internal/metrics"
	"searchcoord/internal/store"
)

// DistributedUpdater applies state updates from the node that wants
// them, without a queue round trip. Writers on different nodes meet only
// at the compare-and-set of each state.json, so the same mutators serve
// both modes.
type DistributedUpdater struct {
	writer  *StateWriter
	logger  *slog.Logger
	metrics *metrics.OverseerMetrics
}

// NewDistributedUpdater creates an updater on s.
func NewDistributedUpdater(s store.Store, logger *slog.Logger, reg *metrics.Registry) *DistributedUpdater {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "distributed_updater")
	return &DistributedUpdater{
		writer:  NewStateWriter(s, logger, reg),
		logger:  logger,
		metrics: reg.OverseerMetrics(),
	}
}

// DoSingleStateUpdate applies msg directly. A downnode touches every
// collection hosting the node. Poison messages are returned as
// *PoisonMessageError; store failures are returned as they are and may be
// retried by the caller.
func (u *DistributedUpdater) DoSingleStateUpdate(ctx context.Context, msg Message) error {
	op := msg.Operation()
	if op == OpQuit || !knownOperations[op] {
		u.metrics.RecordPoison()
		return poison(op, "not a state update", nil)
	}

	start := time.Now()
	outcomes, err := u.writer.Apply(ctx, []Message{msg})
	if err != nil {
		u.metrics.RecordMessage(op, "error", time.Since(start).Seconds())
		return err
	}
	if outcomes[0] != nil {
		u.logger.Error("rejected state update", "operation", op, "error", outcomes[0])
		u.metrics.RecordPoison()
		u.metrics.RecordMessage(op, "poison", 0)
		return outcomes[0]
	}
	u.metrics.RecordMessage(op, "success", time.Since(start).Seconds())
	return nil
}
