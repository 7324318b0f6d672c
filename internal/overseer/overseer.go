// =============================================================================
// OVERSEER - THE CLUSTER-STATE UPDATER
// =============================================================================
//
// WHAT: Exactly one node at a time (the winner of the overseer election)
// owns writes to the shared cluster state. Other nodes ask for changes by
// queueing messages; the overseer drains the queues and applies them.
//
// LIFECYCLE:
//
//   NOT_RUNNING ──Start──► ELECTED ──loops up──► DRAINING ──Stop/quit──► STOPPED
//        ▲                                                                   │
//        └──────────────────────────── Start (re-elected) ◄──────────────────┘
//
// QUEUES:
//   ┌─────────────────────────────────┬───────────────┬──────────────────┐
//   │ Queue                           │ Centralized   │ Distributed      │
//   ├─────────────────────────────────┼───────────────┼──────────────────┤
//   │ /overseer/queue                 │ drained here  │ not used; nodes  │
//   │                                 │               │ write directly   │
//   │ /overseer/collection-queue-work │ drained here  │ drained here     │
//   └─────────────────────────────────┴───────────────┴──────────────────┘
//
// ONE PASS OF A DRAIN LOOP:
//   1. peek up to BatchSize items (wait up to PollWait)
//   2. decode; poison items are logged, counted and dropped
//   3. apply the batch through the StateWriter
//   4. remove the items, only after the writes landed
//
// A crash between 3 and 4 replays the batch on the next overseer. That is
// safe because every mutator is idempotent.
//
// =============================================================================

package overseer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"searchcoord/internal/cluster"
	"searchcoord/internal/metrics"
	"searchcoord/internal/queue"
	"searchcoord/internal/store"
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("overseer: closed")

// State is the lifecycle state of a local overseer.
type State string

const (
	StateNotRunning State = "not_running"
	StateElected    State = "elected"
	StateDraining   State = "draining"
	StateStopped    State = "stopped"
)

// Config configures an Overseer.
type Config struct {
	// NodeName is the local node, used in logs.
	NodeName string

	// Distributed leaves the state queue to the nodes themselves.
	Distributed bool

	// BatchSize caps the items applied in one pass.
	BatchSize int

	// PollWait is how long a pass waits for new items.
	PollWait time.Duration

	// ErrorBackoff is the pause after a failed pass.
	ErrorBackoff time.Duration

	// OnQuit runs after a quit message addressed to this overseer stopped
	// it. The node uses it to rejoin the election at the tail.
	OnQuit func(electionNode string)

	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:    100,
		PollWait:     2 * time.Second,
		ErrorBackoff: time.Second,
	}
}

// OperationStats counts outcomes of one operation.
type OperationStats struct {
	Success int64 `json:"success"`
	Errors  int64 `json:"errors"`
}

// Stats is a snapshot of the overseer.
type Stats struct {
	State          State                     `json:"state"`
	ElectionNode   string                    `json:"election_node,omitempty"`
	ElectedAt      time.Time                 `json:"elected_at,omitempty"`
	Distributed    bool                      `json:"distributed"`
	QueueSize      int                       `json:"queue_size"`
	AdminQueueSize int                       `json:"admin_queue_size"`
	Poison         int64                     `json:"poison"`
	Operations     map[string]OperationStats `json:"operations"`
}

// Overseer drains the coordination queues while this node is elected.
type Overseer struct {
	store   store.Store
	config  Config
	logger  *slog.Logger
	metrics *metrics.OverseerMetrics

	writer     *StateWriter
	stateQueue *queue.DistributedQueue
	adminQueue *queue.DistributedQueue

	// mu protects the lifecycle fields
	mu           sync.Mutex
	state        State
	electionNode string
	electedAt    time.Time
	cancel       context.CancelFunc
	closed       bool
	wg           sync.WaitGroup

	// statsMu protects the counters
	statsMu    sync.Mutex
	operations map[string]*OperationStats
	poison     int64
}

// New creates an overseer in NOT_RUNNING.
func New(s store.Store, config Config) *Overseer {
	def := DefaultConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.PollWait <= 0 {
		config.PollWait = def.PollWait
	}
	if config.ErrorBackoff <= 0 {
		config.ErrorBackoff = def.ErrorBackoff
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "overseer", "node", config.NodeName)

	o := &Overseer{
		store:      s,
		config:     config,
		logger:     logger,
		metrics:    config.Metrics.OverseerMetrics(),
		writer:     NewStateWriter(s, logger, config.Metrics),
		stateQueue: queue.New(s, cluster.OverseerQueuePath, logger),
		adminQueue: queue.New(s, cluster.AdminQueuePath, logger),
		state:      StateNotRunning,
		operations: make(map[string]*OperationStats),
	}
	o.metrics.SetState(string(StateNotRunning))
	return o
}

// Start begins draining. It implements election.OverseerStarter and
// returns at once; the loops run until Stop.
func (o *Overseer) Start(_ context.Context, electionNode string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if o.cancel != nil {
		return fmt.Errorf("overseer already running as %s", o.electionNode)
	}

	// The loops outlive the election callback that started them.
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.electionNode = electionNode
	o.electedAt = time.Now()
	o.setStateLocked(StateElected)
	o.logger.Info("overseer starting", "election_node", electionNode, "distributed", o.config.Distributed)

	if !o.config.Distributed {
		o.wg.Add(1)
		go o.drain(ctx, o.stateQueue, "state")
	}
	o.wg.Add(1)
	go o.drain(ctx, o.adminQueue, "admin")
	o.wg.Add(1)
	go o.watchLiveNodes(ctx)
	o.setStateLocked(StateDraining)
	return nil
}

// Stop halts the loops and waits for them. Safe to call when not running.
func (o *Overseer) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	o.wg.Wait()

	o.mu.Lock()
	o.setStateLocked(StateStopped)
	o.mu.Unlock()
	o.logger.Info("overseer stopped")
}

// Close stops the overseer for good.
func (o *Overseer) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.Stop()
}

func (o *Overseer) setStateLocked(s State) {
	o.state = s
	o.metrics.SetState(string(s))
}

// State returns the lifecycle state.
func (o *Overseer) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// ElectionNode is the election node the overseer was started under.
func (o *Overseer) ElectionNode() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.electionNode
}

// Writer exposes the state writer, shared with distributed updates.
func (o *Overseer) Writer() *StateWriter { return o.writer }

// =============================================================================
// DRAIN LOOP
// =============================================================================

func (o *Overseer) drain(ctx context.Context, q *queue.DistributedQueue, name string) {
	defer o.wg.Done()
	logger := o.logger.With("queue", name)

	for ctx.Err() == nil {
		items, err := q.PeekElements(ctx, o.config.BatchSize, o.config.PollWait, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("peek failed", "error", err)
			o.pause(ctx)
			continue
		}
		if size, err := q.Size(ctx); err == nil {
			o.metrics.SetQueueDepth(name, size)
		}
		if len(items) == 0 {
			continue
		}

		quit, err := o.processBatch(ctx, q, items, logger)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("batch failed, retrying", "items", len(items), "error", err)
			o.pause(ctx)
			continue
		}
		if quit {
			node := o.ElectionNode()
			logger.Info("received quit, stepping down", "election_node", node)
			go o.quit(node)
			return
		}
	}
}

func (o *Overseer) pause(ctx context.Context) {
	t := time.NewTimer(o.config.ErrorBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// processBatch applies items and removes them. It reports whether a quit
// addressed to this overseer was consumed; items after it stay queued for
// the next overseer.
func (o *Overseer) processBatch(ctx context.Context, q *queue.DistributedQueue, items []queue.Item, logger *slog.Logger) (bool, error) {
	me := o.ElectionNode()
	msgs := make([]Message, 0, len(items))
	quit := false

	for i, it := range items {
		msg, err := DecodeMessage(it.Data)
		if err != nil {
			o.recordPoison(logger, it.ID, "", err)
			continue
		}
		if msg.Operation() == OpQuit {
			if msg[PropID] == me {
				o.recordSuccess(OpQuit, 0)
				items = items[:i+1]
				quit = true
				break
			}
			logger.Info("quit is addressed to another overseer, ignoring", "id", msg[PropID])
			o.recordSuccess(OpQuit, 0)
			continue
		}
		msgs = append(msgs, msg)
	}

	if len(msgs) > 0 {
		start := time.Now()
		outcomes, err := o.writer.Apply(ctx, msgs)
		if err != nil {
			return false, err
		}
		latency := time.Since(start).Seconds() / float64(len(msgs))
		for i, msg := range msgs {
			if outcomes[i] != nil {
				o.recordPoison(logger, "", msg.Operation(), outcomes[i])
				continue
			}
			o.recordSuccess(msg.Operation(), latency)
		}
	}

	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	if err := q.Remove(ctx, ids); err != nil {
		return false, err
	}
	return quit, nil
}

func (o *Overseer) quit(electionNode string) {
	if o.config.OnQuit != nil {
		o.config.OnQuit(electionNode)
		return
	}
	o.Stop()
}

// =============================================================================
// LIVE NODES
// =============================================================================
//
// When a live marker disappears its node has lost its session. The
// overseer marks the node's replicas DOWN so readers stop routing to
// them. The downnode mutator re-checks liveness, so a node that came
// back in the meantime is left alone.
//
// =============================================================================

func (o *Overseer) watchLiveNodes(ctx context.Context) {
	defer o.wg.Done()
	var known map[string]bool

	loop := &store.WatchLoop{
		Name: "overseer_live_nodes",
		Install: func(ctx context.Context) (<-chan store.Event, error) {
			return o.store.WatchChildren(ctx, cluster.LiveNodesPath)
		},
		Handle: func(ctx context.Context) error {
			names, err := o.store.Children(ctx, cluster.LiveNodesPath)
			if err != nil {
				return err
			}
			current := make(map[string]bool, len(names))
			for _, n := range names {
				current[n] = true
			}
			if known != nil {
				for n := range known {
					if current[n] {
						continue
					}
					o.logger.Info("live node lost, marking its replicas down", "lost_node", n)
					outcomes, err := o.writer.Apply(ctx, []Message{DownNodeMessage(n, "")})
					if err != nil {
						return err
					}
					if outcomes[0] != nil {
						o.logger.Warn("downnode for lost node rejected", "lost_node", n, "error", outcomes[0])
					}
				}
			}
			known = current
			return nil
		},
		Logger: o.logger,
	}
	loop.Run(ctx)
}

// =============================================================================
// STATS
// =============================================================================

func (o *Overseer) recordSuccess(op string, latency float64) {
	o.statsMu.Lock()
	st, ok := o.operations[op]
	if !ok {
		st = &OperationStats{}
		o.operations[op] = st
	}
	st.Success++
	o.statsMu.Unlock()

	o.metrics.RecordMessage(op, "success", latency)
}

func (o *Overseer) recordPoison(logger *slog.Logger, id, op string, err error) {
	var p *PoisonMessageError
	if errors.As(err, &p) && op == "" {
		op = p.Operation
	}
	if op == "" {
		op = "unknown"
	}
	logger.Error("dropping poison message", "id", id, "operation", op, "error", err)

	o.statsMu.Lock()
	o.poison++
	st, ok := o.operations[op]
	if !ok {
		st = &OperationStats{}
		o.operations[op] = st
	}
	st.Errors++
	o.statsMu.Unlock()

	o.metrics.RecordPoison()
	o.metrics.RecordMessage(op, "poison", 0)
}

// Stats returns counters and queue sizes. Queue sizes are read from the
// store and are zero when it cannot be reached.
func (o *Overseer) Stats(ctx context.Context) Stats {
	o.mu.Lock()
	out := Stats{
		State:        o.state,
		ElectionNode: o.electionNode,
		ElectedAt:    o.electedAt,
		Distributed:  o.config.Distributed,
	}
	o.mu.Unlock()

	o.statsMu.Lock()
	out.Poison = o.poison
	out.Operations = make(map[string]OperationStats, len(o.operations))
	for op, st := range o.operations {
		out.Operations[op] = *st
	}
	o.statsMu.Unlock()

	if n, err := o.stateQueue.Size(ctx); err == nil {
		out.QueueSize = n
	}
	if n, err := o.adminQueue.Size(ctx); err == nil {
		out.AdminQueueSize = n
	}
	return out
}

// ResetStats clears the operation counters.
func (o *Overseer) ResetStats() {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	o.operations = make(map[string]*OperationStats)
	o.poison = 0
}

// Offer queues msg on q and returns the item ID.
func Offer(ctx context.Context, q *queue.DistributedQueue, msg Message) (string, error) {
	data, err := msg.Encode()
	if err != nil {
		return "", err
	}
	return q.Offer(ctx, data)
}
