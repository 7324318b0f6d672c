package election

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"searchcoord/internal/cluster"
	"searchcoord/internal/metrics"
	"searchcoord/internal/store"
)

// OverseerRecord is the payload of /overseer_elect/leader.
type OverseerRecord struct {
	// ID is the winner's election node name.
	ID string `json:"id"`
}

// ReadOverseerLeader returns the current overseer's record.
func ReadOverseerLeader(ctx context.Context, s store.Store) (OverseerRecord, error) {
	data, _, err := s.Get(ctx, cluster.OverseerLeaderPath)
	if err != nil {
		return OverseerRecord{}, err
	}
	var rec OverseerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return OverseerRecord{}, fmt.Errorf("decode overseer leader: %w", err)
	}
	return rec, nil
}

// OverseerStarter runs the overseer once elected. Start must return
// promptly; Stop must be safe to call when not started.
type OverseerStarter interface {
	Start(ctx context.Context, electionNode string) error
	Stop()
}

// OverseerContext is a node's participation in the overseer election.
type OverseerContext struct {
	*baseContext

	nodeName string
	starter  OverseerStarter
	logger   *slog.Logger
	metrics  *metrics.ElectionMetrics

	mu      sync.Mutex
	running bool
}

// NewOverseerContext creates the overseer participant for nodeName.
func NewOverseerContext(s store.Store, nodeName string, starter OverseerStarter, logger *slog.Logger, reg *metrics.Registry) *OverseerContext {
	if logger == nil {
		logger = slog.Default()
	}
	return &OverseerContext{
		baseContext: newBaseContext(s, "overseer", cluster.OverseerElectionPath, cluster.OverseerLeaderPath, nodeName),
		nodeName:    nodeName,
		starter:     starter,
		logger:      logger.With("component", "overseer_election", "node", nodeName),
		metrics:     reg.ElectionMetrics(),
	}
}

// LeaderProps implements ElectionContext.
func (c *OverseerContext) LeaderProps() []byte {
	data, _ := json.Marshal(OverseerRecord{ID: c.JoinedElectionNode()})
	return data
}

// IsRunning reports whether this node runs the overseer.
func (c *OverseerContext) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// RunLeaderProcess implements ElectionContext.
func (c *OverseerContext) RunLeaderProcess(ctx context.Context, weAreReplacement bool) error {
	if c.IsClosed() {
		return nil
	}
	if err := c.writeLeaderRecord(ctx, c.LeaderProps()); err != nil {
		return err
	}
	c.logger.Info("elected overseer", "election_node", c.JoinedElectionNode(), "replacement", weAreReplacement)

	if c.starter != nil {
		if err := c.starter.Start(ctx, c.JoinedElectionNode()); err != nil {
			c.deleteOwnLeaderRecord(ctx)
			return fmt.Errorf("start overseer: %w", err)
		}
	}
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	c.metrics.SetIsOverseer(true)
	return nil
}

// Cancel stops the local overseer and leaves the election.
func (c *OverseerContext) Cancel(ctx context.Context) error {
	c.stop()
	return c.cancelNode(ctx)
}

// Close stops the local overseer and marks the context closed.
func (c *OverseerContext) Close() {
	c.stop()
	c.baseContext.Close()
}

func (c *OverseerContext) stop() {
	c.mu.Lock()
	wasRunning := c.running
	c.running = false
	c.mu.Unlock()
	if wasRunning && c.starter != nil {
		c.starter.Stop()
	}
	c.metrics.SetIsOverseer(false)
}
