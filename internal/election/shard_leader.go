package election

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"searchcoord/internal/cluster"
	"searchcoord/internal/metrics"
	"searchcoord/internal/store"
)

// LeaderRecord is the payload of /collections/<c>/leaders/<shard>/leader.
type LeaderRecord struct {
	Collection   string `json:"collection"`
	Shard        string `json:"shard"`
	CoreNodeName string `json:"core_node_name"`
	Core         string `json:"core"`
	NodeName     string `json:"node_name"`
	BaseURL      string `json:"base_url"`
}

// CoreURL is the URL of the leader core.
func (r LeaderRecord) CoreURL() string {
	return r.BaseURL + "/" + r.Core + "/"
}

// DecodeLeaderRecord parses a leader record.
func DecodeLeaderRecord(data []byte) (LeaderRecord, error) {
	var r LeaderRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return LeaderRecord{}, fmt.Errorf("decode leader record: %w", err)
	}
	return r, nil
}

// TermsChecker is the view of the shard terms a leader candidate needs.
type TermsChecker interface {
	Refresh(ctx context.Context) error
	CanBecomeLeader(replica string) bool
	EnsureHighestTermsAreNotZero(ctx context.Context) error
}

// ShardCallbacks connects a shard election to the rest of the node.
type ShardCallbacks interface {
	// PublishLeader records the new leader in the cluster state.
	PublishLeader(ctx context.Context, rec LeaderRecord) error

	// BecameLeader tells the local engine it now leads the shard.
	BecameLeader(rec LeaderRecord)

	// MustRecover tells the local engine the replica won the election but
	// is behind and has to recover from another replica.
	MustRecover(rec LeaderRecord)
}

// ShardLeaderConfig configures a shard election participant.
type ShardLeaderConfig struct {
	Record    LeaderRecord
	Elector   *LeaderElector
	Terms     TermsChecker
	Callbacks ShardCallbacks
	Logger    *slog.Logger
	Metrics   *metrics.Registry

	// VoteWait bounds how long a first leader waits for the shard's
	// other replicas to join the election. Zero skips the wait.
	VoteWait time.Duration

	// ExpectedReplicas reports how many leader-eligible replicas the
	// shard has in the cluster state.
	ExpectedReplicas func() int
}

// =============================================================================
// SHARD LEADER CONTEXT
// =============================================================================
//
// Winning the election race is structural; leading is conditional:
//
//   first in line
//        │
//        ▼
//   not a replacement? wait ≤ VoteWait for the other replicas to join
//        │
//        ▼
//   terms.CanBecomeLeader(me)? ── no ──► leave, recover, rejoin at tail
//        │ yes
//        ▼
//   write leader record (ephemeral)
//        │
//        ▼
//   publish "leader" mutation ──► engine.BecameLeader
//
// =============================================================================

// ShardLeaderContext is one replica's participation in its shard election.
type ShardLeaderContext struct {
	*baseContext

	record    LeaderRecord
	elector   *LeaderElector
	terms     TermsChecker
	callbacks ShardCallbacks
	logger    *slog.Logger
	metrics   *metrics.ElectionMetrics
	voteWait  time.Duration
	expected  func() int

	leaderMu sync.Mutex
	isLeader bool
}

// NewShardLeaderContext creates the participant for one replica.
func NewShardLeaderContext(s store.Store, config ShardLeaderConfig) *ShardLeaderContext {
	rec := config.Record
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ShardLeaderContext{
		baseContext: newBaseContext(s, "shard",
			cluster.ShardElectionPath(rec.Collection, rec.Shard),
			cluster.ShardLeaderPath(rec.Collection, rec.Shard),
			rec.CoreNodeName,
		),
		record:    rec,
		elector:   config.Elector,
		terms:     config.Terms,
		callbacks: config.Callbacks,
		logger: logger.With("component", "shard_leader",
			"collection", rec.Collection, "shard", rec.Shard, "replica", rec.CoreNodeName),
		metrics:  config.Metrics.ElectionMetrics(),
		voteWait: config.VoteWait,
		expected: config.ExpectedReplicas,
	}
}

// Record is the leader record this participant would publish.
func (c *ShardLeaderContext) Record() LeaderRecord { return c.record }

// LeaderProps implements ElectionContext.
func (c *ShardLeaderContext) LeaderProps() []byte {
	data, _ := json.Marshal(c.record)
	return data
}

// IsLeader reports whether this participant currently leads.
func (c *ShardLeaderContext) IsLeader() bool {
	c.leaderMu.Lock()
	defer c.leaderMu.Unlock()
	return c.isLeader
}

// RunLeaderProcess implements ElectionContext.
func (c *ShardLeaderContext) RunLeaderProcess(ctx context.Context, weAreReplacement bool) error {
	if c.IsClosed() {
		return nil
	}
	if !weAreReplacement {
		if err := c.waitForReplicas(ctx); err != nil {
			return err
		}
		if c.IsClosed() {
			return nil
		}
	}

	if c.terms != nil {
		if err := c.terms.Refresh(ctx); err != nil {
			c.logger.Warn("could not refresh terms before leading", "error", err)
		}
		if !c.terms.CanBecomeLeader(c.record.CoreNodeName) {
			c.refuse(ctx)
			return nil
		}
	}

	if err := c.writeLeaderRecord(ctx, c.LeaderProps()); err != nil {
		return err
	}
	if c.terms != nil {
		if err := c.terms.EnsureHighestTermsAreNotZero(ctx); err != nil {
			c.logger.Warn("could not lift zero terms", "error", err)
		}
	}
	if c.callbacks != nil {
		if err := c.callbacks.PublishLeader(ctx, c.record); err != nil {
			c.deleteOwnLeaderRecord(ctx)
			return fmt.Errorf("publish leader %s/%s: %w", c.record.Collection, c.record.Shard, err)
		}
	}

	c.leaderMu.Lock()
	c.isLeader = true
	c.leaderMu.Unlock()

	c.metrics.RecordLeaderElection(c.record.Collection, c.record.Shard)
	c.logger.Info("became shard leader", "replacement", weAreReplacement)
	if c.callbacks != nil {
		c.callbacks.BecameLeader(c.record)
	}
	return nil
}

// waitForReplicas gives the shard's other replicas up to voteWait to join
// the election, so the first leader of a starting shard is chosen among
// all of them and not just the fastest to register.
func (c *ShardLeaderContext) waitForReplicas(ctx context.Context) error {
	if c.voteWait <= 0 || c.expected == nil {
		return nil
	}
	timer := time.NewTimer(c.voteWait)
	defer timer.Stop()

	for !c.IsClosed() {
		found, expected, done, err := c.waitRound(ctx, timer.C)
		if err != nil {
			return err
		}
		if found >= expected {
			return nil
		}
		if done {
			c.logger.Info("timed out waiting for replicas to join the election, going ahead",
				"found", found, "expected", expected, "wait", c.voteWait)
			return nil
		}
	}
	return nil
}

// waitRound counts the participants once and then waits for the election
// to change or the deadline. The children watch lives only for the round.
func (c *ShardLeaderContext) waitRound(ctx context.Context, deadline <-chan time.Time) (found, expected int, done bool, err error) {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	watch, werr := c.store.WatchChildren(wctx, c.ElectionPath())
	children, err := c.store.Children(ctx, c.ElectionPath())
	if err != nil {
		return 0, 0, true, fmt.Errorf("list election %s: %w", c.ElectionPath(), err)
	}
	for _, ch := range children {
		if strings.Contains(ch, seqMarker) {
			found++
		}
	}
	expected = c.expected()
	if found >= expected {
		return found, expected, true, nil
	}
	c.logger.Debug("waiting for replicas to join the election", "found", found, "expected", expected)

	var retry <-chan time.Time
	if werr != nil {
		t := time.NewTimer(100 * time.Millisecond)
		defer t.Stop()
		retry = t.C
	}
	select {
	case <-ctx.Done():
		return found, expected, true, ctx.Err()
	case <-deadline:
		return found, expected, true, nil
	case <-watch:
	case <-retry:
	}
	return found, expected, false, nil
}

// refuse leaves the election because our term is behind, hands the
// replica to recovery and queues a rejoin at the tail.
func (c *ShardLeaderContext) refuse(ctx context.Context) {
	c.metrics.RecordLeadershipRefused()
	c.logger.Info("won election but term is behind, recovering before leading")

	if err := c.cancelNode(ctx); err != nil {
		c.logger.Warn("leave election after refusal", "error", err)
	}
	if c.callbacks != nil {
		c.callbacks.MustRecover(c.record)
	}
	if c.elector != nil {
		c.elector.RejoinLater(c)
	}
}

// Cancel implements ElectionContext.
func (c *ShardLeaderContext) Cancel(ctx context.Context) error {
	c.leaderMu.Lock()
	c.isLeader = false
	c.leaderMu.Unlock()
	return c.cancelNode(ctx)
}
