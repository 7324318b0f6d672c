package cores

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CoreOptions describe the on-disk state a core was opened with.
type CoreOptions struct {
	UpdateLog   bool
	CommitPoint bool
	Reloaded    bool
}

// LocalCore implements controller.Core.
type LocalCore struct {
	name   string
	opts   CoreOptions
	pull   ReplicationFunc
	every  time.Duration
	logger *slog.Logger

	mu          sync.Mutex
	closed      bool
	replays     int
	leaderURL   string
	stopReplica context.CancelFunc
	replicaDone chan struct{}
	lastPull    time.Time
	pullErr     error
}

func newLocalCore(name string, opts CoreOptions, pull ReplicationFunc, every time.Duration, logger *slog.Logger) *LocalCore {
	return &LocalCore{
		name:   name,
		opts:   opts,
		pull:   pull,
		every:  every,
		logger: logger.With("core", name),
	}
}

func (c *LocalCore) Name() string { return c.name }

func (c *LocalCore) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *LocalCore) IsReloaded() bool { return c.opts.Reloaded }

func (c *LocalCore) HasUpdateLog() bool { return c.opts.UpdateLog }

func (c *LocalCore) HasCommitPoint() bool { return c.opts.CommitPoint }

// ReplayLog replays buffered updates. There is no index behind the core,
// so it only counts.
func (c *LocalCore) ReplayLog(ctx context.Context) error {
	c.mu.Lock()
	c.replays++
	c.mu.Unlock()
	c.logger.Info("replaying update log")
	return ctx.Err()
}

func (c *LocalCore) CopyOverOldUpdates(ctx context.Context) error {
	c.logger.Info("copying buffered updates into the transaction log")
	return ctx.Err()
}

// StartReplication follows leaderURL until StopReplication. A running
// replication toward another leader is replaced.
func (c *LocalCore) StartReplication(ctx context.Context, leaderURL string) error {
	c.StopReplication()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaderURL = leaderURL
	if c.pull == nil || c.closed {
		return nil
	}
	// The poller outlives the registration call that started it.
	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.stopReplica = cancel
	c.replicaDone = make(chan struct{})
	go c.replicate(rctx, leaderURL, c.replicaDone)
	c.logger.Info("replication started", "leader", leaderURL)
	return nil
}

func (c *LocalCore) replicate(ctx context.Context, leaderURL string, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(c.every)
	defer t.Stop()
	for {
		err := c.pull(ctx, c.name, leaderURL)
		if ctx.Err() != nil {
			return
		}
		c.mu.Lock()
		c.lastPull, c.pullErr = time.Now(), err
		c.mu.Unlock()
		if err != nil {
			c.logger.Warn("index fetch from leader failed", "leader", leaderURL, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// StopReplication stops following the leader and waits for the poller.
func (c *LocalCore) StopReplication() {
	c.mu.Lock()
	stop, done := c.stopReplica, c.replicaDone
	c.stopReplica, c.replicaDone = nil, nil
	c.leaderURL = ""
	c.mu.Unlock()
	if stop == nil {
		return
	}
	stop()
	<-done
	c.logger.Info("replication stopped")
}

// Following returns the leader the core replicates from, if any.
func (c *LocalCore) Following() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaderURL
}

// LastFetch reports the time and outcome of the latest index fetch.
func (c *LocalCore) LastFetch() (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPull, c.pullErr
}

// Replays counts log replays.
func (c *LocalCore) Replays() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replays
}

func (c *LocalCore) close() {
	c.StopReplication()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
