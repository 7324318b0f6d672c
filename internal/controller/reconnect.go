package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"searchcoord/internal/cluster"
	"searchcoord/internal/store"
)

// =============================================================================
// SESSION LOSS
// =============================================================================
//
// An expired session takes every ephemeral node with it: the live marker,
// the election nodes and the leader records. Nothing held in memory about
// them is true anymore.
//
//   onDisconnect(expired)                onReconnect (new session)
//   ─────────────────────                ─────────────────────────
//   stop the local overseer              1. drop cached shard terms
//   stop every election context          2. delete a stale live marker
//   forget them (if expired)             3. restart the state reader
//   cores: not leader, not registered    4. bid for overseer again
//                                        5. cancel running recoveries
//                                        6. publish our replicas DOWN
//                                        7. recreate the live marker
//                                        8. re-register every core
//                                        9. notify reconnect listeners
//
// Step 6 runs before step 7 so that no ACTIVE state of the old session is
// visible while the node is live again.
//
// =============================================================================

// onDisconnect drops everything tied to the lost session. The election
// nodes are not deleted: they belong to the old session.
func (c *Controller) onDisconnect(sessionExpired bool) {
	c.logger.Warn("releasing coordination state of the lost session", "expired", sessionExpired)

	for _, e := range c.elections.Snapshot() {
		c.elector.StopWatching(e.Context)
		e.Context.Close()
		if sessionExpired {
			c.elections.Remove(e.Key)
		}
	}

	for _, d := range c.cores.Descriptors() {
		d.Cloud.SetIsLeader(false)
		d.Cloud.SetHasRegistered(false)
	}
	c.updateRegisteredGauge()
}

// onReconnect rebuilds the node's coordination state on a new session.
func (c *Controller) onReconnect(ctx context.Context) error {
	c.logger.Info("new coordination session, re-registering", "session", c.store.SessionID())

	c.terms.CloseAll()

	if err := c.removeEphemeralLiveNode(ctx); err != nil {
		return err
	}
	if err := c.reader.Start(ctx); err != nil {
		return fmt.Errorf("restart cluster state reader: %w", err)
	}
	if err := c.joinOverseerElection(ctx); err != nil {
		return fmt.Errorf("rejoin overseer election: %w", err)
	}

	descs := c.cores.Descriptors()
	for _, d := range descs {
		c.cores.CancelRecovery(d.Name)
	}
	c.registerAllCoresAsDown(ctx)

	if err := c.createEphemeralLiveNode(ctx); err != nil {
		return err
	}

	c.registerAll(ctx, descs, true, true)

	if err := c.CheckOverseerDesignate(ctx); err != nil {
		c.logger.Warn("could not hand the overseer to this node", "error", err)
	}

	c.mu.Lock()
	if !c.closed {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if failed := c.listeners.FireAll(c.ctx); failed > 0 {
				c.logger.Warn("some reconnect listeners failed", "failed", failed)
			}
		}()
	}
	c.mu.Unlock()
	return nil
}

// registerAllCoresAsDown publishes the node DOWN. It is best effort: the
// store may still be settling after the reconnect.
func (c *Controller) registerAllCoresAsDown(ctx context.Context) {
	if _, err := c.PublishNodeAsDown(ctx, c.nodeName); err != nil {
		c.logger.Warn("could not publish replicas down after reconnect", "error", err)
	}
	for _, d := range c.cores.Descriptors() {
		d.Cloud.SetLastPublished(cluster.StateDown)
	}
}

// registerAll registers descs with at most RegisterWorkers at a time and
// waits for all of them. Failures are logged per core.
func (c *Controller) registerAll(ctx context.Context, descs []*CoreDescriptor, recoverReloaded, afterExpiration bool) {
	sem := make(chan struct{}, c.config.RegisterWorkers)
	var wg sync.WaitGroup

	for _, d := range descs {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}
		wg.Add(1)
		go func(d *CoreDescriptor) {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := c.Register(ctx, d.Name, d, recoverReloaded, afterExpiration, false); err != nil {
				c.logger.Error("could not register core", "core", d.Name,
					"collection", d.Cloud.Collection(), "replica", d.Cloud.CoreNodeName(), "error", err)
			}
		}(d)
	}
	wg.Wait()
}

// RegisterCores pre-registers and registers every hosted core, as a node
// does once at startup. It returns the cores that failed.
func (c *Controller) RegisterCores(ctx context.Context) map[string]error {
	var (
		mu     sync.Mutex
		failed = make(map[string]error)
		ready  []*CoreDescriptor
	)
	for _, d := range c.cores.Descriptors() {
		if err := c.PreRegister(ctx, d); err != nil {
			failed[d.Name] = err
			var nc *NotInClusterStateError
			if errors.As(err, &nc) {
				c.logger.Warn("core is not in the cluster state, skipping", "core", d.Name, "error", err)
			} else {
				c.logger.Error("could not pre-register core", "core", d.Name, "error", err)
			}
			continue
		}
		ready = append(ready, d)
	}

	sem := make(chan struct{}, c.config.RegisterWorkers)
	var wg sync.WaitGroup
	for _, d := range ready {
		sem <- struct{}{}
		wg.Add(1)
		go func(d *CoreDescriptor) {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := c.Register(ctx, d.Name, d, false, false, false); err != nil {
				mu.Lock()
				failed[d.Name] = err
				mu.Unlock()
			}
		}(d)
	}
	wg.Wait()
	return failed
}

// AddReconnectListener registers l under name.
func (c *Controller) AddReconnectListener(name string, l ReconnectListener) {
	c.listeners.Add(name, l)
}

// RemoveReconnectListener unregisters name.
func (c *Controller) RemoveReconnectListener(name string) bool {
	return c.listeners.Remove(name)
}

// storeSessionGone reports whether err means the session is gone and a
// reconnect will follow.
func storeSessionGone(err error) bool {
	return store.IsSessionExpired(err) || errors.Is(err, store.ErrClosed)
}
