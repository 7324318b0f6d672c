package controller

import (
	"context"
	"fmt"
	"time"

	"searchcoord/internal/cluster"
	"searchcoord/internal/overseer"
)

// Publish reports a state change of a local core to the cluster. Unless
// force is set, a core that is gone or closed is skipped. With
// updateLastPublished the descriptor remembers the state.
func (c *Controller) Publish(ctx context.Context, desc *CoreDescriptor, state cluster.ReplicaState, updateLastPublished, force bool) error {
	if !force {
		core, ok := c.cores.Core(desc.Name)
		if !ok || core.IsClosed() {
			c.logger.Info("core is closed, not publishing", "core", desc.Name, "state", state)
			return nil
		}
	}

	cloud := desc.Cloud
	coll, shard, cnn := cloud.Collection(), cloud.Shard(), cloud.CoreNodeName()
	if cnn == "" {
		return coordinationError(BadRequest, desc, "cannot publish state of a core without coreNodeName", nil)
	}
	typ := cloud.ReplicaType()
	c.logger.Debug("publishing state", "collection", coll, "shard", shard, "replica", cnn, "core", desc.Name, "state", state)

	if typ.LeaderEligible() && (state == cluster.StateRecovering || state == cluster.StateActive) {
		if err := c.updateTermsForPublish(ctx, coll, shard, cnn, state); err != nil {
			return coordinationError(ServerError, desc, "update shard terms", err)
		}
	}

	updateStateDotJSON, err := c.writePerReplicaState(ctx, coll, cnn, state)
	if err != nil {
		return coordinationError(ServerError, desc, "write per-replica state", err)
	}
	if updateStateDotJSON {
		msg := overseer.StateMessage(coll, shard, cnn, desc.Name, c.nodeName, c.baseURL, string(state), string(typ))
		msg[overseer.PropForceSetState] = "false"
		if err := c.sendStateUpdate(ctx, msg); err != nil {
			return coordinationError(ServerError, desc, "publish state "+string(state), err)
		}
	}

	if updateLastPublished {
		cloud.SetLastPublished(state)
	}
	c.metrics.RecordPublish(string(state))
	return nil
}

// updateTermsForPublish brackets a recovery in the shard terms: a replica
// going RECOVERING marks itself, a replica going ACTIVE clears the mark
// and catches up to the highest term.
func (c *Controller) updateTermsForPublish(ctx context.Context, coll, shard, cnn string, state cluster.ReplicaState) error {
	st, err := c.terms.Shard(ctx, coll, shard)
	if err != nil {
		return err
	}
	if _, registered := st.Term(cnn); !registered {
		return nil
	}
	switch state {
	case cluster.StateRecovering:
		if !st.CanBecomeLeader(cnn) {
			return st.StartRecovering(ctx, cnn)
		}
	case cluster.StateActive:
		if st.Terms().IsRecovering(cnn) {
			return st.DoneRecovering(ctx, cnn)
		}
	}
	return nil
}

// writePerReplicaState writes the state of a replica of a per-replica-
// state collection straight to its record, keeping the leader flag. It
// reports whether state.json must be updated as well, which is the case
// for ordinary collections and for replicas not yet in state.json.
func (c *Controller) writePerReplicaState(ctx context.Context, coll, cnn string, state cluster.ReplicaState) (bool, error) {
	col := c.reader.Collection(coll)
	if col == nil || !col.PerReplicaState {
		return true, nil
	}
	r, _ := col.Replica(cnn)
	if r == nil {
		return true, nil
	}
	if err := cluster.WritePerReplicaState(ctx, c.store, coll, cnn, state, r.Leader); err != nil {
		return false, err
	}
	return false, nil
}

// sendStateUpdate queues msg for the overseer, or applies it directly in
// distributed mode.
func (c *Controller) sendStateUpdate(ctx context.Context, msg overseer.Message) error {
	if c.config.Distributed {
		return c.updater.DoSingleStateUpdate(ctx, msg)
	}
	_, err := overseer.Offer(ctx, c.stateQueue, msg)
	return err
}

// PublishNodeAsDown marks every replica on nodeName DOWN and returns the
// collections hosting it. Replicas of per-replica-state collections are
// written directly; the downnode update is sent in every case.
func (c *Controller) PublishNodeAsDown(ctx context.Context, nodeName string) ([]string, error) {
	c.logger.Info("publishing node as down", "down_node", nodeName)

	session := ""
	if nodeName == c.nodeName {
		session = c.store.SessionID()
	}
	if err := c.sendStateUpdate(ctx, overseer.DownNodeMessage(nodeName, session)); err != nil {
		return nil, fmt.Errorf("publish %s down: %w", nodeName, err)
	}

	state := c.reader.ClusterState()
	collections := state.CollectionsWithNode(nodeName)
	for _, name := range collections {
		col := state.CollectionOrNil(name)
		if col == nil || !col.PerReplicaState {
			continue
		}
		for _, r := range col.ReplicasOnNode(nodeName) {
			if r.State == cluster.StateDown {
				continue
			}
			if err := cluster.WritePerReplicaState(ctx, c.store, name, r.Name, cluster.StateDown, r.Leader); err != nil {
				c.logger.Warn("could not mark replica down", "collection", name, "replica", r.Name, "error", err)
			}
		}
	}
	return collections, nil
}

// PublishAndWaitForDownStates publishes this node DOWN and waits until the
// cached state shows every local replica DOWN.
func (c *Controller) PublishAndWaitForDownStates(ctx context.Context, timeout time.Duration) error {
	collections, err := c.PublishNodeAsDown(ctx, c.nodeName)
	if err != nil {
		return err
	}
	for _, d := range c.cores.Descriptors() {
		d.Cloud.SetLastPublished(cluster.StateDown)
	}

	deadline := time.Now().Add(timeout)
	for _, coll := range collections {
		err := c.reader.WaitForState(ctx, coll, time.Until(deadline), func(_ []string, col *cluster.Collection) bool {
			if col == nil {
				return true
			}
			for _, r := range col.ReplicasOnNode(c.nodeName) {
				if r.State != cluster.StateDown {
					return false
				}
			}
			return true
		})
		if err != nil {
			return fmt.Errorf("timed out waiting to see all replicas of %s published as DOWN in our cluster state: %w", c.nodeName, err)
		}
	}
	return nil
}
