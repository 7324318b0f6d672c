package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"searchcoord/internal/cluster"
	"searchcoord/internal/election"
	"searchcoord/internal/overseer"
	"searchcoord/internal/store"
	"searchcoord/internal/terms"
)

// =============================================================================
// REGISTRATION
// =============================================================================
//
//   replica in cluster state? ──no (timeout)──► ServerError
//        │
//   leader eligible? ──► register term, join shard election
//        │
//   leader from the store == leader in cached state? ──never──► ServerError
//        │
//   local core open? ──no──► ServiceUnavailable
//        │
//   replay local log (fresh start only)
//        │
//   must recover? ──yes──► RECOVERING ... engine.Recover ... ACTIVE
//        │ no
//   start replication (TLOG/PULL followers) ──► publish ACTIVE
//        │
//   term listener + unload-on-deleted watch
//
// Any failure unregisters the core again before returning.
//
// =============================================================================

// PreRegister gives a core its coreNodeName and publishes it DOWN before
// the core is opened, so no stale ACTIVE state of an earlier run is
// visible while it loads.
func (c *Controller) PreRegister(ctx context.Context, desc *CoreDescriptor) error {
	cloud := desc.Cloud
	coll := cloud.Collection()

	if cloud.CoreNodeName() == "" || cloud.Shard() == "" {
		if col := c.reader.Collection(coll); col != nil {
			if r, s := col.ReplicaByCore(c.nodeName, desc.Name); r != nil {
				if cloud.CoreNodeName() == "" {
					cloud.SetCoreNodeName(r.Name)
				}
				if cloud.Shard() == "" {
					cloud.SetShard(s.Name)
				}
			}
		}
	}
	if cloud.CoreNodeName() == "" && !c.config.GenericCoreNodeNames {
		cloud.SetCoreNodeName(c.nodeName + "_" + desc.Name)
	}
	if cloud.CoreNodeName() == "" {
		return coordinationError(ServerError, desc, "no coreNodeName for core "+desc.Name, nil)
	}
	if cloud.Shard() == "" {
		return coordinationError(ServerError, desc, "no shard id for core "+desc.Name, nil)
	}

	if err := c.checkStateInStore(ctx, desc); err != nil {
		return err
	}
	return c.Publish(ctx, desc, cluster.StateDown, false, true)
}

// checkStateInStore waits for the descriptor's replica to show up in its
// shard.
func (c *Controller) checkStateInStore(ctx context.Context, desc *CoreDescriptor) error {
	cloud := desc.Cloud
	coll, shard, cnn := cloud.Collection(), cloud.Shard(), cloud.CoreNodeName()
	missing := fmt.Sprintf("coreNodeName %s does not exist in shard %s, ignore the exception if the replica was deleted", cnn, shard)

	var reason string
	err := c.reader.WaitForState(ctx, coll, c.config.WaitForReplicaTimeout, func(_ []string, col *cluster.Collection) bool {
		if col == nil {
			return false
		}
		s := col.Slice(shard)
		if s == nil {
			reason = "Invalid shard: " + shard
			return false
		}
		if s.Replicas[cnn] == nil {
			reason = missing
			return false
		}
		return true
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if reason == "" {
		reason = missing
	}
	return &NotInClusterStateError{Collection: coll, Shard: shard, Replica: cnn, Message: reason}
}

// Register makes a core a full member of its shard and returns the
// shard leader's core URL.
func (c *Controller) Register(ctx context.Context, coreName string, desc *CoreDescriptor, recoverReloaded, afterExpiration, skipRecovery bool) (leaderURL string, err error) {
	if c.isClosed() {
		return "", ErrClosed
	}
	cloud := desc.Cloud
	coll, cnn := cloud.Collection(), cloud.CoreNodeName()
	logger := c.logger.With("collection", coll, "replica", cnn, "core", coreName)
	wasActive := cloud.HasRegistered() && cloud.LastPublished() == cluster.StateActive
	if cnn == "" {
		return "", coordinationError(BadRequest, desc, "core "+coreName+" has no coreNodeName", nil)
	}

	defer func() {
		c.metrics.RecordRegistration(err == nil)
		if err == nil {
			return
		}
		logger.Error("registration failed", "shard", cloud.Shard(), "error", err)
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if uerr := c.Unregister(cctx, coreName, desc, false); uerr != nil {
			logger.Warn("unregister after failed registration", "error", uerr)
		}
	}()

	replica, shard, err := c.waitForReplica(ctx, desc)
	if err != nil {
		return "", err
	}
	if cloud.Shard() == "" {
		cloud.SetShard(shard)
	}
	cloud.SetReplicaType(replica.Type)
	logger = logger.With("shard", shard)
	logger.Debug("registering core", "type", replica.Type, "after_expiration", afterExpiration)

	var shardTerms *terms.ShardTermsStore
	preferred := replica.BoolProp(cluster.PropPreferredLeader)
	if replica.Type.LeaderEligible() {
		if err := c.terms.GetOrCreate(coll).Register(ctx, shard, cnn); err != nil {
			return "", coordinationError(ServerError, desc, "register term", err)
		}
		if shardTerms, err = c.terms.Shard(ctx, coll, shard); err != nil {
			return "", coordinationError(ServerError, desc, "load shard terms", err)
		}
		if err := c.joinElection(ctx, desc, afterExpiration, preferred); err != nil {
			return "", coordinationError(ServerError, desc, "join shard leader election", err)
		}
	} else if preferred {
		logger.Warn("replica type cannot lead, ignoring preferred leader property", "type", replica.Type)
	}

	leaderURL, err = c.getLeader(ctx, desc, c.config.LeaderVoteWait+leaderLookupSlack)
	if err != nil {
		return "", err
	}
	ourURL := c.leaderRecord(desc).CoreURL()
	isLeader := leaderURL == ourURL
	logger.Debug("found shard leader", "leader", leaderURL, "is_leader", isLeader)

	core, ok := c.cores.Core(coreName)
	if !ok || core.IsClosed() {
		return "", coordinationError(ServiceUnavailable, desc, "core "+coreName+" is not available", nil)
	}

	isTlogFollower := !isLeader && replica.Type == cluster.ReplicaTLOG
	if isTlogFollower {
		if err := core.CopyOverOldUpdates(ctx); err != nil {
			logger.Warn("could not copy over old updates", "error", err)
		}
	}

	slice := c.reader.Collection(coll).Slice(shard)
	inConstruction := slice != nil && slice.State == cluster.SliceConstruction
	if !afterExpiration && !core.IsReloaded() && core.HasUpdateLog() && !isTlogFollower && (!inConstruction || !isLeader) {
		if err := core.ReplayLog(ctx); err != nil {
			logger.Warn("local log replay failed", "error", err)
		}
	}

	skip := skipRecovery || c.checkSkipRecoveryReplicaProp(replica, core, logger)
	recovering := c.checkRecovery(desc, recoverReloaded, isLeader, skip, afterExpiration, core, shardTerms, logger)
	if !recovering {
		if !isLeader && replica.Type.ReplicateFromLeader() {
			if err := core.StartReplication(ctx, leaderURL); err != nil {
				return "", coordinationError(ServerError, desc, "start replication from "+leaderURL, err)
			}
		}
		if wasActive && c.activeHere(coll, cnn) {
			logger.Debug("core is registered and active already, not publishing again")
		} else if err := c.Publish(ctx, desc, cluster.StateActive, true, false); err != nil {
			return "", coordinationError(ServerError, desc, "publish active", err)
		}
	}

	if shardTerms != nil {
		c.addTermListener(desc, shardTerms)
	}
	cloud.SetHasRegistered(true)

	if err := c.reader.ForceUpdateCollection(ctx, coll); err != nil {
		logger.Warn("could not refresh collection after registration", "error", err)
	}
	c.watchForRemoval(desc)
	c.updateRegisteredGauge()
	logger.Info("registered core", "leader", isLeader, "recovering", recovering)
	return leaderURL, nil
}

// activeHere reports whether the cached state shows the replica ACTIVE on
// this node.
func (c *Controller) activeHere(coll, cnn string) bool {
	r, _ := c.reader.Collection(coll).Replica(cnn)
	return r != nil && r.State == cluster.StateActive && r.NodeName == c.nodeName
}

// waitForReplica waits until the cached state holds the replica.
func (c *Controller) waitForReplica(ctx context.Context, desc *CoreDescriptor) (*cluster.Replica, string, error) {
	coll, cnn := desc.Cloud.Collection(), desc.Cloud.CoreNodeName()
	if err := c.reader.ForceUpdateCollection(ctx, coll); err != nil && !errors.Is(err, store.ErrNoNode) {
		c.logger.Debug("refresh before waiting for replica", "collection", coll, "error", err)
	}

	var (
		found *cluster.Replica
		shard string
	)
	err := c.reader.WaitForState(ctx, coll, c.config.WaitForReplicaTimeout, func(_ []string, col *cluster.Collection) bool {
		r, s := col.Replica(cnn)
		if r == nil {
			return false
		}
		found, shard = r, s.Name
		return true
	})
	if err != nil {
		return nil, "", coordinationError(ServerError, desc, "timeout waiting for replica present in clusterstate", err)
	}
	return found, shard, nil
}

// leaderRecord is what this core publishes when it leads.
func (c *Controller) leaderRecord(desc *CoreDescriptor) election.LeaderRecord {
	return election.LeaderRecord{
		Collection:   desc.Cloud.Collection(),
		Shard:        desc.Cloud.Shard(),
		CoreNodeName: desc.Cloud.CoreNodeName(),
		Core:         desc.Name,
		NodeName:     c.nodeName,
		BaseURL:      c.baseURL,
	}
}

// joinElection replaces the core's shard election context and joins.
func (c *Controller) joinElection(ctx context.Context, desc *CoreDescriptor, afterExpiration, joinAtHead bool) error {
	cloud := desc.Cloud
	ts, err := c.terms.Shard(ctx, cloud.Collection(), cloud.Shard())
	if err != nil {
		return err
	}
	ec := election.NewShardLeaderContext(c.store, election.ShardLeaderConfig{
		Record:           c.leaderRecord(desc),
		Elector:          c.elector,
		Terms:            ts,
		Callbacks:        &shardCallbacks{c: c, desc: desc},
		Logger:           c.logger,
		Metrics:          c.config.Metrics,
		VoteWait:         c.config.LeaderVoteWait,
		ExpectedReplicas: func() int {
			return c.leaderEligibleReplicas(cloud.Collection(), cloud.Shard())
		},
	})
	key := election.ContextKey{Collection: cloud.Collection(), CoreNodeName: cloud.CoreNodeName()}
	if prev := c.elections.Put(key, ec); prev != nil {
		c.elector.StopWatching(prev)
		prev.Close()
	}
	if err := c.elector.Setup(ctx, ec); err != nil {
		return err
	}
	return c.elector.JoinElection(ctx, ec, afterExpiration, joinAtHead)
}

// leaderEligibleReplicas counts the shard's replicas that take part in
// its leader election.
func (c *Controller) leaderEligibleReplicas(collection, shard string) int {
	coll := c.reader.Collection(collection)
	if coll == nil {
		return 0
	}
	sl := coll.Slice(shard)
	if sl == nil {
		return 0
	}
	n := 0
	for _, r := range sl.Replicas {
		if r.Type.LeaderEligible() {
			n++
		}
	}
	return n
}

// =============================================================================
// LEADER LOOKUP
// =============================================================================

// getLeader reads the leader record from the store and waits for the
// cached cluster state to agree with it.
func (c *Controller) getLeader(ctx context.Context, desc *CoreDescriptor, timeout time.Duration) (string, error) {
	coll, shard := desc.Cloud.Collection(), desc.Cloud.Shard()

	rec, err := c.readLeaderRecord(ctx, coll, shard, timeout)
	if err != nil {
		return "", coordinationError(ServerError, desc, "error getting leader from the store", err)
	}
	leaderURL := rec.CoreURL()

	deadline := time.Now().Add(c.config.LeaderConflictResolveWait)
	for tries := 1; ; tries++ {
		var cachedURL string
		if r := c.reader.ShardLeader(coll, shard); r != nil {
			cachedURL = r.CoreURL()
		}
		if cachedURL == leaderURL {
			return leaderURL, nil
		}
		if time.Now().After(deadline) {
			msg := fmt.Sprintf("There is conflicting information about the leader of shard: %s our state says:%s but the store says:%s",
				shard, cachedURL, leaderURL)
			return "", coordinationError(ServerError, desc, msg, nil)
		}
		if tries%30 == 0 {
			c.logger.Warn("still waiting for the cached state to agree on the shard leader",
				"collection", coll, "shard", shard, "cached", cachedURL, "store", leaderURL, "tries", tries)
		}
		if err := sleepCtx(ctx, c.config.LeaderRetryPause); err != nil {
			return "", err
		}
		if rec, err = c.readLeaderRecord(ctx, coll, shard, timeout); err != nil {
			return "", coordinationError(ServerError, desc, "error getting leader from the store", err)
		}
		leaderURL = rec.CoreURL()
	}
}

// readLeaderRecord polls for the shard's leader record.
func (c *Controller) readLeaderRecord(ctx context.Context, collection, shard string, timeout time.Duration) (election.LeaderRecord, error) {
	deadline := time.Now().Add(timeout)
	for {
		data, _, err := c.store.Get(ctx, cluster.ShardLeaderPath(collection, shard))
		if err == nil {
			return election.DecodeLeaderRecord(data)
		}
		if !errors.Is(err, store.ErrNoNode) && !store.IsTransient(err) {
			return election.LeaderRecord{}, err
		}
		if time.Now().After(deadline) {
			return election.LeaderRecord{}, fmt.Errorf("no leader for %s/%s after %s: %w", collection, shard, timeout, err)
		}
		if err := sleepCtx(ctx, c.config.LeaderRetryPause); err != nil {
			return election.LeaderRecord{}, err
		}
	}
}

// GetLeaderURL returns the core URL of the shard leader as recorded in
// the store.
func (c *Controller) GetLeaderURL(ctx context.Context, collection, shard string) (string, error) {
	data, _, err := c.store.Get(ctx, cluster.ShardLeaderPath(collection, shard))
	if err != nil {
		return "", fmt.Errorf("read leader of %s/%s: %w", collection, shard, err)
	}
	rec, err := election.DecodeLeaderRecord(data)
	if err != nil {
		return "", err
	}
	return rec.CoreURL(), nil
}

// =============================================================================
// RECOVERY
// =============================================================================

// checkSkipRecoveryReplicaProp honours property.skipleaderrecovery for
// replicas that keep no transaction log and already hold a commit.
func (c *Controller) checkSkipRecoveryReplicaProp(replica *cluster.Replica, core Core, logger *slog.Logger) bool {
	if !replica.BoolProp(cluster.PropSkipLeaderRecovery) {
		return false
	}
	if replica.Type.RequiresTransactionLog() {
		logger.Warn("skipleaderrecovery is only honoured for replicas without a transaction log", "type", replica.Type)
		return false
	}
	if !core.HasCommitPoint() {
		logger.Info("skipleaderrecovery set but the core has no commit, recovering")
		return false
	}
	return true
}

// checkRecovery decides whether the core must recover and starts the
// recovery if so.
func (c *Controller) checkRecovery(desc *CoreDescriptor, recoverReloaded, isLeader, skipRecovery, afterExpiration bool,
	core Core, shardTerms *terms.ShardTermsStore, logger *slog.Logger) bool {
	if c.cores.SkipAutoRecovery() {
		logger.Warn("skipping recovery, auto recovery is disabled")
		return false
	}
	if isLeader {
		logger.Debug("leader, no recovery necessary")
		return false
	}

	doRecovery := !(skipRecovery || (!afterExpiration && core.IsReloaded() && !recoverReloaded))
	if doRecovery {
		logger.Info("core needs to recover")
		c.startRecovery(desc, "register")
		return true
	}

	cnn := desc.Cloud.CoreNodeName()
	if shardTerms != nil {
		if _, registered := shardTerms.Term(cnn); registered && !shardTerms.CanBecomeLeader(cnn) {
			logger.Info("leader's term is larger than ours, recovering")
			c.startRecovery(desc, "term_behind")
			return true
		}
	}
	return false
}

// startRecovery publishes RECOVERING and hands the core to the engine.
// A recovery already running for the core is left alone.
func (c *Controller) startRecovery(desc *CoreDescriptor, reason string) {
	name := desc.Name
	c.mu.Lock()
	if c.closed || c.recovering[name] {
		c.mu.Unlock()
		return
	}
	c.recovering[name] = true
	c.wg.Add(1)
	c.mu.Unlock()

	c.metrics.RecordRecovery(reason)
	logger := c.logger.With("collection", desc.Cloud.Collection(), "shard", desc.Cloud.Shard(),
		"replica", desc.Cloud.CoreNodeName(), "core", name)

	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.recovering, name)
			c.mu.Unlock()
		}()

		ctx := c.ctx
		if err := c.Publish(ctx, desc, cluster.StateRecovering, true, false); err != nil {
			logger.Warn("could not publish recovering", "error", err)
		}
		err := c.cores.Recover(ctx, desc)
		switch {
		case errors.Is(err, context.Canceled) || ctx.Err() != nil:
			logger.Info("recovery cancelled")
		case err != nil:
			logger.Error("recovery failed", "reason", reason, "error", err)
			if perr := c.Publish(ctx, desc, cluster.StateRecoveryFailed, true, false); perr != nil {
				logger.Warn("could not publish recovery_failed", "error", perr)
			}
		default:
			logger.Info("recovery finished", "reason", reason)
			if perr := c.Publish(ctx, desc, cluster.StateActive, true, false); perr != nil {
				logger.Warn("could not publish active after recovery", "error", perr)
			}
		}
	}()
}

// addTermListener recovers the core whenever its term falls behind the
// shard's highest term. Each term value triggers at most one recovery.
func (c *Controller) addTermListener(desc *CoreDescriptor, shardTerms *terms.ShardTermsStore) {
	name, cnn := desc.Name, desc.Cloud.CoreNodeName()
	lastRecoveryTerm := int64(-1)

	remove := shardTerms.AddListener(func(t terms.ShardTerms) bool {
		if c.isClosed() {
			return false
		}
		core, ok := c.cores.Core(name)
		if !ok || core.IsClosed() {
			return false
		}
		if t.HaveHighestTerm(cnn) {
			return true
		}
		term, _ := t.Term(cnn)
		if term > lastRecoveryTerm {
			lastRecoveryTerm = term
			c.startRecovery(desc, "term_behind")
		}
		return true
	})

	c.mu.Lock()
	prev := c.termListeners[name]
	c.termListeners[name] = remove
	c.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// =============================================================================
// UNREGISTER
// =============================================================================

// Unregister takes a core out of coordination. With removeFromStore the
// replica is also deleted from the cluster state.
func (c *Controller) Unregister(ctx context.Context, coreName string, desc *CoreDescriptor, removeFromStore bool) error {
	cloud := desc.Cloud
	coll, shard, cnn := cloud.Collection(), cloud.Shard(), cloud.CoreNodeName()

	c.mu.Lock()
	removeListener := c.termListeners[coreName]
	delete(c.termListeners, coreName)
	delete(c.tragic, coll+":"+cnn)
	stopWatch := c.unloadWatches[coreName]
	delete(c.unloadWatches, coreName)
	c.mu.Unlock()

	if removeListener != nil {
		removeListener()
	}
	if stopWatch != nil {
		stopWatch()
	}
	// PULL replicas never hold a term; Remove would create an empty terms node.
	if ct, ok := c.terms.Get(coll); ok && shard != "" && cnn != "" && cloud.ReplicaType() != cluster.ReplicaPULL {
		if err := ct.Remove(ctx, shard, cnn); err != nil {
			c.logger.Warn("could not remove term", "collection", coll, "shard", shard, "replica", cnn, "error", err)
		}
	}
	c.cores.CancelRecovery(coreName)

	if cloud.ReplicaType() != cluster.ReplicaPULL {
		key := election.ContextKey{Collection: coll, CoreNodeName: cnn}
		if ec, ok := c.elections.Remove(key); ok {
			if err := c.elector.CancelElection(ctx, ec); err != nil {
				c.logger.Warn("cancel election on unregister", "election", key.String(), "error", err)
			}
			ec.Close()
		}
	}

	cloud.SetHasRegistered(false)
	cloud.SetIsLeader(false)
	c.updateRegisteredGauge()

	if removeFromStore && cnn != "" {
		msg := overseer.DeleteCoreMessage(coll, cnn, coreName, c.nodeName)
		if err := c.sendStateUpdate(ctx, msg); err != nil {
			return fmt.Errorf("delete replica %s/%s: %w", coll, cnn, err)
		}
	}
	return nil
}

// watchForRemoval unloads the core once its replica or collection is
// deleted from the cluster state.
func (c *Controller) watchForRemoval(desc *CoreDescriptor) {
	name := desc.Name
	coll, cnn := desc.Cloud.Collection(), desc.Cloud.CoreNodeName()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if prev := c.unloadWatches[name]; prev != nil {
		prev()
	}
	wctx, cancel := context.WithCancel(c.ctx)
	c.unloadWatches[name] = cancel
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		for wctx.Err() == nil {
			err := c.reader.WaitForState(wctx, coll, time.Hour, func(_ []string, col *cluster.Collection) bool {
				r, _ := col.Replica(cnn)
				return r == nil
			})
			if wctx.Err() != nil {
				return
			}
			if errors.Is(err, cluster.ErrWaitTimeout) {
				continue
			}
			if !c.replicaGone(wctx, coll, cnn) {
				// The cache was behind; wait for the next change.
				if sleepCtx(wctx, c.config.LeaderRetryPause) != nil {
					return
				}
				continue
			}
			c.unloadRemoved(wctx, desc)
			return
		}
	}()
}

// replicaGone confirms a removal against the store itself.
func (c *Controller) replicaGone(ctx context.Context, collection, replica string) bool {
	col, err := cluster.ReadCollection(ctx, c.store, collection)
	if errors.Is(err, store.ErrNoNode) {
		return true
	}
	if err != nil {
		return false
	}
	r, _ := col.Replica(replica)
	return r == nil
}

func (c *Controller) unloadRemoved(ctx context.Context, desc *CoreDescriptor) {
	logger := c.logger.With("collection", desc.Cloud.Collection(), "replica", desc.Cloud.CoreNodeName(), "core", desc.Name)
	if _, ok := c.cores.Core(desc.Name); !ok {
		return
	}
	logger.Info("replica was removed from the cluster state, unloading core")

	c.mu.Lock()
	delete(c.unloadWatches, desc.Name)
	c.mu.Unlock()
	if err := c.Unregister(ctx, desc.Name, desc, false); err != nil {
		logger.Warn("unregister removed core", "error", err)
	}
	if err := c.cores.Unload(ctx, desc.Name); err != nil {
		logger.Warn("unload removed core", "error", err)
	}
}

func (c *Controller) updateRegisteredGauge() {
	n := 0
	for _, d := range c.cores.Descriptors() {
		if d.Cloud.HasRegistered() {
			n++
		}
	}
	c.metrics.SetRegisteredReplicas(n)
}

// =============================================================================
// LEADERSHIP
// =============================================================================

// GiveupLeadership hands the shard leadership of a core that hit a fatal
// local fault to another replica. At least two ACTIVE, leader-eligible,
// live replicas (this one included) must exist; the others then elect a
// new leader among themselves.
func (c *Controller) GiveupLeadership(ctx context.Context, desc *CoreDescriptor) error {
	cloud := desc.Cloud
	coll, shard, cnn := cloud.Collection(), cloud.Shard(), cloud.CoreNodeName()

	slice := c.reader.Collection(coll).Slice(shard)
	if slice == nil {
		return coordinationError(NotFound, desc, "shard not in cluster state", nil)
	}
	if leader := slice.Leader(); leader == nil || leader.Name != cnn {
		return ErrNotShardLeader
	}

	live := c.reader.LiveNodes()
	active := 0
	for _, r := range slice.Replicas {
		if r.Type.LeaderEligible() && r.IsActive(live) {
			active++
		}
	}
	if active < 2 {
		return ErrTooFewReplicas
	}

	key := coll + ":" + cnn
	c.mu.Lock()
	if c.tragic[key] {
		c.mu.Unlock()
		return nil
	}
	c.tragic[key] = true
	c.mu.Unlock()

	c.logger.Warn("leader hit a fatal local fault, giving up leadership",
		"collection", coll, "shard", shard, "replica", cnn, "active_replicas", active)

	ec, ok := c.elections.Get(election.ContextKey{Collection: coll, CoreNodeName: cnn})
	if !ok {
		return coordinationError(NotFound, desc, "no election context for core "+desc.Name, nil)
	}
	if err := c.elector.RetryElection(ctx, ec, false); err != nil {
		return coordinationError(ServerError, desc, "rejoin shard election", err)
	}
	cloud.SetIsLeader(false)
	c.metrics.RecordGiveupLeadership()
	return nil
}

// ReplicasMissedUpdate is called by a shard leader whose update did not
// reach some of its replicas. It raises the terms of the leader and of
// every replica not listed above theirs; the listed replicas then see
// their term behind and recover.
func (c *Controller) ReplicasMissedUpdate(ctx context.Context, desc *CoreDescriptor, replicas []string) error {
	cloud := desc.Cloud
	coll, shard, cnn := cloud.Collection(), cloud.Shard(), cloud.CoreNodeName()
	if !cloud.IsLeader() {
		return ErrNotShardLeader
	}
	if len(replicas) == 0 {
		return nil
	}
	for _, r := range replicas {
		if r == cnn {
			return coordinationError(BadRequest, desc, "leader cannot mark itself as missing an update", nil)
		}
	}

	st, err := c.terms.Shard(ctx, coll, shard)
	if err != nil {
		return coordinationError(ServerError, desc, "load shard terms", err)
	}
	c.logger.Warn("replicas missed an update, raising leader term",
		"collection", coll, "shard", shard, "leader", cnn, "replicas", replicas)
	if err := st.EnsureTermsIsHigher(ctx, cnn, replicas); err != nil {
		return coordinationError(ServerError, desc, "increase shard terms", err)
	}
	return nil
}

// RejoinShardLeaderElection leaves a replica's shard election and joins
// again, at the head of the line when joinAtHead is set.
func (c *Controller) RejoinShardLeaderElection(ctx context.Context, collection, shard, coreNodeName string, joinAtHead bool) error {
	var desc *CoreDescriptor
	for _, d := range c.cores.Descriptors() {
		if d.Cloud.Collection() == collection && d.Cloud.CoreNodeName() == coreNodeName {
			desc = d
			break
		}
	}
	if desc == nil {
		return &CoordinationError{Code: NotFound, Collection: collection, Shard: shard, Replica: coreNodeName,
			Message: "no local core for replica"}
	}

	key := election.ContextKey{Collection: collection, CoreNodeName: coreNodeName}
	if ec, ok := c.elections.Get(key); ok {
		if err := c.elector.CancelElection(ctx, ec); err != nil {
			c.logger.Warn("cancel election before rejoin", "election", key.String(), "error", err)
		}
	}
	desc.Cloud.SetIsLeader(false)
	c.logger.Info("rejoining shard leader election", "collection", collection, "shard", shard,
		"replica", coreNodeName, "join_at_head", joinAtHead)
	if err := c.joinElection(ctx, desc, false, joinAtHead); err != nil {
		return coordinationError(ServerError, desc, "rejoin shard leader election", err)
	}
	return nil
}

// shardCallbacks connects a shard election to the controller and engine.
type shardCallbacks struct {
	c    *Controller
	desc *CoreDescriptor
}

func (s *shardCallbacks) PublishLeader(ctx context.Context, rec election.LeaderRecord) error {
	return s.c.sendStateUpdate(ctx, overseer.LeaderMessage(rec.Collection, rec.Shard, rec.CoreNodeName,
		rec.Core, rec.NodeName, rec.BaseURL))
}

func (s *shardCallbacks) BecameLeader(rec election.LeaderRecord) {
	s.desc.Cloud.SetIsLeader(true)
	if s.desc.Cloud.ReplicaType().ReplicateFromLeader() {
		if core, ok := s.c.cores.Core(s.desc.Name); ok {
			core.StopReplication()
		}
	}
	s.c.cores.BecameLeader(s.desc)
}

func (s *shardCallbacks) MustRecover(rec election.LeaderRecord) {
	s.desc.Cloud.SetIsLeader(false)
	s.c.startRecovery(s.desc, "leader_refused")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
