// =============================================================================
// NODE COORDINATION CONTROLLER
// =============================================================================
//
// WHAT: The per-node orchestrator. It ties the local cores to the shared
// cluster state: registers replicas, runs their shard elections, decides
// when a replica must recover, publishes state changes and rebuilds
// everything after the coordination session expires.
//
// LIFECYCLE:
//
//   New ──► Start ──► (Register / Publish / Unregister ...)* ──► PreClose ──► Close
//
//   Start:
//     1. create the base paths
//     2. wait for a live marker left by our previous process to vanish
//     3. start the cluster-state reader
//     4. bid for overseer (unless the role forbids it)
//     5. create /live_nodes/<node> (and the role marker) in one multi-op
//     6. watch session events
//
// SESSION EVENTS:
//
//   disconnected ──► logged; the session and its ephemerals may survive
//   expired      ──► onDisconnect: stop overseer, drop election contexts,
//                    mark every core not-leader / not-registered
//   connected    ──► after an expiry: onReconnect (reconnect.go)
//
// =============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"searchcoord/internal/cluster"
	"searchcoord/internal/election"
	"searchcoord/internal/metrics"
	"searchcoord/internal/overseer"
	"searchcoord/internal/queue"
	"searchcoord/internal/store"
	"searchcoord/internal/terms"
)

// OverseerRole says whether a node may run the overseer.
type OverseerRole string

const (
	// RolePreferred nodes take the overseer over from any other node.
	RolePreferred OverseerRole = "preferred"
	// RoleAllowed nodes join the overseer election normally.
	RoleAllowed OverseerRole = "allowed"
	// RoleDisallowed nodes never run the overseer.
	RoleDisallowed OverseerRole = "disallowed"
)

// Config configures a Controller.
type Config struct {
	Host    string
	Port    int
	Context string
	Scheme  string

	// Distributed selects distributed cluster-state updates: each node
	// writes its own changes instead of queueing them for the overseer.
	Distributed bool

	OverseerRole OverseerRole

	// GenericCoreNodeNames leaves coreNodeName assignment to the cluster
	// state. When false a core without one gets "<node>_<core>".
	GenericCoreNodeNames bool

	// LeaderVoteWait bounds how long a first shard leader waits for the
	// other replicas to join its election, and with leaderLookupSlack how
	// long registration waits for a leader.
	LeaderVoteWait time.Duration

	// LeaderConflictResolveWait bounds how long the leader in the store
	// and the leader in the cached state may disagree.
	LeaderConflictResolveWait time.Duration

	// LeaderRetryPause is the pause between leader lookups.
	LeaderRetryPause time.Duration

	WaitForReplicaTimeout time.Duration
	DownStatesTimeout     time.Duration

	// RegisterWorkers bounds concurrent registrations after a reconnect.
	RegisterWorkers int

	// Overseer tunes the local overseer. NodeName, Distributed, OnQuit,
	// Logger and Metrics are filled in by the controller.
	Overseer overseer.Config

	// Election tunes the leader elector. Logger and Metrics are filled in
	// by the controller.
	Election election.Config

	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		Host:                      "127.0.0.1",
		Port:                      8983,
		Context:                   "solr",
		Scheme:                    "http",
		OverseerRole:              RoleAllowed,
		GenericCoreNodeNames:      true,
		LeaderVoteWait:            180 * time.Second,
		LeaderConflictResolveWait: 180 * time.Second,
		LeaderRetryPause:          time.Second,
		WaitForReplicaTimeout:     10 * time.Second,
		DownStatesTimeout:         60 * time.Second,
		RegisterWorkers:           8,
		Overseer:                  overseer.DefaultConfig(),
	}
}

// leaderLookupSlack is added to LeaderVoteWait for the store lookup of
// the leader record.
const leaderLookupSlack = 600 * time.Second

// Controller coordinates the cores of one node with the cluster.
type Controller struct {
	config   Config
	store    store.Store
	cores    CoreContainer
	nodeName string
	baseURL  string
	logger   *slog.Logger
	metrics  *metrics.NodeMetrics

	reader     *cluster.StateReader
	elector    *election.LeaderElector
	elections  *election.Registry
	terms      *terms.Registry
	overseer   *overseer.Overseer
	updater    *overseer.DistributedUpdater
	stateQueue *queue.DistributedQueue
	adminQueue *queue.DistributedQueue
	listeners  *ReconnectListeners

	// ctx outlives single calls; it is cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu protects the fields below
	mu            sync.Mutex
	started       bool
	closed        bool
	unsubscribe   func()
	unloadWatches map[string]context.CancelFunc
	termListeners map[string]func()
	recovering    map[string]bool
	tragic        map[string]bool
}

// New creates a controller for the node described by config. Nothing
// touches the store until Start.
func New(s store.Store, cores CoreContainer, config Config) (*Controller, error) {
	def := DefaultConfig()
	if config.Host == "" {
		return nil, ErrNoNodeName
	}
	if config.Scheme == "" {
		config.Scheme = def.Scheme
	}
	if config.OverseerRole == "" {
		config.OverseerRole = def.OverseerRole
	}
	if config.LeaderVoteWait <= 0 {
		config.LeaderVoteWait = def.LeaderVoteWait
	}
	if config.LeaderConflictResolveWait <= 0 {
		config.LeaderConflictResolveWait = def.LeaderConflictResolveWait
	}
	if config.LeaderRetryPause <= 0 {
		config.LeaderRetryPause = def.LeaderRetryPause
	}
	if config.WaitForReplicaTimeout <= 0 {
		config.WaitForReplicaTimeout = def.WaitForReplicaTimeout
	}
	if config.DownStatesTimeout <= 0 {
		config.DownStatesTimeout = def.DownStatesTimeout
	}
	if config.RegisterWorkers <= 0 {
		config.RegisterWorkers = def.RegisterWorkers
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	nodeName := cluster.NodeName(config.Host, config.Port, config.Context)
	logger = logger.With("component", "controller", "node", nodeName)

	c := &Controller{
		config:        config,
		store:         s,
		cores:         cores,
		nodeName:      nodeName,
		baseURL:       cluster.BaseURLForNode(nodeName, config.Scheme),
		logger:        logger,
		metrics:       config.Metrics.NodeMetrics(),
		reader:        cluster.NewStateReader(s, logger),
		elections:     election.NewRegistry(),
		terms:         terms.NewRegistry(s, logger, config.Metrics),
		updater:       overseer.NewDistributedUpdater(s, logger, config.Metrics),
		stateQueue:    queue.New(s, cluster.OverseerQueuePath, logger),
		adminQueue:    queue.New(s, cluster.AdminQueuePath, logger),
		listeners:     NewReconnectListeners(logger, config.Metrics.NodeMetrics()),
		unloadWatches: make(map[string]context.CancelFunc),
		termListeners: make(map[string]func()),
		recovering:    make(map[string]bool),
		tragic:        make(map[string]bool),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	ecfg := config.Election
	ecfg.Logger = logger
	ecfg.Metrics = config.Metrics
	c.elector = election.NewLeaderElector(s, ecfg)

	ocfg := config.Overseer
	ocfg.NodeName = nodeName
	ocfg.Distributed = config.Distributed
	ocfg.Logger = logger
	ocfg.Metrics = config.Metrics
	ocfg.OnQuit = func(electionNode string) {
		ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
		defer cancel()
		if err := c.RejoinOverseerElection(ctx, electionNode, false); err != nil {
			c.logger.Warn("rejoin overseer election after quit", "error", err)
		}
	}
	c.overseer = overseer.New(s, ocfg)
	return c, nil
}

// NodeName is "host:port_context".
func (c *Controller) NodeName() string { return c.nodeName }

// BaseURL is the node's base URL.
func (c *Controller) BaseURL() string { return c.baseURL }

// Reader exposes the cached cluster state.
func (c *Controller) Reader() *cluster.StateReader { return c.reader }

// Overseer exposes the local overseer instance.
func (c *Controller) Overseer() *overseer.Overseer { return c.overseer }

// AdminQueue is the queue of administrative commands.
func (c *Controller) AdminQueue() *queue.DistributedQueue { return c.adminQueue }

// StateQueue is the queue of state updates.
func (c *Controller) StateQueue() *queue.DistributedQueue { return c.stateQueue }

// Store is the coordination store client of this node.
func (c *Controller) Store() store.Store { return c.store }

// Terms exposes the node's shard terms.
func (c *Controller) Terms() *terms.Registry { return c.terms }

// Distributed reports whether state updates bypass the queue.
func (c *Controller) Distributed() bool { return c.config.Distributed }

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// =============================================================================
// START
// =============================================================================

// Start brings the node into the cluster.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	// Subscribe first so no event between here and the loop is lost.
	events, unsubscribe := c.store.SubscribeSession()
	c.mu.Lock()
	c.unsubscribe = unsubscribe
	c.mu.Unlock()

	for _, p := range cluster.BasePaths() {
		if err := store.MakePath(ctx, c.store, p, nil, store.Persistent, false); err != nil {
			return fmt.Errorf("create cluster paths: %w", err)
		}
	}
	if err := c.checkForExistingEphemeralNode(ctx); err != nil {
		return err
	}
	if err := c.reader.Start(ctx); err != nil {
		return fmt.Errorf("start cluster state reader: %w", err)
	}
	if err := c.joinOverseerElection(ctx); err != nil {
		return fmt.Errorf("join overseer election: %w", err)
	}
	if err := c.createEphemeralLiveNode(ctx); err != nil {
		return err
	}

	c.wg.Add(1)
	go c.sessionLoop(events)

	if err := c.CheckOverseerDesignate(ctx); err != nil {
		c.logger.Warn("could not hand the overseer to this node", "error", err)
	}
	c.logger.Info("controller started", "base_url", c.baseURL, "distributed", c.config.Distributed,
		"overseer_role", c.config.OverseerRole)
	return nil
}

// checkForExistingEphemeralNode waits for a live marker with our name
// but another session to expire. A process restarted faster than its
// session timeout finds the old marker still there.
func (c *Controller) checkForExistingEphemeralNode(ctx context.Context) error {
	path := cluster.LiveNodePath(c.nodeName)
	deadline := time.Now().Add(2 * c.store.SessionTimeout())
	warned := false

	for {
		_, stat, err := c.store.Get(ctx, path)
		if errors.Is(err, store.ErrNoNode) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("check live node: %w", err)
		}
		if stat.EphemeralOwner == c.store.SessionID() {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w: %s", ErrLiveNodeExists, path)
		}
		if !warned {
			c.logger.Warn("found a live node of a previous session, waiting for it to expire",
				"path", path, "owner", stat.EphemeralOwner, "wait", remaining)
			warned = true
		}

		wctx, cancel := context.WithTimeout(ctx, remaining)
		ch, err := c.store.WatchData(wctx, path)
		if err != nil {
			cancel()
			if errors.Is(err, store.ErrNoNode) {
				return nil
			}
			return fmt.Errorf("watch live node: %w", err)
		}
		select {
		case <-ch:
		case <-wctx.Done():
		}
		cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// createEphemeralLiveNode announces the node, together with its role
// marker, in one multi-op.
func (c *Controller) createEphemeralLiveNode(ctx context.Context) error {
	ops := []store.Op{store.CreateOp(cluster.LiveNodePath(c.nodeName), []byte(c.store.SessionID()), store.Ephemeral)}
	if c.config.OverseerRole != RoleAllowed {
		ops = append(ops, store.CreateOp(cluster.NodeRolePath(cluster.RoleOverseer, c.nodeName),
			[]byte(c.config.OverseerRole), store.Ephemeral))
	}
	err := c.store.Multi(ctx, ops...)
	if errors.Is(err, store.ErrNodeExists) {
		_, stat, gerr := c.store.Get(ctx, cluster.LiveNodePath(c.nodeName))
		if gerr == nil && stat.EphemeralOwner == c.store.SessionID() {
			return nil
		}
	}
	if err != nil {
		return fmt.Errorf("create live node %s: %w", c.nodeName, err)
	}
	c.logger.Info("registered live node", "session", c.store.SessionID())
	return nil
}

// removeEphemeralLiveNode deletes the live and role markers.
func (c *Controller) removeEphemeralLiveNode(ctx context.Context) error {
	for _, p := range []string{
		cluster.LiveNodePath(c.nodeName),
		cluster.NodeRolePath(cluster.RoleOverseer, c.nodeName),
	} {
		if err := c.store.Delete(ctx, p, store.AnyVersion); err != nil && !errors.Is(err, store.ErrNoNode) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}

// =============================================================================
// SESSION
// =============================================================================

func (c *Controller) sessionLoop(events <-chan store.SessionEvent) {
	defer c.wg.Done()
	expired := false

	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.State {
			case store.SessionDisconnected:
				c.metrics.RecordSessionEvent("disconnected")
				c.logger.Warn("coordination store disconnected")
			case store.SessionExpired:
				c.metrics.RecordSessionEvent("expired")
				c.logger.Warn("coordination session expired", "session", ev.SessionID)
				c.onDisconnect(true)
				expired = true
			case store.SessionConnected:
				c.metrics.RecordSessionEvent("connected")
				if !expired {
					c.logger.Info("coordination store reconnected", "session", ev.SessionID)
					continue
				}
				expired = false
				c.reconnectWithRetry()
			}
		}
	}
}

// reconnectWithRetry runs onReconnect until it succeeds, the session is
// lost again or the controller closes.
func (c *Controller) reconnectWithRetry() {
	for c.ctx.Err() == nil {
		err := c.onReconnect(c.ctx)
		if err == nil {
			return
		}
		if storeSessionGone(err) {
			c.logger.Error("session lost again during reconnect", "error", err)
			return
		}
		c.logger.Error("reconnect failed, retrying", "error", err)
		select {
		case <-c.ctx.Done():
		case <-time.After(c.config.LeaderRetryPause):
		}
	}
}

// =============================================================================
// OVERSEER ELECTION
// =============================================================================

func (c *Controller) overseerContext() *election.OverseerContext {
	ec, ok := c.elections.Get(election.OverseerKey)
	if !ok {
		return nil
	}
	oc, _ := ec.(*election.OverseerContext)
	return oc
}

// joinOverseerElection creates a fresh overseer participation.
func (c *Controller) joinOverseerElection(ctx context.Context) error {
	if c.config.OverseerRole == RoleDisallowed {
		return nil
	}
	oc := election.NewOverseerContext(c.store, c.nodeName, c.overseer, c.logger, c.config.Metrics)
	if prev := c.elections.Put(election.OverseerKey, oc); prev != nil {
		c.elector.StopWatching(prev)
		prev.Close()
	}
	if err := c.elector.Setup(ctx, oc); err != nil {
		return err
	}
	return c.elector.JoinElection(ctx, oc, false, false)
}

// RejoinOverseerElection leaves the overseer election and joins again,
// at the head of the line when joinAtHead is set. electionNode, when not
// empty, must be our current participation; a mismatch means the request
// is stale and is ignored.
func (c *Controller) RejoinOverseerElection(ctx context.Context, electionNode string, joinAtHead bool) error {
	oc := c.overseerContext()
	if oc == nil {
		return nil
	}
	if electionNode != "" && oc.JoinedElectionNode() != electionNode {
		c.logger.Warn("asked to rejoin the overseer election as another participant",
			"requested", electionNode, "current", oc.JoinedElectionNode())
		return nil
	}
	c.logger.Info("rejoining overseer election", "join_at_head", joinAtHead)
	return c.elector.RetryElection(ctx, oc, joinAtHead)
}

// CheckOverseerDesignate lets a node with the preferred role take the
// overseer over: it moves itself next in line and asks the current
// overseer to quit.
func (c *Controller) CheckOverseerDesignate(ctx context.Context) error {
	if c.config.OverseerRole != RolePreferred {
		return nil
	}
	oc := c.overseerContext()
	if oc == nil {
		return nil
	}
	rec, err := election.ReadOverseerLeader(ctx, c.store)
	if errors.Is(err, store.ErrNoNode) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.ID == oc.JoinedElectionNode() || oc.IsRunning() {
		return nil
	}
	if err := c.elector.RetryElection(ctx, oc, true); err != nil {
		return fmt.Errorf("move to head of overseer election: %w", err)
	}
	if oc.IsRunning() {
		return nil
	}
	c.logger.Info("asking current overseer to hand over", "current", rec.ID)
	if _, err := overseer.Offer(ctx, c.adminQueue, overseer.QuitMessage(rec.ID)); err != nil {
		return fmt.Errorf("queue quit for %s: %w", rec.ID, err)
	}
	return nil
}

// =============================================================================
// SHUTDOWN
// =============================================================================

// PreClose takes the node out of the cluster while the session is still
// alive: removes the live marker and waits until our replicas show DOWN.
func (c *Controller) PreClose(ctx context.Context) error {
	if err := c.removeEphemeralLiveNode(ctx); err != nil {
		c.logger.Warn("could not remove live node", "error", err)
	}
	if err := c.PublishAndWaitForDownStates(ctx, c.config.DownStatesTimeout); err != nil {
		c.logger.Warn("replicas not seen as down before close", "error", err)
		return err
	}
	return nil
}

// Close stops every loop and leaves every election. The store is left
// open for the caller to close.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	watches := c.unloadWatches
	c.unloadWatches = make(map[string]context.CancelFunc)
	removes := c.termListeners
	c.termListeners = make(map[string]func())
	unsubscribe := c.unsubscribe
	c.mu.Unlock()

	c.cancel()
	for _, cancel := range watches {
		cancel()
	}
	for _, remove := range removes {
		remove()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, e := range c.elections.Snapshot() {
		if err := c.elector.CancelElection(ctx, e.Context); err != nil {
			c.logger.Warn("cancel election on close", "election", e.Key.String(), "error", err)
		}
		e.Context.Close()
		c.elections.Remove(e.Key)
	}
	c.overseer.Close()
	c.reader.Stop()
	c.terms.CloseAll()
	c.elector.Close()
	c.elector.Wait()
	c.wg.Wait()
	if unsubscribe != nil {
		unsubscribe()
	}
	c.logger.Info("controller closed")
}
