// =============================================================================
// LEADER ELECTOR - SEQUENTIAL-NODE ELECTION ON THE COORDINATION STORE
// =============================================================================
//
// WHAT: Elects exactly one participant per election path. Used for shard
// leaders (/collections/<c>/leader_elect/<shard>/election) and for the
// overseer (/overseer_elect/election).
//
// HOW IT WORKS:
//   1. Every participant creates an ephemeral-sequential child
//        <session>-<id>-n_0000000007
//   2. Children sorted by sequence form the line. The first is the leader.
//   3. Everyone else watches only its immediate predecessor. When that
//      node disappears (session ended or it left the election), the
//      watcher re-lists and either leads or watches its new predecessor.
//
//   election/
//     s1-core_node1-n_0000000003   ◄── leader
//     s2-core_node2-n_0000000004   ── watches ...03
//     s3-core_node3-n_0000000009   ── watches ...04
//
// Watching the predecessor instead of the head means a leader change
// wakes one participant, not all of them.
//
// JOIN AT HEAD:
//   A preferred participant takes the sequence number of the current
//   second in line and marks its node "~head":
//     s4-core_node4~head-n_0000000004
//   Equal sequences sort marked nodes first, so it is next after the
//   present leader.
//
// COMPARISON:
//   - Raft-style election: terms and votes between peers.
//   - here: ordering comes from the store's sequential nodes and liveness
//     from its sessions; no votes or clocks are involved.
//
// =============================================================================

package election

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"searchcoord/internal/metrics"
	"searchcoord/internal/store"
)

// ErrContextClosed is returned when joining with a closed context.
var ErrContextClosed = errors.New("election: context closed")

// seqMarker separates the participant id from the sequence number.
const seqMarker = "-n_"

// headMarker follows the participant id of a node that joined at head.
const headMarker = "~head"

// ElectionContext is one participant in one election.
type ElectionContext interface {
	// ElectionPath is the directory holding the sequential nodes.
	ElectionPath() string

	// ID identifies the participant within the election.
	ID() string

	// Kind is "shard" or "overseer", used in metrics and logs.
	Kind() string

	// LeaderProps is the payload of the leader record.
	LeaderProps() []byte

	// RunLeaderProcess is called once this participant is first in line.
	RunLeaderProcess(ctx context.Context, weAreReplacement bool) error

	// CheckIfIAmLeaderFired is called whenever the predecessor watch fires.
	CheckIfIAmLeaderFired()

	JoinedElectionNode() string
	SetJoinedElectionNode(name string)

	// Cancel leaves the election. Repeated calls and an already deleted
	// node are not errors.
	Cancel(ctx context.Context) error

	Close()
	IsClosed() bool
}

// Config tunes the elector.
type Config struct {
	// RetryDelay is the pause before re-checking after a lost watch.
	RetryDelay time.Duration

	// RejoinDelay is the pause before a participant that refused
	// leadership rejoins at the tail.
	RejoinDelay time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// LeaderElector runs elections for any number of contexts on one store
// session.
type LeaderElector struct {
	store   store.Store
	config  Config
	logger  *slog.Logger
	metrics *metrics.ElectionMetrics

	mu       sync.Mutex
	watchers map[ElectionContext]context.CancelFunc
	wg       sync.WaitGroup
}

// NewLeaderElector creates an elector bound to s.
func NewLeaderElector(s store.Store, config Config) *LeaderElector {
	if config.RetryDelay <= 0 {
		config.RetryDelay = 250 * time.Millisecond
	}
	if config.RejoinDelay <= 0 {
		config.RejoinDelay = time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LeaderElector{
		store:    s,
		config:   config,
		logger:   logger.With("component", "leader_elector"),
		metrics:  config.Metrics.ElectionMetrics(),
		watchers: make(map[ElectionContext]context.CancelFunc),
	}
}

// Store returns the store the elector writes to.
func (e *LeaderElector) Store() store.Store {
	return e.store
}

// Setup creates the election directory.
func (e *LeaderElector) Setup(ctx context.Context, ec ElectionContext) error {
	if err := store.MakePath(ctx, e.store, ec.ElectionPath(), nil, store.Persistent, false); err != nil {
		return fmt.Errorf("setup election %s: %w", ec.ElectionPath(), err)
	}
	return nil
}

// =============================================================================
// NODE NAMES
// =============================================================================

// electionNode is a parsed child of an election directory.
type electionNode struct {
	name   string
	seq    int64
	atHead bool
}

func parseElectionNode(name string) electionNode {
	n := electionNode{name: name, seq: store.ParseSequence(name)}
	if i := strings.LastIndex(name, seqMarker); i >= 0 {
		n.atHead = strings.HasSuffix(name[:i], headMarker)
	}
	return n
}

// participantPrefix is "<session>-<id>-n_".
func (e *LeaderElector) participantPrefix(ec ElectionContext) string {
	return sessionToken(e.store.SessionID()) + "-" + ec.ID() + seqMarker
}

// sessionToken makes a session id safe as the first dash-separated field
// of a node name.
func sessionToken(sessionID string) string {
	return strings.ReplaceAll(sessionID, "-", "")
}

// ParticipantID strips the session and sequence from an election node
// name, returning the participant id.
func ParticipantID(nodeName string) string {
	i := strings.LastIndex(nodeName, seqMarker)
	if i < 0 {
		return nodeName
	}
	head := strings.TrimSuffix(nodeName[:i], headMarker)
	if j := strings.IndexByte(head, '-'); j >= 0 {
		return head[j+1:]
	}
	return head
}

// sortedNodes lists the election children in line order.
func (e *LeaderElector) sortedNodes(ctx context.Context, path string) ([]electionNode, error) {
	children, err := e.store.Children(ctx, path)
	if err != nil {
		return nil, err
	}
	nodes := make([]electionNode, 0, len(children))
	for _, c := range children {
		if !strings.Contains(c, seqMarker) {
			continue
		}
		nodes = append(nodes, parseElectionNode(c))
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].seq != nodes[j].seq {
			return nodes[i].seq < nodes[j].seq
		}
		if nodes[i].atHead != nodes[j].atHead {
			return nodes[i].atHead
		}
		return nodes[i].name < nodes[j].name
	})
	return nodes, nil
}

// SortedParticipants returns the election line as node names.
func (e *LeaderElector) SortedParticipants(ctx context.Context, path string) ([]string, error) {
	nodes, err := e.sortedNodes(ctx, path)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.name
	}
	return out, nil
}

// =============================================================================
// JOIN
// =============================================================================

// JoinElection enters ec into its election and, if it is first in line,
// runs its leader process before returning. Otherwise a background loop
// watches the predecessor.
func (e *LeaderElector) JoinElection(ctx context.Context, ec ElectionContext, replacement, joinAtHead bool) error {
	if ec.IsClosed() {
		return ErrContextClosed
	}
	e.stopWatcher(ec)

	if err := e.removeStaleNodes(ctx, ec); err != nil {
		return err
	}

	name, err := e.createElectionNode(ctx, ec, joinAtHead)
	if err != nil {
		return err
	}
	ec.SetJoinedElectionNode(name)
	e.metrics.RecordJoin(ec.Kind())
	e.logger.Debug("joined election",
		"path", ec.ElectionPath(),
		"node", name,
		"join_at_head", joinAtHead,
	)

	wctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.watchers[ec] = cancel
	e.mu.Unlock()

	leader, watch, err := e.checkIfIamLeader(ctx, ec)
	if err != nil {
		return err
	}
	if leader {
		return e.runLeader(ctx, ec, replacement)
	}
	if watch != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.watchLoop(wctx, ec, watch)
		}()
	}
	return nil
}

func (e *LeaderElector) createElectionNode(ctx context.Context, ec ElectionContext, joinAtHead bool) (string, error) {
	prefix := store.Join(ec.ElectionPath(), e.participantPrefix(ec))

	if joinAtHead {
		nodes, err := e.sortedNodes(ctx, ec.ElectionPath())
		if err != nil {
			return "", fmt.Errorf("list election %s: %w", ec.ElectionPath(), err)
		}
		if len(nodes) >= 2 {
			path := store.Join(ec.ElectionPath(),
				sessionToken(e.store.SessionID())+"-"+ec.ID()+headMarker+seqMarker+store.SequenceSuffix(nodes[1].seq))
			if _, err := e.store.Create(ctx, path, nil, store.Ephemeral); err != nil {
				return "", fmt.Errorf("join election at head: %w", err)
			}
			return store.Base(path), nil
		}
	}

	path, err := store.RetryOnConnLoss(ctx, 0, e.config.RetryDelay, func(ctx context.Context) (string, error) {
		return e.store.Create(ctx, prefix, nil, store.EphemeralSequential)
	})
	if err != nil {
		return "", fmt.Errorf("join election %s: %w", ec.ElectionPath(), err)
	}
	return store.Base(path), nil
}

// removeStaleNodes deletes nodes of ours left behind by an earlier
// participation whose delete did not complete.
func (e *LeaderElector) removeStaleNodes(ctx context.Context, ec ElectionContext) error {
	children, err := e.store.Children(ctx, ec.ElectionPath())
	if err != nil {
		return fmt.Errorf("list election %s: %w", ec.ElectionPath(), err)
	}
	session := sessionToken(e.store.SessionID()) + "-"
	for _, c := range children {
		if !strings.HasPrefix(c, session) || ParticipantID(c) != ec.ID() || c == ec.JoinedElectionNode() {
			continue
		}
		err := e.store.Delete(ctx, store.Join(ec.ElectionPath(), c), store.AnyVersion)
		if err != nil && !errors.Is(err, store.ErrNoNode) {
			return fmt.Errorf("remove stale election node %s: %w", c, err)
		}
		e.logger.Info("removed stale election node", "path", ec.ElectionPath(), "node", c)
	}
	return nil
}

// =============================================================================
// CHECK / WATCH LOOP
// =============================================================================
//
//   ┌──────────────┐ first  ┌────────────────────┐
//   │ list + sort  │───────►│ RunLeaderProcess   │
//   └──────▲───────┘        └────────────────────┘
//          │ not first
//          │    ┌─────────────────────────┐
//          │    │ watch predecessor       │
//          │    │ (gone already? re-list) │
//          │    └────────────┬────────────┘
//          └─── fired ───────┘
//
// =============================================================================

// checkIfIamLeader returns leader=true when ec is first in line. Otherwise
// it returns the watch on the predecessor, or nil when ec is no longer in
// line at all.
func (e *LeaderElector) checkIfIamLeader(ctx context.Context, ec ElectionContext) (bool, <-chan store.Event, error) {
	for {
		if ec.IsClosed() {
			return false, nil, nil
		}
		nodes, err := e.sortedNodes(ctx, ec.ElectionPath())
		if err != nil {
			return false, nil, fmt.Errorf("list election %s: %w", ec.ElectionPath(), err)
		}
		joined := ec.JoinedElectionNode()
		idx := -1
		for i, n := range nodes {
			if n.name == joined {
				idx = i
				break
			}
		}
		switch {
		case idx < 0:
			e.logger.Info("our node is no longer in line to be leader",
				"path", ec.ElectionPath(), "node", joined)
			return false, nil, nil
		case idx == 0:
			return true, nil, nil
		}

		pred := store.Join(ec.ElectionPath(), nodes[idx-1].name)
		watch, err := e.store.WatchData(ctx, pred)
		if err != nil {
			return false, nil, fmt.Errorf("watch predecessor %s: %w", pred, err)
		}
		exists, err := e.store.Exists(ctx, pred)
		if err != nil {
			return false, nil, fmt.Errorf("check predecessor %s: %w", pred, err)
		}
		if exists {
			return false, watch, nil
		}
		// Predecessor left between list and watch.
	}
}

func (e *LeaderElector) watchLoop(ctx context.Context, ec ElectionContext, watch <-chan store.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-watch:
			if !ok {
				// Lost watch (disconnect); back off and re-check.
				select {
				case <-ctx.Done():
					return
				case <-time.After(e.config.RetryDelay):
				}
			}
		}
		if ec.IsClosed() {
			return
		}
		ec.CheckIfIAmLeaderFired()

		leader, next, err := e.checkIfIamLeader(ctx, ec)
		if err != nil {
			if ctx.Err() != nil || store.IsSessionExpired(err) || errors.Is(err, store.ErrClosed) {
				return
			}
			e.logger.Warn("election check failed", "path", ec.ElectionPath(), "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.config.RetryDelay):
			}
			next = closedWatch()
		}
		if leader {
			if err := e.runLeader(ctx, ec, true); err != nil && ctx.Err() == nil && !ec.IsClosed() {
				e.logger.Error("leader process failed, rejoining election",
					"path", ec.ElectionPath(), "node", ec.JoinedElectionNode(), "error", err)
				go e.retryAfterFailure(ec)
			}
			return
		}
		if next == nil {
			return
		}
		watch = next
	}
}

func (e *LeaderElector) runLeader(ctx context.Context, ec ElectionContext, replacement bool) error {
	e.logger.Info("elected leader",
		"path", ec.ElectionPath(),
		"node", ec.JoinedElectionNode(),
		"replacement", replacement,
	)
	return ec.RunLeaderProcess(ctx, replacement)
}

func (e *LeaderElector) retryAfterFailure(ec ElectionContext) {
	time.Sleep(e.config.RetryDelay)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.RetryElection(ctx, ec, false); err != nil && !errors.Is(err, ErrContextClosed) {
		e.logger.Warn("rejoin after leader failure", "path", ec.ElectionPath(), "error", err)
	}
}

func closedWatch() <-chan store.Event {
	ch := make(chan store.Event)
	close(ch)
	return ch
}

// =============================================================================
// LEAVE / REJOIN
// =============================================================================

// stopWatcher ends the background loop of ec's current participation.
func (e *LeaderElector) stopWatcher(ec ElectionContext) {
	e.mu.Lock()
	cancel, ok := e.watchers[ec]
	delete(e.watchers, ec)
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

// CancelElection stops watching and leaves the election.
func (e *LeaderElector) CancelElection(ctx context.Context, ec ElectionContext) error {
	e.stopWatcher(ec)
	e.metrics.RecordCancel(ec.Kind())
	return ec.Cancel(ctx)
}

// StopWatching ends the background loop without deleting anything. Used
// when the session is gone and the nodes will vanish on their own.
func (e *LeaderElector) StopWatching(ec ElectionContext) {
	e.stopWatcher(ec)
}

// RetryElection leaves the current participation and joins again.
func (e *LeaderElector) RetryElection(ctx context.Context, ec ElectionContext, joinAtHead bool) error {
	if err := e.CancelElection(ctx, ec); err != nil {
		return err
	}
	return e.JoinElection(ctx, ec, true, joinAtHead)
}

// RejoinLater leaves the election now and rejoins at the tail after the
// configured delay. Used by a participant that won but may not lead.
func (e *LeaderElector) RejoinLater(ec ElectionContext) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		time.Sleep(e.config.RejoinDelay)
		if ec.IsClosed() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.JoinElection(ctx, ec, false, false); err != nil && !errors.Is(err, ErrContextClosed) {
			e.logger.Warn("rejoin election failed", "path", ec.ElectionPath(), "error", err)
		}
	}()
}

// Close stops every watcher. Election nodes are left to the session.
func (e *LeaderElector) Close() {
	e.mu.Lock()
	for ec, cancel := range e.watchers {
		cancel()
		delete(e.watchers, ec)
	}
	e.mu.Unlock()
}

// Wait blocks until background loops started by the elector exit.
func (e *LeaderElector) Wait() {
	e.wg.Wait()
}
