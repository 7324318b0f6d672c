package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"searchcoord/internal/cluster"
	"searchcoord/internal/election"
	"searchcoord/internal/metrics"
	"searchcoord/internal/overseer"
	"searchcoord/internal/queue"
	"searchcoord/internal/store"
)

// =============================================================================
// FAKE ENGINE
// =============================================================================

type fakeCore struct {
	name string

	mu           sync.Mutex
	closed       bool
	reloaded     bool
	updateLog    bool
	commitPoint  bool
	replays      int
	replicating  string
	stoppedRepls int
}

func (f *fakeCore) Name() string { return f.name }

func (f *fakeCore) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeCore) IsReloaded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reloaded
}

func (f *fakeCore) HasUpdateLog() bool { return f.updateLog }

func (f *fakeCore) ReplayLog(ctx context.Context) error {
	f.mu.Lock()
	f.replays++
	f.mu.Unlock()
	return nil
}

func (f *fakeCore) HasCommitPoint() bool { return f.commitPoint }

func (f *fakeCore) CopyOverOldUpdates(ctx context.Context) error { return nil }

func (f *fakeCore) StartReplication(ctx context.Context, leaderURL string) error {
	f.mu.Lock()
	f.replicating = leaderURL
	f.mu.Unlock()
	return nil
}

func (f *fakeCore) StopReplication() {
	f.mu.Lock()
	f.replicating = ""
	f.stoppedRepls++
	f.mu.Unlock()
}

type fakeContainer struct {
	mu         sync.Mutex
	cores      map[string]*fakeCore
	descs      []*CoreDescriptor
	recoverErr error
	recoveries map[string]int
	cancels    map[string]int
	unloaded   []string
	leaders    []string
	skipAuto   bool
}

func newFakeContainer() *fakeContainer {
	return &fakeContainer{
		cores:      make(map[string]*fakeCore),
		recoveries: make(map[string]int),
		cancels:    make(map[string]int),
	}
}

// add hosts a core for an existing replica.
func (f *fakeContainer) add(name, collection, shard, replica string) *CoreDescriptor {
	d := NewCoreDescriptor(name, CloudParams{Collection: collection, Shard: shard, CoreNodeName: replica})
	f.mu.Lock()
	f.cores[name] = &fakeCore{name: name, updateLog: true}
	f.descs = append(f.descs, d)
	f.mu.Unlock()
	return d
}

func (f *fakeContainer) core(name string) *fakeCore {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cores[name]
}

func (f *fakeContainer) Core(name string) (Core, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cores[name]
	if !ok {
		return nil, false
	}
	return c, true
}

func (f *fakeContainer) Recover(ctx context.Context, desc *CoreDescriptor) error {
	f.mu.Lock()
	f.recoveries[desc.Name]++
	err := f.recoverErr
	f.mu.Unlock()
	return err
}

func (f *fakeContainer) recoveryCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recoveries[name]
}

func (f *fakeContainer) CancelRecovery(name string) {
	f.mu.Lock()
	f.cancels[name]++
	f.mu.Unlock()
}

func (f *fakeContainer) Unload(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloaded = append(f.unloaded, name)
	delete(f.cores, name)
	return nil
}

func (f *fakeContainer) unloadedCores() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unloaded...)
}

func (f *fakeContainer) BecameLeader(desc *CoreDescriptor) {
	f.mu.Lock()
	f.leaders = append(f.leaders, desc.Name)
	f.mu.Unlock()
}

func (f *fakeContainer) SkipAutoRecovery() bool { return f.skipAuto }

func (f *fakeContainer) Descriptors() []*CoreDescriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*CoreDescriptor, 0, len(f.descs))
	for _, d := range f.descs {
		if _, ok := f.cores[d.Name]; ok {
			out = append(out, d)
		}
	}
	return out
}

// =============================================================================
// HELPERS
// =============================================================================

const collection = "books"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func nodeName(port int) string {
	return cluster.NodeName("127.0.0.1", port, "solr")
}

func testConfig(port int) Config {
	cfg := DefaultConfig()
	cfg.Port = port
	cfg.Logger = testLogger()
	cfg.LeaderVoteWait = 300 * time.Millisecond
	cfg.LeaderConflictResolveWait = 3 * time.Second
	cfg.LeaderRetryPause = 10 * time.Millisecond
	cfg.WaitForReplicaTimeout = 2 * time.Second
	cfg.DownStatesTimeout = 3 * time.Second
	cfg.Overseer.PollWait = 20 * time.Millisecond
	cfg.Overseer.ErrorBackoff = 10 * time.Millisecond
	cfg.Election.RetryDelay = 20 * time.Millisecond
	cfg.Election.RejoinDelay = 20 * time.Millisecond
	return cfg
}

type testNode struct {
	ctrl  *Controller
	store *store.MemoryStore
	cores *fakeContainer
}

func startNode(t *testing.T, server *store.MemoryServer, port int, fc *fakeContainer, mutate func(*Config)) *testNode {
	t.Helper()
	cfg := testConfig(port)
	if mutate != nil {
		mutate(&cfg)
	}
	s := server.Connect(time.Second)
	c, err := New(s, fc, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		s.Close()
	})
	return &testNode{ctrl: c, store: s, cores: fc}
}

// seed writes a collection with one shard and the given replicas
// (coreNodeName → node port) straight to the store.
func seed(t *testing.T, server *store.MemoryServer, prs bool, replicas map[string]int) {
	t.Helper()
	s := server.Connect(time.Second)
	defer s.Close()

	create := overseer.NewMessage(overseer.OpCreate,
		overseer.PropName, collection,
		overseer.PropNumShards, "1",
		overseer.PropReplicationFactor, fmt.Sprint(len(replicas)),
		overseer.PropPerReplicaState, fmt.Sprint(prs),
	)
	msgs := []overseer.Message{create}
	names := make([]string, 0, len(replicas))
	for n := range replicas {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		msgs = append(msgs, overseer.NewMessage(overseer.OpAddReplica,
			overseer.PropCollection, collection,
			overseer.PropShard, "shard1",
			overseer.PropCoreNodeName, n,
			overseer.PropCore, coreName(n),
			overseer.PropNodeName, nodeName(replicas[n]),
		))
	}
	outcomes, err := overseer.NewStateWriter(s, testLogger(), nil).Apply(context.Background(), msgs)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	for i, o := range outcomes {
		if o != nil {
			t.Fatalf("seed message %d: %v", i, o)
		}
	}
}

func coreName(replica string) string {
	return collection + "_shard1_" + strings.ReplaceAll(replica, "core_node", "replica_n")
}

func replicaIn(c *Controller, replica string) *cluster.Replica {
	r, _ := c.reader.Collection(collection).Replica(replica)
	return r
}

func isActive(c *Controller, replica string) func() bool {
	return func() bool {
		r := replicaIn(c, replica)
		return r != nil && r.State == cluster.StateActive
	}
}

func register(t *testing.T, n *testNode, d *CoreDescriptor) string {
	t.Helper()
	url, err := n.ctrl.Register(context.Background(), d.Name, d, false, false, false)
	if err != nil {
		t.Fatalf("Register(%s): %v", d.Name, err)
	}
	return url
}

// =============================================================================
// REGISTRATION
// =============================================================================

func TestController_RegisterSingleReplicaLeads(t *testing.T) {
	server := store.NewMemoryServer()
	seed(t, server, false, map[string]int{"core_node1": 8983})

	reg := metrics.NewRegistry(metrics.Config{Enabled: true})
	fc := newFakeContainer()
	d := fc.add(coreName("core_node1"), collection, "shard1", "core_node1")
	n := startNode(t, server, 8983, fc, func(c *Config) { c.Metrics = reg })

	url := register(t, n, d)
	want := "http://127.0.0.1:8983/solr/" + coreName("core_node1") + "/"
	if url != want {
		t.Fatalf("leader url = %q, want %q", url, want)
	}
	if !d.Cloud.IsLeader() || !d.Cloud.HasRegistered() {
		t.Errorf("descriptor after register = %+v", d.Cloud.Snapshot())
	}
	waitUntil(t, "replica active", isActive(n.ctrl, "core_node1"))
	if got := n.ctrl.reader.ShardLeader(collection, "shard1"); got == nil || got.Name != "core_node1" {
		t.Errorf("cached leader = %+v", got)
	}
	if fc.recoveryCount(d.Name) != 0 {
		t.Errorf("a leader must not recover")
	}
	if fc.core(d.Name).replays != 1 {
		t.Errorf("fresh registration should replay the log once, got %d", fc.core(d.Name).replays)
	}
	if got := testutil.ToFloat64(reg.Node.Registrations.WithLabelValues("success")); got != 1 {
		t.Errorf("registrations{success} = %v", got)
	}
}

func TestController_RegisterIsIdempotent(t *testing.T) {
	ctx := context.Background()
	server := store.NewMemoryServer()
	seed(t, server, false, map[string]int{"core_node1": 8983})

	reg := metrics.NewRegistry(metrics.Config{Enabled: true})
	fc := newFakeContainer()
	d := fc.add(coreName("core_node1"), collection, "shard1", "core_node1")
	n := startNode(t, server, 8983, fc, func(c *Config) { c.Metrics = reg })

	stateQueue := queue.New(n.store, cluster.OverseerQueuePath, testLogger())
	applied := func() int64 {
		return n.ctrl.overseer.Stats(ctx).Operations[overseer.OpState].Success
	}
	first := register(t, n, d)
	waitUntil(t, "replica active", isActive(n.ctrl, "core_node1"))
	waitUntil(t, "state queue drained", func() bool {
		size, err := stateQueue.Size(ctx)
		return err == nil && size == 0
	})
	appliedBefore := applied()
	publishedBefore := testutil.ToFloat64(reg.Node.Publishes.WithLabelValues(string(cluster.StateActive)))

	second, err := n.ctrl.Register(ctx, d.Name, d, true, false, false)
	if err != nil {
		t.Fatalf("second Register: %v", err)
	}
	if first != second {
		t.Errorf("leader changed between registrations: %s then %s", first, second)
	}

	participants, err := n.ctrl.elector.SortedParticipants(ctx, cluster.ShardElectionPath(collection, "shard1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(participants) != 1 {
		t.Errorf("election nodes after re-register = %v, want exactly one", participants)
	}
	// overseer + one shard context
	if got := n.ctrl.elections.Len(); got != 2 {
		t.Errorf("election contexts = %d, want 2", got)
	}

	// The rejoined election may queue a leader message; only state
	// messages count as publications.
	time.Sleep(100 * time.Millisecond)
	waitUntil(t, "state queue drained again", func() bool {
		size, err := stateQueue.Size(ctx)
		return err == nil && size == 0
	})
	if got := applied(); got != appliedBefore {
		t.Errorf("state messages applied = %d, want %d: re-register published again", got, appliedBefore)
	}
	if got := testutil.ToFloat64(reg.Node.Publishes.WithLabelValues(string(cluster.StateActive))); got != publishedBefore {
		t.Errorf("active publications = %v, want %v", got, publishedBefore)
	}
	if r := replicaIn(n.ctrl, "core_node1"); r == nil || r.State != cluster.StateActive || !r.Leader {
		t.Errorf("replica after re-register = %+v", r)
	}
}

func TestController_RegisterMissingReplica(t *testing.T) {
	server := store.NewMemoryServer()
	seed(t, server, false, map[string]int{"core_node1": 8983})

	reg := metrics.NewRegistry(metrics.Config{Enabled: true})
	fc := newFakeContainer()
	d := fc.add("ghost", collection, "shard1", "core_node9")
	n := startNode(t, server, 8983, fc, func(c *Config) {
		c.Metrics = reg
		c.WaitForReplicaTimeout = 100 * time.Millisecond
	})

	_, err := n.ctrl.Register(context.Background(), d.Name, d, false, false, false)
	var ce *CoordinationError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want CoordinationError", err)
	}
	if ce.Code != ServerError || !strings.Contains(ce.Message, "timeout waiting for replica present in clusterstate") {
		t.Errorf("error = %+v", ce)
	}
	if ce.Collection != collection || ce.Replica != "core_node9" {
		t.Errorf("error lacks cluster context: %+v", ce)
	}
	if got := testutil.ToFloat64(reg.Node.Registrations.WithLabelValues("error")); got != 1 {
		t.Errorf("registrations{error} = %v", got)
	}
}

func TestController_RegisterWithoutCoreIsUnavailable(t *testing.T) {
	server := store.NewMemoryServer()
	seed(t, server, false, map[string]int{"core_node1": 8983})

	fc := newFakeContainer()
	d := fc.add(coreName("core_node1"), collection, "shard1", "core_node1")
	fc.core(d.Name).closed = true
	n := startNode(t, server, 8983, fc, nil)

	_, err := n.ctrl.Register(context.Background(), d.Name, d, false, false, false)
	if ErrorCodeOf(err) != ServiceUnavailable {
		t.Fatalf("err = %v, want service unavailable", err)
	}
	if d.Cloud.HasRegistered() {
		t.Errorf("failed registration left the core registered")
	}
	if _, ok := n.ctrl.elections.Get(election.ContextKey{Collection: collection, CoreNodeName: "core_node1"}); ok {
		t.Errorf("failed registration left its election context")
	}
}

func TestController_PullReplicaReplicatesAndSkipsTerms(t *testing.T) {
	server := store.NewMemoryServer()
	s := server.Connect(time.Second)
	seed(t, server, false, map[string]int{"core_node1": 8983})
	_, err := overseer.NewStateWriter(s, testLogger(), nil).Apply(context.Background(), []overseer.Message{
		overseer.NewMessage(overseer.OpAddReplica,
			overseer.PropCollection, collection, overseer.PropShard, "shard1",
			overseer.PropCoreNodeName, "core_node2", overseer.PropCore, coreName("core_node2"),
			overseer.PropNodeName, nodeName(8984), overseer.PropType, "PULL"),
	})
	s.Close()
	if err != nil {
		t.Fatal(err)
	}

	fcA := newFakeContainer()
	dA := fcA.add(coreName("core_node1"), collection, "shard1", "core_node1")
	a := startNode(t, server, 8983, fcA, nil)
	register(t, a, dA)

	fcB := newFakeContainer()
	fcB.skipAuto = true
	dB := fcB.add(coreName("core_node2"), collection, "shard1", "core_node2")
	b := startNode(t, server, 8984, fcB, nil)
	leader := register(t, b, dB)

	if got := fcB.core(dB.Name).replicating; got != leader {
		t.Errorf("pull replica replicates from %q, want %q", got, leader)
	}
	st, err := b.ctrl.terms.Shard(context.Background(), collection, "shard1")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := st.Term("core_node2"); ok {
		t.Errorf("pull replica must not have a term")
	}
	if b.ctrl.elections.Len() != 1 {
		t.Errorf("pull replica must not join the shard election")
	}
	waitUntil(t, "pull replica active", isActive(b.ctrl, "core_node2"))
}

func TestController_UnregisterPullReplicaLeavesTermsAlone(t *testing.T) {
	ctx := context.Background()
	server := store.NewMemoryServer()
	seed(t, server, false, map[string]int{"core_node1": 8983})

	fc := newFakeContainer()
	d := fc.add(coreName("core_node1"), collection, "shard1", "core_node1")
	n := startNode(t, server, 8983, fc, nil)
	register(t, n, d)

	pull := fc.add("books_shard2_replica_p7", collection, "shard2", "core_node7")
	pull.Cloud.SetReplicaType(cluster.ReplicaPULL)
	if err := n.ctrl.Unregister(ctx, pull.Name, pull, false); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	exists, err := n.store.Exists(ctx, cluster.TermsPath(collection, "shard2"))
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Errorf("unregistering a pull replica created %s", cluster.TermsPath(collection, "shard2"))
	}
}

// =============================================================================
// PRE-REGISTER / UNREGISTER
// =============================================================================

func TestController_PreRegister(t *testing.T) {
	server := store.NewMemoryServer()
	seed(t, server, false, map[string]int{"core_node1": 8983})

	fc := newFakeContainer()
	n := startNode(t, server, 8983, fc, func(c *Config) { c.WaitForReplicaTimeout = 100 * time.Millisecond })
	ctx := context.Background()

	known := NewCoreDescriptor(coreName("core_node1"), CloudParams{Collection: collection})
	if err := n.ctrl.PreRegister(ctx, known); err != nil {
		t.Fatalf("PreRegister: %v", err)
	}
	if known.Cloud.CoreNodeName() != "core_node1" || known.Cloud.Shard() != "shard1" {
		t.Errorf("pre-register did not adopt the existing replica: %+v", known.Cloud.Snapshot())
	}

	unknown := NewCoreDescriptor("other", CloudParams{Collection: collection, Shard: "shard1"})
	err := n.ctrl.PreRegister(ctx, unknown)
	var nc *NotInClusterStateError
	if !errors.As(err, &nc) {
		t.Fatalf("err = %v, want NotInClusterStateError", err)
	}
}

func TestController_PreRegisterLegacyCoreNodeName(t *testing.T) {
	server := store.NewMemoryServer()
	seed(t, server, false, map[string]int{"core_node1": 8983})

	n := startNode(t, server, 8983, newFakeContainer(), func(c *Config) {
		c.GenericCoreNodeNames = false
		c.WaitForReplicaTimeout = 100 * time.Millisecond
	})

	d := NewCoreDescriptor("legacy", CloudParams{Collection: collection, Shard: "shard1"})
	_ = n.ctrl.PreRegister(context.Background(), d)
	if got, want := d.Cloud.CoreNodeName(), nodeName(8983)+"_legacy"; got != want {
		t.Errorf("coreNodeName = %q, want %q", got, want)
	}
}

func TestController_UnregisterRemovesReplica(t *testing.T) {
	ctx := context.Background()
	server := store.NewMemoryServer()
	seed(t, server, false, map[string]int{"core_node1": 8983})

	fc := newFakeContainer()
	d := fc.add(coreName("core_node1"), collection, "shard1", "core_node1")
	n := startNode(t, server, 8983, fc, nil)
	register(t, n, d)

	if err := n.ctrl.Unregister(ctx, d.Name, d, true); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	waitUntil(t, "replica removed", func() bool { return replicaIn(n.ctrl, "core_node1") == nil })

	if d.Cloud.HasRegistered() || d.Cloud.IsLeader() {
		t.Errorf("descriptor after unregister = %+v", d.Cloud.Snapshot())
	}
	if n.ctrl.elections.Len() != 1 {
		t.Errorf("shard election context left behind")
	}
	// Our own removal must not unload the core.
	time.Sleep(50 * time.Millisecond)
	if got := fc.unloadedCores(); len(got) != 0 {
		t.Errorf("unloaded = %v", got)
	}
}

func TestController_UnloadsReplicaRemovedByAdmin(t *testing.T) {
	server := store.NewMemoryServer()
	seed(t, server, false, map[string]int{"core_node1": 8983})

	fc := newFakeContainer()
	d := fc.add(coreName("core_node1"), collection, "shard1", "core_node1")
	n := startNode(t, server, 8983, fc, nil)
	register(t, n, d)

	if _, err := overseer.Offer(context.Background(), n.ctrl.AdminQueue(),
		overseer.DeleteCoreMessage(collection, "core_node1", "", "")); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, "core unloaded", func() bool {
		u := fc.unloadedCores()
		return len(u) == 1 && u[0] == d.Name
	})
}

// =============================================================================
// PUBLISH
// =============================================================================

func TestController_PublishSkipsClosedCore(t *testing.T) {
	ctx := context.Background()
	server := store.NewMemoryServer()
	seed(t, server, false, map[string]int{"core_node1": 8983})

	fc := newFakeContainer()
	d := fc.add(coreName("core_node1"), collection, "shard1", "core_node1")
	fc.core(d.Name).closed = true
	n := startNode(t, server, 8983, fc, nil)

	if err := n.ctrl.Publish(ctx, d, cluster.StateActive, true, false); err != nil {
		t.Fatal(err)
	}
	if d.Cloud.LastPublished() != cluster.StateDown {
		t.Errorf("closed core publish recorded %s", d.Cloud.LastPublished())
	}
	if size, _ := n.ctrl.StateQueue().Size(ctx); size != 0 {
		t.Errorf("closed core publish queued %d messages", size)
	}

	noName := NewCoreDescriptor("x", CloudParams{Collection: collection, Shard: "shard1"})
	if err := n.ctrl.Publish(ctx, noName, cluster.StateDown, false, true); ErrorCodeOf(err) != BadRequest {
		t.Errorf("publish without coreNodeName: %v", err)
	}
}

func TestController_PerReplicaStatePublish(t *testing.T) {
	ctx := context.Background()
	server := store.NewMemoryServer()
	seed(t, server, true, map[string]int{"core_node1": 8983})

	fc := newFakeContainer()
	d := fc.add(coreName("core_node1"), collection, "shard1", "core_node1")
	n := startNode(t, server, 8983, fc, nil)
	register(t, n, d)

	waitUntil(t, "prs active", func() bool {
		c, err := cluster.ReadCollection(ctx, n.store, collection)
		if err != nil {
			return false
		}
		r, _ := c.Replica("core_node1")
		return r != nil && r.State == cluster.StateActive && r.Leader
	})
	data, _, err := n.store.Get(ctx, cluster.StatePath(collection))
	if err != nil {
		t.Fatal(err)
	}
	raw, err := cluster.UnmarshalCollection(collection, data, 0)
	if err != nil {
		t.Fatal(err)
	}
	if r, _ := raw.Replica("core_node1"); r.State == cluster.StateActive {
		t.Errorf("per-replica state leaked into state.json")
	}
}

func TestController_PublishNodeAsDown(t *testing.T) {
	ctx := context.Background()
	server := store.NewMemoryServer()
	seed(t, server, false, map[string]int{"core_node1": 8983})

	fc := newFakeContainer()
	d := fc.add(coreName("core_node1"), collection, "shard1", "core_node1")
	n := startNode(t, server, 8983, fc, nil)
	register(t, n, d)
	waitUntil(t, "replica active", isActive(n.ctrl, "core_node1"))

	got, err := n.ctrl.PublishNodeAsDown(ctx, n.ctrl.NodeName())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != collection {
		t.Errorf("collections = %v", got)
	}
	waitUntil(t, "replica down", func() bool {
		r := replicaIn(n.ctrl, "core_node1")
		return r != nil && r.State == cluster.StateDown
	})
}

func TestController_DistributedUpdates(t *testing.T) {
	ctx := context.Background()
	server := store.NewMemoryServer()
	seed(t, server, false, map[string]int{"core_node1": 8983})

	fc := newFakeContainer()
	d := fc.add(coreName("core_node1"), collection, "shard1", "core_node1")
	n := startNode(t, server, 8983, fc, func(c *Config) { c.Distributed = true })
	register(t, n, d)

	c, err := cluster.ReadCollection(ctx, n.store, collection)
	if err != nil {
		t.Fatal(err)
	}
	if r, _ := c.Replica("core_node1"); r.State != cluster.StateActive || !r.Leader {
		t.Errorf("distributed register should write state directly, got %+v", r)
	}
	if size, _ := n.ctrl.StateQueue().Size(ctx); size != 0 {
		t.Errorf("distributed mode queued %d state messages", size)
	}
}

// =============================================================================
// MULTI-NODE
// =============================================================================

// twoNodes starts two nodes with one replica each; node a registers first
// and leads.
func twoNodes(t *testing.T) (a, b *testNode, dA, dB *CoreDescriptor) {
	t.Helper()
	server := store.NewMemoryServer()
	seed(t, server, false, map[string]int{"core_node1": 8983, "core_node2": 8984})

	fcA := newFakeContainer()
	dA = fcA.add(coreName("core_node1"), collection, "shard1", "core_node1")
	a = startNode(t, server, 8983, fcA, nil)
	register(t, a, dA)

	fcB := newFakeContainer()
	dB = fcB.add(coreName("core_node2"), collection, "shard1", "core_node2")
	b = startNode(t, server, 8984, fcB, nil)
	leader := register(t, b, dB)
	if leader != "http://127.0.0.1:8983/solr/"+dA.Name+"/" {
		t.Fatalf("b sees leader %s", leader)
	}
	waitUntil(t, "both replicas active", func() bool {
		return isActive(b.ctrl, "core_node1")() && isActive(b.ctrl, "core_node2")()
	})
	return a, b, dA, dB
}

func TestController_FollowerRecoversOnRegister(t *testing.T) {
	_, b, _, dB := twoNodes(t)
	if b.cores.recoveryCount(dB.Name) != 1 {
		t.Errorf("follower recoveries = %d, want 1", b.cores.recoveryCount(dB.Name))
	}
	if dB.Cloud.IsLeader() {
		t.Errorf("follower thinks it leads")
	}
	st, err := b.ctrl.terms.Shard(context.Background(), collection, "shard1")
	if err != nil {
		t.Fatal(err)
	}
	if !st.CanBecomeLeader("core_node2") {
		t.Errorf("recovered follower should be leader eligible: %s", st.Terms())
	}
}

func TestController_FailoverAndReconnect(t *testing.T) {
	a, b, dA, dB := twoNodes(t)

	var fired, failed atomic.Int32
	a.ctrl.AddReconnectListener("panics", ReconnectFunc(func(ctx context.Context) error {
		failed.Add(1)
		panic("listener bug")
	}))
	a.ctrl.AddReconnectListener("counts", ReconnectFunc(func(ctx context.Context) error {
		fired.Add(1)
		return nil
	}))

	a.store.Expire()

	waitUntil(t, "b takes over", func() bool {
		l := b.ctrl.reader.ShardLeader(collection, "shard1")
		return l != nil && l.Name == "core_node2" && dB.Cloud.IsLeader()
	})
	if dA.Cloud.IsLeader() || dA.Cloud.HasRegistered() {
		t.Errorf("expired node still claims its core: %+v", dA.Cloud.Snapshot())
	}

	a.store.Reconnect()

	waitUntil(t, "a re-registered", func() bool { return dA.Cloud.HasRegistered() })
	waitUntil(t, "a active again", isActive(b.ctrl, "core_node1"))
	waitUntil(t, "listeners fired", func() bool { return fired.Load() == 1 && failed.Load() == 1 })

	if l := b.ctrl.reader.ShardLeader(collection, "shard1"); l == nil || l.Name != "core_node2" {
		t.Errorf("leader after reconnect = %+v, want core_node2", l)
	}
	if dA.Cloud.IsLeader() {
		t.Errorf("rejoined replica must follow")
	}
	if a.cores.recoveryCount(dA.Name) < 1 {
		t.Errorf("replica re-registered after expiry must recover")
	}
	if !b.ctrl.reader.IsLive(a.ctrl.NodeName()) {
		t.Errorf("a is not live after reconnect")
	}
}

func TestController_LeaderLossElectsExactlyOneSuccessor(t *testing.T) {
	server := store.NewMemoryServer()
	ports := map[string]int{"core_node1": 8983, "core_node2": 8984, "core_node3": 8985}
	seed(t, server, false, ports)

	nodes := make(map[string]*testNode)
	descs := make(map[string]*CoreDescriptor)
	for _, r := range []string{"core_node1", "core_node2", "core_node3"} {
		fc := newFakeContainer()
		descs[r] = fc.add(coreName(r), collection, "shard1", r)
		nodes[r] = startNode(t, server, ports[r], fc, nil)
		register(t, nodes[r], descs[r])
	}
	observer := nodes["core_node2"].ctrl
	waitUntil(t, "all replicas active", func() bool {
		return isActive(observer, "core_node1")() && isActive(observer, "core_node2")() && isActive(observer, "core_node3")()
	})
	if !descs["core_node1"].Cloud.IsLeader() {
		t.Fatalf("first registered replica should lead")
	}

	nodes["core_node1"].store.Expire()

	leaders := func() []string {
		var out []string
		for _, r := range []string{"core_node2", "core_node3"} {
			if descs[r].Cloud.IsLeader() {
				out = append(out, r)
			}
		}
		return out
	}
	waitUntil(t, "a successor leads", func() bool {
		l := observer.reader.ShardLeader(collection, "shard1")
		return len(leaders()) == 1 && l != nil && l.Name == leaders()[0]
	})

	// Give a second, wrong takeover time to show up.
	time.Sleep(300 * time.Millisecond)
	got := leaders()
	if len(got) != 1 {
		t.Fatalf("leaders after failover = %v, want exactly one", got)
	}
	follower := "core_node2"
	if got[0] == "core_node2" {
		follower = "core_node3"
	}
	if r := replicaIn(observer, follower); r == nil || r.State != cluster.StateActive || r.Leader {
		t.Errorf("remaining follower %s = %+v, want ACTIVE and not leader", follower, r)
	}
	if l := observer.reader.ShardLeader(collection, "shard1"); l == nil || l.Name != got[0] {
		t.Errorf("cluster state leader = %+v, want %s", l, got[0])
	}
}

func TestController_GiveupLeadership(t *testing.T) {
	ctx := context.Background()
	a, b, dA, dB := twoNodes(t)

	if err := b.ctrl.GiveupLeadership(ctx, dB); !errors.Is(err, ErrNotShardLeader) {
		t.Errorf("follower giveup: %v", err)
	}
	if err := a.ctrl.GiveupLeadership(ctx, dA); err != nil {
		t.Fatalf("GiveupLeadership: %v", err)
	}
	waitUntil(t, "new leader", func() bool {
		l := a.ctrl.reader.ShardLeader(collection, "shard1")
		return l != nil && l.Name == "core_node2"
	})
	if dA.Cloud.IsLeader() {
		t.Errorf("old leader still flagged")
	}
}

func TestController_GiveupLeadershipNeedsAnotherReplica(t *testing.T) {
	server := store.NewMemoryServer()
	seed(t, server, false, map[string]int{"core_node1": 8983})

	fc := newFakeContainer()
	d := fc.add(coreName("core_node1"), collection, "shard1", "core_node1")
	n := startNode(t, server, 8983, fc, nil)
	register(t, n, d)
	waitUntil(t, "replica active", isActive(n.ctrl, "core_node1"))

	if err := n.ctrl.GiveupLeadership(context.Background(), d); !errors.Is(err, ErrTooFewReplicas) {
		t.Fatalf("err = %v, want ErrTooFewReplicas", err)
	}
	if !d.Cloud.IsLeader() {
		t.Errorf("sole replica gave up leadership")
	}
}

func TestController_ReplicasMissedUpdateForcesRecovery(t *testing.T) {
	ctx := context.Background()
	a, b, dA, dB := twoNodes(t)

	if err := b.ctrl.ReplicasMissedUpdate(ctx, dB, []string{"core_node1"}); !errors.Is(err, ErrNotShardLeader) {
		t.Errorf("follower marking the leader: %v", err)
	}
	if err := a.ctrl.ReplicasMissedUpdate(ctx, dA, []string{"core_node1"}); ErrorCodeOf(err) != BadRequest {
		t.Errorf("leader marking itself: %v", err)
	}

	st, err := a.ctrl.terms.Shard(ctx, collection, "shard1")
	if err != nil {
		t.Fatal(err)
	}
	before := st.Terms().MaxTerm()
	recoveries := b.cores.recoveryCount(dB.Name)

	if err := a.ctrl.ReplicasMissedUpdate(ctx, dA, []string{"core_node2"}); err != nil {
		t.Fatalf("ReplicasMissedUpdate: %v", err)
	}
	if got, _ := st.Term("core_node1"); got != before+1 {
		t.Errorf("leader term = %d, want %d", got, before+1)
	}
	waitUntil(t, "follower recovered", func() bool { return b.cores.recoveryCount(dB.Name) > recoveries })
	waitUntil(t, "follower caught up", func() bool {
		cur := st.Terms()
		term, _ := cur.Term("core_node2")
		return term == before+1 && !cur.IsRecovering("core_node2")
	})
	waitUntil(t, "follower active again", isActive(a.ctrl, "core_node2"))
	if !dA.Cloud.IsLeader() {
		t.Errorf("leader lost leadership while raising terms")
	}
}

func TestController_PreferredOverseerTakesOver(t *testing.T) {
	server := store.NewMemoryServer()
	a := startNode(t, server, 8983, newFakeContainer(), nil)
	waitUntil(t, "a runs overseer", func() bool { return a.ctrl.Overseer().State() == overseer.StateDraining })

	b := startNode(t, server, 8984, newFakeContainer(), func(c *Config) { c.OverseerRole = RolePreferred })
	waitUntil(t, "b runs overseer", func() bool { return b.ctrl.Overseer().State() == overseer.StateDraining })
	waitUntil(t, "a stepped down", func() bool { return a.ctrl.Overseer().State() == overseer.StateStopped })

	rec, err := election.ReadOverseerLeader(context.Background(), b.store)
	if err != nil {
		t.Fatal(err)
	}
	if election.ParticipantID(rec.ID) != b.ctrl.NodeName() {
		t.Errorf("overseer leader = %s", rec.ID)
	}
}

func TestController_DisallowedNodeNeverRunsOverseer(t *testing.T) {
	server := store.NewMemoryServer()
	n := startNode(t, server, 8983, newFakeContainer(), func(c *Config) { c.OverseerRole = RoleDisallowed })
	time.Sleep(50 * time.Millisecond)
	if n.ctrl.Overseer().State() != overseer.StateNotRunning {
		t.Errorf("overseer state = %s", n.ctrl.Overseer().State())
	}
	if ok, _ := n.store.Exists(context.Background(), cluster.NodeRolePath(cluster.RoleOverseer, n.ctrl.NodeName())); !ok {
		t.Errorf("role marker missing")
	}
}

func TestController_PreCloseRemovesLiveNode(t *testing.T) {
	ctx := context.Background()
	server := store.NewMemoryServer()
	seed(t, server, false, map[string]int{"core_node1": 8983})

	fc := newFakeContainer()
	d := fc.add(coreName("core_node1"), collection, "shard1", "core_node1")
	n := startNode(t, server, 8983, fc, nil)
	register(t, n, d)
	waitUntil(t, "replica active", isActive(n.ctrl, "core_node1"))

	if err := n.ctrl.PreClose(ctx); err != nil {
		t.Fatalf("PreClose: %v", err)
	}
	if ok, _ := n.store.Exists(ctx, cluster.LiveNodePath(n.ctrl.NodeName())); ok {
		t.Errorf("live node still present")
	}
	if r := replicaIn(n.ctrl, "core_node1"); r == nil || r.State != cluster.StateDown {
		t.Errorf("replica after PreClose = %+v", r)
	}
}

func TestController_StartWaitsOutPreviousLiveNode(t *testing.T) {
	ctx := context.Background()
	server := store.NewMemoryServer()
	old := server.Connect(time.Second)
	if err := store.MakePath(ctx, old, cluster.LiveNodePath(nodeName(8983)), []byte(old.SessionID()), store.Ephemeral, true); err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(100 * time.Millisecond)
		old.Expire()
	}()

	n := startNode(t, server, 8983, newFakeContainer(), nil)
	data, stat, err := n.store.Get(ctx, cluster.LiveNodePath(n.ctrl.NodeName()))
	if err != nil {
		t.Fatal(err)
	}
	if stat.EphemeralOwner != n.store.SessionID() || string(data) != n.store.SessionID() {
		t.Errorf("live node owned by %s, data %q", stat.EphemeralOwner, data)
	}
}

// =============================================================================
// RECONNECT LISTENERS
// =============================================================================

func TestReconnectListeners_IsolatesFailures(t *testing.T) {
	reg := metrics.NewRegistry(metrics.Config{Enabled: true})
	l := NewReconnectListeners(testLogger(), reg.NodeMetrics())

	var ran atomic.Int32
	l.Add("ok", ReconnectFunc(func(ctx context.Context) error { ran.Add(1); return nil }))
	l.Add("err", ReconnectFunc(func(ctx context.Context) error { ran.Add(1); return errors.New("boom") }))
	l.Add("panic", ReconnectFunc(func(ctx context.Context) error { ran.Add(1); panic("bug") }))

	if failed := l.FireAll(context.Background()); failed != 2 {
		t.Errorf("failed = %d, want 2", failed)
	}
	if ran.Load() != 3 {
		t.Errorf("ran = %d, want 3", ran.Load())
	}
	if got := testutil.ToFloat64(reg.Node.ReconnectListenerFailures); got != 2 {
		t.Errorf("failure metric = %v", got)
	}

	if !l.Remove("panic") || l.Remove("panic") {
		t.Errorf("Remove should report presence once")
	}
	if got := l.Names(); len(got) != 2 || got[0] != "err" || got[1] != "ok" {
		t.Errorf("names = %v", got)
	}
}
