package terms

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"searchcoord/internal/metrics"
	"searchcoord/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTermsStore(t *testing.T, server *store.MemoryServer, reg *metrics.Registry) *ShardTermsStore {
	t.Helper()
	s := server.Connect(time.Second)
	t.Cleanup(func() { s.Close() })
	ts, err := NewShardTermsStore(context.Background(), s, "books", "shard1", testLogger(), reg)
	if err != nil {
		t.Fatalf("NewShardTermsStore: %v", err)
	}
	t.Cleanup(ts.Close)
	return ts
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestShardTermsStore_ConcurrentRegisters(t *testing.T) {
	// =========================================================================
	// Every node registers its own replica at the same moment. The CAS loop
	// must keep all of them: a lost update here would leave a replica with
	// no term, which makes it permanently ineligible.
	// =========================================================================
	server := store.NewMemoryServer()
	stores := make([]*ShardTermsStore, 5)
	for i := range stores {
		stores[i] = newTermsStore(t, server, nil)
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	for i, ts := range stores {
		wg.Add(1)
		go func(i int, ts *ShardTermsStore) {
			defer wg.Done()
			if err := ts.Register(ctx, fmt.Sprintf("core_node%d", i)); err != nil {
				t.Errorf("register %d: %v", i, err)
			}
		}(i, ts)
	}
	wg.Wait()

	for _, ts := range stores {
		ts := ts
		waitUntil(t, func() bool { return ts.Terms().Len() == len(stores) })
	}
}

func TestShardTermsStore_PartitionedReplicaMustRecover(t *testing.T) {
	// =========================================================================
	// PARTITION SCENARIO
	// =========================================================================
	//
	//   leader ── update ──► r2   (acked)
	//          ╳─ update ──► r3   (partitioned, missed it)
	//
	// The leader raises its own term and r2's past r3. When the partition
	// heals and the leader dies, r3 may win the election race but must not
	// lead until it has recovered.
	// =========================================================================
	server := store.NewMemoryServer()
	reg := metrics.NewRegistry(metrics.Config{Enabled: true})
	leader := newTermsStore(t, server, reg)
	r3 := newTermsStore(t, server, nil)

	ctx := context.Background()
	for _, name := range []string{"leader", "r2", "r3"} {
		if err := leader.Register(ctx, name); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	if err := leader.EnsureTermsIsHigher(ctx, "leader", []string{"r3"}); err != nil {
		t.Fatalf("EnsureTermsIsHigher: %v", err)
	}

	waitUntil(t, func() bool { return r3.Terms().MaxTerm() == 1 })
	if r3.CanBecomeLeader("r3") {
		t.Fatalf("partitioned replica must not be eligible: %v", r3.Terms())
	}
	if !r3.CanBecomeLeader("r2") {
		t.Fatalf("r2 received every update and must be eligible")
	}

	if err := r3.StartRecovering(ctx, "r3"); err != nil {
		t.Fatalf("StartRecovering: %v", err)
	}
	if r3.CanBecomeLeader("r3") {
		t.Fatalf("recovering replica must not be eligible")
	}
	if err := r3.DoneRecovering(ctx, "r3"); err != nil {
		t.Fatalf("DoneRecovering: %v", err)
	}
	if !r3.CanBecomeLeader("r3") {
		t.Fatalf("recovered replica must be eligible: %v", r3.Terms())
	}

	if got := testutil.ToFloat64(reg.Terms.TermUpdates.WithLabelValues("increase")); got != 1 {
		t.Fatalf("increase updates=%v want=1", got)
	}
}

func TestShardTermsStore_ListenerSeesRemoteChanges(t *testing.T) {
	server := store.NewMemoryServer()
	local := newTermsStore(t, server, nil)
	remote := newTermsStore(t, server, nil)

	var (
		mu   sync.Mutex
		seen []int64
	)
	local.AddListener(func(terms ShardTerms) bool {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, terms.MaxTerm())
		// Stop after observing term 1.
		return terms.MaxTerm() < 1
	})

	ctx := context.Background()
	if err := remote.Register(ctx, "a"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := remote.EnsureHighestTermsAreNotZero(ctx); err != nil {
		t.Fatalf("ensure non-zero: %v", err)
	}

	waitUntil(t, func() bool { return local.NumListeners() == 0 })
	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 || seen[len(seen)-1] != 1 {
		t.Fatalf("listener saw %v, want last max term 1", seen)
	}
}

func TestShardTermsStore_NoChangeSkipsWrite(t *testing.T) {
	server := store.NewMemoryServer()
	ts := newTermsStore(t, server, nil)
	ctx := context.Background()

	if err := ts.Register(ctx, "a"); err != nil {
		t.Fatalf("register: %v", err)
	}
	before := ts.Terms().Version()
	if err := ts.Register(ctx, "a"); err != nil {
		t.Fatalf("register again: %v", err)
	}
	if after := ts.Terms().Version(); after != before {
		t.Fatalf("version moved %d -> %d on a no-op", before, after)
	}
}

func TestShardTermsStore_ClosedRejectsWrites(t *testing.T) {
	server := store.NewMemoryServer()
	ts := newTermsStore(t, server, nil)
	ts.Close()
	if err := ts.Register(context.Background(), "a"); err != ErrClosed {
		t.Fatalf("err=%v want=ErrClosed", err)
	}
}

func TestRegistry_RemoveClosesIdleShard(t *testing.T) {
	server := store.NewMemoryServer()
	s := server.Connect(time.Second)
	defer s.Close()

	r := NewRegistry(s, testLogger(), nil)
	defer r.CloseAll()
	ctx := context.Background()

	coll := r.GetOrCreate("books")
	if err := coll.Register(ctx, "shard1", "core_node1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if coll.Len() != 1 {
		t.Fatalf("shard stores=%d want=1", coll.Len())
	}
	snap := r.Snapshot()
	if _, ok := snap["books"]["shard1"]["core_node1"]; !ok {
		t.Fatalf("snapshot missing replica: %v", snap)
	}

	if err := coll.Remove(ctx, "shard1", "core_node1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if coll.Len() != 0 {
		t.Fatalf("idle shard store was not closed")
	}

	r.Remove("books")
	if _, ok := r.Get("books"); ok {
		t.Fatalf("collection still registered")
	}
}
