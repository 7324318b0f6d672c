package cores

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"searchcoord/internal/cluster"
	"searchcoord/internal/config"
	"searchcoord/internal/controller"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func desc(name string) *controller.CoreDescriptor {
	return controller.NewCoreDescriptor(name, controller.CloudParams{Collection: "books", Shard: "shard1"})
}

func TestContainer_AddAndLookup(t *testing.T) {
	c := New(Config{Logger: testLogger()})
	if _, err := c.Add(desc("b"), CoreOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Add(desc("a"), CoreOptions{UpdateLog: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Add(desc("a"), CoreOptions{}); !errors.Is(err, ErrAlreadyHosted) {
		t.Errorf("duplicate add: %v", err)
	}

	core, ok := c.Core("a")
	if !ok || !core.HasUpdateLog() || core.IsClosed() {
		t.Fatalf("core a = %v %v", core, ok)
	}
	ds := c.Descriptors()
	if len(ds) != 2 || ds[0].Name != "a" || ds[1].Name != "b" {
		t.Errorf("descriptors not in name order: %v", ds)
	}
}

func TestContainer_RecoverRunsRecoveryFunc(t *testing.T) {
	var calls atomic.Int32
	c := New(Config{
		Logger: testLogger(),
		Recovery: func(ctx context.Context, d *controller.CoreDescriptor) error {
			calls.Add(1)
			return nil
		},
	})
	d := desc("a")
	c.Add(d, CoreOptions{})

	if err := c.Recover(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 || c.Stats().Recoveries != 1 {
		t.Errorf("calls=%d stats=%+v", calls.Load(), c.Stats())
	}
	if c.Recovering("a") {
		t.Errorf("finished recovery still tracked")
	}

	if err := c.Recover(context.Background(), desc("missing")); !errors.Is(err, ErrUnknownCore) {
		t.Errorf("recover unknown core: %v", err)
	}
}

func TestContainer_CancelRecovery(t *testing.T) {
	c := New(Config{Logger: testLogger(), RecoveryDelay: time.Hour})
	d := desc("a")
	c.Add(d, CoreOptions{})

	errc := make(chan error, 1)
	go func() { errc <- c.Recover(context.Background(), d) }()

	deadline := time.Now().Add(2 * time.Second)
	for !c.Recovering("a") {
		if time.Now().After(deadline) {
			t.Fatal("recovery never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.CancelRecovery("a")

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("cancelled recovery returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("recovery ignored cancellation")
	}
	if c.Stats().Cancelled != 1 {
		t.Errorf("stats = %+v", c.Stats())
	}
}

func TestContainer_FailedRecovery(t *testing.T) {
	boom := errors.New("leader unreachable")
	c := New(Config{
		Logger:   testLogger(),
		Recovery: func(context.Context, *controller.CoreDescriptor) error { return boom },
	})
	d := desc("a")
	c.Add(d, CoreOptions{})

	if err := c.Recover(context.Background(), d); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if c.Stats().FailedRecoveries != 1 {
		t.Errorf("stats = %+v", c.Stats())
	}
}

func TestContainer_Unload(t *testing.T) {
	c := New(Config{Logger: testLogger()})
	d := desc("a")
	core, _ := c.Add(d, CoreOptions{})
	c.BecameLeader(d)

	if err := c.Unload(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	if !core.IsClosed() {
		t.Errorf("unloaded core still open")
	}
	if _, ok := c.Core("a"); ok {
		t.Errorf("unloaded core still hosted")
	}
	if _, ok := c.LeaderSince("a"); ok {
		t.Errorf("unloaded core still leads")
	}
	if err := c.Unload(context.Background(), "a"); !errors.Is(err, ErrUnknownCore) {
		t.Errorf("second unload: %v", err)
	}
}

func TestLocalCore_Replication(t *testing.T) {
	var pulls atomic.Int32
	c := New(Config{
		Logger:       testLogger(),
		PollInterval: 5 * time.Millisecond,
		Replication: func(ctx context.Context, core, leaderURL string) error {
			pulls.Add(1)
			return nil
		},
	})
	core, _ := c.Add(desc("a"), CoreOptions{})

	leader := "http://10.0.0.1:8983/solr/books_shard1_replica_n1/"
	if err := core.StartReplication(context.Background(), leader); err != nil {
		t.Fatal(err)
	}
	if core.Following() != leader {
		t.Errorf("following %q", core.Following())
	}
	deadline := time.Now().Add(2 * time.Second)
	for pulls.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d pulls", pulls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}

	core.StopReplication()
	n := pulls.Load()
	time.Sleep(30 * time.Millisecond)
	if pulls.Load() != n {
		t.Errorf("replication kept polling after stop")
	}
	if core.Following() != "" {
		t.Errorf("still following %q", core.Following())
	}
	if at, err := core.LastFetch(); at.IsZero() || err != nil {
		t.Errorf("last fetch = %v, %v", at, err)
	}
}

func TestContainer_Load(t *testing.T) {
	c := New(Config{Logger: testLogger()})
	err := c.Load([]config.CoreConfig{
		{Name: "books_shard1_replica_t1", Collection: "books", Shard: "shard1", Type: "tlog"},
		{Name: "books_shard1_replica_p2", Collection: "books", Type: "pull", Params: map[string]string{"dataDir": "/var/data"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	d, ok := c.Descriptor("books_shard1_replica_t1")
	if !ok || d.Cloud.ReplicaType() != cluster.ReplicaTLOG || d.Cloud.Shard() != "shard1" {
		t.Fatalf("tlog descriptor = %+v", d)
	}
	if core, _ := c.Core("books_shard1_replica_t1"); !core.HasUpdateLog() {
		t.Errorf("tlog core opened without an update log")
	}
	if core, _ := c.Core("books_shard1_replica_p2"); core.HasUpdateLog() {
		t.Errorf("pull core opened with an update log")
	}
	p, _ := c.Descriptor("books_shard1_replica_p2")
	if p.Cloud.Param("dataDir", "") != "/var/data" {
		t.Errorf("params lost")
	}

	if err := c.Load([]config.CoreConfig{{Name: "x", Collection: "books", Type: "bogus"}}); err == nil {
		t.Errorf("bad type accepted")
	}
}
