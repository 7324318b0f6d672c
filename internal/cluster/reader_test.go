package cluster

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"searchcoord/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeCollection(t *testing.T, s store.Store, c *Collection) {
	t.Helper()
	ctx := context.Background()
	data, err := MarshalCollection(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	_, err = store.UpdateWithRetry(ctx, s, StatePath(c.Name), 3, func([]byte, store.Stat, bool) ([]byte, error) {
		return data, nil
	})
	if errors.Is(err, store.ErrNoNode) {
		if err := store.MakePath(ctx, s, CollectionPath(c.Name), nil, store.Persistent, false); err != nil {
			t.Fatalf("make path: %v", err)
		}
		_, err = s.Create(ctx, StatePath(c.Name), data, store.Persistent)
	}
	if err != nil {
		t.Fatalf("write collection: %v", err)
	}
}

func startReader(t *testing.T, server *store.MemoryServer) *StateReader {
	t.Helper()
	s := server.Connect(time.Second)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	for _, p := range BasePaths() {
		if err := store.MakePath(ctx, s, p, nil, store.Persistent, false); err != nil {
			t.Fatalf("make path %s: %v", p, err)
		}
	}
	r := NewStateReader(s, testLogger())
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(r.Stop)
	return r
}

func TestStateReader_TracksLiveNodes(t *testing.T) {
	server := store.NewMemoryServer()
	r := startReader(t, server)

	node := server.Connect(time.Second)
	defer node.Close()
	ctx := context.Background()
	if _, err := node.Create(ctx, LiveNodePath("n1:8983_solr"), nil, store.Ephemeral); err != nil {
		t.Fatalf("create live node: %v", err)
	}

	waitUntil(t, func() bool { return r.IsLive("n1:8983_solr") })

	node.Expire()
	waitUntil(t, func() bool { return !r.IsLive("n1:8983_solr") })
}

func TestStateReader_WaitForCollectionState(t *testing.T) {
	server := store.NewMemoryServer()
	r := startReader(t, server)

	writer := server.Connect(time.Second)
	defer writer.Close()

	done := make(chan error, 1)
	go func() {
		done <- r.WaitForState(context.Background(), "books", 2*time.Second, func(_ []string, c *Collection) bool {
			if c == nil {
				return false
			}
			rep, _ := c.Replica("core_node2")
			return rep != nil && rep.State == StateActive
		})
	}()

	c := sampleCollection()
	writeCollection(t, writer, c)
	c.Slices["shard1"].Replicas["core_node2"].State = StateActive
	writeCollection(t, writer, c)

	if err := <-done; err != nil {
		t.Fatalf("wait: %v", err)
	}

	if err := r.WaitForState(context.Background(), "missing", 20*time.Millisecond, func(_ []string, c *Collection) bool {
		return c != nil
	}); !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout, got %v", err)
	}
}

func TestStateReader_DropsDeletedCollection(t *testing.T) {
	server := store.NewMemoryServer()
	r := startReader(t, server)
	writer := server.Connect(time.Second)
	defer writer.Close()

	writeCollection(t, writer, sampleCollection())
	waitUntil(t, func() bool { return r.Collection("books") != nil })

	if err := store.DeleteRecursive(context.Background(), writer, CollectionPath("books")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	waitUntil(t, func() bool { return r.Collection("books") == nil })
}

func TestStateReader_ClusterProps(t *testing.T) {
	server := store.NewMemoryServer()
	r := startReader(t, server)
	writer := server.Connect(time.Second)
	defer writer.Close()

	if err := SetClusterProp(context.Background(), writer, "urlScheme", "https"); err != nil {
		t.Fatalf("set prop: %v", err)
	}
	waitUntil(t, func() bool { return r.ClusterProp("urlScheme", "") == "https" })

	if err := SetClusterProp(context.Background(), writer, "urlScheme", ""); err != nil {
		t.Fatalf("clear prop: %v", err)
	}
	waitUntil(t, func() bool { return r.ClusterProp("urlScheme", "http") == "http" })
}

func TestStateReader_ListenerSeesChanges(t *testing.T) {
	server := store.NewMemoryServer()
	r := startReader(t, server)
	writer := server.Connect(time.Second)
	defer writer.Close()

	seen := make(chan *ClusterState, 16)
	r.AddListener(func(cs *ClusterState) { seen <- cs })

	writeCollection(t, writer, sampleCollection())

	deadline := time.After(2 * time.Second)
	for {
		select {
		case cs := <-seen:
			if cs.CollectionOrNil("books") != nil {
				return
			}
		case <-deadline:
			t.Fatal("listener never saw the collection")
		}
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
