package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestStore(t *testing.T) (*MemoryServer, *MemoryStore) {
	t.Helper()
	server := NewMemoryServer()
	s := server.Connect(time.Second)
	t.Cleanup(func() { s.Close() })
	return server, s
}

func TestMemoryStore_CreateGetSet(t *testing.T) {
	_, s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, "/a", []byte("one"), Persistent); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Create(ctx, "/a", nil, Persistent); !errors.Is(err, ErrNodeExists) {
		t.Fatalf("expected ErrNodeExists, got %v", err)
	}
	if _, err := s.Create(ctx, "/missing/child", nil, Persistent); !errors.Is(err, ErrNoNode) {
		t.Fatalf("expected ErrNoNode for missing parent, got %v", err)
	}

	data, stat, err := s.Get(ctx, "/a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(data) != "one" || stat.Version != 0 {
		t.Fatalf("unexpected node: %q version=%d", data, stat.Version)
	}

	if _, err := s.Set(ctx, "/a", []byte("two"), 5); !errors.Is(err, ErrBadVersion) {
		t.Fatalf("expected ErrBadVersion, got %v", err)
	}
	stat, err = s.Set(ctx, "/a", []byte("two"), 0)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if stat.Version != 1 {
		t.Fatalf("expected version 1, got %d", stat.Version)
	}
}

func TestMemoryStore_SequentialOrdering(t *testing.T) {
	_, s := newTestStore(t)
	ctx := context.Background()

	if err := MakePath(ctx, s, "/q", nil, Persistent, false); err != nil {
		t.Fatalf("make path: %v", err)
	}
	var names []string
	for i := 0; i < 3; i++ {
		p, err := s.Create(ctx, "/q/qn-", nil, PersistentSequential)
		if err != nil {
			t.Fatalf("create sequential: %v", err)
		}
		names = append(names, Base(p))
	}
	if names[0] != "qn-0000000000" || names[2] != "qn-0000000002" {
		t.Fatalf("unexpected sequential names: %v", names)
	}
	if ParseSequence(names[1]) != 1 {
		t.Fatalf("ParseSequence(%s) = %d", names[1], ParseSequence(names[1]))
	}

	children, err := s.Children(ctx, "/q")
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if len(children) != 3 {
		t.Fatalf("expected 3 children, got %v", children)
	}
}

func TestMemoryStore_ExpireRemovesEphemerals(t *testing.T) {
	server, s := newTestStore(t)
	other := server.Connect(time.Second)
	defer other.Close()
	ctx := context.Background()

	if err := MakePath(ctx, s, "/live_nodes", nil, Persistent, false); err != nil {
		t.Fatalf("make path: %v", err)
	}
	if _, err := s.Create(ctx, "/live_nodes/n1", nil, Ephemeral); err != nil {
		t.Fatalf("create ephemeral: %v", err)
	}

	events, unsubscribe := s.SubscribeSession()
	defer unsubscribe()

	watch, err := other.WatchData(ctx, "/live_nodes/n1")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	oldSession := s.SessionID()
	s.Expire()

	select {
	case ev := <-watch:
		if ev.Type != EventDeleted {
			t.Fatalf("expected deleted event, got %v", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("watch did not fire on expiry")
	}

	if ok, _ := other.Exists(ctx, "/live_nodes/n1"); ok {
		t.Fatal("ephemeral node survived session expiry")
	}
	if _, _, err := s.Get(ctx, "/live_nodes"); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired while expired, got %v", err)
	}

	s.Reconnect()
	if s.SessionID() == oldSession {
		t.Fatal("expected a new session id after expiry")
	}

	got := []SessionState{(<-events).State, (<-events).State}
	if got[0] != SessionExpired || got[1] != SessionConnected {
		t.Fatalf("unexpected session events: %v", got)
	}
}

func TestMemoryStore_DisconnectKeepsEphemerals(t *testing.T) {
	_, s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, "/e", nil, Ephemeral); err != nil {
		t.Fatalf("create: %v", err)
	}
	s.Disconnect()
	if _, err := s.Exists(ctx, "/e"); !errors.Is(err, ErrConnectionLoss) {
		t.Fatalf("expected ErrConnectionLoss, got %v", err)
	}
	if !IsTransient(ErrConnectionLoss) {
		t.Fatal("connection loss should be transient")
	}
	s.Reconnect()
	if ok, err := s.Exists(ctx, "/e"); err != nil || !ok {
		t.Fatalf("ephemeral lost on disconnect: ok=%v err=%v", ok, err)
	}
}

func TestMemoryStore_MultiRollsBack(t *testing.T) {
	_, s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, "/x", []byte("v"), Persistent); err != nil {
		t.Fatalf("create: %v", err)
	}

	err := s.Multi(ctx,
		CreateOp("/y", nil, Persistent),
		SetOp("/x", []byte("changed"), 0),
		CheckOp("/x", 7),
	)
	if !errors.Is(err, ErrBadVersion) {
		t.Fatalf("expected ErrBadVersion, got %v", err)
	}
	if ok, _ := s.Exists(ctx, "/y"); ok {
		t.Fatal("create was not rolled back")
	}
	data, _, _ := s.Get(ctx, "/x")
	if string(data) != "v" {
		t.Fatalf("set was not rolled back: %q", data)
	}

	if err := s.Multi(ctx,
		DeleteOp("/x", 0),
		CreateOp("/y", []byte("new"), Ephemeral),
	); err != nil {
		t.Fatalf("multi: %v", err)
	}
	if ok, _ := s.Exists(ctx, "/x"); ok {
		t.Fatal("expected /x deleted")
	}
}

func TestMemoryStore_DeleteNotEmpty(t *testing.T) {
	_, s := newTestStore(t)
	ctx := context.Background()

	if err := MakePath(ctx, s, "/p/c", nil, Persistent, true); err != nil {
		t.Fatalf("make path: %v", err)
	}
	if err := s.Delete(ctx, "/p", AnyVersion); !errors.Is(err, ErrNotEmpty) {
		t.Fatalf("expected ErrNotEmpty, got %v", err)
	}
	if err := DeleteRecursive(ctx, s, "/p"); err != nil {
		t.Fatalf("delete recursive: %v", err)
	}
	if ok, _ := s.Exists(ctx, "/p"); ok {
		t.Fatal("expected /p removed")
	}
}

func TestMemoryStore_WatchChildren(t *testing.T) {
	_, s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.WatchChildren(ctx, "/nope"); !errors.Is(err, ErrNoNode) {
		t.Fatalf("expected ErrNoNode, got %v", err)
	}
	if _, err := s.Create(ctx, "/dir", nil, Persistent); err != nil {
		t.Fatalf("create: %v", err)
	}
	ch, err := s.WatchChildren(ctx, "/dir")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if _, err := s.Create(ctx, "/dir/a", nil, Persistent); err != nil {
		t.Fatalf("create child: %v", err)
	}
	select {
	case ev := <-ch:
		if ev.Type != EventChildrenChanged || ev.Path != "/dir" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("children watch did not fire")
	}
	if _, ok := <-ch; ok {
		t.Fatal("watch channel should be closed after one event")
	}
}

func TestPathHelpers(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"join", Join("/a/", "b", "/c"), "/a/b/c"},
		{"join empty", Join(), "/"},
		{"parent", Parent("/a/b"), "/a"},
		{"parent top", Parent("/a"), "/"},
		{"base", Base("/a/b"), "b"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %q want %q", tt.name, tt.got, tt.want)
		}
	}
	if err := ValidatePath("relative"); err == nil {
		t.Error("expected error for relative path")
	}
	if ParseSequence("short") != -1 {
		t.Error("expected -1 for name without sequence")
	}
}
