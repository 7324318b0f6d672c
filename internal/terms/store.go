package terms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"searchcoord/internal/cluster"
	"searchcoord/internal/metrics"
	"searchcoord/internal/store"
)

// ErrClosed is returned by mutations after Close.
var ErrClosed = errors.New("terms: closed")

// Listener is called after the cached terms change. Returning false
// removes the listener.
type Listener func(ShardTerms) bool

// =============================================================================
// SHARD TERMS STORE
// =============================================================================
//
// One ShardTermsStore per (collection, shard) on each node that hosts a
// leader-eligible replica of it. It owns:
//
//   - a cached ShardTerms, refreshed by a watch loop on the document
//   - the write path: every mutation is a read → transition → CAS cycle
//     through store.UpdateWithRetry, so concurrent writers on other nodes
//     never lose each other's changes
//   - listeners (the controller's "recover when behind" watcher)
//
// =============================================================================

// ShardTermsStore keeps one shard's term document in sync with the store.
type ShardTermsStore struct {
	store      store.Store
	collection string
	shard      string
	path       string
	logger     *slog.Logger
	metrics    *metrics.TermsMetrics

	mu        sync.RWMutex
	terms     ShardTerms
	listeners map[int]Listener
	nextID    int
	closed    bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewShardTermsStore creates the document if missing, loads it and starts
// watching it.
func NewShardTermsStore(ctx context.Context, s store.Store, collection, shard string, logger *slog.Logger, reg *metrics.Registry) (*ShardTermsStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &ShardTermsStore{
		store:      s,
		collection: collection,
		shard:      shard,
		path:       cluster.TermsPath(collection, shard),
		logger:     logger.With("component", "shard_terms", "collection", collection, "shard", shard),
		metrics:    reg.TermsMetrics(),
		terms:      NewShardTerms(nil, -1),
		listeners:  make(map[int]Listener),
	}

	if err := store.MakePath(ctx, s, t.path, []byte("{}"), store.Persistent, false); err != nil {
		return nil, fmt.Errorf("create terms for %s/%s: %w", collection, shard, err)
	}
	if err := t.Refresh(ctx); err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	loop := &store.WatchLoop{
		Name: "terms:" + collection + "/" + shard,
		Install: func(ctx context.Context) (<-chan store.Event, error) {
			return s.WatchData(ctx, t.path)
		},
		Handle: t.Refresh,
		Logger: t.logger,
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		loop.Run(loopCtx)
	}()
	return t, nil
}

// Collection is the collection name.
func (t *ShardTermsStore) Collection() string { return t.collection }

// Shard is the shard name.
func (t *ShardTermsStore) Shard() string { return t.shard }

// Terms returns the cached snapshot.
func (t *ShardTermsStore) Terms() ShardTerms {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.terms
}

// Refresh re-reads the document. A missing document reads as empty.
func (t *ShardTermsStore) Refresh(ctx context.Context) error {
	data, stat, err := t.store.Get(ctx, t.path)
	if errors.Is(err, store.ErrNoNode) {
		t.apply(NewShardTerms(nil, -1), true)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read terms %s: %w", t.path, err)
	}
	terms, err := DecodeShardTerms(data, stat.Version)
	if err != nil {
		return err
	}
	t.apply(terms, false)
	return nil
}

// apply installs a newer snapshot and notifies listeners outside the lock.
func (t *ShardTermsStore) apply(next ShardTerms, force bool) {
	t.mu.Lock()
	if !force && next.version <= t.terms.version {
		t.mu.Unlock()
		return
	}
	t.terms = next
	listeners := make(map[int]Listener, len(t.listeners))
	for id, l := range t.listeners {
		listeners[id] = l
	}
	t.mu.Unlock()

	for id, l := range listeners {
		if !l(next) {
			t.mu.Lock()
			delete(t.listeners, id)
			t.mu.Unlock()
		}
	}
}

// AddListener registers l and returns a function that removes it.
func (t *ShardTermsStore) AddListener(l Listener) (remove func()) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = l
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// NumListeners is the number of registered listeners.
func (t *ShardTermsStore) NumListeners() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.listeners)
}

// =============================================================================
// MUTATIONS
// =============================================================================

// mutate runs one transition through the CAS loop and installs the result.
func (t *ShardTermsStore) mutate(ctx context.Context, op string, transition func(ShardTerms) (ShardTerms, bool)) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	attempts := 0
	var written ShardTerms
	stat, err := store.UpdateWithRetry(ctx, t.store, t.path, 0, func(current []byte, stat store.Stat, exists bool) ([]byte, error) {
		attempts++
		version := stat.Version
		if !exists {
			version = -1
		}
		cur, err := DecodeShardTerms(current, version)
		if err != nil {
			return nil, err
		}
		next, changed := transition(cur)
		if !changed {
			written = cur
			return nil, store.ErrNoChange
		}
		written = next
		return next.Encode()
	})
	if err != nil {
		return fmt.Errorf("%s terms %s/%s: %w", op, t.collection, t.shard, err)
	}

	if written.version != stat.Version {
		written = NewShardTerms(written.terms, stat.Version)
		t.metrics.RecordUpdate(op, attempts-1)
		t.logger.Debug("terms updated", "op", op, "terms", written.terms)
	}
	t.apply(written, false)
	return nil
}

// Register adds the replica at term 0.
func (t *ShardTermsStore) Register(ctx context.Context, replica string) error {
	return t.mutate(ctx, "register", func(s ShardTerms) (ShardTerms, bool) { return s.Register(replica) })
}

// Remove drops the replica.
func (t *ShardTermsStore) Remove(ctx context.Context, replica string) error {
	return t.mutate(ctx, "remove", func(s ShardTerms) (ShardTerms, bool) { return s.Remove(replica) })
}

// StartRecovering marks the replica as recovering.
func (t *ShardTermsStore) StartRecovering(ctx context.Context, replica string) error {
	return t.mutate(ctx, "start_recovering", func(s ShardTerms) (ShardTerms, bool) { return s.StartRecovering(replica) })
}

// DoneRecovering marks the replica as caught up.
func (t *ShardTermsStore) DoneRecovering(ctx context.Context, replica string) error {
	return t.mutate(ctx, "done_recovering", func(s ShardTerms) (ShardTerms, bool) { return s.DoneRecovering(replica) })
}

// EnsureTermsIsHigher moves the leader and every replica it reached past
// the replicas in needRecovery.
func (t *ShardTermsStore) EnsureTermsIsHigher(ctx context.Context, leader string, needRecovery []string) error {
	if len(needRecovery) == 0 {
		return nil
	}
	return t.mutate(ctx, "increase", func(s ShardTerms) (ShardTerms, bool) { return s.IncreaseTerms(leader, needRecovery) })
}

// EnsureHighestTermsAreNotZero lifts an all-zero shard to term 1.
func (t *ShardTermsStore) EnsureHighestTermsAreNotZero(ctx context.Context) error {
	return t.mutate(ctx, "ensure_nonzero", func(s ShardTerms) (ShardTerms, bool) { return s.EnsureHighestTermsAreNotZero() })
}

// CanBecomeLeader consults the cached snapshot.
func (t *ShardTermsStore) CanBecomeLeader(replica string) bool {
	return t.Terms().CanBecomeLeader(replica)
}

// Term returns the cached term of the replica.
func (t *ShardTermsStore) Term(replica string) (int64, bool) {
	return t.Terms().Term(replica)
}

// Close stops the watch loop. Listeners are dropped.
func (t *ShardTermsStore) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.listeners = make(map[int]Listener)
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
}
