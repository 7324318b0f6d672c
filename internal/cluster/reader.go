// =============================================================================
// STATE READER - WATCHED CACHE OF THE CLUSTER STATE
// =============================================================================
//
// WHAT: Every node keeps a local, eventually-consistent copy of the cluster
// state: all collections, the live-node set and the cluster properties.
//
// HOW IT STAYS CURRENT:
//
//   ┌───────────────────────────┐
//   │ /live_nodes      (child)  │──► liveNodes loop ──┐
//   │ /collections     (child)  │──► collections loop ├──► cache ──► readers
//   │ /<c>/state.json  (data)   │──┐                  │      │
//   │ /<c>/state.json.prs(child)│──┴► one loop per c ─┘      └──► waiters
//   │ /clusterprops.json(data)  │──► props loop                   listeners
//   └───────────────────────────┘
//
// Each loop is a store.WatchLoop: install watch, re-read, wait. A change
// bumps the cache version, wakes WaitForState callers and notifies
// listeners.
//
// STALENESS:
//   The cache can lag the store by one watch round trip. Callers that need
//   the authoritative answer (leader lookup during registration) read the
//   store directly and use the cache only as a cross-check.
//
// COMPARISON:
//   - Kafka-style metadata cache: controller pushes updates to brokers.
//   - here: every node pulls from the store through watches; there is no
//     push channel to lose.
//
// =============================================================================

package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"searchcoord/internal/store"
)

// ErrWaitTimeout is returned by WaitForState when the predicate never held.
var ErrWaitTimeout = errors.New("cluster: timed out waiting for state")

// StateListener is called asynchronously with a snapshot after a change.
type StateListener func(state *ClusterState)

// StateReader maintains the watched cache.
type StateReader struct {
	store  store.Store
	logger *slog.Logger

	// mu protects the cached view
	mu          sync.RWMutex
	collections map[string]*Collection
	liveNodes   []string
	props       map[string]string
	version     int64
	updatedAt   time.Time
	changed     chan struct{}
	listeners   []StateListener

	// loopMu protects watch loop lifecycle
	loopMu    sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	collLoops map[string]context.CancelFunc
}

// NewStateReader creates a reader. Call Start to begin watching.
func NewStateReader(s store.Store, logger *slog.Logger) *StateReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateReader{
		store:       s,
		logger:      logger.With("component", "state_reader"),
		collections: make(map[string]*Collection),
		props:       make(map[string]string),
		changed:     make(chan struct{}),
		collLoops:   make(map[string]context.CancelFunc),
	}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Start loads the full state and installs the watch loops. Calling Start
// again replaces the loops, which is how watches are recreated after a
// session expiry.
func (r *StateReader) Start(ctx context.Context) error {
	r.Stop()

	if err := r.ForceUpdate(ctx); err != nil {
		return err
	}

	r.loopMu.Lock()
	defer r.loopMu.Unlock()
	r.ctx, r.cancel = context.WithCancel(context.Background())

	r.spawn(&store.WatchLoop{
		Name: "live_nodes",
		Install: func(ctx context.Context) (<-chan store.Event, error) {
			return r.store.WatchChildren(ctx, LiveNodesPath)
		},
		Handle: r.refreshLiveNodes,
		Logger: r.logger,
	})
	r.spawn(&store.WatchLoop{
		Name: "collections",
		Install: func(ctx context.Context) (<-chan store.Event, error) {
			return r.store.WatchChildren(ctx, CollectionsPath)
		},
		Handle: r.syncCollections,
		Logger: r.logger,
	})
	r.spawn(&store.WatchLoop{
		Name: "cluster_props",
		Install: func(ctx context.Context) (<-chan store.Event, error) {
			return r.store.WatchData(ctx, ClusterPropsPath)
		},
		Handle: r.refreshProps,
		Logger: r.logger,
	})
	return nil
}

// spawn must be called with loopMu held.
func (r *StateReader) spawn(loop *store.WatchLoop) {
	ctx := r.ctx
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		loop.Run(ctx)
	}()
}

// Stop cancels every watch loop and waits for them to exit. The cache is
// kept.
func (r *StateReader) Stop() {
	r.loopMu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.cancel = nil
	r.collLoops = make(map[string]context.CancelFunc)
	r.loopMu.Unlock()
	r.wg.Wait()
}

// =============================================================================
// REFRESH
// =============================================================================

// ForceUpdate re-reads everything from the store synchronously.
func (r *StateReader) ForceUpdate(ctx context.Context) error {
	if err := r.refreshLiveNodes(ctx); err != nil {
		return err
	}
	names, err := r.listCollections(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := r.ForceUpdateCollection(ctx, name); err != nil {
			return err
		}
	}
	r.mu.Lock()
	for name := range r.collections {
		if !slices.Contains(names, name) {
			delete(r.collections, name)
		}
	}
	r.mu.Unlock()
	return r.refreshProps(ctx)
}

// ForceUpdateCollection re-reads one collection from the store.
func (r *StateReader) ForceUpdateCollection(ctx context.Context, name string) error {
	c, err := ReadCollection(ctx, r.store, name)
	if errors.Is(err, store.ErrNoNode) {
		r.mu.Lock()
		_, had := r.collections[name]
		delete(r.collections, name)
		if had {
			r.bumpLocked()
		}
		r.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("refresh collection %s: %w", name, err)
	}

	r.mu.Lock()
	r.collections[name] = c
	r.bumpLocked()
	r.mu.Unlock()
	return nil
}

func (r *StateReader) listCollections(ctx context.Context) ([]string, error) {
	names, err := r.store.Children(ctx, CollectionsPath)
	if errors.Is(err, store.ErrNoNode) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	return names, nil
}

func (r *StateReader) refreshLiveNodes(ctx context.Context) error {
	nodes, err := r.store.Children(ctx, LiveNodesPath)
	if errors.Is(err, store.ErrNoNode) {
		nodes = nil
	} else if err != nil {
		return fmt.Errorf("list live nodes: %w", err)
	}
	sort.Strings(nodes)

	r.mu.Lock()
	defer r.mu.Unlock()
	if slices.Equal(nodes, r.liveNodes) {
		return nil
	}
	r.liveNodes = nodes
	r.bumpLocked()
	return nil
}

func (r *StateReader) refreshProps(ctx context.Context) error {
	props, err := ReadClusterProps(ctx, r.store)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.props = props
	r.bumpLocked()
	r.mu.Unlock()
	return nil
}

// syncCollections starts a loop for each new collection and stops loops
// of deleted ones.
func (r *StateReader) syncCollections(ctx context.Context) error {
	names, err := r.listCollections(ctx)
	if err != nil {
		return err
	}

	r.loopMu.Lock()
	defer r.loopMu.Unlock()
	if r.ctx == nil || r.ctx.Err() != nil {
		return nil
	}

	for name, cancel := range r.collLoops {
		if !slices.Contains(names, name) {
			cancel()
			delete(r.collLoops, name)
			r.mu.Lock()
			delete(r.collections, name)
			r.bumpLocked()
			r.mu.Unlock()
		}
	}
	for _, name := range names {
		if _, ok := r.collLoops[name]; ok {
			continue
		}
		loopCtx, cancel := context.WithCancel(r.ctx)
		r.collLoops[name] = cancel
		name := name
		loop := &store.WatchLoop{
			Name: "collection:" + name,
			Install: func(ctx context.Context) (<-chan store.Event, error) {
				return r.watchCollection(ctx, name)
			},
			Handle: func(ctx context.Context) error {
				return r.ForceUpdateCollection(ctx, name)
			},
			Logger: r.logger,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			loop.Run(loopCtx)
		}()
	}
	return nil
}

// watchCollection fires on a state.json change or a per-replica record
// change, whichever comes first.
func (r *StateReader) watchCollection(ctx context.Context, name string) (<-chan store.Event, error) {
	stateCh, err := r.store.WatchData(ctx, StatePath(name))
	if err != nil {
		return nil, err
	}
	prsCh, err := r.store.WatchChildren(ctx, PRSPath(name))
	if errors.Is(err, store.ErrNoNode) {
		return stateCh, nil
	}
	if err != nil {
		return nil, err
	}
	return store.FirstEvent(ctx, stateCh, prsCh), nil
}

// bumpLocked records a change. Must be called with mu held.
func (r *StateReader) bumpLocked() {
	r.version++
	r.updatedAt = time.Now()
	close(r.changed)
	r.changed = make(chan struct{})
	if len(r.listeners) == 0 {
		return
	}
	snapshot := r.snapshotLocked()
	for _, l := range r.listeners {
		go l(snapshot)
	}
}

// =============================================================================
// QUERIES
// =============================================================================

func (r *StateReader) snapshotLocked() *ClusterState {
	cs := &ClusterState{
		Collections: make(map[string]*Collection, len(r.collections)),
		LiveNodes:   slices.Clone(r.liveNodes),
		Version:     r.version,
	}
	for k, c := range r.collections {
		cs.Collections[k] = c.Clone()
	}
	return cs
}

// ClusterState returns a deep-copied snapshot.
func (r *StateReader) ClusterState() *ClusterState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Collection returns a copy of the named collection, or nil.
func (r *StateReader) Collection(name string) *Collection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collections[name].Clone()
}

// LiveNodes returns the sorted live-node names.
func (r *StateReader) LiveNodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.liveNodes)
}

// IsLive reports whether nodeName is in the cached live set.
func (r *StateReader) IsLive(nodeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.liveNodes, nodeName)
}

// ClusterProps returns a copy of the cluster properties.
func (r *StateReader) ClusterProps() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.props))
	for k, v := range r.props {
		out[k] = v
	}
	return out
}

// ClusterProp returns one property or def.
func (r *StateReader) ClusterProp(key, def string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.props[key]; ok {
		return v
	}
	return def
}

// Version is incremented on every observed change.
func (r *StateReader) Version() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// ShardLeader returns the cached leader of a shard, or nil.
func (r *StateReader) ShardLeader(collection, shard string) *Replica {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.collections[collection].Slice(shard)
	if s == nil {
		return nil
	}
	return s.Leader().Clone()
}

// Predicate is evaluated against the live nodes and a collection copy
// (nil if the collection does not exist).
type Predicate func(liveNodes []string, c *Collection) bool

// WaitForState blocks until pred holds for collection, the timeout passes
// or ctx is done.
func (r *StateReader) WaitForState(ctx context.Context, collection string, timeout time.Duration, pred Predicate) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		r.mu.RLock()
		live := slices.Clone(r.liveNodes)
		c := r.collections[collection].Clone()
		changed := r.changed
		r.mu.RUnlock()

		if pred(live, c) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("%w: collection %s after %s", ErrWaitTimeout, collection, timeout)
		case <-changed:
		}
	}
}

// AddListener registers a callback for state changes.
func (r *StateReader) AddListener(l StateListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// ReaderStats describes the cache.
type ReaderStats struct {
	Version            int64     `json:"version"`
	Collections        int       `json:"collections"`
	LiveNodes          int       `json:"live_nodes"`
	WatchedCollections int       `json:"watched_collections"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Stats returns cache statistics.
func (r *StateReader) Stats() ReaderStats {
	r.loopMu.Lock()
	watched := len(r.collLoops)
	r.loopMu.Unlock()

	r.mu.RLock()
	defer r.mu.RUnlock()
	return ReaderStats{
		Version:            r.version,
		Collections:        len(r.collections),
		LiveNodes:          len(r.liveNodes),
		WatchedCollections: watched,
		UpdatedAt:          r.updatedAt,
	}
}

// =============================================================================
// CLUSTER PROPERTIES
// =============================================================================

// ReadClusterProps reads /clusterprops.json. Missing means empty.
func ReadClusterProps(ctx context.Context, s store.Store) (map[string]string, error) {
	data, _, err := s.Get(ctx, ClusterPropsPath)
	if errors.Is(err, store.ErrNoNode) || (err == nil && len(data) == 0) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cluster props: %w", err)
	}
	props := make(map[string]string)
	if err := json.Unmarshal(data, &props); err != nil {
		return nil, fmt.Errorf("decode cluster props: %w", err)
	}
	return props, nil
}

// SetClusterProp writes one property with compare-and-set. An empty value
// removes it.
func SetClusterProp(ctx context.Context, s store.Store, key, value string) error {
	_, err := store.UpdateWithRetry(ctx, s, ClusterPropsPath, 0, func(current []byte, _ store.Stat, _ bool) ([]byte, error) {
		props := make(map[string]string)
		if len(current) > 0 {
			if err := json.Unmarshal(current, &props); err != nil {
				return nil, fmt.Errorf("decode cluster props: %w", err)
			}
		}
		old, had := props[key]
		if value == "" {
			if !had {
				return nil, store.ErrNoChange
			}
			delete(props, key)
		} else {
			if had && old == value {
				return nil, store.ErrNoChange
			}
			props[key] = value
		}
		return json.Marshal(props)
	})
	return err
}
