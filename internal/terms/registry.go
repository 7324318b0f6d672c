package terms

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"searchcoord/internal/metrics"
	"searchcoord/internal/store"
)

// CollectionTerms holds the term stores of one collection's shards that
// this node participates in.
type CollectionTerms struct {
	store      store.Store
	collection string
	logger     *slog.Logger
	reg        *metrics.Registry

	mu     sync.Mutex
	shards map[string]*ShardTermsStore
}

// NewCollectionTerms creates an empty per-collection holder.
func NewCollectionTerms(s store.Store, collection string, logger *slog.Logger, reg *metrics.Registry) *CollectionTerms {
	if logger == nil {
		logger = slog.Default()
	}
	return &CollectionTerms{
		store:      s,
		collection: collection,
		logger:     logger,
		reg:        reg,
		shards:     make(map[string]*ShardTermsStore),
	}
}

// Shard returns the shard's term store, creating and loading it on first
// use.
func (c *CollectionTerms) Shard(ctx context.Context, shard string) (*ShardTermsStore, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.shards[shard]; ok {
		return t, nil
	}
	t, err := NewShardTermsStore(ctx, c.store, c.collection, shard, c.logger, c.reg)
	if err != nil {
		return nil, err
	}
	c.shards[shard] = t
	return t, nil
}

// Register registers the replica in the shard's terms.
func (c *CollectionTerms) Register(ctx context.Context, shard, replica string) error {
	t, err := c.Shard(ctx, shard)
	if err != nil {
		return err
	}
	return t.Register(ctx, replica)
}

// Remove drops the replica from the shard's terms. When no listener is
// left on the shard its store is closed and forgotten.
func (c *CollectionTerms) Remove(ctx context.Context, shard, replica string) error {
	t, err := c.Shard(ctx, shard)
	if err != nil {
		return err
	}
	if err := t.Remove(ctx, replica); err != nil {
		return err
	}
	if t.NumListeners() == 0 {
		c.mu.Lock()
		if c.shards[shard] == t {
			delete(c.shards, shard)
		}
		c.mu.Unlock()
		t.Close()
	}
	return nil
}

// Len is the number of open shard stores.
func (c *CollectionTerms) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.shards)
}

// Snapshot returns shard → raw term document.
func (c *CollectionTerms) Snapshot() map[string]map[string]int64 {
	c.mu.Lock()
	shards := make(map[string]*ShardTermsStore, len(c.shards))
	for k, v := range c.shards {
		shards[k] = v
	}
	c.mu.Unlock()

	out := make(map[string]map[string]int64, len(shards))
	for name, t := range shards {
		out[name] = t.Terms().Map()
	}
	return out
}

// Close closes every shard store.
func (c *CollectionTerms) Close() {
	c.mu.Lock()
	shards := c.shards
	c.shards = make(map[string]*ShardTermsStore)
	c.mu.Unlock()
	for _, t := range shards {
		t.Close()
	}
}

// =============================================================================
// REGISTRY
// =============================================================================
//
// The node-wide map of collection name to CollectionTerms. Guarded by its
// own mutex; nothing else shares the lock.
//
// =============================================================================

// Registry is the node's collection-terms map.
type Registry struct {
	store   store.Store
	logger  *slog.Logger
	metrics *metrics.Registry

	mu          sync.Mutex
	collections map[string]*CollectionTerms
}

// NewRegistry creates an empty registry.
func NewRegistry(s store.Store, logger *slog.Logger, reg *metrics.Registry) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:       s,
		logger:      logger,
		metrics:     reg,
		collections: make(map[string]*CollectionTerms),
	}
}

// GetOrCreate returns the collection's terms holder.
func (r *Registry) GetOrCreate(collection string) *CollectionTerms {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.collections[collection]; ok {
		return c
	}
	c := NewCollectionTerms(r.store, collection, r.logger, r.metrics)
	r.collections[collection] = c
	return c
}

// Get returns the holder if one exists.
func (r *Registry) Get(collection string) (*CollectionTerms, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.collections[collection]
	return c, ok
}

// Shard is GetOrCreate(collection).Shard(shard).
func (r *Registry) Shard(ctx context.Context, collection, shard string) (*ShardTermsStore, error) {
	return r.GetOrCreate(collection).Shard(ctx, shard)
}

// Remove closes and forgets the collection.
func (r *Registry) Remove(collection string) {
	r.mu.Lock()
	c, ok := r.collections[collection]
	delete(r.collections, collection)
	r.mu.Unlock()
	if ok {
		c.Close()
	}
}

// CloseAll closes every collection and empties the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := r.collections
	r.collections = make(map[string]*CollectionTerms)
	r.mu.Unlock()
	for _, c := range all {
		c.Close()
	}
}

// Collections lists the collections with open terms, sorted.
func (r *Registry) Collections() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.collections))
	for name := range r.collections {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns collection → shard → raw term document.
func (r *Registry) Snapshot() map[string]map[string]map[string]int64 {
	r.mu.Lock()
	all := make(map[string]*CollectionTerms, len(r.collections))
	for k, v := range r.collections {
		all[k] = v
	}
	r.mu.Unlock()

	out := make(map[string]map[string]map[string]int64, len(all))
	for name, c := range all {
		out[name] = c.Snapshot()
	}
	return out
}
