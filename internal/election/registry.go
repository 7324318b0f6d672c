package election

import (
	"sort"
	"sync"
)

// ContextKey identifies an election context on this node.
type ContextKey struct {
	Collection   string
	CoreNodeName string
}

// OverseerKey is the key of the node's overseer participation.
var OverseerKey = ContextKey{CoreNodeName: "overseer"}

func (k ContextKey) String() string {
	if k == OverseerKey {
		return "overseer"
	}
	return k.Collection + "/" + k.CoreNodeName
}

// Registry maps keys to the node's live election contexts. One mutex
// guards the map and nothing else.
type Registry struct {
	mu       sync.Mutex
	contexts map[ContextKey]ElectionContext
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{contexts: make(map[ContextKey]ElectionContext)}
}

// GetOrCreate returns the context under key, calling create to make one
// if there is none.
func (r *Registry) GetOrCreate(key ContextKey, create func() ElectionContext) ElectionContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ec, ok := r.contexts[key]; ok {
		return ec
	}
	ec := create()
	r.contexts[key] = ec
	return ec
}

// Put stores ec under key and returns what it replaced.
func (r *Registry) Put(key ContextKey, ec ElectionContext) ElectionContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.contexts[key]
	r.contexts[key] = ec
	return prev
}

// Get returns the context under key.
func (r *Registry) Get(key ContextKey) (ElectionContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ec, ok := r.contexts[key]
	return ec, ok
}

// Remove deletes and returns the context under key.
func (r *Registry) Remove(key ContextKey) (ElectionContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ec, ok := r.contexts[key]
	delete(r.contexts, key)
	return ec, ok
}

// Entry is one key/context pair of a snapshot.
type Entry struct {
	Key     ContextKey
	Context ElectionContext
}

// Snapshot returns every entry in key order. The registry may change
// after it returns.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.contexts))
	for k, ec := range r.contexts {
		out = append(out, Entry{Key: k, Context: ec})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Len is the number of registered contexts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.contexts)
}
