// Package cores hosts the local cores of a node for the coordination
// controller. It carries no index: recovery and replication are pluggable
// functions, so an embedding engine supplies the byte-level work while the
// node binary runs with the no-op defaults.
package cores

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"searchcoord/internal/controller"
)

// =============================================================================
// CORE CONTAINER
// =============================================================================
//
//   ┌───────────────────────── Container ─────────────────────────┐
//   │  cores: name → *LocalCore      descs: name → *CoreDescriptor│
//   │                                                             │
//   │  Recover(core)  ──► RecoveryFunc   (one at a time per core, │
//   │                                     cancellable)            │
//   │  StartReplication ─► ReplicationFunc every PollInterval     │
//   └─────────────────────────────────────────────────────────────┘
//
// =============================================================================

// ErrUnknownCore is returned for a core the container does not host.
var ErrUnknownCore = errors.New("cores: unknown core")

// ErrAlreadyHosted is returned by Add for a duplicate name.
var ErrAlreadyHosted = errors.New("cores: core already hosted")

// RecoveryFunc re-syncs a core from its leader. It must return promptly
// once ctx is done.
type RecoveryFunc func(ctx context.Context, desc *controller.CoreDescriptor) error

// ReplicationFunc pulls the index of core from leaderURL once.
type ReplicationFunc func(ctx context.Context, core, leaderURL string) error

// Config configures a Container.
type Config struct {
	// Recovery defaults to a function that waits RecoveryDelay.
	Recovery      RecoveryFunc
	RecoveryDelay time.Duration

	// Replication may be nil, in which case followers only track their
	// leader.
	Replication  ReplicationFunc
	PollInterval time.Duration

	// SkipAutoRecovery disables recoveries decided at registration.
	SkipAutoRecovery bool

	Logger *slog.Logger
}

// Container implements controller.CoreContainer.
type Container struct {
	config Config
	logger *slog.Logger

	mu         sync.RWMutex
	cores      map[string]*LocalCore
	descs      map[string]*controller.CoreDescriptor
	recoveries map[string]*recovery
	leaders    map[string]time.Time

	stats Stats
}

type recovery struct {
	cancel context.CancelFunc
}

// Stats counts container activity.
type Stats struct {
	Recoveries       int64 `json:"recoveries"`
	FailedRecoveries int64 `json:"failed_recoveries"`
	Cancelled        int64 `json:"cancelled_recoveries"`
	Unloads          int64 `json:"unloads"`
	LeaderChanges    int64 `json:"leader_changes"`
}

// New creates an empty container.
func New(config Config) *Container {
	if config.PollInterval <= 0 {
		config.PollInterval = 3 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	c := &Container{
		config:     config,
		logger:     config.Logger.With("component", "cores"),
		cores:      make(map[string]*LocalCore),
		descs:      make(map[string]*controller.CoreDescriptor),
		recoveries: make(map[string]*recovery),
		leaders:    make(map[string]time.Time),
	}
	if c.config.Recovery == nil {
		c.config.Recovery = c.waitRecovery
	}
	return c
}

// Add hosts a new core for desc.
func (c *Container) Add(desc *controller.CoreDescriptor, opts CoreOptions) (*LocalCore, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.cores[desc.Name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyHosted, desc.Name)
	}
	core := newLocalCore(desc.Name, opts, c.config.Replication, c.config.PollInterval, c.logger)
	c.cores[desc.Name] = core
	c.descs[desc.Name] = desc
	c.logger.Info("core added", "core", desc.Name, "collection", desc.Cloud.Collection(), "type", desc.Cloud.ReplicaType())
	return core, nil
}

// Descriptor returns the descriptor of a hosted core.
func (c *Container) Descriptor(name string) (*controller.CoreDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.descs[name]
	return d, ok
}

// Core implements controller.CoreContainer.
func (c *Container) Core(name string) (controller.Core, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	core, ok := c.cores[name]
	if !ok {
		return nil, false
	}
	return core, true
}

// Descriptors implements controller.CoreContainer, in name order.
func (c *Container) Descriptors() []*controller.CoreDescriptor {
	c.mu.RLock()
	out := make([]*controller.CoreDescriptor, 0, len(c.descs))
	for _, d := range c.descs {
		out = append(out, d)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SkipAutoRecovery implements controller.CoreContainer.
func (c *Container) SkipAutoRecovery() bool { return c.config.SkipAutoRecovery }

// Recover implements controller.CoreContainer. A second recovery of the
// same core cancels the first.
func (c *Container) Recover(ctx context.Context, desc *controller.CoreDescriptor) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if _, ok := c.cores[desc.Name]; !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCore, desc.Name)
	}
	if prev, ok := c.recoveries[desc.Name]; ok {
		prev.cancel()
	}
	rec := &recovery{cancel: cancel}
	c.recoveries[desc.Name] = rec
	c.stats.Recoveries++
	c.mu.Unlock()

	logger := c.logger.With("core", desc.Name, "collection", desc.Cloud.Collection(), "shard", desc.Cloud.Shard())
	logger.Info("recovery started")
	start := time.Now()
	err := c.config.Recovery(ctx, desc)

	c.mu.Lock()
	// A newer recovery may have replaced ours; only clear our own entry.
	if c.recoveries[desc.Name] == rec {
		delete(c.recoveries, desc.Name)
	}
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		c.stats.Cancelled++
	default:
		c.stats.FailedRecoveries++
	}
	c.mu.Unlock()

	if err != nil {
		logger.Warn("recovery ended without success", "error", err, "duration", time.Since(start))
		return err
	}
	logger.Info("recovery finished", "duration", time.Since(start))
	return nil
}

// CancelRecovery implements controller.CoreContainer.
func (c *Container) CancelRecovery(name string) {
	c.mu.Lock()
	rec, ok := c.recoveries[name]
	delete(c.recoveries, name)
	c.mu.Unlock()
	if ok {
		c.logger.Info("cancelling recovery", "core", name)
		rec.cancel()
	}
}

// Recovering reports whether a recovery of name is running.
func (c *Container) Recovering(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.recoveries[name]
	return ok
}

// Unload implements controller.CoreContainer.
func (c *Container) Unload(ctx context.Context, name string) error {
	c.CancelRecovery(name)

	c.mu.Lock()
	core, ok := c.cores[name]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCore, name)
	}
	delete(c.cores, name)
	delete(c.descs, name)
	delete(c.leaders, name)
	c.stats.Unloads++
	c.mu.Unlock()

	core.close()
	c.logger.Info("core unloaded", "core", name)
	return nil
}

// BecameLeader implements controller.CoreContainer.
func (c *Container) BecameLeader(desc *controller.CoreDescriptor) {
	c.mu.Lock()
	c.leaders[desc.Name] = time.Now()
	c.stats.LeaderChanges++
	c.mu.Unlock()
	c.logger.Info("core is shard leader", "core", desc.Name, "collection", desc.Cloud.Collection(), "shard", desc.Cloud.Shard())
}

// LeaderSince returns when the core last became leader.
func (c *Container) LeaderSince(name string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.leaders[name]
	return t, ok
}

// Stats returns a snapshot of the counters.
func (c *Container) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// Close unloads every core.
func (c *Container) Close() {
	for _, d := range c.Descriptors() {
		_ = c.Unload(context.Background(), d.Name)
	}
}

func (c *Container) waitRecovery(ctx context.Context, desc *controller.CoreDescriptor) error {
	if c.config.RecoveryDelay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(c.config.RecoveryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("recovery of %s: %w", desc.Name, ctx.Err())
	case <-t.C:
		return nil
	}
}
