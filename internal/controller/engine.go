package controller

import "context"

// =============================================================================
// ENGINE CALLBACKS
// =============================================================================
//
// The controller decides when a core leads, recovers or goes away; the
// search engine that hosts the cores does the work:
//
//   controller ──BecameLeader──► engine     (start serving as leader)
//   controller ──Recover───────► engine     (re-sync from the leader)
//   controller ──Unload────────► engine     (replica removed by an admin)
//   engine     ──Publish───────► controller (report local transitions)
//
// =============================================================================

// CoreContainer is the engine hosting the local cores.
type CoreContainer interface {
	// Core returns the open core named name.
	Core(name string) (Core, bool)

	// Recover re-syncs the core from its shard leader. It blocks until
	// recovery succeeded, failed or was cancelled; a cancelled recovery
	// returns an error wrapping context.Canceled.
	Recover(ctx context.Context, desc *CoreDescriptor) error

	// CancelRecovery aborts a running recovery of the core, if any.
	CancelRecovery(name string)

	// Unload closes the core and forgets it.
	Unload(ctx context.Context, name string) error

	// BecameLeader tells the engine the core now leads its shard.
	BecameLeader(desc *CoreDescriptor)

	// SkipAutoRecovery disables every recovery decided at registration.
	SkipAutoRecovery() bool

	// Descriptors lists the hosted cores.
	Descriptors() []*CoreDescriptor
}

// Core is one local index.
type Core interface {
	Name() string
	IsClosed() bool

	// IsReloaded reports whether the core was reopened by an admin reload
	// rather than loaded fresh.
	IsReloaded() bool

	HasUpdateLog() bool
	ReplayLog(ctx context.Context) error

	// HasCommitPoint reports whether the index holds a local commit.
	HasCommitPoint() bool

	// CopyOverOldUpdates moves buffered updates of a TLOG replica into
	// its log before it starts following a leader.
	CopyOverOldUpdates(ctx context.Context) error

	StartReplication(ctx context.Context, leaderURL string) error
	StopReplication()
}
