// =============================================================================
// COORDINATION STORE - HIERARCHICAL, SESSION-SCOPED KEY SPACE
// =============================================================================
//
// WHAT: The primitives every coordination component is built on:
//
//   - hierarchical paths ("/collections/books/state.json")
//   - persistent vs ephemeral nodes (ephemeral = dies with the session)
//   - sequential nodes (store appends a monotonically increasing suffix)
//   - versioned compare-and-set writes (ErrBadVersion when stale)
//   - multi-op atomic batches
//   - one-shot watches on a node's data or on its children
//   - session lifecycle notifications (connected / disconnected / expired)
//
// TWO IMPLEMENTATIONS:
//
//   ┌────────────────────┐        ┌──────────────────────────────────────┐
//   │   MemoryStore      │        │   EtcdStore                          │
//   │                    │        │                                      │
//   │ in-process tree,   │        │ session  = etcd lease + keepalive    │
//   │ sessions can be    │        │ ephemeral= key attached to lease     │
//   │ expired on demand  │        │ CAS      = Txn(Compare(Version))     │
//   │ (tests, single     │        │ seq node = CAS counter + Txn         │
//   │  process demos)    │        │ watch    = clientv3.Watch            │
//   └────────────────────┘        └──────────────────────────────────────┘
//
// VERSIONS:
//   Stat.Version is the data version of a node: 0 right after creation,
//   incremented on every Set. AnyVersion (-1) disables the check.
//
// COMPARISON:
//   - ZooKeeper: native znodes, this interface mirrors its semantics
//   - etcd: flat keyspace, emulated hierarchy by key prefix
//   - Consul: KV + sessions, similar lease model to etcd
//
// =============================================================================

package store

import (
	"context"
	"errors"
	"time"
)

// AnyVersion disables the version check on Set/Delete/Check.
const AnyVersion int64 = -1

// Sentinel errors. Implementations wrap backend errors into these so callers
// can branch with errors.Is regardless of backend.
var (
	ErrNoNode         = errors.New("store: node does not exist")
	ErrNodeExists     = errors.New("store: node already exists")
	ErrBadVersion     = errors.New("store: version conflict")
	ErrNotEmpty       = errors.New("store: node has children")
	ErrSessionExpired = errors.New("store: session expired")
	ErrConnectionLoss = errors.New("store: connection loss")
	ErrClosed         = errors.New("store: client closed")
)

// =============================================================================
// CREATE MODES
// =============================================================================

// CreateMode selects node lifetime and naming.
type CreateMode int

const (
	// Persistent nodes live until deleted.
	Persistent CreateMode = iota

	// PersistentSequential nodes get a 10-digit sequence suffix.
	PersistentSequential

	// Ephemeral nodes are deleted when the creating session ends.
	Ephemeral

	// EphemeralSequential combines both.
	EphemeralSequential
)

// IsEphemeral reports whether the node dies with its session.
func (m CreateMode) IsEphemeral() bool {
	return m == Ephemeral || m == EphemeralSequential
}

// IsSequential reports whether the store appends a sequence suffix.
func (m CreateMode) IsSequential() bool {
	return m == PersistentSequential || m == EphemeralSequential
}

func (m CreateMode) String() string {
	switch m {
	case Persistent:
		return "persistent"
	case PersistentSequential:
		return "persistent_sequential"
	case Ephemeral:
		return "ephemeral"
	case EphemeralSequential:
		return "ephemeral_sequential"
	default:
		return "unknown"
	}
}

// Stat is node metadata returned alongside reads and writes.
type Stat struct {
	// Version is the data version (0 after create).
	Version int64 `json:"version"`

	// EphemeralOwner is the owning session id, empty for persistent nodes.
	EphemeralOwner string `json:"ephemeral_owner,omitempty"`

	// CreateRevision and ModRevision are store-global ordering counters.
	CreateRevision int64 `json:"create_revision"`
	ModRevision    int64 `json:"mod_revision"`
}

// =============================================================================
// WATCH EVENTS
// =============================================================================

// EventType identifies what a watch observed.
type EventType int

const (
	EventCreated EventType = iota + 1
	EventDeleted
	EventDataChanged
	EventChildrenChanged
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventDeleted:
		return "deleted"
	case EventDataChanged:
		return "data_changed"
	case EventChildrenChanged:
		return "children_changed"
	default:
		return "unknown"
	}
}

// Event is delivered once on a watch channel, after which the channel is
// closed. A channel closed without an event means the watch was lost
// (session ended, client closed) and must be reinstalled.
type Event struct {
	Type EventType
	Path string
}

// =============================================================================
// SESSION EVENTS
// =============================================================================

// SessionState is a coordination-store session lifecycle state.
type SessionState int

const (
	SessionConnected SessionState = iota + 1
	SessionDisconnected
	SessionExpired
)

func (s SessionState) String() string {
	switch s {
	case SessionConnected:
		return "connected"
	case SessionDisconnected:
		return "disconnected"
	case SessionExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// SessionEvent reports a session transition. SessionID is the session in
// effect after the transition (a new id follows an expiry).
type SessionEvent struct {
	State     SessionState
	SessionID string
}

// =============================================================================
// MULTI-OP
// =============================================================================

type opKind int

const (
	opCreate opKind = iota + 1
	opSet
	opDelete
	opCheck
)

// Op is one element of an atomic Multi batch.
type Op struct {
	kind    opKind
	Path    string
	Data    []byte
	Mode    CreateMode
	Version int64
}

// CreateOp creates a node. Sequential modes are not supported in a batch.
func CreateOp(path string, data []byte, mode CreateMode) Op {
	return Op{kind: opCreate, Path: path, Data: data, Mode: mode}
}

// SetOp writes data if the version matches.
func SetOp(path string, data []byte, version int64) Op {
	return Op{kind: opSet, Path: path, Data: data, Version: version}
}

// DeleteOp deletes a node if the version matches.
func DeleteOp(path string, version int64) Op {
	return Op{kind: opDelete, Path: path, Version: version}
}

// CheckOp asserts a node exists at the given version.
func CheckOp(path string, version int64) Op {
	return Op{kind: opCheck, Path: path, Version: version}
}

// =============================================================================
// STORE INTERFACE
// =============================================================================

// Store is a session-scoped client of the coordination store.
type Store interface {
	// Create makes a node and returns its actual path (which differs from
	// path for sequential modes). The parent must exist.
	Create(ctx context.Context, path string, data []byte, mode CreateMode) (string, error)

	// Get returns node data and metadata, or ErrNoNode.
	Get(ctx context.Context, path string) ([]byte, Stat, error)

	// Exists reports whether the node exists.
	Exists(ctx context.Context, path string) (bool, error)

	// Set writes data if version matches (AnyVersion skips the check).
	Set(ctx context.Context, path string, data []byte, version int64) (Stat, error)

	// Delete removes a childless node if version matches.
	Delete(ctx context.Context, path string, version int64) error

	// Children lists the names (not paths) of direct children.
	Children(ctx context.Context, path string) ([]string, error)

	// Multi applies all ops atomically or none of them.
	Multi(ctx context.Context, ops ...Op) error

	// WatchData fires once when the node is created, changed or deleted.
	// The node need not exist.
	WatchData(ctx context.Context, path string) (<-chan Event, error)

	// WatchChildren fires once when a child is added or removed, or the
	// node itself is deleted. Returns ErrNoNode if the node is missing.
	WatchChildren(ctx context.Context, path string) (<-chan Event, error)

	// SubscribeSession returns a channel of session transitions and a
	// function that cancels the subscription.
	SubscribeSession() (<-chan SessionEvent, func())

	// SessionID identifies the current session.
	SessionID() string

	// SessionTimeout is the negotiated session timeout.
	SessionTimeout() time.Duration

	// Close ends the session; ephemeral nodes are removed.
	Close() error
}
