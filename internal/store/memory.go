// =============================================================================
// MEMORY STORE - IN-PROCESS COORDINATION STORE
// =============================================================================
//
// WHAT: A complete in-process implementation of Store. One MemoryServer
// holds the tree; each MemoryStore is a client session against it.
//
// WHY:
//   - Tests need deterministic control over session loss: Disconnect(),
//     Reconnect() and Expire() drive the exact transitions a real store
//     produces, without sleeping on real timeouts.
//   - Single-process demos run without an etcd cluster.
//
// SESSION LIFECYCLE:
//
//            Disconnect()                  Expire()
//   CONNECTED ───────────► DISCONNECTED ──────────────► EXPIRED
//       ▲                      │                           │
//       │      Reconnect()     │        Reconnect()        │
//       └──────────────────────┴───────────────────────────┘
//                                  (new session id after EXPIRED)
//
//   DISCONNECTED: ops fail with ErrConnectionLoss, ephemerals survive
//   EXPIRED:      ephemerals deleted, ops fail with ErrSessionExpired
//
// =============================================================================

package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memNode struct {
	data     []byte
	stat     Stat
	children map[string]struct{}
	seq      int64
}

type memWatch struct {
	ch      chan Event
	session *MemoryStore
	done    chan struct{}
}

// MemoryServer is the shared tree all MemoryStore sessions operate on.
type MemoryServer struct {
	mu       sync.Mutex
	nodes    map[string]*memNode
	revision int64

	dataWatches  map[string][]memWatch
	childWatches map[string][]memWatch
}

// NewMemoryServer creates an empty tree containing only "/".
func NewMemoryServer() *MemoryServer {
	return &MemoryServer{
		nodes: map[string]*memNode{
			"/": {children: make(map[string]struct{})},
		},
		dataWatches:  make(map[string][]memWatch),
		childWatches: make(map[string][]memWatch),
	}
}

// Connect opens a new session.
func (s *MemoryServer) Connect(timeout time.Duration) *MemoryStore {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &MemoryStore{
		server:    s,
		sessionID: uuid.New().String(),
		state:     SessionConnected,
		timeout:   timeout,
		subs:      make(map[int]chan SessionEvent),
	}
}

// Dump returns a sorted list of all paths, for debugging and tests.
func (s *MemoryServer) Dump() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make([]string, 0, len(s.nodes))
	for p := range s.nodes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// =============================================================================
// MEMORY STORE (SESSION)
// =============================================================================

// MemoryStore is one session against a MemoryServer.
type MemoryStore struct {
	server *MemoryServer

	mu        sync.Mutex
	sessionID string
	state     SessionState
	closed    bool
	timeout   time.Duration
	subs      map[int]chan SessionEvent
	nextSub   int
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) check() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}
	switch m.state {
	case SessionDisconnected:
		return "", ErrConnectionLoss
	case SessionExpired:
		return "", ErrSessionExpired
	}
	return m.sessionID, nil
}

// SessionID implements Store.
func (m *MemoryStore) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// SessionTimeout implements Store.
func (m *MemoryStore) SessionTimeout() time.Duration {
	return m.timeout
}

// SubscribeSession implements Store.
func (m *MemoryStore) SubscribeSession() (<-chan SessionEvent, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan SessionEvent, 64)
	m.subs[id] = ch
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
}

func (m *MemoryStore) emitLocked(ev SessionEvent) {
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Disconnect simulates a connection loss; the session survives.
func (m *MemoryStore) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.state != SessionConnected {
		return
	}
	m.state = SessionDisconnected
	m.emitLocked(SessionEvent{State: SessionDisconnected, SessionID: m.sessionID})
}

// Expire ends the session: ephemeral nodes are removed, outstanding
// watches are dropped and operations fail until Reconnect.
func (m *MemoryStore) Expire() {
	m.mu.Lock()
	if m.closed || m.state == SessionExpired {
		m.mu.Unlock()
		return
	}
	old := m.sessionID
	m.state = SessionExpired
	m.mu.Unlock()

	m.server.expireSession(m, old)

	m.mu.Lock()
	m.emitLocked(SessionEvent{State: SessionExpired, SessionID: old})
	m.mu.Unlock()
}

// Reconnect restores connectivity. After an expiry a new session id is
// assigned.
func (m *MemoryStore) Reconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.state == SessionConnected {
		return
	}
	if m.state == SessionExpired {
		m.sessionID = uuid.New().String()
	}
	m.state = SessionConnected
	m.emitLocked(SessionEvent{State: SessionConnected, SessionID: m.sessionID})
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	id := m.sessionID
	for k, ch := range m.subs {
		close(ch)
		delete(m.subs, k)
	}
	m.mu.Unlock()

	m.server.expireSession(m, id)
	return nil
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Create implements Store.
func (m *MemoryStore) Create(ctx context.Context, path string, data []byte, mode CreateMode) (string, error) {
	session, err := m.check()
	if err != nil {
		return "", err
	}
	if err := ValidatePath(path); err != nil {
		return "", err
	}
	s := m.server
	s.mu.Lock()
	actual, _, events, err := s.createLocked(path, data, mode, session)
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	s.fire(events)
	return actual, nil
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, path string) ([]byte, Stat, error) {
	if _, err := m.check(); err != nil {
		return nil, Stat{}, err
	}
	s := m.server
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[path]
	if !ok {
		return nil, Stat{}, fmt.Errorf("get %s: %w", path, ErrNoNode)
	}
	return cloneBytes(n.data), n.stat, nil
}

// Exists implements Store.
func (m *MemoryStore) Exists(ctx context.Context, path string) (bool, error) {
	if _, err := m.check(); err != nil {
		return false, err
	}
	s := m.server
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.nodes[path]
	return ok, nil
}

// Set implements Store.
func (m *MemoryStore) Set(ctx context.Context, path string, data []byte, version int64) (Stat, error) {
	if _, err := m.check(); err != nil {
		return Stat{}, err
	}
	s := m.server
	s.mu.Lock()
	_, events, err := s.setLocked(path, data, version)
	var stat Stat
	if err == nil {
		stat = s.nodes[path].stat
	}
	s.mu.Unlock()
	if err != nil {
		return Stat{}, err
	}
	s.fire(events)
	return stat, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, path string, version int64) error {
	if _, err := m.check(); err != nil {
		return err
	}
	s := m.server
	s.mu.Lock()
	_, events, err := s.deleteLocked(path, version)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.fire(events)
	return nil
}

// Children implements Store.
func (m *MemoryStore) Children(ctx context.Context, path string) ([]string, error) {
	if _, err := m.check(); err != nil {
		return nil, err
	}
	s := m.server
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[path]
	if !ok {
		return nil, fmt.Errorf("children %s: %w", path, ErrNoNode)
	}
	names := make([]string, 0, len(n.children))
	for c := range n.children {
		names = append(names, c)
	}
	sort.Strings(names)
	return names, nil
}

// Multi implements Store. Ops are applied in order; on the first failure
// every applied op is undone and no watch fires.
func (m *MemoryStore) Multi(ctx context.Context, ops ...Op) error {
	session, err := m.check()
	if err != nil {
		return err
	}
	s := m.server
	s.mu.Lock()
	var (
		undos  []func()
		events []Event
	)
	for i, op := range ops {
		var (
			undo func()
			evs  []Event
			err  error
		)
		switch op.kind {
		case opCreate:
			if op.Mode.IsSequential() {
				err = fmt.Errorf("store: sequential create not supported in multi")
				break
			}
			_, undo, evs, err = s.createLocked(op.Path, op.Data, op.Mode, session)
		case opSet:
			undo, evs, err = s.setLocked(op.Path, op.Data, op.Version)
		case opDelete:
			undo, evs, err = s.deleteLocked(op.Path, op.Version)
		case opCheck:
			n, ok := s.nodes[op.Path]
			switch {
			case !ok:
				err = fmt.Errorf("check %s: %w", op.Path, ErrNoNode)
			case op.Version != AnyVersion && n.stat.Version != op.Version:
				err = fmt.Errorf("check %s: %w", op.Path, ErrBadVersion)
			}
		}
		if err != nil {
			for j := len(undos) - 1; j >= 0; j-- {
				undos[j]()
			}
			s.mu.Unlock()
			return fmt.Errorf("multi op %d: %w", i, err)
		}
		if undo != nil {
			undos = append(undos, undo)
		}
		events = append(events, evs...)
	}
	s.mu.Unlock()
	s.fire(events)
	return nil
}

// WatchData implements Store.
func (m *MemoryStore) WatchData(ctx context.Context, path string) (<-chan Event, error) {
	if _, err := m.check(); err != nil {
		return nil, err
	}
	w := memWatch{ch: make(chan Event, 1), session: m, done: make(chan struct{})}
	s := m.server
	s.mu.Lock()
	s.dataWatches[path] = append(s.dataWatches[path], w)
	s.mu.Unlock()
	s.cancelOnDone(ctx, w)
	return w.ch, nil
}

// WatchChildren implements Store.
func (m *MemoryStore) WatchChildren(ctx context.Context, path string) (<-chan Event, error) {
	if _, err := m.check(); err != nil {
		return nil, err
	}
	w := memWatch{ch: make(chan Event, 1), session: m, done: make(chan struct{})}
	s := m.server
	s.mu.Lock()
	if _, ok := s.nodes[path]; !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("watch children %s: %w", path, ErrNoNode)
	}
	s.childWatches[path] = append(s.childWatches[path], w)
	s.mu.Unlock()
	s.cancelOnDone(ctx, w)
	return w.ch, nil
}

// cancelOnDone drops the watch when ctx ends before it fires.
func (s *MemoryServer) cancelOnDone(ctx context.Context, w memWatch) {
	if ctx.Done() == nil {
		return
	}
	go func() {
		select {
		case <-w.done:
		case <-ctx.Done():
			s.mu.Lock()
			removed := removeWatch(s.dataWatches, w.ch) || removeWatch(s.childWatches, w.ch)
			s.mu.Unlock()
			if removed {
				close(w.ch)
				close(w.done)
			}
		}
	}()
}

func removeWatch(watches map[string][]memWatch, ch chan Event) bool {
	for key, ws := range watches {
		for i, w := range ws {
			if w.ch == ch {
				watches[key] = append(ws[:i:i], ws[i+1:]...)
				return true
			}
		}
	}
	return false
}

// =============================================================================
// TREE MUTATION (server.mu held)
// =============================================================================

func (s *MemoryServer) createLocked(path string, data []byte, mode CreateMode, session string) (string, func(), []Event, error) {
	parentPath := Parent(path)
	parent, ok := s.nodes[parentPath]
	if !ok {
		return "", nil, nil, fmt.Errorf("create %s: parent %s: %w", path, parentPath, ErrNoNode)
	}
	if parent.stat.EphemeralOwner != "" {
		return "", nil, nil, fmt.Errorf("create %s: ephemeral parent cannot have children", path)
	}

	actual := path
	if mode.IsSequential() {
		actual = path + SequenceSuffix(parent.seq)
		parent.seq++
	}
	if _, exists := s.nodes[actual]; exists {
		return "", nil, nil, fmt.Errorf("create %s: %w", actual, ErrNodeExists)
	}

	s.revision++
	n := &memNode{
		data:     cloneBytes(data),
		children: make(map[string]struct{}),
		stat: Stat{
			CreateRevision: s.revision,
			ModRevision:    s.revision,
		},
	}
	if mode.IsEphemeral() {
		n.stat.EphemeralOwner = session
	}
	s.nodes[actual] = n
	name := Base(actual)
	parent.children[name] = struct{}{}

	undo := func() {
		delete(s.nodes, actual)
		delete(parent.children, name)
	}
	events := []Event{
		{Type: EventCreated, Path: actual},
		{Type: EventChildrenChanged, Path: parentPath},
	}
	return actual, undo, events, nil
}

func (s *MemoryServer) setLocked(path string, data []byte, version int64) (func(), []Event, error) {
	n, ok := s.nodes[path]
	if !ok {
		return nil, nil, fmt.Errorf("set %s: %w", path, ErrNoNode)
	}
	if version != AnyVersion && n.stat.Version != version {
		return nil, nil, fmt.Errorf("set %s: expected version %d, have %d: %w", path, version, n.stat.Version, ErrBadVersion)
	}
	oldData, oldStat := n.data, n.stat
	s.revision++
	n.data = cloneBytes(data)
	n.stat.Version++
	n.stat.ModRevision = s.revision
	undo := func() {
		n.data, n.stat = oldData, oldStat
	}
	return undo, []Event{{Type: EventDataChanged, Path: path}}, nil
}

func (s *MemoryServer) deleteLocked(path string, version int64) (func(), []Event, error) {
	if path == "/" {
		return nil, nil, fmt.Errorf("delete /: not allowed")
	}
	n, ok := s.nodes[path]
	if !ok {
		return nil, nil, fmt.Errorf("delete %s: %w", path, ErrNoNode)
	}
	if version != AnyVersion && n.stat.Version != version {
		return nil, nil, fmt.Errorf("delete %s: %w", path, ErrBadVersion)
	}
	if len(n.children) > 0 {
		return nil, nil, fmt.Errorf("delete %s: %w", path, ErrNotEmpty)
	}
	parentPath := Parent(path)
	parent := s.nodes[parentPath]
	name := Base(path)
	delete(s.nodes, path)
	delete(parent.children, name)
	s.revision++
	undo := func() {
		s.nodes[path] = n
		parent.children[name] = struct{}{}
	}
	events := []Event{
		{Type: EventDeleted, Path: path},
		{Type: EventChildrenChanged, Path: parentPath},
	}
	return undo, events, nil
}

// expireSession removes every ephemeral node owned by session and drops
// the watches registered by client.
func (s *MemoryServer) expireSession(client *MemoryStore, session string) {
	s.mu.Lock()
	var owned []string
	for p, n := range s.nodes {
		if n.stat.EphemeralOwner == session {
			owned = append(owned, p)
		}
	}
	// Deepest first is irrelevant for ephemerals (they have no children),
	// but keep the order stable.
	sort.Strings(owned)
	var events []Event
	for _, p := range owned {
		_, evs, err := s.deleteLocked(p, AnyVersion)
		if err == nil {
			events = append(events, evs...)
		}
	}

	var lost []memWatch
	for _, watches := range []map[string][]memWatch{s.dataWatches, s.childWatches} {
		for key, ws := range watches {
			var kept []memWatch
			for _, w := range ws {
				if w.session == client {
					lost = append(lost, w)
				} else {
					kept = append(kept, w)
				}
			}
			watches[key] = kept
		}
	}
	s.mu.Unlock()

	for _, w := range lost {
		close(w.ch)
		close(w.done)
	}
	s.fire(events)
}

// fire delivers events to matching one-shot watches.
func (s *MemoryServer) fire(events []Event) {
	if len(events) == 0 {
		return
	}
	type delivery struct {
		w  memWatch
		ev Event
	}
	var out []delivery

	s.mu.Lock()
	for _, ev := range events {
		switch ev.Type {
		case EventChildrenChanged:
			for _, w := range s.childWatches[ev.Path] {
				out = append(out, delivery{w, ev})
			}
			delete(s.childWatches, ev.Path)
		case EventDeleted:
			for _, w := range s.dataWatches[ev.Path] {
				out = append(out, delivery{w, ev})
			}
			delete(s.dataWatches, ev.Path)
			for _, w := range s.childWatches[ev.Path] {
				out = append(out, delivery{w, ev})
			}
			delete(s.childWatches, ev.Path)
		default:
			for _, w := range s.dataWatches[ev.Path] {
				out = append(out, delivery{w, ev})
			}
			delete(s.dataWatches, ev.Path)
		}
	}
	s.mu.Unlock()

	for _, d := range out {
		d.w.ch <- d.ev
		close(d.w.ch)
		close(d.w.done)
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// String describes the session for logs.
func (m *MemoryStore) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("memory-session(%s,%s)", strings.Split(m.sessionID, "-")[0], m.state)
}
