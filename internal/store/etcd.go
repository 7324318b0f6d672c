// =============================================================================
// ETCD STORE - COORDINATION STORE ON TOP OF ETCD V3
// =============================================================================
//
// MAPPING:
//
//   ┌─────────────────────────┬──────────────────────────────────────────┐
//   │ store primitive         │ etcd realisation                         │
//   ├─────────────────────────┼──────────────────────────────────────────┤
//   │ node at /a/b            │ key <prefix>/a/b                         │
//   │ children of /a          │ range <prefix>/a/ filtered to one level  │
//   │ session                 │ lease (TTL = session timeout) + keepalive│
//   │ ephemeral node          │ Put(WithLease(session lease))            │
//   │ create (must not exist) │ Txn If CreateRevision(key)==0            │
//   │ parent must exist       │ Txn If CreateRevision(parent)>0          │
//   │ Set(version)            │ Txn If Version(key)==version+1           │
//   │ sequential suffix       │ CAS counter at <prefix>\x00seq/a         │
//   │ multi-op                │ single Txn with all compares             │
//   │ one-shot watch          │ Watch from read revision, first match    │
//   │ session expired         │ keepalive channel closed → new lease     │
//   │ disconnected            │ gRPC connectivity TransientFailure       │
//   └─────────────────────────┴──────────────────────────────────────────┘
//
// etcd's per-key Version starts at 1 on creation; Stat.Version is that
// value minus one so it matches the store contract (0 after create).
//
// =============================================================================

package store

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
)

// EtcdConfig configures an EtcdStore.
type EtcdConfig struct {
	// Endpoints are the etcd client URLs.
	Endpoints []string

	// DialTimeout bounds the initial connection.
	DialTimeout time.Duration

	// SessionTimeout becomes the lease TTL (rounded up to whole seconds).
	SessionTimeout time.Duration

	// Prefix namespaces every key (e.g. "/searchcoord").
	Prefix string

	// DialOptions are passed through to the gRPC connection.
	DialOptions []grpc.DialOption

	// TLS secures the client connection when set.
	TLS *tls.Config

	Logger *slog.Logger
}

// EtcdStore implements Store against an etcd cluster.
type EtcdStore struct {
	cfg    EtcdConfig
	client *clientv3.Client
	logger *slog.Logger

	mu      sync.RWMutex
	leaseID clientv3.LeaseID
	state   SessionState
	closed  bool
	subs    map[int]chan SessionEvent
	nextSub int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Store = (*EtcdStore)(nil)

// NewEtcdStore connects, grants the session lease and starts the keepalive
// and connectivity loops.
func NewEtcdStore(ctx context.Context, cfg EtcdConfig) (*EtcdStore, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcd store: no endpoints")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 30 * time.Second
	}
	cfg.Prefix = strings.TrimSuffix(cfg.Prefix, "/")
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "etcd_store")

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		DialOptions: cfg.DialOptions,
		TLS:         cfg.TLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s := &EtcdStore{
		cfg:    cfg,
		client: cli,
		logger: logger,
		state:  SessionConnected,
		subs:   make(map[int]chan SessionEvent),
		ctx:    loopCtx,
		cancel: cancel,
	}

	leaseID, err := s.grantLease(ctx)
	if err != nil {
		cancel()
		cli.Close()
		return nil, err
	}
	s.leaseID = leaseID

	s.wg.Add(2)
	go s.keepAliveLoop(leaseID)
	go s.connectivityLoop()

	logger.Info("connected to etcd",
		"endpoints", cfg.Endpoints,
		"session", s.SessionID(),
		"session_timeout", cfg.SessionTimeout,
	)
	return s, nil
}

func (s *EtcdStore) grantLease(ctx context.Context) (clientv3.LeaseID, error) {
	ttl := int64((s.cfg.SessionTimeout + time.Second - 1) / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	resp, err := s.client.Grant(ctx, ttl)
	if err != nil {
		return 0, fmt.Errorf("grant session lease: %w", translate(err))
	}
	return resp.ID, nil
}

// =============================================================================
// SESSION MANAGEMENT
// =============================================================================

// keepAliveLoop keeps the lease alive. When the keepalive stream ends
// while the store is open, the session is considered expired: a new lease
// is granted and subscribers see EXPIRED followed by CONNECTED.
func (s *EtcdStore) keepAliveLoop(leaseID clientv3.LeaseID) {
	defer s.wg.Done()

	for {
		ch, err := s.client.KeepAlive(s.ctx, leaseID)
		if err == nil {
			for range ch {
			}
		}
		if s.ctx.Err() != nil {
			return
		}

		s.logger.Warn("session lease lost", "lease", fmt.Sprintf("%x", leaseID), "error", err)
		s.mu.Lock()
		s.state = SessionExpired
		s.emitLocked(SessionEvent{State: SessionExpired, SessionID: fmt.Sprintf("%x", leaseID)})
		s.mu.Unlock()

		for {
			if s.ctx.Err() != nil {
				return
			}
			grantCtx, cancel := context.WithTimeout(s.ctx, s.cfg.DialTimeout)
			newID, err := s.grantLease(grantCtx)
			cancel()
			if err == nil {
				leaseID = newID
				break
			}
			s.logger.Warn("re-granting session lease failed", "error", err)
			if !sleepCtx(s.ctx, time.Second) {
				return
			}
		}

		s.mu.Lock()
		s.leaseID = leaseID
		s.state = SessionConnected
		s.emitLocked(SessionEvent{State: SessionConnected, SessionID: fmt.Sprintf("%x", leaseID)})
		s.mu.Unlock()
		s.logger.Info("new session established", "session", fmt.Sprintf("%x", leaseID))
	}
}

// connectivityLoop maps gRPC channel state onto DISCONNECTED / CONNECTED
// while the lease itself is still valid.
func (s *EtcdStore) connectivityLoop() {
	defer s.wg.Done()

	conn := s.client.ActiveConnection()
	if conn == nil {
		return
	}
	state := conn.GetState()
	for conn.WaitForStateChange(s.ctx, state) {
		state = conn.GetState()

		s.mu.Lock()
		switch state {
		case connectivity.TransientFailure:
			if s.state == SessionConnected {
				s.state = SessionDisconnected
				s.emitLocked(SessionEvent{State: SessionDisconnected, SessionID: fmt.Sprintf("%x", s.leaseID)})
			}
		case connectivity.Ready:
			if s.state == SessionDisconnected {
				s.state = SessionConnected
				s.emitLocked(SessionEvent{State: SessionConnected, SessionID: fmt.Sprintf("%x", s.leaseID)})
			}
		}
		s.mu.Unlock()
	}
}

func (s *EtcdStore) emitLocked(ev SessionEvent) {
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.logger.Warn("dropping session event for slow subscriber", "state", ev.State)
		}
	}
}

// SubscribeSession implements Store.
func (s *EtcdStore) SubscribeSession() (<-chan SessionEvent, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan SessionEvent, 64)
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

// SessionID implements Store.
func (s *EtcdStore) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("%x", s.leaseID)
}

// SessionTimeout implements Store.
func (s *EtcdStore) SessionTimeout() time.Duration {
	return s.cfg.SessionTimeout
}

// Close revokes the lease (deleting ephemeral nodes) and closes the client.
func (s *EtcdStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	leaseID := s.leaseID
	for k, ch := range s.subs {
		close(ch)
		delete(s.subs, k)
	}
	s.mu.Unlock()

	s.cancel()
	revokeCtx, cancel := context.WithTimeout(context.Background(), s.cfg.DialTimeout)
	if _, err := s.client.Revoke(revokeCtx, leaseID); err != nil {
		s.logger.Warn("failed to revoke session lease", "error", err)
	}
	cancel()
	s.wg.Wait()
	return s.client.Close()
}

func (s *EtcdStore) check() (clientv3.LeaseID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	switch s.state {
	case SessionExpired:
		return 0, ErrSessionExpired
	case SessionDisconnected:
		return 0, ErrConnectionLoss
	}
	return s.leaseID, nil
}

// =============================================================================
// KEYS
// =============================================================================

func (s *EtcdStore) key(path string) string {
	if path == "/" {
		return s.cfg.Prefix
	}
	return s.cfg.Prefix + path
}

func (s *EtcdStore) seqKey(path string) string {
	return s.cfg.Prefix + "\x00seq" + path
}

// childName returns the direct child name of parentKey encoded in key, or
// "" if key is not a direct child.
func childName(parentKey, key string) string {
	prefix := parentKey + "/"
	if !strings.HasPrefix(key, prefix) {
		return ""
	}
	rest := key[len(prefix):]
	if rest == "" || strings.Contains(rest, "/") {
		return ""
	}
	return rest
}

func statOf(kv *mvccpb.KeyValue) Stat {
	st := Stat{
		Version:        kv.Version - 1,
		CreateRevision: kv.CreateRevision,
		ModRevision:    kv.ModRevision,
	}
	if kv.Lease != 0 {
		st.EphemeralOwner = strconv.FormatInt(kv.Lease, 16)
	}
	return st
}

// parentExists builds the compare asserting the parent of path exists.
// The root always exists and needs no compare.
func (s *EtcdStore) parentCompare(path string) []clientv3.Cmp {
	parent := Parent(path)
	if parent == "/" {
		return nil
	}
	return []clientv3.Cmp{clientv3.Compare(clientv3.CreateRevision(s.key(parent)), ">", 0)}
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Create implements Store.
func (s *EtcdStore) Create(ctx context.Context, path string, data []byte, mode CreateMode) (string, error) {
	leaseID, err := s.check()
	if err != nil {
		return "", err
	}
	if err := ValidatePath(path); err != nil {
		return "", err
	}
	var putOpts []clientv3.OpOption
	if mode.IsEphemeral() {
		putOpts = append(putOpts, clientv3.WithLease(leaseID))
	}

	if !mode.IsSequential() {
		cmps := append(s.parentCompare(path), clientv3.Compare(clientv3.CreateRevision(s.key(path)), "=", 0))
		resp, err := s.client.Txn(ctx).
			If(cmps...).
			Then(clientv3.OpPut(s.key(path), string(data), putOpts...)).
			Commit()
		if err != nil {
			return "", translate(err)
		}
		if !resp.Succeeded {
			return "", s.classifyCreateFailure(ctx, path)
		}
		return path, nil
	}

	counter := s.seqKey(Parent(path))
	for attempt := 0; attempt < DefaultRetryAttempts*5; attempt++ {
		cur, err := s.client.Get(ctx, counter)
		if err != nil {
			return "", translate(err)
		}
		var (
			next   int64
			modRev int64
		)
		if len(cur.Kvs) > 0 {
			n, _ := strconv.ParseInt(string(cur.Kvs[0].Value), 10, 64)
			next, modRev = n, cur.Kvs[0].ModRevision
		}
		actual := path + SequenceSuffix(next)

		cmps := append(s.parentCompare(path),
			clientv3.Compare(clientv3.ModRevision(counter), "=", modRev),
			clientv3.Compare(clientv3.CreateRevision(s.key(actual)), "=", 0),
		)
		resp, err := s.client.Txn(ctx).
			If(cmps...).
			Then(
				clientv3.OpPut(counter, strconv.FormatInt(next+1, 10)),
				clientv3.OpPut(s.key(actual), string(data), putOpts...),
			).
			Commit()
		if err != nil {
			return "", translate(err)
		}
		if resp.Succeeded {
			return actual, nil
		}
		if parent := Parent(path); parent != "/" {
			pr, err := s.client.Get(ctx, s.key(parent), clientv3.WithCountOnly())
			if err != nil {
				return "", translate(err)
			}
			if pr.Count == 0 {
				return "", fmt.Errorf("create %s: parent %s: %w", path, parent, ErrNoNode)
			}
		}
	}
	return "", fmt.Errorf("create %s: sequence contention: %w", path, ErrBadVersion)
}

func (s *EtcdStore) classifyCreateFailure(ctx context.Context, path string) error {
	resp, err := s.client.Get(ctx, s.key(path), clientv3.WithCountOnly())
	if err != nil {
		return translate(err)
	}
	if resp.Count > 0 {
		return fmt.Errorf("create %s: %w", path, ErrNodeExists)
	}
	return fmt.Errorf("create %s: parent %s: %w", path, Parent(path), ErrNoNode)
}

// Get implements Store.
func (s *EtcdStore) Get(ctx context.Context, path string) ([]byte, Stat, error) {
	if _, err := s.check(); err != nil {
		return nil, Stat{}, err
	}
	if path == "/" {
		return nil, Stat{}, nil
	}
	resp, err := s.client.Get(ctx, s.key(path))
	if err != nil {
		return nil, Stat{}, translate(err)
	}
	if len(resp.Kvs) == 0 {
		return nil, Stat{}, fmt.Errorf("get %s: %w", path, ErrNoNode)
	}
	kv := resp.Kvs[0]
	return kv.Value, statOf(kv), nil
}

// Exists implements Store.
func (s *EtcdStore) Exists(ctx context.Context, path string) (bool, error) {
	if path == "/" {
		return true, nil
	}
	if _, err := s.check(); err != nil {
		return false, err
	}
	resp, err := s.client.Get(ctx, s.key(path), clientv3.WithCountOnly())
	if err != nil {
		return false, translate(err)
	}
	return resp.Count > 0, nil
}

func versionCompare(key string, version int64) clientv3.Cmp {
	if version == AnyVersion {
		return clientv3.Compare(clientv3.CreateRevision(key), ">", 0)
	}
	return clientv3.Compare(clientv3.Version(key), "=", version+1)
}

// Set implements Store.
func (s *EtcdStore) Set(ctx context.Context, path string, data []byte, version int64) (Stat, error) {
	if _, err := s.check(); err != nil {
		return Stat{}, err
	}
	key := s.key(path)
	resp, err := s.client.Txn(ctx).
		If(versionCompare(key, version)).
		Then(clientv3.OpPut(key, string(data), clientv3.WithIgnoreLease()), clientv3.OpGet(key)).
		Else(clientv3.OpGet(key, clientv3.WithCountOnly())).
		Commit()
	if err != nil {
		return Stat{}, translate(err)
	}
	if !resp.Succeeded {
		if resp.Responses[0].GetResponseRange().Count == 0 {
			return Stat{}, fmt.Errorf("set %s: %w", path, ErrNoNode)
		}
		return Stat{}, fmt.Errorf("set %s: %w", path, ErrBadVersion)
	}
	kvs := resp.Responses[1].GetResponseRange().Kvs
	if len(kvs) == 0 {
		return Stat{}, fmt.Errorf("set %s: %w", path, ErrNoNode)
	}
	return statOf(kvs[0]), nil
}

// Delete implements Store.
func (s *EtcdStore) Delete(ctx context.Context, path string, version int64) error {
	if _, err := s.check(); err != nil {
		return err
	}
	key := s.key(path)
	kids, err := s.client.Get(ctx, key+"/", clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return translate(err)
	}
	if kids.Count > 0 {
		return fmt.Errorf("delete %s: %w", path, ErrNotEmpty)
	}
	resp, err := s.client.Txn(ctx).
		If(versionCompare(key, version)).
		Then(clientv3.OpDelete(key)).
		Else(clientv3.OpGet(key, clientv3.WithCountOnly())).
		Commit()
	if err != nil {
		return translate(err)
	}
	if !resp.Succeeded {
		if resp.Responses[0].GetResponseRange().Count == 0 {
			return fmt.Errorf("delete %s: %w", path, ErrNoNode)
		}
		return fmt.Errorf("delete %s: %w", path, ErrBadVersion)
	}
	return nil
}

// Children implements Store.
func (s *EtcdStore) Children(ctx context.Context, path string) ([]string, error) {
	if _, err := s.check(); err != nil {
		return nil, err
	}
	ok, err := s.Exists(ctx, path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("children %s: %w", path, ErrNoNode)
	}
	parentKey := s.key(path)
	resp, err := s.client.Get(ctx, parentKey+"/", clientv3.WithPrefix(), clientv3.WithKeysOnly(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, translate(err)
	}
	var names []string
	for _, kv := range resp.Kvs {
		if name := childName(parentKey, string(kv.Key)); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// Multi implements Store.
func (s *EtcdStore) Multi(ctx context.Context, ops ...Op) error {
	leaseID, err := s.check()
	if err != nil {
		return err
	}
	created := make(map[string]bool)
	var (
		cmps    []clientv3.Cmp
		thenOps []clientv3.Op
	)
	for _, op := range ops {
		key := s.key(op.Path)
		switch op.kind {
		case opCreate:
			if op.Mode.IsSequential() {
				return errors.New("store: sequential create not supported in multi")
			}
			if parent := Parent(op.Path); parent != "/" && !created[parent] {
				cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(s.key(parent)), ">", 0))
			}
			cmps = append(cmps, clientv3.Compare(clientv3.CreateRevision(key), "=", 0))
			var opts []clientv3.OpOption
			if op.Mode.IsEphemeral() {
				opts = append(opts, clientv3.WithLease(leaseID))
			}
			thenOps = append(thenOps, clientv3.OpPut(key, string(op.Data), opts...))
			created[op.Path] = true
		case opSet:
			cmps = append(cmps, versionCompare(key, op.Version))
			thenOps = append(thenOps, clientv3.OpPut(key, string(op.Data), clientv3.WithIgnoreLease()))
		case opDelete:
			cmps = append(cmps, versionCompare(key, op.Version))
			thenOps = append(thenOps, clientv3.OpDelete(key))
		case opCheck:
			cmps = append(cmps, versionCompare(key, op.Version))
		}
	}
	resp, err := s.client.Txn(ctx).If(cmps...).Then(thenOps...).Commit()
	if err != nil {
		return translate(err)
	}
	if resp.Succeeded {
		return nil
	}
	return s.classifyMultiFailure(ctx, ops)
}

// classifyMultiFailure re-reads each op's target to report the first
// reason the batch was rejected.
func (s *EtcdStore) classifyMultiFailure(ctx context.Context, ops []Op) error {
	for i, op := range ops {
		resp, err := s.client.Get(ctx, s.key(op.Path))
		if err != nil {
			return translate(err)
		}
		exists := len(resp.Kvs) > 0
		switch op.kind {
		case opCreate:
			if exists {
				return fmt.Errorf("multi op %d: create %s: %w", i, op.Path, ErrNodeExists)
			}
		default:
			if !exists {
				return fmt.Errorf("multi op %d: %s: %w", i, op.Path, ErrNoNode)
			}
			if op.Version != AnyVersion && resp.Kvs[0].Version-1 != op.Version {
				return fmt.Errorf("multi op %d: %s: %w", i, op.Path, ErrBadVersion)
			}
		}
	}
	return fmt.Errorf("multi: %w", ErrNoNode)
}

// =============================================================================
// WATCHES
// =============================================================================

// WatchData implements Store.
func (s *EtcdStore) WatchData(ctx context.Context, path string) (<-chan Event, error) {
	if _, err := s.check(); err != nil {
		return nil, err
	}
	key := s.key(path)
	cur, err := s.client.Get(ctx, key, clientv3.WithCountOnly())
	if err != nil {
		return nil, translate(err)
	}
	return s.watch(ctx, key, cur.Header.Revision+1, false, func(ev *clientv3.Event) (Event, bool) {
		if string(ev.Kv.Key) != key {
			return Event{}, false
		}
		switch {
		case ev.Type == mvccpb.DELETE:
			return Event{Type: EventDeleted, Path: path}, true
		case ev.IsCreate():
			return Event{Type: EventCreated, Path: path}, true
		default:
			return Event{Type: EventDataChanged, Path: path}, true
		}
	})
}

// WatchChildren implements Store.
func (s *EtcdStore) WatchChildren(ctx context.Context, path string) (<-chan Event, error) {
	if _, err := s.check(); err != nil {
		return nil, err
	}
	key := s.key(path)
	cur, err := s.client.Get(ctx, key, clientv3.WithCountOnly())
	if err != nil {
		return nil, translate(err)
	}
	if cur.Count == 0 && path != "/" {
		return nil, fmt.Errorf("watch children %s: %w", path, ErrNoNode)
	}
	return s.watch(ctx, key, cur.Header.Revision+1, true, func(ev *clientv3.Event) (Event, bool) {
		k := string(ev.Kv.Key)
		if k == key {
			if ev.Type == mvccpb.DELETE {
				return Event{Type: EventDeleted, Path: path}, true
			}
			return Event{}, false
		}
		if childName(key, k) == "" {
			return Event{}, false
		}
		if ev.Type == mvccpb.DELETE || ev.IsCreate() {
			return Event{Type: EventChildrenChanged, Path: path}, true
		}
		return Event{}, false
	})
}

func (s *EtcdStore) watch(ctx context.Context, key string, rev int64, prefix bool, match func(*clientv3.Event) (Event, bool)) (<-chan Event, error) {
	wctx, cancel := context.WithCancel(ctx)
	opts := []clientv3.OpOption{clientv3.WithRev(rev)}
	if prefix {
		opts = append(opts, clientv3.WithPrefix())
	}
	wch := s.client.Watch(clientv3.WithRequireLeader(wctx), key, opts...)
	out := make(chan Event, 1)

	go func() {
		defer cancel()
		defer close(out)
		for {
			select {
			case <-s.ctx.Done():
				return
			case resp, ok := <-wch:
				if !ok || resp.Canceled || resp.Err() != nil {
					return
				}
				for _, ev := range resp.Events {
					if e, hit := match(ev); hit {
						out <- e
						return
					}
				}
			}
		}
	}()
	return out, nil
}

// translate maps etcd / gRPC errors onto store sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, rpctypes.ErrLeaseNotFound):
		return fmt.Errorf("%w: %v", ErrSessionExpired, err)
	case errors.Is(err, rpctypes.ErrNoLeader), errors.Is(err, rpctypes.ErrTimeout),
		errors.Is(err, rpctypes.ErrTimeoutDueToLeaderFail), errors.Is(err, rpctypes.ErrTimeoutDueToConnectionLost):
		return fmt.Errorf("%w: %v", ErrConnectionLoss, err)
	case IsTransient(err):
		return fmt.Errorf("%w: %v", ErrConnectionLoss, err)
	}
	return err
}
