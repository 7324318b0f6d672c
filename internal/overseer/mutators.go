package overseer

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"searchcoord/internal/cluster"
	"searchcoord/internal/store"
)

// =============================================================================
// MUTATORS
// =============================================================================
//
// A mutator turns one message into a change of ONE collection document.
// It runs inside the writer's compare-and-set loop, so it must be a pure
// function of (document, message): on a version conflict the writer
// re-reads the document and runs every mutator of the batch again.
//
//   ┌──────────────┐  doc (may be nil)   ┌─────────┐  doc', changed, effects
//   │ state.json   │ ──────────────────► │ mutator │ ───────────────────────►
//   └──────────────┘                     └─────────┘
//
// Replay safety: applying the same message twice yields the same document
// as applying it once. A crash between the state write and the queue
// removal therefore only costs a redundant pass.
//
// Work that does not live in state.json (per-replica state records,
// cluster properties) is returned as an effect and runs after the
// document write succeeded.
//
// =============================================================================

type effect func(ctx context.Context, s store.Store) error

// mutation is the working copy of one collection during a batch.
type mutation struct {
	collection string
	doc        *cluster.Collection
	changed    bool
	deleted    bool
	effects    []effect
	logger     *slog.Logger
}

func (m *mutation) addEffect(e effect) { m.effects = append(m.effects, e) }

// missing logs a message addressed to a collection that does not exist.
// Such messages are replays or races with a delete and are dropped.
func (m *mutation) missing(op string) error {
	m.logger.Warn("collection does not exist, ignoring", "operation", op, "collection", m.collection)
	return nil
}

type mutatorFunc func(m *mutation, msg Message) error

var collectionMutators = map[string]mutatorFunc{
	OpCreate:           createCollection,
	OpDelete:           deleteCollection,
	OpCreateShard:      createShard,
	OpUpdateShardState: updateShardState,
	OpAddReplica:       addReplica,
	OpState:            updateReplicaState,
	OpLeader:           setShardLeader,
	OpDeleteCore:       deleteCore,
	OpDownNode:         downNode,
}

// -----------------------------------------------------------------------------
// collection lifecycle
// -----------------------------------------------------------------------------

func createCollection(m *mutation, msg Message) error {
	if m.doc != nil {
		m.logger.Debug("collection already exists", "collection", m.collection)
		return nil
	}
	numShards, err := msg.Int(PropNumShards, 1)
	if err != nil {
		return poison(OpCreate, "bad numShards", err)
	}
	rf, err := msg.Int(PropReplicationFactor, 1)
	if err != nil {
		return poison(OpCreate, "bad replicationFactor", err)
	}

	var names []string
	for _, n := range strings.Split(msg[PropShards], ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	var ranges []string
	if len(names) == 0 {
		if numShards < 1 {
			return poison(OpCreate, fmt.Sprintf("numShards must be positive, got %d", numShards), nil)
		}
		for i := 1; i <= numShards; i++ {
			names = append(names, "shard"+strconv.Itoa(i))
		}
		ranges = hashRanges(numShards)
	}

	c := cluster.NewCollection(m.collection)
	c.NumShards = len(names)
	c.ReplicationFactor = rf
	c.PerReplicaState = msg.Bool(PropPerReplicaState)
	for _, k := range msg.Keys() {
		if strings.HasPrefix(k, "property.") {
			if c.Props == nil {
				c.Props = make(map[string]string)
			}
			c.Props[k] = msg[k]
		}
	}
	for i, name := range names {
		s := cluster.NewSlice(name)
		if ranges != nil {
			s.Range = ranges[i]
		}
		c.Slices[name] = s
	}
	m.doc = c
	m.changed = true
	return nil
}

// hashRanges splits the 32-bit hash ring into n contiguous ranges,
// starting at 0x80000000.
func hashRanges(n int) []string {
	const span = uint64(1) << 32
	step := span / uint64(n)
	out := make([]string, n)
	start := uint64(0)
	for i := 0; i < n; i++ {
		end := start + step - 1
		if i == n-1 {
			end = span - 1
		}
		out[i] = fmt.Sprintf("%x-%x", uint32(start+0x80000000), uint32(end+0x80000000))
		start = end + 1
	}
	return out
}

func deleteCollection(m *mutation, _ Message) error {
	if m.doc == nil {
		return nil
	}
	m.doc = nil
	m.changed = true
	m.deleted = true
	return nil
}

// -----------------------------------------------------------------------------
// shards
// -----------------------------------------------------------------------------

func createShard(m *mutation, msg Message) error {
	name := msg[PropShard]
	if name == "" {
		return poison(OpCreateShard, "missing shard", nil)
	}
	state, err := cluster.ParseSliceState(msg.Get(PropShardState, string(cluster.SliceActive)))
	if err != nil {
		return poison(OpCreateShard, "bad shard state", err)
	}
	if m.doc == nil {
		return m.missing(OpCreateShard)
	}
	if m.doc.Slice(name) != nil {
		return nil
	}
	s := cluster.NewSlice(name)
	s.State = state
	s.Range = msg[PropShardRange]
	s.Parent = msg[PropShardParent]
	m.doc.Slices[name] = s
	m.doc.NumShards = len(m.doc.Slices)
	m.changed = true
	return nil
}

// updateShardState reads every property other than operation and
// collection as "<shard>": "<state>".
func updateShardState(m *mutation, msg Message) error {
	updates := make(map[string]cluster.SliceState)
	for _, k := range msg.Keys() {
		if k == PropOperation || k == PropCollection || k == PropName {
			continue
		}
		st, err := cluster.ParseSliceState(msg[k])
		if err != nil {
			return poison(OpUpdateShardState, "bad state for shard "+k, err)
		}
		updates[k] = st
	}
	if m.doc == nil {
		return m.missing(OpUpdateShardState)
	}
	for name, st := range updates {
		s := m.doc.Slice(name)
		if s == nil {
			m.logger.Warn("shard does not exist, ignoring state", "collection", m.collection, "shard", name)
			continue
		}
		if s.State != st {
			s.State = st
			m.changed = true
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// replicas
// -----------------------------------------------------------------------------

func addReplica(m *mutation, msg Message) error {
	shard, core, node := msg[PropShard], msg[PropCore], msg[PropNodeName]
	if shard == "" || core == "" || node == "" {
		return poison(OpAddReplica, "shard, core and node_name are required", nil)
	}
	typ, err := cluster.ParseReplicaType(msg[PropType])
	if err != nil {
		return poison(OpAddReplica, "bad replica type", err)
	}
	state, err := cluster.ParseReplicaState(msg.Get(PropState, string(cluster.StateDown)))
	if err != nil {
		return poison(OpAddReplica, "bad replica state", err)
	}
	if m.doc == nil {
		return m.missing(OpAddReplica)
	}
	s := m.doc.Slice(shard)
	if s == nil {
		m.logger.Warn("shard does not exist, ignoring addreplica", "collection", m.collection, "shard", shard)
		return nil
	}
	name := msg[PropCoreNodeName]
	if name != "" {
		if r, _ := m.doc.Replica(name); r != nil {
			return nil
		}
	} else {
		if r, _ := m.doc.ReplicaByCore(node, core); r != nil {
			return nil
		}
		name = nextCoreNodeName(m.doc)
	}
	s.Replicas[name] = &cluster.Replica{
		Name:     name,
		Core:     core,
		NodeName: node,
		BaseURL:  msg.Get(PropBaseURL, cluster.BaseURLForNode(node, "http")),
		Type:     typ,
		State:    state,
	}
	m.changed = true
	return nil
}

// nextCoreNodeName picks core_node<N> above every numbered name in use.
func nextCoreNodeName(c *cluster.Collection) string {
	max := 0
	for _, s := range c.Slices {
		for name := range s.Replicas {
			if n, err := strconv.Atoi(strings.TrimPrefix(name, "core_node")); err == nil && n > max {
				max = n
			}
		}
	}
	return "core_node" + strconv.Itoa(max+1)
}

// updateReplicaState publishes a replica's state. A replica missing from
// an existing shard is added unless force_set_state is explicitly
// "false". Per-replica-state collections keep the state in their PRS
// records; state.json only has to list the replica.
func updateReplicaState(m *mutation, msg Message) error {
	state, err := cluster.ParseReplicaState(msg[PropState])
	if err != nil {
		return poison(OpState, "bad or missing state", err)
	}
	typ, err := cluster.ParseReplicaType(msg[PropType])
	if err != nil {
		return poison(OpState, "bad replica type", err)
	}
	name, core, node := msg[PropCoreNodeName], msg[PropCore], msg[PropNodeName]
	if name == "" && (core == "" || node == "") {
		return poison(OpState, "core_node_name or core and node_name are required", nil)
	}
	if m.doc == nil {
		return m.missing(OpState)
	}

	var r *cluster.Replica
	if name != "" {
		r, _ = m.doc.Replica(name)
	} else {
		r, _ = m.doc.ReplicaByCore(node, core)
	}

	if r == nil {
		if msg[PropForceSetState] == "false" {
			m.logger.Info("replica does not exist, not forcing state", "collection", m.collection, "replica", name, "core", core)
			return nil
		}
		shard := msg[PropShard]
		if shard == "" {
			return poison(OpState, "cannot place a new replica without shard", nil)
		}
		s := m.doc.Slice(shard)
		if s == nil {
			m.logger.Warn("shard does not exist, ignoring state", "collection", m.collection, "shard", shard)
			return nil
		}
		if node == "" || core == "" {
			return poison(OpState, "new replica needs core and node_name", nil)
		}
		if name == "" {
			name = nextCoreNodeName(m.doc)
		}
		r = &cluster.Replica{
			Name:     name,
			Core:     core,
			NodeName: node,
			BaseURL:  msg.Get(PropBaseURL, cluster.BaseURLForNode(node, "http")),
			Type:     typ,
			State:    state,
		}
		s.Replicas[name] = r
		m.changed = true
	} else {
		if core != "" && r.Core != core {
			r.Core = core
			m.changed = true
		}
		if node != "" && r.NodeName != node {
			r.NodeName = node
			m.changed = true
		}
		if u := msg[PropBaseURL]; u != "" && r.BaseURL != u {
			r.BaseURL = u
			m.changed = true
		}
		if msg[PropType] != "" && r.Type != typ {
			r.Type = typ
			m.changed = true
		}
		if !m.doc.PerReplicaState && r.State != state {
			r.State = state
			m.changed = true
		}
	}

	if m.doc.PerReplicaState {
		coll, replica := m.collection, r.Name
		m.addEffect(func(ctx context.Context, s store.Store) error {
			prs, err := cluster.ReadPerReplicaStates(ctx, s, coll)
			if err != nil {
				return err
			}
			return cluster.WritePerReplicaState(ctx, s, coll, replica, state, prs.States[replica].Leader)
		})
	}
	return nil
}

// setShardLeader flags one replica as leader of its shard and clears the
// flag on the rest. No core_node_name clears the shard's leader.
func setShardLeader(m *mutation, msg Message) error {
	shard := msg[PropShard]
	if shard == "" {
		return poison(OpLeader, "missing shard", nil)
	}
	if m.doc == nil {
		return m.missing(OpLeader)
	}
	s := m.doc.Slice(shard)
	if s == nil {
		m.logger.Warn("shard does not exist, ignoring leader", "collection", m.collection, "shard", shard)
		return nil
	}

	leader := msg[PropCoreNodeName]
	if leader == "" && msg[PropCore] != "" && msg[PropNodeName] != "" {
		if r, rs := m.doc.ReplicaByCore(msg[PropNodeName], msg[PropCore]); r != nil && rs == s {
			leader = r.Name
		}
	}
	if leader != "" {
		if _, ok := s.Replicas[leader]; !ok {
			m.logger.Warn("leader is not a replica of the shard, ignoring",
				"collection", m.collection, "shard", shard, "replica", leader)
			return nil
		}
	}

	if m.doc.PerReplicaState {
		coll, names := m.collection, s.ReplicaNames()
		m.addEffect(func(ctx context.Context, st store.Store) error {
			return cluster.SetLeaderPerReplicaState(ctx, st, coll, names, leader)
		})
		return nil
	}
	for name, r := range s.Replicas {
		isLeader := name == leader
		if r.Leader != isLeader {
			r.Leader = isLeader
			m.changed = true
		}
	}
	return nil
}

func deleteCore(m *mutation, msg Message) error {
	name, core, node := msg[PropCoreNodeName], msg[PropCore], msg[PropNodeName]
	if name == "" && (core == "" || node == "") {
		return poison(OpDeleteCore, "core_node_name or core and node_name are required", nil)
	}
	if m.doc == nil {
		return m.missing(OpDeleteCore)
	}
	var r *cluster.Replica
	var s *cluster.Slice
	if name != "" {
		r, s = m.doc.Replica(name)
	} else {
		r, s = m.doc.ReplicaByCore(node, core)
	}
	if r == nil {
		return nil
	}
	delete(s.Replicas, r.Name)
	m.changed = true
	if m.doc.PerReplicaState {
		coll, replica := m.collection, r.Name
		m.addEffect(func(ctx context.Context, st store.Store) error {
			return cluster.DeletePerReplicaState(ctx, st, coll, replica)
		})
	}
	return nil
}

// downNode marks every replica of the node DOWN in one collection. The
// writer has already decided the message is not stale.
func downNode(m *mutation, msg Message) error {
	node := msg[PropNodeName]
	if node == "" {
		return poison(OpDownNode, "missing node_name", nil)
	}
	if m.doc == nil {
		return nil
	}
	replicas := m.doc.ReplicasOnNode(node)
	if len(replicas) == 0 {
		return nil
	}
	if m.doc.PerReplicaState {
		coll := m.collection
		names := make([]string, len(replicas))
		for i, r := range replicas {
			names[i] = r.Name
		}
		m.addEffect(func(ctx context.Context, s store.Store) error {
			prs, err := cluster.ReadPerReplicaStates(ctx, s, coll)
			if err != nil {
				return err
			}
			for _, name := range names {
				cur, ok := prs.States[name]
				if ok && cur.State == cluster.StateDown {
					continue
				}
				if err := cluster.WritePerReplicaState(ctx, s, coll, name, cluster.StateDown, cur.Leader); err != nil {
					return err
				}
			}
			return nil
		})
		return nil
	}
	for _, r := range replicas {
		if r.State != cluster.StateDown {
			r.State = cluster.StateDown
			m.changed = true
		}
	}
	return nil
}
