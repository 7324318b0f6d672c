// =============================================================================
// CLUSTER MODEL - COLLECTIONS, SHARDS, REPLICAS
// =============================================================================
//
// WHAT: The authoritative description of what exists in the cluster and in
// which state. One document per collection lives at
// /collections/<name>/state.json:
//
//   Collection "books"
//   ├── shard1 (active)
//   │   ├── core_node1  node=n1  NRT  active   leader
//   │   ├── core_node2  node=n2  NRT  active
//   │   └── core_node3  node=n3  PULL recovering
//   └── shard2 (construction, parent=shard1)
//
// WHO WRITES:
//   - Centralized mode: only the elected overseer.
//   - Distributed mode: every node, each with compare-and-set on the
//     document version.
//   - Per-replica-state collections: replica state and leader flag live in
//     small child records (see prs.go), written by the owning node.
//
// Everyone else reads through StateReader, which keeps a watched cache.
//
// =============================================================================

package cluster

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/exp/slices"
)

// Replica properties understood by the coordination core.
const (
	PropPreferredLeader    = "property.preferredleader"
	PropSkipLeaderRecovery = "property.skipleaderrecovery"
)

// =============================================================================
// REPLICA TYPE
// =============================================================================
//
//   ┌──────┬────────────────┬─────────────────┬──────────────────────┐
//   │ Type │ Leader eligible│ Transaction log │ Replicates from lead │
//   ├──────┼────────────────┼─────────────────┼──────────────────────┤
//   │ NRT  │ yes            │ yes             │ no (indexes itself)  │
//   │ TLOG │ yes            │ yes             │ yes                  │
//   │ PULL │ no             │ no              │ yes                  │
//   └──────┴────────────────┴─────────────────┴──────────────────────┘
//
// =============================================================================

// ReplicaType classifies how a replica takes writes.
type ReplicaType string

const (
	ReplicaNRT  ReplicaType = "NRT"
	ReplicaTLOG ReplicaType = "TLOG"
	ReplicaPULL ReplicaType = "PULL"
)

// ParseReplicaType accepts any case; empty means NRT.
func ParseReplicaType(s string) (ReplicaType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "NRT":
		return ReplicaNRT, nil
	case "TLOG":
		return ReplicaTLOG, nil
	case "PULL":
		return ReplicaPULL, nil
	}
	return "", fmt.Errorf("unknown replica type %q", s)
}

// LeaderEligible reports whether replicas of this type join elections.
func (t ReplicaType) LeaderEligible() bool {
	return t == ReplicaNRT || t == ReplicaTLOG || t == ""
}

// RequiresTransactionLog reports whether the type keeps an update log.
func (t ReplicaType) RequiresTransactionLog() bool {
	return t == ReplicaNRT || t == ReplicaTLOG || t == ""
}

// ReplicateFromLeader reports whether the type copies the leader's index
// instead of indexing on its own.
func (t ReplicaType) ReplicateFromLeader() bool {
	return t == ReplicaTLOG || t == ReplicaPULL
}

// ReplicaState is the published state of a replica.
type ReplicaState string

const (
	StateDown           ReplicaState = "down"
	StateRecovering     ReplicaState = "recovering"
	StateActive         ReplicaState = "active"
	StateRecoveryFailed ReplicaState = "recovery_failed"
)

// ParseReplicaState accepts any case.
func ParseReplicaState(s string) (ReplicaState, error) {
	switch ReplicaState(strings.ToLower(strings.TrimSpace(s))) {
	case StateDown:
		return StateDown, nil
	case StateRecovering:
		return StateRecovering, nil
	case StateActive:
		return StateActive, nil
	case StateRecoveryFailed:
		return StateRecoveryFailed, nil
	}
	return "", fmt.Errorf("unknown replica state %q", s)
}

// SliceState is the lifecycle state of a shard.
type SliceState string

const (
	SliceActive       SliceState = "active"
	SliceConstruction SliceState = "construction"
	SliceRecovery     SliceState = "recovery"
	SliceInactive     SliceState = "inactive"
)

// ParseSliceState accepts any case.
func ParseSliceState(s string) (SliceState, error) {
	switch SliceState(strings.ToLower(strings.TrimSpace(s))) {
	case SliceActive:
		return SliceActive, nil
	case SliceConstruction:
		return SliceConstruction, nil
	case SliceRecovery:
		return SliceRecovery, nil
	case SliceInactive:
		return SliceInactive, nil
	}
	return "", fmt.Errorf("unknown shard state %q", s)
}

// =============================================================================
// REPLICA
// =============================================================================

// Replica is one copy of a shard on one node.
type Replica struct {
	// Name is the coreNodeName, unique within the collection.
	Name string `json:"name"`

	// Core is the local core name on the hosting node.
	Core string `json:"core"`

	NodeName string       `json:"node_name"`
	BaseURL  string       `json:"base_url"`
	Type     ReplicaType  `json:"type"`
	State    ReplicaState `json:"state"`
	Leader   bool         `json:"leader,omitempty"`

	// Props holds user properties such as PropPreferredLeader.
	Props map[string]string `json:"props,omitempty"`
}

// Clone returns a deep copy.
func (r *Replica) Clone() *Replica {
	if r == nil {
		return nil
	}
	c := *r
	if r.Props != nil {
		c.Props = make(map[string]string, len(r.Props))
		for k, v := range r.Props {
			c.Props[k] = v
		}
	}
	return &c
}

// CoreURL is the address other replicas use to reach this core.
func (r *Replica) CoreURL() string {
	return strings.TrimSuffix(r.BaseURL, "/") + "/" + r.Core + "/"
}

// BoolProp reads a boolean user property.
func (r *Replica) BoolProp(key string) bool {
	return strings.EqualFold(r.Props[key], "true")
}

// IsActive reports whether the replica is ACTIVE on a live node.
func (r *Replica) IsActive(liveNodes []string) bool {
	return r.State == StateActive && slices.Contains(liveNodes, r.NodeName)
}

// =============================================================================
// SLICE
// =============================================================================

// Slice is one shard of a collection.
type Slice struct {
	Name     string              `json:"name"`
	State    SliceState          `json:"state"`
	Parent   string              `json:"parent,omitempty"`
	Range    string              `json:"range,omitempty"`
	Replicas map[string]*Replica `json:"replicas"`
}

// NewSlice creates an empty active slice.
func NewSlice(name string) *Slice {
	return &Slice{Name: name, State: SliceActive, Replicas: make(map[string]*Replica)}
}

// Clone returns a deep copy.
func (s *Slice) Clone() *Slice {
	if s == nil {
		return nil
	}
	c := *s
	c.Replicas = make(map[string]*Replica, len(s.Replicas))
	for k, r := range s.Replicas {
		c.Replicas[k] = r.Clone()
	}
	return &c
}

// Leader returns the replica flagged leader, or nil.
func (s *Slice) Leader() *Replica {
	for _, name := range s.ReplicaNames() {
		if r := s.Replicas[name]; r.Leader {
			return r
		}
	}
	return nil
}

// ReplicaNames returns the replica names in sorted order.
func (s *Slice) ReplicaNames() []string {
	names := make([]string, 0, len(s.Replicas))
	for n := range s.Replicas {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// COLLECTION
// =============================================================================

// Collection is the state.json document of one collection.
type Collection struct {
	Name              string            `json:"name"`
	Slices            map[string]*Slice `json:"shards"`
	ReplicationFactor int               `json:"replicationFactor"`
	NumShards         int               `json:"numShards"`
	PerReplicaState   bool              `json:"perReplicaState,omitempty"`
	Props             map[string]string `json:"props,omitempty"`

	// Version counts writes to the document. Writers bump it.
	Version int64 `json:"version"`

	// ZNodeVersion is the store version the document was read at; it is
	// the expected version for compare-and-set writes. Not serialized.
	ZNodeVersion int64 `json:"-"`
}

// NewCollection creates an empty collection.
func NewCollection(name string) *Collection {
	return &Collection{Name: name, Slices: make(map[string]*Slice), ZNodeVersion: -1}
}

// Clone returns a deep copy.
func (c *Collection) Clone() *Collection {
	if c == nil {
		return nil
	}
	out := *c
	out.Slices = make(map[string]*Slice, len(c.Slices))
	for k, s := range c.Slices {
		out.Slices[k] = s.Clone()
	}
	if c.Props != nil {
		out.Props = make(map[string]string, len(c.Props))
		for k, v := range c.Props {
			out.Props[k] = v
		}
	}
	return &out
}

// Slice returns the named shard or nil.
func (c *Collection) Slice(name string) *Slice {
	if c == nil {
		return nil
	}
	return c.Slices[name]
}

// SliceNames returns shard names in sorted order.
func (c *Collection) SliceNames() []string {
	names := make([]string, 0, len(c.Slices))
	for n := range c.Slices {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Replica finds a replica by coreNodeName across all shards.
func (c *Collection) Replica(name string) (*Replica, *Slice) {
	if c == nil {
		return nil, nil
	}
	for _, s := range c.Slices {
		if r, ok := s.Replicas[name]; ok {
			return r, s
		}
	}
	return nil, nil
}

// ReplicaByCore finds a replica hosted on node with the given core name.
func (c *Collection) ReplicaByCore(nodeName, core string) (*Replica, *Slice) {
	if c == nil {
		return nil, nil
	}
	for _, sn := range c.SliceNames() {
		s := c.Slices[sn]
		for _, rn := range s.ReplicaNames() {
			r := s.Replicas[rn]
			if r.NodeName == nodeName && r.Core == core {
				return r, s
			}
		}
	}
	return nil, nil
}

// ReplicasOnNode lists the replicas hosted on nodeName.
func (c *Collection) ReplicasOnNode(nodeName string) []*Replica {
	var out []*Replica
	for _, sn := range c.SliceNames() {
		s := c.Slices[sn]
		for _, rn := range s.ReplicaNames() {
			if r := s.Replicas[rn]; r.NodeName == nodeName {
				out = append(out, r)
			}
		}
	}
	return out
}

// MarshalCollection encodes the document written to state.json.
func MarshalCollection(c *Collection) ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalCollection decodes a state.json document and repairs names that
// are implied by map keys.
func UnmarshalCollection(name string, data []byte, znodeVersion int64) (*Collection, error) {
	c := NewCollection(name)
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("decode collection %s: %w", name, err)
	}
	c.Name = name
	c.ZNodeVersion = znodeVersion
	if c.Slices == nil {
		c.Slices = make(map[string]*Slice)
	}
	for sn, s := range c.Slices {
		if s == nil {
			delete(c.Slices, sn)
			continue
		}
		s.Name = sn
		if s.Replicas == nil {
			s.Replicas = make(map[string]*Replica)
		}
		for rn, r := range s.Replicas {
			if r == nil {
				delete(s.Replicas, rn)
				continue
			}
			r.Name = rn
		}
	}
	return c, nil
}

// =============================================================================
// CLUSTER STATE
// =============================================================================

// ClusterState is an immutable snapshot of all collections and live nodes.
type ClusterState struct {
	Collections map[string]*Collection `json:"collections"`
	LiveNodes   []string               `json:"live_nodes"`

	// Version increases every time the reader observes a change.
	Version int64 `json:"version"`
}

// Clone returns a deep copy.
func (cs *ClusterState) Clone() *ClusterState {
	if cs == nil {
		return nil
	}
	out := &ClusterState{
		Collections: make(map[string]*Collection, len(cs.Collections)),
		LiveNodes:   slices.Clone(cs.LiveNodes),
		Version:     cs.Version,
	}
	for k, c := range cs.Collections {
		out.Collections[k] = c.Clone()
	}
	return out
}

// CollectionOrNil returns the named collection or nil.
func (cs *ClusterState) CollectionOrNil(name string) *Collection {
	if cs == nil {
		return nil
	}
	return cs.Collections[name]
}

// IsLive reports whether nodeName has a live marker.
func (cs *ClusterState) IsLive(nodeName string) bool {
	return slices.Contains(cs.LiveNodes, nodeName)
}

// CollectionNames returns collection names in sorted order.
func (cs *ClusterState) CollectionNames() []string {
	names := make([]string, 0, len(cs.Collections))
	for n := range cs.Collections {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ReplicaRef locates a replica within the cluster.
type ReplicaRef struct {
	Collection string   `json:"collection"`
	Shard      string   `json:"shard"`
	Replica    *Replica `json:"replica"`
}

// ReplicasOnNode lists every replica hosted on nodeName.
func (cs *ClusterState) ReplicasOnNode(nodeName string) []ReplicaRef {
	var out []ReplicaRef
	for _, cn := range cs.CollectionNames() {
		c := cs.Collections[cn]
		for _, sn := range c.SliceNames() {
			s := c.Slices[sn]
			for _, rn := range s.ReplicaNames() {
				if r := s.Replicas[rn]; r.NodeName == nodeName {
					out = append(out, ReplicaRef{Collection: cn, Shard: sn, Replica: r})
				}
			}
		}
	}
	return out
}

// CollectionsWithNode returns the names of collections with at least one
// replica on nodeName.
func (cs *ClusterState) CollectionsWithNode(nodeName string) []string {
	var out []string
	for _, cn := range cs.CollectionNames() {
		if len(cs.Collections[cn].ReplicasOnNode(nodeName)) > 0 {
			out = append(out, cn)
		}
	}
	return out
}
