package controller

import (
	"sync"

	"searchcoord/internal/cluster"
)

// CoreDescriptor describes one locally hosted core.
type CoreDescriptor struct {
	// Name is the local core name.
	Name string

	// Cloud holds the cluster identity of the core. It is shared between
	// the engine and the controller and guards itself.
	Cloud *CloudDescriptor
}

// CloudParams are the initial values of a CloudDescriptor.
type CloudParams struct {
	Collection   string
	Shard        string
	CoreNodeName string
	Type         cluster.ReplicaType
	Params       map[string]string
}

// NewCoreDescriptor creates a descriptor for a core that has not been
// published yet.
func NewCoreDescriptor(name string, p CloudParams) *CoreDescriptor {
	if p.Type == "" {
		p.Type = cluster.ReplicaNRT
	}
	params := make(map[string]string, len(p.Params))
	for k, v := range p.Params {
		params[k] = v
	}
	return &CoreDescriptor{
		Name: name,
		Cloud: &CloudDescriptor{
			collection:    p.Collection,
			shard:         p.Shard,
			coreNodeName:  p.CoreNodeName,
			replicaType:   p.Type,
			lastPublished: cluster.StateDown,
			params:        params,
		},
	}
}

// CloudDescriptor is the mutable cluster view of one core.
type CloudDescriptor struct {
	mu sync.RWMutex

	collection    string
	shard         string
	coreNodeName  string
	replicaType   cluster.ReplicaType
	lastPublished cluster.ReplicaState
	isLeader      bool
	hasRegistered bool
	params        map[string]string
}

func (d *CloudDescriptor) Collection() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.collection
}

func (d *CloudDescriptor) Shard() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.shard
}

// SetShard records the shard learned from the cluster state.
func (d *CloudDescriptor) SetShard(shard string) {
	d.mu.Lock()
	d.shard = shard
	d.mu.Unlock()
}

func (d *CloudDescriptor) CoreNodeName() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.coreNodeName
}

func (d *CloudDescriptor) SetCoreNodeName(name string) {
	d.mu.Lock()
	d.coreNodeName = name
	d.mu.Unlock()
}

func (d *CloudDescriptor) ReplicaType() cluster.ReplicaType {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.replicaType
}

func (d *CloudDescriptor) SetReplicaType(t cluster.ReplicaType) {
	d.mu.Lock()
	d.replicaType = t
	d.mu.Unlock()
}

// LastPublished is the last state this node published for the core.
func (d *CloudDescriptor) LastPublished() cluster.ReplicaState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastPublished
}

func (d *CloudDescriptor) SetLastPublished(s cluster.ReplicaState) {
	d.mu.Lock()
	d.lastPublished = s
	d.mu.Unlock()
}

func (d *CloudDescriptor) IsLeader() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.isLeader
}

func (d *CloudDescriptor) SetIsLeader(v bool) {
	d.mu.Lock()
	d.isLeader = v
	d.mu.Unlock()
}

func (d *CloudDescriptor) HasRegistered() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.hasRegistered
}

func (d *CloudDescriptor) SetHasRegistered(v bool) {
	d.mu.Lock()
	d.hasRegistered = v
	d.mu.Unlock()
}

// Param returns a core parameter, or def.
func (d *CloudDescriptor) Param(key, def string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if v, ok := d.params[key]; ok {
		return v
	}
	return def
}

// CloudState is a point-in-time copy of a CloudDescriptor.
type CloudState struct {
	Collection    string               `json:"collection"`
	Shard         string               `json:"shard"`
	CoreNodeName  string               `json:"core_node_name"`
	Type          cluster.ReplicaType  `json:"type"`
	LastPublished cluster.ReplicaState `json:"last_published"`
	Leader        bool                 `json:"leader"`
	Registered    bool                 `json:"registered"`
}

// Snapshot copies the descriptor.
func (d *CloudDescriptor) Snapshot() CloudState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return CloudState{
		Collection:    d.collection,
		Shard:         d.shard,
		CoreNodeName:  d.coreNodeName,
		Type:          d.replicaType,
		LastPublished: d.lastPublished,
		Leader:        d.isLeader,
		Registered:    d.hasRegistered,
	}
}
