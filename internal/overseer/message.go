// =============================================================================
// OVERSEER MESSAGES - THE STATE-UPDATE WIRE FORMAT
// =============================================================================
//
// Every cluster-state change is requested by queueing a flat JSON object:
//
//   {"operation":"state","collection":"c1","shard":"shard1",
//    "core_node_name":"core_node3","core":"c1_shard1_replica_n2",
//    "node_name":"10.0.0.7:8983_solr","base_url":"http://10.0.0.7:8983/solr",
//    "state":"active","type":"NRT"}
//
// Values are kept as strings. Numbers and booleans in the JSON are
// normalized on decode so producers written in any style interoperate.
//
// A message that cannot be decoded, names an unknown operation or is
// rejected by its mutator is POISON: it is logged, counted and removed so
// it cannot wedge the queue.
//
// =============================================================================

package overseer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Operations understood by the overseer.
const (
	OpCreate           = "create"
	OpDelete           = "delete"
	OpCreateShard      = "createshard"
	OpUpdateShardState = "updateshardstate"
	OpAddReplica       = "addreplica"
	OpState            = "state"
	OpLeader           = "leader"
	OpDeleteCore       = "deletecore"
	OpDownNode         = "downnode"
	OpSetClusterProp   = "setclusterprop"
	OpQuit             = "quit"
)

var knownOperations = map[string]bool{
	OpCreate:           true,
	OpDelete:           true,
	OpCreateShard:      true,
	OpUpdateShardState: true,
	OpAddReplica:       true,
	OpState:            true,
	OpLeader:           true,
	OpDeleteCore:       true,
	OpDownNode:         true,
	OpSetClusterProp:   true,
	OpQuit:             true,
}

// Message property keys.
const (
	PropOperation         = "operation"
	PropCollection        = "collection"
	PropName              = "name"
	PropShard             = "shard"
	PropShards            = "shards"
	PropCore              = "core"
	PropCoreNodeName      = "core_node_name"
	PropNodeName          = "node_name"
	PropBaseURL           = "base_url"
	PropState             = "state"
	PropType              = "type"
	PropNumShards         = "numShards"
	PropReplicationFactor = "replicationFactor"
	PropPerReplicaState   = "perReplicaState"
	PropForceSetState     = "force_set_state"
	PropSession           = "session"
	PropShardRange        = "shard_range"
	PropShardState        = "shard_state"
	PropShardParent       = "shard_parent"
	PropValue             = "val"
	PropID                = "id"
)

// PoisonMessageError marks a message that can never be applied.
type PoisonMessageError struct {
	Operation string
	Reason    string
	Err       error
}

func (e *PoisonMessageError) Error() string {
	op := e.Operation
	if op == "" {
		op = "<none>"
	}
	if e.Err != nil {
		return fmt.Sprintf("poison message (operation=%s): %s: %v", op, e.Reason, e.Err)
	}
	return fmt.Sprintf("poison message (operation=%s): %s", op, e.Reason)
}

func (e *PoisonMessageError) Unwrap() error { return e.Err }

// IsPoison reports whether err marks a poison message.
func IsPoison(err error) bool {
	var p *PoisonMessageError
	return errors.As(err, &p)
}

func poison(op, reason string, err error) error {
	return &PoisonMessageError{Operation: op, Reason: reason, Err: err}
}

// Message is one state-update request.
type Message map[string]string

// NewMessage creates a message for op with alternating key/value pairs.
func NewMessage(op string, kv ...string) Message {
	m := Message{PropOperation: op}
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			m[kv[i]] = kv[i+1]
		}
	}
	return m
}

// Operation returns the lower-cased operation name.
func (m Message) Operation() string {
	return strings.ToLower(m[PropOperation])
}

// Collection returns the collection the message addresses. Collection
// creation and deletion may name it with "name".
func (m Message) Collection() string {
	if c := m[PropCollection]; c != "" {
		return c
	}
	return m[PropName]
}

// Get returns a property or def when it is missing or empty.
func (m Message) Get(key, def string) string {
	if v, ok := m[key]; ok && v != "" {
		return v
	}
	return def
}

// Int returns an integer property or def.
func (m Message) Int(key string, def int) (int, error) {
	v, ok := m[key]
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("property %s: %w", key, err)
	}
	return n, nil
}

// Bool returns a boolean property; anything but "true" is false.
func (m Message) Bool(key string) bool {
	return strings.EqualFold(m[key], "true")
}

// Keys returns the property names in sorted order.
func (m Message) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Encode serializes the message for a queue item.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(map[string]string(m))
}

// DecodeMessage parses a queue item. The result always has a known
// operation; anything else is a PoisonMessageError.
func DecodeMessage(data []byte) (Message, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, poison("", "undecodable payload", err)
	}
	m := make(Message, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
		case string:
			m[k] = val
		case bool:
			m[k] = strconv.FormatBool(val)
		case float64:
			m[k] = strconv.FormatFloat(val, 'f', -1, 64)
		default:
			nested, err := json.Marshal(val)
			if err != nil {
				return nil, poison(m.Operation(), "undecodable property "+k, err)
			}
			m[k] = string(nested)
		}
	}
	op := m.Operation()
	if op == "" {
		return nil, poison("", "missing operation", nil)
	}
	if !knownOperations[op] {
		return nil, poison(op, "unknown operation", nil)
	}
	return m, nil
}

// =============================================================================
// CONSTRUCTORS USED BY THE NODE CONTROLLER
// =============================================================================

// StateMessage publishes a replica state.
func StateMessage(collection, shard, coreNodeName, core, nodeName, baseURL, state, replicaType string) Message {
	return NewMessage(OpState,
		PropCollection, collection,
		PropShard, shard,
		PropCoreNodeName, coreNodeName,
		PropCore, core,
		PropNodeName, nodeName,
		PropBaseURL, baseURL,
		PropState, state,
		PropType, replicaType,
	)
}

// LeaderMessage records coreNodeName as the leader of the shard. An empty
// coreNodeName clears the shard's leader.
func LeaderMessage(collection, shard, coreNodeName, core, nodeName, baseURL string) Message {
	return NewMessage(OpLeader,
		PropCollection, collection,
		PropShard, shard,
		PropCoreNodeName, coreNodeName,
		PropCore, core,
		PropNodeName, nodeName,
		PropBaseURL, baseURL,
	)
}

// DeleteCoreMessage removes a replica from the cluster state.
func DeleteCoreMessage(collection, coreNodeName, core, nodeName string) Message {
	return NewMessage(OpDeleteCore,
		PropCollection, collection,
		PropCoreNodeName, coreNodeName,
		PropCore, core,
		PropNodeName, nodeName,
	)
}

// DownNodeMessage marks every replica of nodeName DOWN. session may be
// empty; see the downnode mutator for how it is used.
func DownNodeMessage(nodeName, session string) Message {
	return NewMessage(OpDownNode, PropNodeName, nodeName, PropSession, session)
}

// QuitMessage asks the overseer elected under electionNode to step down.
func QuitMessage(electionNode string) Message {
	return NewMessage(OpQuit, PropID, electionNode)
}
