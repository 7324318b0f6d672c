// =============================================================================
// PER-REPLICA STATE (PRS)
// =============================================================================
//
// WHAT: For large collections every replica state change rewriting one
// shared state.json causes heavy CAS contention. PRS collections move the
// fast-changing part (state + leader flag) into tiny child records:
//
//   /collections/books/state.json.prs
//     ├── core_node1:4:A:L     replica core_node1, version 4, active, leader
//     ├── core_node2:7:D       replica core_node2, version 7, down
//     └── core_node3:2:R       replica core_node3, version 2, recovering
//
// The record name IS the data, so a single Children() call reads the whole
// shard state. A write deletes the previous record and creates the next
// version in one multi-op:
//
//   Multi( Delete(core_node2:7:D), Create(core_node2:8:A) )
//
// If two records for one replica survive a crash, the higher version wins
// and the older ones are removed on the next write.
//
// =============================================================================

package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"searchcoord/internal/store"
)

// PerReplicaState is one decoded PRS record.
type PerReplicaState struct {
	Replica string
	Version int
	State   ReplicaState
	Leader  bool
}

var prsStateCodes = map[ReplicaState]string{
	StateActive:         "A",
	StateDown:           "D",
	StateRecovering:     "R",
	StateRecoveryFailed: "F",
}

// Name encodes the record as a child node name.
func (p PerReplicaState) Name() string {
	code, ok := prsStateCodes[p.State]
	if !ok {
		code = prsStateCodes[StateDown]
	}
	name := fmt.Sprintf("%s:%d:%s", p.Replica, p.Version, code)
	if p.Leader {
		name += ":L"
	}
	return name
}

// ParsePerReplicaState decodes a child node name. Replica names may
// themselves contain ':' so fields are taken from the right.
func ParsePerReplicaState(name string) (PerReplicaState, error) {
	parts := strings.Split(name, ":")
	leader := false
	if len(parts) > 0 && parts[len(parts)-1] == "L" {
		leader = true
		parts = parts[:len(parts)-1]
	}
	if len(parts) < 3 {
		return PerReplicaState{}, fmt.Errorf("malformed per-replica state %q", name)
	}
	code := parts[len(parts)-1]
	version, err := strconv.Atoi(parts[len(parts)-2])
	if err != nil {
		return PerReplicaState{}, fmt.Errorf("malformed per-replica state %q: %w", name, err)
	}
	var state ReplicaState
	for s, c := range prsStateCodes {
		if c == code {
			state = s
		}
	}
	if state == "" {
		return PerReplicaState{}, fmt.Errorf("malformed per-replica state %q: unknown state %q", name, code)
	}
	return PerReplicaState{
		Replica: strings.Join(parts[:len(parts)-2], ":"),
		Version: version,
		State:   state,
		Leader:  leader,
	}, nil
}

// PerReplicaStates is the decoded content of a PRS directory.
type PerReplicaStates struct {
	// States holds the newest record per replica.
	States map[string]PerReplicaState

	// Stale holds superseded record names awaiting cleanup.
	Stale []string
}

// DecodePerReplicaStates builds the view from a raw child listing.
// Unparseable names are ignored.
func DecodePerReplicaStates(children []string) *PerReplicaStates {
	out := &PerReplicaStates{States: make(map[string]PerReplicaState)}
	sort.Strings(children)
	for _, child := range children {
		p, err := ParsePerReplicaState(child)
		if err != nil {
			continue
		}
		cur, ok := out.States[p.Replica]
		switch {
		case !ok:
			out.States[p.Replica] = p
		case p.Version > cur.Version:
			out.Stale = append(out.Stale, cur.Name())
			out.States[p.Replica] = p
		default:
			out.Stale = append(out.Stale, p.Name())
		}
	}
	return out
}

// recordsFor returns every record name (current and stale) of replica.
func (p *PerReplicaStates) recordsFor(replica string) []string {
	var out []string
	if cur, ok := p.States[replica]; ok {
		out = append(out, cur.Name())
	}
	for _, name := range p.Stale {
		if rec, err := ParsePerReplicaState(name); err == nil && rec.Replica == replica {
			out = append(out, name)
		}
	}
	return out
}

// Apply overlays state and leader flags onto the collection's replicas.
func (p *PerReplicaStates) Apply(c *Collection) {
	for _, s := range c.Slices {
		for name, r := range s.Replicas {
			rec, ok := p.States[name]
			if !ok {
				// No record yet: the replica has never published.
				r.State = StateDown
				r.Leader = false
				continue
			}
			r.State = rec.State
			r.Leader = rec.Leader
		}
	}
}

// ReadPerReplicaStates lists and decodes the PRS directory of collection.
// A missing directory yields an empty view.
func ReadPerReplicaStates(ctx context.Context, s store.Store, collection string) (*PerReplicaStates, error) {
	children, err := s.Children(ctx, PRSPath(collection))
	if errors.Is(err, store.ErrNoNode) {
		return DecodePerReplicaStates(nil), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read per-replica states of %s: %w", collection, err)
	}
	return DecodePerReplicaStates(children), nil
}

// WritePerReplicaState replaces the record of one replica. Each attempt
// re-reads the directory so concurrent writers on other replicas never
// conflict; a race on the same replica retries.
func WritePerReplicaState(ctx context.Context, s store.Store, collection, replica string, state ReplicaState, leader bool) error {
	dir := PRSPath(collection)
	if err := store.MakePath(ctx, s, dir, nil, store.Persistent, false); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < store.DefaultRetryAttempts; attempt++ {
		prs, err := ReadPerReplicaStates(ctx, s, collection)
		if err != nil {
			return err
		}
		next := PerReplicaState{Replica: replica, Version: 0, State: state, Leader: leader}
		if cur, ok := prs.States[replica]; ok {
			if cur.State == state && cur.Leader == leader && len(prs.recordsFor(replica)) == 1 {
				return nil
			}
			next.Version = cur.Version + 1
		}

		var ops []store.Op
		for _, old := range prs.recordsFor(replica) {
			ops = append(ops, store.DeleteOp(store.Join(dir, old), store.AnyVersion))
		}
		ops = append(ops, store.CreateOp(store.Join(dir, next.Name()), nil, store.Persistent))

		err = s.Multi(ctx, ops...)
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrNoNode) || errors.Is(err, store.ErrNodeExists) || store.IsTransient(err) {
			lastErr = err
			continue
		}
		return fmt.Errorf("write per-replica state %s/%s: %w", collection, replica, err)
	}
	return fmt.Errorf("%w: per-replica state %s/%s: %v", store.ErrRetriesExhausted, collection, replica, lastErr)
}

// SetLeaderPerReplicaState marks replica as the only leader among the
// given shard replicas, keeping each replica's state.
func SetLeaderPerReplicaState(ctx context.Context, s store.Store, collection string, shardReplicas []string, leader string) error {
	prs, err := ReadPerReplicaStates(ctx, s, collection)
	if err != nil {
		return err
	}
	for _, name := range shardReplicas {
		cur, ok := prs.States[name]
		isLeader := name == leader
		if !ok {
			if !isLeader {
				continue
			}
			cur = PerReplicaState{Replica: name, State: StateDown}
		}
		if cur.Leader == isLeader {
			continue
		}
		if err := WritePerReplicaState(ctx, s, collection, name, cur.State, isLeader); err != nil {
			return err
		}
	}
	return nil
}

// DeletePerReplicaState removes every record of replica.
func DeletePerReplicaState(ctx context.Context, s store.Store, collection, replica string) error {
	prs, err := ReadPerReplicaStates(ctx, s, collection)
	if err != nil {
		return err
	}
	for _, name := range prs.recordsFor(replica) {
		err := s.Delete(ctx, store.Join(PRSPath(collection), name), store.AnyVersion)
		if err != nil && !errors.Is(err, store.ErrNoNode) {
			return fmt.Errorf("delete per-replica state %s/%s: %w", collection, name, err)
		}
	}
	return nil
}

// ReadCollection reads state.json of collection, overlaying per-replica
// records when the collection uses them. Returns store.ErrNoNode when the
// collection does not exist.
func ReadCollection(ctx context.Context, s store.Store, collection string) (*Collection, error) {
	data, stat, err := s.Get(ctx, StatePath(collection))
	if err != nil {
		return nil, err
	}
	c, err := UnmarshalCollection(collection, data, stat.Version)
	if err != nil {
		return nil, err
	}
	if c.PerReplicaState {
		prs, err := ReadPerReplicaStates(ctx, s, collection)
		if err != nil {
			return nil, err
		}
		prs.Apply(c)
	}
	return c, nil
}
