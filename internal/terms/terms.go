// =============================================================================
// SHARD TERMS - LEADER ELIGIBILITY BY WRITE GENERATION
// =============================================================================
//
// WHAT: A per-shard map of replica name to a monotonically growing term.
// A replica whose term is below the shard maximum missed updates and must
// not lead until it has recovered from someone who did not.
//
// DOCUMENT:
//   /collections/<c>/terms/<shard>
//   {"core_node1": 3, "core_node2": 3, "core_node3": 1, "core_node3_recovering": 1}
//
//   <name>_recovering holds the term the replica had when it started
//   recovering. While the marker exists the replica is not eligible even
//   though its term was raised to the maximum.
//
// LIFECYCLE OF ONE REPLICA:
//
//   register ──► term 0
//       │
//       ▼          leader bumps everyone it reached
//   in sync  ◄──────────────────────────────────┐
//       │                                       │
//       │ missed an update (term < max)         │
//       ▼                                       │
//   startRecovering: marker=old term, term=max  │
//       │                                       │
//       ▼                                       │
//   doneRecovering: marker removed ─────────────┘
//
// COMPARISON:
//   - Kafka ISR: membership by fetch lag, kept in leader memory.
//   - here: membership by term equality, kept in the coordination store so
//     every node (and every future leader) sees the same answer.
//
// =============================================================================

package terms

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// RecoveringSuffix marks the recovery bookkeeping key of a replica.
const RecoveringSuffix = "_recovering"

// ShardTerms is an immutable snapshot of one shard's term document.
// Mutating methods return a new value and whether anything changed.
type ShardTerms struct {
	terms   map[string]int64
	version int64
	maxTerm int64
}

// NewShardTerms builds a snapshot from a map and the store version it was
// read at.
func NewShardTerms(terms map[string]int64, version int64) ShardTerms {
	cp := make(map[string]int64, len(terms))
	for k, v := range terms {
		cp[k] = v
	}
	return ShardTerms{terms: cp, version: version, maxTerm: computeMax(cp)}
}

// DecodeShardTerms parses the stored JSON document.
func DecodeShardTerms(data []byte, version int64) (ShardTerms, error) {
	m := make(map[string]int64)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &m); err != nil {
			return ShardTerms{}, fmt.Errorf("decode shard terms: %w", err)
		}
	}
	return ShardTerms{terms: m, version: version, maxTerm: computeMax(m)}, nil
}

// Encode returns the JSON document.
func (t ShardTerms) Encode() ([]byte, error) {
	if t.terms == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(t.terms)
}

func computeMax(m map[string]int64) int64 {
	var max int64
	for k, v := range m {
		if isMarker(k) {
			continue
		}
		if v > max {
			max = v
		}
	}
	return max
}

func isMarker(key string) bool {
	return strings.HasSuffix(key, RecoveringSuffix)
}

func markerKey(replica string) string {
	return replica + RecoveringSuffix
}

func (t ShardTerms) with(fn func(m map[string]int64)) ShardTerms {
	m := make(map[string]int64, len(t.terms)+1)
	for k, v := range t.terms {
		m[k] = v
	}
	fn(m)
	return ShardTerms{terms: m, version: t.version, maxTerm: computeMax(m)}
}

// =============================================================================
// QUERIES
// =============================================================================

// Version is the store version the snapshot was read at, -1 if never read.
func (t ShardTerms) Version() int64 { return t.version }

// MaxTerm is the highest term of any replica (markers excluded).
func (t ShardTerms) MaxTerm() int64 { return t.maxTerm }

// Term returns the replica's term and whether it is registered.
func (t ShardTerms) Term(replica string) (int64, bool) {
	v, ok := t.terms[replica]
	return v, ok
}

// IsRecovering reports whether the replica has an open recovery marker.
func (t ShardTerms) IsRecovering(replica string) bool {
	_, ok := t.terms[markerKey(replica)]
	return ok
}

// Len is the number of replicas (markers excluded).
func (t ShardTerms) Len() int {
	n := 0
	for k := range t.terms {
		if !isMarker(k) {
			n++
		}
	}
	return n
}

// Replicas lists registered replica names in sorted order.
func (t ShardTerms) Replicas() []string {
	out := make([]string, 0, len(t.terms))
	for k := range t.terms {
		if !isMarker(k) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Map returns a copy of the raw document, markers included.
func (t ShardTerms) Map() map[string]int64 {
	m := make(map[string]int64, len(t.terms))
	for k, v := range t.terms {
		m[k] = v
	}
	return m
}

// CanBecomeLeader is true when the shard has no terms yet, or the replica
// holds the maximum term and is not mid-recovery.
func (t ShardTerms) CanBecomeLeader(replica string) bool {
	if len(t.terms) == 0 {
		return true
	}
	if !t.HaveHighestTerm(replica) {
		return false
	}
	return !t.IsRecovering(replica)
}

// HaveHighestTerm is true when the replica is registered at the maximum.
func (t ShardTerms) HaveHighestTerm(replica string) bool {
	v, ok := t.terms[replica]
	return ok && v == t.maxTerm
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Register adds the replica at term 0 if it is absent.
func (t ShardTerms) Register(replica string) (ShardTerms, bool) {
	if _, ok := t.terms[replica]; ok {
		return t, false
	}
	return t.with(func(m map[string]int64) { m[replica] = 0 }), true
}

// Remove drops the replica and its recovery marker.
func (t ShardTerms) Remove(replica string) (ShardTerms, bool) {
	_, hasTerm := t.terms[replica]
	_, hasMarker := t.terms[markerKey(replica)]
	if !hasTerm && !hasMarker {
		return t, false
	}
	return t.with(func(m map[string]int64) {
		delete(m, replica)
		delete(m, markerKey(replica))
	}), true
}

// StartRecovering raises the replica to the maximum term and records the
// term it had before, unless a marker already exists from an earlier
// attempt.
func (t ShardTerms) StartRecovering(replica string) (ShardTerms, bool) {
	cur, ok := t.terms[replica]
	if ok && cur == t.maxTerm {
		return t, false
	}
	return t.with(func(m map[string]int64) {
		if _, marked := m[markerKey(replica)]; !marked {
			m[markerKey(replica)] = cur
		}
		m[replica] = t.maxTerm
	}), true
}

// DoneRecovering closes the recovery and ensures the replica is at the
// maximum term.
func (t ShardTerms) DoneRecovering(replica string) (ShardTerms, bool) {
	if !t.IsRecovering(replica) {
		return t, false
	}
	return t.with(func(m map[string]int64) {
		delete(m, markerKey(replica))
		m[replica] = t.maxTerm
	}), true
}

// IncreaseTerms is used by a leader whose update did not reach the
// replicas in needRecovery: every entry at the leader's term except those
// gets a higher term, leaving the others behind.
//
// A missing leader yields no change. So does the case where every replica
// needing recovery is already below the leader's term, since it is
// already behind.
func (t ShardTerms) IncreaseTerms(leader string, needRecovery []string) (ShardTerms, bool) {
	leaderTerm, ok := t.terms[leader]
	if !ok {
		return t, false
	}
	skip := make(map[string]bool, len(needRecovery))
	for _, r := range needRecovery {
		skip[r] = true
	}

	saveChanges := false
	foundInTerms := false
	next := t.with(func(m map[string]int64) {
		for key, term := range t.terms {
			if skip[key] {
				foundInTerms = true
			}
			if term != leaderTerm {
				continue
			}
			if skip[strings.TrimSuffix(key, RecoveringSuffix)] {
				saveChanges = true
				continue
			}
			m[key] = term + 1
		}
	})
	// needRecovery entries unknown to our snapshot mean it may be stale;
	// bump anyway.
	if !saveChanges && foundInTerms {
		return t, false
	}
	return next, true
}

// EnsureHighestTermsAreNotZero moves every replica at term 0 to term 1
// when 0 is the maximum, so a new leader's first update can leave behind
// replicas it did not reach.
func (t ShardTerms) EnsureHighestTermsAreNotZero() (ShardTerms, bool) {
	if t.maxTerm > 0 || len(t.terms) == 0 {
		return t, false
	}
	return t.with(func(m map[string]int64) {
		for k, v := range m {
			if !isMarker(k) && v == 0 {
				m[k] = 1
			}
		}
	}), true
}

func (t ShardTerms) String() string {
	b, _ := t.Encode()
	return fmt.Sprintf("ShardTerms{version=%d %s}", t.version, b)
}
