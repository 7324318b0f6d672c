package terms

import (
	"testing"

	"github.com/go-test/deep"
)

func TestShardTerms_CanBecomeLeader(t *testing.T) {
	tests := []struct {
		name    string
		terms   map[string]int64
		replica string
		want    bool
	}{
		{"empty shard", nil, "r1", true},
		{"at max", map[string]int64{"r1": 2, "r2": 2}, "r1", true},
		{"behind", map[string]int64{"r1": 1, "r2": 2}, "r1", false},
		{"unregistered", map[string]int64{"r2": 0}, "r1", false},
		{"at max but recovering", map[string]int64{"r1": 2, "r1_recovering": 1, "r2": 2}, "r1", false},
		{"marker does not count toward max", map[string]int64{"r1": 1, "r2_recovering": 5}, "r1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewShardTerms(tt.terms, 0).CanBecomeLeader(tt.replica)
			if got != tt.want {
				t.Fatalf("CanBecomeLeader(%s)=%v want=%v", tt.replica, got, tt.want)
			}
		})
	}
}

func TestShardTerms_RegisterIsIdempotent(t *testing.T) {
	terms := NewShardTerms(map[string]int64{"r1": 3}, 0)

	next, changed := terms.Register("r2")
	if !changed {
		t.Fatalf("expected change on first register")
	}
	if v, _ := next.Term("r2"); v != 0 {
		t.Fatalf("new replica term=%d want=0", v)
	}
	if _, changed := next.Register("r2"); changed {
		t.Fatalf("second register must be a no-op")
	}
	if _, ok := terms.Term("r2"); ok {
		t.Fatalf("original snapshot was mutated")
	}
}

func TestShardTerms_RecoveryBracket(t *testing.T) {
	terms := NewShardTerms(map[string]int64{"leader": 4, "r2": 2}, 0)

	rec, changed := terms.StartRecovering("r2")
	if !changed {
		t.Fatalf("StartRecovering did not change")
	}
	if diff := deep.Equal(rec.Map(), map[string]int64{"leader": 4, "r2": 4, "r2_recovering": 2}); diff != nil {
		t.Fatalf("after StartRecovering: %v", diff)
	}
	if rec.CanBecomeLeader("r2") {
		t.Fatalf("recovering replica must not be eligible")
	}

	// A second attempt keeps the original marker value.
	bumped, _ := rec.IncreaseTerms("leader", []string{"r2"})
	again, changed := bumped.StartRecovering("r2")
	if !changed {
		t.Fatalf("StartRecovering after falling behind again did not change")
	}
	if v, _ := again.Term("r2_recovering"); v != 2 {
		t.Fatalf("marker=%d want=2 (first recorded term)", v)
	}

	done, changed := again.DoneRecovering("r2")
	if !changed {
		t.Fatalf("DoneRecovering did not change")
	}
	if !done.CanBecomeLeader("r2") {
		t.Fatalf("replica should be eligible after recovery: %v", done)
	}
	if _, changed := done.DoneRecovering("r2"); changed {
		t.Fatalf("DoneRecovering without marker must be a no-op")
	}
}

func TestShardTerms_StartRecoveringAtMaxIsNoop(t *testing.T) {
	terms := NewShardTerms(map[string]int64{"r1": 1, "r2": 1}, 0)
	if _, changed := terms.StartRecovering("r1"); changed {
		t.Fatalf("replica already at max must not be marked")
	}
}

func TestShardTerms_IncreaseTerms(t *testing.T) {
	tests := []struct {
		name         string
		terms        map[string]int64
		leader       string
		needRecovery []string
		want         map[string]int64
		wantChanged  bool
	}{
		{
			name:         "leader and reached replicas move ahead",
			terms:        map[string]int64{"l": 1, "r2": 1, "r3": 1},
			leader:       "l",
			needRecovery: []string{"r3"},
			want:         map[string]int64{"l": 2, "r2": 2, "r3": 1},
			wantChanged:  true,
		},
		{
			name:         "replica already behind",
			terms:        map[string]int64{"l": 2, "r2": 2, "r3": 1},
			leader:       "l",
			needRecovery: []string{"r3"},
			wantChanged:  false,
		},
		{
			name:         "unknown leader",
			terms:        map[string]int64{"r2": 1},
			leader:       "l",
			needRecovery: []string{"r2"},
			wantChanged:  false,
		},
		{
			name:         "recovery marker of a skipped replica is kept",
			terms:        map[string]int64{"l": 3, "r3": 3, "r3_recovering": 3},
			leader:       "l",
			needRecovery: []string{"r3"},
			want:         map[string]int64{"l": 4, "r3": 3, "r3_recovering": 3},
			wantChanged:  true,
		},
		{
			name:         "stale snapshot still bumps",
			terms:        map[string]int64{"l": 1, "r2": 1},
			leader:       "l",
			needRecovery: []string{"r9"},
			want:         map[string]int64{"l": 2, "r2": 2},
			wantChanged:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, changed := NewShardTerms(tt.terms, 0).IncreaseTerms(tt.leader, tt.needRecovery)
			if changed != tt.wantChanged {
				t.Fatalf("changed=%v want=%v", changed, tt.wantChanged)
			}
			if !changed {
				return
			}
			if diff := deep.Equal(next.Map(), tt.want); diff != nil {
				t.Fatalf("terms: %v", diff)
			}
		})
	}
}

func TestShardTerms_RemoveAndLiftZero(t *testing.T) {
	terms := NewShardTerms(map[string]int64{"r1": 2, "r1_recovering": 0, "r2": 2}, 0)

	removed, changed := terms.Remove("r1")
	if !changed || removed.Len() != 1 || removed.IsRecovering("r1") {
		t.Fatalf("Remove left %v", removed)
	}
	if _, changed := removed.Remove("r1"); changed {
		t.Fatalf("second Remove must be a no-op")
	}

	zero := NewShardTerms(map[string]int64{"r2": 0, "r3": 0}, 0)
	lifted, changed := zero.EnsureHighestTermsAreNotZero()
	if !changed {
		t.Fatalf("EnsureHighestTermsAreNotZero did not change")
	}
	if diff := deep.Equal(lifted.Map(), map[string]int64{"r2": 1, "r3": 1}); diff != nil {
		t.Fatalf("terms: %v", diff)
	}
	if _, changed := lifted.EnsureHighestTermsAreNotZero(); changed {
		t.Fatalf("lifting a non-zero shard must be a no-op")
	}
}

func TestDecodeShardTerms(t *testing.T) {
	terms, err := DecodeShardTerms([]byte(`{"a":3,"b":1,"b_recovering":0}`), 7)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if terms.Version() != 7 || terms.MaxTerm() != 3 || terms.Len() != 2 {
		t.Fatalf("unexpected %v max=%d len=%d", terms, terms.MaxTerm(), terms.Len())
	}
	if diff := deep.Equal(terms.Replicas(), []string{"a", "b"}); diff != nil {
		t.Fatalf("replicas: %v", diff)
	}
	if _, err := DecodeShardTerms([]byte("not json"), 0); err == nil {
		t.Fatalf("expected decode error")
	}
}
