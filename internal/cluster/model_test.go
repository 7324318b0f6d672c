package cluster

import (
	"testing"

	"github.com/go-test/deep"
)

func sampleCollection() *Collection {
	c := NewCollection("books")
	c.ReplicationFactor = 2
	c.NumShards = 1
	s := NewSlice("shard1")
	s.Replicas["core_node1"] = &Replica{
		Name: "core_node1", Core: "books_shard1_r1", NodeName: "n1:8983_solr",
		BaseURL: "http://n1:8983/solr", Type: ReplicaNRT, State: StateActive, Leader: true,
	}
	s.Replicas["core_node2"] = &Replica{
		Name: "core_node2", Core: "books_shard1_r2", NodeName: "n2:8983_solr",
		BaseURL: "http://n2:8983/solr", Type: ReplicaPULL, State: StateDown,
		Props: map[string]string{PropPreferredLeader: "true"},
	}
	c.Slices["shard1"] = s
	return c
}

func TestReplicaTypeTraits(t *testing.T) {
	tests := []struct {
		typ      ReplicaType
		eligible bool
		tlog     bool
		fromLead bool
	}{
		{ReplicaNRT, true, true, false},
		{ReplicaTLOG, true, true, true},
		{ReplicaPULL, false, false, true},
	}
	for _, tt := range tests {
		if got := tt.typ.LeaderEligible(); got != tt.eligible {
			t.Errorf("%s.LeaderEligible() = %v", tt.typ, got)
		}
		if got := tt.typ.RequiresTransactionLog(); got != tt.tlog {
			t.Errorf("%s.RequiresTransactionLog() = %v", tt.typ, got)
		}
		if got := tt.typ.ReplicateFromLeader(); got != tt.fromLead {
			t.Errorf("%s.ReplicateFromLeader() = %v", tt.typ, got)
		}
	}

	if typ, err := ParseReplicaType("tlog"); err != nil || typ != ReplicaTLOG {
		t.Fatalf("ParseReplicaType(tlog) = %v, %v", typ, err)
	}
	if _, err := ParseReplicaType("bogus"); err == nil {
		t.Fatal("expected error for unknown type")
	}
	if _, err := ParseReplicaState("ACTIVE"); err != nil {
		t.Fatalf("ParseReplicaState: %v", err)
	}
}

func TestCollectionRoundTripRestoresNames(t *testing.T) {
	c := sampleCollection()
	data, err := MarshalCollection(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := UnmarshalCollection("books", data, 3)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ZNodeVersion != 3 {
		t.Fatalf("expected znode version 3, got %d", got.ZNodeVersion)
	}
	want := c.Clone()
	want.ZNodeVersion = 3
	if diff := deep.Equal(got, want); diff != nil {
		t.Fatalf("collection mismatch: %v", diff)
	}
}

func TestCollectionClonesAreIndependent(t *testing.T) {
	c := sampleCollection()
	clone := c.Clone()
	clone.Slices["shard1"].Replicas["core_node1"].State = StateDown
	clone.Slices["shard1"].Replicas["core_node2"].Props[PropPreferredLeader] = "false"

	if c.Slices["shard1"].Replicas["core_node1"].State != StateActive {
		t.Fatal("clone shares replica pointers")
	}
	if c.Slices["shard1"].Replicas["core_node2"].Props[PropPreferredLeader] != "true" {
		t.Fatal("clone shares props map")
	}
}

func TestClusterStateQueries(t *testing.T) {
	cs := &ClusterState{
		Collections: map[string]*Collection{"books": sampleCollection(), "empty": NewCollection("empty")},
		LiveNodes:   []string{"n1:8983_solr"},
	}

	if leader := cs.CollectionOrNil("books").Slice("shard1").Leader(); leader == nil || leader.Name != "core_node1" {
		t.Fatalf("unexpected leader %+v", leader)
	}
	if got := cs.CollectionsWithNode("n2:8983_solr"); len(got) != 1 || got[0] != "books" {
		t.Fatalf("CollectionsWithNode = %v", got)
	}
	if got := cs.CollectionsWithNode("n9:8983_solr"); len(got) != 0 {
		t.Fatalf("expected no collections, got %v", got)
	}
	refs := cs.ReplicasOnNode("n1:8983_solr")
	if len(refs) != 1 || refs[0].Shard != "shard1" || refs[0].Replica.Name != "core_node1" {
		t.Fatalf("ReplicasOnNode = %+v", refs)
	}
	r1 := cs.Collections["books"].Slices["shard1"].Replicas["core_node1"]
	if !r1.IsActive(cs.LiveNodes) {
		t.Fatal("core_node1 should be active on a live node")
	}
	if r, _ := cs.Collections["books"].ReplicaByCore("n2:8983_solr", "books_shard1_r2"); r == nil || r.Name != "core_node2" {
		t.Fatalf("ReplicaByCore = %+v", r)
	}
}

func TestNodeNameAndBaseURL(t *testing.T) {
	name := NodeName("10.0.0.1", 8983, "/solr")
	if name != "10.0.0.1:8983_solr" {
		t.Fatalf("NodeName = %s", name)
	}
	if got := BaseURLForNode(name, ""); got != "http://10.0.0.1:8983/solr" {
		t.Fatalf("BaseURLForNode = %s", got)
	}
	nested := NodeName("h", 1, "a/b")
	if got := BaseURLForNode(nested, "https"); got != "https://h:1/a/b" {
		t.Fatalf("nested context = %s", got)
	}
}
