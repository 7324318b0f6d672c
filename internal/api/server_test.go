// ============================================================================
// ADMIN API TESTS - Chi Router Based
// ============================================================================
//
// Tests call through the full router (ServeHTTP) rather than individual
// handlers so chi URL params and middleware are exercised. Behind the router
// runs a real controller on the in-memory store; it wins the overseer
// election, so queued admin commands are applied within a few poll waits.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"searchcoord/internal/cluster"
	"searchcoord/internal/controller"
	"searchcoord/internal/cores"
	"searchcoord/internal/metrics"
	"searchcoord/internal/store"
)

// ============================================================================
// TEST HELPERS
// ============================================================================

type testEnv struct {
	server *Server
	ctrl   *controller.Controller
	cores  *cores.Container
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()

	mem := store.NewMemoryServer()
	s := mem.Connect(time.Second)
	reg := metrics.NewRegistry(metrics.Config{Enabled: true})

	container := cores.New(cores.Config{Logger: testLogger()})
	cfg := controller.DefaultConfig()
	cfg.Logger = testLogger()
	cfg.Metrics = reg
	cfg.LeaderRetryPause = 10 * time.Millisecond
	cfg.LeaderVoteWait = 300 * time.Millisecond
	cfg.LeaderConflictResolveWait = 3 * time.Second
	cfg.Overseer.PollWait = 20 * time.Millisecond
	cfg.Overseer.ErrorBackoff = 10 * time.Millisecond
	cfg.Election.RetryDelay = 20 * time.Millisecond
	cfg.Election.RejoinDelay = 20 * time.Millisecond

	ctrl, err := controller.New(s, container, cfg)
	if err != nil {
		t.Fatalf("controller.New: %v", err)
	}
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("controller.Start: %v", err)
	}
	t.Cleanup(func() {
		ctrl.Close()
		s.Close()
	})

	srvCfg := DefaultServerConfig()
	srvCfg.Logger = testLogger()
	srvCfg.Metrics = reg.Handler()
	return &testEnv{server: NewServer(ctrl, srvCfg), ctrl: ctrl, cores: container}
}

// doRequest makes an HTTP request through the router.
func doRequest(server *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reqBody *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	server.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, want, rec.Body.String())
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// createBooks creates collection "books" with two shards and waits for it.
func createBooks(t *testing.T, env *testEnv) {
	t.Helper()
	rec := doRequest(env.server, http.MethodPost, "/admin/collections", CreateCollectionRequest{
		Name:              "books",
		NumShards:         2,
		ReplicationFactor: 1,
	})
	expectStatus(t, rec, http.StatusAccepted)
	waitUntil(t, "collection created", func() bool { return env.ctrl.Reader().Collection("books") != nil })
}

// ============================================================================
// HEALTH
// ============================================================================

func TestHealthProbes(t *testing.T) {
	env := setupTestServer(t)

	expectStatus(t, doRequest(env.server, http.MethodGet, "/healthz", nil), http.StatusOK)
	expectStatus(t, doRequest(env.server, http.MethodGet, "/readyz", nil), http.StatusServiceUnavailable)

	env.server.Health().SetReady(true)
	expectStatus(t, doRequest(env.server, http.MethodGet, "/readyz", nil), http.StatusOK)

	rec := doRequest(env.server, http.MethodGet, "/health", nil)
	expectStatus(t, rec, http.StatusOK)
	var body struct {
		Status   string                       `json:"status"`
		NodeName string                       `json:"node_name"`
		Checks   map[string]HealthCheckResult `json:"checks"`
	}
	decode(t, rec, &body)
	if body.NodeName != env.ctrl.NodeName() || body.Checks["live_node"].Status != "pass" {
		t.Errorf("health = %+v", body)
	}

	env.server.Health().SetLive(false)
	expectStatus(t, doRequest(env.server, http.MethodGet, "/healthz", nil), http.StatusServiceUnavailable)
}

func TestReadyzFailsWithoutLiveNode(t *testing.T) {
	env := setupTestServer(t)
	env.server.Health().SetReady(true)

	if err := env.ctrl.PreClose(context.Background()); err != nil {
		t.Fatal(err)
	}
	expectStatus(t, doRequest(env.server, http.MethodGet, "/readyz", nil), http.StatusServiceUnavailable)
}

func TestCustomHealthCheck(t *testing.T) {
	env := setupTestServer(t)
	env.server.Health().AddCheck("disk", func(ctx context.Context) HealthCheckResult {
		return HealthCheckResult{Status: "fail", Message: "full"}
	})

	rec := doRequest(env.server, http.MethodGet, "/health", nil)
	expectStatus(t, rec, http.StatusServiceUnavailable)
	if !strings.Contains(rec.Body.String(), `"degraded"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

// ============================================================================
// CLUSTER AND COLLECTIONS
// ============================================================================

func TestClusterState(t *testing.T) {
	env := setupTestServer(t)
	createBooks(t, env)

	rec := doRequest(env.server, http.MethodGet, "/cluster/state", nil)
	expectStatus(t, rec, http.StatusOK)
	var state cluster.ClusterState
	decode(t, rec, &state)
	if state.Collections["books"] == nil || len(state.Collections["books"].Slices) != 2 {
		t.Errorf("cluster state = %s", rec.Body.String())
	}

	rec = doRequest(env.server, http.MethodGet, "/cluster/live_nodes", nil)
	expectStatus(t, rec, http.StatusOK)
	var live struct {
		LiveNodes []string `json:"live_nodes"`
		Count     int      `json:"count"`
	}
	decode(t, rec, &live)
	if live.Count != 1 || live.LiveNodes[0] != env.ctrl.NodeName() {
		t.Errorf("live nodes = %+v", live)
	}
}

func TestCollections(t *testing.T) {
	env := setupTestServer(t)
	createBooks(t, env)

	rec := doRequest(env.server, http.MethodGet, "/collections", nil)
	expectStatus(t, rec, http.StatusOK)
	var list struct {
		Collections []CollectionSummary `json:"collections"`
	}
	decode(t, rec, &list)
	if len(list.Collections) != 1 || list.Collections[0].Name != "books" || len(list.Collections[0].Shards) != 2 {
		t.Errorf("collections = %+v", list)
	}

	expectStatus(t, doRequest(env.server, http.MethodGet, "/collections/books", nil), http.StatusOK)
	expectStatus(t, doRequest(env.server, http.MethodGet, "/collections/films", nil), http.StatusNotFound)
}

// ============================================================================
// ADMIN COMMANDS
// ============================================================================

func TestCreateCollectionValidation(t *testing.T) {
	env := setupTestServer(t)

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"missing name", CreateCollectionRequest{}, http.StatusBadRequest},
		{"slash in name", CreateCollectionRequest{Name: "a/b"}, http.StatusBadRequest},
		{"not json", "{{", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectStatus(t, doRequest(env.server, http.MethodPost, "/admin/collections", tt.body), tt.want)
		})
	}

	createBooks(t, env)
	expectStatus(t, doRequest(env.server, http.MethodPost, "/admin/collections", CreateCollectionRequest{Name: "books"}), http.StatusConflict)
}

func TestSubmitReturnsQueueID(t *testing.T) {
	env := setupTestServer(t)

	rec := doRequest(env.server, http.MethodPost, "/admin/collections", CreateCollectionRequest{
		Name:       "films",
		Shards:     []string{"a", "b"},
		Properties: map[string]string{"owner": "search-team"},
	})
	expectStatus(t, rec, http.StatusAccepted)
	var resp SubmitResponse
	decode(t, rec, &resp)
	if !strings.HasPrefix(resp.ID, "qn-") || resp.RequestID == "" || resp.Operation != "create" {
		t.Errorf("submit response = %+v", resp)
	}

	waitUntil(t, "films created", func() bool { return env.ctrl.Reader().Collection("films") != nil })
	c := env.ctrl.Reader().Collection("films")
	if c.Slice("a") == nil || c.Slice("b") == nil {
		t.Errorf("explicit shard names ignored: %v", c.SliceNames())
	}
	if c.Props["property.owner"] != "search-team" {
		t.Errorf("props = %v", c.Props)
	}
}

func TestAddAndDeleteReplica(t *testing.T) {
	env := setupTestServer(t)
	createBooks(t, env)
	node := env.ctrl.NodeName()

	expectStatus(t, doRequest(env.server, http.MethodPost, "/admin/collections/books/shards/shard1/replicas",
		AddReplicaRequest{}), http.StatusBadRequest)
	expectStatus(t, doRequest(env.server, http.MethodPost, "/admin/collections/books/shards/shard9/replicas",
		AddReplicaRequest{NodeName: node}), http.StatusNotFound)
	expectStatus(t, doRequest(env.server, http.MethodPost, "/admin/collections/books/shards/shard1/replicas",
		AddReplicaRequest{NodeName: node, Type: "LEADER"}), http.StatusBadRequest)

	rec := doRequest(env.server, http.MethodPost, "/admin/collections/books/shards/shard1/replicas",
		AddReplicaRequest{NodeName: node, CoreNodeName: "core_node7", Type: "tlog"})
	expectStatus(t, rec, http.StatusAccepted)

	waitUntil(t, "replica added", func() bool {
		r, _ := env.ctrl.Reader().Collection("books").Replica("core_node7")
		return r != nil
	})
	r, _ := env.ctrl.Reader().Collection("books").Replica("core_node7")
	if r.Type != cluster.ReplicaTLOG || r.NodeName != node || !strings.HasPrefix(r.Core, "books_shard1_replica_t") {
		t.Errorf("replica = %+v", r)
	}

	expectStatus(t, doRequest(env.server, http.MethodDelete, "/admin/collections/books/replicas/core_node99", nil), http.StatusNotFound)
	expectStatus(t, doRequest(env.server, http.MethodDelete, "/admin/collections/books/replicas/core_node7", nil), http.StatusAccepted)
	waitUntil(t, "replica deleted", func() bool {
		r, _ := env.ctrl.Reader().Collection("books").Replica("core_node7")
		return r == nil
	})
}

func TestDeleteCollection(t *testing.T) {
	env := setupTestServer(t)
	expectStatus(t, doRequest(env.server, http.MethodDelete, "/admin/collections/books", nil), http.StatusNotFound)

	createBooks(t, env)
	expectStatus(t, doRequest(env.server, http.MethodDelete, "/admin/collections/books", nil), http.StatusAccepted)
	waitUntil(t, "collection deleted", func() bool { return env.ctrl.Reader().Collection("books") == nil })
}

func TestSetClusterProp(t *testing.T) {
	env := setupTestServer(t)

	expectStatus(t, doRequest(env.server, http.MethodPost, "/admin/clusterprops", ClusterPropRequest{}), http.StatusBadRequest)
	expectStatus(t, doRequest(env.server, http.MethodPost, "/admin/clusterprops",
		ClusterPropRequest{Name: "urlScheme", Value: "https"}), http.StatusAccepted)

	waitUntil(t, "cluster prop set", func() bool { return env.ctrl.Reader().ClusterProp("urlScheme", "") == "https" })

	rec := doRequest(env.server, http.MethodGet, "/cluster/props", nil)
	expectStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), `"urlScheme":"https"`) {
		t.Errorf("props = %s", rec.Body.String())
	}
}

// ============================================================================
// LEADERS AND OVERSEER
// ============================================================================

func TestShardLeader(t *testing.T) {
	env := setupTestServer(t)
	createBooks(t, env)
	node := env.ctrl.NodeName()

	expectStatus(t, doRequest(env.server, http.MethodGet, "/collections/books/shards/shard1/leader", nil), http.StatusNotFound)
	expectStatus(t, doRequest(env.server, http.MethodGet, "/collections/books/shards/shard7/leader", nil), http.StatusNotFound)

	doRequest(env.server, http.MethodPost, "/admin/collections/books/shards/shard1/replicas",
		AddReplicaRequest{NodeName: node, Core: "books_shard1_replica_n1", CoreNodeName: "core_node1"})
	waitUntil(t, "replica added", func() bool {
		r, _ := env.ctrl.Reader().Collection("books").Replica("core_node1")
		return r != nil
	})

	desc := controller.NewCoreDescriptor("books_shard1_replica_n1", controller.CloudParams{
		Collection: "books", Shard: "shard1", CoreNodeName: "core_node1",
	})
	if _, err := env.cores.Add(desc, cores.CoreOptions{UpdateLog: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.ctrl.Register(context.Background(), desc.Name, desc, false, false, false); err != nil {
		t.Fatalf("Register: %v", err)
	}
	waitUntil(t, "cached leader", func() bool { return env.ctrl.Reader().ShardLeader("books", "shard1") != nil })

	rec := doRequest(env.server, http.MethodGet, "/collections/books/shards/shard1/leader", nil)
	expectStatus(t, rec, http.StatusOK)
	var body map[string]string
	decode(t, rec, &body)
	if body["replica"] != "core_node1" || body["leader_url"] != env.ctrl.BaseURL()+"/books_shard1_replica_n1/" {
		t.Errorf("leader = %v", body)
	}
}

func TestOverseerStatus(t *testing.T) {
	env := setupTestServer(t)
	waitUntil(t, "overseer elected", func() bool {
		rec := doRequest(env.server, http.MethodGet, "/overseer/status", nil)
		var st OverseerStatus
		json.Unmarshal(rec.Body.Bytes(), &st)
		return st.IsLocal && st.Local != nil
	})

	rec := doRequest(env.server, http.MethodGet, "/overseer/status", nil)
	var st OverseerStatus
	decode(t, rec, &st)
	if st.LeaderNode != env.ctrl.NodeName() || st.Local.State != "draining" {
		t.Errorf("status = %+v", st)
	}
}

func TestMetricsAndVersion(t *testing.T) {
	env := setupTestServer(t)

	rec := doRequest(env.server, http.MethodGet, "/metrics", nil)
	expectStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), "searchcoord_overseer_overseer_state") {
		t.Errorf("metrics output lacks overseer state")
	}

	rec = doRequest(env.server, http.MethodGet, "/version", nil)
	expectStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), `"version":"dev"`) {
		t.Errorf("version = %s", rec.Body.String())
	}
}
