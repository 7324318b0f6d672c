package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-test/deep"

	"searchcoord/internal/api"
	"searchcoord/internal/cluster"
)

// =============================================================================
// CLIENT
// =============================================================================

func newStubServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{Servers: []string{srv.URL}, Timeout: 5 * time.Second})
}

func TestClient_CreateCollectionSendsBody(t *testing.T) {
	var got api.CreateCollectionRequest
	client := newStubServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/admin/collections" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(api.SubmitResponse{ID: "qn-0000000003", Operation: "create"})
	})

	resp, err := client.CreateCollection(context.Background(), api.CreateCollectionRequest{
		Name:       "books",
		NumShards:  2,
		Properties: map[string]string{"owner": "search"},
	})
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}
	if resp.ID != "qn-0000000003" || resp.Operation != "create" {
		t.Errorf("response = %+v", resp)
	}
	if got.Name != "books" || got.NumShards != 2 || got.Properties["owner"] != "search" {
		t.Errorf("server saw %+v", got)
	}
}

func TestClient_APIError(t *testing.T) {
	client := newStubServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"collection books already exists"}`))
	})

	_, err := client.CreateCollection(context.Background(), api.CreateCollectionRequest{Name: "books"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Message != "collection books already exists" {
		t.Errorf("api error = %+v", apiErr)
	}
}

func TestClient_APIErrorWithoutJSONBody(t *testing.T) {
	client := newStubServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway down", http.StatusBadGateway)
	})

	_, err := client.ListCollections(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || !strings.Contains(apiErr.Message, "gateway down") {
		t.Fatalf("err = %v", err)
	}
}

func TestClient_EscapesPathSegments(t *testing.T) {
	var path string
	client := newStubServer(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.EscapedPath()
		json.NewEncoder(w).Encode(ShardLeader{Collection: "my books", Shard: "shard1", LeaderURL: "http://n1/solr/core/"})
	})

	leader, err := client.GetShardLeader(context.Background(), "my books", "shard1")
	if err != nil {
		t.Fatal(err)
	}
	if path != "/collections/my%20books/shards/shard1/leader" {
		t.Errorf("path = %q", path)
	}
	if leader.LeaderURL != "http://n1/solr/core/" {
		t.Errorf("leader = %+v", leader)
	}
}

// deadServer returns the URL of a server that no longer accepts connections.
func deadServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	return url
}

func TestClient_FailsOverToNextNode(t *testing.T) {
	var hits atomic.Int32
	live := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"collections":[]}`))
	}))
	t.Cleanup(live.Close)
	dead := deadServer(t)

	client := NewClient(ClientConfig{Servers: []string{dead, live.URL}, Timeout: 2 * time.Second})
	if _, err := client.ListCollections(context.Background()); err != nil {
		t.Fatalf("ListCollections: %v", err)
	}
	if client.Server() != live.URL {
		t.Errorf("preferred server = %s, want %s", client.Server(), live.URL)
	}
	// The live node stays preferred; the dead one is not retried first.
	if _, err := client.ListCollections(context.Background()); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 2 {
		t.Errorf("live node hits = %d, want 2", hits.Load())
	}
}

func TestClient_APIErrorDoesNotFailOver(t *testing.T) {
	var second atomic.Int32
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"collection books not found"}`))
	}))
	t.Cleanup(first.Close)
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		second.Add(1)
	}))
	t.Cleanup(other.Close)

	client := NewClient(ClientConfig{Servers: []string{first.URL, other.URL}, Timeout: 2 * time.Second})
	_, err := client.GetShardLeader(context.Background(), "books", "shard1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("err = %v, want 404 APIError", err)
	}
	if second.Load() != 0 {
		t.Errorf("an HTTP error reply must not fail over")
	}
}

func TestClient_AllNodesUnreachable(t *testing.T) {
	a, b := deadServer(t), deadServer(t)
	client := NewClient(ClientConfig{Servers: []string{a, b}, Timeout: time.Second})

	_, err := client.ListCollections(context.Background())
	var unreachable *UnreachableError
	if !errors.As(err, &unreachable) {
		t.Fatalf("err = %v, want UnreachableError", err)
	}
	if len(unreachable.Errors) != 2 || unreachable.Errors[a] == nil || unreachable.Errors[b] == nil {
		t.Errorf("errors = %v", unreachable.Errors)
	}
}

// =============================================================================
// FORMATTER
// =============================================================================

func TestFormatter_CollectionsTable(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(OutputTable)
	f.SetWriter(&buf)

	err := f.FormatCollections([]api.CollectionSummary{
		{Name: "books", Shards: []string{"shard1", "shard2"}, Replicas: 4, ActiveReplicas: 3, ReplicationFactor: 2, PerReplicaState: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"NAME", "books", "yes"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatter_CollectionJSON(t *testing.T) {
	var buf bytes.Buffer
	f := NewFormatter(OutputJSON)
	f.SetWriter(&buf)

	c := cluster.NewCollection("books")
	c.ReplicationFactor = 1
	if err := f.FormatCollection(c, nil); err != nil {
		t.Fatal(err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("not JSON: %v\n%s", err, buf.String())
	}
	if decoded["name"] != "books" {
		t.Errorf("decoded = %v", decoded)
	}
}

func TestParseOutputFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    OutputFormat
		wantErr bool
	}{
		{"", OutputTable, false},
		{"JSON", OutputJSON, false},
		{"yml", OutputYAML, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseOutputFormat(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseOutputFormat(%q) = %q, %v", tt.in, got, err)
		}
	}
}

// =============================================================================
// CONFIG
// =============================================================================

func TestConfig_SaveAndLoadContexts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	err := cfg.SetContext("prod", &ContextConfig{
		Servers: []string{"https://node-1:8080/", "https://node-2:8080", "https://node-1:8080"},
		Timeout: 10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.UseContext("prod"); err != nil {
		t.Fatal(err)
	}
	if err := cfg.SaveToPath(path); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadConfigFromPath(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := loaded.ListContexts(); len(got) != 2 || got[0] != "local" || got[1] != "prod" {
		t.Errorf("contexts = %v", got)
	}
	ctx, err := loaded.GetCurrentContext()
	if err != nil {
		t.Fatal(err)
	}
	if diff := deep.Equal(ctx.Servers, []string{"https://node-1:8080", "https://node-2:8080"}); diff != nil {
		t.Errorf("servers: %v", diff)
	}

	if err := loaded.DeleteContext("prod"); err != nil {
		t.Fatal(err)
	}
	if _, err := loaded.GetCurrentContext(); err == nil {
		t.Error("deleted current context still resolves")
	}
}

func TestLoadConfig_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := LoadConfigFromPath(filepath.Join(t.TempDir(), "none.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CurrentContext != "local" {
		t.Errorf("current context = %q", cfg.CurrentContext)
	}
}

func TestConfig_RejectsBadContexts(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		name string
		ctx  *ContextConfig
	}{
		{"no servers", &ContextConfig{}},
		{"blank servers", &ContextConfig{Servers: []string{" ", ""}}},
		{"no scheme", &ContextConfig{Servers: []string{"node-1:8080"}}},
		{"wrong scheme", &ContextConfig{Servers: []string{"ftp://node-1"}}},
	}
	for _, tt := range tests {
		if err := cfg.SetContext(tt.name, tt.ctx); err == nil {
			t.Errorf("%s: SetContext accepted %+v", tt.name, tt.ctx)
		}
	}
	if len(cfg.Contexts) != 1 {
		t.Errorf("rejected contexts were stored: %v", cfg.ListContexts())
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("current-context: x\ncontexts:\n  x:\n    servers: []\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfigFromPath(path); err == nil {
		t.Error("loading a context without servers succeeded")
	}
}

func TestContextConfig_AddAndRemoveServers(t *testing.T) {
	ctx := &ContextConfig{Servers: []string{"http://n1:8080"}}
	ctx.AddServers("http://n2:8080/", "http://n1:8080")
	if diff := deep.Equal(ctx.Servers, []string{"http://n1:8080", "http://n2:8080"}); diff != nil {
		t.Errorf("after add: %v", diff)
	}
	if !ctx.RemoveServer("http://n1:8080/") {
		t.Error("RemoveServer did not find n1")
	}
	if ctx.RemoveServer("http://n9:8080") {
		t.Error("RemoveServer found an unknown server")
	}
	if diff := deep.Equal(ctx.Servers, []string{"http://n2:8080"}); diff != nil {
		t.Errorf("after remove: %v", diff)
	}
}

func TestResolveServersPrecedence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Contexts["local"].Servers = []string{"http://from-config-1:8080", "http://from-config-2:8080"}

	t.Setenv(EnvServer, "")
	if diff := deep.Equal(ResolveServers(nil, cfg), []string{"http://from-config-1:8080", "http://from-config-2:8080"}); diff != nil {
		t.Errorf("config: %v", diff)
	}
	t.Setenv(EnvServer, "http://env-1:8080, http://env-2:8080")
	if diff := deep.Equal(ResolveServers(nil, cfg), []string{"http://env-1:8080", "http://env-2:8080"}); diff != nil {
		t.Errorf("env: %v", diff)
	}
	if diff := deep.Equal(ResolveServers([]string{"http://flag:8080"}, cfg), []string{"http://flag:8080"}); diff != nil {
		t.Errorf("flag: %v", diff)
	}
	t.Setenv(EnvServer, "")
	cfg.CurrentContext = ""
	if diff := deep.Equal(ResolveServers(nil, cfg), []string{DefaultServer}); diff != nil {
		t.Errorf("default: %v", diff)
	}
}

func TestResolveTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Contexts["local"].Timeout = 12

	t.Setenv(EnvTimeout, "")
	if got := ResolveTimeout(30*time.Second, false, cfg); got != 12*time.Second {
		t.Errorf("config: got %v", got)
	}
	t.Setenv(EnvTimeout, "7")
	if got := ResolveTimeout(30*time.Second, false, cfg); got != 7*time.Second {
		t.Errorf("env seconds: got %v", got)
	}
	t.Setenv(EnvTimeout, "1m")
	if got := ResolveTimeout(30*time.Second, false, cfg); got != time.Minute {
		t.Errorf("env duration: got %v", got)
	}
	if got := ResolveTimeout(3*time.Second, true, cfg); got != 3*time.Second {
		t.Errorf("flag: got %v", got)
	}
}
