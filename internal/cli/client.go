// =============================================================================
// CLI HTTP CLIENT - ADMIN INTERFACE TO A COORDINATION NODE
// =============================================================================
//
// WHAT IS THIS?
// A lightweight HTTP client for the admin API every node serves. Any node
// will do: reads come from that node's cached cluster state and commands
// are queued for whichever node is the elected overseer.
//
// FAILOVER:
// The client holds an ordered list of node endpoints. A request goes to
// the endpoint that last answered; when the node cannot be reached the
// next endpoint is tried, until every one failed once. An HTTP error
// reply (4xx/5xx) came from a live node and is returned as is.
//
// HTTP ENDPOINTS USED:
//
//   Cluster:
//     GET    /cluster/state                               Full cluster state
//     GET    /cluster/live_nodes                          Live nodes
//     GET    /cluster/props                               Cluster properties
//     GET    /overseer/status                             Overseer leader
//     GET    /health                                      Node health
//     GET    /version                                     Build info
//
//   Collections:
//     GET    /collections                                 List
//     GET    /collections/{name}                          Describe
//     GET    /collections/{name}/shards/{shard}/leader    Shard leader
//
//   Admin (queued):
//     POST   /admin/collections                           Create collection
//     DELETE /admin/collections/{name}                    Delete collection
//     POST   /admin/collections/{name}/shards/{s}/replicas   Add replica
//     DELETE /admin/collections/{name}/replicas/{r}       Delete replica
//     POST   /admin/clusterprops                          Set cluster property
//
// =============================================================================

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"searchcoord/internal/api"
	"searchcoord/internal/cluster"
)

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig holds configuration for the CLI HTTP client.
type ClientConfig struct {
	// Servers are admin API endpoints of nodes of one cluster, tried in order.
	Servers []string

	// Timeout bounds each attempt against one endpoint.
	Timeout time.Duration
}

// DefaultClientConfig talks to a single local node.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Servers: []string{DefaultServer},
		Timeout: 30 * time.Second,
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client is the HTTP client for CLI operations.
type Client struct {
	config     ClientConfig
	httpClient *http.Client

	// preferred indexes the endpoint that answered last.
	preferred atomic.Int32
}

// NewClient creates a new CLI HTTP client.
func NewClient(config ClientConfig) *Client {
	config.Servers = normalizeServers(config.Servers)
	if len(config.Servers) == 0 {
		config.Servers = []string{DefaultServer}
	}
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Server returns the endpoint the next request goes to first.
func (c *Client) Server() string {
	return c.config.Servers[int(c.preferred.Load())%len(c.config.Servers)]
}

// UnreachableError is returned when no endpoint could be reached.
type UnreachableError struct {
	Errors map[string]error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("no node reachable (%d tried): %v", len(e.Errors), e.Errors)
}

// =============================================================================
// HTTP HELPERS
// =============================================================================

// doRequest sends the request to the preferred endpoint, failing over to
// the others on connection errors, and decodes the JSON response.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	n := len(c.config.Servers)
	start := int(c.preferred.Load())
	failures := make(map[string]error)
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		server := c.config.Servers[idx]
		resp, err := c.send(ctx, server, method, path, payload)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("request failed: %w", ctx.Err())
			}
			failures[server] = err
			continue
		}
		c.preferred.Store(int32(idx))
		return decodeResponse(resp, result)
	}
	return &UnreachableError{Errors: failures}
}

// send performs one attempt against one endpoint. Only transport failures
// come back as errors.
func (c *Client) send(ctx context.Context, server, method, path string, payload []byte) (*http.Response, error) {
	u, err := url.JoinPath(server, path)
	if err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return c.httpClient.Do(req)
}

func decodeResponse(resp *http.Response, result interface{}) error {
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// =============================================================================
// ERROR TYPES
// =============================================================================

// APIError represents an error from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// ErrorResponse is the error response format from the API.
type ErrorResponse struct {
	Error string `json:"error"`
}

// =============================================================================
// CLUSTER OPERATIONS
// =============================================================================

// ClusterState fetches the node's view of the whole cluster.
func (c *Client) ClusterState(ctx context.Context) (*cluster.ClusterState, error) {
	var state cluster.ClusterState
	if err := c.doRequest(ctx, http.MethodGet, "/cluster/state", nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// LiveNodesResponse is the body of GET /cluster/live_nodes.
type LiveNodesResponse struct {
	LiveNodes []string `json:"live_nodes" yaml:"live_nodes"`
	Count     int      `json:"count" yaml:"count"`
}

// LiveNodes lists the nodes with a live marker.
func (c *Client) LiveNodes(ctx context.Context) (*LiveNodesResponse, error) {
	var resp LiveNodesResponse
	if err := c.doRequest(ctx, http.MethodGet, "/cluster/live_nodes", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ClusterProps fetches the cluster properties.
func (c *Client) ClusterProps(ctx context.Context) (map[string]string, error) {
	var resp struct {
		Props map[string]string `json:"props"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/cluster/props", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Props, nil
}

// SetClusterProp queues a cluster property change. An empty value
// removes the property.
func (c *Client) SetClusterProp(ctx context.Context, name, value string) (*api.SubmitResponse, error) {
	var resp api.SubmitResponse
	err := c.doRequest(ctx, http.MethodPost, "/admin/clusterprops", api.ClusterPropRequest{Name: name, Value: value}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// OverseerStatus reports the elected overseer.
func (c *Client) OverseerStatus(ctx context.Context) (*api.OverseerStatus, error) {
	var resp api.OverseerStatus
	if err := c.doRequest(ctx, http.MethodGet, "/overseer/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string                           `json:"status" yaml:"status"`
	NodeName  string                           `json:"node_name" yaml:"node_name"`
	Ready     bool                             `json:"ready" yaml:"ready"`
	Uptime    string                           `json:"uptime" yaml:"uptime"`
	Timestamp string                           `json:"timestamp" yaml:"timestamp"`
	Checks    map[string]api.HealthCheckResult `json:"checks" yaml:"checks"`
}

// Health fetches the node's health. A degraded node answers 503, which
// surfaces as an *APIError.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doRequest(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// VersionInfo contains client and server versions.
type VersionInfo struct {
	ClientVersion string `json:"client_version" yaml:"client_version"`
	ServerVersion string `json:"version" yaml:"server_version"`
	GitCommit     string `json:"git_commit" yaml:"git_commit"`
	GoVersion     string `json:"go_version" yaml:"go_version"`
}

// GetVersion gets server version info.
func (c *Client) GetVersion(ctx context.Context) (*VersionInfo, error) {
	var resp VersionInfo
	if err := c.doRequest(ctx, http.MethodGet, "/version", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// =============================================================================
// COLLECTION OPERATIONS
// =============================================================================

// ListCollections lists every collection with replica counts.
func (c *Client) ListCollections(ctx context.Context) ([]api.CollectionSummary, error) {
	var resp struct {
		Collections []api.CollectionSummary `json:"collections"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/collections", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Collections, nil
}

// GetCollection fetches one collection's state.
func (c *Client) GetCollection(ctx context.Context, name string) (*cluster.Collection, error) {
	var coll cluster.Collection
	if err := c.doRequest(ctx, http.MethodGet, "/collections/"+url.PathEscape(name), nil, &coll); err != nil {
		return nil, err
	}
	return &coll, nil
}

// ShardLeader describes the leader of one shard.
type ShardLeader struct {
	Collection string `json:"collection" yaml:"collection"`
	Shard      string `json:"shard" yaml:"shard"`
	Replica    string `json:"replica,omitempty" yaml:"replica,omitempty"`
	NodeName   string `json:"node_name,omitempty" yaml:"node_name,omitempty"`
	LeaderURL  string `json:"leader_url" yaml:"leader_url"`
}

// GetShardLeader looks up the registered leader of a shard.
func (c *Client) GetShardLeader(ctx context.Context, collection, shard string) (*ShardLeader, error) {
	var resp ShardLeader
	path := "/collections/" + url.PathEscape(collection) + "/shards/" + url.PathEscape(shard) + "/leader"
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateCollection queues a collection creation.
func (c *Client) CreateCollection(ctx context.Context, req api.CreateCollectionRequest) (*api.SubmitResponse, error) {
	var resp api.SubmitResponse
	if err := c.doRequest(ctx, http.MethodPost, "/admin/collections", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteCollection queues a collection deletion.
func (c *Client) DeleteCollection(ctx context.Context, name string) (*api.SubmitResponse, error) {
	var resp api.SubmitResponse
	if err := c.doRequest(ctx, http.MethodDelete, "/admin/collections/"+url.PathEscape(name), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AddReplica queues a replica for shard.
func (c *Client) AddReplica(ctx context.Context, collection, shard string, req api.AddReplicaRequest) (*api.SubmitResponse, error) {
	var resp api.SubmitResponse
	path := "/admin/collections/" + url.PathEscape(collection) + "/shards/" + url.PathEscape(shard) + "/replicas"
	if err := c.doRequest(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteReplica queues the removal of a replica.
func (c *Client) DeleteReplica(ctx context.Context, collection, replica string) (*api.SubmitResponse, error) {
	var resp api.SubmitResponse
	path := "/admin/collections/" + url.PathEscape(collection) + "/replicas/" + url.PathEscape(replica)
	if err := c.doRequest(ctx, http.MethodDelete, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
