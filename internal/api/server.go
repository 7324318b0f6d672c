// =============================================================================
// ADMIN HTTP API
// =============================================================================
//
// Operators and tooling read the cluster state and submit administrative
// commands here. Reads are served from the node's cached cluster state;
// commands never mutate state directly. They go onto the admin queue and
// the elected overseer applies them:
//
//   client ──POST /admin/collections──► API ──Offer──► /overseer/collection-queue-work
//      ▲                                  │                        │
//      └────── 202 {"id": "qn-..."} ◄─────┘                        ▼
//                                                      overseer ─► state.json
//
// ENDPOINT OVERVIEW:
//
//   CLUSTER
//   GET    /cluster/state                                  Full cluster state
//   GET    /cluster/live_nodes                             Live nodes
//   GET    /cluster/props                                  Cluster properties
//
//   COLLECTIONS
//   GET    /collections                                    List collections
//   GET    /collections/{name}                             One collection
//   GET    /collections/{name}/shards/{shard}/leader       Shard leader
//
//   ADMIN (queued, 202 Accepted)
//   POST   /admin/collections                              Create collection
//   DELETE /admin/collections/{name}                       Delete collection
//   POST   /admin/collections/{name}/shards/{shard}/replicas   Add replica
//   DELETE /admin/collections/{name}/replicas/{replica}    Delete replica
//   POST   /admin/clusterprops                             Set cluster property
//
//   NODE
//   GET    /overseer/status                                Overseer status
//   GET    /health, /healthz, /readyz                      Health probes
//   GET    /metrics                                        Prometheus
//   GET    /version                                        Build info
//
// =============================================================================

package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"searchcoord/internal/cluster"
	"searchcoord/internal/controller"
	"searchcoord/internal/election"
	"searchcoord/internal/overseer"
	"searchcoord/internal/queue"
	"searchcoord/internal/store"
)

// =============================================================================
// API SERVER
// =============================================================================

// Node is the coordination node the API fronts.
type Node interface {
	NodeName() string
	Reader() *cluster.StateReader
	Overseer() *overseer.Overseer
	AdminQueue() *queue.DistributedQueue
	Store() store.Store
	GetLeaderURL(ctx context.Context, collection, shard string) (string, error)
}

// Server is the admin HTTP server.
type Server struct {
	node       Node
	health     *HealthState
	httpServer *http.Server
	router     *chi.Mux
	logger     *slog.Logger
}

// ServerConfig holds API server configuration.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Metrics serves /metrics when set.
	Metrics http.Handler

	// TLS switches the listener to HTTPS when set.
	TLS *tls.Config

	Logger *slog.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         ":8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// NewServer creates a new API server for node.
func NewServer(node Node, config ServerConfig) *Server {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	s := &Server{
		node:   node,
		health: NewHealthState(),
		router: r,
		logger: logger.With("component", "api"),
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	s.registerRoutes(config.Metrics)

	s.httpServer = &http.Server{
		Addr:         config.Addr,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
		TLSConfig:    config.TLS,
	}

	return s
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Health is the server's probe state.
func (s *Server) Health() *HealthState { return s.health }

func (s *Server) registerRoutes(metricsHandler http.Handler) {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Get("/version", s.handleVersion)
	if metricsHandler != nil {
		s.router.Handle("/metrics", metricsHandler)
	}

	s.router.Route("/cluster", func(r chi.Router) {
		r.Get("/state", s.getClusterState)
		r.Get("/live_nodes", s.getLiveNodes)
		r.Get("/props", s.getClusterProps)
	})

	s.router.Route("/collections", func(r chi.Router) {
		r.Get("/", s.listCollections)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", s.getCollection)
			r.Get("/shards/{shard}/leader", s.getShardLeader)
		})
	})

	s.router.Route("/admin", func(r chi.Router) {
		r.Post("/collections", s.createCollection)
		r.Route("/collections/{name}", func(r chi.Router) {
			r.Delete("/", s.deleteCollection)
			r.Post("/shards/{shard}/replicas", s.addReplica)
			r.Delete("/replicas/{replica}", s.deleteReplica)
		})
		r.Post("/clusterprops", s.setClusterProp)
	})

	s.router.Get("/overseer/status", s.getOverseerStatus)
}

// loggingMiddleware logs all HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWrapper{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type responseWrapper struct {
	http.ResponseWriter
	status int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// =============================================================================
// SERVER LIFECYCLE
// =============================================================================

// Start begins listening for HTTP requests (non-blocking).
func (s *Server) Start() error {
	s.logger.Info("starting admin API", "addr", s.httpServer.Addr, "tls", s.httpServer.TLSConfig != nil)
	go func() {
		var err error
		if s.httpServer.TLSConfig != nil {
			// certificates come from TLSConfig
			err = s.httpServer.ListenAndServeTLS("", "")
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != http.ErrServerClosed {
			s.logger.Error("admin API server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("shutting down admin API")
	s.health.SetReady(false)
	return s.httpServer.Shutdown(ctx)
}

// =============================================================================
// CLUSTER HANDLERS
// =============================================================================

func (s *Server) getClusterState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.node.Reader().ClusterState())
}

func (s *Server) getLiveNodes(w http.ResponseWriter, r *http.Request) {
	nodes := s.node.Reader().LiveNodes()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"live_nodes": nodes,
		"count":      len(nodes),
	})
}

func (s *Server) getClusterProps(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"props": s.node.Reader().ClusterProps(),
	})
}

// =============================================================================
// COLLECTION HANDLERS
// =============================================================================

// CollectionSummary is one row of the collection list.
type CollectionSummary struct {
	Name              string   `json:"name"`
	Shards            []string `json:"shards"`
	Replicas          int      `json:"replicas"`
	ActiveReplicas    int      `json:"active_replicas"`
	ReplicationFactor int      `json:"replication_factor"`
	PerReplicaState   bool     `json:"per_replica_state"`
}

func (s *Server) listCollections(w http.ResponseWriter, r *http.Request) {
	state := s.node.Reader().ClusterState()
	out := make([]CollectionSummary, 0, len(state.Collections))
	for _, name := range state.CollectionNames() {
		c := state.CollectionOrNil(name)
		if c == nil {
			continue
		}
		sum := CollectionSummary{
			Name:              name,
			Shards:            c.SliceNames(),
			ReplicationFactor: c.ReplicationFactor,
			PerReplicaState:   c.PerReplicaState,
		}
		for _, sl := range c.Slices {
			for _, rep := range sl.Replicas {
				sum.Replicas++
				if rep.IsActive(state.LiveNodes) {
					sum.ActiveReplicas++
				}
			}
		}
		out = append(out, sum)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"collections": out,
	})
}

func (s *Server) getCollection(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	c := s.node.Reader().Collection(name)
	if c == nil {
		s.errorResponse(w, http.StatusNotFound, "collection not found: "+name)
		return
	}
	s.writeJSON(w, http.StatusOK, c)
}

func (s *Server) getShardLeader(w http.ResponseWriter, r *http.Request) {
	name, shard := chi.URLParam(r, "name"), chi.URLParam(r, "shard")
	c := s.node.Reader().Collection(name)
	if c == nil {
		s.errorResponse(w, http.StatusNotFound, "collection not found: "+name)
		return
	}
	if c.Slice(shard) == nil {
		s.errorResponse(w, http.StatusNotFound, "shard not found: "+shard)
		return
	}

	resp := map[string]interface{}{
		"collection": name,
		"shard":      shard,
	}
	if cached := s.node.Reader().ShardLeader(name, shard); cached != nil {
		resp["replica"] = cached.Name
		resp["node_name"] = cached.NodeName
	}

	url, err := s.node.GetLeaderURL(r.Context(), name, shard)
	if err != nil {
		if errors.Is(err, store.ErrNoNode) {
			s.errorResponse(w, http.StatusNotFound, "shard has no leader: "+shard)
			return
		}
		s.errorResponse(w, controller.ErrorCodeOf(err).HTTPStatus(), err.Error())
		return
	}
	resp["leader_url"] = url
	s.writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// CreateCollectionRequest is the body of POST /admin/collections.
type CreateCollectionRequest struct {
	Name              string            `json:"name"`
	NumShards         int               `json:"num_shards,omitempty"`
	Shards            []string          `json:"shards,omitempty"`
	ReplicationFactor int               `json:"replication_factor,omitempty"`
	PerReplicaState   bool              `json:"per_replica_state,omitempty"`
	Properties        map[string]string `json:"properties,omitempty"`
}

// AddReplicaRequest is the body of POST .../replicas.
type AddReplicaRequest struct {
	NodeName     string `json:"node_name"`
	Core         string `json:"core,omitempty"`
	CoreNodeName string `json:"core_node_name,omitempty"`
	Type         string `json:"type,omitempty"`
}

// ClusterPropRequest is the body of POST /admin/clusterprops. An empty
// value removes the property.
type ClusterPropRequest struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SubmitResponse acknowledges a queued admin command.
type SubmitResponse struct {
	ID        string `json:"id"`
	RequestID string `json:"request_id"`
	Operation string `json:"operation"`
}

func (s *Server) createCollection(w http.ResponseWriter, r *http.Request) {
	var req CreateCollectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Name == "" {
		s.errorResponse(w, http.StatusBadRequest, "name is required")
		return
	}
	if strings.ContainsAny(req.Name, "/ ") {
		s.errorResponse(w, http.StatusBadRequest, "name must not contain '/' or spaces")
		return
	}
	if req.NumShards <= 0 {
		req.NumShards = 1
	}
	if req.ReplicationFactor <= 0 {
		req.ReplicationFactor = 1
	}
	if s.node.Reader().Collection(req.Name) != nil {
		s.errorResponse(w, http.StatusConflict, "collection already exists: "+req.Name)
		return
	}

	msg := overseer.NewMessage(overseer.OpCreate,
		overseer.PropName, req.Name,
		overseer.PropNumShards, strconv.Itoa(req.NumShards),
		overseer.PropReplicationFactor, strconv.Itoa(req.ReplicationFactor),
		overseer.PropPerReplicaState, strconv.FormatBool(req.PerReplicaState),
	)
	if len(req.Shards) > 0 {
		msg[overseer.PropShards] = strings.Join(req.Shards, ",")
	}
	for k, v := range req.Properties {
		msg["property."+strings.TrimPrefix(k, "property.")] = v
	}
	s.submit(w, r, msg)
}

func (s *Server) deleteCollection(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if s.node.Reader().Collection(name) == nil {
		s.errorResponse(w, http.StatusNotFound, "collection not found: "+name)
		return
	}
	s.submit(w, r, overseer.NewMessage(overseer.OpDelete, overseer.PropName, name))
}

func (s *Server) addReplica(w http.ResponseWriter, r *http.Request) {
	name, shard := chi.URLParam(r, "name"), chi.URLParam(r, "shard")
	var req AddReplicaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.NodeName == "" {
		s.errorResponse(w, http.StatusBadRequest, "node_name is required")
		return
	}
	typ, err := cluster.ParseReplicaType(req.Type)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	c := s.node.Reader().Collection(name)
	if c == nil {
		s.errorResponse(w, http.StatusNotFound, "collection not found: "+name)
		return
	}
	if c.Slice(shard) == nil {
		s.errorResponse(w, http.StatusNotFound, "shard not found: "+shard)
		return
	}
	if req.Core == "" {
		req.Core = coreName(name, shard, typ)
	}

	msg := overseer.NewMessage(overseer.OpAddReplica,
		overseer.PropCollection, name,
		overseer.PropShard, shard,
		overseer.PropCore, req.Core,
		overseer.PropNodeName, req.NodeName,
		overseer.PropType, string(typ),
	)
	if req.CoreNodeName != "" {
		msg[overseer.PropCoreNodeName] = req.CoreNodeName
	}
	s.submit(w, r, msg)
}

func (s *Server) deleteReplica(w http.ResponseWriter, r *http.Request) {
	name, replica := chi.URLParam(r, "name"), chi.URLParam(r, "replica")
	c := s.node.Reader().Collection(name)
	if c == nil {
		s.errorResponse(w, http.StatusNotFound, "collection not found: "+name)
		return
	}
	if rep, _ := c.Replica(replica); rep == nil {
		s.errorResponse(w, http.StatusNotFound, "replica not found: "+replica)
		return
	}
	s.submit(w, r, overseer.DeleteCoreMessage(name, replica, "", ""))
}

func (s *Server) setClusterProp(w http.ResponseWriter, r *http.Request) {
	var req ClusterPropRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Name == "" {
		s.errorResponse(w, http.StatusBadRequest, "name is required")
		return
	}
	s.submit(w, r, overseer.NewMessage(overseer.OpSetClusterProp,
		overseer.PropName, req.Name,
		overseer.PropValue, req.Value,
	))
}

// submit queues msg on the admin queue and answers 202.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, msg overseer.Message) {
	requestID := uuid.NewString()
	msg[PropRequestID] = requestID

	id, err := overseer.Offer(r.Context(), s.node.AdminQueue(), msg)
	if err != nil {
		s.logger.Error("could not queue admin command", "operation", msg.Operation(), "error", err)
		s.errorResponse(w, http.StatusServiceUnavailable, "could not queue command: "+err.Error())
		return
	}
	s.logger.Info("admin command queued", "operation", msg.Operation(), "id", id, "request_id", requestID)
	s.writeJSON(w, http.StatusAccepted, SubmitResponse{ID: id, RequestID: requestID, Operation: msg.Operation()})
}

// PropRequestID tags queued admin commands with the submitting request.
const PropRequestID = "request_id"

func coreName(collection, shard string, typ cluster.ReplicaType) string {
	suffix := map[cluster.ReplicaType]string{cluster.ReplicaNRT: "n", cluster.ReplicaTLOG: "t", cluster.ReplicaPULL: "p"}[typ]
	return collection + "_" + shard + "_replica_" + suffix + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// =============================================================================
// OVERSEER STATUS
// =============================================================================

// OverseerStatus reports the elected overseer and, if it runs here, its
// counters.
type OverseerStatus struct {
	Leader     string          `json:"leader,omitempty"`
	LeaderNode string          `json:"leader_node,omitempty"`
	IsLocal    bool            `json:"is_local"`
	Local      *overseer.Stats `json:"local,omitempty"`
}

func (s *Server) getOverseerStatus(w http.ResponseWriter, r *http.Request) {
	var status OverseerStatus
	rec, err := election.ReadOverseerLeader(r.Context(), s.node.Store())
	switch {
	case errors.Is(err, store.ErrNoNode):
	case err != nil:
		s.errorResponse(w, http.StatusServiceUnavailable, "read overseer leader: "+err.Error())
		return
	default:
		status.Leader = rec.ID
		status.LeaderNode = election.ParticipantID(rec.ID)
		status.IsLocal = status.LeaderNode == s.node.NodeName()
	}
	if o := s.node.Overseer(); o != nil && o.State() == overseer.StateDraining {
		stats := o.Stats(r.Context())
		status.Local = &stats
	}
	s.writeJSON(w, http.StatusOK, status)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error":  message,
		"status": status,
	})
}

func sortedKeys(m map[string]HealthCheckResult) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
