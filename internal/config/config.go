package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"searchcoord/internal/cluster"
	"searchcoord/internal/metrics"
	"searchcoord/internal/security"
)

// =============================================================================
// NODE CONFIGURATION
// =============================================================================
//
// A node is configured from three layers, later layers winning:
//
//   DefaultNodeConfig()  →  YAML file (--config)  →  SEARCHCOORD_* env vars
//
// The env layer exists for containers, where mounting a file per node is
// awkward. Only the scalar settings an operator changes per node are
// exposed there; cores are always listed in the file.
//
//   host: 10.0.0.5
//   port: 8983
//   store:
//     backend: etcd
//     endpoints: [etcd-0:2379, etcd-1:2379]
//   overseer_role: preferred
//   cores:
//     - name: books_shard1_replica_n1
//       collection: books
//       shard: shard1
//
// =============================================================================

// Store backends.
const (
	BackendEtcd   = "etcd"
	BackendMemory = "memory"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SEARCHCOORD_"

// NodeConfig is the complete configuration of one node.
type NodeConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Context string `yaml:"context"`
	Scheme  string `yaml:"scheme"`

	Store StoreConfig `yaml:"store"`

	LeaderVoteWait            time.Duration `yaml:"leader_vote_wait"`
	LeaderConflictResolveWait time.Duration `yaml:"leader_conflict_resolve_wait"`
	LeaderRetryPause          time.Duration `yaml:"leader_retry_pause"`

	// DistributedClusterStateUpdates makes nodes write state.json
	// themselves instead of queueing for the overseer.
	DistributedClusterStateUpdates bool `yaml:"distributed_cluster_state_updates"`

	// OverseerRole is preferred, allowed or disallowed.
	OverseerRole string `yaml:"overseer_role"`

	GenericCoreNodeNames  bool          `yaml:"generic_core_node_names"`
	WaitForReplicaTimeout time.Duration `yaml:"wait_for_replica_timeout"`
	DownStatesTimeout     time.Duration `yaml:"down_states_timeout"`
	RegisterWorkers       int           `yaml:"register_workers"`

	Overseer OverseerConfig `yaml:"overseer"`
	Admin    AdminConfig    `yaml:"admin"`
	Metrics  metrics.Config `yaml:"metrics"`
	LogLevel string         `yaml:"log_level"`

	Cores []CoreConfig `yaml:"cores"`
}

// StoreConfig selects and tunes the coordination store.
type StoreConfig struct {
	Backend        string        `yaml:"backend"`
	Endpoints      []string      `yaml:"endpoints"`
	Prefix         string        `yaml:"prefix"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`

	// TLS secures the etcd client connection.
	TLS security.TLSConfig `yaml:"tls"`
}

// OverseerConfig tunes the drain loop.
type OverseerConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	PollWait     time.Duration `yaml:"poll_wait"`
	ErrorBackoff time.Duration `yaml:"error_backoff"`
}

// AdminConfig is the admin HTTP listener.
type AdminConfig struct {
	Addr string             `yaml:"addr"`
	TLS  security.TLSConfig `yaml:"tls"`
}

// CoreConfig declares one locally hosted core.
type CoreConfig struct {
	Name         string            `yaml:"name"`
	Collection   string            `yaml:"collection"`
	Shard        string            `yaml:"shard,omitempty"`
	CoreNodeName string            `yaml:"core_node_name,omitempty"`
	Type         string            `yaml:"type,omitempty"`
	Params       map[string]string `yaml:"params,omitempty"`
}

// DefaultNodeConfig returns the built-in defaults.
func DefaultNodeConfig() NodeConfig {
	m := metrics.DefaultConfig()
	m.Enabled = true
	m.Namespace = "searchcoord"
	return NodeConfig{
		Host:    "127.0.0.1",
		Port:    8983,
		Context: "solr",
		Scheme:  "http",
		Store: StoreConfig{
			Backend:        BackendEtcd,
			Endpoints:      []string{"localhost:2379"},
			Prefix:         "/searchcoord",
			SessionTimeout: 30 * time.Second,
			DialTimeout:    5 * time.Second,
		},
		LeaderVoteWait:            180 * time.Second,
		LeaderConflictResolveWait: 180 * time.Second,
		LeaderRetryPause:          time.Second,
		OverseerRole:              "allowed",
		GenericCoreNodeNames:      true,
		WaitForReplicaTimeout:     10 * time.Second,
		DownStatesTimeout:         60 * time.Second,
		RegisterWorkers:           8,
		Overseer: OverseerConfig{
			BatchSize:    100,
			PollWait:     2 * time.Second,
			ErrorBackoff: time.Second,
		},
		Admin:    AdminConfig{Addr: ":8080"},
		Metrics:  m,
		LogLevel: "info",
	}
}

// Load reads path on top of the defaults and applies the environment.
// An empty path yields defaults plus environment.
func Load(path string) (NodeConfig, error) {
	cfg := DefaultNodeConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides scalar settings from SEARCHCOORD_* variables looked
// up through lookup.
func (c *NodeConfig) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []string
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %q is not a number", EnvPrefix, key, v))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %q is not a duration", EnvPrefix, key, v))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %q is not a boolean", EnvPrefix, key, v))
				return
			}
			*dst = b
		}
	}

	str("HOST", &c.Host)
	num("PORT", &c.Port)
	str("CONTEXT", &c.Context)
	str("STORE_BACKEND", &c.Store.Backend)
	if v, ok := lookup(EnvPrefix + "STORE_ENDPOINTS"); ok && v != "" {
		c.Store.Endpoints = splitList(v)
	}
	str("STORE_PREFIX", &c.Store.Prefix)
	dur("STORE_SESSION_TIMEOUT", &c.Store.SessionTimeout)
	dur("LEADER_VOTE_WAIT", &c.LeaderVoteWait)
	dur("LEADER_CONFLICT_RESOLVE_WAIT", &c.LeaderConflictResolveWait)
	boolean("DISTRIBUTED_CLUSTER_STATE_UPDATES", &c.DistributedClusterStateUpdates)
	str("OVERSEER_ROLE", &c.OverseerRole)
	boolean("STORE_TLS_ENABLED", &c.Store.TLS.Enabled)
	str("STORE_TLS_CA_FILE", &c.Store.TLS.CAFile)
	str("STORE_TLS_CERT_FILE", &c.Store.TLS.CertFile)
	str("STORE_TLS_KEY_FILE", &c.Store.TLS.KeyFile)
	str("ADMIN_ADDR", &c.Admin.Addr)
	boolean("ADMIN_TLS_ENABLED", &c.Admin.TLS.Enabled)
	str("ADMIN_TLS_CERT_FILE", &c.Admin.TLS.CertFile)
	str("ADMIN_TLS_KEY_FILE", &c.Admin.TLS.KeyFile)
	str("LOG_LEVEL", &c.LogLevel)

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// NodeName is the name this node registers under.
func (c NodeConfig) NodeName() string {
	return cluster.NodeName(c.Host, c.Port, c.Context)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
