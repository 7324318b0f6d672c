// =============================================================================
// CLI CONFIGURATION - CLUSTER CONTEXTS AND NODE ENDPOINTS
// =============================================================================
//
// A context names one cluster and lists the admin endpoints of several of
// its nodes. Every node serves the same cluster view and forwards changes
// to the overseer queue, so the client may talk to any of them: it tries
// the endpoints in order and fails over when a node does not answer.
//
// FILE (~/.searchcoord/config.yaml):
//
//   current-context: production
//   contexts:
//     local:
//       servers: [http://localhost:8080]
//     production:
//       servers:
//         - http://search-node-1.prod:8080
//         - http://search-node-2.prod:8080
//         - http://search-node-3.prod:8080
//       timeout: 10
//
// WHERE THE ENDPOINTS COME FROM (first non-empty wins):
//   1. --server flags (repeatable, or comma separated)
//   2. SEARCHCOORD_SERVER (comma separated)
//   3. the servers of the current context (--context / SEARCHCOORD_CONTEXT)
//   4. http://localhost:8080
//
// =============================================================================

package cli

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables read by the CLI.
const (
	EnvServer  = "SEARCHCOORD_SERVER"
	EnvContext = "SEARCHCOORD_CONTEXT"
	EnvTimeout = "SEARCHCOORD_TIMEOUT"
)

// DefaultServer is used when nothing names an endpoint.
const DefaultServer = "http://localhost:8080"

// Config is the CLI configuration file.
type Config struct {
	CurrentContext string                    `yaml:"current-context"`
	Contexts       map[string]*ContextConfig `yaml:"contexts"`
}

// ContextConfig is one cluster: the admin endpoints of some of its nodes,
// in the order the client tries them.
type ContextConfig struct {
	Servers []string `yaml:"servers"`

	// Timeout in seconds; zero leaves the --timeout default in place.
	Timeout int `yaml:"timeout,omitempty"`
}

// Validate checks that the context has at least one usable endpoint.
func (c *ContextConfig) Validate() error {
	if len(c.Servers) == 0 {
		return errors.New("no servers")
	}
	for _, s := range c.Servers {
		if err := validateServer(s); err != nil {
			return err
		}
	}
	if c.Timeout < 0 {
		return fmt.Errorf("negative timeout %d", c.Timeout)
	}
	return nil
}

// AddServers appends endpoints not yet in the list.
func (c *ContextConfig) AddServers(servers ...string) {
	c.Servers = normalizeServers(append(c.Servers, servers...))
}

// RemoveServer drops an endpoint and reports whether it was present.
func (c *ContextConfig) RemoveServer(server string) bool {
	server = strings.TrimRight(strings.TrimSpace(server), "/")
	for i, s := range c.Servers {
		if s == server {
			c.Servers = append(c.Servers[:i], c.Servers[i+1:]...)
			return true
		}
	}
	return false
}

func validateServer(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("server %q: %w", s, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server %q: scheme must be http or https", s)
	}
	if u.Host == "" {
		return fmt.Errorf("server %q: missing host", s)
	}
	return nil
}

// normalizeServers trims, drops trailing slashes and removes duplicates,
// keeping the first occurrence so the failover order is preserved.
func normalizeServers(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimRight(strings.TrimSpace(s), "/")
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// SplitServers turns comma separated flag or env values into an
// endpoint list.
func SplitServers(values ...string) []string {
	var parts []string
	for _, v := range values {
		parts = append(parts, strings.Split(v, ",")...)
	}
	return normalizeServers(parts)
}

// =============================================================================
// FILE
// =============================================================================

// DefaultConfigDir returns ~/.searchcoord, or a relative directory when
// the home directory is unknown.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".searchcoord"
	}
	return filepath.Join(home, ".searchcoord")
}

// DefaultConfigPath returns the config file under DefaultConfigDir.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultConfig has a single "local" context.
func DefaultConfig() *Config {
	return &Config{
		CurrentContext: "local",
		Contexts: map[string]*ContextConfig{
			"local": {Servers: []string{DefaultServer}},
		},
	}
}

// LoadConfig reads the default config file.
func LoadConfig() (*Config, error) {
	return LoadConfigFromPath(DefaultConfigPath())
}

// LoadConfigFromPath reads a config file. A missing file yields
// DefaultConfig. Contexts are normalized and validated.
func LoadConfigFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Contexts == nil {
		cfg.Contexts = make(map[string]*ContextConfig)
	}
	for name, ctx := range cfg.Contexts {
		if ctx == nil {
			return nil, fmt.Errorf("config %s: context %q is empty", path, name)
		}
		ctx.Servers = normalizeServers(ctx.Servers)
		if err := ctx.Validate(); err != nil {
			return nil, fmt.Errorf("config %s: context %q: %w", path, name, err)
		}
	}
	return &cfg, nil
}

// Save writes the default config file.
func (c *Config) Save() error {
	return c.SaveToPath(DefaultConfigPath())
}

// SaveToPath writes the file readable by the owner only.
func (c *Config) SaveToPath(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// =============================================================================
// CONTEXTS
// =============================================================================

// GetCurrentContext returns the active context.
func (c *Config) GetCurrentContext() (*ContextConfig, error) {
	if c.CurrentContext == "" {
		return nil, errors.New("no current context set")
	}
	return c.GetContext(c.CurrentContext)
}

// GetContext looks a context up by name.
func (c *Config) GetContext(name string) (*ContextConfig, error) {
	ctx, ok := c.Contexts[name]
	if !ok {
		return nil, fmt.Errorf("context %q not found", name)
	}
	return ctx, nil
}

// SetContext validates and stores a context under name.
func (c *Config) SetContext(name string, ctx *ContextConfig) error {
	ctx.Servers = normalizeServers(ctx.Servers)
	if err := ctx.Validate(); err != nil {
		return fmt.Errorf("context %q: %w", name, err)
	}
	if c.Contexts == nil {
		c.Contexts = make(map[string]*ContextConfig)
	}
	c.Contexts[name] = ctx
	return nil
}

// DeleteContext removes a context; deleting the current one leaves no
// context selected.
func (c *Config) DeleteContext(name string) error {
	if _, ok := c.Contexts[name]; !ok {
		return fmt.Errorf("context %q not found", name)
	}
	delete(c.Contexts, name)
	if c.CurrentContext == name {
		c.CurrentContext = ""
	}
	return nil
}

// UseContext selects the current context.
func (c *Config) UseContext(name string) error {
	if _, ok := c.Contexts[name]; !ok {
		return fmt.Errorf("context %q not found", name)
	}
	c.CurrentContext = name
	return nil
}

// ListContexts returns the context names sorted.
func (c *Config) ListContexts() []string {
	names := make([]string, 0, len(c.Contexts))
	for name := range c.Contexts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// =============================================================================
// RESOLUTION
// =============================================================================

// ResolveServers returns the endpoints to try, in order. Flag values and
// the environment may be comma separated.
func ResolveServers(flagValues []string, config *Config) []string {
	if s := SplitServers(flagValues...); len(s) > 0 {
		return s
	}
	if s := SplitServers(os.Getenv(EnvServer)); len(s) > 0 {
		return s
	}
	if config != nil {
		if ctx, err := config.GetCurrentContext(); err == nil && len(ctx.Servers) > 0 {
			return append([]string(nil), ctx.Servers...)
		}
	}
	return []string{DefaultServer}
}

// ResolveTimeout picks the request timeout: an explicitly set flag wins,
// then the environment (a duration or whole seconds), then the current
// context.
func ResolveTimeout(flagValue time.Duration, flagSet bool, config *Config) time.Duration {
	if flagSet {
		return flagValue
	}
	if env := os.Getenv(EnvTimeout); env != "" {
		if d, err := time.ParseDuration(env); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(env); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	if config != nil {
		if ctx, err := config.GetCurrentContext(); err == nil && ctx.Timeout > 0 {
			return time.Duration(ctx.Timeout) * time.Second
		}
	}
	return flagValue
}
