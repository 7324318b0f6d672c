package config

import (
	"fmt"
	"net"
	"strings"

	"searchcoord/internal/cluster"
)

// =============================================================================
// CONFIG VALIDATION
// =============================================================================
//
// Validation runs once at startup, before the node touches the store. A node
// with a bad name or a bad store address would otherwise register garbage
// that other nodes act on.
//
//   PATTERN: ACCUMULATE ERRORS
//   Every problem is collected and returned together so the operator can
//   fix the file in one pass.
//
// =============================================================================

// ValidationError holds one or more configuration validation failures.
type ValidationError struct {
	Errors []string
}

// Error implements the error interface.
// Formats all validation errors as a numbered list for readability.
func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0])
	}

	var b strings.Builder
	b.WriteString("configuration validation failed:\n")
	for i, err := range e.Errors {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, err)
	}
	return b.String()
}

var overseerRoles = map[string]bool{"preferred": true, "allowed": true, "disallowed": true}

// Validate checks cfg for mistakes. Returns nil if valid, or a
// *ValidationError with all problems found.
func Validate(cfg NodeConfig) error {
	var errs []string

	// Node identity: host and port end up in the node name every other
	// node addresses us by.
	if cfg.Host == "" {
		errs = append(errs, "host: must not be empty")
	} else if strings.ContainsAny(cfg.Host, " \t\n\r_/") {
		errs = append(errs, fmt.Sprintf("host: %q must not contain whitespace, '_' or '/'", cfg.Host))
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		errs = append(errs, fmt.Sprintf("port: must be between 1 and 65535, got %d", cfg.Port))
	}
	if cfg.Scheme != "http" && cfg.Scheme != "https" {
		errs = append(errs, fmt.Sprintf("scheme: must be http or https, got %q", cfg.Scheme))
	}

	errs = append(errs, validateStore(cfg.Store)...)

	positive := []struct {
		name  string
		value int64
	}{
		{"leader_vote_wait", int64(cfg.LeaderVoteWait)},
		{"leader_conflict_resolve_wait", int64(cfg.LeaderConflictResolveWait)},
		{"leader_retry_pause", int64(cfg.LeaderRetryPause)},
		{"wait_for_replica_timeout", int64(cfg.WaitForReplicaTimeout)},
		{"down_states_timeout", int64(cfg.DownStatesTimeout)},
		{"register_workers", int64(cfg.RegisterWorkers)},
		{"overseer.batch_size", int64(cfg.Overseer.BatchSize)},
		{"overseer.poll_wait", int64(cfg.Overseer.PollWait)},
		{"overseer.error_backoff", int64(cfg.Overseer.ErrorBackoff)},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, fmt.Sprintf("%s: must be > 0", p.name))
		}
	}

	if !overseerRoles[cfg.OverseerRole] {
		errs = append(errs, fmt.Sprintf("overseer_role: unknown role %q (want preferred, allowed or disallowed)", cfg.OverseerRole))
	}

	if cfg.Admin.Addr != "" {
		if err := validateAddress(cfg.Admin.Addr); err != nil {
			errs = append(errs, fmt.Sprintf("admin.addr: invalid: %v", err))
		}
	}
	if err := cfg.Admin.TLS.Validate(); err != nil {
		errs = append(errs, "admin.tls: "+err.Error())
	}
	if cfg.Admin.TLS.Enabled && cfg.Admin.TLS.CertFile == "" && !cfg.Admin.TLS.GenerateSelfSigned {
		errs = append(errs, "admin.tls: cert_file/key_file or generate_self_signed is required")
	}

	errs = append(errs, validateCores(cfg.Cores)...)

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

func validateStore(cfg StoreConfig) []string {
	var errs []string

	switch cfg.Backend {
	case BackendMemory:
	case BackendEtcd:
		if len(cfg.Endpoints) == 0 {
			errs = append(errs, "store.endpoints: at least one endpoint is required for the etcd backend")
		}
		for i, ep := range cfg.Endpoints {
			if err := validateAddress(strings.TrimPrefix(strings.TrimPrefix(ep, "http://"), "https://")); err != nil {
				errs = append(errs, fmt.Sprintf("store.endpoints[%d]: invalid address %q: %v", i, ep, err))
			}
		}
		if cfg.DialTimeout <= 0 {
			errs = append(errs, "store.dial_timeout: must be > 0")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.backend: unknown backend %q (want etcd or memory)", cfg.Backend))
	}

	if cfg.SessionTimeout <= 0 {
		errs = append(errs, "store.session_timeout: must be > 0")
	}
	if err := cfg.TLS.Validate(); err != nil {
		errs = append(errs, "store.tls: "+err.Error())
	}
	return errs
}

func validateCores(cores []CoreConfig) []string {
	var errs []string
	seen := make(map[string]bool, len(cores))

	for i, c := range cores {
		if c.Name == "" {
			errs = append(errs, fmt.Sprintf("cores[%d].name: must not be empty", i))
		} else if seen[c.Name] {
			errs = append(errs, fmt.Sprintf("cores[%d].name: duplicate core %q", i, c.Name))
		}
		seen[c.Name] = true

		if c.Collection == "" {
			errs = append(errs, fmt.Sprintf("cores[%d].collection: must not be empty", i))
		}
		if c.Type != "" {
			if _, err := cluster.ParseReplicaType(c.Type); err != nil {
				errs = append(errs, fmt.Sprintf("cores[%d].type: %v", i, err))
			}
		}
	}
	return errs
}

// validateAddress checks that a string is a valid host:port or :port address.
func validateAddress(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("must be host:port format: %w", err)
	}
	if port == "" {
		return fmt.Errorf("port must not be empty")
	}
	return nil
}
