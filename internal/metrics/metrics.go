// =============================================================================
// METRICS - PROMETHEUS REGISTRY FOR THE COORDINATION CORE
// =============================================================================
//
// WHAT: One Prometheus registry per process, grouped into subsystems that
// mirror the coordination components:
//
//   ┌──────────────────────────────────────────────────────────────────┐
//   │ searchcoord_election_*   joins, cancels, wins, is_overseer       │
//   │ searchcoord_overseer_*   messages applied, poison, CAS conflicts │
//   │ searchcoord_node_*       registrations, publishes, recoveries,   │
//   │                          session events, reconnect listeners     │
//   │ searchcoord_terms_*      term updates, term write conflicts      │
//   └──────────────────────────────────────────────────────────────────┘
//
// The admin server exposes the registry at GET /metrics.
//
// NAMING:
//   {namespace}_{subsystem}_{name}_{unit}
//   e.g. searchcoord_overseer_messages_processed_total{operation="state"}
//
// LABEL CARDINALITY:
//   collection and shard labels appear only on leader_elections_total,
//   which changes at election rate. Replica and core names are never
//   labels.
//
// NIL SAFETY:
//   Components take an optional *Registry. Every Record/Set method is a
//   no-op on a nil receiver or a disabled registry, so call sites never
//   branch on metrics being configured.
//
// =============================================================================

package metrics

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all coordination metrics and the Prometheus registry.
type Registry struct {
	// promRegistry is the underlying Prometheus registry
	promRegistry *prometheus.Registry

	// config holds metrics configuration
	config Config

	// logger for metrics operations
	logger *slog.Logger

	// enabled tracks if metrics collection is enabled
	enabled bool

	// Subsystem metrics
	Election *ElectionMetrics
	Overseer *OverseerMetrics
	Node     *NodeMetrics
	Terms    *TermsMetrics
}

// Config holds metrics configuration.
type Config struct {
	// Enabled turns metrics collection on/off
	// When disabled, all metric operations are no-ops
	Enabled bool `yaml:"enabled"`

	// Namespace is the prefix for all metrics (default: "searchcoord")
	Namespace string `yaml:"namespace"`

	// IncludeGoCollector adds Go runtime metrics (goroutines, GC, memory)
	IncludeGoCollector bool `yaml:"include_go_collector"`

	// IncludeProcessCollector adds process metrics (CPU, memory, fds)
	IncludeProcessCollector bool `yaml:"include_process_collector"`

	// HistogramBuckets for latency measurements (in seconds)
	HistogramBuckets []float64 `yaml:"histogram_buckets"`
}

// DefaultConfig returns sensible defaults for metrics configuration.
//
// State writes are store round trips: single-digit milliseconds on a
// healthy etcd, seconds when a CAS storm retries. Buckets cover both.
func DefaultConfig() Config {
	return Config{
		Enabled:                 true,
		Namespace:               "searchcoord",
		IncludeGoCollector:      true,
		IncludeProcessCollector: true,
		HistogramBuckets: []float64{
			0.001, 0.0025, 0.005, 0.01, 0.025, 0.05,
			0.1, 0.25, 0.5, 1, 2.5, 5, 10,
		},
	}
}

// =============================================================================
// GLOBAL REGISTRY
// =============================================================================
//
// The daemon initializes one global registry at startup; tests build their
// own with NewRegistry for isolation.
//
// =============================================================================

var (
	globalRegistry *Registry
	globalOnce     sync.Once
)

// Init initializes the global metrics registry with the given config.
func Init(config Config) *Registry {
	globalOnce.Do(func() {
		globalRegistry = NewRegistry(config)
	})
	return globalRegistry
}

// Get returns the global metrics registry, or nil if Init was not called.
func Get() *Registry {
	return globalRegistry
}

// Handler returns the HTTP handler of the global registry, or nil.
func Handler() http.Handler {
	if globalRegistry == nil {
		return nil
	}
	return globalRegistry.Handler()
}

// NewRegistry creates a new metrics registry.
func NewRegistry(config Config) *Registry {
	logger := slog.Default().With("component", "metrics")

	r := &Registry{
		promRegistry: prometheus.NewRegistry(),
		config:       config,
		logger:       logger,
		enabled:      config.Enabled,
	}

	if !config.Enabled {
		logger.Info("metrics collection disabled")
		return r
	}
	if r.config.Namespace == "" {
		r.config.Namespace = "searchcoord"
	}
	if len(r.config.HistogramBuckets) == 0 {
		r.config.HistogramBuckets = DefaultConfig().HistogramBuckets
	}

	if config.IncludeGoCollector {
		r.promRegistry.MustRegister(collectors.NewGoCollector())
	}
	if config.IncludeProcessCollector {
		r.promRegistry.MustRegister(collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{},
		))
	}

	r.Election = newElectionMetrics(r)
	r.Overseer = newOverseerMetrics(r)
	r.Node = newNodeMetrics(r)
	r.Terms = newTermsMetrics(r)

	logger.Info("metrics registry initialized", "namespace", r.config.Namespace)
	return r
}

// ElectionMetrics returns the election subsystem, nil-safe.
func (r *Registry) ElectionMetrics() *ElectionMetrics {
	if r == nil {
		return nil
	}
	return r.Election
}

// OverseerMetrics returns the overseer subsystem, nil-safe.
func (r *Registry) OverseerMetrics() *OverseerMetrics {
	if r == nil {
		return nil
	}
	return r.Overseer
}

// NodeMetrics returns the node subsystem, nil-safe.
func (r *Registry) NodeMetrics() *NodeMetrics {
	if r == nil {
		return nil
	}
	return r.Node
}

// TermsMetrics returns the terms subsystem, nil-safe.
func (r *Registry) TermsMetrics() *TermsMetrics {
	if r == nil {
		return nil
	}
	return r.Terms
}

// =============================================================================
// HTTP HANDLER
// =============================================================================

// Handler returns an HTTP handler for the /metrics endpoint.
func (r *Registry) Handler() http.Handler {
	if r == nil || !r.enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("# Metrics disabled\n"))
		})
	}

	return promhttp.HandlerFor(r.promRegistry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorLog:          &promLogger{logger: r.logger},
		Registry:          r.promRegistry,
	})
}

// promLogger adapts slog to Prometheus error logging interface.
type promLogger struct {
	logger *slog.Logger
}

func (l *promLogger) Println(v ...interface{}) {
	l.logger.Error("prometheus handler error", "error", v)
}

// Enabled returns true if metrics collection is enabled.
func (r *Registry) Enabled() bool {
	return r != nil && r.enabled
}

// Namespace returns the configured namespace.
func (r *Registry) Namespace() string {
	return r.config.Namespace
}

// PrometheusRegistry returns the underlying Prometheus registry.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.promRegistry
}

// =============================================================================
// METRIC REGISTRATION HELPERS
// =============================================================================

func (r *Registry) newCounter(opts prometheus.CounterOpts) prometheus.Counter {
	opts.Namespace = r.config.Namespace
	counter := prometheus.NewCounter(opts)
	r.promRegistry.MustRegister(counter)
	return counter
}

func (r *Registry) newCounterVec(opts prometheus.CounterOpts, labelNames []string) *prometheus.CounterVec {
	opts.Namespace = r.config.Namespace
	counterVec := prometheus.NewCounterVec(opts, labelNames)
	r.promRegistry.MustRegister(counterVec)
	return counterVec
}

func (r *Registry) newGauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	opts.Namespace = r.config.Namespace
	gauge := prometheus.NewGauge(opts)
	r.promRegistry.MustRegister(gauge)
	return gauge
}

func (r *Registry) newGaugeVec(opts prometheus.GaugeOpts, labelNames []string) *prometheus.GaugeVec {
	opts.Namespace = r.config.Namespace
	gaugeVec := prometheus.NewGaugeVec(opts, labelNames)
	r.promRegistry.MustRegister(gaugeVec)
	return gaugeVec
}

func (r *Registry) newHistogramVec(opts prometheus.HistogramOpts, labelNames []string) *prometheus.HistogramVec {
	opts.Namespace = r.config.Namespace
	if opts.Buckets == nil {
		opts.Buckets = r.config.HistogramBuckets
	}
	histogramVec := prometheus.NewHistogramVec(opts, labelNames)
	r.promRegistry.MustRegister(histogramVec)
	return histogramVec
}

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer measures the duration of an operation.
type Timer struct {
	start    time.Time
	observer prometheus.Observer
}

// NewTimer creates a timer that will observe the given histogram. A nil
// observer only measures.
func NewTimer(observer prometheus.Observer) *Timer {
	return &Timer{start: time.Now(), observer: observer}
}

// ObserveDuration records the elapsed time since the timer was created.
func (t *Timer) ObserveDuration() time.Duration {
	elapsed := time.Since(t.start)
	if t.observer != nil {
		t.observer.Observe(elapsed.Seconds())
	}
	return elapsed
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
