package metrics

import "github.com/prometheus/client_golang/prometheus"

// ElectionMetrics instruments shard-leader and overseer elections.
type ElectionMetrics struct {
	// LeaderElections counts shard leaderships assumed by this node.
	// Labels: collection, shard
	//
	// PROMQL:
	//   # shards that changed leader more than twice in 10 minutes
	//   increase(searchcoord_election_leader_elections_total[10m]) > 2
	LeaderElections *prometheus.CounterVec

	// Joins counts election participations started.
	// Labels: kind ("shard" or "overseer")
	Joins *prometheus.CounterVec

	// Cancels counts election participations cancelled.
	// Labels: kind
	Cancels *prometheus.CounterVec

	// LeadershipRefused counts elections won structurally but refused
	// because the replica's term was behind.
	LeadershipRefused prometheus.Counter

	// IsOverseer is 1 while this node runs the elected overseer.
	IsOverseer prometheus.Gauge

	registry *Registry
}

func newElectionMetrics(r *Registry) *ElectionMetrics {
	m := &ElectionMetrics{registry: r}

	m.LeaderElections = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "election",
			Name:      "leader_elections_total",
			Help:      "Shard leaderships assumed by this node",
		},
		[]string{"collection", "shard"},
	)
	m.Joins = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "election",
			Name:      "election_joins_total",
			Help:      "Election participations started",
		},
		[]string{"kind"},
	)
	m.Cancels = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "election",
			Name:      "election_cancels_total",
			Help:      "Election participations cancelled",
		},
		[]string{"kind"},
	)
	m.LeadershipRefused = r.newCounter(
		prometheus.CounterOpts{
			Subsystem: "election",
			Name:      "leadership_refused_total",
			Help:      "Elections won but refused because the replica term was behind",
		},
	)
	m.IsOverseer = r.newGauge(
		prometheus.GaugeOpts{
			Subsystem: "election",
			Name:      "is_overseer",
			Help:      "Whether this node runs the elected overseer (1 = yes)",
		},
	)
	return m
}

// RecordLeaderElection records a shard leadership assumed locally.
func (m *ElectionMetrics) RecordLeaderElection(collection, shard string) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.LeaderElections.WithLabelValues(collection, shard).Inc()
}

// RecordJoin records an election join of the given kind.
func (m *ElectionMetrics) RecordJoin(kind string) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.Joins.WithLabelValues(kind).Inc()
}

// RecordCancel records an election cancellation of the given kind.
func (m *ElectionMetrics) RecordCancel(kind string) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.Cancels.WithLabelValues(kind).Inc()
}

// RecordLeadershipRefused records a term-gated refusal.
func (m *ElectionMetrics) RecordLeadershipRefused() {
	if m == nil || !m.registry.enabled {
		return
	}
	m.LeadershipRefused.Inc()
}

// SetIsOverseer sets whether this node runs the overseer.
func (m *ElectionMetrics) SetIsOverseer(is bool) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.IsOverseer.Set(boolToFloat(is))
}
