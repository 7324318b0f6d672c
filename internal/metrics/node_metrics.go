package metrics

import "github.com/prometheus/client_golang/prometheus"

// NodeMetrics instruments the per-node coordination controller.
type NodeMetrics struct {
	// Registrations counts replica registrations.
	// Labels: status ("success", "error")
	Registrations *prometheus.CounterVec

	// Publishes counts replica state publications.
	// Labels: state
	Publishes *prometheus.CounterVec

	// Recoveries counts recoveries requested from the engine.
	// Labels: reason ("register", "term_behind", "leader_refused")
	Recoveries *prometheus.CounterVec

	// SessionEvents counts coordination session transitions.
	// Labels: event ("connected", "disconnected", "expired")
	//
	// PROMQL:
	//   # expiries mean every local replica re-registered
	//   increase(searchcoord_node_session_events_total{event="expired"}[1h])
	SessionEvents *prometheus.CounterVec

	// ReconnectListenerFailures counts listeners that failed after a
	// session was re-established.
	ReconnectListenerFailures prometheus.Counter

	// GiveupLeadership counts leaderships handed off after a local fault.
	GiveupLeadership prometheus.Counter

	// RegisteredReplicas is the number of local replicas registered.
	RegisteredReplicas prometheus.Gauge

	registry *Registry
}

func newNodeMetrics(r *Registry) *NodeMetrics {
	m := &NodeMetrics{registry: r}

	m.Registrations = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "node",
			Name:      "registrations_total",
			Help:      "Replica registrations",
		},
		[]string{"status"},
	)
	m.Publishes = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "node",
			Name:      "publishes_total",
			Help:      "Replica state publications",
		},
		[]string{"state"},
	)
	m.Recoveries = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "node",
			Name:      "recoveries_total",
			Help:      "Recoveries requested from the engine",
		},
		[]string{"reason"},
	)
	m.SessionEvents = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "node",
			Name:      "session_events_total",
			Help:      "Coordination store session transitions",
		},
		[]string{"event"},
	)
	m.ReconnectListenerFailures = r.newCounter(
		prometheus.CounterOpts{
			Subsystem: "node",
			Name:      "reconnect_listener_failures_total",
			Help:      "Reconnect listeners that failed",
		},
	)
	m.GiveupLeadership = r.newCounter(
		prometheus.CounterOpts{
			Subsystem: "node",
			Name:      "giveup_leadership_total",
			Help:      "Shard leaderships given up after a local fault",
		},
	)
	m.RegisteredReplicas = r.newGauge(
		prometheus.GaugeOpts{
			Subsystem: "node",
			Name:      "registered_replicas",
			Help:      "Local replicas currently registered",
		},
	)
	return m
}

// RecordRegistration records a registration outcome.
func (m *NodeMetrics) RecordRegistration(success bool) {
	if m == nil || !m.registry.enabled {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.Registrations.WithLabelValues(status).Inc()
}

// RecordPublish records a state publication.
func (m *NodeMetrics) RecordPublish(state string) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.Publishes.WithLabelValues(state).Inc()
}

// RecordRecovery records a recovery request.
func (m *NodeMetrics) RecordRecovery(reason string) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.Recoveries.WithLabelValues(reason).Inc()
}

// RecordSessionEvent records a session transition.
func (m *NodeMetrics) RecordSessionEvent(event string) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

// RecordReconnectListenerFailure records a failed reconnect listener.
func (m *NodeMetrics) RecordReconnectListenerFailure() {
	if m == nil || !m.registry.enabled {
		return
	}
	m.ReconnectListenerFailures.Inc()
}

// RecordGiveupLeadership records a leadership hand-off.
func (m *NodeMetrics) RecordGiveupLeadership() {
	if m == nil || !m.registry.enabled {
		return
	}
	m.GiveupLeadership.Inc()
}

// SetRegisteredReplicas sets the registered replica count.
func (m *NodeMetrics) SetRegisteredReplicas(n int) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.RegisteredReplicas.Set(float64(n))
}
