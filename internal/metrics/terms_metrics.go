package metrics

import "github.com/prometheus/client_golang/prometheus"

// TermsMetrics instruments shard term documents.
type TermsMetrics struct {
	// TermUpdates counts term document writes.
	// Labels: op ("register", "remove", "increase", "start_recovering",
	// "done_recovering", "ensure_nonzero")
	TermUpdates *prometheus.CounterVec

	// TermConflicts counts CAS conflicts on term documents.
	TermConflicts prometheus.Counter

	registry *Registry
}

func newTermsMetrics(r *Registry) *TermsMetrics {
	m := &TermsMetrics{registry: r}

	m.TermUpdates = r.newCounterVec(
		prometheus.CounterOpts{
			Subsystem: "terms",
			Name:      "term_updates_total",
			Help:      "Shard term document writes",
		},
		[]string{"op"},
	)
	m.TermConflicts = r.newCounter(
		prometheus.CounterOpts{
			Subsystem: "terms",
			Name:      "term_conflicts_total",
			Help:      "Optimistic concurrency conflicts on term writes",
		},
	)
	return m
}

// RecordUpdate records a term write and the conflicts it hit.
func (m *TermsMetrics) RecordUpdate(op string, conflicts int) {
	if m == nil || !m.registry.enabled {
		return
	}
	m.TermUpdates.WithLabelValues(op).Inc()
	if conflicts > 0 {
		m.TermConflicts.Add(float64(conflicts))
	}
}
