package identity

import "github.com/prometheus/client_golang/prometheus"

// Metrics exports directory cache and operation counters.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	cacheLookups *prometheus.CounterVec
	ops          *prometheus.CounterVec
}

// NewMetrics registers the directory collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "integops",
			Subsystem: "directory",
			Name:      "cache_lookups_total",
			Help:      "Username cache lookups by result (hit, miss).",
		}, []string{"result"}),
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "integops",
			Subsystem: "directory",
			Name:      "operations_total",
			Help:      "Directory operations by name and outcome.",
		}, []string{"op", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.cacheLookups, m.ops)
	}
	return m
}

func (m *Metrics) cacheHit() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("hit").Inc()
}

func (m *Metrics) cacheMiss() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

func (m *Metrics) observe(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = errorKindLabel(err)
	}
	m.ops.WithLabelValues(op, result).Inc()
}

func errorKindLabel(err error) string {
	switch {
	case IsNotFound(err):
		return "not_found"
	case IsConflict(err):
		return "conflict"
	case IsUsernameNotFound(err):
		return "username_not_found"
	case IsProtectedRoles(err):
		return "protected_roles"
	case IsInvalidInput(err):
		return "invalid_input"
	case IsInvalidCredentials(err):
		return "invalid_credentials"
	case IsNotActive(err):
		return "not_active"
	default:
		return "error"
	}
}
