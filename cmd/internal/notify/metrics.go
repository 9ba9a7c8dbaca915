package notify

import "github.com/prometheus/client_golang/prometheus"

// Metrics exports hub gauges and counters. A nil *Metrics records nothing.
type Metrics struct {
	connected prometheus.Gauge
	sends     *prometheus.CounterVec
	inbound   *prometheus.CounterVec
}

// NewMetrics registers the hub collectors on reg (skipped when reg is nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "integops",
			Subsystem: "notify",
			Name:      "clients_connected",
			Help:      "Clients currently registered with the hub.",
		}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "integops",
			Subsystem: "notify",
			Name:      "broadcast_sends_total",
			Help:      "Per-recipient broadcast sends by result (delivered, failed).",
		}, []string{"result"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "integops",
			Subsystem: "notify",
			Name:      "inbound_messages_total",
			Help:      "Inbound client messages by outcome (accepted, too_long, rate_limited).",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.connected, m.sends, m.inbound)
	}
	return m
}

// addConnected moves the gauge by delta. Deltas commute, so concurrent
// Connect/Disconnect calls cannot leave a stale absolute value behind.
func (m *Metrics) addConnected(delta int) {
	if m == nil || delta == 0 {
		return
	}
	m.connected.Add(float64(delta))
}

func (m *Metrics) send(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.sends.WithLabelValues("delivered").Inc()
		return
	}
	m.sends.WithLabelValues("failed").Inc()
}

func (m *Metrics) inboundMessage(outcome string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(outcome).Inc()
}
