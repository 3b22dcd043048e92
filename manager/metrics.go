package manager

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeLocal  = "local"
	outcomeRemote = "remote"
	outcomeNone   = "none"

	replyGranted  = "granted"
	replySpilled  = "spillback"
	replyRejected = "rejected"
	replyCanceled = "canceled"
	replyError    = "error"
)

type Metrics struct {
	decisions    *prometheus.CounterVec
	leaseReplies *prometheus.CounterVec
	nodes        prometheus.Gauge
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "placement",
			Name:      "decisions_total",
			Help:      "Placement decisions taken by the manager, by outcome",
		}, []string{"outcome"}),
		leaseReplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "placement",
			Name:      "lease_replies_total",
			Help:      "Worker lease replies received from the node agents, by kind",
		}, []string{"kind"}),
		nodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "placement",
			Name:      "nodes",
			Help:      "Nodes known from the last resource reports",
		}),
	}
	registerer.MustRegister(m.decisions, m.leaseReplies, m.nodes)
	return m
}

func (m *Metrics) recordDecision(outcome string) {
	m.decisions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) recordLeaseReply(kind string) {
	m.leaseReplies.WithLabelValues(kind).Inc()
}

func (m *Metrics) recordNodes(count int) {
	m.nodes.Set(float64(count))
}
