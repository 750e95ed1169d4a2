package replog

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the prometheus collectors of one node. Each node has its own
// registry so several nodes can live in one process.
type Metrics struct {
	Registry *prometheus.Registry

	rounds           *prometheus.CounterVec
	elections        prometheus.Counter
	electionDuration prometheus.Histogram
	leader           prometheus.Gauge
	recoveries       *prometheus.CounterVec
	peersAlive       prometheus.Gauge
	discarded        *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors of node id.
func NewMetrics(id int) *Metrics {
	labels := prometheus.Labels{"node": strconv.Itoa(id)}
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "replog",
			Name:        "consensus_rounds_total",
			Help:        "Paxos rounds driven by this node, by outcome.",
			ConstLabels: labels,
		}, []string{"result"}),
		elections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "replog",
			Name:        "elections_total",
			Help:        "Elections started by this node.",
			ConstLabels: labels,
		}),
		electionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "replog",
			Name:        "election_duration_seconds",
			Help:        "Time from the start of an election run by this node to its end.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		leader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "replog",
			Name:        "leader",
			Help:        "Current leader id as seen by this node, -1 if unknown.",
			ConstLabels: labels,
		}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "replog",
			Name:        "recoveries_total",
			Help:        "Log transfers pushed by this node, by outcome.",
			ConstLabels: labels,
		}, []string{"result"}),
		peersAlive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "replog",
			Name:        "peers_alive",
			Help:        "Peers currently considered alive.",
			ConstLabels: labels,
		}),
		discarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "replog",
			Name:        "discarded_messages_total",
			Help:        "Messages dropped because their payload could not be decoded.",
			ConstLabels: labels,
		}, []string{"tag"}),
	}
	m.Registry.MustRegister(m.rounds, m.elections, m.electionDuration, m.leader, m.recoveries, m.peersAlive, m.discarded)
	m.leader.Set(-1)
	return m
}

func (m *Metrics) roundFinished(committed bool) {
	if m == nil {
		return
	}
	if committed {
		m.rounds.WithLabelValues("committed").Inc()
	} else {
		m.rounds.WithLabelValues("abandoned").Inc()
	}
}

func (m *Metrics) electionStarted() {
	if m == nil {
		return
	}
	m.elections.Inc()
}

func (m *Metrics) electionFinished(d time.Duration) {
	if m == nil {
		return
	}
	m.electionDuration.Observe(d.Seconds())
}

func (m *Metrics) leaderChanged(leader int) {
	if m == nil {
		return
	}
	m.leader.Set(float64(leader))
}

func (m *Metrics) recoveryFinished(result string) {
	if m == nil {
		return
	}
	m.recoveries.WithLabelValues(result).Inc()
}

func (m *Metrics) setPeersAlive(n int) {
	if m == nil {
		return
	}
	m.peersAlive.Set(float64(n))
}

func (m *Metrics) messageDiscarded(tag Tag) {
	if m == nil {
		return
	}
	m.discarded.WithLabelValues(tag.String()).Inc()
}
