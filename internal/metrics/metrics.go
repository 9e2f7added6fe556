// Package metrics holds the prometheus collectors shared across
// subsystems. A Metrics value is dependency-injected (never a package
// global) so tests can run several logical servers in one process, each
// with its own registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

// Metrics bundles every collector the server exports.
type Metrics struct {
	registry *prometheus.Registry

	ClientConnections  prometheus.Gauge
	MessagesIn         *prometheus.CounterVec
	MessagesOut        *prometheus.CounterVec
	ProtocolErrors     *prometheus.CounterVec
	RateLimitHits      prometheus.Counter
	SlowConsumerCloses prometheus.Counter

	SignatureDrops  prometheus.Counter
	GossipProbes    *prometheus.CounterVec
	MembershipState *prometheus.GaugeVec
	PeerConnections prometheus.Gauge

	RendezvousPublish  *prometheus.CounterVec
	RendezvousQueries  *prometheus.CounterVec
	QuorumShortfalls   prometheus.Counter
	RedirectsIssued    prometheus.Counter
	EntriesSweptDaily  prometheus.Counter
	EntriesSweptHourly prometheus.Counter

	PairRequests *prometheus.CounterVec
}

// New builds a Metrics set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ClientConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zajel_client_connections",
			Help: "Currently open client WebSocket connections.",
		}),
		MessagesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zajel_messages_in_total",
			Help: "Inbound client messages by type.",
		}, []string{"type"}),
		MessagesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zajel_messages_out_total",
			Help: "Outbound client messages by type.",
		}, []string{"type"}),
		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zajel_protocol_errors_total",
			Help: "Client protocol errors by code.",
		}, []string{"code"}),
		RateLimitHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zajel_rate_limit_hits_total",
			Help: "Messages rejected by the per-connection token bucket.",
		}),
		SlowConsumerCloses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zajel_slow_consumer_closes_total",
			Help: "Connections closed because their outbound queue overflowed.",
		}),
		SignatureDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zajel_signature_drops_total",
			Help: "Gossip or handshake messages dropped for bad signatures.",
		}),
		GossipProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zajel_gossip_probes_total",
			Help: "SWIM probes by outcome (ack, indirect_ack, timeout).",
		}, []string{"outcome"}),
		MembershipState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "zajel_membership_nodes",
			Help: "Known cluster members by status.",
		}, []string{"status"}),
		PeerConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zajel_peer_connections",
			Help: "Live server-to-server WebSocket connections.",
		}),
		RendezvousPublish: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zajel_rendezvous_publish_total",
			Help: "Rendezvous publishes by kind (daily, hourly, relay) and result.",
		}, []string{"kind", "result"}),
		RendezvousQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zajel_rendezvous_queries_total",
			Help: "Rendezvous queries by kind.",
		}, []string{"kind"}),
		QuorumShortfalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zajel_quorum_shortfalls_total",
			Help: "Writes that returned partial success below the write quorum.",
		}),
		RedirectsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zajel_redirects_issued_total",
			Help: "rendezvous_partial responses carrying redirect hints.",
		}),
		EntriesSweptDaily: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zajel_swept_daily_points_total",
			Help: "Expired daily points removed by cleanup sweeps.",
		}),
		EntriesSweptHourly: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zajel_swept_hourly_tokens_total",
			Help: "Expired hourly tokens removed by cleanup sweeps.",
		}),
		PairRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zajel_pair_requests_total",
			Help: "Pair requests by terminal state.",
		}, []string{"state"}),
	}
	reg.MustRegister(
		m.ClientConnections, m.MessagesIn, m.MessagesOut, m.ProtocolErrors,
		m.RateLimitHits, m.SlowConsumerCloses,
		m.SignatureDrops, m.GossipProbes, m.MembershipState, m.PeerConnections,
		m.RendezvousPublish, m.RendezvousQueries, m.QuorumShortfalls,
		m.RedirectsIssued, m.EntriesSweptDaily, m.EntriesSweptHourly,
		m.PairRequests,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
