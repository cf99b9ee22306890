package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActivePeers         = promauto.NewGauge(prometheus.GaugeOpts{Name: "peerhttp_active_peers", Help: "Established HTTP conversations"})
	PendingConnects     = promauto.NewGauge(prometheus.GaugeOpts{Name: "peerhttp_pending_connects", Help: "Outbound sockets waiting for connect completion"})
	RegisteredTotal     = promauto.NewCounterVec(prometheus.CounterOpts{Name: "peerhttp_registered_total", Help: "Conversations committed to the registry by direction"}, []string{"direction"})
	RejectedTotal       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "peerhttp_rejected_total", Help: "Registrations refused by reason"}, []string{"reason"})
	ClosedTotal         = promauto.NewCounterVec(prometheus.CounterOpts{Name: "peerhttp_closed_total", Help: "Conversations deregistered by reason"}, []string{"reason"})
	MessagesTotal       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "peerhttp_messages_total", Help: "Protocol messages forwarded by kind"}, []string{"kind"})
	IdleEvictedTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "peerhttp_idle_evicted_total", Help: "Conversations evicted for idling"})
	RequestsTotal       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "peerhttp_requests_total", Help: "RPC requests answered by route and status code"}, []string{"route", "code"})
	RequestTimeouts     = promauto.NewCounter(prometheus.CounterOpts{Name: "peerhttp_request_timeouts_total", Help: "Outbound requests abandoned without a response"})
	BootstrapTotal      = promauto.NewCounterVec(prometheus.CounterOpts{Name: "peerhttp_bootstrap_total", Help: "Neighbor requests to bootstrap peers by result"}, []string{"result"})
	ErrorsTotal         = promauto.NewCounterVec(prometheus.CounterOpts{Name: "peerhttp_errors_total", Help: "Errors by type"}, []string{"type"})
	ConversationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "peerhttp_conversation_seconds", Help: "Conversation lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
	TickSeconds         = promauto.NewHistogram(prometheus.HistogramOpts{Name: "peerhttp_tick_seconds", Help: "Engine tick duration seconds", Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16)})
)
