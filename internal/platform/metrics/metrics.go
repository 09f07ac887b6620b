package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the broker.
type Metrics struct {
	SessionsCreated prometheus.Counter
	TicketsIssued   prometheus.Counter
	TicketsKilled   prometheus.Counter

	// APIRequests counts gateway calls by operation and result code.
	APIRequests *prometheus.CounterVec
	// AuthSPVerdicts counts AuthSP callback outcomes by authsp id and verdict.
	AuthSPVerdicts *prometheus.CounterVec

	// PeerCallDuration observes cross-domain round trips in milliseconds.
	PeerCallDuration prometheus.Histogram
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aselect_sessions_created_total",
			Help: "Authentication sessions created",
		}),
		TicketsIssued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aselect_tickets_issued_total",
			Help: "TGTs minted after successful authentication",
		}),
		TicketsKilled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aselect_tickets_killed_total",
			Help: "TGTs destroyed by kill_tgt, logout or one-shot verify",
		}),
		APIRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aselect_api_requests_total",
			Help: "Signed API calls by operation and result code",
		}, []string{"operation", "result_code"}),
		AuthSPVerdicts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aselect_authsp_verdicts_total",
			Help: "AuthSP callback outcomes",
		}, []string{"authsp", "verdict"}),
		PeerCallDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "aselect_peer_call_duration_ms",
			Help:    "Latency of cross-domain peer calls in milliseconds",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}),
	}
}
