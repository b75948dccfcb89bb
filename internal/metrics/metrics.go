// Package metrics holds the Prometheus collectors for the reward gate and a
// gin middleware for HTTP traffic. Label sets are fixed enums or registered
// route paths, so cardinality stays bounded.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	httpInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_inflight",
			Help: "Current number of in-flight HTTP requests.",
		},
	)

	// Spins counts spin attempts by result: challenged, admitted,
	// quota_exceeded, rejected, expired, consumed, busy, error.
	Spins = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reward_spins_total",
			Help: "Spin requests by result.",
		},
		[]string{"result"},
	)

	// Payouts counts settled outcomes by segment and jackpot flag.
	Payouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reward_payouts_total",
			Help: "Settled spin outcomes by segment.",
		},
		[]string{"segment", "jackpot"},
	)

	// PayoutXP sums credited XP.
	PayoutXP = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reward_payout_xp_total",
			Help: "Total XP awarded across settled outcomes.",
		},
	)

	// LedgerCredits counts ledger calls by result: ok, retry, dead.
	LedgerCredits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reward_ledger_credits_total",
			Help: "Ledger credit attempts by result.",
		},
		[]string{"result"},
	)

	// OutboxDepth is the number of outcomes awaiting a ledger credit.
	OutboxDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "reward_ledger_outbox_depth",
			Help: "Outcomes persisted but not yet credited to the ledger.",
		},
	)

	// SelectorFaults counts draws refused because the reward table is invalid.
	SelectorFaults = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reward_selector_faults_total",
			Help: "Spins refused because the reward table was invalid.",
		},
	)

	// VerifyLatency observes payment verifier round trips.
	VerifyLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reward_payment_verify_seconds",
			Help:    "Duration of payment verification calls.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15},
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpReqs, httpLat, httpInflight,
		Spins, Payouts, PayoutXP, LedgerCredits, OutboxDepth, SelectorFaults, VerifyLatency,
	)
}

// HTTP instruments requests. The path label is the registered route, or the
// raw path when nothing matched.
func HTTP() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		httpInflight.Inc()
		defer httpInflight.Dec()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method
		httpReqs.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpLat.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
