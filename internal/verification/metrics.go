package verification

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "visitguard",
			Subsystem: "verification",
			Name:      "decisions_total",
			Help:      "Claim decisions by outcome and deny reason.",
		},
		[]string{"outcome", "reason"},
	)

	riskScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "visitguard",
			Subsystem: "verification",
			Name:      "risk_score",
			Help:      "Risk scores of analyzed claims.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		},
	)

	verifyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "visitguard",
			Subsystem: "verification",
			Name:      "duration_seconds",
			Help:      "Latency of VerifyClaim.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	rollbackFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "visitguard",
			Subsystem: "verification",
			Name:      "rollback_failures_total",
			Help:      "Reservations that could not be released after a denial.",
		},
	)
)

func observeDecision(d *ClaimDecision, seconds float64) {
	if d == nil {
		return
	}
	decisionsTotal.WithLabelValues(string(d.Outcome), string(d.DenyReason)).Inc()
	if d.Risk != nil {
		riskScore.Observe(d.Risk.RiskScore)
	}
	verifyDuration.Observe(seconds)
}
