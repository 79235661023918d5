package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	proofsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blockforge",
		Subsystem: "pow_engine",
		Name:      "proofs_total",
		Help:      "Count of proof requests by outcome.",
	}, []string{"outcome"})
	proofTestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "blockforge",
		Subsystem: "pow_engine",
		Name:      "tests_total",
		Help:      "Count of hashes tested by successful proofs.",
	})
	proofDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "blockforge",
		Subsystem: "pow_engine",
		Name:      "proof_duration_seconds",
		Help:      "Duration of proof requests.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"outcome"})
	unitLaunchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "blockforge",
		Subsystem: "pow_engine",
		Name:      "unit_launches_total",
		Help:      "Count of computation unit launches.",
	})
	unitDisconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "blockforge",
		Subsystem: "pow_engine",
		Name:      "unit_disconnects_total",
		Help:      "Count of computation unit exits and disconnects.",
	})
	protocolAnomaliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blockforge",
		Subsystem: "pow_engine",
		Name:      "protocol_anomalies_total",
		Help:      "Count of unexpected messages from the computation unit.",
	}, []string{"kind"})
)

// Set of proof outcomes used as metric labels.
const (
	outcomeFound     = "found"
	outcomeNoResult  = "no_result"
	outcomeError     = "error"
	anomalyUnknown   = "unknown_uuid"
	anomalyResolved  = "already_resolved"
	anomalyMalformed = "malformed"
)

// observeProof records a single proof request outcome and duration.
func observeProof(outcome string, tests uint64, started time.Time) {
	proofsTotal.WithLabelValues(outcome).Inc()
	proofDuration.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
	if tests > 0 {
		proofTestsTotal.Add(float64(tests))
	}
}
