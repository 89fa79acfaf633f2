package metrics

import (
	"context"
	"net/http"

	"spotfleet/internal/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SwitchesCommitted counts committed switches by trigger.
	SwitchesCommitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spotfleet_switches_committed_total",
		Help: "Total number of committed instance switches",
	}, []string{"trigger"})

	// SwitchRejections counts rejected commits by reason code.
	SwitchRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spotfleet_switch_rejections_total",
		Help: "Total number of rejected switch commits",
	}, []string{"code"})

	// SwitchSavingsImpact observes the hourly savings ratio of committed switches.
	SwitchSavingsImpact = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "spotfleet_switch_savings_impact_ratio",
		Help:    "Savings impact ratio (old-new)/old of committed switches",
		Buckets: []float64{-0.5, -0.1, 0, 0.1, 0.2, 0.4, 0.6, 0.8},
	})

	// SignalsReceived counts ingested interruption signals.
	SignalsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spotfleet_signals_received_total",
		Help: "Total number of interruption and rebalance signals",
	}, []string{"kind", "outcome"})

	// TerminationEventsClosed counts closed termination events by status and reason.
	TerminationEventsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spotfleet_termination_events_closed_total",
		Help: "Total number of closed termination events",
	}, []string{"status", "reason"})

	// ReplicaTransitions counts replica status changes.
	ReplicaTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spotfleet_replica_transitions_total",
		Help: "Total number of replica status transitions",
	}, []string{"strategy", "status"})

	// OrphansReaped counts replicas terminated by the orphan sweep.
	OrphansReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spotfleet_orphan_replicas_reaped_total",
		Help: "Total number of orphaned replicas terminated",
	})

	// AgentsOffline counts agents flipped offline by the heartbeat sweep.
	AgentsOffline = promauto.NewCounter(prometheus.CounterOpts{
		Name: "spotfleet_agents_marked_offline_total",
		Help: "Total number of agents marked offline after missing heartbeats",
	})

	// JobDuration tracks background job runs.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spotfleet_job_duration_seconds",
		Help:    "Duration of background job runs",
		Buckets: prometheus.DefBuckets,
	}, []string{"job", "result"})

	// HTTPRequests tracks API requests.
	HTTPRequests = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spotfleet_http_request_duration_seconds",
		Help:    "Duration of HTTP API requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// SwitchRecorder records committed switches as metrics
type SwitchRecorder struct{}

func (SwitchRecorder) OnSwitchCommitted(_ context.Context, sw *model.Switch) error {
	SwitchesCommitted.WithLabelValues(string(sw.TriggerType)).Inc()
	SwitchSavingsImpact.Observe(sw.SavingsImpact)
	return nil
}
