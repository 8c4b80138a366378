package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all prometheus collectors for the core
type Metrics struct {
	GmailWatchRenewTotal prometheus.Counter
	GmailAPIErrorTotal   prometheus.Counter
	TriggerFiredTotal    *prometheus.CounterVec
	AgentRunsTotal       *prometheus.CounterVec
	ExecutionsTotal      *prometheus.CounterVec
	WSConnections        prometheus.Gauge
	WorkerJobsActive     prometheus.Gauge
}

// New registers all collectors on the given registerer
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		GmailWatchRenewTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "gmail_watch_renew_total",
			Help: "Gmail watch renewals performed",
		}),
		GmailAPIErrorTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "gmail_api_error_total",
			Help: "Gmail API call failures",
		}),
		TriggerFiredTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trigger_fired_total",
			Help: "TRIGGER_FIRED events published, by trigger type",
		}, []string{"type"}),
		AgentRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_runs_total",
			Help: "Agent runs finished, by terminal status",
		}, []string{"status"}),
		ExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_executions_total",
			Help: "Workflow executions finished, by result",
		}, []string{"result"}),
		WSConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ws_connections",
			Help: "Open WebSocket connections",
		}),
		WorkerJobsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "worker_jobs_active",
			Help: "Worker jobs currently running",
		}),
	}
}

// NewForTest returns metrics backed by a private registry
func NewForTest() *Metrics {
	return New(prometheus.NewRegistry())
}
