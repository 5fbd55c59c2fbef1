package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 汇总工作流指标，使用独立 registry，nil 接收者上的方法均为空操作。
type Metrics struct {
	registry      *prometheus.Registry
	workflowRuns  *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	approvals     *prometheus.CounterVec
	replies       *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		workflowRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "biterate_workflow_runs_total",
			Help: "Workflow runs by type and terminal status.",
		}, []string{"type", "status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "biterate_stage_duration_seconds",
			Help:    "Duration of post pipeline stages.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"stage"}),
		approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "biterate_approval_outcomes_total",
			Help: "Approval gate outcomes.",
		}, []string{"outcome"}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "biterate_replies_total",
			Help: "Replies by status.",
		}, []string{"status"}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.workflowRuns,
		m.stageDuration,
		m.approvals,
		m.replies,
	)
	return m
}

// ObserveRun 记录一次运行的最终状态。
func (m *Metrics) ObserveRun(workflowType, status string) {
	if m == nil {
		return
	}
	m.workflowRuns.WithLabelValues(workflowType, status).Inc()
}

// ObserveStage 记录阶段耗时。
func (m *Metrics) ObserveStage(stage string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// ObserveApproval 记录审核结果。
func (m *Metrics) ObserveApproval(outcome string) {
	if m == nil {
		return
	}
	m.approvals.WithLabelValues(outcome).Inc()
}

// ObserveReply 记录回复状态。
func (m *Metrics) ObserveReply(status string) {
	if m == nil {
		return
	}
	m.replies.WithLabelValues(status).Inc()
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler 返回 /metrics 使用的 HTTP handler。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
