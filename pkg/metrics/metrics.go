// Package metrics collects Prometheus metrics for the orchestrator.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the centralized collector set.
//
// Tracked concerns:
//   - plan synthesis and owner directive outcomes, LLM call performance
//   - skill executions per MCP server
//   - socket client delivery and reconnect behavior
//   - queue depths and perform outcomes
//   - HTTP API traffic
type Metrics struct {
	// PlanCounter counts plan syntheses. Labels: outcome (planned|no_skills|failed)
	PlanCounter *prometheus.CounterVec

	// AdminDirectiveCounter counts owner directives. Labels: outcome (actioned|idle|empty|failed)
	AdminDirectiveCounter *prometheus.CounterVec

	// LLMRequestCounter counts LLM calls. Labels: kind (plan|skills|summary|bypass), status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures LLM call latency in seconds. Labels: kind
	LLMRequestDuration *prometheus.HistogramVec

	// SkillCounter counts skill executions. Labels: server, status (success|error)
	SkillCounter *prometheus.CounterVec

	// SkillDuration measures skill execution time in seconds. Labels: server
	SkillDuration *prometheus.HistogramVec

	// SocketEmits counts frames pushed to the realtime bus. Labels: event
	SocketEmits *prometheus.CounterVec

	// SocketReconnects counts successful reconnect cycles
	SocketReconnects prometheus.Counter

	// QueueDepth tracks buffered requests per queue. Labels: queue
	QueueDepth *prometheus.GaugeVec

	// PerformCounter counts approval executions. Labels: outcome (success|failure|rejected)
	PerformCounter *prometheus.CounterVec

	// HTTPRequestCounter counts HTTP requests. Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP request latency in seconds.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates and registers all collectors against reg.
// Call once at startup with a dedicated registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PlanCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_plans_total",
				Help: "Total number of plan syntheses by outcome",
			},
			[]string{"outcome"},
		),

		AdminDirectiveCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_admin_directives_total",
				Help: "Total number of owner directives by outcome",
			},
			[]string{"outcome"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_llm_requests_total",
				Help: "Total number of LLM requests by kind and status",
			},
			[]string{"kind", "status"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "steward_llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"kind"},
		),

		SkillCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_skills_executed_total",
				Help: "Total number of skill executions by MCP server and status",
			},
			[]string{"server", "status"},
		),

		SkillDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "steward_skill_execution_duration_seconds",
				Help:    "Duration of skill executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"server"},
		),

		SocketEmits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_socket_emits_total",
				Help: "Total number of frames emitted to the realtime bus by event",
			},
			[]string{"event"},
		),

		SocketReconnects: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "steward_socket_reconnects_total",
				Help: "Total number of successful socket reconnect cycles",
			},
		),

		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "steward_queue_depth",
				Help: "Current number of buffered requests per queue",
			},
			[]string{"queue"},
		),

		PerformCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_performs_total",
				Help: "Total number of approval executions by outcome",
			},
			[]string{"outcome"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "steward_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// PlanCreated records a plan synthesis outcome.
func (m *Metrics) PlanCreated(outcome string) {
	m.PlanCounter.WithLabelValues(outcome).Inc()
}

// AdminDirective records an owner directive outcome.
func (m *Metrics) AdminDirective(outcome string) {
	m.AdminDirectiveCounter.WithLabelValues(outcome).Inc()
}

// LLMRequest records one LLM call with its latency.
func (m *Metrics) LLMRequest(kind, status string, duration time.Duration) {
	m.LLMRequestCounter.WithLabelValues(kind, status).Inc()
	m.LLMRequestDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// SkillExecuted records one skill execution with its latency.
func (m *Metrics) SkillExecuted(server, status string, duration time.Duration) {
	m.SkillCounter.WithLabelValues(server, status).Inc()
	m.SkillDuration.WithLabelValues(server).Observe(duration.Seconds())
}

// SocketEmit records one emitted frame.
func (m *Metrics) SocketEmit(event string) {
	m.SocketEmits.WithLabelValues(event).Inc()
}

// SocketReconnected records a completed reconnect cycle.
func (m *Metrics) SocketReconnected() {
	m.SocketReconnects.Inc()
}

// SetQueueDepth updates the buffered-request gauge for a queue.
func (m *Metrics) SetQueueDepth(queue string, depth int) {
	m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// Perform records one approval execution outcome.
func (m *Metrics) Perform(outcome string) {
	m.PerformCounter.WithLabelValues(outcome).Inc()
}

// HTTPRequest records one served HTTP request.
func (m *Metrics) HTTPRequest(method, path, statusCode string, duration time.Duration) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(duration.Seconds())
}
