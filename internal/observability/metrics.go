// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the step loop. Both are optional: a nil *Metrics records
// nothing, and a Tracer built without an endpoint produces no-op spans.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values for status labels.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Metrics holds the collectors for loop activity.
//
// Usage:
//
//	m := observability.NewMetrics(prometheus.DefaultRegisterer)
//	m.ModelRequest("qwen3:4b", nil, elapsed, 120, 40)
type Metrics struct {
	// Steps counts executed steps.
	// Labels: final (true|false)
	Steps *prometheus.CounterVec

	// StepDuration measures whole-step latency in seconds.
	StepDuration prometheus.Histogram

	// ModelRequests counts model calls.
	// Labels: model, status (success|error)
	ModelRequests *prometheus.CounterVec

	// ModelDuration measures model call latency in seconds.
	// Labels: model
	ModelDuration *prometheus.HistogramVec

	// ModelTokens counts tokens.
	// Labels: model, type (input|output)
	ModelTokens *prometheus.CounterVec

	// ToolExecutions counts tool calls.
	// Labels: tool_name, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool call latency in seconds.
	// Labels: tool_name
	ToolDuration *prometheus.HistogramVec

	// TaskOutcomes counts finished tasks.
	// Labels: status (completed|failed|cancelled)
	TaskOutcomes *prometheus.CounterVec

	// ActiveTasks is the number of tasks currently executing.
	ActiveTasks prometheus.Gauge

	// Compressions counts history compressions.
	// Labels: status (success|error)
	Compressions *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. Tests
// pass a fresh prometheus.NewRegistry(); the CLI passes the default
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Steps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "steploop_steps_total",
			Help: "Total number of executed steps",
		}, []string{"final"}),

		StepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "steploop_step_duration_seconds",
			Help:    "Duration of one step in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),

		ModelRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "steploop_model_requests_total",
			Help: "Total number of model requests by model and status",
		}, []string{"model", "status"}),

		ModelDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "steploop_model_request_duration_seconds",
			Help:    "Duration of model requests in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"model"}),

		ModelTokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "steploop_model_tokens_total",
			Help: "Total number of tokens by model and type",
		}, []string{"model", "type"}),

		ToolExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "steploop_tool_executions_total",
			Help: "Total number of tool executions by tool name and status",
		}, []string{"tool_name", "status"}),

		ToolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "steploop_tool_execution_duration_seconds",
			Help:    "Duration of tool executions in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool_name"}),

		TaskOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "steploop_tasks_total",
			Help: "Total number of finished tasks by status",
		}, []string{"status"}),

		ActiveTasks: f.NewGauge(prometheus.GaugeOpts{
			Name: "steploop_active_tasks",
			Help: "Number of tasks currently executing",
		}),

		Compressions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "steploop_history_compressions_total",
			Help: "Total number of history compressions by status",
		}, []string{"status"}),
	}
}

func status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}

// StepDone records a finished step.
func (m *Metrics) StepDone(final bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	label := "false"
	if final {
		label = "true"
	}
	m.Steps.WithLabelValues(label).Inc()
	m.StepDuration.Observe(elapsed.Seconds())
}

// ModelRequest records one model call and its token usage.
func (m *Metrics) ModelRequest(model string, err error, elapsed time.Duration, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	m.ModelRequests.WithLabelValues(model, status(err)).Inc()
	m.ModelDuration.WithLabelValues(model).Observe(elapsed.Seconds())
	if inputTokens > 0 {
		m.ModelTokens.WithLabelValues(model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.ModelTokens.WithLabelValues(model, "output").Add(float64(outputTokens))
	}
}

// ToolExecution records one tool call.
func (m *Metrics) ToolExecution(tool string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(tool, status(err)).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// TaskStarted increments the active task gauge.
func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.ActiveTasks.Inc()
}

// TaskFinished decrements the active task gauge and counts the outcome.
func (m *Metrics) TaskFinished(status string) {
	if m == nil {
		return
	}
	m.ActiveTasks.Dec()
	m.TaskOutcomes.WithLabelValues(status).Inc()
}

// Compression records one history compression attempt.
func (m *Metrics) Compression(ok bool) {
	if m == nil {
		return
	}
	s := StatusSuccess
	if !ok {
		s = StatusError
	}
	m.Compressions.WithLabelValues(s).Inc()
}
