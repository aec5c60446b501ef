package obslog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is a centralized registry of Prometheus collectors for prompt
// execution, tool invocation, shell sessions, and persistence.
type Metrics struct {
	// PromptsStarted counts prompts entered into the streaming phase.
	PromptsStarted *prometheus.CounterVec

	// PromptDuration measures end-to-end prompt latency in seconds,
	// labeled by terminal status (completed|error).
	PromptDuration *prometheus.HistogramVec

	// PromptIterations tracks how many stream-then-tool-round-trips a
	// prompt took before reaching a terminal response.
	PromptIterations *prometheus.HistogramVec

	// LLMRequestDuration measures provider streaming call latency.
	// Labels: provider, model.
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts provider calls by outcome.
	// Labels: provider, model, status (success|error).
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, kind (input|output).
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations by outcome.
	// Labels: tool_name, status (success|error).
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution latency.
	// Labels: tool_name.
	ToolExecutionDuration *prometheus.HistogramVec

	// ShellSessionsActive is a gauge of live shell sessions.
	ShellSessionsActive prometheus.Gauge

	// ShellSessionsReaped counts sessions torn down by the Pool: by the
	// idle sweep, because the underlying process died, or at shutdown.
	// Labels: reason (idle|dead|shutdown, or a caller-supplied Evict reason).
	ShellSessionsReaped *prometheus.CounterVec

	// EventStoreAppendDuration measures append latency to the durable event log.
	// Labels: backend (memory|postgres|sqlite).
	EventStoreAppendDuration *prometheus.HistogramVec

	// BusSubscribers is a gauge of live subscriber connections across all
	// conversations.
	BusSubscribers prometheus.Gauge

	// BusDroppedEvents counts events dropped due to backpressure on a
	// slow subscriber.
	BusDroppedEvents *prometheus.CounterVec
}

// NewMetrics registers and returns the collector set. Call once at startup.
func NewMetrics() *Metrics {
	return &Metrics{
		PromptsStarted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_prompts_started_total",
				Help: "Total number of prompts that entered the streaming phase",
			},
			[]string{"model"},
		),
		PromptDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_prompt_duration_seconds",
				Help:    "End-to-end prompt latency from creation to terminal status",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),
		PromptIterations: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_prompt_iterations",
				Help:    "Number of stream/tool-execution round-trips per prompt",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34},
			},
			[]string{"status"},
		),
		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_llm_request_duration_seconds",
				Help:    "Provider streaming call latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_llm_requests_total",
				Help: "Total provider calls by outcome",
			},
			[]string{"provider", "model", "status"},
		),
		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_llm_tokens_total",
				Help: "Total tokens consumed by provider and kind",
			},
			[]string{"provider", "model", "kind"},
		),
		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_tool_executions_total",
				Help: "Total tool invocations by outcome",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_tool_execution_duration_seconds",
				Help:    "Tool execution latency in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		ShellSessionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "loom_shell_sessions_active",
				Help: "Current number of live persistent shell sessions",
			},
		),
		ShellSessionsReaped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_shell_sessions_reaped_total",
				Help: "Shell sessions torn down, by reason",
			},
			[]string{"reason"},
		),
		EventStoreAppendDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_event_store_append_duration_seconds",
				Help:    "Latency of appending a prompt event to the durable log",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"backend"},
		),
		BusSubscribers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "loom_bus_subscribers",
				Help: "Current number of live subscriber connections across all conversations",
			},
		),
		BusDroppedEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_bus_dropped_events_total",
				Help: "Events dropped due to subscriber backpressure",
			},
			[]string{"conversation_id"},
		),
	}
}
