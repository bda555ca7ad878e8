// Package metrics exposes Prometheus collectors for agent turns, model
// calls, tool calls and stream events on a private registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "analyst"

// Metrics holds the collectors. The zero value is not usable; call New.
type Metrics struct {
	registry *prometheus.Registry

	turns          *prometheus.CounterVec
	turnDuration   *prometheus.HistogramVec
	turnIterations prometheus.Histogram

	modelCalls    *prometheus.CounterVec
	modelDuration prometheus.Histogram
	tokens        *prometheus.CounterVec

	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec

	streamEvents *prometheus.CounterVec
}

// New registers every collector, plus the Go runtime and process
// collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_turns_total",
			Help:      "Agent turns by final state.",
		}, []string{"state"}),
		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_turn_duration_seconds",
			Help:      "Wall time of an agent turn.",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 40, 80, 160},
		}, []string{"state"}),
		turnIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_turn_iterations",
			Help:      "Model calls per agent turn.",
			Buckets:   []float64{1, 2, 3, 4, 5, 6},
		}),
		modelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Model calls by model and stop reason.",
		}, []string{"model", "stop_reason"}),
		modelDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "Duration of a streamed model call.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "Tokens by model and direction.",
		}, []string{"model", "direction"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls by tool and outcome.",
		}, []string{"tool", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_execution_duration_seconds",
			Help:      "Duration of a tool call.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		streamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Stream events delivered to callers by type.",
		}, []string{"type"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.turns, m.turnDuration, m.turnIterations,
		m.modelCalls, m.modelDuration, m.tokens,
		m.toolCalls, m.toolDuration,
		m.streamEvents,
	)
	return m
}

// ObserveTurn records a finished agent turn.
func (m *Metrics) ObserveTurn(state string, iterations int, elapsed time.Duration) {
	m.turns.WithLabelValues(state).Inc()
	m.turnDuration.WithLabelValues(state).Observe(elapsed.Seconds())
	m.turnIterations.Observe(float64(iterations))
}

// ObserveModelCall records one model call and its token usage.
func (m *Metrics) ObserveModelCall(model, stopReason string, elapsed time.Duration, inputTokens, outputTokens int) {
	m.modelCalls.WithLabelValues(model, stopReason).Inc()
	m.modelDuration.Observe(elapsed.Seconds())
	m.tokens.WithLabelValues(model, "input").Add(float64(inputTokens))
	m.tokens.WithLabelValues(model, "output").Add(float64(outputTokens))
}

// ObserveToolCall records one tool call.
func (m *Metrics) ObserveToolCall(tool, outcome string, elapsed time.Duration) {
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// ObserveStreamEvent counts one delivered stream event.
func (m *Metrics) ObserveStreamEvent(eventType string) {
	m.streamEvents.WithLabelValues(eventType).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
