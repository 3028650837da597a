package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentloop"

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	llmCallTotal    *prometheus.CounterVec
	llmCallDuration *prometheus.HistogramVec
	agentStepTotal  *prometheus.CounterVec
	runLoopTotal    *prometheus.CounterVec
	runLoopSteps    prometheus.Histogram

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	mcpServersActive  prometheus.Gauge
	mcpOperationTotal *prometheus.CounterVec

	historySaveTotal    *prometheus.CounterVec
	historySaveDuration *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "queue_size",
					Help:      "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "enqueue_total",
					Help:      "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "dequeue_total",
					Help:      "Total dequeue/completion operations by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "task_duration_seconds",
					Help:      "Task execution duration in seconds by lane.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			llmCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "llm_call_total",
					Help:      "Total provider calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			llmCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "llm_call_duration_seconds",
					Help:      "Provider call duration in seconds by provider.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			agentStepTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "agent_step_total",
					Help:      "Total agent steps by outcome.",
				},
				[]string{"outcome"},
			),
			runLoopTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "run_loop_total",
					Help:      "Total run loops by terminal status.",
				},
				[]string{"status"},
			),
			runLoopSteps: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "run_loop_steps",
					Help:      "Steps taken per run loop.",
					Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 30},
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_execution_total",
					Help:      "Total tool executions by tool, origin and status.",
				},
				[]string{"tool", "origin", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tool_execution_duration_seconds",
					Help:      "Tool execution duration in seconds by tool.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"tool", "origin"},
			),
			mcpServersActive: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "mcp_servers_active",
					Help:      "Currently connected MCP servers.",
				},
			),
			mcpOperationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "mcp_operation_total",
					Help:      "MCP lifecycle operations by operation and status.",
				},
				[]string{"operation", "status"},
			),
			historySaveTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "history_save_total",
					Help:      "Conversation history saves by backend and status.",
				},
				[]string{"backend", "status"},
			),
			historySaveDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "history_save_duration_seconds",
					Help:      "Conversation history save duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"backend"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.llmCallTotal,
			m.llmCallDuration,
			m.agentStepTotal,
			m.runLoopTotal,
			m.runLoopSteps,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.mcpServersActive,
			m.mcpOperationTotal,
			m.historySaveTotal,
			m.historySaveDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// RecordQueueEnqueue records an enqueue operation and current queue size.
func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// SetQueueSize updates the queue size gauge for a lane.
func SetQueueSize(lane string, queueSize int) {
	getMetrics().queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// RecordQueueCompletion records completion status and duration for a lane task.
func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// RecordLLMCall records one provider round trip.
func RecordLLMCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.llmCallTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.llmCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordAgentStep records how a step ended: running, done, error or aborted.
func RecordAgentStep(outcome string) {
	getMetrics().agentStepTotal.WithLabelValues(outcome).Inc()
}

// RecordRunLoop records a finished run loop.
func RecordRunLoop(status string, steps int) {
	m := getMetrics()
	m.runLoopTotal.WithLabelValues(status).Inc()
	m.runLoopSteps.Observe(float64(steps))
}

// RecordToolExecution records tool execution status and duration.
func RecordToolExecution(tool, origin string, duration time.Duration, status string) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, origin, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool, origin).Observe(duration.Seconds())
}

// SetMCPServersActive updates the connected MCP server gauge.
func SetMCPServersActive(count int) {
	getMetrics().mcpServersActive.Set(float64(count))
}

// RecordMCPOperation records an enable, disable or test outcome.
func RecordMCPOperation(operation string, success bool) {
	getMetrics().mcpOperationTotal.WithLabelValues(operation, statusLabel(success)).Inc()
}

// RecordHistorySave records a conversation history write.
func RecordHistorySave(backend string, duration time.Duration, success bool) {
	m := getMetrics()
	m.historySaveTotal.WithLabelValues(backend, statusLabel(success)).Inc()
	m.historySaveDuration.WithLabelValues(backend).Observe(duration.Seconds())
}
