package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "openmcp"

// Registry 是进程内所有指标使用的私有注册表。
var Registry = prometheus.NewRegistry()

var (
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	plannerCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "planner_calls_total",
		Help:      "Planner round-trips by outcome.",
	}, []string{"outcome"})

	toolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "tool_calls_total",
		Help:      "Dispatched tool calls by tool and outcome.",
	}, []string{"tool", "outcome"})

	compactions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "context_compactions_total",
		Help:      "History compactions by summary source.",
	}, []string{"source"})

	escalations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "escalations_total",
		Help:      "Human escalations by resolution.",
	}, []string{"action"})

	remoteEnvelopes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "remote",
		Name:      "envelopes_total",
		Help:      "Inbound remote envelopes by type and handling.",
	}, []string{"type", "handling"})

	taskOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "task",
		Name:      "outcomes_total",
		Help:      "Finished tasks by terminal state.",
	}, []string{"state"})

	taskDispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "task",
		Name:      "dispatches_total",
		Help:      "Queue deliveries handled by the task processor, by result.",
	}, []string{"result"})

	tasksRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "task",
		Name:      "running",
		Help:      "Tasks currently being executed.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests, httpDuration,
		plannerCalls, toolCalls, compactions, escalations,
		remoteEnvelopes, taskOutcomes, taskDispatches, tasksRunning,
	)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObservePlannerCall 记录一次规划调用，outcome 为 ok、failed 或 empty。
func ObservePlannerCall(outcome string) {
	plannerCalls.WithLabelValues(outcome).Inc()
}

// ObserveToolCall 记录一次工具调度。
func ObserveToolCall(tool string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	toolCalls.WithLabelValues(tool, outcome).Inc()
}

// ObserveCompaction 记录一次历史压缩，source 为 model 或 fallback。
func ObserveCompaction(source string) {
	compactions.WithLabelValues(source).Inc()
}

// ObserveEscalation 记录人工介入的结果。
func ObserveEscalation(action string) {
	escalations.WithLabelValues(action).Inc()
}

// ObserveRemoteEnvelope 记录远程通道收到的信封，handling 为 relayed、discarded 等。
func ObserveRemoteEnvelope(kind, handling string) {
	remoteEnvelopes.WithLabelValues(kind, handling).Inc()
}

// ObserveTaskOutcome 记录任务终止状态。
func ObserveTaskOutcome(state string) {
	taskOutcomes.WithLabelValues(state).Inc()
}

// ObserveTaskDispatch 记录处理器对一次队列投递的处理结果。
func ObserveTaskDispatch(result string) {
	taskDispatches.WithLabelValues(result).Inc()
}

// TaskStarted 增加运行中任务数，返回的函数在任务结束时调用。
func TaskStarted() func() {
	tasksRunning.Inc()
	return tasksRunning.Dec
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
