package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics — Prometheus метрики выполнения flows.
//
// Все методы безопасны для nil-получателя: компонент без метрик
// просто не передаёт *Metrics в Config.
type Metrics struct {
	NodeExecutions *prometheus.CounterVec
	NodeAttempts   *prometheus.CounterVec
	NodeDuration   *prometheus.HistogramVec
	RunsTotal      *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
	RunsActive     prometheus.Gauge
}

// NewMetrics регистрирует метрики в reg.
// nil reg означает prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		NodeExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "genflow_node_executions_total",
			Help: "Finished node executions by kind and final status",
		}, []string{"kind", "status"}),
		NodeAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "genflow_node_attempts_total",
			Help: "Executor attempts by node kind",
		}, []string{"kind"}),
		NodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "genflow_node_duration_seconds",
			Help:    "Node execution time including retries",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "genflow_runs_total",
			Help: "Finished runs by final status",
		}, []string{"status"}),
		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "genflow_run_duration_seconds",
			Help:    "Run execution time",
			Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 900},
		}, []string{"status"}),
		RunsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "genflow_runs_active",
			Help: "Runs currently executing",
		}),
	}
}

// NodeAttempt учитывает одну попытку выполнения узла.
func (m *Metrics) NodeAttempt(kind string) {
	if m == nil {
		return
	}
	m.NodeAttempts.WithLabelValues(kind).Inc()
}

// NodeFinished учитывает завершение узла.
func (m *Metrics) NodeFinished(kind, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.NodeExecutions.WithLabelValues(kind, status).Inc()
	m.NodeDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RunStarted увеличивает счётчик активных runs.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.RunsActive.Inc()
}

// RunFinished учитывает завершение run.
func (m *Metrics) RunFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunsActive.Dec()
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.WithLabelValues(status).Observe(d.Seconds())
}

// HTTPMetrics — Prometheus метрики HTTP API.
type HTTPMetrics struct {
	Requests *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// NewHTTPMetrics регистрирует метрики API в reg (nil — DefaultRegisterer).
func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &HTTPMetrics{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "genflow_http_requests_total",
			Help: "HTTP requests by method, route and status code",
		}, []string{"method", "route", "code"}),
		Duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "genflow_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Observe учитывает один HTTP запрос. Пустой route — запрос без маршрута.
func (m *HTTPMetrics) Observe(method, route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.Requests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.Duration.WithLabelValues(route).Observe(d.Seconds())
}
