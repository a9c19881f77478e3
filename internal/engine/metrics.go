package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: время обработки запроса целиком, включая стрим
	RequestDuration *prometheus.HistogramVec

	// Traffic: запросы по эндпоинту и исходу
	TotalRequests *prometheus.CounterVec

	// Errors: классификация отказов
	ErrorTotal *prometheus.CounterVec

	// Saturation: занятые слоты и здоровье эндпоинтов
	ActiveSlots     *prometheus.GaugeVec
	EndpointHealthy *prometheus.GaugeVec

	// Состояние Circuit Breaker (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState *prometheus.GaugeVec

	// Relay: сообщения через роутер по источнику, kind и результату
	RelayMessages *prometheus.CounterVec
	// PendingDirectives: размер таблицы корреляции
	PendingDirectives prometheus.Gauge

	// ControlPlaneState: текущее состояние сессии (см. session.State)
	ControlPlaneState prometheus.Gauge
	// ControlPlaneReconnects: переходы в Backoff
	ControlPlaneReconnects prometheus.Counter

	// Journal: заполненность буфера (backpressure)
	JournalBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object: если регистр не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "labman_proxy_request_duration_seconds",
			Help:    "Histogram of proxied request latencies, including streaming time.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"endpoint", "outcome"}),

		TotalRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "labman_proxy_requests_total",
			Help: "Total number of proxied completion requests.",
		}, []string{"endpoint", "outcome"}),

		ErrorTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "labman_errors_total",
			Help: "Total number of errors by type.",
		}, []string{"type"}), // slug_not_found, no_capacity, upstream_timeout, upstream_error, circuit_open, protocol

		ActiveSlots: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "labman_endpoint_active_slots",
			Help: "Concurrency slots currently held per endpoint.",
		}, []string{"endpoint"}),

		EndpointHealthy: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "labman_endpoint_healthy",
			Help: "1 if the last liveness probe succeeded.",
		}, []string{"endpoint"}),

		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "labman_circuit_breaker_state",
			Help: "Current state of the per-endpoint circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"endpoint"}),

		RelayMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "labman_relay_messages_total",
			Help: "Envelopes handled by the message router.",
		}, []string{"source", "kind", "result"}),

		PendingDirectives: f.NewGauge(prometheus.GaugeOpts{
			Name: "labman_relay_pending_directives",
			Help: "Directives awaiting acknowledgement.",
		}),

		ControlPlaneState: f.NewGauge(prometheus.GaugeOpts{
			Name: "labman_controlplane_state",
			Help: "Control-plane session state (0=disconnected, 1=connecting, 2=authenticating, 3=connected, 4=backoff).",
		}),

		ControlPlaneReconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "labman_controlplane_backoffs_total",
			Help: "Number of times the control-plane session entered backoff.",
		}),

		JournalBufferFill: f.NewGauge(prometheus.GaugeOpts{
			Name: "labman_journal_buffer_utilization",
			Help: "Current number of events in the telemetry journal buffer.",
		}),
	}
}

// ObserveHealth реализует discovery.HealthObserver.
func (m *Metrics) ObserveHealth(endpoint string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	m.EndpointHealthy.WithLabelValues(endpoint).Set(v)
}

// ObserveRelay реализует relay.Observer.
func (m *Metrics) ObserveRelay(source, kind, result string) {
	m.RelayMessages.WithLabelValues(source, kind, result).Inc()
}

func (m *Metrics) SetPendingDirectives(n int) {
	m.PendingDirectives.Set(float64(n))
}

// ObserveSessionState реализует session.StateObserver.
func (m *Metrics) ObserveSessionState(state int, backoff bool) {
	m.ControlPlaneState.Set(float64(state))
	if backoff {
		m.ControlPlaneReconnects.Inc()
	}
}
