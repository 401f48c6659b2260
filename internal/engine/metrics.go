package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics счетчики шлюза. Конструируется с явным Registry,
// чтобы тесты не дрались за глобальный DefaultRegisterer.
type Metrics struct {
	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
	denials      *prometheus.CounterVec

	connectedExecutors prometheus.Gauge
	pendingCommands    prometheus.Gauge
	approvalsPending   prometheus.Gauge
	auditBuffer        prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "browsergate",
			Name:      "tool_calls_total",
			Help:      "Вызовы инструментов по исходу",
		}, []string{"tool", "outcome"}),
		toolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "browsergate",
			Name:      "tool_duration_seconds",
			Help:      "Длительность полного конвейера вызова",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"tool"}),
		denials: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "browsergate",
			Name:      "policy_denials_total",
			Help:      "Отказы конвейера по этапу",
		}, []string{"stage"}),
		connectedExecutors: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "browsergate",
			Name:      "connected_executors",
			Help:      "Подключенные браузерные исполнители",
		}),
		pendingCommands: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "browsergate",
			Name:      "pending_commands",
			Help:      "Команды в полете (ожидают ответа исполнителя)",
		}),
		approvalsPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "browsergate",
			Name:      "approvals_pending",
			Help:      "Запросы, ожидающие решения оператора",
		}),
		auditBuffer: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "browsergate",
			Name:      "audit_buffer_size",
			Help:      "Событий аудита в буфере записи",
		}),
	}
}

// ObserveToolCall фиксирует исход и длительность вызова. nil-safe.
func (m *Metrics) ObserveToolCall(tool, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// IncDenial отказ конвейера на этапе. nil-safe.
func (m *Metrics) IncDenial(stage string) {
	if m == nil {
		return
	}
	m.denials.WithLabelValues(stage).Inc()
}

func (m *Metrics) SetConnectedExecutors(n int) {
	if m == nil {
		return
	}
	m.connectedExecutors.Set(float64(n))
}

func (m *Metrics) SetPendingCommands(n int) {
	if m == nil {
		return
	}
	m.pendingCommands.Set(float64(n))
}

func (m *Metrics) SetApprovalsPending(n int) {
	if m == nil {
		return
	}
	m.approvalsPending.Set(float64(n))
}

func (m *Metrics) SetAuditBufferSize(n int) {
	if m == nil {
		return
	}
	m.auditBuffer.Set(float64(n))
}
