package gate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"titan/internal/breaker"
)

// ============================================================
// Prometheus метрики гейта
// ============================================================

// CommandsTotal - команды по итогу (approved, rejected)
var CommandsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "titan",
		Subsystem: "guard",
		Name:      "commands_total",
		Help:      "Total number of commands processed by outcome",
	},
	[]string{"outcome"},
)

// RejectionsTotal - отклонения по коду причины
var RejectionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "titan",
		Subsystem: "guard",
		Name:      "rejections_total",
		Help:      "Total number of rejected commands by reason code",
	},
	[]string{"reason"},
)

// EvaluationDuration - время от получения конверта до вердикта
var EvaluationDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "titan",
		Subsystem: "guard",
		Name:      "evaluation_duration_seconds",
		Help:      "Time from envelope receipt to verdict",
		Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
	},
)

// RateLimitedTotal - отказы лимитера по ключу
var RateLimitedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "titan",
		Subsystem: "guard",
		Name:      "rate_limited_total",
		Help:      "Commands rejected by the token bucket limiter",
	},
	[]string{"symbol", "command"},
)

// BreakerMode - текущий режим (0=Normal ... 4=Halted)
var BreakerMode = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "titan",
		Subsystem: "guard",
		Name:      "breaker_mode",
		Help:      "Current circuit breaker mode (0=Normal, 1=Cautious, 2=Defensive, 3=Emergency, 4=Halted)",
	},
)

// BreakerTransitions - переходы режимов
var BreakerTransitions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "titan",
		Subsystem: "guard",
		Name:      "breaker_transitions_total",
		Help:      "Circuit breaker mode transitions",
	},
	[]string{"from", "to"},
)

// ShadowEquity - эквити по теневому состоянию
var ShadowEquity = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "titan",
		Subsystem: "guard",
		Name:      "shadow_equity",
		Help:      "Equity according to the shadow state",
	},
)

// EquityDeviation - |internal - exchange| / exchange
var EquityDeviation = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "titan",
		Subsystem: "guard",
		Name:      "equity_deviation_ratio",
		Help:      "Relative deviation between shadow equity and exchange-reported equity",
	},
)

// BusDropped - сообщения, потерянные из-за переполненной очереди
var BusDropped = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "titan",
		Subsystem: "guard",
		Name:      "bus_dropped_total",
		Help:      "Messages dropped because a subscriber queue was full",
	},
	[]string{"subject"},
)

// PolicyReloads - перезагрузки политики по результату
var PolicyReloads = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "titan",
		Subsystem: "guard",
		Name:      "policy_reloads_total",
		Help:      "Policy reload attempts by result",
	},
	[]string{"result"}, // changed, unchanged, error
)

// ============ Вспомогательные функции ============

// RecordOutcome учитывает итог обработки команды
func RecordOutcome(o Outcome) {
	if o.Approved {
		CommandsTotal.WithLabelValues("approved").Inc()
	} else {
		CommandsTotal.WithLabelValues("rejected").Inc()
		RejectionsTotal.WithLabelValues(string(o.Reason)).Inc()
	}
	EvaluationDuration.Observe(o.Latency.Seconds())
}

// RecordTransition учитывает переход breaker
func RecordTransition(tr breaker.Transition) {
	BreakerMode.Set(float64(tr.To))
	BreakerTransitions.WithLabelValues(tr.From.String(), tr.To.String()).Inc()
}

// RecordBusDrop - колбэк для bus.NewMemory
func RecordBusDrop(subject string) {
	BusDropped.WithLabelValues(subject).Inc()
}

// RecordPolicyReload учитывает попытку перезагрузки политики
func RecordPolicyReload(changed bool, err error) {
	switch {
	case err != nil:
		PolicyReloads.WithLabelValues("error").Inc()
	case changed:
		PolicyReloads.WithLabelValues("changed").Inc()
	default:
		PolicyReloads.WithLabelValues("unchanged").Inc()
	}
}
