// Package monitoring exposes the engine's Prometheus metrics.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/bookout-recon/internal/resilience"
)

// Apply outcomes.
const (
	OutcomeApplied  = "applied"
	OutcomeConflict = "conflict"
	OutcomeExpired  = "expired"
	OutcomeError    = "error"
)

var (
	// revaluationsTotal counts revaluations by the path that produced values
	revaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recon_revaluations_total",
		Help: "Revaluations by source (provider, fallback, failed)",
	}, []string{"source"})

	sessionApplyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recon_session_apply_total",
		Help: "Session apply attempts by outcome",
	}, []string{"outcome"})

	// overrideBackfills should stay at zero
	overrideBackfills = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recon_override_backfills_total",
		Help: "Overrides created by the coverage repair when opening a session",
	})

	providerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "recon_provider_request_duration_seconds",
		Help:    "Valuation provider call latency by endpoint and result",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 9), // 50ms to ~13s
	}, []string{"endpoint", "result"})

	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "recon_breaker_state",
		Help: "Circuit breaker state (0 closed, 1 open, 2 half open)",
	}, []string{"name"})
)

// ObserveRevaluation counts one revaluation.
func ObserveRevaluation(source string) {
	revaluationsTotal.WithLabelValues(source).Inc()
}

// ObserveApply counts one apply attempt.
func ObserveApply(outcome string) {
	sessionApplyTotal.WithLabelValues(outcome).Inc()
}

// ObserveBackfill counts n repaired overrides.
func ObserveBackfill(n int) {
	overrideBackfills.Add(float64(n))
}

// ObserveProvider records the latency of one provider call.
func ObserveProvider(endpoint string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	providerDuration.WithLabelValues(endpoint, result).Observe(d.Seconds())
}

// BreakerChanged is a resilience.BreakerConfig.OnChange hook that exports the
// state and logs the transition.
func BreakerChanged(name string, from, to resilience.State) {
	breakerState.WithLabelValues(name).Set(float64(to))
	log := zap.L().With(zap.String("breaker", name), zap.Stringer("from", from), zap.Stringer("to", to))
	if to == resilience.Open {
		log.Warn("monitoring: circuit opened")
		return
	}
	log.Info("monitoring: circuit state changed")
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
