package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PaymentChargeTotal counts direct-charge attempts by network and outcome.
	PaymentChargeTotal *prometheus.CounterVec
	// PaymentStatusCheckTotal counts transaction status checks by outcome.
	PaymentStatusCheckTotal *prometheus.CounterVec
	// PaymentSessionTransitionTotal counts checkout session state transitions.
	PaymentSessionTransitionTotal *prometheus.CounterVec
	// PaymentActiveSessions tracks checkout sessions held in memory.
	PaymentActiveSessions prometheus.Gauge
	// PromoVerifyTotal counts promo code verifications by result.
	PromoVerifyTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PaymentChargeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_charge_total",
			Help:      "Count of direct-charge attempts by network and outcome.",
		}, []string{"network", "result"})
		PaymentStatusCheckTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_status_check_total",
			Help:      "Count of transaction status checks by outcome.",
		}, []string{"result"})
		PaymentSessionTransitionTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_session_transition_total",
			Help:      "Count of checkout session state transitions.",
		}, []string{"from", "to"})
		PaymentActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "payment_active_sessions",
			Help:      "Number of checkout sessions currently held in memory.",
		})
		PromoVerifyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promo_verify_total",
			Help:      "Count of promo code verifications by result.",
		}, []string{"result"})

		mustRegisterCollector(reg, PaymentChargeTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentChargeTotal = v
			}
		})
		mustRegisterCollector(reg, PaymentStatusCheckTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentStatusCheckTotal = v
			}
		})
		mustRegisterCollector(reg, PaymentSessionTransitionTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentSessionTransitionTotal = v
			}
		})
		mustRegisterCollector(reg, PaymentActiveSessions, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Gauge); ok {
				PaymentActiveSessions = v
			}
		})
		mustRegisterCollector(reg, PromoVerifyTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PromoVerifyTotal = v
			}
		})
	})
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
