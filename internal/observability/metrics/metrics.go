// Package metrics exposes prometheus instrumentation for the
// entitlement engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
)

type Metrics struct {
	ChecksTotal        *prometheus.CounterVec
	DenialsTotal       *prometheus.CounterVec
	ValidationsTotal   *prometheus.CounterVec
	WebhookEventsTotal *prometheus.CounterVec
	CacheFallbacks     prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entitlement_checks_total",
			Help: "Feature access checks by outcome.",
		}, []string{"outcome"}),
		DenialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entitlement_denials_total",
			Help: "Feature access denials by code.",
		}, []string{"code"}),
		ValidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "license_validations_total",
			Help: "Remote license validations by result.",
		}, []string{"result"}),
		WebhookEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_webhook_events_total",
			Help: "Billing webhook events by type and result.",
		}, []string{"type", "result"}),
		CacheFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "entitlement_cache_fallbacks_total",
			Help: "Checks served from the validation cache while the remote was unreachable.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ChecksTotal,
			m.DenialsTotal,
			m.ValidationsTotal,
			m.WebhookEventsTotal,
			m.CacheFallbacks,
		)
	}
	return m
}

func Provide() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

var Module = fx.Module("observability.metrics",
	fx.Provide(Provide),
)
