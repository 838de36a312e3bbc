// Package metrics exposes scheduler, outbox and flush counters to
// Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/g960059/termrelay/internal/trigger"
)

const namespace = "termrelay"

// Metrics holds every collector on a private registry so several daemons
// can live in one test binary. It satisfies the trigger, outbox and
// dispatch observer interfaces.
type Metrics struct {
	registry *prometheus.Registry

	triggersFired *prometheus.CounterVec
	triggersStale prometheus.Counter
	outboxClaimed prometheus.Counter
	outboxSent    prometheus.Counter
	outboxFailed  *prometheus.CounterVec
	flushes       *prometheus.CounterVec
}

// SessionCounts reports live sessions and how many of them are Working.
type SessionCounts func() (live, working int)

func New(sessions SessionCounts) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	m := &Metrics{
		registry: reg,
		triggersFired: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "triggers_fired_total",
				Help:      "Scheduler triggers handed to the dispatcher.",
			},
			[]string{"rules", "stage"},
		),
		triggersStale: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_stale_total",
			Help:      "Deferred triggers discarded because a later one replaced them.",
		}),
		outboxClaimed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_claimed_total",
			Help:      "Outbox messages leased for delivery.",
		}),
		outboxSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_sent_total",
			Help:      "Outbox messages delivered.",
		}),
		outboxFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_failed_total",
				Help:      "Outbox delivery failures by result.",
			},
			[]string{"result"},
		),
		flushes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "semantic_flushes_total",
				Help:      "Completed reply extractions by outcome.",
			},
			[]string{"outcome"},
		),
	}
	if sessions != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_live",
			Help:      "Registered terminal sessions.",
		}, func() float64 {
			live, _ := sessions()
			return float64(live)
		})
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_working",
			Help:      "Sessions currently in the Working status.",
		}, func() float64 {
			_, working := sessions()
			return float64(working)
		})
	}
	return m
}

func (m *Metrics) TriggerFired(mask trigger.RuleMask, stage trigger.Stage) {
	m.triggersFired.WithLabelValues(mask.String(), stage.String()).Inc()
}

func (m *Metrics) TriggerStale() {
	m.triggersStale.Inc()
}

func (m *Metrics) OutboxClaimed(n int) {
	m.outboxClaimed.Add(float64(n))
}

func (m *Metrics) OutboxSent() {
	m.outboxSent.Inc()
}

func (m *Metrics) OutboxFailed(dead bool) {
	result := "retry"
	if dead {
		result = "dead"
	}
	m.outboxFailed.WithLabelValues(result).Inc()
}

func (m *Metrics) FlushCompleted(outcome string) {
	m.flushes.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
