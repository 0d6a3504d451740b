package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"swapescrow/internal/cache"
	"swapescrow/internal/session"
)

// Metrics owns the process's prometheus registry. Observe is meant to be
// registered as a session observer.
type Metrics struct {
	registry           *prometheus.Registry
	transitionsTotal   *prometheus.CounterVec
	alreadyClosedTotal *prometheus.CounterVec
	replaysTotal       *prometheus.CounterVec
}

func NewMetrics(c *cache.Cache) *Metrics {
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swapescrow_transitions_total",
		Help: "Escrow transition state changes by transition and state",
	}, []string{"transition", "state"})

	alreadyClosed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swapescrow_already_closed_total",
		Help: "Fulfil or cancel attempts that found the escrow already closed",
	}, []string{"transition"})

	replays := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swapescrow_idempotent_replays_total",
		Help: "Submissions answered from the idempotency store",
	}, []string{"transition"})

	r := prometheus.NewRegistry()
	r.MustRegister(transitions, alreadyClosed, replays)

	if c != nil {
		r.MustRegister(
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "swapescrow_cache_hits_total",
				Help: "Escrow cache hits",
			}, func() float64 { return float64(c.Stats().Hits) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "swapescrow_cache_misses_total",
				Help: "Escrow cache misses",
			}, func() float64 { return float64(c.Stats().Misses) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "swapescrow_cache_invalidations_total",
				Help: "Exact-key cache invalidations",
			}, func() float64 { return float64(c.Stats().Invalidations) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "swapescrow_cache_entries",
				Help: "Entries currently cached",
			}, func() float64 { return float64(c.Len()) }),
		)
	}

	return &Metrics{
		registry:           r,
		transitionsTotal:   transitions,
		alreadyClosedTotal: alreadyClosed,
		replaysTotal:       replays,
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Observe(o session.Outcome) {
	m.transitionsTotal.WithLabelValues(string(o.Transition), o.State.String()).Inc()
	if o.AlreadyClosed {
		m.alreadyClosedTotal.WithLabelValues(string(o.Transition)).Inc()
	}
}

func (m *Metrics) incReplay(transition string) {
	m.replaysTotal.WithLabelValues(transition).Inc()
}
