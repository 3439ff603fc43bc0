// Package metrics exposes engine and HTTP counters in the Prometheus text
// format. Every instrument lives on a private registry so tests can build as
// many Metrics as they like.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/pulsemarket/internal/domain"
)

const namespace = "pulsemarket"

// EngineView is the read side of the engine sampled at scrape time.
type EngineView interface {
	Now() domain.Pulse
	Vaults() []domain.Vault
	Markets() []domain.Market
}

// Metrics holds every instrument.
type Metrics struct {
	registry *prometheus.Registry

	pulses       prometheus.Counter
	lastPulse    prometheus.Gauge
	marketEvents *prometheus.CounterVec
	positions    *prometheus.CounterVec
	resolutions  *prometheus.CounterVec
	settledLocks prometheus.Counter
	dust         prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New registers the instruments plus the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		pulses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "pulses_total",
			Help: "Pulses evaluated by the engine.",
		}),
		lastPulse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "engine", Name: "last_pulse",
			Help: "Most recent pulse evaluated.",
		}),
		marketEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "market_events_total",
			Help: "Market lifecycle events by kind.",
		}, []string{"kind"}),
		positions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "positions_total",
			Help: "Positions placed by venue and side.",
		}, []string{"venue", "side"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "settlement", Name: "resolutions_applied_total",
			Help: "Resolutions that changed at least one record, by outcome.",
		}, []string{"outcome"}),
		settledLocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "settlement", Name: "locks_settled_total",
			Help: "Vault locks moved out of the locked state by settlement.",
		}),
		dust: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "settlement", Name: "dust_micro_total",
			Help: "Parimutuel micro-units left unpaid by floor division.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(
		m.pulses, m.lastPulse, m.marketEvents, m.positions,
		m.resolutions, m.settledLocks, m.dust,
		m.httpRequests, m.httpDuration,
	)
	return m
}

// WatchEngine adds gauges sampled from view on every scrape.
func (m *Metrics) WatchEngine(view EngineView) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "engine", Name: "clock_pulse",
			Help: "Current pulse of the engine clock.",
		}, func() float64 { return float64(view.Now()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "vaults",
			Help: "Vaults held by the ledger.",
		}, func() float64 { return float64(len(view.Vaults())) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "markets", Name: "open",
			Help: "Markets still accepting positions.",
		}, func() float64 {
			n := 0
			for _, mk := range view.Markets() {
				if mk.State.Status == domain.MarketOpen {
					n++
				}
			}
			return float64(n)
		}),
	)
}

// Pulse records one evaluated pulse.
func (m *Metrics) Pulse(p domain.Pulse) {
	m.pulses.Inc()
	m.lastPulse.Set(float64(p))
}

// MarketEvent counts a lifecycle event.
func (m *Metrics) MarketEvent(kind string) {
	m.marketEvents.WithLabelValues(kind).Inc()
}

// PositionPlaced counts a placed position.
func (m *Metrics) PositionPlaced(venue domain.VenueKind, side domain.Side) {
	m.positions.WithLabelValues(string(venue), string(side)).Inc()
}

// ResolutionApplied counts a settlement that changed state.
func (m *Metrics) ResolutionApplied(outcome domain.Outcome, locks int, dust uint64) {
	m.resolutions.WithLabelValues(string(outcome)).Inc()
	m.settledLocks.Add(float64(locks))
	m.dust.Add(float64(dust))
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, code int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
