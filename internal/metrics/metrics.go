// Package metrics exposes engine counters to Prometheus.
//
// A nil *Collectors is valid and records nothing, so components can take
// one unconditionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "threadview"

// Collectors groups the engine's Prometheus collectors.
type Collectors struct {
	EventsApplied   *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	StatusesParked  prometheus.Counter
	Promotions      prometheus.Counter
	SendFailures    *prometheus.CounterVec
	PagesLoaded     *prometheus.CounterVec
	ReconcileFetch  *prometheus.CounterVec
	PendingMessages prometheus.Gauge
}

// New creates the collectors and registers them on reg. A nil registerer
// leaves them unregistered, which is what tests use.
func New(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		EventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_events_applied_total",
			Help:      "Live events applied by the merger, by event type.",
		}, []string{"type"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_events_dropped_total",
			Help:      "Live events dropped before or during merge, by reason.",
		}, []string{"reason"}),
		StatusesParked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_patches_parked_total",
			Help:      "Status changes held until their message arrives.",
		}),
		Promotions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimistic_promotions_total",
			Help:      "Optimistic entries replaced by their durable record.",
		}),
		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Send attempts that failed, by kind (transient, terminal, timeout).",
		}, []string{"kind"}),
		PagesLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_loaded_total",
			Help:      "History pages appended to page stores, by cache hit.",
		}, []string{"cache_hit"}),
		ReconcileFetch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_fetches_total",
			Help:      "Reconciliation fetches after reconnect, by result.",
		}, []string{"result"}),
		PendingMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_messages",
			Help:      "Optimistic entries currently held in overlays.",
		}),
	}

	if reg == nil {
		return c, nil
	}
	for _, col := range []prometheus.Collector{
		c.EventsApplied, c.EventsDropped, c.StatusesParked, c.Promotions, c.SendFailures,
		c.PagesLoaded, c.ReconcileFetch, c.PendingMessages,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// EventApplied counts a merged live event.
func (c *Collectors) EventApplied(eventType string) {
	if c == nil {
		return
	}
	c.EventsApplied.WithLabelValues(eventType).Inc()
}

// EventDropped counts a dropped live event.
func (c *Collectors) EventDropped(reason string) {
	if c == nil {
		return
	}
	c.EventsDropped.WithLabelValues(reason).Inc()
}

// StatusParked counts a status change parked for a message not held yet.
func (c *Collectors) StatusParked() {
	if c == nil {
		return
	}
	c.StatusesParked.Inc()
}

// Promoted counts a promotion.
func (c *Collectors) Promoted() {
	if c == nil {
		return
	}
	c.Promotions.Inc()
}

// SendFailed counts a failed send attempt.
func (c *Collectors) SendFailed(kind string) {
	if c == nil {
		return
	}
	c.SendFailures.WithLabelValues(kind).Inc()
}

// PageLoaded counts an appended page.
func (c *Collectors) PageLoaded(cacheHit bool) {
	if c == nil {
		return
	}
	label := "false"
	if cacheHit {
		label = "true"
	}
	c.PagesLoaded.WithLabelValues(label).Inc()
}

// Reconciled counts a reconciliation fetch attempt result ("ok", "error", "stale").
func (c *Collectors) Reconciled(result string) {
	if c == nil {
		return
	}
	c.ReconcileFetch.WithLabelValues(result).Inc()
}

// AddPending moves the pending gauge by delta.
func (c *Collectors) AddPending(delta int) {
	if c == nil {
		return
	}
	c.PendingMessages.Add(float64(delta))
}
