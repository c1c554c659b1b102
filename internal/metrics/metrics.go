// Package metrics holds the prometheus collectors for the API. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	requestCount    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	liveConnections prometheus.Gauge
	evictions       prometheus.Counter
	busEvents       *prometheus.CounterVec
	droppedEvents   *prometheus.CounterVec
	activityFailed  prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bulletin",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bulletin",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		liveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bulletin",
			Name:      "ws_connections",
			Help:      "Live websocket connections.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bulletin",
			Name:      "ws_session_evictions_total",
			Help:      "Sessions force-closed because the same user connected again.",
		}),
		busEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bulletin",
			Name:      "bus_events_total",
			Help:      "Events emitted on the notification bus.",
		}, []string{"event"}),
		droppedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bulletin",
			Name:      "bus_dropped_deliveries_total",
			Help:      "Deliveries dropped because a client send buffer was full.",
		}, []string{"event"}),
		activityFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bulletin",
			Name:      "activity_append_failures_total",
			Help:      "Activity log appends that failed after a committed change.",
		}),
	}
	reg.MustRegister(
		m.requestCount,
		m.requestDuration,
		m.liveConnections,
		m.evictions,
		m.busEvents,
		m.droppedEvents,
		m.activityFailed,
	)
	return m
}

func (m *Metrics) ObserveRequest(route, method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestCount.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(elapsed.Seconds())
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.liveConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.liveConnections.Dec()
}

func (m *Metrics) SessionEvicted() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

func (m *Metrics) EventEmitted(event string) {
	if m == nil {
		return
	}
	m.busEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) DeliveryDropped(event string) {
	if m == nil {
		return
	}
	m.droppedEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ActivityAppendFailed() {
	if m == nil {
		return
	}
	m.activityFailed.Inc()
}
