// Package metrics exports server activity to Prometheus.
package metrics

import (
	"context"
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vncd/server/internal/server"
	"github.com/vncd/server/internal/session"
)

const namespace = "vncd"

// Metrics records driver, session and updater activity. It implements
// server.Reporter, session.Observer and the updater's Recorder.
type Metrics struct {
	cycles       *prometheus.CounterVec
	connections  *prometheus.CounterVec
	stopFailures *prometheus.CounterVec
	fatalExits   *prometheus.CounterVec
	rectsSent    *prometheus.CounterVec
	bytesSent    *prometheus.CounterVec
	state        *prometheus.GaugeVec
	active       prometheus.Gauge
}

// New registers the metrics with reg. When registry is non-nil, queue
// occupancy of every registered session is exported as well.
func New(reg prometheus.Registerer, registry *session.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &Metrics{
		cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_cycles_total",
			Help:      "Connection cycles completed, by display and result",
		}, []string{"display", "result"}),

		connections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Client connections accepted",
		}, []string{"display"}),

		stopFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updater_stop_failures_total",
			Help:      "Updater stops that did not finish in time",
		}, []string{"display"}),

		fatalExits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "display_fatal_exits_total",
			Help:      "Display loops that ended with a fatal error",
		}, []string{"display"}),

		rectsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rects_sent_total",
			Help:      "Framebuffer rectangles sent to clients",
		}, []string{"display"}),

		bytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "update_bytes_total",
			Help:      "Bytes of FramebufferUpdate messages written",
		}, []string{"display"}),

		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "Current session state (0 uninitialized, 1 initialized, 2 connected, 3 running)",
		}, []string{"display"}),

		active: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions with a connected client",
		}),
	}
	if registry != nil {
		reg.MustRegister(&queueCollector{registry: registry})
	}
	return m
}

func label(display int) string {
	return strconv.Itoa(display)
}

func (m *Metrics) CycleEnded(display int, err error) {
	result := "ok"
	var se *server.StageError
	switch {
	case err == nil:
	case errors.As(err, &se):
		result = string(se.Stage)
	default:
		result = "error"
	}
	m.cycles.WithLabelValues(label(display), result).Inc()
}

func (m *Metrics) StopFailed(display int, err error) {
	m.stopFailures.WithLabelValues(label(display)).Inc()
}

func (m *Metrics) DisplayExited(display int, err error) {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	m.fatalExits.WithLabelValues(label(display)).Inc()
}

func (m *Metrics) UpdateSent(display, rects, bytes int) {
	m.rectsSent.WithLabelValues(label(display)).Add(float64(rects))
	m.bytesSent.WithLabelValues(label(display)).Add(float64(bytes))
}

func (m *Metrics) SessionEvent(e session.Event) {
	snap := e.Snapshot
	m.state.WithLabelValues(label(snap.Display)).Set(float64(snap.State))
	m.active.Set(float64(e.ActiveCount))
	if e.Type == session.EventTransition && snap.State == session.Connected {
		m.connections.WithLabelValues(label(snap.Display)).Inc()
	}
}

// queueCollector reads descriptor placement at scrape time.
type queueCollector struct {
	registry *session.Registry
}

var (
	queueFreeDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "queue", "free"),
		"Free update descriptors", []string{"display"}, nil)
	queuePendingDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "queue", "pending"),
		"Update descriptors waiting for the updater", []string{"display"}, nil)
	queueInFlightDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "queue", "in_flight"),
		"Update descriptors checked out by a producer or the updater", []string{"display"}, nil)
)

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- queueFreeDesc
	ch <- queuePendingDesc
	ch <- queueInFlightDesc
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.registry.All() {
		st := s.Queue().Stats()
		d := label(s.Display())
		ch <- prometheus.MustNewConstMetric(queueFreeDesc, prometheus.GaugeValue, float64(st.Free), d)
		ch <- prometheus.MustNewConstMetric(queuePendingDesc, prometheus.GaugeValue, float64(st.Pending), d)
		ch <- prometheus.MustNewConstMetric(queueInFlightDesc, prometheus.GaugeValue, float64(st.InFlight), d)
	}
}
