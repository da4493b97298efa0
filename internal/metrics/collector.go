package bridgemetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "tlbridge"
	subsystem = "bridge"
)

// Label names.
const (
	labelRole = "role" // "central" or "peripheral"
)

// -------------------------------------------------------------------------
// Collector — Prometheus bridge metrics
// -------------------------------------------------------------------------

// Collector holds all tlbridge Prometheus metrics.
//
//   - Link gauges track whether the central/peripheral sides are currently
//     connected.
//   - Frame counters track vendor-frame and FTMS-frame traffic volume and
//     decode failures.
//   - Handoff/watchdog counters record radio-arbiter and recovery events.
type Collector struct {
	// LinkConnected is 1 when the named role currently holds a live link,
	// 0 otherwise.
	LinkConnected *prometheus.GaugeVec

	// FramesSent counts vendor-frame writes to the treadmill.
	FramesSent prometheus.Counter

	// FramesReceived counts vendor-frame notifications from the treadmill.
	FramesReceived prometheus.Counter

	// DecodeErrors counts telemetry payloads that failed to decode.
	DecodeErrors prometheus.Counter

	// TreadmillDataNotifications counts FTMS Treadmill Data notifications
	// actually sent to the peer app (after smart-notify suppression).
	TreadmillDataNotifications prometheus.Counter

	// ControlPointWrites counts FTMS Control Point writes received.
	ControlPointWrites *prometheus.CounterVec

	// Handoffs counts radio-arbiter handoff sequences performed.
	Handoffs prometheus.Counter

	// WatchdogTrips counts telemetry-watchdog and idle-disconnect events.
	WatchdogTrips *prometheus.CounterVec
}

// NewCollector creates a Collector with all metrics registered against reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.LinkConnected,
		c.FramesSent,
		c.FramesReceived,
		c.DecodeErrors,
		c.TreadmillDataNotifications,
		c.ControlPointWrites,
		c.Handoffs,
		c.WatchdogTrips,
	)

	return c
}

func newMetrics() *Collector {
	return &Collector{
		LinkConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "link_connected",
			Help:      "1 if the named role (central/peripheral) currently holds a live link.",
		}, []string{labelRole}),

		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "vendor_frames_sent_total",
			Help:      "Total vendor-frame writes sent to the treadmill.",
		}),

		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "vendor_frames_received_total",
			Help:      "Total vendor-frame notifications received from the treadmill.",
		}),

		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "telemetry_decode_errors_total",
			Help:      "Total reassembled telemetry payloads that failed to decode.",
		}),

		TreadmillDataNotifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "treadmill_data_notifications_total",
			Help:      "Total FTMS Treadmill Data notifications sent, after smart-notify suppression.",
		}),

		ControlPointWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "control_point_writes_total",
			Help:      "Total FTMS Control Point writes received, labeled by outcome.",
		}, []string{"result"}),

		Handoffs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "radio_handoffs_total",
			Help:      "Total radio-arbiter handoff sequences performed.",
		}),

		WatchdogTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "watchdog_trips_total",
			Help:      "Total watchdog-triggered recoveries, labeled by kind.",
		}, []string{"kind"}),
	}
}

// -------------------------------------------------------------------------
// Link State
// -------------------------------------------------------------------------

// SetLinkConnected sets the link-connected gauge for role to 1 or 0.
func (c *Collector) SetLinkConnected(role string, connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	c.LinkConnected.WithLabelValues(role).Set(v)
}

// -------------------------------------------------------------------------
// Frame Traffic
// -------------------------------------------------------------------------

// IncFramesSent increments the sent vendor-frame counter.
func (c *Collector) IncFramesSent() {
	c.FramesSent.Inc()
}

// IncFramesReceived increments the received vendor-frame counter.
func (c *Collector) IncFramesReceived() {
	c.FramesReceived.Inc()
}

// IncDecodeErrors increments the telemetry decode-error counter.
func (c *Collector) IncDecodeErrors() {
	c.DecodeErrors.Inc()
}

// IncTreadmillDataNotifications increments the Treadmill Data notification counter.
func (c *Collector) IncTreadmillDataNotifications() {
	c.TreadmillDataNotifications.Inc()
}

// IncControlPointWrites increments the Control Point write counter, labeled
// by outcome ("success", "not_supported", "invalid_param").
func (c *Collector) IncControlPointWrites(result string) {
	c.ControlPointWrites.WithLabelValues(result).Inc()
}

// -------------------------------------------------------------------------
// Handoff / Watchdogs
// -------------------------------------------------------------------------

// IncHandoffs increments the radio-handoff counter.
func (c *Collector) IncHandoffs() {
	c.Handoffs.Inc()
}

// IncWatchdogTrip increments the watchdog-trip counter for kind
// ("telemetry", "idle_disconnect").
func (c *Collector) IncWatchdogTrip(kind string) {
	c.WatchdogTrips.WithLabelValues(kind).Inc()
}
