// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "waternet"

// Metrics groups the gateway's Prometheus collectors.
type Metrics struct {
	FeedMessages       *prometheus.CounterVec
	ValveTransitions   *prometheus.CounterVec
	WindowRefreshes    *prometheus.CounterVec
	WindowReadings     *prometheus.GaugeVec
	RefreshDuration    *prometheus.HistogramVec
	PlaybackTicks      *prometheus.CounterVec
	FaultsRecorded     *prometheus.CounterVec
	ForecastPolls      *prometheus.CounterVec
	MessagesPublished  *prometheus.CounterVec
	Subscribers        prometheus.Gauge
	SubscribersDropped prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		FeedMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "feed",
				Name:      "messages_total",
				Help:      "Actuator feed messages by outcome (accepted, malformed, unknown_valve, foreign_topic)",
			},
			[]string{"outcome"},
		),
		ValveTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "valve",
				Name:      "transitions_total",
				Help:      "Valve phase transitions published",
			},
			[]string{"valve", "phase"},
		),
		WindowRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "telemetry",
				Name:      "window_refreshes_total",
				Help:      "Window refreshes by sensor and status",
			},
			[]string{"sensor", "status"},
		),
		WindowReadings: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "telemetry",
				Name:      "window_readings",
				Help:      "Readings in the current window",
			},
			[]string{"sensor"},
		),
		RefreshDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "telemetry",
				Name:      "refresh_duration_seconds",
				Help:      "Time spent querying the time-series store",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"sensor"},
		),
		PlaybackTicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "telemetry",
				Name:      "playback_ticks_total",
				Help:      "Playback ticks by sensor and result (advanced, stale, empty)",
			},
			[]string{"sensor", "result"},
		),
		FaultsRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "faults",
				Name:      "recorded_total",
				Help:      "Fault records appended",
			},
			[]string{"sensor", "tier", "forecasted"},
		),
		ForecastPolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "forecast",
				Name:      "polls_total",
				Help:      "Forecast polls by status",
			},
			[]string{"status"},
		),
		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "hub",
				Name:      "messages_published_total",
				Help:      "Messages published to subscribers by type",
			},
			[]string{"type"},
		),
		Subscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "hub",
				Name:      "subscribers",
				Help:      "Currently registered subscribers",
			},
		),
		SubscribersDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "hub",
				Name:      "subscribers_dropped_total",
				Help:      "Subscribers dropped because their queue was full",
			},
		),
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.FeedMessages,
		m.ValveTransitions,
		m.WindowRefreshes,
		m.WindowReadings,
		m.RefreshDuration,
		m.PlaybackTicks,
		m.FaultsRecorded,
		m.ForecastPolls,
		m.MessagesPublished,
		m.Subscribers,
		m.SubscribersDropped,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
