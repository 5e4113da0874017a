// Package metrics exposes the orchestrator's gauges as a
// prometheus.Collector queried at scrape time.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mediahub/mediahub/internal/model"
)

// SessionCounter exposes the live session population.
type SessionCounter interface {
	Count() int
	CountByType() map[model.SessionType]int
}

// CallCounter exposes the live call population.
type CallCounter interface {
	Count() int
}

// ObserverCounter exposes the observer fabric population.
type ObserverCounter interface {
	Count() int
}

// Collector is a prometheus.Collector that gathers orchestrator metrics
// at scrape time. Any provider may be nil if unavailable.
type Collector struct {
	sessions  SessionCounter
	calls     CallCounter
	observers ObserverCounter
	rooms     func() int
	startTime time.Time

	sessionsDesc       *prometheus.Desc
	sessionsByTypeDesc *prometheus.Desc
	callsDesc          *prometheus.Desc
	observersDesc      *prometheus.Desc
	roomsDesc          *prometheus.Desc
	uptimeDesc         *prometheus.Desc
}

// NewCollector creates a metrics collector. roomCount may be nil.
func NewCollector(
	sessions SessionCounter,
	calls CallCounter,
	observers ObserverCounter,
	roomCount func() int,
	startTime time.Time,
) *Collector {
	return &Collector{
		sessions:  sessions,
		calls:     calls,
		observers: observers,
		rooms:     roomCount,
		startTime: startTime,

		sessionsDesc: prometheus.NewDesc(
			"mediahub_active_sessions",
			"Number of live media sessions",
			nil, nil,
		),
		sessionsByTypeDesc: prometheus.NewDesc(
			"mediahub_active_sessions_by_type",
			"Number of live media sessions per session type",
			[]string{"type"}, nil,
		),
		callsDesc: prometheus.NewDesc(
			"mediahub_active_calls",
			"Number of live fan-out calls",
			nil, nil,
		),
		observersDesc: prometheus.NewDesc(
			"mediahub_observers",
			"Number of observer registrations on the fabric",
			nil, nil,
		),
		roomsDesc: prometheus.NewDesc(
			"mediahub_rooms",
			"Number of live rooms",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"mediahub_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionsDesc
	ch <- c.sessionsByTypeDesc
	ch <- c.callsDesc
	ch <- c.observersDesc
	ch <- c.roomsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.sessions != nil {
		ch <- prometheus.MustNewConstMetric(
			c.sessionsDesc, prometheus.GaugeValue,
			float64(c.sessions.Count()),
		)
		for typ, count := range c.sessions.CountByType() {
			ch <- prometheus.MustNewConstMetric(
				c.sessionsByTypeDesc, prometheus.GaugeValue,
				float64(count), string(typ),
			)
		}
	}

	if c.calls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.callsDesc, prometheus.GaugeValue,
			float64(c.calls.Count()),
		)
	}

	if c.observers != nil {
		ch <- prometheus.MustNewConstMetric(
			c.observersDesc, prometheus.GaugeValue,
			float64(c.observers.Count()),
		)
	}

	if c.rooms != nil {
		ch <- prometheus.MustNewConstMetric(
			c.roomsDesc, prometheus.GaugeValue,
			float64(c.rooms()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
