package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	MessagesTotal    *prometheus.CounterVec
	DroppedTotal     *prometheus.CounterVec
	Classifications  *prometheus.CounterVec
	FlushesTotal     prometheus.Counter
	FlushedRowsTotal prometheus.Counter
	FlushErrors      prometheus.Counter
	CrashesDetected  *prometheus.CounterVec
	RidesEnded       prometheus.Counter
	CoordinatorError *prometheus.CounterVec
	DevicesTracked   prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_messages_total",
			Help: "Total number of inbound broker messages by kind",
		}, []string{"kind"}),
		DroppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_messages_dropped_total",
			Help: "Total number of messages dropped by reason",
		}, []string{"reason"}),
		Classifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_classifications_total",
			Help: "Total number of drowsiness classifications by status",
		}, []string{"status"}),
		FlushesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "stream_flushes_total",
			Help: "Total number of successful telemetry buffer flushes",
		}),
		FlushedRowsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "stream_flushed_rows_total",
			Help: "Total number of telemetry rows flushed to the coordinator",
		}),
		FlushErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "stream_flush_errors_total",
			Help: "Total number of failed buffer flushes",
		}),
		CrashesDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_crashes_detected_total",
			Help: "Total number of crashes detected by severity",
		}, []string{"severity"}),
		RidesEnded: factory.NewCounter(prometheus.CounterOpts{
			Name: "stream_rides_ended_total",
			Help: "Total number of rides ended by the inactivity sweeper",
		}),
		CoordinatorError: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_coordinator_errors_total",
			Help: "Total number of failed coordinator calls by operation",
		}, []string{"op"}),
		DevicesTracked: factory.NewGauge(prometheus.GaugeOpts{
			Name: "stream_devices_tracked",
			Help: "Number of devices with live per-device state",
		}),
	}
}
