package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	RidesStarted           prometheus.Counter
	RideEndRequests        *prometheus.CounterVec
	TelemetryRowsInserted  prometheus.Counter
	DrowsinessEventsLogged *prometheus.CounterVec
	CrashAlerts            *prometheus.CounterVec
	BaselinesSaved         prometheus.Counter
	RequestErrors          *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RidesStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_rides_started_total",
			Help: "Total number of rides opened",
		}),
		RideEndRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_ride_end_requests_total",
			Help: "Total number of ride end requests by outcome",
		}, []string{"outcome"}),
		TelemetryRowsInserted: factory.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_telemetry_rows_inserted_total",
			Help: "Total number of telemetry rows persisted",
		}),
		DrowsinessEventsLogged: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_drowsiness_events_total",
			Help: "Total number of drowsiness events logged by status",
		}, []string{"status"}),
		CrashAlerts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_crash_alerts_total",
			Help: "Total number of crash alerts by responder notification",
		}, []string{"responder_notified"}),
		BaselinesSaved: factory.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_baselines_saved_total",
			Help: "Total number of baseline calibrations persisted",
		}),
		RequestErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_request_errors_total",
			Help: "Total number of request errors by route and reason",
		}, []string{"route", "reason"}),
	}
}
