package aggregator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	JobsProcessed *prometheus.CounterVec
	JobsRequeued  prometheus.Counter
	RequeueErrors prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		JobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aggregator_jobs_processed_total",
			Help: "Total number of ride end jobs processed by outcome",
		}, []string{"outcome"}),
		JobsRequeued: factory.NewCounter(prometheus.CounterOpts{
			Name: "aggregator_jobs_requeued_total",
			Help: "Total number of ride end jobs requeued for retry",
		}),
		RequeueErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "aggregator_requeue_errors_total",
			Help: "Total number of errors republishing failed jobs",
		}),
	}
}
