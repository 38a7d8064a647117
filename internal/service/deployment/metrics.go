package deployment

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce sync.Once

	jobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "appfleet",
		Subsystem: "worker",
		Name:      "jobs_total",
		Help:      "Number of transition jobs processed, by kind and outcome",
	}, []string{"kind", "outcome"})

	jobRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "appfleet",
		Subsystem: "worker",
		Name:      "job_retries_total",
		Help:      "Number of retried container backend calls",
	})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "appfleet",
		Subsystem: "worker",
		Name:      "queue_depth",
		Help:      "Number of jobs waiting in the queue",
	})
)

func initMetrics() {
	metricsOnce.Do(func() {
		if err := prometheus.Register(jobsTotal); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				jobsTotal = already.ExistingCollector.(*prometheus.CounterVec)
			}
		}
		if err := prometheus.Register(jobRetriesTotal); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				jobRetriesTotal = already.ExistingCollector.(prometheus.Counter)
			}
		}
		if err := prometheus.Register(queueDepth); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				queueDepth = already.ExistingCollector.(prometheus.Gauge)
			}
		}
	})
}
