package metering

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce sync.Once

	ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "appfleet",
		Subsystem: "metering",
		Name:      "ticks_total",
		Help:      "Number of metering iterations run",
	})

	chargedCentsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "appfleet",
		Subsystem: "metering",
		Name:      "charged_cents_total",
		Help:      "Total usage charges debited, in cents",
	})

	suspensionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "appfleet",
		Subsystem: "metering",
		Name:      "suspensions_total",
		Help:      "Number of deployments suspended for insufficient balance",
	})

	driftTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "appfleet",
		Subsystem: "metering",
		Name:      "drift_total",
		Help:      "Number of deployments found dead while recorded running",
	})
)

func initMetrics() {
	metricsOnce.Do(func() {
		for _, collector := range []prometheus.Counter{ticksTotal, chargedCentsTotal, suspensionsTotal, driftTotal} {
			if err := prometheus.Register(collector); err != nil {
				if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
					existing := already.ExistingCollector.(prometheus.Counter)
					switch collector {
					case ticksTotal:
						ticksTotal = existing
					case chargedCentsTotal:
						chargedCentsTotal = existing
					case suspensionsTotal:
						suspensionsTotal = existing
					case driftTotal:
						driftTotal = existing
					}
				}
			}
		}
	})
}
