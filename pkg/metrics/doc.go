/*
Package metrics defines and registers the service's Prometheus metrics.

All collectors are package-level variables registered against the default
registry at init, so any package can increment a counter without plumbing
a registry handle around:

	metrics.ExecsTotal.WithLabelValues("completed").Inc()

	timer := metrics.NewTimer()
	// ... work ...
	timer.ObserveDuration(metrics.ExecDuration)

Gauges that mirror durable state (active containers, attachments, execs)
are refreshed from the store by the Collector on a 15 second ticker
rather than being maintained incrementally, so they stay correct across
restarts and reconciliation.

	┌──────────┐   counters/histograms   ┌───────────────────┐
	│ managers │ ───────────────────────>│ default registry  │
	└──────────┘                         │                   │
	┌──────────┐   gauge refresh         │  GET /metrics     │
	│ Collector│ ───────────────────────>│  (promhttp)       │
	└────┬─────┘                         └───────────────────┘
	     │ Count* queries
	┌────▼─────┐
	│  store   │
	└──────────┘

Handler exposes the standard promhttp handler for the HTTP layer.
*/
package metrics
