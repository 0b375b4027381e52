// Package metrics exposes the server's Prometheus collectors. Metrics
// are advisory; their absence does not affect scheduling correctness.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TriggersQueued is the size of the scheduler's trigger heap,
	// updated once per scheduler loop.
	TriggersQueued = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "waterwheel",
		Name:      "triggers_queued",
		Help:      "Number of trigger times currently queued in the scheduler heap.",
	})

	// TokensProcessed counts ProcessToken messages handled by the token
	// processor.
	TokensProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "waterwheel",
		Name:      "tokens_processed_total",
		Help:      "Total number of token messages processed.",
	})

	// TasksDispatched counts task requests published to the bus, by
	// priority queue.
	TasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "waterwheel",
		Name:      "tasks_dispatched_total",
		Help:      "Total number of tasks dispatched to workers.",
	}, []string{"priority"})

	// ResultsReceived counts task results consumed from the bus.
	ResultsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "waterwheel",
		Name:      "task_results_total",
		Help:      "Total number of task results received from workers.",
	}, []string{"result"})
)

// Handler serves the default registry for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
