package postgres

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricLabels = []string{"query", "success"}
	queryTimer   = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "govulners",
		Subsystem: "datastore_postgres",
		Name:      "query_duration_seconds",
		Help:      "Database query duration for noted query, including data read time.",
	}, metricLabels)
	queryCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "govulners",
		Subsystem: "datastore_postgres",
		Name:      "query_total",
		Help:      "Database query count for noted query.",
	}, metricLabels)
)

// observe times one store query. Call the returned func when the query
// finishes; err must point at the query's (named) error return so the
// success label reflects the outcome.
func observe(name string, err *error) func() {
	start := time.Now()
	return func() {
		success := strconv.FormatBool(*err == nil)
		queryTimer.WithLabelValues(name, success).Observe(time.Since(start).Seconds())
		queryCounter.WithLabelValues(name, success).Inc()
	}
}
