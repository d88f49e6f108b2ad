package feed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "govulners",
		Subsystem: "feed",
		Name:      "sync_total",
		Help:      "Feed sync attempts by feed and outcome.",
	}, []string{"feed", "status"})
	groupSyncTimer = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "govulners",
		Subsystem: "feed",
		Name:      "group_sync_duration_seconds",
		Help:      "Time spent downloading and loading one group's data.",
	}, []string{"feed", "group"})
	groupRecordCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "govulners",
		Subsystem: "feed",
		Name:      "group_records_total",
		Help:      "Records reported updated per group sync.",
	}, []string{"feed", "group"})
)
