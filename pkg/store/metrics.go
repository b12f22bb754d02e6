package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var appendCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cfd_store_append_event_total",
	Help: "counter of CfdEvent rows appended to the event history, labeled by event kind and status",
}, []string{"kind", "status"})

var rolloverInsertCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cfd_store_rollover_insert_total",
	Help: "counter of RolloverCompleted atomic inserts, labeled by status",
}, []string{"status"})

var rolloverLoadCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cfd_store_rollover_load_total",
	Help: "counter of RolloverCompleted loads, labeled by status",
}, []string{"status"})

var rolloverInsertDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "cfd_store_rollover_insert_duration_seconds",
	Help:    "histogram of wall time spent inside the atomic RolloverCompleted insert transaction",
	Buckets: prometheus.DefBuckets,
})
