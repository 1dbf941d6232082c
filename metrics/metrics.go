// Package metrics holds the prometheus collectors of the storage engine.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/danthegoodman1/icepart/datastore"
	"github.com/danthegoodman1/icepart/part"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "icepart"

var (
	Registry = prometheus.NewRegistry()

	// Operations counts operator operations by name and outcome ("ok" or an error kind).
	Operations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operations_total",
		Help:      "Freeze, attach, detach, check, insert and merge operations by outcome",
	}, []string{"table", "op", "outcome"})

	OperationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "operation_duration_seconds",
		Help:      "Duration of operator operations",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 9),
	}, []string{"table", "op"})

	ActiveParts = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "parts",
		Name:      "active",
		Help:      "Active parts per table",
	}, []string{"table"})

	PartsMoved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "parts",
		Name:      "moved_total",
		Help:      "Parts attached, detached or frozen",
	}, []string{"table", "op"})

	FilesLinked = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "freeze",
		Name:      "files_total",
		Help:      "Files captured by freeze, by method",
	}, []string{"method"})

	PendingRemovals = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "parts",
		Name:      "pending_removals",
		Help:      "Outdated part directories whose deletion is being retried",
	})
)

func init() {
	Registry.MustRegister(
		Operations,
		OperationSeconds,
		ActiveParts,
		PartsMoved,
		FilesLinked,
		PendingRemovals,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Observe records one finished operation.
func Observe(table, op string, started time.Time, err error) {
	OperationSeconds.WithLabelValues(table, op).Observe(time.Since(started).Seconds())
	Operations.WithLabelValues(table, op, Outcome(err)).Inc()
}

// Outcome classifies err for the outcome label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, part.ErrMalformedPart):
		return "malformed"
	case errors.Is(err, part.ErrCorruptPart):
		return "corrupt"
	case errors.Is(err, part.ErrSchemaIncompatible):
		return "schema_incompatible"
	case errors.Is(err, part.ErrOverlap):
		return "overlap"
	case errors.Is(err, part.ErrNotFound):
		return "not_found"
	case errors.Is(err, datastore.ErrCrossDevice):
		return "cross_device"
	}
	return "error"
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
