// Invariants are conditions that must hold unless there is a bug in strata itself, e.g. a tower in the write buffer
// whose links point nowhere, or an SSTable index that is not sorted by key. A violation is logged and counted on a
// Prometheus counter instead of crashing the host process; the caller still has to bail out of the broken path,
// usually by returning an error wrapping storage.ErrInvalidState.
//
// Do not raise invariants for conditions that depend on external factors; a missing file or a failed write is an
// I/O error, not an invariant violation.

package utils

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	promclient "github.com/prometheus/client_model/go"
)

var invariantsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "strata",
	Name:      "invariants_total",
	Help:      "The total number of invariant violations",
}, []string{
	"module", // The module in which this invariant occurred.
	"type",   // The type of the invariant that occurred.
})

func RaiseInvariant(module, invariantType, msg string, args ...any) {
	invariantsMetric.WithLabelValues(module, invariantType).Inc()
	slog.With("invariant", invariantType, "module", module).Error(msg, args...)
	if IsTestMode {
		panic("invariant violated: " + invariantType)
	}
}

// GetMetricValue returns the current value of invariant metric with labels `module` and `invariantType`.
func GetMetricValue(module, invariantType string) int {
	return int(CounterValue(invariantsMetric.WithLabelValues(module, invariantType)))
}

// CounterValue reads the current value of a Prometheus counter; mostly useful in tests.
func CounterValue(counter prometheus.Counter) float64 {
	metric := &promclient.Metric{}
	if err := counter.Write(metric); err != nil {
		slog.Error("Failed to read counter.", "err", err)
		return 0
	}
	return metric.GetCounter().GetValue()
}
