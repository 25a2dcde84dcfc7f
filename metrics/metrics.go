// Package metrics exposes Prometheus instrumentation for billing operations.
// Observe* helpers are no-ops until Init has run, so library code and tests
// can call them unconditionally.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/warp/billing-engine/generic"
)

const (
	metricPrefix = "billing_"

	resultSuccess    = "success"
	resultValidation = "validation_error"
	resultNotFound   = "not_found"
	resultError      = "error"
)

var (
	registerOnce sync.Once

	operationsTotal    *prometheus.CounterVec
	operationLatency   *prometheus.HistogramVec
	entriesGenerated   prometheus.Counter
	correctionsTotal   *prometheus.CounterVec
	correctionAmount   *prometheus.CounterVec
	bulkItemsTotal     *prometheus.CounterVec
	extensionRunsTotal *prometheus.CounterVec
	statementExports   *prometheus.CounterVec
)

// Init registers all collectors with reg (prometheus.DefaultRegisterer when nil).
func Init(reg prometheus.Registerer, log *zap.Logger) {
	registerOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		operationsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "operations_total",
				Help: "Total billing operations by operation and result",
			},
			[]string{"operation", "result"},
		)
		operationLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "operation_latency_seconds",
				Help:    "Billing operation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		)
		entriesGenerated = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "entries_generated_total",
				Help: "Total billing entries created by schedule generation",
			},
		)
		correctionsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "corrections_total",
				Help: "Total correction entries by process",
			},
			[]string{"process"},
		)
		correctionAmount = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "correction_amount_total",
				Help: "Sum of credited or refunded amounts by process",
			},
			[]string{"process"},
		)
		bulkItemsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "bulk_items_total",
				Help: "Items touched by best-effort bulk operations by result",
			},
			[]string{"operation", "result"},
		)
		extensionRunsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "schedule_extension_runs_total",
				Help: "Schedule extension job runs by result",
			},
			[]string{"result"},
		)
		statementExports = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "statement_export_total",
				Help: "Account statement exports by format and result",
			},
			[]string{"format", "result"},
		)

		reg.MustRegister(
			operationsTotal,
			operationLatency,
			entriesGenerated,
			correctionsTotal,
			correctionAmount,
			bulkItemsTotal,
			extensionRunsTotal,
			statementExports,
		)
		if log != nil {
			log.Named("metrics").Info("prometheus collectors registered")
		}
	})
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return resultSuccess
	case generic.IsValidation(err):
		return resultValidation
	case generic.IsNotFound(err):
		return resultNotFound
	}
	return resultError
}

// ObserveOperation counts one operation outcome.
func ObserveOperation(operation string, err error) {
	if operationsTotal == nil {
		return
	}
	operationsTotal.WithLabelValues(operation, resultOf(err)).Inc()
}

// Track returns a func that records the elapsed time of operation when called.
//
//	defer metrics.Track("void")()
func Track(operation string) func() {
	start := time.Now()
	return func() {
		if operationLatency == nil {
			return
		}
		operationLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

func ObserveEntriesGenerated(n int) {
	if entriesGenerated == nil || n <= 0 {
		return
	}
	entriesGenerated.Add(float64(n))
}

// ObserveCorrections counts correction entries and their absolute monetary effect.
func ObserveCorrections(process string, count int, amount float64) {
	if correctionsTotal == nil || count == 0 {
		return
	}
	correctionsTotal.WithLabelValues(process).Add(float64(count))
	if amount < 0 {
		amount = -amount
	}
	correctionAmount.WithLabelValues(process).Add(amount)
}

func ObserveBulk(operation string, succeeded, failed int) {
	if bulkItemsTotal == nil {
		return
	}
	bulkItemsTotal.WithLabelValues(operation, resultSuccess).Add(float64(succeeded))
	bulkItemsTotal.WithLabelValues(operation, resultError).Add(float64(failed))
}

func ObserveExtensionRun(err error) {
	if extensionRunsTotal == nil {
		return
	}
	extensionRunsTotal.WithLabelValues(resultOf(err)).Inc()
}

func ObserveStatementExport(format string, err error) {
	if statementExports == nil {
		return
	}
	statementExports.WithLabelValues(format, resultOf(err)).Inc()
}
