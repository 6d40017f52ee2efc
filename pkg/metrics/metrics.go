package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	reportPipeline = "report_pipeline"

	submissionsTotal       = "submissions_total"
	jobsFinishedTotal      = "jobs_finished_total"
	generationDuration     = "generation_duration_seconds"
	fallbackTotal          = "fallback_total"
	paymentOperationsTotal = "payment_operations_total"
	sweeperRecordsTotal    = "sweeper_records_total"
	sweeperLastRunStale    = "sweeper_last_run_stale_jobs"

	// Labels
	reportTypeLabel = "report_type"
	outcomeLabel    = "outcome"
	statusLabel     = "status"
	errorCodeLabel  = "error_code"
	resultLabel     = "result"
	operationLabel  = "operation"
)

var submissionsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: reportPipeline,
		Name:      submissionsTotal,
		Help:      "number of report submissions partitioned by whether a new job was created",
	},
	[]string{reportTypeLabel, outcomeLabel},
)

var jobsFinishedTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: reportPipeline,
		Name:      jobsFinishedTotal,
		Help:      "number of jobs that reached a terminal state",
	},
	[]string{reportTypeLabel, statusLabel, errorCodeLabel},
)

var generationDurationMetric = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Subsystem: reportPipeline,
		Name:      generationDuration,
		Help:      "time spent waiting on the generation backend",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 180},
	},
	[]string{reportTypeLabel, resultLabel},
)

var fallbackTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: reportPipeline,
		Name:      fallbackTotal,
		Help:      "number of reports whose content was replaced by the deterministic fallback",
	},
	[]string{reportTypeLabel},
)

var paymentOperationsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: reportPipeline,
		Name:      paymentOperationsTotal,
		Help:      "payment gateway operations partitioned by operation and result",
	},
	[]string{operationLabel, resultLabel},
)

var sweeperRecordsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: reportPipeline,
		Name:      sweeperRecordsTotal,
		Help:      "records handled by the stale job sweeper",
	},
	[]string{resultLabel},
)

var sweeperLastRunStaleMetric = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Subsystem: reportPipeline,
		Name:      sweeperLastRunStale,
		Help:      "number of stale processing jobs found by the last sweeper run",
	},
)

func IncreaseSubmissions(reportType, outcome string) {
	submissionsTotalMetric.With(prometheus.Labels{
		reportTypeLabel: reportType,
		outcomeLabel:    outcome,
	}).Inc()
}

func IncreaseJobsFinished(reportType, status, errorCode string) {
	jobsFinishedTotalMetric.With(prometheus.Labels{
		reportTypeLabel: reportType,
		statusLabel:     status,
		errorCodeLabel:  errorCode,
	}).Inc()
}

func ObserveGeneration(reportType, result string, seconds float64) {
	generationDurationMetric.With(prometheus.Labels{
		reportTypeLabel: reportType,
		resultLabel:     result,
	}).Observe(seconds)
}

func IncreaseFallback(reportType string) {
	fallbackTotalMetric.With(prometheus.Labels{reportTypeLabel: reportType}).Inc()
}

func IncreasePaymentOperation(operation, result string) {
	paymentOperationsTotalMetric.With(prometheus.Labels{
		operationLabel: operation,
		resultLabel:    result,
	}).Inc()
}

func IncreaseSweeperRecords(result string, count int) {
	if count <= 0 {
		return
	}
	sweeperRecordsTotalMetric.With(prometheus.Labels{resultLabel: result}).Add(float64(count))
}

func SetSweeperLastRunStale(count int) {
	sweeperLastRunStaleMetric.Set(float64(count))
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(submissionsTotalMetric)
	prometheus.MustRegister(jobsFinishedTotalMetric)
	prometheus.MustRegister(generationDurationMetric)
	prometheus.MustRegister(fallbackTotalMetric)
	prometheus.MustRegister(paymentOperationsTotalMetric)
	prometheus.MustRegister(sweeperRecordsTotalMetric)
	prometheus.MustRegister(sweeperLastRunStaleMetric)
}
