package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	ExecutorJobReasonDeadlineExceeded = "deadline_exceeded"
	ExecutorJobReasonRecordNotFound   = "record_not_found"
	ExecutorJobReasonUniqueViolation  = "unique_violation"
	ExecutorJobReasonUnknown          = "unknown"
)

// ExecutorMetrics captures publication executor health signals.
type ExecutorMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobTimeouts    *prometheus.CounterVec
	jobErrors      *prometheus.CounterVec
	batchProcessed *prometheus.CounterVec
	attemptRetries *prometheus.CounterVec
	runLoopLag     prometheus.Observer
}

var (
	executorMetricsOnce sync.Once
	executorMetrics     *ExecutorMetrics
)

// Executor returns the singleton executor metrics registry.
func Executor() *ExecutorMetrics {
	return ExecutorWithConfig(Config{})
}

// ExecutorWithConfig returns the singleton executor metrics registry using config labels.
func ExecutorWithConfig(cfg Config) *ExecutorMetrics {
	executorMetricsOnce.Do(func() {
		executorMetrics = newExecutorMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return executorMetrics
}

// ResetExecutorMetricsForTest resets the executor metrics singleton for tests.
func ResetExecutorMetricsForTest() {
	executorMetricsOnce = sync.Once{}
	executorMetrics = nil
}

func newExecutorMetrics(registerer prometheus.Registerer, cfg Config) *ExecutorMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "publica"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "publica_executor_job_runs_total",
		Help:        "Executor job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "publica_executor_job_duration_seconds",
		Help:        "Executor job latency.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "publica_executor_job_timeouts_total",
		Help:        "Executor jobs that hit their deadline.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "publica_executor_job_errors_total",
		Help:        "Executor job errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	batchProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "publica_executor_batch_processed_total",
		Help:        "Items processed per executor job.",
		ConstLabels: constLabels,
	}, []string{"job"})
	attemptRetries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "publica_executor_attempt_retries_total",
		Help:        "Publish attempts rescheduled for retry.",
		ConstLabels: constLabels,
	}, []string{"platform"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "publica_executor_run_loop_lag_seconds",
		Help:        "Delay between scheduled and actual run loop ticks.",
		Buckets:     []float64{0.01, 0.1, 0.5, 1, 5, 15, 60},
		ConstLabels: constLabels,
	})

	registerer.MustRegister(jobRuns, jobDuration, jobTimeouts, jobErrors, batchProcessed, attemptRetries, runLoopLag)

	return &ExecutorMetrics{
		jobRuns:        jobRuns,
		jobDuration:    jobDuration,
		jobTimeouts:    jobTimeouts,
		jobErrors:      jobErrors,
		batchProcessed: batchProcessed,
		attemptRetries: attemptRetries,
		runLoopLag:     runLoopLag,
	}
}

func (m *ExecutorMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *ExecutorMetrics) ObserveJobDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *ExecutorMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

func (m *ExecutorMetrics) IncJobError(job string, err error) {
	if m == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyExecutorJobReason(err)).Inc()
}

func (m *ExecutorMetrics) AddBatchProcessed(job string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job).Add(float64(count))
}

func (m *ExecutorMetrics) IncAttemptRetry(platform string) {
	if m == nil {
		return
	}
	m.attemptRetries.WithLabelValues(platform).Inc()
}

func (m *ExecutorMetrics) ObserveRunLoopLag(lag time.Duration) {
	if m == nil {
		return
	}
	m.runLoopLag.Observe(lag.Seconds())
}

// ClassifyExecutorJobReason maps errors to low-cardinality reason labels.
func ClassifyExecutorJobReason(err error) string {
	switch {
	case err == nil:
		return ExecutorJobReasonUnknown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ExecutorJobReasonDeadlineExceeded
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ExecutorJobReasonRecordNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ExecutorJobReasonUniqueViolation
	default:
		return ExecutorJobReasonUnknown
	}
}
