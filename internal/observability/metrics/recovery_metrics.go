package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	JobReasonDeadlineExceeded     = "deadline_exceeded"
	JobReasonDBLockTimeout        = "db_lock_timeout"
	JobReasonSerializationFailure = "serialization_failure"
	JobReasonUniqueViolation      = "unique_violation"
	JobReasonGateway              = "gateway"
	JobReasonUnknown              = "unknown"

	BatchDeferredReasonSkipLockedEmpty = "skip_locked_empty"
	BatchDeferredReasonLockHeld        = "lock_held"
	BatchDeferredReasonAwaitingMethod  = "awaiting_payment_method"
)

const (
	LockResourceDueAttempts      = "payment_attempts_due"
	LockResourcePastDueInvoices  = "invoices_past_due"
	LockResourceSubscriptionByID = "subscription_by_id"
)

// RecoveryMetrics captures recovery scheduler health signals.
type RecoveryMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobTimeouts    *prometheus.CounterVec
	jobErrors      *prometheus.CounterVec
	batchProcessed *prometheus.CounterVec
	batchDeferred  *prometheus.CounterVec
	runLoopLag     prometheus.Observer
	dbLockWait     *prometheus.HistogramVec

	attemptOutcomes  *prometheus.CounterVec
	dunningSteps     *prometheus.CounterVec
	stateTransitions *prometheus.CounterVec

	lockWaitObserver map[string]prometheus.Observer
}

var (
	recoveryMetricsOnce sync.Once
	recoveryMetrics     *RecoveryMetrics
)

// Recovery returns the singleton recovery metrics registry.
func Recovery() *RecoveryMetrics {
	return RecoveryWithConfig(Config{})
}

// RecoveryWithConfig returns the singleton recovery metrics registry using config labels.
func RecoveryWithConfig(cfg Config) *RecoveryMetrics {
	recoveryMetricsOnce.Do(func() {
		recoveryMetrics = newRecoveryMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return recoveryMetrics
}

// ResetRecoveryMetricsForTest resets the recovery metrics singleton for tests.
func ResetRecoveryMetricsForTest() {
	recoveryMetricsOnce = sync.Once{}
	recoveryMetrics = nil
}

func newRecoveryMetrics(registerer prometheus.Registerer, cfg Config) *RecoveryMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "billing-recovery"
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
		Name:        "recovery_job_runs_total",
		Help:        "Recovery job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "recovery_job_duration_seconds",
		Help:        "Recovery job latency to protect dunning batch freshness.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300, 600},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "recovery_job_timeouts_total",
		Help:        "Recovery job timeouts that threaten retry schedule SLAs.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "recovery_job_errors_total",
		Help:        "Recovery job errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	batchProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "recovery_batch_processed_total",
		Help:        "Recovery batch items processed to gauge throughput.",
		ConstLabels: constLabels,
	}, []string{"job", "resource"})
	batchDeferred := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "recovery_batch_deferred_total",
		Help:        "Recovery batch deferrals by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "recovery_runloop_lag_seconds",
		Help:        "Recovery run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	})
	dbLockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "recovery_db_lock_wait_seconds",
		Help:        "DB lock wait time for SELECT FOR UPDATE contention.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		ConstLabels: constLabels,
	}, []string{"resource"})

	attemptOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "recovery_payment_attempts_total",
		Help:        "Payment retry attempts by strategy and outcome.",
		ConstLabels: constLabels,
	}, []string{"strategy", "outcome"})
	dunningSteps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "recovery_dunning_steps_total",
		Help:        "Dunning steps executed by action.",
		ConstLabels: constLabels,
	}, []string{"action"})
	stateTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "recovery_subscription_transitions_total",
		Help:        "Subscription lifecycle transitions applied by the engine.",
		ConstLabels: constLabels,
	}, []string{"from", "to"})

	registerer.MustRegister(
		jobRuns,
		jobDuration,
		jobTimeouts,
		jobErrors,
		batchProcessed,
		batchDeferred,
		runLoopLag,
		dbLockWait,
		attemptOutcomes,
		dunningSteps,
		stateTransitions,
	)

	lockWaitObserver := map[string]prometheus.Observer{
		LockResourceDueAttempts:      dbLockWait.WithLabelValues(LockResourceDueAttempts),
		LockResourcePastDueInvoices:  dbLockWait.WithLabelValues(LockResourcePastDueInvoices),
		LockResourceSubscriptionByID: dbLockWait.WithLabelValues(LockResourceSubscriptionByID),
	}

	return &RecoveryMetrics{
		jobRuns:          jobRuns,
		jobDuration:      jobDuration,
		jobTimeouts:      jobTimeouts,
		jobErrors:        jobErrors,
		batchProcessed:   batchProcessed,
		batchDeferred:    batchDeferred,
		runLoopLag:       runLoopLag,
		dbLockWait:       dbLockWait,
		attemptOutcomes:  attemptOutcomes,
		dunningSteps:     dunningSteps,
		stateTransitions: stateTransitions,
		lockWaitObserver: lockWaitObserver,
	}
}

// IncJobRun increments the run counter for a recovery job.
func (m *RecoveryMetrics) IncJobRun(job string) {
	if m == nil || m.jobRuns == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

// ObserveJobDuration records recovery job latency in seconds.
func (m *RecoveryMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil || m.jobDuration == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// IncJobTimeout increments the timeout counter for the recovery job.
func (m *RecoveryMetrics) IncJobTimeout(job string) {
	if m == nil || m.jobTimeouts == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError increments the recovery job error counter with classification.
func (m *RecoveryMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil || m.jobErrors == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyJobReason(err)).Inc()
}

// AddBatchProcessed increments the batch processed counter for a resource by count.
func (m *RecoveryMetrics) AddBatchProcessed(job, resource string, count int) {
	if m == nil || count <= 0 || m.batchProcessed == nil {
		return
	}
	m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
}

// IncBatchDeferred increments the batch deferred counter for a job and reason.
func (m *RecoveryMetrics) IncBatchDeferred(job, reason string) {
	if m == nil || m.batchDeferred == nil {
		return
	}
	m.batchDeferred.WithLabelValues(job, reason).Inc()
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *RecoveryMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil || m.runLoopLag == nil {
		return
	}
	lag := duration
	if lag < 0 {
		lag = 0
	}
	m.runLoopLag.Observe(lag.Seconds())
}

// ObserveDBLockWait records lock wait time for SELECT FOR UPDATE work.
func (m *RecoveryMetrics) ObserveDBLockWait(resource string, duration time.Duration) {
	if m == nil || m.dbLockWait == nil {
		return
	}
	if observer, ok := m.lockWaitObserver[resource]; ok {
		observer.Observe(duration.Seconds())
		return
	}
	m.dbLockWait.WithLabelValues(resource).Observe(duration.Seconds())
}

// IncAttemptOutcome increments retry attempt counters by strategy and outcome.
func (m *RecoveryMetrics) IncAttemptOutcome(strategy, outcome string) {
	if m == nil || m.attemptOutcomes == nil {
		return
	}
	m.attemptOutcomes.WithLabelValues(strategy, outcome).Inc()
}

// IncDunningStep increments executed dunning step counters by action.
func (m *RecoveryMetrics) IncDunningStep(action string) {
	if m == nil || m.dunningSteps == nil {
		return
	}
	m.dunningSteps.WithLabelValues(action).Inc()
}

// IncSubscriptionTransition increments subscription transition counters.
func (m *RecoveryMetrics) IncSubscriptionTransition(from, to string) {
	if m == nil || m.stateTransitions == nil {
		return
	}
	m.stateTransitions.WithLabelValues(from, to).Inc()
}

// ClassifyJobReason maps recovery job errors to low-cardinality reasons.
func ClassifyJobReason(err error) string {
	if err == nil {
		return JobReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return JobReasonDeadlineExceeded
	}
	if hasPGCode(err, "55P03") {
		return JobReasonDBLockTimeout
	}
	if hasPGCode(err, "40001") {
		return JobReasonSerializationFailure
	}
	if isUniqueViolation(err) {
		return JobReasonUniqueViolation
	}
	return JobReasonUnknown
}

// IsJobErrorRetryable reports whether the job error should be retried on the next tick.
func IsJobErrorRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return isDBError(err)
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return hasPGCode(err, "23505")
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrMissingWhereClause) ||
		errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
