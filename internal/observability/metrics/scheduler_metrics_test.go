package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func testSchedulerMetrics() *SchedulerMetrics {
	return newSchedulerMetrics(prometheus.NewRegistry(), Config{ServiceName: "alertbilling", Environment: "test"})
}

func TestJobErrorReasons(t *testing.T) {
	m := testSchedulerMetrics()

	for _, err := range []error{
		fmt.Errorf("daily_processing: %w", context.DeadlineExceeded),
		&pgconn.PgError{Code: "55P03"},
		&pgconn.PgError{Code: "40001"},
		gorm.ErrDuplicatedKey,
		errors.New("insufficient_funds"),
		nil,
	} {
		m.IncJobError("retry_pass", err)
	}

	for reason, want := range map[string]float64{
		SchedulerJobReasonDeadlineExceeded:     1,
		SchedulerJobReasonDBLockTimeout:        1,
		SchedulerJobReasonSerializationFailure: 1,
		SchedulerJobReasonUniqueViolation:      1,
		SchedulerJobReasonUnknown:              1,
	} {
		assert.Equal(t, want, testutil.ToFloat64(m.jobErrors.WithLabelValues("retry_pass", reason)), reason)
	}
}

func TestErrorTypeAndRetryable(t *testing.T) {
	assert.Equal(t, SchedulerErrorTypeDB, ClassifySchedulerErrorType(&pgconn.PgError{Code: "08006"}))
	assert.Equal(t, SchedulerErrorTypeBusinessRule, ClassifySchedulerErrorType(gorm.ErrRecordNotFound))
	assert.Equal(t, SchedulerErrorTypeDeadlineExceeded, ClassifySchedulerErrorType(context.Canceled))

	assert.True(t, IsSchedulerErrorRetryable(context.DeadlineExceeded))
	assert.True(t, IsSchedulerErrorRetryable(gorm.ErrInvalidTransaction))
	assert.False(t, IsSchedulerErrorRetryable(errors.New("account_not_found")))
}

func TestBatchCounters(t *testing.T) {
	m := testSchedulerMetrics()

	m.AddBatchProcessed("charge_queue", "processed", 3)
	m.AddBatchProcessed("charge_queue", "processed", 0)
	m.AddBatchProcessed("charge_queue", "failed", -2)
	m.IncBatchDeferred("month_end", SchedulerBatchDeferredReasonLeaseHeld)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.batchProcessed.WithLabelValues("charge_queue", "processed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.batchProcessed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.batchDeferred.WithLabelValues("month_end", SchedulerBatchDeferredReasonLeaseHeld)))
}

func TestQueueTransitionAndLockWait(t *testing.T) {
	m := testSchedulerMetrics()

	m.IncQueueTransition(QueueDirectDebit, "Processing", "Completed")
	m.IncQueueTransition(QueueDirectDebit, "Processing", "Completed")
	m.IncQueueError(QueueDirectDebit, &pgconn.PgError{Code: "40001"})
	m.ObserveDBLockWait(LockResourceChargeQueueForWork, 5*time.Millisecond)
	m.ObserveDBLockWait("ad_hoc", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.queueTransitions.WithLabelValues(QueueDirectDebit, "Processing", "Completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queueErrors.WithLabelValues(QueueDirectDebit, SchedulerErrorTypeDB)))
	// pre-bound resources plus the ad hoc one
	assert.Equal(t, 6, testutil.CollectAndCount(m.dbLockWait))
}

func TestNilSchedulerMetricsIsSafe(t *testing.T) {
	var m *SchedulerMetrics
	assert.NotPanics(t, func() {
		m.IncJobRun("charge_queue")
		m.IncJobError("charge_queue", errors.New("boom"))
		m.ObserveRunLoopLag(-time.Second)
		m.ObserveDBLockWait(LockResourceAccountByID, time.Millisecond)
	})
}
