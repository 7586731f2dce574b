package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	obsmetrics "github.com/smallbiznis/alertbilling/internal/observability/metrics"
	"gorm.io/gorm"
)

// DefaultProcessingLease is how long a Processing item stays owned by the
// worker that claimed it.
const DefaultProcessingLease = 15 * time.Minute

// ClaimSpec describes one claim round.
type ClaimSpec struct {
	Source Source
	// Statuses are claimed unconditionally.
	Statuses []Status
	// Lease makes Processing items older than now-Lease claimable again.
	Lease time.Duration
	// RetryFailed also claims Failed items eligible under the policy.
	RetryFailed *RetryPolicy
	// Scheduled skips items whose scheduled_for lies in the future.
	Scheduled bool
	AfterID   snowflake.ID
	Limit     int
	Now       time.Time
}

// Claim selects the next batch in id order with FOR UPDATE SKIP LOCKED and
// flips it to Processing. It returns the claimed ids.
func Claim(ctx context.Context, db *gorm.DB, spec ClaimSpec) ([]snowflake.ID, error) {
	table, err := spec.Source.Table()
	if err != nil {
		return nil, err
	}
	if spec.Limit <= 0 {
		spec.Limit = 100
	}
	if spec.Lease <= 0 {
		spec.Lease = DefaultProcessingLease
	}
	now := spec.Now.UTC()

	conds := make([]string, 0, 3)
	args := make([]any, 0, 8)
	if len(spec.Statuses) > 0 {
		statuses := make([]string, 0, len(spec.Statuses))
		for _, s := range spec.Statuses {
			statuses = append(statuses, string(s))
		}
		conds = append(conds, "status IN ?")
		args = append(args, statuses)
	}
	conds = append(conds, "(status = ? AND updated_at < ?)")
	args = append(args, string(StatusProcessing), now.Add(-spec.Lease))
	if spec.RetryFailed != nil {
		conds = append(conds, "(status = ? AND retry_count < ? AND (last_retry_at IS NULL OR last_retry_at <= ?))")
		args = append(args, string(StatusFailed), spec.RetryFailed.MaxAttempts, spec.RetryFailed.Cutoff(now))
	}

	query := fmt.Sprintf(`SELECT id FROM %s WHERE id > ? AND (%s)`, table, strings.Join(conds, " OR "))
	args = append([]any{spec.AfterID}, args...)
	if spec.Scheduled {
		query += ` AND (scheduled_for IS NULL OR scheduled_for <= ?)`
		args = append(args, now)
	}
	query += ` ORDER BY id ASC LIMIT ? FOR UPDATE SKIP LOCKED`
	args = append(args, spec.Limit)

	var ids []snowflake.ID
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lockStart := time.Now()
		if err := tx.Raw(query, args...).Scan(&ids).Error; err != nil {
			return err
		}
		obsmetrics.Scheduler().ObserveDBLockWait(lockResource(spec.Source), time.Since(lockStart))
		if len(ids) == 0 {
			return nil
		}
		return tx.Exec(
			fmt.Sprintf(`UPDATE %s SET status = ?, updated_at = ? WHERE id IN ?`, table),
			string(StatusProcessing),
			now,
			ids,
		).Error
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func lockResource(source Source) string {
	if source == SourceDirectDebit {
		return obsmetrics.LockResourceDirectDebitQueueForWork
	}
	return obsmetrics.LockResourceChargeQueueForWork
}

// Readmit moves Failed items that are eligible under policy back to
// Pending and clears their failure reason. Retry counts are left alone.
func Readmit(ctx context.Context, db *gorm.DB, source Source, policy RetryPolicy, now time.Time) (int64, error) {
	table, err := source.Table()
	if err != nil {
		return 0, err
	}
	result := db.WithContext(ctx).Exec(
		fmt.Sprintf(`UPDATE %s
		 SET status = ?, failure_reason = NULL, updated_at = ?
		 WHERE status = ?
		   AND retry_count < ?
		   AND (last_retry_at IS NULL OR last_retry_at <= ?)`, table),
		string(StatusPending),
		now.UTC(),
		string(StatusFailed),
		policy.MaxAttempts,
		policy.Cutoff(now),
	)
	if result.Error != nil {
		return 0, result.Error
	}
	for i := int64(0); i < result.RowsAffected; i++ {
		obsmetrics.Scheduler().IncQueueTransition(string(source), string(StatusFailed), string(StatusPending))
	}
	return result.RowsAffected, nil
}

// Fail marks a Processing item Failed, bumps its retry count and stamps the
// attempt. It returns ErrItemLost when the item is no longer Processing.
func Fail(ctx context.Context, db *gorm.DB, source Source, id snowflake.ID, reason string, now time.Time) error {
	table, err := source.Table()
	if err != nil {
		return err
	}
	result := db.WithContext(ctx).Exec(
		fmt.Sprintf(`UPDATE %s
		 SET status = ?, failure_reason = ?, retry_count = retry_count + 1, last_retry_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`, table),
		string(StatusFailed),
		reason,
		now.UTC(),
		now.UTC(),
		id,
		string(StatusProcessing),
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrItemLost
	}
	obsmetrics.Scheduler().IncQueueTransition(string(source), string(StatusProcessing), string(StatusFailed))
	return nil
}

// Complete marks a Processing item Completed.
func Complete(ctx context.Context, db *gorm.DB, source Source, id snowflake.ID, now time.Time) error {
	table, err := source.Table()
	if err != nil {
		return err
	}
	result := db.WithContext(ctx).Exec(
		fmt.Sprintf(`UPDATE %s
		 SET status = ?, failure_reason = NULL, processed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`, table),
		string(StatusCompleted),
		now.UTC(),
		now.UTC(),
		id,
		string(StatusProcessing),
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrItemLost
	}
	obsmetrics.Scheduler().IncQueueTransition(string(source), string(StatusProcessing), string(StatusCompleted))
	return nil
}
