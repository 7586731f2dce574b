package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/smallbiznis/alertbilling/internal/queue"
	reconciliationdomain "github.com/smallbiznis/alertbilling/internal/reconciliation/domain"
	"go.uber.org/zap"
)

const (
	JobChargeQueue     = "charge_queue"
	JobDailyProcessing = "daily_processing"
	JobRetryPass       = "retry_pass"
	JobReconcile       = "reconcile"
	JobMonthEnd        = "month_end"
	JobMonthlyQBE      = "monthly_qbe"
	JobTelcoSettlement = "telco_settlement"
	JobDailyReport     = "daily_report"
)

const slotDateLayout = "2006-01-02"

type outcome struct {
	processed int
	failed    int
	skipped   int
}

// job is one scheduled unit of work. slot names the period a run belongs
// to; a job runs at most once per slot.
type job struct {
	name    string
	timeout time.Duration
	ttl     time.Duration
	slot    func(now time.Time) (string, bool)
	run     func(ctx context.Context, now time.Time) (outcome, error)
}

func (s *Scheduler) jobs() []job {
	daily := func(now time.Time) (string, bool) {
		return s.dailyAnchor(now).Format(slotDateLayout), true
	}
	return []job{
		{
			name:    JobChargeQueue,
			timeout: s.cfg.TickTimeout,
			ttl:     s.cfg.RunInterval,
			slot: func(now time.Time) (string, bool) {
				return now.Truncate(s.cfg.RunInterval).Format(time.RFC3339), true
			},
			run: s.runChargeQueue,
		},
		{name: JobDailyProcessing, timeout: s.cfg.JobTimeout, ttl: s.cfg.SlotLeaseTTL, slot: daily, run: s.runDailyProcessing},
		{name: JobRetryPass, timeout: s.cfg.JobTimeout, ttl: s.retrySpacing(), slot: s.retrySlot, run: s.runRetryPass},
		{name: JobReconcile, timeout: s.cfg.JobTimeout, ttl: s.cfg.SlotLeaseTTL, slot: daily, run: s.runReconcile},
		{name: JobMonthEnd, timeout: s.cfg.JobTimeout, ttl: s.cfg.SlotLeaseTTL, slot: s.monthEndSlot, run: s.runMonthEnd},
		{name: JobMonthlyQBE, timeout: s.cfg.JobTimeout, ttl: s.cfg.SlotLeaseTTL, slot: s.monthlyQBESlot, run: s.runMonthlyQBE},
		{name: JobTelcoSettlement, timeout: s.cfg.JobTimeout, ttl: s.cfg.SlotLeaseTTL, slot: daily, run: s.runTelcoSettlement},
		{name: JobDailyReport, timeout: s.cfg.TickTimeout, ttl: s.cfg.SlotLeaseTTL, slot: daily, run: s.runDailyReport},
	}
}

// dailyAnchor is the most recent daily processing time at or before now.
func (s *Scheduler) dailyAnchor(now time.Time) time.Time {
	anchor := reconciliationdomain.StartOfDay(now).Add(s.cfg.DailyAt)
	if now.UTC().Before(anchor) {
		anchor = anchor.AddDate(0, 0, -1)
	}
	return anchor
}

func (s *Scheduler) retrySpacing() time.Duration {
	return 24 * time.Hour / time.Duration(s.cfg.RetryPasses+1)
}

// retrySlot spaces RetryPasses passes evenly between two daily runs. Only
// the latest due pass runs; a pass missed while the worker was down is not
// replayed.
func (s *Scheduler) retrySlot(now time.Time) (string, bool) {
	if s.cfg.RetryPasses <= 0 {
		return "", false
	}
	anchor := s.dailyAnchor(now)
	pass := int(now.Sub(anchor) / s.retrySpacing())
	if pass < 1 || pass > s.cfg.RetryPasses {
		return "", false
	}
	return fmt.Sprintf("%s#%d", anchor.Format(slotDateLayout), pass), true
}

func (s *Scheduler) monthEndSlot(now time.Time) (string, bool) {
	anchor := s.dailyAnchor(now)
	if anchor.Day() != s.cfg.MonthlyDebitDay {
		return "", false
	}
	return anchor.Format("2006-01"), true
}

func (s *Scheduler) monthlyQBESlot(now time.Time) (string, bool) {
	anchor := s.dailyAnchor(now)
	if anchor.Day() != 1 {
		return "", false
	}
	return anchor.Format("2006-01"), true
}

func (s *Scheduler) runChargeQueue(ctx context.Context, _ time.Time) (outcome, error) {
	res, err := s.charges.ProcessPending(ctx)
	if err != nil {
		return outcome{}, err
	}
	s.noteRejected(ctx, JobChargeQueue, res.Success, res.Message)
	return outcome{processed: res.ProcessedCount, failed: res.FailedCount, skipped: res.SkippedCount}, nil
}

func (s *Scheduler) runDailyProcessing(ctx context.Context, _ time.Time) (outcome, error) {
	res, err := s.debits.ProcessDaily(ctx)
	if err != nil {
		return outcome{}, err
	}
	s.noteRejected(ctx, JobDailyProcessing, res.Success, res.Message)
	return outcome{
		processed: res.ProcessedCount + res.QBEProcessed,
		failed:    res.FailedCount + res.QBEFailed,
		skipped:   res.SkippedCount,
	}, nil
}

func (s *Scheduler) runRetryPass(ctx context.Context, _ time.Time) (outcome, error) {
	res, err := s.retry.RunRetryPass(ctx)
	if err != nil {
		return outcome{}, err
	}
	return outcome{processed: int(res.Total())}, nil
}

// reconcileLookback is how many days a failure can spend waiting on its
// retries, plus one for the daily run that records the last attempt.
func (s *Scheduler) reconcileLookback(ctx context.Context) int {
	policy := queue.LoadRetryPolicy(ctx, s.settings)
	span := time.Duration(policy.MaxAttempts) * policy.Interval
	return int((span+24*time.Hour-1)/(24*time.Hour)) + 1
}

// runReconcile sweeps every creation day still inside the retry window,
// oldest first. Items are consolidated on the first run after their last
// retry; days already swept find nothing left.
func (s *Scheduler) runReconcile(ctx context.Context, now time.Time) (outcome, error) {
	anchorDay := reconciliationdomain.StartOfDay(s.dailyAnchor(now))
	var out outcome
	for back := s.reconcileLookback(ctx); back >= 1; back-- {
		res, err := s.reconciliation.ReconcileFailed(ctx, anchorDay.AddDate(0, 0, -back))
		if err != nil {
			return out, err
		}
		s.noteRejected(ctx, JobReconcile, res.Success, res.Message)
		out.processed += res.TransactionsProcessed
	}
	return out, nil
}

func (s *Scheduler) runMonthEnd(ctx context.Context, now time.Time) (outcome, error) {
	date := reconciliationdomain.StartOfDay(s.dailyAnchor(now))
	res, err := s.reconciliation.MonthEnd(ctx, date)
	if err != nil {
		return outcome{}, err
	}
	s.noteRejected(ctx, JobMonthEnd, res.Success, res.Message)
	return outcome{processed: res.TransactionsConsolidated}, nil
}

// runMonthlyQBE charges the previous calendar month's enquiries.
func (s *Scheduler) runMonthlyQBE(ctx context.Context, now time.Time) (outcome, error) {
	to := reconciliationdomain.StartOfDay(s.dailyAnchor(now))
	from := to.AddDate(0, -1, 0)
	res, err := s.debits.ProcessMonthlyQBE(ctx, from, to)
	if err != nil {
		return outcome{}, err
	}
	s.noteRejected(ctx, JobMonthlyQBE, res.Success, res.Message)
	return outcome{processed: res.QBEProcessed, failed: res.QBEFailed, skipped: res.SkippedCount}, nil
}

func (s *Scheduler) runTelcoSettlement(ctx context.Context, _ time.Time) (outcome, error) {
	res, err := s.settlement.SettleTelco(ctx)
	if err != nil {
		return outcome{}, err
	}
	s.noteRejected(ctx, JobTelcoSettlement, res.Success, res.Message)
	for _, msg := range res.Errors {
		s.logger(ctx).Warn("scheduler.settlement.error",
			zap.String("job", JobTelcoSettlement),
			zap.String("error", msg),
		)
	}
	return outcome{processed: res.EnquiriesSettled}, nil
}

func (s *Scheduler) runDailyReport(ctx context.Context, now time.Time) (outcome, error) {
	date := reconciliationdomain.StartOfDay(s.dailyAnchor(now)).AddDate(0, 0, -1)
	report, err := s.reconciliation.DailyReport(ctx, date)
	if err != nil {
		return outcome{}, err
	}
	fields := []zap.Field{
		zap.String("job", JobDailyReport),
		zap.String("date", date.Format(slotDateLayout)),
		zap.String("sms_charges", report.TotalSMSCharges.StringFixed(2)),
		zap.String("qbe_charges", report.TotalQBECharges.StringFixed(2)),
		zap.String("vat_collected", report.TotalVATCollected.StringFixed(2)),
		zap.String("telco_charges", report.TotalTelcoCharges.StringFixed(2)),
	}
	for provider, amount := range report.TelcoProviderCharges {
		fields = append(fields, zap.String("telco_"+provider, amount.StringFixed(2)))
	}
	s.logger(ctx).Info("reconciliation.daily_report", fields...)
	return outcome{processed: len(report.Totals)}, nil
}

func (s *Scheduler) noteRejected(ctx context.Context, jobName string, success bool, message string) {
	if success {
		return
	}
	s.logger(ctx).Warn("scheduler.job.rejected",
		zap.String("job", jobName),
		zap.String("message", message),
	)
}
