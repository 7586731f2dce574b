package scheduler

import (
	"context"
	"time"

	obscontext "github.com/smallbiznis/alertbilling/internal/observability/context"
	obslogger "github.com/smallbiznis/alertbilling/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/alertbilling/internal/observability/metrics"
	"go.uber.org/zap"
)

// jobRun is the bookkeeping for one execution of a job slot. It travels in
// the context so nested calls add to the same totals.
type jobRun struct {
	job       string
	slot      string
	runID     string
	startedAt time.Time
	outcome   outcome
	errors    int
}

type jobRunKey struct{}

func (r *jobRun) record(out outcome) {
	if r == nil {
		return
	}
	r.outcome.processed += out.processed
	r.outcome.failed += out.failed
	r.outcome.skipped += out.skipped
}

func (r *jobRun) fields() []zap.Field {
	return []zap.Field{
		zap.String("slot", r.slot),
		zap.Int("processed_count", r.outcome.processed),
		zap.Int("failed_count", r.outcome.failed),
		zap.Int("skipped_count", r.outcome.skipped),
		zap.Int("error_count", r.errors),
		zap.Int64("duration_ms", time.Since(r.startedAt).Milliseconds()),
	}
}

// beginRun attaches a run to ctx. owner is false when ctx already carries
// one, in which case the outer call logs start and finish.
func (s *Scheduler) beginRun(ctx context.Context, job, slot string) (_ context.Context, run *jobRun, owner bool) {
	if run = jobRunFromContext(ctx); run != nil {
		return ctx, run, false
	}
	run = &jobRun{
		job:       job,
		slot:      slot,
		runID:     s.genID.Generate().String(),
		startedAt: time.Now(),
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	ctx = obscontext.WithActor(ctx, "system", "scheduler")
	ctx = obscontext.WithJob(ctx, job, run.runID)
	s.logger(ctx).Info("scheduler.job.start", zap.String("slot", slot))
	return ctx, run, true
}

func (s *Scheduler) finishRun(ctx context.Context, run *jobRun) {
	log := s.logger(ctx)
	if run.errors > 0 || run.outcome.failed > 0 {
		log.Warn("scheduler.job.finish", run.fields()...)
		return
	}
	log.Info("scheduler.job.finish", run.fields()...)
}

func jobRunFromContext(ctx context.Context) *jobRun {
	run, _ := ctx.Value(jobRunKey{}).(*jobRun)
	return run
}

// logger carries job, run and actor fields from ctx.
func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logSchedulerError(ctx context.Context, msg, job string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	if run := jobRunFromContext(ctx); run != nil {
		run.errors++
	}
	s.logger(ctx).Error(msg, append([]zap.Field{
		zap.String("job", job),
		zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
		zap.Error(err),
	}, fields...)...)
}
