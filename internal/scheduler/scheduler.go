package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	chargedomain "github.com/smallbiznis/alertbilling/internal/charge/domain"
	"github.com/smallbiznis/alertbilling/internal/clock"
	dddomain "github.com/smallbiznis/alertbilling/internal/directdebit/domain"
	"github.com/smallbiznis/alertbilling/internal/lease"
	"github.com/smallbiznis/alertbilling/internal/metricspush"
	obsmetrics "github.com/smallbiznis/alertbilling/internal/observability/metrics"
	reconciliationdomain "github.com/smallbiznis/alertbilling/internal/reconciliation/domain"
	"github.com/smallbiznis/alertbilling/internal/retry"
	settlementdomain "github.com/smallbiznis/alertbilling/internal/settlement/domain"
	sysconfigdomain "github.com/smallbiznis/alertbilling/internal/sysconfig/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log            *zap.Logger
	GenID          *snowflake.Node
	Clock          clock.Clock
	Charges        chargedomain.Service
	Debits         dddomain.Service
	Retry          retry.Service
	Reconciliation reconciliationdomain.Service
	Settlement     settlementdomain.Service
	Settings       sysconfigdomain.Service `optional:"true"`
	Locker         lease.Locker            `optional:"true"`
	Pusher         metricspush.Pusher      `optional:"true"`
	Config         Config                  `optional:"true"`
}

type Scheduler struct {
	log            *zap.Logger
	cfg            Config
	genID          *snowflake.Node
	clock          clock.Clock
	charges        chargedomain.Service
	debits         dddomain.Service
	retry          retry.Service
	reconciliation reconciliationdomain.Service
	settlement     settlementdomain.Service
	settings       sysconfigdomain.Service
	locker         lease.Locker
	pusher         metricspush.Pusher

	mu        sync.Mutex
	lastSlots map[string]string
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Charges == nil || p.Debits == nil ||
		p.Retry == nil || p.Reconciliation == nil || p.Settlement == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:            p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:            p.Config.withDefaults(),
		genID:          p.GenID,
		clock:          p.Clock,
		charges:        p.Charges,
		debits:         p.Debits,
		retry:          p.Retry,
		reconciliation: p.Reconciliation,
		settlement:     p.Settlement,
		settings:       p.Settings,
		locker:         p.Locker,
		pusher:         p.Pusher,
		lastSlots:      make(map[string]string),
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	slot string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.beginRun(ctx, name, slot)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if err != nil {
		schedMetrics.IncJobError(name, err)
		run.errors++
	}
	if owner {
		s.finishRun(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; the next slot resumes the work
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		schedMetrics.IncJobTimeout(name)
		s.logger(ctx).Warn("job timed out", zap.Duration("timeout", timeout), zap.Error(err))
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled job whose slot is due and not yet taken.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	now := s.clock.Now().UTC()
	ran := 0

	for _, j := range s.jobs() {
		if !s.isJobEnabled(j.name) {
			continue
		}
		executed, jobErr := s.runSlotted(parent, now, j)
		if executed {
			ran++
		}
		err = errors.Join(err, jobErr)
	}

	if ran > 0 {
		s.pushMetrics(parent)
	}
	return err
}

// runSlotted runs j for the slot now falls in. A slot is taken once it
// completes here or once another instance holds its lease. Failed and
// timed-out runs release the lease so the next tick retries the slot.
func (s *Scheduler) runSlotted(ctx context.Context, now time.Time, j job) (bool, error) {
	slot, due := j.slot(now)
	if !due || s.slotTaken(j.name, slot) {
		return false, nil
	}

	var token string
	if s.locker != nil {
		var (
			acquired bool
			err      error
		)
		token, acquired, err = s.locker.TryLock(ctx, lease.JobSlotKey(j.name, slot), j.ttl)
		if err != nil {
			s.logSchedulerError(ctx, "scheduler.lease.failed", j.name, err, zap.String("slot", slot))
			return false, fmt.Errorf("%s: lease: %w", j.name, err)
		}
		if !acquired {
			obsmetrics.Scheduler().IncBatchDeferred(j.name, obsmetrics.SchedulerBatchDeferredReasonLeaseHeld)
			s.logger(ctx).Debug("scheduler.slot.held",
				zap.String("job", j.name),
				zap.String("slot", slot),
			)
			s.takeSlot(j.name, slot)
			return false, nil
		}
	}

	var runErr error
	err := s.runJob(ctx, j.name, slot, j.timeout, func(ctx context.Context) error {
		out, err := j.run(ctx, now)
		s.recordOutcome(ctx, j.name, out)
		runErr = err
		return err
	})
	if runErr != nil {
		s.releaseSlot(ctx, j.name, slot, token)
		return true, err
	}
	s.takeSlot(j.name, slot)
	return true, nil
}

func (s *Scheduler) recordOutcome(ctx context.Context, jobName string, out outcome) {
	jobRunFromContext(ctx).record(out)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.AddBatchProcessed(jobName, "processed", out.processed)
	schedMetrics.AddBatchProcessed(jobName, "failed", out.failed)
	schedMetrics.AddBatchProcessed(jobName, "skipped", out.skipped)
}

func (s *Scheduler) releaseSlot(ctx context.Context, jobName, slot, token string) {
	if s.locker == nil || token == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := s.locker.Release(ctx, lease.JobSlotKey(jobName, slot), token); err != nil {
		s.logger(ctx).Warn("scheduler.lease.release_failed",
			zap.String("job", jobName),
			zap.String("slot", slot),
			zap.Error(err),
		)
	}
}

func (s *Scheduler) slotTaken(jobName, slot string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSlots[jobName] == slot
}

func (s *Scheduler) takeSlot(jobName, slot string) {
	s.mu.Lock()
	s.lastSlots[jobName] = slot
	s.mu.Unlock()
}

func (s *Scheduler) pushMetrics(parent context.Context) {
	if s.pusher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), 5*time.Second)
	defer cancel()
	if err := s.pusher.Push(ctx, prometheus.DefaultGatherer); err != nil {
		s.log.Warn("metrics push failed", zap.Error(err))
	}
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// empty means every job runs in this process
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}
