package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	chargedomain "github.com/smallbiznis/alertbilling/internal/charge/domain"
	"github.com/smallbiznis/alertbilling/internal/clock"
	dddomain "github.com/smallbiznis/alertbilling/internal/directdebit/domain"
	"github.com/smallbiznis/alertbilling/internal/lease"
	obsmetrics "github.com/smallbiznis/alertbilling/internal/observability/metrics"
	reconciliationdomain "github.com/smallbiznis/alertbilling/internal/reconciliation/domain"
	"github.com/smallbiznis/alertbilling/internal/retry"
	settlementdomain "github.com/smallbiznis/alertbilling/internal/settlement/domain"
	sysconfigdomain "github.com/smallbiznis/alertbilling/internal/sysconfig/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
	dates []time.Time
}

func (c *callLog) add(name string, dates ...time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, name)
	c.dates = append(c.dates, dates...)
}

func (c *callLog) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call == name {
			n++
		}
	}
	return n
}

type fakeCharges struct {
	chargedomain.Service
	log *callLog
}

func (f *fakeCharges) ProcessPending(context.Context) (chargedomain.BatchResult, error) {
	f.log.add(JobChargeQueue)
	return chargedomain.BatchResult{Success: true, ProcessedCount: 2, FailedCount: 1}, nil
}

type fakeDebits struct {
	dddomain.Service
	log      *callLog
	failures int
}

func (f *fakeDebits) ProcessDaily(context.Context) (dddomain.ProcessingResult, error) {
	f.log.add(JobDailyProcessing)
	if f.failures > 0 {
		f.failures--
		return dddomain.ProcessingResult{}, errors.New("connection reset")
	}
	return dddomain.ProcessingResult{Success: true, ProcessedCount: 3}, nil
}

func (f *fakeDebits) ProcessMonthlyQBE(_ context.Context, from, to time.Time) (dddomain.ProcessingResult, error) {
	f.log.add(JobMonthlyQBE, from, to)
	return dddomain.ProcessingResult{Success: true}, nil
}

type fakeRetry struct{ log *callLog }

func (f *fakeRetry) RunRetryPass(context.Context) (retry.Result, error) {
	f.log.add(JobRetryPass)
	return retry.Result{ChargeReadmitted: 1}, nil
}

type fakeReconciliation struct{ log *callLog }

func (f *fakeReconciliation) ReconcileFailed(_ context.Context, date time.Time) (reconciliationdomain.ReconciliationResult, error) {
	f.log.add(JobReconcile, date)
	return reconciliationdomain.ReconciliationResult{Success: true}, nil
}

func (f *fakeReconciliation) MonthEnd(_ context.Context, date time.Time) (reconciliationdomain.MonthEndResult, error) {
	f.log.add(JobMonthEnd, date)
	return reconciliationdomain.MonthEndResult{Success: true}, nil
}

func (f *fakeReconciliation) DailyReport(_ context.Context, date time.Time) (reconciliationdomain.DailyReconciliation, error) {
	f.log.add(JobDailyReport, date)
	return reconciliationdomain.DailyReconciliation{Date: date}, nil
}

type fakeSettlement struct{ log *callLog }

func (f *fakeSettlement) SettleTelco(context.Context) (settlementdomain.SettlementResult, error) {
	f.log.add(JobTelcoSettlement)
	return settlementdomain.SettlementResult{Success: true}, nil
}

type fixture struct {
	sched  *Scheduler
	clock  *clock.FakeClock
	log    *callLog
	debits *fakeDebits
}

type fakeSettings struct {
	sysconfigdomain.Service
	values map[string]int
}

func (f *fakeSettings) GetInt(_ context.Context, key string, def int) int {
	if v, ok := f.values[key]; ok {
		return v
	}
	return def
}

// testConfig lays the fields a test sets over the production defaults.
func testConfig(cfg Config) Config {
	out := DefaultConfig()
	if cfg.DailyAt > 0 {
		out.DailyAt = cfg.DailyAt
	}
	if cfg.RetryPasses > 0 {
		out.RetryPasses = cfg.RetryPasses
	}
	if cfg.MonthlyDebitDay > 0 {
		out.MonthlyDebitDay = cfg.MonthlyDebitDay
	}
	out.EnabledJobs = cfg.EnabledJobs
	return out
}

func newFixture(t *testing.T, start time.Time, locker lease.Locker, cfg Config) *fixture {
	return newFixtureWithSettings(t, start, locker, cfg, nil)
}

func newFixtureWithSettings(t *testing.T, start time.Time, locker lease.Locker, cfg Config, settings sysconfigdomain.Service) *fixture {
	t.Helper()
	useTestRegistry(t)

	node, err := snowflake.NewNode(7)
	require.NoError(t, err)

	calls := &callLog{}
	fc := clock.NewFakeClock(start)
	debits := &fakeDebits{log: calls}
	sched, err := New(Params{
		Log:            zap.NewNop(),
		GenID:          node,
		Clock:          fc,
		Charges:        &fakeCharges{log: calls},
		Debits:         debits,
		Retry:          &fakeRetry{log: calls},
		Reconciliation: &fakeReconciliation{log: calls},
		Settlement:     &fakeSettlement{log: calls},
		Settings:       settings,
		Locker:         locker,
		Config:         testConfig(cfg),
	})
	require.NoError(t, err)
	return &fixture{sched: sched, clock: fc, log: calls, debits: debits}
}

func day(year int, month time.Month, d int) time.Time {
	return time.Date(year, month, d, 0, 0, 0, 0, time.UTC)
}

func TestNewRejectsMissingCollaborators(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRunOnceRunsDailyJobsOncePerAnchor(t *testing.T) {
	f := newFixture(t, time.Date(2025, 1, 20, 9, 0, 0, 0, time.UTC), nil, Config{})
	ctx := context.Background()

	require.NoError(t, f.sched.RunOnce(ctx))
	for _, name := range []string{JobChargeQueue, JobDailyProcessing, JobRetryPass, JobTelcoSettlement, JobDailyReport} {
		assert.Equal(t, 1, f.log.count(name), name)
	}
	assert.Equal(t, 4, f.log.count(JobReconcile))
	assert.Zero(t, f.log.count(JobMonthEnd))
	assert.Zero(t, f.log.count(JobMonthlyQBE))
	assert.Equal(t, []time.Time{
		day(2025, 1, 16), day(2025, 1, 17), day(2025, 1, 18), day(2025, 1, 19),
		day(2025, 1, 19),
	}, f.log.dates)

	require.NoError(t, f.sched.RunOnce(ctx))
	assert.Equal(t, 1, f.log.count(JobChargeQueue))

	f.clock.Advance(time.Minute)
	require.NoError(t, f.sched.RunOnce(ctx))
	assert.Equal(t, 2, f.log.count(JobChargeQueue))
	assert.Equal(t, 1, f.log.count(JobDailyProcessing))
	assert.Equal(t, 1, f.log.count(JobDailyReport))

	f.clock.Set(time.Date(2025, 1, 21, 2, 0, 0, 0, time.UTC))
	require.NoError(t, f.sched.RunOnce(ctx))
	assert.Equal(t, 2, f.log.count(JobDailyProcessing))
	assert.Equal(t, 8, f.log.count(JobReconcile))
}

func TestReconcileSweepsTheRetryWindow(t *testing.T) {
	settings := &fakeSettings{values: map[string]int{
		sysconfigdomain.KeyMaxRetryAttempts:   2,
		sysconfigdomain.KeyRetryIntervalHours: 12,
	}}
	f := newFixtureWithSettings(t, time.Date(2025, 3, 10, 3, 0, 0, 0, time.UTC), nil,
		Config{EnabledJobs: []string{JobReconcile}}, settings)

	require.NoError(t, f.sched.RunOnce(context.Background()))
	assert.Equal(t, []time.Time{day(2025, 3, 8), day(2025, 3, 9)}, f.log.dates)

	settings.values[sysconfigdomain.KeyRetryIntervalHours] = 30
	assert.Equal(t, 4, f.sched.reconcileLookback(context.Background()))
}

func TestReconcileLookbackDefaults(t *testing.T) {
	f := newFixture(t, time.Date(2025, 3, 10, 3, 0, 0, 0, time.UTC), nil, Config{})
	assert.Equal(t, 4, f.sched.reconcileLookback(context.Background()))
}

func TestRetryPassesAreSpacedAcrossTheDay(t *testing.T) {
	f := newFixture(t, time.Date(2025, 1, 20, 2, 0, 0, 0, time.UTC), nil, Config{RetryPasses: 4})
	ctx := context.Background()

	require.NoError(t, f.sched.RunOnce(ctx))
	assert.Zero(t, f.log.count(JobRetryPass))

	f.clock.Set(time.Date(2025, 1, 20, 6, 0, 0, 0, time.UTC))
	require.NoError(t, f.sched.RunOnce(ctx))
	assert.Zero(t, f.log.count(JobRetryPass))

	f.clock.Set(time.Date(2025, 1, 20, 7, 0, 0, 0, time.UTC))
	require.NoError(t, f.sched.RunOnce(ctx))
	assert.Equal(t, 1, f.log.count(JobRetryPass))

	f.clock.Set(time.Date(2025, 1, 20, 9, 30, 0, 0, time.UTC))
	require.NoError(t, f.sched.RunOnce(ctx))
	assert.Equal(t, 1, f.log.count(JobRetryPass))

	f.clock.Set(time.Date(2025, 1, 20, 11, 40, 0, 0, time.UTC))
	require.NoError(t, f.sched.RunOnce(ctx))
	assert.Equal(t, 2, f.log.count(JobRetryPass))

	slot, ok := f.sched.retrySlot(time.Date(2025, 1, 21, 1, 0, 0, 0, time.UTC))
	require.True(t, ok)
	assert.Equal(t, "2025-01-20#4", slot)
}

func TestMonthEndRunsOnDebitDay(t *testing.T) {
	f := newFixture(t, time.Date(2025, 1, 25, 2, 30, 0, 0, time.UTC), nil, Config{EnabledJobs: []string{JobMonthEnd}})

	require.NoError(t, f.sched.RunOnce(context.Background()))
	assert.Equal(t, []string{JobMonthEnd}, f.log.calls)
	assert.Equal(t, []time.Time{day(2025, 1, 25)}, f.log.dates)

	f.clock.Set(time.Date(2025, 1, 26, 2, 30, 0, 0, time.UTC))
	require.NoError(t, f.sched.RunOnce(context.Background()))
	assert.Equal(t, 1, f.log.count(JobMonthEnd))
}

func TestMonthlyQBECoversThePreviousMonth(t *testing.T) {
	f := newFixture(t, time.Date(2025, 2, 1, 3, 0, 0, 0, time.UTC), nil, Config{EnabledJobs: []string{JobMonthlyQBE}})

	require.NoError(t, f.sched.RunOnce(context.Background()))
	assert.Equal(t, []string{JobMonthlyQBE}, f.log.calls)
	assert.Equal(t, []time.Time{day(2025, 1, 1), day(2025, 2, 1)}, f.log.dates)
}

func TestMonthlyQBEWaitsForDailyProcessingTime(t *testing.T) {
	f := newFixture(t, time.Date(2025, 2, 1, 1, 0, 0, 0, time.UTC), nil, Config{EnabledJobs: []string{JobMonthlyQBE}})

	require.NoError(t, f.sched.RunOnce(context.Background()))
	assert.Empty(t, f.log.calls)
}

func TestSlotHeldByAnotherInstanceIsSkipped(t *testing.T) {
	start := time.Date(2025, 1, 20, 9, 0, 0, 0, time.UTC)
	locker := lease.NewMemoryLocker(clock.NewFakeClock(start))
	first := newFixture(t, start, locker, Config{})
	second := newFixture(t, start, locker, Config{})
	ctx := context.Background()

	require.NoError(t, first.sched.RunOnce(ctx))
	require.NoError(t, second.sched.RunOnce(ctx))

	assert.Equal(t, 1, first.log.count(JobDailyProcessing))
	assert.Empty(t, second.log.calls)
}

func TestFailedJobIsRetriedNextTick(t *testing.T) {
	start := time.Date(2025, 1, 20, 9, 0, 0, 0, time.UTC)
	locker := lease.NewMemoryLocker(clock.NewFakeClock(start))
	f := newFixture(t, start, locker, Config{EnabledJobs: []string{JobDailyProcessing}})
	f.debits.failures = 1
	ctx := context.Background()

	err := f.sched.RunOnce(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daily_processing: connection reset")

	f.clock.Advance(time.Minute)
	require.NoError(t, f.sched.RunOnce(ctx))
	f.clock.Advance(time.Minute)
	require.NoError(t, f.sched.RunOnce(ctx))

	assert.Equal(t, 2, f.log.count(JobDailyProcessing))
}

func TestEnabledJobsFilter(t *testing.T) {
	f := newFixture(t, time.Date(2025, 1, 20, 9, 0, 0, 0, time.UTC), nil, Config{EnabledJobs: []string{"CHARGE_QUEUE"}})

	require.NoError(t, f.sched.RunOnce(context.Background()))
	assert.Equal(t, []string{JobChargeQueue}, f.log.calls)
}

func TestRunOnceRecordsBatchOutcomes(t *testing.T) {
	f := newFixture(t, time.Date(2025, 1, 20, 9, 0, 0, 0, time.UTC), nil, Config{EnabledJobs: []string{JobChargeQueue}})
	registry := prometheus.DefaultGatherer.(*prometheus.Registry)

	require.NoError(t, f.sched.RunOnce(context.Background()))

	labels := map[string]string{"service": "alertbilling", "env": "test", "job": JobChargeQueue, "outcome": "processed"}
	assert.Equal(t, float64(2), getCounterValue(t, registry, "alertbilling_scheduler_batch_processed_total", labels))
	labels["outcome"] = "failed"
	assert.Equal(t, float64(1), getCounterValue(t, registry, "alertbilling_scheduler_batch_processed_total", labels))
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := useTestRegistry(t)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	s := &Scheduler{log: zap.NewNop(), genID: node, clock: clock.NewFakeClock(time.Time{})}
	err = s.runJob(context.Background(), "timeout_job", "test", 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	labels := map[string]string{
		"service": "alertbilling",
		"env":     "test",
		"job":     "timeout_job",
	}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "alertbilling_scheduler_job_timeouts_total", labels))

	errorLabels := map[string]string{
		"service": "alertbilling",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "alertbilling_scheduler_job_errors_total", errorLabels))
}

// useTestRegistry points the default registry at a fresh one for the
// duration of the test and rebuilds the scheduler metrics against it.
func useTestRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	registry := prometheus.NewRegistry()
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry

	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "alertbilling",
		Environment: "test",
	})

	t.Cleanup(func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	})
	return registry
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			require.NotNil(t, metric.Counter, "metric %s is not a counter", name)
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
