// Package retry re-admits failed queue items whose retry interval has
// elapsed.
package retry

import (
	"context"
	"fmt"

	"github.com/smallbiznis/alertbilling/internal/clock"
	"github.com/smallbiznis/alertbilling/internal/queue"
	sysconfigdomain "github.com/smallbiznis/alertbilling/internal/sysconfig/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Settings sysconfigdomain.Service `optional:"true"`
	Clock    clock.Clock             `optional:"true"`
}

type Result struct {
	Policy           queue.RetryPolicy `json:"-"`
	ChargeReadmitted int64             `json:"charge_readmitted"`
	DebitReadmitted  int64             `json:"debit_readmitted"`
}

func (r Result) Total() int64 {
	return r.ChargeReadmitted + r.DebitReadmitted
}

type Service interface {
	RunRetryPass(ctx context.Context) (Result, error)
}

type Runner struct {
	db       *gorm.DB
	log      *zap.Logger
	settings sysconfigdomain.Service
	clock    clock.Clock
}

func NewRunner(p Params) Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Runner{
		db:       p.DB,
		log:      p.Log.Named("retry"),
		settings: p.Settings,
		clock:    c,
	}
}

// RunRetryPass moves eligible Failed items of both queues back to Pending.
// Exhausted items are left for reconciliation.
func (r *Runner) RunRetryPass(ctx context.Context) (Result, error) {
	policy := queue.LoadRetryPolicy(ctx, r.settings)
	now := r.clock.Now()
	result := Result{Policy: policy}

	n, err := queue.Readmit(ctx, r.db, queue.SourceCharge, policy, now)
	if err != nil {
		return result, fmt.Errorf("readmit charges: %w", err)
	}
	result.ChargeReadmitted = n

	n, err = queue.Readmit(ctx, r.db, queue.SourceDirectDebit, policy, now)
	if err != nil {
		return result, fmt.Errorf("readmit direct debits: %w", err)
	}
	result.DebitReadmitted = n

	r.log.Info("retry pass finished",
		zap.Int("max_attempts", policy.MaxAttempts),
		zap.Duration("interval", policy.Interval),
		zap.Int64("charge_readmitted", result.ChargeReadmitted),
		zap.Int64("debit_readmitted", result.DebitReadmitted),
	)
	return result, nil
}

var Module = fx.Module("retry",
	fx.Provide(NewRunner),
)
