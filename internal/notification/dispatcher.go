package notification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	accountdomain "github.com/smallbiznis/alertbilling/internal/account/domain"
	obsmetrics "github.com/smallbiznis/alertbilling/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	statusSent    = "sent"
	statusFailed  = "failed"
	statusSkipped = "skipped"
)

// DebitNotice describes a committed debit.
type DebitNotice struct {
	Destination   string
	AccountNumber string
	Currency      string
	Amount        decimal.Decimal
	Balance       decimal.Decimal
	Description   string
	At            time.Time
}

// Message renders the notice with the account number masked.
func (n DebitNotice) Message() string {
	currency := n.Currency
	if currency == "" {
		currency = string(accountdomain.CurrencyNGN)
	}
	return fmt.Sprintf(
		"Debit Alert\nAcct: %s\nAmt: %s %s\nDesc: %s\nDate: %s\nBal: %s %s",
		accountdomain.MaskAccountNumber(n.AccountNumber),
		currency, n.Amount.StringFixed(2),
		n.Description,
		n.At.UTC().Format("02-Jan-2006 15:04"),
		currency, n.Balance.StringFixed(2),
	)
}

type DispatcherParams struct {
	fx.In

	Sink       Sink
	Log        *zap.Logger
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Dispatcher sends notices after commit. Failures are logged and counted,
// never returned.
type Dispatcher struct {
	sink       Sink
	log        *zap.Logger
	obsMetrics *obsmetrics.Metrics
}

func NewDispatcher(p DispatcherParams) *Dispatcher {
	sink := p.Sink
	if sink == nil {
		sink = NoOpSink{}
	}
	return &Dispatcher{
		sink:       sink,
		log:        p.Log.Named("notification"),
		obsMetrics: p.ObsMetrics,
	}
}

func (d *Dispatcher) NotifyDebit(ctx context.Context, notice DebitNotice) {
	if d == nil {
		return
	}
	if strings.TrimSpace(notice.Destination) == "" {
		d.obsMetrics.RecordNotification(ctx, statusSkipped)
		return
	}
	if err := d.sink.Notify(ctx, notice.Destination, notice.Message()); err != nil {
		d.obsMetrics.RecordNotification(ctx, statusFailed)
		d.log.Warn("debit notification failed",
			zap.String("account", accountdomain.MaskAccountNumber(notice.AccountNumber)),
			zap.Error(err),
		)
		return
	}
	d.obsMetrics.RecordNotification(ctx, statusSent)
}
