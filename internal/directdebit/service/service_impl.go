package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	accountdomain "github.com/smallbiznis/alertbilling/internal/account/domain"
	alertdomain "github.com/smallbiznis/alertbilling/internal/alert/domain"
	auditdomain "github.com/smallbiznis/alertbilling/internal/audit/domain"
	"github.com/smallbiznis/alertbilling/internal/clock"
	"github.com/smallbiznis/alertbilling/internal/config"
	dddomain "github.com/smallbiznis/alertbilling/internal/directdebit/domain"
	ledgerdomain "github.com/smallbiznis/alertbilling/internal/ledger/domain"
	"github.com/smallbiznis/alertbilling/internal/notification"
	obsmetrics "github.com/smallbiznis/alertbilling/internal/observability/metrics"
	"github.com/smallbiznis/alertbilling/internal/queue"
	sysconfigdomain "github.com/smallbiznis/alertbilling/internal/sysconfig/domain"
	"github.com/smallbiznis/alertbilling/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultBatchSize = 100

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       dddomain.Repository
	Alerts     alertdomain.Repository
	Accounts   accountdomain.Repository
	Ledger     ledgerdomain.Service
	Billing    *config.BillingHolder
	Settings   sysconfigdomain.Service  `optional:"true"`
	Audit      auditdomain.Service      `optional:"true"`
	Notifier   *notification.Dispatcher `optional:"true"`
	Config     config.Config            `optional:"true"`
	Clock      clock.Clock              `optional:"true"`
	ObsMetrics *obsmetrics.Metrics      `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       dddomain.Repository
	alerts     alertdomain.Repository
	accounts   accountdomain.Repository
	ledger     ledgerdomain.Service
	billing    *config.BillingHolder
	settings   sysconfigdomain.Service
	audit      auditdomain.Service
	notifier   *notification.Dispatcher
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics

	lease     time.Duration
	batchSize int
}

func NewService(p Params) dddomain.Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	lease := p.Config.Jobs.ProcessingLease
	if lease <= 0 {
		lease = queue.DefaultProcessingLease
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("directdebit.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		alerts:     p.Alerts,
		accounts:   p.Accounts,
		ledger:     p.Ledger,
		billing:    p.Billing,
		settings:   p.Settings,
		audit:      p.Audit,
		notifier:   p.Notifier,
		clock:      c,
		obsMetrics: p.ObsMetrics,
		lease:      lease,
		batchSize:  defaultBatchSize,
	}
}

func (s *Service) QueueDebit(ctx context.Context, alertID snowflake.ID) (*dddomain.DirectDebitItem, error) {
	var out *dddomain.DirectDebitItem
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.GetByAlert(ctx, tx, alertID)
		if err != nil {
			return err
		}
		if existing != nil {
			out = existing
			return nil
		}

		alert, err := s.alerts.GetAlert(ctx, tx, alertID)
		if err != nil {
			return err
		}
		if alert == nil {
			return alertdomain.ErrAlertNotFound
		}
		if alert.IsCharged {
			return dddomain.ErrAlreadyCharged
		}
		acct, err := s.accounts.GetAccount(ctx, tx, alert.AccountID)
		if err != nil {
			return err
		}
		if acct == nil {
			return accountdomain.ErrAccountNotFound
		}
		funding, err := s.accounts.ResolveFundingAccount(ctx, tx, acct)
		if err != nil {
			return err
		}

		now := s.clock.Now().UTC()
		id := s.genID.Generate()
		alertRef := alert.ID
		item := dddomain.DirectDebitItem{
			ID:                   id,
			CustomerID:           alert.CustomerID,
			AlertID:              &alertRef,
			SourceAccountID:      funding.ID,
			ChargeAmount:         alert.ChargeAmount,
			VATAmount:            alert.VATAmount,
			TotalCharge:          alert.Total(),
			TransactionReference: dddomain.ReferenceFor(id),
			Status:               queue.StatusPending,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		inserted, err := s.repo.Insert(ctx, tx, &item)
		if err != nil {
			return err
		}
		if !inserted {
			out, err = s.repo.GetByAlert(ctx, tx, alertID)
			return err
		}
		out = &item
		if funding.ID != acct.ID {
			s.log.Info("debit redirected to linked account",
				zap.String("alert_id", alertID.String()),
				zap.String("account", accountdomain.MaskAccountNumber(acct.AccountNumber)),
				zap.String("funding_account", accountdomain.MaskAccountNumber(funding.AccountNumber)),
			)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ProcessDaily runs the queue pass and then charges outstanding quick
// balance enquiries.
func (s *Service) ProcessDaily(ctx context.Context) (dddomain.ProcessingResult, error) {
	result := newResult()
	b := s.billing.Get()
	policy := queue.LoadRetryPolicy(ctx, s.settings)

	passErr := s.processQueue(ctx, b, policy, &result)
	if passErr == nil {
		passErr = s.processEnquiries(ctx, b, &result)
	}
	if passErr != nil {
		result.Message = "Direct debit processing stopped on error"
		result.Errors = append(result.Errors, passErr.Error())
		s.log.Error("direct debit pass aborted",
			zap.Int("processed_count", result.ProcessedCount),
			zap.Int("failed_count", result.FailedCount),
			zap.Error(passErr),
		)
		return result, passErr
	}

	result.Success = true
	result.Message = fmt.Sprintf("Processed %d debits and %d enquiries, %d failed",
		result.ProcessedCount, result.QBEProcessed, result.FailedCount+result.QBEFailed)
	s.log.Info("direct debit pass finished",
		zap.Int("processed_count", result.ProcessedCount),
		zap.Int("failed_count", result.FailedCount),
		zap.Int("qbe_processed", result.QBEProcessed),
		zap.Int("qbe_failed", result.QBEFailed),
		zap.Int("skipped_count", result.SkippedCount),
	)
	return result, nil
}

func (s *Service) processQueue(ctx context.Context, b config.BillingConstants, policy queue.RetryPolicy, result *dddomain.ProcessingResult) error {
	var lastID snowflake.ID
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ids, err := queue.Claim(ctx, s.db, queue.ClaimSpec{
			Source:      queue.SourceDirectDebit,
			Statuses:    []queue.Status{queue.StatusPending, queue.StatusRetryQueued},
			Lease:       s.lease,
			RetryFailed: &policy,
			Scheduled:   true,
			AfterID:     lastID,
			Limit:       s.batchSize,
			Now:         s.clock.Now(),
		})
		if err != nil {
			return fmt.Errorf("claim direct debits: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		for _, id := range ids {
			lastID = id
			if err := ctx.Err(); err != nil {
				return err
			}
			var (
				detail  dddomain.ItemDetail
				outcome queue.Outcome
				notice  *notification.DebitNotice
			)
			now := s.clock.Now().UTC()
			err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				var err error
				detail, outcome, notice, err = s.processItem(ctx, tx, b, id, now)
				return err
			})
			if errors.Is(err, queue.ErrItemLost) {
				outcome, err = queue.OutcomeSkipped, nil
			}
			if err != nil {
				obsmetrics.Scheduler().IncQueueError(string(queue.SourceDirectDebit), err)
				return fmt.Errorf("process direct debit %s: %w", id, err)
			}
			result.Record(detail, outcome, false)
			s.recordOutcome(ctx, detail, outcome)
			if notice != nil {
				s.notifier.NotifyDebit(ctx, *notice)
			}
		}
	}
}

func (s *Service) processItem(ctx context.Context, tx *gorm.DB, b config.BillingConstants, id snowflake.ID, now time.Time) (dddomain.ItemDetail, queue.Outcome, *notification.DebitNotice, error) {
	item, err := s.repo.LockProcessing(ctx, tx, id)
	if err != nil {
		return dddomain.ItemDetail{}, queue.OutcomeInfraFailure, nil, err
	}
	if item == nil {
		return dddomain.ItemDetail{ItemID: id}, queue.OutcomeSkipped, nil, nil
	}
	detail := dddomain.ItemDetail{
		ItemID:    item.ID,
		AlertID:   item.AlertID,
		EnquiryID: item.EnquiryID,
		Amount:    item.TotalCharge,
	}

	acct, err := s.accounts.GetAccount(ctx, tx, item.SourceAccountID)
	if err != nil {
		return detail, queue.OutcomeInfraFailure, nil, err
	}
	if acct == nil {
		return s.fail(ctx, tx, detail, accountdomain.ErrAccountNotFound, now)
	}
	detail.AccountNumber = acct.AccountNumber
	posting := ledgerdomain.Posting{CustomerID: item.CustomerID, AccountNumber: acct.AccountNumber, At: now}

	var (
		entries     []ledgerdomain.AccountingEntry
		description string
		enquiry     *alertdomain.QuickBalanceEnquiry
		carried     []alertdomain.QuickBalanceEnquiry
	)
	switch {
	case item.AlertID != nil:
		alert, err := s.alerts.GetAlert(ctx, tx, *item.AlertID)
		if err != nil {
			return detail, queue.OutcomeInfraFailure, nil, err
		}
		if alert == nil {
			return s.fail(ctx, tx, detail, alertdomain.ErrAlertNotFound, now)
		}
		if alert.IsCharged {
			return s.closeCollected(ctx, tx, detail, now)
		}
		entries = ledgerdomain.SMSAlertEntries(b, posting, *item.AlertID, item.ChargeAmount, item.VATAmount)
		description = "SMS alert charge"
	case item.EnquiryID != nil:
		enquiry, err = s.alerts.GetEnquiry(ctx, tx, *item.EnquiryID)
		if err != nil {
			return detail, queue.OutcomeInfraFailure, nil, err
		}
		if enquiry == nil {
			return detail, queue.OutcomeInfraFailure, nil, fmt.Errorf("%w: %s", alertdomain.ErrEnquiryNotFound, item.EnquiryID)
		}
		if enquiry.IsCharged {
			return s.closeCollected(ctx, tx, detail, now)
		}
		entries, err = ledgerdomain.QBEEntries(b, posting, enquiry.ID, enquiry.TelcoProvider, item.ChargeAmount, enquiry.SessionCharge)
		if err != nil {
			return s.fail(ctx, tx, detail, err, now)
		}
		description = "Quick balance enquiry charge"
	default:
		entries, carried, err = s.consolidatedEntries(ctx, tx, b, posting, *item)
		if err != nil {
			if isBusinessFailure(err) {
				return s.fail(ctx, tx, detail, err, now)
			}
			return detail, queue.OutcomeInfraFailure, nil, err
		}
		description = "Consolidated alert charges"
	}

	balance, err := s.accounts.Debit(ctx, tx, acct.ID, item.TotalCharge, now)
	if err != nil {
		if isBusinessFailure(err) {
			return s.fail(ctx, tx, detail, err, now)
		}
		return detail, queue.OutcomeInfraFailure, nil, err
	}
	if err := s.ledger.AppendEntries(ctx, tx, entries); err != nil {
		return detail, queue.OutcomeInfraFailure, nil, err
	}
	if err := queue.Complete(ctx, tx, queue.SourceDirectDebit, item.ID, now); err != nil {
		return detail, queue.OutcomeInfraFailure, nil, err
	}

	switch {
	case item.AlertID != nil:
		ok, err := s.alerts.MarkAlertCharged(ctx, tx, *item.AlertID, now)
		if err != nil {
			return detail, queue.OutcomeInfraFailure, nil, err
		}
		if !ok {
			// charged concurrently; the rollback undoes the debit
			return detail, queue.OutcomeInfraFailure, nil, queue.ErrItemLost
		}
	case enquiry != nil:
		carried = append(carried, *enquiry)
	}
	for _, e := range carried {
		if err := s.markEnquiryCollected(ctx, tx, e, now); err != nil {
			return detail, queue.OutcomeInfraFailure, nil, err
		}
	}

	notice, err := s.noticeFor(ctx, tx, item.CustomerID, acct, item.TotalCharge, balance, description, now)
	if err != nil {
		return detail, queue.OutcomeInfraFailure, nil, err
	}
	detail.Status = queue.StatusCompleted
	return detail, queue.OutcomeSuccess, notice, nil
}

// consolidatedEntries books a consolidated item by origin. Enquiries carried
// in it post QBE entries; the remainder posts as alert charges under the
// item's reference.
func (s *Service) consolidatedEntries(ctx context.Context, tx *gorm.DB, b config.BillingConstants, posting ledgerdomain.Posting, item dddomain.DirectDebitItem) ([]ledgerdomain.AccountingEntry, []alertdomain.QuickBalanceEnquiry, error) {
	originals, err := s.enquiryOriginals(ctx, tx, item.ID)
	if err != nil {
		return nil, nil, err
	}

	charge, vat := item.ChargeAmount, item.VATAmount
	var (
		entries   []ledgerdomain.AccountingEntry
		enquiries []alertdomain.QuickBalanceEnquiry
	)
	for _, orig := range originals {
		enquiry, err := s.alerts.GetEnquiry(ctx, tx, *orig.EnquiryID)
		if err != nil {
			return nil, nil, err
		}
		if enquiry == nil {
			return nil, nil, fmt.Errorf("%w: %s", alertdomain.ErrEnquiryNotFound, orig.EnquiryID)
		}
		qbe, err := ledgerdomain.QBEEntries(b, posting, enquiry.ID, enquiry.TelcoProvider, orig.ChargeAmount, enquiry.SessionCharge)
		if err != nil {
			return nil, nil, err
		}
		entries = append(entries, qbe...)
		enquiries = append(enquiries, *enquiry)
		charge = charge.Sub(orig.ChargeAmount)
		vat = vat.Sub(orig.VATAmount)
	}
	if charge.IsPositive() {
		entries = append(entries, ledgerdomain.ItemEntries(b, posting, item.TransactionReference, charge, vat)...)
	}
	return entries, enquiries, nil
}

// enquiryOriginals walks nested consolidations down to the enquiry items.
func (s *Service) enquiryOriginals(ctx context.Context, tx *gorm.DB, id snowflake.ID) ([]dddomain.DirectDebitItem, error) {
	originals, err := s.repo.ListConsolidatedInto(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	var out []dddomain.DirectDebitItem
	for _, orig := range originals {
		switch {
		case orig.EnquiryID != nil:
			out = append(out, orig)
		case orig.AlertID == nil:
			nested, err := s.enquiryOriginals(ctx, tx, orig.ID)
			if err != nil {
				return nil, err
			}
			out = append(out, nested...)
		}
	}
	return out, nil
}

// closeCollected completes an item whose origin was already charged by
// another path.
func (s *Service) closeCollected(ctx context.Context, tx *gorm.DB, detail dddomain.ItemDetail, now time.Time) (dddomain.ItemDetail, queue.Outcome, *notification.DebitNotice, error) {
	if err := queue.Complete(ctx, tx, queue.SourceDirectDebit, detail.ItemID, now); err != nil {
		return detail, queue.OutcomeInfraFailure, nil, err
	}
	s.log.Warn("origin already charged, closing item", zap.String("item_id", detail.ItemID.String()))
	return detail, queue.OutcomeSkipped, nil, nil
}

func (s *Service) fail(ctx context.Context, tx *gorm.DB, detail dddomain.ItemDetail, cause error, now time.Time) (dddomain.ItemDetail, queue.Outcome, *notification.DebitNotice, error) {
	reason := failureReason(cause)
	if err := queue.Fail(ctx, tx, queue.SourceDirectDebit, detail.ItemID, reason, now); err != nil {
		return detail, queue.OutcomeInfraFailure, nil, err
	}
	detail.Status = queue.StatusFailed
	detail.FailureReason = reason
	return detail, queue.OutcomeBusinessFailure, nil, nil
}

// markEnquiryCollected flags the enquiry charged and records the synthetic
// alert that stands for it.
func (s *Service) markEnquiryCollected(ctx context.Context, tx *gorm.DB, enquiry alertdomain.QuickBalanceEnquiry, now time.Time) error {
	ok, err := s.alerts.MarkEnquiryCharged(ctx, tx, enquiry.ID, now)
	if err != nil {
		return err
	}
	if !ok {
		return queue.ErrItemLost
	}
	chargedAt := now
	return s.alerts.InsertAlert(ctx, tx, &alertdomain.SMSAlert{
		ID:             s.genID.Generate(),
		CustomerID:     enquiry.CustomerID,
		AccountID:      enquiry.AccountID,
		AlertType:      alertdomain.AlertTypeQuickBalanceEnquiry,
		Message:        fmt.Sprintf("Quick balance enquiry via %s", config.NormalizeTelco(enquiry.TelcoProvider)),
		ChargeAmount:   enquiry.ChargeAmount,
		VATAmount:      decimal.Zero,
		DeliveryStatus: alertdomain.DeliveryStatusDelivered,
		IsCharged:      true,
		ChargedAt:      &chargedAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
}

func (s *Service) noticeFor(ctx context.Context, tx *gorm.DB, customerID snowflake.ID, acct *accountdomain.Account, amount, balance decimal.Decimal, description string, now time.Time) (*notification.DebitNotice, error) {
	customer, err := s.accounts.GetCustomer(ctx, tx, customerID)
	if err != nil {
		return nil, err
	}
	notice := &notification.DebitNotice{
		AccountNumber: acct.AccountNumber,
		Currency:      string(acct.Currency),
		Amount:        amount,
		Balance:       balance,
		Description:   description,
		At:            now,
	}
	if customer != nil {
		notice.Destination = customer.Email
	}
	return notice, nil
}

func (s *Service) processEnquiries(ctx context.Context, b config.BillingConstants, result *dddomain.ProcessingResult) error {
	var after snowflake.ID
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := s.alerts.ListUnchargedEnquiries(ctx, s.db, alertdomain.EnquiryFilter{AfterID: after, Limit: s.batchSize})
		if err != nil {
			return fmt.Errorf("list enquiries: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}
		for _, enquiry := range batch {
			after = enquiry.ID
			if err := s.chargeEnquiries(ctx, b, []alertdomain.QuickBalanceEnquiry{enquiry}, result); err != nil {
				return err
			}
		}
	}
}

// ProcessMonthlyQBE charges every uncharged enquiry created in [from, to),
// one debit per account.
func (s *Service) ProcessMonthlyQBE(ctx context.Context, from, to time.Time) (dddomain.ProcessingResult, error) {
	result := newResult()
	if !from.Before(to) {
		return rejected(result, dddomain.ErrInvalidWindow.Error()), nil
	}
	b := s.billing.Get()

	groups := map[snowflake.ID][]alertdomain.QuickBalanceEnquiry{}
	var order []snowflake.ID
	var after snowflake.ID
	for {
		batch, err := s.alerts.ListUnchargedEnquiries(ctx, s.db, alertdomain.EnquiryFilter{
			AfterID: after,
			From:    from,
			To:      to,
			Limit:   s.batchSize,
		})
		if err != nil {
			return result, fmt.Errorf("list enquiries: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		for _, enquiry := range batch {
			after = enquiry.ID
			if _, ok := groups[enquiry.AccountID]; !ok {
				order = append(order, enquiry.AccountID)
			}
			groups[enquiry.AccountID] = append(groups[enquiry.AccountID], enquiry)
		}
	}

	for _, accountID := range order {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, err.Error())
			return result, err
		}
		if err := s.chargeEnquiries(ctx, b, groups[accountID], &result); err != nil {
			result.Message = "Monthly enquiry processing stopped on error"
			result.Errors = append(result.Errors, err.Error())
			return result, err
		}
	}

	result.Success = true
	result.Message = fmt.Sprintf("Charged %d enquiries across %d accounts, %d failed", result.QBEProcessed, len(order), result.QBEFailed)
	s.log.Info("monthly enquiry processing finished",
		zap.Time("from", from),
		zap.Time("to", to),
		zap.Int("accounts", len(order)),
		zap.Int("qbe_processed", result.QBEProcessed),
		zap.Int("qbe_failed", result.QBEFailed),
	)
	return result, nil
}

// chargeEnquiries debits the combined charge of enquiries, which all belong
// to one account, in a single transaction. On a business failure each
// enquiry becomes a Failed direct-debit item.
func (s *Service) chargeEnquiries(ctx context.Context, b config.BillingConstants, enquiries []alertdomain.QuickBalanceEnquiry, result *dddomain.ProcessingResult) error {
	if len(enquiries) == 0 {
		return nil
	}
	var (
		details []dddomain.ItemDetail
		outcome queue.Outcome
		notice  *notification.DebitNotice
	)
	now := s.clock.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		details, outcome, notice, err = s.chargeEnquiryGroup(ctx, tx, b, enquiries, now)
		return err
	})
	if errors.Is(err, queue.ErrItemLost) {
		result.SkippedCount += len(enquiries)
		return nil
	}
	if err != nil {
		obsmetrics.Scheduler().IncQueueError(obsmetrics.QueueEnquiry, err)
		return fmt.Errorf("charge enquiries for account %s: %w", enquiries[0].AccountID, err)
	}
	for _, detail := range details {
		result.Record(detail, outcome, true)
		s.obsMetrics.RecordQueueOutcome(ctx, obsmetrics.QueueEnquiry, string(detail.Status), detail.FailureReason)
	}
	if outcome == queue.OutcomeSuccess {
		total := decimal.Zero
		for _, detail := range details {
			total = total.Add(detail.Amount)
		}
		amount, _ := total.Float64()
		s.obsMetrics.RecordDebit(ctx, obsmetrics.QueueEnquiry, amount)
	}
	if notice != nil {
		s.notifier.NotifyDebit(ctx, *notice)
	}
	return nil
}

func (s *Service) chargeEnquiryGroup(ctx context.Context, tx *gorm.DB, b config.BillingConstants, enquiries []alertdomain.QuickBalanceEnquiry, now time.Time) ([]dddomain.ItemDetail, queue.Outcome, *notification.DebitNotice, error) {
	first := enquiries[0]
	acct, err := s.accounts.GetAccount(ctx, tx, first.AccountID)
	if err != nil {
		return nil, queue.OutcomeInfraFailure, nil, err
	}
	if acct == nil {
		return s.queueFailedEnquiries(ctx, tx, enquiries, first.AccountID, "", accountdomain.ErrAccountNotFound, now)
	}
	funding, err := s.accounts.ResolveFundingAccount(ctx, tx, acct)
	if err != nil {
		if isBusinessFailure(err) {
			return s.queueFailedEnquiries(ctx, tx, enquiries, acct.ID, acct.AccountNumber, err, now)
		}
		return nil, queue.OutcomeInfraFailure, nil, err
	}

	total := decimal.Zero
	var entries []ledgerdomain.AccountingEntry
	for _, enquiry := range enquiries {
		posting := ledgerdomain.Posting{CustomerID: enquiry.CustomerID, AccountNumber: funding.AccountNumber, At: now}
		qbe, err := ledgerdomain.QBEEntries(b, posting, enquiry.ID, enquiry.TelcoProvider, enquiry.ChargeAmount, enquiry.SessionCharge)
		if err != nil {
			return s.queueFailedEnquiries(ctx, tx, enquiries, funding.ID, funding.AccountNumber, err, now)
		}
		entries = append(entries, qbe...)
		total = total.Add(enquiry.ChargeAmount)
	}

	balance, err := s.accounts.Debit(ctx, tx, funding.ID, total, now)
	if err != nil {
		if isBusinessFailure(err) {
			return s.queueFailedEnquiries(ctx, tx, enquiries, funding.ID, funding.AccountNumber, err, now)
		}
		return nil, queue.OutcomeInfraFailure, nil, err
	}
	if err := s.ledger.AppendEntries(ctx, tx, entries); err != nil {
		return nil, queue.OutcomeInfraFailure, nil, err
	}

	details := make([]dddomain.ItemDetail, 0, len(enquiries))
	for _, enquiry := range enquiries {
		if err := s.markEnquiryCollected(ctx, tx, enquiry, now); err != nil {
			return nil, queue.OutcomeInfraFailure, nil, err
		}
		enquiryID := enquiry.ID
		details = append(details, dddomain.ItemDetail{
			EnquiryID:     &enquiryID,
			AccountNumber: funding.AccountNumber,
			Amount:        enquiry.ChargeAmount,
			Status:        queue.StatusCompleted,
		})
	}

	notice, err := s.noticeFor(ctx, tx, first.CustomerID, funding, total, balance, "Quick balance enquiry charge", now)
	if err != nil {
		return nil, queue.OutcomeInfraFailure, nil, err
	}
	return details, queue.OutcomeSuccess, notice, nil
}

func (s *Service) queueFailedEnquiries(ctx context.Context, tx *gorm.DB, enquiries []alertdomain.QuickBalanceEnquiry, sourceAccountID snowflake.ID, accountNumber string, cause error, now time.Time) ([]dddomain.ItemDetail, queue.Outcome, *notification.DebitNotice, error) {
	reason := failureReason(cause)
	details := make([]dddomain.ItemDetail, 0, len(enquiries))
	for _, enquiry := range enquiries {
		id := s.genID.Generate()
		enquiryID := enquiry.ID
		failedAt := now
		item := dddomain.DirectDebitItem{
			ID:                   id,
			CustomerID:           enquiry.CustomerID,
			EnquiryID:            &enquiryID,
			SourceAccountID:      sourceAccountID,
			ChargeAmount:         enquiry.ChargeAmount,
			VATAmount:            decimal.Zero,
			TotalCharge:          enquiry.ChargeAmount,
			TransactionReference: dddomain.ReferenceFor(id),
			Status:               queue.StatusFailed,
			RetryCount:           1,
			LastRetryAt:          &failedAt,
			FailureReason:        &reason,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		if _, err := s.repo.Insert(ctx, tx, &item); err != nil {
			return nil, queue.OutcomeInfraFailure, nil, err
		}
		details = append(details, dddomain.ItemDetail{
			ItemID:        id,
			EnquiryID:     &enquiryID,
			AccountNumber: accountNumber,
			Amount:        enquiry.ChargeAmount,
			Status:        queue.StatusFailed,
			FailureReason: reason,
		})
	}
	return details, queue.OutcomeBusinessFailure, nil, nil
}

func (s *Service) recordOutcome(ctx context.Context, detail dddomain.ItemDetail, outcome queue.Outcome) {
	if outcome == queue.OutcomeSkipped {
		return
	}
	s.obsMetrics.RecordQueueOutcome(ctx, obsmetrics.QueueDirectDebit, string(detail.Status), detail.FailureReason)
	if outcome == queue.OutcomeSuccess {
		amount, _ := detail.Amount.Float64()
		s.obsMetrics.RecordDebit(ctx, obsmetrics.QueueDirectDebit, amount)
	}
}

func (s *Service) GetPending(ctx context.Context, filter dddomain.ListFilter) (dddomain.ListResponse, error) {
	return s.list(ctx, filter, queue.StatusPending, queue.StatusRetryQueued)
}

func (s *Service) GetFailed(ctx context.Context, filter dddomain.ListFilter) (dddomain.ListResponse, error) {
	return s.list(ctx, filter, queue.StatusFailed)
}

func (s *Service) list(ctx context.Context, filter dddomain.ListFilter, statuses ...queue.Status) (dddomain.ListResponse, error) {
	if filter.From != nil && filter.To != nil && filter.From.After(*filter.To) {
		return dddomain.ListResponse{}, dddomain.ErrInvalidTimeRange
	}
	cursor, err := pagination.ParseToken(strings.TrimSpace(filter.PageToken))
	if err != nil {
		return dddomain.ListResponse{}, dddomain.ErrInvalidPageToken
	}
	limit := filter.Limit()

	items, err := s.repo.List(ctx, s.db, dddomain.QueryFilter{
		Statuses:   statuses,
		CustomerID: filter.CustomerID,
		From:       filter.From,
		To:         filter.To,
		Cursor:     cursor,
		Limit:      limit,
	})
	if err != nil {
		return dddomain.ListResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, int32(limit), func(item *dddomain.DirectDebitItem) string {
		return pagination.TokenFor(item.ID, item.CreatedAt)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	out := make([]dddomain.DirectDebitItem, 0, len(items))
	for _, item := range items {
		out = append(out, *item)
	}
	return dddomain.ListResponse{PageInfo: *pageInfo, Items: out}, nil
}

func (s *Service) UpdateStatus(ctx context.Context, id snowflake.ID, status queue.Status, actor string) (*dddomain.DirectDebitItem, error) {
	var out *dddomain.DirectDebitItem
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, err := s.repo.Lock(ctx, tx, id)
		if err != nil {
			return err
		}
		if item == nil {
			return dddomain.ErrItemNotFound
		}
		if err := queue.Transition(queue.SourceDirectDebit, item.Status, status); err != nil {
			return err
		}
		if item.Status == queue.StatusFailed && status != queue.StatusCompleted &&
			queue.LoadRetryPolicy(ctx, s.settings).Exhausted(item.RetryCount) {
			return dddomain.ErrRetriesExhausted
		}
		now := s.clock.Now().UTC()
		ok, err := s.repo.SetStatus(ctx, tx, id, item.Status, status, now)
		if err != nil {
			return err
		}
		if !ok {
			return queue.ErrItemLost
		}
		if err := s.record(ctx, tx, actor, auditdomain.ActionStatusUpdate, id.String(), map[string]any{
			"from": string(item.Status),
			"to":   string(status),
		}); err != nil {
			return err
		}
		out, err = s.repo.GetByID(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) RequeueFailed(ctx context.Context, ids []snowflake.ID, actor string) (int, error) {
	var moved int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		targets := ids
		if len(targets) == 0 {
			var err error
			targets, err = s.repo.FailedIDs(ctx, tx)
			if err != nil {
				return err
			}
		}
		policy := queue.LoadRetryPolicy(ctx, s.settings)
		now := s.clock.Now().UTC()
		requeued := make([]string, 0, len(targets))
		for _, id := range targets {
			item, err := s.repo.Lock(ctx, tx, id)
			if err != nil {
				return err
			}
			// exhausted items wait for reconciliation
			if item == nil || item.Status != queue.StatusFailed || policy.Exhausted(item.RetryCount) {
				continue
			}
			ok, err := s.repo.SetStatus(ctx, tx, id, queue.StatusFailed, queue.StatusRetryQueued, now)
			if err != nil {
				return err
			}
			if ok {
				requeued = append(requeued, id.String())
			}
		}
		moved = len(requeued)
		if moved == 0 {
			return nil
		}
		return s.record(ctx, tx, actor, auditdomain.ActionRequeue, "", map[string]any{
			"item_ids": requeued,
			"count":    moved,
		})
	})
	if err != nil {
		return 0, err
	}
	s.log.Info("failed debits requeued", zap.Int("count", moved), zap.String("actor", actor))
	return moved, nil
}

func (s *Service) record(ctx context.Context, tx *gorm.DB, actor, action, targetID string, metadata map[string]any) error {
	if s.audit == nil {
		return nil
	}
	actorType := auditdomain.ActorTypeOperator
	if strings.TrimSpace(actor) == "" {
		actorType = auditdomain.ActorTypeSystem
	}
	return s.audit.Record(ctx, tx, auditdomain.Entry{
		ActorType:  actorType,
		ActorID:    actor,
		Action:     action,
		TargetType: auditdomain.TargetDirectDebit,
		TargetID:   targetID,
		Metadata:   metadata,
	})
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ledgerdomain.ErrUnknownProvider):
		return "Unknown telco provider"
	case errors.Is(err, alertdomain.ErrAlertNotFound):
		return "Alert not found"
	}
	return accountdomain.FailureReason(err)
}

func isBusinessFailure(err error) bool {
	return accountdomain.IsBusinessFailure(err) || errors.Is(err, ledgerdomain.ErrUnknownProvider)
}

func newResult() dddomain.ProcessingResult {
	return dddomain.ProcessingResult{
		CollectedAmount: decimal.Zero,
		FailedAmount:    decimal.Zero,
		Details:         []dddomain.ItemDetail{},
	}
}

func rejected(result dddomain.ProcessingResult, message string) dddomain.ProcessingResult {
	result.Success = false
	result.Message = message
	result.Errors = []string{message}
	return result
}
