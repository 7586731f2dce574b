package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	accountdomain "github.com/smallbiznis/alertbilling/internal/account/domain"
	auditdomain "github.com/smallbiznis/alertbilling/internal/audit/domain"
	"github.com/smallbiznis/alertbilling/internal/clock"
	"github.com/smallbiznis/alertbilling/internal/config"
	dddomain "github.com/smallbiznis/alertbilling/internal/directdebit/domain"
	ledgerdomain "github.com/smallbiznis/alertbilling/internal/ledger/domain"
	"github.com/smallbiznis/alertbilling/internal/queue"
	"github.com/smallbiznis/alertbilling/internal/reconciliation/domain"
	sysconfigdomain "github.com/smallbiznis/alertbilling/internal/sysconfig/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const systemActor = "reconciliation"

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Debits   dddomain.Repository
	Accounts accountdomain.Repository
	Ledger   ledgerdomain.Service
	Billing  *config.BillingHolder
	Settings sysconfigdomain.Service `optional:"true"`
	Audit    auditdomain.Service     `optional:"true"`
	Clock    clock.Clock             `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	debits   dddomain.Repository
	accounts accountdomain.Repository
	ledger   ledgerdomain.Service
	billing  *config.BillingHolder
	settings sysconfigdomain.Service
	audit    auditdomain.Service
	clock    clock.Clock
}

func NewService(p Params) domain.Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("reconciliation.service"),
		genID:    p.GenID,
		debits:   p.Debits,
		accounts: p.Accounts,
		ledger:   p.Ledger,
		billing:  p.Billing,
		settings: p.Settings,
		audit:    p.Audit,
		clock:    c,
	}
}

// group is the failed items of one customer and source account.
type group struct {
	customerID      snowflake.ID
	sourceAccountID snowflake.ID
	items           []dddomain.DirectDebitItem
}

func (g group) totals() (charge, vat, total decimal.Decimal) {
	charge, vat, total = decimal.Zero, decimal.Zero, decimal.Zero
	for _, item := range g.items {
		charge = charge.Add(item.ChargeAmount)
		vat = vat.Add(item.VATAmount)
		total = total.Add(item.TotalCharge)
	}
	return charge, vat, total
}

// groupItems relies on the customer, account ordering of LockFailed.
func groupItems(items []dddomain.DirectDebitItem) []group {
	var groups []group
	for _, item := range items {
		n := len(groups)
		if n > 0 && groups[n-1].customerID == item.CustomerID && groups[n-1].sourceAccountID == item.SourceAccountID {
			groups[n-1].items = append(groups[n-1].items, item)
			continue
		}
		groups = append(groups, group{
			customerID:      item.CustomerID,
			sourceAccountID: item.SourceAccountID,
			items:           []dddomain.DirectDebitItem{item},
		})
	}
	return groups
}

type consolidateSpec struct {
	reference    string
	scheduledFor time.Time
	reverse      bool
	action       string
}

func (s *Service) ReconcileFailed(ctx context.Context, date time.Time) (domain.ReconciliationResult, error) {
	day := domain.StartOfDay(date)
	result := domain.ReconciliationResult{
		ProcessedDate:      day,
		ConsolidatedAmount: decimal.Zero,
		Consolidations:     []domain.Consolidation{},
	}
	policy := queue.LoadRetryPolicy(ctx, s.settings)
	b := s.billing.Get()
	now := s.clock.Now().UTC()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		items, err := s.debits.LockFailed(ctx, tx, dddomain.FailedFilter{
			From:          day,
			To:            day.AddDate(0, 0, 1),
			MinRetryCount: policy.MaxAttempts,
		})
		if err != nil {
			return err
		}
		for _, g := range groupItems(items) {
			acct, err := s.accountNumber(ctx, tx, g.sourceAccountID)
			if err != nil {
				return err
			}
			consolidation, reversals, err := s.consolidate(ctx, tx, b, g, acct, consolidateSpec{
				reference:    fmt.Sprintf("CONSOL_%s_%s", day.Format("20060102"), acct),
				scheduledFor: domain.FirstOfNextMonth(day),
				reverse:      true,
				action:       auditdomain.ActionConsolidate,
			}, now)
			if err != nil {
				return err
			}
			result.Consolidations = append(result.Consolidations, consolidation)
			result.TransactionsProcessed += consolidation.ItemCount
			result.ConsolidatedAmount = result.ConsolidatedAmount.Add(consolidation.Amount)
			result.ReversalEntries += reversals
		}
		return nil
	})
	if err != nil {
		result.Message = "Reconciliation failed"
		result.Errors = []string{err.Error()}
		s.log.Error("reconciliation failed", zap.Time("date", day), zap.Error(err))
		return result, err
	}

	result.Success = true
	result.ConsolidatedAccounts = len(result.Consolidations)
	result.Message = fmt.Sprintf("Consolidated %d failed debits into %d items", result.TransactionsProcessed, result.ConsolidatedAccounts)
	s.log.Info("reconciliation finished",
		zap.Time("date", day),
		zap.Int("transactions_processed", result.TransactionsProcessed),
		zap.Int("consolidated_accounts", result.ConsolidatedAccounts),
		zap.String("consolidated_amount", result.ConsolidatedAmount.StringFixed(2)),
		zap.Int("reversal_entries", result.ReversalEntries),
	)
	return result, nil
}

func (s *Service) MonthEnd(ctx context.Context, date time.Time) (domain.MonthEndResult, error) {
	day := domain.StartOfDay(date)
	monthStart := time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, time.UTC)
	period := day.Format("200601")
	result := domain.MonthEndResult{
		ProcessingDate:          day,
		Period:                  period,
		TotalConsolidatedAmount: decimal.Zero,
		Consolidations:          []domain.Consolidation{},
	}
	b := s.billing.Get()
	now := s.clock.Now().UTC()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		items, err := s.debits.LockFailed(ctx, tx, dddomain.FailedFilter{
			From: monthStart,
			To:   day.AddDate(0, 0, 1),
		})
		if err != nil {
			return err
		}
		for _, g := range groupItems(items) {
			acct, err := s.accountNumber(ctx, tx, g.sourceAccountID)
			if err != nil {
				return err
			}
			email, err := s.customerEmail(ctx, tx, g.customerID)
			if err != nil {
				return err
			}
			consolidation, _, err := s.consolidate(ctx, tx, b, g, acct, consolidateSpec{
				reference:    fmt.Sprintf("MONTH_END_%s_%s", period, email),
				scheduledFor: domain.FirstOfNextMonth(day),
				action:       auditdomain.ActionMonthEnd,
			}, now)
			if err != nil {
				return err
			}
			result.Consolidations = append(result.Consolidations, consolidation)
			result.TransactionsConsolidated += consolidation.ItemCount
			result.TotalConsolidatedAmount = result.TotalConsolidatedAmount.Add(consolidation.Amount)
		}
		return nil
	})
	if err != nil {
		result.Message = "Month-end processing failed"
		result.Errors = []string{err.Error()}
		s.log.Error("month-end processing failed", zap.String("period", period), zap.Error(err))
		return result, err
	}

	result.Success = true
	result.AccountsProcessed = len(result.Consolidations)
	result.Message = fmt.Sprintf("Consolidated %d failed debits across %d accounts", result.TransactionsConsolidated, result.AccountsProcessed)
	s.log.Info("month-end processing finished",
		zap.String("period", period),
		zap.Int("accounts_processed", result.AccountsProcessed),
		zap.Int("transactions_consolidated", result.TransactionsConsolidated),
		zap.String("total_consolidated_amount", result.TotalConsolidatedAmount.StringFixed(2)),
	)
	return result, nil
}

func (s *Service) consolidate(ctx context.Context, tx *gorm.DB, b config.BillingConstants, g group, accountNumber string, spec consolidateSpec, now time.Time) (domain.Consolidation, int, error) {
	reference, err := s.uniqueReference(ctx, tx, spec.reference)
	if err != nil {
		return domain.Consolidation{}, 0, err
	}
	charge, vat, total := g.totals()
	scheduledFor := spec.scheduledFor
	id := s.genID.Generate()
	item := dddomain.DirectDebitItem{
		ID:                   id,
		CustomerID:           g.customerID,
		SourceAccountID:      g.sourceAccountID,
		ChargeAmount:         charge,
		VATAmount:            vat,
		TotalCharge:          total,
		TransactionReference: reference,
		Status:               queue.StatusPending,
		ScheduledFor:         &scheduledFor,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	inserted, err := s.debits.Insert(ctx, tx, &item)
	if err != nil {
		return domain.Consolidation{}, 0, err
	}
	if !inserted {
		return domain.Consolidation{}, 0, fmt.Errorf("%w: %s", domain.ErrConsolidationConflict, reference)
	}

	ids := make([]snowflake.ID, 0, len(g.items))
	originals := make([]string, 0, len(g.items))
	for _, orig := range g.items {
		ids = append(ids, orig.ID)
		originals = append(originals, orig.ID.String())
	}
	moved, err := s.debits.MarkConsolidated(ctx, tx, ids, id, now)
	if err != nil {
		return domain.Consolidation{}, 0, err
	}
	if int(moved) != len(ids) {
		return domain.Consolidation{}, 0, fmt.Errorf("%w: %d of %d items moved into %s", domain.ErrConsolidationConflict, moved, len(ids), reference)
	}

	var reversals []ledgerdomain.AccountingEntry
	if spec.reverse {
		for _, orig := range g.items {
			if orig.AlertID == nil {
				continue
			}
			posting := ledgerdomain.Posting{CustomerID: orig.CustomerID, AccountNumber: accountNumber, At: now}
			reversals = append(reversals, ledgerdomain.ReversalEntries(b, posting, orig.TransactionReference, orig.ChargeAmount, orig.VATAmount)...)
		}
		if len(reversals) > 0 {
			if err := s.ledger.AppendEntries(ctx, tx, reversals); err != nil {
				return domain.Consolidation{}, 0, err
			}
		}
	}

	if err := s.record(ctx, tx, spec.action, id, map[string]any{
		"reference":      reference,
		"account_number": accountNumber,
		"item_count":     len(ids),
		"total_charge":   total.StringFixed(2),
		"original_ids":   originals,
		"scheduled_for":  scheduledFor.Format(time.RFC3339),
	}); err != nil {
		return domain.Consolidation{}, 0, err
	}
	if len(reversals) > 0 {
		if err := s.record(ctx, tx, auditdomain.ActionReversal, id, map[string]any{
			"reference":   reference,
			"entry_count": len(reversals),
		}); err != nil {
			return domain.Consolidation{}, 0, err
		}
	}

	return domain.Consolidation{
		ItemID:        id,
		CustomerID:    g.customerID,
		AccountNumber: accountNumber,
		Reference:     reference,
		Amount:        total,
		ItemCount:     len(ids),
		ScheduledFor:  scheduledFor,
	}, len(reversals), nil
}

// uniqueReference appends _2, _3, ... when base is taken.
func (s *Service) uniqueReference(ctx context.Context, tx *gorm.DB, base string) (string, error) {
	reference := base
	for n := 2; ; n++ {
		existing, err := s.debits.GetByReference(ctx, tx, reference)
		if err != nil {
			return "", err
		}
		if existing == nil {
			return reference, nil
		}
		reference = fmt.Sprintf("%s_%d", base, n)
	}
}

func (s *Service) accountNumber(ctx context.Context, tx *gorm.DB, id snowflake.ID) (string, error) {
	acct, err := s.accounts.GetAccount(ctx, tx, id)
	if err != nil {
		return "", err
	}
	if acct == nil {
		return id.String(), nil
	}
	return acct.AccountNumber, nil
}

func (s *Service) customerEmail(ctx context.Context, tx *gorm.DB, id snowflake.ID) (string, error) {
	customer, err := s.accounts.GetCustomer(ctx, tx, id)
	if err != nil {
		return "", err
	}
	if customer == nil || strings.TrimSpace(customer.Email) == "" {
		return id.String(), nil
	}
	return strings.ToLower(strings.TrimSpace(customer.Email)), nil
}

func (s *Service) record(ctx context.Context, tx *gorm.DB, action string, target snowflake.ID, metadata map[string]any) error {
	if s.audit == nil {
		return nil
	}
	return s.audit.Record(ctx, tx, auditdomain.Entry{
		ActorType:  auditdomain.ActorTypeSystem,
		ActorID:    systemActor,
		Action:     action,
		TargetType: auditdomain.TargetDirectDebit,
		TargetID:   target.String(),
		Metadata:   metadata,
	})
}

func (s *Service) DailyReport(ctx context.Context, date time.Time) (domain.DailyReconciliation, error) {
	day := domain.StartOfDay(date)
	next := day.AddDate(0, 0, 1)
	report := domain.DailyReconciliation{
		Date:                 day,
		TotalSMSCharges:      decimal.Zero,
		TotalQBECharges:      decimal.Zero,
		TotalVATCollected:    decimal.Zero,
		TotalTelcoCharges:    decimal.Zero,
		TelcoProviderCharges: map[string]decimal.Decimal{},
	}

	totals, err := s.ledger.TotalsByType(ctx, day, next)
	if err != nil {
		return report, fmt.Errorf("totals by type: %w", err)
	}
	report.Totals = totals
	for _, t := range totals {
		switch t.EntryType {
		case ledgerdomain.EntryTypeSMSAlertCharge:
			report.TotalSMSCharges = t.DebitAmount
		case ledgerdomain.EntryTypeQBECharge:
			report.TotalQBECharges = t.DebitAmount
		case ledgerdomain.EntryTypeVATDebit:
			report.TotalVATCollected = t.DebitAmount
		}
	}

	b := s.billing.Get()
	providers := b.TelcoNames()
	suspense := make([]string, 0, len(providers))
	byAccount := make(map[string]string, len(providers))
	for _, name := range providers {
		telco, _ := b.Telco(name)
		suspense = append(suspense, telco.Suspense)
		byAccount[telco.Suspense] = name
	}
	sort.Strings(suspense)

	credits, err := s.ledger.CreditsByAccount(ctx, ledgerdomain.EntryTypeTelcoSessionCharge, suspense, day, next)
	if err != nil {
		return report, fmt.Errorf("telco credits: %w", err)
	}
	for account, amount := range credits {
		name, ok := byAccount[account]
		if !ok {
			continue
		}
		report.TelcoProviderCharges[name] = report.TelcoProviderCharges[name].Add(amount)
		report.TotalTelcoCharges = report.TotalTelcoCharges.Add(amount)
	}

	s.log.Info("daily report built",
		zap.Time("date", day),
		zap.String("sms_charges", report.TotalSMSCharges.StringFixed(2)),
		zap.String("qbe_charges", report.TotalQBECharges.StringFixed(2)),
		zap.String("vat_collected", report.TotalVATCollected.StringFixed(2)),
		zap.String("telco_charges", report.TotalTelcoCharges.StringFixed(2)),
	)
	return report, nil
}
