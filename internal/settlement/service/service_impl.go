package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	alertdomain "github.com/smallbiznis/alertbilling/internal/alert/domain"
	auditdomain "github.com/smallbiznis/alertbilling/internal/audit/domain"
	"github.com/smallbiznis/alertbilling/internal/clock"
	"github.com/smallbiznis/alertbilling/internal/config"
	ledgerdomain "github.com/smallbiznis/alertbilling/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/alertbilling/internal/observability/metrics"
	"github.com/smallbiznis/alertbilling/internal/settlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Alerts     alertdomain.Repository
	Ledger     ledgerdomain.Service
	Billing    *config.BillingHolder
	Audit      auditdomain.Service `optional:"true"`
	Clock      clock.Clock         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	alerts     alertdomain.Repository
	ledger     ledgerdomain.Service
	billing    *config.BillingHolder
	audit      auditdomain.Service
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	c := p.Clock
	if c == nil {
		c = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("settlement.service"),
		alerts:     p.Alerts,
		ledger:     p.Ledger,
		billing:    p.Billing,
		audit:      p.Audit,
		clock:      c,
		obsMetrics: p.ObsMetrics,
	}
}

type providerGroup struct {
	ids    []snowflake.ID
	amount decimal.Decimal
}

func (s *Service) SettleTelco(ctx context.Context) (domain.SettlementResult, error) {
	now := s.clock.Now().UTC()
	result := domain.SettlementResult{
		SettlementDate: now,
		TotalAmount:    decimal.Zero,
		Providers:      []domain.ProviderSettlement{},
	}
	b := s.billing.Get()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lockStart := time.Now()
		enquiries, err := s.alerts.LockUnsettledEnquiries(ctx, tx)
		obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceEnquiriesForWork, time.Since(lockStart))
		if err != nil {
			return err
		}

		groups := map[string]*providerGroup{}
		for _, enquiry := range enquiries {
			provider := config.NormalizeTelco(enquiry.TelcoProvider)
			g, ok := groups[provider]
			if !ok {
				g = &providerGroup{amount: decimal.Zero}
				groups[provider] = g
			}
			g.ids = append(g.ids, enquiry.ID)
			g.amount = g.amount.Add(enquiry.SessionCharge)
		}
		providers := make([]string, 0, len(groups))
		for provider := range groups {
			providers = append(providers, provider)
		}
		sort.Strings(providers)

		for _, provider := range providers {
			settled, err := s.settleProvider(ctx, tx, b, provider, groups[provider], now)
			if err != nil {
				return err
			}
			result.Providers = append(result.Providers, settled)
			result.EnquiriesSettled += settled.EnquiryCount
			result.TotalAmount = result.TotalAmount.Add(settled.Amount)
		}
		return nil
	})
	if err != nil {
		result.Message = "Telco settlement failed"
		result.Errors = []string{err.Error()}
		s.log.Error("telco settlement failed", zap.Error(err))
		return result, err
	}

	for _, p := range result.Providers {
		amount, _ := p.Amount.Float64()
		s.obsMetrics.RecordTelcoSettlement(ctx, p.Provider, amount)
	}
	result.Success = true
	result.Message = fmt.Sprintf("Settled %d enquiries across %d providers", result.EnquiriesSettled, len(result.Providers))
	s.log.Info("telco settlement finished",
		zap.Int("enquiries_settled", result.EnquiriesSettled),
		zap.Int("providers", len(result.Providers)),
		zap.String("total_amount", result.TotalAmount.StringFixed(2)),
	)
	return result, nil
}

func (s *Service) settleProvider(ctx context.Context, tx *gorm.DB, b config.BillingConstants, provider string, g *providerGroup, now time.Time) (domain.ProviderSettlement, error) {
	if _, ok := b.Telco(provider); !ok {
		return domain.ProviderSettlement{}, fmt.Errorf("%w: %s", ledgerdomain.ErrUnknownProvider, provider)
	}
	reference, err := s.uniqueReference(ctx, tx, fmt.Sprintf("TELCO_SETTLEMENT_%s_%s", now.Format("20060102"), provider))
	if err != nil {
		return domain.ProviderSettlement{}, err
	}

	if g.amount.IsPositive() {
		entry, err := ledgerdomain.SettlementEntry(b, reference, provider, g.amount, now)
		if err != nil {
			return domain.ProviderSettlement{}, err
		}
		if err := s.ledger.AppendEntries(ctx, tx, []ledgerdomain.AccountingEntry{entry}); err != nil {
			return domain.ProviderSettlement{}, err
		}
	}

	marked, err := s.alerts.MarkEnquiriesSettled(ctx, tx, g.ids, now)
	if err != nil {
		return domain.ProviderSettlement{}, err
	}
	if int(marked) != len(g.ids) {
		return domain.ProviderSettlement{}, fmt.Errorf("settle %s: %d of %d enquiries marked", provider, marked, len(g.ids))
	}

	if s.audit != nil {
		if err := s.audit.Record(ctx, tx, auditdomain.Entry{
			ActorType:  auditdomain.ActorTypeSystem,
			ActorID:    "settlement",
			Action:     auditdomain.ActionTelcoSettlement,
			TargetType: auditdomain.TargetTelco,
			TargetID:   provider,
			Metadata: map[string]any{
				"reference":     reference,
				"amount":        g.amount.StringFixed(2),
				"enquiry_count": len(g.ids),
			},
		}); err != nil {
			return domain.ProviderSettlement{}, err
		}
	}

	return domain.ProviderSettlement{
		Provider:     provider,
		Reference:    reference,
		Amount:       g.amount,
		EnquiryCount: len(g.ids),
	}, nil
}

func (s *Service) uniqueReference(ctx context.Context, tx *gorm.DB, base string) (string, error) {
	reference := base
	for n := 2; ; n++ {
		exists, err := s.ledger.ReferenceExists(ctx, tx, reference)
		if err != nil {
			return "", err
		}
		if !exists {
			return reference, nil
		}
		reference = fmt.Sprintf("%s_%d", base, n)
	}
}
