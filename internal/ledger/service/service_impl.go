package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	ledgerdomain "github.com/smallbiznis/alertbilling/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/alertbilling/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) AppendEntries(ctx context.Context, db *gorm.DB, entries []ledgerdomain.AccountingEntry) error {
	if len(entries) == 0 {
		return ledgerdomain.ErrEmptyEntries
	}
	seen := make(map[string]struct{}, len(entries))
	for i := range entries {
		entries[i].TransactionReference = strings.TrimSpace(entries[i].TransactionReference)
		if err := entries[i].Validate(); err != nil {
			return fmt.Errorf("entry %q: %w", entries[i].TransactionReference, err)
		}
		if _, dup := seen[entries[i].TransactionReference]; dup {
			return fmt.Errorf("entry %q: %w", entries[i].TransactionReference, ledgerdomain.ErrDuplicateReference)
		}
		seen[entries[i].TransactionReference] = struct{}{}
	}

	if db == nil {
		db = s.db
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range entries {
			entry := &entries[i]
			if entry.ID == 0 {
				entry.ID = s.genID.Generate()
			}
			if entry.ProcessedAt.IsZero() {
				entry.ProcessedAt = time.Now().UTC()
			}
			if entry.CreatedAt.IsZero() {
				entry.CreatedAt = entry.ProcessedAt
			}
			result := tx.Exec(
				`INSERT INTO accounting_entries (
					id, customer_id, transaction_reference, transaction_reference_id,
					debit_amount, credit_amount, vat_amount,
					debit_account_number, credit_account_number, vat_account_number,
					narration, entry_type, processed_by, processed_at, created_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (transaction_reference) DO NOTHING`,
				entry.ID,
				entry.CustomerID,
				entry.TransactionReference,
				entry.TransactionReferenceID,
				entry.DebitAmount,
				entry.CreditAmount,
				entry.VATAmount,
				entry.DebitAccountNumber,
				entry.CreditAccountNumber,
				entry.VATAccountNumber,
				entry.Narration,
				string(entry.EntryType),
				entry.ProcessedBy,
				entry.ProcessedAt.UTC(),
				entry.CreatedAt.UTC(),
			)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return fmt.Errorf("entry %q: %w", entry.TransactionReference, ledgerdomain.ErrDuplicateReference)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, entry := range entries {
		s.obsMetrics.RecordLedgerEntry(ctx, string(entry.EntryType))
	}
	return nil
}

func (s *Service) GetByReference(ctx context.Context, reference string) (*ledgerdomain.AccountingEntry, error) {
	var entries []ledgerdomain.AccountingEntry
	err := s.db.WithContext(ctx).
		Where("transaction_reference = ?", strings.TrimSpace(reference)).
		Limit(1).
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func (s *Service) ReferenceExists(ctx context.Context, db *gorm.DB, reference string) (bool, error) {
	if db == nil {
		db = s.db
	}
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM accounting_entries WHERE transaction_reference = ?`,
		strings.TrimSpace(reference),
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

type typeTotalRow struct {
	EntryType    string
	EntryCount   int64
	DebitAmount  decimal.Decimal
	CreditAmount decimal.Decimal
	VATAmount    decimal.Decimal
}

// TotalsByType sums entries processed in [from, to).
func (s *Service) TotalsByType(ctx context.Context, from, to time.Time) ([]ledgerdomain.TypeTotal, error) {
	var rows []typeTotalRow
	err := s.db.WithContext(ctx).Raw(
		`SELECT entry_type,
		        COUNT(1) AS entry_count,
		        COALESCE(SUM(debit_amount), 0) AS debit_amount,
		        COALESCE(SUM(credit_amount), 0) AS credit_amount,
		        COALESCE(SUM(vat_amount), 0) AS vat_amount
		 FROM accounting_entries
		 WHERE processed_at >= ? AND processed_at < ?
		 GROUP BY entry_type
		 ORDER BY entry_type`,
		from.UTC(),
		to.UTC(),
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	totals := make([]ledgerdomain.TypeTotal, 0, len(rows))
	for _, row := range rows {
		totals = append(totals, ledgerdomain.TypeTotal{
			EntryType:    ledgerdomain.EntryType(row.EntryType),
			Count:        row.EntryCount,
			DebitAmount:  row.DebitAmount.Round(2),
			CreditAmount: row.CreditAmount.Round(2),
			VATAmount:    row.VATAmount.Round(2),
		})
	}
	return totals, nil
}

type accountTotalRow struct {
	CreditAccountNumber string
	Amount              decimal.Decimal
}

// CreditsByAccount sums credit legs of entryType landing on each account.
func (s *Service) CreditsByAccount(ctx context.Context, entryType ledgerdomain.EntryType, accounts []string, from, to time.Time) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(accounts))
	if len(accounts) == 0 {
		return out, nil
	}
	for _, acct := range accounts {
		out[acct] = decimal.Zero
	}

	var rows []accountTotalRow
	err := s.db.WithContext(ctx).Raw(
		`SELECT credit_account_number, COALESCE(SUM(credit_amount), 0) AS amount
		 FROM accounting_entries
		 WHERE entry_type = ?
		   AND credit_account_number IN ?
		   AND processed_at >= ? AND processed_at < ?
		 GROUP BY credit_account_number`,
		string(entryType),
		accounts,
		from.UTC(),
		to.UTC(),
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.CreditAccountNumber] = row.Amount.Round(2)
	}
	return out, nil
}
