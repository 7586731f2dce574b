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
	chargedomain "github.com/smallbiznis/alertbilling/internal/charge/domain"
	"github.com/smallbiznis/alertbilling/internal/clock"
	"github.com/smallbiznis/alertbilling/internal/config"
	ledgerdomain "github.com/smallbiznis/alertbilling/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/alertbilling/internal/observability/metrics"
	"github.com/smallbiznis/alertbilling/internal/queue"
	"github.com/smallbiznis/alertbilling/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultClaimBatchSize = 100

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       chargedomain.Repository
	Accounts   accountdomain.Repository
	Ledger     ledgerdomain.Service
	Billing    *config.BillingHolder
	Config     config.Config       `optional:"true"`
	Clock      clock.Clock         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       chargedomain.Repository
	accounts   accountdomain.Repository
	ledger     ledgerdomain.Service
	billing    *config.BillingHolder
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics

	lease     time.Duration
	batchSize int
}

func NewService(p Params) chargedomain.Service {
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
		log:        p.Log.Named("charge.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		accounts:   p.Accounts,
		ledger:     p.Ledger,
		billing:    p.Billing,
		clock:      c,
		obsMetrics: p.ObsMetrics,
		lease:      lease,
		batchSize:  defaultClaimBatchSize,
	}
}

func (s *Service) Submit(ctx context.Context, charges []chargedomain.ChargeRequest, processImmediately bool) (chargedomain.BatchResult, error) {
	result := newResult()
	if len(charges) == 0 {
		return rejected(result, chargedomain.ErrEmptyBatch.Error()), nil
	}

	b := s.billing.Get()
	now := s.clock.Now().UTC()
	status := queue.StatusPending
	if processImmediately {
		status = queue.StatusProcessing
	}

	items := make([]chargedomain.ChargeQueueItem, 0, len(charges))
	var invalid []string
	for _, charge := range charges {
		account := strings.TrimSpace(charge.AccountNumber)
		if account == "" {
			invalid = append(invalid, chargedomain.ErrMissingAccount.Error())
			continue
		}
		if err := chargedomain.ValidateAmount(b, charge.Amount); err != nil {
			invalid = append(invalid, err.Error())
			continue
		}
		items = append(items, chargedomain.ChargeQueueItem{
			ID:            s.genID.Generate(),
			AccountNumber: account,
			Amount:        charge.Amount.Round(2),
			Reason:        chargedomain.ReasonFor(b, charge.Amount),
			Status:        status,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	if len(invalid) > 0 {
		result = rejected(result, invalid[0])
		result.Errors = invalid
		return result, nil
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, items); err != nil {
			return err
		}
		if !processImmediately {
			for _, item := range items {
				result.TotalAmount = result.TotalAmount.Add(item.Amount)
			}
			return nil
		}

		ids := make([]snowflake.ID, 0, len(items))
		for _, item := range items {
			detail, outcome, err := s.processItem(ctx, tx, b, item.ID, now)
			if err != nil {
				return fmt.Errorf("process charge %s: %w", item.ID, err)
			}
			result.Record(detail, outcome)
			s.recordOutcome(ctx, detail, outcome)
			ids = append(ids, item.ID)
		}

		archived, err := s.archive(ctx, tx, b, ids, now)
		if err != nil {
			return err
		}
		result.ArchivedCount = archived
		return nil
	})
	if err != nil {
		s.log.Error("charge submission rolled back", zap.Int("items", len(items)), zap.Error(err))
		result = newResult()
		result.Message = "Charge submission failed"
		result.Errors = []string{err.Error()}
		return result, err
	}

	result.Success = true
	if processImmediately {
		result.Message = fmt.Sprintf("Processed %d charges, %d failed", result.ProcessedCount, result.FailedCount)
	} else {
		result.Message = fmt.Sprintf("Queued %d charges", len(items))
	}
	s.log.Info("charges submitted",
		zap.Int("items", len(items)),
		zap.Bool("immediate", processImmediately),
		zap.Int("processed_count", result.ProcessedCount),
		zap.Int("failed_count", result.FailedCount),
	)
	return result, nil
}

func (s *Service) ProcessSingle(ctx context.Context, charge chargedomain.ChargeRequest) (chargedomain.BatchResult, error) {
	return s.Submit(ctx, []chargedomain.ChargeRequest{charge}, true)
}

// ProcessPending drains Pending and stale Processing items. Each item
// commits on its own; an infrastructure error stops the pass.
func (s *Service) ProcessPending(ctx context.Context) (chargedomain.BatchResult, error) {
	result := newResult()
	b := s.billing.Get()
	start := s.clock.Now().UTC()

	var (
		lastID  snowflake.ID
		passErr error
	)
claim:
	for {
		if err := ctx.Err(); err != nil {
			passErr = err
			break
		}
		ids, err := queue.Claim(ctx, s.db, queue.ClaimSpec{
			Source:   queue.SourceCharge,
			Statuses: []queue.Status{queue.StatusPending},
			Lease:    s.lease,
			AfterID:  lastID,
			Limit:    s.batchSize,
			Now:      s.clock.Now(),
		})
		if err != nil {
			passErr = fmt.Errorf("claim charges: %w", err)
			break
		}
		if len(ids) == 0 {
			break
		}

		for _, id := range ids {
			lastID = id
			if err := ctx.Err(); err != nil {
				passErr = err
				break claim
			}
			var (
				detail  chargedomain.ItemDetail
				outcome queue.Outcome
			)
			now := s.clock.Now().UTC()
			err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				var err error
				detail, outcome, err = s.processItem(ctx, tx, b, id, now)
				return err
			})
			if errors.Is(err, queue.ErrItemLost) {
				outcome = queue.OutcomeSkipped
				err = nil
			}
			if err != nil {
				obsmetrics.Scheduler().IncQueueError(string(queue.SourceCharge), err)
				passErr = fmt.Errorf("process charge %s: %w", id, err)
				break claim
			}
			result.Record(detail, outcome)
			s.recordOutcome(ctx, detail, outcome)
		}
	}

	archived, err := s.archive(ctx, s.db, b, nil, s.clock.Now().UTC())
	if err != nil {
		passErr = errors.Join(passErr, fmt.Errorf("archive charges: %w", err))
	}
	result.ArchivedCount = archived

	if passErr != nil {
		result.Message = "Charge processing stopped on error"
		result.Errors = append(result.Errors, passErr.Error())
		s.log.Error("charge pass aborted",
			zap.Int("processed_count", result.ProcessedCount),
			zap.Int("failed_count", result.FailedCount),
			zap.Error(passErr),
		)
		return result, passErr
	}

	result.Success = true
	result.Message = fmt.Sprintf("Processed %d charges, %d failed", result.ProcessedCount, result.FailedCount)
	s.log.Info("charge pass finished",
		zap.Int("processed_count", result.ProcessedCount),
		zap.Int("failed_count", result.FailedCount),
		zap.Int("skipped_count", result.SkippedCount),
		zap.Int("archived_count", result.ArchivedCount),
		zap.Duration("duration", s.clock.Now().Sub(start)),
	)
	return result, nil
}

// processItem collects one claimed item on tx. Business failures are
// recorded on the item and reported through the outcome; the returned error
// is reserved for infrastructure failures and ErrItemLost.
func (s *Service) processItem(ctx context.Context, tx *gorm.DB, b config.BillingConstants, id snowflake.ID, now time.Time) (chargedomain.ItemDetail, queue.Outcome, error) {
	item, err := s.repo.LockProcessing(ctx, tx, id)
	if err != nil {
		return chargedomain.ItemDetail{}, queue.OutcomeInfraFailure, err
	}
	if item == nil {
		return chargedomain.ItemDetail{ChargeID: id}, queue.OutcomeSkipped, nil
	}
	detail := chargedomain.ItemDetail{
		ChargeID:      item.ID,
		AccountNumber: item.AccountNumber,
		Amount:        item.Amount,
		Reason:        item.Reason,
	}

	acct, err := s.accounts.LockByNumber(ctx, tx, item.AccountNumber)
	if err != nil {
		return detail, queue.OutcomeInfraFailure, err
	}
	if acct == nil {
		return s.fail(ctx, tx, detail, accountdomain.ErrAccountNotFound, now)
	}
	if _, err := s.accounts.Debit(ctx, tx, acct.ID, item.Amount, now); err != nil {
		if accountdomain.IsBusinessFailure(err) {
			return s.fail(ctx, tx, detail, err, now)
		}
		return detail, queue.OutcomeInfraFailure, err
	}

	entryType := chargedomain.EntryTypeFor(item.Reason)
	entry := ledgerdomain.BatchChargeEntry(b, ledgerdomain.Posting{
		CustomerID:    acct.CustomerID,
		AccountNumber: acct.AccountNumber,
		At:            now,
	}, item.ID, item.Amount, entryType)
	if err := s.ledger.AppendEntries(ctx, tx, []ledgerdomain.AccountingEntry{entry}); err != nil {
		return detail, queue.OutcomeInfraFailure, err
	}
	if err := s.repo.Complete(ctx, tx, item.ID, entry.CreditAccountNumber, now); err != nil {
		return detail, queue.OutcomeInfraFailure, err
	}

	detail.Status = queue.StatusCompleted
	return detail, queue.OutcomeSuccess, nil
}

func (s *Service) fail(ctx context.Context, tx *gorm.DB, detail chargedomain.ItemDetail, cause error, now time.Time) (chargedomain.ItemDetail, queue.Outcome, error) {
	reason := accountdomain.FailureReason(cause)
	if err := queue.Fail(ctx, tx, queue.SourceCharge, detail.ChargeID, reason, now); err != nil {
		return detail, queue.OutcomeInfraFailure, err
	}
	detail.Status = queue.StatusFailed
	detail.FailureReason = reason
	s.log.Debug("charge failed",
		zap.String("charge_id", detail.ChargeID.String()),
		zap.String("account", accountdomain.MaskAccountNumber(detail.AccountNumber)),
		zap.String("reason", reason),
	)
	return detail, queue.OutcomeBusinessFailure, nil
}

// archive copies Completed items into charge_archive and removes them from
// the active queue. A nil ids sweeps every Completed item.
func (s *Service) archive(ctx context.Context, db *gorm.DB, b config.BillingConstants, ids []snowflake.ID, now time.Time) (int, error) {
	var archived int64
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		items, err := s.repo.LockCompleted(ctx, tx, ids)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}

		records := make([]chargedomain.ArchiveRecord, 0, len(items))
		itemIDs := make([]snowflake.ID, 0, len(items))
		for _, item := range items {
			credit := ledgerdomain.IncomeAccount(b, chargedomain.EntryTypeFor(item.Reason))
			if item.CreditAccountNumber != nil && *item.CreditAccountNumber != "" {
				credit = *item.CreditAccountNumber
			}
			records = append(records, chargedomain.ArchiveRecord{
				ID:                  s.genID.Generate(),
				ChargeID:            item.ID,
				AccountNumber:       item.AccountNumber,
				Amount:              item.Amount,
				Reason:              item.Reason,
				Status:              queue.StatusCompleted,
				ProcessedAt:         item.ProcessedAt,
				DebitAccountNumber:  item.AccountNumber,
				CreditAccountNumber: credit,
				ProcessedBy:         ledgerdomain.ProcessedBySystem,
				OriginalCreatedAt:   item.CreatedAt,
				ArchivedAt:          now,
			})
			itemIDs = append(itemIDs, item.ID)
		}
		if err := s.repo.InsertArchive(ctx, tx, records); err != nil {
			return err
		}
		archived, err = s.repo.DeleteCompleted(ctx, tx, itemIDs)
		return err
	})
	if err != nil {
		return 0, err
	}
	return int(archived), nil
}

func (s *Service) recordOutcome(ctx context.Context, detail chargedomain.ItemDetail, outcome queue.Outcome) {
	if outcome == queue.OutcomeSkipped {
		return
	}
	s.obsMetrics.RecordQueueOutcome(ctx, obsmetrics.QueueCharge, string(detail.Status), detail.FailureReason)
	if outcome == queue.OutcomeSuccess {
		amount, _ := detail.Amount.Float64()
		s.obsMetrics.RecordDebit(ctx, obsmetrics.QueueCharge, amount)
	}
}

func (s *Service) GetFailed(ctx context.Context, filter chargedomain.ListFilter) (chargedomain.ListFailedResponse, error) {
	query, err := toQuery(filter)
	if err != nil {
		return chargedomain.ListFailedResponse{}, err
	}
	items, err := s.repo.ListFailed(ctx, s.db, query)
	if err != nil {
		return chargedomain.ListFailedResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, int32(query.Limit), func(item *chargedomain.ChargeQueueItem) string {
		return pagination.TokenFor(item.ID, item.CreatedAt)
	})
	if len(items) > query.Limit {
		items = items[:query.Limit]
	}
	out := make([]chargedomain.ChargeQueueItem, 0, len(items))
	for _, item := range items {
		out = append(out, *item)
	}
	return chargedomain.ListFailedResponse{PageInfo: *pageInfo, Items: out}, nil
}

func (s *Service) GetArchived(ctx context.Context, filter chargedomain.ListFilter) (chargedomain.ListArchivedResponse, error) {
	query, err := toQuery(filter)
	if err != nil {
		return chargedomain.ListArchivedResponse{}, err
	}
	records, err := s.repo.ListArchived(ctx, s.db, query)
	if err != nil {
		return chargedomain.ListArchivedResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(records, int32(query.Limit), func(rec *chargedomain.ArchiveRecord) string {
		return pagination.TokenFor(rec.ID, rec.ArchivedAt)
	})
	if len(records) > query.Limit {
		records = records[:query.Limit]
	}
	out := make([]chargedomain.ArchiveRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, *rec)
	}
	return chargedomain.ListArchivedResponse{PageInfo: *pageInfo, Records: out}, nil
}

func toQuery(filter chargedomain.ListFilter) (chargedomain.QueryFilter, error) {
	if filter.From != nil && filter.To != nil && filter.From.After(*filter.To) {
		return chargedomain.QueryFilter{}, chargedomain.ErrInvalidTimeRange
	}
	cursor, err := pagination.ParseToken(strings.TrimSpace(filter.PageToken))
	if err != nil {
		return chargedomain.QueryFilter{}, chargedomain.ErrInvalidPageToken
	}
	return chargedomain.QueryFilter{
		AccountNumber: filter.AccountNumber,
		From:          filter.From,
		To:            filter.To,
		Cursor:        cursor,
		Limit:         filter.Limit(),
	}, nil
}

func newResult() chargedomain.BatchResult {
	return chargedomain.BatchResult{
		TotalAmount:     decimal.Zero,
		ProcessedAmount: decimal.Zero,
		FailedAmount:    decimal.Zero,
		Details:         []chargedomain.ItemDetail{},
	}
}

func rejected(result chargedomain.BatchResult, message string) chargedomain.BatchResult {
	result.Success = false
	result.Message = message
	result.Errors = []string{message}
	return result
}
