package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/alertbilling/internal/account/domain"
	obsmetrics "github.com/smallbiznis/alertbilling/internal/observability/metrics"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const accountColumns = `id, customer_id, account_number, account_name, account_type, currency,
	balance, is_domiciliary, linked_account_id, is_active, created_at, updated_at`

func (r *repo) GetAccount(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Account, error) {
	return r.findOne(ctx, db, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
}

func (r *repo) GetByNumber(ctx context.Context, db *gorm.DB, accountNumber string) (*domain.Account, error) {
	return r.findOne(ctx, db, `SELECT `+accountColumns+` FROM accounts WHERE account_number = ?`, strings.TrimSpace(accountNumber))
}

func (r *repo) LockByNumber(ctx context.Context, db *gorm.DB, accountNumber string) (*domain.Account, error) {
	lockStart := time.Now()
	acct, err := r.findOne(ctx, db, `SELECT `+accountColumns+` FROM accounts WHERE account_number = ? FOR UPDATE`, strings.TrimSpace(accountNumber))
	obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceAccountByID, time.Since(lockStart))
	return acct, err
}

func (r *repo) lockByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Account, error) {
	lockStart := time.Now()
	acct, err := r.findOne(ctx, db, `SELECT `+accountColumns+` FROM accounts WHERE id = ? FOR UPDATE`, id)
	obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceAccountByID, time.Since(lockStart))
	return acct, err
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.Account, error) {
	var accounts []domain.Account
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&accounts).Error; err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, nil
	}
	return &accounts[0], nil
}

func (r *repo) GetCustomer(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Customer, error) {
	var customers []domain.Customer
	err := db.WithContext(ctx).Raw(
		`SELECT id, first_name, last_name, email, phone_number, created_at, updated_at
		 FROM customers WHERE id = ?`,
		id,
	).Scan(&customers).Error
	if err != nil {
		return nil, err
	}
	if len(customers) == 0 {
		return nil, nil
	}
	return &customers[0], nil
}

func (r *repo) Debit(ctx context.Context, db *gorm.DB, id snowflake.ID, amount decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, domain.ErrInvalidAmount
	}
	acct, err := r.lockByID(ctx, db, id)
	if err != nil {
		return decimal.Zero, err
	}
	if acct == nil {
		return decimal.Zero, domain.ErrAccountNotFound
	}
	if acct.Balance.LessThan(amount) {
		return acct.Balance, domain.ErrInsufficientFunds
	}

	next := acct.Balance.Sub(amount)
	if err := r.writeBalance(ctx, db, id, next, at); err != nil {
		return decimal.Zero, err
	}
	return next, nil
}

func (r *repo) Credit(ctx context.Context, db *gorm.DB, id snowflake.ID, amount decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, domain.ErrInvalidAmount
	}
	acct, err := r.lockByID(ctx, db, id)
	if err != nil {
		return decimal.Zero, err
	}
	if acct == nil {
		return decimal.Zero, domain.ErrAccountNotFound
	}

	next := acct.Balance.Add(amount)
	if err := r.writeBalance(ctx, db, id, next, at); err != nil {
		return decimal.Zero, err
	}
	return next, nil
}

func (r *repo) writeBalance(ctx context.Context, db *gorm.DB, id snowflake.ID, balance decimal.Decimal, at time.Time) error {
	result := db.WithContext(ctx).Exec(
		`UPDATE accounts SET balance = ?, updated_at = ? WHERE id = ?`,
		balance,
		at.UTC(),
		id,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected != 1 {
		return fmt.Errorf("update balance for account %s: %d rows affected", id, result.RowsAffected)
	}
	return nil
}

func (r *repo) ResolveFundingAccount(ctx context.Context, db *gorm.DB, acct *domain.Account) (*domain.Account, error) {
	if acct == nil {
		return nil, domain.ErrAccountNotFound
	}
	if !acct.IsDomiciliary && acct.AccountType != domain.AccountTypeDomiciliary {
		return acct, nil
	}
	if acct.LinkedAccountID == nil || *acct.LinkedAccountID == 0 {
		return nil, domain.ErrNoLinkedAccount
	}
	linked, err := r.GetAccount(ctx, db, *acct.LinkedAccountID)
	if err != nil {
		return nil, err
	}
	if linked == nil {
		return nil, domain.ErrLinkedAccountNotFound
	}
	return linked, nil
}
