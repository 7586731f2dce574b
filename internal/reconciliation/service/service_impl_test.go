package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	accountrepo "github.com/smallbiznis/alertbilling/internal/account/repository"
	auditrepo "github.com/smallbiznis/alertbilling/internal/audit/repository"
	auditservice "github.com/smallbiznis/alertbilling/internal/audit/service"
	"github.com/smallbiznis/alertbilling/internal/clock"
	"github.com/smallbiznis/alertbilling/internal/config"
	ddrepo "github.com/smallbiznis/alertbilling/internal/directdebit/repository"
	ledgerdomain "github.com/smallbiznis/alertbilling/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/alertbilling/internal/ledger/service"
	"github.com/smallbiznis/alertbilling/internal/reconciliation/domain"
	"github.com/smallbiznis/alertbilling/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db     *gorm.DB
	node   *snowflake.Node
	ledger ledgerdomain.Service
	svc    domain.Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := testutil.OpenDB(t)
	node, err := snowflake.NewNode(5)
	require.NoError(t, err)

	testutil.InsertCustomer(t, db, 1, "Ada@Example.com")
	testutil.InsertCustomer(t, db, 2, "bola@example.com")
	testutil.InsertAccount(t, db, testutil.AccountFixture{ID: 10, CustomerID: 1, Number: "0123456789"})
	testutil.InsertAccount(t, db, testutil.AccountFixture{ID: 20, CustomerID: 2, Number: "0987654321"})

	clk := clock.NewFakeClock(testutil.Epoch.Add(36 * time.Hour))
	ledger := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: zap.NewNop(), GenID: node})
	audit := auditservice.NewService(auditservice.Params{DB: db, Log: zap.NewNop(), GenID: node, Repo: auditrepo.Provide(), Clock: clk})
	svc := NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Debits:   ddrepo.Provide(),
		Accounts: accountrepo.Provide(),
		Ledger:   ledger,
		Billing:  config.NewStaticBilling(config.DefaultBillingConstants()),
		Audit:    audit,
		Clock:    clk,
	})
	return fixture{db: db, node: node, ledger: ledger, svc: svc}
}

func amount(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func failedDebit(id, customerID, accountID int64, alertID *int64, retries int, createdAt time.Time) testutil.DebitFixture {
	return testutil.DebitFixture{
		ID: id, CustomerID: customerID, AlertID: alertID, SourceAccountID: accountID,
		Charge: "4.00", Status: "Failed", RetryCount: retries, CreatedAt: createdAt,
	}
}

func TestReconcileFailedConsolidatesExhaustedItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	day := testutil.Epoch
	for i := int64(0); i < 3; i++ {
		testutil.InsertDebit(t, f.db, failedDebit(100+i, 1, 10, testutil.Int64(500+i), 3, day.Add(time.Duration(i)*time.Hour)))
	}
	testutil.InsertDebit(t, f.db, failedDebit(110, 2, 20, nil, 3, day.Add(time.Hour)))
	testutil.InsertDebit(t, f.db, failedDebit(111, 2, 20, nil, 2, day.Add(time.Hour)))
	testutil.InsertDebit(t, f.db, failedDebit(112, 1, 10, nil, 3, day.AddDate(0, 0, -1)))

	result, err := f.svc.ReconcileFailed(ctx, day.Add(5*time.Hour))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 4, result.TransactionsProcessed)
	assert.Equal(t, 2, result.ConsolidatedAccounts)
	assert.True(t, amount("16.00").Equal(result.ConsolidatedAmount))
	assert.Equal(t, 3, result.ReversalEntries)

	require.Len(t, result.Consolidations, 2)
	first := result.Consolidations[0]
	assert.Equal(t, "CONSOL_20250120_0123456789", first.Reference)
	assert.True(t, amount("12.00").Equal(first.Amount))
	assert.Equal(t, 3, first.ItemCount)
	assert.Equal(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), first.ScheduledFor)

	assert.Equal(t, "Pending", testutil.Status(t, f.db, "direct_debit_queue", int64(first.ItemID)))
	for i := int64(0); i < 3; i++ {
		assert.Equal(t, "Completed", testutil.Status(t, f.db, "direct_debit_queue", 100+i))
	}
	assert.EqualValues(t, 3, testutil.Count(t, f.db,
		`SELECT COUNT(1) FROM direct_debit_queue WHERE consolidated_into_id = ?`, int64(first.ItemID)))
	assert.Equal(t, "Failed", testutil.Status(t, f.db, "direct_debit_queue", 111))
	assert.Equal(t, "Failed", testutil.Status(t, f.db, "direct_debit_queue", 112))

	rev, err := f.ledger.GetByReference(ctx, "REV_DD_100")
	require.NoError(t, err)
	require.NotNil(t, rev)
	assert.True(t, amount("4.00").Equal(rev.DebitAmount))
	assert.Equal(t, "0123456789", rev.CreditAccountNumber)

	assert.EqualValues(t, 2, testutil.Count(t, f.db, `SELECT COUNT(1) FROM audit_logs WHERE action = 'directdebit.consolidate'`))

	again, err := f.svc.ReconcileFailed(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, 0, again.TransactionsProcessed)
}

func TestMonthEndConsolidatesMonthToDate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	jan := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	testutil.InsertDebit(t, f.db, failedDebit(200, 1, 10, nil, 1, jan.AddDate(0, 0, 4)))
	testutil.InsertDebit(t, f.db, failedDebit(201, 1, 10, nil, 0, jan.AddDate(0, 0, 19)))
	testutil.InsertDebit(t, f.db, failedDebit(202, 1, 10, nil, 1, jan.AddDate(0, 0, -3)))
	testutil.InsertDebit(t, f.db, failedDebit(203, 2, 20, nil, 2, jan.AddDate(0, 0, 10)))

	result, err := f.svc.MonthEnd(ctx, jan.AddDate(0, 0, 24))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "202501", result.Period)
	assert.Equal(t, 2, result.AccountsProcessed)
	assert.Equal(t, 3, result.TransactionsConsolidated)
	assert.True(t, amount("12.00").Equal(result.TotalConsolidatedAmount))
	require.Len(t, result.Consolidations, 2)
	assert.Equal(t, "MONTH_END_202501_ada@example.com", result.Consolidations[0].Reference)
	assert.Equal(t, "MONTH_END_202501_bola@example.com", result.Consolidations[1].Reference)
	assert.Equal(t, "Failed", testutil.Status(t, f.db, "direct_debit_queue", 202))
	assert.EqualValues(t, 0, testutil.Count(t, f.db, `SELECT COUNT(1) FROM accounting_entries`))

	testutil.InsertDebit(t, f.db, failedDebit(204, 1, 10, nil, 1, jan.AddDate(0, 0, 22)))
	result, err = f.svc.MonthEnd(ctx, jan.AddDate(0, 0, 24))
	require.NoError(t, err)
	require.Len(t, result.Consolidations, 1)
	assert.Equal(t, "MONTH_END_202501_ada@example.com_2", result.Consolidations[0].Reference)
}

func TestDailyReportTotalsAndTelcoBreakdown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := config.DefaultBillingConstants()
	day := domain.StartOfDay(testutil.Epoch)
	posting := ledgerdomain.Posting{CustomerID: 1, AccountNumber: "0123456789", At: day.Add(time.Hour)}

	entries := ledgerdomain.SMSAlertEntries(b, posting, snowflake.ID(900), amount("4.00"), amount("0.30"))
	qbe, err := ledgerdomain.QBEEntries(b, posting, snowflake.ID(901), "mtn", amount("10.00"), amount("6.98"))
	require.NoError(t, err)
	entries = append(entries, qbe...)
	yesterday := ledgerdomain.Posting{CustomerID: 1, AccountNumber: "0123456789", At: day.Add(-time.Hour)}
	entries = append(entries, ledgerdomain.SMSAlertEntries(b, yesterday, snowflake.ID(902), amount("4.00"), amount("0.30"))...)
	require.NoError(t, f.ledger.AppendEntries(ctx, f.db, entries))

	report, err := f.svc.DailyReport(ctx, day.Add(10*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, day, report.Date)
	assert.True(t, amount("4.00").Equal(report.TotalSMSCharges))
	assert.True(t, amount("10.00").Equal(report.TotalQBECharges))
	assert.True(t, amount("0.30").Equal(report.TotalVATCollected))
	assert.True(t, amount("6.98").Equal(report.TotalTelcoCharges))
	assert.True(t, amount("6.98").Equal(report.TelcoProviderCharges[config.TelcoMTN]))
	assert.True(t, report.TelcoProviderCharges[config.TelcoAirtel].IsZero())
	assert.Len(t, report.Totals, 4)
}
