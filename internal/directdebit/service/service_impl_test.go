package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	accountdomain "github.com/smallbiznis/alertbilling/internal/account/domain"
	accountrepo "github.com/smallbiznis/alertbilling/internal/account/repository"
	alertdomain "github.com/smallbiznis/alertbilling/internal/alert/domain"
	alertrepo "github.com/smallbiznis/alertbilling/internal/alert/repository"
	auditrepo "github.com/smallbiznis/alertbilling/internal/audit/repository"
	auditservice "github.com/smallbiznis/alertbilling/internal/audit/service"
	"github.com/smallbiznis/alertbilling/internal/clock"
	"github.com/smallbiznis/alertbilling/internal/config"
	dddomain "github.com/smallbiznis/alertbilling/internal/directdebit/domain"
	"github.com/smallbiznis/alertbilling/internal/directdebit/repository"
	ledgerdomain "github.com/smallbiznis/alertbilling/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/alertbilling/internal/ledger/service"
	"github.com/smallbiznis/alertbilling/internal/notification"
	"github.com/smallbiznis/alertbilling/internal/queue"
	"github.com/smallbiznis/alertbilling/internal/testutil"
	"github.com/smallbiznis/alertbilling/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const acctNumber = "0123456789"

type sentNotice struct {
	destination string
	message     string
}

type recordingSink struct {
	mu   sync.Mutex
	sent []sentNotice
}

func (s *recordingSink) Notify(_ context.Context, destination, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentNotice{destination: destination, message: message})
	return nil
}

type fixture struct {
	db     *gorm.DB
	clock  *clock.FakeClock
	ledger ledgerdomain.Service
	sink   *recordingSink
	svc    dddomain.Service
}

func newFixture(t *testing.T, balance string) fixture {
	t.Helper()
	return newFixtureWithAlerts(t, balance, alertrepo.Provide())
}

func newFixtureWithAlerts(t *testing.T, balance string, alerts alertdomain.Repository) fixture {
	t.Helper()
	db := testutil.OpenDB(t)
	node, err := snowflake.NewNode(4)
	require.NoError(t, err)

	testutil.InsertCustomer(t, db, 1, "ada@example.com")
	testutil.InsertAccount(t, db, testutil.AccountFixture{ID: 10, CustomerID: 1, Number: acctNumber, Balance: balance})

	clk := clock.NewFakeClock(testutil.Epoch.Add(time.Hour))
	ledger := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: zap.NewNop(), GenID: node})
	audit := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  auditrepo.Provide(),
		Clock: clk,
	})
	sink := &recordingSink{}
	svc := NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Repo:     repository.Provide(),
		Alerts:   alerts,
		Accounts: accountrepo.Provide(),
		Ledger:   ledger,
		Billing:  config.NewStaticBilling(config.DefaultBillingConstants()),
		Audit:    audit,
		Notifier: notification.NewDispatcher(notification.DispatcherParams{Sink: sink, Log: zap.NewNop()}),
		Clock:    clk,
	})
	return fixture{db: db, clock: clk, ledger: ledger, sink: sink, svc: svc}
}

func amount(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func TestQueueDebitIsIdempotent(t *testing.T) {
	f := newFixture(t, "10.00")
	ctx := context.Background()
	testutil.InsertAlert(t, f.db, 100, 1, 10, "TransactionNotification", "4.00", "0.30")

	item, err := f.svc.QueueDebit(ctx, snowflake.ID(100))
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, queue.StatusPending, item.Status)
	assert.True(t, amount("4.30").Equal(item.TotalCharge))
	assert.Equal(t, dddomain.ReferenceFor(item.ID), item.TransactionReference)
	assert.Equal(t, snowflake.ID(10), item.SourceAccountID)

	again, err := f.svc.QueueDebit(ctx, snowflake.ID(100))
	require.NoError(t, err)
	assert.Equal(t, item.ID, again.ID)
	assert.EqualValues(t, 1, testutil.Count(t, f.db, `SELECT COUNT(1) FROM direct_debit_queue`))
}

func TestQueueDebitResolvesDomiciliaryAccounts(t *testing.T) {
	f := newFixture(t, "10.00")
	ctx := context.Background()
	testutil.InsertAccount(t, f.db, testutil.AccountFixture{
		ID: 11, CustomerID: 1, Number: "0223456789", Currency: "USD", Domiciliary: true, LinkedAccountID: testutil.Int64(10),
	})
	testutil.InsertAccount(t, f.db, testutil.AccountFixture{
		ID: 12, CustomerID: 1, Number: "0323456789", Currency: "USD", Domiciliary: true,
	})
	testutil.InsertAlert(t, f.db, 101, 1, 11, "TransactionNotification", "4.00", "0.30")
	testutil.InsertAlert(t, f.db, 102, 1, 12, "TransactionNotification", "4.00", "0.30")

	item, err := f.svc.QueueDebit(ctx, snowflake.ID(101))
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(10), item.SourceAccountID)

	_, err = f.svc.QueueDebit(ctx, snowflake.ID(102))
	require.ErrorIs(t, err, accountdomain.ErrNoLinkedAccount)
	assert.EqualValues(t, 1, testutil.Count(t, f.db, `SELECT COUNT(1) FROM direct_debit_queue`))
}

func TestQueueDebitRejectsUnknownAndChargedAlerts(t *testing.T) {
	f := newFixture(t, "10.00")
	ctx := context.Background()

	_, err := f.svc.QueueDebit(ctx, snowflake.ID(404))
	require.ErrorIs(t, err, alertdomain.ErrAlertNotFound)

	testutil.InsertAlert(t, f.db, 103, 1, 10, "TransactionNotification", "4.00", "0.30")
	require.NoError(t, f.db.Exec(`UPDATE sms_alerts SET is_charged = ? WHERE id = ?`, true, 103).Error)
	_, err = f.svc.QueueDebit(ctx, snowflake.ID(103))
	require.ErrorIs(t, err, dddomain.ErrAlreadyCharged)
}

func TestProcessDailyCollectsAlertDebit(t *testing.T) {
	f := newFixture(t, "10.00")
	ctx := context.Background()
	testutil.InsertAlert(t, f.db, 100, 1, 10, "TransactionNotification", "4.00", "0.30")
	item, err := f.svc.QueueDebit(ctx, snowflake.ID(100))
	require.NoError(t, err)

	result, err := f.svc.ProcessDaily(ctx)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.ProcessedCount)
	assert.True(t, amount("4.30").Equal(result.CollectedAmount))

	assert.True(t, amount("5.70").Equal(testutil.Balance(t, f.db, acctNumber)))
	assert.Equal(t, "Completed", testutil.Status(t, f.db, "direct_debit_queue", int64(item.ID)))
	assert.EqualValues(t, 1, testutil.Count(t, f.db, `SELECT COUNT(1) FROM sms_alerts WHERE id = 100 AND is_charged = ?`, true))

	charge, err := f.ledger.GetByReference(ctx, "SMS_CHARGE_100")
	require.NoError(t, err)
	require.NotNil(t, charge)
	assert.True(t, amount("4.00").Equal(charge.DebitAmount))
	vat, err := f.ledger.GetByReference(ctx, "SMS_VAT_100")
	require.NoError(t, err)
	require.NotNil(t, vat)

	require.Len(t, f.sink.sent, 1)
	assert.Equal(t, "ada@example.com", f.sink.sent[0].destination)
	assert.NotContains(t, f.sink.sent[0].message, acctNumber)
}

// chargedElsewhere reports every alert as already charged when the debit
// tries to mark it.
type chargedElsewhere struct {
	alertdomain.Repository
}

func (chargedElsewhere) MarkAlertCharged(context.Context, *gorm.DB, snowflake.ID, time.Time) (bool, error) {
	return false, nil
}

func TestProcessDailyRollsBackWhenAlertChargedConcurrently(t *testing.T) {
	f := newFixtureWithAlerts(t, "10.00", chargedElsewhere{Repository: alertrepo.Provide()})
	ctx := context.Background()
	testutil.InsertAlert(t, f.db, 110, 1, 10, "TransactionNotification", "4.00", "0.30")
	item, err := f.svc.QueueDebit(ctx, snowflake.ID(110))
	require.NoError(t, err)

	result, err := f.svc.ProcessDaily(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.ProcessedCount)
	assert.Equal(t, 1, result.SkippedCount)

	assert.True(t, amount("10.00").Equal(testutil.Balance(t, f.db, acctNumber)))
	assert.EqualValues(t, 0, testutil.Count(t, f.db, `SELECT COUNT(1) FROM accounting_entries`))
	assert.NotEqual(t, "Completed", testutil.Status(t, f.db, "direct_debit_queue", int64(item.ID)))
	assert.Empty(t, f.sink.sent)
}

func TestProcessDailyFailsItemForMissingAlert(t *testing.T) {
	f := newFixture(t, "10.00")
	ctx := context.Background()
	missing := int64(999)
	testutil.InsertDebit(t, f.db, testutil.DebitFixture{ID: 510, CustomerID: 1, AlertID: &missing, SourceAccountID: 10, Charge: "4.00", VAT: "0.30"})

	result, err := f.svc.ProcessDaily(ctx)
	require.NoError(t, err)
	require.Len(t, result.Details, 1)
	assert.Equal(t, "Alert not found", result.Details[0].FailureReason)
	assert.Equal(t, "Failed", testutil.Status(t, f.db, "direct_debit_queue", 510))
	assert.True(t, amount("10.00").Equal(testutil.Balance(t, f.db, acctNumber)))
}

func TestProcessDailyInsufficientFundsFailsItem(t *testing.T) {
	f := newFixture(t, "1.00")
	ctx := context.Background()
	testutil.InsertDebit(t, f.db, testutil.DebitFixture{ID: 500, CustomerID: 1, SourceAccountID: 10, Charge: "4.00", VAT: "0.30"})

	result, err := f.svc.ProcessDaily(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.FailedCount)
	require.Len(t, result.Details, 1)
	assert.Equal(t, "Insufficient funds", result.Details[0].FailureReason)

	assert.Equal(t, "Failed", testutil.Status(t, f.db, "direct_debit_queue", 500))
	assert.EqualValues(t, 1, testutil.Count(t, f.db, `SELECT retry_count FROM direct_debit_queue WHERE id = 500`))
	assert.True(t, amount("1.00").Equal(testutil.Balance(t, f.db, acctNumber)))
	assert.EqualValues(t, 0, testutil.Count(t, f.db, `SELECT COUNT(1) FROM accounting_entries`))
	assert.Empty(t, f.sink.sent)
}

func TestProcessDailySkipsFutureScheduledItems(t *testing.T) {
	f := newFixture(t, "50.00")
	ctx := context.Background()
	testutil.InsertDebit(t, f.db, testutil.DebitFixture{
		ID: 501, CustomerID: 1, SourceAccountID: 10, Charge: "12.00",
		ScheduledFor: testutil.Time(f.clock.Now().Add(24 * time.Hour)),
	})

	result, err := f.svc.ProcessDaily(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ProcessedCount)
	assert.Equal(t, "Pending", testutil.Status(t, f.db, "direct_debit_queue", 501))

	f.clock.Advance(25 * time.Hour)
	result, err = f.svc.ProcessDaily(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ProcessedCount)
	assert.True(t, amount("38.00").Equal(testutil.Balance(t, f.db, acctNumber)))

	entry, err := f.ledger.GetByReference(ctx, "DD_501_CHARGE")
	require.NoError(t, err)
	require.NotNil(t, entry)
}

func TestProcessDailyBooksConsolidatedEnquiryAsQBE(t *testing.T) {
	f := newFixture(t, "50.00")
	ctx := context.Background()
	testutil.InsertEnquiry(t, f.db, 200, 1, 10, "MTN", testutil.Epoch)
	testutil.InsertAlert(t, f.db, 100, 1, 10, "TransactionNotification", "4.00", "0.30")
	enquiryID, alertID := int64(200), int64(100)
	testutil.InsertDebit(t, f.db, testutil.DebitFixture{ID: 600, CustomerID: 1, EnquiryID: &enquiryID, SourceAccountID: 10, Charge: "10.00", Status: "Failed", RetryCount: 3})
	testutil.InsertDebit(t, f.db, testutil.DebitFixture{ID: 601, CustomerID: 1, AlertID: &alertID, SourceAccountID: 10, Charge: "4.00", VAT: "0.30", Status: "Failed", RetryCount: 3})
	testutil.InsertDebit(t, f.db, testutil.DebitFixture{ID: 602, CustomerID: 1, SourceAccountID: 10, Charge: "14.00", VAT: "0.30"})
	require.NoError(t, f.db.Exec(`UPDATE direct_debit_queue SET status = 'Completed', consolidated_into_id = 602 WHERE id IN (600, 601)`).Error)

	result, err := f.svc.ProcessDaily(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ProcessedCount)
	assert.True(t, amount("35.70").Equal(testutil.Balance(t, f.db, acctNumber)))

	b := config.DefaultBillingConstants()
	qbe, err := f.ledger.GetByReference(ctx, "QBE_200")
	require.NoError(t, err)
	require.NotNil(t, qbe)
	assert.Equal(t, b.USSDIncomeAccount, qbe.CreditAccountNumber)
	assert.True(t, amount("10.00").Equal(qbe.CreditAmount))

	telco, err := f.ledger.GetByReference(ctx, "QBE_TELCO_200")
	require.NoError(t, err)
	require.NotNil(t, telco)
	mtn, _ := b.Telco("MTN")
	assert.Equal(t, mtn.Suspense, telco.CreditAccountNumber)

	sms, err := f.ledger.GetByReference(ctx, "DD_602_CHARGE")
	require.NoError(t, err)
	require.NotNil(t, sms)
	assert.Equal(t, b.SMSAlertIncomeAccount, sms.CreditAccountNumber)
	assert.True(t, amount("4.00").Equal(sms.CreditAmount))

	assert.EqualValues(t, 1, testutil.Count(t, f.db, `SELECT COUNT(1) FROM quick_balance_enquiries WHERE id = 200 AND is_charged = ?`, true))
}

func TestProcessDailyChargesEnquiries(t *testing.T) {
	f := newFixture(t, "50.00")
	ctx := context.Background()
	testutil.InsertEnquiry(t, f.db, 200, 1, 10, "MTN", testutil.Epoch)

	result, err := f.svc.ProcessDaily(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.QBEProcessed)
	assert.True(t, amount("40.00").Equal(testutil.Balance(t, f.db, acctNumber)))
	assert.EqualValues(t, 1, testutil.Count(t, f.db, `SELECT COUNT(1) FROM quick_balance_enquiries WHERE is_charged = ?`, true))
	assert.EqualValues(t, 1, testutil.Count(t, f.db,
		`SELECT COUNT(1) FROM sms_alerts WHERE alert_type = ? AND is_charged = ?`, "QuickBalanceEnquiry", true))

	entry, err := f.ledger.GetByReference(ctx, "QBE_200")
	require.NoError(t, err)
	require.NotNil(t, entry)

	result, err = f.svc.ProcessDaily(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.QBEProcessed)
}

func TestProcessDailyQueuesFailedEnquiry(t *testing.T) {
	f := newFixture(t, "5.00")
	ctx := context.Background()
	testutil.InsertEnquiry(t, f.db, 201, 1, 10, "MTN", testutil.Epoch)

	result, err := f.svc.ProcessDaily(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.QBEFailed)
	assert.EqualValues(t, 1, testutil.Count(t, f.db,
		`SELECT COUNT(1) FROM direct_debit_queue WHERE enquiry_id = 201 AND status = 'Failed' AND retry_count = 1`))
	assert.EqualValues(t, 0, testutil.Count(t, f.db, `SELECT COUNT(1) FROM quick_balance_enquiries WHERE is_charged = ?`, true))

	// The failed item waits out the retry interval and the enquiry is not
	// picked up a second time.
	result, err = f.svc.ProcessDaily(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.QBEFailed)
	assert.Equal(t, 0, result.FailedCount)

	require.NoError(t, f.db.Exec(`UPDATE accounts SET balance = ? WHERE id = 10`, amount("30.00")).Error)
	f.clock.Advance(25 * time.Hour)
	result, err = f.svc.ProcessDaily(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ProcessedCount)
	assert.True(t, amount("20.00").Equal(testutil.Balance(t, f.db, acctNumber)))
	assert.EqualValues(t, 1, testutil.Count(t, f.db, `SELECT COUNT(1) FROM quick_balance_enquiries WHERE is_charged = ?`, true))
}

func TestProcessMonthlyQBEGroupsByAccount(t *testing.T) {
	f := newFixture(t, "100.00")
	ctx := context.Background()
	jan := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	feb := jan.AddDate(0, 1, 0)
	testutil.InsertEnquiry(t, f.db, 210, 1, 10, "MTN", jan.Add(48*time.Hour))
	testutil.InsertEnquiry(t, f.db, 211, 1, 10, "Airtel", jan.Add(72*time.Hour))
	testutil.InsertEnquiry(t, f.db, 212, 1, 10, "MTN", feb.Add(time.Hour))

	result, err := f.svc.ProcessMonthlyQBE(ctx, jan, feb)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.QBEProcessed)
	assert.True(t, amount("80.00").Equal(testutil.Balance(t, f.db, acctNumber)))
	assert.EqualValues(t, 0, testutil.Count(t, f.db, `SELECT COUNT(1) FROM quick_balance_enquiries WHERE id = 212 AND is_charged = ?`, true))
	require.Len(t, f.sink.sent, 1)

	result, err = f.svc.ProcessMonthlyQBE(ctx, feb, jan)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, dddomain.ErrInvalidWindow.Error(), result.Message)
}

func TestRequeueFailedAndUpdateStatus(t *testing.T) {
	f := newFixture(t, "10.00")
	ctx := context.Background()
	testutil.InsertDebit(t, f.db, testutil.DebitFixture{ID: 300, CustomerID: 1, SourceAccountID: 10, Charge: "4.00", Status: "Failed", RetryCount: 1})
	testutil.InsertDebit(t, f.db, testutil.DebitFixture{ID: 301, CustomerID: 1, SourceAccountID: 10, Charge: "4.00", Status: "Failed", RetryCount: 2})
	testutil.InsertDebit(t, f.db, testutil.DebitFixture{ID: 302, CustomerID: 1, SourceAccountID: 10, Charge: "4.00", Status: "Completed"})

	moved, err := f.svc.RequeueFailed(ctx, nil, "ops@bank")
	require.NoError(t, err)
	assert.Equal(t, 2, moved)
	assert.Equal(t, "RetryQueued", testutil.Status(t, f.db, "direct_debit_queue", 300))
	assert.Equal(t, "RetryQueued", testutil.Status(t, f.db, "direct_debit_queue", 301))
	assert.EqualValues(t, 1, testutil.Count(t, f.db, `SELECT COUNT(1) FROM audit_logs WHERE action = 'directdebit.requeue'`))

	item, err := f.svc.UpdateStatus(ctx, snowflake.ID(300), queue.StatusPending, "ops@bank")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, item.Status)

	_, err = f.svc.UpdateStatus(ctx, snowflake.ID(302), queue.StatusPending, "ops@bank")
	require.ErrorIs(t, err, queue.ErrInvalidTransition)

	_, err = f.svc.UpdateStatus(ctx, snowflake.ID(999), queue.StatusPending, "ops@bank")
	require.ErrorIs(t, err, dddomain.ErrItemNotFound)
}

func TestManualRequeueKeepsRetryBound(t *testing.T) {
	f := newFixture(t, "0.00")
	ctx := context.Background()
	testutil.InsertDebit(t, f.db, testutil.DebitFixture{ID: 320, CustomerID: 1, SourceAccountID: 10, Charge: "4.00", Status: "Failed", RetryCount: 3})
	testutil.InsertDebit(t, f.db, testutil.DebitFixture{ID: 321, CustomerID: 1, SourceAccountID: 10, Charge: "4.00", Status: "Failed", RetryCount: 2})

	moved, err := f.svc.RequeueFailed(ctx, []snowflake.ID{320, 321}, "ops@bank")
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
	assert.Equal(t, "Failed", testutil.Status(t, f.db, "direct_debit_queue", 320))
	assert.Equal(t, "RetryQueued", testutil.Status(t, f.db, "direct_debit_queue", 321))

	_, err = f.svc.UpdateStatus(ctx, snowflake.ID(320), queue.StatusPending, "ops@bank")
	require.ErrorIs(t, err, dddomain.ErrRetriesExhausted)

	// the requeued item fails once more and is then out of retries
	_, err = f.svc.ProcessDaily(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, testutil.Count(t, f.db, `SELECT retry_count FROM direct_debit_queue WHERE id = 321`))

	for i := 0; i < 3; i++ {
		moved, err = f.svc.RequeueFailed(ctx, nil, "ops@bank")
		require.NoError(t, err)
		assert.Zero(t, moved)
		_, err = f.svc.ProcessDaily(ctx)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 0, testutil.Count(t, f.db, `SELECT COUNT(1) FROM direct_debit_queue WHERE retry_count > 3`))
}

func TestGetPendingAndFailedPaginate(t *testing.T) {
	f := newFixture(t, "10.00")
	ctx := context.Background()
	for i := int64(0); i < 3; i++ {
		testutil.InsertDebit(t, f.db, testutil.DebitFixture{
			ID: 400 + i, CustomerID: 1, SourceAccountID: 10, Charge: "4.00",
			CreatedAt: testutil.Epoch.Add(time.Duration(i) * time.Minute),
		})
	}
	testutil.InsertDebit(t, f.db, testutil.DebitFixture{ID: 410, CustomerID: 1, SourceAccountID: 10, Charge: "4.00", Status: "Failed"})

	page, err := f.svc.GetPending(ctx, dddomain.ListFilter{Pagination: pagination.Pagination{PageSize: 2}})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)
	require.NotEmpty(t, page.NextPageToken)

	next, err := f.svc.GetPending(ctx, dddomain.ListFilter{Pagination: pagination.Pagination{PageToken: page.NextPageToken, PageSize: 2}})
	require.NoError(t, err)
	require.Len(t, next.Items, 1)
	assert.False(t, next.HasMore)

	failed, err := f.svc.GetFailed(ctx, dddomain.ListFilter{})
	require.NoError(t, err)
	require.Len(t, failed.Items, 1)
	assert.Equal(t, snowflake.ID(410), failed.Items[0].ID)

	_, err = f.svc.GetFailed(ctx, dddomain.ListFilter{Pagination: pagination.Pagination{PageToken: "!!", PageSize: 2}})
	require.ErrorIs(t, err, dddomain.ErrInvalidPageToken)
}
