package retry

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/alertbilling/internal/clock"
	sysconfigdomain "github.com/smallbiznis/alertbilling/internal/sysconfig/domain"
	sysconfigservice "github.com/smallbiznis/alertbilling/internal/sysconfig/service"
	"github.com/smallbiznis/alertbilling/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRunRetryPassReadmitsEligibleItems(t *testing.T) {
	db := testutil.OpenDB(t)
	now := testutil.Epoch.Add(48 * time.Hour)
	clk := clock.NewFakeClock(now)
	testutil.InsertCustomer(t, db, 1, "ada@example.com")
	testutil.InsertAccount(t, db, testutil.AccountFixture{ID: 10, CustomerID: 1, Number: "0123456789"})

	old := testutil.Time(now.Add(-25 * time.Hour))
	recent := testutil.Time(now.Add(-time.Hour))
	testutil.InsertCharge(t, db, testutil.ChargeFixture{ID: 1, Account: "0123456789", Amount: "4", Status: "Failed", RetryCount: 1, LastRetryAt: old})
	testutil.InsertCharge(t, db, testutil.ChargeFixture{ID: 2, Account: "0123456789", Amount: "4", Status: "Failed", RetryCount: 1, LastRetryAt: recent})
	testutil.InsertCharge(t, db, testutil.ChargeFixture{ID: 3, Account: "0123456789", Amount: "4", Status: "Failed", RetryCount: 3, LastRetryAt: old})
	testutil.InsertDebit(t, db, testutil.DebitFixture{ID: 11, CustomerID: 1, SourceAccountID: 10, Charge: "4", Status: "Failed", RetryCount: 2, LastRetryAt: old})
	testutil.InsertDebit(t, db, testutil.DebitFixture{ID: 12, CustomerID: 1, SourceAccountID: 10, Charge: "4", Status: "Failed", RetryCount: 3, LastRetryAt: old})

	runner := NewRunner(Params{DB: db, Log: zap.NewNop(), Clock: clk})
	result, err := runner.RunRetryPass(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, result.ChargeReadmitted)
	assert.EqualValues(t, 1, result.DebitReadmitted)
	assert.EqualValues(t, 2, result.Total())

	assert.Equal(t, "Pending", testutil.Status(t, db, "charge_queue", 1))
	assert.Equal(t, "Failed", testutil.Status(t, db, "charge_queue", 2))
	assert.Equal(t, "Failed", testutil.Status(t, db, "charge_queue", 3))
	assert.Equal(t, "Pending", testutil.Status(t, db, "direct_debit_queue", 11))
	assert.Equal(t, "Failed", testutil.Status(t, db, "direct_debit_queue", 12))
	assert.EqualValues(t, 1, testutil.Count(t, db, `SELECT retry_count FROM charge_queue WHERE id = 1`))
}

func TestRunRetryPassHonoursConfiguredPolicy(t *testing.T) {
	db := testutil.OpenDB(t)
	now := testutil.Epoch.Add(48 * time.Hour)
	clk := clock.NewFakeClock(now)
	settings := sysconfigservice.NewService(sysconfigservice.Params{DB: db, Log: zap.NewNop(), Clock: clk})
	ctx := context.Background()
	_, err := settings.Set(ctx, sysconfigdomain.KeyMaxRetryAttempts, "5", "", "ops")
	require.NoError(t, err)
	_, err = settings.Set(ctx, sysconfigdomain.KeyRetryIntervalHours, "2", "", "ops")
	require.NoError(t, err)

	testutil.InsertCharge(t, db, testutil.ChargeFixture{
		ID: 1, Account: "0123456789", Amount: "4", Status: "Failed", RetryCount: 4,
		LastRetryAt: testutil.Time(now.Add(-3 * time.Hour)),
	})

	runner := NewRunner(Params{DB: db, Log: zap.NewNop(), Settings: settings, Clock: clk})
	result, err := runner.RunRetryPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, result.Policy.MaxAttempts)
	assert.Equal(t, 2*time.Hour, result.Policy.Interval)
	assert.EqualValues(t, 1, result.ChargeReadmitted)
}
