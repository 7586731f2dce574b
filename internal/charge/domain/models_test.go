package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/alertbilling/internal/config"
	ledgerdomain "github.com/smallbiznis/alertbilling/internal/ledger/domain"
	"github.com/smallbiznis/alertbilling/internal/queue"
	"github.com/stretchr/testify/assert"
)

func TestValidateAmount(t *testing.T) {
	b := config.DefaultBillingConstants()
	for _, ok := range []string{"4", "8.00", "10", "20", "30"} {
		assert.NoError(t, ValidateAmount(b, decimal.RequireFromString(ok)), ok)
	}
	for _, bad := range []string{"0", "-4", "7", "4.5", "15"} {
		err := ValidateAmount(b, decimal.RequireFromString(bad))
		assert.ErrorIs(t, err, ErrInvalidChargeAmount, bad)
	}
}

func TestReasonAndEntryType(t *testing.T) {
	b := config.DefaultBillingConstants()
	assert.Equal(t, ReasonSMSAlert, ReasonFor(b, decimal.RequireFromString("8")))
	assert.Equal(t, ReasonQBEAlert, ReasonFor(b, decimal.RequireFromString("20")))
	assert.Equal(t, ledgerdomain.EntryTypeQBECharge, EntryTypeFor(ReasonQBEAlert))
	assert.Equal(t, ledgerdomain.EntryTypeSMSAlertCharge, EntryTypeFor(ReasonSMSAlert))
}

func TestBatchResultRecord(t *testing.T) {
	var r BatchResult
	r.Record(ItemDetail{Amount: decimal.RequireFromString("4")}, queue.OutcomeSuccess)
	r.Record(ItemDetail{Amount: decimal.RequireFromString("10")}, queue.OutcomeBusinessFailure)
	r.Record(ItemDetail{Amount: decimal.RequireFromString("8")}, queue.OutcomeSkipped)

	assert.Equal(t, 1, r.ProcessedCount)
	assert.Equal(t, 1, r.FailedCount)
	assert.Equal(t, 1, r.SkippedCount)
	assert.Equal(t, "14", r.TotalAmount.String())
	assert.Len(t, r.Details, 2)
}
