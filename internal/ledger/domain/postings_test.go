package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/alertbilling/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var at = time.Date(2025, 1, 20, 2, 0, 0, 0, time.UTC)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func TestSMSAlertEntriesAreBalanced(t *testing.T) {
	b := config.DefaultBillingConstants()
	entries := SMSAlertEntries(b, Posting{CustomerID: 7, AccountNumber: "0123456789", At: at}, 99, d("4.00"), d("0.30"))

	require.Len(t, entries, 2)
	assert.Equal(t, "SMS_CHARGE_99", entries[0].TransactionReference)
	assert.Equal(t, b.SMSAlertIncomeAccount, entries[0].CreditAccountNumber)
	assert.Equal(t, "SMS_VAT_99", entries[1].TransactionReference)
	assert.Equal(t, EntryTypeVATDebit, entries[1].EntryType)
	assert.True(t, entries[1].CreditAmount.IsZero())
	for _, e := range entries {
		assert.NoError(t, e.Validate())
		require.NotNil(t, e.CustomerID)
	}
}

func TestSMSAlertEntriesSkipZeroVAT(t *testing.T) {
	entries := SMSAlertEntries(config.DefaultBillingConstants(), Posting{AccountNumber: "1"}, 1, d("4"), decimal.Zero)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].CustomerID)
}

func TestQBEEntriesRouteSessionChargeToTelco(t *testing.T) {
	b := config.DefaultBillingConstants()
	entries, err := QBEEntries(b, Posting{CustomerID: 7, AccountNumber: "0123456789", At: at}, 55, "Airtel", d("10.00"), d("6.98"))
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "QBE_55", entries[0].TransactionReference)
	assert.Equal(t, b.USSDIncomeAccount, entries[0].CreditAccountNumber)
	assert.Equal(t, EntryTypeQBECharge, entries[0].EntryType)

	assert.Equal(t, "QBE_TELCO_55", entries[1].TransactionReference)
	assert.Equal(t, b.USSDIncomeAccount, entries[1].DebitAccountNumber)
	assert.Equal(t, "48934389041201", entries[1].CreditAccountNumber)
	assert.NoError(t, entries[1].Validate())

	_, err = QBEEntries(b, Posting{AccountNumber: "1"}, 56, "Vodacom", d("10"), d("6.98"))
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestBatchChargeEntryPicksIncomeAccount(t *testing.T) {
	b := config.DefaultBillingConstants()
	sms := BatchChargeEntry(b, Posting{AccountNumber: "0123456789", At: at}, 3, d("8"), EntryTypeSMSAlertCharge)
	qbe := BatchChargeEntry(b, Posting{AccountNumber: "0123456789", At: at}, 4, d("20"), EntryTypeQBECharge)

	assert.Equal(t, "BATCH_CHARGE_3", sms.TransactionReference)
	assert.Equal(t, b.SMSAlertIncomeAccount, sms.CreditAccountNumber)
	assert.Equal(t, b.QBEAlertIncomeAccount, qbe.CreditAccountNumber)
}

func TestSettlementAndReversalEntries(t *testing.T) {
	b := config.DefaultBillingConstants()
	settle, err := SettlementEntry(b, "TELCO_SETTLEMENT_20250120_MTN", "mtn", d("13.96"), at)
	require.NoError(t, err)
	assert.Equal(t, "48934389041101", settle.DebitAccountNumber)
	assert.Equal(t, "2004874948", settle.CreditAccountNumber)
	assert.Equal(t, "MTN", settle.TransactionReferenceID)

	revs := ReversalEntries(b, Posting{CustomerID: 7, AccountNumber: "0123456789", At: at}, "DD_12", d("4"), d("0.30"))
	require.Len(t, revs, 2)
	assert.Equal(t, "REV_DD_12", revs[0].TransactionReference)
	assert.Equal(t, b.SMSAlertIncomeAccount, revs[0].DebitAccountNumber)
	assert.Equal(t, "0123456789", revs[0].CreditAccountNumber)
	assert.Equal(t, "REV_VAT_DD_12", revs[1].TransactionReference)
	assert.Equal(t, b.VATPayableAccount, revs[1].DebitAccountNumber)
}

func TestValidateRejectsBadEntries(t *testing.T) {
	base := AccountingEntry{
		TransactionReference: "X",
		DebitAmount:          d("4.30"),
		CreditAmount:         d("4.00"),
		VATAmount:            d("0.30"),
		DebitAccountNumber:   "A",
		CreditAccountNumber:  "B",
		EntryType:            EntryTypeSMSAlertCharge,
	}
	require.NoError(t, base.Validate())

	unbalanced := base
	unbalanced.VATAmount = d("0.20")
	assert.ErrorIs(t, unbalanced.Validate(), ErrUnbalancedEntry)

	negative := base
	negative.CreditAmount = d("-1")
	assert.ErrorIs(t, negative.Validate(), ErrNegativeAmount)

	noRef := base
	noRef.TransactionReference = ""
	assert.ErrorIs(t, noRef.Validate(), ErrInvalidReference)

	badType := base
	badType.EntryType = "Refund"
	assert.ErrorIs(t, badType.Validate(), ErrInvalidEntryType)
}
