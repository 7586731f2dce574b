package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/alertbilling/internal/config"
)

var ErrUnknownProvider = errors.New("unknown_telco_provider")

// Posting carries the customer side of an entry.
type Posting struct {
	CustomerID    snowflake.ID
	AccountNumber string
	At            time.Time
}

func (p Posting) customer() *snowflake.ID {
	if p.CustomerID == 0 {
		return nil
	}
	id := p.CustomerID
	return &id
}

// IncomeAccount returns the GL account credited for a charge of entryType.
func IncomeAccount(b config.BillingConstants, entryType EntryType) string {
	if entryType == EntryTypeQBECharge {
		return b.QBEAlertIncomeAccount
	}
	return b.SMSAlertIncomeAccount
}

// BatchChargeEntry debits the customer and credits the income account of
// entryType under BATCH_CHARGE_{chargeID}.
func BatchChargeEntry(b config.BillingConstants, p Posting, chargeID snowflake.ID, amount decimal.Decimal, entryType EntryType) AccountingEntry {
	return AccountingEntry{
		CustomerID:             p.customer(),
		TransactionReference:   "BATCH_CHARGE_" + chargeID.String(),
		TransactionReferenceID: chargeID.String(),
		DebitAmount:            amount,
		CreditAmount:           amount,
		VATAmount:              decimal.Zero,
		DebitAccountNumber:     p.AccountNumber,
		CreditAccountNumber:    IncomeAccount(b, entryType),
		Narration:              fmt.Sprintf("Batch charge for %s", p.AccountNumber),
		EntryType:              entryType,
		ProcessedBy:            ProcessedBySystem,
		ProcessedAt:            p.At,
	}
}

// SMSAlertEntries posts the principal to SMS income and, when due, the VAT
// to VAT payable.
func SMSAlertEntries(b config.BillingConstants, p Posting, alertID snowflake.ID, charge, vat decimal.Decimal) []AccountingEntry {
	ref := alertID.String()
	return chargeWithVAT(b, p, "SMS_CHARGE_"+ref, "SMS_VAT_"+ref, ref, charge, vat, EntryTypeSMSAlertCharge,
		fmt.Sprintf("SMS Alert Charge for %s", p.AccountNumber))
}

// ItemEntries posts a queue item that has no alert of its own, such as a
// consolidated charge.
func ItemEntries(b config.BillingConstants, p Posting, reference string, charge, vat decimal.Decimal) []AccountingEntry {
	return chargeWithVAT(b, p, reference+"_CHARGE", reference+"_VAT", reference, charge, vat, EntryTypeSMSAlertCharge,
		fmt.Sprintf("Consolidated alert charges for %s", p.AccountNumber))
}

func chargeWithVAT(b config.BillingConstants, p Posting, chargeRef, vatRef, refID string, charge, vat decimal.Decimal, entryType EntryType, narration string) []AccountingEntry {
	entries := []AccountingEntry{{
		CustomerID:             p.customer(),
		TransactionReference:   chargeRef,
		TransactionReferenceID: refID,
		DebitAmount:            charge,
		CreditAmount:           charge,
		VATAmount:              decimal.Zero,
		DebitAccountNumber:     p.AccountNumber,
		CreditAccountNumber:    IncomeAccount(b, entryType),
		Narration:              narration,
		EntryType:              entryType,
		ProcessedBy:            ProcessedBySystem,
		ProcessedAt:            p.At,
	}}
	if vat.IsPositive() {
		vatAccount := b.VATPayableAccount
		entries = append(entries, AccountingEntry{
			CustomerID:             p.customer(),
			TransactionReference:   vatRef,
			TransactionReferenceID: refID,
			DebitAmount:            vat,
			CreditAmount:           decimal.Zero,
			VATAmount:              vat,
			DebitAccountNumber:     p.AccountNumber,
			CreditAccountNumber:    vatAccount,
			VATAccountNumber:       &vatAccount,
			Narration:              fmt.Sprintf("VAT on %s", narration),
			EntryType:              EntryTypeVATDebit,
			ProcessedBy:            ProcessedBySystem,
			ProcessedAt:            p.At,
		})
	}
	return entries
}

// QBEEntries credits USSD income with the enquiry charge and moves the
// session charge on to the provider's suspense account.
func QBEEntries(b config.BillingConstants, p Posting, enquiryID snowflake.ID, provider string, charge, session decimal.Decimal) ([]AccountingEntry, error) {
	telco, ok := b.Telco(provider)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	ref := enquiryID.String()
	entries := []AccountingEntry{{
		CustomerID:             p.customer(),
		TransactionReference:   "QBE_" + ref,
		TransactionReferenceID: ref,
		DebitAmount:            charge,
		CreditAmount:           charge,
		VATAmount:              decimal.Zero,
		DebitAccountNumber:     p.AccountNumber,
		CreditAccountNumber:    b.USSDIncomeAccount,
		Narration:              fmt.Sprintf("Quick Balance Enquiry Charge for %s", p.AccountNumber),
		EntryType:              EntryTypeQBECharge,
		ProcessedBy:            ProcessedBySystem,
		ProcessedAt:            p.At,
	}}
	if session.IsPositive() {
		entries = append(entries, AccountingEntry{
			CustomerID:             p.customer(),
			TransactionReference:   "QBE_TELCO_" + ref,
			TransactionReferenceID: ref,
			DebitAmount:            session,
			CreditAmount:           session,
			VATAmount:              decimal.Zero,
			DebitAccountNumber:     b.USSDIncomeAccount,
			CreditAccountNumber:    telco.Suspense,
			Narration:              fmt.Sprintf("Telco Session Charge for %s", p.AccountNumber),
			EntryType:              EntryTypeTelcoSessionCharge,
			ProcessedBy:            ProcessedBySystem,
			ProcessedAt:            p.At,
		})
	}
	return entries, nil
}

// SettlementEntry moves a provider's collected session charges from its
// suspense account to its settlement account.
func SettlementEntry(b config.BillingConstants, reference, provider string, amount decimal.Decimal, at time.Time) (AccountingEntry, error) {
	telco, ok := b.Telco(provider)
	if !ok {
		return AccountingEntry{}, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return AccountingEntry{
		TransactionReference:   reference,
		TransactionReferenceID: config.NormalizeTelco(provider),
		DebitAmount:            amount,
		CreditAmount:           amount,
		VATAmount:              decimal.Zero,
		DebitAccountNumber:     telco.Suspense,
		CreditAccountNumber:    telco.Settlement,
		Narration:              fmt.Sprintf("Telco settlement for %s", config.NormalizeTelco(provider)),
		EntryType:              EntryTypeTelcoSessionCharge,
		ProcessedBy:            ProcessedBySystem,
		ProcessedAt:            at,
	}, nil
}

// ReversalEntries offset the income and VAT recognised for an alert whose
// charge is being carried into a consolidated item.
func ReversalEntries(b config.BillingConstants, p Posting, reference string, charge, vat decimal.Decimal) []AccountingEntry {
	entries := make([]AccountingEntry, 0, 2)
	if charge.IsPositive() {
		entries = append(entries, AccountingEntry{
			CustomerID:             p.customer(),
			TransactionReference:   "REV_" + reference,
			TransactionReferenceID: reference,
			DebitAmount:            charge,
			CreditAmount:           charge,
			VATAmount:              decimal.Zero,
			DebitAccountNumber:     b.SMSAlertIncomeAccount,
			CreditAccountNumber:    p.AccountNumber,
			Narration:              fmt.Sprintf("Reversal: Failed SMS Alert Charge for %s", p.AccountNumber),
			EntryType:              EntryTypeSMSAlertCharge,
			ProcessedBy:            ProcessedBySystem,
			ProcessedAt:            p.At,
		})
	}
	if vat.IsPositive() {
		entries = append(entries, AccountingEntry{
			CustomerID:             p.customer(),
			TransactionReference:   "REV_VAT_" + reference,
			TransactionReferenceID: reference,
			DebitAmount:            vat,
			CreditAmount:           vat,
			VATAmount:              decimal.Zero,
			DebitAccountNumber:     b.VATPayableAccount,
			CreditAccountNumber:    p.AccountNumber,
			Narration:              fmt.Sprintf("Reversal: VAT on failed SMS Alert Charge for %s", p.AccountNumber),
			EntryType:              EntryTypeVATDebit,
			ProcessedBy:            ProcessedBySystem,
			ProcessedAt:            p.At,
		})
	}
	return entries
}
