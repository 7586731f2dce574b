package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	TelcoMTN        = "MTN"
	TelcoAirtel     = "AIRTEL"
	TelcoGlo        = "GLO"
	TelcoNineMobile = "9MOBILE"
)

// TelcoAccounts pairs the suspense and settlement GL accounts of a provider.
type TelcoAccounts struct {
	Suspense   string
	Settlement string
}

// BillingConstants are the rates and GL accounts consumed by the charge engine.
type BillingConstants struct {
	SMSUnitCharge      decimal.Decimal
	QBEUnitCharge      decimal.Decimal
	VATRate            decimal.Decimal
	TelcoSessionCharge decimal.Decimal

	SMSAlertIncomeAccount string
	QBEAlertIncomeAccount string
	VATPayableAccount     string
	USSDIncomeAccount     string

	Telcos map[string]TelcoAccounts
}

func DefaultBillingConstants() BillingConstants {
	return BillingConstants{
		SMSUnitCharge:         decimal.RequireFromString("4.00"),
		QBEUnitCharge:         decimal.RequireFromString("10.00"),
		VATRate:               decimal.RequireFromString("0.075"),
		TelcoSessionCharge:    decimal.RequireFromString("6.98"),
		SMSAlertIncomeAccount: "XXX55190000301",
		QBEAlertIncomeAccount: "XXX55190000303",
		VATPayableAccount:     "XXX33104000101",
		USSDIncomeAccount:     "XXX55099006601",
		Telcos: map[string]TelcoAccounts{
			TelcoMTN:        {Suspense: "48934389041101", Settlement: "2004874948"},
			TelcoAirtel:     {Suspense: "48934389041201", Settlement: "2002751537"},
			TelcoNineMobile: {Suspense: "48934389041301", Settlement: "2012887918"},
			TelcoGlo:        {Suspense: "48934389041401", Settlement: "2018285619"},
		},
	}
}

// VATFor returns the VAT due on amount, rounded to kobo.
func (b BillingConstants) VATFor(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(b.VATRate).Round(2)
}

// Telco looks up provider accounts; provider is matched case-insensitively.
func (b BillingConstants) Telco(provider string) (TelcoAccounts, bool) {
	accounts, ok := b.Telcos[NormalizeTelco(provider)]
	return accounts, ok
}

// TelcoNames returns the configured providers in reporting order.
func (b BillingConstants) TelcoNames() []string {
	ordered := []string{TelcoMTN, TelcoAirtel, TelcoGlo, TelcoNineMobile}
	out := make([]string, 0, len(b.Telcos))
	for _, name := range ordered {
		if _, ok := b.Telcos[name]; ok {
			out = append(out, name)
		}
	}
	for name := range b.Telcos {
		found := false
		for _, known := range ordered {
			if name == known {
				found = true
				break
			}
		}
		if !found {
			out = append(out, name)
		}
	}
	return out
}

func NormalizeTelco(provider string) string {
	value := strings.ToUpper(strings.TrimSpace(provider))
	switch value {
	case "NINEMOBILE", "ETISALAT":
		return TelcoNineMobile
	default:
		return value
	}
}

type billingFile struct {
	SMSUnitCharge      string `mapstructure:"smsUnitCharge"`
	QBEUnitCharge      string `mapstructure:"qbeUnitCharge"`
	VATRate            string `mapstructure:"vatRate"`
	TelcoSessionCharge string `mapstructure:"telcoSessionCharge"`
	Accounts           struct {
		SMSAlertIncome string `mapstructure:"smsAlertIncome"`
		QBEAlertIncome string `mapstructure:"qbeAlertIncome"`
		VATPayable     string `mapstructure:"vatPayable"`
		USSDIncome     string `mapstructure:"ussdIncome"`
	} `mapstructure:"accounts"`
	Telcos map[string]struct {
		Suspense   string `mapstructure:"suspense"`
		Settlement string `mapstructure:"settlement"`
	} `mapstructure:"telcos"`
}

// BillingHolder serves the current BillingConstants and swaps them on file change.
type BillingHolder struct {
	current atomic.Value // holds BillingConstants
}

// NewStaticBilling wraps fixed constants, mainly for tests.
func NewStaticBilling(b BillingConstants) *BillingHolder {
	holder := &BillingHolder{}
	holder.current.Store(b)
	return holder
}

func NewBillingHolder(log *zap.Logger) (*BillingHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("billing-config")

	v := viper.New()
	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/alertbilling/config")
	v.AddConfigPath("/etc/alertbilling")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ALERTBILLING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	holder := &BillingHolder{}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		holder.current.Store(DefaultBillingConstants())
		log.Info("billing config file not found, using defaults")
		return holder, nil
	}

	cfg, err := decodeBilling(v)
	if err != nil {
		return nil, err
	}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeBilling(v)
		if err != nil {
			log.Warn("billing config reload ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("billing config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *BillingHolder) Get() BillingConstants {
	return h.current.Load().(BillingConstants)
}

func decodeBilling(v *viper.Viper) (BillingConstants, error) {
	var raw billingFile
	if err := v.UnmarshalKey("billing", &raw); err != nil {
		return BillingConstants{}, err
	}

	cfg := DefaultBillingConstants()
	var err error
	if cfg.SMSUnitCharge, err = decimalOr(raw.SMSUnitCharge, cfg.SMSUnitCharge); err != nil {
		return BillingConstants{}, fmt.Errorf("billing.smsUnitCharge: %w", err)
	}
	if cfg.QBEUnitCharge, err = decimalOr(raw.QBEUnitCharge, cfg.QBEUnitCharge); err != nil {
		return BillingConstants{}, fmt.Errorf("billing.qbeUnitCharge: %w", err)
	}
	if cfg.VATRate, err = decimalOr(raw.VATRate, cfg.VATRate); err != nil {
		return BillingConstants{}, fmt.Errorf("billing.vatRate: %w", err)
	}
	if cfg.TelcoSessionCharge, err = decimalOr(raw.TelcoSessionCharge, cfg.TelcoSessionCharge); err != nil {
		return BillingConstants{}, fmt.Errorf("billing.telcoSessionCharge: %w", err)
	}
	cfg.SMSAlertIncomeAccount = stringOr(raw.Accounts.SMSAlertIncome, cfg.SMSAlertIncomeAccount)
	cfg.QBEAlertIncomeAccount = stringOr(raw.Accounts.QBEAlertIncome, cfg.QBEAlertIncomeAccount)
	cfg.VATPayableAccount = stringOr(raw.Accounts.VATPayable, cfg.VATPayableAccount)
	cfg.USSDIncomeAccount = stringOr(raw.Accounts.USSDIncome, cfg.USSDIncomeAccount)

	if len(raw.Telcos) > 0 {
		cfg.Telcos = make(map[string]TelcoAccounts, len(raw.Telcos))
		for name, accounts := range raw.Telcos {
			cfg.Telcos[NormalizeTelco(name)] = TelcoAccounts{
				Suspense:   strings.TrimSpace(accounts.Suspense),
				Settlement: strings.TrimSpace(accounts.Settlement),
			}
		}
	}

	if err := ValidateBilling(cfg); err != nil {
		return BillingConstants{}, err
	}
	return cfg, nil
}

func ValidateBilling(cfg BillingConstants) error {
	if !cfg.SMSUnitCharge.IsPositive() {
		return errors.New("billing.smsUnitCharge must be positive")
	}
	if !cfg.QBEUnitCharge.IsPositive() {
		return errors.New("billing.qbeUnitCharge must be positive")
	}
	if cfg.VATRate.IsNegative() {
		return errors.New("billing.vatRate cannot be negative")
	}
	if cfg.TelcoSessionCharge.IsNegative() || cfg.TelcoSessionCharge.GreaterThan(cfg.QBEUnitCharge) {
		return errors.New("billing.telcoSessionCharge must be between 0 and qbeUnitCharge")
	}
	if cfg.SMSAlertIncomeAccount == "" || cfg.QBEAlertIncomeAccount == "" || cfg.VATPayableAccount == "" || cfg.USSDIncomeAccount == "" {
		return errors.New("billing.accounts cannot be empty")
	}
	if len(cfg.Telcos) == 0 {
		return errors.New("billing.telcos cannot be empty")
	}
	for name, accounts := range cfg.Telcos {
		if accounts.Suspense == "" || accounts.Settlement == "" {
			return fmt.Errorf("billing.telcos.%s requires suspense and settlement accounts", name)
		}
	}
	return nil
}

func decimalOr(raw string, def decimal.Decimal) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	return decimal.NewFromString(raw)
}

func stringOr(raw, def string) string {
	if value := strings.TrimSpace(raw); value != "" {
		return value
	}
	return def
}
