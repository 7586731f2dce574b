package domain

import (
	"context"
	"errors"
	"time"
)

const (
	KeyMaxRetryAttempts   = "MAX_RETRY_ATTEMPTS"
	KeyRetryIntervalHours = "RETRY_INTERVAL_HOURS"

	DefaultMaxRetryAttempts   = "3"
	DefaultRetryIntervalHours = "24"
)

// Defaults are the values reported for keys that have no row yet.
var Defaults = map[string]Default{
	KeyMaxRetryAttempts:   {Value: DefaultMaxRetryAttempts, Description: "Maximum charge attempts before an item is left for reconciliation"},
	KeyRetryIntervalHours: {Value: DefaultRetryIntervalHours, Description: "Minimum hours between two attempts of a failed item"},
}

type Default struct {
	Value       string
	Description string
}

// ConfigurationValue is a runtime policy knob stored in system_configurations.
type ConfigurationValue struct {
	ConfigKey      string    `gorm:"primaryKey" json:"config_key"`
	ConfigValue    string    `gorm:"not null" json:"config_value"`
	Description    string    `json:"description"`
	IsActive       bool      `gorm:"not null" json:"is_active"`
	LastModifiedBy string    `json:"last_modified_by"`
	LastModifiedAt time.Time `json:"last_modified_at"`
}

func (ConfigurationValue) TableName() string { return "system_configurations" }

type Service interface {
	GetValue(ctx context.Context, key string, def string) string
	GetInt(ctx context.Context, key string, def int) int
	List(ctx context.Context) ([]ConfigurationValue, error)
	Set(ctx context.Context, key, value, description, modifiedBy string) (ConfigurationValue, error)
	Deactivate(ctx context.Context, key, modifiedBy string) error
}

var (
	ErrInvalidKey     = errors.New("invalid_config_key")
	ErrInvalidValue   = errors.New("invalid_config_value")
	ErrConfigNotFound = errors.New("config_not_found")
)
