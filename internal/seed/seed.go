package seed

import (
	"context"
	"errors"
	"sort"
	"time"

	sysconfigdomain "github.com/smallbiznis/alertbilling/internal/sysconfig/domain"
	"gorm.io/gorm"
)

// EnsureSystemConfigurations inserts the retry policy defaults without
// touching keys an operator already set.
func EnsureSystemConfigurations(ctx context.Context, db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	keys := make([]string, 0, len(sysconfigdomain.Defaults))
	for key := range sysconfigdomain.Defaults {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	now := time.Now().UTC()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, key := range keys {
			def := sysconfigdomain.Defaults[key]
			if err := tx.Exec(
				`INSERT INTO system_configurations (
					config_key, config_value, description, is_active, last_modified_by, last_modified_at
				) VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT (config_key) DO NOTHING`,
				key,
				def.Value,
				def.Description,
				true,
				"system",
				now,
			).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
