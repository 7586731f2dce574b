package service

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/smallbiznis/alertbilling/internal/clock"
	"github.com/smallbiznis/alertbilling/internal/sysconfig/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("sysconfig.service"),
		clock: p.Clock,
	}
}

// GetValue never fails: lookup errors are logged and the default returned.
func (s *Service) GetValue(ctx context.Context, key string, def string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return def
	}

	var row domain.ConfigurationValue
	err := s.db.WithContext(ctx).
		Where("config_key = ? AND is_active = ?", key, true).
		Limit(1).
		Find(&row).Error
	if err != nil {
		s.log.Warn("config lookup failed, using default",
			zap.String("key", key),
			zap.String("default", def),
			zap.Error(err),
		)
		return def
	}
	if row.ConfigKey == "" {
		return def
	}
	return row.ConfigValue
}

func (s *Service) GetInt(ctx context.Context, key string, def int) int {
	raw := s.GetValue(ctx, key, strconv.Itoa(def))
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		s.log.Warn("config value is not an integer, using default",
			zap.String("key", key),
			zap.String("value", raw),
			zap.Int("default", def),
		)
		return def
	}
	return value
}

// List returns active rows plus the built-in defaults that have no row.
func (s *Service) List(ctx context.Context) ([]domain.ConfigurationValue, error) {
	var rows []domain.ConfigurationValue
	if err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("config_key").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	present := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		present[row.ConfigKey] = struct{}{}
	}
	now := s.clock.Now()
	for key, def := range domain.Defaults {
		if _, ok := present[key]; ok {
			continue
		}
		rows = append(rows, domain.ConfigurationValue{
			ConfigKey:      key,
			ConfigValue:    def.Value,
			Description:    def.Description,
			IsActive:       true,
			LastModifiedBy: "system",
			LastModifiedAt: now,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ConfigKey < rows[j].ConfigKey })
	return rows, nil
}

func (s *Service) Set(ctx context.Context, key, value, description, modifiedBy string) (domain.ConfigurationValue, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ConfigurationValue{}, domain.ErrInvalidKey
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return domain.ConfigurationValue{}, domain.ErrInvalidValue
	}
	if _, known := domain.Defaults[key]; known {
		if n, err := strconv.Atoi(value); err != nil || n <= 0 {
			return domain.ConfigurationValue{}, domain.ErrInvalidValue
		}
	}
	if strings.TrimSpace(modifiedBy) == "" {
		modifiedBy = "system"
	}

	row := domain.ConfigurationValue{
		ConfigKey:      key,
		ConfigValue:    value,
		Description:    strings.TrimSpace(description),
		IsActive:       true,
		LastModifiedBy: modifiedBy,
		LastModifiedAt: s.clock.Now(),
	}
	updateCols := []string{"config_value", "is_active", "last_modified_by", "last_modified_at"}
	if row.Description != "" {
		updateCols = append(updateCols, "description")
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "config_key"}},
		DoUpdates: clause.AssignmentColumns(updateCols),
	}).Create(&row).Error
	if err != nil {
		return domain.ConfigurationValue{}, err
	}

	s.log.Info("config value updated",
		zap.String("key", key),
		zap.String("value", value),
		zap.String("modified_by", modifiedBy),
	)
	return row, nil
}

func (s *Service) Deactivate(ctx context.Context, key, modifiedBy string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrInvalidKey
	}
	result := s.db.WithContext(ctx).Exec(
		`UPDATE system_configurations
		 SET is_active = ?, last_modified_by = ?, last_modified_at = ?
		 WHERE config_key = ? AND is_active = ?`,
		false, modifiedBy, s.clock.Now(), key, true,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConfigNotFound
	}
	return nil
}

var _ domain.Service = (*Service)(nil)
