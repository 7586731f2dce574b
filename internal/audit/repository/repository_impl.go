package repository

import (
	"context"
	"strings"

	"github.com/smallbiznis/alertbilling/internal/audit/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *domain.AuditLog) error {
	if entry == nil {
		return nil
	}
	return db.WithContext(ctx).Table(entry.TableName()).Create(entry).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.AuditLog, error) {
	query := db.WithContext(ctx).Table("audit_logs AS a").Select("a.*")

	// Exact-match columns; blanks are ignored.
	for column, value := range map[string]string{
		"a.action":      filter.Action,
		"a.target_type": filter.TargetType,
		"a.target_id":   filter.TargetID,
		"a.actor_type":  filter.ActorType,
	} {
		if v := strings.TrimSpace(value); v != "" {
			query = query.Where(column+" = ?", v)
		}
	}
	if filter.StartAt != nil {
		query = query.Where("a.created_at >= ?", filter.StartAt.UTC())
	}
	if filter.EndAt != nil {
		query = query.Where("a.created_at <= ?", filter.EndAt.UTC())
	}
	if c := filter.Cursor; c != nil {
		query = query.Where("a.created_at < ? OR (a.created_at = ? AND a.id < ?)", c.CreatedAt, c.CreatedAt, c.ID)
	}
	if filter.Limit > 0 {
		// One extra row tells the caller another page exists.
		query = query.Limit(filter.Limit + 1)
	}

	var logs []*domain.AuditLog
	if err := query.Order("a.created_at DESC").Order("a.id DESC").Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}
