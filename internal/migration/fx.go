package migration

import (
	"context"
	"strings"

	"github.com/smallbiznis/alertbilling/internal/config"
	"github.com/smallbiznis/alertbilling/internal/seed"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		log = log.Named("migration")
		if strings.EqualFold(strings.TrimSpace(cfg.DBType), "postgres") {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			version, err := RunMigrations(sqlDB)
			if err != nil {
				return err
			}
			log.Info("schema migrations applied", zap.Uint("version", version))
		} else {
			log.Info("skipping embedded migrations", zap.String("db_type", cfg.DBType))
		}

		return seed.EnsureSystemConfigurations(context.Background(), conn)
	}),
)
