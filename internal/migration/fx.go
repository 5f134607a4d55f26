package migration

import (
	"github.com/smallbiznis/hookline/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		// The embedded migrations target postgres; other dialects (sqlite in
		// tests) create their schema out of band.
		if cfg.DBType != "postgres" {
			log.Warn("skipping embedded migrations for non-postgres database",
				zap.String("db_type", cfg.DBType))
			return nil
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
