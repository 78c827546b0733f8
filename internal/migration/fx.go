package migration

import (
	"github.com/smallbiznis/publica/internal/config"
	"github.com/smallbiznis/publica/internal/seed"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		// The embedded migrations are postgres DDL. Test databases build
		// their schema in the test fixtures instead.
		if cfg.DBType != "postgres" {
			return nil
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}

		if err := RunMigrations(sqlDB); err != nil {
			return err
		}

		if cfg.SeedDemoUser {
			return seed.EnsureDemoUser(conn)
		}
		return nil
	}),
)
