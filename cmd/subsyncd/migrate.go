package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mihaimyh/subsync/internal/config"
	"github.com/mihaimyh/subsync/storage/gormstore"
	"github.com/mihaimyh/subsync/storage/postgres"
)

func newMigrateCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the schema for the configured SQL storage driver",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			msg, err := runMigrate(ctx, cfg.Storage)
			if err != nil {
				return fmt.Errorf("migrate failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
}

func runMigrate(ctx context.Context, sc config.StorageConfig) (string, error) {
	switch sc.Driver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, sc.DSN)
		if err != nil {
			return "", err
		}
		defer pool.Close()

		if err := postgres.Migrate(pool); err != nil {
			return "", err
		}
		version, dirty, err := postgres.SchemaVersion(pool)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("postgres schema at version %d (dirty=%t)", version, dirty), nil

	case config.DriverSQLite, config.DriverMySQL:
		dialector, err := gormstore.Open(sc.Driver, sc.DSN)
		if err != nil {
			return "", err
		}
		db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
		if err != nil {
			return "", err
		}
		store, err := gormstore.New(db.WithContext(ctx), gormstore.Config{AutoMigrate: true})
		if err != nil {
			return "", err
		}
		defer store.Close()
		return sc.Driver + " schema is up to date", nil
	}
	return "", fmt.Errorf("storage driver %q has no schema to migrate", sc.Driver)
}
