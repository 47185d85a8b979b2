package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/config"
	"github.com/drfirst/go-rxfill/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxfill/internal/infrastructure/sqlite"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()
			ctx := cmd.Context()

			if cfg.DatabaseDriver == config.DriverSQLite {
				// the embedded schema is applied on open
				db, err := sqlite.Open(ctx, cfg.SQLitePath)
				if err != nil {
					return err
				}
				logger.Info("sqlite schema up to date", zap.String("path", cfg.SQLitePath))
				return db.Close()
			}

			pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := postgres.NewMigrator(pool, logger).Up(ctx)
			if err != nil {
				return err
			}
			logger.Info("migrations applied", zap.Int("count", applied))
			return nil
		},
	}
}
