package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/natalcast/report-pipeline/internal/config"
	"github.com/natalcast/report-pipeline/internal/store"
	"github.com/natalcast/report-pipeline/pkg/migrations"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate the db",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New()
		if err != nil {
			zap.S().Fatalw("reading configuration", "error", err)
		}

		undo := initLogger(cfg)
		defer undo()

		defer zap.S().Info("Db migrated")

		if cfg.Database.Type == "dynamodb" {
			zap.S().Infow("dynamodb tables are provisioned outside the service, nothing to migrate", "table", cfg.Database.DynamoTable)
			return nil
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		st, err := openStore(ctx, cfg, true)
		if err != nil {
			zap.S().Fatalw("migrating job store", "error", err)
		}
		defer st.Close()

		if cfg.Database.Type != "pgsql" || cfg.Payment.CaptureQueue != captureQueueRiver {
			return nil
		}

		pool, err := pgxpool.New(ctx, store.PostgresDSN(cfg))
		if err != nil {
			zap.S().Fatalw("connecting to postgres", "error", err)
		}
		defer pool.Close()

		if err := migrations.MigrateRiver(ctx, pool); err != nil {
			zap.S().Fatalw("migrating river", "error", err)
		}
		return nil
	},
}
