package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/natalcast/report-pipeline/internal/config"
	"github.com/natalcast/report-pipeline/internal/payment"
	"github.com/natalcast/report-pipeline/internal/service"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var sweepThreshold time.Duration

// sweepCmd runs a single sweep against the job store, for cron style
// deployments that do not expose the internal endpoint.
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the stale job sweeper once and print its report",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New()
		if err != nil {
			zap.S().Fatalw("reading configuration", "error", err)
		}

		undo := initLogger(cfg)
		defer undo()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		st, err := openStore(ctx, cfg, false)
		if err != nil {
			zap.S().Fatalw("opening job store", "error", err)
		}
		defer st.Close()

		gateway, err := newGateway(cfg)
		if err != nil {
			zap.S().Fatalw("creating payment gateway", "error", err)
		}

		producer, err := newEventProducer(cfg)
		if err != nil {
			zap.S().Fatalw("creating event producer", "error", err)
		}
		defer func() { _ = producer.Close() }()

		locker, closeLocker := newLocker(cfg)
		defer func() { _ = closeLocker() }()

		settlement := service.NewSettlement(st, payment.NewReconciler(gateway), producer)
		sweeper := newSweeper(st, settlement, cfg, locker, producer)

		threshold := cfg.Sweeper.Threshold
		if sweepThreshold > 0 {
			threshold = sweepThreshold
		}

		report, err := sweeper.Run(ctx, threshold)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	sweepCmd.Flags().DurationVar(&sweepThreshold, "threshold", 0, "Time without a heartbeat before a processing job is stale. Defaults to SWEEPER_THRESHOLD")
}
