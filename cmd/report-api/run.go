package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	apiserver "github.com/natalcast/report-pipeline/internal/api_server"
	"github.com/natalcast/report-pipeline/internal/config"
	"github.com/natalcast/report-pipeline/internal/payment"
	"github.com/natalcast/report-pipeline/internal/report"
	"github.com/natalcast/report-pipeline/internal/service"
	"github.com/natalcast/report-pipeline/pkg/tracing"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the report api",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New()
		if err != nil {
			zap.S().Fatalw("reading configuration", "error", err)
		}

		undo := initLogger(cfg)
		defer undo()

		zap.S().Info("Starting API service")
		defer zap.S().Info("API service stopped")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
		defer cancel()

		shutdownTracing, err := tracing.Init(ctx, "report-api", cfg.Tracing)
		if err != nil {
			zap.S().Fatalw("initializing tracing", "error", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
			defer cancel()
			_ = shutdownTracing(shutdownCtx)
		}()

		st, err := openStore(ctx, cfg, true)
		if err != nil {
			zap.S().Fatalw("opening job store", "error", err)
		}
		defer st.Close()

		producer, err := newEventProducer(cfg)
		if err != nil {
			zap.S().Fatalw("creating event producer", "error", err)
		}
		defer func() { _ = producer.Close() }()

		gateway, err := newGateway(cfg)
		if err != nil {
			zap.S().Fatalw("creating payment gateway", "error", err)
		}
		settlement := service.NewSettlement(st, payment.NewReconciler(gateway), producer)

		dispatcher, stopCapture, err := newCaptureDispatcher(ctx, cfg, settlement)
		if err != nil {
			zap.S().Fatalw("starting capture executor", "error", err)
		}
		defer stopCapture()

		backend, err := newBackend(cfg)
		if err != nil {
			zap.S().Fatalw("creating generation backend", "error", err)
		}

		archiver, err := newArchiver(cfg)
		if err != nil {
			zap.S().Fatalw("creating archiver", "error", err)
		}

		registry := report.DefaultRegistry()
		orchestrator := service.NewOrchestrator(st, registry, backend, settlement, dispatcher,
			service.WithEventPublisher(producer),
			service.WithArchiver(archiver),
			service.WithAllowlist(service.NewStaticAllowlist(cfg.Service.AllowlistTokens...)),
			service.WithAsyncGeneration(cfg.Service.AsyncGeneration),
			service.WithHeartbeatInterval(cfg.Service.HeartbeatInterval),
			service.WithGenerationTimeout(cfg.Service.GenerationTimeout),
		)
		// runs before stopCapture: the last generations, synchronous ones
		// included, must dispatch their captures to a live executor
		defer orchestrator.Wait()

		locker, closeLocker := newLocker(cfg)
		defer func() { _ = closeLocker() }()
		sweeper := newSweeper(st, settlement, cfg, locker, producer)
		if cfg.Sweeper.Interval > 0 {
			zap.S().Infow("scheduling sweeper", "interval", cfg.Sweeper.Interval, "threshold", cfg.Sweeper.Threshold)
			go sweeper.Start(ctx, cfg.Sweeper.Interval, cfg.Sweeper.Threshold)
		}

		apiDone := make(chan struct{})
		go func() {
			defer close(apiDone)
			defer cancel()
			listener, err := newListener(cfg.Service.Address)
			if err != nil {
				zap.S().Fatalw("creating listener", "error", err)
			}

			server := apiserver.New(cfg, listener, orchestrator, sweeper, registry.Types())
			if err := server.Run(ctx); err != nil {
				zap.S().Fatalw("Error running server", "error", err)
			}
		}()

		go func() {
			defer cancel()
			listener, err := newListener(cfg.Service.MetricsAddress)
			if err != nil {
				zap.S().Fatalw("creating listener", "error", err)
			}

			metricsServer := apiserver.NewMetricServer(cfg.Service.MetricsAddress, listener,
				apiserver.ReadinessCheck{Name: "store", Check: st.Ping},
			)
			if err := metricsServer.Run(ctx); err != nil {
				zap.S().Fatalw("Error running metrics server", "error", err)
			}
		}()

		<-ctx.Done()
		// no deferred teardown before in-flight requests have drained
		<-apiDone
		return nil
	},
}

func newListener(address string) (net.Listener, error) {
	if address == "" {
		address = "localhost:0"
	}
	return net.Listen("tcp", address)
}
