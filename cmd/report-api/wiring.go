package main

import (
	"context"
	"fmt"
	"os"

	"github.com/IBM/sarama"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/natalcast/report-pipeline/internal/archive"
	"github.com/natalcast/report-pipeline/internal/config"
	"github.com/natalcast/report-pipeline/internal/events"
	"github.com/natalcast/report-pipeline/internal/generation"
	"github.com/natalcast/report-pipeline/internal/jobs"
	"github.com/natalcast/report-pipeline/internal/lock"
	"github.com/natalcast/report-pipeline/internal/payment"
	"github.com/natalcast/report-pipeline/internal/service"
	"github.com/natalcast/report-pipeline/internal/store"
	"github.com/natalcast/report-pipeline/pkg/log"
	"github.com/natalcast/report-pipeline/pkg/migrations"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	captureQueueInProcess = "inprocess"
	captureQueueRiver     = "river"
)

func initLogger(cfg *config.Config) (undo func()) {
	logger := log.InitLog(log.ParseLevel(cfg.Service.LogLevel), cfg.Service.LogFormat)
	restore := zap.ReplaceGlobals(logger)
	return func() {
		_ = logger.Sync()
		restore()
	}
}

// openStore opens the job store selected by DB_TYPE. Relational stores are
// migrated when migrate is set.
func openStore(ctx context.Context, cfg *config.Config, migrate bool) (store.Store, error) {
	if cfg.Database.Type == "dynamodb" {
		zap.S().Infow("using dynamodb job store", "table", cfg.Database.DynamoTable)
		client, err := store.NewDynamoClient(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("creating dynamodb client: %w", err)
		}
		return store.NewDynamoStore(client, cfg.Database.DynamoTable), nil
	}

	zap.S().Info("initializing data store")
	db, err := store.InitDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing data store: %w", err)
	}
	if migrate {
		if err := migrations.MigrateStore(db, cfg.Database.Type); err != nil {
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}
	return store.NewStore(db), nil
}

func newGateway(cfg *config.Config) (payment.Gateway, error) {
	switch cfg.Payment.Provider {
	case "memory":
		zap.S().Warn("using the in-memory payment gateway, no real payment is verified")
		return payment.NewMemoryGateway(), nil
	case "stripe":
		if cfg.Payment.SecretKey == "" {
			return nil, fmt.Errorf("PAYMENT_SECRET_KEY is required for provider %q", cfg.Payment.Provider)
		}
		return payment.NewHTTPGateway(cfg.Payment.ApiURL, cfg.Payment.SecretKey, cfg.Payment.Timeout), nil
	}
	return nil, fmt.Errorf("unknown payment provider %q", cfg.Payment.Provider)
}

func newBackend(cfg *config.Config) (generation.Backend, error) {
	switch cfg.Generation.Provider {
	case "mock":
		return generation.MockBackend{}, nil
	case "openai":
		backend, err := generation.NewOpenAIBackend(generation.OpenAIOptions{
			APIKey:      cfg.Generation.ApiKey,
			Model:       cfg.Generation.Model,
			BaseURL:     cfg.Generation.ApiURL,
			Temperature: cfg.Generation.Temperature,
		})
		if err != nil {
			return nil, err
		}
		return backend, nil
	}
	return nil, fmt.Errorf("unknown generation provider %q", cfg.Generation.Provider)
}

// newEventProducer publishes to kafka when brokers are configured and to
// stdout otherwise.
func newEventProducer(cfg *config.Config) (*events.EventProducer, error) {
	opts := []events.ProducerOptions{
		events.WithOutputTopic(cfg.Events.Topic),
		events.WithSource(cfg.Events.Source),
		events.WithBufferCapacity(cfg.Events.Buffer),
	}
	if len(cfg.Events.Brokers) == 0 {
		return events.NewEventProducer(events.NewStdoutWriter(os.Stdout), opts...), nil
	}

	saramaCfg := cfg.Events.SaramaConfig
	if saramaCfg == nil {
		saramaCfg = sarama.NewConfig()
	}
	saramaCfg.ClientID = cfg.Events.ClientID
	if cfg.Events.Version != (sarama.KafkaVersion{}) {
		saramaCfg.Version = cfg.Events.Version
	}

	writer, err := events.NewKafkaWriter(cfg.Events.Brokers, saramaCfg)
	if err != nil {
		return nil, err
	}
	zap.S().Infow("publishing events to kafka", "brokers", cfg.Events.Brokers, "topic", cfg.Events.Topic)
	return events.NewEventProducer(writer, opts...), nil
}

func newArchiver(cfg *config.Config) (archive.Archiver, error) {
	if cfg.Archive.Endpoint == "" {
		return archive.NoopArchiver{}, nil
	}
	archiver, err := archive.NewMinioArchiver(
		archive.WithEndpoint(cfg.Archive.Endpoint),
		archive.WithBucket(cfg.Archive.Bucket),
		archive.WithAccessKey(cfg.Archive.AccessKey),
		archive.WithSecretKey(cfg.Archive.SecretKey),
		archive.WithSSL(cfg.Archive.UseSSL),
	)
	if err != nil {
		return nil, fmt.Errorf("creating archiver: %w", err)
	}
	return archiver, nil
}

// newLocker returns a redis lease when REDIS_ADDR is set. Without it only
// one replica may run the sweeper.
func newLocker(cfg *config.Config) (lock.Locker, func() error) {
	if cfg.Redis.Addr == "" {
		return lock.NewMemoryLocker(), func() error { return nil }
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return lock.NewRedisLocker(rdb), rdb.Close
}

// newCaptureDispatcher starts the executor of post completion captures. The
// returned stop function waits for queued captures.
func newCaptureDispatcher(ctx context.Context, cfg *config.Config, settlement *service.Settlement) (service.CaptureDispatcher, func(), error) {
	switch cfg.Payment.CaptureQueue {
	case captureQueueInProcess:
		pool := service.NewCapturePool(settlement, cfg.Payment.CaptureWorkers, 0)
		pool.Start()
		return pool, pool.Stop, nil
	case captureQueueRiver:
		if cfg.Database.Type != "pgsql" {
			return nil, nil, fmt.Errorf("capture queue %q needs DB_TYPE=pgsql", captureQueueRiver)
		}
		pgPool, err := pgxpool.New(ctx, store.PostgresDSN(cfg))
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		if err := migrations.MigrateRiver(ctx, pgPool); err != nil {
			pgPool.Close()
			return nil, nil, err
		}
		client, err := jobs.NewClient(pgPool, settlement, cfg.Payment.CaptureWorkers)
		if err != nil {
			pgPool.Close()
			return nil, nil, fmt.Errorf("creating river client: %w", err)
		}
		if err := client.Start(ctx); err != nil {
			pgPool.Close()
			return nil, nil, fmt.Errorf("starting river client: %w", err)
		}
		stop := func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
			defer cancel()
			if err := client.Stop(stopCtx); err != nil {
				zap.S().Errorw("stopping river client", "error", err)
			}
			pgPool.Close()
		}
		return client, stop, nil
	}
	return nil, nil, fmt.Errorf("unknown capture queue %q", cfg.Payment.CaptureQueue)
}

func newSweeper(st store.Store, settlement *service.Settlement, cfg *config.Config, locker lock.Locker, publisher service.EventPublisher) *service.Sweeper {
	return service.NewSweeper(st, settlement,
		service.WithSweeperLocker(locker),
		service.WithSweeperConcurrency(cfg.Sweeper.Concurrency),
		service.WithStaleAlertThreshold(cfg.Sweeper.AlertThreshold),
		service.WithSweeperEvents(publisher),
	)
}
