package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/septivank/device-usage-worker/internal/anomaly"
	"github.com/septivank/device-usage-worker/internal/api"
	"github.com/septivank/device-usage-worker/internal/clock"
	"github.com/septivank/device-usage-worker/internal/config"
	"github.com/septivank/device-usage-worker/internal/db"
	"github.com/septivank/device-usage-worker/internal/metrics"
	"github.com/septivank/device-usage-worker/internal/mq"
	"github.com/septivank/device-usage-worker/internal/profile"
	"github.com/septivank/device-usage-worker/internal/repository"
	"github.com/septivank/device-usage-worker/internal/retryable"
	"github.com/septivank/device-usage-worker/internal/service"
	"github.com/septivank/device-usage-worker/internal/traffic"
	"github.com/septivank/device-usage-worker/internal/usage"
	"github.com/septivank/device-usage-worker/internal/validator"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func startWorker(
	lc fx.Lifecycle,
	conn *mq.Connection,
	cfg *config.Config,
	logger *zap.Logger,
	processor *service.ProcessorService,
	collector *metrics.Collector,
) (*mq.Consumer, error) {
	// Create context for consumer that will be cancelled on shutdown
	ctx, cancel := context.WithCancel(context.Background())

	keys := routingKeys(cfg)
	consumer, err := mq.NewConsumer(mq.ConsumerConfig{
		Connection:    conn,
		Queue:         cfg.RabbitMQ.IngestQueue,
		DLQQueue:      cfg.RabbitMQ.DLQQueue,
		Exchange:      cfg.RabbitMQ.IngestExchange,
		RoutingKeys:   keys.All(),
		PrefetchCount: cfg.RabbitMQ.PrefetchCount,
		Handler:       processor.ProcessMessage,
		Recorder:      collector,
		Logger:        logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			logger.Info("starting worker consumer",
				zap.String("queue", cfg.RabbitMQ.IngestQueue),
				zap.Int("prefetch", cfg.RabbitMQ.PrefetchCount))
			return consumer.Start(ctx)
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if err := consumer.Close(); err != nil {
				logger.Error("failed to close consumer", zap.Error(err))
				return err
			}
			logger.Info("worker stopped gracefully")
			return nil
		},
	})

	return consumer, nil
}

func startHTTPServer(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger, handler *api.Handler) {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ServicePort),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("[HTTP] cannot listen on %s: %w", srv.Addr, err)
			}
			logger.Info("http server listening", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server stopped unexpectedly", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Shutdown(ctx); err != nil {
				logger.Error("failed to shut down http server", zap.Error(err))
				return err
			}
			logger.Info("http server stopped")
			return nil
		},
	})
}

func routingKeys(cfg *config.Config) service.RoutingKeys {
	return service.RoutingKeys{
		Diagnostics:    cfg.RabbitMQ.DiagnosticsRoutingKey,
		FactoryReset:   cfg.RabbitMQ.FactoryResetRoutingKey,
		UploadResponse: cfg.RabbitMQ.UploadResponseRoutingKey,
	}
}

// ProvideMetrics creates the metrics collector
func ProvideMetrics() *metrics.Collector {
	return metrics.NewCollector()
}

// ProvideStores creates the counter and traffic stores for the configured
// storage driver
func ProvideStores(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (usage.CounterStore, traffic.Store, error) {
	if cfg.Storage.Driver == config.StorageDriverMemory {
		logger.Warn("using in-memory storage, data is lost on restart")
		return repository.NewMemoryCounterStore(), repository.NewMemoryTrafficStore(), nil
	}

	pool, err := db.NewPool(lc, logger, db.PoolConfig{
		URL:         cfg.Storage.URL,
		MaxConns:    int32(cfg.Storage.MaxConns),
		AutoMigrate: cfg.Storage.AutoMigrate,
	})
	if err != nil {
		return nil, nil, err
	}
	return repository.NewCounterRepository(pool), repository.NewTrafficRepository(pool), nil
}

// ProvideRedis creates the Redis client, nil when REDIS_URL is not set
func ProvideRedis(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*redis.Client, error) {
	if cfg.Redis.URL == "" {
		logger.Warn("REDIS_URL not set, profile cache and retryable process lookup disabled")
		return nil, nil
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("[REDIS] failed to parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				logger.Error("redis ping failed", zap.Error(err))
				return fmt.Errorf("[REDIS CONNECTION FAILED] cannot reach redis, check that it is running and REDIS_URL is correct: %w", err)
			}
			logger.Info("redis connection established successfully")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := client.Close(); err != nil {
				logger.Error("failed to close redis client", zap.Error(err))
				return err
			}
			logger.Info("redis connection closed")
			return nil
		},
	})

	return client, nil
}

// ProvideProfileProvider creates the device manager client, cached in Redis
// when available
func ProvideProfileProvider(cfg *config.Config, logger *zap.Logger, rdb *redis.Client) usage.ProfileProvider {
	client := profile.NewClient(profile.ClientConfig{
		Protocol:    cfg.DeviceManager.Protocol,
		Host:        cfg.DeviceManager.Host,
		Timeout:     cfg.DeviceManager.Timeout,
		InsecureTLS: cfg.DeviceManager.InsecureTLS,
	}, logger)
	if rdb == nil {
		return client
	}
	return profile.NewCachedProvider(client, rdb, cfg.Redis.ProfileKeyPrefix, cfg.Redis.ProfileCacheTTL, logger)
}

// ProvideProcessClassifier creates the retryable process lookup
func ProvideProcessClassifier(cfg *config.Config, rdb *redis.Client) usage.ProcessClassifier {
	if rdb == nil {
		return retryable.Nop{}
	}
	return retryable.NewRedisClassifier(rdb, cfg.Redis.ProcessKeyPrefix)
}

// ProvideMQConnection creates a new RabbitMQ connection instance
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL, cfg.ServiceName)
}

// ProvidePublisher creates a new publisher instance
func ProvidePublisher(lc fx.Lifecycle, conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (*mq.Publisher, error) {
	publisher, err := mq.NewPublisher(mq.PublisherConfig{
		Connection:         conn,
		Exchange:           cfg.RabbitMQ.EventsExchange,
		CountersUpdatedKey: cfg.RabbitMQ.CountersUpdatedRoutingKey,
		QuotaReachedKey:    cfg.RabbitMQ.QuotaReachedRoutingKey,
		Logger:             logger,
	})
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return publisher.Close()
		},
	})
	return publisher, nil
}

// ProvideTracker creates the mobile traffic tracker
func ProvideTracker(store traffic.Store, logger *zap.Logger) *traffic.Tracker {
	return traffic.NewTracker(store, clock.Real{}, logger)
}

// ProvideUsageService creates the counter service
func ProvideUsageService(
	cfg *config.Config,
	store usage.CounterStore,
	tracker *traffic.Tracker,
	profiles usage.ProfileProvider,
	classifier usage.ProcessClassifier,
	publisher *mq.Publisher,
	collector *metrics.Collector,
	logger *zap.Logger,
) *usage.Service {
	opts := usage.DefaultOptions()
	opts.StrictAppend = cfg.Usage.StrictAppend
	opts.AppendRetries = cfg.Usage.AppendRetries
	opts.UniquenessThreshold = cfg.Usage.UniquenessThreshold

	return usage.NewService(usage.ServiceParams{
		Store:      store,
		Traffic:    tracker,
		Profiles:   profiles,
		Classifier: classifier,
		Notifier:   publisher,
		Recorder:   collector,
		Clock:      clock.Real{},
		Options:    opts,
		Logger:     logger,
	})
}

// ProvideAnomalyDetector creates a new anomaly detector instance
func ProvideAnomalyDetector(cfg *config.Config) *anomaly.Detector {
	return anomaly.NewDetector(cfg.Anomaly.SpikeThreshold, cfg.Anomaly.MinDataPointsForDetection)
}

// ProvideValidator creates a new validator instance
func ProvideValidator(cfg *config.Config) *validator.Validator {
	return validator.NewValidator(cfg.Validation.TimestampToleranceMinutes)
}

// ProvideProcessorService creates a new processor service instance
func ProvideProcessorService(
	cfg *config.Config,
	svc *usage.Service,
	tracker *traffic.Tracker,
	detector *anomaly.Detector,
	validator *validator.Validator,
	collector *metrics.Collector,
	logger *zap.Logger,
) *service.ProcessorService {
	return service.NewProcessorService(service.ProcessorParams{
		Usage:       svc,
		Traffic:     tracker,
		Detector:    detector,
		Validator:   validator,
		Recorder:    collector,
		RoutingKeys: routingKeys(cfg),
		Timeout:     cfg.RequestTimeout,
		Logger:      logger,
	})
}

// ProvideHTTPHandler creates the HTTP handlers
func ProvideHTTPHandler(
	cfg *config.Config,
	svc *usage.Service,
	tracker *traffic.Tracker,
	collector *metrics.Collector,
	logger *zap.Logger,
) *api.Handler {
	return api.NewHandler(api.HandlerParams{
		Usage:          svc,
		Traffic:        tracker,
		Recorder:       collector,
		MetricsHandler: collector.Handler(),
		Timeout:        cfg.RequestTimeout,
		Logger:         logger,
	})
}
