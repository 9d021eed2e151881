package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/septivank/device-usage-worker/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const lifecycleTimeout = 30 * time.Second

func main() {
	if path, ok := loadDotEnv(); ok {
		fmt.Printf("Loaded environment from: %s\n", path)
	} else {
		fmt.Println("No .env file found, using system environment variables")
	}

	app := fx.New(
		fx.Provide(
			config.Load,
			newLogger,
			ProvideMetrics,
			ProvideStores,
			ProvideRedis,
			ProvideProfileProvider,
			ProvideProcessClassifier,
			ProvideMQConnection,
			ProvidePublisher,
			ProvideTracker,
			ProvideUsageService,
			ProvideAnomalyDetector,
			ProvideValidator,
			ProvideProcessorService,
			ProvideHTTPHandler,
		),
		fx.Invoke(startWorker, startHTTPServer),
	)

	bootLogger, err := newLogger(&config.Config{ServiceName: "device-usage-worker"})
	if err != nil {
		bootLogger = zap.NewNop()
	}
	bootLogger.Info("starting device usage worker", zap.Duration("timeout", lifecycleTimeout))

	startCtx, startCancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer startCancel()

	if err := app.Start(startCtx); err != nil {
		if errors.Is(startCtx.Err(), context.DeadlineExceeded) {
			bootLogger.Error("device usage worker did not start in time, check that Postgres, RabbitMQ, Redis and the device manager are reachable",
				zap.Duration("timeout", lifecycleTimeout))
		}
		bootLogger.Fatal("failed to start device usage worker", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		bootLogger.Error("failed to stop device usage worker cleanly", zap.Error(err))
	}
}

// loadDotEnv loads the first .env found in the working directory or up to
// two of its parents.
func loadDotEnv() (string, bool) {
	candidates := []string{".env", filepath.Join("..", "..", ".env")}
	if workDir, err := os.Getwd(); err == nil {
		dir := workDir
		for range 3 {
			candidates = append(candidates, filepath.Join(dir, ".env"))
			dir = filepath.Dir(dir)
		}
	}

	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		if err := godotenv.Load(candidate); err != nil {
			continue
		}
		abs, _ := filepath.Abs(candidate)
		return abs, true
	}
	return "", false
}
