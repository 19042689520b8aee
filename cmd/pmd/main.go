// pmd is the Inkwell server: one process carrying the HTTP API, the SSE
// change stream, and the background job workers that run the capture
// pipeline. Configuration comes entirely from the environment; see
// internal/config for the recognized variables.
//
// Startup order matters: Redis and Postgres must answer before workers
// start, and migrations run inside the store constructor. On SIGINT or
// SIGTERM the HTTP listener drains first, then the workers settle their
// in-flight jobs, then the store and Redis connections close.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/inkwell-pm/inkwell/internal/ai"
	"github.com/inkwell-pm/inkwell/internal/auth"
	"github.com/inkwell-pm/inkwell/internal/config"
	"github.com/inkwell-pm/inkwell/internal/eventbus"
	"github.com/inkwell-pm/inkwell/internal/extract"
	"github.com/inkwell-pm/inkwell/internal/httpapi"
	"github.com/inkwell-pm/inkwell/internal/jobs"
	"github.com/inkwell-pm/inkwell/internal/organize"
	"github.com/inkwell-pm/inkwell/internal/pipeline"
	"github.com/inkwell-pm/inkwell/internal/review"
	"github.com/inkwell-pm/inkwell/internal/storage/postgres"
	"github.com/inkwell-pm/inkwell/internal/telemetry"
)

// Version is overridden by ldflags at build time.
var Version = "0.1.0"

const shutdownGrace = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pmd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := telemetry.Init(ctx, "pmd", Version); err != nil {
		return fmt.Errorf("starting telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		telemetry.Shutdown(flushCtx)
	}()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parsing REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}

	bus := eventbus.New()
	bridge := eventbus.NewBridge(bus, rdb, logger.Named("bridge"))

	pg, err := postgres.New(ctx, cfg.DatabaseURL, bus, cfg.DBMaxConns,
		postgres.WithLogger(logger.Named("store")))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer pg.Close()
	store := telemetry.WrapStorage(pg)

	keys, err := auth.NewKeys(cfg.APIKeyPepper)
	if err != nil {
		return err
	}

	model, err := ai.NewFromAPIKey(cfg.AnthropicAPIKey, ai.Config{
		Model:     cfg.ExtractionModel,
		MaxTokens: int64(cfg.MaxOutputTokens),
	}, logger.Named("ai"))
	if err != nil {
		return fmt.Errorf("building anthropic client: %w", err)
	}

	extractor := extract.NewStage(model, extract.Config{
		Model:         cfg.ExtractionModel,
		PromptVersion: cfg.PromptVersion,
	}, logger.Named("extract"))
	organizer := organize.NewStage(model, organize.Config{
		Model:         cfg.ExtractionModel,
		PromptVersion: cfg.PromptVersion,
	}, logger.Named("organize"))

	reviews := review.NewEngine(store, logger.Named("review"))

	runner := jobs.New(rdb,
		jobs.WithLogger(logger.Named("jobs")),
		jobs.WithDedupWindow(cfg.DedupWindow),
	)
	pipe := pipeline.New(store, runner, extractor, organizer, reviews, pipeline.Config{
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		WorkerConcurrency:   cfg.WorkerConcurrency,
	}, logger.Named("pipeline"))
	if err := pipe.Register(runner); err != nil {
		return fmt.Errorf("registering queues: %w", err)
	}

	api := httpapi.New(store, bus, runner, reviews, keys, httpapi.Config{
		CORSOrigins: cfg.CORSOrigins,
	}, logger.Named("http"))

	// WriteTimeout stays zero: the SSE stream holds its response open for
	// the life of the subscription. Per-request deadlines live in the
	// router middleware instead.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := runner.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := bridge.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("event bridge: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("pmd listening",
			zap.Int("port", cfg.Port),
			zap.String("version", Version),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(drainCtx)
	})

	err = g.Wait()
	if closeErr := runner.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing LOG_LEVEL %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	return zcfg.Build()
}
