package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/calmframe/meditate-pipeline/internal/cache"
	"github.com/calmframe/meditate-pipeline/internal/composer"
	"github.com/calmframe/meditate-pipeline/internal/config"
	"github.com/calmframe/meditate-pipeline/internal/database"
	"github.com/calmframe/meditate-pipeline/internal/logging"
	"github.com/calmframe/meditate-pipeline/internal/metrics"
	"github.com/calmframe/meditate-pipeline/internal/pipeline"
	"github.com/calmframe/meditate-pipeline/internal/provider"
	"github.com/calmframe/meditate-pipeline/internal/queue"
	"github.com/calmframe/meditate-pipeline/internal/storage"
	"github.com/calmframe/meditate-pipeline/internal/sweeper"
	"github.com/calmframe/meditate-pipeline/internal/tracing"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	appLogger, err := logging.NewDefaultLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	if cfg.Tracing.Enabled {
		_, closer, err := tracing.InitTracer(cfg.Tracing.ServiceName, cfg.Tracing.JaegerEndpoint)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize tracer")
		}
		defer closer.Close()
	}

	db, err := database.New(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	repo := database.NewRepository(db)

	redisCache, err := cache.NewCache(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer redisCache.Close()

	stor, err := storage.New(cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}

	q, err := queue.New(cfg.Queue, redisCache, appLogger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to queue")
	}
	defer q.Close()

	scriptPort := provider.NewScriptHTTPAdapter(
		cfg.Providers.ScriptBaseURL, cfg.Providers.ScriptAPIKey,
		cfg.Providers.GenerateTimeout, cfg.Queue.Concurrency)
	voicePort := provider.NewVoiceHTTPAdapter(
		cfg.Providers.VoiceBaseURL, cfg.Providers.VoiceAPIKey,
		cfg.Providers.GenerateTimeout, cfg.Queue.Concurrency)
	videoPort := provider.NewVideoHTTPAdapter(
		cfg.Providers.VideoBaseURL, cfg.Providers.VideoAPIKey,
		cfg.Providers.GenerateTimeout, cfg.Providers.PollTimeout, cfg.Queue.Concurrency)

	mediaComposer := composer.New(cfg.Composer)

	runner := pipeline.New(db, repo, stor, redisCache,
		scriptPort, voicePort, videoPort, mediaComposer, nil,
		pipeline.Config{
			PollInterval:     cfg.Providers.PollInterval,
			MaxPolls:         cfg.Providers.MaxPolls,
			DefaultVoiceID:   cfg.Providers.VoiceID,
			ProgressCacheTTL: cfg.Queue.CompletedTTL,
		})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("shutting down worker")
		cancel()
	}()

	metricsServer := metrics.NewServer(cfg.Metrics.Port)
	go func() {
		if err := metricsServer.Start(); err != nil {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	defer metricsServer.Shutdown(context.Background())

	if cfg.Sweeper.Enabled {
		s := sweeper.New(repo, q, cfg.Sweeper.PollInterval, cfg.Sweeper.GraceInterval, nil)
		go s.Run(ctx)
	}

	handler := func(ctx context.Context, job queue.Job) error {
		return runner.Run(ctx, job.GenerationRequestID)
	}

	// The worker's only path to a terminal failed status: every attempt spent.
	onExhausted := func(ctx context.Context, requestID string, attemptsMade int, cause error) {
		log.Error().Err(cause).
			Str("generation_request_id", requestID).
			Int("attempts", attemptsMade).
			Msg("generation request exhausted all attempts")
		if err := runner.MarkFailed(ctx, requestID, cause); err != nil {
			log.Error().Err(err).
				Str("generation_request_id", requestID).
				Msg("failed to mark request failed")
		}
	}

	log.Info().
		Int("concurrency", cfg.Queue.Concurrency).
		Int("rate_limit_per_minute", cfg.Queue.RateLimitPerMinute).
		Msg("worker started, waiting for jobs")

	if err := q.Consume(ctx, handler, onExhausted); err != nil {
		log.Fatal().Err(err).Msg("failed to consume jobs")
	}

	<-ctx.Done()
	log.Info().Msg("worker stopped")
}
