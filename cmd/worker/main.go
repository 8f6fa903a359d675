package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"atelier/internal/adapter/repo"
	"atelier/internal/broadcast"
	"atelier/internal/cache"
	"atelier/internal/domain"
	"atelier/internal/infra"
	"atelier/internal/pipeline"
	"atelier/internal/providers/genai"
	"atelier/internal/providers/image"
	"atelier/internal/quota"
	"atelier/internal/storage"
)

// claimVisibility is how long a claimed job stays invisible to other workers.
// Long enough to cover a slow generation batch; an expired claim makes the
// job due again and the locked entry transition keeps redelivery safe.
const claimVisibility = 5 * time.Minute

type jobWorker struct {
	ctx      context.Context
	jobs     domain.ConversionRepository
	ledger   *quota.Ledger
	pipeline *pipeline.Pipeline
	logger   infra.Logger
	poll     time.Duration

	lastMonth time.Month
}

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	if err := infra.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("worker: schema bootstrap failed")
	}

	rdb, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: redis connection failed")
	}
	defer rdb.Close()

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: storage setup failed")
	}

	geminiAPIKey := strings.TrimSpace(cfg.GeminiAPIKey)
	httpClient := &http.Client{Timeout: 60 * time.Second}
	geminiClient, err := genai.NewClient(genai.Options{
		APIKey:     geminiAPIKey,
		BaseURL:    cfg.GeminiBaseURL,
		HTTPClient: httpClient,
		Logger:     &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure gemini client")
	}
	if geminiAPIKey == "" {
		logger.Warn().Msg("worker: gemini api key missing, using synthetic image generation")
	}

	jobs := repo.NewConversionRepository(pool)
	artifacts := repo.NewArtifactRepository(pool)
	quotas := repo.NewQuotaRepository(pool)

	cacheClient := cache.NewClient(rdb)
	ledger := quota.NewLedger(quotas, cacheClient, logger)
	events := broadcast.NewRedisPublisher(rdb, logger)
	generator := image.NewGeminiGenerator(geminiClient, logger)

	pipe := pipeline.New(pipeline.Deps{
		Jobs:         jobs,
		Artifacts:    artifacts,
		Ledger:       ledger,
		Blobs:        blobs,
		Generator:    generator,
		Events:       events,
		Fallback:     cacheClient,
		MaxAttempts:  cfg.MaxJobAttempts,
		RetryBackoff: cfg.RetryBackoff,
		Logger:       logger,
	})

	worker := &jobWorker{
		ctx:       ctx,
		jobs:      jobs,
		ledger:    ledger,
		pipeline:  pipe,
		logger:    logger,
		poll:      cfg.WorkerPollInterval,
		lastMonth: time.Now().Month(),
	}

	if err := worker.Run(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}

func newBlobStore(ctx context.Context, cfg *infra.Config) (storage.BlobStore, error) {
	if cfg.StorageBackend == "s3" {
		return storage.NewS3Store(ctx, storage.S3Config{
			Bucket:       cfg.S3Bucket,
			Region:       cfg.S3Region,
			Endpoint:     cfg.S3Endpoint,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			UsePathStyle: cfg.S3Endpoint != "",
		})
	}
	path := cfg.StoragePath
	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}
	return storage.NewFileStore(path)
}

func (w *jobWorker) Run() error {
	w.logger.Info().Msg("worker: started")
	for {
		select {
		case <-w.ctx.Done():
			return w.ctx.Err()
		default:
		}

		w.maybeResetMonth()

		jobID, err := w.jobs.ClaimDue(w.ctx, claimVisibility)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				w.logger.Error().Err(err).Msg("worker: failed to claim job")
			}
			select {
			case <-w.ctx.Done():
				return w.ctx.Err()
			case <-time.After(w.poll):
			}
			continue
		}

		w.handleJob(jobID)
	}
}

// maybeResetMonth zeroes all usage counters when the calendar month changes
// while the worker is running. Concurrent workers may each run the reset;
// zeroing is idempotent.
func (w *jobWorker) maybeResetMonth() {
	month := time.Now().Month()
	if month == w.lastMonth {
		return
	}
	w.lastMonth = month
	if _, err := w.ledger.ResetMonthlyUsage(w.ctx); err != nil {
		w.logger.Error().Err(err).Msg("worker: monthly usage reset failed")
	}
}

func (w *jobWorker) handleJob(jobID string) {
	w.logger.Info().Str("job_id", jobID).Msg("worker: picked job")
	res, err := w.pipeline.Process(w.ctx, jobID)
	if err != nil {
		w.logger.Error().Err(err).Str("job_id", jobID).Msg("worker: job processing error")
		return
	}
	w.logger.Info().
		Str("job_id", jobID).
		Str("status", string(res.Status)).
		Int("artifacts", res.ArtifactCount).
		Msg("worker: job done")
}
