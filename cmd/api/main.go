package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"atelier/internal/adapter/repo"
	"atelier/internal/broadcast"
	"atelier/internal/cache"
	"atelier/internal/http/handlers"
	httpapi "atelier/internal/http/httpapi"
	"atelier/internal/infra"
	"atelier/internal/pipeline"
	"atelier/internal/quota"
	"atelier/internal/storage"
)

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
	return storage.NewFileStore(cfg.StoragePath)
}

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()
	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: db connection failed")
	}
	defer pool.Close()

	if err := infra.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("api: schema bootstrap failed")
	}

	rdb, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: redis connection failed")
	}
	defer rdb.Close()

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: storage setup failed")
	}

	jobs := repo.NewConversionRepository(pool)
	artifacts := repo.NewArtifactRepository(pool)
	quotas := repo.NewQuotaRepository(pool)

	cacheClient := cache.NewClient(rdb)
	ledger := quota.NewLedger(quotas, cacheClient, logger)
	events := broadcast.NewRedisPublisher(rdb, logger)
	coordinator := pipeline.NewCoordinator(jobs, artifacts, ledger, blobs, events, logger)

	app := &handlers.App{
		Jobs:                jobs,
		Artifacts:           artifacts,
		Quota:               quotas,
		Ledger:              ledger,
		Blobs:               blobs,
		Cancel:              coordinator,
		Usage:               cacheClient,
		Fallback:            cacheClient,
		Log:                 logger,
		DefaultMonthlyLimit: cfg.DefaultMonthlyLimit,
		DefaultModel:        cfg.DefaultModel,
	}

	router := httpapi.NewRouter(app, httpapi.Options{
		Logger:          logger,
		AllowedOrigins:  cfg.AllowedOrigins,
		RateLimitPerMin: cfg.RateLimitPerMin,
	})

	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
