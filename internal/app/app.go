// Package app wires together the pipeline's components (Task Registry,
// Concept Registry, RateCounter, BlobStore, ImageProvider, Dispatcher,
// Worker, Reaper, Status Channel, and the HTTP API) and runs whichever mode
// the configuration selects.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/palettelab/conceptforge/internal/api"
	"github.com/palettelab/conceptforge/internal/authctx"
	"github.com/palettelab/conceptforge/internal/config"
	"github.com/palettelab/conceptforge/internal/httpserver"
	"github.com/palettelab/conceptforge/internal/platform"
	"github.com/palettelab/conceptforge/internal/telemetry"
	"github.com/palettelab/conceptforge/pkg/blobstore"
	"github.com/palettelab/conceptforge/pkg/bus"
	"github.com/palettelab/conceptforge/pkg/concept"
	"github.com/palettelab/conceptforge/pkg/dispatcher"
	"github.com/palettelab/conceptforge/pkg/imageprovider"
	"github.com/palettelab/conceptforge/pkg/ratecounter"
	"github.com/palettelab/conceptforge/pkg/reaper"
	"github.com/palettelab/conceptforge/pkg/statuschannel"
	"github.com/palettelab/conceptforge/pkg/task"
	"github.com/palettelab/conceptforge/pkg/worker"
)

// paletteModel is the Anthropic model used for the palette-naming step.
const paletteModel = "claude-3-5-haiku-latest"

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the mode the configuration selects.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting conceptforge",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	if cfg.Mode == "migrate" {
		if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("migrations applied")
		return nil
	}

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg)
	case "worker":
		return runWorker(ctx, cfg, logger, db, rdb)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// buildComponents wires the domain services shared by both the api and
// worker modes.
type components struct {
	tasks       task.Registrar
	concepts    concept.Registrar
	rateLimiter ratecounter.Gateway
	blobs       blobstore.Gateway
	provider    imageprovider.Provider
}

func buildComponents(cfg *config.Config, db *pgxpool.Pool, rdb *redis.Client) (*components, error) {
	tables := cfg.Tables()

	tasks := task.NewRegistry(db, tables.Tasks)
	conceptRegistry := concept.NewRegistry(db, tables.Concepts, tables.Variations)
	rateLimiter := ratecounter.NewRedisGateway(rdb, ratecounter.DefaultLimits)

	conceptBucket, err := blobstore.NewS3Gateway(context.Background(), blobstore.S3Config{
		Bucket:        cfg.Bucket(cfg.BlobBucketConcept),
		Region:        cfg.BlobRegion,
		EndpointURL:   cfg.BlobEndpointURL,
		SignedURLTTL:  cfg.BlobSignedURLTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating concept blob gateway: %w", err)
	}
	paletteBucket, err := blobstore.NewS3Gateway(context.Background(), blobstore.S3Config{
		Bucket:       cfg.Bucket(cfg.BlobBucketPalette),
		Region:       cfg.BlobRegion,
		EndpointURL:  cfg.BlobEndpointURL,
		SignedURLTTL: cfg.BlobSignedURLTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating palette blob gateway: %w", err)
	}
	blobs := blobstore.Router{Concept: conceptBucket, Palette: paletteBucket}

	namer := imageprovider.NewPaletteNamer(cfg.AnthropicAPIKey, paletteModel)
	pixels := imageprovider.NewPixelClient(cfg.ImageProviderURL, cfg.ImageProviderKey)
	provider := imageprovider.NewClient(namer, pixels)

	return &components{
		tasks:       tasks,
		concepts:    conceptRegistry,
		rateLimiter: rateLimiter,
		blobs:       blobs,
		provider:    provider,
	}, nil
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	c, err := buildComponents(cfg, db, rdb)
	if err != nil {
		return err
	}

	statusTasks := statuschannel.New(c.tasks, rdb, logger)

	verifier, err := buildVerifier(cfg)
	if err != nil {
		return err
	}

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg, verifier)

	msgBus, err := bus.NewRedisBus(ctx, rdb, "dispatcher", logger)
	if err != nil {
		return fmt.Errorf("creating message bus: %w", err)
	}

	disp := dispatcher.New(statusTasks, c.rateLimiter, msgBus, logger, cfg.NumPalettesDefault)
	apiHandler := api.NewHandler(disp, statusTasks, c.concepts, c.rateLimiter, c.blobs, logger)
	srv.APIRouter.Use(api.RateLimitHeaders(c.rateLimiter))
	srv.APIRouter.Mount("/", apiHandler.Routes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) error {
	c, err := buildComponents(cfg, db, rdb)
	if err != nil {
		return err
	}

	statusTasks := statuschannel.New(c.tasks, rdb, logger)

	consumerName := fmt.Sprintf("worker-%d", time.Now().UnixNano())
	redisBus, err := bus.NewRedisBus(ctx, rdb, consumerName, logger)
	if err != nil {
		return fmt.Errorf("creating message bus: %w", err)
	}

	w := worker.New(statusTasks, c.concepts, c.blobs, c.provider, logger, worker.Config{
		Parallelism:   cfg.WorkerParallelism,
		InvocationCap: cfg.WorkerInvocationCap,
	})

	r := reaper.New(statusTasks, c.concepts, c.blobs, rdb, logger, reaper.Config{
		Interval:          cfg.ReaperInterval,
		PendingTimeout:    cfg.PendingTimeout,
		ProcessingTimeout: cfg.ProcessingTimeout,
		ConceptRetention:  cfg.ConceptRetention,
	})

	errCh := make(chan error, 2)
	go func() {
		logger.Info("worker started", "consumer", consumerName)
		errCh <- w.Run(ctx, redisBus)
	}()
	go func() {
		errCh <- r.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// buildVerifier constructs the bearer-token Verifier used to authenticate
// API requests.
func buildVerifier(cfg *config.Config) (authctx.Verifier, error) {
	secret := cfg.TokenSigningSecret
	if secret == "" {
		return nil, fmt.Errorf("TOKEN_SIGNING_SECRET must be set to at least 32 bytes")
	}
	return authctx.NewHMACVerifier(secret)
}
