package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/boddenberg/cheque-tally-go/internal/config"
	"github.com/boddenberg/cheque-tally-go/internal/domain"
	"github.com/boddenberg/cheque-tally-go/internal/handler"
	"github.com/boddenberg/cheque-tally-go/internal/infra/cache"
	"github.com/boddenberg/cheque-tally-go/internal/infra/document"
	"github.com/boddenberg/cheque-tally-go/internal/infra/llm"
	"github.com/boddenberg/cheque-tally-go/internal/infra/observability"
	"github.com/boddenberg/cheque-tally-go/internal/infra/postgres"
	"github.com/boddenberg/cheque-tally-go/internal/infra/resilience"
	"github.com/boddenberg/cheque-tally-go/internal/infra/sqlite"
	"github.com/boddenberg/cheque-tally-go/internal/infra/supabase"
	"github.com/boddenberg/cheque-tally-go/internal/port"
	"github.com/boddenberg/cheque-tally-go/internal/reconciliation"
	"github.com/boddenberg/cheque-tally-go/internal/service"

	"go.uber.org/zap"
)

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("store_backend", cfg.StoreBackend),
		zap.Bool("redis_cache", cfg.RedisAddr != ""),
		zap.String("llm_model", cfg.LLMModel),
		zap.Int("chunk_size", cfg.ChunkSize),
		zap.String("amount_tolerance", cfg.AmountTolerance),
		zap.String("timezone", cfg.Timezone),
		zap.Duration("persist_timeout", cfg.PersistTimeout),
		zap.Duration("http_timeout", cfg.HTTPTimeout),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Duration("jwt_access_ttl", cfg.JWTAccessTTL),
	)
	if cfg.LLMAPIKey == "" {
		logger.Warn("OPENAI_API_KEY not set, uploads will fail extraction")
	}

	// --- Tracing ---
	shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, "cheque-tally")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdown(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Resilience ---
	resilienceCfg := cfg.Resilience()
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	// --- Store ---
	store, err := openStore(cfg, httpClient, resilienceCfg, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer store.Close()

	// --- Cache ---
	reportCache := newReportCache(cfg, logger)
	defer reportCache.Close()

	// --- Clients ---
	extractor := llm.NewClient(
		httpClient,
		llm.Config{
			BaseURL:     cfg.LLMBaseURL,
			APIKey:      cfg.LLMAPIKey,
			Model:       cfg.LLMModel,
			Temperature: cfg.LLMTemperature,
		},
		resilience.NewCircuitBreaker("llm", cfg.Breaker(), logger),
		resilienceCfg,
	)

	// --- Services ---
	engine := reconciliation.New(reconciliation.Config{
		AmountTolerance: cfg.Tolerance(),
		Location:        cfg.Location(),
	})

	services := handler.Services{
		Auth:     service.NewAuthService(store, cfg.JWTSecret, cfg.JWTAccessTTL, logger),
		Sessions: service.NewSessionService(store, store, reportCache, logger),
		Ingest: service.NewIngestService(
			store, store,
			document.NewExtractor(),
			extractor,
			resilience.NewBulkhead(resilienceCfg.MaxConcurrency),
			cfg.ChunkSize,
			metrics,
			logger,
		),
		Tally: service.NewTallyService(
			store, store, store,
			engine,
			reportCache,
			cfg.PersistTimeout,
			metrics,
			logger,
		),
	}

	// --- Router ---
	router := handler.NewRouter(services, store, cfg.CORSOrigins, metrics, logger)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // large uploads are extracted chunk by chunk
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("server forced shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

func openStore(cfg *config.Config, httpClient *http.Client, resilienceCfg resilience.Config, logger *zap.Logger) (port.Store, error) {
	switch cfg.StoreBackend {
	case config.StorePostgres:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("using Postgres as data backend")
		return postgres.New(ctx, cfg.DatabaseURL, logger)

	case config.StoreSupabase:
		logger.Info("using Supabase as data backend", zap.String("supabase_url", cfg.SupabaseURL))
		return supabase.NewClient(
			httpClient,
			cfg.SupabaseURL,
			cfg.SupabaseAnonKey,
			cfg.SupabaseServiceKey,
			resilience.NewCircuitBreaker("supabase", cfg.Breaker(), logger),
			resilienceCfg,
			logger,
		), nil

	default:
		logger.Info("using SQLite as data backend", zap.String("path", cfg.SQLitePath))
		return sqlite.New(cfg.SQLitePath, logger)
	}
}

// closableCache is a report cache that holds resources until closed.
type closableCache interface {
	port.Cache[*domain.TallyReport]
	Close() error
}

// newReportCache prefers Redis when configured so replicas share reports,
// and falls back to the in-process cache.
func newReportCache(cfg *config.Config, logger *zap.Logger) closableCache {
	if cfg.RedisAddr == "" {
		return cache.New[*domain.TallyReport](cfg.CacheTTL)
	}

	rc, err := cache.NewRedis[*domain.TallyReport](cache.RedisConfig{
		Addr:      cfg.RedisAddr,
		Password:  cfg.RedisPassword,
		DB:        cfg.RedisDB,
		KeyPrefix: "cheque-tally",
		TTL:       cfg.CacheTTL,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, using in-memory report cache", zap.Error(err))
		return cache.New[*domain.TallyReport](cfg.CacheTTL)
	}
	logger.Info("using Redis report cache", zap.String("addr", cfg.RedisAddr))
	return rc
}
