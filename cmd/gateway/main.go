package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/dmitriz/llm-univ-sub001/config"
	"github.com/dmitriz/llm-univ-sub001/internal/auth"
	"github.com/dmitriz/llm-univ-sub001/internal/billing"
	"github.com/dmitriz/llm-univ-sub001/internal/models"
	"github.com/dmitriz/llm-univ-sub001/internal/provider"
	"github.com/dmitriz/llm-univ-sub001/internal/provider/claude"
	"github.com/dmitriz/llm-univ-sub001/internal/provider/gemini"
	"github.com/dmitriz/llm-univ-sub001/internal/provider/openai"
	"github.com/dmitriz/llm-univ-sub001/internal/proxy"
	"github.com/dmitriz/llm-univ-sub001/internal/ratelimit"
	"github.com/dmitriz/llm-univ-sub001/internal/seeder"
	"github.com/dmitriz/llm-univ-sub001/internal/telemetry"
	"github.com/dmitriz/llm-univ-sub001/internal/worker"
	"github.com/dmitriz/llm-univ-sub001/pkg/tenantlimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("llm-univ", cfg.OTELExporterType, cfg.OTELExporterEndpoint)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to connect postgres: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("failed to ping postgres: %v", err)
	}
	log.Println("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to ping redis: %v", err)
	}
	log.Println("Redis connected")

	// 5. Init auth
	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, rdb)

	// 6. Init billing
	billingStore := billing.NewPostgresStore(pool)

	// 7. Init providers
	providers := []provider.Provider{
		gemini.New(cfg.GeminiAPIKey),
		openai.New(cfg.OpenAIAPIKey),
		claude.New(cfg.AnthropicAPIKey),
	}

	// 8. Init admission control and retry
	ledger := ratelimit.NewLedger(cfg.ProviderLimits)
	limiter := tenantlimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)

	// 9. Init router
	router := proxy.NewRouter(providers, ledger, cfg.Retry)

	// 10. Init model catalog
	catalog := models.NewCatalog(providers, rdb)

	// 11. Init async job queue
	queue := worker.NewMemoryQueue(router, cfg.JobQueueSize)
	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	go func() {
		if err := queue.Process(workerCtx); err != nil && err != context.Canceled {
			log.Printf("worker stopped: %v", err)
		}
	}()

	// 12. Init handler
	tracer := otel.GetTracerProvider().Tracer("llm-univ")
	handler := proxy.NewHandler(router, billingStore, limiter, catalog, queue, tracer)

	// 13. Seed test API key if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedTestAPIKey(ctx, authStore)
	}

	// 14. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"llm-univ"}`))
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/chat/completions", handler.HandleComplete)
		r.Post("/v1/chat/completions/stream", handler.HandleCompleteStream)
		r.Get("/v1/models", handler.HandleModels)
		r.Get("/v1/usage", handler.HandleUsage)
		r.Get("/v1/providers/usage", handler.HandleProviderUsage)
		r.Post("/v1/jobs", handler.HandleCreateJob)
		r.Get("/v1/jobs/{id}", handler.HandleGetJob)
	})

	// 15. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Gateway starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")
	stopWorker()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	log.Println("Server stopped")
}
