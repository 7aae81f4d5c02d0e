package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/risk-engine/internal/analysis"
	"github.com/atmx/risk-engine/internal/archive"
	"github.com/atmx/risk-engine/internal/config"
	"github.com/atmx/risk-engine/internal/correlation"
	"github.com/atmx/risk-engine/internal/metrics"
	"github.com/atmx/risk-engine/internal/scheduler"
	"github.com/atmx/risk-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		schemaCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = pg.EnsureSchema(schemaCtx)
		cancel()
		if err != nil {
			slog.Error("schema setup failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL.String())
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (history will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Exposure limits ---
	limiter := correlation.NewExposureLimiter(cfg.MaxPerMarket, cfg.MaxPerEvent)

	// --- Background jobs ---
	sched := scheduler.New(logger)
	if cfg.HistoryRetention > 0 {
		pruner := scheduler.NewHistoryPruner(st, cfg.HistoryRetention)
		if err := sched.AddJob(cfg.PruneSchedule, pruner); err != nil {
			slog.Error("invalid PRUNE_SCHEDULE", "schedule", cfg.PruneSchedule, "err", err)
			os.Exit(1)
		}
		// Catch up on history that expired while the service was down.
		if err := sched.RunNow(pruner); err != nil {
			slog.Warn("startup prune failed", "err", err)
		}
	}
	sched.Start()

	// --- WebSocket hub ---
	wsHub := analysis.NewWSHub()
	hubCtx, stopHub := context.WithCancel(context.Background())
	go wsHub.Run(hubCtx)

	// --- S3 archive ---
	opts := analysis.Options{
		MaxConcurrent: cfg.MaxConcurrentSimulations,
		MaxSteps:      cfg.MaxSimulationSteps,
	}
	if cfg.ArchiveBucket != "" {
		client, err := archive.NewS3Client(context.Background())
		if err != nil {
			slog.Error("aws setup failed", "err", err)
			os.Exit(1)
		}
		archiver, err := archive.NewS3Archiver(client, cfg.ArchiveBucket, cfg.ArchivePrefix)
		if err != nil {
			slog.Error("archive setup failed", "err", err)
			os.Exit(1)
		}
		opts.Archiver = archiver
		slog.Info("S3 archiving enabled", "bucket", cfg.ArchiveBucket, "prefix", cfg.ArchivePrefix)
	}

	// --- Analysis service ---
	svc := analysis.NewService(st, limiter, wsHub, opts)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS for the dashboard.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":     "ok",
			"service":    "risk-engine",
			"ws_clients": wsHub.Clients(),
		})
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for run notifications.
		r.Get("/ws", wsHub.HandleWS)

		// Calculators are cheap and stateless.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(10 * time.Second))
			r.Post("/kelly", svc.Kelly)
			r.Post("/ev", svc.ExpectedValue)
			r.Post("/confluence", svc.Confluence)
		})

		// Simulations.
		r.Post("/simulations", svc.RunSimulation)
		r.Get("/simulations", svc.ListSimulations)
		r.Get("/simulations/{simulationID}", svc.GetSimulation)

		// Allocations.
		r.Post("/allocations", svc.Allocate)
		r.Get("/allocations/{allocationID}", svc.GetAllocation)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute, // large simulations run on the request
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("risk-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down risk-engine...")
	sched.Stop()
	stopHub()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("risk-engine stopped")
}
