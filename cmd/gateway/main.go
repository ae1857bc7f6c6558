package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/brunodmn/notazap/internal/api"
	"github.com/brunodmn/notazap/internal/circuitbreaker"
	"github.com/brunodmn/notazap/internal/config"
	"github.com/brunodmn/notazap/internal/db"
	"github.com/brunodmn/notazap/internal/dispatch"
	"github.com/brunodmn/notazap/internal/gateway"
	"github.com/brunodmn/notazap/internal/metrics"
	"github.com/brunodmn/notazap/internal/observ"
	"github.com/brunodmn/notazap/internal/pacing"
	"github.com/brunodmn/notazap/internal/policy"
	"github.com/brunodmn/notazap/internal/redis"
	"github.com/brunodmn/notazap/internal/sefaz"
	"github.com/brunodmn/notazap/internal/syncjob"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting notazap scheduler",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.Int("dispatch_workers", cfg.DispatchWorkers),
	)

	ctx := context.Background()
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	dispatchRepo := db.NewDispatchRepository(database, logger)
	policyRepo := db.NewPolicyRepository(database, logger)
	syncRepo := db.NewSyncRepository(database, logger)

	// Redis is optional: without it the scope counters fall back to the
	// in-memory pacer, correct for a single scheduler process.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, using in-process scope counters",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}

	memPacer := pacing.NewMemoryPacer()

	var dispatchPacer pacing.Pacer = memPacer
	var idempotency *redis.IdempotencyService
	if redisClient != nil {
		dispatchPacer = redis.NewPacer(redisClient, logger)
		idempotency = redis.NewIdempotencyService(redisClient, logger)
		defer redisClient.Close()
	}

	resolver := policy.NewResolver(policyRepo, logger)

	whatsClient := gateway.NewClient(gateway.Config{
		BaseURL: cfg.GatewayBaseURL,
		Token:   cfg.GatewayToken,
		Timeout: time.Duration(cfg.GatewayTimeoutSeconds) * time.Second,
	}, logger)

	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("whatsapp-gateway"), logger)
	sender := circuitbreaker.NewProtectedSender(whatsClient, breaker, logger)

	pool := dispatch.New(dispatchRepo, resolver, dispatchPacer, sender, dispatch.Config{
		Workers:      cfg.DispatchWorkers,
		PollInterval: time.Duration(cfg.PollIntervalSeconds) * time.Second,
		Lease:        time.Duration(cfg.LeaseSeconds) * time.Second,
		SendTimeout:  time.Duration(cfg.GatewayTimeoutSeconds) * time.Second,
		BackoffBase:  time.Duration(cfg.BackoffBaseSeconds) * time.Second,
		BackoffCap:   time.Duration(cfg.BackoffCapSeconds) * time.Second,
	}, logger)

	calc := sefaz.NewCooldownCalculator(
		time.Duration(cfg.SyncIntervalSeconds)*time.Second,
		time.Duration(cfg.ExtendedCooldownSeconds)*time.Second,
	)

	sefazClient := sefaz.NewHTTPClient(sefaz.HTTPConfig{
		BaseURL: cfg.DfeBridgeURL,
		Token:   cfg.DfeBridgeToken,
		Timeout: time.Duration(cfg.DfeBridgeTimeoutSeconds) * time.Second,
	}, logger)

	runner := syncjob.New(syncRepo, sefazClient, calc, syncjob.Config{
		Interval:   time.Duration(cfg.SyncTickSeconds) * time.Second,
		MaxBatches: cfg.SyncMaxBatches,
		RunTimeout: time.Duration(cfg.SyncRunTimeoutSeconds) * time.Second,
	}, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go pool.Start(workerCtx)
	go runner.Start(workerCtx)
	go memPacer.Run(workerCtx, 2*time.Minute)
	go publishGauges(workerCtx, dispatchRepo, syncRepo, logger)

	logger.Info("dispatch pool and sync runner started")

	handler := api.NewHandler(logger, dispatchRepo, policyRepo, syncRepo, calc, whatsClient, idempotency, cfg.DefaultMaxAttempts)

	// Ceiling for the API surface itself, keyed per company/IP.
	apiPolicy := &db.RateLimitPolicy{
		Scope:        db.ScopeGlobal,
		MaxPerMinute: 300,
		Burst:        50,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(memPacer, apiPolicy, logger, api.CompanyKeyFunc))

		r.Post("/dispatches", handler.CreateDispatch)
		r.Get("/dispatches", handler.ListDispatches)
		r.Get("/dispatches/{id}", handler.GetDispatch)
		r.Post("/dispatches/{id}/cancel", handler.CancelDispatch)
		r.Get("/queue/stats", handler.QueueStats)

		r.Post("/instances/{name}/session", handler.StartInstanceSession)
		r.Get("/instances/{name}/session", handler.InstanceSessionStatus)

		r.Get("/job-runs", handler.ListJobRuns)

		r.Get("/policies", handler.ListPolicies)
		r.Put("/policies", handler.ReplacePolicies)

		r.Get("/companies/{id}/sync-status", handler.SyncStatus)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("DB DOWN"))
			return
		}
		if redisClient != nil {
			if err := redisClient.Ping(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("REDIS DOWN"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Stop claiming new work, then give outstanding requests a window.
		workerCancel()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

// publishGauges refreshes the queue-depth and stuck-run gauges.
func publishGauges(ctx context.Context, dispatches *db.DispatchRepository, syncs *db.SyncRepository, logger *zap.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := dispatches.Stats(ctx)
			if err != nil {
				logger.Warn("failed to refresh queue depth", zap.Error(err))
			} else {
				metrics.SetQueueDepth("queued", stats.Queued)
				metrics.SetQueueDepth("sending", stats.Sending)
				metrics.SetQueueDepth("sent", stats.Sent)
				metrics.SetQueueDepth("retry", stats.Retry)
				metrics.SetQueueDepth("failed", stats.Failed)
				metrics.SetQueueDepth("dead", stats.Dead)
			}

			stale, err := syncs.StaleRunningJobRuns(ctx, 10*time.Minute)
			if err != nil {
				logger.Warn("failed to count stale job runs", zap.Error(err))
				continue
			}
			metrics.SetStaleSyncRuns(stale)
		}
	}
}
