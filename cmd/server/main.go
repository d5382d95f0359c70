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
	"github.com/stemsi/academy-attendance/internal/config"
	"github.com/stemsi/academy-attendance/internal/database"
	"github.com/stemsi/academy-attendance/internal/handler"
	"github.com/stemsi/academy-attendance/internal/logger"
	"github.com/stemsi/academy-attendance/internal/middleware"
	"github.com/stemsi/academy-attendance/internal/router"
	"github.com/stemsi/academy-attendance/internal/service"
	"github.com/stemsi/academy-attendance/internal/telemetry"
	"github.com/stemsi/academy-attendance/internal/validator"
	"golang.org/x/sync/errgroup"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("store", cfg.StoreBackend).
		Str("clock", cfg.ResolvedClockSource()).
		Msg("Starting Academy Attendance")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ─── Tracing ───────────────────────────────────────────────────────
	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTelServiceName, cfg.OTelEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up tracing")
	}

	// ─── Connect to the Store ──────────────────────────────────────────
	b, err := connectBackend(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("Failed to connect to the attendance store")
	}
	defer b.close(context.Background())

	// ─── Connect to Redis (optional) ───────────────────────────────────
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = database.NewRedisClient(ctx, cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer rdb.Close()
	}

	// ─── Authoritative Clock ───────────────────────────────────────────
	clk, synced := buildClock(cfg, b, rdb, log)
	if synced != nil {
		if err := synced.Sync(ctx); err != nil {
			log.Warn().Err(err).Msg("Initial clock sync failed, starting from the local clock")
		}
	}

	store, err := b.store(ctx, clk)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize the attendance store")
	}

	// ─── Presence Events & Rate Limit ──────────────────────────────────
	var (
		bus     service.PresenceBus
		limiter middleware.Limiter
	)
	if rdb != nil {
		bus = service.NewRedisPresenceBus(rdb, log)
		limiter = middleware.NewRedisRateLimiter(rdb, clk, cfg.MarkRateLimit, cfg.MarkRateWindow)
	} else {
		log.Warn().Msg("REDIS_URL not set: presence events and rate limits are local to this instance")
		bus = service.NewMemoryPresenceBus()
		limiter = middleware.NewRateLimiter(clk, cfg.MarkRateLimit, cfg.MarkRateWindow)
	}

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg.JWTSecret, cfg.JWTExpiry, clk)
	lifecycleService := service.NewLifecycleService(store, clk, cfg.StoreTimeout, log)
	presenceService := service.NewPresenceService(store, clk, bus, cfg.StoreTimeout, log)
	adminService := service.NewSessionAdminService(store, clk, cfg.StoreTimeout, log)
	countdownFeed := service.NewCountdownFeed(clk, cfg.CountdownInterval)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Attendance: handler.NewAttendanceHandler(lifecycleService, presenceService),
		Instructor: handler.NewInstructorHandler(lifecycleService, adminService, log),
		WS:         handler.NewWSHandler(lifecycleService, presenceService, countdownFeed, log, cfg.AllowedOrigins),
		Monitor:    handler.NewMonitorHandler(lifecycleService, countdownFeed, bus, log),
		System:     handler.NewSystemHandler(clk, cfg.StoreBackend, b.checks(rdb), log),
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(router.Deps{
		AuthService: authService,
		Clock:       clk,
		MarkLimiter: limiter,
		Log:         log,
	}, handlers, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if synced != nil {
		g.Go(func() error {
			return synced.Run(gctx, cfg.ClockSyncInterval)
		})
	}

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Tracer shutdown error")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server stopped with error")
		return
	}
	log.Info().Msg("Shutdown complete")
}
