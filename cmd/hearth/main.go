package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hearth-app/hearth-server/internal/api"
	"github.com/hearth-app/hearth-server/internal/auth"
	"github.com/hearth-app/hearth-server/internal/config"
	"github.com/hearth-app/hearth-server/internal/family"
	"github.com/hearth-app/hearth-server/internal/gateway"
	"github.com/hearth-app/hearth-server/internal/geofence"
	"github.com/hearth-app/hearth-server/internal/ghost"
	"github.com/hearth-app/hearth-server/internal/httputil"
	"github.com/hearth-app/hearth-server/internal/kv"
	"github.com/hearth-app/hearth-server/internal/location"
	"github.com/hearth-app/hearth-server/internal/notify"
	"github.com/hearth-app/hearth-server/internal/postgres"
	"github.com/hearth-app/hearth-server/internal/presence"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().Str("env", cfg.ServerEnv).Msg("Starting Hearth Server")

	if cfg.UsingDefaultJWTSecret() {
		log.Warn().Msg("JWT_SECRET is unset; token verification is running on the built-in development secret. Set JWT_SECRET for any deployment that matters.")
	}
	if cfg.CORSAllowOrigins == "*" {
		log.Warn().Msg("CORS_ALLOW_ORIGINS is set to a wildcard \"*\". Set an explicit origin for production deployments.")
	}

	ctx := context.Background()

	// Record of truth. Without a DSN the server runs cache-only: reads degrade to
	// empty results and ghost-mode writes fail explicitly.
	var adminDB, tenantDB *pgxpool.Pool
	if cfg.RepositoryConfigured() {
		adminDB, err = postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer adminDB.Close()

		if err := postgres.Migrate(ctx, cfg.DatabaseURL, log.Logger); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		log.Info().Msg("PostgreSQL connected, migrations complete")

		tenantDB = adminDB
		if cfg.DatabaseTenantURL != cfg.DatabaseURL {
			tenantDB, err = postgres.Connect(ctx, cfg.DatabaseTenantURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
			if err != nil {
				return fmt.Errorf("connect tenant postgres: %w", err)
			}
			defer tenantDB.Close()
			log.Info().Msg("Tenant PostgreSQL connected")
		}
	} else {
		log.Warn().Msg("DATABASE_URL is unset; running without a record of truth")
	}

	kvc, err := kv.Connect(ctx, cfg.RedisURL, cfg.RedisDialTimeout, log.Logger)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer func() { _ = kvc.Close() }()
	log.Info().Msg("Redis connected")

	// Repositories. The admin handle serves membership and geofence fan-out
	// queries; the tenant handle serves user-initiated ghost-mode operations.
	var (
		familyRepo   family.Repository   = family.Unavailable{}
		geofenceRepo geofence.Repository = geofence.Unavailable{}
		ghostRepo    ghost.Repository    = ghost.Unavailable{}
	)
	if adminDB != nil {
		familyRepo = family.NewPGRepository(adminDB, log.Logger)
		geofenceRepo = geofence.NewPGRepository(adminDB, log.Logger)
		ghostRepo = ghost.NewPGRepository(tenantDB, log.Logger)
	}

	familyCache := family.NewCache(kvc, familyRepo, cfg.CacheEnabled, log.Logger)
	geofenceCache := geofence.NewCache(kvc, geofenceRepo, cfg.CacheEnabled, log.Logger)
	ghostService := ghost.NewService(kvc, ghostRepo, familyCache, cfg.CacheEnabled, log.Logger)
	presenceStore := presence.NewStore(kvc)
	locationService := location.NewService(kvc, familyCache, ghostService, geofenceCache,
		cfg.CacheEnabled, cfg.LocationStreamMaxLen, log.Logger)
	outbox := notify.NewOutbox(kvc)

	verifier, err := auth.NewJWTVerifier(cfg.JWTSecret)
	if err != nil {
		return fmt.Errorf("configure token verifier: %w", err)
	}

	hub := gateway.NewHub(cfg, kvc, verifier, familyCache, presenceStore,
		ghostService, locationService, outbox, log.Logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	dispatcher := gateway.NewDispatcher(kvc, hub, log.Logger)
	if err := dispatcher.Start(runCtx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	defer dispatcher.Stop()

	// Bus delivery loop with reconnection.
	go restartLoop(runCtx, "bus", func(ctx context.Context) error {
		return kvc.RunBus(ctx)
	})

	// Notification outbox worker.
	hostname, _ := os.Hostname()
	consumer := fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
	worker := notify.NewWorker(kvc, consumer, log.Logger)
	go restartLoop(runCtx, "notify worker", worker.Run)

	app := fiber.New(fiber.Config{
		AppName: "Hearth",
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			code := httputil.CodeInternal
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				message = e.Message
				code = fiberStatusToCode(e.Code)
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return httputil.Fail(c, status, code, message)
		},
	})

	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins:  strings.Split(cfg.CORSAllowOrigins, ","),
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"X-Request-ID"},
	}))
	app.Use(limiter.New(limiter.Config{
		Max:        cfg.RateLimitAPIRequests,
		Expiration: time.Duration(cfg.RateLimitAPIWindowSeconds) * time.Second,
	}))

	registerRoutes(app, adminDB, kvc, verifier, hub, familyCache, ghostService, locationService)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		cancel()
		hub.Shutdown()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("Server listening")
	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// restartLoop runs fn until the context is cancelled, restarting it after a short
// pause on failure.
func restartLoop(ctx context.Context, name string, fn func(context.Context) error) {
	for {
		err := fn(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		log.Error().Err(err).Msgf("%s stopped, restarting in 5s", name)
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func registerRoutes(
	app *fiber.App,
	db *pgxpool.Pool,
	kvc *kv.Client,
	verifier auth.Verifier,
	hub *gateway.Hub,
	familyCache *family.Cache,
	ghostService *ghost.Service,
	locationService *location.Service,
) {
	health := &api.HealthHandler{DB: db, KV: kvc}
	app.Get("/api/v1/health", health.Health)

	gatewayHandler := api.NewGatewayHandler(hub)
	app.Get("/ws", gatewayHandler.Upgrade)

	locationHandler := api.NewLocationHandler(locationService, familyCache, log.Logger)
	ghostHandler := api.NewGhostHandler(ghostService, familyCache, log.Logger)

	v1 := app.Group("/api/v1", auth.RequireAuth(verifier))
	v1.Get("/families/:familyID/locations", locationHandler.History)
	v1.Get("/families/:familyID/locations/current", locationHandler.Current)
	v1.Get("/users/me/ghost", ghostHandler.Get)
	v1.Put("/users/me/ghost", ghostHandler.Update)
}

// fiberStatusToCode maps Fiber's built-in error statuses (404, 405, ...) to the
// closest API error code.
func fiberStatusToCode(status int) httputil.Code {
	switch {
	case status == fiber.StatusNotFound:
		return httputil.CodeNotFound
	case status == fiber.StatusTooManyRequests:
		return httputil.CodeRateLimited
	case status == fiber.StatusServiceUnavailable:
		return httputil.CodeServiceUnavailable
	case status >= 400 && status < 500:
		return httputil.CodeBadInput
	default:
		return httputil.CodeInternal
	}
}
