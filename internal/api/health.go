// Package api contains the HTTP handlers: the health check, the WebSocket upgrade
// for the realtime gateway, and the REST read surface over locations and ghost mode.
package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hearth-app/hearth-server/internal/httputil"
	"github.com/hearth-app/hearth-server/internal/kv"
)

// HealthHandler serves the health check endpoint.
type HealthHandler struct {
	DB *pgxpool.Pool
	KV *kv.Client
}

// Health pings PostgreSQL and Redis, returning component status. A missing database
// pool reports as unconfigured without degrading overall health; the realtime core
// runs cache-only in that mode.
func (h *HealthHandler) Health(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
	defer cancel()

	pgStatus := "unconfigured"
	if h.DB != nil {
		pgStatus = "ok"
		if err := h.DB.Ping(ctx); err != nil {
			pgStatus = "unavailable"
		}
	}

	kvStatus := "ok"
	if err := h.KV.Ping(ctx); err != nil {
		kvStatus = "unavailable"
	}

	overall := "ok"
	status := fiber.StatusOK
	if pgStatus == "unavailable" || kvStatus != "ok" {
		overall = "degraded"
		status = fiber.StatusServiceUnavailable
	}

	return httputil.SuccessStatus(c, status, fiber.Map{
		"status":   overall,
		"postgres": pgStatus,
		"redis":    kvStatus,
	})
}
