package api

import (
	"encoding/json"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/hearth-app/hearth-server/internal/auth"
	"github.com/hearth-app/hearth-server/internal/family"
	"github.com/hearth-app/hearth-server/internal/ghost"
	"github.com/hearth-app/hearth-server/internal/httputil"
)

// GhostHandler serves the ghost-mode REST surface for the authenticated user.
type GhostHandler struct {
	ghosts   *ghost.Service
	families *family.Cache
	log      zerolog.Logger
}

// NewGhostHandler creates a new ghost-mode handler.
func NewGhostHandler(ghosts *ghost.Service, families *family.Cache, logger zerolog.Logger) *GhostHandler {
	return &GhostHandler{ghosts: ghosts, families: families, log: logger}
}

type ghostUpdateRequest struct {
	Enabled  bool   `json:"enabled"`
	Scope    string `json:"scope"`
	FamilyID string `json:"family_id,omitempty"`
}

// Get handles GET /api/v1/users/me/ghost, returning the caller's full ghost-mode
// configuration.
func (h *GhostHandler) Get(c fiber.Ctx) error {
	identity := auth.IdentityFromCtx(c)
	if identity == nil {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthenticated, "Missing user identity")
	}

	modes, err := h.ghosts.GhostModesOf(c.Context(), identity.UserID)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", identity.UserID).Msg("Ghost mode read failed")
		return httputil.Fail(c, fiber.StatusServiceUnavailable, httputil.CodeServiceUnavailable, "Ghost mode unavailable")
	}
	return httputil.Success(c, modes)
}

// Update handles PUT /api/v1/users/me/ghost. Scope "global" toggles the user-wide
// flag; scope "family" toggles one family's flag and requires membership.
func (h *GhostHandler) Update(c fiber.Ctx) error {
	identity := auth.IdentityFromCtx(c)
	if identity == nil {
		return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthenticated, "Missing user identity")
	}

	var req ghostUpdateRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeBadInput, "Invalid request body")
	}

	switch req.Scope {
	case string(ghost.ScopeGlobal):
		if err := h.ghosts.SetGlobal(c.Context(), identity.UserID, req.Enabled); err != nil {
			h.log.Error().Err(err).Str("user_id", identity.UserID).Msg("Global ghost update failed")
			return httputil.Fail(c, fiber.StatusServiceUnavailable, httputil.CodeServiceUnavailable, "Ghost mode update failed")
		}
	case string(ghost.ScopeFamily):
		if req.FamilyID == "" {
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeBadInput, "Missing family ID")
		}
		_, member, err := h.families.RoleOf(c.Context(), identity.UserID, req.FamilyID)
		if err != nil {
			h.log.Error().Err(err).Str("user_id", identity.UserID).Str("family_id", req.FamilyID).Msg("Membership check failed")
			return httputil.Fail(c, fiber.StatusServiceUnavailable, httputil.CodeServiceUnavailable, "Membership check unavailable")
		}
		if !member {
			return httputil.Fail(c, fiber.StatusForbidden, httputil.CodeUnauthorized, "Unauthorized family access")
		}
		if err := h.ghosts.SetFamily(c.Context(), identity.UserID, req.FamilyID, req.Enabled); err != nil {
			h.log.Error().Err(err).Str("user_id", identity.UserID).Msg("Family ghost update failed")
			return httputil.Fail(c, fiber.StatusServiceUnavailable, httputil.CodeServiceUnavailable, "Ghost mode update failed")
		}
	default:
		return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeBadInput, "Scope must be global or family")
	}

	return httputil.Success(c, fiber.Map{
		"enabled": req.Enabled,
		"scope":   req.Scope,
	})
}
