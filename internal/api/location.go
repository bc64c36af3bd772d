package api

import (
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/hearth-app/hearth-server/internal/auth"
	"github.com/hearth-app/hearth-server/internal/family"
	"github.com/hearth-app/hearth-server/internal/httputil"
	"github.com/hearth-app/hearth-server/internal/location"
)

// LocationHandler serves the REST read surface over the family location logs.
type LocationHandler struct {
	locations *location.Service
	families  *family.Cache
	log       zerolog.Logger
}

// NewLocationHandler creates a new location handler.
func NewLocationHandler(locations *location.Service, families *family.Cache, logger zerolog.Logger) *LocationHandler {
	return &LocationHandler{locations: locations, families: families, log: logger}
}

// requireMembership resolves the caller's identity and checks they belong to the
// family named in the path. Returns the family ID, or nil identity after having
// written the error response.
func (h *LocationHandler) requireMembership(c fiber.Ctx) (*auth.Identity, string, error) {
	identity := auth.IdentityFromCtx(c)
	if identity == nil {
		return nil, "", httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthenticated, "Missing user identity")
	}

	familyID := c.Params("familyID")
	if familyID == "" {
		return nil, "", httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeBadInput, "Missing family ID")
	}

	_, member, err := h.families.RoleOf(c.Context(), identity.UserID, familyID)
	if err != nil {
		h.log.Error().Err(err).Str("user_id", identity.UserID).Str("family_id", familyID).Msg("Membership check failed")
		return nil, "", httputil.Fail(c, fiber.StatusServiceUnavailable, httputil.CodeServiceUnavailable, "Membership check unavailable")
	}
	if !member {
		return nil, "", httputil.Fail(c, fiber.StatusForbidden, httputil.CodeUnauthorized, "Unauthorized family access")
	}
	return identity, familyID, nil
}

// History handles GET /api/v1/families/:familyID/locations. Query parameters:
// user_id filters to one member, limit caps the page size, after is the cursor
// returned by the previous page.
func (h *LocationHandler) History(c fiber.Ctx) error {
	identity, familyID, errResp := h.requireMembership(c)
	if identity == nil {
		return errResp
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return httputil.Fail(c, fiber.StatusBadRequest, httputil.CodeBadInput, "Invalid limit")
		}
		limit = n
	}

	page, err := h.locations.History(c.Context(), familyID, c.Query("user_id"), limit, c.Query("after"))
	if err != nil {
		h.log.Error().Err(err).Str("family_id", familyID).Msg("Location history read failed")
		return httputil.Fail(c, fiber.StatusServiceUnavailable, httputil.CodeServiceUnavailable, "Location history unavailable")
	}
	return httputil.Success(c, page)
}

// Current handles GET /api/v1/families/:familyID/locations/current, returning the
// latest known location of every family member.
func (h *LocationHandler) Current(c fiber.Ctx) error {
	identity, familyID, errResp := h.requireMembership(c)
	if identity == nil {
		return errResp
	}

	samples, err := h.locations.AllCurrent(c.Context(), familyID)
	if err != nil {
		h.log.Error().Err(err).Str("family_id", familyID).Msg("Current locations read failed")
		return httputil.Fail(c, fiber.StatusServiceUnavailable, httputil.CodeServiceUnavailable, "Current locations unavailable")
	}
	return httputil.Success(c, fiber.Map{
		"family_id": familyID,
		"locations": samples,
		"count":     len(samples),
	})
}
