package auth

import (
	"github.com/gofiber/fiber/v3"

	"github.com/hearth-app/hearth-server/internal/httputil"
)

// identityKey is the fiber.Locals key under which the verified identity is stored.
const identityKey = "identity"

// RequireAuth returns middleware that verifies the bearer token from the
// Authorization header or the token query parameter and stores the resulting
// identity in request locals. Requests without a valid token are rejected.
func RequireAuth(verifier Verifier) fiber.Handler {
	return func(c fiber.Ctx) error {
		token := FromAuthorizationHeader(c.Get(fiber.HeaderAuthorization))
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthenticated, "Missing bearer token")
		}

		identity, err := verifier.Verify(c.Context(), token)
		if err != nil {
			return httputil.Fail(c, fiber.StatusUnauthorized, httputil.CodeUnauthenticated, "Invalid bearer token")
		}

		c.Locals(identityKey, identity)
		return c.Next()
	}
}

// IdentityFromCtx returns the identity stored by RequireAuth, or nil when the request
// is unauthenticated.
func IdentityFromCtx(c fiber.Ctx) *Identity {
	identity, _ := c.Locals(identityKey).(*Identity)
	return identity
}
