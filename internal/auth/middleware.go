package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"recordapi/internal/engine"
	"recordapi/internal/metadata"
)

// Middleware returns a Fiber middleware that validates an optional bearer
// token and sets the UserContext on the request. Requests without a token
// proceed anonymously; a malformed or invalid token is rejected.
func Middleware(secret, format string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			return c.Next()
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return engine.UnauthorizedError("Invalid auth header format")
		}

		claims, err := ParseAccessToken(strings.TrimSpace(parts[1]), secret)
		if err != nil {
			return engine.UnauthorizedError("Invalid or expired token")
		}
		id, err := UserID(claims.Subject, format)
		if err != nil {
			return engine.UnauthorizedError("Invalid token subject")
		}

		c.Locals("user", &metadata.UserContext{ID: id})
		return c.Next()
	}
}

// GetUser extracts the UserContext from a Fiber context.
func GetUser(c *fiber.Ctx) *metadata.UserContext {
	user, _ := c.Locals("user").(*metadata.UserContext)
	return user
}
