// middleware/sse_auth.go
package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// SSEUserContextMiddleware attaches an optional user identity to stock
// stream connections. EventSource cannot set headers, so the Gateway
// appends the identity as a query param; anonymous viewers are allowed —
// the streams carry public stock state only.
func SSEUserContextMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Get("X-User-ID")
		if userID == "" {
			userID = strings.TrimSpace(c.Query("user_id"))
		}
		c.Locals("user_id", userID)
		return c.Next()
	}
}
