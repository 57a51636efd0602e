package middleware

import (
	"strings"

	logger "github.com/Bparsons0904/goLogger"
	"github.com/gofiber/fiber/v2"
)

const SubjectKeyFiber = "Subject"

// RequireAuth rejects requests without a valid bearer token.
func (m *Middleware) RequireAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		log := logger.New("middleware").TraceFromContext(c.UserContext()).Function("RequireAuth")

		token, ok := bearerToken(c.Get(fiber.HeaderAuthorization))
		if !ok && m.tokenRequired() {
			log.Info("missing or malformed authorization header")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Authorization header required",
			})
		}

		tokenInfo, err := m.tokens.Validate(c.UserContext(), token)
		if err != nil || !tokenInfo.Valid {
			log.Info("token validation failed", "error", err)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid token",
			})
		}

		c.Locals(SubjectKeyFiber, tokenInfo.Subject)
		return c.Next()
	}
}

// GetSubject returns the authenticated token subject, or "" when the request
// did not pass RequireAuth.
func GetSubject(c *fiber.Ctx) string {
	if subject, ok := c.Locals(SubjectKeyFiber).(string); ok {
		return subject
	}
	return ""
}

func (m *Middleware) tokenRequired() bool {
	enabled, ok := m.tokens.(interface{ Enabled() bool })
	return !ok || enabled.Enabled()
}

func bearerToken(header string) (string, bool) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}
