package middleware

import (
	"strings"

	"github.com/escrow-service/backend/internal/auth"
	"github.com/escrow-service/backend/internal/config"
	"github.com/escrow-service/backend/internal/rbac"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"go.uber.org/zap"
)

const (
	CtxUserID   = "user_id"
	CtxUserRole = "user_role"
)

// Identity headers, trusted when set by the gateway in front of this service.
const (
	HeaderUserID   = "X-User-Id"
	HeaderUserRole = "X-User-Role"
)

// AuthMiddleware resolves the actor either from a Bearer JWT minted by
// /auth/token, or directly from the X-User-Id/X-User-Role headers.
func AuthMiddleware(cfg *config.Config, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if authHeader := c.Get("Authorization"); authHeader != "" {
			tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenStr == authHeader {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid authorization format"})
			}
			claims, err := auth.ParseJWT(cfg.JWTSecret, tokenStr)
			if err != nil {
				log.Debug("jwt parse error", zap.Error(err))
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid or expired token"})
			}
			c.Locals(CtxUserID, claims.UserID)
			c.Locals(CtxUserRole, claims.Role)
			return c.Next()
		}

		// Header values alias fasthttp's reused request buffer; they must be
		// copied before they outlive this handler.
		userID := utils.CopyString(c.Get(HeaderUserID))
		role := utils.CopyString(strings.ToLower(c.Get(HeaderUserRole)))
		if userID == "" || role == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing credentials: provide a bearer token or X-User-Id/X-User-Role headers"})
		}
		if !rbac.IsValidRole(role) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid X-User-Role, must be 'buyer' or 'seller'"})
		}

		c.Locals(CtxUserID, userID)
		c.Locals(CtxUserRole, role)
		return c.Next()
	}
}

func GetUserID(c *fiber.Ctx) string {
	id, _ := c.Locals(CtxUserID).(string)
	return id
}

func GetUserRole(c *fiber.Ctx) string {
	role, _ := c.Locals(CtxUserRole).(string)
	return role
}
