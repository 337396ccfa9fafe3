package handlers

import (
	"strings"

	"github.com/escrow-service/backend/internal/auth"
	"github.com/escrow-service/backend/internal/config"
	"github.com/escrow-service/backend/internal/http/dto"
	"github.com/escrow-service/backend/internal/middleware"
	"github.com/escrow-service/backend/internal/rbac"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type AuthHandler struct {
	cfg *config.Config
	log *zap.Logger
}

func NewAuthHandler(cfg *config.Config, log *zap.Logger) *AuthHandler {
	return &AuthHandler{cfg: cfg, log: log}
}

// IssueToken exchanges the gateway identity headers for a bearer token, so
// clients don't have to repeat the headers on every call.
func (h *AuthHandler) IssueToken(c *fiber.Ctx) error {
	userID := c.Get(middleware.HeaderUserID)
	role := strings.ToLower(c.Get(middleware.HeaderUserRole))

	if userID == "" || role == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: "missing X-User-Id or X-User-Role header"})
	}
	if !rbac.IsValidRole(role) {
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: "invalid X-User-Role, must be 'buyer' or 'seller'"})
	}

	token, err := auth.GenerateJWT(h.cfg.JWTSecret, userID, role, h.cfg.JWTExpiration)
	if err != nil {
		h.log.Error("failed to sign token", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}

	return c.JSON(dto.TokenResponse{Token: token, Role: role})
}
