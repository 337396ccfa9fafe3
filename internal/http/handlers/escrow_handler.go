package handlers

import (
	"context"
	"errors"
	"strconv"

	"github.com/escrow-service/backend/internal/http/dto"
	"github.com/escrow-service/backend/internal/middleware"
	"github.com/escrow-service/backend/internal/models"
	"github.com/escrow-service/backend/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type EscrowHandler struct {
	escrowService *services.EscrowService
	log           *zap.Logger
}

func NewEscrowHandler(escrowService *services.EscrowService, log *zap.Logger) *EscrowHandler {
	return &EscrowHandler{escrowService: escrowService, log: log}
}

func (h *EscrowHandler) CreateEscrow(c *fiber.Ctx) error {
	var req dto.CreateEscrowRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request body"})
	}

	escrow, err := h.escrowService.CreateEscrow(c.Context(), actorFrom(c), services.CreateEscrowInput{
		SellerID: req.SellerID,
		Amount:   req.Amount,
		Currency: req.Currency,
	})
	if err != nil {
		return h.renderError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: escrow})
}

func (h *EscrowHandler) GetEscrow(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid escrow id"})
	}

	escrow, err := h.escrowService.GetEscrow(c.Context(), id, actorFrom(c))
	if err != nil {
		return h.renderError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: escrow})
}

func (h *EscrowHandler) ListEscrows(c *fiber.Ctx) error {
	limit, offset := 20, 0
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}

	escrows, err := h.escrowService.ListEscrows(c.Context(), actorFrom(c), limit, offset)
	if err != nil {
		return h.renderError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: escrows})
}

func (h *EscrowHandler) FundEscrow(c *fiber.Ctx) error {
	return h.transition(c, h.escrowService.Fund)
}

func (h *EscrowHandler) ReleaseEscrow(c *fiber.Ctx) error {
	return h.transition(c, h.escrowService.Release)
}

func (h *EscrowHandler) RefundEscrow(c *fiber.Ctx) error {
	return h.transition(c, h.escrowService.Refund)
}

func (h *EscrowHandler) GetEscrowEvents(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid escrow id"})
	}

	changes, err := h.escrowService.GetEscrowEvents(c.Context(), id, actorFrom(c))
	if err != nil {
		return h.renderError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: changes})
}

func (h *EscrowHandler) transition(c *fiber.Ctx, op func(ctx context.Context, id uuid.UUID, actor services.Actor) (*models.Escrow, error)) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid escrow id"})
	}

	escrow, err := op(c.Context(), id, actorFrom(c))
	if err != nil {
		return h.renderError(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: escrow})
}

// renderError maps the service error taxonomy onto HTTP statuses. Invalid
// transitions and lock timeouts are expected outcomes of racing actors, so
// they come back as client errors, never as 500s.
func (h *EscrowHandler) renderError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{Error: "escrow not found"})
	case errors.Is(err, models.ErrForbidden):
		return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{Error: err.Error()})
	case errors.Is(err, models.ErrLockTimeout):
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{Error: "resource busy, try again"})
	case models.IsInvalidTransition(err), models.IsValidation(err):
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: err.Error()})
	default:
		h.log.Error("escrow request failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
	}
}

func actorFrom(c *fiber.Ctx) services.Actor {
	return services.Actor{
		ID:   middleware.GetUserID(c),
		Role: middleware.GetUserRole(c),
	}
}
