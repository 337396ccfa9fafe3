package services

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/escrow-service/backend/internal/clock"
	"github.com/escrow-service/backend/internal/events"
	"github.com/escrow-service/backend/internal/models"
	"github.com/escrow-service/backend/internal/rbac"
	"github.com/escrow-service/backend/internal/repositories"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EscrowStore is the persistence boundary the executor runs against. Both the
// pgx repository and the in-memory store satisfy it.
type EscrowStore interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	Create(ctx context.Context, e *models.Escrow) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Escrow, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Escrow, error)
	Update(ctx context.Context, e *models.Escrow) error
	AppendStateChange(ctx context.Context, change models.StateChange) error
	ListStateChanges(ctx context.Context, escrowID uuid.UUID, limit int) ([]models.StateChange, error)
	List(ctx context.Context, f repositories.EscrowFilter) ([]models.Escrow, error)
	FindExpiredCandidates(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// Actor is the already-authenticated identity performing an operation.
type Actor struct {
	ID   string
	Role string
}

type EscrowService struct {
	store          EscrowStore
	publisher      events.Publisher
	clock          clock.Clock
	window         time.Duration
	sweepBatchSize int
	log            *zap.Logger
}

func NewEscrowService(
	store EscrowStore,
	publisher events.Publisher,
	clk clock.Clock,
	window time.Duration,
	sweepBatchSize int,
	log *zap.Logger,
) *EscrowService {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if sweepBatchSize <= 0 {
		sweepBatchSize = 100
	}
	return &EscrowService{
		store:          store,
		publisher:      publisher,
		clock:          clk,
		window:         window,
		sweepBatchSize: sweepBatchSize,
		log:            log,
	}
}

type CreateEscrowInput struct {
	SellerID string
	Amount   string
	Currency string
}

// CreateEscrow opens a new escrow in CREATED with the actor as buyer.
// Validation happens before any lock or write is attempted.
func (s *EscrowService) CreateEscrow(ctx context.Context, actor Actor, in CreateEscrowInput) (*models.Escrow, error) {
	if !rbac.HasPermission(actor.Role, rbac.PermCreateEscrow) {
		return nil, models.ErrForbidden
	}
	if in.SellerID == "" {
		return nil, &models.ValidationError{Field: "seller_id", Message: "this field is required"}
	}
	if err := validateAmount(in.Amount); err != nil {
		return nil, err
	}
	currency := in.Currency
	if currency == "" {
		currency = "USD"
	}

	escrow := &models.Escrow{
		ID:       uuid.New(),
		BuyerID:  actor.ID,
		SellerID: in.SellerID,
		Amount:   in.Amount,
		Currency: currency,
		State:    models.StateCreated,
		Version:  0,
	}
	if err := s.store.Create(ctx, escrow); err != nil {
		return nil, err
	}

	s.log.Info("escrow created",
		zap.String("escrow_id", escrow.ID.String()),
		zap.String("buyer_id", escrow.BuyerID),
		zap.String("seller_id", escrow.SellerID),
	)
	return escrow, nil
}

// Fund moves CREATED -> FUNDED and starts the expiration window.
func (s *EscrowService) Fund(ctx context.Context, id uuid.UUID, actor Actor) (*models.Escrow, error) {
	return s.apply(ctx, id, models.TransitionFund, s.requireBuyer(actor, rbac.PermFundEscrow))
}

// Release moves FUNDED -> RELEASED.
func (s *EscrowService) Release(ctx context.Context, id uuid.UUID, actor Actor) (*models.Escrow, error) {
	return s.apply(ctx, id, models.TransitionRelease, s.requireBuyer(actor, rbac.PermReleaseEscrow))
}

// Refund moves FUNDED -> REFUNDED.
func (s *EscrowService) Refund(ctx context.Context, id uuid.UUID, actor Actor) (*models.Escrow, error) {
	return s.apply(ctx, id, models.TransitionRefund, s.requireBuyer(actor, rbac.PermRefundEscrow))
}

// apply is the locked transition executor. It serializes all competing
// transitions on one escrow: open a unit of work, reload the snapshot under
// the row lock, run the transition core, persist the result together with its
// state-change record, commit. The loser of any race reloads a snapshot
// already advanced past its precondition and fails with InvalidTransition
// instead of overwriting a committed terminal outcome.
func (s *EscrowService) apply(ctx context.Context, id uuid.UUID, transition string, authorize func(*models.Escrow) error) (*models.Escrow, error) {
	var (
		updated models.Escrow
		change  models.StateChange
	)
	err := s.store.WithTx(ctx, func(txCtx context.Context) error {
		current, err := s.store.GetForUpdate(txCtx, id)
		if err != nil {
			return err
		}
		if authorize != nil {
			if err := authorize(current); err != nil {
				return err
			}
		}
		next, ch, err := current.ApplyTransition(transition, s.clock.Now(), s.window)
		if err != nil {
			return err
		}
		if err := s.store.Update(txCtx, &next); err != nil {
			return err
		}
		if err := s.store.AppendStateChange(txCtx, ch); err != nil {
			return err
		}
		updated, change = next, ch
		return nil
	})
	if err != nil {
		return nil, err
	}

	// The sink is notified only after commit; its failure never rolls the
	// transition back.
	if err := s.publisher.Publish(ctx, events.StreamEscrow, events.NewStateChanged(change)); err != nil {
		s.log.Warn("failed to publish state change",
			zap.String("escrow_id", change.EscrowID.String()),
			zap.Error(err),
		)
	}

	s.log.Info("escrow state change",
		zap.String("escrow_id", change.EscrowID.String()),
		zap.String("from_state", change.FromState),
		zap.String("to_state", change.ToState),
		zap.Int("version", change.Version),
	)
	return &updated, nil
}

// GetEscrow returns an escrow visible to the actor. Unlocked read.
func (s *EscrowService) GetEscrow(ctx context.Context, id uuid.UUID, actor Actor) (*models.Escrow, error) {
	escrow, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rbac.HasPermission(actor.Role, rbac.PermViewEscrow) || !isParticipant(escrow, actor) {
		return nil, models.ErrForbidden
	}
	return escrow, nil
}

// ListEscrows returns the actor's escrows: buyers see escrows they opened,
// sellers see escrows assigned to them.
func (s *EscrowService) ListEscrows(ctx context.Context, actor Actor, limit, offset int) ([]models.Escrow, error) {
	f := repositories.EscrowFilter{Limit: limit, Offset: offset}
	switch actor.Role {
	case rbac.RoleBuyer:
		f.BuyerID = &actor.ID
	case rbac.RoleSeller:
		f.SellerID = &actor.ID
	default:
		return nil, models.ErrForbidden
	}
	return s.store.List(ctx, f)
}

// GetEscrowEvents returns the persisted state-change history for an escrow.
func (s *EscrowService) GetEscrowEvents(ctx context.Context, id uuid.UUID, actor Actor) ([]models.StateChange, error) {
	if _, err := s.GetEscrow(ctx, id, actor); err != nil {
		return nil, err
	}
	return s.store.ListStateChanges(ctx, id, 100)
}

// requireBuyer allows only the escrow's own buyer through. Runs inside the
// lock scope against the freshly reloaded snapshot; buyer_id is immutable so
// the check cannot be invalidated by a concurrent transition.
func (s *EscrowService) requireBuyer(actor Actor, perm string) func(*models.Escrow) error {
	return func(e *models.Escrow) error {
		if !rbac.HasPermission(actor.Role, perm) || e.BuyerID != actor.ID {
			return models.ErrForbidden
		}
		return nil
	}
}

func isParticipant(e *models.Escrow, actor Actor) bool {
	switch actor.Role {
	case rbac.RoleBuyer:
		return e.BuyerID == actor.ID
	case rbac.RoleSeller:
		return e.SellerID == actor.ID
	}
	return false
}

// amountPattern matches the NUMERIC(12,2) column: plain digits with an
// optional two-place fraction. Not a float parse, which would admit NaN,
// Infinity and exponent notation.
var amountPattern = regexp.MustCompile(`^\d{1,10}(\.\d{1,2})?$`)

// validateAmount accepts positive decimals with at most two fraction digits.
func validateAmount(amount string) error {
	if amount == "" {
		return &models.ValidationError{Field: "amount", Message: "this field is required"}
	}
	if !amountPattern.MatchString(amount) {
		return &models.ValidationError{Field: "amount", Message: "must be a positive decimal with at most two decimal places"}
	}
	if strings.Trim(amount, "0.") == "" {
		return &models.ValidationError{Field: "amount", Message: "must be greater than zero"}
	}
	return nil
}
