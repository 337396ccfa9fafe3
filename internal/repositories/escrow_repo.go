package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/escrow-service/backend/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const escrowColumns = `id, buyer_id, seller_id, amount::text, currency, state,
	       expires_at, funded_at, released_at, refunded_at, expired_at,
	       version, created_at, updated_at`

type EscrowRepo struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

func NewEscrowRepo(pool *pgxpool.Pool, lockTimeout time.Duration) *EscrowRepo {
	return &EscrowRepo{pool: pool, lockTimeout: lockTimeout}
}

// WithTx opens the unit of work all transition writes go through. Row locks
// taken inside are held until commit or rollback.
func (r *EscrowRepo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.pool, r.lockTimeout, fn)
}

func (r *EscrowRepo) Create(ctx context.Context, e *models.Escrow) error {
	return r.queryRow(ctx, `
		INSERT INTO escrows (id, buyer_id, seller_id, amount, currency, state, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, e.ID, e.BuyerID, e.SellerID, e.Amount, e.Currency, e.State, e.Version,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
}

func (r *EscrowRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Escrow, error) {
	return r.get(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
}

// GetForUpdate reloads the latest committed snapshot under an exclusive
// row-level lock. Must be called inside WithTx; the lock is released when the
// transaction ends. A lock wait exceeding the configured bound returns
// models.ErrLockTimeout.
func (r *EscrowRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Escrow, error) {
	if txFromContext(ctx) == nil {
		return nil, errors.New("GetForUpdate requires an active transaction")
	}
	return r.get(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1 FOR UPDATE`, id)
}

func (r *EscrowRepo) get(ctx context.Context, query string, id uuid.UUID) (*models.Escrow, error) {
	var e models.Escrow
	err := r.queryRow(ctx, query, id).Scan(
		&e.ID, &e.BuyerID, &e.SellerID, &e.Amount, &e.Currency, &e.State,
		&e.ExpiresAt, &e.FundedAt, &e.ReleasedAt, &e.RefundedAt, &e.ExpiredAt,
		&e.Version, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		if isLockNotAvailable(err) {
			return nil, models.ErrLockTimeout
		}
		return nil, fmt.Errorf("get escrow: %w", err)
	}
	return &e, nil
}

// Update persists a snapshot produced by the transition core. Only mutable
// fields are written; buyer, seller, amount and currency never change.
func (r *EscrowRepo) Update(ctx context.Context, e *models.Escrow) error {
	tag, err := r.exec(ctx, `
		UPDATE escrows SET state = $1, version = $2, expires_at = $3,
		       funded_at = $4, released_at = $5, refunded_at = $6, expired_at = $7,
		       updated_at = $8
		WHERE id = $9
	`, e.State, e.Version, e.ExpiresAt,
		e.FundedAt, e.ReleasedAt, e.RefundedAt, e.ExpiredAt,
		e.UpdatedAt, e.ID)
	if err != nil {
		return fmt.Errorf("update escrow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *EscrowRepo) AppendStateChange(ctx context.Context, change models.StateChange) error {
	_, err := r.exec(ctx, `
		INSERT INTO escrow_events (escrow_id, from_state, to_state, occurred_at, version)
		VALUES ($1, $2, $3, $4, $5)
	`, change.EscrowID, change.FromState, change.ToState, change.OccurredAt, change.Version)
	if err != nil {
		return fmt.Errorf("append state change: %w", err)
	}
	return nil
}

func (r *EscrowRepo) ListStateChanges(ctx context.Context, escrowID uuid.UUID, limit int) ([]models.StateChange, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT escrow_id, from_state, to_state, occurred_at, version
		FROM escrow_events WHERE escrow_id = $1
		ORDER BY version ASC LIMIT $2
	`, escrowID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []models.StateChange
	for rows.Next() {
		var c models.StateChange
		if err := rows.Scan(&c.EscrowID, &c.FromState, &c.ToState, &c.OccurredAt, &c.Version); err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

type EscrowFilter struct {
	BuyerID  *string
	SellerID *string
	State    *string
	Limit    int
	Offset   int
}

// List is the unlocked read path for display purposes; it tolerates stale
// snapshots and never blocks on transition locks.
func (r *EscrowRepo) List(ctx context.Context, f EscrowFilter) ([]models.Escrow, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows`
	args := []any{}
	argIdx := 1
	where := []string{}

	if f.BuyerID != nil {
		where = append(where, fmt.Sprintf("buyer_id = $%d", argIdx))
		args = append(args, *f.BuyerID)
		argIdx++
	}
	if f.SellerID != nil {
		where = append(where, fmt.Sprintf("seller_id = $%d", argIdx))
		args = append(args, *f.SellerID)
		argIdx++
	}
	if f.State != nil {
		where = append(where, fmt.Sprintf("state = $%d", argIdx))
		args = append(args, *f.State)
		argIdx++
	}

	if len(where) > 0 {
		query += " WHERE "
		for i, w := range where {
			if i > 0 {
				query += " AND "
			}
			query += w
		}
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var escrows []models.Escrow
	for rows.Next() {
		var e models.Escrow
		if err := rows.Scan(
			&e.ID, &e.BuyerID, &e.SellerID, &e.Amount, &e.Currency, &e.State,
			&e.ExpiresAt, &e.FundedAt, &e.ReleasedAt, &e.RefundedAt, &e.ExpiredAt,
			&e.Version, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		escrows = append(escrows, e)
	}
	return escrows, rows.Err()
}

// FindExpiredCandidates returns ids of escrows still FUNDED past their
// expiration, one bounded batch at a time. The read is unlocked; each
// candidate is re-checked under its own lock by the executor.
func (r *EscrowRepo) FindExpiredCandidates(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM escrows
		WHERE state = $1 AND expires_at <= $2
		ORDER BY id LIMIT $3
	`, models.StateFunded, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *EscrowRepo) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return r.pool.Exec(ctx, sql, args...)
}

func (r *EscrowRepo) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return r.pool.QueryRow(ctx, sql, args...)
}
