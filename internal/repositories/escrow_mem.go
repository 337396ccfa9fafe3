package repositories

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/escrow-service/backend/internal/models"
	"github.com/google/uuid"
)

// MemoryEscrowStore keeps escrows in process memory with the same contract as
// EscrowRepo: per-escrow exclusive locks, bounded lock waits, and
// commit-or-abort write visibility. Backs the service tests and local runs
// without postgres.
type MemoryEscrowStore struct {
	mu       sync.Mutex
	escrows  map[uuid.UUID]models.Escrow
	changes  map[uuid.UUID][]models.StateChange
	locks    map[uuid.UUID]chan struct{}
	lockWait time.Duration
}

func NewMemoryEscrowStore(lockWait time.Duration) *MemoryEscrowStore {
	if lockWait <= 0 {
		lockWait = 3 * time.Second
	}
	return &MemoryEscrowStore{
		escrows:  map[uuid.UUID]models.Escrow{},
		changes:  map[uuid.UUID][]models.StateChange{},
		locks:    map[uuid.UUID]chan struct{}{},
		lockWait: lockWait,
	}
}

type memTx struct {
	locked  []uuid.UUID
	escrows map[uuid.UUID]models.Escrow
	changes []models.StateChange
}

type memTxKey struct{}

func memTxFromContext(ctx context.Context) *memTx {
	tx, _ := ctx.Value(memTxKey{}).(*memTx)
	return tx
}

// WithTx runs fn as a unit of work. Writes buffered by fn become visible only
// if fn returns nil; every lock taken inside is released on all exit paths.
func (s *MemoryEscrowStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if memTxFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx := &memTx{escrows: map[uuid.UUID]models.Escrow{}}
	defer s.releaseLocks(tx)

	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range tx.escrows {
		s.escrows[id] = e
	}
	for _, c := range tx.changes {
		s.changes[c.EscrowID] = append(s.changes[c.EscrowID], c)
	}
	return nil
}

func (s *MemoryEscrowStore) releaseLocks(tx *memTx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range tx.locked {
		<-s.locks[id]
	}
	tx.locked = nil
}

func (s *MemoryEscrowStore) Create(ctx context.Context, e *models.Escrow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.escrows[e.ID]; ok {
		return errors.New("escrow already exists")
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = now
	}
	s.escrows[e.ID] = *e
	return nil
}

func (s *MemoryEscrowStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.escrows[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &e, nil
}

// GetForUpdate acquires the escrow's exclusive lock (bounded wait) and
// returns the latest committed snapshot. The lock is held until the
// surrounding WithTx finishes.
func (s *MemoryEscrowStore) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Escrow, error) {
	tx := memTxFromContext(ctx)
	if tx == nil {
		return nil, errors.New("GetForUpdate requires an active transaction")
	}

	s.mu.Lock()
	lock, ok := s.locks[id]
	if !ok {
		lock = make(chan struct{}, 1)
		s.locks[id] = lock
	}
	s.mu.Unlock()

	timer := time.NewTimer(s.lockWait)
	defer timer.Stop()
	select {
	case lock <- struct{}{}:
	case <-timer.C:
		return nil, models.ErrLockTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	tx.locked = append(tx.locked, id)

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.escrows[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &e, nil
}

func (s *MemoryEscrowStore) Update(ctx context.Context, e *models.Escrow) error {
	tx := memTxFromContext(ctx)
	if tx == nil {
		return errors.New("Update requires an active transaction")
	}
	tx.escrows[e.ID] = *e
	return nil
}

func (s *MemoryEscrowStore) AppendStateChange(ctx context.Context, change models.StateChange) error {
	tx := memTxFromContext(ctx)
	if tx == nil {
		return errors.New("AppendStateChange requires an active transaction")
	}
	tx.changes = append(tx.changes, change)
	return nil
}

func (s *MemoryEscrowStore) ListStateChanges(ctx context.Context, escrowID uuid.UUID, limit int) ([]models.StateChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changes := s.changes[escrowID]
	if limit > 0 && len(changes) > limit {
		changes = changes[:limit]
	}
	out := make([]models.StateChange, len(changes))
	copy(out, changes)
	return out, nil
}

func (s *MemoryEscrowStore) List(ctx context.Context, f EscrowFilter) ([]models.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var escrows []models.Escrow
	for _, e := range s.escrows {
		if f.BuyerID != nil && e.BuyerID != *f.BuyerID {
			continue
		}
		if f.SellerID != nil && e.SellerID != *f.SellerID {
			continue
		}
		if f.State != nil && e.State != *f.State {
			continue
		}
		escrows = append(escrows, e)
	}
	sort.Slice(escrows, func(i, j int) bool {
		return escrows[i].CreatedAt.After(escrows[j].CreatedAt)
	})

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if f.Offset > 0 {
		if f.Offset >= len(escrows) {
			return nil, nil
		}
		escrows = escrows[f.Offset:]
	}
	if len(escrows) > limit {
		escrows = escrows[:limit]
	}
	return escrows, nil
}

func (s *MemoryEscrowStore) FindExpiredCandidates(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []uuid.UUID
	for id, e := range s.escrows {
		if e.State == models.StateFunded && e.ExpiresAt != nil && !e.ExpiresAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}
