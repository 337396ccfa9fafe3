package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/escrow-service/backend/internal/clock"
	"github.com/escrow-service/backend/internal/events"
	"github.com/escrow-service/backend/internal/models"
	"github.com/escrow-service/backend/internal/rbac"
	"github.com/escrow-service/backend/internal/repositories"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	buyer  = Actor{ID: "buyer-1", Role: rbac.RoleBuyer}
	seller = Actor{ID: "seller-1", Role: rbac.RoleSeller}
)

// stepClock is a settable clock so tests can move time past the expiration
// window without sleeping.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock(t time.Time) *stepClock { return &stepClock{now: t.UTC()} }

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// capturePublisher records published events for assertions.
type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *capturePublisher) Publish(_ context.Context, _ string, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *capturePublisher) all() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Event, len(p.events))
	copy(out, p.events)
	return out
}

type fixture struct {
	svc   *EscrowService
	store *repositories.MemoryEscrowStore
	clk   *stepClock
	sink  *capturePublisher
}

func newFixture(t *testing.T, window time.Duration, sweepBatch int, lockWait time.Duration) *fixture {
	t.Helper()
	clk := newStepClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := repositories.NewMemoryEscrowStore(lockWait)
	sink := &capturePublisher{}
	svc := NewEscrowService(store, sink, clk, window, sweepBatch, zaptest.NewLogger(t))
	return &fixture{svc: svc, store: store, clk: clk, sink: sink}
}

func (f *fixture) createFunded(t *testing.T, ctx context.Context) *models.Escrow {
	t.Helper()
	escrow, err := f.svc.CreateEscrow(ctx, buyer, CreateEscrowInput{SellerID: seller.ID, Amount: "50.00"})
	require.NoError(t, err)
	funded, err := f.svc.Fund(ctx, escrow.ID, buyer)
	require.NoError(t, err)
	return funded
}

func TestHappyPathLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 24*time.Hour, 100, time.Second)

	escrow, err := f.svc.CreateEscrow(ctx, buyer, CreateEscrowInput{SellerID: seller.ID, Amount: "50.00"})
	require.NoError(t, err)
	assert.Equal(t, models.StateCreated, escrow.State)
	assert.Equal(t, 0, escrow.Version)
	assert.Equal(t, "USD", escrow.Currency)
	assert.Equal(t, buyer.ID, escrow.BuyerID)

	funded, err := f.svc.Fund(ctx, escrow.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, models.StateFunded, funded.State)
	assert.Equal(t, 1, funded.Version)
	require.NotNil(t, funded.ExpiresAt)
	assert.Equal(t, f.clk.Now().Add(24*time.Hour), *funded.ExpiresAt)

	released, err := f.svc.Release(ctx, escrow.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, models.StateReleased, released.State)
	assert.Equal(t, 2, released.Version)
	require.NotNil(t, released.ReleasedAt)

	// A later refund attempt is a clean rejection against the terminal state.
	_, err = f.svc.Refund(ctx, escrow.ID, buyer)
	require.Error(t, err)
	var ite *models.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, models.StateReleased, ite.Current)
	assert.Equal(t, models.TransitionRefund, ite.Attempted)

	// Rejected attempt did not bump the version.
	current, err := f.store.GetByID(ctx, escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, current.Version)

	// One persisted state change per committed transition, version-ordered.
	changes, err := f.svc.GetEscrowEvents(ctx, escrow.ID, buyer)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, models.StateCreated, changes[0].FromState)
	assert.Equal(t, models.StateFunded, changes[0].ToState)
	assert.Equal(t, models.StateFunded, changes[1].FromState)
	assert.Equal(t, models.StateReleased, changes[1].ToState)

	// And the sink saw both.
	assert.Len(t, f.sink.all(), 2)
}

func TestCreateEscrowValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 24*time.Hour, 100, time.Second)

	tests := []struct {
		name  string
		input CreateEscrowInput
		field string
	}{
		{"missing seller", CreateEscrowInput{Amount: "10.00"}, "seller_id"},
		{"missing amount", CreateEscrowInput{SellerID: "seller-1"}, "amount"},
		{"non-numeric amount", CreateEscrowInput{SellerID: "seller-1", Amount: "ten"}, "amount"},
		{"zero amount", CreateEscrowInput{SellerID: "seller-1", Amount: "0"}, "amount"},
		{"negative amount", CreateEscrowInput{SellerID: "seller-1", Amount: "-5.00"}, "amount"},
		{"too many decimals", CreateEscrowInput{SellerID: "seller-1", Amount: "5.001"}, "amount"},
		{"zero with decimals", CreateEscrowInput{SellerID: "seller-1", Amount: "0.00"}, "amount"},
		{"nan", CreateEscrowInput{SellerID: "seller-1", Amount: "NaN"}, "amount"},
		{"infinity", CreateEscrowInput{SellerID: "seller-1", Amount: "+Inf"}, "amount"},
		{"exponent notation", CreateEscrowInput{SellerID: "seller-1", Amount: "1e3"}, "amount"},
		{"whole part too long", CreateEscrowInput{SellerID: "seller-1", Amount: "12345678901.00"}, "amount"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateEscrow(ctx, buyer, tt.input)
			var ve *models.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	// Sellers cannot open escrows at all.
	_, err := f.svc.CreateEscrow(ctx, seller, CreateEscrowInput{SellerID: "seller-2", Amount: "10.00"})
	assert.ErrorIs(t, err, models.ErrForbidden)
}

func TestTransitionAuthorization(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 24*time.Hour, 100, time.Second)
	escrow := f.createFunded(t, ctx)

	// Seller has no funds-moving permissions.
	_, err := f.svc.Release(ctx, escrow.ID, seller)
	assert.ErrorIs(t, err, models.ErrForbidden)

	// Another buyer cannot act on someone else's escrow.
	stranger := Actor{ID: "buyer-2", Role: rbac.RoleBuyer}
	_, err = f.svc.Refund(ctx, escrow.ID, stranger)
	assert.ErrorIs(t, err, models.ErrForbidden)

	// Rejections left the escrow untouched.
	current, err := f.store.GetByID(ctx, escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFunded, current.State)
	assert.Equal(t, 1, current.Version)
}

func TestVisibility(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 24*time.Hour, 100, time.Second)
	escrow := f.createFunded(t, ctx)

	// Both participants can read it.
	_, err := f.svc.GetEscrow(ctx, escrow.ID, buyer)
	assert.NoError(t, err)
	_, err = f.svc.GetEscrow(ctx, escrow.ID, seller)
	assert.NoError(t, err)

	// Non-participants cannot.
	_, err = f.svc.GetEscrow(ctx, escrow.ID, Actor{ID: "seller-2", Role: rbac.RoleSeller})
	assert.ErrorIs(t, err, models.ErrForbidden)

	// Listing is scoped by role.
	mine, err := f.svc.ListEscrows(ctx, buyer, 20, 0)
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	theirs, err := f.svc.ListEscrows(ctx, Actor{ID: "buyer-2", Role: rbac.RoleBuyer}, 20, 0)
	require.NoError(t, err)
	assert.Empty(t, theirs)
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 24*time.Hour, 100, time.Second)

	_, err := f.svc.Fund(ctx, uuid.New(), buyer)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestConcurrentReleaseRefundSingleWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 24*time.Hour, 100, 5*time.Second)
	escrow := f.createFunded(t, ctx)

	var wg sync.WaitGroup
	var releaseErr, refundErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, releaseErr = f.svc.Release(ctx, escrow.ID, buyer)
	}()
	go func() {
		defer wg.Done()
		_, refundErr = f.svc.Refund(ctx, escrow.ID, buyer)
	}()
	wg.Wait()

	// Exactly one wins; the loser observes the advanced snapshot.
	if releaseErr == nil {
		require.Error(t, refundErr)
		assert.True(t, models.IsInvalidTransition(refundErr), "loser error: %v", refundErr)
	} else {
		require.NoError(t, refundErr)
		assert.True(t, models.IsInvalidTransition(releaseErr), "loser error: %v", releaseErr)
	}

	current, err := f.store.GetByID(ctx, escrow.ID)
	require.NoError(t, err)
	assert.True(t, models.IsTerminal(current.State))
	assert.Equal(t, 2, current.Version, "exactly one increment past FUNDED")

	// Exactly one terminal timestamp committed.
	set := 0
	for _, ts := range []*time.Time{current.ReleasedAt, current.RefundedAt, current.ExpiredAt} {
		if ts != nil {
			set++
		}
	}
	assert.Equal(t, 1, set)
}

func TestConcurrentReleaseVsSweep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Hour, 100, 5*time.Second)
	escrow := f.createFunded(t, ctx)
	f.clk.Advance(2 * time.Hour) // past the expiration window

	var wg sync.WaitGroup
	var releaseErr error
	var swept int
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, releaseErr = f.svc.Release(ctx, escrow.ID, buyer)
	}()
	go func() {
		defer wg.Done()
		var err error
		swept, err = f.svc.SweepExpired(ctx)
		assert.NoError(t, err)
	}()
	wg.Wait()

	current, err := f.store.GetByID(ctx, escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, current.Version)

	switch current.State {
	case models.StateReleased:
		assert.NoError(t, releaseErr)
		assert.Equal(t, 0, swept)
	case models.StateExpired:
		assert.Equal(t, 1, swept)
		require.Error(t, releaseErr)
		assert.True(t, models.IsInvalidTransition(releaseErr), "release error: %v", releaseErr)
	default:
		t.Fatalf("escrow ended in non-terminal state %s", current.State)
	}
}

func TestSweepIdempotence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Hour, 100, time.Second)

	for i := 0; i < 3; i++ {
		f.createFunded(t, ctx)
	}
	fresh, err := f.svc.CreateEscrow(ctx, buyer, CreateEscrowInput{SellerID: seller.ID, Amount: "5.00"})
	require.NoError(t, err)

	f.clk.Advance(2 * time.Hour)
	// Funded after the advance: its window has not elapsed yet.
	_, err = f.svc.Fund(ctx, fresh.ID, buyer)
	require.NoError(t, err)

	count, err := f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	// Rerunning over the same window expires nothing twice.
	count, err = f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	current, err := f.store.GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFunded, current.State)
}

func TestSweepBatchBound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Hour, 2, time.Second)

	for i := 0; i < 3; i++ {
		f.createFunded(t, ctx)
	}
	f.clk.Advance(2 * time.Hour)

	// One bounded batch per run; the remainder is the next run's problem.
	count, err := f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = f.svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestLockTimeoutSurfacesAsRetryable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 24*time.Hour, 100, 50*time.Millisecond)
	escrow := f.createFunded(t, ctx)

	holding := make(chan struct{})
	done := make(chan struct{})
	go func() {
		// Hold the row lock longer than the configured bound.
		_ = f.store.WithTx(ctx, func(txCtx context.Context) error {
			if _, err := f.store.GetForUpdate(txCtx, escrow.ID); err != nil {
				return err
			}
			close(holding)
			time.Sleep(300 * time.Millisecond)
			return nil
		})
		close(done)
	}()

	<-holding
	_, err := f.svc.Release(ctx, escrow.ID, buyer)
	assert.ErrorIs(t, err, models.ErrLockTimeout)
	<-done

	// The bound expiring is retryable, not a state decision: retry succeeds.
	released, err := f.svc.Release(ctx, escrow.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, models.StateReleased, released.State)
}

func TestSinkFailureDoesNotRollBack(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFixed(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := repositories.NewMemoryEscrowStore(time.Second)
	svc := NewEscrowService(store, failingPublisher{}, clk, 24*time.Hour, 100, zaptest.NewLogger(t))

	escrow, err := svc.CreateEscrow(ctx, buyer, CreateEscrowInput{SellerID: seller.ID, Amount: "10.00"})
	require.NoError(t, err)

	funded, err := svc.Fund(ctx, escrow.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, models.StateFunded, funded.State)

	current, err := store.GetByID(ctx, escrow.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateFunded, current.State)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, events.Event) error {
	return errors.New("sink unavailable")
}
