package models

import (
	"time"

	"github.com/google/uuid"
)

// Escrow states
const (
	StateCreated  = "CREATED"
	StateFunded   = "FUNDED"
	StateReleased = "RELEASED"
	StateRefunded = "REFUNDED"
	StateExpired  = "EXPIRED"
)

// Transitions
const (
	TransitionFund    = "fund"
	TransitionRelease = "release"
	TransitionRefund  = "refund"
	TransitionExpire  = "expire"
)

// TransitionSource maps each transition to the single state it is legal from.
var TransitionSource = map[string]string{
	TransitionFund:    StateCreated,
	TransitionRelease: StateFunded,
	TransitionRefund:  StateFunded,
	TransitionExpire:  StateFunded,
}

// TransitionTarget maps each transition to the state it produces.
var TransitionTarget = map[string]string{
	TransitionFund:    StateFunded,
	TransitionRelease: StateReleased,
	TransitionRefund:  StateRefunded,
	TransitionExpire:  StateExpired,
}

// IsTerminal reports whether no further transition is legal from state.
func IsTerminal(state string) bool {
	return state == StateReleased || state == StateRefunded || state == StateExpired
}

// IsValidTransition reports whether transition is legal from the given state.
func IsValidTransition(from, transition string) bool {
	source, ok := TransitionSource[transition]
	return ok && source == from
}

type Escrow struct {
	ID         uuid.UUID  `json:"id"`
	BuyerID    string     `json:"buyer_id"`
	SellerID   string     `json:"seller_id"`
	Amount     string     `json:"amount"` // numeric as string
	Currency   string     `json:"currency"`
	State      string     `json:"state"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	FundedAt   *time.Time `json:"funded_at,omitempty"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
	RefundedAt *time.Time `json:"refunded_at,omitempty"`
	ExpiredAt  *time.Time `json:"expired_at,omitempty"`
	Version    int        `json:"version"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// StateChange records one committed transition. It is appended to the
// escrow_events history in the same unit of work as the snapshot update and
// then handed to the event sink after commit.
type StateChange struct {
	EscrowID   uuid.UUID `json:"escrow_id"`
	FromState  string    `json:"from_state"`
	ToState    string    `json:"to_state"`
	OccurredAt time.Time `json:"occurred_at"`
	Version    int       `json:"version"` // version after the transition
}

// ApplyTransition is the pure transition core. Given the currently persisted
// snapshot it either returns the advanced snapshot (version+1) together with
// its StateChange record, or an InvalidTransitionError with the snapshot
// unchanged. Performs no I/O; the caller supplies the time source and the
// expiration window so decisions are deterministic.
func (e Escrow) ApplyTransition(transition string, now time.Time, window time.Duration) (Escrow, StateChange, error) {
	if !IsValidTransition(e.State, transition) {
		return e, StateChange{}, &InvalidTransitionError{Current: e.State, Attempted: transition}
	}

	next := e
	switch transition {
	case TransitionFund:
		next.FundedAt = &now
		expires := now.Add(window)
		next.ExpiresAt = &expires
	case TransitionRelease:
		next.ReleasedAt = &now
	case TransitionRefund:
		next.RefundedAt = &now
	case TransitionExpire:
		next.ExpiredAt = &now
	}

	next.State = TransitionTarget[transition]
	next.Version = e.Version + 1
	next.UpdatedAt = now

	change := StateChange{
		EscrowID:   e.ID,
		FromState:  e.State,
		ToState:    next.State,
		OccurredAt: now,
		Version:    next.Version,
	}
	return next, change, nil
}
