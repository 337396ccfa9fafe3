package services

import (
	"context"
	"errors"

	"github.com/escrow-service/backend/internal/models"
	"go.uber.org/zap"
)

// SweepExpired forces time-based expiration of funded escrows whose window
// has passed. One bounded batch of candidate ids per run; anything left over
// is picked up by the next scheduled invocation. Each candidate goes through
// the locked executor independently, so a candidate that raced into a
// terminal state in the meantime is a clean skip, not a failure. Returns the
// number of escrows actually expired in this run.
func (s *EscrowService) SweepExpired(ctx context.Context) (int, error) {
	now := s.clock.Now()
	ids, err := s.store.FindExpiredCandidates(ctx, now, s.sweepBatchSize)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return expired, err
		}

		_, err := s.apply(ctx, id, models.TransitionExpire, nil)
		switch {
		case err == nil:
			expired++
		case models.IsInvalidTransition(err):
			// Lost the race to a release/refund or an earlier sweep.
		case errors.Is(err, models.ErrLockTimeout):
			// Row busy; the next run will try this candidate again.
			s.log.Debug("sweep: escrow busy, deferring", zap.String("escrow_id", id.String()))
		case errors.Is(err, models.ErrNotFound):
			// Deleted out from under us; nothing to do.
		default:
			s.log.Error("sweep: expire failed",
				zap.String("escrow_id", id.String()),
				zap.Error(err),
			)
		}
	}

	if expired > 0 {
		s.log.Info("sweep completed",
			zap.Int("candidates", len(ids)),
			zap.Int("expired", expired),
		)
	}
	return expired, nil
}
