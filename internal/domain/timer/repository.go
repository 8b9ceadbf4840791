package timer

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines durable timer persistence.
type Repository interface {
	// Schedule inserts or replaces the pending timer for (ActivityID, Kind).
	Schedule(ctx context.Context, t *Timer) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Timer, error)
	ListPending(ctx context.Context, limit int) ([]*Timer, error)
	// Get returns nil, nil when no row exists for timerID.
	Get(ctx context.Context, timerID uuid.UUID) (*Timer, error)
	Complete(ctx context.Context, timerID uuid.UUID, firedAt time.Time) error
	// Reschedule records a failed attempt at time at and moves fireAt.
	Reschedule(ctx context.Context, timerID uuid.UUID, fireAt time.Time, lastError string, at time.Time) error
}
