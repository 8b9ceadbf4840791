package timer

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Kind identifies which formation deadline a timer tracks.
type Kind string

const (
	KindSoftLockExpiry  Kind = "SOFT_LOCK_EXPIRY"
	KindPaymentDeadline Kind = "PAYMENT_DEADLINE"
)

// Status of a durable timer row.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusDone    Status = "DONE"
)

var (
	ErrInvalidTimer  = errors.New("invalid timer")
	ErrTimerNotFound = errors.New("timer not found")
)

var timerNamespace = uuid.MustParse("6f1c9b0e-3a0d-5d4e-9a57-2f4f3f6c1e10")

// Timer is a persisted wake-up for one activity. At most one timer exists per
// (activity, kind); rescheduling replaces fireAt.
type Timer struct {
	ID         int64      `json:"id"`
	TimerID    uuid.UUID  `json:"timerId"`
	ActivityID uuid.UUID  `json:"activityId"`
	Kind       Kind       `json:"kind"`
	FireAt     time.Time  `json:"fireAt"`
	Status     Status     `json:"status"`
	Attempts   int        `json:"attempts"`
	LastError  *string    `json:"lastError,omitempty"`
	FiredAt    *time.Time `json:"firedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// ID derives the stable timer id for an (activity, kind) pair.
func ID(activityID uuid.UUID, kind Kind) uuid.UUID {
	return uuid.NewSHA1(timerNamespace, []byte(activityID.String()+"/"+string(kind)))
}

// New returns a pending timer.
func New(activityID uuid.UUID, kind Kind, fireAt, now time.Time) (*Timer, error) {
	if activityID == uuid.Nil {
		return nil, ErrInvalidTimer
	}
	switch kind {
	case KindSoftLockExpiry, KindPaymentDeadline:
	default:
		return nil, ErrInvalidTimer
	}
	return &Timer{
		TimerID:    ID(activityID, kind),
		ActivityID: activityID,
		Kind:       kind,
		FireAt:     fireAt.UTC(),
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Due reports whether the timer should fire at now.
func (t *Timer) Due(now time.Time) bool {
	return t.Status == StatusPending && !now.Before(t.FireAt)
}

// RetryDelay returns the exponential delay before the next attempt after
// attempts failures, capped at max.
func RetryDelay(attempts int, base, max time.Duration) time.Duration {
	if attempts < 1 {
		return base
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
