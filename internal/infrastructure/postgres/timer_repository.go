package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/civita/formation/internal/domain/timer"
)

// TimerRepository implements timer.Repository.
type TimerRepository struct {
	pool *pgxpool.Pool
}

func NewTimerRepository(pool *pgxpool.Pool) *TimerRepository {
	return &TimerRepository{pool: pool}
}

const timerColumns = `id, timer_id, activity_id, kind, fire_at, status, attempts, last_error, fired_at, created_at, updated_at`

func (r *TimerRepository) Schedule(ctx context.Context, t *timer.Timer) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO formation_timers (timer_id, activity_id, kind, fire_at, status, attempts, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,0,$6,$7)
		ON CONFLICT (activity_id, kind) DO UPDATE SET
			fire_at=EXCLUDED.fire_at,
			status=EXCLUDED.status,
			attempts=0,
			last_error=NULL,
			fired_at=NULL,
			updated_at=EXCLUDED.updated_at
	`, t.TimerID, t.ActivityID, t.Kind, t.FireAt, timer.StatusPending, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("schedule timer: %w", err)
	}
	return nil
}

func (r *TimerRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*timer.Timer, error) {
	return r.query(ctx, `SELECT `+timerColumns+` FROM formation_timers
		WHERE status=$1 AND fire_at <= $2
		ORDER BY fire_at, id
		LIMIT $3`, timer.StatusPending, now, limit)
}

func (r *TimerRepository) ListPending(ctx context.Context, limit int) ([]*timer.Timer, error) {
	return r.query(ctx, `SELECT `+timerColumns+` FROM formation_timers
		WHERE status=$1
		ORDER BY fire_at, id
		LIMIT $2`, timer.StatusPending, limit)
}

// Get returns the timer row for timerID whatever its status.
func (r *TimerRepository) Get(ctx context.Context, timerID uuid.UUID) (*timer.Timer, error) {
	timers, err := r.query(ctx, `SELECT `+timerColumns+` FROM formation_timers WHERE timer_id=$1`, timerID)
	if err != nil {
		return nil, err
	}
	if len(timers) == 0 {
		return nil, nil
	}
	return timers[0], nil
}

func (r *TimerRepository) Complete(ctx context.Context, timerID uuid.UUID, firedAt time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE formation_timers SET status=$1, fired_at=$2, updated_at=$2 WHERE timer_id=$3
	`, timer.StatusDone, firedAt, timerID)
	if err != nil {
		return fmt.Errorf("complete timer: %w", err)
	}
	return requireRow(tag, timerID)
}

func (r *TimerRepository) Reschedule(ctx context.Context, timerID uuid.UUID, fireAt time.Time, lastError string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE formation_timers SET fire_at=$1, attempts=attempts+1, last_error=$2, updated_at=$5
		WHERE timer_id=$3 AND status=$4
	`, fireAt, lastError, timerID, timer.StatusPending, at)
	if err != nil {
		return fmt.Errorf("reschedule timer: %w", err)
	}
	return requireRow(tag, timerID)
}

func (r *TimerRepository) query(ctx context.Context, query string, args ...interface{}) ([]*timer.Timer, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list timers: %w", err)
	}
	defer rows.Close()

	timers := make([]*timer.Timer, 0)
	for rows.Next() {
		var t timer.Timer
		if err := rows.Scan(&t.ID, &t.TimerID, &t.ActivityID, &t.Kind, &t.FireAt, &t.Status, &t.Attempts, &t.LastError, &t.FiredAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.FireAt = t.FireAt.UTC()
		timers = append(timers, &t)
	}
	return timers, rows.Err()
}

func requireRow(tag pgconn.CommandTag, timerID uuid.UUID) error {
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", timer.ErrTimerNotFound, timerID)
	}
	return nil
}
