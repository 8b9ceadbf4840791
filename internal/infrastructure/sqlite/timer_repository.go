package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/civita/formation/internal/domain/timer"
)

// TimerRepository implements timer.Repository on SQLite.
type TimerRepository struct {
	db *sql.DB
}

func NewTimerRepository(s *Store) *TimerRepository {
	return &TimerRepository{db: s.db}
}

const timerColumns = `id, timer_id, activity_id, kind, fire_at, status, attempts, last_error, fired_at, created_at, updated_at`

// Schedule upserts the pending timer for (activity, kind).
func (r *TimerRepository) Schedule(ctx context.Context, t *timer.Timer) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO formation_timers (timer_id, activity_id, kind, fire_at, status, attempts, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, 0, ?, ?)
ON CONFLICT (activity_id, kind) DO UPDATE SET
	fire_at = excluded.fire_at,
	status = excluded.status,
	attempts = 0,
	last_error = NULL,
	fired_at = NULL,
	updated_at = excluded.updated_at`,
		t.TimerID.String(), t.ActivityID.String(), string(t.Kind), millis(t.FireAt),
		string(timer.StatusPending), millis(t.CreatedAt), millis(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("schedule timer: %w", err)
	}
	return nil
}

// ListDue returns pending timers with fire_at <= now, oldest first.
func (r *TimerRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*timer.Timer, error) {
	return r.query(ctx, `SELECT `+timerColumns+` FROM formation_timers
WHERE status = ? AND fire_at <= ?
ORDER BY fire_at, id
LIMIT ?`, string(timer.StatusPending), millis(now), limit)
}

// ListPending returns every pending timer ordered by fire time.
func (r *TimerRepository) ListPending(ctx context.Context, limit int) ([]*timer.Timer, error) {
	return r.query(ctx, `SELECT `+timerColumns+` FROM formation_timers
WHERE status = ?
ORDER BY fire_at, id
LIMIT ?`, string(timer.StatusPending), limit)
}

// Get returns the timer row for timerID whatever its status.
func (r *TimerRepository) Get(ctx context.Context, timerID uuid.UUID) (*timer.Timer, error) {
	timers, err := r.query(ctx, `SELECT `+timerColumns+` FROM formation_timers WHERE timer_id = ?`, timerID.String())
	if err != nil {
		return nil, err
	}
	if len(timers) == 0 {
		return nil, nil
	}
	return timers[0], nil
}

func (r *TimerRepository) Complete(ctx context.Context, timerID uuid.UUID, firedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE formation_timers SET status = ?, fired_at = ?, updated_at = ?
WHERE timer_id = ?`, string(timer.StatusDone), millis(firedAt), millis(firedAt), timerID.String())
	if err != nil {
		return fmt.Errorf("complete timer: %w", err)
	}
	return requireRow(res, timerID)
}

func (r *TimerRepository) Reschedule(ctx context.Context, timerID uuid.UUID, fireAt time.Time, lastError string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE formation_timers SET fire_at = ?, attempts = attempts + 1, last_error = ?, updated_at = ?
WHERE timer_id = ? AND status = ?`,
		millis(fireAt), lastError, millis(at), timerID.String(), string(timer.StatusPending))
	if err != nil {
		return fmt.Errorf("reschedule timer: %w", err)
	}
	return requireRow(res, timerID)
}

func (r *TimerRepository) query(ctx context.Context, query string, args ...interface{}) ([]*timer.Timer, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list timers: %w", err)
	}
	defer rows.Close()

	timers := make([]*timer.Timer, 0)
	for rows.Next() {
		var (
			t                            timer.Timer
			timerID, activityID, kind    string
			status                       string
			fireAt, createdAt, updatedAt int64
			lastError                    sql.NullString
			firedAt                      sql.NullInt64
		)
		if err := rows.Scan(&t.ID, &timerID, &activityID, &kind, &fireAt, &status, &t.Attempts, &lastError, &firedAt, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if t.TimerID, err = uuid.Parse(timerID); err != nil {
			return nil, err
		}
		if t.ActivityID, err = uuid.Parse(activityID); err != nil {
			return nil, err
		}
		t.Kind = timer.Kind(kind)
		t.Status = timer.Status(status)
		t.FireAt = fromMillis(fireAt)
		t.LastError = stringPtr(lastError)
		t.FiredAt = timePtr(firedAt)
		t.CreatedAt = fromMillis(createdAt)
		t.UpdatedAt = fromMillis(updatedAt)
		timers = append(timers, &t)
	}
	return timers, rows.Err()
}

func requireRow(res sql.Result, timerID uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", timer.ErrTimerNotFound, timerID)
	}
	return nil
}
