package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/civita/formation/internal/domain/activity"
)

// ActivityRepository implements activity.Repository on SQLite.
type ActivityRepository struct {
	db *sql.DB
}

func NewActivityRepository(s *Store) *ActivityRepository {
	return &ActivityRepository{db: s.db}
}

const activityColumns = `
	id, activity_id, kind, title, venue, starts_at, total_cost, currency,
	min_participants, max_participants, payment_mode, visibility, created_by,
	stage, window_opens_at, window_deadline_at, soft_locked_at, final_share,
	inconsistent, settlement, version, created_at, updated_at`

// Create inserts a new activity with its roster and events.
func (r *ActivityRepository) Create(ctx context.Context, a *activity.Activity, events []*activity.Event) error {
	settlement, err := encodeSettlement(a.Settlement)
	if err != nil {
		return err
	}
	opensAt, deadlineAt := windowColumns(a)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
INSERT INTO activities (
	activity_id, kind, title, venue, starts_at, total_cost, currency,
	min_participants, max_participants, payment_mode, visibility, created_by,
	stage, window_opens_at, window_deadline_at, soft_locked_at, final_share,
	inconsistent, settlement, version, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ActivityID.String(), string(a.Kind), a.Title, a.Venue, millis(a.StartsAt), a.TotalCost, a.Currency,
		a.MinParticipants, a.MaxParticipants, string(a.PaymentMode), a.Visibility, a.CreatedBy,
		string(a.Stage), opensAt, deadlineAt, nullMillis(a.SoftLockedAt), nullInt64(a.FinalShare),
		a.Inconsistent, settlement, a.Version, millis(a.CreatedAt), millis(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		a.ID = id
	}
	if err := writeRoster(ctx, tx, a); err != nil {
		return err
	}
	if err := insertEvents(ctx, tx, events); err != nil {
		return err
	}
	return tx.Commit()
}

// GetByID loads an activity and its roster. Missing activities return nil, nil.
func (r *ActivityRepository) GetByID(ctx context.Context, activityID uuid.UUID) (*activity.Activity, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE activity_id = ?`, activityID.String())
	a, err := scanActivity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := r.loadRosters(ctx, []*activity.Activity{a}); err != nil {
		return nil, err
	}
	return a, nil
}

// Save writes a back if nobody else changed it since it was loaded.
func (r *ActivityRepository) Save(ctx context.Context, a *activity.Activity, events []*activity.Event) error {
	settlement, err := encodeSettlement(a.Settlement)
	if err != nil {
		return err
	}
	opensAt, deadlineAt := windowColumns(a)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE activities SET
	stage = ?, window_opens_at = ?, window_deadline_at = ?, soft_locked_at = ?,
	final_share = ?, inconsistent = ?, settlement = ?, version = version + 1, updated_at = ?
WHERE activity_id = ? AND version = ?`,
		string(a.Stage), opensAt, deadlineAt, nullMillis(a.SoftLockedAt),
		nullInt64(a.FinalShare), a.Inconsistent, settlement, millis(a.UpdatedAt),
		a.ActivityID.String(), a.Version,
	)
	if err != nil {
		return fmt.Errorf("update activity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s at version %d", activity.ErrConcurrentUpdate, a.ActivityID, a.Version)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM activity_participants WHERE activity_id = ?`, a.ActivityID.String()); err != nil {
		return fmt.Errorf("clear roster: %w", err)
	}
	if err := writeRoster(ctx, tx, a); err != nil {
		return err
	}
	if err := insertEvents(ctx, tx, events); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	a.Version++
	return nil
}

// List returns activities newest first.
func (r *ActivityRepository) List(ctx context.Context, stage *activity.Stage, limit, offset int) ([]*activity.Activity, error) {
	query := `SELECT ` + activityColumns + ` FROM activities`
	args := []interface{}{}
	if stage != nil {
		query += ` WHERE stage = ?`
		args = append(args, string(*stage))
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)
	return r.queryActivities(ctx, query, args...)
}

// ListByStages returns every activity currently in one of stages.
func (r *ActivityRepository) ListByStages(ctx context.Context, stages []activity.Stage) ([]*activity.Activity, error) {
	if len(stages) == 0 {
		return []*activity.Activity{}, nil
	}
	placeholders := make([]string, len(stages))
	args := make([]interface{}, len(stages))
	for i, s := range stages {
		placeholders[i] = "?"
		args[i] = string(s)
	}
	query := `SELECT ` + activityColumns + ` FROM activities WHERE stage IN (` + strings.Join(placeholders, ",") + `) ORDER BY id`
	return r.queryActivities(ctx, query, args...)
}

// ListEvents returns the timeline of an activity in append order.
func (r *ActivityRepository) ListEvents(ctx context.Context, activityID uuid.UUID, limit, offset int) ([]*activity.Event, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, event_id, activity_id, type, stage, payload, created_at
FROM activity_events
WHERE activity_id = ?
ORDER BY id
LIMIT ? OFFSET ?`, activityID.String(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := make([]*activity.Event, 0)
	for rows.Next() {
		var (
			e                   activity.Event
			eventID, actID      string
			typ, stage, payload string
			createdAt           int64
		)
		if err := rows.Scan(&e.ID, &eventID, &actID, &typ, &stage, &payload, &createdAt); err != nil {
			return nil, err
		}
		if e.EventID, err = uuid.Parse(eventID); err != nil {
			return nil, err
		}
		if e.ActivityID, err = uuid.Parse(actID); err != nil {
			return nil, err
		}
		e.Type = activity.EventType(typ)
		e.Stage = activity.Stage(stage)
		e.Payload = json.RawMessage(payload)
		e.CreatedAt = fromMillis(createdAt)
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (r *ActivityRepository) queryActivities(ctx context.Context, query string, args ...interface{}) ([]*activity.Activity, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	activities := make([]*activity.Activity, 0)
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		activities = append(activities, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if err := r.loadRosters(ctx, activities); err != nil {
		return nil, err
	}
	return activities, nil
}

func (r *ActivityRepository) loadRosters(ctx context.Context, activities []*activity.Activity) error {
	for _, a := range activities {
		rows, err := r.db.QueryContext(ctx, `
SELECT participant_id, display_name, joined_at, paid, paid_at, receipt_id
FROM activity_participants
WHERE activity_id = ?
ORDER BY position`, a.ActivityID.String())
		if err != nil {
			return fmt.Errorf("load roster: %w", err)
		}
		entries := make([]*activity.ParticipantEntry, 0)
		for rows.Next() {
			var (
				e         activity.ParticipantEntry
				joinedAt  int64
				paidAt    sql.NullInt64
				receiptID sql.NullString
			)
			if err := rows.Scan(&e.ParticipantID, &e.DisplayName, &joinedAt, &e.Paid, &paidAt, &receiptID); err != nil {
				rows.Close()
				return err
			}
			e.JoinedAt = fromMillis(joinedAt)
			e.PaidAt = timePtr(paidAt)
			e.ReceiptID = stringPtr(receiptID)
			entries = append(entries, &e)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
		a.Roster = activity.RestoreRoster(entries)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanActivity(row rowScanner) (*activity.Activity, error) {
	var (
		a                                 activity.Activity
		activityID, kind, mode, stage     string
		startsAt, createdAt, updatedAt    int64
		opensAt, deadlineAt, softLockedAt sql.NullInt64
		finalShare                        sql.NullInt64
		settlement                        sql.NullString
	)
	err := row.Scan(
		&a.ID, &activityID, &kind, &a.Title, &a.Venue, &startsAt, &a.TotalCost, &a.Currency,
		&a.MinParticipants, &a.MaxParticipants, &mode, &a.Visibility, &a.CreatedBy,
		&stage, &opensAt, &deadlineAt, &softLockedAt, &finalShare,
		&a.Inconsistent, &settlement, &a.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if a.ActivityID, err = uuid.Parse(activityID); err != nil {
		return nil, err
	}
	a.Kind = activity.Kind(kind)
	a.PaymentMode = activity.PaymentMode(mode)
	a.Stage = activity.Stage(stage)
	a.StartsAt = fromMillis(startsAt)
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)
	a.SoftLockedAt = timePtr(softLockedAt)
	if opensAt.Valid && deadlineAt.Valid {
		a.Window = &activity.PaymentWindow{
			OpensAt:    fromMillis(opensAt.Int64),
			DeadlineAt: fromMillis(deadlineAt.Int64),
		}
	}
	if finalShare.Valid {
		v := finalShare.Int64
		a.FinalShare = &v
	}
	if settlement.Valid && settlement.String != "" {
		var s activity.Settlement
		if err := json.Unmarshal([]byte(settlement.String), &s); err != nil {
			return nil, fmt.Errorf("decode settlement: %w", err)
		}
		a.Settlement = &s
	}
	a.Roster = activity.NewRoster()
	return &a, nil
}

func writeRoster(ctx context.Context, tx *sql.Tx, a *activity.Activity) error {
	for i, e := range a.Roster.Entries() {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO activity_participants (
	activity_id, participant_id, display_name, position, joined_at, paid, paid_at, receipt_id
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ActivityID.String(), e.ParticipantID, e.DisplayName, i, millis(e.JoinedAt),
			e.Paid, nullMillis(e.PaidAt), nullString(e.ReceiptID),
		); err != nil {
			return fmt.Errorf("insert participant %s: %w", e.ParticipantID, err)
		}
	}
	return nil
}

func insertEvents(ctx context.Context, tx *sql.Tx, events []*activity.Event) error {
	for _, e := range events {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO activity_events (event_id, activity_id, type, stage, payload, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
			e.EventID.String(), e.ActivityID.String(), string(e.Type), string(e.Stage), string(e.Payload), millis(e.CreatedAt),
		); err != nil {
			return fmt.Errorf("insert event %s: %w", e.Type, err)
		}
	}
	return nil
}

func windowColumns(a *activity.Activity) (sql.NullInt64, sql.NullInt64) {
	if a.Window == nil {
		return sql.NullInt64{}, sql.NullInt64{}
	}
	return nullMillis(&a.Window.OpensAt), nullMillis(&a.Window.DeadlineAt)
}

func encodeSettlement(s *activity.Settlement) (sql.NullString, error) {
	if s == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode settlement: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
