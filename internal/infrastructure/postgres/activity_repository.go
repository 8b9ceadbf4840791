package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/civita/formation/internal/domain/activity"
)

// ActivityRepository implements activity.Repository.
type ActivityRepository struct {
	pool *pgxpool.Pool
}

func NewActivityRepository(pool *pgxpool.Pool) *ActivityRepository {
	return &ActivityRepository{pool: pool}
}

const activityColumns = `
	id, activity_id, kind, title, venue, starts_at, total_cost, currency,
	min_participants, max_participants, payment_mode, visibility, created_by,
	stage, window_opens_at, window_deadline_at, soft_locked_at, final_share,
	inconsistent, settlement, version, created_at, updated_at`

func (r *ActivityRepository) Create(ctx context.Context, a *activity.Activity, events []*activity.Event) error {
	settlement, err := encodeSettlement(a.Settlement)
	if err != nil {
		return err
	}
	opensAt, deadlineAt := windowColumns(a)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx, `
		INSERT INTO activities (
			activity_id, kind, title, venue, starts_at, total_cost, currency,
			min_participants, max_participants, payment_mode, visibility, created_by,
			stage, window_opens_at, window_deadline_at, soft_locked_at, final_share,
			inconsistent, settlement, version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		RETURNING id
	`, a.ActivityID, a.Kind, a.Title, a.Venue, a.StartsAt, a.TotalCost, a.Currency,
		a.MinParticipants, a.MaxParticipants, a.PaymentMode, a.Visibility, a.CreatedBy,
		a.Stage, opensAt, deadlineAt, a.SoftLockedAt, a.FinalShare,
		a.Inconsistent, settlement, a.Version, a.CreatedAt, a.UpdatedAt,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	if err := writeChildren(ctx, tx, a, events); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *ActivityRepository) GetByID(ctx context.Context, activityID uuid.UUID) (*activity.Activity, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+activityColumns+` FROM activities WHERE activity_id=$1`, activityID)
	a, err := scanActivity(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := r.loadRosters(ctx, []*activity.Activity{a}); err != nil {
		return nil, err
	}
	return a, nil
}

// Save writes a back under an optimistic version check.
func (r *ActivityRepository) Save(ctx context.Context, a *activity.Activity, events []*activity.Event) error {
	settlement, err := encodeSettlement(a.Settlement)
	if err != nil {
		return err
	}
	opensAt, deadlineAt := windowColumns(a)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE activities SET
			stage=$1, window_opens_at=$2, window_deadline_at=$3, soft_locked_at=$4,
			final_share=$5, inconsistent=$6, settlement=$7, version=version+1, updated_at=$8
		WHERE activity_id=$9 AND version=$10
	`, a.Stage, opensAt, deadlineAt, a.SoftLockedAt,
		a.FinalShare, a.Inconsistent, settlement, a.UpdatedAt,
		a.ActivityID, a.Version,
	)
	if err != nil {
		return fmt.Errorf("update activity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s at version %d", activity.ErrConcurrentUpdate, a.ActivityID, a.Version)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM activity_participants WHERE activity_id=$1`, a.ActivityID); err != nil {
		return fmt.Errorf("clear roster: %w", err)
	}
	if err := writeChildren(ctx, tx, a, events); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	a.Version++
	return nil
}

func (r *ActivityRepository) List(ctx context.Context, stage *activity.Stage, limit, offset int) ([]*activity.Activity, error) {
	query := `SELECT ` + activityColumns + ` FROM activities`
	args := []interface{}{}
	if stage != nil {
		query += " WHERE stage=$1"
		args = append(args, *stage)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT $" + strconv.Itoa(len(args)+1) + " OFFSET $" + strconv.Itoa(len(args)+2)
	args = append(args, limit, offset)
	return r.queryActivities(ctx, query, args...)
}

func (r *ActivityRepository) ListByStages(ctx context.Context, stages []activity.Stage) ([]*activity.Activity, error) {
	if len(stages) == 0 {
		return []*activity.Activity{}, nil
	}
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = string(s)
	}
	return r.queryActivities(ctx, `SELECT `+activityColumns+` FROM activities WHERE stage = ANY($1) ORDER BY id`, names)
}

func (r *ActivityRepository) ListEvents(ctx context.Context, activityID uuid.UUID, limit, offset int) ([]*activity.Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, event_id, activity_id, type, stage, payload, created_at
		FROM activity_events
		WHERE activity_id=$1
		ORDER BY id
		LIMIT $2 OFFSET $3
	`, activityID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := make([]*activity.Event, 0)
	for rows.Next() {
		var e activity.Event
		var payload []byte
		if err := rows.Scan(&e.ID, &e.EventID, &e.ActivityID, &e.Type, &e.Stage, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (r *ActivityRepository) queryActivities(ctx context.Context, query string, args ...interface{}) ([]*activity.Activity, error) {
	rows, err := r.pool.Query(ctx, query, args...)
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
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.loadRosters(ctx, activities); err != nil {
		return nil, err
	}
	return activities, nil
}

// loadRosters fills every activity's roster with a single query.
func (r *ActivityRepository) loadRosters(ctx context.Context, activities []*activity.Activity) error {
	if len(activities) == 0 {
		return nil
	}
	ids := make([]string, len(activities))
	for i, a := range activities {
		ids[i] = a.ActivityID.String()
	}
	rows, err := r.pool.Query(ctx, `
		SELECT activity_id, participant_id, display_name, joined_at, paid, paid_at, receipt_id
		FROM activity_participants
		WHERE activity_id = ANY($1::uuid[])
		ORDER BY activity_id, position
	`, ids)
	if err != nil {
		return fmt.Errorf("load rosters: %w", err)
	}
	defer rows.Close()

	byActivity := make(map[uuid.UUID][]*activity.ParticipantEntry, len(activities))
	for rows.Next() {
		var activityID uuid.UUID
		var e activity.ParticipantEntry
		if err := rows.Scan(&activityID, &e.ParticipantID, &e.DisplayName, &e.JoinedAt, &e.Paid, &e.PaidAt, &e.ReceiptID); err != nil {
			return err
		}
		byActivity[activityID] = append(byActivity[activityID], &e)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, a := range activities {
		a.Roster = activity.RestoreRoster(byActivity[a.ActivityID])
	}
	return nil
}

func scanActivity(row pgx.Row) (*activity.Activity, error) {
	var a activity.Activity
	var opensAt, deadlineAt *time.Time
	var settlement []byte
	err := row.Scan(
		&a.ID, &a.ActivityID, &a.Kind, &a.Title, &a.Venue, &a.StartsAt, &a.TotalCost, &a.Currency,
		&a.MinParticipants, &a.MaxParticipants, &a.PaymentMode, &a.Visibility, &a.CreatedBy,
		&a.Stage, &opensAt, &deadlineAt, &a.SoftLockedAt, &a.FinalShare,
		&a.Inconsistent, &settlement, &a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.StartsAt = a.StartsAt.UTC()
	if opensAt != nil && deadlineAt != nil {
		a.Window = &activity.PaymentWindow{OpensAt: opensAt.UTC(), DeadlineAt: deadlineAt.UTC()}
	}
	if len(settlement) > 0 {
		var s activity.Settlement
		if err := json.Unmarshal(settlement, &s); err != nil {
			return nil, fmt.Errorf("decode settlement: %w", err)
		}
		a.Settlement = &s
	}
	a.Roster = activity.NewRoster()
	return &a, nil
}

func writeChildren(ctx context.Context, tx pgx.Tx, a *activity.Activity, events []*activity.Event) error {
	batch := &pgx.Batch{}
	for i, e := range a.Roster.Entries() {
		batch.Queue(`
			INSERT INTO activity_participants (activity_id, participant_id, display_name, position, joined_at, paid, paid_at, receipt_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, a.ActivityID, e.ParticipantID, e.DisplayName, i, e.JoinedAt, e.Paid, e.PaidAt, e.ReceiptID)
	}
	for _, e := range events {
		batch.Queue(`
			INSERT INTO activity_events (event_id, activity_id, type, stage, payload, created_at)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, e.EventID, e.ActivityID, e.Type, e.Stage, []byte(e.Payload), e.CreatedAt)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("write roster and events: %w", err)
	}
	return nil
}

func windowColumns(a *activity.Activity) (*time.Time, *time.Time) {
	if a.Window == nil {
		return nil, nil
	}
	opens, deadline := a.Window.OpensAt, a.Window.DeadlineAt
	return &opens, &deadline
}

func encodeSettlement(s *activity.Settlement) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode settlement: %w", err)
	}
	return data, nil
}
