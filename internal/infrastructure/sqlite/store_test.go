package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civita/formation/internal/domain/activity"
	"github.com/civita/formation/internal/domain/timer"
)

var now = time.Date(2026, 2, 21, 18, 30, 0, 0, time.UTC)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "formation.db")
	store, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func newActivity(t *testing.T) *activity.Activity {
	t.Helper()
	a, err := activity.New(activity.Spec{
		Kind:            activity.KindParty,
		Title:           "Rooftop party",
		Venue:           "Block C",
		StartsAt:        now.Add(6 * time.Hour),
		TotalCost:       1200,
		Currency:        "INR",
		MinParticipants: 2,
		MaxParticipants: 4,
	}, now)
	require.NoError(t, err)
	return a
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "formation.db")
	store, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, store.Close())
}

func TestOpen_EmptyPath(t *testing.T) {
	_, err := Open(context.Background(), " ")
	assert.Error(t, err)
}

func TestActivityRepository_RoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewActivityRepository(openTempStore(t))

	a := newActivity(t)
	created := activity.NewEvent(a, activity.EventActivityCreated, nil, now)
	require.NoError(t, repo.Create(ctx, a, []*activity.Event{created}))
	assert.NotZero(t, a.ID)

	got, err := repo.GetByID(ctx, a.ActivityID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, a.Title, got.Title)
	assert.Equal(t, a.StartsAt, got.StartsAt)
	assert.Equal(t, activity.StageOpen, got.Stage)
	assert.Equal(t, 0, got.Roster.Count())
	assert.Equal(t, 1, got.Version)

	_, err = got.Join(activity.Participant{ParticipantID: "a", DisplayName: "Asha"}, true, now)
	require.NoError(t, err)
	_, err = got.Join(activity.Participant{ParticipantID: "b"}, true, now)
	require.NoError(t, err)
	require.NoError(t, got.TransitionTo(activity.StageSoftLocked, now))
	require.NoError(t, got.TransitionTo(activity.StagePaymentWindow, now))
	got.Window = activity.NewPaymentWindow(now, got.StartsAt)
	got.Ledger().MarkPaid("b", "rcpt_9", now)
	joined := activity.NewEvent(got, activity.EventParticipantPaid, activity.ParticipantPayload{ParticipantID: "b"}, now)
	require.NoError(t, repo.Save(ctx, got, []*activity.Event{joined}))
	assert.Equal(t, 2, got.Version)

	reloaded, err := repo.GetByID(ctx, a.ActivityID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, reloaded.Roster.IDs())
	assert.True(t, reloaded.Ledger().IsPaid("b"))
	require.NotNil(t, reloaded.Roster.Get("b").ReceiptID)
	assert.Equal(t, "rcpt_9", *reloaded.Roster.Get("b").ReceiptID)
	require.NotNil(t, reloaded.Window)
	assert.Equal(t, 90, reloaded.Window.DurationMinutes())
	assert.Equal(t, activity.StagePaymentWindow, reloaded.Stage)

	events, err := repo.ListEvents(ctx, a.ActivityID, 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, activity.EventActivityCreated, events[0].Type)
	assert.Equal(t, activity.EventParticipantPaid, events[1].Type)
}

func TestActivityRepository_ConcurrentUpdate(t *testing.T) {
	ctx := context.Background()
	repo := NewActivityRepository(openTempStore(t))
	a := newActivity(t)
	require.NoError(t, repo.Create(ctx, a, nil))

	first, err := repo.GetByID(ctx, a.ActivityID)
	require.NoError(t, err)
	second, err := repo.GetByID(ctx, a.ActivityID)
	require.NoError(t, err)

	require.NoError(t, repo.Save(ctx, first, nil))
	err = repo.Save(ctx, second, nil)
	assert.ErrorIs(t, err, activity.ErrConcurrentUpdate)
}

func TestActivityRepository_NotFoundAndLists(t *testing.T) {
	ctx := context.Background()
	repo := NewActivityRepository(openTempStore(t))

	missing := newActivity(t)
	got, err := repo.GetByID(ctx, missing.ActivityID)
	require.NoError(t, err)
	assert.Nil(t, got)

	open := newActivity(t)
	locked := newActivity(t)
	require.NoError(t, locked.TransitionTo(activity.StageSoftLocked, now))
	require.NoError(t, repo.Create(ctx, open, nil))
	require.NoError(t, repo.Create(ctx, locked, nil))

	stage := activity.StageOpen
	list, err := repo.List(ctx, &stage, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, open.ActivityID, list[0].ActivityID)

	waiting, err := repo.ListByStages(ctx, []activity.Stage{activity.StageSoftLocked, activity.StagePaymentWindow})
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, locked.ActivityID, waiting[0].ActivityID)
}

func TestActivityRepository_Settlement(t *testing.T) {
	ctx := context.Background()
	repo := NewActivityRepository(openTempStore(t))
	a := newActivity(t)
	require.NoError(t, repo.Create(ctx, a, nil))

	share := int64(600)
	a.Stage = activity.StageConfirmed
	a.FinalShare = &share
	a.Settlement = &activity.Settlement{
		Roster:      []string{"a", "b"},
		FinalShare:  &share,
		TotalCost:   1200,
		Currency:    "INR",
		ConfirmedAt: now,
		Signature:   []byte{1, 2, 3},
	}
	require.NoError(t, repo.Save(ctx, a, nil))

	got, err := repo.GetByID(ctx, a.ActivityID)
	require.NoError(t, err)
	require.NotNil(t, got.Settlement)
	assert.Equal(t, []string{"a", "b"}, got.Settlement.Roster)
	assert.Equal(t, []byte{1, 2, 3}, got.Settlement.Signature)
	require.NotNil(t, got.FinalShare)
	assert.Equal(t, int64(600), *got.FinalShare)
}

func TestTimerRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewTimerRepository(openTempStore(t))
	a := newActivity(t)

	soft, err := timer.New(a.ActivityID, timer.KindSoftLockExpiry, now.Add(time.Minute), now)
	require.NoError(t, err)
	require.NoError(t, repo.Schedule(ctx, soft))

	due, err := repo.ListDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	// rescheduling the same kind replaces the row
	soft.FireAt = now.Add(30 * time.Second)
	require.NoError(t, repo.Schedule(ctx, soft))
	pending, err := repo.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, now.Add(30*time.Second), pending[0].FireAt)

	due, err = repo.ListDue(ctx, now.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, soft.TimerID, due[0].TimerID)

	require.NoError(t, repo.Reschedule(ctx, soft.TimerID, now.Add(2*time.Minute), "locked", now.Add(45*time.Second)))
	due, err = repo.ListDue(ctx, now.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	got, err := repo.Get(ctx, soft.TimerID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.UpdatedAt.Equal(now.Add(45*time.Second)), "updated_at follows the caller clock")

	missing, err := repo.Get(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)

	due, err = repo.ListDue(ctx, now.Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Attempts)
	require.NotNil(t, due[0].LastError)
	assert.Equal(t, "locked", *due[0].LastError)

	require.NoError(t, repo.Complete(ctx, soft.TimerID, now.Add(2*time.Minute)))
	pending, err = repo.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	err = repo.Reschedule(ctx, soft.TimerID, now, "late", now)
	assert.ErrorIs(t, err, timer.ErrTimerNotFound)
}
