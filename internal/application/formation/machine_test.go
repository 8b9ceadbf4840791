package formation

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civita/formation/internal/domain/activity"
	"github.com/civita/formation/internal/domain/timer"
)

var now = time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC)

func newMachine() *Machine {
	return NewMachine(Config{
		SoftLockDelay: 2 * time.Minute,
		KindDelays:    map[activity.Kind]time.Duration{activity.KindGaming: 15 * time.Second},
		SettlementKey: []byte("test-key"),
	}, zerolog.Nop())
}

func newActivity(t *testing.T, min, max int, total int64, startsIn time.Duration) *activity.Activity {
	t.Helper()
	a, err := activity.New(activity.Spec{
		Kind:            activity.KindSports,
		Title:           "Evening match",
		StartsAt:        now.Add(startsIn),
		TotalCost:       total,
		Currency:        "INR",
		MinParticipants: min,
		MaxParticipants: max,
	}, now)
	require.NoError(t, err)
	return a
}

func joinAll(t *testing.T, m *Machine, a *activity.Activity, ids ...string) *Outcome {
	t.Helper()
	var last *Outcome
	for _, id := range ids {
		_, out, err := m.Join(a, activity.Participant{ParticipantID: id}, true, now)
		require.NoError(t, err)
		last = out
	}
	return last
}

func eventTypes(out *Outcome) []activity.EventType {
	types := make([]activity.EventType, 0, len(out.Events))
	for _, e := range out.Events {
		types = append(types, e.Type)
	}
	return types
}

func TestJoin_SoftLocksAtMinimum(t *testing.T) {
	m := newMachine()
	a := newActivity(t, 3, 5, 300, 5*time.Hour)

	out := joinAll(t, m, a, "a", "b")
	assert.Equal(t, activity.StageOpen, a.Stage)
	assert.Empty(t, out.Timers)

	out = joinAll(t, m, a, "c")
	assert.Equal(t, activity.StageSoftLocked, a.Stage)
	require.NotNil(t, a.SoftLockedAt)
	require.Len(t, out.Timers, 1)
	assert.Equal(t, timer.KindSoftLockExpiry, out.Timers[0].Kind)
	assert.Equal(t, now.Add(2*time.Minute), out.Timers[0].FireAt)
	assert.Contains(t, eventTypes(out), activity.EventStageChanged)

	// joining while soft-locked keeps the stage and arms nothing new
	out = joinAll(t, m, a, "d")
	assert.Equal(t, activity.StageSoftLocked, a.Stage)
	assert.Empty(t, out.Timers)
}

func TestSoftLockDelay(t *testing.T) {
	m := newMachine()
	a := newActivity(t, 1, 2, 0, time.Hour)
	assert.Equal(t, 2*time.Minute, m.SoftLockDelay(a))

	a.Kind = activity.KindGaming
	assert.Equal(t, 15*time.Second, m.SoftLockDelay(a))

	a.PaymentMode = activity.PaymentModeInstant
	assert.Equal(t, time.Duration(0), m.SoftLockDelay(a))
}

func TestFire_OpensWindow(t *testing.T) {
	tests := []struct {
		startsIn time.Duration
		minutes  int
	}{
		{5 * time.Hour, 90},
		{3 * time.Hour, 45},
		{90 * time.Minute, 30},
		{30 * time.Minute, 15},
	}
	for _, tt := range tests {
		m := newMachine()
		a := newActivity(t, 1, 4, 100, tt.startsIn)
		joinAll(t, m, a, "a")

		out, err := m.Fire(a, timer.KindSoftLockExpiry, now)
		require.NoError(t, err)
		assert.Equal(t, activity.StagePaymentWindow, a.Stage)
		require.NotNil(t, a.Window)
		assert.Equal(t, tt.minutes, a.Window.DurationMinutes())
		require.Len(t, out.Timers, 1)
		assert.Equal(t, timer.KindPaymentDeadline, out.Timers[0].Kind)
		assert.Equal(t, a.Window.DeadlineAt, out.Timers[0].FireAt)
	}
}

func TestFire_Stale(t *testing.T) {
	m := newMachine()
	a := newActivity(t, 1, 4, 100, 5*time.Hour)
	joinAll(t, m, a, "a")
	_, err := m.Fire(a, timer.KindSoftLockExpiry, now)
	require.NoError(t, err)

	out, err := m.Fire(a, timer.KindSoftLockExpiry, now)
	require.NoError(t, err)
	assert.True(t, out.Stale)
	assert.Empty(t, out.Events)
	assert.Equal(t, activity.StagePaymentWindow, a.Stage)

	_, err = m.Fire(a, "REMINDER", now)
	assert.ErrorIs(t, err, timer.ErrInvalidTimer)
}

func TestPay(t *testing.T) {
	m := newMachine()
	a := newActivity(t, 2, 4, 1000, 5*time.Hour)
	joinAll(t, m, a, "a", "b")

	_, _, err := m.Pay(a, "a", "r1", now)
	assert.ErrorIs(t, err, activity.ErrInvalidStageTransition)

	_, err = m.Fire(a, timer.KindSoftLockExpiry, now)
	require.NoError(t, err)

	result, out, err := m.Pay(a, "a", "r1", now)
	require.NoError(t, err)
	assert.Equal(t, activity.PaymentPaid, result)
	assert.Equal(t, []activity.EventType{activity.EventParticipantPaid, activity.EventShareUpdated}, eventTypes(out))
	assert.Equal(t, activity.StagePaymentWindow, a.Stage)

	result, out, err = m.Pay(a, "a", "r2", now)
	require.NoError(t, err)
	assert.Equal(t, activity.PaymentAlreadyPaid, result)
	assert.Empty(t, out.Events)

	_, _, err = m.Pay(a, "zed", "", now)
	assert.ErrorIs(t, err, activity.ErrNotAParticipant)

	_, err = m.CheckPayable(a, "b", a.Window.DeadlineAt)
	assert.ErrorIs(t, err, activity.ErrInvalidStageTransition)
}

func TestHardLock_Forfeiture(t *testing.T) {
	m := newMachine()
	a := newActivity(t, 3, 5, 1000, 5*time.Hour)
	joinAll(t, m, a, "A", "B", "C")
	_, err := m.Fire(a, timer.KindSoftLockExpiry, now)
	require.NoError(t, err)
	for _, id := range []string{"A", "C"} {
		_, _, err := m.Pay(a, id, "r-"+id, now)
		require.NoError(t, err)
	}

	out, err := m.Fire(a, timer.KindPaymentDeadline, a.Window.DeadlineAt)
	require.NoError(t, err)
	assert.Equal(t, activity.StageConfirmed, a.Stage)
	assert.Equal(t, []string{"B"}, out.Evicted)
	assert.Equal(t, []string{"A", "C"}, a.Roster.IDs())
	require.NotNil(t, a.FinalShare)
	assert.Equal(t, int64(500), *a.FinalShare)
	assert.False(t, a.Inconsistent)

	require.NotNil(t, a.Settlement)
	assert.Equal(t, []string{"A", "C"}, a.Settlement.Roster)
	ok, err := activity.VerifySettlement(a, []byte("test-key"))
	require.NoError(t, err)
	assert.True(t, ok)

	types := eventTypes(out)
	assert.Contains(t, types, activity.EventParticipantForfeited)
	assert.Equal(t, activity.EventStageChanged, types[len(types)-1])
}

func TestHardLock_ThreePaidOfFour(t *testing.T) {
	m := newMachine()
	a := newActivity(t, 3, 5, 1000, 5*time.Hour)
	joinAll(t, m, a, "a", "b", "c", "d")
	_, err := m.Fire(a, timer.KindSoftLockExpiry, now)
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c"} {
		_, _, err := m.Pay(a, id, "", now)
		require.NoError(t, err)
	}
	_, err = m.Fire(a, timer.KindPaymentDeadline, a.Window.DeadlineAt)
	require.NoError(t, err)
	require.NotNil(t, a.FinalShare)
	assert.Equal(t, int64(334), *a.FinalShare)
}

func TestHardLock_NobodyPaid(t *testing.T) {
	m := newMachine()
	a := newActivity(t, 2, 5, 1000, 5*time.Hour)
	joinAll(t, m, a, "a", "b")
	_, err := m.Fire(a, timer.KindSoftLockExpiry, now)
	require.NoError(t, err)

	out, err := m.Fire(a, timer.KindPaymentDeadline, a.Window.DeadlineAt)
	require.NoError(t, err)
	assert.Equal(t, activity.StageConfirmed, a.Stage)
	assert.True(t, out.Inconsistent)
	assert.True(t, a.Inconsistent)
	assert.Nil(t, a.FinalShare)
	assert.Equal(t, 0, a.Roster.Count())
	assert.Contains(t, eventTypes(out), activity.EventSettlementInconsistent)
}

func TestPending(t *testing.T) {
	m := newMachine()
	a := newActivity(t, 1, 3, 100, 5*time.Hour)

	timers, err := m.Pending(a, now)
	require.NoError(t, err)
	assert.Empty(t, timers)

	joinAll(t, m, a, "a")
	timers, err = m.Pending(a, now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, timers, 1)
	assert.Equal(t, now.Add(2*time.Minute), timers[0].FireAt)

	_, err = m.Fire(a, timer.KindSoftLockExpiry, now)
	require.NoError(t, err)
	timers, err = m.Pending(a, now)
	require.NoError(t, err)
	require.Len(t, timers, 1)
	assert.Equal(t, timer.KindPaymentDeadline, timers[0].Kind)
	assert.Equal(t, a.Window.DeadlineAt, timers[0].FireAt)
}

func TestLeave(t *testing.T) {
	m := newMachine()
	a := newActivity(t, 3, 5, 900, 5*time.Hour)
	joinAll(t, m, a, "a", "b")

	out, err := m.Leave(a, "a", now)
	require.NoError(t, err)
	assert.Equal(t, []activity.EventType{activity.EventParticipantLeft, activity.EventShareUpdated}, eventTypes(out))
	assert.Equal(t, 1, a.Roster.Count())
}
