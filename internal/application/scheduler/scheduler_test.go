package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/civita/formation/internal/domain/timer"
	"github.com/civita/formation/internal/domain/timer/mocks"
	"github.com/civita/formation/internal/infrastructure/clock"
)

var start = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

func newTestScheduler(repo timer.Repository, clk clock.Clock) *Scheduler {
	return NewScheduler(repo, clk, Config{RetryBase: time.Second, RetryMax: time.Minute, BatchSize: 10}, zerolog.Nop())
}

func TestSchedule(t *testing.T) {
	repo := new(mocks.MockRepository)
	clk := clock.NewFake(start)
	s := newTestScheduler(repo, clk)

	tm, err := timer.New(uuid.New(), timer.KindSoftLockExpiry, start.Add(time.Hour), start)
	require.NoError(t, err)
	repo.On("Schedule", mock.Anything, tm).Return(nil).Once()

	require.NoError(t, s.Schedule(context.Background(), tm))
	repo.AssertExpectations(t)
	s.stopWakeups()
}

func TestSchedule_RepoError(t *testing.T) {
	repo := new(mocks.MockRepository)
	s := newTestScheduler(repo, clock.NewFake(start))

	tm, err := timer.New(uuid.New(), timer.KindPaymentDeadline, start, start)
	require.NoError(t, err)
	repo.On("Schedule", mock.Anything, tm).Return(errors.New("disk full")).Once()

	assert.Error(t, s.Schedule(context.Background(), tm))
}

func TestProcessDue(t *testing.T) {
	repo := new(mocks.MockRepository)
	clk := clock.NewFake(start)
	s := newTestScheduler(repo, clk)

	ok, _ := timer.New(uuid.New(), timer.KindSoftLockExpiry, start, start)
	failing, _ := timer.New(uuid.New(), timer.KindPaymentDeadline, start, start)
	failing.Attempts = 2

	var fired []uuid.UUID
	s.Handle(HandlerFunc(func(_ context.Context, tm *timer.Timer) error {
		fired = append(fired, tm.TimerID)
		if tm.TimerID == failing.TimerID {
			return errors.New("store unavailable")
		}
		return nil
	}))

	repo.On("ListDue", mock.Anything, start, 10).Return([]*timer.Timer{ok, failing}, nil).Once()
	repo.On("Complete", mock.Anything, ok.TimerID, start).Return(nil).Once()
	repo.On("Reschedule", mock.Anything, failing.TimerID, start.Add(4*time.Second), "store unavailable", start).Return(nil).Once()

	n, err := s.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []uuid.UUID{ok.TimerID, failing.TimerID}, fired)
	repo.AssertExpectations(t)
	s.stopWakeups()
}

func TestProcessDue_ListError(t *testing.T) {
	repo := new(mocks.MockRepository)
	s := newTestScheduler(repo, clock.NewFake(start))
	s.Handle(HandlerFunc(func(context.Context, *timer.Timer) error { return nil }))
	repo.On("ListDue", mock.Anything, start, 10).Return(nil, errors.New("boom")).Once()

	_, err := s.ProcessDue(context.Background())
	assert.Error(t, err)
}

func TestProcessDue_NoHandler(t *testing.T) {
	s := newTestScheduler(new(mocks.MockRepository), clock.NewFake(start))
	_, err := s.ProcessDue(context.Background())
	assert.Error(t, err)
}

func TestRun_StopsOnCancel(t *testing.T) {
	repo := new(mocks.MockRepository)
	s := newTestScheduler(repo, clock.NewFake(start))
	s.Handle(HandlerFunc(func(context.Context, *timer.Timer) error { return nil }))
	repo.On("ListDue", mock.Anything, start, 10).Return([]*timer.Timer{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

type fixedLeadership bool

func (l fixedLeadership) IsLeader() bool { return bool(l) }

type mockRepairer struct {
	mock.Mock
}

func (m *mockRepairer) RepairTimers(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func TestProcessDue_FollowerFiresNothing(t *testing.T) {
	repo := new(mocks.MockRepository)
	s := newTestScheduler(repo, clock.NewFake(start))
	s.Handle(HandlerFunc(func(context.Context, *timer.Timer) error {
		t.Fatal("follower fired a timer")
		return nil
	}))
	s.FollowLeader(fixedLeadership(false))

	n, err := s.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	repo.AssertNotCalled(t, "ListDue", mock.Anything, mock.Anything, mock.Anything)
}

func TestRunRepair(t *testing.T) {
	repo := new(mocks.MockRepository)
	s := newTestScheduler(repo, clock.NewFake(start))

	n, err := s.RunRepair(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "no hook registered")

	repairer := new(mockRepairer)
	repairer.On("RepairTimers", mock.Anything).Return(2, nil).Once()
	s.Repair(repairer)
	n, err = s.RunRepair(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	s.FollowLeader(fixedLeadership(false))
	n, err = s.RunRepair(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	repairer.AssertExpectations(t)
}

func TestRun_RepairsOnTicker(t *testing.T) {
	repo := new(mocks.MockRepository)
	s := NewScheduler(repo, clock.NewFake(start), Config{
		Interval:       time.Hour,
		RepairInterval: 10 * time.Millisecond,
		BatchSize:      10,
	}, zerolog.Nop())
	s.Handle(HandlerFunc(func(context.Context, *timer.Timer) error { return nil }))
	repo.On("ListDue", mock.Anything, start, 10).Return([]*timer.Timer{}, nil)

	repaired := make(chan struct{}, 1)
	repairer := new(mockRepairer)
	repairer.On("RepairTimers", mock.Anything).Return(0, nil).Run(func(mock.Arguments) {
		select {
		case repaired <- struct{}{}:
		default:
		}
	})
	s.Repair(repairer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	select {
	case <-repaired:
	case <-time.After(time.Second):
		t.Fatal("repair hook never ran")
	}
}

func TestLookup(t *testing.T) {
	repo := new(mocks.MockRepository)
	s := newTestScheduler(repo, clock.NewFake(start))
	tm, err := timer.New(uuid.New(), timer.KindPaymentDeadline, start, start)
	require.NoError(t, err)
	repo.On("Get", mock.Anything, tm.TimerID).Return(tm, nil).Once()
	missing := uuid.New()
	repo.On("Get", mock.Anything, missing).Return(nil, nil).Once()

	got, err := s.Lookup(context.Background(), tm.TimerID)
	require.NoError(t, err)
	assert.Equal(t, tm, got)
	got, err = s.Lookup(context.Background(), missing)
	require.NoError(t, err)
	assert.Nil(t, got)
	repo.AssertExpectations(t)
}

func TestProcessDue_RescheduleUsesInjectedClock(t *testing.T) {
	repo := new(mocks.MockRepository)
	clk := clock.NewFake(start.Add(time.Hour))
	s := newTestScheduler(repo, clk)
	s.Handle(HandlerFunc(func(context.Context, *timer.Timer) error { return errors.New("busy") }))

	tm, _ := timer.New(uuid.New(), timer.KindSoftLockExpiry, start, start)
	now := start.Add(time.Hour)
	repo.On("ListDue", mock.Anything, now, 10).Return([]*timer.Timer{tm}, nil).Once()
	repo.On("Reschedule", mock.Anything, tm.TimerID, now.Add(time.Second), "busy", now).Return(nil).Once()

	_, err := s.ProcessDue(context.Background())
	require.NoError(t, err)
	repo.AssertExpectations(t)
	s.stopWakeups()
}
