package activity

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/civita/formation/internal/application/formation"
	"github.com/civita/formation/internal/application/scheduler"
	domainActivity "github.com/civita/formation/internal/domain/activity"
	activityMocks "github.com/civita/formation/internal/domain/activity/mocks"
	"github.com/civita/formation/internal/domain/payment"
	paymentMocks "github.com/civita/formation/internal/domain/payment/mocks"
	"github.com/civita/formation/internal/domain/timer"
	"github.com/civita/formation/internal/infrastructure/clock"
	"github.com/civita/formation/internal/infrastructure/sqlite"
)

var t0 = time.Date(2026, 7, 4, 15, 0, 0, 0, time.UTC)

var settlementKey = []byte("settlement-test-key")

type harness struct {
	svc     *Service
	sched   *scheduler.Scheduler
	clock   *clock.Fake
	gateway *paymentMocks.MockGateway
	repo    *sqlite.ActivityRepository
	timers  *sqlite.TimerRepository
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "formation.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctrl := gomock.NewController(t)
	clk := clock.NewFake(t0)
	repo := sqlite.NewActivityRepository(store)
	timers := sqlite.NewTimerRepository(store)
	sched := scheduler.NewScheduler(timers, clk, scheduler.Config{}, zerolog.Nop())
	machine := formation.NewMachine(formation.Config{
		SoftLockDelay: 2 * time.Minute,
		SettlementKey: settlementKey,
	}, zerolog.Nop())
	gateway := paymentMocks.NewMockGateway(ctrl)
	svc := NewService(repo, machine, sched, gateway, nil, nil, clk, time.Second, zerolog.Nop())
	sched.Handle(svc)
	return &harness{svc: svc, sched: sched, clock: clk, gateway: gateway, repo: repo, timers: timers}
}

func (h *harness) create(t *testing.T, min, max int, total int64) *domainActivity.Activity {
	t.Helper()
	a, err := h.svc.CreateActivity(context.Background(), CreateActivityInput{
		Kind:            domainActivity.KindSports,
		Title:           "Saturday cricket",
		StartsAt:        t0.Add(5 * time.Hour),
		TotalCost:       total,
		Currency:        "INR",
		MinParticipants: min,
		MaxParticipants: max,
	})
	require.NoError(t, err)
	return a
}

func (h *harness) join(t *testing.T, id uuid.UUID, participants ...string) *State {
	t.Helper()
	var st *State
	for _, p := range participants {
		var err error
		st, err = h.svc.Join(context.Background(), id, domainActivity.Participant{ParticipantID: p})
		require.NoError(t, err)
	}
	return st
}

func (h *harness) sweep(t *testing.T) int {
	t.Helper()
	n, err := h.sched.ProcessDue(context.Background())
	require.NoError(t, err)
	return n
}

func receiptFor(id string) *payment.Receipt {
	return &payment.Receipt{ReceiptID: "rcpt_" + id, Amount: 100, Currency: "INR", ChargedAt: t0, Provider: "test"}
}

func TestService_EndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, 3, 5, 300)

	st := h.join(t, a.ActivityID, "a", "b")
	assert.Equal(t, domainActivity.StageOpen, st.Stage)
	require.NotNil(t, st.CurrentShare)
	assert.Equal(t, int64(150), *st.CurrentShare)

	st = h.join(t, a.ActivityID, "c")
	assert.Equal(t, domainActivity.StageSoftLocked, st.Stage)
	assert.Equal(t, int64(100), *st.CurrentShare)

	_, err := h.svc.Pay(ctx, a.ActivityID, "a")
	assert.ErrorIs(t, err, domainActivity.ErrInvalidStageTransition)

	// soft-lock delay elapses
	assert.Equal(t, 0, h.sweep(t))
	h.clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, h.sweep(t))

	st, err = h.svc.GetState(ctx, a.ActivityID)
	require.NoError(t, err)
	assert.Equal(t, domainActivity.StagePaymentWindow, st.Stage)
	require.NotNil(t, st.DeadlineAt)
	assert.Equal(t, t0.Add(2*time.Minute+90*time.Minute), *st.DeadlineAt)

	for _, id := range []string{"a", "c"} {
		h.gateway.EXPECT().
			Charge(gomock.Any(), payment.ChargeRequest{
				ActivityID:     a.ActivityID,
				ParticipantID:  id,
				Amount:         100,
				Currency:       "INR",
				IdempotencyKey: payment.IdempotencyKey(a.ActivityID, id),
			}).
			Return(receiptFor(id), nil).
			Times(1)
	}
	h.gateway.EXPECT().
		Charge(gomock.Any(), gomock.Any()).
		Return(nil, errors.New("card declined")).
		Times(1)

	res, err := h.svc.Pay(ctx, a.ActivityID, "a")
	require.NoError(t, err)
	assert.Equal(t, domainActivity.PaymentPaid, res.Result)
	assert.Equal(t, "rcpt_a", res.Receipt.ReceiptID)

	res, err = h.svc.Pay(ctx, a.ActivityID, "a")
	require.NoError(t, err)
	assert.Equal(t, domainActivity.PaymentAlreadyPaid, res.Result)

	_, err = h.svc.Pay(ctx, a.ActivityID, "b")
	assert.ErrorIs(t, err, payment.ErrPaymentGatewayFailure)

	_, err = h.svc.Pay(ctx, a.ActivityID, "c")
	require.NoError(t, err)

	_, err = h.svc.Pay(ctx, a.ActivityID, "zed")
	assert.ErrorIs(t, err, domainActivity.ErrNotAParticipant)

	_, err = h.svc.Join(ctx, a.ActivityID, domainActivity.Participant{ParticipantID: "late"})
	assert.ErrorIs(t, err, domainActivity.ErrInvalidStageTransition)

	// deadline passes
	h.clock.Advance(90 * time.Minute)
	assert.Equal(t, 1, h.sweep(t))

	st, err = h.svc.GetState(ctx, a.ActivityID)
	require.NoError(t, err)
	assert.Equal(t, domainActivity.StageConfirmed, st.Stage)
	require.Len(t, st.Roster, 2)
	assert.Equal(t, "a", st.Roster[0].ParticipantID)
	assert.Equal(t, "c", st.Roster[1].ParticipantID)
	require.NotNil(t, st.FinalShare)
	assert.Equal(t, int64(150), *st.FinalShare)
	assert.False(t, st.Inconsistent)
	assert.Nil(t, st.DeadlineAt)

	stored, err := h.repo.GetByID(ctx, a.ActivityID)
	require.NoError(t, err)
	ok, err := domainActivity.VerifySettlement(stored, settlementKey)
	require.NoError(t, err)
	assert.True(t, ok)

	events, err := h.svc.ListEvents(ctx, a.ActivityID, 100, 0)
	require.NoError(t, err)
	var forfeited []string
	for _, e := range events {
		if e.Type == domainActivity.EventParticipantForfeited {
			forfeited = append(forfeited, string(e.Payload))
		}
	}
	require.Len(t, forfeited, 1)
	assert.Contains(t, forfeited[0], `"participantId":"b"`)

	// no more timers to fire
	h.clock.Advance(time.Hour)
	assert.Equal(t, 0, h.sweep(t))
}

func TestService_NobodyPaid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, 2, 4, 1000)
	h.join(t, a.ActivityID, "a", "b")

	h.clock.Advance(2 * time.Minute)
	h.sweep(t)
	h.clock.Advance(90 * time.Minute)
	h.sweep(t)

	st, err := h.svc.GetState(ctx, a.ActivityID)
	require.NoError(t, err)
	assert.Equal(t, domainActivity.StageConfirmed, st.Stage)
	assert.True(t, st.Inconsistent)
	assert.Nil(t, st.FinalShare)
	assert.Nil(t, st.CurrentShare)
	assert.Empty(t, st.Roster)
}

func TestService_PayAfterDeadlineBeforeSweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, 1, 4, 1000)
	h.join(t, a.ActivityID, "a")
	h.clock.Advance(2 * time.Minute)
	h.sweep(t)

	h.clock.Advance(90 * time.Minute)
	_, err := h.svc.Pay(ctx, a.ActivityID, "a")
	assert.ErrorIs(t, err, domainActivity.ErrInvalidStageTransition)
}

func TestService_InstantMode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, err := h.svc.CreateActivity(ctx, CreateActivityInput{
		Kind:            domainActivity.KindGaming,
		Title:           "Quick squad",
		StartsAt:        t0.Add(30 * time.Minute),
		TotalCost:       400,
		Currency:        "INR",
		MinParticipants: 2,
		MaxParticipants: 4,
		PaymentMode:     domainActivity.PaymentModeInstant,
	})
	require.NoError(t, err)
	h.join(t, a.ActivityID, "a", "b")

	assert.Equal(t, 1, h.sweep(t))
	st, err := h.svc.GetState(ctx, a.ActivityID)
	require.NoError(t, err)
	assert.Equal(t, domainActivity.StagePaymentWindow, st.Stage)
	assert.Equal(t, t0.Add(15*time.Minute), *st.DeadlineAt)
}

func TestService_Leave(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, 3, 5, 300)
	h.join(t, a.ActivityID, "a", "b")

	st, err := h.svc.Leave(ctx, a.ActivityID, "a")
	require.NoError(t, err)
	require.Len(t, st.Roster, 1)
	assert.Equal(t, int64(300), *st.CurrentShare)

	_, err = h.svc.Leave(ctx, a.ActivityID, "a")
	assert.ErrorIs(t, err, domainActivity.ErrNotAParticipant)
}

func TestService_ConcurrentJoinsRespectCapacity(t *testing.T) {
	h := newHarness(t)
	a := h.create(t, 5, 5, 500)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		full     int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.svc.Join(context.Background(), a.ActivityID, domainActivity.Participant{
				ParticipantID: uuid.NewString(),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admitted++
			case errors.Is(err, domainActivity.ErrCapacityExceeded):
				full++
			default:
				t.Errorf("unexpected join error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, admitted)
	assert.Equal(t, 15, full)
	st, err := h.svc.GetState(context.Background(), a.ActivityID)
	require.NoError(t, err)
	assert.Equal(t, domainActivity.StageSoftLocked, st.Stage)
	assert.Len(t, st.Roster, 5)
	assert.Equal(t, 0, h.svc.locks.size())
}

func TestService_StaleAndUnknownTimers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, 1, 2, 100)

	stale, err := timer.New(a.ActivityID, timer.KindPaymentDeadline, t0, t0)
	require.NoError(t, err)
	require.NoError(t, h.svc.FireTimer(ctx, stale))

	st, err := h.svc.GetState(ctx, a.ActivityID)
	require.NoError(t, err)
	assert.Equal(t, domainActivity.StageOpen, st.Stage)

	unknown, err := timer.New(uuid.New(), timer.KindSoftLockExpiry, t0, t0)
	require.NoError(t, err)
	assert.NoError(t, h.svc.FireTimer(ctx, unknown))
}

type recordingScheduler struct {
	timers []*timer.Timer
}

func (r *recordingScheduler) Schedule(_ context.Context, t *timer.Timer) error {
	r.timers = append(r.timers, t)
	return nil
}

func (r *recordingScheduler) Lookup(_ context.Context, timerID uuid.UUID) (*timer.Timer, error) {
	for _, t := range r.timers {
		if t.TimerID == timerID {
			return t, nil
		}
	}
	return nil, nil
}

// flakyTimers fails the first failures Schedule calls.
type flakyTimers struct {
	timer.Repository
	failures int
}

func (f *flakyTimers) Schedule(ctx context.Context, t *timer.Timer) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("timer store unavailable")
	}
	return f.Repository.Schedule(ctx, t)
}

func TestService_RepairRestoresTimerLostOnCommit(t *testing.T) {
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "formation.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	clk := clock.NewFake(t0)
	timers := &flakyTimers{Repository: sqlite.NewTimerRepository(store), failures: 1}
	sched := scheduler.NewScheduler(timers, clk, scheduler.Config{}, zerolog.Nop())
	machine := formation.NewMachine(formation.Config{SoftLockDelay: 2 * time.Minute, SettlementKey: settlementKey}, zerolog.Nop())
	svc := NewService(sqlite.NewActivityRepository(store), machine, sched, nil, nil, nil, clk, time.Second, zerolog.Nop())
	sched.Handle(svc)
	sched.Repair(svc)

	created, err := svc.CreateActivity(ctx, CreateActivityInput{
		Kind: domainActivity.KindSports, Title: "Five-a-side", StartsAt: t0.Add(5 * time.Hour),
		TotalCost: 100, Currency: "INR", MinParticipants: 1, MaxParticipants: 3,
	})
	require.NoError(t, err)

	// the join commits but its soft-lock timer is never written
	st, err := svc.Join(ctx, created.ActivityID, domainActivity.Participant{ParticipantID: "a"})
	require.NoError(t, err)
	assert.Equal(t, domainActivity.StageSoftLocked, st.Stage)
	pending, err := timers.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	clk.Advance(2 * time.Minute)
	n, err := sched.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	repaired, err := sched.RunRepair(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)

	// a pending row is left alone
	repaired, err = sched.RunRepair(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, repaired)

	n, err = sched.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	st, err = svc.GetState(ctx, created.ActivityID)
	require.NoError(t, err)
	assert.Equal(t, domainActivity.StagePaymentWindow, st.Stage)

	repaired, err = svc.RepairTimers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, repaired)
}

func TestService_RepairRearmsCompletedTimer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t, 1, 3, 100)
	h.join(t, a.ActivityID, "a")

	id := timer.ID(a.ActivityID, timer.KindSoftLockExpiry)
	existing, err := h.sched.Lookup(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, existing)

	// a row completed without the stage advancing is treated as missing
	require.NoError(t, h.timers.Complete(ctx, id, t0))

	n, err := h.svc.RepairTimers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := h.sched.Lookup(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, timer.StatusPending, got.Status)
	assert.Equal(t, t0.Add(2*time.Minute), got.FireAt)
}

func TestService_Reconcile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	locked := h.create(t, 1, 3, 100)
	h.join(t, locked.ActivityID, "a")
	h.create(t, 2, 3, 100)

	rec := &recordingScheduler{}
	machine := formation.NewMachine(formation.Config{SoftLockDelay: 2 * time.Minute}, zerolog.Nop())
	restarted := NewService(h.repo, machine, rec, h.gateway, nil, nil, h.clock, 0, zerolog.Nop())

	n, err := restarted.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, rec.timers, 1)
	assert.Equal(t, locked.ActivityID, rec.timers[0].ActivityID)
	assert.Equal(t, timer.KindSoftLockExpiry, rec.timers[0].Kind)
	assert.Equal(t, t0.Add(2*time.Minute), rec.timers[0].FireAt)
}

func TestService_NotFound(t *testing.T) {
	repo := new(activityMocks.MockRepository)
	machine := formation.NewMachine(formation.Config{}, zerolog.Nop())
	svc := NewService(repo, machine, &recordingScheduler{}, nil, nil, nil, clock.NewFake(t0), 0, zerolog.Nop())

	id := uuid.New()
	repo.On("GetByID", mock.Anything, id).Return(nil, nil)

	_, err := svc.GetState(context.Background(), id)
	assert.ErrorIs(t, err, domainActivity.ErrActivityNotFound)
	_, err = svc.Join(context.Background(), id, domainActivity.Participant{ParticipantID: "a"})
	assert.ErrorIs(t, err, domainActivity.ErrActivityNotFound)
	_, err = svc.Pay(context.Background(), id, "a")
	assert.ErrorIs(t, err, domainActivity.ErrActivityNotFound)
}

func TestService_SaveConflictSurfaces(t *testing.T) {
	repo := new(activityMocks.MockRepository)
	machine := formation.NewMachine(formation.Config{}, zerolog.Nop())
	publisher := activityMocks.NewMockPublisher(gomock.NewController(t))
	svc := NewService(repo, machine, &recordingScheduler{}, nil, nil, publisher, clock.NewFake(t0), 0, zerolog.Nop())

	a, err := domainActivity.New(domainActivity.Spec{
		Kind: domainActivity.KindEvent, Title: "Open mic", StartsAt: t0.Add(time.Hour),
		TotalCost: 100, Currency: "INR", MinParticipants: 2, MaxParticipants: 3,
	}, t0)
	require.NoError(t, err)
	repo.On("GetByID", mock.Anything, a.ActivityID).Return(a, nil)
	repo.On("Save", mock.Anything, a, mock.Anything).Return(domainActivity.ErrConcurrentUpdate)

	_, err = svc.Join(context.Background(), a.ActivityID, domainActivity.Participant{ParticipantID: "a"})
	assert.ErrorIs(t, err, domainActivity.ErrConcurrentUpdate)
	repo.AssertExpectations(t)
}

type denyAll struct{}

func (denyAll) CanJoin(context.Context, *domainActivity.Activity, domainActivity.Participant) (bool, error) {
	return false, nil
}

func TestService_VisibilityDenied(t *testing.T) {
	h := newHarness(t)
	h.svc.visibility = denyAll{}
	a := h.create(t, 2, 3, 100)

	_, err := h.svc.Join(context.Background(), a.ActivityID, domainActivity.Participant{ParticipantID: "a"})
	assert.ErrorIs(t, err, domainActivity.ErrVisibilityDenied)
}

func TestService_PublishesEvents(t *testing.T) {
	h := newHarness(t)
	ctrl := gomock.NewController(t)
	publisher := activityMocks.NewMockPublisher(ctrl)
	h.svc.publisher = publisher

	publisher.EXPECT().Publish(gomock.Any()).MinTimes(1)
	h.create(t, 2, 3, 100)
}
