package activity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/civita/formation/internal/application/formation"
	domainActivity "github.com/civita/formation/internal/domain/activity"
	"github.com/civita/formation/internal/domain/payment"
	"github.com/civita/formation/internal/domain/timer"
	"github.com/civita/formation/internal/infrastructure/clock"
)

// VisibilityChecker is the catalog decision on whether a participant may
// join an activity.
type VisibilityChecker interface {
	CanJoin(ctx context.Context, a *domainActivity.Activity, p domainActivity.Participant) (bool, error)
}

// TimerScheduler persists and arms formation timers.
type TimerScheduler interface {
	Schedule(ctx context.Context, t *timer.Timer) error
	// Lookup returns nil, nil when no timer row exists.
	Lookup(ctx context.Context, timerID uuid.UUID) (*timer.Timer, error)
}

// Service is the boundary for activity formation. Every mutation of one
// activity runs under that activity's lock.
type Service struct {
	repo          domainActivity.Repository
	machine       *formation.Machine
	scheduler     TimerScheduler
	gateway       payment.Gateway
	visibility    VisibilityChecker
	publisher     domainActivity.Publisher
	clock         clock.Clock
	chargeTimeout time.Duration
	locks         *lockSet
	tracer        trace.Tracer
	logger        zerolog.Logger
}

// NewService creates an activity service. publisher may be nil.
func NewService(
	repo domainActivity.Repository,
	machine *formation.Machine,
	scheduler TimerScheduler,
	gateway payment.Gateway,
	visibility VisibilityChecker,
	publisher domainActivity.Publisher,
	clk clock.Clock,
	chargeTimeout time.Duration,
	logger zerolog.Logger,
) *Service {
	if chargeTimeout <= 0 {
		chargeTimeout = 15 * time.Second
	}
	return &Service{
		repo:          repo,
		machine:       machine,
		scheduler:     scheduler,
		gateway:       gateway,
		visibility:    visibility,
		publisher:     publisher,
		clock:         clk,
		chargeTimeout: chargeTimeout,
		locks:         newLockSet(),
		tracer:        otel.Tracer("github.com/civita/formation/internal/application/activity"),
		logger:        logger.With().Str("service", "activity").Logger(),
	}
}

// CreateActivityInput is the catalog payload for a new activity.
type CreateActivityInput struct {
	Kind            domainActivity.Kind
	Title           string
	Venue           string
	StartsAt        time.Time
	TotalCost       int64
	Currency        string
	MinParticipants int
	MaxParticipants int
	PaymentMode     domainActivity.PaymentMode
	Visibility      string
	CreatedBy       string
}

// State is the externally visible snapshot of an activity.
type State struct {
	ActivityID      uuid.UUID                          `json:"activityId"`
	Kind            domainActivity.Kind                `json:"kind"`
	Title           string                             `json:"title"`
	Venue           string                             `json:"venue"`
	StartsAt        time.Time                          `json:"startsAt"`
	Stage           domainActivity.Stage               `json:"stage"`
	PaymentMode     domainActivity.PaymentMode         `json:"paymentMode"`
	TotalCost       int64                              `json:"totalCost"`
	Currency        string                             `json:"currency"`
	MinParticipants int                                `json:"minParticipants"`
	MaxParticipants int                                `json:"maxParticipants"`
	Roster          []*domainActivity.ParticipantEntry `json:"roster"`
	CurrentShare    *int64                             `json:"currentShare,omitempty"`
	DeadlineAt      *time.Time                         `json:"deadlineAt,omitempty"`
	FinalShare      *int64                             `json:"finalShare,omitempty"`
	Inconsistent    bool                               `json:"inconsistent"`
	CreatedBy       string                             `json:"createdBy,omitempty"`
	Settlement      *domainActivity.Settlement         `json:"settlement,omitempty"`
	Version         int                                `json:"version"`
}

// StateOf snapshots a.
func StateOf(a *domainActivity.Activity) *State {
	st := &State{
		ActivityID:      a.ActivityID,
		Kind:            a.Kind,
		Title:           a.Title,
		Venue:           a.Venue,
		StartsAt:        a.StartsAt,
		Stage:           a.Stage,
		PaymentMode:     a.PaymentMode,
		TotalCost:       a.TotalCost,
		Currency:        a.Currency,
		MinParticipants: a.MinParticipants,
		MaxParticipants: a.MaxParticipants,
		Roster:          a.Roster.Entries(),
		FinalShare:      a.FinalShare,
		Inconsistent:    a.Inconsistent,
		CreatedBy:       a.CreatedBy,
		Settlement:      a.Settlement,
		Version:         a.Version,
	}
	if share, ok := a.CurrentShare(); ok {
		st.CurrentShare = &share
	}
	if a.Window != nil && a.Stage == domainActivity.StagePaymentWindow {
		deadline := a.Window.DeadlineAt
		st.DeadlineAt = &deadline
	}
	return st
}

// PayResult reports the ledger outcome of a payment request.
type PayResult struct {
	Result  domainActivity.PaymentResult `json:"result"`
	Receipt *payment.Receipt             `json:"receipt,omitempty"`
	State   *State                       `json:"state"`
}

// CreateActivity validates and stores a new Open activity.
func (s *Service) CreateActivity(ctx context.Context, input CreateActivityInput) (*domainActivity.Activity, error) {
	ctx, span := s.tracer.Start(ctx, "activity.CreateActivity")
	defer span.End()

	a, err := domainActivity.New(domainActivity.Spec{
		Kind:            input.Kind,
		Title:           input.Title,
		Venue:           input.Venue,
		StartsAt:        input.StartsAt,
		TotalCost:       input.TotalCost,
		Currency:        input.Currency,
		MinParticipants: input.MinParticipants,
		MaxParticipants: input.MaxParticipants,
		PaymentMode:     input.PaymentMode,
		Visibility:      input.Visibility,
		CreatedBy:       input.CreatedBy,
	}, s.clock.Now())
	if err != nil {
		return nil, err
	}
	out := s.machine.Created(a)
	if err := s.repo.Create(ctx, a, out.Events); err != nil {
		recordErr(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("activity.id", a.ActivityID.String()))
	s.publish(out)
	s.logger.Info().
		Str("activity_id", a.ActivityID.String()).
		Str("kind", string(a.Kind)).
		Int("min", a.MinParticipants).
		Int("max", a.MaxParticipants).
		Msg("activity created")
	return a, nil
}

// GetState returns the current snapshot of an activity.
func (s *Service) GetState(ctx context.Context, activityID uuid.UUID) (*State, error) {
	a, err := s.load(ctx, activityID)
	if err != nil {
		return nil, err
	}
	return StateOf(a), nil
}

// ListActivities lists activities, optionally filtered by stage.
func (s *Service) ListActivities(ctx context.Context, stage *domainActivity.Stage, limit, offset int) ([]*domainActivity.Activity, error) {
	return s.repo.List(ctx, stage, clampLimit(limit), offset)
}

// ListEvents returns the activity timeline in append order.
func (s *Service) ListEvents(ctx context.Context, activityID uuid.UUID, limit, offset int) ([]*domainActivity.Event, error) {
	if _, err := s.load(ctx, activityID); err != nil {
		return nil, err
	}
	return s.repo.ListEvents(ctx, activityID, clampLimit(limit), offset)
}

// Join adds a participant to the roster.
func (s *Service) Join(ctx context.Context, activityID uuid.UUID, p domainActivity.Participant) (*State, error) {
	ctx, span := s.startSpan(ctx, "activity.Join", activityID)
	defer span.End()

	unlock := s.locks.Lock(activityID)
	defer unlock()

	a, err := s.load(ctx, activityID)
	if err != nil {
		recordErr(span, err)
		return nil, err
	}
	allowed := true
	if s.visibility != nil {
		allowed, err = s.visibility.CanJoin(ctx, a, p)
		if err != nil {
			recordErr(span, err)
			return nil, fmt.Errorf("visibility check: %w", err)
		}
	}
	_, out, err := s.machine.Join(a, p, allowed, s.clock.Now())
	if err != nil {
		recordErr(span, err)
		return nil, err
	}
	if err := s.commit(ctx, a, out); err != nil {
		recordErr(span, err)
		return nil, err
	}
	return StateOf(a), nil
}

// Leave removes a participant while the activity is Open.
func (s *Service) Leave(ctx context.Context, activityID uuid.UUID, participantID string) (*State, error) {
	ctx, span := s.startSpan(ctx, "activity.Leave", activityID)
	defer span.End()

	unlock := s.locks.Lock(activityID)
	defer unlock()

	a, err := s.load(ctx, activityID)
	if err != nil {
		recordErr(span, err)
		return nil, err
	}
	out, err := s.machine.Leave(a, participantID, s.clock.Now())
	if err != nil {
		recordErr(span, err)
		return nil, err
	}
	if err := s.commit(ctx, a, out); err != nil {
		recordErr(span, err)
		return nil, err
	}
	return StateOf(a), nil
}

// Pay charges the participant's current share and records it in the ledger.
// The activity lock is held across the charge so the payment deadline cannot
// evict a participant whose charge is in flight. A participant who already
// paid is never charged again.
func (s *Service) Pay(ctx context.Context, activityID uuid.UUID, participantID string) (*PayResult, error) {
	ctx, span := s.startSpan(ctx, "activity.Pay", activityID)
	defer span.End()

	unlock := s.locks.Lock(activityID)
	defer unlock()

	a, err := s.load(ctx, activityID)
	if err != nil {
		recordErr(span, err)
		return nil, err
	}
	at := s.clock.Now()
	check, err := s.machine.CheckPayable(a, participantID, at)
	if err != nil {
		recordErr(span, err)
		return nil, err
	}
	if check == domainActivity.PaymentAlreadyPaid {
		return &PayResult{Result: check, State: StateOf(a)}, nil
	}

	share, ok := a.CurrentShare()
	if !ok {
		return nil, fmt.Errorf("%w: no share available for %s", domainActivity.ErrInconsistentSettlement, a.ActivityID)
	}
	chargeCtx, cancel := context.WithTimeout(ctx, s.chargeTimeout)
	defer cancel()
	receipt, err := s.gateway.Charge(chargeCtx, payment.ChargeRequest{
		ActivityID:     a.ActivityID,
		ParticipantID:  participantID,
		Amount:         share,
		Currency:       a.Currency,
		IdempotencyKey: payment.IdempotencyKey(a.ActivityID, participantID),
	})
	if err != nil {
		if !errors.Is(err, payment.ErrPaymentGatewayFailure) {
			err = payment.Failure("charge failed", err)
		}
		recordErr(span, err)
		s.logger.Warn().
			Err(err).
			Str("activity_id", a.ActivityID.String()).
			Str("participant_id", participantID).
			Msg("payment declined")
		return nil, err
	}

	result, out, err := s.machine.Pay(a, participantID, receipt.ReceiptID, at)
	if err != nil {
		recordErr(span, err)
		return nil, err
	}
	if err := s.commit(ctx, a, out); err != nil {
		recordErr(span, err)
		s.logger.Error().
			Err(err).
			Str("activity_id", a.ActivityID.String()).
			Str("participant_id", participantID).
			Str("receipt_id", receipt.ReceiptID).
			Msg("charged payment could not be recorded")
		return nil, err
	}
	return &PayResult{Result: result, Receipt: receipt, State: StateOf(a)}, nil
}

// FireTimer handles a due formation timer. Stale timers and timers for
// deleted activities are acknowledged without changes.
func (s *Service) FireTimer(ctx context.Context, t *timer.Timer) error {
	ctx, span := s.startSpan(ctx, "activity.FireTimer", t.ActivityID)
	defer span.End()
	span.SetAttributes(attribute.String("timer.kind", string(t.Kind)))

	unlock := s.locks.Lock(t.ActivityID)
	defer unlock()

	a, err := s.repo.GetByID(ctx, t.ActivityID)
	if err != nil {
		recordErr(span, err)
		return err
	}
	if a == nil {
		s.logger.Warn().
			Str("timer_id", t.TimerID.String()).
			Str("activity_id", t.ActivityID.String()).
			Msg("timer for unknown activity acknowledged")
		return nil
	}
	out, err := s.machine.Fire(a, t.Kind, s.clock.Now())
	if err != nil {
		recordErr(span, err)
		return err
	}
	if out.Stale {
		s.logger.Debug().
			Str("timer_id", t.TimerID.String()).
			Str("activity_id", a.ActivityID.String()).
			Str("stage", string(a.Stage)).
			Msg("stale timer acknowledged")
		return nil
	}
	if err := s.commit(ctx, a, out); err != nil {
		recordErr(span, err)
		return err
	}
	return nil
}

// Reconcile re-arms the timers of every activity waiting on one. It is run
// at boot; overdue timers fire on the scheduler's first sweep.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "activity.Reconcile")
	defer span.End()

	activities, err := s.repo.ListByStages(ctx, []domainActivity.Stage{domainActivity.StageSoftLocked, domainActivity.StagePaymentWindow})
	if err != nil {
		recordErr(span, err)
		return 0, err
	}
	armed := 0
	for _, a := range activities {
		timers, err := s.machine.Pending(a, s.clock.Now())
		if err != nil {
			s.logger.Error().Err(err).Str("activity_id", a.ActivityID.String()).Msg("cannot derive pending timers")
			continue
		}
		for _, t := range timers {
			if err := s.scheduler.Schedule(ctx, t); err != nil {
				recordErr(span, err)
				return armed, err
			}
			armed++
		}
	}
	s.logger.Info().Int("activities", len(activities)).Int("timers", armed).Msg("timers reconciled")
	return armed, nil
}

// RepairTimers re-arms every timer an activity waits on whose row is missing
// or already completed. It runs periodically, so a commit whose timer write
// failed is left without a timer for at most one repair interval. Timers
// still pending are left untouched to keep their retry state.
func (s *Service) RepairTimers(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "activity.RepairTimers")
	defer span.End()

	activities, err := s.repo.ListByStages(ctx, []domainActivity.Stage{domainActivity.StageSoftLocked, domainActivity.StagePaymentWindow})
	if err != nil {
		recordErr(span, err)
		return 0, err
	}
	repaired := 0
	for _, listed := range activities {
		n, err := s.repairActivity(ctx, listed.ActivityID)
		repaired += n
		if err != nil {
			recordErr(span, err)
			return repaired, err
		}
	}
	if repaired > 0 {
		s.logger.Warn().Int("timers", repaired).Msg("missing timers re-armed")
	}
	return repaired, nil
}

func (s *Service) repairActivity(ctx context.Context, activityID uuid.UUID) (int, error) {
	unlock := s.locks.Lock(activityID)
	defer unlock()

	// reload under the lock; the listed row may predate a concurrent commit
	a, err := s.repo.GetByID(ctx, activityID)
	if err != nil || a == nil {
		return 0, err
	}
	timers, err := s.machine.Pending(a, s.clock.Now())
	if err != nil {
		s.logger.Error().Err(err).Str("activity_id", activityID.String()).Msg("cannot derive pending timers")
		return 0, nil
	}
	repaired := 0
	for _, t := range timers {
		existing, err := s.scheduler.Lookup(ctx, t.TimerID)
		if err != nil {
			return repaired, err
		}
		if existing != nil && existing.Status == timer.StatusPending {
			continue
		}
		if err := s.scheduler.Schedule(ctx, t); err != nil {
			return repaired, err
		}
		s.logger.Warn().
			Str("activity_id", activityID.String()).
			Str("kind", string(t.Kind)).
			Time("fire_at", t.FireAt).
			Msg("timer re-armed")
		repaired++
	}
	return repaired, nil
}

// commit persists a with the outcome's events, then arms timers and
// publishes. A timer that cannot be armed is restored by RepairTimers.
func (s *Service) commit(ctx context.Context, a *domainActivity.Activity, out *formation.Outcome) error {
	if err := s.repo.Save(ctx, a, out.Events); err != nil {
		return err
	}
	for _, t := range out.Timers {
		if err := s.scheduler.Schedule(ctx, t); err != nil {
			s.logger.Error().
				Err(err).
				Str("activity_id", a.ActivityID.String()).
				Str("kind", string(t.Kind)).
				Msg("failed to arm timer")
		}
	}
	s.publish(out)
	return nil
}

func (s *Service) publish(out *formation.Outcome) {
	if s.publisher == nil {
		return
	}
	for _, e := range out.Events {
		s.publisher.Publish(e)
	}
}

func (s *Service) load(ctx context.Context, activityID uuid.UUID) (*domainActivity.Activity, error) {
	a, err := s.repo.GetByID(ctx, activityID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("%w: %s", domainActivity.ErrActivityNotFound, activityID)
	}
	return a, nil
}

func (s *Service) startSpan(ctx context.Context, name string, activityID uuid.UUID) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("activity.id", activityID.String())))
}

func recordErr(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 200 {
		return 50
	}
	return limit
}
