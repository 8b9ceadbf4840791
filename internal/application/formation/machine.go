package formation

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/civita/formation/internal/domain/activity"
	"github.com/civita/formation/internal/domain/timer"
)

// Config controls stage timing and settlement signing.
type Config struct {
	SoftLockDelay time.Duration
	KindDelays    map[activity.Kind]time.Duration
	SettlementKey []byte
}

// Outcome lists the side effects a transition produced. The caller persists
// the activity, appends Events and schedules Timers in that order.
type Outcome struct {
	Events       []*activity.Event
	Timers       []*timer.Timer
	Evicted      []string
	Inconsistent bool
	Stale        bool
}

func (o *Outcome) emit(a *activity.Activity, typ activity.EventType, payload interface{}, at time.Time) {
	o.Events = append(o.Events, activity.NewEvent(a, typ, payload, at))
}

func (o *Outcome) arm(a *activity.Activity, kind timer.Kind, fireAt, now time.Time) error {
	t, err := timer.New(a.ActivityID, kind, fireAt, now)
	if err != nil {
		return err
	}
	o.Timers = append(o.Timers, t)
	return nil
}

// Machine applies formation transitions to an activity held under its lock.
// It performs no I/O.
type Machine struct {
	cfg    Config
	logger zerolog.Logger
}

func NewMachine(cfg Config, logger zerolog.Logger) *Machine {
	return &Machine{
		cfg:    cfg,
		logger: logger.With().Str("service", "formation").Logger(),
	}
}

// SoftLockDelay returns how long an activity stays SoftLocked before the
// payment window opens.
func (m *Machine) SoftLockDelay(a *activity.Activity) time.Duration {
	if a.PaymentMode == activity.PaymentModeInstant {
		return 0
	}
	if d, ok := m.cfg.KindDelays[a.Kind]; ok {
		return d
	}
	return m.cfg.SoftLockDelay
}

// Created records the creation event.
func (m *Machine) Created(a *activity.Activity) *Outcome {
	out := &Outcome{}
	out.emit(a, activity.EventActivityCreated, activity.SharePayloadFor(a), a.CreatedAt)
	return out
}

// Join admits p and soft-locks the activity when the minimum is reached.
func (m *Machine) Join(a *activity.Activity, p activity.Participant, allowed bool, now time.Time) (*activity.ParticipantEntry, *Outcome, error) {
	entry, err := a.Join(p, allowed, now)
	if err != nil {
		return nil, nil, err
	}
	out := &Outcome{}
	out.emit(a, activity.EventParticipantJoined, activity.ParticipantPayload{
		ParticipantID: entry.ParticipantID,
		DisplayName:   entry.DisplayName,
	}, now)
	out.emit(a, activity.EventShareUpdated, activity.SharePayloadFor(a), now)

	if a.Stage == activity.StageOpen && a.ThresholdMet() {
		if err := m.softLock(a, now, out); err != nil {
			return nil, nil, err
		}
	}
	return entry, out, nil
}

// Leave removes a participant while the activity is still Open.
func (m *Machine) Leave(a *activity.Activity, participantID string, now time.Time) (*Outcome, error) {
	if err := a.Leave(participantID, now); err != nil {
		return nil, err
	}
	out := &Outcome{}
	out.emit(a, activity.EventParticipantLeft, activity.ParticipantPayload{ParticipantID: participantID}, now)
	out.emit(a, activity.EventShareUpdated, activity.SharePayloadFor(a), now)
	return out, nil
}

// CheckPayable validates a payment before the gateway is charged. It returns
// PaymentAlreadyPaid without error when the participant already paid.
func (m *Machine) CheckPayable(a *activity.Activity, participantID string, now time.Time) (activity.PaymentResult, error) {
	if a.Stage != activity.StagePaymentWindow {
		return "", fmt.Errorf("%w: payments are only accepted in %s", activity.ErrInvalidStageTransition, activity.StagePaymentWindow)
	}
	if a.Window != nil && a.Window.Closed(now) {
		return "", fmt.Errorf("%w: payment window closed at %s", activity.ErrInvalidStageTransition, a.Window.DeadlineAt.Format(time.RFC3339))
	}
	if !a.Roster.Has(participantID) {
		return activity.PaymentNotAParticipant, fmt.Errorf("%w: %s", activity.ErrNotAParticipant, participantID)
	}
	if a.Ledger().IsPaid(participantID) {
		return activity.PaymentAlreadyPaid, nil
	}
	return activity.PaymentPaid, nil
}

// Pay records a charged payment. The stage never changes here.
func (m *Machine) Pay(a *activity.Activity, participantID, receiptID string, now time.Time) (activity.PaymentResult, *Outcome, error) {
	if _, err := m.CheckPayable(a, participantID, now); err != nil {
		return "", nil, err
	}
	result := a.Ledger().MarkPaid(participantID, receiptID, now)
	out := &Outcome{}
	if result != activity.PaymentPaid {
		return result, out, nil
	}
	a.UpdatedAt = now
	var rid *string
	if receiptID != "" {
		rid = &receiptID
	}
	out.emit(a, activity.EventParticipantPaid, activity.ParticipantPayload{
		ParticipantID: participantID,
		ReceiptID:     rid,
	}, now)
	out.emit(a, activity.EventShareUpdated, activity.SharePayloadFor(a), now)
	return result, out, nil
}

// Fire handles a timer for a. Timers for a stage the activity already left
// produce a Stale outcome with no changes.
func (m *Machine) Fire(a *activity.Activity, kind timer.Kind, now time.Time) (*Outcome, error) {
	out := &Outcome{}
	switch {
	case kind == timer.KindSoftLockExpiry && a.Stage == activity.StageSoftLocked:
		if err := m.openPaymentWindow(a, now, out); err != nil {
			return nil, err
		}
	case kind == timer.KindPaymentDeadline && a.Stage == activity.StagePaymentWindow:
		if err := m.hardLock(a, now, out); err != nil {
			return nil, err
		}
	case kind == timer.KindSoftLockExpiry, kind == timer.KindPaymentDeadline:
		out.Stale = true
	default:
		return nil, fmt.Errorf("%w: unknown timer kind %q", timer.ErrInvalidTimer, kind)
	}
	return out, nil
}

// Pending returns the timers an activity needs given its current stage, used
// to re-arm schedules after a restart.
func (m *Machine) Pending(a *activity.Activity, now time.Time) ([]*timer.Timer, error) {
	out := &Outcome{}
	switch a.Stage {
	case activity.StageSoftLocked:
		lockedAt := a.UpdatedAt
		if a.SoftLockedAt != nil {
			lockedAt = *a.SoftLockedAt
		}
		if err := out.arm(a, timer.KindSoftLockExpiry, lockedAt.Add(m.SoftLockDelay(a)), now); err != nil {
			return nil, err
		}
	case activity.StagePaymentWindow:
		if a.Window == nil {
			return nil, fmt.Errorf("%w: activity %s has no payment window", activity.ErrInvalidActivity, a.ActivityID)
		}
		if err := out.arm(a, timer.KindPaymentDeadline, a.Window.DeadlineAt, now); err != nil {
			return nil, err
		}
	}
	return out.Timers, nil
}

func (m *Machine) softLock(a *activity.Activity, now time.Time, out *Outcome) error {
	if err := a.TransitionTo(activity.StageSoftLocked, now); err != nil {
		return err
	}
	lockedAt := now
	a.SoftLockedAt = &lockedAt
	out.emit(a, activity.EventStageChanged, activity.StagePayload{
		From: activity.StageOpen,
		To:   activity.StageSoftLocked,
	}, now)
	m.logger.Info().
		Str("activity_id", a.ActivityID.String()).
		Int("joined", a.Roster.Count()).
		Msg("minimum reached, activity soft-locked")
	return out.arm(a, timer.KindSoftLockExpiry, now.Add(m.SoftLockDelay(a)), now)
}

func (m *Machine) openPaymentWindow(a *activity.Activity, now time.Time, out *Outcome) error {
	if err := a.TransitionTo(activity.StagePaymentWindow, now); err != nil {
		return err
	}
	a.Window = activity.NewPaymentWindow(now, a.StartsAt)
	deadline := a.Window.DeadlineAt
	out.emit(a, activity.EventStageChanged, activity.StagePayload{
		From:       activity.StageSoftLocked,
		To:         activity.StagePaymentWindow,
		DeadlineAt: &deadline,
	}, now)
	out.emit(a, activity.EventShareUpdated, activity.SharePayloadFor(a), now)
	m.logger.Info().
		Str("activity_id", a.ActivityID.String()).
		Int("window_minutes", a.Window.DurationMinutes()).
		Time("deadline_at", deadline).
		Msg("payment window opened")
	return out.arm(a, timer.KindPaymentDeadline, deadline, now)
}

// hardLock evicts unpaid participants, fixes the final share from the paid
// count and confirms the activity in one step.
func (m *Machine) hardLock(a *activity.Activity, now time.Time, out *Outcome) error {
	if err := a.TransitionTo(activity.StageHardLocked, now); err != nil {
		return err
	}
	out.emit(a, activity.EventStageChanged, activity.StagePayload{
		From: activity.StagePaymentWindow,
		To:   activity.StageHardLocked,
	}, now)

	for _, id := range a.Ledger().UnpaidParticipants() {
		entry := a.Roster.Get(id)
		a.Roster.Remove(id)
		out.Evicted = append(out.Evicted, id)
		out.emit(a, activity.EventParticipantForfeited, activity.ParticipantPayload{
			ParticipantID: id,
			DisplayName:   entry.DisplayName,
		}, now)
	}

	paid := a.Roster.PaidCount()
	divisor := activity.Divisor(a.Stage, a.Roster.Count(), paid, a.MinParticipants)
	if divisor == 0 {
		a.FinalShare = nil
		a.Inconsistent = true
		out.Inconsistent = true
		m.logger.Error().
			Err(activity.ErrInconsistentSettlement).
			Str("activity_id", a.ActivityID.String()).
			Int("evicted", len(out.Evicted)).
			Msg("no paid participants at hard lock")
		out.emit(a, activity.EventSettlementInconsistent, activity.SharePayloadFor(a), now)
	} else {
		share := activity.ShareFor(a.TotalCost, divisor)
		a.FinalShare = &share
		out.emit(a, activity.EventShareUpdated, activity.SharePayloadFor(a), now)
	}

	if err := a.TransitionTo(activity.StageConfirmed, now); err != nil {
		return err
	}
	settlement := &activity.Settlement{
		Roster:       a.Roster.IDs(),
		FinalShare:   a.FinalShare,
		TotalCost:    a.TotalCost,
		Currency:     a.Currency,
		Inconsistent: a.Inconsistent,
		ConfirmedAt:  now,
	}
	if len(m.cfg.SettlementKey) > 0 {
		sig, err := activity.SignSettlement(a, settlement, m.cfg.SettlementKey)
		if err != nil {
			return fmt.Errorf("sign settlement: %w", err)
		}
		settlement.Signature = sig
	}
	a.Settlement = settlement
	out.emit(a, activity.EventStageChanged, activity.StagePayload{
		From: activity.StageHardLocked,
		To:   activity.StageConfirmed,
	}, now)
	m.logger.Info().
		Str("activity_id", a.ActivityID.String()).
		Int("final_roster", a.Roster.Count()).
		Int("evicted", len(out.Evicted)).
		Bool("inconsistent", a.Inconsistent).
		Msg("activity confirmed")
	return nil
}
