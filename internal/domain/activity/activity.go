package activity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the product surface an activity was authored on.
type Kind string

const (
	KindSports Kind = "SPORTS"
	KindGaming Kind = "GAMING"
	KindEvent  Kind = "EVENT"
	KindParty  Kind = "PARTY"
)

// PaymentMode selects how quickly the payment window opens once formed.
type PaymentMode string

const (
	PaymentModeStaged  PaymentMode = "STAGED"
	PaymentModeInstant PaymentMode = "INSTANT"
)

// Stage is the formation stage of an activity.
type Stage string

const (
	StageOpen          Stage = "OPEN"
	StageSoftLocked    Stage = "SOFT_LOCKED"
	StagePaymentWindow Stage = "PAYMENT_WINDOW"
	StageHardLocked    Stage = "HARD_LOCKED"
	StageConfirmed     Stage = "CONFIRMED"
)

var stageOrder = map[Stage]int{
	StageOpen:          0,
	StageSoftLocked:    1,
	StagePaymentWindow: 2,
	StageHardLocked:    3,
	StageConfirmed:     4,
}

var (
	ErrInvalidActivity        = errors.New("invalid activity")
	ErrActivityNotFound       = errors.New("activity not found")
	ErrCapacityExceeded       = errors.New("capacity exceeded")
	ErrDuplicateParticipant   = errors.New("participant already joined")
	ErrInvalidStageTransition = errors.New("invalid stage transition")
	ErrVisibilityDenied       = errors.New("visibility policy denies participant")
	ErrNotAParticipant        = errors.New("not a participant")
	ErrInconsistentSettlement = errors.New("inconsistent settlement")
	ErrConcurrentUpdate       = errors.New("activity was modified concurrently")
)

// Activity is one formation instance: immutable catalog metadata plus the
// mutable stage, roster and settlement fields owned by the engine.
type Activity struct {
	ID              int64       `json:"id"`
	ActivityID      uuid.UUID   `json:"activityId"`
	Kind            Kind        `json:"kind"`
	Title           string      `json:"title"`
	Venue           string      `json:"venue"`
	StartsAt        time.Time   `json:"startsAt"`
	TotalCost       int64       `json:"totalCost"`
	Currency        string      `json:"currency"`
	MinParticipants int         `json:"minParticipants"`
	MaxParticipants int         `json:"maxParticipants"`
	PaymentMode     PaymentMode `json:"paymentMode"`
	Visibility      string      `json:"visibility"`
	CreatedBy       string      `json:"createdBy"`

	Stage        Stage          `json:"stage"`
	Roster       *Roster        `json:"roster"`
	Window       *PaymentWindow `json:"window,omitempty"`
	SoftLockedAt *time.Time     `json:"softLockedAt,omitempty"`
	FinalShare   *int64         `json:"finalShare,omitempty"`
	Inconsistent bool           `json:"inconsistent"`
	Settlement   *Settlement    `json:"settlement,omitempty"`
	Version      int            `json:"version"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Spec is the catalog metadata required to create an activity.
type Spec struct {
	Kind            Kind
	Title           string
	Venue           string
	StartsAt        time.Time
	TotalCost       int64
	Currency        string
	MinParticipants int
	MaxParticipants int
	PaymentMode     PaymentMode
	Visibility      string
	CreatedBy       string
}

// New validates spec and returns an Open activity with an empty roster.
func New(spec Spec, now time.Time) (*Activity, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	mode := spec.PaymentMode
	if mode == "" {
		mode = PaymentModeStaged
	}
	visibility := strings.TrimSpace(spec.Visibility)
	if visibility == "" {
		visibility = "public"
	}
	return &Activity{
		ActivityID:      uuid.New(),
		Kind:            spec.Kind,
		Title:           strings.TrimSpace(spec.Title),
		Venue:           strings.TrimSpace(spec.Venue),
		StartsAt:        spec.StartsAt.UTC(),
		TotalCost:       spec.TotalCost,
		Currency:        strings.ToUpper(strings.TrimSpace(spec.Currency)),
		MinParticipants: spec.MinParticipants,
		MaxParticipants: spec.MaxParticipants,
		PaymentMode:     mode,
		Visibility:      visibility,
		CreatedBy:       spec.CreatedBy,
		Stage:           StageOpen,
		Roster:          NewRoster(),
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// Validate checks catalog metadata.
func (s Spec) Validate() error {
	if err := ValidateKind(s.Kind); err != nil {
		return err
	}
	if strings.TrimSpace(s.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidActivity)
	}
	if s.StartsAt.IsZero() {
		return fmt.Errorf("%w: starts_at is required", ErrInvalidActivity)
	}
	if s.TotalCost < 0 {
		return fmt.Errorf("%w: total_cost must not be negative", ErrInvalidActivity)
	}
	if strings.TrimSpace(s.Currency) == "" {
		return fmt.Errorf("%w: currency is required", ErrInvalidActivity)
	}
	if s.MinParticipants < 1 {
		return fmt.Errorf("%w: min_participants must be at least 1", ErrInvalidActivity)
	}
	if s.MaxParticipants < s.MinParticipants {
		return fmt.Errorf("%w: max_participants must be >= min_participants", ErrInvalidActivity)
	}
	switch s.PaymentMode {
	case "", PaymentModeStaged, PaymentModeInstant:
	default:
		return fmt.Errorf("%w: unknown payment mode %q", ErrInvalidActivity, s.PaymentMode)
	}
	return nil
}

// ValidateKind checks the activity kind.
func ValidateKind(k Kind) error {
	switch k {
	case KindSports, KindGaming, KindEvent, KindParty:
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidActivity, k)
	}
}

// CanTransitionTo validates a forward stage transition. Each stage has
// exactly one successor.
func (a *Activity) CanTransitionTo(target Stage) bool {
	transitions := map[Stage][]Stage{
		StageOpen:          {StageSoftLocked},
		StageSoftLocked:    {StagePaymentWindow},
		StagePaymentWindow: {StageHardLocked},
		StageHardLocked:    {StageConfirmed},
		StageConfirmed:     {},
	}
	for _, s := range transitions[a.Stage] {
		if s == target {
			return true
		}
	}
	return false
}

// TransitionTo moves the activity to target or returns ErrInvalidStageTransition.
func (a *Activity) TransitionTo(target Stage, at time.Time) error {
	if !a.CanTransitionTo(target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStageTransition, a.Stage, target)
	}
	a.Stage = target
	a.UpdatedAt = at
	return nil
}

// AcceptsJoins reports whether the roster is still open for new members.
func (a *Activity) AcceptsJoins() bool {
	return a.Stage == StageOpen || a.Stage == StageSoftLocked
}

// ThresholdMet reports whether the roster reached the minimum.
func (a *Activity) ThresholdMet() bool {
	return a.Roster.Count() >= a.MinParticipants
}

// CurrentShare returns the per-person share for the current stage. ok is
// false only after hard lock when nobody paid.
func (a *Activity) CurrentShare() (share int64, ok bool) {
	if a.FinalShare != nil {
		return *a.FinalShare, true
	}
	divisor := Divisor(a.Stage, a.Roster.Count(), a.Roster.PaidCount(), a.MinParticipants)
	if divisor == 0 {
		return 0, false
	}
	return ShareFor(a.TotalCost, divisor), true
}

// StageIndex returns the position of s in the formation order, or -1.
func StageIndex(s Stage) int {
	if idx, ok := stageOrder[s]; ok {
		return idx
	}
	return -1
}

// IsFinal reports whether the stage is terminal.
func (s Stage) IsFinal() bool {
	return s == StageConfirmed
}

// HoursUntilStart returns fractional hours between now and the scheduled start.
func (a *Activity) HoursUntilStart(now time.Time) float64 {
	return a.StartsAt.Sub(now).Hours()
}
