package activity

import "time"

// PaymentWindow is the bounded interval during which participants must pay.
type PaymentWindow struct {
	OpensAt    time.Time `json:"opensAt"`
	DeadlineAt time.Time `json:"deadlineAt"`
}

// WindowDuration maps time-to-event to the payment window length. Closer
// events get shorter windows so the roster is final before start.
func WindowDuration(hoursUntilStart float64) time.Duration {
	switch {
	case hoursUntilStart >= 4:
		return 90 * time.Minute
	case hoursUntilStart >= 2:
		return 45 * time.Minute
	case hoursUntilStart >= 1:
		return 30 * time.Minute
	default:
		return 15 * time.Minute
	}
}

// NewPaymentWindow opens a window at now sized for an event starting at startsAt.
func NewPaymentWindow(now, startsAt time.Time) *PaymentWindow {
	d := WindowDuration(startsAt.Sub(now).Hours())
	return &PaymentWindow{
		OpensAt:    now,
		DeadlineAt: now.Add(d),
	}
}

func (w *PaymentWindow) DurationMinutes() int {
	return int(w.DeadlineAt.Sub(w.OpensAt) / time.Minute)
}

// Closed reports whether the deadline has passed at now.
func (w *PaymentWindow) Closed(now time.Time) bool {
	return !now.Before(w.DeadlineAt)
}
