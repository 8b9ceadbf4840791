package activity

import "time"

// PaymentResult is the outcome of recording a payment.
type PaymentResult string

const (
	PaymentPaid            PaymentResult = "PAID"
	PaymentAlreadyPaid     PaymentResult = "ALREADY_PAID"
	PaymentNotAParticipant PaymentResult = "NOT_A_PARTICIPANT"
)

// Ledger tracks paid status over a roster. Recording a payment never
// changes the formation stage.
type Ledger struct {
	roster *Roster
}

func NewLedger(r *Roster) *Ledger {
	return &Ledger{roster: r}
}

// Ledger returns the payment ledger of the activity's roster.
func (a *Activity) Ledger() *Ledger {
	return NewLedger(a.Roster)
}

// MarkPaid records a payment. A second call for the same participant is a
// no-op returning PaymentAlreadyPaid.
func (l *Ledger) MarkPaid(participantID, receiptID string, at time.Time) PaymentResult {
	e := l.roster.Get(participantID)
	if e == nil {
		return PaymentNotAParticipant
	}
	if e.Paid {
		return PaymentAlreadyPaid
	}
	e.Paid = true
	paidAt := at
	e.PaidAt = &paidAt
	if receiptID != "" {
		rid := receiptID
		e.ReceiptID = &rid
	}
	return PaymentPaid
}

func (l *Ledger) IsPaid(participantID string) bool {
	e := l.roster.Get(participantID)
	return e != nil && e.Paid
}

// PaidParticipants returns the ids of paid members in join order.
func (l *Ledger) PaidParticipants() []string {
	out := make([]string, 0, len(l.roster.entries))
	for _, e := range l.roster.entries {
		if e.Paid {
			out = append(out, e.ParticipantID)
		}
	}
	return out
}

// UnpaidParticipants returns the ids of members who have not paid.
func (l *Ledger) UnpaidParticipants() []string {
	out := make([]string, 0)
	for _, e := range l.roster.entries {
		if !e.Paid {
			out = append(out, e.ParticipantID)
		}
	}
	return out
}
