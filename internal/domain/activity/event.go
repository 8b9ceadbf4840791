package activity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType names an entry on the activity timeline.
type EventType string

const (
	EventActivityCreated        EventType = "ACTIVITY_CREATED"
	EventParticipantJoined      EventType = "PARTICIPANT_JOINED"
	EventParticipantLeft        EventType = "PARTICIPANT_LEFT"
	EventParticipantPaid        EventType = "PARTICIPANT_PAID"
	EventParticipantForfeited   EventType = "PARTICIPANT_FORFEITED"
	EventStageChanged           EventType = "STAGE_CHANGED"
	EventShareUpdated           EventType = "SHARE_UPDATED"
	EventSettlementInconsistent EventType = "SETTLEMENT_INCONSISTENT"
)

// Event is an append-only record of something that happened to an activity.
type Event struct {
	ID         int64           `json:"id"`
	EventID    uuid.UUID       `json:"eventId"`
	ActivityID uuid.UUID       `json:"activityId"`
	Type       EventType       `json:"type"`
	Stage      Stage           `json:"stage"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// NewEvent builds an event for a; payload is marshalled as JSON.
func NewEvent(a *Activity, typ EventType, payload interface{}, at time.Time) *Event {
	data, err := json.Marshal(payload)
	if err != nil || payload == nil {
		data = []byte("{}")
	}
	return &Event{
		EventID:    uuid.New(),
		ActivityID: a.ActivityID,
		Type:       typ,
		Stage:      a.Stage,
		Payload:    data,
		CreatedAt:  at,
	}
}

// StagePayload is published on STAGE_CHANGED.
type StagePayload struct {
	From       Stage      `json:"from"`
	To         Stage      `json:"to"`
	DeadlineAt *time.Time `json:"deadlineAt,omitempty"`
}

// SharePayload is published whenever the per-person share may have changed.
type SharePayload struct {
	Share     *int64 `json:"share,omitempty"`
	Joined    int    `json:"joined"`
	Paid      int    `json:"paid"`
	TotalCost int64  `json:"totalCost"`
	Currency  string `json:"currency"`
}

// ParticipantPayload is published on roster and payment changes.
type ParticipantPayload struct {
	ParticipantID string  `json:"participantId"`
	DisplayName   string  `json:"displayName,omitempty"`
	ReceiptID     *string `json:"receiptId,omitempty"`
}

// SharePayloadFor snapshots the current share of a.
func SharePayloadFor(a *Activity) SharePayload {
	p := SharePayload{
		Joined:    a.Roster.Count(),
		Paid:      a.Roster.PaidCount(),
		TotalCost: a.TotalCost,
		Currency:  a.Currency,
	}
	if share, ok := a.CurrentShare(); ok {
		p.Share = &share
	}
	return p
}
