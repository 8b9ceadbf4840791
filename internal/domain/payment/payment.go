package payment

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_gateway.go -package=mocks . Gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrPaymentGatewayFailure = errors.New("payment gateway failure")

// ChargeRequest asks the gateway to collect one participant's share.
type ChargeRequest struct {
	ActivityID     uuid.UUID `json:"activityId"`
	ParticipantID  string    `json:"participantId"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	IdempotencyKey string    `json:"idempotencyKey"`
}

// Receipt is the gateway's proof of a successful charge.
type Receipt struct {
	ReceiptID string    `json:"receiptId"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	ChargedAt time.Time `json:"chargedAt"`
	Provider  string    `json:"provider"`
}

// Gateway charges participants. Implementations must honor IdempotencyKey so
// a retried charge is never collected twice.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (*Receipt, error)
}

// IdempotencyKey is stable for one participant of one activity.
func IdempotencyKey(activityID uuid.UUID, participantID string) string {
	return fmt.Sprintf("formation:%s:%s", activityID, participantID)
}

// Failure wraps a provider error so callers can match ErrPaymentGatewayFailure.
func Failure(reason string, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPaymentGatewayFailure, reason, err)
	}
	return fmt.Errorf("%w: %s", ErrPaymentGatewayFailure, reason)
}
