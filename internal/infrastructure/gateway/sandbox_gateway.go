package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/civita/formation/internal/domain/payment"
	"github.com/civita/formation/internal/infrastructure/clock"
)

var receiptNamespace = uuid.MustParse("4f1d0a9e-3b7c-4c55-8f0e-6c2d8a1e9b40")

// SandboxGateway approves every charge except for declined participants.
// Charges are idempotent on the request's idempotency key.
type SandboxGateway struct {
	mu       sync.Mutex
	clock    clock.Clock
	declined map[string]bool
	receipts map[string]*payment.Receipt
}

func NewSandboxGateway(clk clock.Clock, declined ...string) *SandboxGateway {
	g := &SandboxGateway{
		clock:    clk,
		declined: make(map[string]bool),
		receipts: make(map[string]*payment.Receipt),
	}
	for _, id := range declined {
		g.declined[id] = true
	}
	return g
}

// Decline makes future charges for participantID fail.
func (g *SandboxGateway) Decline(participantID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.declined[participantID] = true
}

func (g *SandboxGateway) Charge(ctx context.Context, req payment.ChargeRequest) (*payment.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, payment.Failure("charge cancelled", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if r, ok := g.receipts[req.IdempotencyKey]; ok {
		copied := *r
		return &copied, nil
	}
	if g.declined[req.ParticipantID] {
		return nil, payment.Failure(fmt.Sprintf("card declined for %s", req.ParticipantID), nil)
	}
	r := &payment.Receipt{
		ReceiptID: "sbx_" + uuid.NewSHA1(receiptNamespace, []byte(req.IdempotencyKey)).String(),
		Amount:    req.Amount,
		Currency:  req.Currency,
		ChargedAt: g.clock.Now(),
		Provider:  "sandbox",
	}
	g.receipts[req.IdempotencyKey] = r
	copied := *r
	return &copied, nil
}

// Charges returns the number of distinct successful charges.
func (g *SandboxGateway) Charges() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.receipts)
}
