package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civita/formation/internal/domain/payment"
	"github.com/civita/formation/internal/infrastructure/clock"
)

func chargeRequest(pid string, amount int64) payment.ChargeRequest {
	activityID := uuid.MustParse("5b7e9c1a-0d2f-4e3b-9a6c-1f2e3d4c5b6a")
	return payment.ChargeRequest{
		ActivityID:     activityID,
		ParticipantID:  pid,
		Amount:         amount,
		Currency:       "INR",
		IdempotencyKey: payment.IdempotencyKey(activityID, pid),
	}
}

func TestHTTPGateway_Charge(t *testing.T) {
	var got chargeBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/charges", r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		assert.Equal(t, "formation:5b7e9c1a-0d2f-4e3b-9a6c-1f2e3d4c5b6a:asha", r.Header.Get("Idempotency-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chargeResponse{
			ID:        "ch_1",
			Status:    "succeeded",
			Amount:    got.AmountMinor,
			Currency:  "inr",
			CreatedAt: time.Date(2026, 7, 4, 15, 0, 0, 0, time.UTC),
		})
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL+"/", "sk_test", srv.Client(), zerolog.Nop())
	receipt, err := g.Charge(context.Background(), chargeRequest("asha", 16667))
	require.NoError(t, err)

	assert.Equal(t, "166.67", got.Amount)
	assert.Equal(t, int64(16667), got.AmountMinor)
	assert.Equal(t, "asha", got.Customer)
	assert.Equal(t, "ch_1", receipt.ReceiptID)
	assert.Equal(t, "INR", receipt.Currency)
	assert.Equal(t, int64(16667), receipt.Amount)
}

func TestHTTPGateway_Declined(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":"insufficient funds"}`))
	}))
	defer srv.Close()

	g := NewHTTPGateway(srv.URL, "", nil, zerolog.Nop())
	_, err := g.Charge(context.Background(), chargeRequest("b", 100))
	require.Error(t, err)
	assert.ErrorIs(t, err, payment.ErrPaymentGatewayFailure)
	assert.Contains(t, err.Error(), "insufficient funds")
}

func TestHTTPGateway_PendingStatusIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"ch_2","status":"pending"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPGateway(srv.URL, "", nil, zerolog.Nop()).Charge(context.Background(), chargeRequest("c", 100))
	assert.ErrorIs(t, err, payment.ErrPaymentGatewayFailure)
}

func TestHTTPGateway_ContextTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	// runs before srv.Close so the handler never outlives the test
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := NewHTTPGateway(srv.URL, "", nil, zerolog.Nop()).Charge(ctx, chargeRequest("d", 100))
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, payment.ErrPaymentGatewayFailure)
	case <-time.After(5 * time.Second):
		t.Fatal("charge did not honour the context deadline")
	}
}

func TestSandboxGateway(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 7, 4, 15, 0, 0, 0, time.UTC))
	g := NewSandboxGateway(clk, "mallory")

	first, err := g.Charge(context.Background(), chargeRequest("asha", 100))
	require.NoError(t, err)
	again, err := g.Charge(context.Background(), chargeRequest("asha", 100))
	require.NoError(t, err)
	assert.Equal(t, first.ReceiptID, again.ReceiptID)
	assert.Equal(t, 1, g.Charges())

	_, err = g.Charge(context.Background(), chargeRequest("mallory", 100))
	assert.ErrorIs(t, err, payment.ErrPaymentGatewayFailure)

	g.Decline("ravi")
	_, err = g.Charge(context.Background(), chargeRequest("ravi", 100))
	assert.ErrorIs(t, err, payment.ErrPaymentGatewayFailure)
}

func TestMajorUnits(t *testing.T) {
	assert.Equal(t, "1.50", MajorUnits(150).StringFixed(2))
	assert.Equal(t, "0.07", MajorUnits(7).StringFixed(2))
}
