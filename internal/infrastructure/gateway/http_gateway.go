package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/civita/formation/internal/domain/payment"
)

// HTTPGateway charges participants through a remote payment provider that
// accepts JSON charge requests.
type HTTPGateway struct {
	url    string
	apiKey string
	client *http.Client
	logger zerolog.Logger
}

// NewHTTPGateway creates a gateway that POSTs charges to url.
func NewHTTPGateway(url, apiKey string, client *http.Client, logger zerolog.Logger) *HTTPGateway {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return &HTTPGateway{
		url:    strings.TrimRight(url, "/"),
		apiKey: apiKey,
		client: client,
		logger: logger.With().Str("component", "payment_gateway").Logger(),
	}
}

type chargeBody struct {
	Reference   string `json:"reference"`
	Customer    string `json:"customer"`
	Amount      string `json:"amount"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

type chargeResponse struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Amount    int64     `json:"amount_minor"`
	Currency  string    `json:"currency"`
	CreatedAt time.Time `json:"created_at"`
	Error     string    `json:"error,omitempty"`
}

// Charge implements payment.Gateway.
func (g *HTTPGateway) Charge(ctx context.Context, req payment.ChargeRequest) (*payment.Receipt, error) {
	body, err := json.Marshal(chargeBody{
		Reference:   req.ActivityID.String(),
		Customer:    req.ParticipantID,
		Amount:      MajorUnits(req.Amount).StringFixed(2),
		AmountMinor: req.Amount,
		Currency:    req.Currency,
	})
	if err != nil {
		return nil, payment.Failure("encode charge", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url+"/charges", bytes.NewReader(body))
	if err != nil {
		return nil, payment.Failure("build charge request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, payment.Failure("charge request", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, payment.Failure("read charge response", err)
	}
	var out chargeResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, payment.Failure(fmt.Sprintf("decode charge response (%s)", resp.Status), err)
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		reason := out.Error
		if reason == "" {
			reason = resp.Status
		}
		g.logger.Warn().
			Int("status", resp.StatusCode).
			Str("participant_id", req.ParticipantID).
			Str("reason", reason).
			Msg("charge rejected")
		return nil, payment.Failure(reason, nil)
	}
	if out.ID == "" || !strings.EqualFold(out.Status, "succeeded") {
		return nil, payment.Failure(fmt.Sprintf("charge status %q", out.Status), nil)
	}
	chargedAt := out.CreatedAt
	if chargedAt.IsZero() {
		chargedAt = time.Now().UTC()
	}
	amount := out.Amount
	if amount == 0 {
		amount = req.Amount
	}
	currency := out.Currency
	if currency == "" {
		currency = req.Currency
	}
	return &payment.Receipt{
		ReceiptID: out.ID,
		Amount:    amount,
		Currency:  strings.ToUpper(currency),
		ChargedAt: chargedAt,
		Provider:  "http",
	}, nil
}

// MajorUnits converts minor units to a two-decimal major amount.
func MajorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}
