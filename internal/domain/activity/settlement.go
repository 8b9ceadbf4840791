package activity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"time"
)

// Settlement is the confirmed booking record.
type Settlement struct {
	Roster       []string  `json:"roster"`
	FinalShare   *int64    `json:"finalShare,omitempty"`
	TotalCost    int64     `json:"totalCost"`
	Currency     string    `json:"currency"`
	Inconsistent bool      `json:"inconsistent"`
	ConfirmedAt  time.Time `json:"confirmedAt"`
	Signature    []byte    `json:"signature,omitempty"`
}

type settlementPayload struct {
	ActivityID   string   `json:"activityId"`
	Roster       []string `json:"roster"`
	FinalShare   *int64   `json:"finalShare,omitempty"`
	TotalCost    int64    `json:"totalCost"`
	Currency     string   `json:"currency"`
	Inconsistent bool     `json:"inconsistent"`
	ConfirmedAt  string   `json:"confirmedAt"`
}

func buildSettlementPayload(a *Activity, s *Settlement) settlementPayload {
	roster := s.Roster
	if roster == nil {
		roster = []string{}
	}
	return settlementPayload{
		ActivityID:   a.ActivityID.String(),
		Roster:       roster,
		FinalShare:   s.FinalShare,
		TotalCost:    s.TotalCost,
		Currency:     s.Currency,
		Inconsistent: s.Inconsistent,
		ConfirmedAt:  s.ConfirmedAt.UTC().Format(time.RFC3339Nano),
	}
}

// SignSettlement computes an HMAC-SHA256 over the canonical settlement JSON.
func SignSettlement(a *Activity, s *Settlement, key []byte) ([]byte, error) {
	data, err := json.Marshal(buildSettlementPayload(a, s))
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write(data)
	return mac.Sum(nil), nil
}

// VerifySettlement checks the stored signature against key.
func VerifySettlement(a *Activity, key []byte) (bool, error) {
	if a.Settlement == nil || len(a.Settlement.Signature) == 0 {
		return false, nil
	}
	expected, err := SignSettlement(a, a.Settlement, key)
	if err != nil {
		return false, err
	}
	return hmac.Equal(expected, a.Settlement.Signature), nil
}
