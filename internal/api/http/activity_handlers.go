package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	appActivity "github.com/civita/formation/internal/application/activity"
	"github.com/civita/formation/internal/domain/activity"
	"github.com/civita/formation/internal/domain/payment"
)

type activityCreateRequest struct {
	Kind            string          `json:"kind"`
	Title           string          `json:"title"`
	Venue           string          `json:"venue,omitempty"`
	StartsAt        time.Time       `json:"starts_at"`
	TotalCost       decimal.Decimal `json:"total_cost"`
	Currency        string          `json:"currency"`
	MinParticipants int             `json:"min_participants"`
	MaxParticipants int             `json:"max_participants"`
	PaymentMode     string          `json:"payment_mode,omitempty"`
	Visibility      string          `json:"visibility,omitempty"`
}

type joinRequest struct {
	DisplayName string `json:"display_name,omitempty"`
}

// activityView adds major-unit amounts to the state snapshot for clients.
type activityView struct {
	*appActivity.State
	TotalCostDisplay    string  `json:"totalCostDisplay"`
	CurrentShareDisplay *string `json:"currentShareDisplay,omitempty"`
	FinalShareDisplay   *string `json:"finalShareDisplay,omitempty"`
}

type payResponse struct {
	Result  activity.PaymentResult `json:"result"`
	Receipt *payment.Receipt       `json:"receipt,omitempty"`
	State   *activityView          `json:"state"`
}

func viewOf(st *appActivity.State) *activityView {
	v := &activityView{State: st, TotalCostDisplay: formatMinor(st.TotalCost)}
	if st.CurrentShare != nil {
		s := formatMinor(*st.CurrentShare)
		v.CurrentShareDisplay = &s
	}
	if st.FinalShare != nil {
		s := formatMinor(*st.FinalShare)
		v.FinalShareDisplay = &s
	}
	return v
}

func formatMinor(v int64) string {
	return decimal.New(v, -2).StringFixed(2)
}

// minorUnits converts a major-unit amount with at most two decimals.
func minorUnits(d decimal.Decimal) (int64, error) {
	minor := d.Shift(2)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("%w: total_cost has more than two decimal places", activity.ErrInvalidActivity)
	}
	if minor.IsNegative() || minor.GreaterThan(decimal.NewFromInt(1<<53)) {
		return 0, fmt.Errorf("%w: total_cost out of range", activity.ErrInvalidActivity)
	}
	return minor.IntPart(), nil
}

func (s *Server) createActivity(w http.ResponseWriter, r *http.Request) {
	var req activityCreateRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	total, err := minorUnits(req.TotalCost)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	if s.policies != nil {
		if err := s.policies.Validate(req.Visibility); err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
			return
		}
	}
	a, err := s.activitySvc.CreateActivity(r.Context(), appActivity.CreateActivityInput{
		Kind:            activity.Kind(strings.ToUpper(strings.TrimSpace(req.Kind))),
		Title:           req.Title,
		Venue:           req.Venue,
		StartsAt:        req.StartsAt,
		TotalCost:       total,
		Currency:        req.Currency,
		MinParticipants: req.MinParticipants,
		MaxParticipants: req.MaxParticipants,
		PaymentMode:     activity.PaymentMode(strings.ToUpper(strings.TrimSpace(req.PaymentMode))),
		Visibility:      req.Visibility,
		CreatedBy:       organizerFromContext(r.Context()),
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, viewOf(appActivity.StateOf(a)))
}

func (s *Server) listActivities(w http.ResponseWriter, r *http.Request) {
	limit, offset := parseLimitOffset(r, 50, 200)
	var stage *activity.Stage
	if v := r.URL.Query().Get("stage"); v != "" {
		st := activity.Stage(strings.ToUpper(v))
		if activity.StageIndex(st) < 0 {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "unknown stage")
			return
		}
		stage = &st
	}
	list, err := s.activitySvc.ListActivities(r.Context(), stage, limit, offset)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	views := make([]*activityView, 0, len(list))
	for _, a := range list {
		views = append(views, viewOf(appActivity.StateOf(a)))
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"activities": views})
}

func (s *Server) getActivity(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "activityId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid activityId")
		return
	}
	st, err := s.activitySvc.GetState(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, viewOf(st))
}

func (s *Server) listActivityEvents(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "activityId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid activityId")
		return
	}
	limit, offset := parseLimitOffset(r, 50, 200)
	events, err := s.activitySvc.ListEvents(r.Context(), id, limit, offset)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) joinActivity(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "activityId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid activityId")
		return
	}
	var req joinRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
			return
		}
	}
	principal := participantFromContext(r.Context())
	name := principal.DisplayName
	if strings.TrimSpace(req.DisplayName) != "" {
		name = req.DisplayName
	}
	st, err := s.activitySvc.Join(r.Context(), id, activity.Participant{
		ParticipantID: principal.ParticipantID,
		DisplayName:   name,
		Attributes:    principal.Attributes,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, viewOf(st))
}

func (s *Server) leaveActivity(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "activityId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid activityId")
		return
	}
	st, err := s.activitySvc.Leave(r.Context(), id, participantFromContext(r.Context()).ParticipantID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, viewOf(st))
}

func (s *Server) payActivity(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "activityId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid activityId")
		return
	}
	res, err := s.activitySvc.Pay(r.Context(), id, participantFromContext(r.Context()).ParticipantID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, payResponse{
		Result:  res.Result,
		Receipt: res.Receipt,
		State:   viewOf(res.State),
	})
}
