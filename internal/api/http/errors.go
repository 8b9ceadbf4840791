package httpapi

import (
	"errors"
	"net/http"

	appAuth "github.com/civita/formation/internal/application/auth"
	"github.com/civita/formation/internal/domain/activity"
	"github.com/civita/formation/internal/domain/payment"
)

// respondServiceError maps domain errors onto the error envelope. An
// inconsistent settlement is an operator concern and is never described to
// the caller.
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, activity.ErrActivityNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, activity.ErrCapacityExceeded):
		respondError(w, http.StatusConflict, "CAPACITY_EXCEEDED", err.Error())
	case errors.Is(err, activity.ErrDuplicateParticipant):
		respondError(w, http.StatusConflict, "DUPLICATE_PARTICIPANT", err.Error())
	case errors.Is(err, activity.ErrInvalidStageTransition):
		respondError(w, http.StatusConflict, "INVALID_STAGE", err.Error())
	case errors.Is(err, activity.ErrConcurrentUpdate):
		respondError(w, http.StatusConflict, "CONCURRENT_UPDATE", err.Error())
	case errors.Is(err, activity.ErrVisibilityDenied):
		respondError(w, http.StatusForbidden, "VISIBILITY_DENIED", err.Error())
	case errors.Is(err, activity.ErrNotAParticipant):
		respondError(w, http.StatusForbidden, "NOT_A_PARTICIPANT", err.Error())
	case errors.Is(err, payment.ErrPaymentGatewayFailure):
		respondError(w, http.StatusPaymentRequired, "PAYMENT_FAILED", err.Error())
	case errors.Is(err, activity.ErrInvalidActivity):
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
	case errors.Is(err, appAuth.ErrUnauthenticated):
		respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
	case errors.Is(err, appAuth.ErrForbidden):
		respondError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}
