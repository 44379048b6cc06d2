package http

import (
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/cinema-seat-booking/internal/domain"
)

// errorBody is the JSON shape of every failed request. Kind is stable and meant
// for clients to branch on; Message is for humans.
type errorBody struct {
	Kind             string   `json:"kind"`
	Message          string   `json:"message"`
	ConflictingSeats []string `json:"conflicting_seats,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *domain.ConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, errorBody{Kind: "Conflict", Message: conflict.Error(), ConflictingSeats: conflict.Seats})
		return
	}

	status, kind := classify(err)
	if status >= http.StatusInternalServerError {
		loggerFrom(r.Context()).WithError(err).Error("request failed")
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, errorBody{Kind: kind, Message: err.Error()})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrLockExpired):
		return http.StatusGone, "LockExpired"
	case errors.Is(err, domain.ErrLockNotFound):
		return http.StatusNotFound, "LockNotFound"
	case errors.Is(err, domain.ErrNotOwner):
		return http.StatusForbidden, "NotOwner"
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, "InvalidInput"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "NotFound"
	case errors.Is(err, domain.ErrPaymentFailed):
		return http.StatusPaymentRequired, "PaymentFailed"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "InvalidTransition"
	case errors.Is(err, domain.ErrShowtimeHalted), errors.Is(err, domain.ErrIntegrity):
		return http.StatusServiceUnavailable, "ShowtimeHalted"
	case errors.Is(err, domain.ErrSerializationFailure):
		return http.StatusServiceUnavailable, "Retry"
	}
	return http.StatusInternalServerError, "Internal"
}
