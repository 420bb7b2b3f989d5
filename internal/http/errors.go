package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/ride-dispatch/internal/models"
)

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps the dispatch error taxonomy onto HTTP.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrInvalidCoordinates):
		return http.StatusBadRequest, "invalid_coordinates"
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, models.ErrReassignmentLimitExceeded):
		return http.StatusUnprocessableEntity, "reassignment_limit_exceeded"
	case errors.Is(err, models.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, models.ErrNoDriversAvailable):
		return http.StatusServiceUnavailable, "no_drivers_available"
	case errors.Is(err, models.ErrActorUnreachable):
		return http.StatusServiceUnavailable, "actor_unreachable"
	case errors.Is(err, models.ErrDriverSearchFailed):
		return http.StatusServiceUnavailable, "driver_search_failed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Code: "bad_request"})
}
