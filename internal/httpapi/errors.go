package httpapi

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/auth-platform/platform/dbgate-service/internal/domain"
	"github.com/go-chi/chi/v5/middleware"
)

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Error         string `json:"error"`
	Code          string `json:"code,omitempty"`
	Message       string `json:"message,omitempty"`
	Target        string `json:"target,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// StatusFor maps an error code to an HTTP status.
func StatusFor(code domain.ErrorCode) int {
	switch code {
	case domain.ErrAdmissionDenied:
		return http.StatusTooManyRequests
	case domain.ErrUnknownTarget:
		return http.StatusNotFound
	case domain.ErrProbeTimeout:
		return http.StatusGatewayTimeout
	case domain.ErrPoolExhausted, domain.ErrTargetUnhealthy, domain.ErrCounterStoreUnavailable, domain.ErrPoolClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes a standardized error response.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	correlationID := middleware.GetReqID(r.Context())

	var re *domain.ResilienceError
	if errors.As(err, &re) {
		if re.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(re.RetryAfter.Seconds()))))
		}
		writeJSONError(w, StatusFor(re.Code), ErrorResponse{
			Error:         string(re.Code),
			Code:          string(re.Code),
			Message:       re.Message,
			Target:        re.Target,
			CorrelationID: correlationID,
		})
		return
	}

	writeJSONError(w, http.StatusInternalServerError, ErrorResponse{
		Error:         "internal_error",
		Message:       "An internal error occurred",
		CorrelationID: correlationID,
	})
}

// WriteBadRequest writes a 400 Bad Request error response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, message string) {
	writeJSONError(w, http.StatusBadRequest, ErrorResponse{
		Error:         http.StatusText(http.StatusBadRequest),
		Message:       message,
		CorrelationID: middleware.GetReqID(r.Context()),
	})
}

func writeJSONError(w http.ResponseWriter, status int, response ErrorResponse) {
	writeJSON(w, status, response)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
