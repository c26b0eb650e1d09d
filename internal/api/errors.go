package api

import (
	"encoding/json"
	"errors"
	"net/http"

	apperrors "github.com/chess-ingest/internal/errors"
	"github.com/chess-ingest/internal/logging"
	"github.com/chess-ingest/internal/storage"
	"github.com/chess-ingest/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		logging.WithError(err).Warn("Failed to encode error response")
	}
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			logging.WithError(err).Warn("Failed to encode response")
		}
	}
}

// Common error codes
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// mapServiceError maps store and service errors to HTTP status codes.
func mapServiceError(err error) (int, string, string) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, ErrCodeNotFound, "Resource not found"
	case errors.Is(err, storage.ErrInvalidTransition):
		return http.StatusConflict, ErrCodeConflict, "Resource is not in a state that allows this operation"
	}

	var catErr *apperrors.CategorizedError
	if errors.As(err, &catErr) && catErr.Kind == types.ErrorValidation {
		return http.StatusBadRequest, ErrCodeInvalidInput, catErr.Message
	}

	return http.StatusInternalServerError, ErrCodeInternalError, "An internal error occurred"
}

// respondServiceError logs unexpected errors and sends the mapped response.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := mapServiceError(err)
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).WithError(err).WithField("path", r.URL.Path).Error("Request failed")
	}
	respondError(w, status, code, message, nil)
}
