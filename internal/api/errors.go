package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/kijumbe/ledger-service/internal/app"
	"github.com/kijumbe/ledger-service/internal/domain"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

// statusFor maps an error category to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, app.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, app.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrStateConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrExternalDependency):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err with its category code. Uncategorized errors
// are logged and hidden from the caller.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, endpoint string, err error) {
	status := statusFor(err)
	code := domain.CategoryName(err)
	message := err.Error()

	switch {
	case errors.Is(err, domain.ErrDataIntegrity):
		logger.Error("request hit a data integrity violation", "endpoint", endpoint, "error", err)
	case status >= http.StatusInternalServerError:
		logger.Error("request failed", "endpoint", endpoint, "category", code, "error", err)
		if code == "internal" {
			message = "internal server error"
		}
	default:
		logger.Warn("request rejected", "endpoint", endpoint, "category", code, "error", err)
	}
	writeError(w, status, code, message)
}
