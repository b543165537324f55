package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/fjod/go_pos/internal/carts"
	"github.com/fjod/go_pos/internal/repository"
	"github.com/fjod/go_pos/internal/service"
	"github.com/fjod/go_pos/pkg/logger"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Error codes shared with the device client.
const (
	CodeInvalidRequest     = "invalid_request"
	CodeValidation         = "validation_error"
	CodeNotFound           = "not_found"
	CodeStaleReport        = "stale_report"
	CodeConflict           = "conflict"
	CodeServiceUnavailable = "service_unavailable"
	CodeTimeout            = "timeout"
	CodeInternal           = "internal_error"
)

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// handleError maps service and repository errors to HTTP status codes. Unmapped errors are
// logged and hidden behind a 500.
func handleError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
	var status int
	var code string

	switch {
	case errors.Is(err, service.ErrValidation),
		errors.Is(err, carts.ErrInvalidQuantity),
		errors.Is(err, carts.ErrInvalidDiscount),
		errors.Is(err, carts.ErrProductUnavailable),
		errors.Is(err, carts.ErrLocationMismatch):
		status, code = http.StatusBadRequest, CodeValidation
	case errors.Is(err, service.ErrIntentNotFound),
		errors.Is(err, repository.ErrOrderNotFound),
		errors.Is(err, repository.ErrTerminalConfigNotFound),
		errors.Is(err, carts.ErrCartNotFound),
		errors.Is(err, carts.ErrItemNotFound):
		status, code = http.StatusNotFound, CodeNotFound
	case errors.Is(err, service.ErrStaleReport):
		status, code = http.StatusConflict, CodeStaleReport
	case errors.Is(err, service.ErrConcurrentUpdate),
		errors.Is(err, service.ErrIllegalTransition):
		status, code = http.StatusConflict, CodeConflict
	case errors.Is(err, service.ErrMachineClosed):
		status, code = http.StatusServiceUnavailable, CodeServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, CodeTimeout
	default:
		log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		respondError(w, http.StatusInternalServerError, CodeInternal, "internal server error")
		return
	}

	respondError(w, status, code, err.Error())
}
