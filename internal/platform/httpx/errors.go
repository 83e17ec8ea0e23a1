// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

// Transport-level sentinel errors.
var (
	ErrBadRequest   = errors.New("malformed request")
	ErrUnauthorized = errors.New("unauthorized")
	ErrConflict     = errors.New("conflict")
)

// StatusFor maps a domain error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, shared.ErrValidation),
		errors.Is(err, shared.ErrRequiredFieldMissing):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, shared.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, shared.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict),
		errors.Is(err, shared.ErrIdempotencyConflict),
		errors.Is(err, shared.ErrInvalidStateTransition),
		errors.Is(err, shared.ErrConcurrentModification),
		errors.Is(err, shared.ErrAlreadyPosted),
		errors.Is(err, shared.ErrOverDeliveryNotApproved):
		return http.StatusConflict
	case errors.Is(err, shared.ErrLineNotFound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, shared.ErrDeliveryLocked):
		return http.StatusLocked
	default:
		return http.StatusInternalServerError
	}
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	code := shared.ErrorCode(err)
	detail := shared.UserSafeMessage(err)
	switch {
	case errors.Is(err, ErrBadRequest):
		code, detail = "BAD_REQUEST", err.Error()
	case errors.Is(err, ErrUnauthorized):
		code, detail = "UNAUTHORIZED", err.Error()
	case errors.Is(err, shared.ErrIdempotencyConflict), errors.Is(err, ErrConflict):
		code, detail = "CONFLICT", err.Error()
	}
	if status == http.StatusInternalServerError {
		detail = ""
	}
	JSON(w, status, ProblemDetail{
		Title:  http.StatusText(status),
		Status: status,
		Code:   code,
		Detail: detail,
	})
}
