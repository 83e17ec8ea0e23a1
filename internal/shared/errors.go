package shared

import "errors"

// DomainError is a failure surfaced to callers with a stable code.
type DomainError struct {
	Code    string
	Message string
}

func (e *DomainError) Error() string {
	return e.Message
}

var (
	// ErrValidation indicates malformed or missing input, rejected before any transaction starts.
	ErrValidation = &DomainError{Code: "VALIDATION_ERROR", Message: "validation failed"}
	// ErrInvalidStateTransition indicates the entity is not in the required source state.
	ErrInvalidStateTransition = &DomainError{Code: "INVALID_STATE_TRANSITION", Message: "invalid state transition"}
	// ErrPermissionDenied indicates a failed capability check.
	ErrPermissionDenied = &DomainError{Code: "PERMISSION_DENIED", Message: "permission denied"}
	// ErrLineNotFound indicates a delivery line could not be matched to a purchase order line.
	ErrLineNotFound = &DomainError{Code: "LINE_NOT_FOUND", Message: "line not found"}
	// ErrNotFound indicates the referenced entity does not exist.
	ErrNotFound = &DomainError{Code: "ENTITY_NOT_FOUND", Message: "not found"}
	// ErrDeliveryLocked indicates a mutation on a delivery whose over-delivery was rejected.
	ErrDeliveryLocked = &DomainError{Code: "DELIVERY_LOCKED", Message: "delivery is locked after over-delivery rejection"}
	// ErrConcurrentModification indicates the operation lost a race on shared quantity state.
	ErrConcurrentModification = &DomainError{Code: "CONCURRENT_MODIFICATION", Message: "concurrent modification"}
	// ErrRequiredFieldMissing indicates a conditionally required field was not supplied.
	ErrRequiredFieldMissing = &DomainError{Code: "REQUIRED_FIELD_MISSING", Message: "required field missing"}
	// ErrAlreadyPosted indicates the delivery is no longer in a postable state.
	ErrAlreadyPosted = &DomainError{Code: "ALREADY_POSTED", Message: "delivery already posted"}
	// ErrOverDeliveryNotApproved indicates an over-delivery line has not been approved.
	ErrOverDeliveryNotApproved = &DomainError{Code: "OVER_DELIVERY_NOT_APPROVED", Message: "over-delivery requires approval"}
)

// ErrorCode returns the stable code carried by err, or INTERNAL_ERROR.
func ErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return "INTERNAL_ERROR"
}

// UserSafeMessage returns a message suitable for API consumers.
func UserSafeMessage(err error) string {
	if err == nil {
		return ""
	}
	var de *DomainError
	if errors.As(err, &de) {
		return err.Error()
	}
	return "internal error"
}
