package model

import (
	"errors"
)

// ErrInvalidArgument marks malformed input from a caller. It is a programmer
// error and is never recovered from.
var ErrInvalidArgument = errors.New("invalid argument")

// BusinessError is a rule violation. It is surfaced verbatim, never retried
// and never leaves a mutation behind. Two business errors match under
// errors.Is when their codes are equal.
type BusinessError struct {
	Code    string
	Message string
}

func (e *BusinessError) Error() string {
	return e.Message
}

func (e *BusinessError) Is(target error) bool {
	var t *BusinessError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithMessage returns an error with the same code and a more specific message.
func (e *BusinessError) WithMessage(msg string) *BusinessError {
	return &BusinessError{Code: e.Code, Message: msg}
}

var (
	ErrNotFound                = &BusinessError{Code: "not_found", Message: "not found"}
	ErrAlreadyCheckedIn        = &BusinessError{Code: "already_checked_in", Message: "child is already checked in"}
	ErrNotCheckedIn            = &BusinessError{Code: "not_checked_in", Message: "child is not checked in"}
	ErrAtCapacity              = &BusinessError{Code: "at_capacity", Message: "service is at capacity"}
	ErrNotEligible             = &BusinessError{Code: "not_eligible", Message: "child is not eligible for this service"}
	ErrServiceClosed           = &BusinessError{Code: "service_closed", Message: "service is not accepting check-ins"}
	ErrRequestAlreadyFinalized = &BusinessError{Code: "request_already_finalized", Message: "request already finalized"}
	ErrRequestExpired          = &BusinessError{Code: "request_expired", Message: "request has expired"}
	ErrDuplicatePendingRequest = &BusinessError{Code: "duplicate_pending_request", Message: "a pending request already exists for this child and service"}
)

var businessErrors = []*BusinessError{
	ErrNotFound,
	ErrAlreadyCheckedIn,
	ErrNotCheckedIn,
	ErrAtCapacity,
	ErrNotEligible,
	ErrServiceClosed,
	ErrRequestAlreadyFinalized,
	ErrRequestExpired,
	ErrDuplicatePendingRequest,
}

// BusinessErrorByCode maps a wire code back to its business error. Unknown
// codes yield nil.
func BusinessErrorByCode(code, msg string) *BusinessError {
	for _, e := range businessErrors {
		if e.Code == code {
			if msg == "" {
				return e
			}
			return e.WithMessage(msg)
		}
	}
	return nil
}

// IsBusiness reports whether err carries a business rule violation.
func IsBusiness(err error) bool {
	var be *BusinessError
	return errors.As(err, &be)
}

// AsBusiness extracts the business error from err, if any.
func AsBusiness(err error) (*BusinessError, bool) {
	var be *BusinessError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
