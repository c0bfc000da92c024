// Package errs defines the failure taxonomy shared by every tool handler.
package errs

import (
	"errors"
)

// Code is the wire name of a failure class.
type Code string

const (
	CodeInvalidTime     Code = "InvalidTime"
	CodeInvalidArgument Code = "InvalidArgument"
	CodeNotFound        Code = "NotFound"
	CodeForbidden       Code = "Forbidden"
	CodeAlreadyTerminal Code = "AlreadyTerminal"
	CodeQuotaExceeded   Code = "QuotaExceeded"
	CodeDeliveryFailure Code = "DeliveryFailure"
	CodeInternal        Code = "Internal"
)

var (
	ErrInvalidTime     = errors.New("invalid time")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrAlreadyTerminal = errors.New("already in a terminal state")
	ErrQuotaExceeded   = errors.New("daily quota exceeded")
	ErrDeliveryFailure = errors.New("delivery failed")
)

var codes = []struct {
	err  error
	code Code
}{
	{ErrInvalidTime, CodeInvalidTime},
	{ErrInvalidArgument, CodeInvalidArgument},
	{ErrNotFound, CodeNotFound},
	{ErrForbidden, CodeForbidden},
	{ErrAlreadyTerminal, CodeAlreadyTerminal},
	{ErrQuotaExceeded, CodeQuotaExceeded},
	{ErrDeliveryFailure, CodeDeliveryFailure},
}

// CodeOf maps an error chain onto its failure class.
// Anything outside the taxonomy is Internal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// IsCallerError reports whether err is a contract violation the caller caused,
// as opposed to an infrastructure problem.
func IsCallerError(err error) bool {
	switch CodeOf(err) {
	case CodeInternal, CodeDeliveryFailure, "":
		return false
	}
	return true
}
