package consts

import "errors"

var (
	ErrInternalError    = errors.New("internal error")
	ErrMalformedMessage = errors.New("malformed message")
	ErrMessageTooLarge  = errors.New("message too large")

	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidAddress = errors.New("invalid address")
	ErrEmptyDomain    = errors.New("empty domain")
	ErrInvalidDomain  = errors.New("invalid domain")

	// ErrResolutionUnavailable is returned when an address could not be checked
	// against the store. It is distinct from a not-found result.
	ErrResolutionUnavailable = errors.New("account resolution unavailable")
	ErrStoreUnavailable      = errors.New("store unavailable")

	ErrUnknownProvider = errors.New("unknown relay provider")
	ErrServerClosed    = errors.New("server closed")
)
