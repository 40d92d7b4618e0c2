// Package delivery sends outbound mail through configured relay providers
// and records every accepted request as either a sent message or a draft.
package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/emersion/go-smtp"
)

// Relay hands one composed message to an external provider and returns the
// identifier under which the provider accepted it.
type Relay interface {
	Send(ctx context.Context, from, to, subject, text, html string) (string, error)
	Close() error
}

// RelayError wraps an error with information about whether it's permanent or temporary.
type RelayError struct {
	Err       error
	Permanent bool // true for 5xx SMTP replies and HTTP 4xx
}

func (e *RelayError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// IsPermanentError reports whether err is a permanent relay failure. SMTP
// 5xx replies are permanent; 4xx replies and network errors are not.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}

	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Permanent
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}

	return false
}

func classify(step string, err error) error {
	return &RelayError{Err: fmt.Errorf("%s: %w", step, err), Permanent: IsPermanentError(err)}
}
