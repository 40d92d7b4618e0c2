package db

import "errors"

// Sentinel errors for database operations
var (
	// ErrAccountNotFound indicates that no account has the given id or address
	ErrAccountNotFound = errors.New("account not found")

	// ErrMessageNotFound indicates that a message was not found in the database
	ErrMessageNotFound = errors.New("message not found")

	// ErrDraftNotFound indicates that a draft was not found in the database
	ErrDraftNotFound = errors.New("draft not found")

	// ErrDomainNotFound indicates that a domain record was not found in the database
	ErrDomainNotFound = errors.New("domain not found")

	// ErrDuplicateAccount indicates that an account with the given address already exists
	ErrDuplicateAccount = errors.New("account already exists")

	// ErrDuplicateDomain indicates that the domain is already registered
	ErrDuplicateDomain = errors.New("domain already exists")
)
