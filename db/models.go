package db

import (
	"time"

	"github.com/google/uuid"
)

// Direction tells whether a message was received by or sent from an account.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// Account is a local mail identity. Address is stored normalized: the domain
// is lowercased and the local part is kept as provisioned.
type Account struct {
	ID        int64     `json:"id"`
	Address   string    `json:"address"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is mail stored for an account. Only Read changes after insert.
type Message struct {
	ID          string    `json:"id"`
	AccountID   int64     `json:"account_id"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Subject     string    `json:"subject"`
	Text        string    `json:"text"`
	HTML        *string   `json:"html"`
	Direction   Direction `json:"direction"`
	Read        bool      `json:"read"`
	ContentHash string    `json:"content_hash,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// MessageStats counts all messages of an account, not only a listed page.
type MessageStats struct {
	Total  int64 `json:"total"`
	Unread int64 `json:"unread"`
}

// Draft is an unsent composition.
type Draft struct {
	ID        string    `json:"id"`
	AccountID int64     `json:"account_id"`
	To        string    `json:"to"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Domain is a domain registered by a user, with its verification flag.
type Domain struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"domain"`
	Verified  bool      `json:"verified"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// NewID returns a random identifier for messages and drafts.
func NewID() string {
	return uuid.NewString()
}

// NormalizePage applies the default and maximum page size and clamps offset.
func NormalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// PrepareMessage fills the id and timestamp of m when they are unset.
func PrepareMessage(m *Message) {
	if m.ID == "" {
		m.ID = NewID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
}

// PrepareDraft fills the id and timestamp of d when they are unset.
func PrepareDraft(d *Draft) {
	if d.ID == "" {
		d.ID = NewID()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
}
