package db

import "context"

// Store is the persistence contract shared by the PostgreSQL Database and the
// embedded sqlite store. Lookups return the package sentinel errors for
// missing rows.
type Store interface {
	CreateAccount(ctx context.Context, address, userID string) (*Account, error)
	FindAccountByAddress(ctx context.Context, address string) (*Account, error)
	GetAccount(ctx context.Context, id int64) (*Account, error)

	SaveMessage(ctx context.Context, m *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	MarkRead(ctx context.Context, id string) error
	DeleteMessage(ctx context.Context, id string) error
	ListMessages(ctx context.Context, accountID int64, limit, offset int) ([]Message, MessageStats, error)

	SaveDraft(ctx context.Context, d *Draft) error
	ListDrafts(ctx context.Context, accountID int64) ([]Draft, error)
	DeleteDraft(ctx context.Context, id string) error

	CreateDomain(ctx context.Context, userID, name string) (*Domain, error)
	GetDomains(ctx context.Context, userID string) ([]Domain, error)
	UpdateDomainVerification(ctx context.Context, id int64, verified bool) error

	Ping(ctx context.Context) error
	Close()
}

var _ Store = (*Database)(nil)
