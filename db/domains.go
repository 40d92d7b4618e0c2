package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// NormalizeDomainName trims, drops a trailing dot and lowercases a domain.
func NormalizeDomainName(name string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(name), "."))
}

// NormalizeAddress trims an address and lowercases its domain, the part after
// the last '@'. The local part is kept as given.
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	at := strings.LastIndexByte(address, '@')
	if at < 0 {
		return address
	}
	return address[:at+1] + NormalizeDomainName(address[at+1:])
}

// CreateDomain registers name for userID. Names are unique across users.
func (db *Database) CreateDomain(ctx context.Context, userID, name string) (*Domain, error) {
	row := db.TimedWriteRow(ctx, "create_domain",
		`INSERT INTO domains (user_id, name) VALUES ($1, $2)
		 RETURNING id, user_id, name, verified, created_at`, userID, NormalizeDomainName(name))
	var d Domain
	if err := row.Scan(&d.ID, &d.UserID, &d.Name, &d.Verified, &d.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateDomain
		}
		return nil, fmt.Errorf("failed to create domain: %w", err)
	}
	return &d, nil
}

func (db *Database) GetDomains(ctx context.Context, userID string) ([]Domain, error) {
	domains, err := TimedQuery(ctx, db, "get_domains",
		func(r pgx.CollectableRow) (Domain, error) {
			var d Domain
			err := r.Scan(&d.ID, &d.UserID, &d.Name, &d.Verified, &d.CreatedAt)
			return d, err
		},
		`SELECT id, user_id, name, verified, created_at FROM domains
		 WHERE user_id = $1 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get domains: %w", err)
	}
	if domains == nil {
		domains = []Domain{}
	}
	return domains, nil
}

func (db *Database) UpdateDomainVerification(ctx context.Context, id int64, verified bool) error {
	n, err := db.TimedExec(ctx, "update_domain_verification",
		`UPDATE domains SET verified = $2 WHERE id = $1`, id, verified)
	if err != nil {
		return fmt.Errorf("failed to update domain verification: %w", err)
	}
	if n == 0 {
		return ErrDomainNotFound
	}
	return nil
}
