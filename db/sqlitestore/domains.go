package sqlitestore

import (
	"context"
	"fmt"
	"time"

	"github.com/migadu/courier/db"
)

func (s *Store) CreateDomain(ctx context.Context, userID, name string) (*db.Domain, error) {
	name = db.NormalizeDomainName(name)
	now := fromUnix(toUnix(time.Now()))
	start := time.Now()
	res, err := s.sql.ExecContext(ctx,
		`INSERT INTO domains (user_id, name, verified, created_at) VALUES (?, ?, 0, ?)`,
		userID, name, toUnix(now))
	observe("create_domain", start, err)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, db.ErrDuplicateDomain
		}
		return nil, fmt.Errorf("failed to create domain: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to create domain: %w", err)
	}
	return &db.Domain{ID: id, UserID: userID, Name: name, CreatedAt: now}, nil
}

func (s *Store) GetDomains(ctx context.Context, userID string) ([]db.Domain, error) {
	start := time.Now()
	rows, err := s.sql.QueryContext(ctx,
		`SELECT id, user_id, name, verified, created_at FROM domains
		 WHERE user_id = ? ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		observe("get_domains", start, err)
		return nil, fmt.Errorf("failed to get domains: %w", err)
	}
	defer rows.Close()

	domains := []db.Domain{}
	for rows.Next() {
		var (
			d       db.Domain
			created int64
		)
		if err := rows.Scan(&d.ID, &d.UserID, &d.Name, &d.Verified, &created); err != nil {
			observe("get_domains", start, err)
			return nil, fmt.Errorf("failed to scan domain: %w", err)
		}
		d.CreatedAt = fromUnix(created)
		domains = append(domains, d)
	}
	err = rows.Err()
	observe("get_domains", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to get domains: %w", err)
	}
	return domains, nil
}

func (s *Store) UpdateDomainVerification(ctx context.Context, id int64, verified bool) error {
	n, err := s.exec(ctx, "update_domain_verification",
		`UPDATE domains SET verified = ? WHERE id = ?`, verified, id)
	if err != nil {
		return fmt.Errorf("failed to update domain verification: %w", err)
	}
	if n == 0 {
		return db.ErrDomainNotFound
	}
	return nil
}
