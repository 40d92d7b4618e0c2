package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/migadu/courier/db"
)

func (s *Store) CreateAccount(ctx context.Context, address, userID string) (*db.Account, error) {
	address = db.NormalizeAddress(address)
	now := time.Now().UTC()
	start := time.Now()
	res, err := s.sql.ExecContext(ctx,
		`INSERT INTO accounts (address, user_id, created_at) VALUES (?, ?, ?)`,
		address, userID, toUnix(now))
	observe("create_account", start, err)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, db.ErrDuplicateAccount
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return &db.Account{ID: id, Address: address, UserID: userID, CreatedAt: fromUnix(toUnix(now))}, nil
}

func (s *Store) findAccount(ctx context.Context, operation, where string, arg any) (*db.Account, error) {
	var (
		a       db.Account
		created int64
	)
	start := time.Now()
	err := s.sql.QueryRowContext(ctx,
		`SELECT id, address, user_id, created_at FROM accounts WHERE `+where, arg).
		Scan(&a.ID, &a.Address, &a.UserID, &created)
	observe(operation, start, err)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, db.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	a.CreatedAt = fromUnix(created)
	return &a, nil
}

func (s *Store) FindAccountByAddress(ctx context.Context, address string) (*db.Account, error) {
	return s.findAccount(ctx, "find_account_by_address", "address = ?", db.NormalizeAddress(address))
}

func (s *Store) GetAccount(ctx context.Context, id int64) (*db.Account, error) {
	return s.findAccount(ctx, "get_account", "id = ?", id)
}
