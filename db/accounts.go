package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// isUniqueViolation reports a PostgreSQL unique_violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func scanAccount(row rowScanner) (*Account, error) {
	var a Account
	if err := row.Scan(&a.ID, &a.Address, &a.UserID, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAccount provisions a local address, stored in NormalizeAddress form.
func (db *Database) CreateAccount(ctx context.Context, address, userID string) (*Account, error) {
	address = NormalizeAddress(address)
	row := db.TimedWriteRow(ctx, "create_account",
		`INSERT INTO accounts (address, user_id) VALUES ($1, $2)
		 RETURNING id, address, user_id, created_at`, address, userID)
	a, err := scanAccount(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateAccount
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return a, nil
}

// FindAccountByAddress looks up an account by its normalized address.
func (db *Database) FindAccountByAddress(ctx context.Context, address string) (*Account, error) {
	row := db.TimedQueryRow(ctx, "find_account_by_address",
		`SELECT id, address, user_id, created_at FROM accounts WHERE address = $1`, NormalizeAddress(address))
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	return a, nil
}

func (db *Database) GetAccount(ctx context.Context, id int64) (*Account, error) {
	row := db.TimedQueryRow(ctx, "get_account",
		`SELECT id, address, user_id, created_at FROM accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}
