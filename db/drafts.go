package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

func (db *Database) SaveDraft(ctx context.Context, d *Draft) error {
	PrepareDraft(d)
	_, err := db.TimedExec(ctx, "save_draft",
		`INSERT INTO drafts (id, account_id, to_address, subject, body, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.AccountID, d.To, d.Subject, d.Body, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save draft: %w", err)
	}
	return nil
}

// ListDrafts returns an account's drafts, newest first.
func (db *Database) ListDrafts(ctx context.Context, accountID int64) ([]Draft, error) {
	drafts, err := TimedQuery(ctx, db, "list_drafts",
		func(r pgx.CollectableRow) (Draft, error) {
			var d Draft
			err := r.Scan(&d.ID, &d.AccountID, &d.To, &d.Subject, &d.Body, &d.CreatedAt)
			return d, err
		},
		`SELECT id, account_id, to_address, subject, body, created_at
		 FROM drafts WHERE account_id = $1 ORDER BY created_at DESC, id DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list drafts: %w", err)
	}
	if drafts == nil {
		drafts = []Draft{}
	}
	return drafts, nil
}

func (db *Database) DeleteDraft(ctx context.Context, id string) error {
	n, err := db.TimedExec(ctx, "delete_draft", `DELETE FROM drafts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete draft: %w", err)
	}
	if n == 0 {
		return ErrDraftNotFound
	}
	return nil
}
