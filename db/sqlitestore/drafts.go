package sqlitestore

import (
	"context"
	"fmt"
	"time"

	"github.com/migadu/courier/db"
)

func (s *Store) SaveDraft(ctx context.Context, d *db.Draft) error {
	db.PrepareDraft(d)
	_, err := s.exec(ctx, "save_draft",
		`INSERT INTO drafts (id, account_id, to_address, subject, body, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, d.AccountID, d.To, d.Subject, d.Body, toUnix(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save draft: %w", err)
	}
	return nil
}

func (s *Store) ListDrafts(ctx context.Context, accountID int64) ([]db.Draft, error) {
	start := time.Now()
	rows, err := s.sql.QueryContext(ctx,
		`SELECT id, account_id, to_address, subject, body, created_at FROM drafts
		 WHERE account_id = ? ORDER BY created_at DESC, rowid DESC`, accountID)
	if err != nil {
		observe("list_drafts", start, err)
		return nil, fmt.Errorf("failed to list drafts: %w", err)
	}
	defer rows.Close()

	drafts := []db.Draft{}
	for rows.Next() {
		var (
			d       db.Draft
			created int64
		)
		if err := rows.Scan(&d.ID, &d.AccountID, &d.To, &d.Subject, &d.Body, &created); err != nil {
			observe("list_drafts", start, err)
			return nil, fmt.Errorf("failed to scan draft: %w", err)
		}
		d.CreatedAt = fromUnix(created)
		drafts = append(drafts, d)
	}
	err = rows.Err()
	observe("list_drafts", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list drafts: %w", err)
	}
	return drafts, nil
}

func (s *Store) DeleteDraft(ctx context.Context, id string) error {
	n, err := s.exec(ctx, "delete_draft", `DELETE FROM drafts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete draft: %w", err)
	}
	if n == 0 {
		return db.ErrDraftNotFound
	}
	return nil
}
