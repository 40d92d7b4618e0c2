package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const messageColumns = `id, account_id, from_address, to_address, subject, body_text, body_html,
	direction, read, content_hash, created_at`

func scanMessage(row rowScanner) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.AccountID, &m.From, &m.To, &m.Subject, &m.Text, &m.HTML,
		&m.Direction, &m.Read, &m.ContentHash, &m.CreatedAt)
	return m, err
}

// SaveMessage inserts m, assigning an id and timestamp when missing.
func (db *Database) SaveMessage(ctx context.Context, m *Message) error {
	PrepareMessage(m)
	_, err := db.TimedExec(ctx, "save_message",
		`INSERT INTO messages (`+messageColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.ID, m.AccountID, m.From, m.To, m.Subject, m.Text, m.HTML,
		m.Direction, m.Read, m.ContentHash, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

func (db *Database) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := db.TimedQueryRow(ctx, "get_message",
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &m, nil
}

// MarkRead sets the read flag. Marking an already read message succeeds.
func (db *Database) MarkRead(ctx context.Context, id string) error {
	n, err := db.TimedExec(ctx, "mark_read", `UPDATE messages SET read = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark message read: %w", err)
	}
	if n == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func (db *Database) DeleteMessage(ctx context.Context, id string) error {
	n, err := db.TimedExec(ctx, "delete_message", `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	if n == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// ListMessages returns one page of an account's messages, newest first, with
// counts over all of the account's messages.
func (db *Database) ListMessages(ctx context.Context, accountID int64, limit, offset int) ([]Message, MessageStats, error) {
	limit, offset = NormalizePage(limit, offset)

	var stats MessageStats
	row := db.TimedQueryRow(ctx, "message_stats",
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE NOT read) FROM messages WHERE account_id = $1`, accountID)
	if err := row.Scan(&stats.Total, &stats.Unread); err != nil {
		return nil, stats, fmt.Errorf("failed to count messages: %w", err)
	}

	messages, err := TimedQuery(ctx, db, "list_messages",
		func(r pgx.CollectableRow) (Message, error) { return scanMessage(r) },
		`SELECT `+messageColumns+` FROM messages WHERE account_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, accountID, limit, offset)
	if err != nil {
		return nil, stats, fmt.Errorf("failed to list messages: %w", err)
	}
	if messages == nil {
		messages = []Message{}
	}
	return messages, stats, nil
}
