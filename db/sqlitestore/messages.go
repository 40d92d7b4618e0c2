package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/migadu/courier/db"
)

const messageColumns = `id, account_id, from_address, to_address, subject, body_text, body_html,
	direction, read, content_hash, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (db.Message, error) {
	var (
		m       db.Message
		created int64
	)
	err := row.Scan(&m.ID, &m.AccountID, &m.From, &m.To, &m.Subject, &m.Text, &m.HTML,
		&m.Direction, &m.Read, &m.ContentHash, &created)
	m.CreatedAt = fromUnix(created)
	return m, err
}

func (s *Store) SaveMessage(ctx context.Context, m *db.Message) error {
	db.PrepareMessage(m)
	_, err := s.exec(ctx, "save_message",
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.AccountID, m.From, m.To, m.Subject, m.Text, m.HTML,
		string(m.Direction), m.Read, m.ContentHash, toUnix(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*db.Message, error) {
	start := time.Now()
	m, err := scanMessage(s.sql.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	observe("get_message", start, err)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, db.ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &m, nil
}

func (s *Store) MarkRead(ctx context.Context, id string) error {
	n, err := s.exec(ctx, "mark_read", `UPDATE messages SET read = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark message read: %w", err)
	}
	if n == 0 {
		return db.ErrMessageNotFound
	}
	return nil
}

func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	n, err := s.exec(ctx, "delete_message", `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	if n == 0 {
		return db.ErrMessageNotFound
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, accountID int64, limit, offset int) ([]db.Message, db.MessageStats, error) {
	limit, offset = db.NormalizePage(limit, offset)

	var stats db.MessageStats
	start := time.Now()
	err := s.sql.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN read = 0 THEN 1 ELSE 0 END), 0)
		 FROM messages WHERE account_id = ?`, accountID).Scan(&stats.Total, &stats.Unread)
	observe("message_stats", start, err)
	if err != nil {
		return nil, stats, fmt.Errorf("failed to count messages: %w", err)
	}

	start = time.Now()
	rows, err := s.sql.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE account_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`, accountID, limit, offset)
	if err != nil {
		observe("list_messages", start, err)
		return nil, stats, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	messages := []db.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			observe("list_messages", start, err)
			return nil, stats, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, m)
	}
	err = rows.Err()
	observe("list_messages", start, err)
	if err != nil {
		return nil, stats, fmt.Errorf("failed to list messages: %w", err)
	}
	return messages, stats, nil
}
