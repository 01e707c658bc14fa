package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/zjrosen/sessiond/internal/domain"
)

// InsertMessage appends a SessionMessage row. Insertion-only; never updated.
func (s *Store) InsertMessage(ctx context.Context, sessionID, role, content string, ts time.Time) error {
	return s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			"INSERT INTO messages (session_id, role, content, timestamp) VALUES (?, ?, ?, ?)",
			sessionID, role, content, ts.Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return nil
	})
}

// ListMessages returns every message for sessionID in insertion order.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]*domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, session_id, role, content, timestamp FROM messages WHERE session_id = ? ORDER BY id ASC",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		var (
			m  domain.Message
			ts int64
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		m.Timestamp = time.Unix(ts, 0)
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}
