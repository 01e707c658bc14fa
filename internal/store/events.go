package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/zjrosen/sessiond/internal/domain"
)

// InsertSessionEvent inserts a durable history row. Duplicate
// (session_id, run_id, seq) inserts are idempotent no-ops (H2); rows are
// never mutated after insert (H3).
func (s *Store) InsertSessionEvent(ctx context.Context, sessionID, runID string, seq int64, eventType string, payload []byte, ts time.Time) error {
	return s.withImmediateTx(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO session_events (session_id, run_id, seq, event_type, payload_json, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id, run_id, seq) DO NOTHING`,
			sessionID, runID, seq, eventType, payload, ts.Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert session event: %w", err)
		}
		return nil
	})
}

// ListSessionHistory returns every event for sessionID ordered by
// (timestamp, seq, id) — deterministic across any number of resume runs (H4).
func (s *Store) ListSessionHistory(ctx context.Context, sessionID string) ([]*domain.HistoryEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, run_id, seq, event_type, payload_json, timestamp
		FROM session_events
		WHERE session_id = ?
		ORDER BY timestamp ASC, seq ASC, id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list session history: %w", err)
	}
	defer rows.Close()

	var events []*domain.HistoryEvent
	for rows.Next() {
		var (
			e  domain.HistoryEvent
			ts int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.RunID, &e.Seq, &e.EventType, &e.Payload, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan session event row: %w", err)
		}
		e.Timestamp = time.Unix(ts, 0)
		events = append(events, &e)
	}
	return events, rows.Err()
}
