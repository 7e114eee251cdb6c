package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS call_history (
	id               TEXT PRIMARY KEY,
	session_id       TEXT NOT NULL,
	caller_id        TEXT NOT NULL,
	receiver_id      TEXT NOT NULL,
	call_type        TEXT NOT NULL,
	outcome          TEXT NOT NULL,
	started_at       TIMESTAMP NOT NULL,
	duration_seconds INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_call_history_caller   ON call_history(caller_id);
CREATE INDEX IF NOT EXISTS idx_call_history_receiver ON call_history(receiver_id);
`

// SQLiteRepository is the file-backed Repository implementation.
type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Save(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO call_history
			(id, session_id, caller_id, receiver_id, call_type, outcome, started_at, duration_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.CallerID, rec.ReceiverID, rec.Type,
		string(rec.Outcome), rec.StartedAt.UTC(), int64(rec.Duration.Seconds()),
	)
	if err != nil {
		return fmt.Errorf("failed to save call record: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ListByParticipant(ctx context.Context, userID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, caller_id, receiver_id, call_type, outcome, started_at, duration_seconds
		FROM call_history
		WHERE caller_id = ? OR receiver_id = ?
		ORDER BY started_at DESC
		LIMIT ?`,
		userID, userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list call records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var outcome string
		var startedAt time.Time
		var seconds int64
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.CallerID, &rec.ReceiverID,
			&rec.Type, &outcome, &startedAt, &seconds); err != nil {
			return nil, fmt.Errorf("failed to scan call record: %w", err)
		}
		rec.Outcome = Outcome(outcome)
		rec.StartedAt = startedAt
		rec.Duration = time.Duration(seconds) * time.Second
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}
