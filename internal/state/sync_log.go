package state

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/inpertio/inpertio/internal/gitmirror"
)

// DefaultSyncLogRetention is how many sync_log rows are kept.
const DefaultSyncLogRetention = 500

// SyncEntry is one row of the sync log.
type SyncEntry struct {
	ID         int64     `json:"id"`
	Op         string    `json:"op"`
	Status     string    `json:"status"`
	Branches   int       `json:"branches"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	LastError  string    `json:"last_error,omitempty"`
}

// SyncLog stores mirror sync outcomes.
type SyncLog struct {
	db        *sql.DB
	retention int
	logger    *slog.Logger
}

var _ gitmirror.SyncRecorder = (*SyncLog)(nil)

func NewSyncLog(db *sql.DB, logger *slog.Logger) *SyncLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncLog{db: db, retention: DefaultSyncLogRetention, logger: logger}
}

// RecordSync appends o and trims the log to the retention limit. Failures are
// logged, never returned: the log is diagnostic only.
func (s *SyncLog) RecordSync(ctx context.Context, o gitmirror.SyncOutcome) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.Append(ctx, o); err != nil {
		s.logger.Warn("failed to record sync outcome", "error", err)
	}
}

// Append inserts o.
func (s *SyncLog) Append(ctx context.Context, o gitmirror.SyncOutcome) error {
	status := "ok"
	var lastErr sql.NullString
	if o.Err != nil {
		status = "error"
		lastErr = sql.NullString{String: o.Err.Error(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO sync_log(op, status, branches, started_at, duration_ms, last_error)
VALUES(?, ?, ?, ?, ?, ?);
`, o.Op, status, o.Branches, o.StartedAt.UTC().Format(time.RFC3339Nano), o.Duration.Milliseconds(), lastErr)
	if err != nil {
		return fmt.Errorf("insert sync log: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
DELETE FROM sync_log WHERE id <= (SELECT MAX(id) FROM sync_log) - ?;
`, s.retention)
	if err != nil {
		return fmt.Errorf("trim sync log: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *SyncLog) Recent(ctx context.Context, limit int) ([]SyncEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, op, status, branches, started_at, duration_ms, last_error
FROM sync_log ORDER BY id DESC LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sync log: %w", err)
	}
	defer rows.Close()

	out := []SyncEntry{}
	for rows.Next() {
		var e SyncEntry
		var started string
		var lastErr sql.NullString
		if err := rows.Scan(&e.ID, &e.Op, &e.Status, &e.Branches, &started, &e.DurationMS, &lastErr); err != nil {
			return nil, fmt.Errorf("scan sync log: %w", err)
		}
		if e.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		e.LastError = lastErr.String
		out = append(out, e)
	}
	return out, rows.Err()
}
