// File: internal/history/history.go
// Description: Persistent scan history backed by PostgreSQL. The server
// records scan lifecycles best-effort; readers get them back for reporting.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/zapmcp/zapmcp/internal/protocol"
)

// ErrNotFound is returned when a scan id has no record.
var ErrNotFound = errors.New("history: scan not found")

// Record is one persisted scan lifecycle.
type Record struct {
	ScanID     string
	SessionID  string
	TargetURL  string
	ScanType   string
	Status     string
	AlertCount int
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Store is the persistence surface the server depends on. A nil Store is a
// valid configuration; persistence is optional.
type Store interface {
	RecordStart(ctx context.Context, sessionID string, scanCtx *protocol.ScanContext) error
	RecordFinish(ctx context.Context, scanID, status string, alertCount int) error
	GetScan(ctx context.Context, scanID string) (*Record, error)
	ListRecent(ctx context.Context, limit int) ([]Record, error)
}

// DBPool abstracts pgxpool.Pool so tests can substitute a mock.
type DBPool interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres implements Store on a pgx pool.
type Postgres struct {
	pool DBPool
	log  *zap.Logger
}

// New verifies connectivity and ensures the schema exists.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Postgres, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s := &Postgres{pool: pool, log: logger.Named("history")}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS scan_history (
    scan_id     TEXT PRIMARY KEY,
    session_id  TEXT NOT NULL,
    target_url  TEXT NOT NULL,
    scan_type   TEXT NOT NULL,
    status      TEXT NOT NULL,
    alert_count INTEGER NOT NULL DEFAULT 0,
    started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    finished_at TIMESTAMPTZ
)`

func (s *Postgres) ensureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to ensure scan_history schema: %w", err)
	}
	return nil
}

// RecordStart inserts a running record for a freshly started scan. Restarting
// a scan id (engine ids recycle across engine restarts) overwrites the stale
// row.
func (s *Postgres) RecordStart(ctx context.Context, sessionID string, scanCtx *protocol.ScanContext) error {
	const q = `
        INSERT INTO scan_history (scan_id, session_id, target_url, scan_type, status, started_at)
        VALUES ($1, $2, $3, $4, $5, now())
        ON CONFLICT (scan_id) DO UPDATE SET
            session_id = EXCLUDED.session_id,
            target_url = EXCLUDED.target_url,
            scan_type  = EXCLUDED.scan_type,
            status     = EXCLUDED.status,
            alert_count = 0,
            started_at = now(),
            finished_at = NULL`
	_, err := s.pool.Exec(ctx, q,
		scanCtx.ScanID, sessionID, scanCtx.TargetURL, scanCtx.ScanType, scanCtx.Status)
	if err != nil {
		return fmt.Errorf("failed to record scan start: %w", err)
	}
	return nil
}

// RecordFinish closes out a record with its terminal status and alert count.
func (s *Postgres) RecordFinish(ctx context.Context, scanID, status string, alertCount int) error {
	const q = `
        UPDATE scan_history
        SET status = $2, alert_count = $3, finished_at = now()
        WHERE scan_id = $1`
	tag, err := s.pool.Exec(ctx, q, scanID, status, alertCount)
	if err != nil {
		return fmt.Errorf("failed to record scan finish: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, scanID)
	}
	return nil
}

// GetScan fetches a single record by scan id.
func (s *Postgres) GetScan(ctx context.Context, scanID string) (*Record, error) {
	const q = `
        SELECT scan_id, session_id, target_url, scan_type, status, alert_count, started_at, finished_at
        FROM scan_history WHERE scan_id = $1`
	var r Record
	err := s.pool.QueryRow(ctx, q, scanID).Scan(
		&r.ScanID, &r.SessionID, &r.TargetURL, &r.ScanType,
		&r.Status, &r.AlertCount, &r.StartedAt, &r.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, scanID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch scan record: %w", err)
	}
	return &r, nil
}

// ListRecent returns the latest records, newest first.
func (s *Postgres) ListRecent(ctx context.Context, limit int) ([]Record, error) {
	const q = `
        SELECT scan_id, session_id, target_url, scan_type, status, alert_count, started_at, finished_at
        FROM scan_history ORDER BY started_at DESC LIMIT $1`
	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list scan history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ScanID, &r.SessionID, &r.TargetURL, &r.ScanType,
			&r.Status, &r.AlertCount, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed reading history rows: %w", err)
	}
	return out, nil
}
