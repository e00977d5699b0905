package recall

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS memory_entries (
	id          TEXT PRIMARY KEY,
	content     TEXT NOT NULL,
	metadata    TEXT,
	session_id  TEXT,
	created_at  TIMESTAMP NOT NULL,
	score       REAL NOT NULL
)`

// Archive is the durable SQL store behind the recall engine. The driver is
// configurable: sqlite3 for embedded deployments, postgres for shared ones.
type Archive struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// OpenArchive connects to the archive database and ensures the schema exists.
func OpenArchive(driver, dsn string, logger *zap.Logger) (*Archive, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect memory archive: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create memory schema: %w", err)
	}
	return &Archive{db: db, logger: logger}, nil
}

// NewArchive wraps an existing database handle (used by tests).
func NewArchive(db *sqlx.DB, logger *zap.Logger) *Archive {
	return &Archive{db: db, logger: logger}
}

// Close releases the database handle.
func (a *Archive) Close() error { return a.db.Close() }

// Ping verifies connectivity.
func (a *Archive) Ping(ctx context.Context) error { return a.db.PingContext(ctx) }

type archiveRow struct {
	ID        string    `db:"id"`
	Content   string    `db:"content"`
	Metadata  []byte    `db:"metadata"`
	SessionID string    `db:"session_id"`
	CreatedAt time.Time `db:"created_at"`
	Score     float64   `db:"score"`
}

// Insert writes an entry. Vectors are not archived; they are recomputed on
// demand after a warm start.
func (a *Archive) Insert(ctx context.Context, entry *Entry) error {
	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = a.db.ExecContext(ctx,
		a.db.Rebind(`INSERT INTO memory_entries (id, content, metadata, session_id, created_at, score) VALUES (?, ?, ?, ?, ?, ?)`),
		entry.ID, entry.Content, meta, entry.SessionID, entry.CreatedAt, entry.Score,
	)
	if err != nil {
		return fmt.Errorf("insert memory entry: %w", err)
	}
	return nil
}

// UpdateScore persists a reinforced relevance score.
func (a *Archive) UpdateScore(ctx context.Context, id string, score float64) error {
	_, err := a.db.ExecContext(ctx,
		a.db.Rebind(`UPDATE memory_entries SET score = ? WHERE id = ?`),
		score, id,
	)
	if err != nil {
		return fmt.Errorf("update memory score: %w", err)
	}
	return nil
}

// LoadRecent returns the newest entries, newest first.
func (a *Archive) LoadRecent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 1000
	}
	var rows []archiveRow
	err := a.db.SelectContext(ctx, &rows,
		a.db.Rebind(`SELECT id, content, metadata, session_id, created_at, score FROM memory_entries ORDER BY created_at DESC LIMIT ?`),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load memory entries: %w", err)
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		entry := Entry{
			ID:        r.ID,
			Content:   r.Content,
			SessionID: r.SessionID,
			CreatedAt: r.CreatedAt,
			Score:     r.Score,
		}
		if len(r.Metadata) > 0 {
			if err := json.Unmarshal(r.Metadata, &entry.Metadata); err != nil {
				a.logger.Warn("Skipping corrupt metadata",
					zap.String("memory_id", r.ID), zap.Error(err))
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

// PurgeBefore removes entries created before the cutoff (retention policy).
func (a *Archive) PurgeBefore(ctx context.Context, cutoff time.Time) error {
	_, err := a.db.ExecContext(ctx,
		a.db.Rebind(`DELETE FROM memory_entries WHERE created_at < ?`),
		cutoff,
	)
	if err != nil {
		return fmt.Errorf("purge memory entries: %w", err)
	}
	return nil
}
