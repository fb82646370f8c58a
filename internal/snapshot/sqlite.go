package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/usegenii/strand/pkg/models"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteStore persists checkpoints in a single SQLite database, one row per
// session. Suited to deployments with many sessions where one file per
// checkpoint becomes unwieldy.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and ensures the
// schema exists. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open sqlite: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			session_id TEXT PRIMARY KEY,
			payload    TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("snapshot: init schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Save upserts the checkpoint row for the session id.
func (s *SQLiteStore) Save(ctx context.Context, cp *models.AgentCheckpoint) error {
	if cp == nil || cp.Session.ID == "" {
		return fmt.Errorf("snapshot: checkpoint has no session id")
	}
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("snapshot: marshal checkpoint: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		cp.Session.ID, string(payload), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("snapshot: save checkpoint: %w", err)
	}
	return nil
}

// Load returns the checkpoint for the session id, or nil if absent.
func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (*models.AgentCheckpoint, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM checkpoints WHERE session_id = ?`, sessionID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: load checkpoint: %w", err)
	}
	var cp models.AgentCheckpoint
	if err := json.Unmarshal([]byte(payload), &cp); err != nil {
		return nil, fmt.Errorf("snapshot: decode checkpoint %s: %w", sessionID, err)
	}
	return &cp, nil
}

// Delete removes the row and reports whether one existed.
func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE session_id = ?`, sessionID)
	if err != nil {
		return false, fmt.Errorf("snapshot: delete checkpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// List returns stored session ids in id order.
func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM checkpoints ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("snapshot: list checkpoints: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Exists reports whether a row is present for the id.
func (s *SQLiteStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM checkpoints WHERE session_id = ?`, sessionID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
