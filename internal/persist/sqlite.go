package persist

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/chenweil/FlowHub-sub000/internal/logging"
	"github.com/chenweil/FlowHub-sub000/internal/types"
)

// =============================================================================
// PRIMARY TIER: SQLITE
// =============================================================================

// SQLiteStore is the primary snapshot tier. Each save replaces the whole
// snapshot inside one transaction, so readers never observe a partially
// written state and a crashed write leaves the previous snapshot intact.
type SQLiteStore struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	agent_id           TEXT NOT NULL,
	id                 TEXT NOT NULL,
	title              TEXT NOT NULL,
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL,
	acp_session_id     TEXT NOT NULL DEFAULT '',
	source             TEXT NOT NULL DEFAULT '',
	message_count_hint INTEGER NOT NULL DEFAULT 0,
	position           INTEGER NOT NULL,
	PRIMARY KEY (agent_id, id)
);
CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_id, position);

CREATE TABLE IF NOT EXISTS messages (
	session_id TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	id         TEXT NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	timestamp  TEXT NOT NULL,
	agent_id   TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (session_id, seq)
);
`

// NewSQLiteStore opens (or creates) the primary store at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	log := logging.Get(logging.CategoryPersist)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debugw("pragma failed", "pragma", pragma, "error", err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Debugw("primary store ready", "path", path)
	return &SQLiteStore{db: db, path: path}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save replaces the stored snapshot atomically.
func (s *SQLiteStore) Save(ctx context.Context, snap types.Snapshot) error {
	timer := logging.StartTimer(logging.CategoryPersist, "SQLiteStore.Save")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := encodeSnapshot(snap)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM sessions"); err != nil {
		return fmt.Errorf("failed to clear sessions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM messages"); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}

	for agentID, sessions := range rec.SessionsByAgent {
		for pos, sr := range sessions {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO sessions (agent_id, id, title, created_at, updated_at, acp_session_id, source, message_count_hint, position)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				agentID, sr.ID, sr.Title, sr.CreatedAt, sr.UpdatedAt, sr.ACPSessionID, sr.Source, sr.MessageCountHint, pos,
			)
			if err != nil {
				return fmt.Errorf("failed to insert session %s: %w", sr.ID, err)
			}
		}
	}

	for sessionID, messages := range rec.MessagesBySession {
		for seq, mr := range messages {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO messages (session_id, seq, id, role, content, timestamp, agent_id)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				sessionID, seq, mr.ID, mr.Role, mr.Content, mr.Timestamp, mr.AgentID,
			)
			if err != nil {
				return fmt.Errorf("failed to insert message %s: %w", mr.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// Load reads the stored snapshot. populated is false when the store holds
// no data at all.
func (s *SQLiteStore) Load(ctx context.Context) (types.Snapshot, bool, error) {
	timer := logging.StartTimer(logging.CategoryPersist, "SQLiteStore.Load")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := snapshotRecord{
		SessionsByAgent:   make(map[string][]sessionRecord),
		MessagesBySession: make(map[string][]messageRecord),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, id, title, created_at, updated_at, acp_session_id, source, message_count_hint
		 FROM sessions ORDER BY agent_id, position`)
	if err != nil {
		return types.NewSnapshot(), false, fmt.Errorf("failed to query sessions: %w", err)
	}
	for rows.Next() {
		var agentID string
		var sr sessionRecord
		if err := rows.Scan(&agentID, &sr.ID, &sr.Title, &sr.CreatedAt, &sr.UpdatedAt, &sr.ACPSessionID, &sr.Source, &sr.MessageCountHint); err != nil {
			rows.Close()
			return types.NewSnapshot(), false, fmt.Errorf("failed to scan session row: %w", err)
		}
		sr.AgentID = agentID
		rec.SessionsByAgent[agentID] = append(rec.SessionsByAgent[agentID], sr)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return types.NewSnapshot(), false, fmt.Errorf("failed to read session rows: %w", err)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx,
		`SELECT session_id, id, role, content, timestamp, agent_id
		 FROM messages ORDER BY session_id, seq`)
	if err != nil {
		return types.NewSnapshot(), false, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sessionID string
		var mr messageRecord
		if err := rows.Scan(&sessionID, &mr.ID, &mr.Role, &mr.Content, &mr.Timestamp, &mr.AgentID); err != nil {
			return types.NewSnapshot(), false, fmt.Errorf("failed to scan message row: %w", err)
		}
		rec.MessagesBySession[sessionID] = append(rec.MessagesBySession[sessionID], mr)
	}
	if err := rows.Err(); err != nil {
		return types.NewSnapshot(), false, fmt.Errorf("failed to read message rows: %w", err)
	}

	populated := len(rec.SessionsByAgent) > 0 || len(rec.MessagesBySession) > 0
	return decodeSnapshot(rec), populated, nil
}

// Clear removes all stored data.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin clear transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM sessions"); err != nil {
		return fmt.Errorf("failed to clear sessions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM messages"); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	return tx.Commit()
}
