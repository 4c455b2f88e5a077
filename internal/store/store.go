// Package store provides SQLite-backed persistence for alice: the session
// index with full-text search, session messages, and the task queue.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alicehq/alice/internal/models"
	_ "modernc.org/sqlite"
)

// Store provides access to the alice SQLite database. The connection pool
// is capped at one connection; SQLite is a single-writer store and this
// serializes all access without an extra mutex.
type Store struct {
	db *sql.DB
}

// New creates a Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY,
		provider TEXT NOT NULL,
		session_id TEXT NOT NULL,
		project_path TEXT NOT NULL DEFAULT '',
		project_name TEXT NOT NULL DEFAULT '',
		first_prompt TEXT NOT NULL DEFAULT '',
		label TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		started_at INTEGER NOT NULL DEFAULT 0,
		last_active_at INTEGER NOT NULL DEFAULT 0,
		last_human_message_at INTEGER NOT NULL DEFAULT 0,
		message_count INTEGER NOT NULL DEFAULT 0,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens INTEGER NOT NULL DEFAULT 0,
		cache_write_tokens INTEGER NOT NULL DEFAULT 0,
		total_cost_usd REAL NOT NULL DEFAULT 0,
		model TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'idle',
		file_path TEXT NOT NULL DEFAULT '',
		all_prompts TEXT NOT NULL DEFAULT '',
		UNIQUE(provider, session_id)
	);

	CREATE VIRTUAL TABLE IF NOT EXISTS sessions_fts USING fts5(
		first_prompt, all_prompts, label, tags
	);

	CREATE TABLE IF NOT EXISTS session_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_rowid INTEGER NOT NULL,
		message_id TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		timestamp_ms INTEGER NOT NULL DEFAULT 0,
		tokens_in INTEGER NOT NULL DEFAULT 0,
		tokens_out INTEGER NOT NULL DEFAULT 0,
		model TEXT NOT NULL DEFAULT '',
		images TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		prompt TEXT NOT NULL,
		project_path TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'backlog',
		priority INTEGER NOT NULL DEFAULT 0,
		execution_mode TEXT NOT NULL DEFAULT 'new',
		depends_on TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		max_budget_usd REAL NOT NULL DEFAULT 0,
		max_turns INTEGER NOT NULL DEFAULT 0,
		allowed_tools TEXT NOT NULL DEFAULT '[]',
		sort_order INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		exit_code INTEGER,
		output TEXT NOT NULL DEFAULT '',
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens INTEGER NOT NULL DEFAULT 0,
		cache_write_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_last_active ON sessions(last_active_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON session_messages(session_rowid);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Session Operations ---

const sessionColumns = `id, provider, session_id, project_path, project_name,
	first_prompt, label, tags, started_at, last_active_at, last_human_message_at,
	message_count, input_tokens, output_tokens, cache_read_tokens,
	cache_write_tokens, total_cost_usd, model, status, file_path`

// Qualified variant for statements that join sessions_fts, whose
// first_prompt, label and tags columns shadow the base table's.
const sessionColumnsQualified = `sessions.id, sessions.provider, sessions.session_id,
	sessions.project_path, sessions.project_name, sessions.first_prompt,
	sessions.label, sessions.tags, sessions.started_at, sessions.last_active_at,
	sessions.last_human_message_at, sessions.message_count, sessions.input_tokens,
	sessions.output_tokens, sessions.cache_read_tokens, sessions.cache_write_tokens,
	sessions.total_cost_usd, sessions.model, sessions.status, sessions.file_path`

// UpsertSession inserts or updates a session keyed by (provider, session_id)
// and rewrites its full-text index row. Label and tags are user-owned and
// never overwritten by ingestion.
func (s *Store) UpsertSession(sess *models.Session) error {
	tags, err := json.Marshal(sess.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO sessions (provider, session_id, project_path, project_name,
			first_prompt, label, tags, started_at, last_active_at,
			last_human_message_at, message_count, input_tokens, output_tokens,
			cache_read_tokens, cache_write_tokens, total_cost_usd, model, status, file_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(provider, session_id) DO UPDATE SET
			project_path = excluded.project_path,
			project_name = excluded.project_name,
			first_prompt = excluded.first_prompt,
			started_at = excluded.started_at,
			last_active_at = MAX(last_active_at, excluded.last_active_at),
			last_human_message_at = excluded.last_human_message_at,
			message_count = excluded.message_count,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			cache_read_tokens = excluded.cache_read_tokens,
			cache_write_tokens = excluded.cache_write_tokens,
			total_cost_usd = excluded.total_cost_usd,
			model = excluded.model,
			status = excluded.status,
			file_path = excluded.file_path`,
		sess.Provider, sess.ID, sess.ProjectPath, sess.ProjectName,
		sess.FirstPrompt, sess.Label, string(tags), sess.StartedAt,
		sess.LastActiveAt, sess.LastHumanMessageAt, sess.MessageCount,
		sess.Tokens.Input, sess.Tokens.Output, sess.Tokens.CacheRead,
		sess.Tokens.CacheWrite, sess.TotalCostUSD, sess.Model, sess.Status,
		sess.FilePath,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	return s.rewriteFTSRow(sess.Provider, sess.ID)
}

// rewriteFTSRow rebuilds the full-text row for a session from its current
// mutable fields.
func (s *Store) rewriteFTSRow(provider models.Provider, sessionID string) error {
	var rowid int64
	var firstPrompt, allPrompts, label, tags string
	err := s.db.QueryRow(
		`SELECT id, first_prompt, all_prompts, label, tags FROM sessions
		 WHERE provider = ? AND session_id = ?`,
		provider, sessionID,
	).Scan(&rowid, &firstPrompt, &allPrompts, &label, &tags)
	if err != nil {
		return fmt.Errorf("load session for fts: %w", err)
	}

	if _, err := s.db.Exec(`DELETE FROM sessions_fts WHERE rowid = ?`, rowid); err != nil {
		return fmt.Errorf("delete fts row: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions_fts (rowid, first_prompt, all_prompts, label, tags)
		 VALUES (?, ?, ?, ?, ?)`,
		rowid, firstPrompt, allPrompts, label, tags,
	)
	if err != nil {
		return fmt.Errorf("insert fts row: %w", err)
	}
	return nil
}

// ReplaceMessages swaps the stored message sequence for a session and
// refreshes the all_prompts column that feeds full-text search.
func (s *Store) ReplaceMessages(provider models.Provider, sessionID string, msgs []models.SessionMessage) error {
	rowid, err := s.sessionRowID(provider, sessionID)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM session_messages WHERE session_rowid = ?`, rowid); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}

	var prompts []string
	for _, m := range msgs {
		images, err := json.Marshal(m.Images)
		if err != nil {
			return fmt.Errorf("marshal images: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO session_messages (session_rowid, message_id, role, content,
				timestamp_ms, tokens_in, tokens_out, model, images)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rowid, m.ID, m.Role, m.Content, m.TimestampMS, m.TokensIn, m.TokensOut, m.Model, string(images),
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if m.Role == "user" {
			prompts = append(prompts, m.Content)
		}
	}

	if _, err := tx.Exec(
		`UPDATE sessions SET all_prompts = ? WHERE id = ?`,
		strings.Join(prompts, "\n"), rowid,
	); err != nil {
		return fmt.Errorf("update all_prompts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return s.rewriteFTSRow(provider, sessionID)
}

func (s *Store) sessionRowID(provider models.Provider, sessionID string) (int64, error) {
	var rowid int64
	err := s.db.QueryRow(
		`SELECT id FROM sessions WHERE provider = ? AND session_id = ?`,
		provider, sessionID,
	).Scan(&rowid)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("session %s/%s: %w", provider, sessionID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("query session rowid: %w", err)
	}
	return rowid, nil
}

// GetSessions returns sessions newest-first by last_active_at, optionally
// filtered to one project path.
func (s *Store) GetSessions(projectPath string, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []interface{}
	if projectPath != "" {
		query += ` WHERE project_path = ?`
		args = append(args, projectPath)
	}
	query += ` ORDER BY last_active_at DESC LIMIT ?`
	args = append(args, limit)

	return s.querySessions(query, args...)
}

// GetActiveSessions returns sessions currently in the active state.
func (s *Store) GetActiveSessions() ([]models.Session, error) {
	return s.querySessions(
		`SELECT `+sessionColumns+` FROM sessions WHERE status = ? ORDER BY last_active_at DESC`,
		models.SessionActive,
	)
}

// GetSessionDetail returns a session and its messages in timestamp order.
func (s *Store) GetSessionDetail(provider models.Provider, sessionID string) (*models.Session, []models.SessionMessage, error) {
	sessions, err := s.querySessions(
		`SELECT `+sessionColumns+` FROM sessions WHERE provider = ? AND session_id = ?`,
		provider, sessionID,
	)
	if err != nil {
		return nil, nil, err
	}
	if len(sessions) == 0 {
		return nil, nil, fmt.Errorf("session %s/%s: %w", provider, sessionID, ErrNotFound)
	}
	sess := sessions[0]

	rowid, err := s.sessionRowID(provider, sessionID)
	if err != nil {
		return nil, nil, err
	}
	rows, err := s.db.Query(
		`SELECT message_id, role, content, timestamp_ms, tokens_in, tokens_out, model, images
		 FROM session_messages WHERE session_rowid = ? ORDER BY timestamp_ms ASC, id ASC`,
		rowid,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.SessionMessage
	for rows.Next() {
		var m models.SessionMessage
		var images string
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &m.TimestampMS, &m.TokensIn, &m.TokensOut, &m.Model, &images); err != nil {
			return nil, nil, fmt.Errorf("scan message: %w", err)
		}
		if err := json.Unmarshal([]byte(images), &m.Images); err != nil {
			m.Images = nil
		}
		msgs = append(msgs, m)
	}
	return &sess, msgs, rows.Err()
}

// SearchSessions runs a free-text match over prompts, labels and tags.
func (s *Store) SearchSessions(query string) ([]models.Session, error) {
	return s.SearchSessionsFiltered(SessionFilter{Query: query})
}

// SessionFilter is a conjunctive filter for session search. Zero values
// mean "no constraint". Dates are YYYY-MM-DD and become inclusive epoch-ms
// ranges on last_active_at.
type SessionFilter struct {
	Query       string
	ProjectPath string
	Status      models.SessionStatus
	Model       string
	DateFrom    string
	DateTo      string
	Limit       int
}

// SearchSessionsFiltered combines full-text match with column filters.
func (s *Store) SearchSessionsFiltered(f SessionFilter) ([]models.Session, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}

	var (
		conds []string
		args  []interface{}
	)
	query := `SELECT ` + sessionColumnsQualified + ` FROM sessions`

	if f.Query != "" {
		query += ` JOIN sessions_fts ON sessions_fts.rowid = sessions.id`
		conds = append(conds, `sessions_fts MATCH ?`)
		args = append(args, ftsQuery(f.Query))
	}
	if f.ProjectPath != "" {
		conds = append(conds, `sessions.project_path = ?`)
		args = append(args, f.ProjectPath)
	}
	if f.Status != "" {
		conds = append(conds, `sessions.status = ?`)
		args = append(args, f.Status)
	}
	if f.Model != "" {
		conds = append(conds, `sessions.model LIKE ?`)
		args = append(args, "%"+f.Model+"%")
	}
	if f.DateFrom != "" {
		ms, err := dayStartMS(f.DateFrom)
		if err != nil {
			return nil, err
		}
		conds = append(conds, `sessions.last_active_at >= ?`)
		args = append(args, ms)
	}
	if f.DateTo != "" {
		ms, err := dayStartMS(f.DateTo)
		if err != nil {
			return nil, err
		}
		// Inclusive: anything before the next day's midnight.
		conds = append(conds, `sessions.last_active_at < ?`)
		args = append(args, ms+24*time.Hour.Milliseconds())
	}

	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	query += ` ORDER BY sessions.last_active_at DESC LIMIT ?`
	args = append(args, f.Limit)

	return s.querySessions(query, args...)
}

// ftsQuery quotes each whitespace-separated term so user input cannot hit
// FTS5 query syntax.
func ftsQuery(q string) string {
	terms := strings.Fields(q)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, ``) + `"`
	}
	return strings.Join(terms, " ")
}

func dayStartMS(day string) (int64, error) {
	t, err := time.ParseInLocation("2006-01-02", day, time.Local)
	if err != nil {
		return 0, fmt.Errorf("parse date %q: %w", day, err)
	}
	return t.UnixMilli(), nil
}

// DeleteSession removes a session, its messages, and its full-text row.
func (s *Store) DeleteSession(provider models.Provider, sessionID string) error {
	rowid, err := s.sessionRowID(provider, sessionID)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// FTS row first, then messages, then the primary row.
	if _, err := tx.Exec(`DELETE FROM sessions_fts WHERE rowid = ?`, rowid); err != nil {
		return fmt.Errorf("delete fts row: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM session_messages WHERE session_rowid = ?`, rowid); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, rowid); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return tx.Commit()
}

// UpdateSessionLabel sets or clears the user label and refreshes the
// full-text row.
func (s *Store) UpdateSessionLabel(provider models.Provider, sessionID, label string) error {
	res, err := s.db.Exec(
		`UPDATE sessions SET label = ? WHERE provider = ? AND session_id = ?`,
		label, provider, sessionID,
	)
	if err != nil {
		return fmt.Errorf("update label: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s/%s: %w", provider, sessionID, ErrNotFound)
	}
	return s.rewriteFTSRow(provider, sessionID)
}

// UpdateSessionTags replaces the tag set and refreshes the full-text row.
func (s *Store) UpdateSessionTags(provider models.Provider, sessionID string, tags []string) error {
	data, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	res, err := s.db.Exec(
		`UPDATE sessions SET tags = ? WHERE provider = ? AND session_id = ?`,
		string(data), provider, sessionID,
	)
	if err != nil {
		return fmt.Errorf("update tags: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s/%s: %w", provider, sessionID, ErrNotFound)
	}
	return s.rewriteFTSRow(provider, sessionID)
}

func (s *Store) querySessions(query string, args ...interface{}) ([]models.Session, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var sess models.Session
		var rowid int64
		var tags string
		if err := rows.Scan(
			&rowid, &sess.Provider, &sess.ID, &sess.ProjectPath, &sess.ProjectName,
			&sess.FirstPrompt, &sess.Label, &tags, &sess.StartedAt,
			&sess.LastActiveAt, &sess.LastHumanMessageAt, &sess.MessageCount,
			&sess.Tokens.Input, &sess.Tokens.Output, &sess.Tokens.CacheRead,
			&sess.Tokens.CacheWrite, &sess.TotalCostUSD, &sess.Model,
			&sess.Status, &sess.FilePath,
		); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if err := json.Unmarshal([]byte(tags), &sess.Tags); err != nil {
			sess.Tags = nil
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}
