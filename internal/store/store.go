// Package store provides the daemon's durable sqlite-backed state: the
// inbox (message deduplication), the outbox (outbound events pending REST
// delivery), session records, and the per-session audit log.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/milohq/milo-agent/internal/db"
	v1 "github.com/milohq/milo-agent/pkg/api/v1"
)

// Store provides synchronous, crash-safe access to the daemon's tables.
// Writes go through a single-connection writer; reads use a read-only pool.
type Store struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool)
	ownsDB bool
}

// Open opens (creating if needed) the database at dbPath and initializes the
// schema. The store owns the connections and must be closed by the caller.
func Open(dbPath string) (*Store, error) {
	writer, err := db.OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	reader, err := db.OpenSQLiteReader(dbPath)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return newStore(writer, reader, true)
}

// NewWithDB creates a store over existing connections (shared ownership).
func NewWithDB(writer, reader *sqlx.DB) (*Store, error) {
	return newStore(writer, reader, false)
}

func newStore(writer, reader *sqlx.DB, ownsDB bool) (*Store, error) {
	s := &Store{db: writer, ro: reader, ownsDB: ownsDB}
	if err := s.initSchema(); err != nil {
		if ownsDB {
			_ = writer.Close()
			_ = reader.Close()
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connections if the store owns them.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	if err := s.ro.Close(); err != nil {
		return err
	}
	return s.db.Close()
}

// initSchema creates the database tables if they don't exist.
func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS inbox (
		message_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		session_type TEXT NOT NULL DEFAULT 'bot',
		session_name TEXT DEFAULT '',
		content TEXT NOT NULL,
		ui_action TEXT DEFAULT '',
		processed INTEGER NOT NULL DEFAULT 0,
		received_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_inbox_processed ON inbox(processed, received_at);
	CREATE INDEX IF NOT EXISTS idx_inbox_session_id ON inbox(session_id);

	CREATE TABLE IF NOT EXISTS outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		session_id TEXT,
		retries INTEGER NOT NULL DEFAULT 0,
		last_error TEXT DEFAULT '',
		sent INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_unsent ON outbox(sent, id);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		name TEXT DEFAULT '',
		type TEXT NOT NULL DEFAULT 'bot',
		status TEXT NOT NULL DEFAULT 'OPEN_IDLE',
		worker_pid INTEGER,
		worker_state TEXT NOT NULL DEFAULT 'dead',
		confirmed_project TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

	CREATE TABLE IF NOT EXISTS session_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		content TEXT NOT NULL,
		message_id TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_session_messages_session ON session_messages(session_id, created_at);
	`)
	return err
}

// InsertInbox records a received message. Returns false if a row with the
// same message id already existed (duplicate delivery).
func (s *Store) InsertInbox(ctx context.Context, entry *InboxEntry) (bool, error) {
	if entry.ReceivedAt.IsZero() {
		entry.ReceivedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO inbox (message_id, session_id, session_type, session_name, content, ui_action, processed, received_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		entry.MessageID, entry.SessionID, entry.SessionType, entry.SessionName,
		entry.Content, entry.UIAction, entry.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert inbox entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkProcessed flags an inbox entry as handled. Idempotent.
func (s *Store) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE inbox SET processed = 1 WHERE message_id = ?`, messageID)
	return err
}

// GetUnprocessed returns unhandled inbox entries, oldest first.
func (s *Store) GetUnprocessed(ctx context.Context, limit int) ([]*InboxEntry, error) {
	entries := []*InboxEntry{}
	err := s.ro.SelectContext(ctx, &entries, `
		SELECT message_id, session_id, session_type, session_name, content, ui_action, processed, received_at
		FROM inbox WHERE processed = 0 ORDER BY received_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed inbox entries: %w", err)
	}
	return entries, nil
}

// GetUnprocessedForSession returns unhandled inbox entries for one session,
// oldest first. Used by the orphan redrive.
func (s *Store) GetUnprocessedForSession(ctx context.Context, sessionID string, limit int) ([]*InboxEntry, error) {
	entries := []*InboxEntry{}
	err := s.ro.SelectContext(ctx, &entries, `
		SELECT message_id, session_id, session_type, session_name, content, ui_action, processed, received_at
		FROM inbox WHERE processed = 0 AND session_id = ? ORDER BY received_at ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unprocessed inbox entries: %w", err)
	}
	return entries, nil
}

// EnqueueOutbox appends an outbound event and returns its id.
func (s *Store) EnqueueOutbox(ctx context.Context, kind, payload string, sessionID *string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox (kind, payload, session_id, retries, last_error, sent, created_at)
		VALUES (?, ?, ?, 0, '', 0, ?)`,
		kind, payload, sessionID, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue outbox entry: %w", err)
	}
	return res.LastInsertId()
}

// GetUnsent returns undelivered outbox entries in insertion order, excluding
// rows whose retry count reached maxRetries.
func (s *Store) GetUnsent(ctx context.Context, limit, maxRetries int) ([]*OutboxEntry, error) {
	entries := []*OutboxEntry{}
	err := s.ro.SelectContext(ctx, &entries, `
		SELECT id, kind, payload, session_id, retries, last_error, sent, created_at
		FROM outbox WHERE sent = 0 AND retries < ? ORDER BY id ASC LIMIT ?`, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsent outbox entries: %w", err)
	}
	return entries, nil
}

// MarkSent permanently removes an entry from the flush candidate set.
func (s *Store) MarkSent(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE outbox SET sent = 1 WHERE id = ?`, id)
	return err
}

// MarkFailed records a delivery failure and keeps the entry eligible for
// future drains.
func (s *Store) MarkFailed(ctx context.Context, id int64, errorText string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET retries = retries + 1, last_error = ? WHERE id = ?`, errorText, id)
	return err
}

// OutboxDepth returns the number of undelivered outbox entries.
func (s *Store) OutboxDepth(ctx context.Context) (int, error) {
	var n int
	err := s.ro.GetContext(ctx, &n, `SELECT COUNT(*) FROM outbox WHERE sent = 0`)
	return n, err
}

// UpsertSession inserts or refreshes a session record. The name is only
// overwritten when the new value is non-empty.
func (s *Store) UpsertSession(ctx context.Context, id, name string, sessionType v1.SessionType) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, name, type, status, worker_state, created_at, updated_at)
		VALUES (?, ?, ?, 'OPEN_IDLE', 'dead', ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE sessions.name END,
			updated_at = excluded.updated_at`,
		id, name, sessionType, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// UpdateSessionStatus sets the persisted session status.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status v1.SessionStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	return err
}

// UpdateWorkerState records the worker process state and pid for a session.
// A nil pid clears the recorded pid.
func (s *Store) UpdateWorkerState(ctx context.Context, id string, state v1.WorkerState, pid *int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET worker_state = ?, worker_pid = ?, updated_at = ? WHERE id = ?`,
		state, pid, time.Now().UTC(), id)
	return err
}

// UpdateConfirmedProject records the project path confirmed for a session.
func (s *Store) UpdateConfirmedProject(ctx context.Context, id, project string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET confirmed_project = ?, updated_at = ? WHERE id = ?`,
		project, time.Now().UTC(), id)
	return err
}

// GetSession returns one session row, or sql.ErrNoRows.
func (s *Store) GetSession(ctx context.Context, id string) (*SessionRow, error) {
	var row SessionRow
	err := s.ro.GetContext(ctx, &row, `
		SELECT id, name, type, status, worker_pid, worker_state, confirmed_project, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// GetActiveSessions returns all sessions whose status is not CLOSED.
func (s *Store) GetActiveSessions(ctx context.Context) ([]*SessionRow, error) {
	rows := []*SessionRow{}
	err := s.ro.SelectContext(ctx, &rows, `
		SELECT id, name, type, status, worker_pid, worker_state, confirmed_project, created_at, updated_at
		FROM sessions WHERE status != ? ORDER BY created_at ASC`, v1.SessionClosed)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	return rows, nil
}

// InsertSessionMessage appends one entry to the session audit log.
func (s *Store) InsertSessionMessage(ctx context.Context, sessionID string, sender v1.MessageSender, content, messageID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_messages (session_id, sender, content, message_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		sessionID, sender, content, messageID, time.Now().UTC())
	return err
}

// GetSessionMessages returns the audit log for one session, oldest first.
func (s *Store) GetSessionMessages(ctx context.Context, sessionID string, limit int) ([]*SessionMessage, error) {
	msgs := []*SessionMessage{}
	err := s.ro.SelectContext(ctx, &msgs, `
		SELECT id, session_id, sender, content, message_id, created_at
		FROM session_messages WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list session messages: %w", err)
	}
	return msgs, nil
}

// IsNoRows reports whether err is the database's no-rows sentinel.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
