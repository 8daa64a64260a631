// Package journal persists transaction attempts, their phase transitions and
// API audit records to SQLite.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"escrowdesk/txctl"
)

const writeTimeout = 2 * time.Second

// Store is a SQLite-backed transition observer.
type Store struct {
	db      *sql.DB
	session string
	logger  *slog.Logger
	now     func() time.Time
}

// Attempt summarises one submission.
type Attempt struct {
	Session   string    `json:"session"`
	Attempt   uint64    `json:"attempt"`
	Method    string    `json:"method"`
	Handle    string    `json:"handle,omitempty"`
	Phase     string    `json:"phase"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Entry is one recorded transition.
type Entry struct {
	From       string    `json:"from"`
	To         string    `json:"to"`
	Event      string    `json:"event"`
	Handle     string    `json:"handle,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// AuditEntry records a mutating API call.
type AuditEntry struct {
	Subject string
	Method  string
	Path    string
	Status  int
}

// Open opens or creates the journal at path. Each Store gets a fresh session
// id so attempt numbers from separate processes never collide.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// The in-memory database is per connection.
	db.SetMaxOpenConns(1)
	if logger == nil {
		logger = slog.Default()
	}
	store := &Store{db: db, session: uuid.NewString(), logger: logger, now: time.Now}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS attempts (
            session TEXT NOT NULL,
            attempt INTEGER NOT NULL,
            method TEXT NOT NULL,
            handle TEXT NOT NULL DEFAULT '',
            phase TEXT NOT NULL,
            error TEXT,
            started_at TIMESTAMP NOT NULL,
            updated_at TIMESTAMP NOT NULL,
            PRIMARY KEY(session, attempt)
        );`,
		`CREATE TABLE IF NOT EXISTS transitions (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            session TEXT NOT NULL,
            attempt INTEGER NOT NULL,
            from_phase TEXT NOT NULL,
            to_phase TEXT NOT NULL,
            event TEXT NOT NULL,
            handle TEXT NOT NULL DEFAULT '',
            error TEXT,
            occurred_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS transitions_attempt ON transitions(session, attempt);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_at TIMESTAMP NOT NULL,
            subject TEXT,
            method TEXT NOT NULL,
            path TEXT NOT NULL,
            response_status INTEGER
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Session returns the id that tags rows written by this store.
func (s *Store) Session() string {
	return s.session
}

// ObserveTransition records t. Write failures are logged, not returned.
func (s *Store) ObserveTransition(t txctl.Transition) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.record(ctx, t); err != nil {
		s.logger.Warn("journal write failed",
			slog.Uint64("attempt", t.Attempt),
			slog.String("phase", t.To.String()),
			slog.Any("error", err))
	}
}

func (s *Store) record(ctx context.Context, t txctl.Transition) error {
	at := t.At.UTC()
	if t.At.IsZero() {
		at = s.now().UTC()
	}
	handle := hexOrEmpty(t.Handle)
	errText := nullString(t.Err)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO transitions(session, attempt, from_phase, to_phase, event, handle, error, occurred_at)
         VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		s.session, t.Attempt, t.From.String(), t.To.String(), t.Event.String(), handle, errText, at,
	); err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO attempts(session, attempt, method, handle, phase, error, started_at, updated_at)
         VALUES(?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(session, attempt) DO UPDATE SET
            phase = excluded.phase,
            handle = CASE WHEN excluded.handle != '' THEN excluded.handle ELSE attempts.handle END,
            error = COALESCE(excluded.error, attempts.error),
            updated_at = excluded.updated_at`,
		s.session, t.Attempt, t.Method, handle, t.To.String(), errText, at, at,
	); err != nil {
		return fmt.Errorf("upsert attempt: %w", err)
	}
	return tx.Commit()
}

// Recent returns the most recently updated attempts across all sessions.
func (s *Store) Recent(ctx context.Context, limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session, attempt, method, handle, phase, error, started_at, updated_at
         FROM attempts ORDER BY updated_at DESC, attempt DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Attempt
	for rows.Next() {
		var (
			a       Attempt
			errText sql.NullString
		)
		if err := rows.Scan(&a.Session, &a.Attempt, &a.Method, &a.Handle, &a.Phase, &errText, &a.StartedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.Error = errText.String
		out = append(out, a)
	}
	return out, rows.Err()
}

// Transitions returns the recorded transitions of one attempt in order.
func (s *Store) Transitions(ctx context.Context, session string, attempt uint64) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT from_phase, to_phase, event, handle, error, occurred_at
         FROM transitions WHERE session = ? AND attempt = ? ORDER BY id`, session, attempt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			errText sql.NullString
		)
		if err := rows.Scan(&e.From, &e.To, &e.Event, &e.Handle, &errText, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Error = errText.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordAudit appends an audit entry.
func (s *Store) RecordAudit(ctx context.Context, entry AuditEntry) error {
	if entry.Method == "" || entry.Path == "" {
		return errors.New("journal: audit method and path required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log(occurred_at, subject, method, path, response_status) VALUES(?, ?, ?, ?, ?)`,
		s.now().UTC(), entry.Subject, entry.Method, entry.Path, entry.Status)
	return err
}

// AuditCount returns the number of audit rows.
func (s *Store) AuditCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`).Scan(&n)
	return n, err
}

func hexOrEmpty(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}

func nullString(err error) sql.NullString {
	if err == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: err.Error(), Valid: true}
}
