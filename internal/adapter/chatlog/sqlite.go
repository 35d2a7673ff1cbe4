package chatlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/AssetOverflow/AIPoweredBibleStudy/internal/domain"
)

// Store persists finished sessions and their per-agent results to SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) a SQLite database at dbPath and runs the
// schema migration.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open chatlog db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate chatlog db: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			client_key TEXT NOT NULL,
			question   TEXT NOT NULL,
			phase      TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS results (
			session_id TEXT NOT NULL REFERENCES sessions(id),
			agent      TEXT NOT NULL,
			status     TEXT NOT NULL,
			content    TEXT NOT NULL DEFAULT '',
			reason     TEXT NOT NULL DEFAULT '',
			kind       TEXT NOT NULL DEFAULT '',
			elapsed_ms INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (session_id, agent)
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordSession writes a finished session and all its agent results in one
// transaction.
func (s *Store) RecordSession(ctx context.Context, session *domain.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin chatlog tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO sessions (id, client_key, question, phase, created_at) VALUES (?, ?, ?, ?, ?)",
		session.ID, session.ClientKey, session.Question, string(session.CurrentPhase()),
		session.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	for agent, r := range session.Results() {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO results (session_id, agent, status, content, reason, kind, elapsed_ms) VALUES (?, ?, ?, ?, ?, ?, ?)",
			session.ID, agent, string(r.Status), r.Content, r.Reason, string(r.Kind),
			r.Elapsed.Milliseconds(),
		)
		if err != nil {
			return fmt.Errorf("insert result for %s: %w", agent, err)
		}
	}

	return tx.Commit()
}

// SessionRecord is one persisted session row.
type SessionRecord struct {
	ID        string
	ClientKey string
	Question  string
	Phase     string
	CreatedAt time.Time
}

// RecentSessions returns up to limit sessions, newest first.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, client_key, question, phase, created_at FROM sessions ORDER BY created_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var createdStr string
		if err := rows.Scan(&rec.ID, &rec.ClientKey, &rec.Question, &rec.Phase, &createdStr); err != nil {
			return nil, err
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ResultsFor returns the stored results for one session, keyed by agent.
func (s *Store) ResultsFor(ctx context.Context, sessionID string) (map[string]domain.AgentResult, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT agent, status, content, reason, kind, elapsed_ms FROM results WHERE session_id = ?", sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]domain.AgentResult)
	for rows.Next() {
		var r domain.AgentResult
		var status, kind string
		var elapsedMS int64
		if err := rows.Scan(&r.Agent, &status, &r.Content, &r.Reason, &kind, &elapsedMS); err != nil {
			return nil, err
		}
		r.Status = domain.ResultStatus(status)
		r.Kind = domain.FailureKind(kind)
		r.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		out[r.Agent] = r
	}
	return out, rows.Err()
}
