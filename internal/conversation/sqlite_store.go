package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sessionsSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	conversation_id TEXT PRIMARY KEY,
	session_id      TEXT NOT NULL,
	state           TEXT NOT NULL,
	runs            INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	last_used_at    INTEGER NOT NULL,
	timeout_at      INTEGER NOT NULL,
	last_dispatch   TEXT,
	resume          TEXT
)`

// SQLiteStore implements SessionPersistence on a SQLite database.
type SQLiteStore struct {
	db      *sql.DB
	timeout time.Duration
}

// NewSQLiteStore opens (and if needed creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps :memory: databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, timeout: 10 * time.Second}
	ctx, cancel := store.context()
	defer cancel()
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, sessionsSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create sessions table: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveSessions replaces the stored sessions in one transaction.
func (s *SQLiteStore) SaveSessions(sessions map[string]*PersistedSession) error {
	ctx, cancel := s.context()
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
		return fmt.Errorf("failed to clear sessions: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO sessions
		(conversation_id, session_id, state, runs, created_at, last_used_at, timeout_at, last_dispatch, resume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for convID, p := range sessions {
		if p == nil {
			continue
		}
		dispatch, err := marshalNullable(p.LastDispatch)
		if err != nil {
			return err
		}
		resume, err := marshalNullable(p.Resume)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			convID, p.ID, string(p.State), p.Runs,
			p.CreatedAt.UnixNano(), p.LastUsedAt.UnixNano(), p.TimeoutAt.UnixNano(),
			dispatch, resume,
		); err != nil {
			return fmt.Errorf("failed to insert session %s: %w", convID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sessions: %w", err)
	}
	return nil
}

// LoadSessions reads every stored session.
func (s *SQLiteStore) LoadSessions() (map[string]*PersistedSession, error) {
	ctx, cancel := s.context()
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT
		conversation_id, session_id, state, runs, created_at, last_used_at, timeout_at, last_dispatch, resume
		FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := make(map[string]*PersistedSession)
	for rows.Next() {
		var (
			p                            PersistedSession
			state                        string
			created, lastUsed, timeoutAt int64
			dispatch, resume             sql.NullString
		)
		if err := rows.Scan(&p.ConversationID, &p.ID, &state, &p.Runs,
			&created, &lastUsed, &timeoutAt, &dispatch, &resume); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		p.State = State(state)
		p.CreatedAt = time.Unix(0, created)
		p.LastUsedAt = time.Unix(0, lastUsed)
		p.TimeoutAt = time.Unix(0, timeoutAt)

		if dispatch.Valid {
			p.LastDispatch = &Dispatch{}
			if err := json.Unmarshal([]byte(dispatch.String), p.LastDispatch); err != nil {
				return nil, fmt.Errorf("failed to decode last dispatch for %s: %w", p.ConversationID, err)
			}
		}
		if resume.Valid {
			p.Resume = &ResumeContext{}
			if err := json.Unmarshal([]byte(resume.String), p.Resume); err != nil {
				return nil, fmt.Errorf("failed to decode resume context for %s: %w", p.ConversationID, err)
			}
		}
		sessions[p.ConversationID] = &p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read sessions: %w", err)
	}
	return sessions, nil
}

func marshalNullable[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
