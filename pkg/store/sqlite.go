package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mimicproof/core/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteSessionStore persists sealed sessions in a single SQLite database.
// The schema has no UPDATE or DELETE path.
type SQLiteSessionStore struct {
	db *sql.DB
}

// NewSQLiteSessionStore migrates the schema and wraps the handle.
func NewSQLiteSessionStore(db *sql.DB) (*SQLiteSessionStore, error) {
	s := &SQLiteSessionStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	return db, nil
}

func (s *SQLiteSessionStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS sessions (
        session_id TEXT PRIMARY KEY,
        status TEXT NOT NULL,
        steps INTEGER NOT NULL,
        seed INTEGER NOT NULL,
        protocol_hash TEXT NOT NULL,
        engine_tag TEXT NOT NULL,
        sealed_at DATETIME NOT NULL,
        payload JSON NOT NULL
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteSessionStore) Put(ctx context.Context, session *contracts.ChallengeSession) error {
	if session.Status == contracts.SessionOpen {
		return fmt.Errorf("store: session %s is still open", session.ID)
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("store: encode session %s: %w", session.ID, err)
	}

	query := `INSERT INTO sessions (
        session_id, status, steps, seed, protocol_hash, engine_tag, sealed_at, payload
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		session.ID, string(session.Status), session.Steps, session.Seed,
		string(session.ProtocolHash), string(engineTag(session)),
		session.SealedAt.UTC().Format(time.RFC3339Nano), string(payload),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("store: session %s: %w", session.ID, ErrDuplicate)
		}
		return fmt.Errorf("store: insert session %s: %w", session.ID, err)
	}
	return nil
}

func (s *SQLiteSessionStore) Get(ctx context.Context, id string) (*contracts.ChallengeSession, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM sessions WHERE session_id = ?`, id,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: load session %s: %w", id, err)
	}

	var session contracts.ChallengeSession
	if err := json.Unmarshal([]byte(payload), &session); err != nil {
		return nil, fmt.Errorf("store: decode session %s: %w", id, err)
	}
	return &session, nil
}

func (s *SQLiteSessionStore) List(ctx context.Context, limit int) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT session_id, status, steps, seed, protocol_hash, engine_tag, sealed_at
        FROM sessions
        ORDER BY sealed_at DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var status, protocol, tag, sealedAt string
		if err := rows.Scan(&sum.ID, &status, &sum.Steps, &sum.Seed, &protocol, &tag, &sealedAt); err != nil {
			return nil, fmt.Errorf("store: scan session row: %w", err)
		}
		sum.Status = contracts.SessionStatus(status)
		sum.ProtocolHash = contracts.Hash(protocol)
		sum.EngineTag = contracts.VerdictTag(tag)
		if t, err := time.Parse(time.RFC3339Nano, sealedAt); err == nil {
			sum.SealedAt = t
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteSessionStore) TagCounts(ctx context.Context) (map[contracts.VerdictTag]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT engine_tag, COUNT(*) FROM sessions GROUP BY engine_tag`)
	if err != nil {
		return nil, fmt.Errorf("store: tag counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[contracts.VerdictTag]int)
	for rows.Next() {
		var tag string
		var n int
		if err := rows.Scan(&tag, &n); err != nil {
			return nil, err
		}
		counts[contracts.VerdictTag(tag)] = n
	}
	return counts, rows.Err()
}
