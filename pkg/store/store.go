// Package store persists sealed challenge sessions. The store is
// append-only: a session is written exactly once, after sealing, and is
// never updated or deleted afterwards.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mimicproof/core/pkg/contracts"
)

// ErrNotFound is returned when no session exists for an ID.
var ErrNotFound = errors.New("session not found")

// ErrDuplicate is returned when a session ID is written twice.
var ErrDuplicate = errors.New("session already stored")

// Summary is the queryable slice of a stored session.
type Summary struct {
	ID           string
	Status       contracts.SessionStatus
	Steps        uint64
	Seed         int64
	ProtocolHash contracts.Hash
	EngineTag    contracts.VerdictTag
	SealedAt     time.Time
}

// SessionStore persists and retrieves sealed sessions.
type SessionStore interface {
	// Put writes a sealed session. Writing the same ID twice is an error;
	// the evidence record is immutable.
	Put(ctx context.Context, session *contracts.ChallengeSession) error

	// Get loads a stored session in full.
	Get(ctx context.Context, id string) (*contracts.ChallengeSession, error)

	// List returns summaries of the most recently sealed sessions.
	List(ctx context.Context, limit int) ([]Summary, error)

	// TagCounts returns the engine verdict tag histogram across all stored
	// sessions, for rolling cross-session findings.
	TagCounts(ctx context.Context) (map[contracts.VerdictTag]int, error)
}

func engineTag(session *contracts.ChallengeSession) contracts.VerdictTag {
	if session.Engine != nil && session.Engine.Verdict != nil {
		return session.Engine.Verdict.Tag
	}
	return contracts.VerdictIndeterminate
}
