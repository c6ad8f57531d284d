// Package audit records protocol events as structured JSON. Every anomaly a
// session observes lands here as well as in the verdict evidence; nothing is
// recovered silently.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mimicproof/core/pkg/contracts"
)

// EventType defines the category of the audit event.
type EventType string

const (
	EventSession EventType = "SESSION"
	EventCommit  EventType = "COMMIT"
	EventReveal  EventType = "REVEAL"
	EventStress  EventType = "STRESS"
	EventVerdict EventType = "VERDICT"
	EventAnomaly EventType = "ANOMALY"
)

// Event represents a structured audit record.
type Event struct {
	ID        string                 `json:"id"`
	SessionID string                 `json:"session_id"`
	Party     contracts.PartyID      `json:"party,omitempty"`
	Type      EventType              `json:"type"`
	Action    string                 `json:"action"`
	Step      uint64                 `json:"step,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Logger defines the interface for recording audit events.
type Logger interface {
	Record(ctx context.Context, e Event) error
}

// logger implements Logger, writing structured JSON to a configurable Writer.
type logger struct {
	mu     sync.Mutex
	writer io.Writer
	clock  func() time.Time
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to the given writer.
// This allows injection for testing and custom sinks.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &logger{writer: w, clock: time.Now}
}

func (l *logger) Record(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.ID = uuid.New().String()
	e.Timestamp = l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	bytes, err := json.Marshal(e)
	if err != nil {
		return err
	}
	// Prefix with AUDIT: for easy filtering
	_, err = l.writer.Write(append([]byte("AUDIT: "), append(bytes, '\n')...))
	return err
}

// Discard is a Logger that drops every event, for callers that opt out.
var Discard Logger = discard{}

type discard struct{}

func (discard) Record(context.Context, Event) error { return nil }
