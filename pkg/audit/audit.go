// Package audit records pipeline and gateway events. Emission is always
// best-effort: a sink failure is observed by the caller's logger only and
// never changes the caller's result.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes audit records.
type EventType string

const (
	EventSettlement EventType = "SETTLEMENT"
	EventPipeline   EventType = "PIPELINE"
	EventRateLimit  EventType = "RATE_LIMIT"
)

// Event is one structured audit record.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Action    string         `json:"action"`
	AgentID   string         `json:"agentId,omitempty"`
	SandboxID string         `json:"sandboxId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Sink accepts audit events. Implementations must be safe for concurrent
// use.
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

// NewEvent stamps an event with an id and timestamp.
func NewEvent(eventType EventType, action string) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Action:    action,
		Timestamp: time.Now().UTC(),
	}
}

// LogSink writes JSON lines to a writer, prefixed for easy filtering.
type LogSink struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewLogSink creates a sink writing to w, or os.Stdout when w is nil.
func NewLogSink(w io.Writer) *LogSink {
	if w == nil {
		w = os.Stdout
	}
	return &LogSink{writer: w}
}

// Emit writes one event line.
func (s *LogSink) Emit(ctx context.Context, event Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.writer.Write(append([]byte("AUDIT: "), append(raw, '\n')...))
	return err
}

// MultiSink fans an event out to several sinks; the first error is returned
// after all sinks have been attempted.
type MultiSink []Sink

// Emit sends the event to every sink.
func (m MultiSink) Emit(ctx context.Context, event Event) error {
	var first error
	for _, sink := range m {
		if err := sink.Emit(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
