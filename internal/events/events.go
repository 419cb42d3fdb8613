// Package events exposes run and step lifecycle transitions as an event
// stream. Health and metrics collectors subscribe through the Sink contract;
// the engine never treats event delivery as a logging concern or lets a
// failing sink fail a run.
package events

import (
	"context"
	"sync"
	"time"
)

// Event types.
const (
	RunStarted   = "run-started"
	RunFinished  = "run-finished"
	StepStarted  = "step-started"
	StepFinished = "step-finished"
)

// Event is one lifecycle transition. StepID is empty for run-scoped events.
type Event struct {
	Type     string    `json:"type"`
	RunID    string    `json:"runId"`
	Workflow string    `json:"workflow"`
	StepID   string    `json:"stepId,omitempty"`
	Status   string    `json:"status,omitempty"`
	Attempt  int       `json:"attempt,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// Sink consumes lifecycle events.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

// Publish implements Sink.
func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans events out to several sinks; the first error is returned after
// every sink has been attempted.
type Multi []Sink

// Publish implements Sink.
func (m Multi) Publish(ctx context.Context, ev Event) error {
	var firstErr error
	for _, s := range m {
		if err := s.Publish(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Memory captures events in order and exposes deterministic snapshots.
// Safe for concurrent use; intended for tests and CLI run summaries.
type Memory struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemory returns an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{events: make([]Event, 0)}
}

// Publish implements Sink.
func (m *Memory) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of the captured events in publish order.
func (m *Memory) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}
