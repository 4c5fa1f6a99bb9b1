// Package events carries document lifecycle events from the job orchestrator to
// whoever delivers them to clients.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/intellidoc/internal/models"
)

// Kind is the type of a lifecycle event.
type Kind string

const (
	KindStarted   Kind = "started"
	KindProgress  Kind = "progress"
	KindCompleted Kind = "completed"
)

// Event describes one step of a document's ingestion.
type Event struct {
	DocumentID string        `json:"document_id"`
	Kind       Kind          `json:"kind"`
	Status     models.Status `json:"status"`
	Progress   int           `json:"progress"`
	Message    string        `json:"message,omitempty"`
	Error      string        `json:"error,omitempty"`
	Attempt    int           `json:"attempt,omitempty"`
	At         time.Time     `json:"at"`
}

// Success reports whether a completed event ended with the document ready.
func (e Event) Success() bool {
	return e.Kind == KindCompleted && e.Error == ""
}

// Sink receives events. Publish must not block on slow consumers.
type Sink interface {
	Publish(e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Publish calls f(e).
func (f SinkFunc) Publish(e Event) { f(e) }

// Multi fans an event out to several sinks in order.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(e Event) {
		for _, s := range sinks {
			if s != nil {
				s.Publish(e)
			}
		}
	})
}

// LogSink writes every event to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a sink logging at Info.
func NewLogSink(l *zap.Logger) *LogSink {
	return &LogSink{logger: l}
}

// Publish logs e.
func (s *LogSink) Publish(e Event) {
	fields := []zap.Field{
		zap.String("document_id", e.DocumentID),
		zap.String("kind", string(e.Kind)),
		zap.String("status", string(e.Status)),
		zap.Int("progress", e.Progress),
	}
	if e.Attempt > 0 {
		fields = append(fields, zap.Int("attempt", e.Attempt))
	}
	if e.Message != "" {
		fields = append(fields, zap.String("message", e.Message))
	}
	if e.Error != "" {
		fields = append(fields, zap.String("error", e.Error))
	}
	s.logger.Info("document event", fields...)
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish appends e.
func (r *Recorder) Publish(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events, optionally only those of docID.
func (r *Recorder) Events(docID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, 0, len(r.events))
	for _, e := range r.events {
		if docID == "" || e.DocumentID == docID {
			out = append(out, e)
		}
	}
	return out
}
