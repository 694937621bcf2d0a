// Package audit records sensitive operations such as query executions and approval decisions.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Severity grades an audit event.
type Severity string

// Severities.
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is a generic audit record.
type Event struct {
	// Timestamp is when the audited operation happened.
	Timestamp time.Time `json:"timestamp"`
	// Source names the component that emitted the event.
	Source string `json:"source"`
	// Severity grades the event.
	Severity Severity `json:"severity"`
	// Message is a one-line summary.
	Message string `json:"message"`
	// Payload carries structured details; sensitive values are masked by the caller.
	Payload map[string]any `json:"payload,omitempty"`
}

// Sink stores audit events.
type Sink interface {
	// Record stores an audit event.
	Record(ctx context.Context, event Event) error
}

// LogSink writes audit events to slog.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Record logs an audit event.
func (l *LogSink) Record(ctx context.Context, event Event) error {
	if l == nil || l.logger == nil {
		return nil
	}
	level := slog.LevelInfo
	if event.Severity == SeverityWarning || event.Severity == SeverityCritical {
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, "audit",
		"timestamp", event.Timestamp,
		"source", event.Source,
		"severity", event.Severity,
		"message", event.Message,
		"payload", event.Payload,
	)
	return nil
}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

// Record implements Sink.
func (m Multi) Record(ctx context.Context, event Event) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Record implements Sink.
func (r *Recorder) Record(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}
