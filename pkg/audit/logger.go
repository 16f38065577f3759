package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/clinicaccess/pkg/contextkeys"
)

// Logger is the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *AuditEvent) error

	// Close closes the logger and flushes any buffered logs
	Close() error
}

// WithLogger adds an audit logger to the context
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return contextkeys.WithAuditLogger(ctx, logger)
}

// FromContext retrieves the audit logger from context
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(contextkeys.AuditLoggerKey).(Logger); ok {
		return logger
	}
	// Return a no-op logger if none is set
	return NoOpLogger{}
}

// NewEvent creates an event stamped with an ID, the current time, and the
// actor and request ID found in ctx
func NewEvent(ctx context.Context, clinicID int64, eventType EventType, status EventStatus) *AuditEvent {
	event := &AuditEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Status:    status,
		ClinicID:  clinicID,
		RequestID: contextkeys.GetRequestID(ctx),
		Metadata:  make(map[string]interface{}),
	}
	if actor, ok := contextkeys.GetActorID(ctx); ok {
		event.ActorID = &actor
	}
	return event
}

// StatusOf maps an operation error to an event status
func StatusOf(err error) EventStatus {
	if err != nil {
		return EventStatusFailure
	}
	return EventStatusSuccess
}

// NoOpLogger discards every event
type NoOpLogger struct{}

func (NoOpLogger) Log(ctx context.Context, event *AuditEvent) error { return nil }
func (NoOpLogger) Close() error                                     { return nil }

// MemoryLogger keeps events in memory. Useful in tests and the admin CLI.
type MemoryLogger struct {
	mu     sync.Mutex
	events []*AuditEvent
}

// NewMemoryLogger creates an empty in-memory logger
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

func (l *MemoryLogger) Log(ctx context.Context, event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

// Events returns the recorded events in order
func (l *MemoryLogger) Events() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*AuditEvent, len(l.events))
	copy(out, l.events)
	return out
}

func (l *MemoryLogger) Close() error { return nil }
