// Package audit defines the audit sink the reconcilers record through.
//
// Reconcilers emit one event per successfully changed project, never per
// namespace or per batch, so the audit trail answers "what changed for this
// project and who did it" without correlation work.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event is one security-relevant change.
type Event struct {
	ID         string
	Name       string // e.g. "scan_profile_attached", "policy_linked"
	Author     string
	ProjectID  int64
	EntityType string
	EntityID   int64
	Message    string // human-readable before/after summary
	OccurredAt time.Time
}

// Sink records audit events. Implementations must be safe for concurrent
// use; recording must not fail the operation being audited.
type Sink interface {
	Record(ctx context.Context, event Event) error
}

// ZapSink writes audit events as structured log records. Deployments that
// ship logs to a retention store get a durable audit trail for free.
type ZapSink struct {
	log *zap.Logger
}

func NewZapSink(log *zap.Logger) *ZapSink {
	return &ZapSink{log: log}
}

func (s *ZapSink) Record(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	s.log.Info("audit event",
		zap.String("audit_id", event.ID),
		zap.String("event", event.Name),
		zap.String("author", event.Author),
		zap.Int64("project_id", event.ProjectID),
		zap.String("entity_type", event.EntityType),
		zap.Int64("entity_id", event.EntityID),
		zap.String("message", event.Message),
		zap.Time("occurred_at", event.OccurredAt),
	)
	return nil
}

// MemorySink records events for assertions in tests.
type MemorySink struct {
	events []Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Record(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	s.events = append(s.events, event)
	return nil
}

// Events returns everything recorded so far.
func (s *MemorySink) Events() []Event {
	return s.events
}
