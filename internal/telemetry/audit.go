package telemetry

import (
	"context"
	"log"
	"time"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

// AuditEmitter records who did what to which conversation.
type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	now         func() time.Time
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id"`
	UserID        string       `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Level      string            `json:"level"`
	Action     string            `json:"action"`
	Text       string            `json:"text,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// AuditEntry is one audited action.
type AuditEntry struct {
	Level      string
	Action     string
	Text       string
	RequestID  string
	UserID     string
	Attributes map[string]string
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment string) *AuditEmitter {
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		now:         time.Now,
	}
}

// Envelope builds the wire form of an entry.
func (e *AuditEmitter) Envelope(entry AuditEntry) AuditEnvelope {
	level := entry.Level
	if level == "" {
		level = "INFO"
	}
	return AuditEnvelope{
		SchemaVersion: 2,
		EventType:     "audit_log",
		OccurredAt:    e.now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     entry.RequestID,
		UserID:        entry.UserID,
		Payload: AuditPayload{
			Level:      level,
			Action:     entry.Action,
			Text:       entry.Text,
			Attributes: entry.Attributes,
		},
	}
}

// Emit publishes an entry. Failures are logged and swallowed.
func (e *AuditEmitter) Emit(ctx context.Context, entry AuditEntry) {
	if e == nil || e.publisher == nil {
		return
	}

	log.Printf("audit emit: level=%s action=%s request_id=%s user_id=%s text=%q", entry.Level, entry.Action, entry.RequestID, entry.UserID, entry.Text)
	if err := e.publisher.Publish(ctx, e.routingKey, e.Envelope(entry)); err != nil {
		log.Printf("audit publish failed: action=%s err=%v", entry.Action, err)
	}
}
