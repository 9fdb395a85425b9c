package observability

import (
	"context"
	"sync"
	"time"
)

// Event families published to the broker.
const (
	EventTypeChat = "chat_events"
	EventTypeWS   = "ws_events"
)

type EventEnvelope struct {
	EventType  string      `json:"event_type"`
	EventName  string      `json:"event_name"`
	OccurredAt string      `json:"occurred_at,omitempty"`
	Payload    interface{} `json:"payload"`
}

// NewEnvelope stamps an event with the current UTC time.
func NewEnvelope(eventType, eventName string, payload interface{}) EventEnvelope {
	return EventEnvelope{
		EventType:  eventType,
		EventName:  eventName,
		OccurredAt: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:    payload,
	}
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}

var (
	publisherMu      sync.RWMutex
	defaultPublisher Publisher
	publisherDriver  = "none"
)

// SetPublisher installs the process-wide event publisher. driver labels publish error metrics.
func SetPublisher(publisher Publisher, driver string) {
	publisherMu.Lock()
	defer publisherMu.Unlock()
	defaultPublisher = publisher
	publisherDriver = driver
}

// PublishEvent sends message through the installed publisher. Without one it does nothing.
func PublishEvent(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error {
	publisherMu.RLock()
	publisher, driver := defaultPublisher, publisherDriver
	publisherMu.RUnlock()
	if publisher == nil {
		return nil
	}

	if err := publisher.PublishJSON(ctx, routingKey, message, headers); err != nil {
		IncEventPublishError(driver)
		return err
	}
	return nil
}
