package rabbitmq

import (
	"context"
	"log"

	"marketplace-chat/internal/observability"
	"marketplace-chat/internal/telemetry"
)

const (
	ModeAMQP = "amqp"
	ModeNoop = "noop"
)

// Publisher publishes audit envelopes to the audit exchange.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

// NewPublisher connects the audit trail to RabbitMQ. When the broker is disabled or unreachable
// the trail degrades to log lines and the service keeps running.
func NewPublisher(amqpURL, exchange string) Publisher {
	if amqpURL == "" {
		return degraded("amqp url not configured")
	}
	broker, err := observability.NewAMQPPublisher(amqpURL, exchange)
	if err != nil {
		return degraded(err.Error())
	}
	log.Printf("audit trail connected exchange=%s", broker.Exchange())
	return &auditPublisher{broker: broker}
}

// Describe reports the publisher mode and, for a degraded publisher, why it degraded.
func Describe(p Publisher) (mode, reason string) {
	switch pub := p.(type) {
	case *auditPublisher:
		return ModeAMQP, ""
	case *logPublisher:
		return ModeNoop, pub.reason
	default:
		return "unknown", ""
	}
}

type auditPublisher struct {
	broker *observability.AMQPPublisher
}

func (p *auditPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	var headers map[string]string
	if envelope, ok := asEnvelope(event); ok {
		headers = observability.BuildHeaders(envelope.RequestID, "")
		if envelope.UserID != "" {
			headers["user_id"] = envelope.UserID
		}
	}
	if err := p.broker.PublishJSON(ctx, routingKey, event, headers); err != nil {
		log.Printf("audit publish failed routing_key=%s err=%v", routingKey, err)
		return err
	}
	return nil
}

func (p *auditPublisher) Close() error {
	return p.broker.Close()
}

// logPublisher writes audit entries to the process log instead of the broker.
type logPublisher struct {
	reason string
}

func degraded(reason string) *logPublisher {
	log.Printf("audit trail degraded to log reason=%q", reason)
	return &logPublisher{reason: reason}
}

func (p *logPublisher) Publish(_ context.Context, routingKey string, event any) error {
	envelope, ok := asEnvelope(event)
	if !ok {
		log.Printf("audit routing_key=%s event=%T", routingKey, event)
		return nil
	}
	log.Printf("audit routing_key=%s action=%s level=%s user_id=%s request_id=%s text=%q",
		routingKey, envelope.Payload.Action, envelope.Payload.Level, envelope.UserID, envelope.RequestID, envelope.Payload.Text)
	return nil
}

func (p *logPublisher) Close() error { return nil }

func asEnvelope(event any) (telemetry.AuditEnvelope, bool) {
	switch envelope := event.(type) {
	case telemetry.AuditEnvelope:
		return envelope, true
	case *telemetry.AuditEnvelope:
		if envelope != nil {
			return *envelope, true
		}
	}
	return telemetry.AuditEnvelope{}, false
}
