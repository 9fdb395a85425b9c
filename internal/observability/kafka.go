package observability

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
)

const kafkaWriteTimeout = 3 * time.Second

// KafkaWriter is the subset of *kafka.Writer the publisher needs.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes domain events to a single topic. The routing key becomes the message key
// so events of one kind stay ordered within a partition.
type KafkaPublisher struct {
	writer KafkaWriter
}

func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("kafka brokers and topic are required")
	}
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.Hash{},
		Dialer: &kafka.Dialer{
			Timeout:   kafkaWriteTimeout,
			DualStack: true,
		},
	})
	return &KafkaPublisher{writer: writer}, nil
}

// NewKafkaPublisherWithWriter wraps an existing writer.
func NewKafkaPublisherWithWriter(writer KafkaWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: writer}
}

func (p *KafkaPublisher) PublishJSON(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error {
	value, err := json.Marshal(message)
	if err != nil {
		return err
	}

	kafkaHeaders := make([]kafka.Header, 0, len(headers))
	for key, val := range headers {
		kafkaHeaders = append(kafkaHeaders, kafka.Header{Key: key, Value: []byte(val)})
	}

	ctx, cancel := context.WithTimeout(ctx, kafkaWriteTimeout)
	defer cancel()
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(routingKey),
		Value:   value,
		Headers: kafkaHeaders,
		Time:    time.Now(),
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
