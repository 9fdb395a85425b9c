package observability_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"marketplace-chat/internal/mocks"
	"marketplace-chat/internal/observability"
)

func installPublisher(t *testing.T, p observability.Publisher) {
	t.Helper()
	observability.SetPublisher(p, "test")
	t.Cleanup(func() { observability.SetPublisher(nil, "none") })
}

func TestPublishEventWithoutPublisherIsNoop(t *testing.T) {
	observability.SetPublisher(nil, "none")
	assert.NoError(t, observability.PublishEvent(context.Background(), "chat_events.x", nil, nil))
}

func TestPublishEventCarriesRequestHeaders(t *testing.T) {
	pub := new(mocks.EventPublisherMock)
	installPublisher(t, pub)

	ctx := observability.WithRequestID(context.Background(), "req-1")
	envelope := observability.NewEnvelope(observability.EventTypeChat, "message_submitted", map[string]string{"id": "m-1"})
	pub.On("PublishJSON", mock.Anything, "chat_events.message_submitted", envelope, map[string]string{"x-request-id": "req-1"}).
		Return(nil).Once()

	require.NoError(t, observability.PublishEvent(ctx, "chat_events.message_submitted", envelope, observability.HeadersFromContext(ctx)))
	pub.AssertExpectations(t)
}

func TestPublishEventReturnsBrokerError(t *testing.T) {
	pub := new(mocks.EventPublisherMock)
	installPublisher(t, pub)
	pub.On("PublishJSON", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("down")).Once()

	err := observability.PublishEvent(context.Background(), "ws_events.chat", observability.NewEnvelope(observability.EventTypeWS, "ws_connect", nil), nil)
	assert.EqualError(t, err, "down")
}

func TestNewEnvelopeStampsTime(t *testing.T) {
	env := observability.NewEnvelope(observability.EventTypeWS, "ws_connect", nil)
	assert.Equal(t, "ws_events", env.EventType)
	at, err := time.Parse(time.RFC3339Nano, env.OccurredAt)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), at, time.Minute)
}

func TestBuildHeadersSkipsEmpty(t *testing.T) {
	assert.Empty(t, observability.BuildHeaders("", ""))
	assert.Equal(t, map[string]string{"trace_id": "abc"}, observability.BuildHeaders("", "abc"))
}

type fakeKafkaWriter struct {
	msgs []kafka.Message
}

func (w *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeKafkaWriter) Close() error { return nil }

func TestKafkaPublisherKeysByRoutingKey(t *testing.T) {
	writer := &fakeKafkaWriter{}
	pub := observability.NewKafkaPublisherWithWriter(writer)

	env := observability.NewEnvelope(observability.EventTypeChat, "message_read", []string{"m-1"})
	require.NoError(t, pub.PublishJSON(context.Background(), "chat_events.message_read", env, map[string]string{"x-request-id": "r"}))

	require.Len(t, writer.msgs, 1)
	msg := writer.msgs[0]
	assert.Equal(t, "chat_events.message_read", string(msg.Key))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "x-request-id", msg.Headers[0].Key)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "message_read", decoded["event_name"])
}

func TestNewKafkaPublisherRequiresBrokers(t *testing.T) {
	_, err := observability.NewKafkaPublisher(nil, "chat-events")
	assert.Error(t, err)
}

func TestNewAMQPPublisherRequiresURL(t *testing.T) {
	_, err := observability.NewAMQPPublisher("", "chat.events")
	assert.Error(t, err)
}

func TestRequestHelpers(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.RemoteAddr = "192.0.2.10:5555"
	assert.Equal(t, "192.0.2.10", observability.IPFromRequest(r))

	r.Header.Set("X-Real-Ip", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", observability.IPFromRequest(r))

	r.Header.Set("X-Forwarded-For", " 203.0.113.7 , 10.0.0.1")
	assert.Equal(t, "203.0.113.7", observability.IPFromRequest(r))

	r.Header.Set("X-Correlation-Id", "corr-1")
	assert.Equal(t, "corr-1", observability.RequestIDFromRequest(r))
	r.Header.Set("X-Request-Id", "req-1")
	assert.Equal(t, "req-1", observability.RequestIDFromRequest(r))

	r.Header.Set("X-Device-Id", "dev-1")
	assert.Equal(t, "dev-1", observability.DeviceIDFromRequest(r))
}
