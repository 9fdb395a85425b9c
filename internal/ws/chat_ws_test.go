package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-chat/internal/apperrors"
	"marketplace-chat/internal/auth"
	"marketplace-chat/internal/delivery"
	"marketplace-chat/internal/models"
	"marketplace-chat/internal/presence"
)

type fakeService struct {
	mu           sync.Mutex
	connected    []string
	disconnected []string
	submitted    []delivery.SubmitRequest
	typing       []string
	handles      []presence.Handle
}

func (f *fakeService) Connect(ctx context.Context, userID string, h presence.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = append(f.connected, userID)
	f.handles = append(f.handles, h)
	return nil
}

func (f *fakeService) Disconnect(userID string, h presence.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, userID)
	return true
}

func (f *fakeService) Submit(ctx context.Context, req delivery.SubmitRequest) (models.Message, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, req)
	f.mu.Unlock()
	if req.ConversationID == "missing" {
		return models.Message{}, apperrors.NotFound("conversation", nil)
	}
	return models.Message{
		ID:             "m-1",
		ConversationID: req.ConversationID,
		ClientToken:    req.ClientToken,
		SenderID:       req.Sender.ID,
		Payload:        req.Payload,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

func (f *fakeService) Typing(ctx context.Context, from, to, conversationID string, isTyping bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, from+">"+to)
	return nil
}

func (f *fakeService) MarkRead(ctx context.Context, conversationID, userID string) ([]models.Message, error) {
	return nil, apperrors.PermissionDenied("not a participant")
}

func (f *fakeService) disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.disconnected)
}

func setupServer(t *testing.T) (*httptest.Server, *fakeService, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	verifier, err := auth.NewVerifier("secret")
	require.NoError(t, err)
	token, err := verifier.Issue(models.Sender{ID: "alice", Name: "Alice"}, time.Hour)
	require.NoError(t, err)

	svc := &fakeService{}
	router := gin.New()
	router.GET("/ws", NewChatWebSocketHandler(svc, verifier, 8).Handle)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server, svc, token
}

func dial(t *testing.T, server *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) models.ChatEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event models.ChatEvent
	require.NoError(t, conn.ReadJSON(&event))
	return event
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	server, _, _ := setupServer(t)
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestSendFrameIsAcknowledged(t *testing.T) {
	server, svc, token := setupServer(t)
	conn := dial(t, server, token)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":            "send",
		"conversation_id": "c-1",
		"client_token":    "tok-1",
		"payload":         map[string]string{"kind": "text", "text": "hi"},
	}))

	event := readEvent(t, conn)
	assert.Equal(t, models.EventAck, event.Type)
	assert.Equal(t, "tok-1", event.ClientToken)
	require.NotNil(t, event.Message)
	assert.Equal(t, "m-1", event.Message.ID)

	svc.mu.Lock()
	defer svc.mu.Unlock()
	require.Len(t, svc.submitted, 1)
	assert.Equal(t, "alice", svc.submitted[0].Sender.ID)
	assert.Equal(t, "Alice", svc.submitted[0].Sender.Name)
	assert.Equal(t, []string{"alice"}, svc.connected)
}

func TestFailedFramesAnswerWithErrorAndKeepConnection(t *testing.T) {
	server, _, token := setupServer(t)
	conn := dial(t, server, token)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":            "send",
		"conversation_id": "missing",
		"client_token":    "tok-2",
		"payload":         map[string]string{"kind": "text", "text": "hi"},
	}))
	event := readEvent(t, conn)
	assert.Equal(t, models.EventError, event.Type)
	assert.Equal(t, "tok-2", event.ClientToken)
	assert.Equal(t, apperrors.CodeNotFound, event.Code)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "dance"}))
	event = readEvent(t, conn)
	assert.Equal(t, apperrors.CodeValidation, event.Code)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "mark_read", "conversation_id": "c-1"}))
	event = readEvent(t, conn)
	assert.Equal(t, apperrors.CodePermissionDenied, event.Code)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	event = readEvent(t, conn)
	assert.Equal(t, models.EventPong, event.Type)
}

func TestTypingFrameIsForwarded(t *testing.T) {
	server, svc, token := setupServer(t)
	conn := dial(t, server, token)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "typing", "to": "bob", "conversation_id": "c-1", "is_typing": true}))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, models.EventPong, readEvent(t, conn).Type)

	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Equal(t, []string{"alice>bob"}, svc.typing)
}

func TestTypingFrameWithoutConversationIsRejected(t *testing.T) {
	server, svc, token := setupServer(t)
	conn := dial(t, server, token)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "typing", "to": "bob", "is_typing": true}))
	event := readEvent(t, conn)
	assert.Equal(t, models.EventError, event.Type)
	assert.Equal(t, apperrors.CodeValidation, event.Code)

	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Empty(t, svc.typing)
}

func TestCloseDisconnects(t *testing.T) {
	server, svc, token := setupServer(t)
	conn := dial(t, server, token)
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	readEvent(t, conn)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return svc.disconnects() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSupersedeSendsFrameThenCloses(t *testing.T) {
	server, svc, token := setupServer(t)
	conn := dial(t, server, token)
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	readEvent(t, conn)

	svc.mu.Lock()
	handle := svc.handles[0]
	svc.mu.Unlock()
	handle.Supersede()

	assert.Equal(t, models.EventSuperseded, readEvent(t, conn).Type)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Eventually(t, func() bool { return svc.disconnects() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSendNeverBlocks(t *testing.T) {
	c := &Connection{send: make(chan outbound, 1), done: make(chan struct{})}
	require.NoError(t, c.Send(models.ChatEvent{Type: models.EventPong}))
	assert.ErrorIs(t, c.Send(models.ChatEvent{Type: models.EventPong}), ErrSendBufferFull)
	close(c.done)
	assert.ErrorIs(t, c.Send(models.ChatEvent{Type: models.EventPong}), ErrConnectionClosed)
}

func TestSendTrackedConfirmsAfterWrite(t *testing.T) {
	server, svc, token := setupServer(t)
	conn := dial(t, server, token)
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	readEvent(t, conn)

	svc.mu.Lock()
	handle := svc.handles[0]
	svc.mu.Unlock()

	written := make(chan struct{})
	msg := models.Message{ID: "m-1", ConversationID: "c-1", SenderID: "bob", ReceiverID: "alice", Payload: models.TextPayload("hi")}
	require.NoError(t, handle.SendTracked(models.MessageEvent(msg), func() { close(written) }))

	event := readEvent(t, conn)
	assert.Equal(t, models.EventMessage, event.Type)
	select {
	case <-written:
	case <-time.After(2 * time.Second):
		t.Fatal("written callback did not run")
	}
}

func TestQueuedFrameDroppedOnCloseIsNotConfirmed(t *testing.T) {
	c := &Connection{send: make(chan outbound, 1), done: make(chan struct{})}
	var confirmed bool
	require.NoError(t, c.SendTracked(models.ChatEvent{Type: models.EventMessage}, func() { confirmed = true }))
	close(c.done)

	finished := make(chan struct{})
	go func() {
		c.writePump()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("write pump did not stop")
	}
	assert.False(t, confirmed)
	assert.ErrorIs(t, c.SendTracked(models.ChatEvent{Type: models.EventMessage}, func() { confirmed = true }), ErrConnectionClosed)
}
