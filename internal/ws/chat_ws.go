package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"marketplace-chat/internal/apperrors"
	"marketplace-chat/internal/auth"
	"marketplace-chat/internal/delivery"
	"marketplace-chat/internal/models"
	"marketplace-chat/internal/observability"
	"marketplace-chat/internal/presence"
)

const wsKind = "chat"

// ChatService is the part of the delivery coordinator a live connection drives.
type ChatService interface {
	Connect(ctx context.Context, userID string, h presence.Handle) error
	Disconnect(userID string, h presence.Handle) bool
	Submit(ctx context.Context, req delivery.SubmitRequest) (models.Message, error)
	Typing(ctx context.Context, from, to, conversationID string, isTyping bool) error
	MarkRead(ctx context.Context, conversationID, userID string) ([]models.Message, error)
}

// TokenVerifier resolves a bearer token to the caller's profile.
type TokenVerifier interface {
	Verify(token string) (models.Sender, error)
}

// ChatWebSocketHandler serves the per-user chat connection.
type ChatWebSocketHandler struct {
	service    ChatService
	verifier   TokenVerifier
	validate   *validator.Validate
	sendBuffer int
}

// NewChatWebSocketHandler constructs a ChatWebSocketHandler.
func NewChatWebSocketHandler(service ChatService, verifier TokenVerifier, sendBuffer int) *ChatWebSocketHandler {
	return &ChatWebSocketHandler{
		service:    service,
		verifier:   verifier,
		validate:   validator.New(),
		sendBuffer: sendBuffer,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handle authenticates, upgrades and serves the connection until it closes.
func (h *ChatWebSocketHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("marketplace-chat/ws").Start(c.Request.Context(), "ws.handshake")
	c.Request = c.Request.WithContext(ctx)

	header := c.GetHeader("Authorization")
	if header == "" {
		if token := c.Query("token"); token != "" {
			header = "Bearer " + token
		}
	}
	user, err := h.authenticate(header)
	if err != nil {
		span.End()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	span.SetAttributes(attribute.String("user.id", user.ID))

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.End()
		return
	}

	traceID := span.SpanContext().TraceID().String()
	requestID := observability.RequestIDFromRequest(c.Request)
	ctx = observability.WithRequestID(ctx, requestID)
	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      user.ID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   requestID,
		TraceID:     traceID,
		ConnectedAt: time.Now(),
	}
	connection := NewConnection(conn, info, h.sendBuffer)
	go connection.writePump()

	if err := h.service.Connect(ctx, user.ID, connection); err != nil {
		log.Printf("ws connect failed user_id=%s conn_id=%s err=%v", user.ID, info.ConnID, err)
		connection.Close("connect failed")
		span.End()
		return
	}
	span.End()

	observability.IncWSActive(wsKind)
	observability.IncWSEvent(wsKind, "ws_connect")
	publishWSEvent(ctx, "ws_connect", info, "")

	defer func() {
		connection.Close("read loop exited")
		h.service.Disconnect(user.ID, connection)
		observability.DecWSActive(wsKind)
		observability.IncWSEvent(wsKind, "ws_disconnect")
		publishWSEvent(ctx, "ws_disconnect", info, connection.Reason())
	}()

	h.readLoop(ctx, connection, user)
}

func (h *ChatWebSocketHandler) authenticate(header string) (models.Sender, error) {
	token, err := auth.BearerToken(header)
	if err != nil {
		return models.Sender{}, err
	}
	return h.verifier.Verify(token)
}

func (h *ChatWebSocketHandler) readLoop(ctx context.Context, connection *Connection, user models.Sender) {
	conn := connection.conn
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-connection.Done():
				default:
					observability.IncWSEvent(wsKind, "ws_error")
					publishWSEvent(ctx, "ws_error", connection.info, err.Error())
				}
			}
			connection.setReason(err.Error())
			return
		}
		if msgType != websocket.TextMessage {
			h.reply(connection, models.ErrorEvent("", apperrors.CodeValidation, "only text frames are supported"))
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		h.dispatch(ctx, connection, user, raw)
	}
}

// dispatch handles one client frame. Failures are answered with an error frame and never end
// the connection.
func (h *ChatWebSocketHandler) dispatch(ctx context.Context, connection *Connection, user models.Sender, raw []byte) {
	var frame models.ClientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		h.reply(connection, models.ErrorEvent("", apperrors.CodeValidation, "malformed frame"))
		return
	}
	if err := h.validate.Struct(frame); err != nil {
		h.reply(connection, models.ErrorEvent("", apperrors.CodeValidation, "unknown frame type"))
		return
	}

	switch frame.Type {
	case models.FrameSend:
		var send models.SendFrame
		if err := h.decode(raw, &send); err != nil {
			h.reply(connection, models.ErrorEvent(send.ClientToken, apperrors.CodeValidation, err.Error()))
			return
		}
		msg, err := h.service.Submit(ctx, delivery.SubmitRequest{
			ConversationID: send.ConversationID,
			Sender:         user,
			Payload:        send.Payload,
			ClientToken:    send.ClientToken,
		})
		if err != nil {
			h.replyError(connection, send.ClientToken, err)
			return
		}
		h.reply(connection, models.AckEvent(msg))
	case models.FrameTyping:
		var typing models.TypingFrame
		if err := h.decode(raw, &typing); err != nil {
			h.reply(connection, models.ErrorEvent("", apperrors.CodeValidation, err.Error()))
			return
		}
		if err := h.service.Typing(ctx, user.ID, typing.To, typing.ConversationID, typing.IsTyping); err != nil {
			h.replyError(connection, "", err)
		}
	case models.FrameMarkRead:
		var markRead models.MarkReadFrame
		if err := h.decode(raw, &markRead); err != nil {
			h.reply(connection, models.ErrorEvent("", apperrors.CodeValidation, err.Error()))
			return
		}
		if _, err := h.service.MarkRead(ctx, markRead.ConversationID, user.ID); err != nil {
			h.replyError(connection, "", err)
		}
	case models.FramePing:
		h.reply(connection, models.ChatEvent{Type: models.EventPong})
	}
}

func (h *ChatWebSocketHandler) decode(raw []byte, dst interface{}) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return err
	}
	return h.validate.Struct(dst)
}

func (h *ChatWebSocketHandler) replyError(connection *Connection, clientToken string, err error) {
	appErr := apperrors.From(err)
	if appErr.Code == apperrors.CodeInternal || appErr.Code == apperrors.CodeStorage {
		log.Printf("ws frame failed conn_id=%s user_id=%s err=%v", connection.ID(), connection.info.UserID, err)
	}
	h.reply(connection, models.ErrorEvent(clientToken, appErr.Code, appErr.Message))
}

func (h *ChatWebSocketHandler) reply(connection *Connection, event models.ChatEvent) {
	if err := connection.Send(event); err != nil {
		log.Printf("ws reply dropped conn_id=%s type=%s err=%v", connection.ID(), event.Type, err)
	}
}

func publishWSEvent(ctx context.Context, name string, info ConnInfo, reason string) {
	var durationMs int64
	if name != "ws_connect" {
		durationMs = time.Since(info.ConnectedAt).Milliseconds()
	}
	_ = observability.PublishEvent(ctx, "ws_events.chat", observability.NewEnvelope(observability.EventTypeWS, name,
		map[string]interface{}{
			"ws": map[string]interface{}{
				"kind":        wsKind,
				"event":       name,
				"conn_id":     info.ConnID,
				"duration_ms": durationMs,
				"reason":      reason,
			},
			"identity": map[string]interface{}{
				"user_id":   info.UserID,
				"device_id": info.DeviceID,
				"ip":        info.IP,
			},
		}), observability.BuildHeaders(info.RequestID, traceIDOf(ctx, info)))
}

func traceIDOf(ctx context.Context, info ConnInfo) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return info.TraceID
}
