package handlers

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"marketplace-chat/internal/apperrors"
	"marketplace-chat/internal/delivery"
	"marketplace-chat/internal/middleware"
	"marketplace-chat/internal/models"
	"marketplace-chat/internal/telemetry"
)

// ChatService is the delivery coordinator surface the HTTP API drives.
type ChatService interface {
	StartConversation(ctx context.Context, userID, participantID string, subject models.Subject) (models.ConversationSummary, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]models.ConversationSummary, error)
	PageMessages(ctx context.Context, conversationID, userID string, before *time.Time, limit int) ([]models.Message, error)
	Submit(ctx context.Context, req delivery.SubmitRequest) (models.Message, error)
	MarkRead(ctx context.Context, conversationID, userID string) ([]models.Message, error)
	DeleteForMe(ctx context.Context, messageID, userID string) error
	DeleteForEveryone(ctx context.Context, messageID, userID string) (models.Message, error)
	DeleteConversation(ctx context.Context, conversationID, userID string) (int, error)
	Typing(ctx context.Context, from, to, conversationID string, isTyping bool) error
}

// ChatHandler manages conversation and message endpoints.
type ChatHandler struct {
	service ChatService
	audit   *telemetry.AuditEmitter
}

// NewChatHandler builds a ChatHandler. audit may be nil.
func NewChatHandler(service ChatService, audit *telemetry.AuditEmitter) *ChatHandler {
	return &ChatHandler{service: service, audit: audit}
}

// Register mounts the chat routes on an authenticated group.
func (h *ChatHandler) Register(r gin.IRoutes) {
	r.POST("/conversations/start", h.StartConversation)
	r.GET("/conversations", h.ListConversations)
	r.GET("/conversations/:conversation_id/messages", h.GetMessages)
	r.POST("/conversations/:conversation_id/messages", h.PostConversationMessage)
	r.POST("/conversations/:conversation_id/read", h.MarkRead)
	r.DELETE("/conversations/:conversation_id", h.DeleteConversation)
	r.POST("/messages", h.PostMessage)
	r.DELETE("/messages/:message_id/me", h.DeleteForMe)
	r.DELETE("/messages/:message_id/all", h.DeleteForEveryone)
	r.POST("/typing", h.Typing)
}

// StartConversation finds or creates the conversation with another user about a listing.
func (h *ChatHandler) StartConversation(c *gin.Context) {
	var req struct {
		ParticipantID string         `json:"participant_id" binding:"required"`
		Subject       models.Subject `json:"subject" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": apperrors.CodeValidation})
		return
	}

	userID := c.GetString(middleware.UserIDKey)
	summary, err := h.service.StartConversation(c.Request.Context(), userID, req.ParticipantID, req.Subject)
	if err != nil {
		writeError(c, err)
		return
	}

	h.emit(c, "conversation.start", map[string]string{"conversation_id": summary.ID, "participant_id": req.ParticipantID})
	c.JSON(http.StatusOK, gin.H{"conversation": summary})
}

// ListConversations returns the caller's conversations, most recent first.
func (h *ChatHandler) ListConversations(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}

	list, err := h.service.ListConversations(c.Request.Context(), c.GetString(middleware.UserIDKey), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []models.ConversationSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": list})
}

// GetMessages pages history backwards from ?before=.
func (h *ChatHandler) GetMessages(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}

	var before *time.Time
	if raw := c.Query("before"); raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before timestamp", "code": apperrors.CodeValidation})
			return
		}
		before = &ts
	}

	msgs, err := h.service.PageMessages(c.Request.Context(), c.Param("conversation_id"), c.GetString(middleware.UserIDKey), before, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type postMessageRequest struct {
	ClientToken string         `json:"client_token" binding:"required,max=128"`
	Payload     models.Payload `json:"payload"`
}

// PostConversationMessage submits a message into an existing conversation.
func (h *ChatHandler) PostConversationMessage(c *gin.Context) {
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": apperrors.CodeValidation})
		return
	}

	h.submit(c, delivery.SubmitRequest{
		ConversationID: c.Param("conversation_id"),
		Sender:         middleware.Identity(c),
		Payload:        req.Payload,
		ClientToken:    req.ClientToken,
	})
}

// PostMessage submits a message addressed by receiver and subject, creating the conversation
// on first contact.
func (h *ChatHandler) PostMessage(c *gin.Context) {
	var req struct {
		postMessageRequest
		ReceiverID string         `json:"receiver_id" binding:"required"`
		Subject    models.Subject `json:"subject" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": apperrors.CodeValidation})
		return
	}

	h.submit(c, delivery.SubmitRequest{
		ReceiverID:  req.ReceiverID,
		Subject:     req.Subject,
		Sender:      middleware.Identity(c),
		Payload:     req.Payload,
		ClientToken: req.ClientToken,
	})
}

func (h *ChatHandler) submit(c *gin.Context, req delivery.SubmitRequest) {
	msg, err := h.service.Submit(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// MarkRead marks every message addressed to the caller in the conversation as read.
func (h *ChatHandler) MarkRead(c *gin.Context) {
	read, err := h.service.MarkRead(c.Request.Context(), c.Param("conversation_id"), c.GetString(middleware.UserIDKey))
	if err != nil {
		writeError(c, err)
		return
	}

	ids := make([]string, 0, len(read))
	for _, msg := range read {
		ids = append(ids, msg.ID)
	}
	c.JSON(http.StatusOK, gin.H{"message_ids": ids})
}

// DeleteForMe hides a message from the caller's own view.
func (h *ChatHandler) DeleteForMe(c *gin.Context) {
	messageID := c.Param("message_id")
	if err := h.service.DeleteForMe(c.Request.Context(), messageID, c.GetString(middleware.UserIDKey)); err != nil {
		writeError(c, err)
		return
	}

	h.emit(c, "message.delete_me", map[string]string{"message_id": messageID})
	c.Status(http.StatusNoContent)
}

// DeleteForEveryone replaces a message with a tombstone for both participants.
func (h *ChatHandler) DeleteForEveryone(c *gin.Context) {
	messageID := c.Param("message_id")
	msg, err := h.service.DeleteForEveryone(c.Request.Context(), messageID, c.GetString(middleware.UserIDKey))
	if err != nil {
		writeError(c, err)
		return
	}

	h.emit(c, "message.delete_all", map[string]string{"message_id": messageID, "conversation_id": msg.ConversationID})
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

// DeleteConversation removes the conversation and all its messages.
func (h *ChatHandler) DeleteConversation(c *gin.Context) {
	conversationID := c.Param("conversation_id")
	removed, err := h.service.DeleteConversation(c.Request.Context(), conversationID, c.GetString(middleware.UserIDKey))
	if err != nil {
		writeError(c, err)
		return
	}

	h.emit(c, "conversation.delete", map[string]string{
		"conversation_id":  conversationID,
		"messages_removed": strconv.Itoa(removed),
	})
	c.JSON(http.StatusOK, gin.H{"messages_removed": removed})
}

// Typing relays a typing indicator. It is accepted even when the recipient is offline.
func (h *ChatHandler) Typing(c *gin.Context) {
	var req models.TypingFrame
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": apperrors.CodeValidation})
		return
	}
	if req.To == "" || req.ConversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to and conversation_id are required", "code": apperrors.CodeValidation})
		return
	}

	if err := h.service.Typing(c.Request.Context(), c.GetString(middleware.UserIDKey), req.To, req.ConversationID, req.IsTyping); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *ChatHandler) emit(c *gin.Context, action string, attrs map[string]string) {
	if h.audit == nil {
		return
	}
	h.audit.Emit(requestContext(c), telemetry.AuditEntry{
		Action:     action,
		RequestID:  requestIDFromContext(c),
		UserID:     userIDFromContext(c),
		Attributes: attrs,
	})
}

func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit", "code": apperrors.CodeValidation})
		return 0, false
	}
	return limit, true
}

func writeError(c *gin.Context, err error) {
	appErr := apperrors.From(err)
	if appErr.Status >= http.StatusInternalServerError {
		log.Printf("request failed method=%s path=%s request_id=%s err=%v", c.Request.Method, c.FullPath(), requestIDFromContext(c), err)
	}
	c.JSON(appErr.Status, gin.H{"error": appErr.Message, "code": appErr.Code})
}
