package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"marketplace-chat/internal/delivery"
	"marketplace-chat/internal/models"
)

type ChatServiceMock struct {
	mock.Mock
}

func (m *ChatServiceMock) StartConversation(ctx context.Context, userID, participantID string, subject models.Subject) (models.ConversationSummary, error) {
	args := m.Called(ctx, userID, participantID, subject)
	var summary models.ConversationSummary
	if val := args.Get(0); val != nil {
		summary = val.(models.ConversationSummary)
	}
	return summary, args.Error(1)
}

func (m *ChatServiceMock) ListConversations(ctx context.Context, userID string, limit int) ([]models.ConversationSummary, error) {
	args := m.Called(ctx, userID, limit)
	var list []models.ConversationSummary
	if val := args.Get(0); val != nil {
		list = val.([]models.ConversationSummary)
	}
	return list, args.Error(1)
}

func (m *ChatServiceMock) PageMessages(ctx context.Context, conversationID, userID string, before *time.Time, limit int) ([]models.Message, error) {
	args := m.Called(ctx, conversationID, userID, before, limit)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *ChatServiceMock) Submit(ctx context.Context, req delivery.SubmitRequest) (models.Message, error) {
	args := m.Called(ctx, req)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *ChatServiceMock) MarkRead(ctx context.Context, conversationID, userID string) ([]models.Message, error) {
	args := m.Called(ctx, conversationID, userID)
	var msgs []models.Message
	if val := args.Get(0); val != nil {
		msgs = val.([]models.Message)
	}
	return msgs, args.Error(1)
}

func (m *ChatServiceMock) DeleteForMe(ctx context.Context, messageID, userID string) error {
	args := m.Called(ctx, messageID, userID)
	return args.Error(0)
}

func (m *ChatServiceMock) DeleteForEveryone(ctx context.Context, messageID, userID string) (models.Message, error) {
	args := m.Called(ctx, messageID, userID)
	var msg models.Message
	if val := args.Get(0); val != nil {
		msg = val.(models.Message)
	}
	return msg, args.Error(1)
}

func (m *ChatServiceMock) DeleteConversation(ctx context.Context, conversationID, userID string) (int, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Int(0), args.Error(1)
}

func (m *ChatServiceMock) Typing(ctx context.Context, from, to, conversationID string, isTyping bool) error {
	args := m.Called(ctx, from, to, conversationID, isTyping)
	return args.Error(0)
}
