package repositories

import (
	"context"
	"errors"
	"sort"
	"time"

	"marketplace-chat/internal/models"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrSelfConversation     = errors.New("cannot create conversation with self")
)

// ConversationRepository abstracts conversation persistence. It is the only writer of conversations.
type ConversationRepository interface {
	FindOrCreate(ctx context.Context, participantA, participantB string, subject models.Subject) (models.Conversation, error)
	Get(ctx context.Context, conversationID string) (models.Conversation, error)
	ListForUser(ctx context.Context, userID string, limit int) ([]models.Conversation, error)
	RecordNewMessage(ctx context.Context, conversationID, senderID, receiverID, summary string, at time.Time) (models.Conversation, error)
	ResetUnread(ctx context.Context, conversationID, userID string) error
	Delete(ctx context.Context, conversationID string) error
}

// MessageRepository defines interactions for chat messages. It is the only writer of messages.
type MessageRepository interface {
	Append(ctx context.Context, msg models.NewMessage) (models.Message, error)
	Get(ctx context.Context, messageID string) (models.Message, error)
	Page(ctx context.Context, conversationID, viewerID string, before *time.Time, limit int) ([]models.Message, error)
	MarkDelivered(ctx context.Context, messageID string) (models.Message, bool, error)
	Pending(ctx context.Context, receiverID string) ([]models.Message, error)
	MarkDeliveredBatch(ctx context.Context, receiverID string, messageIDs []string) ([]models.Message, error)
	MarkReadForUser(ctx context.Context, conversationID, userID string) ([]models.Message, error)
	HideForUser(ctx context.Context, messageID, userID string) error
	DeleteForEveryone(ctx context.Context, messageID, senderID string) (models.Message, error)
	DeleteForConversation(ctx context.Context, conversationID string) (int, error)
}

// Store bundles both repositories. Work passed to WithinTx commits or fails as one unit.
type Store interface {
	Conversations() ConversationRepository
	Messages() MessageRepository
	WithinTx(ctx context.Context, fn func(tx Store) error) error
	Close() error
}

const (
	DefaultPageSize = 30
	MaxPageSize     = 100
)

// ClampLimit bounds a requested page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

func sortMessages(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Before(msgs[j]) })
}
