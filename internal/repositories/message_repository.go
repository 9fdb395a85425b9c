package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"marketplace-chat/internal/models"
)

const messageColumns = `id, seq, conversation_id, client_token, sender_id, receiver_id,
        sender_name, sender_email, sender_avatar_url, kind, body, media_url, file_name,
        is_delivered, delivered_at, is_read, read_at,
        hidden_for_sender, hidden_for_receiver, deleted_for_everyone, created_at`

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db sqlx.ExtContext
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db sqlx.ExtContext) *MessageRepo {
	return &MessageRepo{db: db}
}

// Append stores a new undelivered, unread message. created_at comes from the database clock.
func (r *MessageRepo) Append(ctx context.Context, in models.NewMessage) (models.Message, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return models.Message{}, fmt.Errorf("message id: %w", err)
	}
	payload := in.Payload.Normalize()

	query := `INSERT INTO messages (id, conversation_id, client_token, sender_id, receiver_id,
            sender_name, sender_email, sender_avatar_url, kind, body, media_url, file_name)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
        RETURNING ` + messageColumns

	var msg models.Message
	err = sqlx.GetContext(ctx, r.db, &msg, query, id.String(), in.ConversationID, in.ClientToken, in.Sender.ID, in.ReceiverID,
		in.Sender.Name, in.Sender.Email, in.Sender.AvatarURL, payload.Kind, payload.Text, payload.MediaURL, payload.FileName)
	return msg, err
}

// Get retrieves a single message.
func (r *MessageRepo) Get(ctx context.Context, messageID string) (models.Message, error) {
	var msg models.Message
	err := sqlx.GetContext(ctx, r.db, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// Page returns up to limit messages older than before, oldest first, filtered per viewer visibility.
func (r *MessageRepo) Page(ctx context.Context, conversationID, viewerID string, before *time.Time, limit int) ([]models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM (
            SELECT ` + messageColumns + ` FROM messages
            WHERE conversation_id = $1
            AND NOT (sender_id = $2 AND hidden_for_sender = TRUE)
            AND NOT (receiver_id = $2 AND hidden_for_receiver = TRUE)
            AND ($3::timestamptz IS NULL OR created_at < $3)
            ORDER BY created_at DESC, seq DESC
            LIMIT $4
        ) page
        ORDER BY created_at ASC, seq ASC`
	msgs := []models.Message{}
	err := sqlx.SelectContext(ctx, r.db, &msgs, query, conversationID, viewerID, before, limit)
	return msgs, err
}

// MarkDelivered flags a single pushed message. The bool is false when it was already delivered.
func (r *MessageRepo) MarkDelivered(ctx context.Context, messageID string) (models.Message, bool, error) {
	var msg models.Message
	err := sqlx.GetContext(ctx, r.db, &msg, `UPDATE messages SET is_delivered = TRUE, delivered_at = NOW()
        WHERE id = $1 AND is_delivered = FALSE
        RETURNING `+messageColumns, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, false, nil
	}
	if err != nil {
		return models.Message{}, false, err
	}
	return msg, true, nil
}

// Pending lists the receiver's undelivered messages, oldest first.
func (r *MessageRepo) Pending(ctx context.Context, receiverID string) ([]models.Message, error) {
	msgs := []models.Message{}
	err := sqlx.SelectContext(ctx, r.db, &msgs, `SELECT `+messageColumns+` FROM messages
        WHERE receiver_id = $1 AND is_delivered = FALSE
        ORDER BY created_at ASC, seq ASC`, receiverID)
	return msgs, err
}

// MarkDeliveredBatch flags the listed messages still pending for the receiver and returns them.
// The conditional update makes a repeated call return an empty batch.
func (r *MessageRepo) MarkDeliveredBatch(ctx context.Context, receiverID string, messageIDs []string) ([]models.Message, error) {
	msgs := []models.Message{}
	if len(messageIDs) == 0 {
		return msgs, nil
	}
	err := sqlx.SelectContext(ctx, r.db, &msgs, `UPDATE messages SET is_delivered = TRUE, delivered_at = NOW()
        WHERE receiver_id = $1 AND id = ANY($2) AND is_delivered = FALSE
        RETURNING `+messageColumns, receiverID, pq.Array(messageIDs))
	if err != nil {
		return nil, err
	}
	sortMessages(msgs)
	return msgs, nil
}

// MarkReadForUser stamps every unread message addressed to userID in the conversation.
// Messages still pending are flagged delivered at the same instant.
func (r *MessageRepo) MarkReadForUser(ctx context.Context, conversationID, userID string) ([]models.Message, error) {
	msgs := []models.Message{}
	err := sqlx.SelectContext(ctx, r.db, &msgs, `UPDATE messages SET
            is_read = TRUE,
            read_at = NOW(),
            is_delivered = TRUE,
            delivered_at = COALESCE(delivered_at, NOW())
        WHERE conversation_id = $1 AND receiver_id = $2 AND is_read = FALSE
        RETURNING `+messageColumns, conversationID, userID)
	if err != nil {
		return nil, err
	}
	sortMessages(msgs)
	return msgs, nil
}

// HideForUser marks a message as removed from the user's own view.
func (r *MessageRepo) HideForUser(ctx context.Context, messageID, userID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET
            hidden_for_sender = hidden_for_sender OR sender_id = $2,
            hidden_for_receiver = hidden_for_receiver OR receiver_id = $2
        WHERE id = $1 AND (sender_id = $2 OR receiver_id = $2)`, messageID, userID)
	if err != nil {
		return err
	}
	return expectRows(res, ErrMessageNotFound)
}

// DeleteForEveryone replaces the payload with a tombstone (sender only).
func (r *MessageRepo) DeleteForEveryone(ctx context.Context, messageID, senderID string) (models.Message, error) {
	var msg models.Message
	err := sqlx.GetContext(ctx, r.db, &msg, `UPDATE messages SET
            deleted_for_everyone = TRUE, kind = $3, body = '', media_url = '', file_name = ''
        WHERE id = $1 AND sender_id = $2
        RETURNING `+messageColumns, messageID, senderID, models.KindDeleted)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// DeleteForConversation removes every message of a conversation.
func (r *MessageRepo) DeleteForConversation(ctx context.Context, conversationID string) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id=$1`, conversationID)
	if err != nil {
		return 0, err
	}
	count, err := res.RowsAffected()
	return int(count), err
}
