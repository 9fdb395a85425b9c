package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"marketplace-chat/internal/models"
)

const conversationColumns = `id, user_low, user_high, subject_title, listing_id, listing_image_url, listing_price,
        last_message, last_message_sender_id, unread_low, unread_high, sort_at, created_at`

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db sqlx.ExtContext
}

// NewConversationRepo constructs a ConversationRepo over a database or a transaction.
func NewConversationRepo(db sqlx.ExtContext) *ConversationRepo {
	return &ConversationRepo{db: db}
}

// FindOrCreate returns the conversation for the unordered pair and subject, creating it if needed.
// The upsert on the normalized pair keeps concurrent callers from creating duplicates.
func (r *ConversationRepo) FindOrCreate(ctx context.Context, participantA, participantB string, subject models.Subject) (models.Conversation, error) {
	if participantA == participantB {
		return models.Conversation{}, ErrSelfConversation
	}
	low, high := models.NormalizePair(participantA, participantB)
	subject = subject.Normalize()

	query := `INSERT INTO conversations (id, user_low, user_high, subject_title, listing_id, listing_image_url, listing_price)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (user_low, user_high, subject_title) DO UPDATE SET
            listing_id = COALESCE(NULLIF(EXCLUDED.listing_id, ''), conversations.listing_id),
            listing_image_url = COALESCE(NULLIF(EXCLUDED.listing_image_url, ''), conversations.listing_image_url),
            listing_price = COALESCE(NULLIF(EXCLUDED.listing_price, ''), conversations.listing_price)
        RETURNING ` + conversationColumns

	var conv models.Conversation
	err := sqlx.GetContext(ctx, r.db, &conv, query, uuid.NewString(), low, high, subject.Title, subject.ListingID, subject.ImageURL, subject.Price)
	return conv, err
}

// Get fetches a conversation by id.
func (r *ConversationRepo) Get(ctx context.Context, conversationID string) (models.Conversation, error) {
	var conv models.Conversation
	err := sqlx.GetContext(ctx, r.db, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// ListForUser returns the user's conversations, most recently active first.
func (r *ConversationRepo) ListForUser(ctx context.Context, userID string, limit int) ([]models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations
        WHERE user_low=$1 OR user_high=$1
        ORDER BY sort_at DESC, id ASC
        LIMIT $2`
	convs := []models.Conversation{}
	err := sqlx.SelectContext(ctx, r.db, &convs, query, userID, limit)
	return convs, err
}

// RecordNewMessage updates the summary and bumps the receiver's unread counter in one statement.
func (r *ConversationRepo) RecordNewMessage(ctx context.Context, conversationID, senderID, receiverID, summary string, at time.Time) (models.Conversation, error) {
	query := `UPDATE conversations SET
            last_message = $2,
            last_message_sender_id = $3,
            sort_at = GREATEST(sort_at, $4),
            unread_low = unread_low + CASE WHEN user_low = $5 THEN 1 ELSE 0 END,
            unread_high = unread_high + CASE WHEN user_high = $5 THEN 1 ELSE 0 END
        WHERE id = $1 AND ((user_low = $3 AND user_high = $5) OR (user_low = $5 AND user_high = $3))
        RETURNING ` + conversationColumns

	var conv models.Conversation
	err := sqlx.GetContext(ctx, r.db, &conv, query, conversationID, summary, senderID, at, receiverID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// ResetUnread zeroes the unread counter of a participant.
func (r *ConversationRepo) ResetUnread(ctx context.Context, conversationID, userID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE conversations SET
            unread_low = CASE WHEN user_low = $2 THEN 0 ELSE unread_low END,
            unread_high = CASE WHEN user_high = $2 THEN 0 ELSE unread_high END
        WHERE id = $1 AND (user_low = $2 OR user_high = $2)`, conversationID, userID)
	if err != nil {
		return err
	}
	return expectRows(res, ErrConversationNotFound)
}

// Delete removes the conversation row. Messages are removed by the message repository first.
func (r *ConversationRepo) Delete(ctx context.Context, conversationID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM conversations WHERE id=$1`, conversationID)
	if err != nil {
		return err
	}
	return expectRows(res, ErrConversationNotFound)
}

func expectRows(res sql.Result, notFound error) error {
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return notFound
	}
	return nil
}
