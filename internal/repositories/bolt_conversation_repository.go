package repositories

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"marketplace-chat/internal/models"
)

type boltConversations struct {
	store *BoltStore
}

func (r *boltConversations) FindOrCreate(ctx context.Context, participantA, participantB string, subject models.Subject) (models.Conversation, error) {
	if participantA == participantB {
		return models.Conversation{}, ErrSelfConversation
	}
	low, high := models.NormalizePair(participantA, participantB)
	subject = subject.Normalize()
	key := conversationKey(low, high, subject.Title)

	var conv models.Conversation
	err := r.store.update(ctx, func(tx *bolt.Tx) error {
		keys := tx.Bucket(bucketConversationKeys)
		if id := keys.Get(key); id != nil {
			rec, err := loadConversation(tx, string(id))
			if err != nil {
				return err
			}
			if mergeListing(&rec, subject) {
				if err := saveConversation(tx, rec); err != nil {
					return err
				}
			}
			conv = rec.model()
			return nil
		}

		now := r.store.timestamp()
		rec := boltConversation{
			ID:        uuid.NewString(),
			UserLow:   low,
			UserHigh:  high,
			Title:     subject.Title,
			ListingID: subject.ListingID,
			ImageURL:  subject.ImageURL,
			Price:     subject.Price,
			SortAt:    now,
			CreatedAt: now,
		}
		if err := saveConversation(tx, rec); err != nil {
			return err
		}
		if err := keys.Put(key, []byte(rec.ID)); err != nil {
			return err
		}
		for _, user := range []string{low, high} {
			bucket, err := tx.Bucket(bucketUserConversations).CreateBucketIfNotExists([]byte(user))
			if err != nil {
				return err
			}
			if err := bucket.Put([]byte(rec.ID), []byte{1}); err != nil {
				return err
			}
		}
		conv = rec.model()
		return nil
	})
	return conv, err
}

// mergeListing fills listing decoration from a later start request without erasing known values.
func mergeListing(rec *boltConversation, subject models.Subject) bool {
	changed := false
	if subject.ListingID != "" && subject.ListingID != rec.ListingID {
		rec.ListingID, changed = subject.ListingID, true
	}
	if subject.ImageURL != "" && subject.ImageURL != rec.ImageURL {
		rec.ImageURL, changed = subject.ImageURL, true
	}
	if subject.Price != "" && subject.Price != rec.Price {
		rec.Price, changed = subject.Price, true
	}
	return changed
}

func (r *boltConversations) Get(ctx context.Context, conversationID string) (models.Conversation, error) {
	var conv models.Conversation
	err := r.store.view(ctx, func(tx *bolt.Tx) error {
		rec, err := loadConversation(tx, conversationID)
		if err != nil {
			return err
		}
		conv = rec.model()
		return nil
	})
	return conv, err
}

func (r *boltConversations) ListForUser(ctx context.Context, userID string, limit int) ([]models.Conversation, error) {
	convs := []models.Conversation{}
	err := r.store.view(ctx, func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketUserConversations).Bucket([]byte(userID))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, _ []byte) error {
			rec, err := loadConversation(tx, string(k))
			if err != nil {
				return err
			}
			convs = append(convs, rec.model())
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(convs, func(i, j int) bool {
		if !convs[i].SortAt.Equal(convs[j].SortAt) {
			return convs[i].SortAt.After(convs[j].SortAt)
		}
		return convs[i].ID < convs[j].ID
	})
	if limit > 0 && len(convs) > limit {
		convs = convs[:limit]
	}
	return convs, nil
}

func (r *boltConversations) RecordNewMessage(ctx context.Context, conversationID, senderID, receiverID, summary string, at time.Time) (models.Conversation, error) {
	var conv models.Conversation
	err := r.store.update(ctx, func(tx *bolt.Tx) error {
		rec, err := loadConversation(tx, conversationID)
		if err != nil {
			return err
		}
		current := rec.model()
		if senderID == receiverID || !current.HasParticipant(senderID) || !current.HasParticipant(receiverID) {
			return ErrConversationNotFound
		}

		rec.LastMessage = summary
		rec.LastMessageSenderID = senderID
		if at.After(rec.SortAt) {
			rec.SortAt = at
		}
		if receiverID == rec.UserLow {
			rec.UnreadLow++
		} else {
			rec.UnreadHigh++
		}
		if err := saveConversation(tx, rec); err != nil {
			return err
		}
		conv = rec.model()
		return nil
	})
	return conv, err
}

func (r *boltConversations) ResetUnread(ctx context.Context, conversationID, userID string) error {
	return r.store.update(ctx, func(tx *bolt.Tx) error {
		rec, err := loadConversation(tx, conversationID)
		if err != nil {
			return err
		}
		switch userID {
		case rec.UserLow:
			rec.UnreadLow = 0
		case rec.UserHigh:
			rec.UnreadHigh = 0
		default:
			return ErrConversationNotFound
		}
		return saveConversation(tx, rec)
	})
}

// Delete removes the conversation and, like the Postgres foreign key, any messages left in it.
func (r *boltConversations) Delete(ctx context.Context, conversationID string) error {
	return r.store.update(ctx, func(tx *bolt.Tx) error {
		rec, err := loadConversation(tx, conversationID)
		if err != nil {
			return err
		}
		if _, err := purgeMessages(tx, conversationID); err != nil {
			return err
		}
		if err := tx.Bucket(bucketConversationKeys).Delete(conversationKey(rec.UserLow, rec.UserHigh, rec.Title)); err != nil {
			return err
		}
		for _, user := range []string{rec.UserLow, rec.UserHigh} {
			if bucket := tx.Bucket(bucketUserConversations).Bucket([]byte(user)); bucket != nil {
				if err := bucket.Delete([]byte(conversationID)); err != nil {
					return err
				}
			}
		}
		return tx.Bucket(bucketConversations).Delete([]byte(conversationID))
	})
}
