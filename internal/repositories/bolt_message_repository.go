package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"marketplace-chat/internal/models"
)

type boltMessages struct {
	store *BoltStore
}

// Append stores the message under the conversation's next sequence number.
// created_at is kept strictly increasing within a conversation so ordering never ties.
func (r *boltMessages) Append(ctx context.Context, in models.NewMessage) (models.Message, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return models.Message{}, fmt.Errorf("message id: %w", err)
	}
	payload := in.Payload.Normalize()

	var msg models.Message
	err = r.store.update(ctx, func(tx *bolt.Tx) error {
		if _, err := loadConversation(tx, in.ConversationID); err != nil {
			return err
		}
		bucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(in.ConversationID))
		if err != nil {
			return err
		}

		createdAt := r.store.timestamp()
		if _, last := bucket.Cursor().Last(); last != nil {
			var prev boltMessage
			if err := json.Unmarshal(last, &prev); err != nil {
				return fmt.Errorf("decode last message: %w", err)
			}
			if !createdAt.After(prev.CreatedAt) {
				createdAt = prev.CreatedAt.Add(time.Microsecond)
			}
		}

		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		rec := boltMessage{
			ID:              id.String(),
			Seq:             int64(seq),
			ConversationID:  in.ConversationID,
			ClientToken:     in.ClientToken,
			SenderID:        in.Sender.ID,
			ReceiverID:      in.ReceiverID,
			SenderName:      in.Sender.Name,
			SenderEmail:     in.Sender.Email,
			SenderAvatarURL: in.Sender.AvatarURL,
			Kind:            payload.Kind,
			Text:            payload.Text,
			MediaURL:        payload.MediaURL,
			FileName:        payload.FileName,
			CreatedAt:       createdAt,
		}
		if err := saveMessage(tx, seqKey(seq), rec); err != nil {
			return err
		}
		if err := tx.Bucket(bucketMessageIndex).Put([]byte(rec.ID), indexValue(rec.ConversationID, seq)); err != nil {
			return err
		}
		pending, err := tx.Bucket(bucketPending).CreateBucketIfNotExists([]byte(rec.ReceiverID))
		if err != nil {
			return err
		}
		if err := pending.Put([]byte(rec.ID), []byte{1}); err != nil {
			return err
		}
		msg = rec.model()
		return nil
	})
	return msg, err
}

func (r *boltMessages) Get(ctx context.Context, messageID string) (models.Message, error) {
	var msg models.Message
	err := r.store.view(ctx, func(tx *bolt.Tx) error {
		rec, _, err := locateMessage(tx, messageID)
		if err != nil {
			return err
		}
		msg = rec.model()
		return nil
	})
	return msg, err
}

// Page walks the conversation backwards from the cursor and returns the page oldest first.
func (r *boltMessages) Page(ctx context.Context, conversationID, viewerID string, before *time.Time, limit int) ([]models.Message, error) {
	msgs := []models.Message{}
	err := r.store.view(ctx, func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		for k, v := c.Last(); k != nil && len(msgs) < limit; k, v = c.Prev() {
			var rec boltMessage
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode message: %w", err)
			}
			msg := rec.model()
			if msg.HiddenFor(viewerID) {
				continue
			}
			if before != nil && !msg.CreatedAt.Before(*before) {
				continue
			}
			msgs = append(msgs, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (r *boltMessages) MarkDelivered(ctx context.Context, messageID string) (models.Message, bool, error) {
	var (
		msg     models.Message
		changed bool
	)
	err := r.store.update(ctx, func(tx *bolt.Tx) error {
		rec, key, err := locateMessage(tx, messageID)
		if errors.Is(err, ErrMessageNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.IsDelivered {
			return nil
		}
		now := r.store.timestamp()
		rec.IsDelivered = true
		rec.DeliveredAt = &now
		if err := saveMessage(tx, key, rec); err != nil {
			return err
		}
		if err := clearPending(tx, rec.ReceiverID, rec.ID); err != nil {
			return err
		}
		msg, changed = rec.model(), true
		return nil
	})
	if err != nil {
		return models.Message{}, false, err
	}
	return msg, changed, nil
}

// Pending lists the receiver's undelivered messages, oldest first, without changing them.
func (r *boltMessages) Pending(ctx context.Context, receiverID string) ([]models.Message, error) {
	msgs := []models.Message{}
	err := r.store.view(ctx, func(tx *bolt.Tx) error {
		pending := tx.Bucket(bucketPending).Bucket([]byte(receiverID))
		if pending == nil {
			return nil
		}
		return pending.ForEach(func(k, _ []byte) error {
			rec, _, err := locateMessage(tx, string(k))
			if errors.Is(err, ErrMessageNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if !rec.IsDelivered {
				msgs = append(msgs, rec.model())
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortMessages(msgs)
	return msgs, nil
}

// MarkDeliveredBatch flags the listed messages addressed to receiverID that are still pending
// and returns them. Ids already delivered or addressed to someone else are skipped.
func (r *boltMessages) MarkDeliveredBatch(ctx context.Context, receiverID string, messageIDs []string) ([]models.Message, error) {
	msgs := []models.Message{}
	if len(messageIDs) == 0 {
		return msgs, nil
	}
	err := r.store.update(ctx, func(tx *bolt.Tx) error {
		now := r.store.timestamp()
		for _, id := range messageIDs {
			rec, key, err := locateMessage(tx, id)
			if errors.Is(err, ErrMessageNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if rec.ReceiverID != receiverID || rec.IsDelivered {
				continue
			}
			at := now
			rec.IsDelivered = true
			rec.DeliveredAt = &at
			if err := saveMessage(tx, key, rec); err != nil {
				return err
			}
			if err := clearPending(tx, receiverID, rec.ID); err != nil {
				return err
			}
			msgs = append(msgs, rec.model())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortMessages(msgs)
	return msgs, nil
}

func (r *boltMessages) MarkReadForUser(ctx context.Context, conversationID, userID string) ([]models.Message, error) {
	msgs := []models.Message{}
	err := r.store.update(ctx, func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if bucket == nil {
			return nil
		}

		type unread struct {
			key []byte
			rec boltMessage
		}
		var batch []unread
		if err := bucket.ForEach(func(k, v []byte) error {
			var rec boltMessage
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.ReceiverID == userID && !rec.IsRead {
				batch = append(batch, unread{key: append([]byte(nil), k...), rec: rec})
			}
			return nil
		}); err != nil {
			return fmt.Errorf("scan messages: %w", err)
		}

		now := r.store.timestamp()
		for _, item := range batch {
			rec := item.rec
			at := now
			rec.IsRead = true
			rec.ReadAt = &at
			if !rec.IsDelivered {
				rec.IsDelivered = true
				rec.DeliveredAt = &at
				if err := clearPending(tx, rec.ReceiverID, rec.ID); err != nil {
					return err
				}
			}
			if err := saveMessage(tx, item.key, rec); err != nil {
				return err
			}
			msgs = append(msgs, rec.model())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortMessages(msgs)
	return msgs, nil
}

func (r *boltMessages) HideForUser(ctx context.Context, messageID, userID string) error {
	return r.store.update(ctx, func(tx *bolt.Tx) error {
		rec, key, err := locateMessage(tx, messageID)
		if err != nil {
			return err
		}
		switch userID {
		case rec.SenderID:
			rec.HiddenForSender = true
		case rec.ReceiverID:
			rec.HiddenForReceiver = true
		default:
			return ErrMessageNotFound
		}
		return saveMessage(tx, key, rec)
	})
}

func (r *boltMessages) DeleteForEveryone(ctx context.Context, messageID, senderID string) (models.Message, error) {
	var msg models.Message
	err := r.store.update(ctx, func(tx *bolt.Tx) error {
		rec, key, err := locateMessage(tx, messageID)
		if err != nil {
			return err
		}
		if rec.SenderID != senderID {
			return ErrMessageNotFound
		}
		tomb := models.Tombstone()
		rec.DeletedForEveryone = true
		rec.Kind, rec.Text, rec.MediaURL, rec.FileName = tomb.Kind, "", "", ""
		if err := saveMessage(tx, key, rec); err != nil {
			return err
		}
		msg = rec.model()
		return nil
	})
	return msg, err
}

func (r *boltMessages) DeleteForConversation(ctx context.Context, conversationID string) (int, error) {
	var count int
	err := r.store.update(ctx, func(tx *bolt.Tx) error {
		var err error
		count, err = purgeMessages(tx, conversationID)
		return err
	})
	return count, err
}
