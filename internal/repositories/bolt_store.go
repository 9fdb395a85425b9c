package repositories

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"marketplace-chat/internal/models"
)

var (
	bucketConversations     = []byte("conversations")
	bucketConversationKeys  = []byte("conversation_keys")
	bucketUserConversations = []byte("user_conversations")
	bucketMessages          = []byte("messages")
	bucketMessageIndex      = []byte("message_index")
	bucketPending           = []byte("pending")
)

// BoltStore implements Store on an embedded bbolt file. Writers are serialized by bbolt,
// which is what makes find-or-create and the unread counters race free.
type BoltStore struct {
	db  *bolt.DB
	tx  *bolt.Tx
	now func() time.Time
}

// BoltOption customizes a BoltStore.
type BoltOption func(*BoltStore)

// WithClock overrides the time source used for message and conversation timestamps.
func WithClock(now func() time.Time) BoltOption {
	return func(s *BoltStore) { s.now = now }
}

// NewBoltStore prepares the top-level buckets and returns the store.
func NewBoltStore(db *bolt.DB, opts ...BoltOption) (*BoltStore, error) {
	s := &BoltStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketConversations, bucketConversationKeys, bucketUserConversations, bucketMessages, bucketMessageIndex, bucketPending} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *BoltStore) Conversations() ConversationRepository { return &boltConversations{store: s} }

func (s *BoltStore) Messages() MessageRepository { return &boltMessages{store: s} }

// WithinTx runs fn inside a single read-write transaction. Nested calls join the outer one.
func (s *BoltStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.tx != nil {
		return fn(s)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&BoltStore{db: s.db, tx: tx, now: s.now})
	})
}

func (s *BoltStore) Close() error {
	if s.tx != nil {
		return nil
	}
	return s.db.Close()
}

func (s *BoltStore) update(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.tx != nil {
		return fn(s.tx)
	}
	return s.db.Update(fn)
}

func (s *BoltStore) view(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.tx != nil {
		return fn(s.tx)
	}
	return s.db.View(fn)
}

// timestamp returns the current time at the precision Postgres keeps.
func (s *BoltStore) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

type boltConversation struct {
	ID                  string    `json:"id"`
	UserLow             string    `json:"user_low"`
	UserHigh            string    `json:"user_high"`
	Title               string    `json:"title"`
	ListingID           string    `json:"listing_id,omitempty"`
	ImageURL            string    `json:"image_url,omitempty"`
	Price               string    `json:"price,omitempty"`
	LastMessage         string    `json:"last_message,omitempty"`
	LastMessageSenderID string    `json:"last_message_sender_id,omitempty"`
	UnreadLow           int       `json:"unread_low"`
	UnreadHigh          int       `json:"unread_high"`
	SortAt              time.Time `json:"sort_at"`
	CreatedAt           time.Time `json:"created_at"`
}

func (r boltConversation) model() models.Conversation {
	return models.Conversation{
		ID:       r.ID,
		UserLow:  r.UserLow,
		UserHigh: r.UserHigh,
		Subject: models.Subject{
			Title:     r.Title,
			ListingID: r.ListingID,
			ImageURL:  r.ImageURL,
			Price:     r.Price,
		},
		LastMessage:         r.LastMessage,
		LastMessageSenderID: r.LastMessageSenderID,
		UnreadLow:           r.UnreadLow,
		UnreadHigh:          r.UnreadHigh,
		SortAt:              r.SortAt,
		CreatedAt:           r.CreatedAt,
	}
}

type boltMessage struct {
	ID                 string             `json:"id"`
	Seq                int64              `json:"seq"`
	ConversationID     string             `json:"conversation_id"`
	ClientToken        string             `json:"client_token,omitempty"`
	SenderID           string             `json:"sender_id"`
	ReceiverID         string             `json:"receiver_id"`
	SenderName         string             `json:"sender_name,omitempty"`
	SenderEmail        string             `json:"sender_email,omitempty"`
	SenderAvatarURL    string             `json:"sender_avatar_url,omitempty"`
	Kind               models.PayloadKind `json:"kind"`
	Text               string             `json:"text,omitempty"`
	MediaURL           string             `json:"media_url,omitempty"`
	FileName           string             `json:"file_name,omitempty"`
	IsDelivered        bool               `json:"is_delivered"`
	DeliveredAt        *time.Time         `json:"delivered_at,omitempty"`
	IsRead             bool               `json:"is_read"`
	ReadAt             *time.Time         `json:"read_at,omitempty"`
	HiddenForSender    bool               `json:"hidden_for_sender"`
	HiddenForReceiver  bool               `json:"hidden_for_receiver"`
	DeletedForEveryone bool               `json:"deleted_for_everyone"`
	CreatedAt          time.Time          `json:"created_at"`
}

func (r boltMessage) model() models.Message {
	return models.Message{
		ID:              r.ID,
		ConversationID:  r.ConversationID,
		ClientToken:     r.ClientToken,
		SenderID:        r.SenderID,
		ReceiverID:      r.ReceiverID,
		SenderName:      r.SenderName,
		SenderEmail:     r.SenderEmail,
		SenderAvatarURL: r.SenderAvatarURL,
		Payload: models.Payload{
			Kind:     r.Kind,
			Text:     r.Text,
			MediaURL: r.MediaURL,
			FileName: r.FileName,
		},
		IsDelivered:        r.IsDelivered,
		DeliveredAt:        r.DeliveredAt,
		IsRead:             r.IsRead,
		ReadAt:             r.ReadAt,
		HiddenForSender:    r.HiddenForSender,
		HiddenForReceiver:  r.HiddenForReceiver,
		DeletedForEveryone: r.DeletedForEveryone,
		Seq:                r.Seq,
		CreatedAt:          r.CreatedAt,
	}
}

func conversationKey(low, high, title string) []byte {
	return []byte(low + "\x00" + high + "\x00" + title)
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// indexValue packs the location of a message: 8 bytes of sequence followed by the conversation id.
func indexValue(conversationID string, seq uint64) []byte {
	return append(seqKey(seq), conversationID...)
}

func parseIndexValue(v []byte) (string, []byte, error) {
	if len(v) < 8 {
		return "", nil, fmt.Errorf("corrupt message index entry")
	}
	return string(v[8:]), v[:8], nil
}

func loadConversation(tx *bolt.Tx, conversationID string) (boltConversation, error) {
	var rec boltConversation
	raw := tx.Bucket(bucketConversations).Get([]byte(conversationID))
	if raw == nil {
		return rec, ErrConversationNotFound
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, fmt.Errorf("decode conversation %s: %w", conversationID, err)
	}
	return rec, nil
}

func saveConversation(tx *bolt.Tx, rec boltConversation) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", rec.ID, err)
	}
	return tx.Bucket(bucketConversations).Put([]byte(rec.ID), raw)
}

// locateMessage resolves a message id to its record and the bucket key it lives under.
func locateMessage(tx *bolt.Tx, messageID string) (boltMessage, []byte, error) {
	var rec boltMessage
	loc := tx.Bucket(bucketMessageIndex).Get([]byte(messageID))
	if loc == nil {
		return rec, nil, ErrMessageNotFound
	}
	conversationID, key, err := parseIndexValue(loc)
	if err != nil {
		return rec, nil, err
	}
	bucket := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
	if bucket == nil {
		return rec, nil, ErrMessageNotFound
	}
	raw := bucket.Get(key)
	if raw == nil {
		return rec, nil, ErrMessageNotFound
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, nil, fmt.Errorf("decode message %s: %w", messageID, err)
	}
	return rec, append([]byte(nil), key...), nil
}

func saveMessage(tx *bolt.Tx, key []byte, rec boltMessage) error {
	bucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(rec.ConversationID))
	if err != nil {
		return err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", rec.ID, err)
	}
	return bucket.Put(key, raw)
}

func clearPending(tx *bolt.Tx, receiverID, messageID string) error {
	bucket := tx.Bucket(bucketPending).Bucket([]byte(receiverID))
	if bucket == nil {
		return nil
	}
	return bucket.Delete([]byte(messageID))
}

// purgeMessages removes a conversation's message bucket together with its index and pending entries.
func purgeMessages(tx *bolt.Tx, conversationID string) (int, error) {
	root := tx.Bucket(bucketMessages)
	bucket := root.Bucket([]byte(conversationID))
	if bucket == nil {
		return 0, nil
	}

	var records []boltMessage
	err := bucket.ForEach(func(_, v []byte) error {
		var rec boltMessage
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan messages of %s: %w", conversationID, err)
	}

	index := tx.Bucket(bucketMessageIndex)
	for _, rec := range records {
		if err := index.Delete([]byte(rec.ID)); err != nil {
			return 0, err
		}
		if !rec.IsDelivered {
			if err := clearPending(tx, rec.ReceiverID, rec.ID); err != nil {
				return 0, err
			}
		}
	}
	if err := root.DeleteBucket([]byte(conversationID)); err != nil {
		return 0, err
	}
	return len(records), nil
}
