package models

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// PayloadKind discriminates message payloads.
type PayloadKind string

const (
	KindText    PayloadKind = "text"
	KindImage   PayloadKind = "image"
	KindVideo   PayloadKind = "video"
	KindFile    PayloadKind = "file"
	KindDeleted PayloadKind = "deleted"
)

var (
	ErrEmptyText      = errors.New("text payload must not be empty")
	ErrMissingMedia   = errors.New("media payload requires a url")
	ErrInvalidMedia   = errors.New("media url must be an absolute http(s) url")
	ErrTombstoneInput = errors.New("deleted payload cannot be submitted")
	ErrUnknownKind    = errors.New("unknown payload kind")
)

// Payload is a tagged variant over text, image, video, file and the deleted tombstone.
// Only the fields relevant to Kind are populated.
type Payload struct {
	Kind     PayloadKind `db:"kind" json:"kind"`
	Text     string      `db:"body" json:"text,omitempty"`
	MediaURL string      `db:"media_url" json:"media_url,omitempty"`
	FileName string      `db:"file_name" json:"file_name,omitempty"`
}

// TextPayload builds a text payload.
func TextPayload(body string) Payload {
	return Payload{Kind: KindText, Text: body}
}

// MediaPayload builds an image, video or file payload.
func MediaPayload(kind PayloadKind, mediaURL, fileName string) Payload {
	return Payload{Kind: kind, MediaURL: mediaURL, FileName: fileName}
}

// Tombstone is the payload left behind by delete-for-everyone.
func Tombstone() Payload {
	return Payload{Kind: KindDeleted}
}

// Validate checks a client-submitted payload.
func (p Payload) Validate() error {
	switch p.Kind {
	case KindText:
		if strings.TrimSpace(p.Text) == "" {
			return ErrEmptyText
		}
		return nil
	case KindImage, KindVideo, KindFile:
		if strings.TrimSpace(p.MediaURL) == "" {
			return ErrMissingMedia
		}
		u, err := url.Parse(p.MediaURL)
		if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return ErrInvalidMedia
		}
		return nil
	case KindDeleted:
		return ErrTombstoneInput
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, p.Kind)
	}
}

// Normalize drops fields that do not belong to the payload kind.
func (p Payload) Normalize() Payload {
	switch p.Kind {
	case KindText:
		return Payload{Kind: KindText, Text: p.Text}
	case KindImage, KindVideo:
		return Payload{Kind: p.Kind, MediaURL: p.MediaURL}
	case KindFile:
		return Payload{Kind: KindFile, MediaURL: p.MediaURL, FileName: p.FileName}
	default:
		return Tombstone()
	}
}

// Summary renders the payload for the conversation list.
func (p Payload) Summary() string {
	switch p.Kind {
	case KindText:
		text := strings.TrimSpace(p.Text)
		if runes := []rune(text); len(runes) > 120 {
			return string(runes[:120])
		}
		return text
	case KindImage:
		return "[image]"
	case KindVideo:
		return "[video]"
	case KindFile:
		if p.FileName != "" {
			return "[file] " + p.FileName
		}
		return "[file]"
	case KindDeleted:
		return "[deleted]"
	default:
		return ""
	}
}

// Sender is the profile snapshot copied onto a message at send time.
type Sender struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Message represents a persisted chat message.
type Message struct {
	ID                 string `db:"id" json:"id"`
	ConversationID     string `db:"conversation_id" json:"conversation_id"`
	ClientToken        string `db:"client_token" json:"client_token,omitempty"`
	SenderID           string `db:"sender_id" json:"sender_id"`
	ReceiverID         string `db:"receiver_id" json:"receiver_id"`
	SenderName         string `db:"sender_name" json:"sender_name,omitempty"`
	SenderEmail        string `db:"sender_email" json:"sender_email,omitempty"`
	SenderAvatarURL    string `db:"sender_avatar_url" json:"sender_avatar_url,omitempty"`
	Payload            `json:"payload"`
	IsDelivered        bool       `db:"is_delivered" json:"is_delivered"`
	DeliveredAt        *time.Time `db:"delivered_at" json:"delivered_at,omitempty"`
	IsRead             bool       `db:"is_read" json:"is_read"`
	ReadAt             *time.Time `db:"read_at" json:"read_at,omitempty"`
	HiddenForSender    bool       `db:"hidden_for_sender" json:"-"`
	HiddenForReceiver  bool       `db:"hidden_for_receiver" json:"-"`
	DeletedForEveryone bool       `db:"deleted_for_everyone" json:"deleted_for_everyone"`
	Seq                int64      `db:"seq" json:"-"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
}

// NewMessage is the input of a store append.
type NewMessage struct {
	ConversationID string
	Sender         Sender
	ReceiverID     string
	Payload        Payload
	ClientToken    string
}

// HiddenFor reports whether the viewer removed the message from their own view.
func (m Message) HiddenFor(viewerID string) bool {
	switch viewerID {
	case m.SenderID:
		return m.HiddenForSender
	case m.ReceiverID:
		return m.HiddenForReceiver
	}
	return false
}

// Before orders messages by creation time, then by store sequence, then by id.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	if m.Seq != other.Seq {
		return m.Seq < other.Seq
	}
	return m.ID < other.ID
}

// DeliveryState is the server-side lifecycle position of a message.
type DeliveryState string

const (
	StateSubmitted      DeliveryState = "submitted"
	StatePersisted      DeliveryState = "persisted"
	StatePendingOffline DeliveryState = "pending_offline"
	StateDelivered      DeliveryState = "delivered"
	StateRead           DeliveryState = "read"
)

// State derives the delivery state from the persisted flags.
func (m Message) State() DeliveryState {
	switch {
	case m.ID == "":
		return StateSubmitted
	case m.IsRead:
		return StateRead
	case m.IsDelivered:
		return StateDelivered
	default:
		return StatePendingOffline
	}
}
