package models

import (
	"sort"
	"strings"
	"time"
)

// Subject identifies the marketplace listing a conversation is about.
// Only Title takes part in the conversation's natural key; the rest is decoration.
type Subject struct {
	Title     string `db:"subject_title" json:"title" binding:"required"`
	ListingID string `db:"listing_id" json:"listing_id,omitempty"`
	ImageURL  string `db:"listing_image_url" json:"image_url,omitempty"`
	Price     string `db:"listing_price" json:"price,omitempty"`
}

// Normalize trims every field so equal titles map to the same natural key.
func (s Subject) Normalize() Subject {
	return Subject{
		Title:     strings.TrimSpace(s.Title),
		ListingID: strings.TrimSpace(s.ListingID),
		ImageURL:  strings.TrimSpace(s.ImageURL),
		Price:     strings.TrimSpace(s.Price),
	}
}

// Conversation represents a two-party thread scoped by participant pair and subject.
// Participants are stored normalized so that UserLow < UserHigh.
type Conversation struct {
	ID                  string `db:"id" json:"id"`
	UserLow             string `db:"user_low" json:"-"`
	UserHigh            string `db:"user_high" json:"-"`
	Subject             `json:"subject"`
	LastMessage         string    `db:"last_message" json:"last_message"`
	LastMessageSenderID string    `db:"last_message_sender_id" json:"last_message_sender_id"`
	UnreadLow           int       `db:"unread_low" json:"-"`
	UnreadHigh          int       `db:"unread_high" json:"-"`
	SortAt              time.Time `db:"sort_at" json:"sort_at"`
	CreatedAt           time.Time `db:"created_at" json:"created_at"`
}

// NormalizePair orders two participant ids.
func NormalizePair(a, b string) (string, string) {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0], pair[1]
}

// Participants returns the normalized participant pair.
func (c Conversation) Participants() []string {
	return []string{c.UserLow, c.UserHigh}
}

// HasParticipant reports whether userID belongs to the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.UserLow == userID || c.UserHigh == userID)
}

// Other returns the participant that is not userID.
func (c Conversation) Other(userID string) string {
	if c.UserLow == userID {
		return c.UserHigh
	}
	return c.UserLow
}

// UnreadFor returns the unread counter of a participant.
func (c Conversation) UnreadFor(userID string) int {
	switch userID {
	case c.UserLow:
		return c.UnreadLow
	case c.UserHigh:
		return c.UnreadHigh
	}
	return 0
}

// UnreadCounts exposes the counters keyed by participant id.
func (c Conversation) UnreadCounts() map[string]int {
	return map[string]int{c.UserLow: c.UnreadLow, c.UserHigh: c.UnreadHigh}
}

// ConversationSummary provides an API-friendly view of a conversation for one participant.
type ConversationSummary struct {
	ID                  string         `json:"id"`
	Participants        []string       `json:"participants"`
	OtherUserID         string         `json:"other_user_id"`
	OtherOnline         bool           `json:"other_online"`
	Subject             Subject        `json:"subject"`
	LastMessage         string         `json:"last_message"`
	LastMessageSenderID string         `json:"last_message_sender_id,omitempty"`
	UnreadCount         int            `json:"unread_count"`
	UnreadCounts        map[string]int `json:"unread_counts"`
	SortAt              time.Time      `json:"sort_at"`
	CreatedAt           time.Time      `json:"created_at"`
}

// Summarize builds the summary of c as seen by viewerID.
func (c Conversation) Summarize(viewerID string, otherOnline bool) ConversationSummary {
	return ConversationSummary{
		ID:                  c.ID,
		Participants:        c.Participants(),
		OtherUserID:         c.Other(viewerID),
		OtherOnline:         otherOnline,
		Subject:             c.Subject,
		LastMessage:         c.LastMessage,
		LastMessageSenderID: c.LastMessageSenderID,
		UnreadCount:         c.UnreadFor(viewerID),
		UnreadCounts:        c.UnreadCounts(),
		SortAt:              c.SortAt,
		CreatedAt:           c.CreatedAt,
	}
}
