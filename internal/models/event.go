package models

import "time"

// Server to client frame types.
const (
	EventAck          = "ack"
	EventError        = "error"
	EventMessage      = "message"
	EventBatch        = "batch"
	EventReceipt      = "receipt"
	EventDeleteForAll = "delete_for_all"
	EventTyping       = "typing"
	EventSuperseded   = "superseded"
	EventPong         = "pong"
)

// Client to server frame types.
const (
	FrameSend     = "send"
	FrameTyping   = "typing"
	FrameMarkRead = "mark_read"
	FramePing     = "ping"
)

// Receipt kinds.
const (
	ReceiptDelivered = "delivered"
	ReceiptRead      = "read"
)

// ChatEvent is pushed through websockets.
type ChatEvent struct {
	Type           string     `json:"type"`
	ClientToken    string     `json:"client_token,omitempty"`
	Message        *Message   `json:"message,omitempty"`
	Messages       []Message  `json:"messages,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	MessageID      string     `json:"message_id,omitempty"`
	MessageIDs     []string   `json:"message_ids,omitempty"`
	Kind           string     `json:"kind,omitempty"`
	At             *time.Time `json:"at,omitempty"`
	From           string     `json:"from,omitempty"`
	IsTyping       *bool      `json:"is_typing,omitempty"`
	Code           string     `json:"code,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// ClientFrame is the envelope of a frame sent by a connected client.
type ClientFrame struct {
	Type string `json:"type" validate:"required,oneof=send typing mark_read ping"`
}

// SendFrame submits a message over the socket.
type SendFrame struct {
	ConversationID string  `json:"conversation_id" validate:"required"`
	ClientToken    string  `json:"client_token" validate:"required,max=128"`
	Payload        Payload `json:"payload"`
}

// TypingFrame starts or stops a typing indicator.
type TypingFrame struct {
	To             string `json:"to" validate:"required"`
	ConversationID string `json:"conversation_id" validate:"required"`
	IsTyping       bool   `json:"is_typing"`
}

// MarkReadFrame marks a conversation read.
type MarkReadFrame struct {
	ConversationID string `json:"conversation_id" validate:"required"`
}

// MessageEvent wraps a pushed message.
func MessageEvent(msg Message) ChatEvent {
	return ChatEvent{Type: EventMessage, Message: &msg, ConversationID: msg.ConversationID}
}

// BatchEvent wraps an offline catch-up batch.
func BatchEvent(msgs []Message) ChatEvent {
	return ChatEvent{Type: EventBatch, Messages: msgs}
}

// AckEvent acknowledges a submission with the canonical message.
func AckEvent(msg Message) ChatEvent {
	return ChatEvent{Type: EventAck, ClientToken: msg.ClientToken, Message: &msg, ConversationID: msg.ConversationID}
}

// ReceiptEvent carries delivered or read flag updates.
func ReceiptEvent(kind, conversationID string, ids []string, at time.Time) ChatEvent {
	return ChatEvent{Type: EventReceipt, Kind: kind, ConversationID: conversationID, MessageIDs: ids, At: &at}
}

// TypingEvent relays a typing signal.
func TypingEvent(from, conversationID string, isTyping bool) ChatEvent {
	return ChatEvent{Type: EventTyping, From: from, ConversationID: conversationID, IsTyping: &isTyping}
}

// DeletionEvent notifies a delete-for-everyone.
func DeletionEvent(conversationID, messageID string) ChatEvent {
	return ChatEvent{Type: EventDeleteForAll, ConversationID: conversationID, MessageID: messageID}
}

// ErrorEvent reports a failed client frame.
func ErrorEvent(clientToken, code, msg string) ChatEvent {
	return ChatEvent{Type: EventError, ClientToken: clientToken, Code: code, Error: msg}
}
