package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketplace-chat/internal/models"
)

var (
	ErrSuperseded   = errors.New("connection superseded by a newer session")
	ErrNotConnected = errors.New("session is not connected")
	ErrUnknownDraft = errors.New("no failed entry for token")
)

// Session is one signed-in user's connection to the chat service. It routes server frames to
// per-conversation timelines and falls back to HTTP for submission and history.
type Session struct {
	baseURL    *url.URL
	token      string
	user       models.Sender
	httpClient *http.Client
	dialer     *websocket.Dialer

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu        sync.Mutex
	timelines map[string]*Timeline
	listeners []func(models.ChatEvent)
}

// Option customizes a Session.
type Option func(*Session)

func WithHTTPClient(client *http.Client) Option {
	return func(s *Session) { s.httpClient = client }
}

func WithDialer(dialer *websocket.Dialer) Option {
	return func(s *Session) { s.dialer = dialer }
}

// NewSession prepares a session against baseURL (http or https) for user authenticated by token.
func NewSession(baseURL, token string, user models.Sender, opts ...Option) (*Session, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", u.Scheme)
	}
	s := &Session{
		baseURL:    u,
		token:      token,
		user:       user,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		timelines:  make(map[string]*Timeline),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// OnEvent registers a callback invoked after every routed server frame.
func (s *Session) OnEvent(fn func(models.ChatEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Timeline returns the timeline of a conversation, creating it on first use.
func (s *Session) Timeline(conversationID string) *Timeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	tl, ok := s.timelines[conversationID]
	if !ok {
		tl = NewTimeline(conversationID)
		s.timelines[conversationID] = tl
	}
	return tl
}

// Connect opens the websocket. Any offline batch arrives as the first frames of Run.
func (s *Session) Connect(ctx context.Context) error {
	wsURL := *s.baseURL
	if wsURL.Scheme == "https" {
		wsURL.Scheme = "wss"
	} else {
		wsURL.Scheme = "ws"
	}
	wsURL.Path += "/ws"

	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.token)
	conn, resp, err := s.dialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", wsURL.Redacted(), err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", wsURL.Redacted(), err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	return nil
}

// Run reads frames until the connection closes or ctx is canceled.
func (s *Session) Run(ctx context.Context) error {
	conn := s.currentConn()
	if conn == nil {
		return ErrNotConnected
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var event models.ChatEvent
		if err := conn.ReadJSON(&event); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.route(event)
		if event.Type == models.EventSuperseded {
			return ErrSuperseded
		}
	}
}

// route applies one server frame to the timelines.
func (s *Session) route(event models.ChatEvent) {
	switch event.Type {
	case models.EventAck:
		if event.Message != nil {
			s.Timeline(event.Message.ConversationID).Ack(*event.Message)
		}
	case models.EventError:
		if event.ClientToken != "" {
			s.failToken(event.ClientToken, fmt.Errorf("%s: %s", event.Code, event.Error))
		} else {
			log.Printf("chat error code=%s error=%s", event.Code, event.Error)
		}
	case models.EventMessage:
		if event.Message != nil {
			s.Timeline(event.Message.ConversationID).Merge(*event.Message)
		}
	case models.EventBatch:
		byConversation := map[string][]models.Message{}
		for _, msg := range event.Messages {
			byConversation[msg.ConversationID] = append(byConversation[msg.ConversationID], msg)
		}
		for conversationID, msgs := range byConversation {
			s.Timeline(conversationID).Merge(msgs...)
		}
	case models.EventReceipt:
		at := time.Now().UTC()
		if event.At != nil {
			at = *event.At
		}
		s.Timeline(event.ConversationID).ApplyReceipt(event.Kind, event.MessageIDs, at)
	case models.EventDeleteForAll:
		s.Timeline(event.ConversationID).ApplyDeletion(event.MessageID)
	}

	s.mu.Lock()
	listeners := append([]func(models.ChatEvent){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(event)
	}
}

func (s *Session) failToken(token string, cause error) {
	s.mu.Lock()
	timelines := make([]*Timeline, 0, len(s.timelines))
	for _, tl := range s.timelines {
		timelines = append(timelines, tl)
	}
	s.mu.Unlock()
	for _, tl := range timelines {
		if tl.Fail(token, cause) {
			return
		}
	}
}

// Send adds an optimistic entry and submits it over the websocket. The entry stays in the
// sending state until an ack or error frame arrives.
func (s *Session) Send(conversationID, receiverID string, payload models.Payload) (Entry, error) {
	tl := s.Timeline(conversationID)
	entry := tl.AddOptimistic(Draft{Sender: s.user, ReceiverID: receiverID, Payload: payload})
	if err := s.sendFrame(entry); err != nil {
		tl.Fail(entry.ClientToken, err)
		entry.State = StateFailed
		return entry, err
	}
	return entry, nil
}

// Retry resubmits a failed entry under a new token.
func (s *Session) Retry(conversationID, token string) (Entry, error) {
	tl := s.Timeline(conversationID)
	entry, ok := tl.Retry(token)
	if !ok {
		return Entry{}, ErrUnknownDraft
	}
	if err := s.sendFrame(entry); err != nil {
		tl.Fail(entry.ClientToken, err)
		entry.State = StateFailed
		return entry, err
	}
	return entry, nil
}

func (s *Session) sendFrame(entry Entry) error {
	return s.writeJSON(map[string]interface{}{
		"type":            models.FrameSend,
		"conversation_id": entry.ConversationID,
		"client_token":    entry.ClientToken,
		"payload":         entry.Payload,
	})
}

// Typing relays a typing indicator.
func (s *Session) Typing(to, conversationID string, isTyping bool) error {
	return s.writeJSON(map[string]interface{}{
		"type":            models.FrameTyping,
		"to":              to,
		"conversation_id": conversationID,
		"is_typing":       isTyping,
	})
}

// MarkRead asks the server to mark the conversation read.
func (s *Session) MarkRead(conversationID string) error {
	return s.writeJSON(map[string]interface{}{
		"type":            models.FrameMarkRead,
		"conversation_id": conversationID,
	})
}

// Ping asks the server for a pong frame.
func (s *Session) Ping() error {
	return s.writeJSON(map[string]interface{}{"type": models.FramePing})
}

func (s *Session) writeJSON(frame map[string]interface{}) error {
	conn := s.currentConn()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(frame)
}

// SubmitHTTP submits through the REST API, acknowledging or failing the optimistic entry.
func (s *Session) SubmitHTTP(ctx context.Context, conversationID, receiverID string, payload models.Payload) (Entry, error) {
	tl := s.Timeline(conversationID)
	entry := tl.AddOptimistic(Draft{Sender: s.user, ReceiverID: receiverID, Payload: payload})

	var resp struct {
		Message models.Message `json:"message"`
	}
	body := map[string]interface{}{"client_token": entry.ClientToken, "payload": payload}
	if err := s.doJSON(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/messages", nil, body, &resp); err != nil {
		tl.Fail(entry.ClientToken, err)
		entry.State = StateFailed
		entry.Error = err.Error()
		return entry, err
	}
	tl.Ack(resp.Message)
	return Entry{Message: resp.Message, State: StateSent}, nil
}

// LoadOlder fetches the page before the oldest acknowledged entry and prepends it.
func (s *Session) LoadOlder(ctx context.Context, conversationID string, limit int) (int, error) {
	tl := s.Timeline(conversationID)
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if oldest := tl.Oldest(); oldest != nil {
		query.Set("before", oldest.UTC().Format(time.RFC3339Nano))
	}

	var resp struct {
		Messages []models.Message `json:"messages"`
	}
	if err := s.doJSON(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/messages", query, nil, &resp); err != nil {
		return 0, err
	}
	return tl.Prepend(resp.Messages), nil
}

// ListConversations fetches the caller's conversation list.
func (s *Session) ListConversations(ctx context.Context, limit int) ([]models.ConversationSummary, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Conversations []models.ConversationSummary `json:"conversations"`
	}
	if err := s.doJSON(ctx, http.MethodGet, "/conversations", query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

// StartConversation finds or creates the conversation with participantID about subject.
func (s *Session) StartConversation(ctx context.Context, participantID string, subject models.Subject) (models.ConversationSummary, error) {
	var resp struct {
		Conversation models.ConversationSummary `json:"conversation"`
	}
	body := map[string]interface{}{"participant_id": participantID, "subject": subject}
	if err := s.doJSON(ctx, http.MethodPost, "/conversations/start", nil, body, &resp); err != nil {
		return models.ConversationSummary{}, err
	}
	return resp.Conversation, nil
}

// APIError is a non-2xx answer from the chat API.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat api %d %s: %s", e.Status, e.Code, e.Message)
}

func (s *Session) doJSON(ctx context.Context, method, path string, query url.Values, in, out interface{}) error {
	u := *s.baseURL
	u.Path += path
	u.RawQuery = query.Encode()

	var reader *bytes.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *Session) currentConn() *websocket.Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

// Close shuts the websocket down.
func (s *Session) Close() error {
	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()
	if conn == nil {
		return nil
	}

	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return conn.Close()
}
