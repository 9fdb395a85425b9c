package presence

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"marketplace-chat/internal/models"
	"marketplace-chat/internal/observability"
)

const shardCount = 32

// DefaultTypingTTL is how long a typing indicator survives without a refresh.
const DefaultTypingTTL = 3 * time.Second

var ErrNotConnected = errors.New("user not connected")

// Handle is a live connection able to receive server events.
// Send must not block; a full or closed connection returns an error.
type Handle interface {
	ID() string
	Send(event models.ChatEvent) error
	// SendTracked is Send plus a callback run after the frame reached the peer's socket.
	// written is never run for a frame the connection dropped.
	SendTracked(event models.ChatEvent, written func()) error
	Supersede()
}

// TypingEntry is a typing indicator from one participant towards another.
type TypingEntry struct {
	From           string
	To             string
	ConversationID string
	ExpiresAt      time.Time
}

type typingKey struct {
	from string
	to   string
}

type shard struct {
	mu      sync.RWMutex
	handles map[string]Handle
	typing  map[typingKey]TypingEntry
}

// Registry maps user ids to their single live connection and tracks typing indicators.
// Users are spread over lock-striped shards; typing entries live in the shard of their sender.
type Registry struct {
	shards    [shardCount]*shard
	online    atomic.Int64
	typingTTL time.Duration
	now       func() time.Time
}

// NewRegistry creates an empty registry. A non-positive ttl selects DefaultTypingTTL.
func NewRegistry(typingTTL time.Duration) *Registry {
	if typingTTL <= 0 {
		typingTTL = DefaultTypingTTL
	}
	r := &Registry{typingTTL: typingTTL, now: time.Now}
	for i := range r.shards {
		r.shards[i] = &shard{
			handles: make(map[string]Handle),
			typing:  make(map[typingKey]TypingEntry),
		}
	}
	return r
}

func (r *Registry) shardFor(userID string) *shard {
	return r.shards[xxhash.Sum64String(userID)%shardCount]
}

// SetOnline registers h as the user's connection. A previously registered connection is
// superseded and returned.
func (r *Registry) SetOnline(userID string, h Handle) Handle {
	s := r.shardFor(userID)
	s.mu.Lock()
	prev, existed := s.handles[userID]
	s.handles[userID] = h
	s.mu.Unlock()

	if !existed {
		observability.SetOnlineUsers(int(r.online.Add(1)))
		return nil
	}
	if prev != nil && prev.ID() != h.ID() {
		prev.Supersede()
	}
	return prev
}

// SetOffline removes the user only while h is still the registered connection, so a late
// disconnect of a superseded connection cannot evict its replacement.
func (r *Registry) SetOffline(userID string, h Handle) bool {
	s := r.shardFor(userID)
	s.mu.Lock()
	current, ok := s.handles[userID]
	if !ok || current.ID() != h.ID() {
		s.mu.Unlock()
		return false
	}
	delete(s.handles, userID)
	s.mu.Unlock()

	observability.SetOnlineUsers(int(r.online.Add(-1)))
	return true
}

func (r *Registry) IsOnline(userID string) bool {
	_, ok := r.HandleFor(userID)
	return ok
}

func (r *Registry) HandleFor(userID string) (Handle, bool) {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handles[userID]
	return h, ok
}

// Push hands event to the user's live connection.
func (r *Registry) Push(userID string, event models.ChatEvent) error {
	h, ok := r.HandleFor(userID)
	if !ok {
		return ErrNotConnected
	}
	return h.Send(event)
}

func (r *Registry) OnlineCount() int {
	return int(r.online.Load())
}

// OnlineUsers lists connected users in lexical order.
func (r *Registry) OnlineUsers() []string {
	var users []string
	for _, s := range r.shards {
		s.mu.RLock()
		for id := range s.handles {
			users = append(users, id)
		}
		s.mu.RUnlock()
	}
	sort.Strings(users)
	return users
}

// SetTyping records or clears a typing indicator. The returned bool reports whether the
// visible state changed (a refresh of an active indicator returns false).
func (r *Registry) SetTyping(from, to, conversationID string, isTyping bool) bool {
	key := typingKey{from: from, to: to}
	s := r.shardFor(from)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := r.now()
	entry, active := s.typing[key]
	if active && !now.Before(entry.ExpiresAt) {
		active = false
	}
	if !isTyping {
		delete(s.typing, key)
		return active
	}
	s.typing[key] = TypingEntry{
		From:           from,
		To:             to,
		ConversationID: conversationID,
		ExpiresAt:      now.Add(r.typingTTL),
	}
	return !active
}

// TypingState reports whether from is currently typing to to.
func (r *Registry) TypingState(from, to string) bool {
	s := r.shardFor(from)
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.typing[typingKey{from: from, to: to}]
	return ok && r.now().Before(entry.ExpiresAt)
}

// ExpireTyping drops every indicator whose deadline has passed and returns them.
func (r *Registry) ExpireTyping(now time.Time) []TypingEntry {
	var expired []TypingEntry
	for _, s := range r.shards {
		s.mu.Lock()
		for key, entry := range s.typing {
			if !now.Before(entry.ExpiresAt) {
				expired = append(expired, entry)
				delete(s.typing, key)
			}
		}
		s.mu.Unlock()
	}
	return expired
}

// ClearTyping drops every indicator sent by userID and returns the ones still active.
func (r *Registry) ClearTyping(userID string) []TypingEntry {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := r.now()
	var cleared []TypingEntry
	for key, entry := range s.typing {
		if key.from != userID {
			continue
		}
		if now.Before(entry.ExpiresAt) {
			cleared = append(cleared, entry)
		}
		delete(s.typing, key)
	}
	return cleared
}
