package client

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketplace-chat/internal/models"
)

// EntryState is the client-side lifecycle of a timeline entry.
type EntryState string

const (
	StateSending EntryState = "sending"
	StateSent    EntryState = "sent"
	StateFailed  EntryState = "failed"
)

// Entry is a message as the local user sees it.
type Entry struct {
	models.Message
	State EntryState `json:"state"`
	Error string     `json:"error,omitempty"`
}

// Draft is what the user typed before it has any server identity.
type Draft struct {
	Sender     models.Sender
	ReceiverID string
	Payload    models.Payload
}

// Timeline is the ordered, deduplicated message list of one open conversation.
// Entries are keyed by client token until acknowledged and by canonical id afterwards.
type Timeline struct {
	mu             sync.Mutex
	conversationID string
	entries        []Entry
	drafts         map[string]Draft
	now            func() time.Time
	newToken       func() string
}

func NewTimeline(conversationID string) *Timeline {
	return &Timeline{
		conversationID: conversationID,
		drafts:         make(map[string]Draft),
		now:            time.Now,
		newToken:       uuid.NewString,
	}
}

func (t *Timeline) ConversationID() string {
	return t.conversationID
}

// AddOptimistic appends a placeholder whose id and token are the same fresh token.
func (t *Timeline) AddOptimistic(d Draft) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addOptimisticLocked(d)
}

func (t *Timeline) addOptimisticLocked(d Draft) Entry {
	token := t.newToken()
	entry := Entry{
		Message: models.Message{
			ID:              token,
			ConversationID:  t.conversationID,
			ClientToken:     token,
			SenderID:        d.Sender.ID,
			ReceiverID:      d.ReceiverID,
			SenderName:      d.Sender.Name,
			SenderEmail:     d.Sender.Email,
			SenderAvatarURL: d.Sender.AvatarURL,
			Payload:         d.Payload,
			CreatedAt:       t.now().UTC(),
		},
		State: StateSending,
	}
	t.drafts[token] = d
	t.entries = append(t.entries, entry)
	t.sortLocked()
	return entry
}

// Ack replaces the placeholder carrying msg's token with the canonical message. Without a
// placeholder the message is merged as if pushed.
func (t *Timeline) Ack(msg models.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mergeLocked(msg)
	t.sortLocked()
}

// Merge folds pushed or batched messages in. It returns how many new entries were added.
func (t *Timeline) Merge(msgs ...models.Message) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	added := 0
	for _, msg := range msgs {
		if t.mergeLocked(msg) {
			added++
		}
	}
	t.sortLocked()
	return added
}

// Prepend folds an older history page in, tolerating overlap with what is already shown.
func (t *Timeline) Prepend(page []models.Message) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	fresh := make([]Entry, 0, len(page))
	for _, msg := range page {
		if i := t.indexLocked(msg); i >= 0 {
			t.replaceLocked(i, msg)
			continue
		}
		fresh = append(fresh, Entry{Message: msg, State: StateSent})
	}
	t.entries = append(fresh, t.entries...)
	t.sortLocked()
	return len(fresh)
}

// mergeLocked reports whether msg became a new entry.
func (t *Timeline) mergeLocked(msg models.Message) bool {
	if i := t.indexLocked(msg); i >= 0 {
		t.replaceLocked(i, msg)
		return false
	}
	t.entries = append(t.entries, Entry{Message: msg, State: StateSent})
	return true
}

// indexLocked finds the entry for msg: token match first, then canonical id.
func (t *Timeline) indexLocked(msg models.Message) int {
	if msg.ClientToken != "" {
		for i, e := range t.entries {
			if e.ClientToken == msg.ClientToken {
				return i
			}
		}
	}
	for i, e := range t.entries {
		if e.State != StateSending && e.State != StateFailed && e.ID == msg.ID {
			return i
		}
	}
	return -1
}

func (t *Timeline) replaceLocked(i int, msg models.Message) {
	existing := t.entries[i]
	if existing.State == StateSent && existing.ID == msg.ID {
		t.entries[i].Message = refreshFlags(existing.Message, msg)
		return
	}
	delete(t.drafts, existing.ClientToken)
	t.entries[i] = Entry{Message: msg, State: StateSent}
}

// refreshFlags keeps the stored copy but lets delivery, read and deletion only move forward.
func refreshFlags(current, incoming models.Message) models.Message {
	if incoming.IsDelivered && !current.IsDelivered {
		current.IsDelivered = true
		current.DeliveredAt = incoming.DeliveredAt
	}
	if incoming.IsRead && !current.IsRead {
		current.IsRead = true
		current.ReadAt = incoming.ReadAt
	}
	if incoming.DeletedForEveryone || incoming.Kind == models.KindDeleted {
		current.DeletedForEveryone = true
		current.Payload = models.Tombstone()
	}
	return current
}

// ApplyReceipt flags the listed canonical ids delivered or read. A read implies delivered.
func (t *Timeline) ApplyReceipt(kind string, ids []string, at time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	stamp := at
	updated := 0
	for i := range t.entries {
		e := &t.entries[i]
		if e.State != StateSent {
			continue
		}
		if _, ok := want[e.ID]; !ok {
			continue
		}
		changed := false
		if !e.IsDelivered {
			e.IsDelivered = true
			e.DeliveredAt = &stamp
			changed = true
		}
		if kind == models.ReceiptRead && !e.IsRead {
			e.IsRead = true
			e.ReadAt = &stamp
			changed = true
		}
		if changed {
			updated++
		}
	}
	return updated
}

// ApplyDeletion tombstones a message deleted for everyone.
func (t *Timeline) ApplyDeletion(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		e := &t.entries[i]
		if e.State == StateSent && e.ID == messageID {
			e.DeletedForEveryone = true
			e.Payload = models.Tombstone()
			return true
		}
	}
	return false
}

// Remove drops a canonical message from view, used after delete-for-me.
func (t *Timeline) Remove(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.entries {
		if e.State == StateSent && e.ID == messageID {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Fail moves a sending placeholder to the failed state.
func (t *Timeline) Fail(token string, cause error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		e := &t.entries[i]
		if e.ClientToken == token && e.State == StateSending {
			e.State = StateFailed
			if cause != nil {
				e.Error = cause.Error()
			}
			return true
		}
	}
	return false
}

// Retry replaces a failed placeholder with a new one under a fresh token.
func (t *Timeline) Retry(token string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.entries {
		if e.ClientToken != token || e.State != StateFailed {
			continue
		}
		d, ok := t.drafts[token]
		if !ok {
			return Entry{}, false
		}
		delete(t.drafts, token)
		t.entries = append(t.entries[:i], t.entries[i+1:]...)
		return t.addOptimisticLocked(d), true
	}
	return Entry{}, false
}

// Entries returns a snapshot in display order.
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Oldest returns the creation time of the oldest acknowledged entry, the cursor for older pages.
func (t *Timeline) Oldest() *time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.State == StateSent {
			ts := e.CreatedAt
			return &ts
		}
	}
	return nil
}

func (t *Timeline) sortLocked() {
	sort.SliceStable(t.entries, func(i, j int) bool {
		a, b := t.entries[i], t.entries[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
