package repositories

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"marketplace-chat/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*BoltStore, *fakeClock) {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "chat.db"), 0o600, nil)
	require.NoError(t, err)
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	store, err := NewBoltStore(db, WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, clock
}

func appendText(t *testing.T, store Store, conv models.Conversation, from, to, text string) models.Message {
	t.Helper()
	msg, err := store.Messages().Append(context.Background(), models.NewMessage{
		ConversationID: conv.ID,
		Sender:         models.Sender{ID: from, Name: from},
		ReceiverID:     to,
		Payload:        models.TextPayload(text),
	})
	require.NoError(t, err)
	return msg
}

func TestFindOrCreateIsOrderInsensitive(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	subject := models.Subject{Title: "Road bike"}

	first, err := store.Conversations().FindOrCreate(ctx, "bob", "alice", subject)
	require.NoError(t, err)
	second, err := store.Conversations().FindOrCreate(ctx, "alice", "bob", subject)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "alice", first.UserLow)
	assert.Equal(t, "bob", first.UserHigh)
	assert.Equal(t, 0, first.UnreadFor("alice"))
	assert.Equal(t, 0, first.UnreadFor("bob"))

	other, err := store.Conversations().FindOrCreate(ctx, "alice", "bob", models.Subject{Title: "Helmet"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestFindOrCreateTrimsSubject(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	padded, err := store.Conversations().FindOrCreate(ctx, "alice", "bob", models.Subject{Title: "  Bike ", Price: " 90 "})
	require.NoError(t, err)
	assert.Equal(t, "Bike", padded.Subject.Title)
	assert.Equal(t, "90", padded.Subject.Price)

	plain, err := store.Conversations().FindOrCreate(ctx, "bob", "alice", models.Subject{Title: "Bike"})
	require.NoError(t, err)
	assert.Equal(t, padded.ID, plain.ID)
}

func TestFindOrCreateRejectsSelf(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Conversations().FindOrCreate(context.Background(), "alice", "alice", models.Subject{Title: "x"})
	assert.ErrorIs(t, err, ErrSelfConversation)
}

func TestFindOrCreateConcurrentCallersShareOneConversation(t *testing.T) {
	store, _ := newTestStore(t)
	subject := models.Subject{Title: "Sofa"}

	const workers = 16
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			conv, err := store.Conversations().FindOrCreate(context.Background(), a, b, subject)
			assert.NoError(t, err)
			ids[i] = conv.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	list, err := store.Conversations().ListForUser(context.Background(), "alice", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestFindOrCreateKeepsListingDetails(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Conversations().FindOrCreate(ctx, "alice", "bob", models.Subject{Title: "Lamp", Price: "20"})
	require.NoError(t, err)
	conv, err := store.Conversations().FindOrCreate(ctx, "alice", "bob", models.Subject{Title: "Lamp", ImageURL: "https://cdn.example.com/lamp.jpg"})
	require.NoError(t, err)

	assert.Equal(t, "20", conv.Price)
	assert.Equal(t, "https://cdn.example.com/lamp.jpg", conv.ImageURL)
}

func TestUnreadAccounting(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	conv, err := store.Conversations().FindOrCreate(ctx, "alice", "bob", models.Subject{Title: "Desk"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		msg := appendText(t, store, conv, "alice", "bob", "hi")
		conv, err = store.Conversations().RecordNewMessage(ctx, conv.ID, "alice", "bob", msg.Summary(), msg.CreatedAt)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, conv.UnreadFor("bob"))
	assert.Equal(t, 0, conv.UnreadFor("alice"))
	assert.Equal(t, "hi", conv.LastMessage)
	assert.Equal(t, "alice", conv.LastMessageSenderID)

	require.NoError(t, store.Conversations().ResetUnread(ctx, conv.ID, "bob"))
	conv, err = store.Conversations().Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, conv.UnreadFor("bob"))

	_, err = store.Conversations().RecordNewMessage(ctx, conv.ID, "alice", "mallory", "x", clock.Now())
	assert.ErrorIs(t, err, ErrConversationNotFound)
	assert.ErrorIs(t, store.Conversations().ResetUnread(ctx, conv.ID, "mallory"), ErrConversationNotFound)
}

func TestListForUserOrdersByActivity(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	older, err := store.Conversations().FindOrCreate(ctx, "alice", "bob", models.Subject{Title: "Chair"})
	require.NoError(t, err)
	clock.Advance(time.Minute)
	newer, err := store.Conversations().FindOrCreate(ctx, "alice", "carol", models.Subject{Title: "Table"})
	require.NoError(t, err)

	list, err := store.Conversations().ListForUser(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID)

	clock.Advance(time.Minute)
	msg := appendText(t, store, older, "bob", "alice", "still available?")
	_, err = store.Conversations().RecordNewMessage(ctx, older.ID, "bob", "alice", msg.Summary(), msg.CreatedAt)
	require.NoError(t, err)

	list, err = store.Conversations().ListForUser(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Equal(t, older.ID, list[0].ID)

	list, err = store.Conversations().ListForUser(ctx, "alice", 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestAppendKeepsTimestampsIncreasing(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	conv, err := store.Conversations().FindOrCreate(ctx, "alice", "bob", models.Subject{Title: "Bike"})
	require.NoError(t, err)

	first := appendText(t, store, conv, "alice", "bob", "one")
	second := appendText(t, store, conv, "bob", "alice", "two")

	assert.True(t, second.CreatedAt.After(first.CreatedAt))
	assert.True(t, first.Before(second))
	assert.False(t, first.IsDelivered)
	assert.False(t, first.IsRead)
	assert.Equal(t, models.StatePendingOffline, first.State())

	_, err = store.Messages().Append(ctx, models.NewMessage{ConversationID: "missing", Sender: models.Sender{ID: "a"}, ReceiverID: "b", Payload: models.TextPayload("x")})
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestPageWalksBackwards(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	conv, err := store.Conversations().FindOrCreate(ctx, "alice", "bob", models.Subject{Title: "Guitar"})
	require.NoError(t, err)

	var sent []models.Message
	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		sent = append(sent, appendText(t, store, conv, "alice", "bob", string(rune('a'+i))))
	}

	latest, err := store.Messages().Page(ctx, conv.ID, "bob", nil, 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, sent[3].ID, latest[0].ID)
	assert.Equal(t, sent[4].ID, latest[1].ID)

	cursor := latest[0].CreatedAt
	older, err := store.Messages().Page(ctx, conv.ID, "bob", &cursor, 10)
	require.NoError(t, err)
	require.Len(t, older, 3)
	assert.Equal(t, sent[0].ID, older[0].ID)
	assert.Equal(t, sent[2].ID, older[2].ID)

	empty, err := store.Messages().Page(ctx, "unknown", "bob", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMarkDeliveredBatchIsIdempotent(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	conv, err := store.Conversations().FindOrCreate(ctx, "alice", "bob", models.Subject{Title: "Camera"})
	require.NoError(t, err)

	first := appendText(t, store, conv, "alice", "bob", "one")
	clock.Advance(time.Second)
	second := appendText(t, store, conv, "alice", "bob", "two")
	forAlice := appendText(t, store, conv, "bob", "alice", "for alice")

	pending, err := store.Messages().Pending(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, second.ID, pending[1].ID)
	assert.False(t, pending[0].IsDelivered)

	again, err := store.Messages().Pending(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, again, 2, "listing pending messages does not flag them")

	batch, err := store.Messages().MarkDeliveredBatch(ctx, "bob", []string{first.ID, second.ID, forAlice.ID, "unknown"})
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, first.ID, batch[0].ID)
	assert.Equal(t, second.ID, batch[1].ID)
	for _, msg := range batch {
		assert.True(t, msg.IsDelivered)
		require.NotNil(t, msg.DeliveredAt)
	}

	repeat, err := store.Messages().MarkDeliveredBatch(ctx, "bob", []string{first.ID, second.ID})
	require.NoError(t, err)
	assert.Empty(t, repeat)

	pending, err = store.Messages().Pending(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, pending)

	stillPending, err := store.Messages().Pending(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, stillPending, 1, "ids addressed to another receiver are skipped")
	assert.Equal(t, forAlice.ID, stillPending[0].ID)

	_, changed, err := store.Messages().MarkDelivered(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestMarkDeliveredSingle(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	conv, err := store.Conversations().FindOrCreate(ctx, "alice", "bob", models.Subject{Title: "Phone"})
	require.NoError(t, err)
	msg := appendText(t, store, conv, "alice", "bob", "hello")

	delivered, changed, err := store.Messages().MarkDelivered(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.StateDelivered, delivered.State())

	batch, err := store.Messages().Pending(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestMarkReadForUserAlsoDelivers(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	conv, err := store.Conversations().FindOrCreate(ctx, "alice", "bob", models.Subject{Title: "Tent"})
	require.NoError(t, err)
	msg := appendText(t, store, conv, "alice", "bob", "hello")
	appendText(t, store, conv, "bob", "alice", "reply")

	read, err := store.Messages().MarkReadForUser(ctx, conv.ID, "bob")
	require.NoError(t, err)
	require.Len(t, read, 1)
	assert.Equal(t, msg.ID, read[0].ID)
	assert.True(t, read[0].IsDelivered)
	assert.True(t, read[0].IsRead)
	assert.Equal(t, models.StateRead, read[0].State())

	again, err := store.Messages().MarkReadForUser(ctx, conv.ID, "bob")
	require.NoError(t, err)
	assert.Empty(t, again)

	pending, err := store.Messages().Pending(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestHideForUserOnlyAffectsViewer(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	conv, err := store.Conversations().FindOrCreate(ctx, "alice", "bob", models.Subject{Title: "Boots"})
	require.NoError(t, err)
	msg := appendText(t, store, conv, "alice", "bob", "hello")

	require.NoError(t, store.Messages().HideForUser(ctx, msg.ID, "bob"))

	bobView, err := store.Messages().Page(ctx, conv.ID, "bob", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, bobView)

	aliceView, err := store.Messages().Page(ctx, conv.ID, "alice", nil, 10)
	require.NoError(t, err)
	require.Len(t, aliceView, 1)
	assert.Equal(t, "hello", aliceView[0].Text)

	assert.ErrorIs(t, store.Messages().HideForUser(ctx, msg.ID, "mallory"), ErrMessageNotFound)
	assert.ErrorIs(t, store.Messages().HideForUser(ctx, "missing", "bob"), ErrMessageNotFound)
}

func TestDeleteForEveryoneLeavesTombstone(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	conv, err := store.Conversations().FindOrCreate(ctx, "alice", "bob", models.Subject{Title: "Watch"})
	require.NoError(t, err)
	msg := appendText(t, store, conv, "alice", "bob", "secret")

	_, err = store.Messages().DeleteForEveryone(ctx, msg.ID, "bob")
	assert.ErrorIs(t, err, ErrMessageNotFound)

	deleted, err := store.Messages().DeleteForEveryone(ctx, msg.ID, "alice")
	require.NoError(t, err)
	assert.True(t, deleted.DeletedForEveryone)
	assert.Equal(t, models.KindDeleted, deleted.Kind)
	assert.Empty(t, deleted.Text)

	for _, viewer := range []string{"alice", "bob"} {
		page, err := store.Messages().Page(ctx, conv.ID, viewer, nil, 10)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, models.KindDeleted, page[0].Kind)
	}
}

func TestDeleteConversationCascades(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	conv, err := store.Conversations().FindOrCreate(ctx, "alice", "bob", models.Subject{Title: "Piano"})
	require.NoError(t, err)
	msg := appendText(t, store, conv, "alice", "bob", "hello")
	appendText(t, store, conv, "bob", "alice", "hi")

	err = store.WithinTx(ctx, func(tx Store) error {
		removed, err := tx.Messages().DeleteForConversation(ctx, conv.ID)
		if err != nil {
			return err
		}
		assert.Equal(t, 2, removed)
		return tx.Conversations().Delete(ctx, conv.ID)
	})
	require.NoError(t, err)

	_, err = store.Conversations().Get(ctx, conv.ID)
	assert.ErrorIs(t, err, ErrConversationNotFound)
	_, err = store.Messages().Get(ctx, msg.ID)
	assert.ErrorIs(t, err, ErrMessageNotFound)

	pending, err := store.Messages().Pending(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, pending)

	list, err := store.Conversations().ListForUser(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Empty(t, list)

	recreated, err := store.Conversations().FindOrCreate(ctx, "alice", "bob", models.Subject{Title: "Piano"})
	require.NoError(t, err)
	assert.NotEqual(t, conv.ID, recreated.ID)
}

func TestWithinTxRollsBackOnError(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	conv, err := store.Conversations().FindOrCreate(ctx, "alice", "bob", models.Subject{Title: "Kettle"})
	require.NoError(t, err)

	err = store.WithinTx(ctx, func(tx Store) error {
		msg := appendText(t, tx, conv, "alice", "bob", "lost")
		if _, err := tx.Conversations().RecordNewMessage(ctx, conv.ID, "alice", "bob", msg.Summary(), msg.CreatedAt); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	page, err := store.Messages().Page(ctx, conv.ID, "alice", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, page)
	conv, err = store.Conversations().Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, conv.UnreadFor("bob"))
}

func TestCanceledContextIsRejected(t *testing.T) {
	store, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Conversations().FindOrCreate(ctx, "alice", "bob", models.Subject{Title: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultPageSize, ClampLimit(0))
	assert.Equal(t, MaxPageSize, ClampLimit(MaxPageSize+1))
	assert.Equal(t, 7, ClampLimit(7))
}
