package delivery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"marketplace-chat/internal/apperrors"
	"marketplace-chat/internal/models"
	"marketplace-chat/internal/observability"
	"marketplace-chat/internal/presence"
	"marketplace-chat/internal/repositories"
)

// DeleteForMePolicy decides who may hide a message from their own view.
type DeleteForMePolicy string

const (
	PolicyAnyParticipant DeleteForMePolicy = "any"
	PolicySenderOnly     DeleteForMePolicy = "sender"
)

// ParsePolicy maps a configuration value to a policy, defaulting to PolicyAnyParticipant.
func ParsePolicy(value string) (DeleteForMePolicy, error) {
	switch DeleteForMePolicy(strings.ToLower(strings.TrimSpace(value))) {
	case "", PolicyAnyParticipant:
		return PolicyAnyParticipant, nil
	case PolicySenderOnly:
		return PolicySenderOnly, nil
	default:
		return "", fmt.Errorf("unknown delete-for-me policy %q", value)
	}
}

// Config tunes a Coordinator.
type Config struct {
	DeleteForMePolicy DeleteForMePolicy
	// TypingInterval is the minimum spacing of relayed start signals per sender/recipient pair.
	TypingInterval time.Duration
	SweepInterval  time.Duration
}

const (
	defaultTypingInterval = 500 * time.Millisecond
	defaultSweepInterval  = time.Second
	eventRoutingPrefix    = "chat_events."
	confirmTimeout        = 5 * time.Second
)

// SubmitRequest describes a message submission. Either ConversationID is set, or ReceiverID
// and Subject identify the conversation to find or create.
type SubmitRequest struct {
	ConversationID string
	ReceiverID     string
	Subject        models.Subject
	Sender         models.Sender
	Payload        models.Payload
	ClientToken    string
}

type pairKey struct {
	from string
	to   string
}

// Coordinator orchestrates persistence, live push, offline catch-up, receipts and typing relay.
type Coordinator struct {
	store    repositories.Store
	presence *presence.Registry
	policy   DeleteForMePolicy
	tracer   trace.Tracer
	now      func() time.Time

	typingEvery rate.Limit
	sweepEvery  time.Duration
	limitersMu  sync.Mutex
	limiters    map[pairKey]*rate.Limiter

	// participants caches conversation id to its normalized pair for typing checks.
	participantsMu sync.RWMutex
	participants   map[string]pairKey
}

func NewCoordinator(store repositories.Store, registry *presence.Registry, cfg Config) *Coordinator {
	if cfg.DeleteForMePolicy == "" {
		cfg.DeleteForMePolicy = PolicyAnyParticipant
	}
	if cfg.TypingInterval <= 0 {
		cfg.TypingInterval = defaultTypingInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	return &Coordinator{
		store:       store,
		presence:    registry,
		policy:      cfg.DeleteForMePolicy,
		tracer:      otel.Tracer("marketplace-chat/delivery"),
		now:         time.Now,
		typingEvery: rate.Every(cfg.TypingInterval),
		sweepEvery:  cfg.SweepInterval,
		limiters:    make(map[pairKey]*rate.Limiter),

		participants: make(map[string]pairKey),
	}
}

// Presence exposes the registry the coordinator pushes through.
func (c *Coordinator) Presence() *presence.Registry {
	return c.presence
}

// Submit validates, persists and pushes a message. Once persisted the message is final: push
// failures leave it pending for the receiver's next connect and are never returned. The returned
// message is as persisted; delivery is reported to the sender by receipt.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (models.Message, error) {
	ctx, span := c.tracer.Start(ctx, "delivery.submit")
	defer span.End()
	start := time.Now()

	if req.Sender.ID == "" {
		return models.Message{}, apperrors.Validation("sender is required", nil)
	}
	if strings.TrimSpace(req.ClientToken) == "" {
		return models.Message{}, apperrors.Validation("client_token is required", nil)
	}
	if err := req.Payload.Validate(); err != nil {
		return models.Message{}, apperrors.Validation("invalid payload", err)
	}

	conv, err := c.resolveConversation(ctx, req)
	if err != nil {
		recordSpanError(span, err)
		return models.Message{}, err
	}
	receiverID := conv.Other(req.Sender.ID)
	span.SetAttributes(
		attribute.String("conversation.id", conv.ID),
		attribute.String("message.kind", string(req.Payload.Kind)),
	)

	var msg models.Message
	err = c.store.WithinTx(ctx, func(tx repositories.Store) error {
		var err error
		msg, err = tx.Messages().Append(ctx, models.NewMessage{
			ConversationID: conv.ID,
			Sender:         req.Sender,
			ReceiverID:     receiverID,
			Payload:        req.Payload,
			ClientToken:    req.ClientToken,
		})
		if err != nil {
			return fmt.Errorf("append message: %w", err)
		}
		if _, err := tx.Conversations().RecordNewMessage(ctx, conv.ID, req.Sender.ID, receiverID, msg.Summary(), msg.CreatedAt); err != nil {
			return fmt.Errorf("record new message: %w", err)
		}
		return nil
	})
	if err != nil {
		recordSpanError(span, err)
		log.Printf("submit failed conversation_id=%s sender_id=%s client_token=%s err=%v", conv.ID, req.Sender.ID, req.ClientToken, err)
		return models.Message{}, storeError("failed to store message", err)
	}
	observability.ObserveSubmit(time.Since(start))
	observability.IncMessageSubmitted(string(msg.Kind))
	c.publish(ctx, "message_sent", map[string]interface{}{
		"message_id":      msg.ID,
		"conversation_id": msg.ConversationID,
		"sender_id":       msg.SenderID,
		"receiver_id":     msg.ReceiverID,
		"kind":            msg.Kind,
	})

	c.pushLive(ctx, msg)
	return msg, nil
}

func (c *Coordinator) resolveConversation(ctx context.Context, req SubmitRequest) (models.Conversation, error) {
	if req.ConversationID == "" {
		if req.ReceiverID == "" {
			return models.Conversation{}, apperrors.Validation("conversation_id or receiver_id is required", nil)
		}
		if req.ReceiverID == req.Sender.ID {
			return models.Conversation{}, apperrors.Validation("cannot message yourself", repositories.ErrSelfConversation)
		}
		subject := req.Subject.Normalize()
		if subject.Title == "" {
			return models.Conversation{}, apperrors.Validation("subject title is required", nil)
		}
		conv, err := c.store.Conversations().FindOrCreate(ctx, req.Sender.ID, req.ReceiverID, subject)
		if err != nil {
			return models.Conversation{}, storeError("failed to open conversation", err)
		}
		c.remember(conv)
		return conv, nil
	}

	conv, err := c.participantConversation(ctx, req.ConversationID, req.Sender.ID)
	if err != nil {
		return models.Conversation{}, err
	}
	if req.ReceiverID != "" && req.ReceiverID != conv.Other(req.Sender.ID) {
		return models.Conversation{}, apperrors.Validation("receiver is not the other participant", nil)
	}
	return conv, nil
}

// pushLive hands the message to the receiver's connection. The message is flagged delivered only
// once the frame has been written; a frame lost with its connection stays pending for the next
// connect.
func (c *Coordinator) pushLive(ctx context.Context, msg models.Message) {
	handle, ok := c.presence.HandleFor(msg.ReceiverID)
	if !ok {
		return
	}
	ctx = context.WithoutCancel(ctx)
	err := handle.SendTracked(models.MessageEvent(msg), func() {
		c.confirmDelivered(ctx, msg.ReceiverID, []string{msg.ID}, "push")
	})
	if err != nil {
		observability.IncPushFailure()
		log.Printf("push failed, message left pending message_id=%s receiver_id=%s err=%v", msg.ID, msg.ReceiverID, err)
	}
}

// confirmDelivered flags written messages and tells their senders. Messages already flagged by a
// concurrent push or batch are skipped, so each receipt goes out once.
func (c *Coordinator) confirmDelivered(ctx context.Context, receiverID string, ids []string, path string) {
	ctx, cancel := context.WithTimeout(ctx, confirmTimeout)
	defer cancel()

	delivered, err := c.store.Messages().MarkDeliveredBatch(ctx, receiverID, ids)
	if err != nil {
		log.Printf("mark delivered failed receiver_id=%s count=%d path=%s err=%v", receiverID, len(ids), path, err)
		return
	}
	if len(delivered) == 0 {
		return
	}
	observability.AddDelivered(path, len(delivered))
	c.sendReceipts(models.ReceiptDelivered, delivered, func(m models.Message) *time.Time { return m.DeliveredAt })

	flagged := make([]string, 0, len(delivered))
	for _, msg := range delivered {
		flagged = append(flagged, msg.ID)
	}
	c.publish(ctx, "message_delivered", map[string]interface{}{
		"message_ids": flagged,
		"receiver_id": receiverID,
		"path":        path,
	})
}

// Connect registers h as the user's live connection and flushes everything still pending for them.
// Pending messages become delivered once the batch frame is written.
func (c *Coordinator) Connect(ctx context.Context, userID string, h presence.Handle) error {
	ctx, span := c.tracer.Start(ctx, "delivery.connect", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	if prev := c.presence.SetOnline(userID, h); prev != nil && prev.ID() != h.ID() {
		log.Printf("connection superseded user_id=%s old_conn=%s new_conn=%s", userID, prev.ID(), h.ID())
	}

	batch, err := c.store.Messages().Pending(ctx, userID)
	if err != nil {
		recordSpanError(span, err)
		c.presence.SetOffline(userID, h)
		return storeError("failed to flush pending messages", err)
	}
	span.SetAttributes(attribute.Int("batch.size", len(batch)))
	if len(batch) == 0 {
		return nil
	}

	ids := make([]string, 0, len(batch))
	for _, msg := range batch {
		ids = append(ids, msg.ID)
	}
	confirmCtx := context.WithoutCancel(ctx)
	err = h.SendTracked(models.BatchEvent(batch), func() {
		c.confirmDelivered(confirmCtx, userID, ids, "reconnect")
	})
	if err != nil {
		observability.IncPushFailure()
		log.Printf("batch push failed, messages left pending user_id=%s size=%d err=%v", userID, len(batch), err)
	}
	return nil
}

// Disconnect deregisters h. A stale handle that was already superseded is ignored.
func (c *Coordinator) Disconnect(userID string, h presence.Handle) bool {
	if !c.presence.SetOffline(userID, h) {
		return false
	}
	for _, entry := range c.presence.ClearTyping(userID) {
		c.relayTyping(entry.From, entry.To, entry.ConversationID, false)
	}
	c.dropLimiters(userID)
	return true
}

// MarkRead zeroes the caller's unread counter and stamps every message addressed to them.
func (c *Coordinator) MarkRead(ctx context.Context, conversationID, userID string) ([]models.Message, error) {
	ctx, span := c.tracer.Start(ctx, "delivery.mark_read", trace.WithAttributes(attribute.String("conversation.id", conversationID)))
	defer span.End()

	if _, err := c.participantConversation(ctx, conversationID, userID); err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	var read []models.Message
	err := c.store.WithinTx(ctx, func(tx repositories.Store) error {
		if err := tx.Conversations().ResetUnread(ctx, conversationID, userID); err != nil {
			return err
		}
		var err error
		read, err = tx.Messages().MarkReadForUser(ctx, conversationID, userID)
		return err
	})
	if err != nil {
		recordSpanError(span, err)
		return nil, storeError("failed to mark conversation read", err)
	}

	newlyDelivered := 0
	for _, msg := range read {
		if msg.DeliveredAt != nil && msg.ReadAt != nil && msg.DeliveredAt.Equal(*msg.ReadAt) {
			newlyDelivered++
		}
	}
	observability.AddDelivered("read", newlyDelivered)
	c.sendReceipts(models.ReceiptRead, read, func(m models.Message) *time.Time { return m.ReadAt })
	return read, nil
}

// sendReceipts groups messages by sender and conversation and notifies each online sender.
func (c *Coordinator) sendReceipts(kind string, msgs []models.Message, stamp func(models.Message) *time.Time) {
	type group struct {
		senderID       string
		conversationID string
	}
	order := []group{}
	ids := map[group][]string{}
	at := map[group]time.Time{}
	for _, msg := range msgs {
		g := group{senderID: msg.SenderID, conversationID: msg.ConversationID}
		if _, ok := ids[g]; !ok {
			order = append(order, g)
		}
		ids[g] = append(ids[g], msg.ID)
		if ts := stamp(msg); ts != nil && ts.After(at[g]) {
			at[g] = *ts
		}
	}

	for _, g := range order {
		if err := c.presence.Push(g.senderID, models.ReceiptEvent(kind, g.conversationID, ids[g], at[g])); err != nil && !errors.Is(err, presence.ErrNotConnected) {
			log.Printf("receipt push failed kind=%s sender_id=%s err=%v", kind, g.senderID, err)
		}
	}
}

// DeleteForMe hides a message from the caller's own view.
func (c *Coordinator) DeleteForMe(ctx context.Context, messageID, userID string) error {
	msg, err := c.store.Messages().Get(ctx, messageID)
	if err != nil {
		return storeError("failed to load message", err)
	}
	if msg.SenderID != userID && msg.ReceiverID != userID {
		return apperrors.PermissionDenied("not a participant of this conversation")
	}
	if c.policy == PolicySenderOnly && msg.SenderID != userID {
		return apperrors.PermissionDenied("only the sender may delete this message")
	}
	if err := c.store.Messages().HideForUser(ctx, messageID, userID); err != nil {
		return storeError("failed to delete message", err)
	}
	return nil
}

// DeleteForEveryone replaces the payload with a tombstone and notifies both participants.
func (c *Coordinator) DeleteForEveryone(ctx context.Context, messageID, userID string) (models.Message, error) {
	msg, err := c.store.Messages().Get(ctx, messageID)
	if err != nil {
		return models.Message{}, storeError("failed to load message", err)
	}
	if msg.SenderID != userID {
		return models.Message{}, apperrors.PermissionDenied("only the sender may delete for everyone")
	}

	deleted, err := c.store.Messages().DeleteForEveryone(ctx, messageID, userID)
	if err != nil {
		return models.Message{}, storeError("failed to delete message", err)
	}

	event := models.DeletionEvent(deleted.ConversationID, deleted.ID)
	for _, participant := range []string{deleted.SenderID, deleted.ReceiverID} {
		if err := c.presence.Push(participant, event); err != nil && !errors.Is(err, presence.ErrNotConnected) {
			log.Printf("deletion push failed user_id=%s message_id=%s err=%v", participant, deleted.ID, err)
		}
	}
	return deleted, nil
}

// DeleteConversation removes a conversation and all of its messages as one unit.
func (c *Coordinator) DeleteConversation(ctx context.Context, conversationID, userID string) (int, error) {
	if _, err := c.participantConversation(ctx, conversationID, userID); err != nil {
		return 0, err
	}

	var removed int
	err := c.store.WithinTx(ctx, func(tx repositories.Store) error {
		var err error
		if removed, err = tx.Messages().DeleteForConversation(ctx, conversationID); err != nil {
			return err
		}
		return tx.Conversations().Delete(ctx, conversationID)
	})
	if err != nil {
		return 0, storeError("failed to delete conversation", err)
	}
	c.forget(conversationID)
	return removed, nil
}

// StartConversation finds or creates the conversation between the caller and participantID.
func (c *Coordinator) StartConversation(ctx context.Context, userID, participantID string, subject models.Subject) (models.ConversationSummary, error) {
	subject = subject.Normalize()
	if participantID == "" {
		return models.ConversationSummary{}, apperrors.Validation("participant_id is required", nil)
	}
	if participantID == userID {
		return models.ConversationSummary{}, apperrors.Validation("cannot start a conversation with yourself", repositories.ErrSelfConversation)
	}
	if subject.Title == "" {
		return models.ConversationSummary{}, apperrors.Validation("subject title is required", nil)
	}

	conv, err := c.store.Conversations().FindOrCreate(ctx, userID, participantID, subject)
	if err != nil {
		return models.ConversationSummary{}, storeError("failed to start conversation", err)
	}
	c.remember(conv)
	return conv.Summarize(userID, c.presence.IsOnline(participantID)), nil
}

// ListConversations returns the caller's conversations annotated with live presence.
func (c *Coordinator) ListConversations(ctx context.Context, userID string, limit int) ([]models.ConversationSummary, error) {
	convs, err := c.store.Conversations().ListForUser(ctx, userID, repositories.ClampLimit(limit))
	if err != nil {
		return nil, storeError("failed to list conversations", err)
	}
	summaries := make([]models.ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		c.remember(conv)
		summaries = append(summaries, conv.Summarize(userID, c.presence.IsOnline(conv.Other(userID))))
	}
	return summaries, nil
}

// PageMessages returns a page of history visible to the caller, oldest first.
func (c *Coordinator) PageMessages(ctx context.Context, conversationID, userID string, before *time.Time, limit int) ([]models.Message, error) {
	if _, err := c.participantConversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	msgs, err := c.store.Messages().Page(ctx, conversationID, userID, before, repositories.ClampLimit(limit))
	if err != nil {
		return nil, storeError("failed to fetch messages", err)
	}
	return msgs, nil
}

// Typing relays a typing signal to the other participant of a conversation when they are online.
// Start signals are throttled per pair; stop signals always pass. Nothing is queued.
func (c *Coordinator) Typing(ctx context.Context, from, to, conversationID string, isTyping bool) error {
	if to == "" || conversationID == "" {
		return apperrors.Validation("recipient and conversation are required", nil)
	}
	if from == to {
		return apperrors.Validation("cannot signal typing to yourself", nil)
	}
	if err := c.typingAllowed(ctx, from, to, conversationID); err != nil {
		return err
	}
	if isTyping && !c.limiter(from, to).Allow() {
		observability.IncTyping("throttled")
		return nil
	}

	changed := c.presence.SetTyping(from, to, conversationID, isTyping)
	if !isTyping && !changed {
		return nil
	}
	c.relayTyping(from, to, conversationID, isTyping)
	return nil
}

func (c *Coordinator) relayTyping(from, to, conversationID string, isTyping bool) {
	err := c.presence.Push(to, models.TypingEvent(from, conversationID, isTyping))
	switch {
	case err == nil:
		observability.IncTyping("relayed")
	case errors.Is(err, presence.ErrNotConnected):
		observability.IncTyping("offline")
	default:
		observability.IncTyping("dropped")
	}
}

func (c *Coordinator) limiter(from, to string) *rate.Limiter {
	key := pairKey{from: from, to: to}
	c.limitersMu.Lock()
	defer c.limitersMu.Unlock()
	lim, ok := c.limiters[key]
	if !ok {
		lim = rate.NewLimiter(c.typingEvery, 1)
		c.limiters[key] = lim
	}
	return lim
}

func (c *Coordinator) dropLimiters(userID string) {
	c.limitersMu.Lock()
	defer c.limitersMu.Unlock()
	for key := range c.limiters {
		if key.from == userID {
			delete(c.limiters, key)
		}
	}
}

// RunTypingSweeper relays a stop for every typing indicator that outlived its TTL. It returns
// when ctx is canceled.
func (c *Coordinator) RunTypingSweeper(ctx context.Context) error {
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.SweepTyping()
		}
	}
}

// SweepTyping expires stale typing indicators once.
func (c *Coordinator) SweepTyping() int {
	expired := c.presence.ExpireTyping(c.now())
	for _, entry := range expired {
		observability.IncTyping("expired")
		c.relayTyping(entry.From, entry.To, entry.ConversationID, false)
	}
	return len(expired)
}

func (c *Coordinator) participantConversation(ctx context.Context, conversationID, userID string) (models.Conversation, error) {
	conv, err := c.store.Conversations().Get(ctx, conversationID)
	if err != nil {
		return models.Conversation{}, storeError("failed to load conversation", err)
	}
	c.remember(conv)
	if !conv.HasParticipant(userID) {
		return models.Conversation{}, apperrors.PermissionDenied("not a participant of this conversation")
	}
	return conv, nil
}

func (c *Coordinator) remember(conv models.Conversation) {
	c.participantsMu.Lock()
	c.participants[conv.ID] = pairKey{from: conv.UserLow, to: conv.UserHigh}
	c.participantsMu.Unlock()
}

func (c *Coordinator) forget(conversationID string) {
	c.participantsMu.Lock()
	delete(c.participants, conversationID)
	c.participantsMu.Unlock()
}

// typingAllowed checks that from and to are the two participants of conversationID. Only the
// first signal for a conversation unknown to this process reads the store.
func (c *Coordinator) typingAllowed(ctx context.Context, from, to, conversationID string) error {
	c.participantsMu.RLock()
	pair, ok := c.participants[conversationID]
	c.participantsMu.RUnlock()
	if !ok {
		conv, err := c.store.Conversations().Get(ctx, conversationID)
		if err != nil {
			return storeError("failed to load conversation", err)
		}
		c.remember(conv)
		pair = pairKey{from: conv.UserLow, to: conv.UserHigh}
	}

	low, high := models.NormalizePair(from, to)
	if pair.from != low || pair.to != high {
		return apperrors.PermissionDenied("not a participant of this conversation")
	}
	return nil
}

func (c *Coordinator) publish(ctx context.Context, name string, payload map[string]interface{}) {
	err := observability.PublishEvent(ctx, eventRoutingPrefix+name, observability.NewEnvelope(observability.EventTypeChat, name, payload), observability.HeadersFromContext(ctx))
	if err != nil {
		log.Printf("event publish failed event=%s err=%v", name, err)
	}
}

// storeError maps repository failures onto the application error taxonomy.
func storeError(message string, err error) error {
	var appErr *apperrors.AppError
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, repositories.ErrConversationNotFound):
		return apperrors.NotFound("conversation", err)
	case errors.Is(err, repositories.ErrMessageNotFound):
		return apperrors.NotFound("message", err)
	case errors.Is(err, repositories.ErrSelfConversation):
		return apperrors.Validation("cannot start a conversation with yourself", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return apperrors.Storage(message, err)
	}
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
