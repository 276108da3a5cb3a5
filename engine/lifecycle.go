package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"relaychat/protocol"
	"relaychat/storage"
	"relaychat/transport"
)

// timelineLoadLimit bounds how much history is pulled into memory per chat
// at startup.
const timelineLoadLimit = 500

// ChatRef identifies one chat timeline: a pairwise conversation or a group.
type ChatRef struct {
	ID         string
	Type       string
	PeerKey    string // pairwise partner key; empty for groups
	TTLSeconds int64  // retention applied to new outgoing messages, 0 = off
}

// timeline is the in-memory message list for one chat, indexed by every id
// a later event might reference it with.
type timeline struct {
	messages []*storage.Message
	byLocal  map[string]*storage.Message
	byRumor  map[string]*storage.Message
	byOuter  map[string]*storage.Message
}

func newTimeline() *timeline {
	return &timeline{
		byLocal: make(map[string]*storage.Message),
		byRumor: make(map[string]*storage.Message),
		byOuter: make(map[string]*storage.Message),
	}
}

func (tl *timeline) insert(msg *storage.Message) {
	tl.messages = append(tl.messages, msg)
	tl.byLocal[msg.MessageID] = msg
	if msg.RumorID != "" {
		tl.byRumor[msg.RumorID] = msg
	}
	if msg.OuterEventID != nil && *msg.OuterEventID != "" {
		tl.byOuter[*msg.OuterEventID] = msg
	}
}

// lookup resolves a referenced id against rumor ids first, then local ids,
// then outer event ids.
func (tl *timeline) lookup(id string) *storage.Message {
	if msg, ok := tl.byRumor[id]; ok {
		return msg
	}
	if msg, ok := tl.byLocal[id]; ok {
		return msg
	}
	if msg, ok := tl.byOuter[id]; ok {
		return msg
	}
	return nil
}

func (tl *timeline) remove(msg *storage.Message) {
	for i, candidate := range tl.messages {
		if candidate.MessageID == msg.MessageID {
			tl.messages = append(tl.messages[:i], tl.messages[i+1:]...)
			break
		}
	}
	delete(tl.byLocal, msg.MessageID)
	if msg.RumorID != "" {
		delete(tl.byRumor, msg.RumorID)
	}
	if msg.OuterEventID != nil {
		delete(tl.byOuter, *msg.OuterEventID)
	}
}

// Timelines owns message lifecycle state for every chat: sending, inbound
// dedup, receipts, reactions and retention. In-memory state is authoritative
// and mirrored to storage through the background writer.
type Timelines struct {
	store        *storage.Store
	provider     transport.CryptoProvider
	writer       *asyncWriter
	typing       *Typing
	log          zerolog.Logger
	owner        string
	autoReceipts bool
	defaultTTL   int64
	nowFn        func() time.Time
	onMessage    func(storage.Message)

	// onGroupSummary mirrors recomputed group summary fields into the group
	// manager's in-memory records. Set after construction.
	onGroupSummary func(groupID string, lastAt *int64, preview string, unread int)

	mu            sync.Mutex
	conversations map[string]*storage.Conversation // by conversation id
	byPeer        map[string]string                // peer key -> conversation id
	refs          map[string]ChatRef               // chat id -> ref
	timelines     map[string]*timeline
}

func newTimelines(store *storage.Store, provider transport.CryptoProvider, writer *asyncWriter, log zerolog.Logger, owner string, autoReceipts bool, defaultTTL int64, onMessage func(storage.Message)) *Timelines {
	return &Timelines{
		store:         store,
		provider:      provider,
		writer:        writer,
		log:           log,
		owner:         owner,
		autoReceipts:  autoReceipts,
		defaultTTL:    defaultTTL,
		nowFn:         time.Now,
		onMessage:     onMessage,
		conversations: make(map[string]*storage.Conversation),
		byPeer:        make(map[string]string),
		refs:          make(map[string]ChatRef),
		timelines:     make(map[string]*timeline),
	}
}

// load hydrates conversations and recent history from storage.
func (t *Timelines) load() error {
	conversations, err := t.store.ListConversations()
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range conversations {
		conv := conversations[i]
		t.conversations[conv.ConversationID] = &conv
		t.byPeer[conv.PeerKey] = conv.ConversationID
		t.refs[conv.ConversationID] = t.conversationRef(&conv)
		if err := t.loadTimelineLocked(conv.ConversationID); err != nil {
			return err
		}
	}
	return nil
}

func (t *Timelines) loadTimelineLocked(chatID string) error {
	messages, err := t.store.GetRecentMessages(chatID, timelineLoadLimit)
	if err != nil {
		return fmt.Errorf("load timeline %q: %w", chatID, err)
	}
	tl := newTimeline()
	for i := range messages {
		msg := messages[i]
		tl.insert(&msg)
	}
	t.timelines[chatID] = tl
	return nil
}

func (t *Timelines) conversationRef(conv *storage.Conversation) ChatRef {
	ttl := t.defaultTTL
	if conv.MessageTTLSeconds != nil {
		ttl = *conv.MessageTTLSeconds
	}
	return ChatRef{
		ID:         conv.ConversationID,
		Type:       storage.ChatTypePairwise,
		PeerKey:    conv.PeerKey,
		TTLSeconds: ttl,
	}
}

// EnsureConversation returns the conversation for a peer, creating it if
// needed. Creation is synchronous: callers need the id immediately.
func (t *Timelines) EnsureConversation(peerKey string, initiatedLocally bool) (storage.Conversation, error) {
	t.mu.Lock()
	if id, ok := t.byPeer[peerKey]; ok {
		conv := *t.conversations[id]
		t.mu.Unlock()
		return conv, nil
	}
	t.mu.Unlock()

	conv, err := t.store.EnsureConversation(peerKey, initiatedLocally)
	if err != nil {
		return storage.Conversation{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.conversations[conv.ConversationID]; !ok {
		t.conversations[conv.ConversationID] = conv
		t.byPeer[conv.PeerKey] = conv.ConversationID
		t.refs[conv.ConversationID] = t.conversationRef(conv)
		t.timelines[conv.ConversationID] = newTimeline()
	}
	return *conv, nil
}

// RegisterGroupChat attaches a timeline for a group chat and hydrates its
// recent history.
func (t *Timelines) RegisterGroupChat(groupID string, ttlSeconds *int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ttl := t.defaultTTL
	if ttlSeconds != nil {
		ttl = *ttlSeconds
	}
	t.refs[groupID] = ChatRef{ID: groupID, Type: storage.ChatTypeGroup, TTLSeconds: ttl}
	if _, ok := t.timelines[groupID]; !ok {
		return t.loadTimelineLocked(groupID)
	}
	return nil
}

// DropGroupChat discards a group's in-memory timeline.
func (t *Timelines) DropGroupChat(groupID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.refs, groupID)
	delete(t.timelines, groupID)
}

// Ref returns the chat reference for a chat id.
func (t *Timelines) Ref(chatID string) (ChatRef, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ref, ok := t.refs[chatID]
	return ref, ok
}

// HasPeer reports whether a conversation exists for the peer key.
func (t *Timelines) HasPeer(peerKey string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.byPeer[peerKey]
	return ok
}

// ResolveRef returns the chat reference for a chat id or a pairwise peer key,
// so callers may address a conversation by either.
func (t *Timelines) ResolveRef(idOrPeer string) (ChatRef, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ref, ok := t.refs[idOrPeer]; ok {
		return ref, true
	}
	if id, ok := t.byPeer[idOrPeer]; ok {
		ref, ok := t.refs[id]
		return ref, ok
	}
	return ChatRef{}, false
}

// Conversations returns a snapshot of all pairwise conversations.
func (t *Timelines) Conversations() []storage.Conversation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]storage.Conversation, 0, len(t.conversations))
	for _, conv := range t.conversations {
		out = append(out, *conv)
	}
	return out
}

// Messages returns a snapshot of a chat's in-memory timeline in order.
func (t *Timelines) Messages(chatID string) []storage.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	tl, ok := t.timelines[chatID]
	if !ok {
		return nil
	}
	out := make([]storage.Message, 0, len(tl.messages))
	for _, msg := range tl.messages {
		out = append(out, *msg)
	}
	return out
}

func (t *Timelines) timelineLocked(chatID string) *timeline {
	tl, ok := t.timelines[chatID]
	if !ok {
		tl = newTimeline()
		t.timelines[chatID] = tl
	}
	return tl
}

// chatTags assembles the outbound tag set for a chat rumor.
func chatTags(peerKey, groupID, replyTo string, expiresAt *int64) []protocol.Tag {
	var tags []protocol.Tag
	if peerKey != "" {
		tags = append(tags, protocol.Tag{protocol.TagPeer, peerKey})
	}
	if groupID != "" {
		tags = append(tags, protocol.Tag{protocol.TagGroup, groupID})
	}
	if replyTo != "" {
		tags = append(tags, protocol.Tag{protocol.TagEvent, replyTo, "", protocol.EventMarkerReply})
	}
	if expiresAt != nil && *expiresAt > 0 {
		tags = append(tags, protocol.Tag{protocol.TagExpiration, fmt.Sprintf("%d", *expiresAt)})
	}
	return tags
}

// SendMessage sends a chat message in a pairwise conversation. The message
// is recorded as pending before the transport hand-off; on failure it is
// marked failed and the error is returned so callers can queue a retry.
func (t *Timelines) SendMessage(ctx context.Context, conversationID, text, replyTo string) (storage.Message, error) {
	t.mu.Lock()
	conv, ok := t.conversations[conversationID]
	if !ok {
		t.mu.Unlock()
		return storage.Message{}, fmt.Errorf("unknown conversation %q", conversationID)
	}
	ref := t.refs[conversationID]
	msg := t.recordOutgoingLocked(ref, text, replyTo)
	peerKey := conv.PeerKey
	t.mu.Unlock()

	result, err := t.provider.SendText(ctx, peerKey, text, chatTags(peerKey, "", replyTo, msg.ExpiresAt))
	return t.finishSend(ref.ID, msg.MessageID, result, err)
}

// SendGroupMessage sends a chat message into a group timeline.
func (t *Timelines) SendGroupMessage(ctx context.Context, groupID, text, replyTo string) (storage.Message, error) {
	t.mu.Lock()
	ref, ok := t.refs[groupID]
	if !ok || ref.Type != storage.ChatTypeGroup {
		t.mu.Unlock()
		return storage.Message{}, fmt.Errorf("unknown group chat %q", groupID)
	}
	msg := t.recordOutgoingLocked(ref, text, replyTo)
	t.mu.Unlock()

	rumor := protocol.Rumor{
		Kind:    protocol.KindChat,
		Content: text,
		Tags:    chatTags("", groupID, replyTo, msg.ExpiresAt),
	}
	result, err := t.provider.SendGroupEvent(ctx, groupID, rumor)
	return t.finishSend(ref.ID, msg.MessageID, result, err)
}

// recordOutgoingLocked inserts a pending outgoing message and schedules its
// persistence. Caller holds t.mu.
func (t *Timelines) recordOutgoingLocked(ref ChatRef, text, replyTo string) *storage.Message {
	now := t.nowFn().Unix()
	msg := &storage.Message{
		MessageID: uuid.New().String(),
		ChatID:    ref.ID,
		ChatType:  ref.Type,
		SenderKey: t.owner,
		Content:   text,
		CreatedAt: now,
		Direction: storage.DirectionOutgoing,
		Status:    storage.StatusPending,
		IsRead:    true,
	}
	if replyTo != "" {
		msg.ReplyToID = &replyTo
	}
	if ref.TTLSeconds > 0 {
		expiresAt := now + ref.TTLSeconds
		msg.ExpiresAt = &expiresAt
	}

	t.timelineLocked(ref.ID).insert(msg)
	t.touchSummaryLocked(ref, msg)

	saved := *msg
	t.writer.enqueue("save message", func() error { return t.store.SaveMessage(saved) })
	return msg
}

// finishSend applies a transport result (or failure) to a pending message.
func (t *Timelines) finishSend(chatID, messageID string, result transport.SendResult, sendErr error) (storage.Message, error) {
	t.mu.Lock()
	tl := t.timelineLocked(chatID)
	msg, ok := tl.byLocal[messageID]
	if !ok {
		t.mu.Unlock()
		return storage.Message{}, fmt.Errorf("message %q vanished from timeline %q", messageID, chatID)
	}

	if sendErr != nil {
		msg.Status = Advance(msg.Status, storage.StatusFailed)
		snapshot := *msg
		t.mu.Unlock()
		t.writer.enqueue("mark message failed", func() error {
			return t.store.UpdateMessageStatus(snapshot.MessageID, snapshot.Status)
		})
		return snapshot, fmt.Errorf("send message %s: %w", messageID, sendErr)
	}

	msg.RumorID = result.InnerID
	msg.Status = Advance(msg.Status, storage.StatusSent)
	if len(result.OuterEventIDs) > 0 && msg.OuterEventID == nil {
		outer := result.OuterEventIDs[0]
		msg.OuterEventID = &outer
	}
	if msg.RumorID != "" {
		tl.byRumor[msg.RumorID] = msg
	}
	if msg.OuterEventID != nil {
		tl.byOuter[*msg.OuterEventID] = msg
	}
	snapshot := *msg
	t.mu.Unlock()

	t.writer.enqueue("mark message sent", func() error {
		return t.store.SetMessageSent(snapshot.MessageID, snapshot.RumorID, snapshot.OuterEventID, snapshot.ExpiresAt)
	})
	return snapshot, nil
}

// ResendMessage re-attempts delivery of a pending or failed outgoing
// message, resetting a failed status back to pending first.
func (t *Timelines) ResendMessage(ctx context.Context, chatID, messageID string) error {
	t.mu.Lock()
	ref, ok := t.refs[chatID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("unknown chat %q", chatID)
	}
	tl := t.timelineLocked(chatID)
	msg, found := tl.byLocal[messageID]
	if !found {
		t.mu.Unlock()
		return fmt.Errorf("unknown message %q", messageID)
	}
	if msg.Direction != storage.DirectionOutgoing {
		t.mu.Unlock()
		return fmt.Errorf("message %q is not outgoing", messageID)
	}
	if msg.Status != storage.StatusPending && msg.Status != storage.StatusFailed {
		t.mu.Unlock()
		return nil
	}
	msg.Status = storage.StatusPending
	text := msg.Content
	replyTo := ""
	if msg.ReplyToID != nil {
		replyTo = *msg.ReplyToID
	}
	expiresAt := msg.ExpiresAt
	peerKey := ref.PeerKey
	t.mu.Unlock()

	var (
		result transport.SendResult
		err    error
	)
	if ref.Type == storage.ChatTypeGroup {
		rumor := protocol.Rumor{
			Kind:    protocol.KindChat,
			Content: text,
			Tags:    chatTags("", chatID, replyTo, expiresAt),
		}
		result, err = t.provider.SendGroupEvent(ctx, chatID, rumor)
	} else {
		result, err = t.provider.SendText(ctx, peerKey, text, chatTags(peerKey, "", replyTo, expiresAt))
	}
	_, err = t.finishSend(chatID, messageID, result, err)
	return err
}

// HandleChat applies an inbound chat rumor to its timeline. Returns false
// when the rumor was a duplicate or otherwise dropped.
func (t *Timelines) HandleChat(ref ChatRef, rumor protocol.Rumor, payload protocol.ChatText, outerEventID string) bool {
	rumorID := rumor.ID
	if rumorID == "" {
		// Legacy senders assign no inner id; the outer event id is the only
		// stable handle for dedup.
		rumorID = outerEventID
	}
	if rumorID == "" {
		return false
	}

	now := t.nowFn().Unix()
	if payload.ExpiresAt > 0 && payload.ExpiresAt <= now {
		return false
	}

	selfEcho := rumor.SenderKey == t.owner

	t.mu.Lock()
	tl := t.timelineLocked(ref.ID)
	if existing, ok := tl.byRumor[rumorID]; ok {
		// Duplicate. A self-echo may still carry the outer event id the
		// original send never learned.
		if selfEcho && outerEventID != "" && existing.OuterEventID == nil {
			outer := outerEventID
			existing.OuterEventID = &outer
			tl.byOuter[outer] = existing
			messageID := existing.MessageID
			t.mu.Unlock()
			t.writer.enqueue("backfill outer event id", func() error {
				return t.store.BackfillOuterEventID(messageID, outer)
			})
			return false
		}
		t.mu.Unlock()
		return false
	}

	msg := &storage.Message{
		MessageID: uuid.New().String(),
		RumorID:   rumorID,
		ChatID:    ref.ID,
		ChatType:  ref.Type,
		SenderKey: rumor.SenderKey,
		Content:   payload.Text,
		CreatedAt: rumor.CreatedAt,
		Direction: storage.DirectionIncoming,
		Status:    storage.StatusDelivered,
		IsRead:    false,
	}
	if selfEcho {
		// Our own send observed from another device: it belongs on the
		// outgoing side and needs no receipt.
		msg.Direction = storage.DirectionOutgoing
		msg.Status = storage.StatusSent
		msg.IsRead = true
	}
	if outerEventID != "" {
		outer := outerEventID
		msg.OuterEventID = &outer
	}
	if payload.ReplyTo != "" {
		replyTo := payload.ReplyTo
		msg.ReplyToID = &replyTo
	}
	if payload.ExpiresAt > 0 {
		expiresAt := payload.ExpiresAt
		msg.ExpiresAt = &expiresAt
	}

	tl.insert(msg)
	t.touchSummaryLocked(ref, msg)
	saved := *msg
	t.mu.Unlock()

	t.writer.enqueue("save message", func() error { return t.store.SaveMessage(saved) })

	if !selfEcho {
		if t.typing != nil {
			t.typing.ClearOnMessage(ref.ID, rumor.CreatedAt)
		}
		if t.autoReceipts && rumor.ID != "" {
			if _, err := t.provider.SendReceipt(context.Background(), rumor.SenderKey, protocol.ReceiptDelivered, []string{rumor.ID}); err != nil {
				t.log.Debug().Err(err).Str("chat_id", ref.ID).Msg("delivery receipt dropped")
			}
		}
	}
	if t.onMessage != nil {
		t.onMessage(saved)
	}
	return true
}

// HandleReceipt advances outgoing message statuses referenced by a receipt.
// A receipt arrives on the sender's pairwise channel even when it concerns a
// group message, so ids unknown to the receipt's own timeline are resolved
// against the other timelines. References to unknown or incoming messages
// are ignored.
func (t *Timelines) HandleReceipt(ref ChatRef, receipt protocol.Receipt) {
	proposed := storage.StatusDelivered
	if receipt.Status == protocol.ReceiptSeen {
		proposed = storage.StatusSeen
	}

	t.mu.Lock()
	tl := t.timelines[ref.ID]
	var updates []storage.Message
	for _, id := range receipt.RumorIDs {
		var msg *storage.Message
		if tl != nil {
			msg = tl.lookup(id)
		}
		if msg == nil {
			for otherID, other := range t.timelines {
				if otherID == ref.ID {
					continue
				}
				if msg = other.lookup(id); msg != nil {
					break
				}
			}
		}
		if msg == nil || msg.Direction != storage.DirectionOutgoing {
			continue
		}
		next := Advance(msg.Status, proposed)
		if next == msg.Status {
			continue
		}
		msg.Status = next
		updates = append(updates, *msg)
	}
	t.mu.Unlock()

	for _, update := range updates {
		snapshot := update
		t.writer.enqueue("update message status", func() error {
			return t.store.UpdateMessageStatus(snapshot.MessageID, snapshot.Status)
		})
	}
}

// HandleReaction applies an emoji reaction to its target message. A sender
// holds at most one slot per emoji; re-reacting moves the sender between
// emoji buckets.
func (t *Timelines) HandleReaction(ref ChatRef, senderKey string, reaction protocol.Reaction) {
	if reaction.TargetID == "" || reaction.Emoji == "" {
		return
	}

	t.mu.Lock()
	tl := t.timelineLocked(ref.ID)
	msg := tl.lookup(reaction.TargetID)
	if msg == nil {
		t.mu.Unlock()
		return
	}

	if msg.Reactions == nil {
		msg.Reactions = make(map[string][]string)
	}
	for emoji, senders := range msg.Reactions {
		filtered := senders[:0]
		for _, sender := range senders {
			if sender != senderKey {
				filtered = append(filtered, sender)
			}
		}
		if len(filtered) == 0 {
			delete(msg.Reactions, emoji)
		} else {
			msg.Reactions[emoji] = filtered
		}
	}
	msg.Reactions[reaction.Emoji] = append(msg.Reactions[reaction.Emoji], senderKey)

	messageID := msg.MessageID
	reactions := make(map[string][]string, len(msg.Reactions))
	for emoji, senders := range msg.Reactions {
		reactions[emoji] = append([]string(nil), senders...)
	}
	t.mu.Unlock()

	t.writer.enqueue("update reactions", func() error {
		return t.store.UpdateReactions(messageID, reactions)
	})
}

// MarkRead clears the unread state of a chat.
func (t *Timelines) MarkRead(chatID string) {
	t.mu.Lock()
	ref, ok := t.refs[chatID]
	if !ok {
		t.mu.Unlock()
		return
	}
	tl := t.timelineLocked(chatID)
	for _, msg := range tl.messages {
		msg.IsRead = true
	}
	if ref.Type == storage.ChatTypePairwise {
		if conv, found := t.conversations[chatID]; found {
			conv.UnreadCount = 0
		}
	} else {
		t.notifyGroupSummaryLocked(chatID)
	}
	t.mu.Unlock()

	if ref.Type == storage.ChatTypeGroup {
		t.writer.enqueue("mark group read", func() error { return t.store.MarkGroupRead(chatID) })
		return
	}
	t.writer.enqueue("mark conversation read", func() error { return t.store.MarkConversationRead(chatID) })
}

// SetConversationTTL updates the per-conversation retention override.
func (t *Timelines) SetConversationTTL(conversationID string, ttlSeconds *int64) error {
	t.mu.Lock()
	conv, ok := t.conversations[conversationID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("unknown conversation %q", conversationID)
	}
	conv.MessageTTLSeconds = ttlSeconds
	t.refs[conversationID] = t.conversationRef(conv)
	t.mu.Unlock()

	t.writer.enqueue("set conversation ttl", func() error {
		return t.store.SetConversationTTL(conversationID, ttlSeconds)
	})
	return nil
}

// SweepExpired drops messages whose retention deadline has passed, from
// memory and storage.
func (t *Timelines) SweepExpired(now int64) {
	t.mu.Lock()
	touched := make(map[string]ChatRef)
	for chatID, tl := range t.timelines {
		for _, msg := range append([]*storage.Message(nil), tl.messages...) {
			if msg.ExpiresAt != nil && *msg.ExpiresAt <= now {
				tl.remove(msg)
				touched[chatID] = t.refs[chatID]
			}
		}
	}
	for chatID, ref := range touched {
		t.refreshSummaryLocked(chatID, ref)
	}
	t.mu.Unlock()

	if len(touched) == 0 {
		return
	}
	t.writer.enqueue("delete expired messages", func() error {
		_, err := t.store.DeleteExpiredMessages(now)
		return err
	})
	for chatID, ref := range touched {
		t.enqueueSummaryRecompute(chatID, ref)
	}
}

// touchSummaryLocked rolls a newly inserted message into the chat's summary
// fields. Caller holds t.mu.
func (t *Timelines) touchSummaryLocked(ref ChatRef, msg *storage.Message) {
	if ref.Type == storage.ChatTypePairwise {
		if conv, ok := t.conversations[ref.ID]; ok {
			createdAt := msg.CreatedAt
			conv.LastMessageAt = &createdAt
			conv.LastMessagePreview = msg.Content
			if !msg.IsRead {
				conv.UnreadCount++
			}
		}
	} else {
		t.notifyGroupSummaryLocked(ref.ID)
	}
	t.enqueueSummaryRecompute(ref.ID, ref)
}

// refreshSummaryLocked recomputes a chat's summary from its in-memory
// timeline after removals. Caller holds t.mu.
func (t *Timelines) refreshSummaryLocked(chatID string, ref ChatRef) {
	if ref.Type == storage.ChatTypeGroup {
		t.notifyGroupSummaryLocked(chatID)
		return
	}
	conv, ok := t.conversations[chatID]
	if !ok {
		return
	}
	tl := t.timelineLocked(chatID)
	conv.LastMessageAt = nil
	conv.LastMessagePreview = ""
	conv.UnreadCount = 0
	for _, msg := range tl.messages {
		createdAt := msg.CreatedAt
		conv.LastMessageAt = &createdAt
		conv.LastMessagePreview = msg.Content
		if !msg.IsRead {
			conv.UnreadCount++
		}
	}
}

// notifyGroupSummaryLocked recomputes a group's summary from its timeline and
// pushes it to the group manager. Caller holds t.mu.
func (t *Timelines) notifyGroupSummaryLocked(groupID string) {
	if t.onGroupSummary == nil {
		return
	}
	var lastAt *int64
	preview := ""
	unread := 0
	for _, msg := range t.timelineLocked(groupID).messages {
		createdAt := msg.CreatedAt
		lastAt = &createdAt
		preview = msg.Content
		if !msg.IsRead {
			unread++
		}
	}
	t.onGroupSummary(groupID, lastAt, preview, unread)
}

func (t *Timelines) enqueueSummaryRecompute(chatID string, ref ChatRef) {
	if ref.Type == storage.ChatTypeGroup {
		t.writer.enqueue("recompute group summary", func() error {
			return t.store.RecomputeGroupSummary(chatID)
		})
		return
	}
	t.writer.enqueue("recompute conversation summary", func() error {
		return t.store.RecomputeConversationSummary(chatID)
	})
}
