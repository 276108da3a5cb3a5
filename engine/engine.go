// Package engine implements conversation synchronization for the client:
// message lifecycle and receipts, dedup of relay duplicates, typing
// presence, group reconciliation and the offline delivery queue. All chat
// state is held in memory and mirrored to SQLite through a background
// writer; inbound events are processed on one dispatch goroutine per domain
// so per-chat ordering is preserved without per-message locking.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"relaychat/config"
	"relaychat/protocol"
	"relaychat/storage"
	"relaychat/transport"
)

const (
	dispatchChannelSize = 128
	incomingBufferSize  = 64

	expirySweepInterval = 30 * time.Second
	seenIDPruneInterval = time.Hour
	seenIDRetention     = 7 * 24 * time.Hour

	sessionPollInterval = 50 * time.Millisecond
)

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("engine: closed")

// Options configures a new Engine. Store, Provider and Bus are required.
type Options struct {
	Config   *config.ClientConfig
	Store    *storage.Store
	Provider transport.CryptoProvider
	Bus      transport.EventBus
	Logger   zerolog.Logger

	// OnMessage is invoked for every newly accepted message, incoming and
	// outgoing echo alike. Optional.
	OnMessage func(storage.Message)
	// OnTyping is invoked when a chat's typing indicator changes. Optional.
	OnTyping func(chatID string, active bool)
	// OnGroupUpdate is invoked after group metadata reconciliation. Optional.
	OnGroupUpdate func(storage.Group)
}

type inboundEvent struct {
	rumor        protocol.Rumor
	outerEventID string
}

// Engine is the conversation synchronization engine.
type Engine struct {
	opts  Options
	log   zerolog.Logger
	owner string

	writer    *asyncWriter
	timelines *Timelines
	typing    *Typing
	groups    *Groups
	queue     *OfflineQueue

	pairCh   chan inboundEvent
	groupCh  chan inboundEvent
	incoming chan storage.Message

	subscriptionID string

	mu      sync.Mutex
	started bool
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New wires an engine from its collaborators and hydrates state from
// storage. Call Start to begin processing events.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Provider == nil || opts.Bus == nil {
		return nil, errors.New("engine: store, provider and bus are required")
	}
	if opts.Config == nil {
		opts.Config = &config.ClientConfig{}
	}

	e := &Engine{
		opts:     opts,
		log:      opts.Logger,
		owner:    opts.Provider.OwnerKey(),
		pairCh:   make(chan inboundEvent, dispatchChannelSize),
		groupCh:  make(chan inboundEvent, dispatchChannelSize),
		incoming: make(chan storage.Message, incomingBufferSize),
		done:     make(chan struct{}),
	}

	e.writer = newAsyncWriter(e.log)
	e.timelines = newTimelines(
		opts.Store,
		opts.Provider,
		e.writer,
		e.log,
		e.owner,
		opts.Config.AutoReceiptsEnabled(),
		opts.Config.MessageTTLSeconds,
		e.notifyMessage,
	)
	e.typing = newTyping(e.owner, e.sendTypingSignal, opts.OnTyping, e.log, nil)
	e.timelines.typing = e.typing
	e.groups = newGroups(opts.Store, opts.Provider, e.writer, e.timelines, e.log, e.owner, opts.OnGroupUpdate)
	e.groups.typing = e.typing
	e.timelines.onGroupSummary = e.groups.applySummary
	e.queue = newOfflineQueue(opts.Store, e.deliverQueued, e.log)

	if err := e.timelines.load(); err != nil {
		return nil, err
	}
	if err := e.groups.load(); err != nil {
		return nil, err
	}
	return e, nil
}

// Start subscribes to the relay stream and launches the dispatch loops.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	subID, err := e.opts.Bus.Subscribe(fmt.Sprintf(`{"#p":[%q]}`, e.owner))
	if err != nil {
		return fmt.Errorf("subscribe to relay stream: %w", err)
	}
	e.subscriptionID = subID

	e.queue.SetOnline(e.opts.Bus.Online())

	e.wg.Add(5)
	go e.readLoop()
	go e.dispatchLoop("pairwise", e.pairCh, e.handlePairwise)
	go e.dispatchLoop("group", e.groupCh, e.handleGroup)
	go e.connectivityLoop()
	go e.maintenanceLoop()

	e.log.Info().Str("owner", e.owner).Msg("sync engine started")
	return nil
}

// readLoop decodes provider events and routes them by domain.
func (e *Engine) readLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case ev, ok := <-e.opts.Provider.Events():
			if !ok {
				return
			}
			rumor := protocol.Decode(ev.Content, ev.SenderKey, ev.CreatedAt)
			in := inboundEvent{rumor: rumor, outerEventID: ev.OuterEventID}
			target := e.pairCh
			if rumor.GroupID() != "" {
				target = e.groupCh
			}
			select {
			case target <- in:
			case <-e.done:
				return
			}
		}
	}
}

// dispatchLoop processes one domain's events in arrival order. A panic while
// handling an event is contained to that event.
func (e *Engine) dispatchLoop(domain string, ch <-chan inboundEvent, handle func(inboundEvent)) {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case in := <-ch:
			e.safely(domain, in, handle)
		}
	}
}

func (e *Engine) safely(domain string, in inboundEvent, handle func(inboundEvent)) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().
				Str("domain", domain).
				Str("rumor_id", in.rumor.ID).
				Interface("panic", r).
				Msg("event handler panicked")
		}
	}()
	handle(in)
}

func (e *Engine) connectivityLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case online, ok := <-e.opts.Bus.Connectivity():
			if !ok {
				return
			}
			e.log.Info().Bool("online", online).Msg("connectivity changed")
			e.queue.SetOnline(online)
		}
	}
}

// maintenanceLoop runs retention sweeps and seen-id pruning.
func (e *Engine) maintenanceLoop() {
	defer e.wg.Done()
	sweep := time.NewTicker(expirySweepInterval)
	prune := time.NewTicker(seenIDPruneInterval)
	defer sweep.Stop()
	defer prune.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-sweep.C:
			e.timelines.SweepExpired(time.Now().Unix())
		case <-prune.C:
			cutoff := time.Now().Add(-seenIDRetention).Unix()
			if _, err := e.opts.Store.PruneSeenRumorIDs(cutoff); err != nil {
				e.log.Error().Err(err).Msg("seen-id prune failed")
			}
		}
	}
}

// handlePairwise applies one pairwise-domain event. Only chat text creates a
// conversation record; ancillary rumors from unknown senders are dropped so a
// stray receipt or typing signal cannot mint an empty conversation.
func (e *Engine) handlePairwise(in inboundEvent) {
	rumor := in.rumor
	payload := rumor.Payload()

	if _, ok := payload.(protocol.GroupMetadata); ok {
		// Direct metadata copies (e.g. a removal notice) skip the group tag.
		e.groups.Handle(rumor, in.outerEventID)
		return
	}

	peerKey := ResolvePeer(e.owner, rumor.SenderKey, rumor.PeerTag(), e.timelines.HasPeer)

	ref, known := e.timelines.ResolveRef(peerKey)

	switch payload := payload.(type) {
	case protocol.ChatText:
		if !known {
			conv, err := e.timelines.EnsureConversation(peerKey, false)
			if err != nil {
				e.log.Error().Err(err).Str("peer", peerKey).Msg("conversation lookup failed")
				return
			}
			var ok bool
			if ref, ok = e.timelines.Ref(conv.ConversationID); !ok {
				return
			}
		}
		if legacy, isReaction := protocol.LegacyReaction(payload.Text); isReaction {
			e.timelines.HandleReaction(ref, rumor.SenderKey, legacy)
			return
		}
		e.timelines.HandleChat(ref, rumor, payload, in.outerEventID)
	case protocol.Receipt:
		// Group acknowledgements ride the pairwise channel; a zero ref
		// still resolves the ids against every timeline.
		e.timelines.HandleReceipt(ref, payload)
	case protocol.Typing:
		if !known {
			return
		}
		e.typing.HandleSignal(ref.ID, rumor.SenderKey, payload, rumor.CreatedAt)
	case protocol.Reaction:
		if !known {
			return
		}
		e.timelines.HandleReaction(ref, rumor.SenderKey, payload)
	default:
		e.log.Debug().Int("kind", rumor.Kind).Msg("ignoring unknown rumor kind")
	}
}

func (e *Engine) handleGroup(in inboundEvent) {
	e.groups.Handle(in.rumor, in.outerEventID)
}

func (e *Engine) notifyMessage(msg storage.Message) {
	if e.opts.OnMessage != nil {
		e.opts.OnMessage(msg)
	}
	if msg.Direction == storage.DirectionIncoming {
		select {
		case e.incoming <- msg:
		default:
		}
	}
}

// sendTypingSignal routes a local typing signal to the chat's domain.
func (e *Engine) sendTypingSignal(ref ChatRef, active bool, expiresAt int64) error {
	ctx := context.Background()
	if ref.Type == storage.ChatTypeGroup {
		content := "typing"
		if !active {
			content = protocol.TypingStop
		}
		rumor := protocol.Rumor{
			Kind:    protocol.KindTyping,
			Content: content,
			Tags: []protocol.Tag{
				{protocol.TagGroup, ref.ID},
				{protocol.TagExpiration, fmt.Sprintf("%d", expiresAt)},
			},
		}
		_, err := e.opts.Provider.SendGroupEvent(ctx, ref.ID, rumor)
		return err
	}
	_, err := e.opts.Provider.SendTyping(ctx, ref.PeerKey, active, expiresAt)
	return err
}

// deliverQueued is the offline queue's delivery callback.
func (e *Engine) deliverQueued(ctx context.Context, entry storage.OfflineEntry) error {
	return e.timelines.ResendMessage(ctx, entry.ConversationID, entry.MessageID)
}

// SendMessage sends a chat message to a peer, creating the conversation if
// needed. A message that cannot be handed to the transport is marked failed
// and queued for redelivery; the send error is still returned.
func (e *Engine) SendMessage(ctx context.Context, peerKey, text, replyTo string) (storage.Message, error) {
	conv, err := e.timelines.EnsureConversation(peerKey, true)
	if err != nil {
		return storage.Message{}, err
	}

	msg, sendErr := e.timelines.SendMessage(ctx, conv.ConversationID, text, replyTo)
	if sendErr != nil && msg.MessageID != "" {
		if queueErr := e.queue.Enqueue(conv.ConversationID, msg.MessageID, text); queueErr != nil {
			e.log.Error().Err(queueErr).Str("message_id", msg.MessageID).Msg("offline enqueue failed")
		}
	}
	return msg, sendErr
}

// SendGroupMessage sends a chat message into a group. Failed group sends are
// queued against the group timeline the same way pairwise sends are.
func (e *Engine) SendGroupMessage(ctx context.Context, groupID, text, replyTo string) (storage.Message, error) {
	msg, sendErr := e.groups.SendMessage(ctx, groupID, text, replyTo)
	if sendErr != nil && msg.MessageID != "" {
		if queueErr := e.queue.Enqueue(groupID, msg.MessageID, text); queueErr != nil {
			e.log.Error().Err(queueErr).Str("message_id", msg.MessageID).Msg("offline enqueue failed")
		}
	}
	return msg, sendErr
}

// SendReaction reacts to a message in a pairwise conversation.
func (e *Engine) SendReaction(ctx context.Context, conversationID, targetID, emoji string) error {
	ref, ok := e.timelines.Ref(conversationID)
	if !ok || ref.Type != storage.ChatTypePairwise {
		return fmt.Errorf("unknown conversation %q", conversationID)
	}
	if _, err := e.opts.Provider.SendReaction(ctx, ref.PeerKey, targetID, emoji); err != nil {
		return fmt.Errorf("send reaction: %w", err)
	}
	e.timelines.HandleReaction(ref, e.owner, protocol.Reaction{Emoji: emoji, TargetID: targetID})
	return nil
}

// NotifyTyping signals that the local user is typing in a chat. Pairwise
// chats may be addressed by conversation id or by peer key.
func (e *Engine) NotifyTyping(chatID string) {
	if ref, ok := e.timelines.ResolveRef(chatID); ok {
		e.typing.NotifyTyping(ref)
	}
}

// NotifyTypingStopped signals that the local user stopped typing.
func (e *Engine) NotifyTypingStopped(chatID string) {
	if ref, ok := e.timelines.ResolveRef(chatID); ok {
		e.typing.NotifyTypingStopped(ref)
	}
}

// TypingActive reports whether a peer is typing in the chat, addressed by
// conversation id or pairwise peer key.
func (e *Engine) TypingActive(chatID string) bool {
	if ref, ok := e.timelines.ResolveRef(chatID); ok {
		return e.typing.Active(ref.ID)
	}
	return false
}

// MarkRead marks a chat read and, when auto receipts are enabled, reports
// the previously unread messages as seen to their senders.
func (e *Engine) MarkRead(ctx context.Context, chatID string) {
	var unreadBySender map[string][]string
	if e.opts.Config.AutoReceiptsEnabled() {
		unreadBySender = make(map[string][]string)
		for _, msg := range e.timelines.Messages(chatID) {
			if msg.Direction == storage.DirectionIncoming && !msg.IsRead && msg.RumorID != "" {
				unreadBySender[msg.SenderKey] = append(unreadBySender[msg.SenderKey], msg.RumorID)
			}
		}
	}

	e.timelines.MarkRead(chatID)

	for sender, rumorIDs := range unreadBySender {
		if _, err := e.opts.Provider.SendReceipt(ctx, sender, protocol.ReceiptSeen, rumorIDs); err != nil {
			e.log.Debug().Err(err).Str("chat_id", chatID).Msg("seen receipt dropped")
		}
	}
}

// Conversations returns all pairwise conversations.
func (e *Engine) Conversations() []storage.Conversation {
	return e.timelines.Conversations()
}

// Messages returns a chat's in-memory timeline.
func (e *Engine) Messages(chatID string) []storage.Message {
	return e.timelines.Messages(chatID)
}

// SetConversationTTL sets or clears a conversation's retention override.
func (e *Engine) SetConversationTTL(conversationID string, ttlSeconds *int64) error {
	return e.timelines.SetConversationTTL(conversationID, ttlSeconds)
}

// Groups returns all known groups.
func (e *Engine) Groups() []storage.Group {
	return e.groups.Groups()
}

// Group returns one group by id.
func (e *Engine) Group(groupID string) (storage.Group, bool) {
	return e.groups.Get(groupID)
}

// CreateGroup creates and announces a new group.
func (e *Engine) CreateGroup(ctx context.Context, name string, members []string) (storage.Group, error) {
	return e.groups.CreateGroup(ctx, name, members)
}

// AcceptGroup accepts a pending group invitation.
func (e *Engine) AcceptGroup(groupID string) error {
	return e.groups.AcceptGroup(groupID)
}

// RemoveGroupMember removes a member and rotates the group secret.
func (e *Engine) RemoveGroupMember(ctx context.Context, groupID, memberKey string) error {
	return e.groups.RemoveMember(ctx, groupID, memberKey)
}

// PendingDeliveries returns the offline queue contents.
func (e *Engine) PendingDeliveries() ([]storage.OfflineEntry, error) {
	return e.queue.Pending()
}

// RetryDelivery forces an immediate attempt for one queued message.
func (e *Engine) RetryDelivery(ctx context.Context, entryID string) error {
	return e.queue.RetryNow(ctx, entryID)
}

// OwnerKey returns the local identity public key.
func (e *Engine) OwnerKey() string {
	return e.owner
}

// CreateInvite produces an invite code for session establishment.
func (e *Engine) CreateInvite(ctx context.Context) (string, error) {
	return e.opts.Provider.CreateInvite(ctx)
}

// AcceptInvite consumes an invite code and opens a conversation with the
// inviter.
func (e *Engine) AcceptInvite(ctx context.Context, invite string) (storage.Conversation, error) {
	peerKey, err := e.opts.Provider.AcceptInvite(ctx, invite)
	if err != nil {
		return storage.Conversation{}, err
	}
	return e.timelines.EnsureConversation(peerKey, true)
}

// WaitForSession blocks until a session with the peer is established or the
// context expires.
func (e *Engine) WaitForSession(ctx context.Context, peerKey string) error {
	ticker := time.NewTicker(sessionPollInterval)
	defer ticker.Stop()
	for {
		if e.opts.Provider.SessionReady(peerKey) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.done:
			return ErrClosed
		case <-ticker.C:
		}
	}
}

// WaitForMessage blocks until the next incoming message is accepted.
func (e *Engine) WaitForMessage(ctx context.Context) (storage.Message, error) {
	select {
	case msg := <-e.incoming:
		return msg, nil
	case <-ctx.Done():
		return storage.Message{}, ctx.Err()
	case <-e.done:
		return storage.Message{}, ErrClosed
	}
}

// Flush blocks until pending background writes have been applied. Intended
// for orderly shutdown and tests.
func (e *Engine) Flush() {
	e.writer.flush()
}

// Close stops the engine and flushes pending writes.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	started := e.started
	e.mu.Unlock()

	close(e.done)
	if started {
		e.wg.Wait()
	}
	if e.subscriptionID != "" {
		if err := e.opts.Bus.Unsubscribe(e.subscriptionID); err != nil {
			e.log.Debug().Err(err).Msg("unsubscribe failed")
		}
	}
	e.typing.Close()
	e.queue.Close()
	e.writer.close()
	return nil
}
