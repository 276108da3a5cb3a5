package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"relaychat/protocol"
	"relaychat/storage"
	"relaychat/transport"
)

const (
	// groupRecencyCapacity bounds the in-memory recent-rumor-id set used to
	// drop duplicate group deliveries.
	groupRecencyCapacity = 512
	// maxPendingPerGroup bounds buffered events awaiting group metadata.
	maxPendingPerGroup = 64
	// pendingMaxAge is how long a buffered event stays eligible for replay.
	pendingMaxAge = time.Hour
)

// recencySet is a bounded set of recently seen ids with FIFO eviction.
type recencySet struct {
	capacity int
	order    []string
	index    map[string]struct{}
}

func newRecencySet(capacity int) *recencySet {
	return &recencySet{
		capacity: capacity,
		index:    make(map[string]struct{}, capacity),
	}
}

func (r *recencySet) Contains(id string) bool {
	_, ok := r.index[id]
	return ok
}

func (r *recencySet) Add(id string) {
	if _, ok := r.index[id]; ok {
		return
	}
	r.index[id] = struct{}{}
	r.order = append(r.order, id)
	if len(r.order) > r.capacity {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.index, oldest)
	}
}

// pendingEvent is a group rumor buffered because its group is not yet known.
type pendingEvent struct {
	rumor        protocol.Rumor
	outerEventID string
	receivedAt   time.Time
}

// Groups owns group membership state, metadata reconciliation, secret
// rotation on removal, and the buffer of events that arrived before their
// group's metadata.
type Groups struct {
	store     *storage.Store
	provider  transport.CryptoProvider
	writer    *asyncWriter
	timelines *Timelines
	typing    *Typing
	log       zerolog.Logger
	owner     string
	nowFn     func() time.Time
	onUpdate  func(storage.Group)

	mu      sync.Mutex
	groups  map[string]*storage.Group
	pending map[string][]pendingEvent
	seen    *recencySet
}

func newGroups(store *storage.Store, provider transport.CryptoProvider, writer *asyncWriter, timelines *Timelines, log zerolog.Logger, owner string, onUpdate func(storage.Group)) *Groups {
	return &Groups{
		store:     store,
		provider:  provider,
		writer:    writer,
		timelines: timelines,
		log:       log,
		owner:     owner,
		nowFn:     time.Now,
		onUpdate:  onUpdate,
		groups:    make(map[string]*storage.Group),
		pending:   make(map[string][]pendingEvent),
		seen:      newRecencySet(groupRecencyCapacity),
	}
}

// load hydrates group records from storage and registers their timelines.
func (g *Groups) load() error {
	groups, err := g.store.ListGroups()
	if err != nil {
		return fmt.Errorf("load groups: %w", err)
	}

	for i := range groups {
		group := groups[i]
		g.mu.Lock()
		g.groups[group.GroupID] = &group
		g.mu.Unlock()

		if err := g.timelines.RegisterGroupChat(group.GroupID, group.MessageTTLSeconds); err != nil {
			return err
		}
		if err := g.provider.UpsertGroup(context.Background(), providerState(&group)); err != nil {
			g.log.Warn().Err(err).Str("group_id", group.GroupID).Msg("provider group sync failed")
		}
	}
	return nil
}

func providerState(group *storage.Group) transport.GroupState {
	secret := ""
	if group.SharedSecret != nil {
		secret = *group.SharedSecret
	}
	return transport.GroupState{
		GroupID:      group.GroupID,
		Name:         group.Name,
		Members:      append([]string(nil), group.Members...),
		Admins:       append([]string(nil), group.Admins...),
		SharedSecret: secret,
	}
}

// Groups returns a snapshot of all known groups.
func (g *Groups) Groups() []storage.Group {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]storage.Group, 0, len(g.groups))
	for _, group := range g.groups {
		out = append(out, *group)
	}
	return out
}

// applySummary mirrors recomputed timeline summary fields into the in-memory
// group record, keeping Groups()/Get() current between restarts.
func (g *Groups) applySummary(groupID string, lastAt *int64, preview string, unread int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	group, ok := g.groups[groupID]
	if !ok {
		return
	}
	group.LastMessageAt = lastAt
	group.LastMessagePreview = preview
	group.UnreadCount = unread
}

// Get returns one group by id.
func (g *Groups) Get(groupID string) (storage.Group, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	group, ok := g.groups[groupID]
	if !ok {
		return storage.Group{}, false
	}
	return *group, true
}

// Handle routes one inbound group rumor: dedup against the recency set,
// metadata reconciliation, and buffering of events whose group is unknown.
func (g *Groups) Handle(rumor protocol.Rumor, outerEventID string) {
	dedupID := rumor.ID
	if dedupID == "" {
		dedupID = outerEventID
	}
	if dedupID != "" {
		g.mu.Lock()
		if g.seen.Contains(dedupID) {
			g.mu.Unlock()
			return
		}
		g.seen.Add(dedupID)
		g.mu.Unlock()

		// The bounded in-memory set resets on restart; the seen-id table
		// catches replays across process lifetimes.
		if replayed, err := g.store.HasSeenRumorID(dedupID); err == nil && replayed {
			return
		}
		receivedAt := g.nowFn().Unix()
		id := dedupID
		g.writer.enqueue("record seen rumor id", func() error {
			return g.store.InsertSeenRumorID(id, receivedAt)
		})
	}

	if meta, ok := rumor.Payload().(protocol.GroupMetadata); ok {
		g.handleMetadata(meta, rumor)
		return
	}

	groupID := rumor.GroupID()
	if groupID == "" {
		return
	}

	g.mu.Lock()
	_, known := g.groups[groupID]
	if !known {
		g.bufferLocked(groupID, rumor, outerEventID)
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	g.dispatch(groupID, rumor, outerEventID)
}

// bufferLocked queues an event for a group whose metadata has not arrived.
// The buffer is bounded; the oldest entry is dropped on overflow. Caller
// holds g.mu.
func (g *Groups) bufferLocked(groupID string, rumor protocol.Rumor, outerEventID string) {
	queue := g.pending[groupID]
	if len(queue) >= maxPendingPerGroup {
		queue = queue[1:]
	}
	g.pending[groupID] = append(queue, pendingEvent{
		rumor:        rumor,
		outerEventID: outerEventID,
		receivedAt:   g.nowFn(),
	})
}

// dispatch applies a group rumor now that its group is known.
func (g *Groups) dispatch(groupID string, rumor protocol.Rumor, outerEventID string) {
	ref, ok := g.timelines.Ref(groupID)
	if !ok {
		return
	}

	switch payload := rumor.Payload().(type) {
	case protocol.ChatText:
		if legacy, isReaction := protocol.LegacyReaction(payload.Text); isReaction {
			g.timelines.HandleReaction(ref, rumor.SenderKey, legacy)
			return
		}
		g.timelines.HandleChat(ref, rumor, payload, outerEventID)
	case protocol.Receipt:
		g.timelines.HandleReceipt(ref, payload)
	case protocol.Reaction:
		g.timelines.HandleReaction(ref, rumor.SenderKey, payload)
	case protocol.Typing:
		if g.typing != nil {
			g.typing.HandleSignal(groupID, rumor.SenderKey, payload, rumor.CreatedAt)
		}
	default:
	}
}

// handleMetadata reconciles an inbound group metadata rumor against local
// state. Metadata from a non-admin sender is ignored; metadata that no
// longer lists the local user tears the group down.
func (g *Groups) handleMetadata(meta protocol.GroupMetadata, rumor protocol.Rumor) {
	if meta.GroupID == "" {
		return
	}

	g.mu.Lock()
	existing := g.groups[meta.GroupID]
	g.mu.Unlock()

	if !contains(meta.Members, g.owner) {
		if existing != nil && contains(existing.Admins, rumor.SenderKey) {
			g.remove(meta.GroupID)
		}
		return
	}

	if existing != nil {
		if !contains(existing.Admins, rumor.SenderKey) {
			g.log.Debug().
				Str("group_id", meta.GroupID).
				Str("sender", rumor.SenderKey).
				Msg("group metadata from non-admin ignored")
			return
		}
	} else if !contains(meta.Admins, rumor.SenderKey) {
		return
	}

	group := &storage.Group{
		GroupID:     meta.GroupID,
		Name:        meta.Name,
		Description: meta.Description,
		Picture:     meta.Picture,
		Members:     append([]string(nil), meta.Members...),
		Admins:      append([]string(nil), meta.Admins...),
		CreatedAt:   rumor.CreatedAt,
	}
	if meta.SharedSecret != "" {
		secret := meta.SharedSecret
		group.SharedSecret = &secret
	}
	if existing != nil {
		group.Accepted = existing.Accepted
		group.CreatedAt = existing.CreatedAt
		group.MessageTTLSeconds = existing.MessageTTLSeconds
		if group.SharedSecret == nil {
			group.SharedSecret = existing.SharedSecret
		}
	} else {
		// A group announced by the local user's own device is implicitly
		// accepted; anything else waits for an explicit accept.
		group.Accepted = rumor.SenderKey == g.owner
	}

	g.mu.Lock()
	g.groups[group.GroupID] = group
	g.mu.Unlock()

	if err := g.timelines.RegisterGroupChat(group.GroupID, group.MessageTTLSeconds); err != nil {
		g.log.Error().Err(err).Str("group_id", group.GroupID).Msg("group timeline registration failed")
	}
	if err := g.provider.UpsertGroup(context.Background(), providerState(group)); err != nil {
		g.log.Warn().Err(err).Str("group_id", group.GroupID).Msg("provider group sync failed")
	}

	saved := *group
	g.writer.enqueue("upsert group", func() error { return g.store.UpsertGroup(saved) })

	if g.onUpdate != nil {
		g.onUpdate(saved)
	}

	g.flushPending(group.GroupID)
}

// flushPending replays buffered events for a group that just became known.
// Entries older than the staleness cutoff are discarded.
func (g *Groups) flushPending(groupID string) {
	g.mu.Lock()
	queue := g.pending[groupID]
	delete(g.pending, groupID)
	g.mu.Unlock()

	cutoff := g.nowFn().Add(-pendingMaxAge)
	for _, entry := range queue {
		if entry.receivedAt.Before(cutoff) {
			continue
		}
		g.dispatch(groupID, entry.rumor, entry.outerEventID)
	}
}

// remove tears down a group the local user is no longer part of.
func (g *Groups) remove(groupID string) {
	g.mu.Lock()
	_, ok := g.groups[groupID]
	delete(g.groups, groupID)
	delete(g.pending, groupID)
	g.mu.Unlock()
	if !ok {
		return
	}

	g.timelines.DropGroupChat(groupID)
	g.writer.enqueue("delete group", func() error {
		err := g.store.DeleteGroup(groupID)
		if err == storage.ErrNotFound {
			return nil
		}
		return err
	})
}

// CreateGroup creates a new group with the local user as sole admin and
// announces its metadata to every member.
func (g *Groups) CreateGroup(ctx context.Context, name string, members []string) (storage.Group, error) {
	if name == "" {
		return storage.Group{}, fmt.Errorf("group name is required")
	}

	secret, err := newSharedSecret()
	if err != nil {
		return storage.Group{}, err
	}

	allMembers := []string{g.owner}
	for _, member := range members {
		if member != g.owner && !contains(allMembers, member) {
			allMembers = append(allMembers, member)
		}
	}

	group := &storage.Group{
		GroupID:      uuid.New().String(),
		Name:         name,
		Members:      allMembers,
		Admins:       []string{g.owner},
		SharedSecret: &secret,
		Accepted:     true,
		CreatedAt:    g.nowFn().Unix(),
	}

	g.mu.Lock()
	g.groups[group.GroupID] = group
	g.mu.Unlock()

	if err := g.timelines.RegisterGroupChat(group.GroupID, nil); err != nil {
		return storage.Group{}, err
	}
	if err := g.provider.UpsertGroup(ctx, providerState(group)); err != nil {
		return storage.Group{}, fmt.Errorf("sync group to provider: %w", err)
	}
	if _, err := g.provider.SendGroupEvent(ctx, group.GroupID, g.metadataRumor(group, true)); err != nil {
		g.log.Warn().Err(err).Str("group_id", group.GroupID).Msg("group announcement failed")
	}

	saved := *group
	g.writer.enqueue("upsert group", func() error { return g.store.UpsertGroup(saved) })
	return saved, nil
}

// AcceptGroup marks a pending group invitation as accepted.
func (g *Groups) AcceptGroup(groupID string) error {
	g.mu.Lock()
	group, ok := g.groups[groupID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("unknown group %q", groupID)
	}
	group.Accepted = true
	g.mu.Unlock()

	g.writer.enqueue("accept group", func() error { return g.store.SetGroupAccepted(groupID, true) })
	g.flushPending(groupID)
	return nil
}

// RemoveMember removes a member, rotates the shared secret, announces fresh
// metadata to the remaining members, and sends the removed member a final
// secretless copy so their client learns about the removal.
func (g *Groups) RemoveMember(ctx context.Context, groupID, memberKey string) error {
	g.mu.Lock()
	group, ok := g.groups[groupID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("unknown group %q", groupID)
	}
	if !contains(group.Admins, g.owner) {
		g.mu.Unlock()
		return fmt.Errorf("only admins can remove members from %q", groupID)
	}
	if !contains(group.Members, memberKey) {
		g.mu.Unlock()
		return fmt.Errorf("%q is not a member of %q", memberKey, groupID)
	}

	group.Members = removeString(group.Members, memberKey)
	group.Admins = removeString(group.Admins, memberKey)
	if len(group.Admins) == 0 {
		group.Admins = []string{g.owner}
	}

	secret, err := newSharedSecret()
	if err != nil {
		g.mu.Unlock()
		return err
	}
	group.SharedSecret = &secret
	updated := *group
	g.mu.Unlock()

	if err := g.provider.UpsertGroup(ctx, providerState(&updated)); err != nil {
		return fmt.Errorf("sync group to provider: %w", err)
	}
	if _, err := g.provider.SendGroupEvent(ctx, groupID, g.metadataRumor(&updated, true)); err != nil {
		g.log.Warn().Err(err).Str("group_id", groupID).Msg("rotation announcement failed")
	}
	// The removed member must never see the rotated secret.
	if _, err := g.provider.SendEvent(ctx, memberKey, g.metadataRumor(&updated, false)); err != nil {
		g.log.Warn().Err(err).Str("group_id", groupID).Str("member", memberKey).Msg("removal notice failed")
	}

	g.writer.enqueue("upsert group", func() error { return g.store.UpsertGroup(updated) })
	if g.onUpdate != nil {
		g.onUpdate(updated)
	}
	return nil
}

// SendMessage sends a chat message into a group, synchronizing provider
// membership state first so the send uses current keys.
func (g *Groups) SendMessage(ctx context.Context, groupID, text, replyTo string) (storage.Message, error) {
	g.mu.Lock()
	group, ok := g.groups[groupID]
	if !ok {
		g.mu.Unlock()
		return storage.Message{}, fmt.Errorf("unknown group %q", groupID)
	}
	state := providerState(group)
	g.mu.Unlock()

	if err := g.provider.UpsertGroup(ctx, state); err != nil {
		return storage.Message{}, fmt.Errorf("sync group to provider: %w", err)
	}
	return g.timelines.SendGroupMessage(ctx, groupID, text, replyTo)
}

// metadataRumor builds the group metadata announcement. The shared secret is
// included only for copies addressed to current members.
func (g *Groups) metadataRumor(group *storage.Group, includeSecret bool) protocol.Rumor {
	meta := protocol.GroupMetadata{
		GroupID:     group.GroupID,
		Name:        group.Name,
		Description: group.Description,
		Picture:     group.Picture,
		Members:     append([]string(nil), group.Members...),
		Admins:      append([]string(nil), group.Admins...),
	}
	if includeSecret && group.SharedSecret != nil {
		meta.SharedSecret = *group.SharedSecret
	}

	content, err := json.Marshal(meta)
	if err != nil {
		g.log.Error().Err(err).Str("group_id", group.GroupID).Msg("metadata encode failed")
	}
	return protocol.Rumor{
		Kind:    protocol.KindGroupMetadata,
		Content: string(content),
		Tags:    []protocol.Tag{{protocol.TagGroup, group.GroupID}},
	}
}

func newSharedSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate shared secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

func removeString(list []string, value string) []string {
	out := make([]string, 0, len(list))
	for _, item := range list {
		if item != value {
			out = append(out, item)
		}
	}
	return out
}
