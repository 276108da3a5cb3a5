package transport

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"relaychat/protocol"
)

const (
	eventChannelSize = 256

	sessionKeyInfo = "relaychat-session-v1"
)

// defaultRelays is the simulated relay set used when the caller does not
// supply its own. Publishing through more than one relay makes every
// delivery arrive multiple times with distinct outer event ids.
var defaultRelays = []string{"relay-a", "relay-b"}

// Fabric is an in-process relay network connecting Loopback providers. It
// performs real X25519/HKDF/AES-GCM sealing between clients and
// store-and-forwards events for clients that are offline.
type Fabric struct {
	relays []string

	mu      sync.Mutex
	clients map[string]*Loopback // by owner key
	invites map[string]string    // invite code -> inviter owner key
}

// NewFabric creates an empty relay fabric. One simulated relay is spun up
// per name; with no names the default two-relay set is used.
func NewFabric(relays ...string) *Fabric {
	if len(relays) == 0 {
		relays = defaultRelays
	}
	return &Fabric{
		relays:  append([]string(nil), relays...),
		clients: make(map[string]*Loopback),
		invites: make(map[string]string),
	}
}

// NewClient generates a fresh identity and attaches it to the fabric.
func (f *Fabric) NewClient() (*Loopback, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	return f.NewClientWithIdentity(priv)
}

// NewClientWithIdentity attaches a client with an existing identity key, so
// a restarted process keeps its owner key.
func (f *Fabric) NewClientWithIdentity(priv *ecdh.PrivateKey) (*Loopback, error) {
	if priv == nil {
		return nil, fmt.Errorf("identity key is required")
	}

	client := &Loopback{
		fabric:       f,
		privateKey:   priv,
		owner:        hex.EncodeToString(priv.PublicKey().Bytes()),
		events:       make(chan DecryptedEvent, eventChannelSize),
		connectivity: make(chan bool, 8),
		online:       true,
		sessions:     make(map[string][]byte),
		groups:       make(map[string]GroupState),
		subs:         make(map[string]string),
	}

	f.mu.Lock()
	f.clients[client.owner] = client
	f.mu.Unlock()

	return client, nil
}

func (f *Fabric) lookup(owner string) *Loopback {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[owner]
}

// sealedEvent is the wire form carried between loopback clients.
type sealedEvent struct {
	OuterEventID string `json:"outer_event_id"`
	SenderKey    string `json:"sender_key"`
	Recipient    string `json:"recipient"`
	CreatedAt    int64  `json:"created_at"`
	Ciphertext   string `json:"ciphertext"`
}

// deliver fans a sealed event out through every simulated relay. Each relay
// stamps its own outer event id, so recipients observe duplicates.
func (f *Fabric) deliver(recipient string, ev sealedEvent) []string {
	client := f.lookup(recipient)
	if client == nil {
		return nil
	}

	outerIDs := make([]string, 0, len(f.relays))
	for range f.relays {
		copied := ev
		copied.OuterEventID = uuid.New().String()
		outerIDs = append(outerIDs, copied.OuterEventID)
		client.accept(copied)
	}
	return outerIDs
}

// Loopback is an in-process CryptoProvider and EventBus backed by a Fabric.
// A single value serves both roles; the engine consumes it through the two
// interfaces separately.
type Loopback struct {
	fabric     *Fabric
	privateKey *ecdh.PrivateKey
	owner      string

	events       chan DecryptedEvent
	connectivity chan bool

	mu       sync.Mutex
	online   bool
	closed   bool
	mailbox  []sealedEvent // held while offline, flushed on reconnect
	sessions map[string][]byte
	groups   map[string]GroupState
	subs     map[string]string
}

var (
	_ CryptoProvider = (*Loopback)(nil)
	_ EventBus       = (*Loopback)(nil)
)

// OwnerKey returns the local identity public key (hex encoded).
func (l *Loopback) OwnerKey() string { return l.owner }

// Events returns the inbound decrypted event stream.
func (l *Loopback) Events() <-chan DecryptedEvent { return l.events }

// Online reports current simulated connectivity.
func (l *Loopback) Online() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.online
}

// Connectivity delivers connectivity transitions.
func (l *Loopback) Connectivity() <-chan bool { return l.connectivity }

// SetOnline toggles simulated connectivity. Coming back online flushes any
// events held while offline.
func (l *Loopback) SetOnline(online bool) {
	l.mu.Lock()
	if l.closed || l.online == online {
		l.mu.Unlock()
		return
	}
	l.online = online
	var held []sealedEvent
	if online {
		held = l.mailbox
		l.mailbox = nil
	}
	l.mu.Unlock()

	select {
	case l.connectivity <- online:
	default:
	}
	for _, ev := range held {
		l.accept(ev)
	}
}

// Subscribe registers a relay filter. The loopback fabric delivers
// everything addressed to the owner, so the filter is only recorded.
func (l *Loopback) Subscribe(filter string) (string, error) {
	id := uuid.New().String()
	l.mu.Lock()
	l.subs[id] = filter
	l.mu.Unlock()
	return id, nil
}

// Unsubscribe removes a subscription.
func (l *Loopback) Unsubscribe(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.subs[id]; !ok {
		return fmt.Errorf("unsubscribe %s: unknown subscription", id)
	}
	delete(l.subs, id)
	return nil
}

// Publish hands a raw sealed event to the fabric.
func (l *Loopback) Publish(ctx context.Context, event []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !l.Online() {
		return ErrOffline
	}
	var sealed sealedEvent
	if err := json.Unmarshal(event, &sealed); err != nil {
		return fmt.Errorf("decode published event: %w", err)
	}
	l.fabric.deliver(sealed.Recipient, sealed)
	return nil
}

// CreateInvite registers a one-shot invite code with the fabric.
func (l *Loopback) CreateInvite(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	code := uuid.New().String()
	l.fabric.mu.Lock()
	l.fabric.invites[code] = l.owner
	l.fabric.mu.Unlock()
	return code, nil
}

// AcceptInvite consumes an invite code, establishes sessions on both ends
// and returns the inviter's key.
func (l *Loopback) AcceptInvite(ctx context.Context, invite string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.fabric.mu.Lock()
	inviterKey, ok := l.fabric.invites[invite]
	delete(l.fabric.invites, invite)
	l.fabric.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("accept invite: unknown or expired code")
	}

	inviter := l.fabric.lookup(inviterKey)
	if inviter == nil {
		return "", ErrUnknownRecipient
	}
	if err := l.establishSession(inviter.owner); err != nil {
		return "", err
	}
	if err := inviter.establishSession(l.owner); err != nil {
		return "", err
	}
	return inviterKey, nil
}

// SessionReady reports whether a session key exists for the peer.
func (l *Loopback) SessionReady(peerKey string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.sessions[peerKey]
	return ok
}

// establishSession derives and caches the shared session key for a peer.
func (l *Loopback) establishSession(peerKey string) error {
	key, err := l.deriveSessionKey(peerKey)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.sessions[peerKey] = key
	l.mu.Unlock()
	return nil
}

// deriveSessionKey runs X25519 ECDH with the peer's public key and expands
// the shared secret through HKDF-SHA256 into a 32-byte AES key. Both sides
// derive the same key.
func (l *Loopback) deriveSessionKey(peerKey string) ([]byte, error) {
	raw, err := hex.DecodeString(peerKey)
	if err != nil {
		return nil, fmt.Errorf("decode peer key: %w", err)
	}
	pub, err := ecdh.X25519().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse peer key: %w", err)
	}
	shared, err := l.privateKey.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("compute shared secret: %w", err)
	}

	key := make([]byte, 32)
	reader := hkdf.New(sha256.New, shared, nil, []byte(sessionKeyInfo))
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}

func (l *Loopback) sessionKey(peerKey string) ([]byte, error) {
	l.mu.Lock()
	key, ok := l.sessions[peerKey]
	l.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotReady
	}
	return key, nil
}

// SendText encrypts and delivers a chat rumor.
func (l *Loopback) SendText(ctx context.Context, recipient, text string, tags []protocol.Tag) (SendResult, error) {
	rumor := protocol.Rumor{
		SenderKey: l.owner,
		CreatedAt: time.Now().Unix(),
		Kind:      protocol.KindChat,
		Content:   text,
		Tags:      tags,
	}
	return l.SendEvent(ctx, recipient, rumor)
}

// SendReceipt delivers a delivery/read receipt for the referenced rumors.
func (l *Loopback) SendReceipt(ctx context.Context, recipient, status string, rumorIDs []string) (SendResult, error) {
	tags := make([]protocol.Tag, 0, len(rumorIDs)+1)
	tags = append(tags, protocol.Tag{protocol.TagPeer, recipient})
	for _, id := range rumorIDs {
		tags = append(tags, protocol.Tag{protocol.TagEvent, id})
	}
	rumor := protocol.Rumor{
		SenderKey: l.owner,
		CreatedAt: time.Now().Unix(),
		Kind:      protocol.KindReceipt,
		Content:   status,
		Tags:      tags,
	}
	return l.SendEvent(ctx, recipient, rumor)
}

// SendTyping delivers a typing-presence signal.
func (l *Loopback) SendTyping(ctx context.Context, recipient string, active bool, expiresAt int64) (SendResult, error) {
	content := "typing"
	if !active {
		content = protocol.TypingStop
	}
	rumor := protocol.Rumor{
		SenderKey: l.owner,
		CreatedAt: time.Now().Unix(),
		Kind:      protocol.KindTyping,
		Content:   content,
		Tags:      []protocol.Tag{{protocol.TagPeer, recipient}},
	}
	if expiresAt > 0 {
		rumor.Tags = append(rumor.Tags, protocol.Tag{protocol.TagExpiration, fmt.Sprintf("%d", expiresAt)})
	}
	return l.SendEvent(ctx, recipient, rumor)
}

// SendReaction delivers an emoji reaction targeting an earlier rumor.
func (l *Loopback) SendReaction(ctx context.Context, recipient, targetID, emoji string) (SendResult, error) {
	rumor := protocol.Rumor{
		SenderKey: l.owner,
		CreatedAt: time.Now().Unix(),
		Kind:      protocol.KindReaction,
		Content:   emoji,
		Tags:      []protocol.Tag{{protocol.TagPeer, recipient}, {protocol.TagEvent, targetID}},
	}
	return l.SendEvent(ctx, recipient, rumor)
}

// SendEvent assigns a content-addressed rumor id, encrypts the rumor for the
// recipient and delivers it through the fabric. A self-addressed copy is
// also delivered, mirroring multi-device echo behavior.
func (l *Loopback) SendEvent(ctx context.Context, recipient string, rumor protocol.Rumor) (SendResult, error) {
	if err := ctx.Err(); err != nil {
		return SendResult{}, err
	}
	if !l.Online() {
		return SendResult{}, ErrOffline
	}
	if l.fabric.lookup(recipient) == nil {
		return SendResult{}, ErrUnknownRecipient
	}

	rumor.SenderKey = l.owner
	if rumor.CreatedAt == 0 {
		rumor.CreatedAt = time.Now().Unix()
	}
	if rumor.ID == "" {
		rumor.ID = contentAddress(rumor)
	}

	outerIDs, err := l.sealAndDeliver(recipient, rumor, true)
	if err != nil {
		return SendResult{}, err
	}
	return SendResult{InnerID: rumor.ID, OuterEventIDs: outerIDs}, nil
}

// UpsertGroup records the caller's view of the group in the provider.
func (l *Loopback) UpsertGroup(ctx context.Context, state GroupState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	l.groups[state.GroupID] = state
	l.mu.Unlock()
	return nil
}

// SendGroupEvent fans the rumor out to every current member with an
// established session. The self-addressed echo copy is always delivered.
func (l *Loopback) SendGroupEvent(ctx context.Context, groupID string, rumor protocol.Rumor) (SendResult, error) {
	if err := ctx.Err(); err != nil {
		return SendResult{}, err
	}
	if !l.Online() {
		return SendResult{}, ErrOffline
	}

	l.mu.Lock()
	state, ok := l.groups[groupID]
	l.mu.Unlock()
	if !ok {
		return SendResult{}, fmt.Errorf("send group event: group %s not registered", groupID)
	}

	rumor.SenderKey = l.owner
	if rumor.CreatedAt == 0 {
		rumor.CreatedAt = time.Now().Unix()
	}
	if rumor.ID == "" {
		rumor.ID = contentAddress(rumor)
	}

	var outerIDs []string
	delivered := false
	for _, member := range state.Members {
		if member == l.owner {
			continue
		}
		if !l.SessionReady(member) {
			continue
		}
		ids, err := l.sealAndDeliver(member, rumor, false)
		if err != nil {
			return SendResult{}, fmt.Errorf("deliver to member %s: %w", member, err)
		}
		outerIDs = append(outerIDs, ids...)
		delivered = true
	}
	if !delivered && len(state.Members) > 1 {
		return SendResult{}, ErrSessionNotReady
	}

	// Multi-device echo for the sender's own timeline.
	echoIDs, err := l.sealAndDeliver(l.owner, rumor, false)
	if err != nil {
		return SendResult{}, err
	}
	outerIDs = append(outerIDs, echoIDs...)

	return SendResult{InnerID: rumor.ID, OuterEventIDs: outerIDs}, nil
}

// sealAndDeliver encrypts the rumor for one recipient and pushes it through
// the fabric. When echo is set, a copy is also delivered to the sender.
func (l *Loopback) sealAndDeliver(recipient string, rumor protocol.Rumor, echo bool) ([]string, error) {
	plaintext, err := rumor.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode rumor: %w", err)
	}

	targets := []string{recipient}
	if echo && recipient != l.owner {
		targets = append(targets, l.owner)
	}

	var outerIDs []string
	for _, target := range targets {
		var ciphertext []byte
		if target == l.owner {
			ciphertext, err = sealForSelf(plaintext)
		} else {
			var key []byte
			key, err = l.sessionKey(target)
			if err != nil {
				return nil, err
			}
			ciphertext, err = sealAESGCM(key, plaintext)
		}
		if err != nil {
			return nil, fmt.Errorf("seal rumor for %s: %w", target, err)
		}
		ids := l.fabric.deliver(target, sealedEvent{
			SenderKey:  l.owner,
			Recipient:  target,
			CreatedAt:  rumor.CreatedAt,
			Ciphertext: hex.EncodeToString(ciphertext),
		})
		outerIDs = append(outerIDs, ids...)
	}
	return outerIDs, nil
}

// accept takes delivery of a sealed event, holding it while offline and
// decrypting onto the events channel otherwise.
func (l *Loopback) accept(ev sealedEvent) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	if !l.online {
		l.mailbox = append(l.mailbox, ev)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	plaintext, err := l.open(ev)
	if err != nil {
		return
	}
	select {
	case l.events <- DecryptedEvent{
		SenderKey:    ev.SenderKey,
		Content:      string(plaintext),
		OuterEventID: ev.OuterEventID,
		CreatedAt:    ev.CreatedAt,
	}:
	default:
	}
}

func (l *Loopback) open(ev sealedEvent) ([]byte, error) {
	ciphertext, err := hex.DecodeString(ev.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	if ev.SenderKey == l.owner {
		return openForSelf(ciphertext)
	}
	key, err := l.sessionKey(ev.SenderKey)
	if err != nil {
		return nil, err
	}
	return openAESGCM(key, ciphertext)
}

// Close detaches the client from the fabric and closes its event stream.
func (l *Loopback) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.fabric.mu.Lock()
	delete(l.fabric.clients, l.owner)
	l.fabric.mu.Unlock()

	close(l.events)
	close(l.connectivity)
	return nil
}

// contentAddress derives a deterministic rumor id from the rumor's
// canonical JSON form, excluding the id field itself.
func contentAddress(rumor protocol.Rumor) string {
	canonical := rumor
	canonical.ID = ""
	raw, err := json.Marshal(canonical)
	if err != nil {
		return uuid.New().String()
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// sealAESGCM encrypts plaintext with AES-256-GCM, prefixing the nonce.
func sealAESGCM(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// openAESGCM decrypts a nonce-prefixed AES-256-GCM ciphertext.
func openAESGCM(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// Self-addressed echo copies never leave the process, so they are carried
// unsealed behind a marker rather than through a session key.
func sealForSelf(plaintext []byte) ([]byte, error) {
	return append([]byte("self:"), plaintext...), nil
}

func openForSelf(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 5 || string(ciphertext[:5]) != "self:" {
		return nil, fmt.Errorf("malformed self-addressed payload")
	}
	return ciphertext[5:], nil
}
