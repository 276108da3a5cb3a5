// Package transport defines the opaque collaborators the sync engine is
// built on: the crypto provider that owns session establishment and
// ratcheting, and the event bus that owns relay connections. Both are
// consumed as services; this package also ships an in-process loopback
// implementation used by tests and the automation bridge.
package transport

import (
	"context"
	"errors"

	"relaychat/protocol"
)

var (
	// ErrOffline indicates the event bus is currently unreachable.
	ErrOffline = errors.New("transport: event bus offline")
	// ErrSessionNotReady indicates no established session with the recipient.
	ErrSessionNotReady = errors.New("transport: session not ready")
	// ErrUnknownRecipient indicates the recipient key is not known to the provider.
	ErrUnknownRecipient = errors.New("transport: unknown recipient")
)

// DecryptedEvent is one decrypted protocol event delivered by the provider.
// OuterEventID is the transport-level event id, which can differ across
// relays for the same inner rumor.
type DecryptedEvent struct {
	SenderKey    string
	Content      string
	OuterEventID string
	CreatedAt    int64
}

// SendResult reports the protocol-assigned inner id and the transport event
// ids produced by a send.
type SendResult struct {
	InnerID       string
	OuterEventIDs []string
}

// GroupState mirrors the local group record into the provider so its
// membership and key-distribution state stays current.
type GroupState struct {
	GroupID      string
	Name         string
	Members      []string
	Admins       []string
	SharedSecret string
}

// CryptoProvider is the transport crypto boundary. Implementations own
// encryption, invite handshakes and rumor id assignment; the engine treats
// them as opaque.
type CryptoProvider interface {
	// OwnerKey returns the local identity public key.
	OwnerKey() string

	// SendText encrypts and hands off a chat rumor to the recipient.
	SendText(ctx context.Context, recipient, text string, tags []protocol.Tag) (SendResult, error)
	// SendEvent encrypts and hands off an arbitrary rumor to the recipient.
	SendEvent(ctx context.Context, recipient string, rumor protocol.Rumor) (SendResult, error)
	// SendReceipt reports delivery/read status for referenced rumor ids.
	SendReceipt(ctx context.Context, recipient, status string, rumorIDs []string) (SendResult, error)
	// SendTyping emits a typing-presence signal.
	SendTyping(ctx context.Context, recipient string, active bool, expiresAt int64) (SendResult, error)
	// SendReaction attaches an emoji to the referenced message.
	SendReaction(ctx context.Context, recipient, targetID, emoji string) (SendResult, error)

	// UpsertGroup synchronizes the provider's membership/key state with the
	// local group record. Must be called before group sends.
	UpsertGroup(ctx context.Context, state GroupState) error
	// SendGroupEvent encrypts and fans a rumor out to current group members.
	SendGroupEvent(ctx context.Context, groupID string, rumor protocol.Rumor) (SendResult, error)

	// CreateInvite produces an invite code a peer can accept to establish a
	// session with the local user.
	CreateInvite(ctx context.Context) (string, error)
	// AcceptInvite consumes an invite code and returns the inviter's key.
	AcceptInvite(ctx context.Context, invite string) (string, error)
	// SessionReady reports whether a session with the peer is established.
	SessionReady(peerKey string) bool

	// Events is the stream of decrypted inbound events.
	Events() <-chan DecryptedEvent

	Close() error
}

// EventBus is the relay connection boundary.
type EventBus interface {
	// Publish hands a raw event to the relay network. Best-effort beyond
	// confirmed hand-off.
	Publish(ctx context.Context, event []byte) error
	// Subscribe registers a relay filter and returns a subscription id.
	Subscribe(filter string) (string, error)
	// Unsubscribe removes a previously registered subscription.
	Unsubscribe(id string) error
	// Online reports current connectivity.
	Online() bool
	// Connectivity delivers connectivity transitions (true = online).
	Connectivity() <-chan bool
}
