package protocol

import (
	"encoding/json"
	"strings"
)

// Rumor kinds understood by the client. Unrecognized kinds decode to an
// Unknown payload and are ignored by the engine.
const (
	KindReaction      = 7
	KindChat          = 14
	KindReceipt       = 15
	KindTyping        = 16
	KindGroupMetadata = 41
)

// Tag names used on rumors.
const (
	TagPeer       = "p"
	TagEvent      = "e"
	TagExpiration = "expiration"
	TagGroup      = "h"

	// EventMarkerReply marks an event reference as the explicit reply target.
	EventMarkerReply = "reply"
)

// Receipt status values carried in receipt rumor content.
const (
	ReceiptDelivered = "delivered"
	ReceiptSeen      = "seen"
)

// TypingStop is the content keyword for an explicit typing-stop signal.
const TypingStop = "stop"

// Tag is one rumor tag: a name followed by positional values.
type Tag []string

// Rumor is a decrypted protocol event. Its ID is the stable inner id used
// for deduplication and receipt correlation, distinct from the transport
// level outer event id.
type Rumor struct {
	ID        string `json:"id"`
	SenderKey string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Content   string `json:"content"`
	Tags      []Tag  `json:"tags"`
}

// Decode parses a decrypted payload into a Rumor. A payload that is not a
// structured rumor is treated as legacy plain chat text from senderKey; the
// caller supplies the inner id fallback for such messages.
func Decode(raw string, senderKey string, createdAt int64) Rumor {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") {
		var rumor Rumor
		if err := json.Unmarshal([]byte(trimmed), &rumor); err == nil && rumor.Kind != 0 {
			if rumor.SenderKey == "" {
				rumor.SenderKey = senderKey
			}
			if rumor.CreatedAt == 0 {
				rumor.CreatedAt = createdAt
			}
			return rumor
		}
	}

	return Rumor{
		SenderKey: senderKey,
		CreatedAt: createdAt,
		Kind:      KindChat,
		Content:   raw,
	}
}

// Encode marshals a rumor to its wire JSON form.
func (r Rumor) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// TagValue returns the first value of the first tag with the given name.
func (r Rumor) TagValue(name string) string {
	for _, tag := range r.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// GroupID returns the group id tag, or "" for pairwise rumors.
func (r Rumor) GroupID() string {
	return r.TagValue(TagGroup)
}

// PeerTag returns the tagged recipient key, or "".
func (r Rumor) PeerTag() string {
	return r.TagValue(TagPeer)
}

// ExpiresAt returns the expiration tag as a unix timestamp, or 0.
func (r Rumor) ExpiresAt() int64 {
	return parseUnix(r.TagValue(TagExpiration))
}

// ReplyTo resolves the reply target: the event reference explicitly marked
// "reply", falling back to the first unmarked event reference. The fallback
// is a compatibility concession for senders that omit the marker.
func (r Rumor) ReplyTo() string {
	first := ""
	for _, tag := range r.Tags {
		if len(tag) < 2 || tag[0] != TagEvent {
			continue
		}
		if len(tag) >= 4 && tag[3] == EventMarkerReply {
			return tag[1]
		}
		if first == "" {
			first = tag[1]
		}
	}
	return first
}

// EventRefs returns all event reference tag values in tag order.
func (r Rumor) EventRefs() []string {
	var refs []string
	for _, tag := range r.Tags {
		if len(tag) >= 2 && tag[0] == TagEvent {
			refs = append(refs, tag[1])
		}
	}
	return refs
}

// Payload is the typed content of a rumor.
type Payload interface {
	isPayload()
}

// ChatText is a chat message payload.
type ChatText struct {
	Text      string
	ReplyTo   string
	ExpiresAt int64
}

// Receipt reports delivery or read status for one or more rumor ids.
type Receipt struct {
	Status   string
	RumorIDs []string
}

// Typing is a typing-presence signal.
type Typing struct {
	Active    bool
	ExpiresAt int64
}

// Reaction attaches an emoji from the sender to a target message.
type Reaction struct {
	Emoji    string
	TargetID string
}

// GroupMetadata describes a group's name, membership and shared secret.
type GroupMetadata struct {
	GroupID      string   `json:"group_id"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Picture      string   `json:"picture"`
	Members      []string `json:"members"`
	Admins       []string `json:"admins"`
	SharedSecret string   `json:"shared_secret,omitempty"`
}

// Unknown is an unrecognized rumor kind; the engine treats it as a no-op.
type Unknown struct {
	Kind int
}

func (ChatText) isPayload()      {}
func (Receipt) isPayload()       {}
func (Typing) isPayload()        {}
func (Reaction) isPayload()      {}
func (GroupMetadata) isPayload() {}
func (Unknown) isPayload()       {}

// Payload decodes the rumor's kind-specific content.
func (r Rumor) Payload() Payload {
	switch r.Kind {
	case KindChat:
		return ChatText{
			Text:      r.Content,
			ReplyTo:   r.ReplyTo(),
			ExpiresAt: r.ExpiresAt(),
		}
	case KindReceipt:
		status := strings.TrimSpace(r.Content)
		if status != ReceiptSeen {
			status = ReceiptDelivered
		}
		return Receipt{Status: status, RumorIDs: r.EventRefs()}
	case KindTyping:
		return Typing{Active: typingActive(r.Content), ExpiresAt: r.ExpiresAt()}
	case KindReaction:
		return Reaction{Emoji: r.Content, TargetID: r.ReplyTo()}
	case KindGroupMetadata:
		var meta GroupMetadata
		if err := json.Unmarshal([]byte(r.Content), &meta); err != nil {
			return Unknown{Kind: r.Kind}
		}
		if meta.GroupID == "" {
			meta.GroupID = r.GroupID()
		}
		return meta
	default:
		return Unknown{Kind: r.Kind}
	}
}

// legacyReaction is the JSON-in-text reaction shape emitted by older clients.
type legacyReaction struct {
	Type   string `json:"type"`
	Emoji  string `json:"emoji"`
	Target string `json:"target"`
}

// LegacyReaction recognizes a chat text payload carrying an old-style JSON
// reaction. Kept for compatibility with senders predating reaction rumors.
func LegacyReaction(text string) (Reaction, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") {
		return Reaction{}, false
	}

	var legacy legacyReaction
	if err := json.Unmarshal([]byte(trimmed), &legacy); err != nil {
		return Reaction{}, false
	}
	if legacy.Type != "reaction" || legacy.Emoji == "" || legacy.Target == "" {
		return Reaction{}, false
	}

	return Reaction{Emoji: legacy.Emoji, TargetID: legacy.Target}, true
}

func typingActive(content string) bool {
	switch strings.ToLower(strings.TrimSpace(content)) {
	case "", TypingStop, "false", "0":
		return false
	default:
		return true
	}
}

func parseUnix(value string) int64 {
	if value == "" {
		return 0
	}
	var ts int64
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return 0
		}
		ts = ts*10 + int64(ch-'0')
	}
	return ts
}
