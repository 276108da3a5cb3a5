package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// ChatTypePairwise marks messages belonging to a pairwise conversation.
	ChatTypePairwise = "pairwise"
	// ChatTypeGroup marks messages belonging to a group.
	ChatTypeGroup = "group"
)

const (
	// DirectionIncoming marks messages received from a peer.
	DirectionIncoming = "incoming"
	// DirectionOutgoing marks messages sent by the local user.
	DirectionOutgoing = "outgoing"
)

const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusSeen      = "seen"
	StatusFailed    = "failed"
)

// Conversation is the SQLite representation of a pairwise conversation.
type Conversation struct {
	ConversationID     string
	PeerKey            string
	CreatedAt          int64
	LastMessageAt      *int64
	LastMessagePreview string
	UnreadCount        int
	InitiatedLocally   bool
	MessageTTLSeconds  *int64
}

// Group is the SQLite representation of a group chat.
type Group struct {
	GroupID            string
	Name               string
	Description        string
	Picture            string
	Members            []string
	Admins             []string
	SharedSecret       *string
	Accepted           bool
	CreatedAt          int64
	LastMessageAt      *int64
	LastMessagePreview string
	UnreadCount        int
	MessageTTLSeconds  *int64
}

// Message is the SQLite representation of a chat message.
//
// MessageID is the locally assigned identifier; RumorID is the stable inner
// id assigned by the protocol and is empty until an outgoing send completes.
// Uniqueness within a chat is enforced on RumorID, never on OuterEventID.
type Message struct {
	MessageID    string
	RumorID      string
	ChatID       string
	ChatType     string
	SenderKey    string
	Content      string
	CreatedAt    int64
	Direction    string
	Status       string
	OuterEventID *string
	ReplyToID    *string
	ExpiresAt    *int64
	Reactions    map[string][]string
	IsRead       bool
}

// OfflineEntry is one queued outbound send awaiting delivery.
type OfflineEntry struct {
	EntryID        string
	ConversationID string
	MessageID      string
	Content        string
	CreatedAt      int64
	RetryCount     int
	LastAttemptAt  *int64
}

func validateChatType(chatType string) error {
	switch chatType {
	case ChatTypePairwise, ChatTypeGroup:
		return nil
	default:
		return fmt.Errorf("invalid chat type %q", chatType)
	}
}

func validateDirection(direction string) error {
	switch direction {
	case DirectionIncoming, DirectionOutgoing:
		return nil
	default:
		return fmt.Errorf("invalid message direction %q", direction)
	}
}

func validateStatus(status string) error {
	switch status {
	case StatusPending, StatusSent, StatusDelivered, StatusSeen, StatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid message status %q", status)
	}
}

func encodeStringList(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("encode string list: %w", err)
	}
	return string(raw), nil
}

func decodeStringList(raw string) ([]string, error) {
	if raw == "" {
		return []string{}, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, fmt.Errorf("decode string list: %w", err)
	}
	return values, nil
}

func encodeReactions(reactions map[string][]string) (string, error) {
	if reactions == nil {
		reactions = map[string][]string{}
	}
	raw, err := json.Marshal(reactions)
	if err != nil {
		return "", fmt.Errorf("encode reactions: %w", err)
	}
	return string(raw), nil
}

func decodeReactions(raw string) (map[string][]string, error) {
	if raw == "" {
		return map[string][]string{}, nil
	}
	reactions := map[string][]string{}
	if err := json.Unmarshal([]byte(raw), &reactions); err != nil {
		return nil, fmt.Errorf("decode reactions: %w", err)
	}
	return reactions, nil
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullStringFromValue(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnix() int64 {
	return time.Now().Unix()
}
