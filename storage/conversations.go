package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// EnsureConversation returns the conversation for a peer identity key,
// creating it if absent. Repeated calls for the same peer key return the
// same record.
func (s *Store) EnsureConversation(peerKey string, initiatedLocally bool) (*Conversation, error) {
	if peerKey == "" {
		return nil, errors.New("peer_key is required")
	}

	existing, err := s.GetConversationByPeer(peerKey)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	conversation := &Conversation{
		ConversationID:   uuid.NewString(),
		PeerKey:          peerKey,
		CreatedAt:        nowUnix(),
		InitiatedLocally: initiatedLocally,
	}

	initiated := 0
	if initiatedLocally {
		initiated = 1
	}

	// ON CONFLICT guards the race where two handlers ensure the same peer
	// concurrently; the re-read below returns whichever row won.
	_, err = s.db.Exec(
		`INSERT INTO conversations (
			conversation_id, peer_key, created_at, initiated_locally
		) VALUES (?, ?, ?, ?)
		ON CONFLICT(peer_key) DO NOTHING`,
		conversation.ConversationID,
		conversation.PeerKey,
		conversation.CreatedAt,
		initiated,
	)
	if err != nil {
		return nil, fmt.Errorf("insert conversation for peer %q: %w", peerKey, err)
	}

	return s.GetConversationByPeer(peerKey)
}

// GetConversation fetches one conversation by its locally assigned id.
func (s *Store) GetConversation(conversationID string) (*Conversation, error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}

	row := s.db.QueryRow(
		conversationSelect+` WHERE conversation_id = ?`,
		conversationID,
	)
	return scanConversation(row)
}

// GetConversationByPeer fetches one conversation by peer identity key.
func (s *Store) GetConversationByPeer(peerKey string) (*Conversation, error) {
	if peerKey == "" {
		return nil, errors.New("peer_key is required")
	}

	row := s.db.QueryRow(
		conversationSelect+` WHERE peer_key = ?`,
		peerKey,
	)
	return scanConversation(row)
}

// ListConversations returns all conversations ordered by most recent activity.
func (s *Store) ListConversations() ([]Conversation, error) {
	rows, err := s.db.Query(
		conversationSelect + ` ORDER BY COALESCE(last_message_at, created_at) DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	conversations := make([]Conversation, 0)
	for rows.Next() {
		conversation, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		conversations = append(conversations, *conversation)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}

	return conversations, nil
}

// SetConversationTTL updates the per-conversation message time-to-live.
// A nil TTL disables expiry for new messages.
func (s *Store) SetConversationTTL(conversationID string, ttlSeconds *int64) error {
	if conversationID == "" {
		return errors.New("conversation_id is required")
	}

	res, err := s.db.Exec(
		`UPDATE conversations SET message_ttl_seconds = ? WHERE conversation_id = ?`,
		nullInt64(ttlSeconds),
		conversationID,
	)
	if err != nil {
		return fmt.Errorf("set conversation TTL %q: %w", conversationID, err)
	}
	return requireRowsAffected(res, "set conversation TTL")
}

// RecomputeConversationSummary rebuilds last-message preview, last-message
// time and unread count from the messages table. Called after deletions and
// expiry sweeps so derived fields never go stale.
func (s *Store) RecomputeConversationSummary(conversationID string) error {
	if conversationID == "" {
		return errors.New("conversation_id is required")
	}

	_, err := s.db.Exec(
		`UPDATE conversations SET
			last_message_at = (
				SELECT MAX(created_at) FROM messages WHERE chat_id = ?
			),
			last_message_preview = COALESCE((
				SELECT content FROM messages WHERE chat_id = ?
				ORDER BY created_at DESC, message_id DESC LIMIT 1
			), ''),
			unread_count = (
				SELECT COUNT(*) FROM messages
				WHERE chat_id = ? AND direction = ? AND is_read = 0
			)
		WHERE conversation_id = ?`,
		conversationID,
		conversationID,
		conversationID,
		DirectionIncoming,
		conversationID,
	)
	if err != nil {
		return fmt.Errorf("recompute conversation summary %q: %w", conversationID, err)
	}
	return nil
}

// MarkConversationRead marks all incoming messages read and zeroes the
// unread count.
func (s *Store) MarkConversationRead(conversationID string) error {
	if conversationID == "" {
		return errors.New("conversation_id is required")
	}

	if _, err := s.db.Exec(
		`UPDATE messages SET is_read = 1 WHERE chat_id = ? AND direction = ?`,
		conversationID,
		DirectionIncoming,
	); err != nil {
		return fmt.Errorf("mark conversation read %q: %w", conversationID, err)
	}

	return s.RecomputeConversationSummary(conversationID)
}

const conversationSelect = `SELECT
	conversation_id,
	peer_key,
	created_at,
	last_message_at,
	last_message_preview,
	unread_count,
	initiated_locally,
	message_ttl_seconds
FROM conversations`

func scanConversation(row scanner) (*Conversation, error) {
	var (
		conversation  Conversation
		lastMessageAt sql.NullInt64
		initiated     int
		ttl           sql.NullInt64
	)

	if err := row.Scan(
		&conversation.ConversationID,
		&conversation.PeerKey,
		&conversation.CreatedAt,
		&lastMessageAt,
		&conversation.LastMessagePreview,
		&conversation.UnreadCount,
		&initiated,
		&ttl,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	conversation.LastMessageAt = int64Ptr(lastMessageAt)
	conversation.InitiatedLocally = initiated == 1
	conversation.MessageTTLSeconds = int64Ptr(ttl)

	return &conversation, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func requireRowsAffected(res sql.Result, operation string) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for %s: %w", operation, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
