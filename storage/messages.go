package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// SaveMessage inserts a new message row.
func (s *Store) SaveMessage(message Message) error {
	if message.MessageID == "" {
		return errors.New("message_id is required")
	}
	if message.ChatID == "" {
		return errors.New("chat_id is required")
	}
	if err := validateChatType(message.ChatType); err != nil {
		return err
	}
	if err := validateDirection(message.Direction); err != nil {
		return err
	}
	if message.Status == "" {
		message.Status = StatusPending
	}
	if err := validateStatus(message.Status); err != nil {
		return err
	}
	if message.CreatedAt == 0 {
		message.CreatedAt = nowUnix()
	}

	reactions, err := encodeReactions(message.Reactions)
	if err != nil {
		return err
	}

	isRead := 0
	if message.IsRead {
		isRead = 1
	}

	_, err = s.db.Exec(
		`INSERT INTO messages (
			message_id,
			rumor_id,
			chat_id,
			chat_type,
			sender_key,
			content,
			created_at,
			direction,
			status,
			outer_event_id,
			reply_to_id,
			expires_at,
			reactions,
			is_read
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		message.MessageID,
		nullStringFromValue(message.RumorID),
		message.ChatID,
		message.ChatType,
		message.SenderKey,
		message.Content,
		message.CreatedAt,
		message.Direction,
		message.Status,
		nullString(message.OuterEventID),
		nullString(message.ReplyToID),
		nullInt64(message.ExpiresAt),
		reactions,
		isRead,
	)
	if err != nil {
		return fmt.Errorf("insert message %q: %w", message.MessageID, err)
	}

	return nil
}

// GetMessages returns a chat's messages ordered by creation time.
func (s *Store) GetMessages(chatID string, limit, offset int) ([]Message, error) {
	if chatID == "" {
		return nil, errors.New("chat_id is required")
	}
	if limit <= 0 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(
		messageSelect+`
		WHERE chat_id = ?
		ORDER BY created_at ASC, message_id ASC
		LIMIT ? OFFSET ?`,
		chatID,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages for chat %q: %w", chatID, err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

// GetRecentMessages returns a chat's newest messages, capped at limit, in
// ascending creation order.
func (s *Store) GetRecentMessages(chatID string, limit int) ([]Message, error) {
	if chatID == "" {
		return nil, errors.New("chat_id is required")
	}
	if limit <= 0 {
		limit = 200
	}

	rows, err := s.db.Query(
		messageSelect+`
		WHERE chat_id = ?
		ORDER BY created_at DESC, message_id DESC
		LIMIT ?`,
		chatID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get recent messages for chat %q: %w", chatID, err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// GetMessageByID fetches one message by its local message id.
func (s *Store) GetMessageByID(messageID string) (*Message, error) {
	if messageID == "" {
		return nil, errors.New("message_id is required")
	}

	row := s.db.QueryRow(messageSelect+` WHERE message_id = ?`, messageID)
	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message %q: %w", messageID, err)
	}
	return message, nil
}

// GetMessageByRumorID fetches one message by chat and inner rumor id.
func (s *Store) GetMessageByRumorID(chatID, rumorID string) (*Message, error) {
	if chatID == "" {
		return nil, errors.New("chat_id is required")
	}
	if rumorID == "" {
		return nil, errors.New("rumor_id is required")
	}

	row := s.db.QueryRow(
		messageSelect+` WHERE chat_id = ? AND rumor_id = ?`,
		chatID,
		rumorID,
	)
	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message by rumor id %q: %w", rumorID, err)
	}
	return message, nil
}

// GetMessageByOuterEventID fetches one message by chat and transport event id.
// Needed so reactions referencing transport ids still resolve.
func (s *Store) GetMessageByOuterEventID(chatID, outerEventID string) (*Message, error) {
	if chatID == "" {
		return nil, errors.New("chat_id is required")
	}
	if outerEventID == "" {
		return nil, errors.New("outer_event_id is required")
	}

	row := s.db.QueryRow(
		messageSelect+` WHERE chat_id = ? AND outer_event_id = ?`,
		chatID,
		outerEventID,
	)
	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message by outer event id %q: %w", outerEventID, err)
	}
	return message, nil
}

// SetMessageSent records a completed outbound send: the protocol-assigned
// rumor id, the transport event id, the advanced status and any computed
// expiration.
func (s *Store) SetMessageSent(messageID, rumorID string, outerEventID *string, expiresAt *int64) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}
	if rumorID == "" {
		return errors.New("rumor_id is required")
	}

	res, err := s.db.Exec(
		`UPDATE messages
		SET rumor_id = ?, outer_event_id = ?, status = ?, expires_at = ?
		WHERE message_id = ?`,
		rumorID,
		nullString(outerEventID),
		StatusSent,
		nullInt64(expiresAt),
		messageID,
	)
	if err != nil {
		return fmt.Errorf("set message sent %q: %w", messageID, err)
	}
	return requireRowsAffected(res, "set message sent")
}

// UpdateMessageStatus updates the delivery status for a message.
func (s *Store) UpdateMessageStatus(messageID, status string) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}
	if err := validateStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE messages SET status = ? WHERE message_id = ?`,
		status,
		messageID,
	)
	if err != nil {
		return fmt.Errorf("update status for message %q: %w", messageID, err)
	}
	return requireRowsAffected(res, "update message status")
}

// BackfillOuterEventID fills the transport event id on a message that was
// persisted before its outer id was known (self-echo path).
func (s *Store) BackfillOuterEventID(messageID, outerEventID string) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}
	if outerEventID == "" {
		return errors.New("outer_event_id is required")
	}

	res, err := s.db.Exec(
		`UPDATE messages SET outer_event_id = ?
		WHERE message_id = ? AND outer_event_id IS NULL`,
		outerEventID,
		messageID,
	)
	if err != nil {
		return fmt.Errorf("backfill outer event id for message %q: %w", messageID, err)
	}

	// Zero rows means the id was already known; that is not an error.
	if _, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("read rows affected for outer event id backfill: %w", err)
	}
	return nil
}

// UpdateReactions replaces the reaction aggregation for a message.
func (s *Store) UpdateReactions(messageID string, reactions map[string][]string) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}

	encoded, err := encodeReactions(reactions)
	if err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE messages SET reactions = ? WHERE message_id = ?`,
		encoded,
		messageID,
	)
	if err != nil {
		return fmt.Errorf("update reactions for message %q: %w", messageID, err)
	}
	return requireRowsAffected(res, "update reactions")
}

// DeleteMessage removes one message by local id.
func (s *Store) DeleteMessage(messageID string) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}

	res, err := s.db.Exec(`DELETE FROM messages WHERE message_id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("delete message %q: %w", messageID, err)
	}
	return requireRowsAffected(res, "delete message")
}

// DeleteExpiredMessages removes messages whose expiration timestamp has
// passed and returns the distinct chats that lost messages so derived
// summaries can be recomputed.
func (s *Store) DeleteExpiredMessages(now int64) ([]string, error) {
	if now <= 0 {
		return nil, errors.New("now timestamp must be > 0")
	}

	rows, err := s.db.Query(
		`SELECT DISTINCT chat_id FROM messages
		WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("find expired messages: %w", err)
	}

	chatIDs := make([]string, 0)
	for rows.Next() {
		var chatID string
		if err := rows.Scan(&chatID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan expired chat id: %w", err)
		}
		chatIDs = append(chatIDs, chatID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate expired chat ids: %w", err)
	}
	rows.Close()

	if len(chatIDs) == 0 {
		return chatIDs, nil
	}

	if _, err := s.db.Exec(
		`DELETE FROM messages WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		now,
	); err != nil {
		return nil, fmt.Errorf("delete expired messages: %w", err)
	}

	return chatIDs, nil
}

const messageSelect = `SELECT
	message_id,
	rumor_id,
	chat_id,
	chat_type,
	sender_key,
	content,
	created_at,
	direction,
	status,
	outer_event_id,
	reply_to_id,
	expires_at,
	reactions,
	is_read
FROM messages`

func scanMessage(row scanner) (*Message, error) {
	var (
		message      Message
		rumorID      sql.NullString
		outerEventID sql.NullString
		replyToID    sql.NullString
		expiresAt    sql.NullInt64
		reactions    string
		isRead       int
	)

	if err := row.Scan(
		&message.MessageID,
		&rumorID,
		&message.ChatID,
		&message.ChatType,
		&message.SenderKey,
		&message.Content,
		&message.CreatedAt,
		&message.Direction,
		&message.Status,
		&outerEventID,
		&replyToID,
		&expiresAt,
		&reactions,
		&isRead,
	); err != nil {
		return nil, err
	}

	if rumorID.Valid {
		message.RumorID = rumorID.String
	}
	message.OuterEventID = stringPtr(outerEventID)
	message.ReplyToID = stringPtr(replyToID)
	message.ExpiresAt = int64Ptr(expiresAt)
	message.IsRead = isRead == 1

	decoded, err := decodeReactions(reactions)
	if err != nil {
		return nil, err
	}
	message.Reactions = decoded

	return &message, nil
}
