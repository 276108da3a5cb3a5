package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// UpsertGroup inserts or replaces a group record.
func (s *Store) UpsertGroup(group Group) error {
	if group.GroupID == "" {
		return errors.New("group_id is required")
	}
	if group.CreatedAt == 0 {
		group.CreatedAt = nowUnix()
	}

	members, err := encodeStringList(group.Members)
	if err != nil {
		return err
	}
	admins, err := encodeStringList(group.Admins)
	if err != nil {
		return err
	}

	accepted := 0
	if group.Accepted {
		accepted = 1
	}

	_, err = s.db.Exec(
		`INSERT INTO groups (
			group_id, name, description, picture, members, admins,
			shared_secret, accepted, created_at, message_ttl_seconds
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			picture = excluded.picture,
			members = excluded.members,
			admins = excluded.admins,
			shared_secret = excluded.shared_secret,
			accepted = excluded.accepted,
			message_ttl_seconds = excluded.message_ttl_seconds`,
		group.GroupID,
		group.Name,
		group.Description,
		group.Picture,
		members,
		admins,
		nullString(group.SharedSecret),
		accepted,
		group.CreatedAt,
		nullInt64(group.MessageTTLSeconds),
	)
	if err != nil {
		return fmt.Errorf("upsert group %q: %w", group.GroupID, err)
	}

	return nil
}

// GetGroup fetches one group by id.
func (s *Store) GetGroup(groupID string) (*Group, error) {
	if groupID == "" {
		return nil, errors.New("group_id is required")
	}

	row := s.db.QueryRow(groupSelect+` WHERE group_id = ?`, groupID)
	return scanGroup(row)
}

// ListGroups returns all groups ordered by most recent activity.
func (s *Store) ListGroups() ([]Group, error) {
	rows, err := s.db.Query(
		groupSelect + ` ORDER BY COALESCE(last_message_at, created_at) DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	groups := make([]Group, 0)
	for rows.Next() {
		group, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group row: %w", err)
		}
		groups = append(groups, *group)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group rows: %w", err)
	}

	return groups, nil
}

// DeleteGroup removes a group and its timeline. Used when metadata shows the
// local user has been removed from the group.
func (s *Store) DeleteGroup(groupID string) error {
	if groupID == "" {
		return errors.New("group_id is required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin group delete transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`DELETE FROM messages WHERE chat_id = ?`, groupID); err != nil {
		return fmt.Errorf("delete group messages %q: %w", groupID, err)
	}
	res, err := tx.Exec(`DELETE FROM groups WHERE group_id = ?`, groupID)
	if err != nil {
		return fmt.Errorf("delete group %q: %w", groupID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for group delete: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit group delete transaction: %w", err)
	}

	return nil
}

// SetGroupAccepted flips the invitation accepted flag.
func (s *Store) SetGroupAccepted(groupID string, accepted bool) error {
	if groupID == "" {
		return errors.New("group_id is required")
	}

	value := 0
	if accepted {
		value = 1
	}

	res, err := s.db.Exec(
		`UPDATE groups SET accepted = ? WHERE group_id = ?`,
		value,
		groupID,
	)
	if err != nil {
		return fmt.Errorf("set group accepted %q: %w", groupID, err)
	}
	return requireRowsAffected(res, "set group accepted")
}

// RecomputeGroupSummary rebuilds derived last-message and unread fields from
// the messages table.
func (s *Store) RecomputeGroupSummary(groupID string) error {
	if groupID == "" {
		return errors.New("group_id is required")
	}

	_, err := s.db.Exec(
		`UPDATE groups SET
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
		WHERE group_id = ?`,
		groupID,
		groupID,
		groupID,
		DirectionIncoming,
		groupID,
	)
	if err != nil {
		return fmt.Errorf("recompute group summary %q: %w", groupID, err)
	}
	return nil
}

// MarkGroupRead marks all incoming group messages read and zeroes the
// unread count.
func (s *Store) MarkGroupRead(groupID string) error {
	if groupID == "" {
		return errors.New("group_id is required")
	}

	if _, err := s.db.Exec(
		`UPDATE messages SET is_read = 1 WHERE chat_id = ? AND direction = ?`,
		groupID,
		DirectionIncoming,
	); err != nil {
		return fmt.Errorf("mark group read %q: %w", groupID, err)
	}

	return s.RecomputeGroupSummary(groupID)
}

const groupSelect = `SELECT
	group_id,
	name,
	description,
	picture,
	members,
	admins,
	shared_secret,
	accepted,
	created_at,
	last_message_at,
	last_message_preview,
	unread_count,
	message_ttl_seconds
FROM groups`

func scanGroup(row scanner) (*Group, error) {
	var (
		group         Group
		members       string
		admins        string
		sharedSecret  sql.NullString
		accepted      int
		lastMessageAt sql.NullInt64
		ttl           sql.NullInt64
	)

	if err := row.Scan(
		&group.GroupID,
		&group.Name,
		&group.Description,
		&group.Picture,
		&members,
		&admins,
		&sharedSecret,
		&accepted,
		&group.CreatedAt,
		&lastMessageAt,
		&group.LastMessagePreview,
		&group.UnreadCount,
		&ttl,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	memberList, err := decodeStringList(members)
	if err != nil {
		return nil, err
	}
	adminList, err := decodeStringList(admins)
	if err != nil {
		return nil, err
	}

	group.Members = memberList
	group.Admins = adminList
	group.SharedSecret = stringPtr(sharedSecret)
	group.Accepted = accepted == 1
	group.LastMessageAt = int64Ptr(lastMessageAt)
	group.MessageTTLSeconds = int64Ptr(ttl)

	return &group, nil
}
