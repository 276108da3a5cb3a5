package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// EnqueueOffline persists an offline queue entry so queued sends survive
// process restarts.
func (s *Store) EnqueueOffline(entry OfflineEntry) error {
	if entry.EntryID == "" {
		return errors.New("entry_id is required")
	}
	if entry.ConversationID == "" {
		return errors.New("conversation_id is required")
	}
	if entry.MessageID == "" {
		return errors.New("message_id is required")
	}
	if entry.CreatedAt == 0 {
		entry.CreatedAt = nowUnix()
	}

	_, err := s.db.Exec(
		`INSERT INTO offline_queue (
			entry_id, conversation_id, message_id, content, created_at,
			retry_count, last_attempt_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.EntryID,
		entry.ConversationID,
		entry.MessageID,
		entry.Content,
		entry.CreatedAt,
		entry.RetryCount,
		nullInt64(entry.LastAttemptAt),
	)
	if err != nil {
		return fmt.Errorf("enqueue offline entry %q: %w", entry.EntryID, err)
	}

	return nil
}

// ListOfflineEntries returns queued entries in FIFO order.
func (s *Store) ListOfflineEntries() ([]OfflineEntry, error) {
	rows, err := s.db.Query(
		offlineSelect + ` ORDER BY created_at ASC, entry_id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list offline entries: %w", err)
	}
	defer rows.Close()

	entries := make([]OfflineEntry, 0)
	for rows.Next() {
		entry, err := scanOfflineEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan offline entry row: %w", err)
		}
		entries = append(entries, *entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate offline entry rows: %w", err)
	}

	return entries, nil
}

// GetOfflineEntry fetches one queued entry by id.
func (s *Store) GetOfflineEntry(entryID string) (*OfflineEntry, error) {
	if entryID == "" {
		return nil, errors.New("entry_id is required")
	}

	row := s.db.QueryRow(offlineSelect+` WHERE entry_id = ?`, entryID)
	entry, err := scanOfflineEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get offline entry %q: %w", entryID, err)
	}
	return entry, nil
}

// RecordOfflineAttempt increments the retry counter and stamps the attempt
// time for a queued entry that failed delivery.
func (s *Store) RecordOfflineAttempt(entryID string, attemptedAt int64) error {
	if entryID == "" {
		return errors.New("entry_id is required")
	}
	if attemptedAt == 0 {
		attemptedAt = nowUnix()
	}

	res, err := s.db.Exec(
		`UPDATE offline_queue
		SET retry_count = retry_count + 1, last_attempt_at = ?
		WHERE entry_id = ?`,
		attemptedAt,
		entryID,
	)
	if err != nil {
		return fmt.Errorf("record offline attempt %q: %w", entryID, err)
	}
	return requireRowsAffected(res, "record offline attempt")
}

// DeleteOfflineEntry removes an entry after confirmed hand-off to the
// event bus.
func (s *Store) DeleteOfflineEntry(entryID string) error {
	if entryID == "" {
		return errors.New("entry_id is required")
	}

	res, err := s.db.Exec(`DELETE FROM offline_queue WHERE entry_id = ?`, entryID)
	if err != nil {
		return fmt.Errorf("delete offline entry %q: %w", entryID, err)
	}
	return requireRowsAffected(res, "delete offline entry")
}

const offlineSelect = `SELECT
	entry_id,
	conversation_id,
	message_id,
	content,
	created_at,
	retry_count,
	last_attempt_at
FROM offline_queue`

func scanOfflineEntry(row scanner) (*OfflineEntry, error) {
	var (
		entry         OfflineEntry
		lastAttemptAt sql.NullInt64
	)

	if err := row.Scan(
		&entry.EntryID,
		&entry.ConversationID,
		&entry.MessageID,
		&entry.Content,
		&entry.CreatedAt,
		&entry.RetryCount,
		&lastAttemptAt,
	); err != nil {
		return nil, err
	}

	entry.LastAttemptAt = int64Ptr(lastAttemptAt)
	return &entry, nil
}
