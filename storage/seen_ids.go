package storage

import (
	"errors"
	"fmt"
)

// InsertSeenRumorID records a rumor id used for duplicate-delivery protection.
func (s *Store) InsertSeenRumorID(rumorID string, receivedAt int64) error {
	if rumorID == "" {
		return errors.New("rumor_id is required")
	}
	if receivedAt == 0 {
		receivedAt = nowUnix()
	}

	_, err := s.db.Exec(
		`INSERT INTO seen_rumor_ids (rumor_id, received_at)
		VALUES (?, ?)
		ON CONFLICT(rumor_id) DO UPDATE SET received_at = excluded.received_at`,
		rumorID,
		receivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert seen rumor ID %q: %w", rumorID, err)
	}

	return nil
}

// HasSeenRumorID returns true if a rumor id has already been processed.
func (s *Store) HasSeenRumorID(rumorID string) (bool, error) {
	if rumorID == "" {
		return false, errors.New("rumor_id is required")
	}

	var exists int
	if err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM seen_rumor_ids WHERE rumor_id = ?)`,
		rumorID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check seen rumor ID %q: %w", rumorID, err)
	}

	return exists == 1, nil
}

// PruneSeenRumorIDs removes seen_rumor_ids rows older than cutoff timestamp.
func (s *Store) PruneSeenRumorIDs(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM seen_rumor_ids WHERE received_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune seen rumor IDs: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for seen ID prune: %w", err)
	}

	return rowsAffected, nil
}
