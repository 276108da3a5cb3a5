package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"

	"relaychat/storage"
)

// queueMaxAttempts is how many delivery attempts an entry gets before it is
// parked for manual retry.
const queueMaxAttempts = 3

// OfflineQueue holds outbound sends that could not be delivered and drains
// them when connectivity returns. Entries are persisted so a restart does
// not lose them; attempts are spaced by exponential backoff and capped, after
// which an entry waits for an explicit manual retry.
type OfflineQueue struct {
	store   *storage.Store
	deliver func(ctx context.Context, entry storage.OfflineEntry) error
	log     zerolog.Logger
	nowFn   func() time.Time

	mu      sync.Mutex
	online  bool
	closed  bool
	retry   *backoff.ExponentialBackOff
	timer   *time.Timer
	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

func newOfflineQueue(store *storage.Store, deliver func(ctx context.Context, entry storage.OfflineEntry) error, log zerolog.Logger) *OfflineQueue {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = time.Second
	retry.MaxInterval = 2 * time.Minute
	retry.MaxElapsedTime = 0

	q := &OfflineQueue{
		store:   store,
		deliver: deliver,
		log:     log,
		nowFn:   time.Now,
		retry:   retry,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *OfflineQueue) run() {
	defer close(q.stopped)
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
			q.drain()
		}
	}
}

func (q *OfflineQueue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue persists a failed send for later delivery. Persistence is
// synchronous: an enqueued message must survive an immediate crash.
func (q *OfflineQueue) Enqueue(conversationID, messageID, content string) error {
	entry := storage.OfflineEntry{
		EntryID:        messageID,
		ConversationID: conversationID,
		MessageID:      messageID,
		Content:        content,
		CreatedAt:      q.nowFn().Unix(),
	}
	if err := q.store.EnqueueOffline(entry); err != nil {
		return fmt.Errorf("enqueue offline message: %w", err)
	}
	q.log.Info().Str("message_id", messageID).Msg("message queued for offline delivery")

	q.mu.Lock()
	online := q.online
	q.mu.Unlock()
	if online {
		q.kick()
	}
	return nil
}

// SetOnline records a connectivity transition. Going online resets the
// backoff schedule and triggers an immediate drain.
func (q *OfflineQueue) SetOnline(online bool) {
	q.mu.Lock()
	if q.closed || q.online == online {
		q.mu.Unlock()
		return
	}
	q.online = online
	if online {
		q.retry.Reset()
	}
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.mu.Unlock()

	if online {
		q.kick()
	}
}

// drain attempts delivery of every eligible entry in FIFO order. Entries
// that keep failing are rescheduled with backoff; entries out of attempts
// stay parked.
func (q *OfflineQueue) drain() {
	q.mu.Lock()
	if q.closed || !q.online {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	entries, err := q.store.ListOfflineEntries()
	if err != nil {
		q.log.Error().Err(err).Msg("offline queue read failed")
		return
	}

	retryable := false
	for _, entry := range entries {
		if entry.RetryCount >= queueMaxAttempts {
			continue
		}
		if !q.attempt(entry) {
			retryable = entry.RetryCount+1 < queueMaxAttempts || retryable
			if !q.Online() {
				break
			}
		}
	}

	if retryable {
		q.scheduleRetry()
	}
}

// attempt runs one delivery attempt and updates queue bookkeeping.
func (q *OfflineQueue) attempt(entry storage.OfflineEntry) bool {
	err := q.deliver(context.Background(), entry)
	if err == nil {
		if err := q.store.DeleteOfflineEntry(entry.EntryID); err != nil {
			q.log.Error().Err(err).Str("entry_id", entry.EntryID).Msg("queue entry cleanup failed")
		}
		q.log.Info().Str("message_id", entry.MessageID).Msg("queued message delivered")
		return true
	}

	q.log.Warn().Err(err).
		Str("message_id", entry.MessageID).
		Int("retry_count", entry.RetryCount+1).
		Msg("queued delivery failed")
	if err := q.store.RecordOfflineAttempt(entry.EntryID, q.nowFn().Unix()); err != nil {
		q.log.Error().Err(err).Str("entry_id", entry.EntryID).Msg("queue bookkeeping failed")
	}
	return false
}

func (q *OfflineQueue) scheduleRetry() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || !q.online || q.timer != nil {
		return
	}
	delay := q.retry.NextBackOff()
	if delay == backoff.Stop {
		return
	}
	q.timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		q.timer = nil
		q.mu.Unlock()
		q.kick()
	})
}

// Online reports the queue's current connectivity view.
func (q *OfflineQueue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// Pending returns all queued entries in FIFO order.
func (q *OfflineQueue) Pending() ([]storage.OfflineEntry, error) {
	return q.store.ListOfflineEntries()
}

// NeedsAttention returns entries that exhausted their automatic attempts.
func (q *OfflineQueue) NeedsAttention() ([]storage.OfflineEntry, error) {
	entries, err := q.store.ListOfflineEntries()
	if err != nil {
		return nil, err
	}
	parked := entries[:0]
	for _, entry := range entries {
		if entry.RetryCount >= queueMaxAttempts {
			parked = append(parked, entry)
		}
	}
	return parked, nil
}

// RetryNow runs one immediate delivery attempt for a specific entry,
// bypassing the attempt cap. Used for user-initiated retries.
func (q *OfflineQueue) RetryNow(ctx context.Context, entryID string) error {
	entry, err := q.store.GetOfflineEntry(entryID)
	if err != nil {
		return err
	}
	if err := q.deliver(ctx, *entry); err != nil {
		if recordErr := q.store.RecordOfflineAttempt(entry.EntryID, q.nowFn().Unix()); recordErr != nil {
			q.log.Error().Err(recordErr).Str("entry_id", entry.EntryID).Msg("queue bookkeeping failed")
		}
		return fmt.Errorf("retry message %s: %w", entry.MessageID, err)
	}
	return q.store.DeleteOfflineEntry(entry.EntryID)
}

// Close stops the drain loop.
func (q *OfflineQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.mu.Unlock()

	close(q.done)
	<-q.stopped
}
