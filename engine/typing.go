package engine

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"relaychat/protocol"
)

const (
	// typingThrottle is the minimum interval between outbound typing-start
	// signals for the same chat.
	typingThrottle = 4 * time.Second
	// typingExpiry bounds how long a peer is shown as typing without a
	// refreshed signal.
	typingExpiry = 10 * time.Second
)

// typingRecord tracks typing presence for one chat. Timestamps are rumor
// timestamps (unix seconds), used to order signals against each other and
// against incoming messages.
type typingRecord struct {
	active      bool
	lastStartAt int64
	lastClearAt int64
	timer       *time.Timer
}

// Typing tracks peer typing presence per chat and throttles the local user's
// outbound signals.
type Typing struct {
	owner    string
	send     func(ref ChatRef, active bool, expiresAt int64) error
	onChange func(chatID string, active bool)
	log      zerolog.Logger
	nowFn    func() time.Time

	mu       sync.Mutex
	records  map[string]*typingRecord
	lastSent map[string]time.Time
	closed   bool
}

func newTyping(owner string, send func(ref ChatRef, active bool, expiresAt int64) error, onChange func(chatID string, active bool), log zerolog.Logger, nowFn func() time.Time) *Typing {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Typing{
		owner:    owner,
		send:     send,
		onChange: onChange,
		log:      log,
		nowFn:    nowFn,
		records:  make(map[string]*typingRecord),
		lastSent: make(map[string]time.Time),
	}
}

// NotifyTyping emits a typing-start signal for the chat unless one was sent
// within the throttle window. Send failures are logged and dropped; typing
// presence is best-effort.
func (t *Typing) NotifyTyping(ref ChatRef) {
	now := t.nowFn()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if last, ok := t.lastSent[ref.ID]; ok && now.Sub(last) < typingThrottle {
		t.mu.Unlock()
		return
	}
	t.lastSent[ref.ID] = now
	t.mu.Unlock()

	expiresAt := now.Add(typingExpiry).Unix()
	if err := t.send(ref, true, expiresAt); err != nil {
		t.log.Debug().Err(err).Str("chat_id", ref.ID).Msg("typing signal dropped")
	}
}

// NotifyTypingStopped emits an explicit stop signal and resets the throttle
// so the next keystroke produces a fresh start signal immediately.
func (t *Typing) NotifyTypingStopped(ref ChatRef) {
	now := t.nowFn()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	delete(t.lastSent, ref.ID)
	t.mu.Unlock()

	if err := t.send(ref, false, now.Unix()); err != nil {
		t.log.Debug().Err(err).Str("chat_id", ref.ID).Msg("typing stop dropped")
	}
}

// HandleSignal applies an inbound typing signal. Signals from the local
// user's other devices are ignored; an already-expired signal counts as a
// stop. A late start signal older than the event that cleared the indicator
// does not resurrect it.
func (t *Typing) HandleSignal(chatID, senderKey string, signal protocol.Typing, createdAt int64) {
	if senderKey == t.owner {
		return
	}

	now := t.nowFn()
	stop := !signal.Active || (signal.ExpiresAt > 0 && signal.ExpiresAt <= now.Unix())

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	record := t.records[chatID]
	if stop {
		// Explicit stops clear unconditionally; only the message-clear path
		// orders against lastStartAt.
		if record == nil || !record.active {
			return
		}
		t.clearLocked(chatID, record, createdAt)
		return
	}

	if record == nil {
		record = &typingRecord{}
		t.records[chatID] = record
	}
	if createdAt < record.lastClearAt {
		return
	}
	if createdAt > record.lastStartAt {
		record.lastStartAt = createdAt
	}

	expiry := typingExpiry
	if signal.ExpiresAt > 0 {
		if until := time.Unix(signal.ExpiresAt, 0).Sub(now); until < expiry {
			expiry = until
		}
	}

	wasActive := record.active
	record.active = true
	if record.timer != nil {
		record.timer.Stop()
	}
	startAt := record.lastStartAt
	record.timer = time.AfterFunc(expiry, func() {
		t.expire(chatID, startAt)
	})

	if !wasActive && t.onChange != nil {
		t.onChange(chatID, true)
	}
}

// ClearOnMessage clears the indicator when a message arrives, unless a newer
// typing signal postdates the message.
func (t *Typing) ClearOnMessage(chatID string, messageAt int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	record := t.records[chatID]
	if record == nil {
		record = &typingRecord{}
		t.records[chatID] = record
	}
	if record.active && messageAt < record.lastStartAt {
		return
	}
	if messageAt > record.lastClearAt {
		record.lastClearAt = messageAt
	}
	if record.active {
		t.clearLocked(chatID, record, messageAt)
	}
}

// Active reports whether a peer is currently shown as typing in the chat.
func (t *Typing) Active(chatID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	record := t.records[chatID]
	return record != nil && record.active
}

func (t *Typing) expire(chatID string, startAt int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	record := t.records[chatID]
	if record == nil || !record.active || record.lastStartAt != startAt {
		return
	}
	t.clearLocked(chatID, record, startAt)
}

// clearLocked deactivates the indicator. Caller holds t.mu.
func (t *Typing) clearLocked(chatID string, record *typingRecord, clearAt int64) {
	record.active = false
	if clearAt > record.lastClearAt {
		record.lastClearAt = clearAt
	}
	if record.timer != nil {
		record.timer.Stop()
		record.timer = nil
	}
	if t.onChange != nil {
		t.onChange(chatID, false)
	}
}

// Close stops all expiry timers.
func (t *Typing) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for _, record := range t.records {
		if record.timer != nil {
			record.timer.Stop()
		}
	}
}
