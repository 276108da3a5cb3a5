package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"relaychat/storage"
)

type queueHarness struct {
	store *storage.Store
	queue *OfflineQueue

	mu        sync.Mutex
	failing   bool
	delivered []string
}

func newQueueHarness(t *testing.T) *queueHarness {
	t.Helper()

	h := &queueHarness{store: newTestStore(t)}
	deliver := func(_ context.Context, entry storage.OfflineEntry) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.failing {
			return errors.New("relay unreachable")
		}
		h.delivered = append(h.delivered, entry.MessageID)
		return nil
	}
	h.queue = newOfflineQueue(h.store, deliver, zerolog.Nop())
	// Collapse backoff delays so retry behavior is observable in test time.
	h.queue.retry.InitialInterval = time.Millisecond
	h.queue.retry.MaxInterval = 5 * time.Millisecond
	h.queue.retry.Reset()
	t.Cleanup(h.queue.Close)
	return h
}

func (h *queueHarness) setFailing(failing bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failing = failing
}

func (h *queueHarness) deliveredIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.delivered...)
}

func TestQueueHoldsWhileOffline(t *testing.T) {
	h := newQueueHarness(t)

	if err := h.queue.Enqueue("conv-1", "msg-1", "hello"); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if got := h.deliveredIDs(); len(got) != 0 {
		t.Fatalf("offline queue delivered %v without connectivity", got)
	}

	entries, err := h.queue.Pending()
	if err != nil {
		t.Fatalf("Pending error: %v", err)
	}
	if len(entries) != 1 || entries[0].MessageID != "msg-1" {
		t.Fatalf("pending entries = %+v", entries)
	}
}

func TestQueueDrainsOnReconnectInOrder(t *testing.T) {
	h := newQueueHarness(t)

	for _, id := range []string{"msg-1", "msg-2", "msg-3"} {
		if err := h.queue.Enqueue("conv-1", id, "hello "+id); err != nil {
			t.Fatalf("Enqueue error: %v", err)
		}
	}

	h.queue.SetOnline(true)

	waitFor(t, "queue drain", func() bool {
		entries, err := h.queue.Pending()
		return err == nil && len(entries) == 0
	})

	got := h.deliveredIDs()
	if len(got) != 3 || got[0] != "msg-1" || got[1] != "msg-2" || got[2] != "msg-3" {
		t.Errorf("delivery order = %v", got)
	}
}

func TestQueueRetriesWithCapThenParks(t *testing.T) {
	h := newQueueHarness(t)
	h.setFailing(true)

	if err := h.queue.Enqueue("conv-1", "msg-1", "hello"); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	h.queue.SetOnline(true)

	waitFor(t, "attempts exhausted", func() bool {
		parked, err := h.queue.NeedsAttention()
		return err == nil && len(parked) == 1
	})

	entry, err := h.store.GetOfflineEntry("msg-1")
	if err != nil {
		t.Fatalf("GetOfflineEntry error: %v", err)
	}
	if entry.RetryCount != queueMaxAttempts {
		t.Errorf("retry count = %d, want %d", entry.RetryCount, queueMaxAttempts)
	}
	if entry.LastAttemptAt == nil {
		t.Error("last attempt timestamp missing")
	}

	// Parked entries stay parked through later drains.
	h.queue.kick()
	time.Sleep(50 * time.Millisecond)
	entry, _ = h.store.GetOfflineEntry("msg-1")
	if entry.RetryCount != queueMaxAttempts {
		t.Errorf("parked entry re-attempted, retry count = %d", entry.RetryCount)
	}
}

func TestQueueManualRetryBypassesCap(t *testing.T) {
	h := newQueueHarness(t)
	h.setFailing(true)

	if err := h.queue.Enqueue("conv-1", "msg-1", "hello"); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	h.queue.SetOnline(true)
	waitFor(t, "attempts exhausted", func() bool {
		parked, err := h.queue.NeedsAttention()
		return err == nil && len(parked) == 1
	})

	// Manual retry while still failing records the attempt and returns it.
	if err := h.queue.RetryNow(context.Background(), "msg-1"); err == nil {
		t.Fatal("manual retry should surface the delivery error")
	}

	h.setFailing(false)
	if err := h.queue.RetryNow(context.Background(), "msg-1"); err != nil {
		t.Fatalf("RetryNow error: %v", err)
	}
	if _, err := h.store.GetOfflineEntry("msg-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("delivered entry not removed, err = %v", err)
	}

	if err := h.queue.RetryNow(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("retry of unknown entry: err = %v", err)
	}
}

func TestQueueBackoffBetweenAttempts(t *testing.T) {
	h := newQueueHarness(t)
	h.setFailing(true)

	if err := h.queue.Enqueue("conv-1", "msg-1", "hello"); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	h.queue.SetOnline(true)

	// First attempt happens promptly; the rest arrive via backoff timers
	// rather than a hot loop.
	time.Sleep(20 * time.Millisecond)
	entry, err := h.store.GetOfflineEntry("msg-1")
	if err != nil {
		t.Fatalf("GetOfflineEntry error: %v", err)
	}
	if entry.RetryCount == 0 {
		t.Error("no attempt recorded after going online")
	}
	if entry.RetryCount > queueMaxAttempts {
		t.Errorf("retry count %d exceeded cap", entry.RetryCount)
	}
}
