package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestFlushWaitsForBacklog(t *testing.T) {
	w := newAsyncWriter(zerolog.Nop())

	// Stall the writer goroutine so a full queue builds up behind it.
	gate := make(chan struct{})
	w.enqueue("gate", func() error {
		<-gate
		return nil
	})

	var mu sync.Mutex
	applied := 0
	for i := 0; i < writerQueueSize; i++ {
		w.enqueue("count", func() error {
			mu.Lock()
			applied++
			mu.Unlock()
			return nil
		})
	}

	flushed := make(chan struct{})
	go func() {
		w.flush()
		close(flushed)
	}()

	select {
	case <-flushed:
		t.Fatal("flush returned while queued writes were still pending")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	select {
	case <-flushed:
	case <-time.After(2 * time.Second):
		t.Fatal("flush never returned after the writer resumed")
	}

	mu.Lock()
	defer mu.Unlock()
	if applied != writerQueueSize {
		t.Fatalf("flush returned with %d of %d writes applied", applied, writerQueueSize)
	}
	w.close()
}
