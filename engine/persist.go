package engine

import (
	"sync"

	"github.com/rs/zerolog"
)

const writerQueueSize = 256

type writeOp struct {
	name string
	fn   func() error
}

// asyncWriter serializes storage writes onto a single background goroutine.
// In-memory state is authoritative; a failed write is logged and dropped
// rather than surfaced to the caller.
type asyncWriter struct {
	ops       chan writeOp
	done      chan struct{}
	log       zerolog.Logger
	closeOnce sync.Once
}

func newAsyncWriter(log zerolog.Logger) *asyncWriter {
	w := &asyncWriter{
		ops:  make(chan writeOp, writerQueueSize),
		done: make(chan struct{}),
		log:  log,
	}
	go w.run()
	return w
}

func (w *asyncWriter) run() {
	defer close(w.done)
	for op := range w.ops {
		if op.fn == nil {
			continue
		}
		if err := op.fn(); err != nil {
			w.log.Error().Err(err).Str("op", op.name).Msg("background write failed")
		}
	}
}

// enqueue hands a write to the background goroutine. If the queue is full
// the write runs inline so callers never block on persistence.
func (w *asyncWriter) enqueue(name string, fn func() error) {
	select {
	case w.ops <- writeOp{name: name, fn: fn}:
	default:
		if err := fn(); err != nil {
			w.log.Error().Err(err).Str("op", name).Msg("inline write failed")
		}
	}
}

// flush blocks until every write enqueued before the call has completed.
// The sentinel is sent with a blocking send so it queues behind any backlog
// instead of taking enqueue's inline path.
func (w *asyncWriter) flush() {
	ch := make(chan struct{})
	w.ops <- writeOp{name: "flush", fn: func() error {
		close(ch)
		return nil
	}}
	<-ch
}

func (w *asyncWriter) close() {
	w.closeOnce.Do(func() {
		close(w.ops)
	})
	<-w.done
}
