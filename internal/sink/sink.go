package sink

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrBackpressure means the outbound channel stayed saturated beyond the
// bounded buffering window. Dropping or reordering output is not
// acceptable, so callers treat this as a fatal delivery error for the turn.
var ErrBackpressure = errors.New("delivery backpressure exceeded")

// ErrClosed means the sink was closed while a delivery was in flight.
var ErrClosed = errors.New("delivery sink closed")

// Kind distinguishes outbound payload types.
type Kind string

const (
	KindText  Kind = "text"
	KindAudio Kind = "audio"
)

// Chunk is one ordered outbound fragment of a turn's response.
type Chunk struct {
	SessionID string
	TurnSeq   uint64
	Seq       int
	Kind      Kind
	Text      string
	Audio     []byte
	Format    string
}

// Sink consumes ordered output chunks as they become available.
type Sink interface {
	Deliver(ctx context.Context, c Chunk) error
}

// Buffered is a bounded in-process sink. Deliver blocks for at most the
// configured wait when the buffer is full, then fails with ErrBackpressure.
type Buffered struct {
	ch   chan Chunk
	wait time.Duration

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func NewBuffered(buffer int, wait time.Duration) *Buffered {
	if buffer <= 0 {
		buffer = 64
	}
	if wait <= 0 {
		wait = 500 * time.Millisecond
	}
	return &Buffered{
		ch:   make(chan Chunk, buffer),
		wait: wait,
		done: make(chan struct{}),
	}
}

func (b *Buffered) Deliver(ctx context.Context, c Chunk) error {
	// Fast path: room in the buffer.
	select {
	case <-b.done:
		return ErrClosed
	case b.ch <- c:
		return nil
	default:
	}

	timer := time.NewTimer(b.wait)
	defer timer.Stop()
	select {
	case b.ch <- c:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrBackpressure
	}
}

// Out exposes the delivery stream to the consumer draining it.
func (b *Buffered) Out() <-chan Chunk {
	return b.ch
}

// Close stops accepting deliveries. Buffered chunks remain readable.
func (b *Buffered) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}
