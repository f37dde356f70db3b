package sink

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestBufferedDeliversInOrder(t *testing.T) {
	b := NewBuffered(8, 50*time.Millisecond)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := b.Deliver(ctx, Chunk{Seq: i, Kind: KindText, Text: fmt.Sprintf("c%d", i)}); err != nil {
			t.Fatalf("Deliver(%d) error = %v", i, err)
		}
	}
	for i := 0; i < 5; i++ {
		c := <-b.Out()
		if c.Seq != i {
			t.Fatalf("chunk %d has Seq %d, want in-order delivery", i, c.Seq)
		}
	}
}

func TestBufferedBackpressure(t *testing.T) {
	b := NewBuffered(2, 20*time.Millisecond)
	ctx := context.Background()
	if err := b.Deliver(ctx, Chunk{Seq: 0}); err != nil {
		t.Fatalf("Deliver(0) error = %v", err)
	}
	if err := b.Deliver(ctx, Chunk{Seq: 1}); err != nil {
		t.Fatalf("Deliver(1) error = %v", err)
	}

	start := time.Now()
	err := b.Deliver(ctx, Chunk{Seq: 2})
	if !errors.Is(err, ErrBackpressure) {
		t.Fatalf("Deliver(2) error = %v, want ErrBackpressure", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("Deliver(2) failed before the buffering window elapsed")
	}

	// Earlier chunks are intact and ordered after the failure.
	if c := <-b.Out(); c.Seq != 0 {
		t.Fatalf("first chunk Seq = %d, want 0", c.Seq)
	}
	if c := <-b.Out(); c.Seq != 1 {
		t.Fatalf("second chunk Seq = %d, want 1", c.Seq)
	}
}

func TestBufferedDeliverUnblocksWhenDrained(t *testing.T) {
	b := NewBuffered(1, time.Second)
	ctx := context.Background()
	if err := b.Deliver(ctx, Chunk{Seq: 0}); err != nil {
		t.Fatalf("Deliver(0) error = %v", err)
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		<-b.Out()
	}()
	if err := b.Deliver(ctx, Chunk{Seq: 1}); err != nil {
		t.Fatalf("Deliver(1) error = %v, want drain to unblock", err)
	}
}

func TestBufferedCloseRejectsNewDeliveries(t *testing.T) {
	b := NewBuffered(2, 20*time.Millisecond)
	ctx := context.Background()
	if err := b.Deliver(ctx, Chunk{Seq: 0}); err != nil {
		t.Fatalf("Deliver(0) error = %v", err)
	}
	b.Close()
	b.Close() // idempotent
	if err := b.Deliver(ctx, Chunk{Seq: 1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Deliver after Close error = %v, want ErrClosed", err)
	}
	// Buffered chunk still readable.
	if c := <-b.Out(); c.Seq != 0 {
		t.Fatalf("chunk Seq = %d, want 0", c.Seq)
	}
}

func TestBufferedDeliverHonorsContext(t *testing.T) {
	b := NewBuffered(1, time.Second)
	_ = b.Deliver(context.Background(), Chunk{Seq: 0})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := b.Deliver(ctx, Chunk{Seq: 1}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Deliver error = %v, want context deadline", err)
	}
}
