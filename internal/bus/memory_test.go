package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestMemoryBus_PublishReachesSubscribers(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	var got atomic.Int32
	for i := 0; i < 3; i++ {
		_, err := b.Subscribe(context.Background(), "t", func(p []byte) {
			if string(p) == "hello" {
				got.Add(1)
			}
		})
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}

	if err := b.Publish(context.Background(), "t", []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, func() bool { return got.Load() == 3 }, "not all subscribers received the payload")
}

func TestMemoryBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	var got atomic.Int32
	sub, err := b.Subscribe(context.Background(), "t", func(p []byte) { got.Add(1) })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	b.Publish(context.Background(), "t", []byte("one"))
	waitFor(t, func() bool { return got.Load() == 1 }, "first publish not delivered")

	sub.Unsubscribe()
	b.Publish(context.Background(), "t", []byte("two"))
	time.Sleep(50 * time.Millisecond)
	if got.Load() != 1 {
		t.Fatalf("delivered after unsubscribe: count = %d", got.Load())
	}
}

func TestMemoryBus_TopicsAreIsolated(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	var a, c atomic.Int32
	b.Subscribe(context.Background(), "a", func(p []byte) { a.Add(1) })
	b.Subscribe(context.Background(), "c", func(p []byte) { c.Add(1) })

	b.Publish(context.Background(), "a", []byte("x"))
	waitFor(t, func() bool { return a.Load() == 1 }, "topic a not delivered")
	time.Sleep(20 * time.Millisecond)
	if c.Load() != 0 {
		t.Fatal("payload leaked across topics")
	}
}

func TestMemoryBus_FIFOPerSubscriber(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	var mu []string
	done := make(chan struct{})
	b.Subscribe(context.Background(), "t", func(p []byte) {
		mu = append(mu, string(p))
		if len(mu) == 5 {
			close(done)
		}
	})

	for _, s := range []string{"1", "2", "3", "4", "5"} {
		b.Publish(context.Background(), "t", []byte(s))
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out, got %v", mu)
	}
	for i, want := range []string{"1", "2", "3", "4", "5"} {
		if mu[i] != want {
			t.Fatalf("order broken: got %v", mu)
		}
	}
}

func TestMemoryBus_ClosedRejects(t *testing.T) {
	b := NewMemoryBus()
	b.Close()
	if err := b.Publish(context.Background(), "t", nil); err != ErrBusClosed {
		t.Fatalf("Publish on closed bus: err = %v, want ErrBusClosed", err)
	}
	if _, err := b.Subscribe(context.Background(), "t", func([]byte) {}); err != ErrBusClosed {
		t.Fatalf("Subscribe on closed bus: err = %v, want ErrBusClosed", err)
	}
	if err := b.Ping(context.Background()); err != ErrBusClosed {
		t.Fatalf("Ping on closed bus: err = %v, want ErrBusClosed", err)
	}
}
