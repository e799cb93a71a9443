package messaging

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLocalChannel_DeliversInOrder(t *testing.T) {
	c := NewLocalChannel(8)
	defer c.Close()

	got := make(chan string, 16)
	if _, err := c.Subscribe(context.Background(), func(b []byte) { got <- string(b) }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 0; i < 10; i++ {
		if err := c.Publish(context.Background(), []byte(fmt.Sprintf("p%d", i))); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	for i := 0; i < 10; i++ {
		select {
		case s := <-got:
			if want := fmt.Sprintf("p%d", i); s != want {
				t.Fatalf("expected %q, got %q", want, s)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for payload %d", i)
		}
	}
}

func TestLocalChannel_FanOutAndUnsubscribe(t *testing.T) {
	c := NewLocalChannel(8)
	defer c.Close()

	a := make(chan []byte, 4)
	b := make(chan []byte, 4)
	subA, _ := c.Subscribe(context.Background(), func(p []byte) { a <- p })
	if _, err := c.Subscribe(context.Background(), func(p []byte) { b <- p }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Subscribers() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", c.Subscribers())
	}

	c.Publish(context.Background(), []byte("one"))
	for _, ch := range []chan []byte{a, b} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber did not receive")
		}
	}

	if err := subA.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	c.Publish(context.Background(), []byte("two"))

	select {
	case p := <-b:
		if string(p) != "two" {
			t.Errorf("expected %q, got %q", "two", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("remaining subscriber did not receive")
	}
	select {
	case p := <-a:
		t.Errorf("unsubscribed handler received %q", p)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalChannel_PublishHonoursContext(t *testing.T) {
	c := NewLocalChannel(1)
	defer c.Close()

	block := make(chan struct{})
	started := make(chan struct{}, 4)
	c.Subscribe(context.Background(), func([]byte) {
		started <- struct{}{}
		<-block
	})
	defer close(block)

	// One payload is being handled, one fills the queue.
	c.Publish(context.Background(), []byte("1"))
	<-started
	c.Publish(context.Background(), []byte("2"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Publish(ctx, []byte("3")); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestLocalChannel_Closed(t *testing.T) {
	c := NewLocalChannel(1)
	c.Close()
	if err := c.Publish(context.Background(), []byte("x")); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("expected ErrChannelClosed, got %v", err)
	}
	if _, err := c.Subscribe(context.Background(), func([]byte) {}); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("expected ErrChannelClosed, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// NATS round trip, skipped when no server is reachable.
// ---------------------------------------------------------------------------

func TestTypingChannel_NATSRoundTrip(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.MaxReconnects = 0
	client, err := NewNATSClient(cfg, zerolog.Nop())
	if err != nil {
		t.Skipf("NATS not available at %s: %v", cfg.URL, err)
	}
	defer client.Close()

	ch := NewTypingChannel(client)
	got := make(chan []byte, 1)
	sub, err := ch.Subscribe(context.Background(), func(p []byte) { got <- p })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := client.conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := ch.Publish(context.Background(), []byte(`{"event":"typing"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case p := <-got:
		if string(p) != `{"event":"typing"}` {
			t.Errorf("unexpected payload %s", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for NATS delivery")
	}
}
