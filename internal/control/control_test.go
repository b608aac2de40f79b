package control

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/JinBiLianShao/HRUFT/internal/wire"
)

func TestSendReceiveWithTimeoutSync(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("New (a): %v", err)
	}
	defer a.Close()
	b, err := New(ctx, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("New (b): %v", err)
	}
	defer b.Close()

	dst := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: b.LocalPort()}
	if err := a.Send(dst, wire.SYN, 0, []byte("syn-payload")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	msg, err := b.ReceiveWithTimeout(ctx, 2*time.Second)
	if err != nil {
		t.Fatalf("ReceiveWithTimeout: %v", err)
	}
	if msg.Header.Type != wire.SYN {
		t.Fatalf("Type = %v, want SYN", msg.Header.Type)
	}
	if string(msg.Payload) != "syn-payload" {
		t.Fatalf("Payload = %q, want %q", msg.Payload, "syn-payload")
	}
}

func TestReceiveWithTimeoutExpires(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := New(ctx, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	_, err = c.ReceiveWithTimeout(ctx, 50*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestAsyncHandlerDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("New (a): %v", err)
	}
	defer a.Close()
	b, err := New(ctx, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("New (b): %v", err)
	}
	defer b.Close()

	received := make(chan Message, 1)
	b.SetHandler(func(m Message) { received <- m })

	dst := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: b.LocalPort()}
	if err := a.Send(dst, wire.Heartbeat, 7, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Header.Type != wire.Heartbeat || msg.Header.ChunkID != 7 {
			t.Fatalf("msg = %+v, want Heartbeat/chunk 7", msg.Header)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for async delivery")
	}
}
