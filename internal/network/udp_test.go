package network

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestUDPTransportLoopback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := ListenUDP(ctx, "127.0.0.1:0", 0)
	if err != nil {
		t.Skipf("udp unavailable: %v", err)
	}
	client, err := ListenUDP(ctx, "127.0.0.1:0", 0)
	if err != nil {
		t.Skipf("udp unavailable: %v", err)
	}

	if _, ok := server.TryReceive(); ok {
		t.Fatal("expected empty queue")
	}

	payload := []byte("flag")
	if err := client.Send(server.LocalAddr(), payload); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d, ok := server.TryReceive(); ok {
			if !bytes.Equal(d.Data, payload) {
				t.Fatalf("expected %q, got %q", payload, d.Data)
			}
			if d.From != client.LocalAddr() {
				t.Fatalf("expected sender %s, got %s", client.LocalAddr(), d.From)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("datagram not received")
}
