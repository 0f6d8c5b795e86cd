package network

import (
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/flagrun/internal/protocol"
)

var (
	addrA = netip.MustParseAddrPort("10.0.0.1:4000")
	addrB = netip.MustParseAddrPort("10.0.0.2:5000")
)

func newPair(t *testing.T) (*MemoryTransport, *MemoryTransport) {
	t.Helper()
	hub := NewMemoryHub()
	a, err := hub.Listen(addrA)
	if err != nil {
		t.Fatalf("listen a: %v", err)
	}
	b, err := hub.Listen(addrB)
	if err != nil {
		t.Fatalf("listen b: %v", err)
	}
	return a, b
}

func victory() *protocol.GamePacket {
	id := protocol.PlayerID{255, 0, 0}
	return protocol.NewGamePacket(id, protocol.GameVictory{Player: id})
}

func TestAcknowledgeIsIdempotent(t *testing.T) {
	a, _ := newPair(t)
	ch := NewChannel(a, addrB, NewSequenceAllocator(), 0)
	now := time.Unix(100, 0)

	seq := ch.Send(victory(), true, now)
	ch.Send(victory(), true, now)
	if ch.Len() != 2 {
		t.Fatalf("expected 2 pending, got %d", ch.Len())
	}

	if !ch.Acknowledge(seq) {
		t.Fatal("expected first ack to remove an entry")
	}
	if ch.Acknowledge(seq) {
		t.Fatal("expected second ack to be a no-op")
	}
	if ch.Len() != 1 {
		t.Fatalf("expected 1 pending, got %d", ch.Len())
	}
}

func TestResendKeepsSingleEntry(t *testing.T) {
	a, b := newPair(t)
	seq := NewSequenceAllocator()
	ch := NewChannel(a, addrB, seq, 250*time.Millisecond)
	now := time.Unix(100, 0)

	first := ch.Send(victory(), true, now)

	if n := ch.Resend(now.Add(100 * time.Millisecond)); n != 0 {
		t.Fatalf("expected no resend before the interval, got %d", n)
	}

	var last uint32
	for i := 1; i <= 4; i++ {
		now = now.Add(250 * time.Millisecond)
		if n := ch.Resend(now); n != 1 {
			t.Fatalf("resend %d: expected 1 packet, got %d", i, n)
		}
		pending := ch.Pending()
		if len(pending) != 1 {
			t.Fatalf("resend %d: expected a single entry, got %d", i, len(pending))
		}
		p := pending[0]
		if p.ID != first {
			t.Fatalf("expected id %d to survive resend, got %d", first, p.ID)
		}
		if p.Sequence <= last || p.Sequence == first {
			t.Fatalf("expected a fresh sequence, got %d (previous %d)", p.Sequence, last)
		}
		if !p.SentAt.Equal(now) {
			t.Fatalf("expected SentAt %v, got %v", now, p.SentAt)
		}
		last = p.Sequence
	}

	if ch.Acknowledge(first) {
		t.Fatal("expected ack of the original sequence to be stale")
	}
	if !ch.Acknowledge(last) {
		t.Fatal("expected ack of the current sequence to remove the entry")
	}
	if ch.Len() != 0 {
		t.Fatalf("expected empty table, got %d", ch.Len())
	}

	// 1 original + 4 resends reached the peer with matching wire sequences.
	if b.Pending() != 5 {
		t.Fatalf("expected 5 datagrams at peer, got %d", b.Pending())
	}
	var wire []uint32
	for {
		d, ok := b.TryReceive()
		if !ok {
			break
		}
		pkt, err := protocol.DecodeGame(d.Data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		wire = append(wire, pkt.Seq())
	}
	if wire[len(wire)-1] != last {
		t.Fatalf("expected last wire sequence %d, got %d", last, wire[len(wire)-1])
	}
}

func TestUnreliableSendIsNotTracked(t *testing.T) {
	a, b := newPair(t)
	ch := NewChannel(a, addrB, NewSequenceAllocator(), 0)

	ch.Send(protocol.NewGamePacket(protocol.PlayerID{}, protocol.GameUpdate{X: 1}), false, time.Unix(1, 0))
	if ch.Len() != 0 {
		t.Fatalf("expected nothing pending, got %d", ch.Len())
	}
	if b.Pending() != 1 {
		t.Fatalf("expected datagram delivered, got %d", b.Pending())
	}
}

func TestChannelsShareAllocator(t *testing.T) {
	a, _ := newPair(t)
	seq := NewSequenceAllocator()
	one := NewChannel(a, addrB, seq, 0)
	two := NewChannel(a, netip.MustParseAddrPort("10.0.0.3:5000"), seq, 0)
	now := time.Unix(1, 0)

	s1 := one.Send(victory(), false, now)
	s2 := two.Send(protocol.NewLobbyPacket(protocol.LobbyCreateGame{}), false, now)
	s3 := one.Send(victory(), false, now)
	if !(s1 < s2 && s2 < s3) {
		t.Fatalf("expected one increasing counter, got %d %d %d", s1, s2, s3)
	}
}

func TestForgetDropsKind(t *testing.T) {
	a, _ := newPair(t)
	ch := NewChannel(a, addrB, NewSequenceAllocator(), 0)
	now := time.Unix(1, 0)

	ch.Send(victory(), true, now)
	ack := ch.Send(protocol.NewGamePacket(protocol.PlayerID{}, protocol.GameReset{}), true, now)

	if n := ch.Forget(protocol.KindGameVictory); n != 1 {
		t.Fatalf("expected 1 victory dropped, got %d", n)
	}
	if !ch.Acknowledge(ack) {
		t.Fatal("expected reset to remain pending")
	}
}

func encodeAt(t *testing.T, seq uint32) []byte {
	t.Helper()
	pkt := protocol.NewGamePacket(protocol.PlayerID{}, protocol.GameUpdate{X: float32(seq)})
	pkt.Stamp(seq, 0)
	data, err := pkt.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestBatcherDedupsAndOrders(t *testing.T) {
	_, b := newPair(t)
	for _, seq := range []uint32{5, 3, 5, 4} {
		b.Inject(addrA, encodeAt(t, seq))
	}

	batcher := NewBatcher(b, protocol.DecodeGame, zerolog.Nop())
	batch := batcher.Drain()

	if len(batch) != 3 {
		t.Fatalf("expected 3 packets, got %d", len(batch))
	}
	for i, want := range []uint32{3, 4, 5} {
		if got := batch[i].Packet.Seq(); got != want {
			t.Fatalf("position %d: expected seq %d, got %d", i, want, got)
		}
	}
	if batcher.Duplicates() != 1 {
		t.Fatalf("expected 1 duplicate, got %d", batcher.Duplicates())
	}
	if len(batcher.Drain()) != 0 {
		t.Fatal("expected transport drained")
	}
}

func TestBatcherKeepsEqualSequencesFromDifferentSenders(t *testing.T) {
	_, b := newPair(t)
	other := netip.MustParseAddrPort("10.0.0.9:4000")
	b.Inject(other, encodeAt(t, 7))
	b.Inject(addrA, encodeAt(t, 7))

	batch := NewBatcher(b, protocol.DecodeGame, zerolog.Nop()).Drain()
	if len(batch) != 2 {
		t.Fatalf("expected both senders kept, got %d", len(batch))
	}
	if batch[0].From != addrA {
		t.Fatalf("expected ties ordered by sender, got %s first", batch[0].From)
	}
}

func TestBatcherDropsMalformed(t *testing.T) {
	_, b := newPair(t)
	b.Inject(addrA, []byte{0xFF, 0x00})
	b.Inject(addrA, encodeAt(t, 1)[:10])
	b.Inject(addrA, encodeAt(t, 2))

	batcher := NewBatcher(b, protocol.DecodeGame, zerolog.Nop())
	batch := batcher.Drain()
	if len(batch) != 1 || batch[0].Packet.Seq() != 2 {
		t.Fatalf("expected only seq 2, got %+v", batch)
	}
	if batcher.Malformed() != 2 {
		t.Fatalf("expected 2 malformed, got %d", batcher.Malformed())
	}
}

func TestMemoryHubDrop(t *testing.T) {
	a, b := newPair(t)
	a.hub.SetDrop(func(from, to netip.AddrPort, data []byte) bool { return true })

	if err := a.Send(addrB, []byte{1}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, ok := b.TryReceive(); ok {
		t.Fatal("expected datagram to be lost")
	}
}

func TestMemoryListenAddressInUse(t *testing.T) {
	hub := NewMemoryHub()
	first, err := hub.Listen(addrA)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if _, err := hub.Listen(addrA); err == nil {
		t.Fatal("expected address in use")
	}
	first.Close()
	if _, err := hub.Listen(addrA); err != nil {
		t.Fatalf("expected address free after close: %v", err)
	}
}
