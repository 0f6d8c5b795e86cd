package server

import (
	"context"
	"math/rand/v2"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/energizer-project/flagrun/internal/clock"
	"github.com/energizer-project/flagrun/internal/events"
	"github.com/energizer-project/flagrun/internal/network"
	"github.com/energizer-project/flagrun/internal/protocol"
)

var lobbyAddr = netip.MustParseAddrPort("127.0.0.1:5000")

type lobbyHarness struct {
	hub   *network.MemoryHub
	mgr   *Manager
	clock *clock.Manual
	bus   *events.EventBus

	mu   sync.Mutex
	seen []events.EventType
}

func newLobbyHarness(t *testing.T, settings Settings) *lobbyHarness {
	t.Helper()
	hub := network.NewMemoryHub()
	tr, err := hub.Listen(lobbyAddr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	h := &lobbyHarness{
		hub:   hub,
		clock: clock.NewManual(time.Unix(2000, 0)),
		bus:   events.NewEventBus(),
	}
	h.bus.SubscribeAll(events.AllGameEvents, "test", func(_ context.Context, e events.Event) error {
		h.mu.Lock()
		h.seen = append(h.seen, e.Type)
		h.mu.Unlock()
		return nil
	})
	t.Cleanup(h.bus.Stop)

	h.mgr = NewManager(settings, ManagerConfig{
		Transport: tr,
		Bind: func(port uint16) (network.Transport, error) {
			return hub.Listen(netip.AddrPortFrom(lobbyAddr.Addr(), port))
		},
		EventBus: h.bus,
		Rand:     rand.New(rand.NewPCG(3, 4)),
	}, h.clock.Now())
	return h
}

func (h *lobbyHarness) tick(d time.Duration) time.Time {
	now := h.clock.Advance(d)
	h.mgr.Tick(now)
	return now
}

func (h *lobbyHarness) sawEvent(t events.EventType) bool {
	h.bus.Wait()
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.seen {
		if s == t {
			return true
		}
	}
	return false
}

// lobbyPeer is a scripted client talking raw lobby protocol.
type lobbyPeer struct {
	t  *testing.T
	tr *network.MemoryTransport
	ch *network.Channel
}

func newLobbyPeer(t *testing.T, hub *network.MemoryHub, addr string) *lobbyPeer {
	t.Helper()
	tr, err := hub.Listen(netip.MustParseAddrPort(addr))
	if err != nil {
		t.Fatalf("listen %s: %v", addr, err)
	}
	return &lobbyPeer{
		t:  t,
		tr: tr,
		ch: network.NewChannel(tr, lobbyAddr, network.NewSequenceAllocator(), time.Hour),
	}
}

func (p *lobbyPeer) send(payload protocol.LobbyPayload, now time.Time) uint32 {
	return p.ch.Send(protocol.NewLobbyPacket(payload), false, now)
}

func (p *lobbyPeer) recv() []*protocol.LobbyPacket {
	p.t.Helper()
	var out []*protocol.LobbyPacket
	for {
		d, ok := p.tr.TryReceive()
		if !ok {
			return out
		}
		if !protocol.Kind(d.Data[0]).IsLobby() {
			continue
		}
		pkt, err := protocol.DecodeLobby(d.Data)
		if err != nil {
			p.t.Fatalf("decode: %v", err)
		}
		out = append(out, pkt)
	}
}

// reply returns the Ack answering seq.
func (p *lobbyPeer) reply(seq uint32) protocol.LobbyAck {
	p.t.Helper()
	for _, pkt := range p.recv() {
		if ack, ok := pkt.Payload.(protocol.LobbyAck); ok && ack.AckedSeq == seq {
			return ack
		}
	}
	p.t.Fatalf("no reply to seq %d", seq)
	return protocol.LobbyAck{}
}

func TestProbeEntersLobby(t *testing.T) {
	h := newLobbyHarness(t, DefaultSettings())
	p := newLobbyPeer(t, h.hub, "10.0.0.1:7000")

	seq := p.send(protocol.LobbyAck{AckedKind: protocol.KindLobbyAck}, h.clock.Now())
	h.tick(10 * time.Millisecond)

	ack := p.reply(seq)
	if ack.AckedKind != protocol.KindLobbyAck || ack.Port != 5000 {
		t.Fatalf("unexpected probe reply %+v", ack)
	}
	if !h.mgr.InLobby(p.tr.LocalAddr()) {
		t.Fatal("expected endpoint in lobby")
	}
	if !h.sawEvent(events.EventLobbyJoined) {
		t.Fatal("expected lobby joined event")
	}
}

func TestMatchmakingRoundTrip(t *testing.T) {
	h := newLobbyHarness(t, DefaultSettings())
	owner := newLobbyPeer(t, h.hub, "10.0.0.1:7000")
	guest := newLobbyPeer(t, h.hub, "10.0.0.2:7000")

	seq := owner.send(protocol.LobbyCreateGame{}, h.clock.Now())
	h.tick(10 * time.Millisecond)
	created := owner.reply(seq)
	if created.AckedKind != protocol.KindLobbyCreateGame || created.Port != 5001 {
		t.Fatalf("expected game on 5001, got %+v", created)
	}

	// A resent request is answered with the same port.
	seq = owner.send(protocol.LobbyCreateGame{}, h.clock.Now())
	h.tick(10 * time.Millisecond)
	if again := owner.reply(seq); again.Port != 5001 {
		t.Fatalf("expected idempotent create, got port %d", again.Port)
	}

	snap := h.mgr.Snapshot()
	if len(snap.Games) != 1 || snap.Games[0].Owner != "10.0.0.1:7000" {
		t.Fatalf("unexpected games %+v", snap.Games)
	}
	id := snap.Games[0].ID

	seq = guest.send(protocol.LobbyJoinGame{GameID: id}, h.clock.Now())
	h.tick(10 * time.Millisecond)
	if joined := guest.reply(seq); joined.AckedKind != protocol.KindLobbyJoinGame || joined.Port != 5001 {
		t.Fatalf("expected join to 5001, got %+v", joined)
	}

	seq = guest.send(protocol.LobbyJoinGame{GameID: id + 41}, h.clock.Now())
	h.tick(10 * time.Millisecond)
	if unknown := guest.reply(seq); unknown.Port != 5000 {
		t.Fatalf("expected lobby port for unknown game, got %d", unknown.Port)
	}

	if g, _ := h.mgr.Snapshot().Game(id); len(g.Players) != 2 {
		t.Fatalf("expected 2 players, got %d", len(g.Players))
	}
	if !h.sawEvent(events.EventGameCreated) || !h.sawEvent(events.EventPlayerJoined) {
		t.Fatal("expected created and joined events")
	}
}

func TestPortsExhausted(t *testing.T) {
	settings := DefaultSettings()
	settings.MaxGames = 1
	h := newLobbyHarness(t, settings)
	a := newLobbyPeer(t, h.hub, "10.0.0.1:7000")
	b := newLobbyPeer(t, h.hub, "10.0.0.2:7000")

	a.send(protocol.LobbyCreateGame{}, h.clock.Now())
	h.tick(10 * time.Millisecond)
	a.recv()

	seq := b.send(protocol.LobbyCreateGame{}, h.clock.Now())
	h.tick(10 * time.Millisecond)
	if ack := b.reply(seq); ack.Port != 5000 {
		t.Fatalf("expected lobby port when full, got %d", ack.Port)
	}
	if snap := h.mgr.Snapshot(); snap.FreePorts != 0 || len(snap.Games) != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestJoinWhileSeatedKeepsSingleSeat(t *testing.T) {
	h := newLobbyHarness(t, DefaultSettings())
	a := netip.MustParseAddrPort("10.0.0.1:7000")
	b := netip.MustParseAddrPort("10.0.0.2:7000")
	now := h.clock.Now()

	portA := h.mgr.CreateGame(a, now)
	portB := h.mgr.CreateGame(b, now)
	if portA == portB || portA == 5000 || portB == 5000 {
		t.Fatalf("expected two distinct game ports, got %d and %d", portA, portB)
	}

	game1, _ := h.mgr.Game(1)
	game2, _ := h.mgr.Game(2)
	if got := h.mgr.JoinGame(a, game2.ID(), now); got != portA {
		t.Fatalf("expected current port %d for a seated endpoint, got %d", portA, got)
	}
	if !game1.HasPlayer(a) {
		t.Fatal("expected endpoint to keep its seat in game 1")
	}
	if game2.HasPlayer(a) {
		t.Fatal("expected endpoint not seated in game 2")
	}
}

func TestLobbyUpdateListsActiveGames(t *testing.T) {
	h := newLobbyHarness(t, DefaultSettings())
	owner := newLobbyPeer(t, h.hub, "10.0.0.1:7000")
	watcher := newLobbyPeer(t, h.hub, "10.0.0.2:7000")

	watcher.send(protocol.LobbyAck{AckedKind: protocol.KindLobbyAck}, h.clock.Now())
	owner.send(protocol.LobbyCreateGame{}, h.clock.Now())
	h.tick(10 * time.Millisecond)
	watcher.recv()

	h.tick(DefaultSettings().LobbyUpdateInterval - 10*time.Millisecond)

	var updates []protocol.LobbyUpdate
	for _, pkt := range watcher.recv() {
		if u, ok := pkt.Payload.(protocol.LobbyUpdate); ok {
			updates = append(updates, u)
		}
	}
	if len(updates) != 1 {
		t.Fatalf("expected 1 update, got %d", len(updates))
	}
	if updates[0].Players != 1 || updates[0].Owner != "10.0.0.1:7000" {
		t.Fatalf("unexpected update %+v", updates[0])
	}
}

func TestEndedGameReturnsPlayersAndFreesPort(t *testing.T) {
	h := newLobbyHarness(t, DefaultSettings())
	owner := newLobbyPeer(t, h.hub, "10.0.0.1:7000")

	owner.send(protocol.LobbyCreateGame{}, h.clock.Now())
	h.tick(10 * time.Millisecond)
	owner.recv()

	// The owner's socket also speaks game protocol to the instance.
	game := &testPeer{
		t:   t,
		tr:  owner.tr,
		seq: network.NewSequenceAllocator(),
	}
	game.ch = network.NewChannel(owner.tr, netip.MustParseAddrPort("127.0.0.1:5001"), game.seq, time.Hour)

	inst, ok := h.mgr.Game(1)
	if !ok {
		t.Fatal("expected game 1")
	}

	// Let the instance's Reset resend reach the peer, then go silent so
	// the match ends by timeout.
	h.tick(300 * time.Millisecond)
	game.ackResets(game.recv(), h.clock.Now())
	h.tick(10 * time.Millisecond)
	for range 6 {
		h.tick(time.Second)
	}

	if inst.State() != StateDrained {
		t.Fatalf("expected drained instance, got %s", inst.State())
	}
	if _, ok := h.mgr.Game(1); ok {
		t.Fatal("expected game removed")
	}
	if h.mgr.Snapshot().FreePorts != DefaultSettings().MaxGames {
		t.Fatal("expected port released")
	}
	if !h.sawEvent(events.EventGameRemoved) {
		t.Fatal("expected removal event")
	}

	// The port is reusable.
	seq := owner.send(protocol.LobbyCreateGame{}, h.clock.Now())
	h.tick(10 * time.Millisecond)
	if ack := owner.reply(seq); ack.Port != 5001 {
		t.Fatalf("expected port 5001 reused, got %d", ack.Port)
	}
}

func TestEndingReturnsPlayersToLobby(t *testing.T) {
	settings := DefaultSettings()
	settings.CapturesToWin = 1
	h := newLobbyHarness(t, settings)
	owner := newLobbyPeer(t, h.hub, "10.0.0.1:7000")

	owner.send(protocol.LobbyCreateGame{}, h.clock.Now())
	h.tick(10 * time.Millisecond)
	owner.recv()

	game := &testPeer{t: t, tr: owner.tr, seq: network.NewSequenceAllocator()}
	game.ch = network.NewChannel(owner.tr, netip.MustParseAddrPort("127.0.0.1:5001"), game.seq, time.Hour)

	h.tick(300 * time.Millisecond)
	game.ackResets(game.recv(), h.clock.Now())
	h.tick(10 * time.Millisecond)

	game.send(protocol.GameVictory{Player: game.id}, h.clock.Now())
	h.tick(10 * time.Millisecond)

	inst, _ := h.mgr.Game(1)
	if inst.State() != StateEnding {
		t.Fatalf("expected ending, got %s", inst.State())
	}
	if !h.mgr.InLobby(owner.tr.LocalAddr()) {
		t.Fatal("expected player back in the lobby")
	}
	if !h.sawEvent(events.EventGameEnding) || !h.sawEvent(events.EventFlagCaptured) {
		t.Fatal("expected capture and ending events")
	}

	// Acking the GameOver drains the instance.
	game.send(protocol.GameAck{AckedKind: protocol.KindGameOver}, h.clock.Now())
	h.tick(10 * time.Millisecond)
	if _, ok := h.mgr.Game(1); ok {
		t.Fatal("expected game removed after GameOver ack")
	}
}
