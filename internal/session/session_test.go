package session

import (
	"errors"
	"math"
	"math/rand/v2"
	"net/netip"
	"testing"
	"time"

	"github.com/energizer-project/flagrun/internal/clock"
	"github.com/energizer-project/flagrun/internal/entity"
	"github.com/energizer-project/flagrun/internal/network"
	"github.com/energizer-project/flagrun/internal/protocol"
	"github.com/energizer-project/flagrun/internal/server"
)

const step = 10 * time.Millisecond

var (
	lobbyAddr = netip.MustParseAddrPort("127.0.0.1:5000")
	gameAddr  = netip.MustParseAddrPort("127.0.0.1:5001")
)

// world runs a real lobby and any number of clients on one in-memory hub.
type world struct {
	t       *testing.T
	hub     *network.MemoryHub
	clock   *clock.Manual
	mgr     *server.Manager
	clients []*Session
}

func newWorld(t *testing.T, settings server.Settings) *world {
	t.Helper()
	hub := network.NewMemoryHub()
	tr, err := hub.Listen(lobbyAddr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	clk := clock.NewManual(time.Unix(5000, 0))
	mgr := server.NewManager(settings, server.ManagerConfig{
		Transport: tr,
		Bind: func(port uint16) (network.Transport, error) {
			return hub.Listen(netip.AddrPortFrom(lobbyAddr.Addr(), port))
		},
		Rand: rand.New(rand.NewPCG(7, 8)),
	}, clk.Now())
	return &world{t: t, hub: hub, clock: clk, mgr: mgr}
}

func (w *world) client(addr string, cfg Config) *Session {
	w.t.Helper()
	tr, err := w.hub.Listen(netip.MustParseAddrPort(addr))
	if err != nil {
		w.t.Fatalf("listen %s: %v", addr, err)
	}
	s := New(cfg, tr, w.clock.Now())
	w.clients = append(w.clients, s)
	return s
}

// run advances n frames: the lobby ticks, then every client.
func (w *world) run(n int) {
	for range n {
		now := w.clock.Advance(step)
		w.mgr.Tick(now)
		for _, c := range w.clients {
			c.Tick(now, entity.Keys{})
		}
	}
}

func (w *world) until(t *testing.T, what string, limit int, cond func() bool) {
	t.Helper()
	for range limit {
		if cond() {
			return
		}
		w.run(1)
	}
	if !cond() {
		t.Fatalf("timed out waiting for %s", what)
	}
}

func fastSettings() server.Settings {
	settings := server.DefaultSettings()
	settings.LobbyUpdateInterval = 100 * time.Millisecond
	return settings
}

func TestConnectsToLobby(t *testing.T) {
	w := newWorld(t, fastSettings())
	c := w.client("10.0.0.1:7000", DefaultConfig())

	if err := c.CreateGame(w.clock.Now()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if _, err := c.Games(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	w.run(1)
	if c.State() != StateAwaitingAck {
		t.Fatalf("expected awaiting ack, got %s", c.State())
	}
	w.run(1)
	if c.State() != StateLobbyConnected {
		t.Fatalf("expected lobby connected, got %s", c.State())
	}
	if !w.mgr.InLobby(c.LocalAddr()) {
		t.Fatal("expected lobby to list the client")
	}
}

func TestProbeIsRepeatedUntilAnswered(t *testing.T) {
	w := newWorld(t, fastSettings())
	dropped := 0
	w.hub.SetDrop(func(from, to netip.AddrPort, data []byte) bool {
		if to == lobbyAddr && dropped < 2 {
			dropped++
			return true
		}
		return false
	})
	c := w.client("10.0.0.1:7000", DefaultConfig())

	w.until(t, "lobby connection", 100, func() bool { return c.State() == StateLobbyConnected })
	if dropped != 2 {
		t.Fatalf("expected 2 probes lost, got %d", dropped)
	}
}

func TestCreateJoinAndSeeEachOther(t *testing.T) {
	w := newWorld(t, fastSettings())
	a := w.client("10.0.0.1:7000", DefaultConfig())
	b := w.client("10.0.0.2:7000", DefaultConfig())
	w.run(2)

	if err := a.CreateGame(w.clock.Now()); err != nil {
		t.Fatalf("create: %v", err)
	}
	w.until(t, "a playing", 100, a.Playing)
	if a.Target() != gameAddr {
		t.Fatalf("expected target %s, got %s", gameAddr, a.Target())
	}
	if a.Player() != server.SlotColor(0) {
		t.Fatalf("expected first colour, got %s", a.Player())
	}

	var games []LobbyEntry
	w.until(t, "lobby listing", 100, func() bool {
		games, _ = b.Games()
		return len(games) == 1
	})
	if games[0].Owner != "10.0.0.1:7000" || games[0].Players != 1 {
		t.Fatalf("unexpected listing %+v", games[0])
	}

	if err := b.JoinGame(games[0].GameID, w.clock.Now()); err != nil {
		t.Fatalf("join: %v", err)
	}
	w.until(t, "b playing", 100, b.Playing)
	if b.Player() != server.SlotColor(1) {
		t.Fatalf("expected second colour, got %s", b.Player())
	}

	w.until(t, "remotes", 100, func() bool { return a.RemoteCount() == 1 && b.RemoteCount() == 1 })
	if _, ok := a.Remote(b.Player()); !ok {
		t.Fatal("expected a to track b")
	}
	if snap := b.Snapshot(); len(snap.Remotes) != 1 || snap.Remotes[0].Color != a.Player().String() {
		t.Fatalf("unexpected snapshot remotes %+v", snap.Remotes)
	}
}

func TestJoinUnknownGameStaysInLobby(t *testing.T) {
	w := newWorld(t, fastSettings())
	c := w.client("10.0.0.1:7000", DefaultConfig())
	w.run(2)

	if err := c.JoinGame(99, w.clock.Now()); err != nil {
		t.Fatalf("join: %v", err)
	}
	w.run(2)

	if c.State() != StateLobbyConnected || c.Target() != lobbyAddr {
		t.Fatalf("expected to stay in lobby, got %s on %s", c.State(), c.Target())
	}

	var found bool
	for len(c.Notices()) > 0 {
		if n := <-c.Notices(); errors.Is(n.Err, ErrGameNotFound) {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a game not found notice")
	}
}

func TestCaptureEndsGameAndReturnsToLobby(t *testing.T) {
	settings := fastSettings()
	settings.CapturesToWin = 1
	w := newWorld(t, settings)

	cfg := DefaultConfig()
	cfg.PickupRadius = math.Inf(1)
	c := w.client("10.0.0.1:7000", cfg)
	w.run(2)

	if err := c.CreateGame(w.clock.Now()); err != nil {
		t.Fatalf("create: %v", err)
	}
	w.until(t, "in game", 10, func() bool { return c.State() == StateInGame })
	w.until(t, "back in lobby", 200, func() bool { return c.State() == StateLobbyConnected })

	if c.Target() != lobbyAddr || c.RemoteCount() != 0 || c.Playing() {
		t.Fatalf("expected clean lobby state, got target %s", c.Target())
	}
	w.until(t, "game removed", 100, func() bool { return len(w.mgr.Snapshot().Games) == 0 })
	if !w.mgr.InLobby(c.LocalAddr()) {
		t.Fatal("expected lobby to reclaim the client")
	}
}

// scripted plays lobby and instance by hand.
type scripted struct {
	t     *testing.T
	clock *clock.Manual
	lobby *network.MemoryTransport
	game  *network.MemoryTransport
	seq   *network.SequenceAllocator
	s     *Session
}

func newScripted(t *testing.T) *scripted {
	t.Helper()
	hub := network.NewMemoryHub()
	lobby, _ := hub.Listen(lobbyAddr)
	game, _ := hub.Listen(gameAddr)
	tr, err := hub.Listen(netip.MustParseAddrPort("10.0.0.1:7000"))
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	clk := clock.NewManual(time.Unix(5000, 0))
	return &scripted{
		t:     t,
		clock: clk,
		lobby: lobby,
		game:  game,
		seq:   network.NewSequenceAllocator(),
		s:     New(DefaultConfig(), tr, clk.Now()),
	}
}

func (sc *scripted) tick(d time.Duration) {
	sc.s.Tick(sc.clock.Advance(d), entity.Keys{})
}

func (sc *scripted) lobbyReply(kind protocol.Kind, port uint16) {
	sc.t.Helper()
	for {
		d, ok := sc.lobby.TryReceive()
		if !ok {
			sc.t.Fatal("no lobby request to answer")
		}
		pkt, err := protocol.DecodeLobby(d.Data)
		if err != nil {
			sc.t.Fatalf("decode: %v", err)
		}
		if pkt.Kind() != kind {
			continue
		}
		ch := network.NewChannel(sc.lobby, d.From, sc.seq, time.Hour)
		ch.Send(protocol.NewLobbyPacket(protocol.LobbyAck{AckedKind: kind, Port: port, AckedSeq: pkt.Seq()}), false, sc.clock.Now())
		return
	}
}

func (sc *scripted) sendGame(player protocol.PlayerID, payload protocol.GamePayload) uint32 {
	ch := network.NewChannel(sc.game, sc.s.LocalAddr(), sc.seq, time.Hour)
	return ch.Send(protocol.NewGamePacket(player, payload), false, sc.clock.Now())
}

func (sc *scripted) gameAcks(kind protocol.Kind) []uint32 {
	var seqs []uint32
	for {
		d, ok := sc.game.TryReceive()
		if !ok {
			return seqs
		}
		pkt, err := protocol.DecodeGame(d.Data)
		if err != nil {
			sc.t.Fatalf("decode: %v", err)
		}
		if ack, ok := pkt.Payload.(protocol.GameAck); ok && ack.AckedKind == kind {
			seqs = append(seqs, ack.AckedSeq)
		}
	}
}

// enter drives the session into the scripted game with one Reset.
func (sc *scripted) enter() protocol.PlayerID {
	sc.t.Helper()
	sc.tick(step)
	sc.lobbyReply(protocol.KindLobbyAck, lobbyAddr.Port())
	sc.tick(step)
	if err := sc.s.CreateGame(sc.clock.Now()); err != nil {
		sc.t.Fatalf("create: %v", err)
	}
	sc.lobbyReply(protocol.KindLobbyCreateGame, gameAddr.Port())
	sc.tick(step)

	me := server.SlotColor(2)
	sc.sendGame(me, protocol.GameReset{FlagX: 400, FlagY: 400, X: 100, Y: 100, Player: me})
	sc.tick(step)
	if !sc.s.Playing() || sc.s.Player() != me {
		sc.t.Fatalf("expected to play as %s, state %s", me, sc.s.State())
	}
	return me
}

func TestGameOverIsReackedAfterLeaving(t *testing.T) {
	sc := newScripted(t)
	sc.enter()
	sc.gameAcks(protocol.KindGameReset)

	first := sc.sendGame(protocol.PlayerID{}, protocol.GameOver{})
	sc.tick(step)
	if sc.s.State() != StateLobbyConnected {
		t.Fatalf("expected lobby connected, got %s", sc.s.State())
	}

	// The instance missed the ack and resends under a new sequence.
	second := sc.sendGame(protocol.PlayerID{}, protocol.GameOver{})
	sc.tick(step)

	acks := sc.gameAcks(protocol.KindGameOver)
	if len(acks) != 2 || acks[0] != first || acks[1] != second {
		t.Fatalf("expected acks for %d and %d, got %v", first, second, acks)
	}
	if sc.s.State() != StateLobbyConnected {
		t.Fatalf("expected to stay in lobby, got %s", sc.s.State())
	}
}

func TestRemoteDeadReckoning(t *testing.T) {
	sc := newScripted(t)
	me := sc.enter()
	other := server.SlotColor(3)

	sc.sendGame(other, protocol.GameUpdate{X: 100, Y: 200, VX: 10, VY: 0})
	sc.sendGame(me, protocol.GameUpdate{X: 1, Y: 1})
	sc.tick(step)

	if sc.s.RemoteCount() != 1 {
		t.Fatalf("expected only the other player tracked, got %d", sc.s.RemoteCount())
	}

	sc.tick(time.Second)
	r, _ := sc.s.Remote(other)
	if math.Abs(r.Position.X-110) > 1e-6 || r.Position.Y != 200 {
		t.Fatalf("expected extrapolated (110,200), got %+v", r.Position)
	}

	// A fresh sample restarts extrapolation from its own base.
	sc.sendGame(other, protocol.GameUpdate{X: 50, Y: 50, VX: 0, VY: -5})
	sc.tick(step)
	r, _ = sc.s.Remote(other)
	if r.Position != (entity.Vec2{X: 50, Y: 50}) {
		t.Fatalf("expected rebased at (50,50), got %+v", r.Position)
	}

	for range 6 {
		sc.tick(time.Second)
	}
	if sc.s.RemoteCount() != 0 {
		t.Fatal("expected silent remote expired")
	}
}

func TestVictoryClaimedOncePerRound(t *testing.T) {
	sc := newScripted(t)
	me := sc.enter()
	sc.gameAcks(protocol.KindGameReset)

	// Respawn on top of the flag.
	sc.sendGame(me, protocol.GameReset{FlagX: 50, FlagY: 50, X: 50, Y: 50, Player: me})
	sc.tick(step)
	sc.tick(step)

	victories := 0
	for {
		d, ok := sc.game.TryReceive()
		if !ok {
			break
		}
		if protocol.Kind(d.Data[0]) == protocol.KindGameVictory {
			victories++
		}
	}
	if victories != 1 {
		t.Fatalf("expected one Victory, got %d", victories)
	}
	if !sc.s.Snapshot().Claimed {
		t.Fatal("expected claim recorded")
	}
}

func TestChangePortDisconnects(t *testing.T) {
	sc := newScripted(t)
	sc.tick(step)
	sc.lobbyReply(protocol.KindLobbyAck, lobbyAddr.Port())
	sc.tick(step)

	if err := sc.s.ChangePort(6000); err != nil {
		t.Fatalf("change port: %v", err)
	}
	if sc.s.State() != StateDisconnected || sc.s.Lobby().Port() != 6000 {
		t.Fatalf("expected disconnected from :6000, got %s on %s", sc.s.State(), sc.s.Lobby())
	}
	if err := sc.s.ChangeIP("not-an-ip"); err == nil {
		t.Fatal("expected invalid IP error")
	}
	if err := sc.s.ChangeIP("127.0.0.2"); err != nil || sc.s.Lobby().String() != "127.0.0.2:6000" {
		t.Fatalf("unexpected lobby %s (%v)", sc.s.Lobby(), err)
	}
}
