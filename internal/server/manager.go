package server

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/netip"
	"slices"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/flagrun/internal/clock"
	"github.com/energizer-project/flagrun/internal/events"
	"github.com/energizer-project/flagrun/internal/network"
	"github.com/energizer-project/flagrun/internal/protocol"
)

// ErrNoFreePort is returned when every instance port is in use.
var ErrNoFreePort = errors.New("no free game port")

// Binder opens the socket for a new instance on port.
type Binder func(port uint16) (network.Transport, error)

// ManagerConfig holds the collaborators of a Manager.
type ManagerConfig struct {
	// Transport is the lobby's well-known socket.
	Transport network.Transport
	// Bind opens instance sockets.
	Bind Binder
	// EventBus receives lifecycle events. Optional.
	EventBus *events.EventBus
	// Rand seeds instance randomness. Optional.
	Rand *rand.Rand
}

// Manager is the lobby. It tracks endpoints waiting in the lobby, owns
// every live game instance and hands out instance ports. It is driven by
// Tick from a single goroutine; other goroutines read Snapshot.
type Manager struct {
	settings Settings
	logger   zerolog.Logger

	transport network.Transport
	batcher   *network.Batcher[*protocol.LobbyPacket]
	seq       *network.SequenceAllocator
	channels  map[netip.AddrPort]*network.Channel
	bind      Binder
	eventBus  *events.EventBus
	rng       *rand.Rand

	// Endpoints in the lobby, with the time they entered.
	lobby map[netip.AddrPort]time.Time
	// Live instances by game ID, and the endpoint -> game seat map used
	// to answer repeated create/join requests idempotently.
	games map[uint32]*Instance
	seats map[netip.AddrPort]uint32
	ports map[uint16]uint32

	nextID          uint32
	gamesCreated    uint64
	lastLobbyUpdate time.Time
	startedAt       time.Time

	snapshot atomic.Pointer[LobbySnapshot]
}

// NewManager creates the lobby on mcfg.Transport.
func NewManager(settings Settings, mcfg ManagerConfig, now time.Time) *Manager {
	logger := log.With().
		Str("component", "lobby").
		Uint16("port", settings.LobbyPort).
		Logger()

	rng := mcfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(uint64(now.UnixNano()), 0x666c6167))
	}

	m := &Manager{
		settings:        settings,
		logger:          logger,
		transport:       mcfg.Transport,
		batcher:         network.NewBatcher(mcfg.Transport, protocol.DecodeLobby, logger),
		seq:             network.NewSequenceAllocator(),
		channels:        make(map[netip.AddrPort]*network.Channel),
		bind:            mcfg.Bind,
		eventBus:        mcfg.EventBus,
		rng:             rng,
		lobby:           make(map[netip.AddrPort]time.Time),
		games:           make(map[uint32]*Instance),
		seats:           make(map[netip.AddrPort]uint32),
		ports:           make(map[uint16]uint32),
		lastLobbyUpdate: now,
		startedAt:       now,
	}
	m.publish(now)
	return m
}

// Run ticks the lobby every interval until ctx is cancelled, then closes
// every socket it owns.
func (m *Manager) Run(ctx context.Context, clk clock.Clock, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info().
		Dur("tick", interval).
		Int("max_games", m.settings.MaxGames).
		Msg("lobby running")

	for {
		select {
		case <-ctx.Done():
			m.Shutdown()
			return nil
		case <-ticker.C:
			m.Tick(clk.Now())
		}
	}
}

// Tick runs one cooperative step for the lobby and, in game ID order,
// every instance it owns.
func (m *Manager) Tick(now time.Time) {
	for _, in := range m.batcher.Drain() {
		m.handle(in.From, in.Packet, now)
	}

	for _, id := range m.gameIDs() {
		inst := m.games[id]
		inst.Tick(now)
		m.processNotices(inst)
		if inst.State() == StateDrained {
			m.removeGame(inst, now)
		}
	}

	if now.Sub(m.lastLobbyUpdate) >= m.settings.LobbyUpdateInterval {
		m.broadcastLobby(now)
		m.lastLobbyUpdate = now
	}

	for ep, ch := range m.channels {
		ch.Resend(now)
		if _, waiting := m.lobby[ep]; !waiting && ch.Len() == 0 {
			delete(m.channels, ep)
		}
	}

	m.publish(now)
}

func (m *Manager) handle(from netip.AddrPort, pkt *protocol.LobbyPacket, now time.Time) {
	switch payload := pkt.Payload.(type) {
	case protocol.LobbyAck:
		m.channel(from).Acknowledge(payload.AckedSeq)
		if payload.AckedKind == protocol.KindLobbyAck {
			m.enterLobby(from, now)
			m.reply(from, protocol.KindLobbyAck, m.settings.LobbyPort, pkt.Seq(), now)
		}

	case protocol.LobbyCreateGame:
		port := m.CreateGame(from, now)
		m.reply(from, protocol.KindLobbyCreateGame, port, pkt.Seq(), now)

	case protocol.LobbyJoinGame:
		port := m.JoinGame(from, payload.GameID, now)
		m.reply(from, protocol.KindLobbyJoinGame, port, pkt.Seq(), now)
	}
}

// CreateGame starts a new instance with requester as its first player and
// returns the instance port. When no port is free it returns the lobby
// port. A requester already seated in a live instance gets that
// instance's port again.
func (m *Manager) CreateGame(requester netip.AddrPort, now time.Time) uint16 {
	if inst := m.seatedIn(requester); inst != nil {
		return inst.Port()
	}

	port, transport, err := m.allocatePort()
	if err != nil {
		m.logger.Warn().Err(err).Str("requester", requester.String()).Msg("cannot create game")
		return m.settings.LobbyPort
	}

	m.nextID++
	m.gamesCreated++
	inst := NewInstance(m.settings, InstanceConfig{
		ID:        m.nextID,
		Port:      port,
		Owner:     EndpointName(requester),
		Transport: transport,
		Rand:      rand.New(rand.NewPCG(m.rng.Uint64(), m.rng.Uint64())),
	}, now)
	m.games[inst.ID()] = inst
	m.ports[port] = inst.ID()

	m.emit(events.EventGameCreated, events.GameCreatedPayload{
		GameID:    inst.ID(),
		Port:      port,
		Owner:     inst.Owner(),
		CreatedAt: now,
	})

	if err := m.seat(requester, inst, now); err != nil {
		m.logger.Error().Err(err).Msg("creator could not be seated")
		return m.settings.LobbyPort
	}
	return port
}

// JoinGame seats requester in gameID and returns its port, or the lobby
// port when the game is unknown, full or no longer active. A requester
// already seated in a live instance gets that instance's port, whichever
// game it asked for; an endpoint holds at most one seat.
func (m *Manager) JoinGame(requester netip.AddrPort, gameID uint32, now time.Time) uint16 {
	if inst := m.seatedIn(requester); inst != nil {
		if inst.ID() != gameID {
			m.logger.Debug().
				Uint32("game_id", gameID).
				Uint32("seated_in", inst.ID()).
				Str("requester", requester.String()).
				Msg("join while seated elsewhere, keeping current seat")
		}
		return inst.Port()
	}

	inst, ok := m.games[gameID]
	if !ok || inst.State() != StateActive {
		m.logger.Debug().
			Uint32("game_id", gameID).
			Str("requester", requester.String()).
			Msg("join for unknown game, sending back to lobby")
		return m.settings.LobbyPort
	}

	if err := m.seat(requester, inst, now); err != nil {
		m.logger.Debug().Err(err).Uint32("game_id", gameID).Msg("join refused")
		return m.settings.LobbyPort
	}
	return inst.Port()
}

func (m *Manager) seat(requester netip.AddrPort, inst *Instance, now time.Time) error {
	if _, err := inst.AddPlayer(requester, now); err != nil {
		return err
	}
	m.seats[requester] = inst.ID()
	delete(m.lobby, requester)
	return nil
}

// seatedIn returns the active instance requester is playing in, if any.
func (m *Manager) seatedIn(requester netip.AddrPort) *Instance {
	id, ok := m.seats[requester]
	if !ok {
		return nil
	}
	inst, ok := m.games[id]
	if !ok || inst.State() != StateActive || !inst.HasPlayer(requester) {
		delete(m.seats, requester)
		return nil
	}
	return inst
}

func (m *Manager) allocatePort() (uint16, network.Transport, error) {
	first := m.settings.LobbyPort + 1
	for i := range m.settings.MaxGames {
		port := first + uint16(i)
		if _, used := m.ports[port]; used {
			continue
		}
		transport, err := m.bind(port)
		if err != nil {
			m.logger.Warn().Err(err).Uint16("port", port).Msg("failed to bind game port")
			continue
		}
		return port, transport, nil
	}
	return 0, nil, ErrNoFreePort
}

func (m *Manager) processNotices(inst *Instance) {
	for _, n := range inst.TakeNotices() {
		switch n.Kind {
		case NoticePlayerJoined:
			m.emit(events.EventPlayerJoined, events.PlayerPayload{
				GameID:   n.GameID,
				Port:     inst.Port(),
				Endpoint: n.Endpoint.String(),
				Color:    n.Player.String(),
				At:       n.At,
			})

		case NoticePlayerLeft:
			if m.seats[n.Endpoint] == inst.ID() {
				delete(m.seats, n.Endpoint)
			}
			m.emit(events.EventPlayerLeft, events.PlayerPayload{
				GameID:   n.GameID,
				Port:     inst.Port(),
				Endpoint: n.Endpoint.String(),
				Color:    n.Player.String(),
				Reason:   n.Reason,
				At:       n.At,
			})

		case NoticeFlagCaptured:
			m.emit(events.EventFlagCaptured, events.FlagCapturedPayload{
				GameID:         n.GameID,
				Endpoint:       n.Endpoint.String(),
				Color:          n.Player.String(),
				Captures:       inst.Captures(),
				PlayerCaptures: n.Captures,
				At:             n.At,
			})

		case NoticeStateChanged:
			if n.State == StateEnding {
				m.reclaim(inst, n)
			}
		}
	}
}

// reclaim moves the players of an ending instance back into the lobby.
// They stay seated in the instance until they ack its GameOver.
func (m *Manager) reclaim(inst *Instance, n Notice) {
	info := inst.Info()
	winner, best := "", 0
	for _, p := range info.Players {
		ep, err := netip.ParseAddrPort(p.Endpoint)
		if err != nil {
			continue
		}
		delete(m.seats, ep)
		m.enterLobby(ep, n.At)
		if p.Captures > best {
			winner, best = p.Endpoint, p.Captures
		}
	}

	m.logger.Info().
		Uint32("game_id", inst.ID()).
		Str("reason", n.Reason).
		Int("players", len(info.Players)).
		Msg("game ending, players returned to lobby")

	m.emit(events.EventGameEnding, events.GameEndingPayload{
		GameID:   inst.ID(),
		Port:     inst.Port(),
		Reason:   n.Reason,
		Captures: inst.Captures(),
		Winner:   winner,
		Players:  len(info.Players),
		At:       n.At,
	})
}

func (m *Manager) removeGame(inst *Instance, now time.Time) {
	delete(m.games, inst.ID())
	delete(m.ports, inst.Port())
	for ep, id := range m.seats {
		if id == inst.ID() {
			delete(m.seats, ep)
		}
	}
	if err := inst.Close(); err != nil {
		m.logger.Warn().Err(err).Uint32("game_id", inst.ID()).Msg("failed to close game socket")
	}

	m.logger.Info().
		Uint32("game_id", inst.ID()).
		Uint16("port", inst.Port()).
		Msg("game removed, port released")

	m.emit(events.EventGameRemoved, events.GameRemovedPayload{
		GameID:   inst.ID(),
		Port:     inst.Port(),
		Captures: inst.Captures(),
		Duration: now.Sub(inst.CreatedAt()),
		At:       now,
	})
}

func (m *Manager) enterLobby(ep netip.AddrPort, now time.Time) {
	if _, ok := m.lobby[ep]; ok {
		return
	}
	m.lobby[ep] = now
	m.logger.Debug().Str("endpoint", ep.String()).Int("waiting", len(m.lobby)).Msg("endpoint entered lobby")
	m.emit(events.EventLobbyJoined, events.LobbyJoinedPayload{Endpoint: ep.String(), At: now})
}

// broadcastLobby sends one unreliable Update per active game to every
// endpoint waiting in the lobby.
func (m *Manager) broadcastLobby(now time.Time) {
	var listed []*Instance
	for _, id := range m.gameIDs() {
		if inst := m.games[id]; inst.State() == StateActive {
			listed = append(listed, inst)
		}
	}
	if len(listed) == 0 {
		return
	}

	for _, ep := range m.lobbyEndpoints() {
		ch := m.channel(ep)
		for _, inst := range listed {
			ch.Send(protocol.NewLobbyPacket(protocol.LobbyUpdate{
				GameID:  inst.ID(),
				Players: uint8(min(inst.PlayerCount(), 255)),
				Owner:   inst.Owner(),
			}), false, now)
		}
	}
}

func (m *Manager) reply(to netip.AddrPort, kind protocol.Kind, port uint16, seq uint32, now time.Time) {
	m.channel(to).Send(protocol.NewLobbyPacket(protocol.LobbyAck{
		AckedKind: kind,
		Port:      port,
		AckedSeq:  seq,
	}), false, now)
}

func (m *Manager) channel(ep netip.AddrPort) *network.Channel {
	ch, ok := m.channels[ep]
	if !ok {
		ch = network.NewChannel(m.transport, ep, m.seq, m.settings.ResendInterval)
		m.channels[ep] = ch
	}
	return ch
}

func (m *Manager) emit(t events.EventType, payload interface{}) {
	if m.eventBus == nil {
		return
	}
	m.eventBus.Emit(context.Background(), events.Event{
		Type:    t,
		Source:  "lobby",
		Payload: payload,
	})
}

func (m *Manager) gameIDs() []uint32 {
	ids := make([]uint32, 0, len(m.games))
	for id := range m.games {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (m *Manager) lobbyEndpoints() []netip.AddrPort {
	eps := make([]netip.AddrPort, 0, len(m.lobby))
	for ep := range m.lobby {
		eps = append(eps, ep)
	}
	slices.SortFunc(eps, netip.AddrPort.Compare)
	return eps
}

// Shutdown closes every instance socket and the lobby socket.
func (m *Manager) Shutdown() {
	for _, id := range m.gameIDs() {
		m.games[id].Close()
	}
	m.transport.Close()
	m.logger.Info().Int("games", len(m.games)).Msg("lobby stopped")
}

// InLobby reports whether ep is waiting in the lobby.
func (m *Manager) InLobby(ep netip.AddrPort) bool {
	_, ok := m.lobby[ep]
	return ok
}

// Game returns the live instance with the given ID.
func (m *Manager) Game(id uint32) (*Instance, bool) {
	inst, ok := m.games[id]
	return inst, ok
}

// LobbySnapshot is an immutable view of the lobby published after every
// tick for readers outside the tick goroutine.
type LobbySnapshot struct {
	At           time.Time      `json:"at"`
	StartedAt    time.Time      `json:"started_at"`
	LobbyPort    uint16         `json:"lobby_port"`
	Waiting      []string       `json:"waiting"`
	Games        []InstanceInfo `json:"games"`
	FreePorts    int            `json:"free_ports"`
	GamesCreated uint64         `json:"games_created"`
	Malformed    uint64         `json:"malformed_packets"`
}

// Game returns the snapshot of one game.
func (s *LobbySnapshot) Game(id uint32) (InstanceInfo, bool) {
	for _, g := range s.Games {
		if g.ID == id {
			return g, true
		}
	}
	return InstanceInfo{}, false
}

// Snapshot returns the state published by the most recent Tick.
func (m *Manager) Snapshot() *LobbySnapshot {
	return m.snapshot.Load()
}

func (m *Manager) publish(now time.Time) {
	snap := &LobbySnapshot{
		At:           now,
		StartedAt:    m.startedAt,
		LobbyPort:    m.settings.LobbyPort,
		Waiting:      make([]string, 0, len(m.lobby)),
		Games:        make([]InstanceInfo, 0, len(m.games)),
		FreePorts:    m.settings.MaxGames - len(m.ports),
		GamesCreated: m.gamesCreated,
		Malformed:    m.batcher.Malformed(),
	}
	for _, ep := range m.lobbyEndpoints() {
		snap.Waiting = append(snap.Waiting, ep.String())
	}
	for _, id := range m.gameIDs() {
		snap.Games = append(snap.Games, m.games[id].Info())
	}
	m.snapshot.Store(snap)
}
