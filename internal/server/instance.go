package server

import (
	"errors"
	"math/rand/v2"
	"net/netip"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/flagrun/internal/entity"
	"github.com/energizer-project/flagrun/internal/network"
	"github.com/energizer-project/flagrun/internal/protocol"
)

var (
	// ErrInstanceFull is returned when every seat is taken.
	ErrInstanceFull = errors.New("game instance is full")
	// ErrInstanceClosed is returned when joining an instance that has
	// stopped play.
	ErrInstanceClosed = errors.New("game instance is not accepting players")
)

// NoticeKind classifies an instance notice.
type NoticeKind int

const (
	NoticePlayerJoined NoticeKind = iota
	NoticePlayerLeft
	NoticeFlagCaptured
	NoticeStateChanged
)

// Notice reports a lifecycle step of an instance to its owner. The lobby
// collects notices after each Tick; nothing else reaches into the instance.
type Notice struct {
	Kind     NoticeKind
	GameID   uint32
	Endpoint netip.AddrPort
	Player   protocol.PlayerID
	Captures int
	Reason   string
	State    InstanceState
	At       time.Time
}

type player struct {
	endpoint netip.AddrPort
	id       protocol.PlayerID
	slot     int
	channel  *network.Channel
	joinedAt time.Time
	captures int
	// armed is set once the player has acked the Reset of the current
	// round; only an armed player's Victory counts.
	armed bool
}

// InstanceConfig holds what the lobby supplies when creating an instance.
type InstanceConfig struct {
	ID        uint32
	Port      uint16
	Owner     string
	Transport network.Transport
	Rand      *rand.Rand
}

// Instance is one match: its players, the flag and the capture count.
// All of its state belongs to the goroutine calling Tick.
type Instance struct {
	id        uint32
	port      uint16
	owner     string
	settings  Settings
	logger    zerolog.Logger
	createdAt time.Time

	transport network.Transport
	batcher   *network.Batcher[*protocol.GamePacket]
	seq       *network.SequenceAllocator
	rng       *rand.Rand

	state         InstanceState
	endReason     string
	flag          entity.Vec2
	captures      int
	players       map[netip.AddrPort]*player
	presence      *entity.Registry[netip.AddrPort]
	lastBroadcast time.Time

	notices []Notice
}

// NewInstance creates an Active instance with the flag at a random spot.
func NewInstance(settings Settings, instCfg InstanceConfig, now time.Time) *Instance {
	logger := log.With().
		Str("component", "instance").
		Uint32("game_id", instCfg.ID).
		Uint16("port", instCfg.Port).
		Logger()

	rng := instCfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(uint64(now.UnixNano()), uint64(instCfg.ID)))
	}

	inst := &Instance{
		id:            instCfg.ID,
		port:          instCfg.Port,
		owner:         instCfg.Owner,
		settings:      settings,
		logger:        logger,
		createdAt:     now,
		transport:     instCfg.Transport,
		batcher:       network.NewBatcher(instCfg.Transport, protocol.DecodeGame, logger),
		seq:           network.NewSequenceAllocator(),
		rng:           rng,
		state:         StateActive,
		players:       make(map[netip.AddrPort]*player),
		presence:      entity.NewRegistry[netip.AddrPort](),
		lastBroadcast: now,
	}
	inst.flag = inst.randomPosition()

	logger.Info().
		Str("owner", inst.owner).
		Float64("flag_x", inst.flag.X).
		Float64("flag_y", inst.flag.Y).
		Msg("game instance created")
	return inst
}

// AddPlayer seats endpoint with the lowest free colour, spawns it at a
// random position and sends it a reliable Reset. Adding a player already
// seated returns its existing identity.
func (i *Instance) AddPlayer(endpoint netip.AddrPort, now time.Time) (protocol.PlayerID, error) {
	if p, ok := i.players[endpoint]; ok {
		return p.id, nil
	}
	if i.state != StateActive {
		return protocol.PlayerID{}, ErrInstanceClosed
	}
	if len(i.players) >= i.settings.MaxPlayers {
		return protocol.PlayerID{}, ErrInstanceFull
	}

	slot := i.freeSlot()
	p := &player{
		endpoint: endpoint,
		id:       SlotColor(slot),
		slot:     slot,
		channel:  network.NewChannel(i.transport, endpoint, i.seq, i.settings.ResendInterval),
		joinedAt: now,
	}
	i.players[endpoint] = p
	i.presence.Apply(endpoint, entity.Sample{}, now)
	i.sendReset(p, now)

	i.logger.Info().
		Str("endpoint", endpoint.String()).
		Str("color", p.id.String()).
		Int("players", len(i.players)).
		Msg("player joined")
	i.notify(Notice{Kind: NoticePlayerJoined, Endpoint: endpoint, Player: p.id, At: now})
	return p.id, nil
}

// Tick runs one cooperative step: drain inbound packets, evict timed-out
// players, broadcast positions, then resend unacknowledged packets.
func (i *Instance) Tick(now time.Time) {
	if i.state == StateDrained {
		return
	}

	for _, in := range i.batcher.Drain() {
		i.handle(in.From, in.Packet, now)
	}

	i.checkTimeouts(now)

	if i.state == StateActive && now.Sub(i.lastBroadcast) >= i.settings.UpdateInterval {
		i.broadcastUpdates(now)
		i.lastBroadcast = now
	}

	for _, ep := range i.endpoints() {
		i.players[ep].channel.Resend(now)
	}

	if len(i.players) == 0 {
		if i.state == StateActive {
			i.end("abandoned", now)
		}
		i.setState(StateDrained, now)
	}
}

func (i *Instance) handle(from netip.AddrPort, pkt *protocol.GamePacket, now time.Time) {
	p, known := i.players[from]
	if known {
		i.presence.Touch(from, now)
	}

	switch payload := pkt.Payload.(type) {
	case protocol.GameAck:
		if !known {
			// A join probe from a new endpoint is the only way in
			// besides the lobby.
			if payload.AckedKind == protocol.KindGameAck {
				if _, err := i.AddPlayer(from, now); err != nil {
					i.logger.Debug().Err(err).Str("endpoint", from.String()).Msg("join probe refused")
				}
			}
			return
		}
		i.handleAck(p, payload, now)

	case protocol.GameUpdate:
		if !known {
			return
		}
		i.presence.Apply(from, entity.Sample{
			Position: entity.Vec2{X: float64(payload.X), Y: float64(payload.Y)},
			Velocity: entity.Vec2{X: float64(payload.VX), Y: float64(payload.VY)},
			Yaw:      float64(payload.Yaw),
		}, now)

	case protocol.GameVictory:
		if !known {
			return
		}
		i.sendAck(p, protocol.KindGameVictory, pkt.Seq(), now)
		if i.state == StateActive && p.armed {
			i.capture(p, now)
		}
	}
}

func (i *Instance) handleAck(p *player, ack protocol.GameAck, now time.Time) {
	removed := p.channel.Acknowledge(ack.AckedSeq)

	switch ack.AckedKind {
	case protocol.KindGameReset:
		if removed {
			p.armed = true
		}
	case protocol.KindGameOver:
		i.removePlayer(p.endpoint, "game_over", now)
	}
}

// capture counts a Victory by p and starts the next round or ends the
// match.
func (i *Instance) capture(p *player, now time.Time) {
	i.captures++
	p.captures++
	i.flag = i.randomPosition()

	i.logger.Info().
		Str("endpoint", p.endpoint.String()).
		Str("color", p.id.String()).
		Int("captures", i.captures).
		Msg("flag captured")
	i.notify(Notice{Kind: NoticeFlagCaptured, Endpoint: p.endpoint, Player: p.id, Captures: p.captures, At: now})

	if i.captures >= i.settings.CapturesToWin {
		i.end("captures", now)
		return
	}
	for _, ep := range i.endpoints() {
		i.sendReset(i.players[ep], now)
	}
}

// end stops play and sends every remaining player a reliable GameOver.
func (i *Instance) end(reason string, now time.Time) {
	if i.state != StateActive {
		return
	}
	i.endReason = reason
	i.setState(StateEnding, now)

	for _, ep := range i.endpoints() {
		p := i.players[ep]
		p.armed = false
		p.channel.Clear()
		p.channel.Send(protocol.NewGamePacket(p.id, protocol.GameOver{}), true, now)
	}
}

func (i *Instance) checkTimeouts(now time.Time) {
	expired := i.presence.Expire(now, i.settings.PlayerTimeout)
	slices.SortFunc(expired, netip.AddrPort.Compare)

	for _, ep := range expired {
		if _, ok := i.players[ep]; !ok {
			continue
		}
		i.removePlayer(ep, "timeout", now)
		switch {
		case i.settings.EndOnPlayerTimeout:
			i.end("player_timeout", now)
		case EndpointName(ep) == i.owner:
			i.end("owner_left", now)
		}
	}
}

// broadcastUpdates sends each player's extrapolated state to every other
// player. Updates are unreliable; a lost one is superseded by the next.
func (i *Instance) broadcastUpdates(now time.Time) {
	i.presence.Extrapolate(now, i.settings.Bounds)
	eps := i.endpoints()

	for _, subject := range eps {
		s, ok := i.presence.Get(subject)
		if !ok {
			continue
		}
		update := protocol.GameUpdate{
			X:   float32(s.Position.X),
			Y:   float32(s.Position.Y),
			VX:  float32(s.Velocity.X),
			VY:  float32(s.Velocity.Y),
			Yaw: float32(s.Yaw),
		}
		id := i.players[subject].id
		for _, to := range eps {
			if to == subject {
				continue
			}
			i.players[to].channel.Send(protocol.NewGamePacket(id, update), false, now)
		}
	}
}

// sendReset respawns p and sends it the round state. Any older Reset still
// pending is superseded.
func (i *Instance) sendReset(p *player, now time.Time) {
	p.armed = false
	p.channel.Forget(protocol.KindGameReset)

	spawn := i.randomPosition()
	i.presence.Place(p.endpoint, entity.Sample{Position: spawn}, now)

	p.channel.Send(protocol.NewGamePacket(p.id, protocol.GameReset{
		FlagX:  float32(i.flag.X),
		FlagY:  float32(i.flag.Y),
		X:      float32(spawn.X),
		Y:      float32(spawn.Y),
		Player: p.id,
	}), true, now)
}

func (i *Instance) sendAck(p *player, kind protocol.Kind, seq uint32, now time.Time) {
	p.channel.Send(protocol.NewGamePacket(p.id, protocol.GameAck{AckedKind: kind, AckedSeq: seq}), false, now)
}

// EndpointName is the display name of an endpoint, as used for instance
// owners: "ip:port" without an IPv6 zone.
func EndpointName(ep netip.AddrPort) string {
	return netip.AddrPortFrom(ep.Addr().WithZone(""), ep.Port()).String()
}

func (i *Instance) removePlayer(endpoint netip.AddrPort, reason string, now time.Time) {
	p, ok := i.players[endpoint]
	if !ok {
		return
	}
	delete(i.players, endpoint)
	i.presence.Remove(endpoint)

	i.logger.Info().
		Str("endpoint", endpoint.String()).
		Str("reason", reason).
		Int("players", len(i.players)).
		Msg("player left")
	i.notify(Notice{Kind: NoticePlayerLeft, Endpoint: endpoint, Player: p.id, Reason: reason, At: now})
}

func (i *Instance) setState(state InstanceState, now time.Time) {
	if i.state == state {
		return
	}
	old := i.state
	i.state = state
	i.logger.Info().
		Str("from", old.String()).
		Str("to", state.String()).
		Str("reason", i.endReason).
		Msg("instance state changed")
	i.notify(Notice{Kind: NoticeStateChanged, State: state, Reason: i.endReason, Captures: i.captures, At: now})
}

func (i *Instance) notify(n Notice) {
	n.GameID = i.id
	i.notices = append(i.notices, n)
}

// TakeNotices returns and clears the notices produced since the last call.
func (i *Instance) TakeNotices() []Notice {
	n := i.notices
	i.notices = nil
	return n
}

func (i *Instance) freeSlot() int {
	used := make(map[int]bool, len(i.players))
	for _, p := range i.players {
		used[p.slot] = true
	}
	slot := 0
	for used[slot] {
		slot++
	}
	return slot
}

func (i *Instance) randomPosition() entity.Vec2 {
	return entity.Vec2{
		X: i.rng.Float64() * i.settings.Bounds.Width,
		Y: i.rng.Float64() * i.settings.Bounds.Height,
	}
}

// endpoints returns the seated endpoints in a stable order.
func (i *Instance) endpoints() []netip.AddrPort {
	eps := make([]netip.AddrPort, 0, len(i.players))
	for ep := range i.players {
		eps = append(eps, ep)
	}
	slices.SortFunc(eps, netip.AddrPort.Compare)
	return eps
}

// Close releases the instance's socket.
func (i *Instance) Close() error {
	return i.transport.Close()
}

func (i *Instance) ID() uint32           { return i.id }
func (i *Instance) Port() uint16         { return i.port }
func (i *Instance) Owner() string        { return i.owner }
func (i *Instance) State() InstanceState { return i.state }
func (i *Instance) Captures() int        { return i.captures }
func (i *Instance) Flag() entity.Vec2    { return i.flag }
func (i *Instance) PlayerCount() int     { return len(i.players) }
func (i *Instance) CreatedAt() time.Time { return i.createdAt }
func (i *Instance) EndReason() string    { return i.endReason }
func (i *Instance) Settings() Settings   { return i.settings }

// HasPlayer reports whether endpoint is seated.
func (i *Instance) HasPlayer(endpoint netip.AddrPort) bool {
	_, ok := i.players[endpoint]
	return ok
}

// PlayerInfo is a read-only view of a seated player.
type PlayerInfo struct {
	Endpoint string      `json:"endpoint"`
	Color    string      `json:"color"`
	Captures int         `json:"captures"`
	Armed    bool        `json:"armed"`
	Position entity.Vec2 `json:"position"`
	JoinedAt time.Time   `json:"joined_at"`
	Pending  int         `json:"pending"`
}

// InstanceInfo is a read-only view of an instance.
type InstanceInfo struct {
	ID        uint32        `json:"id"`
	Port      uint16        `json:"port"`
	Owner     string        `json:"owner"`
	State     InstanceState `json:"state"`
	Captures  int           `json:"captures"`
	Flag      entity.Vec2   `json:"flag"`
	Players   []PlayerInfo  `json:"players"`
	CreatedAt time.Time     `json:"created_at"`
}

// Info copies the instance's current state.
func (i *Instance) Info() InstanceInfo {
	info := InstanceInfo{
		ID:        i.id,
		Port:      i.port,
		Owner:     i.owner,
		State:     i.state,
		Captures:  i.captures,
		Flag:      i.flag,
		Players:   make([]PlayerInfo, 0, len(i.players)),
		CreatedAt: i.createdAt,
	}
	for _, ep := range i.endpoints() {
		p := i.players[ep]
		r, _ := i.presence.Get(ep)
		info.Players = append(info.Players, PlayerInfo{
			Endpoint: ep.String(),
			Color:    p.id.String(),
			Captures: p.captures,
			Armed:    p.armed,
			Position: r.Position,
			JoinedAt: p.joinedAt,
			Pending:  p.channel.Len(),
		})
	}
	return info
}
