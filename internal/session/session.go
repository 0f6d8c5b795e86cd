package session

import (
	"cmp"
	"fmt"
	"net/netip"
	"slices"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/flagrun/internal/entity"
	"github.com/energizer-project/flagrun/internal/network"
	"github.com/energizer-project/flagrun/internal/protocol"
)

const noticeBuffer = 32

// Session is one client. It owns a single socket and retargets it between
// the lobby and the game instance it plays on.
type Session struct {
	cfg    Config
	logger zerolog.Logger

	transport network.Transport
	batcher   *network.Batcher[protocol.Packet]
	seq       *network.SequenceAllocator

	state  State
	lobby  netip.AddrPort
	target netip.AddrPort

	lobbyCh *network.Channel
	gameCh  *network.Channel
	// The instance left most recently. A resent GameOver from it is
	// acknowledged again.
	prevCh *network.Channel

	lastProbe  time.Time
	lastUpdate time.Time
	lastFrame  time.Time

	id          protocol.PlayerID
	initialized bool
	local       entity.LocalPlayer
	flag        entity.Vec2
	claimed     bool
	remotes     *entity.Registry[protocol.PlayerID]

	games map[uint32]*LobbyEntry

	notices  chan Notice
	snapshot atomic.Pointer[Snapshot]
}

// New creates a disconnected Session on transport. The first Tick sends
// the lobby connection probe.
func New(cfg Config, transport network.Transport, now time.Time) *Session {
	logger := log.With().
		Str("component", "session").
		Str("local", transport.LocalAddr().String()).
		Logger()

	s := &Session{
		cfg:       cfg,
		logger:    logger,
		transport: transport,
		batcher:   network.NewBatcher(transport, protocol.Decode, logger),
		seq:       network.NewSequenceAllocator(),
		remotes:   entity.NewRegistry[protocol.PlayerID](),
		games:     make(map[uint32]*LobbyEntry),
		notices:   make(chan Notice, noticeBuffer),
		lastFrame: now,
	}
	s.retargetLobby(cfg.Lobby)
	s.publish(now)
	return s
}

// Tick runs one frame: drain the socket, advance the state machine and the
// local player under keys, then resend unacknowledged packets.
func (s *Session) Tick(now time.Time, keys entity.Keys) {
	dt := max(now.Sub(s.lastFrame), 0)
	s.lastFrame = now

	for _, in := range s.batcher.Drain() {
		s.handle(in.From, in.Packet, now)
	}

	switch s.state {
	case StateDisconnected, StateAwaitingAck:
		if s.state == StateDisconnected || now.Sub(s.lastProbe) >= s.cfg.ResendInterval {
			s.lobbyCh.Send(protocol.NewLobbyPacket(protocol.LobbyAck{AckedKind: protocol.KindLobbyAck}), false, now)
			s.lastProbe = now
			s.state = StateAwaitingAck
		}

	case StateLobbyConnected:
		s.expireGames(now)

	case StateInGame:
		s.tickGame(now, dt, keys)
	}

	s.lobbyCh.Resend(now)
	if s.gameCh != nil {
		s.gameCh.Resend(now)
	}
	s.publish(now)
}

func (s *Session) tickGame(now time.Time, dt time.Duration, keys entity.Keys) {
	if !s.initialized {
		// The lobby seated us; the probe only matters if that Reset is lost.
		if now.Sub(s.lastProbe) >= s.cfg.ResendInterval {
			s.sendGame(protocol.GameAck{AckedKind: protocol.KindGameAck}, false, now)
			s.lastProbe = now
		}
		return
	}

	s.local.Step(keys, dt, s.cfg.Bounds, s.cfg.Speed)

	if !s.claimed && s.local.Position.Dist(s.flag) <= s.cfg.PickupRadius {
		s.sendGame(protocol.GameVictory{Player: s.id}, true, now)
		s.claimed = true
		s.logger.Info().Str("color", s.id.String()).Msg("flag reached, claiming victory")
	}

	if now.Sub(s.lastUpdate) >= s.cfg.UpdateInterval {
		sample := s.local.Sample()
		s.sendGame(protocol.GameUpdate{
			X:   float32(sample.Position.X),
			Y:   float32(sample.Position.Y),
			VX:  float32(sample.Velocity.X),
			VY:  float32(sample.Velocity.Y),
			Yaw: float32(sample.Yaw),
		}, false, now)
		s.lastUpdate = now
	}

	s.remotes.Extrapolate(now, s.cfg.Bounds)
	for _, id := range s.remotes.Expire(now, s.cfg.Timeout) {
		s.logger.Debug().Str("color", id.String()).Msg("remote player timed out")
	}
}

func (s *Session) handle(from netip.AddrPort, pkt protocol.Packet, now time.Time) {
	switch p := pkt.(type) {
	case *protocol.LobbyPacket:
		if from == s.lobby && s.state != StateInGame {
			s.handleLobby(p, now)
		}
	case *protocol.GamePacket:
		switch {
		case s.state == StateInGame && from == s.target:
			s.handleGame(p, now)
		case s.prevCh != nil && from == s.prevCh.Remote() && p.Kind() == protocol.KindGameOver:
			s.prevCh.Send(protocol.NewGamePacket(s.id, protocol.GameAck{
				AckedKind: protocol.KindGameOver,
				AckedSeq:  p.Seq(),
			}), false, now)
		}
	}
}

func (s *Session) handleLobby(pkt *protocol.LobbyPacket, now time.Time) {
	switch payload := pkt.Payload.(type) {
	case protocol.LobbyAck:
		s.lobbyCh.Acknowledge(payload.AckedSeq)

		switch payload.AckedKind {
		case protocol.KindLobbyAck:
			if s.state == StateAwaitingAck || s.state == StateDisconnected {
				s.state = StateLobbyConnected
				s.logger.Info().Str("lobby", s.lobby.String()).Msg("connected to lobby")
				s.notify(now, fmt.Sprintf("connected to %s", s.lobby), nil)
			}

		case protocol.KindLobbyCreateGame, protocol.KindLobbyJoinGame:
			if s.state != StateLobbyConnected {
				return
			}
			if payload.Port == s.lobby.Port() {
				err := ErrGameNotFound
				if payload.AckedKind == protocol.KindLobbyCreateGame {
					err = ErrNoGameSlots
				}
				s.notify(now, "", err)
				return
			}
			s.enterGame(payload.Port, now)
		}

	case protocol.LobbyUpdate:
		entry, ok := s.games[payload.GameID]
		if !ok {
			entry = &LobbyEntry{GameID: payload.GameID}
			s.games[payload.GameID] = entry
		}
		entry.Owner = payload.Owner
		entry.Players = int(payload.Players)
		entry.LastUpdate = now
	}
}

func (s *Session) handleGame(pkt *protocol.GamePacket, now time.Time) {
	switch payload := pkt.Payload.(type) {
	case protocol.GameAck:
		s.gameCh.Acknowledge(payload.AckedSeq)

	case protocol.GameReset:
		s.id = payload.Player
		s.local.Spawn(entity.Vec2{X: float64(payload.X), Y: float64(payload.Y)})
		s.flag = entity.Vec2{X: float64(payload.FlagX), Y: float64(payload.FlagY)}
		s.claimed = false
		s.gameCh.Forget(protocol.KindGameVictory)
		s.remotes.Remove(s.id)
		if !s.initialized {
			s.logger.Info().Str("color", s.id.String()).Str("game", s.target.String()).Msg("joined game")
			s.notify(now, fmt.Sprintf("playing as %s", s.id), nil)
		}
		s.initialized = true
		s.sendGame(protocol.GameAck{AckedKind: protocol.KindGameReset, AckedSeq: pkt.Seq()}, false, now)

	case protocol.GameUpdate:
		if !s.initialized || pkt.Header.Player == s.id {
			return
		}
		s.remotes.Apply(pkt.Header.Player, entity.Sample{
			Position: entity.Vec2{X: float64(payload.X), Y: float64(payload.Y)},
			Velocity: entity.Vec2{X: float64(payload.VX), Y: float64(payload.VY)},
			Yaw:      float64(payload.Yaw),
		}, now)

	case protocol.GameOver:
		s.sendGame(protocol.GameAck{AckedKind: protocol.KindGameOver, AckedSeq: pkt.Seq()}, false, now)
		s.leaveGame(now)
	}
}

func (s *Session) enterGame(port uint16, now time.Time) {
	s.target = netip.AddrPortFrom(s.lobby.Addr(), port)
	s.gameCh = network.NewChannel(s.transport, s.target, s.seq, s.cfg.ResendInterval)
	s.lobbyCh.Clear()
	s.state = StateInGame
	s.initialized = false
	s.claimed = false
	s.lastProbe = now
	s.remotes.Clear()

	s.logger.Info().Str("game", s.target.String()).Msg("retargeted to game instance")
}

func (s *Session) leaveGame(now time.Time) {
	s.gameCh.Clear()
	s.prevCh = s.gameCh
	s.gameCh = nil
	s.remotes.Clear()
	s.initialized = false
	s.claimed = false
	s.target = s.lobby
	s.state = StateLobbyConnected

	s.logger.Info().Str("game", s.prevCh.Remote().String()).Msg("game over, back in lobby")
	s.notify(now, "game over", nil)
}

func (s *Session) sendGame(payload protocol.GamePayload, reliable bool, now time.Time) {
	s.gameCh.Send(protocol.NewGamePacket(s.id, payload), reliable, now)
}

func (s *Session) expireGames(now time.Time) {
	for id, g := range s.games {
		if now.Sub(g.LastUpdate) > s.cfg.Timeout {
			delete(s.games, id)
		}
	}
}

// retargetLobby points the session at lobby and drops all connection
// state.
func (s *Session) retargetLobby(lobby netip.AddrPort) {
	s.lobby = lobby
	s.target = lobby
	s.lobbyCh = network.NewChannel(s.transport, lobby, s.seq, s.cfg.ResendInterval)
	s.gameCh = nil
	s.prevCh = nil
	s.state = StateDisconnected
	s.initialized = false
	s.claimed = false
	s.remotes.Clear()
	clear(s.games)
}

// ChangeIP points the session at a lobby on another host and reconnects.
func (s *Session) ChangeIP(ip string) error {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return fmt.Errorf("invalid IP address %q: %w", ip, err)
	}
	s.retargetLobby(netip.AddrPortFrom(addr.Unmap(), s.lobby.Port()))
	s.logger.Info().Str("lobby", s.lobby.String()).Msg("lobby address changed")
	return nil
}

// ChangePort points the session at another lobby port and reconnects.
func (s *Session) ChangePort(port uint16) error {
	if port == 0 {
		return fmt.Errorf("invalid port %d", port)
	}
	s.retargetLobby(netip.AddrPortFrom(s.lobby.Addr(), port))
	s.logger.Info().Str("lobby", s.lobby.String()).Msg("lobby port changed")
	return nil
}

// CreateGame asks the lobby for a new game. The outcome arrives later as a
// state change or a Notice.
func (s *Session) CreateGame(now time.Time) error {
	if s.state != StateLobbyConnected {
		return ErrNotConnected
	}
	s.lobbyCh.Forget(protocol.KindLobbyCreateGame)
	s.lobbyCh.Send(protocol.NewLobbyPacket(protocol.LobbyCreateGame{}), true, now)
	return nil
}

// JoinGame asks the lobby for a seat in gameID.
func (s *Session) JoinGame(gameID uint32, now time.Time) error {
	if s.state != StateLobbyConnected {
		return ErrNotConnected
	}
	s.lobbyCh.Forget(protocol.KindLobbyJoinGame)
	s.lobbyCh.Send(protocol.NewLobbyPacket(protocol.LobbyJoinGame{GameID: gameID}), true, now)
	return nil
}

// Games returns the games the lobby currently advertises, by ID.
func (s *Session) Games() ([]LobbyEntry, error) {
	if s.state != StateLobbyConnected {
		return nil, ErrNotConnected
	}
	return s.gameList(), nil
}

func (s *Session) gameList() []LobbyEntry {
	out := make([]LobbyEntry, 0, len(s.games))
	for _, g := range s.games {
		out = append(out, *g)
	}
	slices.SortFunc(out, func(a, b LobbyEntry) int {
		return cmp.Compare(a.GameID, b.GameID)
	})
	return out
}

func (s *Session) State() State              { return s.state }
func (s *Session) Lobby() netip.AddrPort     { return s.lobby }
func (s *Session) Target() netip.AddrPort    { return s.target }
func (s *Session) Player() protocol.PlayerID { return s.id }
func (s *Session) Local() entity.LocalPlayer { return s.local }
func (s *Session) Flag() entity.Vec2         { return s.flag }
func (s *Session) Playing() bool             { return s.initialized }
func (s *Session) Close() error              { return s.transport.Close() }
func (s *Session) Notices() <-chan Notice    { return s.notices }
func (s *Session) LocalAddr() netip.AddrPort { return s.transport.LocalAddr() }
func (s *Session) Snapshot() *Snapshot       { return s.snapshot.Load() }
func (s *Session) RemoteCount() int          { return s.remotes.Len() }

// Remote returns the extrapolated state of another player.
func (s *Session) Remote(id protocol.PlayerID) (entity.Remote, bool) {
	return s.remotes.Get(id)
}

func (s *Session) notify(now time.Time, text string, err error) {
	select {
	case s.notices <- Notice{At: now, Text: text, Err: err}:
	default:
		s.logger.Debug().Str("text", text).Msg("notice dropped, console not reading")
	}
}

func (s *Session) publish(now time.Time) {
	snap := &Snapshot{
		At:       now,
		State:    s.state,
		Lobby:    s.lobby.String(),
		Target:   s.target.String(),
		Playing:  s.initialized,
		Position: s.local.Position,
		Velocity: s.local.Velocity,
		Yaw:      s.local.Yaw,
		Flag:     s.flag,
		Claimed:  s.claimed,
		Games:    s.gameList(),
		Pending:  s.lobbyCh.Len(),
	}
	if s.initialized {
		snap.Color = s.id.String()
	}
	if s.gameCh != nil {
		snap.Pending += s.gameCh.Len()
	}
	s.remotes.Each(func(id protocol.PlayerID, r entity.Remote) {
		snap.Remotes = append(snap.Remotes, RemoteView{
			Color:    id.String(),
			Position: r.Position,
			Velocity: r.Velocity,
			Yaw:      r.Yaw,
		})
	})
	slices.SortFunc(snap.Remotes, func(a, b RemoteView) int {
		return cmp.Compare(a.Color, b.Color)
	})
	s.snapshot.Store(snap)
}
