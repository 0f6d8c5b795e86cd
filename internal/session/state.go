// Package session implements the client side of the game: connecting to
// the lobby, matchmaking, and playing a match on the instance the lobby
// assigns. A Session is driven by Tick from a single goroutine.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/energizer-project/flagrun/internal/config"
	"github.com/energizer-project/flagrun/internal/entity"
)

var (
	// ErrNotConnected is returned for lobby commands issued before the
	// lobby has answered the connection probe.
	ErrNotConnected = errors.New("not connected to lobby")
	// ErrGameNotFound is reported when the lobby answers a join with its
	// own port.
	ErrGameNotFound = errors.New("game not found")
	// ErrNoGameSlots is reported when the lobby cannot create a game.
	ErrNoGameSlots = errors.New("lobby has no free game slots")
)

// State is the connection progress of a Session.
type State int

const (
	StateDisconnected State = iota
	StateAwaitingAck
	StateLobbyConnected
	StateInGame
)

var stateNames = map[State]string{
	StateDisconnected:   "disconnected",
	StateAwaitingAck:    "awaiting_ack",
	StateLobbyConnected: "lobby_connected",
	StateInGame:         "in_game",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Config holds the client's tunables.
type Config struct {
	// Lobby is the lobby's well-known endpoint.
	Lobby          netip.AddrPort
	Bounds         entity.Bounds
	Speed          float64
	PickupRadius   float64
	ResendInterval time.Duration
	UpdateInterval time.Duration
	Timeout        time.Duration
}

// DefaultConfig returns the reference client settings.
func DefaultConfig() Config {
	return Config{
		Lobby:          netip.MustParseAddrPort("127.0.0.1:5000"),
		Bounds:         entity.Bounds{Width: 500, Height: 500},
		Speed:          100,
		PickupRadius:   10,
		ResendInterval: 250 * time.Millisecond,
		UpdateInterval: 100 * time.Millisecond,
		Timeout:        5 * time.Second,
	}
}

// ConfigFromConfig converts the loaded configuration.
func ConfigFromConfig(cfg *config.Config) (Config, error) {
	netCfg := cfg.GetNetwork()
	timing := cfg.GetTiming()
	game := cfg.GetGame()

	ip, err := netip.ParseAddr(netCfg.ServerIP)
	if err != nil {
		return Config{}, fmt.Errorf("invalid server IP %q: %w", netCfg.ServerIP, err)
	}

	return Config{
		Lobby:          netip.AddrPortFrom(ip, uint16(netCfg.LobbyPort)),
		Bounds:         entity.Bounds{Width: game.MapWidth, Height: game.MapHeight},
		Speed:          game.Speed,
		PickupRadius:   game.FlagPickupRadius,
		ResendInterval: timing.ResendInterval(),
		UpdateInterval: timing.UpdateInterval(),
		Timeout:        timing.Timeout(),
	}, nil
}

// LobbyEntry is a game advertised by the lobby.
type LobbyEntry struct {
	GameID     uint32    `json:"game_id"`
	Owner      string    `json:"owner"`
	Players    int       `json:"players"`
	LastUpdate time.Time `json:"last_update"`
}

// RemoteView is a remote player as the display should draw it.
type RemoteView struct {
	Color    string      `json:"color"`
	Position entity.Vec2 `json:"position"`
	Velocity entity.Vec2 `json:"velocity"`
	Yaw      float64     `json:"yaw"`
}

// Snapshot is an immutable view of a Session published after every Tick.
type Snapshot struct {
	At       time.Time    `json:"at"`
	State    State        `json:"state"`
	Lobby    string       `json:"lobby"`
	Target   string       `json:"target"`
	Color    string       `json:"color,omitempty"`
	Playing  bool         `json:"playing"`
	Position entity.Vec2  `json:"position"`
	Velocity entity.Vec2  `json:"velocity"`
	Yaw      float64      `json:"yaw"`
	Flag     entity.Vec2  `json:"flag"`
	Claimed  bool         `json:"claimed"`
	Remotes  []RemoteView `json:"remotes"`
	Games    []LobbyEntry `json:"games"`
	Pending  int          `json:"pending"`
}

// Notice is an asynchronous outcome the console should show the user.
type Notice struct {
	At   time.Time
	Text string
	Err  error
}
