// Package server implements the authoritative side of flagrun: game
// instances that run one match each on a dedicated port, and the lobby
// Manager that creates them, routes players into them and reclaims
// their ports once they drain.
package server

import (
	"time"

	"github.com/energizer-project/flagrun/internal/config"
	"github.com/energizer-project/flagrun/internal/entity"
	"github.com/energizer-project/flagrun/internal/protocol"
)

// InstanceState is the lifecycle stage of a game instance.
type InstanceState int

const (
	// StateActive accepts players and counts captures.
	StateActive InstanceState = iota
	// StateEnding has broadcast GameOver and waits for players to ack it.
	StateEnding
	// StateDrained has no players left; the lobby removes it.
	StateDrained
)

// instanceStateStrings maps InstanceState values to their JSON representation.
var instanceStateStrings = map[InstanceState]string{
	StateActive:  "active",
	StateEnding:  "ending",
	StateDrained: "drained",
}

// String returns the string representation of InstanceState.
func (s InstanceState) String() string {
	if str, ok := instanceStateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes InstanceState as a JSON string (e.g. "active").
func (s InstanceState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Settings are the gameplay and timing parameters shared by the lobby and
// every instance it creates.
type Settings struct {
	ServerIP            string
	LobbyPort           uint16
	MaxGames            int
	Bounds              entity.Bounds
	MaxPlayers          int
	CapturesToWin       int
	UpdateInterval      time.Duration
	ResendInterval      time.Duration
	PlayerTimeout       time.Duration
	LobbyUpdateInterval time.Duration
	// EndOnPlayerTimeout ends the whole match when any one player times
	// out. When false only that player is removed.
	EndOnPlayerTimeout bool
}

// DefaultSettings returns the reference parameters.
func DefaultSettings() Settings {
	return Settings{
		ServerIP:            "127.0.0.1",
		LobbyPort:           5000,
		MaxGames:            16,
		Bounds:              entity.Bounds{Width: 500, Height: 500},
		MaxPlayers:          len(palette),
		CapturesToWin:       3,
		UpdateInterval:      100 * time.Millisecond,
		ResendInterval:      250 * time.Millisecond,
		PlayerTimeout:       5 * time.Second,
		LobbyUpdateInterval: 5 * time.Second,
		EndOnPlayerTimeout:  true,
	}
}

// SettingsFromConfig converts the loaded configuration.
func SettingsFromConfig(cfg *config.Config) Settings {
	netCfg := cfg.GetNetwork()
	timing := cfg.GetTiming()
	game := cfg.GetGame()

	return Settings{
		ServerIP:            netCfg.ServerIP,
		LobbyPort:           uint16(netCfg.LobbyPort),
		MaxGames:            netCfg.MaxGames,
		Bounds:              entity.Bounds{Width: game.MapWidth, Height: game.MapHeight},
		MaxPlayers:          game.MaxPlayers,
		CapturesToWin:       game.CapturesToWin,
		UpdateInterval:      timing.UpdateInterval(),
		ResendInterval:      timing.ResendInterval(),
		PlayerTimeout:       timing.Timeout(),
		LobbyUpdateInterval: timing.LobbyUpdateInterval(),
		EndOnPlayerTimeout:  game.EndOnPlayerTimeout,
	}
}

var palette = [...]protocol.PlayerID{
	{255, 0, 0},
	{0, 255, 0},
	{0, 0, 255},
	{255, 255, 0},
	{255, 0, 255},
	{0, 255, 255},
	{255, 165, 0},
	{128, 0, 128},
}

// White is assigned to every slot past the palette.
var White = protocol.PlayerID{255, 255, 255}

// SlotColor returns the identity colour for a join slot.
func SlotColor(slot int) protocol.PlayerID {
	if slot >= 0 && slot < len(palette) {
		return palette[slot]
	}
	return White
}
