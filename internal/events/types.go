// Package events defines the lobby lifecycle events and the bus that
// carries them to the history, telemetry and console sinks.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Lobby events
	EventLobbyJoined EventType = "lobby_joined"

	// Game lifecycle events
	EventGameCreated  EventType = "game_created"
	EventPlayerJoined EventType = "player_joined"
	EventPlayerLeft   EventType = "player_left"
	EventFlagCaptured EventType = "flag_captured"
	EventGameEnding   EventType = "game_ending"
	EventGameRemoved  EventType = "game_removed"

	// System events
	EventHeartbeat   EventType = "heartbeat"
	EventHealthAlert EventType = "health_alert"
	EventShutdown    EventType = "shutdown"
)

// AllGameEvents lists the event types sinks usually subscribe to.
var AllGameEvents = []EventType{
	EventLobbyJoined,
	EventGameCreated,
	EventPlayerJoined,
	EventPlayerLeft,
	EventFlagCaptured,
	EventGameEnding,
	EventGameRemoved,
}

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// LobbyJoinedPayload is emitted when an endpoint connects to the lobby.
type LobbyJoinedPayload struct {
	Endpoint string
	At       time.Time
}

// GameCreatedPayload is emitted when the lobby starts an instance.
type GameCreatedPayload struct {
	GameID    uint32
	Port      uint16
	Owner     string
	CreatedAt time.Time
}

// PlayerPayload describes a player entering or leaving an instance.
type PlayerPayload struct {
	GameID   uint32
	Port     uint16
	Endpoint string
	Color    string
	Reason   string // only for EventPlayerLeft: "game_over", "timeout"
	At       time.Time
}

// FlagCapturedPayload is emitted for every counted capture.
type FlagCapturedPayload struct {
	GameID         uint32
	Endpoint       string
	Color          string
	Captures       int // instance total
	PlayerCaptures int
	At             time.Time
}

// GameEndingPayload is emitted when an instance stops play.
type GameEndingPayload struct {
	GameID   uint32
	Port     uint16
	Reason   string // "captures", "player_timeout", "owner_left", "abandoned"
	Captures int
	Winner   string // endpoint with the most captures, empty if none
	Players  int
	At       time.Time
}

// GameRemovedPayload is emitted once a drained instance is torn down and
// its port released.
type GameRemovedPayload struct {
	GameID   uint32
	Port     uint16
	Captures int
	Duration time.Duration
	At       time.Time
}

// HeartbeatPayload is a periodic summary of the lobby.
type HeartbeatPayload struct {
	Games     int
	Players   int
	Waiting   int
	FreePorts int
	Uptime    time.Duration
	At        time.Time
}

// HealthAlertPayload reports a failed health check.
type HealthAlertPayload struct {
	Check   string
	Level   string // "info", "warning", "error", "critical"
	Message string
	At      time.Time
}
