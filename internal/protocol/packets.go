// Package protocol implements the fixed-size binary records exchanged
// between flagrun clients, game instances and the lobby. Two independent
// families share the format: the game protocol (tags 10-14) and the lobby
// protocol (tags 20-23). All fields use little-endian byte order and every
// record of a given tag has exactly one valid length.
package protocol

import (
	"errors"
	"fmt"
)

// Kind is the 1-byte type tag that starts every record.
type Kind byte

// Game protocol tags (client <-> game instance).
const (
	KindGameAck     Kind = 10 // Acknowledge a reliable game packet
	KindGameVictory Kind = 11 // Player touched the flag
	KindGameUpdate  Kind = 12 // Position, velocity and yaw sample
	KindGameReset   Kind = 13 // Round start: spawn, flag, player identity
	KindGameOver    Kind = 14 // Match finished, return to lobby
)

// Lobby protocol tags (client <-> lobby).
const (
	KindLobbyAck        Kind = 20 // Acknowledge, carries an assigned port
	KindLobbyUpdate     Kind = 21 // One listed game
	KindLobbyCreateGame Kind = 22 // Request a new game instance
	KindLobbyJoinGame   Kind = 23 // Request a seat in an existing game
)

// Header sizes in bytes.
const (
	// [kind:1][seq:4][timestamp:8][player:3]
	GameHeaderSize = 16
	// [kind:1][seq:4][timestamp:8]
	LobbyHeaderSize = 13
)

// OwnerNameSize is the fixed width of the owner field in a lobby update.
// It holds the longest netip.AddrPort string, "[v6 address]:65535".
const OwnerNameSize = 47

// MaxPacketSize bounds the receive buffer; the largest record is 65 bytes.
const MaxPacketSize = 128

var (
	// ErrUnknownType is returned for a tag outside the decoded family.
	ErrUnknownType = errors.New("unknown packet type")
	// ErrSizeMismatch is returned when the length does not match the tag.
	ErrSizeMismatch = errors.New("packet size mismatch")
)

var kindNames = map[Kind]string{
	KindGameAck:         "game_ack",
	KindGameVictory:     "victory",
	KindGameUpdate:      "game_update",
	KindGameReset:       "reset",
	KindGameOver:        "game_over",
	KindLobbyAck:        "lobby_ack",
	KindLobbyUpdate:     "lobby_update",
	KindLobbyCreateGame: "create_game",
	KindLobbyJoinGame:   "join_game",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(0x%02X)", byte(k))
}

// IsGame reports whether k belongs to the game protocol.
func (k Kind) IsGame() bool {
	return k >= KindGameAck && k <= KindGameOver
}

// IsLobby reports whether k belongs to the lobby protocol.
func (k Kind) IsLobby() bool {
	return k >= KindLobbyAck && k <= KindLobbyJoinGame
}

// PlayerID is the colour triple that doubles as a player's identity.
type PlayerID [3]byte

func (p PlayerID) String() string {
	return fmt.Sprintf("#%02x%02x%02x", p[0], p[1], p[2])
}

// Packet is implemented by both protocol families. Reliable channels hold
// packets through this interface and restamp them on resend.
type Packet interface {
	Kind() Kind
	Seq() uint32
	Time() float64
	// Stamp sets the sequence number and timestamp in place.
	Stamp(seq uint32, timestamp float64)
	Clone() Packet
	MarshalBinary() ([]byte, error)
}

// Decode parses a record of either family. The tag ranges are disjoint so
// the first byte selects the decoder.
func Decode(data []byte) (Packet, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty packet: %w", ErrSizeMismatch)
	}
	kind := Kind(data[0])
	switch {
	case kind.IsGame():
		return DecodeGame(data)
	case kind.IsLobby():
		return DecodeLobby(data)
	default:
		return nil, fmt.Errorf("%s: %w", kind, ErrUnknownType)
	}
}

// checkSize validates the record length for a tag.
func checkSize(kind Kind, got, want int) error {
	if got != want {
		return fmt.Errorf("%s: got %d bytes, want %d: %w", kind, got, want, ErrSizeMismatch)
	}
	return nil
}
