package protocol

import "fmt"

// GameHeader is common to every game protocol record.
type GameHeader struct {
	Sequence  uint32
	Timestamp float64
	// Player identifies the sender. Instances stamp the recipient's own
	// identity on Reset and the scorer's on Victory.
	Player PlayerID
}

// GamePayload is the closed set of game protocol bodies. The record tag is
// always derived from the payload.
type GamePayload interface {
	Kind() Kind
	size() int
	encode(b *PacketBuilder)
}

// GameAck acknowledges the reliable packet AckedSeq of kind AckedKind.
// An Ack with AckedKind == KindGameAck is a join probe.
type GameAck struct {
	AckedKind Kind
	AckedSeq  uint32
}

// GameUpdate is one position sample. Yaw is in degrees, 0 = east,
// counter-clockwise.
type GameUpdate struct {
	X, Y   float32
	VX, VY float32
	Yaw    float32
}

// GameReset starts a round for the recipient.
type GameReset struct {
	FlagX, FlagY float32
	X, Y         float32
	Player       PlayerID
}

// GameVictory claims a flag capture.
type GameVictory struct {
	Player PlayerID
}

// GameOver ends the match. It has no body.
type GameOver struct{}

func (GameAck) Kind() Kind     { return KindGameAck }
func (GameUpdate) Kind() Kind  { return KindGameUpdate }
func (GameReset) Kind() Kind   { return KindGameReset }
func (GameVictory) Kind() Kind { return KindGameVictory }
func (GameOver) Kind() Kind    { return KindGameOver }

func (GameAck) size() int     { return 5 }
func (GameUpdate) size() int  { return 20 }
func (GameReset) size() int   { return 19 }
func (GameVictory) size() int { return 3 }
func (GameOver) size() int    { return 0 }

func (p GameAck) encode(b *PacketBuilder) {
	b.WriteByte(byte(p.AckedKind)).WriteUint32(p.AckedSeq)
}

func (p GameUpdate) encode(b *PacketBuilder) {
	b.WriteFloat32(p.X).WriteFloat32(p.Y).
		WriteFloat32(p.VX).WriteFloat32(p.VY).
		WriteFloat32(p.Yaw)
}

func (p GameReset) encode(b *PacketBuilder) {
	b.WriteFloat32(p.FlagX).WriteFloat32(p.FlagY).
		WriteFloat32(p.X).WriteFloat32(p.Y).
		WriteBytes(p.Player[:])
}

func (p GameVictory) encode(b *PacketBuilder) {
	b.WriteBytes(p.Player[:])
}

func (GameOver) encode(*PacketBuilder) {}

// GamePacket is a full game protocol record.
type GamePacket struct {
	Header  GameHeader
	Payload GamePayload
}

// NewGamePacket wraps a payload sent by player. Sequence and timestamp are
// filled in by the channel that sends it.
func NewGamePacket(player PlayerID, payload GamePayload) *GamePacket {
	return &GamePacket{Header: GameHeader{Player: player}, Payload: payload}
}

func (p *GamePacket) Kind() Kind    { return p.Payload.Kind() }
func (p *GamePacket) Seq() uint32   { return p.Header.Sequence }
func (p *GamePacket) Time() float64 { return p.Header.Timestamp }

func (p *GamePacket) Stamp(seq uint32, timestamp float64) {
	p.Header.Sequence = seq
	p.Header.Timestamp = timestamp
}

// Clone returns an independent copy. Payloads are plain values.
func (p *GamePacket) Clone() Packet {
	c := *p
	return &c
}

// MarshalBinary encodes the record.
func (p *GamePacket) MarshalBinary() ([]byte, error) {
	if p.Payload == nil {
		return nil, fmt.Errorf("game packet without payload: %w", ErrUnknownType)
	}
	b := NewPacketBuilder(GameHeaderSize + p.Payload.size())
	b.WriteByte(byte(p.Payload.Kind())).
		WriteUint32(p.Header.Sequence).
		WriteFloat64(p.Header.Timestamp).
		WriteBytes(p.Header.Player[:])
	p.Payload.encode(b)
	return b.Build(), nil
}

// GameRecordSize returns the encoded size of a game record of kind k.
func GameRecordSize(k Kind) (int, bool) {
	var payload GamePayload
	switch k {
	case KindGameAck:
		payload = GameAck{}
	case KindGameVictory:
		payload = GameVictory{}
	case KindGameUpdate:
		payload = GameUpdate{}
	case KindGameReset:
		payload = GameReset{}
	case KindGameOver:
		payload = GameOver{}
	default:
		return 0, false
	}
	return GameHeaderSize + payload.size(), true
}

// DecodeGame parses a game protocol record. Unknown tags and wrong lengths
// are rejected.
func DecodeGame(data []byte) (*GamePacket, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty packet: %w", ErrSizeMismatch)
	}
	kind := Kind(data[0])
	want, ok := GameRecordSize(kind)
	if !ok {
		return nil, fmt.Errorf("game protocol %s: %w", kind, ErrUnknownType)
	}
	if err := checkSize(kind, len(data), want); err != nil {
		return nil, err
	}

	r := NewPacketReader(data[1:])
	pkt := &GamePacket{
		Header: GameHeader{
			Sequence:  r.ReadUint32(),
			Timestamp: r.ReadFloat64(),
			Player:    r.ReadPlayerID(),
		},
	}

	switch kind {
	case KindGameAck:
		pkt.Payload = GameAck{AckedKind: Kind(r.ReadUint8()), AckedSeq: r.ReadUint32()}
	case KindGameVictory:
		pkt.Payload = GameVictory{Player: r.ReadPlayerID()}
	case KindGameUpdate:
		pkt.Payload = GameUpdate{
			X:   r.ReadFloat32(),
			Y:   r.ReadFloat32(),
			VX:  r.ReadFloat32(),
			VY:  r.ReadFloat32(),
			Yaw: r.ReadFloat32(),
		}
	case KindGameReset:
		pkt.Payload = GameReset{
			FlagX:  r.ReadFloat32(),
			FlagY:  r.ReadFloat32(),
			X:      r.ReadFloat32(),
			Y:      r.ReadFloat32(),
			Player: r.ReadPlayerID(),
		}
	case KindGameOver:
		pkt.Payload = GameOver{}
	}
	return pkt, nil
}
