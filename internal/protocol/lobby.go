package protocol

import "fmt"

// LobbyHeader is common to every lobby protocol record.
type LobbyHeader struct {
	Sequence  uint32
	Timestamp float64
}

// LobbyPayload is the closed set of lobby protocol bodies.
type LobbyPayload interface {
	Kind() Kind
	size() int
	encode(b *PacketBuilder)
}

// LobbyAck acknowledges AckedSeq. Port carries the instance port assigned
// by CreateGame/JoinGame, or the lobby port when the client should stay.
// An Ack with AckedKind == KindLobbyAck is a connection probe.
type LobbyAck struct {
	AckedKind Kind
	Port      uint16
	AckedSeq  uint32
}

// LobbyUpdate lists one joinable game.
type LobbyUpdate struct {
	GameID  uint32
	Players uint8
	Owner   string
}

// LobbyCreateGame asks the lobby for a new instance.
type LobbyCreateGame struct{}

// LobbyJoinGame asks for a seat in GameID.
type LobbyJoinGame struct {
	GameID uint32
}

func (LobbyAck) Kind() Kind        { return KindLobbyAck }
func (LobbyUpdate) Kind() Kind     { return KindLobbyUpdate }
func (LobbyCreateGame) Kind() Kind { return KindLobbyCreateGame }
func (LobbyJoinGame) Kind() Kind   { return KindLobbyJoinGame }

func (LobbyAck) size() int        { return 7 }
func (LobbyUpdate) size() int     { return 5 + OwnerNameSize }
func (LobbyCreateGame) size() int { return 0 }
func (LobbyJoinGame) size() int   { return 4 }

func (p LobbyAck) encode(b *PacketBuilder) {
	b.WriteByte(byte(p.AckedKind)).WriteUint16(p.Port).WriteUint32(p.AckedSeq)
}

func (p LobbyUpdate) encode(b *PacketBuilder) {
	b.WriteUint32(p.GameID).WriteByte(p.Players).WriteFixedString(p.Owner, OwnerNameSize)
}

func (LobbyCreateGame) encode(*PacketBuilder) {}

func (p LobbyJoinGame) encode(b *PacketBuilder) {
	b.WriteUint32(p.GameID)
}

// LobbyPacket is a full lobby protocol record.
type LobbyPacket struct {
	Header  LobbyHeader
	Payload LobbyPayload
}

// NewLobbyPacket wraps a payload for sending.
func NewLobbyPacket(payload LobbyPayload) *LobbyPacket {
	return &LobbyPacket{Payload: payload}
}

func (p *LobbyPacket) Kind() Kind    { return p.Payload.Kind() }
func (p *LobbyPacket) Seq() uint32   { return p.Header.Sequence }
func (p *LobbyPacket) Time() float64 { return p.Header.Timestamp }

func (p *LobbyPacket) Stamp(seq uint32, timestamp float64) {
	p.Header.Sequence = seq
	p.Header.Timestamp = timestamp
}

func (p *LobbyPacket) Clone() Packet {
	c := *p
	return &c
}

// MarshalBinary encodes the record.
func (p *LobbyPacket) MarshalBinary() ([]byte, error) {
	if p.Payload == nil {
		return nil, fmt.Errorf("lobby packet without payload: %w", ErrUnknownType)
	}
	b := NewPacketBuilder(LobbyHeaderSize + p.Payload.size())
	b.WriteByte(byte(p.Payload.Kind())).
		WriteUint32(p.Header.Sequence).
		WriteFloat64(p.Header.Timestamp)
	p.Payload.encode(b)
	return b.Build(), nil
}

// LobbyRecordSize returns the encoded size of a lobby record of kind k.
func LobbyRecordSize(k Kind) (int, bool) {
	var payload LobbyPayload
	switch k {
	case KindLobbyAck:
		payload = LobbyAck{}
	case KindLobbyUpdate:
		payload = LobbyUpdate{}
	case KindLobbyCreateGame:
		payload = LobbyCreateGame{}
	case KindLobbyJoinGame:
		payload = LobbyJoinGame{}
	default:
		return 0, false
	}
	return LobbyHeaderSize + payload.size(), true
}

// DecodeLobby parses a lobby protocol record.
func DecodeLobby(data []byte) (*LobbyPacket, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty packet: %w", ErrSizeMismatch)
	}
	kind := Kind(data[0])
	want, ok := LobbyRecordSize(kind)
	if !ok {
		return nil, fmt.Errorf("lobby protocol %s: %w", kind, ErrUnknownType)
	}
	if err := checkSize(kind, len(data), want); err != nil {
		return nil, err
	}

	r := NewPacketReader(data[1:])
	pkt := &LobbyPacket{
		Header: LobbyHeader{
			Sequence:  r.ReadUint32(),
			Timestamp: r.ReadFloat64(),
		},
	}

	switch kind {
	case KindLobbyAck:
		pkt.Payload = LobbyAck{
			AckedKind: Kind(r.ReadUint8()),
			Port:      r.ReadUint16(),
			AckedSeq:  r.ReadUint32(),
		}
	case KindLobbyUpdate:
		pkt.Payload = LobbyUpdate{
			GameID:  r.ReadUint32(),
			Players: r.ReadUint8(),
			Owner:   r.ReadFixedString(OwnerNameSize),
		}
	case KindLobbyCreateGame:
		pkt.Payload = LobbyCreateGame{}
	case KindLobbyJoinGame:
		pkt.Payload = LobbyJoinGame{GameID: r.ReadUint32()}
	}
	return pkt, nil
}
