package network

import (
	"cmp"
	"net/netip"
	"slices"

	"github.com/rs/zerolog"

	"github.com/energizer-project/flagrun/internal/protocol"
)

// MaxBatch caps how many datagrams one Drain consumes so a flood cannot
// starve the rest of the tick.
const MaxBatch = 1024

// Inbound is one decoded packet with its sender.
type Inbound[P protocol.Packet] struct {
	From   netip.AddrPort
	Packet P
}

// Batcher drains a transport once per tick and hands back the decoded
// packets with duplicates removed, ordered by sequence number. Duplicates
// are packets from the same sender with the same sequence number.
type Batcher[P protocol.Packet] struct {
	transport Transport
	decode    func([]byte) (P, error)

	malformed  uint64
	duplicates uint64

	logger zerolog.Logger
}

// NewBatcher creates a batcher over transport using decode for the
// protocol family the socket speaks.
func NewBatcher[P protocol.Packet](transport Transport, decode func([]byte) (P, error), logger zerolog.Logger) *Batcher[P] {
	return &Batcher[P]{
		transport: transport,
		decode:    decode,
		logger:    logger,
	}
}

type batchKey struct {
	from netip.AddrPort
	seq  uint32
}

// Drain polls the transport until it is empty (or MaxBatch is reached) and
// returns the batch in ascending sequence order. Malformed records are
// dropped.
func (b *Batcher[P]) Drain() []Inbound[P] {
	var batch []Inbound[P]
	seen := make(map[batchKey]struct{})

	for range MaxBatch {
		d, ok := b.transport.TryReceive()
		if !ok {
			break
		}

		pkt, err := b.decode(d.Data)
		if err != nil {
			b.malformed++
			b.logger.Debug().
				Err(err).
				Str("from", d.From.String()).
				Int("size", len(d.Data)).
				Msg("dropped malformed packet")
			continue
		}

		key := batchKey{from: d.From, seq: pkt.Seq()}
		if _, dup := seen[key]; dup {
			b.duplicates++
			continue
		}
		seen[key] = struct{}{}
		batch = append(batch, Inbound[P]{From: d.From, Packet: pkt})
	}

	slices.SortFunc(batch, func(x, y Inbound[P]) int {
		if c := cmp.Compare(x.Packet.Seq(), y.Packet.Seq()); c != 0 {
			return c
		}
		return x.From.Compare(y.From)
	})
	return batch
}

// Malformed returns the number of records dropped by the decoder.
func (b *Batcher[P]) Malformed() uint64 {
	return b.malformed
}

// Duplicates returns the number of records collapsed as duplicates.
func (b *Batcher[P]) Duplicates() uint64 {
	return b.duplicates
}
