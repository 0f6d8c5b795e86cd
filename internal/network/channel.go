package network

import (
	"cmp"
	"net/netip"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/flagrun/internal/clock"
	"github.com/energizer-project/flagrun/internal/protocol"
)

// DefaultResendInterval is how long a reliable packet waits for its Ack
// before being sent again.
const DefaultResendInterval = 250 * time.Millisecond

// PendingSend is one reliable packet still waiting for its Ack. ID is the
// sequence number of the first transmission and never changes; Sequence
// and SentAt follow the latest transmission.
type PendingSend struct {
	ID       uint32
	Sequence uint32
	SentAt   time.Time
	Resends  int
	Packet   protocol.Packet
}

// Channel delivers packets to one remote endpoint, retrying the ones that
// require acknowledgment until they are acked. A Channel is owned by a
// single tick loop.
type Channel struct {
	remote      netip.AddrPort
	transport   Transport
	seq         *SequenceAllocator
	resendAfter time.Duration

	pending map[uint32]*PendingSend // by ID
	current map[uint32]uint32       // current sequence -> ID

	logger zerolog.Logger
}

// NewChannel creates a channel to remote over transport. seq must be the
// allocator shared by every channel on the same transport.
func NewChannel(transport Transport, remote netip.AddrPort, seq *SequenceAllocator, resendAfter time.Duration) *Channel {
	if resendAfter <= 0 {
		resendAfter = DefaultResendInterval
	}
	return &Channel{
		remote:      remote,
		transport:   transport,
		seq:         seq,
		resendAfter: resendAfter,
		pending:     make(map[uint32]*PendingSend),
		current:     make(map[uint32]uint32),
		logger: log.With().
			Str("component", "channel").
			Str("remote", remote.String()).
			Logger(),
	}
}

// Remote returns the peer this channel sends to.
func (c *Channel) Remote() netip.AddrPort {
	return c.remote
}

// Send stamps pkt with the next sequence number and now, transmits it and,
// if requiresAck, keeps a copy pending until acknowledged. It returns the
// assigned sequence number, or 0 if the packet could not be encoded.
func (c *Channel) Send(pkt protocol.Packet, requiresAck bool, now time.Time) uint32 {
	seq := c.seq.Next()
	pkt.Stamp(seq, clock.Seconds(now))

	if !c.transmit(pkt) {
		return 0
	}

	if requiresAck {
		c.pending[seq] = &PendingSend{
			ID:       seq,
			Sequence: seq,
			SentAt:   now,
			Packet:   pkt.Clone(),
		}
		c.current[seq] = seq
	}
	return seq
}

// Acknowledge removes the pending packet whose current sequence number is
// seq. Acks for an earlier transmission of a resent packet, or for packets
// already acknowledged, do nothing. Reports whether an entry was removed.
func (c *Channel) Acknowledge(seq uint32) bool {
	id, ok := c.current[seq]
	if !ok {
		return false
	}
	delete(c.current, seq)
	delete(c.pending, id)
	return true
}

// Resend retransmits every pending packet older than the resend interval,
// restamping the pending entry in place. Returns the number resent.
func (c *Channel) Resend(now time.Time) int {
	if len(c.pending) == 0 {
		return 0
	}

	ids := make([]uint32, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	resent := 0
	for _, id := range ids {
		p := c.pending[id]
		if now.Sub(p.SentAt) < c.resendAfter {
			continue
		}

		delete(c.current, p.Sequence)
		p.Sequence = c.seq.Next()
		p.SentAt = now
		p.Resends++
		p.Packet.Stamp(p.Sequence, clock.Seconds(now))
		c.current[p.Sequence] = id

		c.transmit(p.Packet)
		resent++

		c.logger.Trace().
			Uint32("id", id).
			Uint32("seq", p.Sequence).
			Str("kind", p.Packet.Kind().String()).
			Int("resends", p.Resends).
			Msg("resent reliable packet")
	}
	return resent
}

// Forget drops every pending packet of the given kind without waiting for
// its Ack. Returns the number dropped.
func (c *Channel) Forget(kind protocol.Kind) int {
	n := 0
	for id, p := range c.pending {
		if p.Packet.Kind() == kind {
			delete(c.current, p.Sequence)
			delete(c.pending, id)
			n++
		}
	}
	return n
}

// Clear drops all pending packets.
func (c *Channel) Clear() {
	clear(c.pending)
	clear(c.current)
}

// Len returns the number of packets awaiting acknowledgment.
func (c *Channel) Len() int {
	return len(c.pending)
}

// Pending returns a copy of the pending table ordered by ID.
func (c *Channel) Pending() []PendingSend {
	out := make([]PendingSend, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b PendingSend) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// transmit encodes and sends pkt. Send failures leave pending entries in
// place so the next resend retries them.
func (c *Channel) transmit(pkt protocol.Packet) bool {
	data, err := pkt.MarshalBinary()
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to encode packet")
		return false
	}
	if err := c.transport.Send(c.remote, data); err != nil {
		c.logger.Warn().Err(err).Str("kind", pkt.Kind().String()).Msg("send failed")
	}
	return true
}
