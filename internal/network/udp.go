package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/flagrun/internal/protocol"
)

// DefaultQueueSize is the number of datagrams buffered between the socket
// reader and the tick loop.
const DefaultQueueSize = 256

// UDPTransport is a UDP socket polled without blocking. A reader goroutine
// moves datagrams from the socket into a bounded queue; TryReceive pops
// from that queue. Datagrams arriving while the queue is full are dropped,
// as the network itself would.
type UDPTransport struct {
	conn      *net.UDPConn
	local     netip.AddrPort
	inbox     chan Datagram
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
	logger    zerolog.Logger
}

// ListenUDP binds addr ("ip:port", port 0 for ephemeral) and starts the
// reader. The socket is closed when ctx is cancelled.
func ListenUDP(ctx context.Context, addr string, queueSize int) (*UDPTransport, error) {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	// SO_REUSEADDR lets a drained instance port be rebound immediately.
	lc := ReuseAddrListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on udp %s: %w", addr, err)
	}
	conn := pc.(*net.UDPConn)
	local := conn.LocalAddr().(*net.UDPAddr).AddrPort()

	t := &UDPTransport{
		conn:   conn,
		local:  netip.AddrPortFrom(local.Addr().Unmap(), local.Port()),
		inbox:  make(chan Datagram, queueSize),
		done:   make(chan struct{}),
		logger: log.With().Str("component", "udp").Str("local", local.String()).Logger(),
	}

	go func() {
		select {
		case <-ctx.Done():
			t.Close()
		case <-t.done:
		}
	}()
	go t.readLoop()

	t.logger.Debug().Msg("udp transport listening")
	return t, nil
}

func (t *UDPTransport) readLoop() {
	// One spare byte so an oversized datagram never decodes as a record.
	buf := make([]byte, protocol.MaxPacketSize+1)
	for {
		n, from, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-t.done:
				return
			default:
				t.logger.Debug().Err(err).Msg("udp read error")
				continue
			}
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		d := Datagram{From: netip.AddrPortFrom(from.Addr().Unmap(), from.Port()), Data: data}

		select {
		case t.inbox <- d:
		default:
			t.dropped.Add(1)
		}
	}
}

func (t *UDPTransport) TryReceive() (Datagram, bool) {
	select {
	case d := <-t.inbox:
		return d, true
	default:
		return Datagram{}, false
	}
}

func (t *UDPTransport) Send(to netip.AddrPort, data []byte) error {
	if _, err := t.conn.WriteToUDPAddrPort(data, to); err != nil {
		return fmt.Errorf("udp send to %s: %w", to, err)
	}
	return nil
}

func (t *UDPTransport) LocalAddr() netip.AddrPort {
	return t.local
}

// Dropped returns how many datagrams were discarded on a full queue.
func (t *UDPTransport) Dropped() uint64 {
	return t.dropped.Load()
}

func (t *UDPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.conn.Close()
		t.logger.Debug().Msg("udp transport closed")
	})
	return err
}
