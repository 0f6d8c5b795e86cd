// Package network carries flagrun records over unreliable datagram
// transports. It provides the UDP and in-memory transports, the per-socket
// sequence allocator, the reliable per-peer channel and the inbound batcher
// that every tick loop drains.
package network

import "net/netip"

// Datagram is one received record and its sender.
type Datagram struct {
	From netip.AddrPort
	Data []byte
}

// Transport is a non-blocking datagram socket.
type Transport interface {
	// TryReceive returns the next queued datagram, or false when nothing
	// is available. It never blocks.
	TryReceive() (Datagram, bool)
	Send(to netip.AddrPort, data []byte) error
	LocalAddr() netip.AddrPort
	Close() error
}
