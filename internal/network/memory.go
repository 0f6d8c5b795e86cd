package network

import (
	"fmt"
	"net/netip"
	"sync"
)

// MemoryHub connects in-process transports by address. It stands in for
// the network in tests.
type MemoryHub struct {
	mu    sync.Mutex
	ports map[netip.AddrPort]*MemoryTransport
	drop  func(from, to netip.AddrPort, data []byte) bool
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{ports: make(map[netip.AddrPort]*MemoryTransport)}
}

// SetDrop installs a loss function; returning true discards the datagram.
func (h *MemoryHub) SetDrop(drop func(from, to netip.AddrPort, data []byte) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop = drop
}

// Listen binds a transport to addr.
func (h *MemoryHub) Listen(addr netip.AddrPort) (*MemoryTransport, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, taken := h.ports[addr]; taken {
		return nil, fmt.Errorf("memory transport %s: address in use", addr)
	}
	t := &MemoryTransport{hub: h, addr: addr}
	h.ports[addr] = t
	return t, nil
}

func (h *MemoryHub) deliver(from, to netip.AddrPort, data []byte) {
	h.mu.Lock()
	dst, ok := h.ports[to]
	drop := h.drop
	h.mu.Unlock()

	if !ok || (drop != nil && drop(from, to, data)) {
		return
	}
	dst.Inject(from, data)
}

// MemoryTransport is one endpoint on a MemoryHub.
type MemoryTransport struct {
	hub    *MemoryHub
	addr   netip.AddrPort
	mu     sync.Mutex
	queue  []Datagram
	closed bool
}

// Inject queues a datagram as if it had arrived from the network.
func (t *MemoryTransport) Inject(from netip.AddrPort, data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.queue = append(t.queue, Datagram{From: from, Data: buf})
}

func (t *MemoryTransport) TryReceive() (Datagram, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return Datagram{}, false
	}
	d := t.queue[0]
	t.queue = t.queue[1:]
	return d, true
}

func (t *MemoryTransport) Send(to netip.AddrPort, data []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return fmt.Errorf("memory transport %s: closed", t.addr)
	}
	t.hub.deliver(t.addr, to, data)
	return nil
}

func (t *MemoryTransport) LocalAddr() netip.AddrPort {
	return t.addr
}

// Pending returns the number of queued datagrams.
func (t *MemoryTransport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.queue = nil
	t.mu.Unlock()

	t.hub.mu.Lock()
	if t.hub.ports[t.addr] == t {
		delete(t.hub.ports, t.addr)
	}
	t.hub.mu.Unlock()
	return nil
}
