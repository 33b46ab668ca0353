package transport

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
)

// Datagram is one message in flight on a MemNetwork.
type Datagram struct {
	From, To netip.Addr
	Data     []byte
}

// MemNetwork is an in-process datagram network. Sends are queued and only
// delivered by Flush, in FIFO order, which makes multi node scenarios
// deterministic.
type MemNetwork struct {
	mu        sync.Mutex
	queue     []Datagram
	endpoints map[netip.Addr]*MemEndpoint

	// Drop, when set, discards the datagrams it returns true for.
	Drop func(Datagram) bool
}

// NewMemNetwork creates an empty network.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{endpoints: make(map[netip.Addr]*MemEndpoint)}
}

// Endpoint returns the endpoint bound to addr, creating it on first use.
func (m *MemNetwork) Endpoint(addr netip.Addr) *MemEndpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ep, ok := m.endpoints[addr]; ok {
		return ep
	}
	ep := &MemEndpoint{net: m, addr: addr}
	m.endpoints[addr] = ep
	return ep
}

// Pending returns the number of queued datagrams.
func (m *MemNetwork) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Flush delivers queued datagrams, including the ones handlers send while it
// runs, until the queue is empty. It returns the number delivered and gives
// up with an error after limit deliveries.
func (m *MemNetwork) Flush(limit int) (int, error) {
	delivered := 0
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return delivered, nil
		}
		if delivered >= limit {
			m.mu.Unlock()
			return delivered, fmt.Errorf("network still busy after %d datagrams", limit)
		}
		d := m.queue[0]
		m.queue = m.queue[1:]
		drop := m.Drop
		ep := m.endpoints[d.To]
		m.mu.Unlock()

		delivered++
		if drop != nil && drop(d) {
			continue
		}
		if ep == nil {
			continue
		}
		if h := ep.handler(); h != nil {
			h(d.From, d.Data)
		}
	}
}

var _ Conn = (*MemEndpoint)(nil)

// MemEndpoint is one address on a MemNetwork.
type MemEndpoint struct {
	net  *MemNetwork
	addr netip.Addr

	mu     sync.Mutex
	h      Handler
	closed bool
}

// Addr is the endpoint's address.
func (e *MemEndpoint) Addr() netip.Addr {
	return e.addr
}

// Send queues data for to.
func (e *MemEndpoint) Send(to netip.Addr, data []byte) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return fmt.Errorf("endpoint %s is closed", e.addr)
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	e.net.mu.Lock()
	e.net.queue = append(e.net.queue, Datagram{From: e.addr, To: to, Data: buf})
	e.net.mu.Unlock()
	return nil
}

// SetHandler registers the receive handler without blocking.
func (e *MemEndpoint) SetHandler(h Handler) {
	e.mu.Lock()
	e.h = h
	e.mu.Unlock()
}

// Serve registers handler and blocks until ctx is done.
func (e *MemEndpoint) Serve(ctx context.Context, handler Handler) error {
	e.SetHandler(handler)
	<-ctx.Done()
	e.SetHandler(nil)
	return nil
}

// Close detaches the endpoint; later sends fail and deliveries are dropped.
func (e *MemEndpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	e.h = nil
	e.mu.Unlock()
	return nil
}

func (e *MemEndpoint) handler() Handler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.h
}
