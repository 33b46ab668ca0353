// Package transport moves datagrams between ring members and serves the
// operator control plane.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/zde37/gusearch/pkg"
)

// MaxDatagramSize bounds one encoded message.
const MaxDatagramSize = 64 * 1024

// Handler receives one datagram. It runs on the receive goroutine.
type Handler func(from netip.Addr, data []byte)

// Conn is a datagram endpoint.
type Conn interface {
	Send(to netip.Addr, data []byte) error
	Serve(ctx context.Context, handler Handler) error
	Close() error
}

var _ Conn = (*UDPTransport)(nil)

// UDPTransport is one UDP socket. Every member of a ring listens on the same
// port, so peers are addressed by IPv4 alone.
type UDPTransport struct {
	conn   *net.UDPConn
	port   uint16
	logger *pkg.Logger

	closeOnce sync.Once
}

// ListenUDP binds host:port. Port 0 picks a free port, which only makes sense
// for a ring with a single member.
func ListenUDP(host string, port int, logger *pkg.Logger) (*UDPTransport, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil, fmt.Errorf("invalid host %q: %w", host, err)
	}
	conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(netip.AddrPortFrom(addr, uint16(port))))
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	local := conn.LocalAddr().(*net.UDPAddr)

	t := &UDPTransport{
		conn:   conn,
		port:   uint16(local.Port),
		logger: logger.WithFields(pkg.Fields{"component": "udp"}),
	}
	t.logger.Info().Str("address", local.String()).Msg("UDP transport listening")
	return t, nil
}

// Port is the bound port.
func (t *UDPTransport) Port() int {
	return int(t.port)
}

// Send writes one datagram to the shared port on to.
func (t *UDPTransport) Send(to netip.Addr, data []byte) error {
	if len(data) > MaxDatagramSize {
		return fmt.Errorf("datagram of %d bytes exceeds %d", len(data), MaxDatagramSize)
	}
	_, err := t.conn.WriteToUDPAddrPort(data, netip.AddrPortFrom(to, t.port))
	if err != nil {
		return fmt.Errorf("failed to send to %s: %w", to, err)
	}
	return nil
}

// Serve reads datagrams until ctx is done or the socket is closed. The buffer
// handed to handler is reused, so handlers must copy what they keep.
func (t *UDPTransport) Serve(ctx context.Context, handler Handler) error {
	stop := context.AfterFunc(ctx, func() { _ = t.Close() })
	defer stop()

	buf := make([]byte, MaxDatagramSize)
	for {
		n, src, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("udp read failed: %w", err)
		}
		handler(src.Addr().Unmap(), buf[:n])
	}
}

// Close releases the socket. It is safe to call more than once.
func (t *UDPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.conn.Close()
		t.logger.Debug().Msg("UDP transport closed")
	})
	return err
}
