package network

import (
	"log/slog"
	"net"
	"time"

	"golang.org/x/net/ipv4"

	"tftpd/internal/config"
	"tftpd/internal/errors"
	"tftpd/internal/protocol"
)

const (
	// DSCP low delay, as an interactive protocol
	lowDelayTOS = 0x10
	defaultTTL  = 64
)

// Transport sends and receives TFTP packets over one UDP socket
type Transport struct {
	conn *net.UDPConn
	buf  []byte
}

// Listen binds a transport to a fixed local address such as ":69"
func Listen(addr string) (*Transport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.NewNetworkError("resolve", addr, err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errors.NewNetworkError("listen", addr, err)
	}

	if err := OptimizeUDPConn(conn); err != nil {
		conn.Close()
		return nil, err
	}

	return newTransport(conn), nil
}

// Ephemeral binds a transport to an OS assigned port on ip. An empty ip binds
// all interfaces.
func Ephemeral(ip string) (*Transport, error) {
	return Listen(net.JoinHostPort(ip, "0"))
}

func newTransport(conn *net.UDPConn) *Transport {
	// One spare byte so an oversized datagram is seen as such instead of
	// being silently cut to a valid length
	return &Transport{conn: conn, buf: make([]byte, protocol.MaxPacketSize+1)}
}

// Send encodes p and writes it to the given peer
func (t *Transport) Send(p protocol.Packet, to *net.UDPAddr) error {
	datagram, err := protocol.Encode(p)
	if err != nil {
		return err
	}

	if _, err := t.conn.WriteToUDP(datagram, to); err != nil {
		return errors.NewNetworkError("send", to.String(), err)
	}
	return nil
}

// Receive waits up to timeout for one datagram and decodes it. A zero timeout
// waits forever. The sender address is returned even when decoding fails so
// the caller can decide whom to answer.
func (t *Transport) Receive(timeout time.Duration) (protocol.Packet, *net.UDPAddr, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return nil, nil, errors.NewNetworkError("set_deadline", t.LocalAddr().String(), err)
	}

	n, from, err := t.conn.ReadFromUDP(t.buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil, errors.NewNetworkError("receive", t.LocalAddr().String(), errors.ErrTimeout)
		}
		return nil, nil, errors.NewNetworkError("receive", t.LocalAddr().String(), err)
	}

	packet, err := protocol.Parse(t.buf[:n])
	if err != nil {
		return nil, from, err
	}
	return packet, from, nil
}

// Interrupt makes a blocked Receive return immediately with a timeout
func (t *Transport) Interrupt() {
	t.conn.SetReadDeadline(time.Now())
}

// LocalAddr returns the bound local address
func (t *Transport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// Close releases the socket
func (t *Transport) Close() error {
	return t.conn.Close()
}

// OptimizeUDPConn applies socket options suited to lock-step transfers
func OptimizeUDPConn(conn *net.UDPConn) error {
	if conn == nil {
		return errors.NewNetworkError("optimize", "", net.ErrClosed)
	}

	if err := conn.SetReadBuffer(config.UDPBufferSize); err != nil {
		slog.Warn("Failed to set UDP read buffer", "error", err)
	}

	if err := conn.SetWriteBuffer(config.UDPBufferSize); err != nil {
		slog.Warn("Failed to set UDP write buffer", "error", err)
	}

	// IPv4 header options; an IPv6-only socket rejects these
	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetTOS(lowDelayTOS); err != nil {
		slog.Debug("Failed to set IP TOS", "error", err)
	}
	if err := pc.SetTTL(defaultTTL); err != nil {
		slog.Debug("Failed to set IP TTL", "error", err)
	}

	return nil
}
