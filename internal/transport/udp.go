// Package transport wraps the gateway's UDP socket, used by C5 and for the
// optional startup announcement. The TCP listener is not part of this
// package; C7 opens it directly with net.Listen.
//
// The UDP socket is wrapped in an ipv4.PacketConn so ReadFrom can report
// which local interface a datagram arrived on (via IP_PKTINFO/IP_RECVIF).
// The startup Vehicle Announcement goes to the broadcast address of the
// first non-loopback IPv4 interface (BroadcastAddr), not to one chosen
// from that interface index.
package transport

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"

	"github.com/doipgw/doipgw/internal/xerrors"
)

// UDPSocket is the gateway's UDP transport (ISO 13400-2 §4.5, §4.7).
type UDPSocket struct {
	conn  *net.UDPConn
	pconn *ipv4.PacketConn
}

// NewUDPSocket binds a UDP socket to host:port, enabling SO_REUSEADDR and
// SO_BROADCAST (needed for the startup Vehicle Announcement) and control
// messages that report the receiving interface index.
func NewUDPSocket(host string, port int) (*UDPSocket, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(host), Port: port}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, &xerrors.BindError{Operation: "listen udp", Addr: addr.String(), Err: err}
	}

	if rawConn, ctrlErr := conn.SyscallConn(); ctrlErr == nil {
		var optErr error
		_ = rawConn.Control(func(fd uintptr) {
			optErr = setSocketOptions(fd)
		})
		if optErr != nil {
			// Best-effort: broadcast/reuse failures degrade gracefully to
			// "startup announcement skipped", never to a bind failure.
			_ = optErr
		}
	}

	pconn := ipv4.NewPacketConn(conn)
	_ = pconn.SetControlMessage(ipv4.FlagInterface, true)

	return &UDPSocket{conn: conn, pconn: pconn}, nil
}

// ReadFrom reads one datagram, returning the source address and the index
// of the local interface it arrived on (0 if unknown).
func (s *UDPSocket) ReadFrom(buf []byte) (n int, src net.Addr, ifIndex int, err error) {
	n, cm, src, err := s.pconn.ReadFrom(buf)
	if cm != nil {
		ifIndex = cm.IfIndex
	}
	return n, src, ifIndex, err
}

// WriteTo sends a datagram to dest.
func (s *UDPSocket) WriteTo(b []byte, dest net.Addr) (int, error) {
	return s.conn.WriteTo(b, dest)
}

// LocalAddr returns the socket's bound local address.
func (s *UDPSocket) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// Close releases the socket.
func (s *UDPSocket) Close() error {
	return s.conn.Close()
}

// BroadcastAddr computes the IPv4 broadcast address of the first
// non-loopback interface with an assigned address, for the optional
// startup Vehicle Announcement (ISO 13400-2 §4.7).
func BroadcastAddr(port int) (*net.UDPAddr, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}

	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		ip4 := ipnet.IP.To4()
		if ip4 == nil {
			continue
		}

		broadcast := make(net.IP, 4)
		for i := range ip4 {
			broadcast[i] = ip4[i] | ^ipnet.Mask[i]
		}
		return &net.UDPAddr{IP: broadcast, Port: port}, nil
	}

	return nil, fmt.Errorf("no non-loopback IPv4 interface found for broadcast")
}
