package server

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/doipgw/doipgw/internal/config"
	"github.com/doipgw/doipgw/internal/logging"
	"github.com/doipgw/doipgw/internal/protocol"
	"github.com/doipgw/doipgw/internal/wire"
)

// loadFixture loads the example gateway document and rebinds it to a
// fixed loopback port; Server binds its TCP listener and UDP socket to
// the same gw.Host:gw.Port independently, so port 0 (kernel-assigned)
// would give the two sockets different ports. Each test gets its own
// port to avoid colliding with a socket left by a prior test.
func loadFixture(t *testing.T, port int) *config.Gateway {
	t.Helper()
	gw, err := config.Load("../../testdata/example/gateway.yaml", logging.Default(false))
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	gw.Host = "127.0.0.1"
	gw.Port = port
	return gw
}

// startServer binds a Server on the loopback address and port set by
// loadFixture and runs it until the test finishes, returning the bound TCP
// address.
func startServer(t *testing.T, gw *config.Gateway) (*Server, net.Addr) {
	t.Helper()
	s, err := New(gw, logging.Default(false))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	addr := s.listener.Addr()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return s, addr
}

func readFrame(t *testing.T, conn net.Conn) wire.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	header := make([]byte, wire.HeaderLen)
	if _, err := io.ReadFull(conn, header); err != nil {
		t.Fatalf("read header: %v", err)
	}
	h, err := wire.DecodeHeader(header)
	if err != nil {
		t.Fatalf("DecodeHeader() error = %v", err)
	}
	payload := make([]byte, h.PayloadLength)
	if h.PayloadLength > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			t.Fatalf("read payload: %v", err)
		}
	}
	return wire.Frame{Header: h, Payload: payload}
}

func TestServer_AcceptAndRoutingActivation(t *testing.T) {
	gw := loadFixture(t, 31400)
	_, addr := startServer(t, gw)

	conn, err := net.Dial("tcp4", addr.String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	req := wire.EncodeFrame(gw.ProtocolVersion, protocol.PayloadRoutingActivationReq,
		append([]byte{0x0E, 0x00, 0x00}, make([]byte, 8)...))
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	frame := readFrame(t, conn)
	if frame.Header.PayloadType != protocol.PayloadRoutingActivationResp {
		t.Fatalf("payload type = %v, want RoutingActivationResponse", frame.Header.PayloadType)
	}
	resp, err := wire.DecodeRoutingActivationResponse(frame.Payload)
	if err != nil {
		t.Fatalf("DecodeRoutingActivationResponse() error = %v", err)
	}
	if resp.ResponseCode != protocol.RoutingActivationSuccess {
		t.Fatalf("response code = 0x%02X, want success", resp.ResponseCode)
	}
}

func TestServer_RejectsConnectionsBeyondMaxConnections(t *testing.T) {
	gw := loadFixture(t, 31401)
	gw.MaxConnections = 1
	_, addr := startServer(t, gw)

	first, err := net.Dial("tcp4", addr.String())
	if err != nil {
		t.Fatalf("Dial() first error = %v", err)
	}
	defer first.Close()

	// Give the accept loop a moment to register the first session before
	// dialing the second; acceptance is asynchronous.
	time.Sleep(50 * time.Millisecond)

	second, err := net.Dial("tcp4", addr.String())
	if err != nil {
		t.Fatalf("Dial() second error = %v", err)
	}
	defer second.Close()

	_ = second.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := second.Read(buf); err == nil {
		t.Fatalf("expected second connection to be closed at accept time")
	}
}

func TestServer_UDPVehicleIdentificationRequest(t *testing.T) {
	gw := loadFixture(t, 31402)
	startServer(t, gw)

	client, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.ParseIP(gw.Host), Port: gw.Port})
	if err != nil {
		t.Fatalf("DialUDP() error = %v", err)
	}
	defer client.Close()

	req := wire.EncodeFrame(gw.ProtocolVersion, protocol.PayloadVehicleIDRequest, nil)
	if _, err := client.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	frame, err := wire.DecodeFrame(buf[:n])
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if frame.Header.PayloadType != protocol.PayloadVehicleAnnouncement {
		t.Fatalf("payload type = %v, want the vehicle identification response payload type", frame.Header.PayloadType)
	}
	identity, err := wire.DecodeVehicleIdentificationResponse(frame.Payload)
	if err != nil {
		t.Fatalf("DecodeVehicleIdentificationResponse() error = %v", err)
	}
	if string(identity.VIN[:]) != gw.VIN {
		t.Fatalf("VIN = %q, want %q", identity.VIN[:], gw.VIN)
	}
}

func TestServer_RunStopsOnContextCancel(t *testing.T) {
	gw := loadFixture(t, 31403)
	s, err := New(gw, logging.Default(false))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() error = %v, want nil on clean shutdown", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Run() did not return after context cancellation")
	}
}
