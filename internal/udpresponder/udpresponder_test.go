package udpresponder

import (
	"testing"
	"time"

	"github.com/doipgw/doipgw/internal/catalog"
	"github.com/doipgw/doipgw/internal/config"
	"github.com/doipgw/doipgw/internal/logging"
	"github.com/doipgw/doipgw/internal/protocol"
	"github.com/doipgw/doipgw/internal/transport"
	"github.com/doipgw/doipgw/internal/wire"
)

func loadFixtureGateway(t *testing.T) *config.Gateway {
	t.Helper()
	gw, err := config.Load("../../testdata/example/gateway.yaml", logging.Default(false))
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	return gw
}

func newLoopbackSocket(t *testing.T) *transport.UDPSocket {
	t.Helper()
	sock, err := transport.NewUDPSocket("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("NewUDPSocket() error = %v", err)
	}
	t.Cleanup(func() { _ = sock.Close() })
	return sock
}

func TestResponder_VehicleIdentification(t *testing.T) {
	gw := loadFixtureGateway(t)
	serverSock := newLoopbackSocket(t)
	clientSock := newLoopbackSocket(t)

	r := New(gw, serverSock, catalog.NewCycler(), gw.MaxConnections, func() int { return 0 }, logging.Default(false))
	go func() { _ = r.Serve() }()
	defer serverSock.Close()

	req := wire.EncodeFrame(gw.ProtocolVersion, protocol.PayloadVehicleIDRequest, nil)
	if _, err := clientSock.WriteTo(req, serverSock.LocalAddr()); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}

	buf := make([]byte, 4096)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, _, _, err := clientSock.ReadFrom(buf)
		if err != nil {
			continue
		}
		frame, err := wire.DecodeFrame(buf[:n])
		if err != nil {
			t.Fatalf("DecodeFrame() error = %v", err)
		}
		if frame.Header.PayloadType != protocol.PayloadVehicleAnnouncement {
			t.Fatalf("payload type = %v, want VehicleAnnouncement", frame.Header.PayloadType)
		}
		ident, err := wire.DecodeVehicleIdentificationResponse(frame.Payload)
		if err != nil {
			t.Fatalf("DecodeVehicleIdentificationResponse() error = %v", err)
		}
		if string(ident.VIN[:]) != gw.VIN {
			t.Fatalf("VIN = %q, want %q", ident.VIN, gw.VIN)
		}
		return
	}
	t.Fatalf("timed out waiting for vehicle identification response")
}

func TestResponder_VehicleIdentificationByEID_RejectsMismatch(t *testing.T) {
	gw := loadFixtureGateway(t)
	serverSock := newLoopbackSocket(t)
	clientSock := newLoopbackSocket(t)

	r := New(gw, serverSock, catalog.NewCycler(), gw.MaxConnections, func() int { return 0 }, logging.Default(false))
	go func() { _ = r.Serve() }()
	defer serverSock.Close()

	mismatched := [6]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	req := wire.EncodeFrame(gw.ProtocolVersion, protocol.PayloadVehicleIDRequestByEID, mismatched[:])
	if _, err := clientSock.WriteTo(req, serverSock.LocalAddr()); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}

	type result struct {
		n   int
		err error
	}
	received := make(chan result, 1)
	go func() {
		buf := make([]byte, 4096)
		n, _, _, err := clientSock.ReadFrom(buf)
		received <- result{n: n, err: err}
	}()

	select {
	case res := <-received:
		if res.err == nil {
			t.Fatalf("expected no reply for mismatched EID, got %d bytes", res.n)
		}
	case <-time.After(300 * time.Millisecond):
		// No datagram arrived, as expected (ISO 13400-2 §4.5 EID mismatch -> drop).
	}
}

func TestResponder_PowerMode_CyclesStatus(t *testing.T) {
	gw := loadFixtureGateway(t)
	serverSock := newLoopbackSocket(t)
	clientSock := newLoopbackSocket(t)

	r := New(gw, serverSock, catalog.NewCycler(), gw.MaxConnections, func() int { return 0 }, logging.Default(false))
	go func() { _ = r.Serve() }()
	defer serverSock.Close()

	readStatus := func() byte {
		t.Helper()
		req := wire.EncodeFrame(gw.ProtocolVersion, protocol.PayloadDiagnosticPowerModeReq, nil)
		if _, err := clientSock.WriteTo(req, serverSock.LocalAddr()); err != nil {
			t.Fatalf("WriteTo() error = %v", err)
		}

		buf := make([]byte, 4096)
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			n, _, _, err := clientSock.ReadFrom(buf)
			if err != nil {
				continue
			}
			frame, err := wire.DecodeFrame(buf[:n])
			if err != nil {
				t.Fatalf("DecodeFrame() error = %v", err)
			}
			if len(frame.Payload) != 1 {
				t.Fatalf("power mode body = %v, want a single status byte", frame.Payload)
			}
			return frame.Payload[0]
		}
		t.Fatalf("timed out waiting for power mode response")
		return 0
	}

	// testdata/example/gateway.yaml configures power_mode: [0x01, 0x00, 0x01];
	// the responder must cycle through it in order and wrap (ISO 13400-2 §4.5).
	want := []byte{0x01, 0x00, 0x01, 0x01}
	for i, w := range want {
		if got := readStatus(); got != w {
			t.Fatalf("status[%d] = 0x%02X, want 0x%02X", i, got, w)
		}
	}
}
