package session

import (
	"context"
	"encoding/hex"
	"io"
	"net"
	"testing"
	"time"

	"github.com/doipgw/doipgw/internal/catalog"
	"github.com/doipgw/doipgw/internal/config"
	"github.com/doipgw/doipgw/internal/logging"
	"github.com/doipgw/doipgw/internal/protocol"
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

func newTestSession(t *testing.T, gw *config.Gateway) (*Session, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	s := New(server, gw, catalog.NewCycler(), time.Minute, logging.Default(false))
	return s, client
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

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("hex.DecodeString(%q) error = %v", s, err)
	}
	return b
}

func TestSession_RoutingActivation_Success(t *testing.T) {
	gw := loadFixtureGateway(t)
	s, client := newTestSession(t, gw)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	req := wire.EncodeFrame(gw.ProtocolVersion, protocol.PayloadRoutingActivationReq,
		append([]byte{0x0E, 0x00, 0x00}, make([]byte, 8)...))
	if _, err := client.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	frame := readFrame(t, client)
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

func TestSession_RoutingActivation_UnknownSource(t *testing.T) {
	gw := loadFixtureGateway(t)
	s, client := newTestSession(t, gw)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	req := wire.EncodeFrame(gw.ProtocolVersion, protocol.PayloadRoutingActivationReq,
		append([]byte{0xBE, 0xEF, 0x00}, make([]byte, 8)...))
	if _, err := client.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	frame := readFrame(t, client)
	resp, err := wire.DecodeRoutingActivationResponse(frame.Payload)
	if err != nil {
		t.Fatalf("DecodeRoutingActivationResponse() error = %v", err)
	}
	if resp.ResponseCode == protocol.RoutingActivationSuccess {
		t.Fatalf("unknown source address must be denied (ISO 13400-2 §4.6)")
	}
}

func activate(t *testing.T, client net.Conn, gw *config.Gateway, source uint16) {
	t.Helper()
	body := make([]byte, 11)
	body[0] = byte(source >> 8)
	body[1] = byte(source)
	req := wire.EncodeFrame(gw.ProtocolVersion, protocol.PayloadRoutingActivationReq, body)
	if _, err := client.Write(req); err != nil {
		t.Fatalf("write activation request: %v", err)
	}
	readFrame(t, client) // discard the activation response
}

func TestSession_DiagnosticMessage_ReadVIN(t *testing.T) {
	gw := loadFixtureGateway(t)
	s, client := newTestSession(t, gw)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	activate(t, client, gw, 0x0E00)

	msgBody := wire.EncodeDiagnosticMessage(wire.DiagnosticMessage{
		SourceAddress: 0x0E00,
		TargetAddress: 0x1000,
		UDS:           mustHex(t, "22F190"),
	})
	frame := wire.EncodeFrame(gw.ProtocolVersion, protocol.PayloadDiagnosticMessage, msgBody)
	if _, err := client.Write(frame); err != nil {
		t.Fatalf("write diagnostic message: %v", err)
	}

	ack := readFrame(t, client)
	if ack.Header.PayloadType != protocol.PayloadDiagnosticMessagePosACK {
		t.Fatalf("first reply = %v, want positive ACK", ack.Header.PayloadType)
	}

	resp := readFrame(t, client)
	if resp.Header.PayloadType != protocol.PayloadDiagnosticMessage {
		t.Fatalf("second reply = %v, want DiagnosticMessage", resp.Header.PayloadType)
	}
	got, err := wire.DecodeDiagnosticMessage(resp.Payload)
	if err != nil {
		t.Fatalf("DecodeDiagnosticMessage() error = %v", err)
	}
	if got.SourceAddress != 0x1000 || got.TargetAddress != 0x0E00 {
		t.Fatalf("addresses = 0x%04X/0x%04X, want ECU 0x1000 replying to tester 0x0E00", got.SourceAddress, got.TargetAddress)
	}
	if hex.EncodeToString(got.UDS) != "62f190" {
		t.Fatalf("uds = %x, want 62f190", got.UDS)
	}
}

func TestSession_DiagnosticMessage_UnknownTarget(t *testing.T) {
	gw := loadFixtureGateway(t)
	s, client := newTestSession(t, gw)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	activate(t, client, gw, 0x0E00)

	msgBody := wire.EncodeDiagnosticMessage(wire.DiagnosticMessage{
		SourceAddress: 0x0E00,
		TargetAddress: 0x9999,
		UDS:           mustHex(t, "3E00"),
	})
	frame := wire.EncodeFrame(gw.ProtocolVersion, protocol.PayloadDiagnosticMessage, msgBody)
	if _, err := client.Write(frame); err != nil {
		t.Fatalf("write diagnostic message: %v", err)
	}

	nack := readFrame(t, client)
	if nack.Header.PayloadType != protocol.PayloadDiagnosticMessageNegACK {
		t.Fatalf("reply = %v, want negative ACK", nack.Header.PayloadType)
	}
	if len(nack.Payload) < 5 || nack.Payload[4] != protocol.DiagnosticNACKUnknownTargetAddress {
		t.Fatalf("nack code = %v, want DiagnosticNACKUnknownTargetAddress", nack.Payload)
	}
}

func TestSession_ActivatedUnknownPayloadType_ClosesSession(t *testing.T) {
	gw := loadFixtureGateway(t)
	s, client := newTestSession(t, gw)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	activate(t, client, gw, 0x0E00)

	// 0x9999 is not in the ISO 13400-2 §4.1 payload type table: this must
	// be classified as a decode failure (UnknownPayloadType) and close the
	// TCP connection, not silently drop while keeping the session open.
	frame := wire.EncodeFrame(gw.ProtocolVersion, protocol.PayloadType(0x9999), nil)
	if _, err := client.Write(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := client.Read(buf); err == nil {
		t.Fatalf("expected the session to close the connection on an unknown payload type")
	}
}

func TestSession_UnactivatedRejectsOtherPayloadTypes(t *testing.T) {
	gw := loadFixtureGateway(t)
	s, client := newTestSession(t, gw)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	msgBody := wire.EncodeDiagnosticMessage(wire.DiagnosticMessage{
		SourceAddress: 0x0E00,
		TargetAddress: 0x1000,
		UDS:           mustHex(t, "3E00"),
	})
	frame := wire.EncodeFrame(gw.ProtocolVersion, protocol.PayloadDiagnosticMessage, msgBody)
	if _, err := client.Write(frame); err != nil {
		t.Fatalf("write diagnostic message: %v", err)
	}

	nack := readFrame(t, client)
	if nack.Header.PayloadType != protocol.PayloadGenericNACK {
		t.Fatalf("reply = %v, want GenericNACK (ISO 13400-2 §4.6 UNACTIVATED state)", nack.Header.PayloadType)
	}
}
