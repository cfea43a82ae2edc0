// Package session implements the TCP per-connection state machine (C6):
// UNACTIVATED -> ACTIVATED -> CLOSED (ISO 13400-2 §4.6).
package session

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/doipgw/doipgw/internal/addressing"
	"github.com/doipgw/doipgw/internal/catalog"
	"github.com/doipgw/doipgw/internal/config"
	"github.com/doipgw/doipgw/internal/protocol"
	"github.com/doipgw/doipgw/internal/wire"
	"github.com/doipgw/doipgw/internal/xerrors"
)

// State is the session's position in the UNACTIVATED -> ACTIVATED ->
// CLOSED state machine (ISO 13400-2 §4.6).
type State int

const (
	StateUnactivated State = iota
	StateActivated
	StateClosed
)

// maxPayloadLen bounds the size of a single DoIP payload this gateway
// will allocate for, protecting the session goroutine from a hostile or
// corrupt length field. ISO 13400-2 diagnostic messages are small; 1 MiB
// is generous headroom.
const maxPayloadLen = 1 << 20

// Session owns one accepted TCP connection (ISO 13400-2 §3 "TCP session").
type Session struct {
	conn            net.Conn
	gw              *config.Gateway
	cycler          *catalog.Cycler
	idleTimeout     time.Duration
	log             zerolog.Logger

	state           State
	activatedSource uint16
}

// New constructs a Session around an accepted connection. idleTimeout is
// the gateway's configured idle timeout (ISO 13400-2 §3).
func New(conn net.Conn, gw *config.Gateway, cycler *catalog.Cycler, idleTimeout time.Duration, log zerolog.Logger) *Session {
	return &Session{
		conn:        conn,
		gw:          gw,
		cycler:      cycler,
		idleTimeout: idleTimeout,
		log:         log.With().Str("peer", conn.RemoteAddr().String()).Logger(),
		state:       StateUnactivated,
	}
}

// Run drives the session until it closes, either because the peer closed
// the connection, the idle timeout elapsed, a fatal decode error
// occurred, or ctx was cancelled (server shutdown).
func (s *Session) Run(ctx context.Context) {
	defer func() {
		_ = s.conn.Close()
		s.state = StateClosed
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		frame, err := s.readFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug().Err(err).Msg("session closing")
			}
			return
		}

		if !s.handleFrame(frame) {
			return
		}
	}
}

// readFrame reads exactly one DoIP frame from the connection, applying
// the idle timeout to the header read (ISO 13400-2 §3, §5).
func (s *Session) readFrame() (wire.Frame, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))

	header := make([]byte, wire.HeaderLen)
	if _, err := io.ReadFull(s.conn, header); err != nil {
		return wire.Frame{}, err
	}

	h, err := wire.DecodeHeader(header)
	if err != nil {
		var decodeErr *xerrors.DecodeError
		if errors.As(err, &decodeErr) && decodeErr.NACKWorthy() {
			s.writeFrame(wire.EncodeGenericNACK(s.gw.ProtocolVersion, protocol.NACKIncorrectPattern))
		}
		return wire.Frame{}, err
	}

	if h.PayloadLength > maxPayloadLen {
		return wire.Frame{}, &xerrors.DecodeError{Code: xerrors.BadLength, Details: "payload length exceeds maximum"}
	}

	payload := make([]byte, h.PayloadLength)
	if h.PayloadLength > 0 {
		if _, err := io.ReadFull(s.conn, payload); err != nil {
			return wire.Frame{}, err
		}
	}

	return wire.Frame{Header: h, Payload: payload}, nil
}

// handleFrame dispatches one decoded frame per the current state
// (ISO 13400-2 §4.6). It returns false when the session must close.
func (s *Session) handleFrame(frame wire.Frame) bool {
	switch s.state {
	case StateUnactivated:
		return s.handleUnactivated(frame)
	case StateActivated:
		return s.handleActivated(frame)
	default:
		return false
	}
}

func (s *Session) handleUnactivated(frame wire.Frame) bool {
	if frame.Header.PayloadType != protocol.PayloadRoutingActivationReq {
		s.writeFrame(wire.EncodeGenericNACK(s.gw.ProtocolVersion, protocol.InvalidPayloadTypeForState))
		return false
	}

	req, err := wire.DecodeRoutingActivationRequest(frame.Payload)
	if err != nil {
		s.log.Debug().Err(err).Msg("malformed routing activation request")
		return false
	}

	if !s.sourceKnownToAnyECU(req.SourceAddress) {
		resp := wire.EncodeRoutingActivationResponse(wire.RoutingActivationResponse{
			TesterSourceAddress:   req.SourceAddress,
			GatewayLogicalAddress: s.gw.LogicalAddress,
			ResponseCode:          protocol.RoutingActivationDeniedSourceNotAllowed,
		})
		s.writeFrame(wire.EncodeFrame(s.gw.ProtocolVersion, protocol.PayloadRoutingActivationResp, resp))
		s.log.Info().Uint16("source", req.SourceAddress).Bool("activated", false).Msg("routing activation")
		return false
	}

	s.activatedSource = req.SourceAddress
	s.state = StateActivated

	resp := wire.EncodeRoutingActivationResponse(wire.RoutingActivationResponse{
		TesterSourceAddress:   req.SourceAddress,
		GatewayLogicalAddress: s.gw.LogicalAddress,
		ResponseCode:          protocol.RoutingActivationSuccess,
	})
	s.writeFrame(wire.EncodeFrame(s.gw.ProtocolVersion, protocol.PayloadRoutingActivationResp, resp))
	s.log.Info().Uint16("source", req.SourceAddress).Bool("activated", true).Msg("routing activation")
	return true
}

// sourceKnownToAnyECU implements ISO 13400-2 §4.6: "the engine validates the
// tester source address against the union of all ECUs' allowed testers."
func (s *Session) sourceKnownToAnyECU(source uint16) bool {
	for _, ecu := range s.gw.ECUs {
		if ecu.AllowsTester(source) {
			return true
		}
	}
	return false
}

func (s *Session) handleActivated(frame wire.Frame) bool {
	switch frame.Header.PayloadType {
	case protocol.PayloadAliveCheckReq:
		resp := wire.EncodeAliveCheckResponse(s.gw.LogicalAddress)
		s.writeFrame(wire.EncodeFrame(s.gw.ProtocolVersion, protocol.PayloadAliveCheckResp, resp))
		return true

	case protocol.PayloadAliveCheckResp:
		// Peer answering our own alive check: no action beyond resetting
		// the idle deadline, which readFrame already did.
		return true

	case protocol.PayloadDiagnosticMessage:
		return s.handleDiagnosticMessage(frame)

	default:
		// ISO 13400-2 §4.6 names only 0x8001/0x0007/0x0008 as accepted in
		// ACTIVATED; anything else is dropped without closing the
		// session, the same "drop silently" disposition C5 applies to
		// unrecognised UDP payload types.
		s.log.Debug().Str("payload_type", frame.Header.PayloadType.String()).Msg("ignoring unexpected payload type in ACTIVATED state")
		return true
	}
}

func (s *Session) handleDiagnosticMessage(frame wire.Frame) bool {
	msg, err := wire.DecodeDiagnosticMessage(frame.Payload)
	if err != nil {
		s.log.Debug().Err(err).Msg("malformed diagnostic message, closing session")
		return false
	}

	if msg.SourceAddress != s.activatedSource {
		s.sendDiagnosticNACK(msg, protocol.DiagnosticNACKInvalidSourceAddress)
		return true
	}

	targets := addressing.Resolve(s.gw, msg.TargetAddress)
	if len(targets) == 0 {
		s.sendDiagnosticNACK(msg, protocol.DiagnosticNACKUnknownTargetAddress)
		return true
	}

	// ISO 13400-2 §4.6 step 3: reply immediately, before any per-ECU work.
	s.sendDiagnosticACK(msg)

	mode := targets[0].Mode
	allowed := addressing.FilterAllowed(targets, msg.SourceAddress)
	if len(allowed) == 0 {
		// ISO 13400-2 §4.4: "If the allowed subset is empty, the request
		// fails with NRC 0x33."
		s.sendUDSNegativeResponse(msg.TargetAddress, msg, protocol.NRCSecurityAccessDenied)
		return true
	}

	for _, t := range allowed {
		s.respondFromECU(t, mode, msg)
	}

	return true
}

func (s *Session) respondFromECU(t addressing.Target, mode protocol.AddressMode, msg wire.DiagnosticMessage) {
	svc, err := catalog.Match(t.ECU, msg.UDS, mode)
	if err != nil {
		// ISO 13400-2 §4.3 step 5 / §7: "Service unmatched ... UDS negative
		// response 7F <SID> 11."
		s.sendUDSNegativeResponse(t.ECU.TargetAddress, msg, protocol.NRCServiceNotSupported)
		return
	}

	sel := s.cycler.Next(t.ECU.TargetAddress, svc)
	if sel.NoBody {
		s.log.Info().
			Str("ecu", t.ECU.Name).Uint16("target", t.ECU.TargetAddress).
			Str("service", svc.Name).Msg("diagnostic request: no_response service")
		return
	}

	delay := svc.EffectiveDelay(sel.ResponseIndex)
	if delay > 0 {
		time.Sleep(time.Duration(delay) * time.Millisecond)
	}

	s.log.Info().
		Str("ecu", t.ECU.Name).Uint16("target", t.ECU.TargetAddress).
		Str("service", svc.Name).Int("response_index", sel.ResponseIndex).
		Int("delay_ms", delay).Msg("diagnostic request")

	out := wire.EncodeDiagnosticMessage(wire.DiagnosticMessage{
		SourceAddress: t.ECU.TargetAddress,
		TargetAddress: s.replyTarget(),
		UDS:           sel.Response.Bytes,
	})
	s.writeFrame(wire.EncodeFrame(s.gw.ProtocolVersion, protocol.PayloadDiagnosticMessage, out))
}

// replyTarget is always the session's activated tester address, not the
// (possibly mismatched or spoofed) source field of the inbound frame —
// the TCP peer at the other end of this connection is the only place a
// reply can go.
func (s *Session) replyTarget() uint16 { return s.activatedSource }

// sendDiagnosticACK echoes the request's addressing: source is the
// tester (already checked equal to the activated source), target is the
// addressed ECU or functional group.
func (s *Session) sendDiagnosticACK(msg wire.DiagnosticMessage) {
	body := wire.EncodeDiagnosticMessageAck(wire.DiagnosticMessageAck{
		SourceAddress: msg.SourceAddress,
		TargetAddress: msg.TargetAddress,
		Code:          protocol.DiagnosticACKConfirmed,
	})
	s.writeFrame(wire.EncodeFrame(s.gw.ProtocolVersion, protocol.PayloadDiagnosticMessagePosACK, body))
}

func (s *Session) sendDiagnosticNACK(msg wire.DiagnosticMessage, code byte) {
	body := wire.EncodeDiagnosticMessageAck(wire.DiagnosticMessageAck{
		SourceAddress: msg.TargetAddress,
		TargetAddress: s.replyTarget(),
		Code:          code,
	})
	s.writeFrame(wire.EncodeFrame(s.gw.ProtocolVersion, protocol.PayloadDiagnosticMessageNegACK, body))
	s.log.Info().Uint8("nack_code", code).Msg("diagnostic message nack")
}

// sendUDSNegativeResponse emits a "7F <SID> <NRC>" UDS negative response
// wrapped in a Diagnostic Message frame from source, back to the
// requesting tester.
func (s *Session) sendUDSNegativeResponse(source uint16, msg wire.DiagnosticMessage, nrc byte) {
	sid := byte(0x00)
	if len(msg.UDS) > 0 {
		sid = msg.UDS[0]
	}
	uds := []byte{protocol.NegativeResponseSID, sid, nrc}
	out := wire.EncodeDiagnosticMessage(wire.DiagnosticMessage{
		SourceAddress: source,
		TargetAddress: s.replyTarget(),
		UDS:           uds,
	})
	s.writeFrame(wire.EncodeFrame(s.gw.ProtocolVersion, protocol.PayloadDiagnosticMessage, out))
}

// writeFrame writes frame to the peer. A write failure is Transport I/O
// (ISO 13400-2 §7): the session closes rather than continuing on a
// half-broken connection. Closing here just makes the closure immediate;
// the next readFrame would fail on the same broken conn regardless.
func (s *Session) writeFrame(frame []byte) {
	if _, err := s.conn.Write(frame); err != nil {
		s.log.Debug().Err(err).Msg("write failed, closing session")
		_ = s.conn.Close()
	}
}
