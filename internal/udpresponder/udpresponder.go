// Package udpresponder implements the UDP responder (C5): one datagram
// per iteration, stateless across datagrams except for the diagnostic
// power mode status cycle (ISO 13400-2 §4.5).
package udpresponder

import (
	"errors"
	"net"

	"github.com/rs/zerolog"

	"github.com/doipgw/doipgw/internal/catalog"
	"github.com/doipgw/doipgw/internal/config"
	"github.com/doipgw/doipgw/internal/protocol"
	"github.com/doipgw/doipgw/internal/transport"
	"github.com/doipgw/doipgw/internal/wire"
)

// powerModeServiceName is the synthetic service name used to key the
// diagnostic power mode cycle (ISO 13400-2 §4.5).
const powerModeServiceName = "power_mode"

// Responder handles unsolicited UDP traffic per ISO 13400-2 §4.5.
type Responder struct {
	gw          *config.Gateway
	socket      *transport.UDPSocket
	cycler      *catalog.Cycler
	powerCycle  *config.Service
	maxTCP      int
	openTCP     func() int
	log         zerolog.Logger
}

// New builds a Responder. openTCP reports the current count of open TCP
// sessions for Entity Status responses (ISO 13400-2 §4.5); maxTCP is the
// gateway's configured max_connections.
func New(gw *config.Gateway, socket *transport.UDPSocket, cycler *catalog.Cycler, maxTCP int, openTCP func() int, log zerolog.Logger) *Responder {
	return &Responder{
		gw:     gw,
		socket: socket,
		cycler: cycler,
		maxTCP: maxTCP,
		openTCP: openTCP,
		log:    log,
		powerCycle: &config.Service{
			Name:      powerModeServiceName,
			Responses: gw.PowerModeCycle,
		},
	}
}

// Serve runs the receive loop until the socket is closed. It is meant to
// run on its own goroutine/task (ISO 13400-2 §5: "the UDP responder runs on
// its own loop/task; it must not block TCP accept").
func (r *Responder) Serve() error {
	buf := make([]byte, 65536)
	for {
		n, src, _, err := r.socket.ReadFrom(buf)
		if err != nil {
			if isClosed(err) {
				return nil
			}
			r.log.Debug().Err(err).Msg("udp read error")
			continue
		}

		r.handleDatagram(buf[:n], src)
	}
}

func (r *Responder) handleDatagram(buf []byte, src net.Addr) {
	frame, err := wire.DecodeFrame(buf)
	if err != nil {
		// ISO 13400-2 §7: "Header decode ... drop UDP datagram" for anything
		// beyond what a Generic Header NACK would normally answer; UDP
		// never replies with a NACK, it simply drops (ISO 13400-2 §4.1 table
		// marks NACK transports as TCP/UDP, but §7's disposition row for
		// UDP is explicitly "drop UDP datagram").
		r.log.Debug().Err(err).Str("peer", src.String()).Msg("dropped malformed udp datagram")
		return
	}

	switch frame.Header.PayloadType {
	case protocol.PayloadVehicleIDRequest:
		r.respondVehicleIdentification(src)

	case protocol.PayloadVehicleIDRequestByEID:
		r.respondVehicleIdentificationByEID(frame, src)

	case protocol.PayloadEntityStatusReq:
		r.respondEntityStatus(src)

	case protocol.PayloadDiagnosticPowerModeReq:
		r.respondPowerMode(src)

	default:
		// ISO 13400-2 §4.5: "Any other payload type on UDP -> drop silently."
	}
}

func (r *Responder) respondVehicleIdentification(dest net.Addr) {
	body := wire.EncodeVehicleIdentificationResponse(r.identity())
	r.send(protocol.PayloadVehicleAnnouncement, body, dest)
}

func (r *Responder) respondVehicleIdentificationByEID(frame wire.Frame, dest net.Addr) {
	eid, err := wire.DecodeVehicleIDRequestByEID(frame.Payload)
	if err != nil {
		r.log.Debug().Err(err).Msg("malformed vehicle identification by eid request")
		return
	}
	if eid != r.gw.EID {
		// ISO 13400-2 §4.5: "answer only if the request's EID equals the
		// gateway's EID, else drop."
		return
	}
	r.respondVehicleIdentification(dest)
}

func (r *Responder) respondEntityStatus(dest net.Addr) {
	body := wire.EncodeEntityStatusResponse(wire.EntityStatusResponse{
		NodeType:         protocol.NodeTypeGateway,
		MaxConcurrentTCP: byte(r.maxTCP),
		CurrentlyOpenTCP: byte(r.openTCP()),
		MaxDataSize:      65536,
	})
	r.send(protocol.PayloadEntityStatusResp, body, dest)
}

func (r *Responder) respondPowerMode(dest net.Addr) {
	sel := r.cycler.Next(catalog.GatewayPseudoTarget, r.powerCycle)
	status := protocol.PowerModeReady
	if len(sel.Response.Bytes) > 0 {
		status = sel.Response.Bytes[0]
	}
	body := wire.EncodeDiagnosticPowerModeResponse(status)
	r.send(protocol.PayloadDiagnosticPowerModeResp, body, dest)
}

func (r *Responder) identity() wire.VehicleIdentity {
	v := wire.VehicleIdentity{
		EID:            r.gw.EID,
		GID:            r.gw.GID,
		LogicalAddress: r.gw.LogicalAddress,
	}
	copy(v.VIN[:], r.gw.VIN)
	return v
}

func (r *Responder) send(payloadType protocol.PayloadType, body []byte, dest net.Addr) {
	frame := wire.EncodeFrame(r.gw.ProtocolVersion, payloadType, body)
	if _, err := r.socket.WriteTo(frame, dest); err != nil {
		r.log.Debug().Err(err).Str("peer", dest.String()).Msg("udp send failed")
	}
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
