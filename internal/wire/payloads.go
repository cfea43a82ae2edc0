package wire

import (
	"encoding/binary"

	"github.com/doipgw/doipgw/internal/xerrors"
)

// VINLen, EIDLen and GIDLen are the fixed field widths of the vehicle
// identity, per ISO 13400-2 §3 and §9 ("Validate VIN length = 17 ASCII bytes,
// EID and GID each 6 bytes").
const (
	VINLen = 17
	EIDLen = 6
	GIDLen = 6
)

// VehicleIdentity holds the gateway's VIN/EID/GID/logical-address identity
// (ISO 13400-2 §3).
type VehicleIdentity struct {
	VIN             [VINLen]byte
	EID             [EIDLen]byte
	GID             [GIDLen]byte
	LogicalAddress  uint16
	FurtherAction   byte
	VINGIDSyncStat  byte
}

// VehicleIdentificationResponseLen is the fixed body length of payload
// type 0x0004 (ISO 13400-2 §4.1): 17 + 2 + 6 + 6 + 1 + 1 = 33.
const VehicleIdentificationResponseLen = VINLen + 2 + EIDLen + GIDLen + 1 + 1

// EncodeVehicleIdentificationResponse builds the 33-byte body of payload
// type 0x0004.
func EncodeVehicleIdentificationResponse(v VehicleIdentity) []byte {
	body := make([]byte, 0, VehicleIdentificationResponseLen)
	body = append(body, v.VIN[:]...)
	la := make([]byte, 2)
	binary.BigEndian.PutUint16(la, v.LogicalAddress)
	body = append(body, la...)
	body = append(body, v.EID[:]...)
	body = append(body, v.GID[:]...)
	body = append(body, v.FurtherAction, v.VINGIDSyncStat)
	return body
}

// DecodeVehicleIdentificationResponse is the inverse of
// EncodeVehicleIdentificationResponse; it exists chiefly so the round-trip
// law in ISO 13400-2 §8 ("Header encode then decode is the identity on every
// payload type") can be asserted in tests.
func DecodeVehicleIdentificationResponse(body []byte) (VehicleIdentity, error) {
	if len(body) != VehicleIdentificationResponseLen {
		return VehicleIdentity{}, &xerrors.DecodeError{
			Code:    xerrors.MalformedBody,
			Details: "vehicle identification response must be 33 bytes",
		}
	}

	var v VehicleIdentity
	copy(v.VIN[:], body[0:17])
	v.LogicalAddress = binary.BigEndian.Uint16(body[17:19])
	copy(v.EID[:], body[19:25])
	copy(v.GID[:], body[25:31])
	v.FurtherAction = body[31]
	v.VINGIDSyncStat = body[32]
	return v, nil
}

// RoutingActivationRequest is the body of payload type 0x0005
// (ISO 13400-2 §4.1): 7 bytes minimum, optional trailing 4 OEM bytes.
type RoutingActivationRequest struct {
	SourceAddress  uint16
	ActivationType byte
	OEM            []byte // optional, 4 bytes when present
}

// DecodeRoutingActivationRequest parses the body of a Routing Activation
// Request.
func DecodeRoutingActivationRequest(body []byte) (RoutingActivationRequest, error) {
	if len(body) < 7 {
		return RoutingActivationRequest{}, &xerrors.DecodeError{
			Code:    xerrors.MalformedBody,
			Details: "routing activation request shorter than 7 bytes",
		}
	}

	req := RoutingActivationRequest{
		SourceAddress:  binary.BigEndian.Uint16(body[0:2]),
		ActivationType: body[2],
	}
	if len(body) >= 11 {
		req.OEM = append([]byte(nil), body[7:11]...)
	}
	return req, nil
}

// RoutingActivationResponseLen is the fixed body length of payload type
// 0x0006: struct `!HHBLL` = 2+2+1+4+4 = 13 bytes (ISO 13400-2 §4.1).
const RoutingActivationResponseLen = 13

// RoutingActivationResponse is the body of payload type 0x0006.
type RoutingActivationResponse struct {
	TesterSourceAddress   uint16
	GatewayLogicalAddress uint16
	ResponseCode          byte
	Reserved              uint32
	OEMReserved           uint32
}

// EncodeRoutingActivationResponse serialises a RoutingActivationResponse to
// its 13-byte wire form.
func EncodeRoutingActivationResponse(r RoutingActivationResponse) []byte {
	body := make([]byte, RoutingActivationResponseLen)
	binary.BigEndian.PutUint16(body[0:2], r.TesterSourceAddress)
	binary.BigEndian.PutUint16(body[2:4], r.GatewayLogicalAddress)
	body[4] = r.ResponseCode
	binary.BigEndian.PutUint32(body[5:9], r.Reserved)
	binary.BigEndian.PutUint32(body[9:13], r.OEMReserved)
	return body
}

// DecodeRoutingActivationResponse parses a 13-byte routing activation
// response body.
func DecodeRoutingActivationResponse(body []byte) (RoutingActivationResponse, error) {
	if len(body) != RoutingActivationResponseLen {
		return RoutingActivationResponse{}, &xerrors.DecodeError{
			Code:    xerrors.MalformedBody,
			Details: "routing activation response must be 13 bytes",
		}
	}
	return RoutingActivationResponse{
		TesterSourceAddress:   binary.BigEndian.Uint16(body[0:2]),
		GatewayLogicalAddress: binary.BigEndian.Uint16(body[2:4]),
		ResponseCode:          body[4],
		Reserved:              binary.BigEndian.Uint32(body[5:9]),
		OEMReserved:           binary.BigEndian.Uint32(body[9:13]),
	}, nil
}

// DiagnosticMessage is the body of payload type 0x8001: source (2) ||
// target (2) || UDS bytes (ISO 13400-2 §4.1).
type DiagnosticMessage struct {
	SourceAddress uint16
	TargetAddress uint16
	UDS           []byte
}

// EncodeDiagnosticMessage serialises a DiagnosticMessage body.
func EncodeDiagnosticMessage(m DiagnosticMessage) []byte {
	body := make([]byte, 4+len(m.UDS))
	binary.BigEndian.PutUint16(body[0:2], m.SourceAddress)
	binary.BigEndian.PutUint16(body[2:4], m.TargetAddress)
	copy(body[4:], m.UDS)
	return body
}

// DecodeDiagnosticMessage parses the body of a Diagnostic Message
// (payload type 0x8001). The UDS payload must be non-empty.
func DecodeDiagnosticMessage(body []byte) (DiagnosticMessage, error) {
	if len(body) < 5 {
		return DiagnosticMessage{}, &xerrors.DecodeError{
			Code:    xerrors.MalformedBody,
			Details: "diagnostic message shorter than 5 bytes (needs >=1 UDS byte)",
		}
	}
	return DiagnosticMessage{
		SourceAddress: binary.BigEndian.Uint16(body[0:2]),
		TargetAddress: binary.BigEndian.Uint16(body[2:4]),
		UDS:           append([]byte(nil), body[4:]...),
	}, nil
}

// DiagnosticMessageAck is the body of payload types 0x8002/0x8003: source
// (2) || target (2) || ack/nack code (1) || optional preview of the
// original UDS bytes (ISO 13400-2 §4.1).
type DiagnosticMessageAck struct {
	SourceAddress uint16
	TargetAddress uint16
	Code          byte
	Preview       []byte
}

// EncodeDiagnosticMessageAck serialises an ACK/NACK body.
func EncodeDiagnosticMessageAck(a DiagnosticMessageAck) []byte {
	body := make([]byte, 5+len(a.Preview))
	binary.BigEndian.PutUint16(body[0:2], a.SourceAddress)
	binary.BigEndian.PutUint16(body[2:4], a.TargetAddress)
	body[4] = a.Code
	copy(body[5:], a.Preview)
	return body
}

// EntityStatusResponse is the body of payload type 0x4002 (ISO 13400-2 §4.5).
type EntityStatusResponse struct {
	NodeType          byte
	MaxConcurrentTCP  byte
	CurrentlyOpenTCP  byte
	MaxDataSize       uint32
}

// EncodeEntityStatusResponse serialises an EntityStatusResponse body.
func EncodeEntityStatusResponse(e EntityStatusResponse) []byte {
	body := make([]byte, 7)
	body[0] = e.NodeType
	body[1] = e.MaxConcurrentTCP
	body[2] = e.CurrentlyOpenTCP
	binary.BigEndian.PutUint32(body[3:7], e.MaxDataSize)
	return body
}

// EncodeDiagnosticPowerModeResponse builds the 1-byte Diagnostic Power
// Mode Response body. Per ISO 13400-2 §9 ("Power mode status length is 1
// byte, not 2") the total frame is 9 bytes, not 10.
func EncodeDiagnosticPowerModeResponse(status byte) []byte {
	return []byte{status}
}

// EncodeAliveCheckResponse builds the 2-byte Alive Check Response body
// (gateway logical address).
func EncodeAliveCheckResponse(gatewayLogicalAddress uint16) []byte {
	body := make([]byte, 2)
	binary.BigEndian.PutUint16(body, gatewayLogicalAddress)
	return body
}

// DecodeVehicleIDRequestByEID parses the EID from a Vehicle Identification
// Request by EID body (payload type 0x0003): the body is exactly 6 bytes.
func DecodeVehicleIDRequestByEID(body []byte) ([EIDLen]byte, error) {
	var eid [EIDLen]byte
	if len(body) != EIDLen {
		return eid, &xerrors.DecodeError{
			Code:    xerrors.MalformedBody,
			Details: "vehicle identification request by EID must carry a 6-byte EID",
		}
	}
	copy(eid[:], body)
	return eid, nil
}
