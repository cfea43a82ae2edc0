// Package protocol declares the wire-level constants of ISO 13400-2 DoIP:
// payload types, the well-known port, routing-activation and NACK codes,
// and the UDS negative-response codes the session engine emits on the
// gateway's behalf.
package protocol

// Port is the DoIP well-known port for both TCP and UDP (ISO 13400-2 §6).
const Port = 13400

// PayloadType identifies the 2-byte DoIP payload type field (ISO 13400-2 §4.1).
type PayloadType uint16

const (
	PayloadGenericNACK             PayloadType = 0x0000
	PayloadVehicleIDRequest        PayloadType = 0x0001
	PayloadVehicleIDRequestByEID   PayloadType = 0x0003
	PayloadVehicleAnnouncement     PayloadType = 0x0004
	PayloadRoutingActivationReq    PayloadType = 0x0005
	PayloadRoutingActivationResp   PayloadType = 0x0006
	PayloadAliveCheckReq           PayloadType = 0x0007
	PayloadAliveCheckResp          PayloadType = 0x0008
	PayloadEntityStatusReq         PayloadType = 0x4001
	PayloadEntityStatusResp        PayloadType = 0x4002
	PayloadDiagnosticPowerModeReq  PayloadType = 0x4003
	PayloadDiagnosticPowerModeResp PayloadType = 0x4004
	PayloadDiagnosticMessage       PayloadType = 0x8001
	PayloadDiagnosticMessagePosACK PayloadType = 0x8002
	PayloadDiagnosticMessageNegACK PayloadType = 0x8003
)

// IsKnownPayloadType reports whether p is one of the payload types this
// gateway recognises (ISO 13400-2 §4.1's payload type table). Anything
// else is the UnknownPayloadType decode failure class.
func IsKnownPayloadType(p PayloadType) bool {
	switch p {
	case PayloadGenericNACK, PayloadVehicleIDRequest, PayloadVehicleIDRequestByEID,
		PayloadVehicleAnnouncement, PayloadRoutingActivationReq, PayloadRoutingActivationResp,
		PayloadAliveCheckReq, PayloadAliveCheckResp, PayloadEntityStatusReq, PayloadEntityStatusResp,
		PayloadDiagnosticPowerModeReq, PayloadDiagnosticPowerModeResp, PayloadDiagnosticMessage,
		PayloadDiagnosticMessagePosACK, PayloadDiagnosticMessageNegACK:
		return true
	default:
		return false
	}
}

func (p PayloadType) String() string {
	switch p {
	case PayloadGenericNACK:
		return "GenericHeaderNACK"
	case PayloadVehicleIDRequest:
		return "VehicleIdentificationRequest"
	case PayloadVehicleIDRequestByEID:
		return "VehicleIdentificationRequestByEID"
	case PayloadVehicleAnnouncement:
		return "VehicleAnnouncement"
	case PayloadRoutingActivationReq:
		return "RoutingActivationRequest"
	case PayloadRoutingActivationResp:
		return "RoutingActivationResponse"
	case PayloadAliveCheckReq:
		return "AliveCheckRequest"
	case PayloadAliveCheckResp:
		return "AliveCheckResponse"
	case PayloadEntityStatusReq:
		return "EntityStatusRequest"
	case PayloadEntityStatusResp:
		return "EntityStatusResponse"
	case PayloadDiagnosticPowerModeReq:
		return "DiagnosticPowerModeRequest"
	case PayloadDiagnosticPowerModeResp:
		return "DiagnosticPowerModeResponse"
	case PayloadDiagnosticMessage:
		return "DiagnosticMessage"
	case PayloadDiagnosticMessagePosACK:
		return "DiagnosticMessagePositiveACK"
	case PayloadDiagnosticMessageNegACK:
		return "DiagnosticMessageNegativeACK"
	default:
		return "Unknown"
	}
}

// Generic Header NACK codes (ISO 13400-2 §4.1, §4.6).
const (
	NACKIncorrectPattern   byte = 0x00
	NACKUnknownPayloadType byte = 0x01
	NACKMessageTooLarge    byte = 0x02
	NACKOutOfMemory        byte = 0x03
	NACKInvalidPayloadLen  byte = 0x04
)

// InvalidPayloadTypeForState is used when a frame type is not accepted in
// the session's current state (ISO 13400-2 §4.6 UNACTIVATED state).
const InvalidPayloadTypeForState byte = 0x06

// Routing activation response codes (ISO 13400-2 §4.1).
//
// The ISO table labels 0x06 "unsupported activation type", but this
// gateway's activation handshake only ever denies on one ground: the
// tester source address isn't allowed by any configured ECU. Named for
// that usage rather than the table entry.
const (
	RoutingActivationDeniedUnknownSource    byte = 0x00
	RoutingActivationDeniedNoResources      byte = 0x01
	RoutingActivationDeniedTLSRequired      byte = 0x02
	RoutingActivationDeniedSourceAlready    byte = 0x03
	RoutingActivationDeniedSourceMissing    byte = 0x05
	RoutingActivationDeniedSourceNotAllowed byte = 0x06
	RoutingActivationDeniedMissingAuth      byte = 0x0A
	RoutingActivationSuccess                byte = 0x10
)

// Diagnostic message ACK/NACK codes (ISO 13400-2 §4.1).
const (
	DiagnosticACKConfirmed byte = 0x00

	DiagnosticNACKInvalidSourceAddress byte = 0x02
	DiagnosticNACKUnknownTargetAddress byte = 0x03
	DiagnosticNACKMessageTooLarge      byte = 0x04
	DiagnosticNACKOutOfMemory          byte = 0x05
	DiagnosticNACKTargetUnreachable    byte = 0x06
)

// UDS negative response codes (NRC) the session engine emits on the
// gateway's behalf (ISO 13400-2 §4.3, §7).
const (
	NRCRequestOutOfRange    byte = 0x31
	NRCSecurityAccessDenied byte = 0x33
	NRCServiceNotSupported  byte = 0x11
)

// NegativeResponseSID is the UDS negative-response service identifier
// (first byte of a "7F <SID> <NRC>" negative response).
const NegativeResponseSID byte = 0x7F

// Entity status node type (ISO 13400-2 §4.5).
const NodeTypeGateway byte = 0x01

// Power mode status values (ISO 13400-2 §9): 1 byte, not 2.
const PowerModeReady byte = 0x01

// Addressing mode for a request (ISO 13400-2 §4.3, §4.4).
type AddressMode int

const (
	Physical AddressMode = iota
	Functional
)

func (m AddressMode) String() string {
	if m == Functional {
		return "functional"
	}
	return "physical"
}
