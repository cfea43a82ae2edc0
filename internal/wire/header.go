// Package wire implements the DoIP frame codec (C1): the 8-byte generic
// header and the per-payload-type bodies of ISO 13400-2.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/doipgw/doipgw/internal/protocol"
	"github.com/doipgw/doipgw/internal/xerrors"
)

// HeaderLen is the fixed size of the DoIP generic header (ISO 13400-2 §4.1).
const HeaderLen = 8

// Header is the 8-byte DoIP generic header.
type Header struct {
	ProtocolVersion        byte
	InverseProtocolVersion byte
	PayloadType            protocol.PayloadType
	PayloadLength          uint32
}

// Frame is a decoded DoIP frame: header plus raw payload bytes.
type Frame struct {
	Header  Header
	Payload []byte
}

// DecodeHeader validates and parses the 8-byte header from buf: it checks
// that inverse == protocol XOR 0xFF and that the payload type is a known
// one (ISO 13400-2 §4.1). It does not compare the declared payload length
// with the buffer; DecodeFrame does that.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, &xerrors.DecodeError{
			Code:    xerrors.ShortBuffer,
			Details: "buffer shorter than 8-byte header",
		}
	}

	h := Header{
		ProtocolVersion:        buf[0],
		InverseProtocolVersion: buf[1],
		PayloadType:            protocol.PayloadType(binary.BigEndian.Uint16(buf[2:4])),
		PayloadLength:          binary.BigEndian.Uint32(buf[4:8]),
	}

	if h.InverseProtocolVersion != h.ProtocolVersion^0xFF {
		return Header{}, &xerrors.DecodeError{
			Code:    xerrors.BadInverse,
			Details: "inverse protocol version byte mismatch",
		}
	}

	if !protocol.IsKnownPayloadType(h.PayloadType) {
		return Header{}, &xerrors.DecodeError{
			Code:    xerrors.UnknownPayloadType,
			Details: fmt.Sprintf("unrecognised payload type 0x%04X", uint16(h.PayloadType)),
		}
	}

	return h, nil
}

// DecodeFrame decodes a full frame (header + payload) from buf.
//
// The declared payload length must not exceed the remaining buffer
// (ISO 13400-2 §4.1); trailing bytes beyond the declared length are ignored,
// allowing callers to decode one frame from a buffer that may contain the
// start of the next.
func DecodeFrame(buf []byte) (Frame, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return Frame{}, err
	}

	remaining := buf[HeaderLen:]
	if uint64(h.PayloadLength) > uint64(len(remaining)) {
		return Frame{}, &xerrors.DecodeError{
			Code:    xerrors.BadLength,
			Details: "declared payload length exceeds buffer",
		}
	}

	payload := make([]byte, h.PayloadLength)
	copy(payload, remaining[:h.PayloadLength])

	return Frame{Header: h, Payload: payload}, nil
}

// EncodeFrame serialises a protocol version, payload type and body into a
// wire frame: 8-byte header followed by the body.
func EncodeFrame(protocolVersion byte, payloadType protocol.PayloadType, body []byte) []byte {
	out := make([]byte, HeaderLen+len(body))
	out[0] = protocolVersion
	out[1] = protocolVersion ^ 0xFF
	binary.BigEndian.PutUint16(out[2:4], uint16(payloadType))
	binary.BigEndian.PutUint32(out[4:8], uint32(len(body)))
	copy(out[HeaderLen:], body)
	return out
}

// EncodeGenericNACK builds a Generic Header NACK frame (payload type
// 0x0000, 1-byte NACK code body), per ISO 13400-2 §4.1.
func EncodeGenericNACK(protocolVersion byte, code byte) []byte {
	return EncodeFrame(protocolVersion, protocol.PayloadGenericNACK, []byte{code})
}
