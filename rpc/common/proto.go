package common

import (
	"encoding/binary"
	"fmt"
)

// --------------------------------------------------------------------------
// Protocol Constants
// --------------------------------------------------------------------------

// MagicNumber marks the start of every frame and rejects misframed traffic.
const MagicNumber uint32 = 0xDEADBEEF

// Transport tags partition request and response traffic. Clients post
// response receives with TagMaskResponses so request traffic never falls
// into client receive slots; the server receives with mask 0 (wildcard)
// because it accepts both request types.
const (
	TagWriteRequest  uint64 = 0x1000
	TagWriteResponse uint64 = 0x1001
	TagReadRequest   uint64 = 0x2000
	TagReadResponse  uint64 = 0x2001

	TagMaskResponses uint64 = 0xF000
	TagMaskWildcard  uint64 = 0
)

// Sizes and caps for frames and buffers.
const (
	// HeaderSize is the packed size of the common message header.
	HeaderSize = 28
	// ResponseHeaderSize is HeaderSize plus the trailing status code.
	ResponseHeaderSize = HeaderSize + 4

	// MaxFrameSize bounds server receive buffers (and therefore keys and
	// values sent over the wire).
	MaxFrameSize = 64 * 1024
	// WriteResponseBufSize is the receive buffer size for write responses,
	// which carry no payload.
	WriteResponseBufSize = 1024
	// ReadResponseBufSize is the receive buffer size for read responses.
	ReadResponseBufSize = 64 * 1024
	// MaxReadValueSize is the sanity cap on the value length claimed by a
	// read response. Larger claims are treated as corruption.
	MaxReadValueSize = 1024 * 1024
)

// Response status codes.
const (
	StatusOK       uint32 = 0
	StatusNotFound uint32 = 1
	StatusError    uint32 = 2
)

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message exchanged between client and server.
type MessageType uint32

const (
	MsgTWriteRequest  MessageType = 1
	MsgTWriteResponse MessageType = 2
	MsgTReadRequest   MessageType = 3
	MsgTReadResponse  MessageType = 4
)

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	switch t {
	case MsgTWriteRequest:
		return "write request"
	case MsgTWriteResponse:
		return "write response"
	case MsgTReadRequest:
		return "read request"
	case MsgTReadResponse:
		return "read response"
	default:
		return "unknown"
	}
}

// valid reports whether the type is a member of the wire enum.
func (t MessageType) valid() bool {
	return t >= MsgTWriteRequest && t <= MsgTReadResponse
}

// --------------------------------------------------------------------------
// Header Structure
// --------------------------------------------------------------------------

// Header is the fixed-layout message header shared by all frames. On the
// wire it is packed little-endian:
//
//	offset 0  : u32 magic
//	offset 4  : u32 type
//	offset 8  : u32 key_length
//	offset 12 : u32 value_length
//	offset 16 : u64 request_id
//	offset 24 : u32 checksum
//
// Response frames append a u32 status code at offset 28; a read response
// is followed by value_length bytes of value data.
type Header struct {
	Magic       uint32
	Type        MessageType
	KeyLength   uint32
	ValueLength uint32
	RequestID   uint64
	Checksum    uint32
}

// putHeader writes the header into buf[:HeaderSize].
func putHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.Type))
	binary.LittleEndian.PutUint32(buf[8:12], h.KeyLength)
	binary.LittleEndian.PutUint32(buf[12:16], h.ValueLength)
	binary.LittleEndian.PutUint64(buf[16:24], h.RequestID)
	binary.LittleEndian.PutUint32(buf[24:28], h.Checksum)
}

// parseHeader reads the header from buf[:HeaderSize].
func parseHeader(buf []byte) Header {
	return Header{
		Magic:       binary.LittleEndian.Uint32(buf[0:4]),
		Type:        MessageType(binary.LittleEndian.Uint32(buf[4:8])),
		KeyLength:   binary.LittleEndian.Uint32(buf[8:12]),
		ValueLength: binary.LittleEndian.Uint32(buf[12:16]),
		RequestID:   binary.LittleEndian.Uint64(buf[16:24]),
		Checksum:    binary.LittleEndian.Uint32(buf[24:28]),
	}
}

// --------------------------------------------------------------------------
// Checksum
// --------------------------------------------------------------------------

// Checksum computes the rolling payload checksum c = (c<<1) XOR byte over
// the given parts in order. It returns 0 for an empty payload. This is a
// corruption tripwire, not a cryptographic check.
func Checksum(parts ...[]byte) uint32 {
	var c uint32
	for _, part := range parts {
		for _, b := range part {
			c = (c << 1) ^ uint32(b)
		}
	}
	return c
}

// --------------------------------------------------------------------------
// Frame Encoding
// --------------------------------------------------------------------------

// EncodeWriteRequest builds a WRITE_REQUEST frame: header followed by the
// key bytes and the value bytes.
func EncodeWriteRequest(requestID uint64, key, value []byte) []byte {
	buf := make([]byte, HeaderSize+len(key)+len(value))
	copy(buf[HeaderSize:], key)
	copy(buf[HeaderSize+len(key):], value)
	putHeader(buf, Header{
		Magic:       MagicNumber,
		Type:        MsgTWriteRequest,
		KeyLength:   uint32(len(key)),
		ValueLength: uint32(len(value)),
		RequestID:   requestID,
		Checksum:    Checksum(key, value),
	})
	return buf
}

// EncodeReadRequest builds a READ_REQUEST frame: header followed by the
// key bytes.
func EncodeReadRequest(requestID uint64, key []byte) []byte {
	buf := make([]byte, HeaderSize+len(key))
	copy(buf[HeaderSize:], key)
	putHeader(buf, Header{
		Magic:     MagicNumber,
		Type:      MsgTReadRequest,
		KeyLength: uint32(len(key)),
		RequestID: requestID,
		Checksum:  Checksum(key),
	})
	return buf
}

// EncodeWriteResponse builds a WRITE_RESPONSE frame. It carries no payload,
// only the trailing status code.
func EncodeWriteResponse(requestID uint64, statusCode uint32) []byte {
	buf := make([]byte, ResponseHeaderSize)
	putHeader(buf, Header{
		Magic:     MagicNumber,
		Type:      MsgTWriteResponse,
		RequestID: requestID,
	})
	binary.LittleEndian.PutUint32(buf[HeaderSize:], statusCode)
	return buf
}

// EncodeReadResponse builds a READ_RESPONSE frame. A found value is
// appended after the status code; a missing key yields StatusNotFound and
// no payload.
func EncodeReadResponse(requestID uint64, value []byte, found bool) []byte {
	statusCode := StatusOK
	if !found {
		statusCode = StatusNotFound
		value = nil
	}
	buf := make([]byte, ResponseHeaderSize+len(value))
	copy(buf[ResponseHeaderSize:], value)
	putHeader(buf, Header{
		Magic:       MagicNumber,
		Type:        MsgTReadResponse,
		ValueLength: uint32(len(value)),
		RequestID:   requestID,
		Checksum:    Checksum(value),
	})
	binary.LittleEndian.PutUint32(buf[HeaderSize:], statusCode)
	return buf
}

// --------------------------------------------------------------------------
// Frame Decoding
// --------------------------------------------------------------------------

// DecodeHeader validates the common header of a received frame. It rejects
// short frames, a wrong magic number, an unknown type, and payload lengths
// that overflow the received byte count.
func DecodeHeader(frame []byte) (Header, error) {
	if len(frame) < HeaderSize {
		return Header{}, fmt.Errorf("frame too short: %d bytes", len(frame))
	}
	h := parseHeader(frame)
	if h.Magic != MagicNumber {
		return Header{}, fmt.Errorf("bad magic number: 0x%08X", h.Magic)
	}
	if !h.Type.valid() {
		return Header{}, fmt.Errorf("unknown message type: %d", uint32(h.Type))
	}
	if uint64(HeaderSize)+uint64(h.KeyLength)+uint64(h.ValueLength) > uint64(len(frame)) {
		return Header{}, fmt.Errorf("payload lengths exceed frame: key=%d value=%d frame=%d",
			h.KeyLength, h.ValueLength, len(frame))
	}
	return h, nil
}

// DecodeRequest validates a WRITE_REQUEST or READ_REQUEST frame and returns
// the header plus the key and value slices (views into frame). The payload
// checksum must match the received bytes.
func DecodeRequest(frame []byte) (Header, []byte, []byte, error) {
	h, err := DecodeHeader(frame)
	if err != nil {
		return Header{}, nil, nil, err
	}
	if h.Type != MsgTWriteRequest && h.Type != MsgTReadRequest {
		return Header{}, nil, nil, fmt.Errorf("not a request frame: %s", h.Type)
	}
	key := frame[HeaderSize : HeaderSize+h.KeyLength]
	value := frame[HeaderSize+h.KeyLength : HeaderSize+h.KeyLength+h.ValueLength]
	if sum := Checksum(key, value); sum != h.Checksum {
		return Header{}, nil, nil, fmt.Errorf("checksum mismatch: header=0x%08X computed=0x%08X",
			h.Checksum, sum)
	}
	return h, key, value, nil
}

// DecodeWriteResponse validates a WRITE_RESPONSE frame and returns the
// header and status code.
func DecodeWriteResponse(frame []byte) (Header, uint32, error) {
	h, err := DecodeHeader(frame)
	if err != nil {
		return Header{}, 0, err
	}
	if h.Type != MsgTWriteResponse {
		return Header{}, 0, fmt.Errorf("not a write response: %s", h.Type)
	}
	if len(frame) < ResponseHeaderSize {
		return Header{}, 0, fmt.Errorf("write response too short: %d bytes", len(frame))
	}
	return h, binary.LittleEndian.Uint32(frame[HeaderSize:]), nil
}

// DecodeReadResponse validates a READ_RESPONSE frame and returns the
// header, status code, and value bytes (a view into frame). A claimed
// value length above MaxReadValueSize or beyond the received byte count is
// corruption; so is a payload checksum mismatch. Callers resolve any
// decode error as a missing key.
func DecodeReadResponse(frame []byte) (Header, uint32, []byte, error) {
	h, err := DecodeHeader(frame)
	if err != nil {
		return Header{}, 0, nil, err
	}
	if h.Type != MsgTReadResponse {
		return Header{}, 0, nil, fmt.Errorf("not a read response: %s", h.Type)
	}
	if len(frame) < ResponseHeaderSize {
		return Header{}, 0, nil, fmt.Errorf("read response too short: %d bytes", len(frame))
	}
	if h.ValueLength > MaxReadValueSize {
		return Header{}, 0, nil, fmt.Errorf("claimed value length %d exceeds sanity cap", h.ValueLength)
	}
	if uint64(h.ValueLength) > uint64(len(frame)-ResponseHeaderSize) {
		return Header{}, 0, nil, fmt.Errorf("claimed value length %d exceeds received bytes %d",
			h.ValueLength, len(frame)-ResponseHeaderSize)
	}
	statusCode := binary.LittleEndian.Uint32(frame[HeaderSize:])
	value := frame[ResponseHeaderSize : ResponseHeaderSize+h.ValueLength]
	if sum := Checksum(value); sum != h.Checksum {
		return Header{}, 0, nil, fmt.Errorf("checksum mismatch: header=0x%08X computed=0x%08X",
			h.Checksum, sum)
	}
	return h, statusCode, value, nil
}
