package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

const (
	// wireHeaderSize is the per-message framing on the TCP stream:
	// 8 bytes tag (uint64, big endian) + 4 bytes payload length (uint32,
	// big endian), followed by the payload bytes.
	wireHeaderSize = 12

	// maxWirePayload caps a single framed message. Anything larger is
	// treated as a broken or hostile stream: the endpoint's reader stops
	// on it and no further frames are read from the connection.
	maxWirePayload = 16 * 1024 * 1024
)

// writeWireFrame writes one tagged message to the connection.
func writeWireFrame(conn net.Conn, tag uint64, payload []byte) error {
	header := make([]byte, wireHeaderSize)
	binary.BigEndian.PutUint64(header[:8], tag)
	binary.BigEndian.PutUint32(header[8:12], uint32(len(payload)))

	b := net.Buffers{header, payload}
	_, err := b.WriteTo(conn)
	return err
}

// readWireFrame reads one tagged message from the connection. The payload
// is returned in a fresh allocation owned by the caller.
func readWireFrame(conn net.Conn) (uint64, []byte, error) {
	header := make([]byte, wireHeaderSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		return 0, nil, err
	}

	tag := binary.BigEndian.Uint64(header[:8])
	length := binary.BigEndian.Uint32(header[8:12])

	if length > maxWirePayload {
		return 0, nil, fmt.Errorf("frame payload of %d bytes exceeds wire cap", length)
	}
	if length == 0 {
		return tag, []byte{}, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return 0, nil, err
	}
	return tag, payload, nil
}
