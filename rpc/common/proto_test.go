package common

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// TestChecksum tests the rolling checksum against hand-computed values
func TestChecksum(t *testing.T) {
	if got := Checksum(nil); got != 0 {
		t.Errorf("empty payload: expected 0, got %d", got)
	}
	if got := Checksum([]byte{0x01}); got != 0x01 {
		t.Errorf("single byte: expected 0x01, got 0x%X", got)
	}
	// c = (0<<1)^0x01 = 0x01; c = (0x01<<1)^0x02 = 0x00
	if got := Checksum([]byte{0x01, 0x02}); got != 0x00 {
		t.Errorf("two bytes: expected 0x00, got 0x%X", got)
	}
	// Split across parts must equal the contiguous checksum (key ‖ value)
	if Checksum([]byte("ab"), []byte("cd")) != Checksum([]byte("abcd")) {
		t.Errorf("checksum must be independent of part boundaries")
	}
	// Single-byte corruption must be detected
	if Checksum([]byte("hello")) == Checksum([]byte("hellp")) {
		t.Errorf("checksum failed to detect single-byte corruption")
	}
}

// TestWriteRequestRoundTrip tests encoding and decoding of a write request
func TestWriteRequestRoundTrip(t *testing.T) {
	key := []byte("testkey")
	value := []byte("Data from Node 1")

	frame := EncodeWriteRequest(42, key, value)
	if len(frame) != HeaderSize+len(key)+len(value) {
		t.Fatalf("unexpected frame length %d", len(frame))
	}

	h, k, v, err := DecodeRequest(frame)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if h.Type != MsgTWriteRequest || h.RequestID != 42 {
		t.Errorf("header mismatch: %+v", h)
	}
	if !bytes.Equal(k, key) || !bytes.Equal(v, value) {
		t.Errorf("payload mismatch: key=%q value=%q", k, v)
	}
}

// TestReadRequestRoundTrip tests encoding and decoding of a read request
func TestReadRequestRoundTrip(t *testing.T) {
	frame := EncodeReadRequest(7, []byte("k"))

	h, k, v, err := DecodeRequest(frame)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if h.Type != MsgTReadRequest || h.RequestID != 7 {
		t.Errorf("header mismatch: %+v", h)
	}
	if !bytes.Equal(k, []byte("k")) || len(v) != 0 {
		t.Errorf("payload mismatch: key=%q value=%q", k, v)
	}
}

// TestHeaderLayout tests the exact packed little-endian layout
func TestHeaderLayout(t *testing.T) {
	frame := EncodeWriteRequest(0x1122334455667788, []byte("ab"), []byte("c"))

	if binary.LittleEndian.Uint32(frame[0:4]) != MagicNumber {
		t.Errorf("magic not at offset 0")
	}
	if binary.LittleEndian.Uint32(frame[4:8]) != uint32(MsgTWriteRequest) {
		t.Errorf("type not at offset 4")
	}
	if binary.LittleEndian.Uint32(frame[8:12]) != 2 {
		t.Errorf("key_length not at offset 8")
	}
	if binary.LittleEndian.Uint32(frame[12:16]) != 1 {
		t.Errorf("value_length not at offset 12")
	}
	if binary.LittleEndian.Uint64(frame[16:24]) != 0x1122334455667788 {
		t.Errorf("request_id not at offset 16")
	}
	if binary.LittleEndian.Uint32(frame[24:28]) != Checksum([]byte("ab"), []byte("c")) {
		t.Errorf("checksum not at offset 24")
	}
}

// TestDecodeRejectsGarbage tests all the framing rejection paths
func TestDecodeRejectsGarbage(t *testing.T) {
	valid := EncodeWriteRequest(1, []byte("key"), []byte("value"))

	tests := []struct {
		name    string
		mutate  func([]byte) []byte
		wantErr bool
	}{
		{"valid", func(f []byte) []byte { return f }, false},
		{"too short", func(f []byte) []byte { return f[:HeaderSize-1] }, true},
		{"bad magic", func(f []byte) []byte {
			binary.LittleEndian.PutUint32(f[0:4], 0xDEADBEEE)
			return f
		}, true},
		{"bad type", func(f []byte) []byte {
			binary.LittleEndian.PutUint32(f[4:8], 99)
			return f
		}, true},
		{"length overflow", func(f []byte) []byte {
			binary.LittleEndian.PutUint32(f[8:12], uint32(len(f)))
			return f
		}, true},
		{"checksum mismatch", func(f []byte) []byte {
			f[HeaderSize] ^= 0xFF // flip a payload byte
			return f
		}, true},
		{"truncated payload", func(f []byte) []byte { return f[:len(f)-2] }, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			frame := tc.mutate(append([]byte(nil), valid...))
			_, _, _, err := DecodeRequest(frame)
			if tc.wantErr && err == nil {
				t.Errorf("expected error, got none")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

// TestWriteResponseRoundTrip tests the 32-byte write response layout
func TestWriteResponseRoundTrip(t *testing.T) {
	frame := EncodeWriteResponse(9, StatusOK)
	if len(frame) != ResponseHeaderSize {
		t.Fatalf("expected %d bytes, got %d", ResponseHeaderSize, len(frame))
	}

	h, statusCode, err := DecodeWriteResponse(frame)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if h.RequestID != 9 || statusCode != StatusOK {
		t.Errorf("mismatch: id=%d status=%d", h.RequestID, statusCode)
	}
}

// TestReadResponseRoundTrip tests read responses with and without a value
func TestReadResponseRoundTrip(t *testing.T) {
	// Found
	frame := EncodeReadResponse(3, []byte("value"), true)
	h, statusCode, value, err := DecodeReadResponse(frame)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if statusCode != StatusOK || !bytes.Equal(value, []byte("value")) || h.RequestID != 3 {
		t.Errorf("mismatch: status=%d value=%q id=%d", statusCode, value, h.RequestID)
	}

	// Missing
	frame = EncodeReadResponse(4, nil, false)
	_, statusCode, value, err = DecodeReadResponse(frame)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if statusCode != StatusNotFound || len(value) != 0 {
		t.Errorf("expected not-found with empty value, got status=%d value=%q", statusCode, value)
	}
}

// TestReadResponseSanityCap tests that insane claimed value lengths are
// rejected instead of being dereferenced
func TestReadResponseSanityCap(t *testing.T) {
	frame := EncodeReadResponse(5, []byte("small"), true)

	// Claim value_length = 2^32 - 1 (the corruption case observed in the
	// read path) without growing the frame
	binary.LittleEndian.PutUint32(frame[12:16], 0xFFFFFFFF)
	if _, _, _, err := DecodeReadResponse(frame); err == nil {
		t.Errorf("expected error for value_length=2^32-1")
	}

	// Claim slightly more than received
	frame = EncodeReadResponse(6, []byte("small"), true)
	binary.LittleEndian.PutUint32(frame[12:16], uint32(len(frame)-ResponseHeaderSize+1))
	if _, _, _, err := DecodeReadResponse(frame); err == nil {
		t.Errorf("expected error for value_length beyond received bytes")
	}
}
