package limits

import (
	"bytes"
	"errors"
	"testing"
)

// TestValidateLine tests handshake line length enforcement.
func TestValidateLine(t *testing.T) {
	tests := []struct {
		name    string
		line    []byte
		wantErr error
	}{
		{
			name:    "empty line",
			line:    []byte{},
			wantErr: nil,
		},
		{
			name:    "short line",
			line:    []byte("HELLO:exposer\n"),
			wantErr: nil,
		},
		{
			name:    "exactly at limit",
			line:    bytes.Repeat([]byte{'a'}, MaxHandshakeLine),
			wantErr: nil,
		},
		{
			name:    "one past limit",
			line:    bytes.Repeat([]byte{'a'}, MaxHandshakeLine+1),
			wantErr: ErrLineTooLong,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateLine(tt.line)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateLine() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// TestValidateDatagram tests datagram size enforcement against the
// 2-byte length-prefix framing limit.
func TestValidateDatagram(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		wantErr error
	}{
		{
			name:    "empty datagram",
			payload: []byte{},
			wantErr: ErrDatagramEmpty,
		},
		{
			name:    "single byte",
			payload: []byte{0x01},
			wantErr: nil,
		},
		{
			name:    "exactly at limit",
			payload: bytes.Repeat([]byte{0xff}, MaxDatagram),
			wantErr: nil,
		},
		{
			name:    "one past limit",
			payload: bytes.Repeat([]byte{0xff}, MaxDatagram+1),
			wantErr: ErrDatagramTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDatagram(tt.payload)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateDatagram() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// TestMaxDatagramMatchesHeader verifies MaxDatagram is representable in the
// DatagramHeaderSize-byte big-endian prefix.
func TestMaxDatagramMatchesHeader(t *testing.T) {
	max := 1<<(8*DatagramHeaderSize) - 1
	if MaxDatagram != max {
		t.Errorf("MaxDatagram = %d, want %d (largest %d-byte value)", MaxDatagram, max, DatagramHeaderSize)
	}
}
