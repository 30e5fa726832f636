package handshake

import (
	"bufio"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/opd-ai/natbridge/limits"
)

// Handshake line literals and tags.
const (
	helloExposer  = "HELLO:exposer"
	helloAccessor = "HELLO:accessor"
	lineOK        = "OK"
	chalPrefix    = "CHAL:"
	authPrefix    = "AUTH:"
)

// negotiation is the accessor's protocol proposal, sent as one JSON line.
type negotiation struct {
	Protocol   string `json:"protocol"`
	ClientChal string `json:"clientChal,omitempty"`
}

// negotiationReply is the exposer's answer, sent as one JSON line.
type negotiationReply struct {
	Protocol string `json:"protocol"`
	HostAuth string `json:"hostAuth,omitempty"`
}

// LineCodec frames the handshake phase: newline-terminated lines with a
// hard length cap. It is retired once the handshake completes.
type LineCodec struct {
	r *bufio.Reader
	w io.Writer
}

// NewLineCodec wraps a channel for handshake-phase framing.
func NewLineCodec(rw io.ReadWriter) *LineCodec {
	return &LineCodec{
		r: bufio.NewReaderSize(rw, limits.MaxHandshakeLine),
		w: rw,
	}
}

// ReadLine reads one line, terminator stripped. Lines exceeding
// limits.MaxHandshakeLine fail with limits.ErrLineTooLong.
func (c *LineCodec) ReadLine() (string, error) {
	raw, err := c.r.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return "", limits.ErrLineTooLong
		}
		return "", err
	}
	line := strings.TrimSuffix(string(raw), "\n")
	return strings.TrimSuffix(line, "\r"), nil
}

// WriteLine writes one newline-terminated line.
func (c *LineCodec) WriteLine(line string) error {
	_, err := io.WriteString(c.w, line+"\n")
	return err
}

// Remainder returns the reader that must carry all post-handshake
// reads. It drains any bytes buffered past the final handshake line
// before reading the channel again.
func (c *LineCodec) Remainder() io.Reader {
	return c.r
}

// newNonce returns a fresh challenge nonce.
func newNonce() ([]byte, error) {
	nonce := make([]byte, limits.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return nonce, nil
}

// computeAuth returns hex(HMAC-SHA256(secret, nonce)).
func computeAuth(secret string, nonce []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(nonce)
	return hex.EncodeToString(mac.Sum(nil))
}

// verifyAuth checks a received hex MAC in constant time.
func verifyAuth(secret string, nonce []byte, got string) bool {
	return hmac.Equal([]byte(computeAuth(secret, nonce)), []byte(strings.ToLower(got)))
}

// truncate bounds peer-supplied text before it reaches a log line.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
