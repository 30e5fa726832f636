package handshake

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// Rejection reasons. Each terminal handshake failure wraps exactly one
// of these so the supervisor can decide logging and cache behavior.
var (
	// ErrHostConflict means both sides advertised the exposer role. This
	// is the only blocking rejection; the peer key is memoized.
	ErrHostConflict = errors.New("host-host conflict")
	// ErrClientConflict means both sides advertised the accessor role.
	ErrClientConflict = errors.New("client-client conflict")
	// ErrAuthFailed means a challenge was answered with a wrong MAC.
	ErrAuthFailed = errors.New("auth failed")
	// ErrAuthNotConfigured means the exposer challenged but no secret is
	// configured locally.
	ErrAuthNotConfigured = errors.New("auth not configured")
	// ErrProtocolMismatch means negotiation proposed an incompatible
	// protocol.
	ErrProtocolMismatch = errors.New("protocol mismatch")
	// ErrAlreadyConnected means the accessor already holds a ready host
	// session and drops further exposers.
	ErrAlreadyConnected = errors.New("already connected")
	// ErrMalformed means a line violated the wire format.
	ErrMalformed = errors.New("malformed handshake line")
)

// Blocking reports whether a rejection must be memoized in the
// rejected-peer cache to break reconnect loops.
func Blocking(err error) bool {
	return errors.Is(err, ErrHostConflict)
}

// Config parameterizes one handshake run.
type Config struct {
	// Protocol is the locally configured protocol: "tcp", "udp", or
	// (exposer only) "both".
	Protocol string

	// Secret enables the HMAC challenge/response when non-empty.
	Secret string

	// AlreadyConnected reports whether a ready host session exists.
	// Accessor only; nil means never.
	AlreadyConnected func() bool

	// PeerKey identifies the remote endpoint in log lines.
	PeerKey string
}

// Result describes a completed handshake.
type Result struct {
	// Protocol is the negotiated single protocol, "tcp" or "udp".
	Protocol string

	// Reader replaces the channel for all post-handshake reads; it
	// drains bytes the line reader buffered past the final handshake
	// line. Writes keep going to the channel directly.
	Reader io.Reader
}

// RunExposer drives the exposer side of the handshake on a fresh
// channel. It returns a Result on Ready or a rejection error; the caller
// owns channel teardown and the handshake timer.
func RunExposer(rw io.ReadWriter, cfg Config) (*Result, error) {
	c := NewLineCodec(rw)

	if err := c.WriteLine(helloExposer); err != nil {
		return nil, fmt.Errorf("write hello: %w", err)
	}

	line, err := c.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	switch line {
	case helloAccessor:
	case helloExposer:
		logrus.WithFields(logrus.Fields{
			"function": "RunExposer",
			"peer":     cfg.PeerKey,
		}).Warn("Another exposer is using this bridge id")
		return nil, ErrHostConflict
	default:
		return nil, fmt.Errorf("%w: %q", ErrMalformed, truncate(line, 64))
	}

	if cfg.Secret != "" {
		if err := runChallenge(c, cfg); err != nil {
			return nil, err
		}
	}
	if err := c.WriteLine(lineOK); err != nil {
		return nil, fmt.Errorf("write ok: %w", err)
	}

	return negotiateExposer(c, cfg)
}

// runChallenge issues the nonce challenge and verifies the response.
func runChallenge(c *LineCodec, cfg Config) error {
	nonce, err := newNonce()
	if err != nil {
		return err
	}
	if err := c.WriteLine(chalPrefix + hex.EncodeToString(nonce)); err != nil {
		return fmt.Errorf("write challenge: %w", err)
	}

	line, err := c.ReadLine()
	if err != nil {
		return fmt.Errorf("read auth: %w", err)
	}
	if !strings.HasPrefix(line, authPrefix) {
		return ErrAuthFailed
	}
	if !verifyAuth(cfg.Secret, nonce, strings.TrimPrefix(line, authPrefix)) {
		logrus.WithFields(logrus.Fields{
			"function": "runChallenge",
			"peer":     cfg.PeerKey,
		}).Warn("Peer failed authentication challenge")
		return ErrAuthFailed
	}
	return nil
}

// negotiateExposer validates the accessor's protocol proposal and sends
// the reply, including the host MAC when mutual auth is in play.
func negotiateExposer(c *LineCodec, cfg Config) (*Result, error) {
	line, err := c.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("read negotiation: %w", err)
	}

	var neg negotiation
	if err := json.Unmarshal([]byte(line), &neg); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrMalformed, truncate(line, 64))
	}
	if neg.Protocol != "tcp" && neg.Protocol != "udp" {
		return nil, fmt.Errorf("%w: peer proposed %q", ErrProtocolMismatch, truncate(neg.Protocol, 16))
	}
	if cfg.Protocol != "both" && cfg.Protocol != neg.Protocol {
		return nil, fmt.Errorf("%w: peer wants %s, configured for %s", ErrProtocolMismatch, neg.Protocol, cfg.Protocol)
	}

	reply := negotiationReply{Protocol: neg.Protocol}
	if cfg.Secret != "" && neg.ClientChal != "" {
		chal, err := hex.DecodeString(neg.ClientChal)
		if err != nil {
			return nil, fmt.Errorf("%w: client challenge is not hex", ErrMalformed)
		}
		reply.HostAuth = computeAuth(cfg.Secret, chal)
	}

	data, err := json.Marshal(reply)
	if err != nil {
		return nil, fmt.Errorf("encode reply: %w", err)
	}
	if err := c.WriteLine(string(data)); err != nil {
		return nil, fmt.Errorf("write reply: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "negotiateExposer",
		"peer":     cfg.PeerKey,
		"protocol": neg.Protocol,
	}).Info("Handshake complete")

	return &Result{Protocol: neg.Protocol, Reader: c.Remainder()}, nil
}

// RunAccessor drives the accessor side of the handshake on a fresh
// channel.
func RunAccessor(rw io.ReadWriter, cfg Config) (*Result, error) {
	c := NewLineCodec(rw)

	if err := c.WriteLine(helloAccessor); err != nil {
		return nil, fmt.Errorf("write hello: %w", err)
	}

	line, err := c.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	switch line {
	case helloExposer:
	case helloAccessor:
		return nil, ErrClientConflict
	default:
		return nil, fmt.Errorf("%w: %q", ErrMalformed, truncate(line, 64))
	}

	// A second exposer after the first session is ready is dropped here,
	// before any challenge is answered.
	if cfg.AlreadyConnected != nil && cfg.AlreadyConnected() {
		return nil, ErrAlreadyConnected
	}

	line, err = c.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("read challenge: %w", err)
	}
	if strings.HasPrefix(line, chalPrefix) {
		if cfg.Secret == "" {
			return nil, ErrAuthNotConfigured
		}
		nonce, err := hex.DecodeString(strings.TrimPrefix(line, chalPrefix))
		if err != nil {
			return nil, fmt.Errorf("%w: challenge is not hex", ErrMalformed)
		}
		if err := c.WriteLine(authPrefix + computeAuth(cfg.Secret, nonce)); err != nil {
			return nil, fmt.Errorf("write auth: %w", err)
		}
		// The line after AUTH is the exposer's OK; a rejecting exposer
		// destroys the channel instead, surfacing as a read error.
		if _, err := c.ReadLine(); err != nil {
			return nil, fmt.Errorf("read ok: %w", err)
		}
	}

	return negotiateAccessor(c, cfg)
}

// negotiateAccessor sends the protocol proposal and validates the
// exposer's reply, including the host MAC when mutual auth is in play.
func negotiateAccessor(c *LineCodec, cfg Config) (*Result, error) {
	neg := negotiation{Protocol: cfg.Protocol}
	var clientChal []byte
	if cfg.Secret != "" {
		var err error
		if clientChal, err = newNonce(); err != nil {
			return nil, err
		}
		neg.ClientChal = hex.EncodeToString(clientChal)
	}

	data, err := json.Marshal(neg)
	if err != nil {
		return nil, fmt.Errorf("encode negotiation: %w", err)
	}
	if err := c.WriteLine(string(data)); err != nil {
		return nil, fmt.Errorf("write negotiation: %w", err)
	}

	line, err := c.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	var reply negotiationReply
	if err := json.Unmarshal([]byte(line), &reply); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrMalformed, truncate(line, 64))
	}
	if reply.Protocol != cfg.Protocol {
		return nil, fmt.Errorf("%w: host replied %s, configured for %s", ErrProtocolMismatch, truncate(reply.Protocol, 16), cfg.Protocol)
	}
	if cfg.Secret != "" && !verifyAuth(cfg.Secret, clientChal, reply.HostAuth) {
		logrus.WithFields(logrus.Fields{
			"function": "negotiateAccessor",
			"peer":     cfg.PeerKey,
		}).Warn("Host failed authentication challenge")
		return nil, ErrAuthFailed
	}

	logrus.WithFields(logrus.Fields{
		"function": "negotiateAccessor",
		"peer":     cfg.PeerKey,
		"protocol": cfg.Protocol,
	}).Info("Handshake complete")

	return &Result{Protocol: cfg.Protocol, Reader: c.Remainder()}, nil
}
