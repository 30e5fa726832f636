package natbridge

import (
	"errors"
	"fmt"
	"time"

	ma "github.com/multiformats/go-multiaddr"
)

// Role selects which side of the bridge this process runs.
type Role uint8

const (
	// RoleExposer publishes a local service into the tunnel.
	RoleExposer Role = iota
	// RoleAccessor forwards from its own loopback into the tunnel.
	RoleAccessor
)

// String returns the role name used on the wire and in logs.
func (r Role) String() string {
	switch r {
	case RoleExposer:
		return "exposer"
	case RoleAccessor:
		return "accessor"
	default:
		return "unknown"
	}
}

// ParseRole parses a role name as accepted on the command line.
func ParseRole(s string) (Role, error) {
	switch s {
	case "exposer":
		return RoleExposer, nil
	case "accessor":
		return RoleAccessor, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// Protocol names the transport protocol(s) a bridge endpoint forwards.
type Protocol string

const (
	// ProtocolTCP forwards TCP connections only.
	ProtocolTCP Protocol = "tcp"
	// ProtocolUDP forwards UDP flows only.
	ProtocolUDP Protocol = "udp"
	// ProtocolBoth forwards both; valid on exposers only.
	ProtocolBoth Protocol = "both"
)

// Includes reports whether p covers the single protocol q.
func (p Protocol) Includes(q Protocol) bool {
	return p == q || p == ProtocolBoth
}

var (
	// ErrInvalidRole indicates an unrecognized role name.
	ErrInvalidRole = errors.New("invalid role")
	// ErrInvalidProtocol indicates an unrecognized protocol name.
	ErrInvalidProtocol = errors.New("invalid protocol")
	// ErrInvalidOptions indicates an option value failed validation.
	ErrInvalidOptions = errors.New("invalid options")
)

// Options contains configuration for creating a Bridge instance.
// Options are immutable after the bridge is created.
type Options struct {
	Role     Role
	BridgeID string
	Protocol Protocol

	// ExposedPort is the loopback TCP/UDP port the exposer forwards to.
	ExposedPort int
	// ListenPort is the loopback TCP/UDP port the accessor accepts on.
	ListenPort int

	// Secret enables mutual HMAC authentication when non-empty.
	Secret string

	// MaxStreams bounds concurrent substreams process-wide.
	MaxStreams int
	// Kbps throttles each substream in the direction entering the tunnel.
	// Zero disables throttling.
	Kbps int

	TCPConnectRetries int
	TCPRetryDelay     time.Duration
	HandshakeTimeout  time.Duration
	RejoinDelay       time.Duration
	RejectTTL         time.Duration

	// StatusPort serves the read-only HTTP status endpoint on loopback.
	// Zero disables it.
	StatusPort int

	// BootstrapPeers are multiaddrs dialed to seed overlay routing.
	BootstrapPeers []string

	// ExpectedWarnings logs benign disconnect diagnostics at warning level
	// instead of suppressing them.
	ExpectedWarnings bool
	// Verbose enables debug-level logging.
	Verbose bool
	// JSONLogs switches log output to single-line JSON objects.
	JSONLogs bool
}

// NewOptions returns Options populated with the documented defaults.
func NewOptions() *Options {
	return &Options{
		Protocol:          ProtocolTCP,
		ExposedPort:       8080,
		ListenPort:        5000,
		MaxStreams:        256,
		Kbps:              0,
		TCPConnectRetries: 5,
		TCPRetryDelay:     500 * time.Millisecond,
		HandshakeTimeout:  10 * time.Second,
		RejoinDelay:       5 * time.Second,
		RejectTTL:         10 * time.Second,
	}
}

// Validate checks option values and cross-field constraints. It returns
// the first violation found, wrapped in ErrInvalidOptions, or in
// ErrInvalidProtocol for an unrecognized protocol name.
func (o *Options) Validate() error {
	if o.BridgeID == "" {
		return fmt.Errorf("%w: bridge id must not be empty", ErrInvalidOptions)
	}
	if o.Role != RoleExposer && o.Role != RoleAccessor {
		return fmt.Errorf("%w: unknown role %d", ErrInvalidOptions, o.Role)
	}
	switch o.Protocol {
	case ProtocolTCP, ProtocolUDP:
	case ProtocolBoth:
		if o.Role == RoleAccessor {
			return fmt.Errorf("%w: protocol \"both\" is not valid for accessors", ErrInvalidOptions)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidProtocol, o.Protocol)
	}
	if o.Role == RoleExposer && !validPort(o.ExposedPort) {
		return fmt.Errorf("%w: exposed port %d out of range", ErrInvalidOptions, o.ExposedPort)
	}
	if o.Role == RoleAccessor && !validPort(o.ListenPort) {
		return fmt.Errorf("%w: listen port %d out of range", ErrInvalidOptions, o.ListenPort)
	}
	if o.MaxStreams < 1 {
		return fmt.Errorf("%w: max streams %d must be at least 1", ErrInvalidOptions, o.MaxStreams)
	}
	if o.Kbps < 0 {
		return fmt.Errorf("%w: kbps %d must not be negative", ErrInvalidOptions, o.Kbps)
	}
	if o.TCPConnectRetries < 1 {
		return fmt.Errorf("%w: tcp retries %d must be at least 1", ErrInvalidOptions, o.TCPConnectRetries)
	}
	if o.StatusPort != 0 && !validPort(o.StatusPort) {
		return fmt.Errorf("%w: status port %d out of range", ErrInvalidOptions, o.StatusPort)
	}
	for _, addr := range o.BootstrapPeers {
		if _, err := ma.NewMultiaddr(addr); err != nil {
			return fmt.Errorf("%w: bootstrap peer %q: %v", ErrInvalidOptions, addr, err)
		}
	}
	return nil
}

func validPort(p int) bool {
	return p >= 1 && p <= 65535
}
