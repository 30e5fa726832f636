package natbridge

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// FileConfig is the JSON configuration file shape. Field names match the
// documented config keys; zero values fall back to the CLI defaults.
type FileConfig struct {
	Mode            string   `json:"mode"`
	BridgeID        string   `json:"bridgeId"`
	ExposedPort     int      `json:"exposedPort"`
	ListenPort      int      `json:"listenPort"`
	Protocol        string   `json:"protocol"`
	Verbose         bool     `json:"verbose"`
	Secret          string   `json:"secret"`
	Status          int      `json:"status"`
	MaxStreams      int      `json:"maxStreams"`
	Kbps            int      `json:"kbps"`
	TCPRetries      int      `json:"tcpRetries"`
	TCPRetryDelayMs int      `json:"tcpRetryDelayMs"`
	Bootstrap       []string `json:"bootstrap"`
}

// LoadConfigFile reads a JSON configuration file and converts it to
// validated Options. Validation rules match the command line.
func LoadConfigFile(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var fc FileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return fc.Options()
}

// Options converts the file configuration to validated Options.
func (fc *FileConfig) Options() (*Options, error) {
	opts := NewOptions()

	role, err := ParseRole(fc.Mode)
	if err != nil {
		return nil, err
	}
	opts.Role = role
	opts.BridgeID = fc.BridgeID
	if fc.Protocol != "" {
		opts.Protocol = Protocol(fc.Protocol)
	}
	if fc.ExposedPort != 0 {
		opts.ExposedPort = fc.ExposedPort
	}
	if fc.ListenPort != 0 {
		opts.ListenPort = fc.ListenPort
	}
	opts.Secret = fc.Secret
	opts.StatusPort = fc.Status
	if fc.MaxStreams != 0 {
		opts.MaxStreams = fc.MaxStreams
	}
	opts.Kbps = fc.Kbps
	if fc.TCPRetries != 0 {
		opts.TCPConnectRetries = fc.TCPRetries
	}
	if fc.TCPRetryDelayMs != 0 {
		opts.TCPRetryDelay = time.Duration(fc.TCPRetryDelayMs) * time.Millisecond
	}
	opts.BootstrapPeers = fc.Bootstrap
	opts.Verbose = fc.Verbose

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}
