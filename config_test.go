package natbridge

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// TestLoadConfigFile verifies a full config file maps onto Options.
func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `{
		"mode": "exposer",
		"bridgeId": "alpha123",
		"exposedPort": 7001,
		"protocol": "both",
		"secret": "s3cret",
		"status": 9090,
		"maxStreams": 8,
		"kbps": 64,
		"tcpRetries": 3,
		"tcpRetryDelayMs": 250
	}`)

	opts, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, RoleExposer, opts.Role)
	assert.Equal(t, "alpha123", opts.BridgeID)
	assert.Equal(t, 7001, opts.ExposedPort)
	assert.Equal(t, ProtocolBoth, opts.Protocol)
	assert.Equal(t, "s3cret", opts.Secret)
	assert.Equal(t, 9090, opts.StatusPort)
	assert.Equal(t, 8, opts.MaxStreams)
	assert.Equal(t, 64, opts.Kbps)
	assert.Equal(t, 3, opts.TCPConnectRetries)
	assert.Equal(t, 250*time.Millisecond, opts.TCPRetryDelay)
}

// TestLoadConfigFileDefaults verifies omitted keys keep CLI defaults.
func TestLoadConfigFileDefaults(t *testing.T) {
	path := writeConfig(t, `{"mode": "accessor", "bridgeId": "beta"}`)

	opts, err := LoadConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, RoleAccessor, opts.Role)
	assert.Equal(t, ProtocolTCP, opts.Protocol)
	assert.Equal(t, 5000, opts.ListenPort)
	assert.Equal(t, 256, opts.MaxStreams)
	assert.Equal(t, 0, opts.StatusPort)
}

// TestLoadConfigFileRejectsAccessorBoth matches the CLI validation rule.
func TestLoadConfigFileRejectsAccessorBoth(t *testing.T) {
	path := writeConfig(t, `{"mode": "accessor", "bridgeId": "beta", "protocol": "both"}`)

	_, err := LoadConfigFile(path)
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

// TestLoadConfigFileBadJSON verifies malformed files are a configuration
// error, not a crash.
func TestLoadConfigFileBadJSON(t *testing.T) {
	path := writeConfig(t, `{"mode": `)

	_, err := LoadConfigFile(path)
	assert.Error(t, err)
}

// TestLoadConfigFileMissing verifies a missing file is reported.
func TestLoadConfigFileMissing(t *testing.T) {
	_, err := LoadConfigFile(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

// TestLoadConfigFileBadMode verifies unknown modes are rejected.
func TestLoadConfigFileBadMode(t *testing.T) {
	path := writeConfig(t, `{"mode": "relay", "bridgeId": "x"}`)

	_, err := LoadConfigFile(path)
	assert.ErrorIs(t, err, ErrInvalidRole)
}
