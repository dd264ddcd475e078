package spoke

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/bft-labs/spokesync/internal/domain"
	"github.com/bft-labs/spokesync/pkg/heartbeat"
	"github.com/bft-labs/spokesync/pkg/transfer"
)

// Default configuration values.
const (
	DefaultListenAddr    = ":8080"
	DefaultTransferDelay = time.Second
)

// Config holds the settings of a Spoke node.
type Config struct {
	// DeviceID identifies this node to the Hub. Required.
	DeviceID string

	// ListenAddr is the protocol server address. Default ":8080".
	ListenAddr string

	// SessionsDir is the root under which session directories are created. Required.
	SessionsDir string

	// StateDir holds the session journal. Default: <SessionsDir>/.spokesync.
	StateDir string

	// HeartbeatInterval is the period between beats. Default 3s.
	HeartbeatInterval time.Duration

	// HeartbeatMultiplier is how many intervals a Hub may stay silent
	// before it is considered offline. Default 3.
	HeartbeatMultiplier int

	// ReceiverAddr, when set, receives every session automatically after it
	// reaches IDLE.
	ReceiverAddr string

	// TransferDelay is the pause before an automatic transfer. Default 1s.
	TransferDelay time.Duration

	// Compression is the transfer archive codec. Default zstd.
	Compression transfer.Compression

	// Platform is reported by query_capabilities when no hardware probe
	// supplies one.
	Platform string
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.StateDir == "" && c.SessionsDir != "" {
		c.StateDir = filepath.Join(c.SessionsDir, ".spokesync")
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = heartbeat.DefaultInterval
	}
	if c.HeartbeatMultiplier <= 0 {
		c.HeartbeatMultiplier = heartbeat.DefaultMultiplier
	}
	if c.TransferDelay <= 0 {
		c.TransferDelay = DefaultTransferDelay
	}
	if c.Compression == "" {
		c.Compression = transfer.DefaultCompression
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("%w: device id is required", domain.ErrInvalidConfig)
	}
	if !domain.IsPathSegment(c.DeviceID) {
		return fmt.Errorf("%w: device id %q is not a valid name", domain.ErrInvalidConfig, c.DeviceID)
	}
	if c.SessionsDir == "" {
		return fmt.Errorf("%w: sessions directory is required", domain.ErrInvalidConfig)
	}
	if _, err := transfer.ParseCompression(string(c.Compression)); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
	}
	return nil
}
