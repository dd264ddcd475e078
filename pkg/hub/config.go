package hub

import (
	"fmt"
	"time"

	"github.com/bft-labs/spokesync/internal/domain"
	"github.com/bft-labs/spokesync/pkg/heartbeat"
	"github.com/bft-labs/spokesync/pkg/timesync"
)

// Default configuration values.
const (
	DefaultDeviceID       = "hub"
	DefaultCallTimeout    = 5 * time.Second
	DefaultResyncInterval = 30 * time.Second
)

// Config holds the settings of a Hub controller.
type Config struct {
	// DeviceID identifies the Hub in its heartbeats. Default "hub".
	DeviceID string

	// HeartbeatInterval is the period between beats sent to each spoke. Default 3s.
	HeartbeatInterval time.Duration

	// HeartbeatMultiplier is how many intervals a spoke may stay silent
	// before its link is dropped and redialed. Default 3.
	HeartbeatMultiplier int

	// Reconnect bounds redialing a lost spoke. Zero fields take defaults.
	Reconnect heartbeat.Policy

	// CallTimeout bounds one command round trip. Default 5s.
	CallTimeout time.Duration

	// ResyncInterval is the period of the drift check against each spoke.
	// Default 30s; negative disables it.
	ResyncInterval time.Duration

	// SyncTrials, SyncTrimRatio and SyncPacing shape a calibration.
	// Zero values take the timesync defaults.
	SyncTrials    int
	SyncTrimRatio float64
	SyncPacing    time.Duration

	// OutlierFactor and OutlierWindow shape round-trip outlier rejection.
	OutlierFactor float64
	OutlierWindow int

	// ReceiverHost and ReceiverPort name the transfer receiver spokes are
	// asked to send to after they rejoin. ReceiverPort 0 disables that.
	ReceiverHost string
	ReceiverPort int
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.DeviceID == "" {
		c.DeviceID = DefaultDeviceID
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = heartbeat.DefaultInterval
	}
	if c.HeartbeatMultiplier <= 0 {
		c.HeartbeatMultiplier = heartbeat.DefaultMultiplier
	}
	def := heartbeat.DefaultPolicy()
	if c.Reconnect.Base <= 0 {
		c.Reconnect.Base = def.Base
	}
	if c.Reconnect.Max <= 0 {
		c.Reconnect.Max = def.Max
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = def.MaxAttempts
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.ResyncInterval == 0 {
		c.ResyncInterval = DefaultResyncInterval
	}
	if c.SyncTrials <= 0 {
		c.SyncTrials = timesync.DefaultTrials
	}
	if c.SyncTrimRatio == 0 {
		c.SyncTrimRatio = timesync.DefaultTrimRatio
	}
	if c.SyncPacing <= 0 {
		c.SyncPacing = timesync.DefaultPacing
	}
	if c.OutlierFactor == 0 {
		c.OutlierFactor = timesync.DefaultOutlierFactor
	}
	if c.OutlierWindow <= 0 {
		c.OutlierWindow = timesync.DefaultOutlierWindow
	}
	if c.ReceiverPort != 0 && c.ReceiverHost == "" {
		c.ReceiverHost = "127.0.0.1"
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.SyncTrimRatio < 0 || c.SyncTrimRatio > timesync.MaxTrimRatio {
		return fmt.Errorf("%w: sync trim ratio %v outside [0, %v]",
			domain.ErrInvalidConfig, c.SyncTrimRatio, timesync.MaxTrimRatio)
	}
	if c.ReceiverPort < 0 || c.ReceiverPort > 65535 {
		return fmt.Errorf("%w: receiver port %d out of range", domain.ErrInvalidConfig, c.ReceiverPort)
	}
	if c.Reconnect.Max < c.Reconnect.Base {
		return fmt.Errorf("%w: reconnect max %s below base %s",
			domain.ErrInvalidConfig, c.Reconnect.Max, c.Reconnect.Base)
	}
	return nil
}
