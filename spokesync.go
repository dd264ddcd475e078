// Package spokesync runs a synchronized capture node with the same
// configuration the spokesync command uses.
//
// Example usage:
//
//	cfg := spokesync.DefaultConfig()
//	cfg.SessionsDir = "/data/sessions"
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
//	if err := spokesync.LoadDeviceID(&cfg); err != nil {
//	    log.Fatal(err)
//	}
//	if err := spokesync.Run(ctx, cfg); err != nil {
//	    log.Fatal(err)
//	}
package spokesync

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/bft-labs/spokesync/internal/cliconfig"
	"github.com/bft-labs/spokesync/internal/recorders/clocklog"
	"github.com/bft-labs/spokesync/pkg/log"
	"github.com/bft-labs/spokesync/pkg/spoke"
	"github.com/bft-labs/spokesync/pkg/transfer"
)

// Config holds node configuration. Use DefaultConfig() for defaults.
type Config = cliconfig.Config

// ClockRecorder is the name of the built-in recorder that logs local and
// Hub-synced time into every session.
const ClockRecorder = "clock"

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return cliconfig.DefaultConfig()
}

// LoadDeviceID fills cfg.DeviceID from <StateDir>/device_id, creating it on
// first use. Call it after Validate.
func LoadDeviceID(cfg *Config) error {
	return cliconfig.LoadDeviceID(cfg)
}

// Logger returns the package-level zerolog logger used by the command.
func Logger() zerolog.Logger {
	return cliconfig.Logger()
}

// NewSpoke builds a Spoke from cfg with the clock recorder registered.
// cfg must be validated.
func NewSpoke(cfg Config, opts ...spoke.Option) (*spoke.Spoke, error) {
	comp, err := transfer.ParseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}
	s, err := spoke.New(spoke.Config{
		DeviceID:            cfg.DeviceID,
		ListenAddr:          cfg.ListenAddr,
		SessionsDir:         cfg.SessionsDir,
		StateDir:            cfg.StateDir,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		HeartbeatMultiplier: cfg.HeartbeatMultiplier,
		ReceiverAddr:        cfg.ReceiverAddr,
		Compression:         comp,
	}, opts...)
	if err != nil {
		return nil, err
	}
	if err := s.Sessions().Register(ClockRecorder, clocklog.New(s.Clock().Now)); err != nil {
		return nil, err
	}
	return s, nil
}

// Run serves a Spoke until ctx is canceled.
func Run(ctx context.Context, cfg Config) error {
	logger := log.NewZerologAdapterWithLogger(Logger())
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		return err
	}
	s, err := NewSpoke(cfg, spoke.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}
