package cliconfig

import (
	"net"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig mirrors Config but uses strings for durations to make TOML friendly.
type FileConfig struct {
	DeviceID            string   `toml:"device_id"`
	ListenAddr          string   `toml:"listen_addr"`
	SessionsDir         string   `toml:"sessions_dir"`
	StateDir            string   `toml:"state_dir"`
	HeartbeatInterval   string   `toml:"heartbeat_interval"`
	HeartbeatMultiplier int      `toml:"heartbeat_multiplier"`
	ResyncInterval      string   `toml:"resync_interval"`
	SyncTrials          int      `toml:"sync_trials"`
	SyncTrimRatio       float64  `toml:"sync_trim_ratio"`
	OutlierFactor       float64  `toml:"outlier_factor"`
	OutlierWindow       int      `toml:"outlier_window"`
	ReconnectBase       string   `toml:"reconnect_base"`
	ReconnectMax        string   `toml:"reconnect_max"`
	ReconnectAttempts   int      `toml:"reconnect_attempts"`
	ReceiverAddr        string   `toml:"receiver_addr"`
	ReceiveAddr         string   `toml:"receive_addr"`
	ReceiveDir          string   `toml:"receive_dir"`
	AdvertiseHost       string   `toml:"advertise_host"`
	Compression         string   `toml:"compression"`
	RetentionHighBytes  int64    `toml:"retention_high_bytes"`
	RetentionLowBytes   int64    `toml:"retention_low_bytes"`
	Spokes              []string `toml:"spokes"`
	LogLevel            string   `toml:"log_level"`
}

// LoadFileConfig reads and parses a TOML config file from the given path.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// DefaultConfigPath returns the default configuration file path.
// Returns ~/.spokesync/config.toml if user home directory is accessible.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".spokesync", "config.toml")
	}
	return ""
}

// baseDir is where default data directories live.
func baseDir() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".spokesync")
	}
	return ".spokesync"
}

// ApplyFileConfig applies configuration from a file to the Config struct.
// It respects flags that have been explicitly set (changed map).
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("device-id", fc.DeviceID, &cfg.DeviceID)
	s.setString("listen", fc.ListenAddr, &cfg.ListenAddr)
	s.setString("sessions-dir", fc.SessionsDir, &cfg.SessionsDir)
	s.setString("state-dir", fc.StateDir, &cfg.StateDir)
	s.setString("receiver", fc.ReceiverAddr, &cfg.ReceiverAddr)
	s.setString("receive-addr", fc.ReceiveAddr, &cfg.ReceiveAddr)
	s.setString("receive-dir", fc.ReceiveDir, &cfg.ReceiveDir)
	s.setString("advertise-host", fc.AdvertiseHost, &cfg.AdvertiseHost)
	s.setString("compression", fc.Compression, &cfg.Compression)
	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)
	s.setStrings("spoke", fc.Spokes, &cfg.Spokes)

	if err := s.setDuration("heartbeat-interval", fc.HeartbeatInterval, &cfg.HeartbeatInterval); err != nil {
		return err
	}
	if err := s.setDuration("resync-interval", fc.ResyncInterval, &cfg.ResyncInterval); err != nil {
		return err
	}
	if err := s.setDuration("reconnect-base", fc.ReconnectBase, &cfg.ReconnectBase); err != nil {
		return err
	}
	if err := s.setDuration("reconnect-max", fc.ReconnectMax, &cfg.ReconnectMax); err != nil {
		return err
	}

	s.setInt("heartbeat-multiplier", fc.HeartbeatMultiplier, &cfg.HeartbeatMultiplier)
	s.setInt("sync-trials", fc.SyncTrials, &cfg.SyncTrials)
	s.setInt("outlier-window", fc.OutlierWindow, &cfg.OutlierWindow)
	s.setInt("reconnect-attempts", fc.ReconnectAttempts, &cfg.ReconnectAttempts)

	s.setFloat("sync-trim-ratio", fc.SyncTrimRatio, &cfg.SyncTrimRatio)
	s.setFloat("outlier-factor", fc.OutlierFactor, &cfg.OutlierFactor)

	s.setInt64("retention-high", fc.RetentionHighBytes, &cfg.RetentionHighBytes)
	s.setInt64("retention-low", fc.RetentionLowBytes, &cfg.RetentionLowBytes)

	return nil
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func splitHostPort(addr string) (string, string, error) {
	return net.SplitHostPort(addr)
}
