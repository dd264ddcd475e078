package cliconfig

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bft-labs/spokesync/internal/domain"
	"github.com/bft-labs/spokesync/pkg/log"
	"github.com/bft-labs/spokesync/pkg/timesync"
	"github.com/bft-labs/spokesync/pkg/transfer"
)

// Default network addresses.
const (
	DefaultListenAddr  = ":8080"
	DefaultReceiveAddr = ":8082"
)

// Config holds CLI configuration for spokesync.
type Config struct {
	DeviceID    string
	ListenAddr  string
	SessionsDir string
	StateDir    string

	HeartbeatInterval   time.Duration
	HeartbeatMultiplier int

	ResyncInterval time.Duration
	SyncTrials     int
	SyncTrimRatio  float64
	OutlierFactor  float64
	OutlierWindow  int

	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int

	// ReceiverAddr is where a spoke sends finished sessions automatically.
	ReceiverAddr string
	// ReceiveAddr and ReceiveDir configure the Hub-side receiver.
	ReceiveAddr string
	ReceiveDir  string
	// AdvertiseHost is the receiver host spokes are told to send to.
	AdvertiseHost string
	Compression   string

	RetentionHighBytes int64
	RetentionLowBytes  int64

	// Spokes lists name=addr pairs the Hub connects to.
	Spokes []string

	LogLevel string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		ListenAddr:          DefaultListenAddr,
		HeartbeatInterval:   3 * time.Second,
		HeartbeatMultiplier: 3,
		ResyncInterval:      30 * time.Second,
		SyncTrials:          timesync.DefaultTrials,
		SyncTrimRatio:       timesync.DefaultTrimRatio,
		OutlierFactor:       timesync.DefaultOutlierFactor,
		OutlierWindow:       timesync.DefaultOutlierWindow,
		ReconnectBase:       5 * time.Second,
		ReconnectMax:        60 * time.Second,
		ReconnectAttempts:   10,
		ReceiveAddr:         DefaultReceiveAddr,
		Compression:         string(transfer.DefaultCompression),
		LogLevel:            "info",
	}
}

// Validate checks the configuration for errors and sets derived defaults.
func (c *Config) Validate() error {
	if c.SessionsDir == "" {
		c.SessionsDir = filepath.Join(baseDir(), "sessions")
	}
	if c.StateDir == "" {
		c.StateDir = filepath.Join(c.SessionsDir, ".spokesync")
	}
	if c.ReceiveDir == "" {
		c.ReceiveDir = filepath.Join(baseDir(), "received")
	}

	if c.HeartbeatInterval <= 0 {
		return invalid("heartbeat interval must be positive")
	}
	if c.HeartbeatMultiplier < 1 {
		return invalid("heartbeat multiplier must be at least 1")
	}
	if c.SyncTrials <= 0 {
		return invalid("sync trials must be positive")
	}
	if c.SyncTrimRatio < 0 || c.SyncTrimRatio > timesync.MaxTrimRatio {
		return invalid("sync trim ratio must be within [0, %v]", timesync.MaxTrimRatio)
	}
	if c.ReconnectBase <= 0 || c.ReconnectMax < c.ReconnectBase {
		return invalid("reconnect base must be positive and not above reconnect max")
	}
	if c.ReconnectAttempts <= 0 {
		return invalid("reconnect attempts must be positive")
	}
	if _, err := transfer.ParseCompression(c.Compression); err != nil {
		return invalid("%v", err)
	}
	if c.RetentionHighBytes < 0 || c.RetentionLowBytes < 0 {
		return invalid("retention watermarks must not be negative")
	}
	if c.RetentionHighBytes > 0 && c.RetentionLowBytes > c.RetentionHighBytes {
		return invalid("retention low watermark above high watermark")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return invalid("log level %q: %v", c.LogLevel, err)
	}
	if _, err := ParseSpokes(c.Spokes); err != nil {
		return err
	}
	return nil
}

// SpokeAddr is one entry of the Hub's spoke list.
type SpokeAddr struct {
	Name string
	Addr string
}

// ParseSpokes parses name=addr entries. A bare address is named after itself.
func ParseSpokes(entries []string) ([]SpokeAddr, error) {
	out := make([]SpokeAddr, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		name, addr, ok := strings.Cut(e, "=")
		if !ok {
			name, addr = e, e
		}
		if name == "" || addr == "" {
			return nil, invalid("spoke %q: want name=host:port", e)
		}
		if seen[name] {
			return nil, invalid("spoke %q listed twice", name)
		}
		seen[name] = true
		out = append(out, SpokeAddr{Name: name, Addr: addr})
	}
	return out, nil
}

// ReceivePort returns the port of ReceiveAddr.
func (c *Config) ReceivePort() (int, error) {
	_, p, err := splitHostPort(c.ReceiveAddr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(p)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// configSetter helps apply configuration values while respecting flag precedence.
// It only applies values if the corresponding flag hasn't been explicitly set.
type configSetter struct {
	changed map[string]bool
}

// newConfigSetter creates a new setter with the given changed flags map.
func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

// setString sets a string value if not empty and flag not changed.
func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

// setStrings sets a list if not empty and flag not changed.
func (s *configSetter) setStrings(flag string, value []string, dst *[]string) {
	if len(value) == 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setInt sets an int value if positive and flag not changed.
func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setInt64 sets an int64 value if positive and flag not changed.
func (s *configSetter) setInt64(flag string, value int64, dst *int64) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setFloat sets a float64 value if positive and flag not changed.
func (s *configSetter) setFloat(flag string, value float64, dst *float64) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setDuration parses and sets a duration from string if valid and flag not changed.
func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

// setIntFromString parses a string to int and sets the destination if valid.
// Used for environment variables that come as strings.
func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if i <= 0 {
		return nil
	}
	*dst = i
	return nil
}

// setInt64FromString parses a string to int64 and sets the destination if valid.
func (s *configSetter) setInt64FromString(flag, value string, dst *int64) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if i <= 0 {
		return nil
	}
	*dst = i
	return nil
}

// setFloatFromString parses a string to float64 and sets the destination if valid.
// Used for environment variables that come as strings.
func (s *configSetter) setFloatFromString(flag, value string, dst *float64) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if f <= 0 {
		return nil
	}
	*dst = f
	return nil
}

// setListFromString splits a comma separated list.
func (s *configSetter) setListFromString(flag, value string, dst *[]string) {
	if value == "" || s.changed[flag] {
		return
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}
