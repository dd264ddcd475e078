package cliconfig

import "os"

// ApplyEnvConfig applies configuration from environment variables (SPOKESYNC_*).
// It respects flags that have been explicitly set (changed map).
// Returns error if any environment variable has an invalid format.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("device-id", os.Getenv("SPOKESYNC_DEVICE_ID"), &cfg.DeviceID)
	s.setString("listen", os.Getenv("SPOKESYNC_LISTEN_ADDR"), &cfg.ListenAddr)
	s.setString("sessions-dir", os.Getenv("SPOKESYNC_SESSIONS_DIR"), &cfg.SessionsDir)
	s.setString("state-dir", os.Getenv("SPOKESYNC_STATE_DIR"), &cfg.StateDir)
	s.setString("receiver", os.Getenv("SPOKESYNC_RECEIVER_ADDR"), &cfg.ReceiverAddr)
	s.setString("receive-addr", os.Getenv("SPOKESYNC_RECEIVE_ADDR"), &cfg.ReceiveAddr)
	s.setString("receive-dir", os.Getenv("SPOKESYNC_RECEIVE_DIR"), &cfg.ReceiveDir)
	s.setString("advertise-host", os.Getenv("SPOKESYNC_ADVERTISE_HOST"), &cfg.AdvertiseHost)
	s.setString("compression", os.Getenv("SPOKESYNC_COMPRESSION"), &cfg.Compression)
	s.setString("log-level", os.Getenv("SPOKESYNC_LOG_LEVEL"), &cfg.LogLevel)
	s.setListFromString("spoke", os.Getenv("SPOKESYNC_SPOKES"), &cfg.Spokes)

	if err := s.setDuration("heartbeat-interval", os.Getenv("SPOKESYNC_HEARTBEAT_INTERVAL"), &cfg.HeartbeatInterval); err != nil {
		return err
	}
	if err := s.setDuration("resync-interval", os.Getenv("SPOKESYNC_RESYNC_INTERVAL"), &cfg.ResyncInterval); err != nil {
		return err
	}
	if err := s.setDuration("reconnect-base", os.Getenv("SPOKESYNC_RECONNECT_BASE"), &cfg.ReconnectBase); err != nil {
		return err
	}
	if err := s.setDuration("reconnect-max", os.Getenv("SPOKESYNC_RECONNECT_MAX"), &cfg.ReconnectMax); err != nil {
		return err
	}

	if err := s.setIntFromString("heartbeat-multiplier", os.Getenv("SPOKESYNC_HEARTBEAT_MULTIPLIER"), &cfg.HeartbeatMultiplier); err != nil {
		return err
	}
	if err := s.setIntFromString("sync-trials", os.Getenv("SPOKESYNC_SYNC_TRIALS"), &cfg.SyncTrials); err != nil {
		return err
	}
	if err := s.setIntFromString("outlier-window", os.Getenv("SPOKESYNC_OUTLIER_WINDOW"), &cfg.OutlierWindow); err != nil {
		return err
	}
	if err := s.setIntFromString("reconnect-attempts", os.Getenv("SPOKESYNC_RECONNECT_ATTEMPTS"), &cfg.ReconnectAttempts); err != nil {
		return err
	}

	if err := s.setFloatFromString("sync-trim-ratio", os.Getenv("SPOKESYNC_SYNC_TRIM_RATIO"), &cfg.SyncTrimRatio); err != nil {
		return err
	}
	if err := s.setFloatFromString("outlier-factor", os.Getenv("SPOKESYNC_OUTLIER_FACTOR"), &cfg.OutlierFactor); err != nil {
		return err
	}

	if err := s.setInt64FromString("retention-high", os.Getenv("SPOKESYNC_RETENTION_HIGH_BYTES"), &cfg.RetentionHighBytes); err != nil {
		return err
	}
	if err := s.setInt64FromString("retention-low", os.Getenv("SPOKESYNC_RETENTION_LOW_BYTES"), &cfg.RetentionLowBytes); err != nil {
		return err
	}

	return nil
}
