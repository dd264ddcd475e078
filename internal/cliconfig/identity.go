package cliconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/uuid"
)

// DeviceIDFileName holds the generated device identity inside StateDir.
const DeviceIDFileName = "device_id"

// LoadDeviceID fills cfg.DeviceID when it is unset: from <StateDir>/device_id
// if present, otherwise from a new random UUID persisted there so the
// identity survives restarts. Call it after Validate.
func LoadDeviceID(cfg *Config) error {
	if cfg.DeviceID != "" {
		return nil
	}
	if cfg.StateDir == "" {
		return fmt.Errorf("device-id is required (or state-dir)")
	}

	path := filepath.Join(cfg.StateDir, DeviceIDFileName)
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if id := strings.TrimSpace(string(b)); id != "" {
			cfg.DeviceID = id
			return nil
		}
	case !os.IsNotExist(err):
		return fmt.Errorf("read device id: %w", err)
	}

	u, err := uuid.NewV4()
	if err != nil {
		return fmt.Errorf("generate device id: %w", err)
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(u.String()+"\n"), 0o644); err != nil {
		return fmt.Errorf("write device id: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write device id: %w", err)
	}
	cfg.DeviceID = u.String()
	return nil
}
