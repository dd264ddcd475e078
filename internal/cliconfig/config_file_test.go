package cliconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestApplyFileConfig(t *testing.T) {
	tests := []struct {
		name       string
		fileConfig FileConfig
		changed    map[string]bool
		initial    Config
		expected   Config
		wantErr    bool
	}{
		{
			name: "applies all valid config values",
			fileConfig: FileConfig{
				DeviceID:          "spoke-7",
				SessionsDir:       "/data/sessions",
				HeartbeatInterval: "1s",
				SyncTrials:        20,
				OutlierFactor:     2.5,
				RetentionLowBytes: 512,
				Spokes:            []string{"a=h:1"},
			},
			changed: map[string]bool{},
			initial: Config{},
			expected: Config{
				DeviceID:          "spoke-7",
				SessionsDir:       "/data/sessions",
				HeartbeatInterval: time.Second,
				SyncTrials:        20,
				OutlierFactor:     2.5,
				RetentionLowBytes: 512,
				Spokes:            []string{"a=h:1"},
			},
		},
		{
			name: "respects changed flags",
			fileConfig: FileConfig{
				DeviceID:    "file-node",
				SessionsDir: "/file/sessions",
			},
			changed: map[string]bool{"sessions-dir": true},
			initial: Config{SessionsDir: "/flag/sessions"},
			expected: Config{
				DeviceID:    "file-node",
				SessionsDir: "/flag/sessions", // unchanged because flag was set
			},
		},
		{
			name:       "returns error for invalid duration",
			fileConfig: FileConfig{ReconnectMax: "forever"},
			changed:    map[string]bool{},
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.initial
			err := ApplyFileConfig(&cfg, tt.fileConfig, tt.changed)
			if tt.wantErr {
				if err == nil {
					t.Error("ApplyFileConfig() expected error but got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("ApplyFileConfig() unexpected error: %v", err)
			}

			if cfg.DeviceID != tt.expected.DeviceID {
				t.Errorf("DeviceID = %v, want %v", cfg.DeviceID, tt.expected.DeviceID)
			}
			if cfg.SessionsDir != tt.expected.SessionsDir {
				t.Errorf("SessionsDir = %v, want %v", cfg.SessionsDir, tt.expected.SessionsDir)
			}
			if cfg.HeartbeatInterval != tt.expected.HeartbeatInterval {
				t.Errorf("HeartbeatInterval = %v, want %v", cfg.HeartbeatInterval, tt.expected.HeartbeatInterval)
			}
			if cfg.SyncTrials != tt.expected.SyncTrials {
				t.Errorf("SyncTrials = %v, want %v", cfg.SyncTrials, tt.expected.SyncTrials)
			}
			if cfg.OutlierFactor != tt.expected.OutlierFactor {
				t.Errorf("OutlierFactor = %v, want %v", cfg.OutlierFactor, tt.expected.OutlierFactor)
			}
			if cfg.RetentionLowBytes != tt.expected.RetentionLowBytes {
				t.Errorf("RetentionLowBytes = %v, want %v", cfg.RetentionLowBytes, tt.expected.RetentionLowBytes)
			}
			if strings.Join(cfg.Spokes, ",") != strings.Join(tt.expected.Spokes, ",") {
				t.Errorf("Spokes = %v, want %v", cfg.Spokes, tt.expected.Spokes)
			}
		})
	}
}

func TestLoadFileConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	tomlContent := `
device_id = "spoke-1"
sessions_dir = "/data/sessions"
heartbeat_interval = "3s"
sync_trim_ratio = 0.2
retention_high_bytes = 1073741824
spokes = ["left=10.0.0.1:8080", "right=10.0.0.2:8080"]
log_level = "debug"
`

	if err := os.WriteFile(configPath, []byte(tomlContent), 0644); err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	fc, err := LoadFileConfig(configPath)
	if err != nil {
		t.Fatalf("LoadFileConfig() error = %v", err)
	}

	if fc.DeviceID != "spoke-1" {
		t.Errorf("DeviceID = %v, want spoke-1", fc.DeviceID)
	}
	if fc.HeartbeatInterval != "3s" {
		t.Errorf("HeartbeatInterval = %v, want 3s", fc.HeartbeatInterval)
	}
	if fc.SyncTrimRatio != 0.2 {
		t.Errorf("SyncTrimRatio = %v, want 0.2", fc.SyncTrimRatio)
	}
	if fc.RetentionHighBytes != 1<<30 {
		t.Errorf("RetentionHighBytes = %v, want %v", fc.RetentionHighBytes, 1<<30)
	}
	if len(fc.Spokes) != 2 || fc.Spokes[1] != "right=10.0.0.2:8080" {
		t.Errorf("Spokes = %v", fc.Spokes)
	}
	if fc.LogLevel != "debug" {
		t.Errorf("LogLevel = %v, want debug", fc.LogLevel)
	}
}

func TestLoadFileConfig_InvalidFile(t *testing.T) {
	_, err := LoadFileConfig("/nonexistent/path/config.toml")
	if err == nil {
		t.Error("LoadFileConfig() expected error for nonexistent file")
	}
}

func TestLoadFileConfig_InvalidTOML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.toml")

	invalidContent := `
device_id = "x"
this is not valid toml
`

	if err := os.WriteFile(configPath, []byte(invalidContent), 0644); err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	_, err := LoadFileConfig(configPath)
	if err == nil {
		t.Error("LoadFileConfig() expected error for invalid TOML")
	}
}

func TestDefaultConfigPath(t *testing.T) {
	path := DefaultConfigPath()

	if path != "" && !strings.Contains(path, ".spokesync") {
		t.Errorf("DefaultConfigPath() = %v, should contain .spokesync", path)
	}
}

func TestFileExists(t *testing.T) {
	tmpDir := t.TempDir()
	existingFile := filepath.Join(tmpDir, "exists.txt")

	if err := os.WriteFile(existingFile, []byte("test"), 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	if !FileExists(existingFile) {
		t.Error("FileExists() = false, want true for existing file")
	}

	if FileExists(filepath.Join(tmpDir, "nonexistent.txt")) {
		t.Error("FileExists() = true, want false for nonexistent file")
	}
}
