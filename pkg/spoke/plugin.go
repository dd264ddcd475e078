package spoke

import (
	"context"
	"time"

	"github.com/bft-labs/spokesync/pkg/log"
	"github.com/bft-labs/spokesync/pkg/state"
)

// Plugin extends a Spoke with optional behavior.
type Plugin interface {
	// Name returns the plugin identifier used in logs.
	Name() string

	// Initialize is called during Start. A returned error aborts Start.
	Initialize(ctx context.Context, cfg PluginConfig) error

	// Shutdown is called during Stop, in reverse registration order.
	Shutdown(ctx context.Context) error
}

// PluginConfig is what a plugin receives from the node.
type PluginConfig struct {
	DeviceID    string
	SessionsDir string
	StateDir    string
	Logger      log.Logger

	// Journal is the persisted session record, including transferred ids.
	Journal state.Repository

	// Node exposes the runtime controls plugins may use.
	Node Controls
}

// Controls is the part of a running Spoke that plugins may drive.
type Controls interface {
	// ActiveSessionID returns the session currently not IDLE, or "".
	ActiveSessionID() string

	// SetHeartbeatInterval changes the beat period and the Hub timeout.
	SetHeartbeatInterval(d time.Duration)
}
