package configwatcher

import "github.com/bft-labs/spokesync/pkg/spoke"

// WithConfigWatcher returns a spoke Option that enables config hot reload.
// When enabled, the plugin watches the config file and applies log_level
// and heartbeat_interval changes to the running node.
//
// Usage:
//
//	s, err := spoke.New(cfg,
//	    configwatcher.WithConfigWatcher(configwatcher.Config{
//	        Path:          "/etc/spokesync/config.toml",
//	        DebounceDelay: 100 * time.Millisecond,
//	    }),
//	)
func WithConfigWatcher(cfg Config) spoke.Option {
	plugin := New(cfg)
	return spoke.WithPlugin(plugin)
}

// WithDefaultConfigWatcher watches the default config path with a 100ms debounce.
func WithDefaultConfigWatcher() spoke.Option {
	return WithConfigWatcher(DefaultConfig())
}
