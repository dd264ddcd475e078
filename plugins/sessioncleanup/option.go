package sessioncleanup

import "github.com/bft-labs/spokesync/pkg/spoke"

// WithSessionCleanup returns a spoke Option that enables session retention.
//
// Usage:
//
//	s, err := spoke.New(cfg,
//	    sessioncleanup.WithSessionCleanup(sessioncleanup.Config{
//	        CheckInterval: time.Hour,
//	        HighWatermark: 20 << 30,
//	        LowWatermark:  15 << 30,
//	    }),
//	)
func WithSessionCleanup(cfg Config) spoke.Option {
	return spoke.WithPlugin(New(cfg))
}

// WithDefaultSessionCleanup enables session retention with DefaultConfig.
func WithDefaultSessionCleanup() spoke.Option {
	return WithSessionCleanup(DefaultConfig())
}
