package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bft-labs/spokesync"
	"github.com/bft-labs/spokesync/internal/cliconfig"
	"github.com/bft-labs/spokesync/pkg/spoke"
	"github.com/bft-labs/spokesync/plugins/configwatcher"
	"github.com/bft-labs/spokesync/plugins/sessioncleanup"
)

func (c *cli) spokeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spoke",
		Short: "Run a capture node that accepts Hub commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.load(cmd); err != nil {
				return err
			}
			if err := cliconfig.LoadDeviceID(&c.cfg); err != nil {
				return err
			}
			c.zl.Info().Interface("config", c.cfg).Msg("configuration")
			return c.runSpoke()
		},
	}

	f := cmd.Flags()
	f.StringVar(&c.cfg.ListenAddr, "listen", c.cfg.ListenAddr, "protocol listen address")
	f.StringVar(&c.cfg.ReceiverAddr, "receiver", "", "send every finished session to this receiver (host:port)")
	f.Int64Var(&c.cfg.RetentionHighBytes, "retention-high", 0, "remove transferred sessions above this many bytes (0 disables)")
	f.Int64Var(&c.cfg.RetentionLowBytes, "retention-low", 0, "retention target size in bytes (default: 3/4 of retention-high)")
	return cmd
}

func (c *cli) runSpoke() error {
	opts := []spoke.Option{
		spoke.WithLogger(c.logger),
		configwatcher.WithConfigWatcher(configwatcher.Config{Path: c.cfgPath, Levels: c.logger}),
	}
	if c.cfg.RetentionHighBytes > 0 {
		opts = append(opts, sessioncleanup.WithSessionCleanup(sessioncleanup.Config{
			CheckInterval:  sessioncleanup.DefaultConfig().CheckInterval,
			HighWatermark:  c.cfg.RetentionHighBytes,
			LowWatermark:   c.cfg.RetentionLowBytes,
			RunImmediately: true,
		}))
	}

	s, err := spokesync.NewSpoke(c.cfg, opts...)
	if err != nil {
		return fmt.Errorf("create spoke: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("start spoke: %w", err)
	}

	// Wait for a signal or a crash of the serving loops.
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
wait:
	for {
		select {
		case <-ctx.Done():
			c.zl.Info().Msg("received signal, stopping...")
			break wait
		case <-ticker.C:
			if st := s.Status(); st == spoke.StateCrashed || st == spoke.StateStopped {
				return fmt.Errorf("spoke stopped unexpectedly: %s", st)
			}
		}
	}

	if err := s.Stop(); err != nil {
		return fmt.Errorf("stop spoke: %w", err)
	}
	return nil
}
