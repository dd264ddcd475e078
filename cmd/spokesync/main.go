package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/bft-labs/spokesync/internal/cliconfig"
	"github.com/bft-labs/spokesync/pkg/log"
)

const helpDescription = `
Record on many devices at once and line the recordings up afterwards.

Each capture device runs "spokesync spoke". A controller runs the "hub"
commands: it connects to every spoke, estimates each clock offset, starts
and stops sessions together and collects the finished sessions with
"spokesync receive" or "spokesync hub monitor".

Configuration is read from $HOME/.spokesync/config.toml, then SPOKESYNC_*
environment variables, then flags.
`

var exampleUsage = strings.TrimSpace(`
  spokesync spoke --device-id cam-1 --listen :8080
  spokesync hub monitor --spoke cam-1=10.0.0.11:8080 --spoke cam-2=10.0.0.12:8080
  spokesync hub start --spoke cam-1=10.0.0.11:8080 --session take-1
  spokesync receive --receive-dir /data/received
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// cli holds state shared by every subcommand.
type cli struct {
	cfg     cliconfig.Config
	cfgPath string
	zl      zerolog.Logger
	logger  *log.ZerologAdapter
}

func main() {
	c := &cli{cfg: cliconfig.DefaultConfig(), zl: cliconfig.Logger()}
	c.logger = log.NewZerologAdapterWithLogger(c.zl)

	root := &cobra.Command{
		Use:           "spokesync",
		Short:         "Synchronized multi-device capture",
		Long:          strings.TrimSpace(helpDescription),
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.cfgPath, "config", "", "path to config file (default: $HOME/.spokesync/config.toml)")
	pf.StringVar(&c.cfg.DeviceID, "device-id", "", "device identifier (spoke default: persisted uuid)")
	pf.StringVar(&c.cfg.SessionsDir, "sessions-dir", "", "session root directory (default: $HOME/.spokesync/sessions)")
	pf.StringVar(&c.cfg.StateDir, "state-dir", "", "journal directory (default: <sessions-dir>/.spokesync)")
	pf.StringVar(&c.cfg.LogLevel, "log-level", c.cfg.LogLevel, "log level (debug, info, warn, error)")
	pf.DurationVar(&c.cfg.HeartbeatInterval, "heartbeat-interval", c.cfg.HeartbeatInterval, "period between heartbeats")
	pf.IntVar(&c.cfg.HeartbeatMultiplier, "heartbeat-multiplier", c.cfg.HeartbeatMultiplier, "missed intervals before a peer is offline")
	pf.StringVar(&c.cfg.Compression, "compression", c.cfg.Compression, "transfer archive codec (none, zstd, lz4)")

	root.AddCommand(c.spokeCommand(), c.receiveCommand(), c.hubCommand())

	if err := root.Execute(); err != nil {
		c.zl.Error().Err(err).Msg("spokesync")
		os.Exit(1)
	}
}

// load applies the config file and the environment under the flags that
// were set explicitly, then validates.
func (c *cli) load(cmd *cobra.Command) error {
	cfgFile := c.cfgPath
	if cfgFile == "" {
		cfgFile = cliconfig.DefaultConfigPath()
	}
	c.cfgPath = cfgFile

	changed := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	if cfgFile != "" && cliconfig.FileExists(cfgFile) {
		fc, err := cliconfig.LoadFileConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cliconfig.ApplyFileConfig(&c.cfg, fc, changed); err != nil {
			return err
		}
	}

	// SPOKESYNC_* override the file but not explicit flags.
	if err := cliconfig.ApplyEnvConfig(&c.cfg, changed); err != nil {
		return err
	}

	if err := c.cfg.Validate(); err != nil {
		return err
	}
	if err := c.logger.SetLevel(c.cfg.LogLevel); err != nil {
		return err
	}
	return nil
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
