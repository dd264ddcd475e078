package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bft-labs/spokesync/internal/cliconfig"
	"github.com/bft-labs/spokesync/pkg/heartbeat"
	"github.com/bft-labs/spokesync/pkg/hub"
	"github.com/bft-labs/spokesync/pkg/log"
	"github.com/bft-labs/spokesync/pkg/protocol"
)

type hubFlags struct {
	wait           time.Duration
	session        string
	receive        bool
	extract        bool
	statusInterval time.Duration
}

func (c *cli) hubCommand() *cobra.Command {
	hf := &hubFlags{}

	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Control a set of spokes",
	}

	pf := cmd.PersistentFlags()
	pf.StringArrayVar(&c.cfg.Spokes, "spoke", nil, "spoke to control as name=host:port (repeatable)")
	pf.DurationVar(&hf.wait, "wait", 10*time.Second, "how long to wait for spokes to connect and calibrate")
	pf.DurationVar(&c.cfg.ResyncInterval, "resync-interval", c.cfg.ResyncInterval, "drift check period per spoke (negative disables)")
	pf.DurationVar(&c.cfg.ReconnectBase, "reconnect-base", c.cfg.ReconnectBase, "first reconnect delay")
	pf.DurationVar(&c.cfg.ReconnectMax, "reconnect-max", c.cfg.ReconnectMax, "largest reconnect delay")
	pf.IntVar(&c.cfg.ReconnectAttempts, "reconnect-attempts", c.cfg.ReconnectAttempts, "reconnect attempts before giving up on a spoke")
	pf.IntVar(&c.cfg.SyncTrials, "sync-trials", c.cfg.SyncTrials, "round trips per clock calibration")
	pf.Float64Var(&c.cfg.SyncTrimRatio, "sync-trim-ratio", c.cfg.SyncTrimRatio, "fraction of offsets trimmed from each tail")
	pf.Float64Var(&c.cfg.OutlierFactor, "outlier-factor", c.cfg.OutlierFactor, "round trips above factor x median are retried")
	pf.IntVar(&c.cfg.OutlierWindow, "outlier-window", c.cfg.OutlierWindow, "round trips kept for the outlier median")
	pf.StringVar(&c.cfg.AdvertiseHost, "advertise-host", "", "receiver host given to spokes (default: outbound address)")
	pf.StringVar(&c.cfg.ReceiveAddr, "receive-addr", c.cfg.ReceiveAddr, "receiver listen address")

	startCmd := c.hubOnce("start", "Start a session on every spoke", hf, func(ctx context.Context, h *hub.Controller) ([]hub.Result, error) {
		id, results := h.StartRecording(ctx, hf.session)
		c.zl.Info().Str("session_id", id).Msg("session started")
		return results, nil
	})
	startCmd.Flags().StringVar(&hf.session, "session", "", "session id (default: generated)")

	transferCmd := c.hubOnce("transfer", "Ask every spoke to send a session to the receiver", hf, func(ctx context.Context, h *hub.Controller) ([]hub.Result, error) {
		if hf.session == "" {
			return nil, errors.New("--session is required")
		}
		host, port, err := c.receiverEndpoint()
		if err != nil {
			return nil, err
		}
		return h.TransferFiles(ctx, host, port, hf.session), nil
	})
	transferCmd.Flags().StringVar(&hf.session, "session", "", "session id to transfer")

	cmd.AddCommand(
		c.hubOnce("caps", "Query spoke capabilities", hf, func(ctx context.Context, h *hub.Controller) ([]hub.Result, error) {
			return h.QueryCapabilities(ctx), nil
		}),
		c.hubOnce("stop", "Stop the session on every spoke", hf, func(ctx context.Context, h *hub.Controller) ([]hub.Result, error) {
			return h.StopRecording(ctx), nil
		}),
		c.hubOnce("flash", "Mark a flash sync cue on every spoke", hf, func(ctx context.Context, h *hub.Controller) ([]hub.Result, error) {
			return h.FlashSync(ctx), nil
		}),
		startCmd,
		transferCmd,
		c.hubSyncCommand(hf),
		c.hubMonitorCommand(hf),
	)
	return cmd
}

// hubOnce builds a command that connects, runs fn once and prints one JSON
// line per spoke.
func (c *cli) hubOnce(use, short string, hf *hubFlags, fn func(context.Context, *hub.Controller) ([]hub.Result, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.load(cmd); err != nil {
				return err
			}
			return c.withHub(hf, false, nil, func(ctx context.Context, h *hub.Controller) error {
				results, err := fn(ctx, h)
				if err != nil {
					return err
				}
				return printResults(results)
			})
		},
	}
}

func (c *cli) hubSyncCommand(hf *hubFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Recalibrate every spoke clock and print the estimates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.load(cmd); err != nil {
				return err
			}
			return c.withHub(hf, false, nil, func(ctx context.Context, h *hub.Controller) error {
				enc := json.NewEncoder(os.Stdout)
				failed := 0
				results := h.TimeSync(ctx)
				for _, r := range results {
					line := map[string]any{"spoke": r.Spoke, "stats": r.Stats}
					if r.Err != nil {
						failed++
						line["error"] = r.Err.Error()
					}
					if err := enc.Encode(line); err != nil {
						return err
					}
				}
				return failures(failed, len(results))
			})
		},
	}
}

func (c *cli) hubMonitorCommand(hf *hubFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Keep spokes connected, log their health and collect rejoin transfers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.load(cmd); err != nil {
				return err
			}
			handler := &monitorEvents{logger: c.logger}
			return c.withHub(hf, hf.receive, handler, func(ctx context.Context, h *hub.Controller) error {
				g, ctx := errgroup.WithContext(ctx)
				if hf.receive {
					r := c.newReceiver(hf.extract)
					g.Go(func() error { return r.ListenAndServe(ctx, c.cfg.ReceiveAddr) })
				}
				g.Go(func() error {
					ticker := time.NewTicker(hf.statusInterval)
					defer ticker.Stop()
					for {
						select {
						case <-ctx.Done():
							return nil
						case <-ticker.C:
							c.logStatus(h)
						}
					}
				})
				return g.Wait()
			})
		},
	}
	cmd.Flags().BoolVar(&hf.receive, "receive", true, "run a transfer receiver and ask rejoining spokes for their sessions")
	cmd.Flags().BoolVar(&hf.extract, "extract", false, "unpack each received archive")
	cmd.Flags().DurationVar(&hf.statusInterval, "status-interval", 10*time.Second, "period of the spoke status log")
	return cmd
}

// withHub builds a controller for the configured spokes, waits for them and
// runs fn until it returns or a signal arrives.
func (c *cli) withHub(hf *hubFlags, receive bool, handler hub.EventHandler, fn func(context.Context, *hub.Controller) error) error {
	spokes, err := cliconfig.ParseSpokes(c.cfg.Spokes)
	if err != nil {
		return err
	}
	if len(spokes) == 0 {
		return errors.New("no spokes configured (use --spoke name=host:port)")
	}

	cfg := hub.Config{
		DeviceID:            c.cfg.DeviceID,
		HeartbeatInterval:   c.cfg.HeartbeatInterval,
		HeartbeatMultiplier: c.cfg.HeartbeatMultiplier,
		Reconnect: heartbeat.Policy{
			Base:        c.cfg.ReconnectBase,
			Max:         c.cfg.ReconnectMax,
			MaxAttempts: c.cfg.ReconnectAttempts,
		},
		ResyncInterval: c.cfg.ResyncInterval,
		SyncTrials:     c.cfg.SyncTrials,
		SyncTrimRatio:  c.cfg.SyncTrimRatio,
		OutlierFactor:  c.cfg.OutlierFactor,
		OutlierWindow:  c.cfg.OutlierWindow,
	}
	if receive {
		if cfg.ReceiverHost, cfg.ReceiverPort, err = c.receiverEndpoint(); err != nil {
			return err
		}
	}

	opts := []hub.Option{hub.WithLogger(c.logger)}
	if handler != nil {
		opts = append(opts, hub.WithEventHandler(handler))
	}
	h, err := hub.New(cfg, opts...)
	if err != nil {
		return err
	}
	for _, s := range spokes {
		if err := h.AddSpoke(s.Name, s.Addr); err != nil {
			return err
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := h.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = h.Stop() }()

	c.waitForSpokes(ctx, h, hf.wait)
	return fn(ctx, h)
}

// waitForSpokes returns once every spoke is connected and calibrated, has
// been given up on, or the timeout elapses.
func (c *cli) waitForSpokes(ctx context.Context, h *hub.Controller, timeout time.Duration) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		pending := 0
		for _, s := range h.Spokes() {
			if !s.Exhausted && !(s.Connected && s.Synced) {
				pending++
			}
		}
		if pending == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			c.zl.Warn().Int("pending", pending).Msg("spokes not ready, continuing with those connected")
			return
		case <-ticker.C:
		}
	}
}

func (c *cli) logStatus(h *hub.Controller) {
	sessionID, recording := h.Session()
	for _, s := range h.Spokes() {
		c.zl.Info().
			Str("spoke", s.Name).
			Str("device_id", s.DeviceID).
			Bool("connected", s.Connected).
			Str("health", s.Health.String()).
			Int64("offset_ns", s.Stats.MedianOffsetNs).
			Int64("delay_ns", s.Stats.MinDelayNs).
			Bool("recording", s.Recording).
			Str("hub_session", sessionID).
			Bool("hub_recording", recording).
			Msg("spoke status")
	}
}

// receiverEndpoint is the host and port spokes are told to send to.
func (c *cli) receiverEndpoint() (string, int, error) {
	port, err := c.cfg.ReceivePort()
	if err != nil {
		return "", 0, fmt.Errorf("receive address %q: %w", c.cfg.ReceiveAddr, err)
	}
	host := c.cfg.AdvertiseHost
	if host == "" {
		host = outboundIP()
	}
	return host, port, nil
}

// outboundIP returns the local address used for outbound traffic. No
// packet is sent.
func outboundIP() string {
	conn, err := net.Dial("udp", "192.0.2.1:9")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}

func printResults(results []hub.Result) error {
	enc := json.NewEncoder(os.Stdout)
	failed := 0
	for _, r := range results {
		line := map[string]any{"spoke": r.Spoke}
		if r.Err != nil {
			failed++
			line["error"] = r.Err.Error()
		} else {
			line["status"] = r.Reply.Status
			if len(r.Reply.Fields) > 0 {
				line["reply"] = r.Reply.Fields
			}
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	return failures(failed, len(results))
}

func failures(failed, total int) error {
	if total == 0 {
		return errors.New("no spoke is connected")
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d spokes failed", failed, total)
	}
	return nil
}

// monitorEvents logs controller events.
type monitorEvents struct {
	hub.BaseEventHandler
	logger log.Logger
}

func (m *monitorEvents) OnLink(ev hub.LinkEvent) {
	switch {
	case ev.Connected:
		m.logger.Info("spoke connected", log.String("spoke", ev.Spoke), log.Bool("reconnected", ev.Reconnected))
	case ev.Err != nil:
		m.logger.Error("giving up on spoke", log.String("spoke", ev.Spoke), log.Err(ev.Err))
	default:
		m.logger.Info("spoke disconnected", log.String("spoke", ev.Spoke))
	}
}

func (m *monitorEvents) OnHealth(ev hub.HealthEvent) {
	m.logger.Info("spoke health",
		log.String("spoke", ev.Spoke),
		log.String("from", ev.Previous.String()),
		log.String("to", ev.Health.State.String()))
}

func (m *monitorEvents) OnSpokeMessage(ev hub.SpokeMessage) {
	if ev.Message.Type == protocol.TypeHeartbeat {
		return
	}
	m.logger.Info("spoke event",
		log.String("spoke", ev.Spoke),
		log.String("event", ev.Message.Name),
		log.Any("fields", ev.Message.Fields))
}

func (m *monitorEvents) OnCalibration(ev hub.CalibrationEvent) {
	if ev.Err != nil {
		m.logger.Warn("calibration failed", log.String("spoke", ev.Spoke), log.Err(ev.Err))
		return
	}
	m.logger.Info("spoke calibrated",
		log.String("spoke", ev.Spoke),
		log.Int64("offset_ns", ev.Stats.MedianOffsetNs),
		log.Int64("delay_ns", ev.Stats.MinDelayNs),
		log.Int64("std_dev_ns", ev.Stats.StdDevNs))
}
