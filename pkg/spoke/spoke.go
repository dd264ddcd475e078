package spoke

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bft-labs/spokesync/internal/domain"
	"github.com/bft-labs/spokesync/internal/ports"
	"github.com/bft-labs/spokesync/pkg/heartbeat"
	"github.com/bft-labs/spokesync/pkg/lifecycle"
	"github.com/bft-labs/spokesync/pkg/log"
	"github.com/bft-labs/spokesync/pkg/protocol"
	"github.com/bft-labs/spokesync/pkg/session"
	"github.com/bft-labs/spokesync/pkg/state"
	"github.com/bft-labs/spokesync/pkg/timesync"
	"github.com/bft-labs/spokesync/pkg/transfer"
)

// sessionStopTimeout bounds stopping an active session during Stop.
const sessionStopTimeout = 10 * time.Second

// Spoke is a sensor node that runs recording sessions under Hub direction.
// Use New() to create an instance, then Start() to begin serving.
type Spoke struct {
	config    Config
	opts      options
	logger    log.Logger
	lifecycle *lifecycle.DefaultManager
	emitter   *eventEmitterWrapper

	journal     *state.FileRepository
	orch        *session.Orchestrator
	sync        *timesync.Synchronizer
	monitor     *heartbeat.Monitor
	beats       *heartbeat.Emitter
	coordinator *transfer.Coordinator
	dispatcher  *protocol.Dispatcher
	server      *protocol.Server
	worker      *sessionWorker
	plugins     []Plugin

	inventory atomic.Pointer[ports.Inventory]

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	addr    net.Addr
	started bool
}

// ErrSpent is returned by Start on a Spoke that has already served once.
var ErrSpent = errors.New("spoke: instance already served; create a new one")

// New creates a Spoke with the given configuration.
// The instance is created in StateStopped; call Start() to begin serving.
func New(cfg Config, opts ...Option) (*Spoke, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	logger := log.With(o.logger, log.String("device_id", cfg.DeviceID))
	emitter := &eventEmitterWrapper{handler: o.eventHandler}

	s := &Spoke{
		config:    cfg,
		opts:      o,
		logger:    logger,
		lifecycle: lifecycle.NewManager(logger, emitter),
		emitter:   emitter,
		journal:   state.NewFileRepository(cfg.StateDir),
		plugins:   o.plugins,
	}

	s.sync = timesync.New(nil, timesync.WithLogger(logger), timesync.WithClock(o.now))
	s.orch = session.New(cfg.SessionsDir,
		session.WithLogger(logger),
		session.WithJournal(s.journal),
		session.WithClock(o.now),
		session.WithDeviceID(cfg.DeviceID),
		session.WithClockOffset(s.sync.Estimate),
		session.WithEventEmitter(emitter),
		session.WithEventEmitter(session.EmitterFunc(s.onSessionChange)),
	)
	for _, r := range o.recorders {
		if err := s.orch.Register(r.name, r.recorder); err != nil {
			return nil, err
		}
	}

	s.monitor = heartbeat.NewMonitor(cfg.HeartbeatInterval, cfg.HeartbeatMultiplier,
		heartbeat.WithMonitorLogger(logger),
		heartbeat.WithMonitorClock(o.now),
		heartbeat.WithTransitionFunc(func(prev domain.HealthState, cur domain.DeviceHealth) {
			emitter.peerHealth(PeerHealthEvent{Health: cur, Previous: prev})
		}),
	)
	s.beats = heartbeat.NewEmitter(cfg.DeviceID, cfg.HeartbeatInterval, s.sendBeat,
		heartbeat.WithEmitterLogger(logger),
		heartbeat.WithEmitterClock(o.now),
		heartbeat.WithMetadata(s.beatMetadata),
	)
	s.coordinator = transfer.NewCoordinator(cfg.SessionsDir, cfg.DeviceID,
		transfer.WithLogger(logger),
		transfer.WithCompression(cfg.Compression),
	)

	s.dispatcher = protocol.NewDispatcher(logger)
	s.server = protocol.NewServer(s.dispatcher,
		protocol.WithServerLogger(logger),
		protocol.WithServerClock(o.now),
		protocol.WithConnectHook(s.greet),
		protocol.WithMessageHook(s.onMessage),
	)
	s.worker = newSessionWorker(s.orch, cfg.DeviceID, logger, func(m protocol.Message) { s.server.Broadcast(m) })
	s.registerHandlers()

	return s, nil
}

// Start restores the session journal, probes hardware, binds the listener
// and starts serving in the background. A Spoke serves once.
// Returns an error if already running or if startup fails.
func (s *Spoke) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lifecycle.CanStart() {
		return domain.ErrAlreadyRunning
	}
	if s.started {
		return ErrSpent
	}
	s.started = true
	if err := s.lifecycle.TransitionTo(lifecycle.StateStarting, "Start() called"); err != nil {
		return err
	}

	fail := func(reason string, err error) error {
		s.logger.Error("spoke start failed", log.String("step", reason), log.Err(err))
		_ = s.lifecycle.TransitionTo(lifecycle.StateCrashed, reason)
		return err
	}

	if err := s.orch.Restore(ctx); err != nil {
		return fail("restore journal", err)
	}
	s.probeHardware(ctx)

	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fail("listen", err)
	}
	s.addr = ln.Addr()

	runCtx, cancel := context.WithCancel(ctx)
	s.ctx = runCtx
	s.cancel = cancel
	s.lifecycle.SetCancel(cancel)

	pluginCfg := PluginConfig{
		DeviceID:    s.config.DeviceID,
		SessionsDir: s.config.SessionsDir,
		StateDir:    s.config.StateDir,
		Logger:      s.logger,
		Journal:     s.journal,
		Node:        s,
	}
	for i, p := range s.plugins {
		if err := p.Initialize(runCtx, pluginCfg); err != nil {
			cancel()
			_ = ln.Close()
			for j := i - 1; j >= 0; j-- {
				_ = s.plugins[j].Shutdown(context.Background())
			}
			return fail("plugin init failed: "+p.Name(), err)
		}
		s.logger.Info("plugin initialized", log.String("plugin", p.Name()))
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.server.Serve(gctx, ln) })
	g.Go(func() error { return s.worker.run(gctx) })
	g.Go(func() error { return s.beats.Run(gctx) })
	g.Go(func() error { return s.monitor.Run(gctx) })

	s.lifecycle.Go(func() {
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("spoke service failed", log.Err(err))
			cancel()
			_ = s.lifecycle.TransitionTo(lifecycle.StateCrashed, err.Error())
		}
	})

	if err := s.lifecycle.TransitionTo(lifecycle.StateRunning, "serving"); err != nil {
		return err
	}
	s.logger.Info("spoke listening", log.String("addr", s.addr.String()))
	return nil
}

// Stop shuts the node down: it stops serving, stops any active session,
// and shuts plugins down in reverse order.
// Returns nil on graceful shutdown, ErrShutdownTimeout if forced.
func (s *Spoke) Stop() error {
	s.mu.Lock()
	if !s.lifecycle.CanStop() {
		s.mu.Unlock()
		return domain.ErrNotRunning
	}
	if err := s.lifecycle.TransitionTo(lifecycle.StateStopping, "Stop() called"); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	err := s.lifecycle.WaitWithTimeout(lifecycle.ShutdownTimeout)

	stopCtx, cancel := context.WithTimeout(context.Background(), sessionStopTimeout)
	if serr := s.orch.StopSession(stopCtx); serr != nil {
		s.logger.Warn("active session stopped with errors", log.Err(serr))
	}
	cancel()

	for i := len(s.plugins) - 1; i >= 0; i-- {
		p := s.plugins[i]
		if perr := p.Shutdown(context.Background()); perr != nil {
			s.logger.Error("plugin shutdown failed", log.String("plugin", p.Name()), log.Err(perr))
		} else {
			s.logger.Info("plugin shutdown complete", log.String("plugin", p.Name()))
		}
	}

	if err != nil {
		_ = s.lifecycle.TransitionTo(lifecycle.StateCrashed, "shutdown timeout")
	} else {
		_ = s.lifecycle.TransitionTo(lifecycle.StateStopped, "graceful shutdown")
	}
	return err
}

// Status returns the current lifecycle state.
// Safe to call concurrently from any goroutine.
func (s *Spoke) Status() State {
	return s.lifecycle.State()
}

// Sessions returns the session orchestrator. It is the only surface a
// status display needs: State() and CurrentSessionID().
func (s *Spoke) Sessions() *session.Orchestrator {
	return s.orch
}

// Clock returns the Hub-aligned clock. Without a calibration pushed by the
// Hub it reads the local clock.
func (s *Spoke) Clock() *timesync.Synchronizer {
	return s.sync
}

// Addr returns the bound listener address, or nil before Start.
func (s *Spoke) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Health returns the liveness records of connected Hubs.
func (s *Spoke) Health() []domain.DeviceHealth {
	return s.monitor.Snapshot()
}

// Broadcast sends an event to every connected Hub and returns how many
// received it.
func (s *Spoke) Broadcast(m protocol.Message) int {
	return s.server.Broadcast(m)
}

// PublishPreview broadcasts one preview frame.
func (s *Spoke) PublishPreview(jpeg []byte, at time.Time) int {
	return s.server.Broadcast(protocol.NewEvent(protocol.EventPreviewFrame, map[string]any{
		"device_id":   s.config.DeviceID,
		"jpeg_base64": base64.StdEncoding.EncodeToString(jpeg),
		"ts":          at.UnixNano(),
	}))
}

// ActiveSessionID implements Controls.
func (s *Spoke) ActiveSessionID() string {
	return s.orch.CurrentSessionID()
}

// SetHeartbeatInterval implements Controls.
func (s *Spoke) SetHeartbeatInterval(d time.Duration) {
	s.beats.SetInterval(d)
	s.monitor.SetTiming(d, s.config.HeartbeatMultiplier)
	s.logger.Info("heartbeat interval changed", log.Duration("interval", s.beats.Interval()))
}

func (s *Spoke) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// probeHardware resolves the optional hardware driver once.
func (s *Spoke) probeHardware(ctx context.Context) {
	if s.opts.probe == nil {
		return
	}
	inv, err := s.opts.probe.Probe(ctx)
	if err != nil {
		s.logger.Warn("hardware probe failed, continuing without optional hardware", log.Err(err))
		return
	}
	if inv != nil {
		s.inventory.Store(inv)
		s.logger.Info("hardware detected",
			log.Int("cameras", len(inv.Cameras)),
			log.Any("capabilities", inv.Capabilities),
		)
	}
}

// greet tells a newly connected Hub about the active or most recent session
// before any of its commands are processed.
func (s *Spoke) greet(ctx context.Context, peer *protocol.Peer) []protocol.Message {
	sess, ok := s.orch.Current()
	recording := ok && sess.State == domain.SessionRecording
	if !ok {
		if sess, ok = s.orch.LastSession(); !ok {
			return nil
		}
	}
	s.logger.Info("announcing session to peer",
		log.String("peer", peer.RemoteAddr()),
		log.String("session_id", sess.ID),
		log.Bool("recording", recording),
	)
	return []protocol.Message{protocol.NewEvent(protocol.EventRejoinSession, map[string]any{
		"session_id": sess.ID,
		"device_id":  s.config.DeviceID,
		"recording":  recording,
	})}
}

// onMessage handles unsolicited traffic from a Hub. Only heartbeats are
// expected; anything else is logged and ignored.
func (s *Spoke) onMessage(ctx context.Context, peer *protocol.Peer, m *protocol.Message) {
	if m.Type != protocol.TypeHeartbeat {
		s.logger.Debug("ignoring unsolicited message",
			log.String("peer", peer.RemoteAddr()),
			log.String("type", m.Type),
			log.String("name", m.EventName()),
		)
		return
	}
	b, err := heartbeat.ParseBeat(m)
	if err != nil {
		s.logger.Debug("bad heartbeat", log.String("peer", peer.RemoteAddr()), log.Err(err))
		return
	}
	peer.SetDeviceID(b.DeviceID)
	s.monitor.Observe(b.DeviceID, m.ReceivedAt, b.Metadata)
}

func (s *Spoke) sendBeat(ctx context.Context, b heartbeat.Beat) error {
	s.server.Broadcast(b.Message())
	return nil
}

func (s *Spoke) beatMetadata() map[string]any {
	meta := map[string]any{
		"recording":  s.orch.State() == domain.SessionRecording,
		"state":      s.orch.State().String(),
		"session_id": s.orch.CurrentSessionID(),
	}
	if free := freeBytes(s.config.SessionsDir); free >= 0 {
		meta["free_bytes"] = free
	}
	return meta
}

// onSessionChange starts the automatic transfer once a session is back to IDLE.
func (s *Spoke) onSessionChange(previous, current domain.SessionState, sess domain.Session) {
	if s.config.ReceiverAddr == "" {
		return
	}
	if previous == domain.SessionStopping && current == domain.SessionIdle {
		s.startTransfer(s.config.ReceiverAddr, sess.ID, s.config.TransferDelay)
	}
}

var _ Controls = (*Spoke)(nil)
