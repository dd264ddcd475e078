package hub

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bft-labs/spokesync/internal/domain"
	"github.com/bft-labs/spokesync/pkg/heartbeat"
	"github.com/bft-labs/spokesync/pkg/lifecycle"
	"github.com/bft-labs/spokesync/pkg/log"
	"github.com/bft-labs/spokesync/pkg/protocol"
	"github.com/bft-labs/spokesync/pkg/session"
	"github.com/bft-labs/spokesync/pkg/timesync"
)

// Result is the outcome of one command sent to one spoke.
type Result struct {
	Spoke string
	Reply protocol.Message
	Err   error
}

// CalibrationResult is the outcome of calibrating against one spoke.
type CalibrationResult struct {
	Spoke string
	Stats timesync.Stats
	Err   error
}

// Controller drives a set of spokes: it keeps one supervised link per
// spoke, calibrates clocks, watches heartbeats and fans commands out.
type Controller struct {
	config    Config
	opts      options
	logger    log.Logger
	lifecycle *lifecycle.DefaultManager
	emitter   *eventEmitterWrapper
	monitor   *heartbeat.Monitor

	mu        sync.Mutex
	spokes    map[string]*remote
	order     []string
	ctx       context.Context
	sessionID string
	recording bool
}

// New creates a Controller. Spokes are added with AddSpoke.
func New(cfg Config, opts ...Option) (*Controller, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	logger := log.With(o.logger, log.String("hub", cfg.DeviceID))
	emitter := &eventEmitterWrapper{handler: o.eventHandler}

	h := &Controller{
		config:    cfg,
		opts:      o,
		logger:    logger,
		lifecycle: lifecycle.NewManager(logger, emitter),
		emitter:   emitter,
		spokes:    make(map[string]*remote),
	}
	h.monitor = heartbeat.NewMonitor(cfg.HeartbeatInterval, cfg.HeartbeatMultiplier,
		heartbeat.WithMonitorLogger(logger),
		heartbeat.WithMonitorClock(o.now),
		heartbeat.WithTransitionFunc(h.onHealthChange),
	)
	return h, nil
}

// AddSpoke registers a spoke. When the controller is running its link is
// started at once, otherwise on Start.
func (h *Controller) AddSpoke(name, addr string) error {
	if name == "" || addr == "" {
		return fmt.Errorf("%w: spoke name and address are required", domain.ErrInvalidConfig)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.spokes[name]; ok {
		return fmt.Errorf("%w: spoke %q already added", domain.ErrInvalidConfig, name)
	}
	r := newRemote(name, addr)
	r.sync = timesync.New(timesync.ProberFunc(func(ctx context.Context) (timesync.Sample, error) {
		return h.probe(ctx, r)
	}),
		timesync.WithLogger(log.With(h.logger, log.String("spoke", name))),
		timesync.WithClock(h.opts.now),
		timesync.WithCalibration(h.config.SyncTrials, h.config.SyncTrimRatio, h.config.SyncPacing),
		timesync.WithOutlierPolicy(h.config.OutlierFactor, h.config.OutlierWindow, timesync.DefaultOutlierRetries),
	)
	h.spokes[name] = r
	h.order = append(h.order, name)
	if h.ctx != nil && h.lifecycle.State() == lifecycle.StateRunning {
		h.supervise(h.ctx, r)
	}
	return nil
}

// Start begins supervising every added spoke.
func (h *Controller) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.lifecycle.CanStart() {
		return domain.ErrAlreadyRunning
	}
	if err := h.lifecycle.TransitionTo(lifecycle.StateStarting, "Start() called"); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	h.ctx = runCtx
	h.lifecycle.SetCancel(cancel)

	h.lifecycle.Go(func() { _ = h.monitor.Run(runCtx) })
	for _, name := range h.order {
		h.supervise(runCtx, h.spokes[name])
	}

	return h.lifecycle.TransitionTo(lifecycle.StateRunning, "supervising spokes")
}

// Stop closes every link and waits for background work.
func (h *Controller) Stop() error {
	h.mu.Lock()
	if !h.lifecycle.CanStop() {
		h.mu.Unlock()
		return domain.ErrNotRunning
	}
	if err := h.lifecycle.TransitionTo(lifecycle.StateStopping, "Stop() called"); err != nil {
		h.mu.Unlock()
		return err
	}
	h.lifecycle.Cancel()
	remotes := h.remotesLocked()
	h.mu.Unlock()

	for _, r := range remotes {
		r.dropClient(r.currentClient())
	}

	if err := h.lifecycle.WaitWithTimeout(lifecycle.ShutdownTimeout); err != nil {
		_ = h.lifecycle.TransitionTo(lifecycle.StateCrashed, "shutdown timeout")
		return err
	}
	return h.lifecycle.TransitionTo(lifecycle.StateStopped, "graceful shutdown")
}

// Status returns the current lifecycle state.
func (h *Controller) Status() State {
	return h.lifecycle.State()
}

// Session returns the session id the Hub last started and whether it is
// still recording.
func (h *Controller) Session() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionID, h.recording
}

// Spokes returns the status of every spoke in the order they were added.
func (h *Controller) Spokes() []SpokeStatus {
	h.mu.Lock()
	remotes := h.remotesLocked()
	h.mu.Unlock()

	out := make([]SpokeStatus, 0, len(remotes))
	for _, r := range remotes {
		st := r.status()
		if health, ok := h.monitor.Health(r.name); ok {
			st.Health = health.State
			st.LastSeenAt = health.LastSeenAt
		} else if !st.Connected {
			st.Health = domain.Offline
		}
		out = append(out, st)
	}
	return out
}

// QueryCapabilities asks every connected spoke for its capabilities.
func (h *Controller) QueryCapabilities(ctx context.Context) []Result {
	results := h.fanOut(ctx, protocol.CmdQueryCapabilities, nil)
	for _, res := range results {
		if res.Err == nil {
			h.storeCapabilities(res.Spoke, &res.Reply)
		}
	}
	return results
}

// StartRecording starts session id on every connected spoke. An empty id is
// generated. It returns the id used.
func (h *Controller) StartRecording(ctx context.Context, id string) (string, []Result) {
	if id == "" {
		id = session.NewSessionID(h.opts.now())
	}
	h.mu.Lock()
	h.sessionID = id
	h.recording = true
	h.mu.Unlock()

	h.logger.Info("broadcast start_recording", log.String("session_id", id))
	return id, h.fanOut(ctx, protocol.CmdStartRecording, map[string]any{"session_id": id})
}

// StopRecording stops the session on every connected spoke. The session id
// is kept so spokes that rejoin later are asked for their data.
func (h *Controller) StopRecording(ctx context.Context) []Result {
	h.mu.Lock()
	h.recording = false
	h.mu.Unlock()

	h.logger.Info("broadcast stop_recording")
	return h.fanOut(ctx, protocol.CmdStopRecording, nil)
}

// FlashSync asks every connected spoke to mark a flash sync cue.
func (h *Controller) FlashSync(ctx context.Context) []Result {
	h.logger.Info("broadcast flash_sync")
	return h.fanOut(ctx, protocol.CmdFlashSync, nil)
}

// TransferFiles asks every connected spoke to send session id to host:port.
func (h *Controller) TransferFiles(ctx context.Context, host string, port int, id string) []Result {
	h.logger.Info("broadcast transfer_files",
		log.String("session_id", id),
		log.String("receiver", fmt.Sprintf("%s:%d", host, port)),
	)
	return h.fanOut(ctx, protocol.CmdTransferFiles, map[string]any{
		"host":       host,
		"port":       port,
		"session_id": id,
	})
}

// TimeSync recalibrates against every connected spoke and pushes the result.
func (h *Controller) TimeSync(ctx context.Context) []CalibrationResult {
	remotes := h.connected()
	results := make([]CalibrationResult, len(remotes))

	var g errgroup.Group
	for i, r := range remotes {
		g.Go(func() error {
			st, err := h.calibrate(ctx, r)
			results[i] = CalibrationResult{Spoke: r.name, Stats: st, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// fanOut sends command to every spoke concurrently. Spokes without a link
// get ErrNotConnected.
func (h *Controller) fanOut(ctx context.Context, command string, fields map[string]any) []Result {
	h.mu.Lock()
	remotes := h.remotesLocked()
	h.mu.Unlock()

	results := make([]Result, len(remotes))
	var g errgroup.Group
	for i, r := range remotes {
		g.Go(func() error {
			reply, err := r.call(ctx, h.config.CallTimeout, command, fields)
			results[i] = Result{Spoke: r.name, Reply: reply, Err: err}
			if err != nil {
				h.logger.Warn("command failed",
					log.String("spoke", r.name),
					log.String("command", command),
					log.Err(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (h *Controller) remotesLocked() []*remote {
	out := make([]*remote, 0, len(h.order))
	for _, name := range h.order {
		out = append(out, h.spokes[name])
	}
	return out
}

func (h *Controller) connected() []*remote {
	h.mu.Lock()
	remotes := h.remotesLocked()
	h.mu.Unlock()
	return slices.DeleteFunc(remotes, func(r *remote) bool { return r.currentClient() == nil })
}

func (h *Controller) lookup(name string) *remote {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.spokes[name]
}

func (h *Controller) storeCapabilities(name string, reply *protocol.Message) {
	r := h.lookup(name)
	if r == nil {
		return
	}
	var caps []string
	if raw, ok := reply.Get("capabilities"); ok {
		if list, ok := raw.([]any); ok {
			for _, v := range list {
				if s, ok := v.(string); ok {
					caps = append(caps, s)
				}
			}
		}
	}
	device, _ := reply.Str("device_id")
	r.mu.Lock()
	r.capabilities = caps
	if device != "" {
		r.deviceID = device
	}
	r.mu.Unlock()
}

// probe performs one time_sync exchange. T0 and T3 come from the local
// clock; T3 is the receipt time stamped by the client read loop.
func (h *Controller) probe(ctx context.Context, r *remote) (timesync.Sample, error) {
	t0 := h.opts.now().UnixNano()
	reply, err := r.call(ctx, h.config.CallTimeout, protocol.CmdTimeSync, map[string]any{
		"seq": r.seq.Add(1),
		"t0":  t0,
	})
	if err != nil {
		return timesync.Sample{}, err
	}
	t1, ok1 := reply.Int("t1")
	t2, ok2 := reply.Int("t2")
	if !ok1 || !ok2 {
		return timesync.Sample{}, fmt.Errorf("hub: time_sync reply from %s lacks t1/t2", r.name)
	}
	t3 := reply.ReceivedAt
	if t3.IsZero() {
		t3 = h.opts.now()
	}
	return timesync.Sample{T0: t0, T1: t1, T2: t2, T3: t3.UnixNano()}, nil
}

// calibrate runs a full calibration against r and pushes the result so the
// spoke can read Hub-aligned time.
func (h *Controller) calibrate(ctx context.Context, r *remote) (timesync.Stats, error) {
	st, err := r.sync.Calibrate(ctx)
	if err == nil {
		r.mu.Lock()
		r.stats = st
		r.mu.Unlock()
		err = h.pushOffset(ctx, r, st.MedianOffsetNs, st.MinDelayNs)
	}
	if err != nil {
		h.logger.Warn("calibration failed", log.String("spoke", r.name), log.Err(err))
	}
	h.emitter.calibration(CalibrationEvent{Spoke: r.name, Stats: st, Err: err})
	return st, err
}

func (h *Controller) pushOffset(ctx context.Context, r *remote, offsetNs, delayNs int64) error {
	_, err := r.call(ctx, h.config.CallTimeout, protocol.CmdTimeSync, map[string]any{
		"seq":       r.seq.Add(1),
		"t0":        h.opts.now().UnixNano(),
		"offset_ns": offsetNs,
		"delay_ns":  delayNs,
	})
	return err
}

// resyncLoop checks drift every ResyncInterval: a single measurement
// normally, a full calibration when the last one asked for it.
func (h *Controller) resyncLoop(ctx context.Context, r *remote) {
	if h.config.ResyncInterval < 0 {
		return
	}
	ticker := time.NewTicker(h.config.ResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		r.mu.Lock()
		st := r.stats
		r.mu.Unlock()

		if r.sync.ResyncDue(st) {
			h.logger.Info("round trip above threshold, recalibrating",
				log.String("spoke", r.name),
				log.Int64("min_delay_ns", st.MinDelayNs),
			)
			_, _ = h.calibrate(ctx, r)
			continue
		}
		est, err := r.sync.Measure(ctx)
		if err != nil {
			if ctx.Err() == nil {
				h.logger.Debug("drift check failed", log.String("spoke", r.name), log.Err(err))
			}
			continue
		}
		if err := h.pushOffset(ctx, r, est.OffsetNs, est.RoundTripDelayNs); err != nil && ctx.Err() == nil {
			h.logger.Debug("offset push failed", log.String("spoke", r.name), log.Err(err))
		}
	}
}

func (h *Controller) onHealthChange(previous domain.HealthState, cur domain.DeviceHealth) {
	h.emitter.health(HealthEvent{Spoke: cur.DeviceID, Health: cur, Previous: previous})
	if cur.State != domain.Offline {
		return
	}
	// A silent link is dropped so the supervisor redials it.
	if r := h.lookup(cur.DeviceID); r != nil {
		h.logger.Warn("spoke silent, dropping link",
			log.String("spoke", r.name),
			log.Int("missed_beats", cur.ConsecutiveMissedBeats),
		)
		r.dropClient(r.currentClient())
	}
}
