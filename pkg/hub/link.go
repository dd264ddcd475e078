package hub

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/bft-labs/spokesync/pkg/heartbeat"
	"github.com/bft-labs/spokesync/pkg/log"
	"github.com/bft-labs/spokesync/pkg/protocol"
)

// supervise keeps r's link up until ctx ends or reconnection gives up.
func (h *Controller) supervise(ctx context.Context, r *remote) {
	logger := log.With(h.logger, log.String("spoke", r.name), log.String("addr", r.addr))
	rc := heartbeat.NewReconnector(h.config.Reconnect,
		func(ctx context.Context) (heartbeat.Link, error) {
			c, err := h.dial(ctx, r)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		heartbeat.WithReconnectLogger(logger),
		heartbeat.WithOnConnected(func(ctx context.Context, link heartbeat.Link, reconnected bool) {
			h.onConnected(ctx, r, link.(*protocol.Client), reconnected)
		}),
		heartbeat.WithOnDisconnected(func(link heartbeat.Link) {
			r.dropClient(link.(*protocol.Client))
			logger.Warn("spoke link lost")
			h.emitter.link(LinkEvent{Spoke: r.name})
		}),
		heartbeat.WithOnExhausted(func(err error) {
			r.mu.Lock()
			r.exhausted = true
			r.mu.Unlock()
			logger.Error("spoke unreachable, continuing without it", log.Err(err))
			h.emitter.link(LinkEvent{Spoke: r.name, Err: err})
		}),
	)

	h.lifecycle.Go(func() {
		_ = rc.Run(ctx)
		r.dropClient(r.currentClient())
	})
}

func (h *Controller) dial(ctx context.Context, r *remote) (*protocol.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, h.config.CallTimeout)
	defer cancel()
	return protocol.Dial(dialCtx, r.addr,
		protocol.WithClientLogger(log.With(h.logger, log.String("spoke", r.name))),
		protocol.WithClientClock(h.opts.now),
		protocol.WithMessageHandler(func(m *protocol.Message) {
			h.onSpokeMessage(ctx, r, m)
		}),
	)
}

func (h *Controller) onConnected(ctx context.Context, r *remote, c *protocol.Client, reconnected bool) {
	r.setClient(c)
	h.monitor.Observe(r.name, h.opts.now(), nil)
	h.logger.Info("spoke connected",
		log.String("spoke", r.name),
		log.String("addr", c.RemoteAddr()),
		log.Bool("reconnected", reconnected),
	)
	h.emitter.link(LinkEvent{Spoke: r.name, Connected: true, Reconnected: reconnected})
	h.lifecycle.Go(func() { h.serveLink(ctx, r, c) })
}

// serveLink runs the per-link work until the link or ctx ends: heartbeats
// to the spoke, the capability query, the initial calibration and the
// drift checks.
func (h *Controller) serveLink(ctx context.Context, r *remote, c *protocol.Client) {
	lctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(lctx)

	g.Go(func() error {
		select {
		case <-c.Done():
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	beats := heartbeat.NewEmitter(h.config.DeviceID, h.config.HeartbeatInterval,
		func(ctx context.Context, b heartbeat.Beat) error { return c.Send(b.Message()) },
		heartbeat.WithEmitterLogger(h.logger),
		heartbeat.WithEmitterClock(h.opts.now),
	)
	g.Go(func() error { return beats.Run(gctx) })

	g.Go(func() error {
		reply, err := r.call(gctx, h.config.CallTimeout, protocol.CmdQueryCapabilities, nil)
		if err != nil {
			if gctx.Err() == nil {
				h.logger.Warn("capability query failed", log.String("spoke", r.name), log.Err(err))
			}
		} else {
			h.storeCapabilities(r.name, &reply)
		}
		if gctx.Err() != nil {
			return nil
		}
		_, _ = h.calibrate(gctx, r)
		h.resyncLoop(gctx, r)
		return nil
	})

	_ = g.Wait()
}

// onSpokeMessage runs on the client read loop; it must not wait on a reply
// from the same link.
func (h *Controller) onSpokeMessage(ctx context.Context, r *remote, m *protocol.Message) {
	switch m.Type {
	case protocol.TypeHeartbeat:
		b, err := heartbeat.ParseBeat(m)
		if err != nil {
			h.logger.Debug("bad heartbeat", log.String("spoke", r.name), log.Err(err))
			return
		}
		r.mu.Lock()
		r.deviceID = b.DeviceID
		r.mu.Unlock()
		h.monitor.Observe(r.name, m.ReceivedAt, b.Metadata)

	case protocol.TypeEvent:
		sid, _ := m.Str("session_id")
		switch m.EventName() {
		case protocol.EventRejoinSession:
			recording, _ := m.Bool("recording")
			h.lifecycle.Go(func() { h.onRejoin(ctx, r, sid, recording) })
		case protocol.EventRecordingStarted:
			r.setRecording(true, sid)
		case protocol.EventRecordingStopped, protocol.EventRecordingFailed:
			r.setRecording(false, sid)
		case protocol.EventTransferComplete:
			r.claimTransfer(sid)
		case protocol.EventTransferFailed:
			r.releaseTransfer(sid)
		}
	}
	h.emitter.message(SpokeMessage{Spoke: r.name, Message: *m})
}

// onRejoin applies the rejoin policy to a spoke that announced sid.
//
// A spoke still recording the Hub's active session is marked recording. A
// spoke recording a session the Hub has since stopped is told to stop. A
// spoke recording while the Hub knows no session is adopted, so a restarted
// Hub resumes monitoring. A spoke that is not recording is asked to send the
// reported, or else the Hub's last, session to the configured receiver.
func (h *Controller) onRejoin(ctx context.Context, r *remote, sid string, spokeRecording bool) {
	h.mu.Lock()
	active, recording := h.sessionID, h.recording
	if spokeRecording && active == "" && sid != "" {
		h.sessionID, h.recording = sid, true
		active, recording = sid, true
		h.logger.Info("adopting session reported by spoke", log.String("spoke", r.name), log.String("session_id", sid))
	}
	h.mu.Unlock()

	logger := log.With(h.logger, log.String("spoke", r.name), log.String("session_id", sid))

	if spokeRecording {
		r.setRecording(true, sid)
		switch {
		case recording && sid == active:
			logger.Info("spoke rejoined active session")
		case sid == active:
			logger.Info("spoke still recording a stopped session, stopping it")
			if _, err := r.call(ctx, h.config.CallTimeout, protocol.CmdStopRecording, nil); err != nil {
				logger.Warn("stop after rejoin failed", log.Err(err))
			}
		default:
			logger.Warn("spoke recording an unknown session", log.String("hub_session_id", active))
		}
		return
	}

	id := sid
	if id == "" {
		id = active
	}
	if id == "" {
		logger.Debug("spoke rejoined without a known session, ignoring")
		return
	}
	if recording && id == active {
		// The spoke missed the start; it is not ours to fetch yet.
		logger.Warn("spoke rejoined idle during the active session")
		return
	}
	if h.config.ReceiverPort == 0 {
		logger.Debug("no receiver configured, not requesting transfer")
		return
	}
	if !r.claimTransfer(id) {
		return
	}
	_, err := r.call(ctx, h.config.CallTimeout, protocol.CmdTransferFiles, map[string]any{
		"host":       h.config.ReceiverHost,
		"port":       h.config.ReceiverPort,
		"session_id": id,
	})
	if err != nil {
		r.releaseTransfer(id)
		logger.Warn("transfer request after rejoin failed", log.Err(err))
		return
	}
	logger.Info("requested transfer after rejoin",
		log.String("receiver", h.config.ReceiverHost),
		log.Int("port", h.config.ReceiverPort),
	)
}
