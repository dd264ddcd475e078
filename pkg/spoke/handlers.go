package spoke

import (
	"context"
	"net"
	"runtime"
	"strconv"
	"time"

	"github.com/bft-labs/spokesync/internal/domain"
	"github.com/bft-labs/spokesync/pkg/log"
	"github.com/bft-labs/spokesync/pkg/protocol"
	"github.com/bft-labs/spokesync/pkg/session"
	"github.com/bft-labs/spokesync/pkg/state"
)

func (s *Spoke) registerHandlers() {
	s.dispatcher.Handle(protocol.CmdQueryCapabilities, s.handleQueryCapabilities)
	s.dispatcher.Handle(protocol.CmdTimeSync, s.handleTimeSync)
	s.dispatcher.Handle(protocol.CmdStartRecording, s.handleStartRecording)
	s.dispatcher.Handle(protocol.CmdStopRecording, s.handleStopRecording)
	s.dispatcher.Handle(protocol.CmdFlashSync, s.handleFlashSync)
	s.dispatcher.Handle(protocol.CmdTransferFiles, s.handleTransferFiles)
}

func (s *Spoke) handleQueryCapabilities(ctx context.Context, peer *protocol.Peer, req *protocol.Message) protocol.Result {
	platform := s.config.Platform
	if platform == "" {
		platform = runtime.GOOS + "/" + runtime.GOARCH
	}
	capabilities := s.orch.Recorders()
	cameras := []any{}

	if inv := s.inventory.Load(); inv != nil {
		if inv.Platform != "" {
			platform = inv.Platform
		}
		capabilities = mergeNames(capabilities, inv.Capabilities)
		for _, c := range inv.Cameras {
			cameras = append(cameras, c)
		}
	}

	return protocol.OK(map[string]any{
		"device_id":        s.config.DeviceID,
		"protocol_version": protocol.Version,
		"platform":         platform,
		"capabilities":     capabilities,
		"cameras":          cameras,
		"recorders":        s.orch.Recorders(),
		"state":            s.orch.State().String(),
		"session_id":       s.orch.CurrentSessionID(),
	})
}

// handleTimeSync answers a clock probe with the receipt time of the request
// and the time the reply is built. A request carrying the Hub's calibration
// result also updates this node's Hub-aligned clock.
func (s *Spoke) handleTimeSync(ctx context.Context, peer *protocol.Peer, req *protocol.Message) protocol.Result {
	t1 := req.ReceivedAt
	if t1.IsZero() {
		t1 = s.opts.now()
	}

	if offset, ok := req.Int("offset_ns"); ok {
		delay, _ := req.Int("delay_ns")
		// The Hub measured spoke minus hub; this clock adds hub minus spoke.
		s.sync.Set(domain.ClockOffsetEstimate{
			OffsetNs:         -offset,
			RoundTripDelayNs: delay,
			MeasuredAt:       s.opts.now(),
		})
		s.logger.Debug("hub clock offset applied",
			log.Int64("offset_ns", -offset),
			log.Int64("delay_ns", delay),
		)
	}

	fields := map[string]any{"t1": t1.UnixNano()}
	for _, key := range []string{"seq", "t0"} {
		if v, ok := req.Get(key); ok {
			fields[key] = v
		}
	}
	fields["t2"] = s.opts.now().UnixNano()
	return protocol.OK(fields)
}

func (s *Spoke) handleStartRecording(ctx context.Context, peer *protocol.Peer, req *protocol.Message) protocol.Result {
	var id string
	if _, present := req.Get("session_id"); present {
		var ok bool
		if id, ok = req.Str("session_id"); !ok {
			return protocol.Fail(protocol.CodeBadParam, "session_id must be a string")
		}
	}
	if id == "" {
		id = session.NewSessionID(s.opts.now())
	}
	if err := domain.ValidateSessionID(id); err != nil {
		return protocol.Fail(protocol.CodeBadParam, "invalid session_id %q", id)
	}

	if !s.worker.reserveStart() {
		return protocol.Fail(protocol.CodeAlreadyRecording, "session %s is %s",
			s.orch.CurrentSessionID(), s.orch.State())
	}
	if !s.worker.submit(sessionCommand{kind: commandStart, sessionID: id}) {
		s.worker.releaseStart()
		return protocol.Fail(protocol.CodeBusy, "session queue is full")
	}

	s.logger.Info("start forwarded", log.String("session_id", id), log.String("peer", peer.RemoteAddr()))
	return protocol.OK(map[string]any{"session_id": id})
}

func (s *Spoke) handleStopRecording(ctx context.Context, peer *protocol.Peer, req *protocol.Message) protocol.Result {
	id := s.orch.CurrentSessionID()
	if id == "" {
		if last, ok := s.orch.LastSession(); ok {
			id = last.ID
		}
	}
	if s.orch.State() == domain.SessionPreparing {
		// The worker is blocked in the start; stopping cancels it.
		s.lifecycle.Go(func() { s.worker.stop(s.runContext()) })
	} else if !s.worker.submit(sessionCommand{kind: commandStop}) {
		return protocol.Fail(protocol.CodeBusy, "session queue is full")
	}

	s.logger.Info("stop forwarded", log.String("session_id", id), log.String("peer", peer.RemoteAddr()))
	return protocol.OK(map[string]any{"session_id": id})
}

func (s *Spoke) handleFlashSync(ctx context.Context, peer *protocol.Peer, req *protocol.Message) protocol.Result {
	at := s.opts.now()
	ts := at.UnixNano()

	s.lifecycle.Go(func() {
		n, err := s.orch.FlashSync(s.runContext(), at)
		if err != nil {
			s.logger.Warn("flash sync failed", log.Err(err))
		}
		s.server.Broadcast(protocol.NewEvent(protocol.EventFlashSync, map[string]any{
			"device_id": s.config.DeviceID,
			"ts":        ts,
			"synced_ts": s.sync.Now().UnixNano(),
			"notified":  n,
		}))
	})
	return protocol.OK(map[string]any{"ts": ts})
}

func (s *Spoke) handleTransferFiles(ctx context.Context, peer *protocol.Peer, req *protocol.Message) protocol.Result {
	host, ok := req.Str("host")
	if !ok || host == "" {
		return protocol.Fail(protocol.CodeBadParam, "missing host")
	}
	port, ok := req.Int("port")
	if !ok {
		return protocol.Fail(protocol.CodeBadParam, "missing port")
	}
	if port < 1 || port > 65535 {
		return protocol.Fail(protocol.CodeBadParam, "port %d out of range", port)
	}
	id, ok := req.Str("session_id")
	if !ok || id == "" {
		return protocol.Fail(protocol.CodeBadParam, "missing session_id")
	}
	if err := domain.ValidateSessionID(id); err != nil {
		return protocol.Fail(protocol.CodeBadParam, "invalid session_id %q", id)
	}
	if id == s.orch.CurrentSessionID() {
		return protocol.Fail(protocol.CodeBusy, "session %s is %s", id, s.orch.State())
	}

	addr := net.JoinHostPort(host, strconv.FormatInt(port, 10))
	s.startTransfer(addr, id, 0)
	return protocol.OK(map[string]any{"session_id": id})
}

// startTransfer sends a session in the background after delay and publishes
// the outcome.
func (s *Spoke) startTransfer(addr, id string, delay time.Duration) {
	s.lifecycle.Go(func() {
		ctx := s.runContext()
		if ctx.Err() != nil {
			return
		}
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}

		res, err := s.coordinator.Send(ctx, addr, id)
		ev := TransferEvent{
			SessionID: id,
			Receiver:  addr,
			Filename:  res.Filename,
			Bytes:     res.Bytes,
			Duration:  res.Duration,
			Err:       err,
		}
		s.emitter.transfer(ev)

		if err != nil {
			s.logger.Warn("session transfer failed",
				log.String("session_id", id),
				log.String("receiver", addr),
				log.Err(err),
			)
			s.server.Broadcast(protocol.NewEvent(protocol.EventTransferFailed, map[string]any{
				"session_id": id,
				"device_id":  s.config.DeviceID,
				"error":      err.Error(),
			}))
			return
		}

		if err := s.journal.Update(context.WithoutCancel(ctx), func(st *state.State) { st.MarkTransferred(id) }); err != nil {
			s.logger.Warn("journal update failed", log.Err(err))
		}
		s.server.Broadcast(protocol.NewEvent(protocol.EventTransferComplete, map[string]any{
			"session_id": id,
			"device_id":  s.config.DeviceID,
			"filename":   res.Filename,
			"files":      res.Files,
			"bytes":      res.Bytes,
		}))
	})
}

func mergeNames(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, n := range list {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	return out
}
