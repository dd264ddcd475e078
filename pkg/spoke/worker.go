package spoke

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/bft-labs/spokesync/internal/domain"
	"github.com/bft-labs/spokesync/pkg/log"
	"github.com/bft-labs/spokesync/pkg/protocol"
	"github.com/bft-labs/spokesync/pkg/session"
)

// queueSize bounds forwarded commands not yet picked up by the worker.
const queueSize = 16

type commandKind int

const (
	commandStart commandKind = iota
	commandStop
)

type sessionCommand struct {
	kind      commandKind
	sessionID string
}

// sessionWorker owns the slow recorder calls. Protocol handlers forward
// start and stop to it and return at once; completion is published as an
// event.
type sessionWorker struct {
	orch     *session.Orchestrator
	deviceID string
	logger   log.Logger
	publish  func(protocol.Message)

	queue        chan sessionCommand
	startPending atomic.Bool
}

func newSessionWorker(orch *session.Orchestrator, deviceID string, logger log.Logger, publish func(protocol.Message)) *sessionWorker {
	return &sessionWorker{
		orch:     orch,
		deviceID: deviceID,
		logger:   logger,
		publish:  publish,
		queue:    make(chan sessionCommand, queueSize),
	}
}

// reserveStart claims the single start slot. It fails while a start is
// queued or a session is not IDLE.
func (w *sessionWorker) reserveStart() bool {
	if !w.startPending.CompareAndSwap(false, true) {
		return false
	}
	if w.orch.State() != domain.SessionIdle {
		w.startPending.Store(false)
		return false
	}
	return true
}

func (w *sessionWorker) releaseStart() {
	w.startPending.Store(false)
}

// submit queues cmd without blocking. It reports false when the queue is full.
func (w *sessionWorker) submit(cmd sessionCommand) bool {
	select {
	case w.queue <- cmd:
		return true
	default:
		return false
	}
}

func (w *sessionWorker) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-w.queue:
			switch cmd.kind {
			case commandStart:
				w.start(ctx, cmd.sessionID)
			case commandStop:
				w.stop(ctx)
			}
		}
	}
}

func (w *sessionWorker) start(ctx context.Context, id string) {
	defer w.releaseStart()

	sid, err := w.orch.StartSession(ctx, id)
	if err != nil {
		w.logger.Warn("session start failed", log.String("session_id", id), log.Err(err))
		w.publish(protocol.NewEvent(protocol.EventRecordingFailed, failureFields(id, w.deviceID, err)))
		return
	}

	fields := map[string]any{"session_id": sid, "device_id": w.deviceID}
	if sess, ok := w.orch.Current(); ok {
		fields["started_at_ns"] = sess.StartedAt.UnixNano()
		fields["recorders"] = sess.Recorders
	}
	w.publish(protocol.NewEvent(protocol.EventRecordingStarted, fields))
}

func (w *sessionWorker) stop(ctx context.Context) {
	if w.orch.State() == domain.SessionIdle {
		return
	}
	id := w.orch.CurrentSessionID()

	// A stop already accepted runs to completion even if the node shuts down.
	err := w.orch.StopSession(context.WithoutCancel(ctx))

	fields := map[string]any{"session_id": id, "device_id": w.deviceID}
	if last, ok := w.orch.LastSession(); ok && last.ID == id {
		fields["stopped_at_ns"] = last.StoppedAt.UnixNano()
	}
	if err != nil {
		fields["failures"] = recorderFailures(err)
	}
	w.publish(protocol.NewEvent(protocol.EventRecordingStopped, fields))
}

func failureFields(id, deviceID string, err error) map[string]any {
	code := protocol.CodeInternal
	switch {
	case errors.Is(err, domain.ErrAlreadyRecording):
		code = protocol.CodeAlreadyRecording
	case errors.Is(err, domain.ErrInvalidSessionID):
		code = protocol.CodeBadParam
	}
	return map[string]any{
		"session_id": id,
		"device_id":  deviceID,
		"code":       code,
		"error":      err.Error(),
		"failures":   recorderFailures(err),
	}
}

// recorderFailures lists per-recorder errors from a combined error.
func recorderFailures(err error) []map[string]any {
	var out []map[string]any
	for _, e := range multierr.Errors(err) {
		entry := map[string]any{"error": e.Error()}
		var re *domain.RecorderError
		if errors.As(e, &re) {
			entry["recorder"] = re.Recorder
			entry["op"] = re.Op
			entry["error"] = re.Err.Error()
		}
		out = append(out, entry)
	}
	return out
}
