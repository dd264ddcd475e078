package spoke

import (
	"time"

	"github.com/bft-labs/spokesync/internal/domain"
	"github.com/bft-labs/spokesync/pkg/lifecycle"
)

// State is the lifecycle state of a Spoke.
type State = lifecycle.State

// Lifecycle states.
const (
	StateStopped  = lifecycle.StateStopped
	StateStarting = lifecycle.StateStarting
	StateRunning  = lifecycle.StateRunning
	StateStopping = lifecycle.StateStopping
	StateCrashed  = lifecycle.StateCrashed
)

// StateChangeEvent reports a lifecycle transition.
type StateChangeEvent struct {
	Previous State
	Current  State
	Reason   string
}

// SessionEvent reports a session state change.
type SessionEvent struct {
	Previous domain.SessionState
	Current  domain.SessionState
	Session  domain.Session
}

// TransferEvent reports the outcome of a session transfer.
type TransferEvent struct {
	SessionID string
	Receiver  string
	Filename  string
	Bytes     int64
	Duration  time.Duration
	Err       error
}

// PeerHealthEvent reports a Hub link becoming offline or healthy again.
type PeerHealthEvent struct {
	Health   domain.DeviceHealth
	Previous domain.HealthState
}

// EventHandler receives node events.
type EventHandler interface {
	OnStateChange(StateChangeEvent)
	OnSessionChange(SessionEvent)
	OnTransfer(TransferEvent)
	OnPeerHealth(PeerHealthEvent)
}

// BaseEventHandler implements EventHandler with no-ops for embedding.
type BaseEventHandler struct{}

func (BaseEventHandler) OnStateChange(StateChangeEvent) {}
func (BaseEventHandler) OnSessionChange(SessionEvent)   {}
func (BaseEventHandler) OnTransfer(TransferEvent)       {}
func (BaseEventHandler) OnPeerHealth(PeerHealthEvent)   {}

// eventEmitterWrapper adapts EventHandler to the internal emitter interfaces.
type eventEmitterWrapper struct {
	handler EventHandler
}

func (e *eventEmitterWrapper) OnStateChange(previous, current lifecycle.State, reason string) {
	if e.handler == nil {
		return
	}
	e.handler.OnStateChange(StateChangeEvent{Previous: previous, Current: current, Reason: reason})
}

func (e *eventEmitterWrapper) OnSessionStateChange(previous, current domain.SessionState, sess domain.Session) {
	if e.handler == nil {
		return
	}
	e.handler.OnSessionChange(SessionEvent{Previous: previous, Current: current, Session: sess})
}

func (e *eventEmitterWrapper) transfer(ev TransferEvent) {
	if e.handler != nil {
		e.handler.OnTransfer(ev)
	}
}

func (e *eventEmitterWrapper) peerHealth(ev PeerHealthEvent) {
	if e.handler != nil {
		e.handler.OnPeerHealth(ev)
	}
}
