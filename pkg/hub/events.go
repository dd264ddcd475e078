package hub

import (
	"github.com/bft-labs/spokesync/internal/domain"
	"github.com/bft-labs/spokesync/pkg/lifecycle"
	"github.com/bft-labs/spokesync/pkg/protocol"
	"github.com/bft-labs/spokesync/pkg/timesync"
)

// State is the lifecycle state of a Controller.
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

// LinkEvent reports a spoke link coming up or going down.
type LinkEvent struct {
	Spoke       string
	Connected   bool
	Reconnected bool
	// Err is set when reconnection gave up.
	Err error
}

// SpokeMessage is an unsolicited event or heartbeat from a spoke.
type SpokeMessage struct {
	Spoke   string
	Message protocol.Message
}

// HealthEvent reports a spoke going offline or becoming healthy again.
type HealthEvent struct {
	Spoke    string
	Health   domain.DeviceHealth
	Previous domain.HealthState
}

// CalibrationEvent reports a finished clock calibration.
type CalibrationEvent struct {
	Spoke string
	Stats timesync.Stats
	Err   error
}

// EventHandler receives controller events.
type EventHandler interface {
	OnStateChange(StateChangeEvent)
	OnLink(LinkEvent)
	OnSpokeMessage(SpokeMessage)
	OnHealth(HealthEvent)
	OnCalibration(CalibrationEvent)
}

// BaseEventHandler implements EventHandler with no-ops for embedding.
type BaseEventHandler struct{}

func (BaseEventHandler) OnStateChange(StateChangeEvent) {}
func (BaseEventHandler) OnLink(LinkEvent)               {}
func (BaseEventHandler) OnSpokeMessage(SpokeMessage)    {}
func (BaseEventHandler) OnHealth(HealthEvent)           {}
func (BaseEventHandler) OnCalibration(CalibrationEvent) {}

// eventEmitterWrapper adapts EventHandler to lifecycle.EventEmitter.
type eventEmitterWrapper struct {
	handler EventHandler
}

func (e *eventEmitterWrapper) OnStateChange(previous, current lifecycle.State, reason string) {
	if e.handler == nil {
		return
	}
	e.handler.OnStateChange(StateChangeEvent{Previous: previous, Current: current, Reason: reason})
}

func (e *eventEmitterWrapper) link(ev LinkEvent) {
	if e.handler != nil {
		e.handler.OnLink(ev)
	}
}

func (e *eventEmitterWrapper) message(ev SpokeMessage) {
	if e.handler != nil {
		e.handler.OnSpokeMessage(ev)
	}
}

func (e *eventEmitterWrapper) health(ev HealthEvent) {
	if e.handler != nil {
		e.handler.OnHealth(ev)
	}
}

func (e *eventEmitterWrapper) calibration(ev CalibrationEvent) {
	if e.handler != nil {
		e.handler.OnCalibration(ev)
	}
}
