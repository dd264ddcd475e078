// Package lifecycle provides the service state machine shared by the Spoke
// node and the Hub controller.
//
// It tracks whether a long-running service is Stopped, Starting, Running,
// Stopping or Crashed, counts its background workers, and bounds graceful
// shutdown with a timeout.
//
// # Usage
//
//	manager := lifecycle.NewManager(logger, emitter)
//	if err := manager.TransitionTo(lifecycle.StateStarting, "Start() called"); err != nil {
//	    return err
//	}
//	manager.Go(func() { server.Serve(ctx) })
//	_ = manager.TransitionTo(lifecycle.StateRunning, "started")
//
//	// later
//	_ = manager.TransitionTo(lifecycle.StateStopping, "Stop() called")
//	manager.Cancel()
//	err := manager.WaitWithTimeout(lifecycle.ShutdownTimeout)
//
// # State Machine
//
// Valid state transitions:
//   - Stopped -> Starting
//   - Starting -> Running, Stopping, Crashed
//   - Running -> Stopping, Crashed
//   - Stopping -> Stopped, Crashed
//   - Crashed -> Starting
package lifecycle
