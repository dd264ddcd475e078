// Package session implements the per-node session orchestrator.
//
// An [Orchestrator] owns a registry of named recorders and drives one session
// at a time through IDLE -> PREPARING -> RECORDING -> STOPPING -> IDLE.
//
// Starting a session is atomic: the session directory and one subdirectory
// per recorder are created, every recorder is started concurrently, and if any
// of them fails the ones that did start are stopped again before the error is
// returned. Stopping always ends in IDLE, whatever the recorders report.
//
// # Usage
//
//	orch := session.New("/data/sessions", session.WithLogger(logger))
//	_ = orch.Register("camera", cameraRecorder)
//
//	id, err := orch.StartSession(ctx, "")
//	var recErr *domain.RecorderError
//	switch {
//	case errors.Is(err, domain.ErrAlreadyRecording):
//	    // another session is in progress
//	case errors.As(err, &recErr):
//	    // recErr.Recorder failed to start
//	}
//
//	err = orch.StopSession(ctx)
package session
