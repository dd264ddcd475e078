package ports

import (
	"context"
	"time"
)

// Recorder is a capability with start/stop semantics.
//
// Start is called with a directory that already exists and belongs to the
// recorder for the lifetime of the session. Once Start returns nil the recorder
// runs as an independent activity until Stop.
//
// Stop must wait for the recorder's own loop to acknowledge cancellation before
// it returns, and must be safe to call after a failed or partial Start.
type Recorder interface {
	Start(ctx context.Context, dir string) error
	Stop(ctx context.Context) error
}

// FlashSyncer is implemented by recorders that mark a flash sync cue in their stream.
type FlashSyncer interface {
	FlashSync(ctx context.Context, at time.Time) error
}

// RecorderFunc adapts a pair of functions to Recorder.
type RecorderFunc struct {
	StartFunc func(ctx context.Context, dir string) error
	StopFunc  func(ctx context.Context) error
}

// Start calls StartFunc if set.
func (f RecorderFunc) Start(ctx context.Context, dir string) error {
	if f.StartFunc == nil {
		return nil
	}
	return f.StartFunc(ctx, dir)
}

// Stop calls StopFunc if set.
func (f RecorderFunc) Stop(ctx context.Context) error {
	if f.StopFunc == nil {
		return nil
	}
	return f.StopFunc(ctx)
}
