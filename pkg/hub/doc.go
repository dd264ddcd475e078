// Package hub provides the controller side of a synchronized capture setup.
//
// A [Controller] keeps one supervised link per spoke. Each link is redialed
// with a linear backoff when it drops or when the spoke's heartbeats stop.
// On every (re)connection the controller queries capabilities, calibrates
// the spoke's clock and pushes the result, then sends heartbeats and checks
// drift periodically.
//
// Session commands fan out to all spokes concurrently and return one
// [Result] per spoke, so a single unreachable spoke never blocks the rest:
//
//	h, _ := hub.New(hub.Config{ReceiverPort: 8082})
//	_ = h.AddSpoke("left", "10.0.0.11:8080")
//	_ = h.AddSpoke("right", "10.0.0.12:8080")
//	_ = h.Start(ctx)
//	id, results := h.StartRecording(ctx, "")
//
// When a spoke rejoins it announces its current or last session; the
// controller resumes monitoring it, stops a session the Hub already ended,
// or asks for the session's data to be transferred to the configured
// receiver.
package hub
