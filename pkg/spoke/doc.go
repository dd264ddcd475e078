// Package spoke provides an embeddable sensor node that records synchronized
// sessions under the direction of a Hub.
//
// A Spoke serves the control protocol on a TCP listener, owns a session
// orchestrator with its registered recorders, answers clock probes, emits
// heartbeats to every connected Hub and ships finished sessions to a
// receiver.
//
// # Basic Usage
//
//	cfg := spoke.Config{
//	    DeviceID:    "spoke-1",
//	    SessionsDir: "/data/sessions",
//	}
//
//	node, err := spoke.New(cfg, spoke.WithRecorder("camera", cam))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := node.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Stop()
//
// # Commands
//
// Start and stop requests are acknowledged at once and forwarded to a
// single worker; the outcome arrives as a recording_started,
// recording_failed or recording_stopped event. A newly connected Hub first
// receives a rejoin_session event describing the active or most recent
// session.
//
// # Plugins
//
// Plugins receive a [PluginConfig] with the session journal and a
// [Controls] handle. They are initialized in registration order and shut
// down in reverse order.
package spoke
