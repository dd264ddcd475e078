// Package heartbeat implements liveness for Hub and Spoke links.
//
// A Monitor classifies peers from the time their last beat arrived. An
// Emitter sends beats with strictly increasing timestamps. A Reconnector
// re-establishes a lost outbound link with a bounded, linearly growing delay
// and reports exhaustion so the caller can continue in a degraded mode.
package heartbeat
