// Package timesync estimates the clock offset between two peers with a
// four-timestamp exchange and keeps the latest estimate available to any
// goroutine that stamps data.
//
// A client records t0 before sending a probe, the peer records t1 on receipt
// and t2 before replying, and the client records t3 when the reply arrives:
//
//	offset    = ((t1 - t0) + (t2 - t3)) / 2
//	roundTrip = (t3 - t0) - (t2 - t1)
//
// Adding offset to the local clock yields the peer's time base.
package timesync
