// Package domain contains the core entities and value objects for spokesync.
//
// This package has no dependencies on infrastructure concerns (network,
// file system, logging) and contains only the session, clock and health
// vocabulary shared by the Spoke and the Hub.
//
// # Entities
//
//   - [Session]: One bounded recording interval and its directory tree
//   - [SessionState]: The orchestrator state machine (IDLE, PREPARING, RECORDING, STOPPING)
//   - [ClockOffsetEstimate]: The latest clock offset and round-trip delay to a peer
//   - [DeviceHealth]: Liveness bookkeeping for one monitored peer
package domain
