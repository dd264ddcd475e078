// Package ports defines the interfaces that connect the node to the things it
// drives but does not implement.
//
// # Port Interfaces
//
//   - [Recorder]: A start/stop-able data-producing capability (camera, thermal, biosignal)
//   - [FlashSyncer]: Optional recorder extension that reacts to a flash sync marker
//   - [HardwareProbe]: Resolves optional hardware once at startup
//
// Concrete sensor drivers live outside this module. The orchestrator and the
// protocol layer depend only on these interfaces.
package ports
