// Package state persists the node's session journal across restarts.
//
// The journal records the most recently active session so that a node which
// restarts, or a Hub which reconnects, can learn which session was in
// progress and whether its data has already been handed off.
//
// # Usage
//
//	repo := state.NewFileRepository("/var/lib/spokesync")
//
//	err := repo.Update(ctx, func(s *state.State) {
//	    s.RecordStart("session_01", "/data/sessions/session_01", []string{"camera"}, time.Now())
//	})
//
// # Encoding
//
// The journal is a single CBOR document written with core deterministic
// encoding, replaced atomically by write-then-rename.
package state
