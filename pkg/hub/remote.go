package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bft-labs/spokesync/internal/domain"
	"github.com/bft-labs/spokesync/pkg/protocol"
	"github.com/bft-labs/spokesync/pkg/timesync"
)

// ErrNotConnected is returned for a spoke whose link is down.
var ErrNotConnected = errors.New("hub: spoke not connected")

// SpokeStatus is a point-in-time view of one spoke.
type SpokeStatus struct {
	Name         string
	Addr         string
	DeviceID     string
	Connected    bool
	Exhausted    bool
	Health       domain.HealthState
	LastSeenAt   time.Time
	Offset       domain.ClockOffsetEstimate
	Synced       bool
	Stats        timesync.Stats
	Recording    bool
	SessionID    string
	Capabilities []string
}

// remote is the Hub's view of one spoke and its current link.
type remote struct {
	name string
	addr string
	sync *timesync.Synchronizer
	seq  atomic.Int64

	mu           sync.Mutex
	client       *protocol.Client
	deviceID     string
	exhausted    bool
	recording    bool
	sessionID    string
	capabilities []string
	stats        timesync.Stats
	transferred  map[string]bool
}

func newRemote(name, addr string) *remote {
	return &remote{name: name, addr: addr, transferred: make(map[string]bool)}
}

func (r *remote) currentClient() *protocol.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client
}

func (r *remote) setClient(c *protocol.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.client = c
	if c != nil {
		r.exhausted = false
	}
}

// dropClient clears the link if it is still c and closes it.
func (r *remote) dropClient(c *protocol.Client) {
	r.mu.Lock()
	if r.client == c {
		r.client = nil
	}
	r.mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
}

// call sends one command over the current link.
func (r *remote) call(ctx context.Context, timeout time.Duration, command string, fields map[string]any) (protocol.Message, error) {
	c := r.currentClient()
	if c == nil {
		return protocol.Message{}, ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Call(ctx, command, fields)
}

func (r *remote) setRecording(recording bool, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recording = recording
	if sessionID != "" {
		r.sessionID = sessionID
	}
}

// claimTransfer reports whether a transfer of id has not been requested yet
// and marks it requested.
func (r *remote) claimTransfer(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.transferred[id] {
		return false
	}
	r.transferred[id] = true
	return true
}

func (r *remote) releaseTransfer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transferred, id)
}

func (r *remote) status() SpokeStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := SpokeStatus{
		Name:         r.name,
		Addr:         r.addr,
		DeviceID:     r.deviceID,
		Connected:    r.client != nil,
		Exhausted:    r.exhausted,
		Recording:    r.recording,
		SessionID:    r.sessionID,
		Capabilities: append([]string(nil), r.capabilities...),
		Stats:        r.stats,
	}
	st.Offset, st.Synced = r.sync.Estimate()
	return st
}
