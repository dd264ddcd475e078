package protocol

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// ErrClosed is returned when writing to, or calling over, a closed connection.
var ErrClosed = errors.New("protocol: connection closed")

// defaultWriteTimeout bounds a single frame write so a stalled peer cannot block broadcasts.
const defaultWriteTimeout = 5 * time.Second

// Peer is one connected endpoint. Writes are serialized by a peer-local mutex
// so concurrent replies and broadcasts never interleave frames.
type Peer struct {
	id   uint64
	conn net.Conn

	wmu          sync.Mutex
	writeTimeout time.Duration

	framing  atomic.Int32
	version  atomic.Int32
	lastSeen atomic.Int64

	mu       sync.Mutex
	deviceID string

	closeOnce sync.Once
	closed    atomic.Bool
}

func newPeer(id uint64, conn net.Conn, writeTimeout time.Duration) *Peer {
	p := &Peer{id: id, conn: conn, writeTimeout: writeTimeout}
	p.framing.Store(int32(FramingLength))
	return p
}

// ID returns the server-assigned connection id.
func (p *Peer) ID() uint64 { return p.id }

// RemoteAddr returns the peer's network address.
func (p *Peer) RemoteAddr() string {
	if a := p.conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

// Framing returns the framing the peer last used. Replies use the same framing.
func (p *Peer) Framing() Framing { return Framing(p.framing.Load()) }

// ProtocolVersion returns the envelope version the peer last sent.
func (p *Peer) ProtocolVersion() int { return int(p.version.Load()) }

// LastSeen returns when the last frame from the peer arrived.
func (p *Peer) LastSeen() time.Time {
	ns := p.lastSeen.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// DeviceID returns the identity the peer announced in a heartbeat, if any.
func (p *Peer) DeviceID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deviceID
}

// SetDeviceID records the peer's announced identity.
func (p *Peer) SetDeviceID(id string) {
	p.mu.Lock()
	p.deviceID = id
	p.mu.Unlock()
}

func (p *Peer) observe(m *Message, framing Framing) {
	p.framing.Store(int32(framing))
	p.version.Store(int32(m.V))
	p.lastSeen.Store(m.ReceivedAt.UnixNano())
}

// Send writes one message.
func (p *Peer) Send(m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return p.write(data)
}

func (p *Peer) write(data []byte) error {
	if p.closed.Load() {
		return ErrClosed
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()

	if p.writeTimeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	}
	return WriteFrame(p.conn, data, p.Framing())
}

// Close closes the underlying connection. Safe to call more than once.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		err = p.conn.Close()
	})
	return err
}

// IsExpectedCloseError reports whether err is a normal connection termination:
// EOF, closed connection, broken pipe, or connection reset.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
