package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bft-labs/spokesync/pkg/log"
)

// ConnectHook returns the messages sent to a newly accepted peer before any
// of its commands are read. Used for the rejoin notification.
type ConnectHook func(ctx context.Context, peer *Peer) []Message

// MessageHook receives non-command messages such as heartbeats.
type MessageHook func(ctx context.Context, peer *Peer, msg *Message)

// DisconnectHook is called after a peer's read loop ends.
type DisconnectHook func(peer *Peer, err error)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger.
func WithServerLogger(logger log.Logger) ServerOption {
	return func(s *Server) { s.logger = log.OrNoop(logger) }
}

// WithConnectHook sets the hook run for every accepted peer.
func WithConnectHook(h ConnectHook) ServerOption {
	return func(s *Server) { s.onConnect = h }
}

// WithMessageHook sets the receiver for non-command messages.
func WithMessageHook(h MessageHook) ServerOption {
	return func(s *Server) { s.onMessage = h }
}

// WithDisconnectHook sets the hook run when a peer goes away.
func WithDisconnectHook(h DisconnectHook) ServerOption {
	return func(s *Server) { s.onDisconnect = h }
}

// WithServerClock sets the clock used to stamp frame receipt.
func WithServerClock(now func() time.Time) ServerOption {
	return func(s *Server) { s.now = now }
}

// WithWriteTimeout bounds each frame write to a peer.
func WithWriteTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.writeTimeout = d }
}

// Server accepts peers and serves commands, one read goroutine per connection.
type Server struct {
	dispatcher   *Dispatcher
	logger       log.Logger
	onConnect    ConnectHook
	onMessage    MessageHook
	onDisconnect DisconnectHook
	now          func() time.Time
	writeTimeout time.Duration

	nextID atomic.Uint64

	mu       sync.Mutex
	listener net.Listener
	peers    map[uint64]*Peer
	conns    map[net.Conn]struct{}
	closed   bool

	wg sync.WaitGroup
}

// NewServer creates a server dispatching commands through d.
func NewServer(d *Dispatcher, opts ...ServerOption) *Server {
	s := &Server{
		dispatcher:   d,
		logger:       log.NewNoopLogger(),
		now:          time.Now,
		writeTimeout: defaultWriteTimeout,
		peers:        make(map[uint64]*Peer),
		conns:        make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListenAndServe listens on addr and serves until ctx is done or Close is called.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done or Close is called.
// It returns nil after a clean shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrClosed
	}
	s.listener = ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	s.logger.Info("protocol server listening", log.String("addr", ln.Addr().String()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}

		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.ServeConn(ctx, conn)
		}()
	}
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ServeConn runs the read loop for one connection until it fails or closes.
// A malformed frame ends only this connection. Connections passed directly
// (rather than accepted by Serve) are owned by the caller.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	peer := newPeer(s.nextID.Add(1), conn, s.writeTimeout)
	defer peer.Close()
	logger := log.With(s.logger, log.String("peer", peer.RemoteAddr()))

	if s.onConnect != nil {
		for _, m := range s.onConnect(ctx, peer) {
			if err := peer.Send(m); err != nil {
				logger.Warn("greeting failed", log.Err(err))
				return
			}
		}
	}

	s.addPeer(peer)
	logger.Info("peer connected")

	err := s.readLoop(ctx, peer)

	s.removePeer(peer)
	if err != nil && !IsExpectedCloseError(err) {
		logger.Warn("peer connection closed", log.Err(err))
	} else {
		logger.Info("peer disconnected")
	}
	if s.onDisconnect != nil {
		s.onDisconnect(peer, err)
	}
}

func (s *Server) readLoop(ctx context.Context, peer *Peer) error {
	r := NewReader(peer.conn)
	for {
		payload, framing, err := r.ReadFrame()
		if err != nil {
			return err
		}
		received := s.now()

		var msg Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			return &MalformedError{Err: err}
		}
		msg.ReceivedAt = received
		peer.observe(&msg, framing)

		if !msg.IsCommand() {
			if s.onMessage != nil {
				s.onMessage(ctx, peer, &msg)
			}
			continue
		}

		reply := s.dispatcher.Dispatch(ctx, peer, &msg)
		if err := peer.Send(reply); err != nil {
			return err
		}
	}
}

// MalformedError reports a frame that was not a JSON object envelope.
type MalformedError struct {
	Err error
}

func (e *MalformedError) Error() string { return "protocol: malformed message: " + e.Err.Error() }
func (e *MalformedError) Unwrap() error { return e.Err }

// Broadcast sends m to every connected peer and returns how many received it.
// A peer whose write fails is closed and dropped from the set.
func (s *Server) Broadcast(m Message) int {
	data, err := json.Marshal(m)
	if err != nil {
		s.logger.Error("broadcast encode failed", log.String("event", m.EventName()), log.Err(err))
		return 0
	}

	delivered := 0
	for _, p := range s.Peers() {
		if err := p.write(data); err != nil {
			s.logger.Warn("dropping peer after broadcast failure",
				log.String("peer", p.RemoteAddr()),
				log.String("event", m.EventName()),
				log.Err(err),
			)
			s.removePeer(p)
			_ = p.Close()
			continue
		}
		delivered++
	}
	return delivered
}

// Peers returns the current broadcast set.
func (s *Server) Peers() []*Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}

// Close stops accepting, closes every connection and waits for read loops to end.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return nil
	}
	s.closed = true
	ln := s.listener
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) addPeer(p *Peer) {
	s.mu.Lock()
	s.peers[p.id] = p
	s.mu.Unlock()
}

func (s *Server) removePeer(p *Peer) {
	s.mu.Lock()
	delete(s.peers, p.id)
	s.mu.Unlock()
}
