package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bft-labs/spokesync/pkg/log"
)

// RemoteError is an error reply from the peer.
type RemoteError struct {
	Command string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.Command, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Command, e.Code, e.Message)
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the logger.
func WithClientLogger(logger log.Logger) ClientOption {
	return func(c *Client) { c.logger = log.OrNoop(logger) }
}

// WithMessageHandler receives every message that is not a reply: events,
// heartbeats and the rejoin notification. It runs on the read goroutine.
func WithMessageHandler(fn func(*Message)) ClientOption {
	return func(c *Client) { c.onMessage = fn }
}

// WithClientClock sets the clock used to stamp frame receipt.
func WithClientClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

// WithLegacyFraming makes the client send newline-delimited frames.
func WithLegacyFraming() ClientOption {
	return func(c *Client) { c.framing = FramingLine }
}

// Client is the issuing side of a connection. Replies are matched to calls by id.
type Client struct {
	conn      net.Conn
	logger    log.Logger
	onMessage func(*Message)
	now       func() time.Time
	framing   Framing

	wmu    sync.Mutex
	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan Message
	err     error

	done chan struct{}
}

// Dial connects to addr.
func Dial(ctx context.Context, addr string, opts ...ClientOption) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewClient(conn, opts...), nil
}

// NewClient starts a client over an established connection.
func NewClient(conn net.Conn, opts ...ClientOption) *Client {
	c := &Client{
		conn:    conn,
		logger:  log.NewNoopLogger(),
		now:     time.Now,
		pending: make(map[int64]chan Message),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

// RemoteAddr returns the peer address.
func (c *Client) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Call sends a command and waits for its reply. An error reply is returned
// both as the message and as a *RemoteError.
func (c *Client) Call(ctx context.Context, command string, fields map[string]any) (Message, error) {
	id := c.nextID.Add(1)
	ch := make(chan Message, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return Message{}, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.Send(NewCommand(id, command, fields)); err != nil {
		return Message{}, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return Message{}, c.Err()
		}
		if reply.IsError() {
			return reply, &RemoteError{Command: command, Code: reply.Code, Message: reply.Text}
		}
		return reply, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Send writes a message without waiting for a reply.
func (c *Client) Send(m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	return WriteFrame(c.conn, data, c.framing)
}

// Close closes the connection and fails pending calls.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) readLoop() {
	r := NewReader(c.conn)
	var err error
	for {
		var payload []byte
		payload, _, err = r.ReadFrame()
		if err != nil {
			break
		}
		received := c.now()

		var msg Message
		if err = json.Unmarshal(payload, &msg); err != nil {
			err = &MalformedError{Err: err}
			break
		}
		msg.ReceivedAt = received

		if msg.IsReply() {
			c.mu.Lock()
			ch, ok := c.pending[*msg.AckID]
			delete(c.pending, *msg.AckID)
			c.mu.Unlock()
			if ok {
				ch <- msg
			} else {
				c.logger.Debug("reply for unknown call", log.Int64("ack_id", *msg.AckID))
			}
			continue
		}
		if c.onMessage != nil {
			c.onMessage(&msg)
		}
	}

	if IsExpectedCloseError(err) {
		err = ErrClosed
	}
	_ = c.conn.Close()

	c.mu.Lock()
	c.err = err
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	close(c.done)
}
