package transfer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/bft-labs/spokesync/internal/domain"
	"github.com/bft-labs/spokesync/pkg/log"
)

// DefaultReplyTimeout bounds the wait for the receiver's answer after the
// archive is sent.
const DefaultReplyTimeout = 30 * time.Second

// Result describes a completed transfer.
type Result struct {
	SessionID string
	Filename  string
	Files     int
	Bytes     int64
	// Stored is the byte count the receiver reported, zero if it sent no reply.
	Stored   int64
	Duration time.Duration
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger log.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = log.OrNoop(logger)
	}
}

// WithCompression sets the archive codec.
func WithCompression(comp Compression) CoordinatorOption {
	return func(c *Coordinator) {
		if comp != "" {
			c.compression = comp
		}
	}
}

// WithReplyTimeout sets how long to wait for the receiver's reply.
func WithReplyTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.replyTimeout = d
		}
	}
}

// WithDialer overrides how connections to the receiver are opened.
func WithDialer(dial func(ctx context.Context, network, addr string) (net.Conn, error)) CoordinatorOption {
	return func(c *Coordinator) {
		if dial != nil {
			c.dial = dial
		}
	}
}

// Coordinator sends finished session directories to a receiver. A failed
// transfer is returned to the caller and never retried here.
type Coordinator struct {
	root         string
	deviceID     string
	compression  Compression
	replyTimeout time.Duration
	logger       log.Logger
	dial         func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewCoordinator creates a Coordinator for sessions under root.
func NewCoordinator(root, deviceID string, opts ...CoordinatorOption) *Coordinator {
	var d net.Dialer
	c := &Coordinator{
		root:         root,
		deviceID:     deviceID,
		compression:  DefaultCompression,
		replyTimeout: DefaultReplyTimeout,
		logger:       log.NewNoopLogger(),
		dial:         d.DialContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ArchiveName returns the file name the receiver stores sessionID under.
func (c *Coordinator) ArchiveName(sessionID string) string {
	name := sessionID
	if c.deviceID != "" {
		name += "_" + c.deviceID
	}
	return name + c.compression.Extension()
}

// Validate checks that the session directory exists and holds files.
func (c *Coordinator) Validate(sessionID string) (string, error) {
	if err := domain.ValidateSessionID(sessionID); err != nil {
		return "", err
	}
	dir := filepath.Join(c.root, sessionID)
	info, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) || (err == nil && !info.IsDir()) {
		return "", fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return "", err
	}
	ok, err := hasFiles(dir)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrEmptySession, sessionID)
	}
	return dir, nil
}

// Send streams the session directory to addr.
func (c *Coordinator) Send(ctx context.Context, addr, sessionID string) (Result, error) {
	start := time.Now()
	dir, err := c.Validate(sessionID)
	if err != nil {
		return Result{}, err
	}

	conn, err := c.dial(ctx, "tcp", addr)
	if err != nil {
		return Result{}, fmt.Errorf("transfer: dial %s: %w", addr, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	res := Result{SessionID: sessionID, Filename: c.ArchiveName(sessionID)}
	logger := log.With(c.logger,
		log.String("session_id", sessionID),
		log.String("receiver", addr),
	)

	hdr := Header{
		SessionID:   sessionID,
		DeviceID:    c.deviceID,
		Filename:    res.Filename,
		Compression: c.compression,
	}
	bw := bufio.NewWriterSize(conn, 64<<10)
	if err := writeLine(bw, hdr); err != nil {
		return res, c.fail(ctx, err)
	}

	st, err := WriteArchive(bw, dir, c.compression)
	if err == nil {
		err = bw.Flush()
	}
	if err != nil {
		return res, c.fail(ctx, err)
	}
	res.Files, res.Bytes = st.Files, st.Bytes

	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			return res, c.fail(ctx, err)
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.replyTimeout))
	var reply Reply
	switch err := readLine(bufio.NewReader(conn), &reply); {
	case errors.Is(err, io.EOF):
		logger.Debug("receiver closed without reply")
	case err != nil:
		return res, c.fail(ctx, err)
	case reply.Status != "ok":
		return res, fmt.Errorf("transfer: receiver rejected %s: %s", res.Filename, reply.Message)
	default:
		res.Stored = reply.Size
	}

	res.Duration = time.Since(start)
	logger.Info("session transferred",
		log.String("filename", res.Filename),
		log.Int("files", res.Files),
		log.Int64("bytes", res.Bytes),
		log.Duration("duration", res.Duration),
	)
	return res, nil
}

func (c *Coordinator) fail(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("transfer: %w", err)
}
