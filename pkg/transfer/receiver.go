package transfer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bft-labs/spokesync/pkg/log"
)

// MetadataFileName is the per-session index the receiver maintains.
const MetadataFileName = "metadata.json"

// Defaults applied to header fields a sender left empty.
const (
	unknownSession = "unknown_session"
	unknownDevice  = "unknown_device"
	defaultFile    = "data.bin"
)

// DefaultIdleTimeout closes a transfer that sends nothing for this long.
const DefaultIdleTimeout = 10 * time.Second

// ReceivedFile is one entry of metadata.json.
type ReceivedFile struct {
	Filename     string `json:"filename"`
	Size         int64  `json:"size"`
	DeviceID     string `json:"device_id"`
	ReceivedAtNs int64  `json:"received_at_ns"`
	// SessionID and Path are not persisted; they locate the file for callbacks.
	SessionID string `json:"-"`
	Path      string `json:"-"`
	Extracted string `json:"-"`
}

// ReceiverOption configures a Receiver.
type ReceiverOption func(*Receiver)

// WithReceiverLogger sets the logger.
func WithReceiverLogger(logger log.Logger) ReceiverOption {
	return func(r *Receiver) {
		r.logger = log.OrNoop(logger)
	}
}

// WithExtract unpacks each archive into <session>/<device_id>/ after storing it.
func WithExtract(extract bool) ReceiverOption {
	return func(r *Receiver) {
		r.extract = extract
	}
}

// WithReceivedHandler is called after each file is stored.
func WithReceivedHandler(fn func(ReceivedFile)) ReceiverOption {
	return func(r *Receiver) {
		r.onReceived = fn
	}
}

// WithReceiverClock overrides the clock used for received_at_ns.
func WithReceiverClock(now func() time.Time) ReceiverOption {
	return func(r *Receiver) {
		if now != nil {
			r.now = now
		}
	}
}

// WithIdleTimeout sets how long a connection may stay silent.
func WithIdleTimeout(d time.Duration) ReceiverOption {
	return func(r *Receiver) {
		if d > 0 {
			r.idle = d
		}
	}
}

// Receiver accepts transfers and places them under its base directory.
type Receiver struct {
	dir        string
	logger     log.Logger
	extract    bool
	onReceived func(ReceivedFile)
	now        func() time.Time
	idle       time.Duration

	metaMu sync.Mutex

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewReceiver creates a Receiver storing under dir.
func NewReceiver(dir string, opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		dir:    dir,
		logger: log.NewNoopLogger(),
		now:    time.Now,
		idle:   DefaultIdleTimeout,
		conns:  make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ListenAndServe listens on addr and serves until ctx is done.
func (r *Receiver) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return r.Serve(ctx, ln)
}

// Serve accepts transfers on ln until ctx is done or Close is called. Each
// connection is handled on its own goroutine; a failed transfer never stops
// the acceptor.
func (r *Receiver) Serve(ctx context.Context, ln net.Listener) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		_ = ln.Close()
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = ln.Close()
		return net.ErrClosed
	}
	r.listener = ln
	r.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = r.Close() })
	defer stop()

	r.logger.Info("transfer receiver listening",
		log.String("addr", ln.Addr().String()),
		log.String("dir", r.dir),
	)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if r.isClosed() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		if !r.track(conn) {
			_ = conn.Close()
			return nil
		}
		go func() {
			defer r.wg.Done()
			defer r.untrack(conn)
			r.handle(conn)
		}()
	}
}

// Addr returns the listener address, or nil before Serve.
func (r *Receiver) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Close stops accepting, aborts in-flight transfers and waits for them.
func (r *Receiver) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.wg.Wait()
		return nil
	}
	r.closed = true
	ln := r.listener
	for c := range r.conns {
		_ = c.Close()
	}
	r.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	r.wg.Wait()
	return err
}

func (r *Receiver) handle(conn net.Conn) {
	defer conn.Close()
	logger := log.With(r.logger, log.String("peer", conn.RemoteAddr().String()))

	rd := bufio.NewReaderSize(&idleReader{conn: conn, idle: r.idle}, 64<<10)
	var hdr Header
	if err := readLine(rd, &hdr); err != nil {
		logger.Warn("bad transfer header", log.Err(err))
		return
	}
	applyHeaderDefaults(&hdr)

	rf, err := r.receive(rd, &hdr)
	if err != nil {
		logger.Warn("transfer failed",
			log.String("session_id", hdr.SessionID),
			log.String("filename", hdr.Filename),
			log.Err(err),
		)
		_ = writeLine(conn, Reply{Status: "error", Message: err.Error()})
		return
	}

	logger.Info("transfer received",
		log.String("session_id", rf.SessionID),
		log.String("device_id", rf.DeviceID),
		log.String("filename", rf.Filename),
		log.Int64("size", rf.Size),
	)
	if err := writeLine(conn, Reply{Status: "ok", Size: rf.Size, Path: rf.Path}); err != nil {
		logger.Debug("reply not delivered", log.Err(err))
	}
	if r.onReceived != nil {
		r.onReceived(rf)
	}
}

func applyHeaderDefaults(h *Header) {
	if h.SessionID == "" {
		h.SessionID = unknownSession
	}
	if h.DeviceID == "" {
		h.DeviceID = unknownDevice
	}
	if h.Filename == "" {
		h.Filename = defaultFile
	}
}

func (r *Receiver) receive(src io.Reader, hdr *Header) (ReceivedFile, error) {
	if err := hdr.Validate(); err != nil {
		return ReceivedFile{}, err
	}
	sessionDir := filepath.Join(r.dir, hdr.SessionID)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return ReceivedFile{}, err
	}

	target := filepath.Join(sessionDir, hdr.Filename)
	n, err := storeFile(target, src, hdr.Size)
	if err != nil {
		return ReceivedFile{}, err
	}

	rf := ReceivedFile{
		Filename:     hdr.Filename,
		Size:         n,
		DeviceID:     hdr.DeviceID,
		ReceivedAtNs: r.now().UnixNano(),
		SessionID:    hdr.SessionID,
		Path:         target,
	}
	if err := r.appendMetadata(sessionDir, rf); err != nil {
		return rf, fmt.Errorf("update %s: %w", MetadataFileName, err)
	}

	if r.extract && hdr.Compression != "" {
		comp, _ := ParseCompression(string(hdr.Compression))
		dest := filepath.Join(sessionDir, hdr.DeviceID)
		if err := extractStored(target, dest, comp); err != nil {
			return rf, err
		}
		rf.Extracted = dest
	}
	return rf, nil
}

// storeFile writes src to path through a temporary file. With a size it
// reads exactly that many bytes, otherwise until EOF.
func storeFile(path string, src io.Reader, size *int64) (int64, error) {
	tmp := path + ".part"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	var n int64
	if size != nil {
		n, err = io.CopyN(f, src, *size)
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("short payload: got %d of %d bytes: %w", n, *size, io.ErrUnexpectedEOF)
		}
	} else {
		n, err = io.Copy(f, src)
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return n, err
	}
	return n, os.Rename(tmp, path)
}

func extractStored(path, dest string, comp Compression) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = ExtractArchive(f, dest, comp)
	return err
}

// appendMetadata adds rf to received_files, keeping any other keys.
func (r *Receiver) appendMetadata(sessionDir string, rf ReceivedFile) error {
	r.metaMu.Lock()
	defer r.metaMu.Unlock()

	path := filepath.Join(sessionDir, MetadataFileName)
	doc := map[string]any{}
	if data, err := os.ReadFile(path); err == nil {
		if json.Unmarshal(data, &doc) != nil || doc == nil {
			doc = map[string]any{}
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	files, _ := doc["received_files"].([]any)
	doc["received_files"] = append(files, rf)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadMetadata returns the received_files entries for a session folder.
func ReadMetadata(sessionDir string) ([]ReceivedFile, error) {
	data, err := os.ReadFile(filepath.Join(sessionDir, MetadataFileName))
	if err != nil {
		return nil, err
	}
	var doc struct {
		ReceivedFiles []ReceivedFile `json:"received_files"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc.ReceivedFiles, nil
}

func (r *Receiver) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Receiver) track(c net.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.conns[c] = struct{}{}
	r.wg.Add(1)
	return true
}

func (r *Receiver) untrack(c net.Conn) {
	r.mu.Lock()
	delete(r.conns, c)
	r.mu.Unlock()
}

// idleReader refreshes the read deadline before every read.
type idleReader struct {
	conn net.Conn
	idle time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	_ = r.conn.SetReadDeadline(time.Now().Add(r.idle))
	return r.conn.Read(p)
}
