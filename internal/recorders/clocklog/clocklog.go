// Package clocklog is a reference recorder that logs the local clock next to
// the Hub-aligned clock. Comparing the files of two spokes after a session
// shows how well their clocks were aligned.
package clocklog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/bft-labs/spokesync/pkg/log"
)

// FileName is the file written into the recorder directory.
const FileName = "clock.csv"

// DefaultInterval is the period between samples.
const DefaultInterval = 100 * time.Millisecond

var errRunning = errors.New("clocklog: already running")

// Option configures a Recorder.
type Option func(*Recorder)

// WithInterval sets the sampling period.
func WithInterval(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(r *Recorder) {
		r.logger = log.OrNoop(logger)
	}
}

// WithLocalClock overrides the local clock. Used by tests.
func WithLocalClock(now func() time.Time) Option {
	return func(r *Recorder) {
		if now != nil {
			r.local = now
		}
	}
}

// Recorder writes rows of kind,local_ns,synced_ns. Kind is "tick" for
// periodic samples and "flash" for flash sync cues.
type Recorder struct {
	synced   func() time.Time
	local    func() time.Time
	interval time.Duration
	logger   log.Logger

	mu     sync.Mutex
	file   *os.File
	w      *bufio.Writer
	cancel context.CancelFunc
	done   chan struct{}
	rows   int
}

// New creates a Recorder reading the aligned time from synced.
func New(synced func() time.Time, opts ...Option) *Recorder {
	r := &Recorder{
		synced:   synced,
		local:    time.Now,
		interval: DefaultInterval,
		logger:   log.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start creates the file and begins sampling. Sampling continues until Stop,
// independent of ctx.
func (r *Recorder) Start(ctx context.Context, dir string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		return errRunning
	}

	f, err := os.Create(filepath.Join(dir, FileName))
	if err != nil {
		return fmt.Errorf("clocklog: %w", err)
	}
	w := bufio.NewWriter(f)
	if _, err := w.WriteString("kind,local_ns,synced_ns\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("clocklog: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.file, r.w, r.cancel, r.done, r.rows = f, w, cancel, make(chan struct{}), 0
	r.writeRowLocked("tick")

	go r.run(runCtx, r.done)
	r.logger.Debug("clock log started", log.String("dir", dir))
	return nil
}

func (r *Recorder) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			if r.w != nil {
				r.writeRowLocked("tick")
			}
			r.mu.Unlock()
		}
	}
}

// Stop ends sampling, waits for the loop to exit and closes the file. It is
// a no-op when not running.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.w.Flush()
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	r.logger.Debug("clock log stopped", log.Int("rows", r.rows))
	r.file, r.w, r.cancel, r.done = nil, nil, nil, nil
	return err
}

// FlashSync writes a flash row stamped at the cue time.
func (r *Recorder) FlashSync(ctx context.Context, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return nil
	}
	synced := r.synced().UnixNano() + at.Sub(r.local()).Nanoseconds()
	return r.writeLocked("flash", at.UnixNano(), synced)
}

// Rows returns how many rows the current or last session wrote.
func (r *Recorder) Rows() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows
}

func (r *Recorder) writeRowLocked(kind string) {
	local := r.local().UnixNano()
	if err := r.writeLocked(kind, local, r.synced().UnixNano()); err != nil {
		r.logger.Warn("clock log write failed", log.Err(err))
	}
}

func (r *Recorder) writeLocked(kind string, local, synced int64) error {
	var buf [64]byte
	b := append(buf[:0], kind...)
	b = append(b, ',')
	b = strconv.AppendInt(b, local, 10)
	b = append(b, ',')
	b = strconv.AppendInt(b, synced, 10)
	b = append(b, '\n')
	if _, err := r.w.Write(b); err != nil {
		return err
	}
	r.rows++
	return nil
}
