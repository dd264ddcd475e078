package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/bft-labs/spokesync/internal/domain"
	"github.com/bft-labs/spokesync/internal/ports"
	"github.com/bft-labs/spokesync/pkg/log"
	"github.com/bft-labs/spokesync/pkg/state"
)

// Orchestrator drives one session at a time over a registry of recorders.
// The state, the current session and the registry are guarded by a single mutex.
type Orchestrator struct {
	root   string
	opts   options
	logger log.Logger

	mu        sync.Mutex
	recorders map[string]ports.Recorder
	state     domain.SessionState
	current   *domain.Session
	active    map[string]ports.Recorder
	last      *domain.Session

	// busy is closed when the in-flight start or stop completes.
	busy        chan struct{}
	cancelStart context.CancelFunc
}

// New creates an orchestrator that places sessions under root.
func New(root string, opts ...Option) *Orchestrator {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Orchestrator{
		root:      root,
		opts:      o,
		logger:    o.logger,
		recorders: make(map[string]ports.Recorder),
		state:     domain.SessionIdle,
	}
}

// Root returns the sessions root directory.
func (o *Orchestrator) Root() string {
	return o.root
}

// Register adds or replaces a recorder. Replacing a recorder while a session
// is active only affects the next StartSession.
func (o *Orchestrator) Register(name string, r ports.Recorder) error {
	if r == nil {
		return fmt.Errorf("register %q: nil recorder", name)
	}
	if !domain.IsPathSegment(name) {
		return fmt.Errorf("register %q: name is not a valid directory name", name)
	}

	o.mu.Lock()
	_, replaced := o.recorders[name]
	o.recorders[name] = r
	o.mu.Unlock()

	o.logger.Debug("recorder registered", log.String("recorder", name), log.Bool("replaced", replaced))
	return nil
}

// Unregister removes a recorder. A running session keeps the instance it captured at start.
func (o *Orchestrator) Unregister(name string) bool {
	o.mu.Lock()
	_, ok := o.recorders[name]
	delete(o.recorders, name)
	o.mu.Unlock()
	return ok
}

// Recorders returns the registered recorder names, sorted.
func (o *Orchestrator) Recorders() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return sortedNames(o.recorders)
}

// State returns the current session state.
func (o *Orchestrator) State() domain.SessionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// CurrentSessionID returns the id of the non-IDLE session, or "" when IDLE.
func (o *Orchestrator) CurrentSessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return ""
	}
	return o.current.ID
}

// Current returns a copy of the non-IDLE session.
func (o *Orchestrator) Current() (domain.Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return domain.Session{}, false
	}
	return *o.current, true
}

// LastSession returns the most recently recording session, which may still be active.
func (o *Orchestrator) LastSession() (domain.Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return domain.Session{}, false
	}
	return *o.last, true
}

// Restore loads the last session record from the journal. A session that was
// still marked recording did not survive the restart and is closed out.
func (o *Orchestrator) Restore(ctx context.Context) error {
	st, err := o.opts.journal.Load(ctx)
	if err != nil {
		return fmt.Errorf("load session journal: %w", err)
	}
	if st.IsEmpty() {
		return nil
	}

	if st.Recording {
		o.logger.Warn("previous session was interrupted", log.String("session_id", st.LastSessionID))
		st.RecordStop(o.opts.now())
		if err := o.opts.journal.Save(ctx, st); err != nil {
			return fmt.Errorf("save session journal: %w", err)
		}
	}

	last := domain.Session{
		ID:        st.LastSessionID,
		Root:      st.LastSessionRoot,
		State:     domain.SessionIdle,
		Recorders: st.Recorders,
		StartedAt: unixNanoOrZero(st.StartedAtNs),
		StoppedAt: unixNanoOrZero(st.StoppedAtNs),
	}
	o.mu.Lock()
	if o.last == nil {
		o.last = &last
	}
	o.mu.Unlock()
	return nil
}

// StartSession starts a session with the given id, or a generated one when id
// is empty. It fails with domain.ErrAlreadyRecording unless the state is IDLE.
//
// ctx bounds the recorders' Start calls only. Recorder failures are returned
// as *domain.RecorderError values combined with multierr.
func (o *Orchestrator) StartSession(ctx context.Context, id string) (string, error) {
	o.mu.Lock()
	if o.state != domain.SessionIdle {
		cur, st := o.current.ID, o.state
		o.mu.Unlock()
		return "", fmt.Errorf("%w: session %s is %s", domain.ErrAlreadyRecording, cur, st)
	}
	if id == "" {
		id = o.opts.newID(o.opts.now())
	}
	if err := domain.ValidateSessionID(id); err != nil {
		o.mu.Unlock()
		return "", fmt.Errorf("start session %q: %w", id, err)
	}

	names := sortedNames(o.recorders)
	recs := make(map[string]ports.Recorder, len(names))
	for _, name := range names {
		recs[name] = o.recorders[name]
	}
	sess := &domain.Session{
		ID:        id,
		Root:      filepath.Join(o.root, id),
		State:     domain.SessionPreparing,
		Recorders: names,
	}
	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.state = domain.SessionPreparing
	o.current = sess
	o.busy = make(chan struct{})
	o.cancelStart = cancel
	snap := *sess
	o.mu.Unlock()

	o.emit(domain.SessionIdle, domain.SessionPreparing, snap)
	logger := log.With(o.logger, log.String("session_id", id))

	created, err := prepareDirs(snap)
	if err != nil {
		o.abortStart(snap, created)
		return "", fmt.Errorf("start session %s: %w", id, err)
	}

	started, failures := o.fanOut(startCtx, "start", recs, func(ctx context.Context, name string, r ports.Recorder) error {
		return r.Start(ctx, snap.RecorderDir(name))
	})
	if len(failures) > 0 {
		logger.Warn("session start failed, rolling back",
			log.Int("failed", len(failures)),
			log.Int("started", len(started)),
		)
		_, stopFailures := o.fanOut(context.WithoutCancel(ctx), "stop", started, stopRecorder)
		for _, err := range stopFailures {
			logger.Debug("rollback stop failed", log.Err(err))
		}
		o.abortStart(snap, created)
		return "", multierr.Combine(failures...)
	}

	snap.State = domain.SessionRecording
	snap.StartedAt = o.opts.now()
	o.persistStart(ctx, snap)

	o.mu.Lock()
	sess.State = snap.State
	sess.StartedAt = snap.StartedAt
	o.state = domain.SessionRecording
	o.active = started
	o.cancelStart = nil
	last := snap
	o.last = &last
	done := o.busy
	o.busy = nil
	o.mu.Unlock()
	close(done)

	o.emit(domain.SessionPreparing, domain.SessionRecording, snap)
	logger.Info("session recording", log.Int("recorders", len(started)))
	return id, nil
}

// StopSession stops the current session. It is a no-op when IDLE. Concurrent
// callers coalesce: one performs the stop and all return once IDLE is reached.
// A stop requested while PREPARING cancels the start and then stops whatever started.
//
// Recorder failures are isolated, combined with multierr and returned, but the
// orchestrator always reaches IDLE.
func (o *Orchestrator) StopSession(ctx context.Context) error {
	for {
		o.mu.Lock()
		switch o.state {
		case domain.SessionIdle:
			o.mu.Unlock()
			return nil
		case domain.SessionPreparing, domain.SessionStopping:
			if o.state == domain.SessionPreparing && o.cancelStart != nil {
				o.cancelStart()
			}
			done := o.busy
			o.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return o.stopLocked(ctx)
	}
}

// stopLocked runs with o.mu held and the state RECORDING; it releases the lock.
func (o *Orchestrator) stopLocked(ctx context.Context) error {
	sess := o.current
	sess.State = domain.SessionStopping
	o.state = domain.SessionStopping
	o.busy = make(chan struct{})
	active := o.active
	snap := *sess
	o.mu.Unlock()

	o.emit(domain.SessionRecording, domain.SessionStopping, snap)
	logger := log.With(o.logger, log.String("session_id", snap.ID))

	_, failures := o.fanOut(ctx, "stop", active, stopRecorder)

	final := snap
	final.State = domain.SessionIdle
	final.StoppedAt = o.opts.now()
	o.persistStop(ctx, final, failures)

	o.mu.Lock()
	o.state = domain.SessionIdle
	o.current = nil
	o.active = nil
	o.last = &final
	done := o.busy
	o.busy = nil
	o.mu.Unlock()
	close(done)

	o.emit(domain.SessionStopping, domain.SessionIdle, final)

	if len(failures) > 0 {
		logger.Warn("session stopped with recorder failures", log.Int("failed", len(failures)))
		return multierr.Combine(failures...)
	}
	logger.Info("session stopped", log.Duration("duration", final.StoppedAt.Sub(final.StartedAt)))
	return nil
}

// FlashSync delivers a flash marker to every recorder that implements
// ports.FlashSyncer: the active ones while recording, else the registered ones.
// It returns the number of recorders notified.
func (o *Orchestrator) FlashSync(ctx context.Context, at time.Time) (int, error) {
	o.mu.Lock()
	target := o.recorders
	if o.state == domain.SessionRecording {
		target = o.active
	}
	names := sortedNames(target)
	syncers := make([]ports.FlashSyncer, 0, len(names))
	syncerNames := make([]string, 0, len(names))
	for _, name := range names {
		if fs, ok := target[name].(ports.FlashSyncer); ok {
			syncers = append(syncers, fs)
			syncerNames = append(syncerNames, name)
		}
	}
	o.mu.Unlock()

	var errs error
	for i, fs := range syncers {
		if err := safeCall(func() error { return fs.FlashSync(ctx, at) }); err != nil {
			errs = multierr.Append(errs, &domain.RecorderError{Recorder: syncerNames[i], Op: "flash_sync", Err: err})
		}
	}
	return len(syncers), errs
}

func (o *Orchestrator) abortStart(snap domain.Session, removeRoot bool) {
	if removeRoot {
		if err := os.RemoveAll(snap.Root); err != nil {
			o.logger.Warn("failed to remove discarded session directory",
				log.String("session_id", snap.ID), log.Err(err))
		}
	}

	o.mu.Lock()
	o.state = domain.SessionIdle
	o.current = nil
	o.active = nil
	o.cancelStart = nil
	done := o.busy
	o.busy = nil
	o.mu.Unlock()
	close(done)

	snap.State = domain.SessionIdle
	o.emit(domain.SessionPreparing, domain.SessionIdle, snap)
}

func (o *Orchestrator) persistStart(ctx context.Context, sess domain.Session) {
	err := o.opts.journal.Update(ctx, func(s *state.State) {
		s.RecordStart(sess.ID, sess.Root, sess.Recorders, sess.StartedAt)
	})
	if err != nil {
		o.logger.Warn("failed to update session journal", log.String("session_id", sess.ID), log.Err(err))
	}
	if err := WriteMetadata(sess.Root, o.metadataFor(sess, nil)); err != nil {
		o.logger.Warn("failed to write session metadata", log.String("session_id", sess.ID), log.Err(err))
	}
}

func (o *Orchestrator) persistStop(ctx context.Context, sess domain.Session, failures []error) {
	err := o.opts.journal.Update(context.WithoutCancel(ctx), func(s *state.State) {
		if s.LastSessionID == sess.ID {
			s.RecordStop(sess.StoppedAt)
		}
	})
	if err != nil {
		o.logger.Warn("failed to update session journal", log.String("session_id", sess.ID), log.Err(err))
	}
	if err := WriteMetadata(sess.Root, o.metadataFor(sess, failures)); err != nil {
		o.logger.Warn("failed to write session metadata", log.String("session_id", sess.ID), log.Err(err))
	}
}

func (o *Orchestrator) emit(previous, current domain.SessionState, sess domain.Session) {
	for _, e := range o.opts.emitters {
		e.OnSessionStateChange(previous, current, sess)
	}
}

type recorderCall func(ctx context.Context, name string, r ports.Recorder) error

func stopRecorder(ctx context.Context, _ string, r ports.Recorder) error {
	return r.Stop(ctx)
}

// fanOut calls fn for every recorder concurrently and waits for all of them.
// It returns the recorders that succeeded and one *domain.RecorderError per failure,
// ordered by recorder name.
func (o *Orchestrator) fanOut(ctx context.Context, op string, recs map[string]ports.Recorder, fn recorderCall) (map[string]ports.Recorder, []error) {
	names := sortedNames(recs)
	results := make([]error, len(names))

	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = safeCall(func() error { return fn(ctx, name, recs[name]) })
		}()
	}
	wg.Wait()

	ok := make(map[string]ports.Recorder, len(names))
	var failures []error
	for i, name := range names {
		if results[i] != nil {
			o.logger.Warn("recorder "+op+" failed", log.String("recorder", name), log.Err(results[i]))
			failures = append(failures, &domain.RecorderError{Recorder: name, Op: op, Err: results[i]})
			continue
		}
		ok[name] = recs[name]
	}
	return ok, failures
}

// safeCall converts a panic in a recorder into an error.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// prepareDirs creates the session root and one directory per recorder.
// created reports whether the root did not exist before.
func prepareDirs(sess domain.Session) (created bool, err error) {
	if _, statErr := os.Stat(sess.Root); errors.Is(statErr, os.ErrNotExist) {
		created = true
	}
	if err := os.MkdirAll(sess.Root, 0o755); err != nil {
		return created, err
	}
	for _, name := range sess.Recorders {
		if err := os.MkdirAll(sess.RecorderDir(name), 0o755); err != nil {
			return created, err
		}
	}
	return created, nil
}

func sortedNames(m map[string]ports.Recorder) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
