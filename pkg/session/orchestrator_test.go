package session

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/multierr"

	"github.com/bft-labs/spokesync/internal/domain"
	"github.com/bft-labs/spokesync/pkg/state"
)

// fakeRecorder counts calls and optionally fails or blocks.
type fakeRecorder struct {
	startErr   error
	stopErr    error
	startBlock chan struct{}
	stopBlock  chan struct{}
	panicStart bool

	starts atomic.Int32
	stops  atomic.Int32

	mu      sync.Mutex
	dir     string
	dirSeen bool
	flashes []time.Time
}

func (f *fakeRecorder) Start(ctx context.Context, dir string) error {
	f.starts.Add(1)
	_, statErr := os.Stat(dir)
	f.mu.Lock()
	f.dir = dir
	f.dirSeen = statErr == nil
	f.mu.Unlock()

	if f.panicStart {
		panic("driver crashed")
	}
	if f.startBlock != nil {
		select {
		case <-f.startBlock:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.startErr
}

func (f *fakeRecorder) Stop(ctx context.Context) error {
	f.stops.Add(1)
	if f.stopBlock != nil {
		<-f.stopBlock
	}
	return f.stopErr
}

func (f *fakeRecorder) FlashSync(ctx context.Context, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flashes = append(f.flashes, at)
	return nil
}

// plainRecorder has no FlashSync method.
type plainRecorder struct{}

func (plainRecorder) Start(context.Context, string) error { return nil }
func (plainRecorder) Stop(context.Context) error          { return nil }

type transition struct {
	from, to domain.SessionState
	id       string
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []transition
}

func (r *recordingEmitter) OnSessionStateChange(previous, current domain.SessionState, sess domain.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, transition{previous, current, sess.ID})
}

func (r *recordingEmitter) Events() []transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transition{}, r.events...)
}

func newTestOrchestrator(t *testing.T, opts ...Option) *Orchestrator {
	t.Helper()
	return New(t.TempDir(), opts...)
}

func mustRegister(t *testing.T, o *Orchestrator, name string, r *fakeRecorder) {
	t.Helper()
	if err := o.Register(name, r); err != nil {
		t.Fatalf("Register(%q) error = %v", name, err)
	}
}

func TestStartStopSession(t *testing.T) {
	ctx := context.Background()
	emitter := &recordingEmitter{}
	o := newTestOrchestrator(t, WithEventEmitter(emitter), WithDeviceID("spoke-1"))
	cam, thermal := &fakeRecorder{}, &fakeRecorder{}
	mustRegister(t, o, "camera", cam)
	mustRegister(t, o, "thermal", thermal)

	id, err := o.StartSession(ctx, "s1")
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if id != "s1" {
		t.Errorf("id = %q, want s1", id)
	}
	if o.State() != domain.SessionRecording {
		t.Errorf("state = %v, want RECORDING", o.State())
	}
	if o.CurrentSessionID() != "s1" {
		t.Errorf("CurrentSessionID() = %q, want s1", o.CurrentSessionID())
	}

	for name, r := range map[string]*fakeRecorder{"camera": cam, "thermal": thermal} {
		if !r.dirSeen {
			t.Errorf("%s: directory did not exist when Start was called", name)
		}
		if want := filepath.Join(o.Root(), "s1", name); r.dir != want {
			t.Errorf("%s: dir = %q, want %q", name, r.dir, want)
		}
	}

	cur, ok := o.Current()
	if !ok || cur.StartedAt.IsZero() {
		t.Errorf("Current() = %+v, %v; want started session", cur, ok)
	}

	if err := o.StopSession(ctx); err != nil {
		t.Fatalf("StopSession() error = %v", err)
	}
	if o.State() != domain.SessionIdle || o.CurrentSessionID() != "" {
		t.Errorf("after stop: state = %v, id = %q", o.State(), o.CurrentSessionID())
	}
	if cam.stops.Load() != 1 || thermal.stops.Load() != 1 {
		t.Errorf("stops = %d/%d, want 1/1", cam.stops.Load(), thermal.stops.Load())
	}

	last, ok := o.LastSession()
	if !ok || last.ID != "s1" || last.StoppedAt.IsZero() {
		t.Errorf("LastSession() = %+v, %v", last, ok)
	}

	meta, err := ReadMetadata(filepath.Join(o.Root(), "s1"))
	if err != nil {
		t.Fatalf("ReadMetadata() error = %v", err)
	}
	if meta.State != "IDLE" || meta.DeviceID != "spoke-1" || meta.EndTimeNs == 0 {
		t.Errorf("metadata = %+v", meta)
	}

	want := []transition{
		{domain.SessionIdle, domain.SessionPreparing, "s1"},
		{domain.SessionPreparing, domain.SessionRecording, "s1"},
		{domain.SessionRecording, domain.SessionStopping, "s1"},
		{domain.SessionStopping, domain.SessionIdle, "s1"},
	}
	got := emitter.Events()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestStartSession_AlreadyRecording(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t)
	rec := &fakeRecorder{}
	mustRegister(t, o, "camera", rec)

	if _, err := o.StartSession(ctx, "first"); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	_, err := o.StartSession(ctx, "second")
	if !errors.Is(err, domain.ErrAlreadyRecording) {
		t.Fatalf("second StartSession() error = %v, want ErrAlreadyRecording", err)
	}
	var recErr *domain.RecorderError
	if errors.As(err, &recErr) {
		t.Error("already recording must not look like a recorder failure")
	}
	if o.CurrentSessionID() != "first" || o.State() != domain.SessionRecording {
		t.Errorf("existing session changed: id = %q, state = %v", o.CurrentSessionID(), o.State())
	}
	if rec.starts.Load() != 1 {
		t.Errorf("starts = %d, want 1", rec.starts.Load())
	}
	if _, err := os.Stat(filepath.Join(o.Root(), "second")); !os.IsNotExist(err) {
		t.Error("rejected session must not create a directory")
	}
}

func TestStartSession_PartialFailureRollsBack(t *testing.T) {
	tests := []struct {
		name   string
		failed []bool
	}{
		{"one of three fails", []bool{false, true, false}},
		{"two of three fail", []bool{true, false, true}},
		{"all fail", []bool{true, true}},
		{"single recorder fails", []bool{true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newTestOrchestrator(t)
			recs := make([]*fakeRecorder, len(tt.failed))
			wantFailures := 0
			for i, fail := range tt.failed {
				recs[i] = &fakeRecorder{}
				if fail {
					recs[i].startErr = errors.New("sensor unavailable")
					wantFailures++
				}
				mustRegister(t, o, string(rune('a'+i)), recs[i])
			}

			id, err := o.StartSession(context.Background(), "doomed")
			if err == nil {
				t.Fatal("StartSession() should fail")
			}
			if id != "" {
				t.Errorf("id = %q, want empty", id)
			}
			if errs := multierr.Errors(err); len(errs) != wantFailures {
				t.Errorf("got %d errors, want %d: %v", len(errs), wantFailures, err)
			}
			var recErr *domain.RecorderError
			if !errors.As(err, &recErr) || recErr.Op != "start" {
				t.Errorf("error %v should carry a start RecorderError", err)
			}

			if o.State() != domain.SessionIdle || o.CurrentSessionID() != "" {
				t.Errorf("state = %v, id = %q; want IDLE and no session", o.State(), o.CurrentSessionID())
			}
			for i, r := range recs {
				wantStops := int32(1)
				if tt.failed[i] {
					wantStops = 0
				}
				if r.stops.Load() != wantStops {
					t.Errorf("recorder %d: stops = %d, want %d", i, r.stops.Load(), wantStops)
				}
			}
			if _, err := os.Stat(filepath.Join(o.Root(), "doomed")); !os.IsNotExist(err) {
				t.Error("discarded session directory should be removed")
			}
		})
	}
}

func TestStartSession_RecorderPanic(t *testing.T) {
	o := newTestOrchestrator(t)
	good := &fakeRecorder{}
	mustRegister(t, o, "good", good)
	mustRegister(t, o, "bad", &fakeRecorder{panicStart: true})

	_, err := o.StartSession(context.Background(), "p")
	var recErr *domain.RecorderError
	if !errors.As(err, &recErr) || recErr.Recorder != "bad" {
		t.Fatalf("error = %v, want RecorderError for bad", err)
	}
	if good.stops.Load() != 1 {
		t.Errorf("good recorder stops = %d, want 1", good.stops.Load())
	}
	if o.State() != domain.SessionIdle {
		t.Errorf("state = %v, want IDLE", o.State())
	}
}

func TestRegister_ReplacesPrior(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t)
	old, replacement := &fakeRecorder{}, &fakeRecorder{}
	mustRegister(t, o, "camera", old)
	mustRegister(t, o, "camera", replacement)

	if _, err := o.StartSession(ctx, "s"); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if old.starts.Load() != 0 {
		t.Errorf("replaced recorder started %d times", old.starts.Load())
	}
	if replacement.starts.Load() != 1 {
		t.Errorf("replacement started %d times, want 1", replacement.starts.Load())
	}
	if got := o.Recorders(); len(got) != 1 || got[0] != "camera" {
		t.Errorf("Recorders() = %v", got)
	}
}

func TestRegister_DuringSessionAffectsNextStartOnly(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t)
	first, second := &fakeRecorder{}, &fakeRecorder{}
	mustRegister(t, o, "camera", first)

	if _, err := o.StartSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	mustRegister(t, o, "camera", second)
	if !o.Unregister("camera") {
		t.Fatal("Unregister() = false, want true")
	}
	if err := o.StopSession(ctx); err != nil {
		t.Fatal(err)
	}

	if first.stops.Load() != 1 {
		t.Errorf("captured recorder stops = %d, want 1", first.stops.Load())
	}
	if second.starts.Load() != 0 || second.stops.Load() != 0 {
		t.Error("recorder registered mid-session must not be touched by that session")
	}
	if o.Unregister("camera") {
		t.Error("second Unregister() should report false")
	}
}

func TestRegister_Invalid(t *testing.T) {
	o := newTestOrchestrator(t)
	if err := o.Register("camera", nil); err == nil {
		t.Error("nil recorder should be rejected")
	}
	if err := o.Register("../camera", &fakeRecorder{}); err == nil {
		t.Error("path-like name should be rejected")
	}
}

func TestStartSession_InvalidID(t *testing.T) {
	o := newTestOrchestrator(t)
	_, err := o.StartSession(context.Background(), "../../etc")
	if !errors.Is(err, domain.ErrInvalidSessionID) {
		t.Fatalf("error = %v, want ErrInvalidSessionID", err)
	}
	if o.State() != domain.SessionIdle {
		t.Errorf("state = %v, want IDLE", o.State())
	}
}

func TestStartSession_GeneratesID(t *testing.T) {
	fixed := time.Date(2026, 3, 4, 5, 6, 7, 0, time.Local)
	o := newTestOrchestrator(t, WithClock(func() time.Time { return fixed }))

	id, err := o.StartSession(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(id) != len("20260304_050607_")+8 || id[:16] != "20260304_050607_" {
		t.Errorf("generated id = %q", id)
	}
	if _, err := os.Stat(filepath.Join(o.Root(), id)); err != nil {
		t.Errorf("session directory missing: %v", err)
	}
}

func TestStopSession_IdleIsNoop(t *testing.T) {
	o := newTestOrchestrator(t)
	for i := 0; i < 3; i++ {
		if err := o.StopSession(context.Background()); err != nil {
			t.Fatalf("StopSession() #%d error = %v", i, err)
		}
	}
	if _, ok := o.LastSession(); ok {
		t.Error("no session should be recorded")
	}
}

func TestStopSession_FailureIsolated(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t)
	broken := &fakeRecorder{stopErr: errors.New("flush failed")}
	healthy := &fakeRecorder{}
	mustRegister(t, o, "broken", broken)
	mustRegister(t, o, "healthy", healthy)

	if _, err := o.StartSession(ctx, "s"); err != nil {
		t.Fatal(err)
	}
	err := o.StopSession(ctx)

	var recErr *domain.RecorderError
	if !errors.As(err, &recErr) || recErr.Recorder != "broken" || recErr.Op != "stop" {
		t.Fatalf("StopSession() error = %v, want stop RecorderError for broken", err)
	}
	if healthy.stops.Load() != 1 {
		t.Errorf("healthy stops = %d, want 1", healthy.stops.Load())
	}
	if o.State() != domain.SessionIdle || o.CurrentSessionID() != "" {
		t.Errorf("state = %v, id = %q", o.State(), o.CurrentSessionID())
	}

	meta, err := ReadMetadata(filepath.Join(o.Root(), "s"))
	if err != nil {
		t.Fatal(err)
	}
	if len(meta.StopFailures) != 1 {
		t.Errorf("StopFailures = %v, want one entry", meta.StopFailures)
	}
}

func TestStopSession_Concurrent(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t)
	rec := &fakeRecorder{stopBlock: make(chan struct{})}
	mustRegister(t, o, "camera", rec)

	if _, err := o.StartSession(ctx, "s"); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = o.StopSession(ctx)
		}()
	}

	deadline := time.Now().Add(2 * time.Second)
	for o.State() != domain.SessionStopping && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(rec.stopBlock)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: StopSession() error = %v", i, err)
		}
	}
	if rec.stops.Load() != 1 {
		t.Errorf("stops = %d, want exactly 1", rec.stops.Load())
	}
	if o.State() != domain.SessionIdle {
		t.Errorf("state = %v, want IDLE", o.State())
	}
}

func TestStopSession_DuringPreparing(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t)
	slow := &fakeRecorder{startBlock: make(chan struct{})}
	mustRegister(t, o, "slow", slow)

	startErr := make(chan error, 1)
	go func() {
		_, err := o.StartSession(ctx, "s")
		startErr <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for slow.starts.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if o.State() != domain.SessionPreparing {
		t.Fatalf("state = %v, want PREPARING", o.State())
	}

	if err := o.StopSession(ctx); err != nil {
		t.Fatalf("StopSession() error = %v", err)
	}
	if err := <-startErr; !errors.Is(err, context.Canceled) {
		t.Errorf("StartSession() error = %v, want context.Canceled", err)
	}
	if o.State() != domain.SessionIdle {
		t.Errorf("state = %v, want IDLE", o.State())
	}
}

func TestStopSession_ContextCanceledWhileWaiting(t *testing.T) {
	o := newTestOrchestrator(t)
	rec := &fakeRecorder{stopBlock: make(chan struct{})}
	mustRegister(t, o, "camera", rec)
	if _, err := o.StartSession(context.Background(), "s"); err != nil {
		t.Fatal(err)
	}

	firstDone := make(chan error, 1)
	go func() { firstDone <- o.StopSession(context.Background()) }()
	for o.State() != domain.SessionStopping {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := o.StopSession(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("waiting StopSession() error = %v, want DeadlineExceeded", err)
	}

	close(rec.stopBlock)
	if err := <-firstDone; err != nil {
		t.Errorf("first StopSession() error = %v", err)
	}
}

// TestRandomSequences drives random register/unregister/start/stop sequences
// and checks that every stop ends IDLE with no current session.
func TestRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	ctx := context.Background()

	for round := 0; round < 20; round++ {
		o := newTestOrchestrator(t)
		for step := 0; step < 40; step++ {
			name := string(rune('a' + rng.Intn(4)))
			switch rng.Intn(4) {
			case 0:
				r := &fakeRecorder{}
				if rng.Intn(4) == 0 {
					r.startErr = errors.New("start failed")
				}
				if rng.Intn(4) == 0 {
					r.stopErr = errors.New("stop failed")
				}
				mustRegister(t, o, name, r)
			case 1:
				o.Unregister(name)
			case 2:
				before := o.State()
				_, err := o.StartSession(ctx, "")
				if before != domain.SessionIdle && !errors.Is(err, domain.ErrAlreadyRecording) {
					t.Fatalf("start from %v: error = %v, want ErrAlreadyRecording", before, err)
				}
			case 3:
				_ = o.StopSession(ctx)
				if o.State() != domain.SessionIdle || o.CurrentSessionID() != "" {
					t.Fatalf("after stop: state = %v, id = %q", o.State(), o.CurrentSessionID())
				}
			}
		}
	}
}

func TestFlashSync(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator(t)
	cam := &fakeRecorder{}
	mustRegister(t, o, "camera", cam)
	if err := o.Register("gsr", plainRecorder{}); err != nil {
		t.Fatal(err)
	}

	at := time.Unix(100, 0)
	n, err := o.FlashSync(ctx, at)
	if err != nil || n != 1 {
		t.Fatalf("FlashSync() = %d, %v; want 1, nil", n, err)
	}
	if len(cam.flashes) != 1 || !cam.flashes[0].Equal(at) {
		t.Errorf("flashes = %v", cam.flashes)
	}
}

func TestRestore_ClosesInterruptedSession(t *testing.T) {
	ctx := context.Background()
	repo := state.NewFileRepository(t.TempDir())
	var st state.State
	st.RecordStart("crashed", "/data/crashed", []string{"camera"}, time.Unix(10, 0))
	if err := repo.Save(ctx, st); err != nil {
		t.Fatal(err)
	}

	o := newTestOrchestrator(t, WithJournal(repo))
	if err := o.Restore(ctx); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	last, ok := o.LastSession()
	if !ok || last.ID != "crashed" || last.State != domain.SessionIdle {
		t.Errorf("LastSession() = %+v, %v", last, ok)
	}
	if o.State() != domain.SessionIdle {
		t.Errorf("state = %v, want IDLE", o.State())
	}

	saved, err := repo.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if saved.Recording || saved.StoppedAtNs == 0 {
		t.Errorf("journal not closed out: %+v", saved)
	}
}

func TestJournalTracksSessions(t *testing.T) {
	ctx := context.Background()
	repo := &state.MemoryRepository{}
	o := newTestOrchestrator(t, WithJournal(repo))
	mustRegister(t, o, "camera", &fakeRecorder{})

	if _, err := o.StartSession(ctx, "j1"); err != nil {
		t.Fatal(err)
	}
	st, _ := repo.Load(ctx)
	if st.LastSessionID != "j1" || !st.Recording {
		t.Errorf("journal after start = %+v", st)
	}

	if err := o.StopSession(ctx); err != nil {
		t.Fatal(err)
	}
	st, _ = repo.Load(ctx)
	if st.Recording {
		t.Errorf("journal after stop = %+v", st)
	}
}
