package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bft-labs/spokesync/internal/domain"
)

func TestPolicy_Delay(t *testing.T) {
	p := Policy{Base: time.Second, Max: 3500 * time.Millisecond, MaxAttempts: 5}
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3500 * time.Millisecond, 3500 * time.Millisecond}
	got := p.Schedule()
	if len(got) != len(want) {
		t.Fatalf("Schedule() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Schedule()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if p.Delay(0) != time.Second {
		t.Errorf("Delay(0) = %v, want base", p.Delay(0))
	}
}

type fakeLink struct{ done chan struct{} }

func newFakeLink() *fakeLink              { return &fakeLink{done: make(chan struct{})} }
func (l *fakeLink) Done() <-chan struct{} { return l.done }
func (l *fakeLink) drop()                 { close(l.done) }

// scriptedDialer fails the first failures calls, then hands out links.
type scriptedDialer struct {
	mu       sync.Mutex
	failures int
	calls    int
	links    chan *fakeLink
}

func (d *scriptedDialer) dial(ctx context.Context) (Link, error) {
	d.mu.Lock()
	d.calls++
	fail := d.calls <= d.failures
	d.mu.Unlock()
	if fail {
		return nil, errors.New("connection refused")
	}
	l := newFakeLink()
	d.links <- l
	return l, nil
}

func (d *scriptedDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func fastPolicy(attempts int) Policy {
	return Policy{Base: time.Millisecond, Max: 2 * time.Millisecond, MaxAttempts: attempts}
}

func TestReconnector_ConnectResetsAttempts(t *testing.T) {
	d := &scriptedDialer{failures: 2, links: make(chan *fakeLink, 1)}
	r := NewReconnector(fastPolicy(5), d.dial)

	link, err := r.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if link == nil || d.Calls() != 3 {
		t.Errorf("calls = %d, want 3", d.Calls())
	}
	if r.Attempts() != 0 {
		t.Errorf("Attempts() = %d after success, want 0", r.Attempts())
	}
}

func TestReconnector_ExhaustedFallsBack(t *testing.T) {
	d := &scriptedDialer{failures: 100, links: make(chan *fakeLink, 1)}
	var exhausted error
	calls := 0
	r := NewReconnector(fastPolicy(3), d.dial, WithOnExhausted(func(err error) {
		calls++
		exhausted = err
	}))

	err := r.Run(context.Background())
	if !errors.Is(err, domain.ErrReconnectExhausted) {
		t.Fatalf("Run() error = %v, want ErrReconnectExhausted", err)
	}
	if calls != 1 || !errors.Is(exhausted, domain.ErrReconnectExhausted) {
		t.Errorf("exhausted callback calls = %d, err = %v", calls, exhausted)
	}
	if d.Calls() != 3 {
		t.Errorf("dial calls = %d, want 3", d.Calls())
	}
}

func TestReconnector_RunReconnects(t *testing.T) {
	d := &scriptedDialer{links: make(chan *fakeLink, 2)}
	connected := make(chan bool, 2)
	disconnected := make(chan struct{}, 2)
	r := NewReconnector(fastPolicy(3), d.dial,
		WithOnConnected(func(ctx context.Context, link Link, reconnected bool) { connected <- reconnected }),
		WithOnDisconnected(func(Link) { disconnected <- struct{}{} }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	first := <-d.links
	if re := <-connected; re {
		t.Error("first connection reported as reconnect")
	}
	first.drop()
	<-disconnected

	<-d.links
	if re := <-connected; !re {
		t.Error("second connection should be a reconnect")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestReconnector_CancelDuringBackoff(t *testing.T) {
	d := &scriptedDialer{failures: 100, links: make(chan *fakeLink, 1)}
	r := NewReconnector(Policy{Base: time.Hour, Max: time.Hour, MaxAttempts: 10}, d.dial)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for d.Calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil on cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
