package clocklog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bft-labs/spokesync/internal/ports"
)

var (
	_ ports.Recorder    = (*Recorder)(nil)
	_ ports.FlashSyncer = (*Recorder)(nil)
)

func TestRecorder_WritesTicksAndFlash(t *testing.T) {
	dir := t.TempDir()
	offset := 250 * time.Millisecond
	r := New(func() time.Time { return time.Now().Add(offset) }, WithInterval(5*time.Millisecond))

	if err := r.Start(context.Background(), dir); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := r.Start(context.Background(), dir); err == nil {
		t.Error("second Start() expected error")
	}

	time.Sleep(30 * time.Millisecond)
	if err := r.FlashSync(context.Background(), time.Now()); err != nil {
		t.Fatalf("FlashSync() error = %v", err)
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}

	b, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if lines[0] != "kind,local_ns,synced_ns" {
		t.Errorf("header = %q", lines[0])
	}
	if len(lines)-1 != r.Rows() {
		t.Errorf("rows on disk = %d, Rows() = %d", len(lines)-1, r.Rows())
	}

	var ticks, flashes int
	for _, line := range lines[1:] {
		switch {
		case strings.HasPrefix(line, "tick,"):
			ticks++
		case strings.HasPrefix(line, "flash,"):
			flashes++
		default:
			t.Errorf("unexpected row %q", line)
		}
	}
	if ticks < 2 {
		t.Errorf("ticks = %d, want at least 2", ticks)
	}
	if flashes != 1 {
		t.Errorf("flashes = %d, want 1", flashes)
	}
}

func TestRecorder_FlashWhenStopped(t *testing.T) {
	r := New(time.Now)
	if err := r.FlashSync(context.Background(), time.Now()); err != nil {
		t.Errorf("FlashSync() while stopped error = %v", err)
	}
	if err := r.Stop(context.Background()); err != nil {
		t.Errorf("Stop() while stopped error = %v", err)
	}
}

func TestRecorder_StartFailsOnMissingDir(t *testing.T) {
	r := New(time.Now)
	if err := r.Start(context.Background(), filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Start() expected error for missing directory")
	}
}
