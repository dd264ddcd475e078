package state

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestFileRepository_LoadMissing(t *testing.T) {
	repo := NewFileRepository(t.TempDir())

	st, err := repo.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !st.IsEmpty() {
		t.Errorf("Load() = %+v, want empty state", st)
	}
}

func TestFileRepository_SaveLoad(t *testing.T) {
	ctx := context.Background()
	repo := NewFileRepository(t.TempDir())
	started := time.Unix(1700000000, 42)

	var st State
	st.RecordStart("s1", "/data/s1", []string{"camera", "thermal"}, started)
	if err := repo.Save(ctx, st); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := repo.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.LastSessionID != "s1" || got.LastSessionRoot != "/data/s1" {
		t.Errorf("Load() = %+v", got)
	}
	if !got.Recording {
		t.Error("Recording should be true after RecordStart")
	}
	if got.StartedAtNs != started.UnixNano() {
		t.Errorf("StartedAtNs = %d, want %d", got.StartedAtNs, started.UnixNano())
	}
	if len(got.Recorders) != 2 {
		t.Errorf("Recorders = %v", got.Recorders)
	}

	if _, err := os.Stat(repo.Path() + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary file should be renamed away")
	}
}

func TestFileRepository_Update(t *testing.T) {
	ctx := context.Background()
	repo := NewFileRepository(t.TempDir())

	if err := repo.Update(ctx, func(s *State) {
		s.RecordStart("s2", "/data/s2", nil, time.Now())
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if err := repo.Update(ctx, func(s *State) {
		s.RecordStop(time.Now())
		s.MarkTransferred("s2")
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := repo.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Recording {
		t.Error("Recording should be false after RecordStop")
	}
	if got.StoppedAtNs == 0 {
		t.Error("StoppedAtNs should be set")
	}
	if !got.IsTransferred("s2") {
		t.Error("s2 should be marked transferred")
	}
}

func TestFileRepository_CorruptFile(t *testing.T) {
	repo := NewFileRepository(t.TempDir())
	if err := os.WriteFile(repo.Path(), []byte{0xff, 0x00, 0x13}, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Load(context.Background()); err == nil {
		t.Error("Load() should fail on a corrupt journal")
	}
}

func TestState_MarkTransferredBounded(t *testing.T) {
	var st State
	for i := 0; i < maxTransferred+10; i++ {
		st.MarkTransferred(time.Unix(int64(i), 0).UTC().Format(time.RFC3339))
	}
	st.MarkTransferred(st.Transferred[len(st.Transferred)-1])

	if len(st.Transferred) != maxTransferred {
		t.Fatalf("len(Transferred) = %d, want %d", len(st.Transferred), maxTransferred)
	}
	if st.IsTransferred(time.Unix(0, 0).UTC().Format(time.RFC3339)) {
		t.Error("oldest entries should be evicted")
	}
}
