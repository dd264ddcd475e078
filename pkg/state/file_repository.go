package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

const stateFileName = "session.cbor"

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("state: CBOR encoder initialization failed: " + err.Error())
	}
}

// FileRepository implements Repository using a CBOR file.
type FileRepository struct {
	dir string
	mu  sync.Mutex
}

var _ Repository = (*FileRepository)(nil)

// NewFileRepository creates a new FileRepository for the given directory.
func NewFileRepository(dir string) *FileRepository {
	return &FileRepository{dir: dir}
}

// Load retrieves the journal from disk.
func (r *FileRepository) Load(ctx context.Context) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load()
}

// Save persists the journal atomically.
func (r *FileRepository) Save(ctx context.Context, state State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.save(state)
}

// Update loads the journal, applies fn and saves it under one lock.
func (r *FileRepository) Update(ctx context.Context, fn func(*State)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, err := r.load()
	if err != nil {
		return err
	}
	fn(&st)
	return r.save(st)
}

func (r *FileRepository) load() (State, error) {
	data, err := os.ReadFile(r.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, nil
		}
		return State{}, err
	}

	var st State
	if err := cbor.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("decode %s: %w", stateFileName, err)
	}
	return st, nil
}

func (r *FileRepository) save(st State) error {
	if err := os.MkdirAll(r.dir, 0o700); err != nil {
		return err
	}

	data, err := encMode.Marshal(st)
	if err != nil {
		return err
	}

	path := r.Path()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Path returns the full path to the journal file.
func (r *FileRepository) Path() string {
	return filepath.Join(r.dir, stateFileName)
}

// MemoryRepository keeps the journal in memory. Used when no state directory is configured.
type MemoryRepository struct {
	mu sync.Mutex
	st State
}

var _ Repository = (*MemoryRepository)(nil)

// Load returns a copy of the journal.
func (m *MemoryRepository) Load(context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st, nil
}

// Save replaces the journal.
func (m *MemoryRepository) Save(_ context.Context, st State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = st
	return nil
}

// Update applies fn to the journal.
func (m *MemoryRepository) Update(_ context.Context, fn func(*State)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.st)
	return nil
}
