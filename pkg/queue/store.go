package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// State is the full persisted queue state. It is written after every
// mutating operation so an abrupt restart resumes exactly where it left off.
type State struct {
	Items   []Item       `json:"items"`
	NextSeq int64        `json:"next_seq"`
	Breaker BreakerState `json:"breaker"`
}

// BreakerState is the process-wide circuit breaker. While Active and before
// ResetAt, no items are dispatched.
type BreakerState struct {
	Active   bool      `json:"active"`
	ResetAt  time.Time `json:"reset_at,omitempty"`
	Failures int       `json:"failures"`
}

// StateStore persists the queue's state to stable local storage.
type StateStore interface {
	// Load returns the persisted state, or an empty state when none exists.
	Load() (*State, error)
	// Save durably replaces the persisted state.
	Save(*State) error
}

// FileStore persists queue state as a JSON file, written atomically via a
// temp file and rename.
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore writing to path. The parent directory is
// created if missing.
func NewFileStore(path string) (*FileStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create queue dir: %w", err)
		}
	}
	return &FileStore{path: path}, nil
}

// Load implements StateStore.
func (f *FileStore) Load() (*State, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return &State{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue state: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse queue state: %w", err)
	}
	return &st, nil
}

// Save implements StateStore.
func (f *FileStore) Save(st *State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode queue state: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write queue state: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace queue state: %w", err)
	}
	return nil
}

// MemStore is an in-memory StateStore for tests and ephemeral queues.
type MemStore struct {
	state *State
}

// Load implements StateStore.
func (m *MemStore) Load() (*State, error) {
	if m.state == nil {
		return &State{}, nil
	}
	return m.state, nil
}

// Save implements StateStore.
func (m *MemStore) Save(st *State) error {
	cp := *st
	cp.Items = append([]Item(nil), st.Items...)
	m.state = &cp
	return nil
}
