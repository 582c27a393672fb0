package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/blacktop/xgate/internal/logutil"
)

// DefaultStatePath is where the file store lives unless configured otherwise.
const DefaultStatePath = "data/rate-limits.json"

// FileStore keeps the state as one JSON document, rewritten in full on every
// update through a temp file and rename so readers never see a partial write.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates the parent directory if needed.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		path = DefaultStatePath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

func (f *FileStore) Load(context.Context) (*State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read()
}

func (f *FileStore) Update(_ context.Context, fn func(*State) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	st, err := f.read()
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		return err
	}
	return f.write(st)
}

func (f *FileStore) Close() error { return nil }

func (f *FileStore) read() (*State, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return newState(), nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}
	st, err := decodeState(data)
	if err != nil {
		// a damaged file only costs us the recorded history
		logutil.Warnf("discarding unreadable rate limit state %s: %v", f.path, err)
		return newState(), nil
	}
	return st, nil
}

func (f *FileStore) write(st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".rate-limits-*.json")
	if err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}
