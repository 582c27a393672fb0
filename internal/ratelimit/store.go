package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// State is the single durable record shared by every platform.
type State struct {
	PlatformWindows map[string][]int64 `json:"platformWindows"`
	XMonthly        MonthlyQuota       `json:"xMonthly"`
}

// MonthlyQuota counts posts for the platform with a hard monthly cap.
type MonthlyQuota struct {
	Month string `json:"month"`
	Count int    `json:"count"`
}

func newState() *State {
	return &State{PlatformWindows: map[string][]int64{}}
}

func decodeState(data []byte) (*State, error) {
	st := newState()
	if len(data) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("decode rate limit state: %w", err)
	}
	if st.PlatformWindows == nil {
		st.PlatformWindows = map[string][]int64{}
	}
	return st, nil
}

func (s *State) clone() *State {
	out := &State{
		PlatformWindows: make(map[string][]int64, len(s.PlatformWindows)),
		XMonthly:        s.XMonthly,
	}
	for k, v := range s.PlatformWindows {
		out.PlatformWindows[k] = append([]int64(nil), v...)
	}
	return out
}

// Store persists State. Update must apply fn to the current state and write
// the result back atomically; when fn returns an error nothing is written.
type Store interface {
	Load(ctx context.Context) (*State, error)
	Update(ctx context.Context, fn func(*State) error) error
	Close() error
}

// MemoryStore keeps state in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	state *State
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newState()}
}

func (m *MemoryStore) Load(context.Context) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, fn func(*State) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.state.clone()
	if err := fn(next); err != nil {
		return err
	}
	m.state = next
	return nil
}

func (m *MemoryStore) Close() error { return nil }
