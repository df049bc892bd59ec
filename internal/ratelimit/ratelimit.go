package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter answers whether a caller identified by key may proceed. The limiter
// must be backed by shared state when the service runs more than one replica;
// correctness of dispatch never depends on it, it only sheds load.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Memory is a fixed-window in-process limiter for tests and single-node runs.
type Memory struct {
	Limit  int
	Window time.Duration

	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	start time.Time
	count int
}

func NewMemory(limit int, win time.Duration) *Memory {
	return &Memory{Limit: limit, Window: win, windows: make(map[string]*window)}
}

func (m *Memory) Allow(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	w, ok := m.windows[key]
	if !ok || now.Sub(w.start) >= m.Window {
		w = &window{start: now}
		m.windows[key] = w
	}
	w.count++
	return w.count <= m.Limit, nil
}
