// Package lock provides per-key mutual exclusion with sorted acquisition and
// a bounded wait.
package lock

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"billdesk/backend/internal/store"
)

type slot struct {
	ch   chan struct{}
	refs int
}

type Manager struct {
	mu    sync.Mutex
	slots map[string]*slot
	wait  time.Duration
}

func NewManager(wait time.Duration) *Manager {
	if wait < 0 {
		wait = 0
	}
	return &Manager{slots: make(map[string]*slot), wait: wait}
}

func ItemKey(itemID string) string {
	return "item:" + itemID
}

func BillKey(number string) string {
	return "bill:" + number
}

// Acquire takes every key in ascending order. When all keys are not held
// within the manager's wait budget it releases what it took and returns
// store.ErrBusy. The returned release func is safe to call more than once.
func (m *Manager) Acquire(ctx context.Context, keys ...string) (func(), error) {
	ordered := normalizeKeys(keys)
	held := make([]string, 0, len(ordered))

	var timeout <-chan time.Time
	if m.wait > 0 {
		timer := time.NewTimer(m.wait)
		defer timer.Stop()
		timeout = timer.C
	}

	for _, key := range ordered {
		s := m.ref(key)
		if err := m.take(ctx, s, timeout); err != nil {
			m.unref(key)
			m.releaseAll(held)
			if err == store.ErrBusy {
				return nil, fmt.Errorf("%w: waiting for %s", store.ErrBusy, key)
			}
			return nil, err
		}
		held = append(held, key)
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.releaseAll(held) })
	}, nil
}

func (m *Manager) take(ctx context.Context, s *slot, timeout <-chan time.Time) error {
	if timeout == nil {
		select {
		case s.ch <- struct{}{}:
			return nil
		default:
			return store.ErrBusy
		}
	}
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-timeout:
		return store.ErrBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) releaseAll(held []string) {
	for i := len(held) - 1; i >= 0; i-- {
		m.mu.Lock()
		s := m.slots[held[i]]
		m.mu.Unlock()
		if s != nil {
			<-s.ch
		}
		m.unref(held[i])
	}
}

func (m *Manager) ref(key string) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		m.slots[key] = s
	}
	s.refs++
	return s
}

func (m *Manager) unref(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[key]
	if !ok {
		return
	}
	s.refs--
	if s.refs <= 0 {
		delete(m.slots, key)
	}
}

// Held reports how many keys currently have a slot. Used by tests.
func (m *Manager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

func normalizeKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if key == "" {
			continue
		}
		out = append(out, key)
	}
	slices.Sort(out)
	return slices.Compact(out)
}
