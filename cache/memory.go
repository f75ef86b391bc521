// Package cache provides the key/value caches used to memoize task lists.
package cache

import (
	"context"
	"sync"
	"time"

	app "github.com/etitcombe/taskflow"
)

type entry struct {
	value   []byte
	expires time.Time
}

// Memory is an in-process cache. Expired entries are dropped lazily on read
// and by Sweep.
type Memory struct {
	rwMutex sync.RWMutex
	cache   map[string]entry
	now     func() time.Time
}

var _ app.Cache = (*Memory)(nil)

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{
		cache: make(map[string]entry),
		now:   time.Now,
	}
}

// Get returns the value stored under key if it has not expired.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.rwMutex.RLock()
	e, ok := m.cache[key]
	m.rwMutex.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		m.rwMutex.Lock()
		// Only drop it if nobody replaced it in between.
		if cur, ok := m.cache[key]; ok && cur.expires.Equal(e.expires) {
			delete(m.cache, key)
		}
		m.rwMutex.Unlock()
		return nil, false, nil
	}
	return e.value, true, nil
}

// Set stores value under key. A ttl of zero means no expiry.
func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.rwMutex.Lock()
	defer m.rwMutex.Unlock()
	m.cache[key] = e
	return nil
}

// Delete removes key.
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.rwMutex.Lock()
	defer m.rwMutex.Unlock()
	delete(m.cache, key)
	return nil
}

// Len returns the number of entries, expired or not.
func (m *Memory) Len() int {
	m.rwMutex.RLock()
	defer m.rwMutex.RUnlock()
	return len(m.cache)
}

// Sweep removes every expired entry.
func (m *Memory) Sweep() {
	now := m.now()
	m.rwMutex.Lock()
	defer m.rwMutex.Unlock()
	for k, e := range m.cache {
		if !e.expires.IsZero() && !now.Before(e.expires) {
			delete(m.cache, k)
		}
	}
}

// Janitor calls Sweep every interval until ctx is done.
func (m *Memory) Janitor(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Sweep()
		}
	}
}
