package cache

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

type entry struct {
	value   []byte
	expires time.Time
}

// Memory is an in-process LRU backend with per-entry expiry.
type Memory struct {
	lru *lru.Cache
	now func() time.Time
}

// NewMemory constructs an LRU holding at most size entries.
func NewMemory(size int) (*Memory, error) {
	if size <= 0 {
		size = 1024
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &Memory{lru: c, now: time.Now}, nil
}

// Get implements Backend.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	raw, ok := m.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	e := raw.(entry)
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		m.lru.Remove(key)
		return nil, false, nil
	}
	return e.value, true, nil
}

// Set implements Backend. A zero ttl never expires.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := entry{value: value}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.lru.Add(key, e)
	return nil
}

// Delete implements Backend.
func (m *Memory) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		m.lru.Remove(k)
	}
	return nil
}

// Len reports the number of cached entries, expired ones included.
func (m *Memory) Len() int { return m.lru.Len() }

// Close implements Backend.
func (m *Memory) Close() error {
	m.lru.Purge()
	return nil
}

// Name implements Backend.
func (m *Memory) Name() string { return "memory" }
