// Package ratelimit provides fixed-window attempt counters backed by memory
// or Redis.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Counter counts events per key inside a fixed window. Incr records one event
// and returns the running count for the current window.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
	Reset(ctx context.Context, key string) error
}

type memoryEntry struct {
	count   int64
	resetAt time.Time
}

// MemoryCounter is an in-process Counter for single-node deployments and
// tests.
type MemoryCounter struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{entries: make(map[string]*memoryEntry)}
}

func (c *MemoryCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	entry, ok := c.entries[key]
	if !ok || now.After(entry.resetAt) {
		entry = &memoryEntry{resetAt: now.Add(window)}
		c.entries[key] = entry
	}
	entry.count++
	return entry.count, nil
}

func (c *MemoryCounter) Reset(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}
