// ABOUTME: In-process lock backend for single-instance deployments and tests.
// ABOUTME: Leases expire by wall clock just like the distributed backends.

package lock

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryBackend implements Backend with a mutex-guarded map.
type MemoryBackend struct {
	mu    sync.Mutex
	locks map[string]memoryEntry
	now   func() time.Time
}

// NewMemoryBackend creates an empty backend. A nil clock means time.Now.
func NewMemoryBackend(now func() time.Time) *MemoryBackend {
	if now == nil {
		now = time.Now
	}
	return &MemoryBackend{locks: make(map[string]memoryEntry), now: now}
}

func (b *MemoryBackend) TryAcquire(_ context.Context, key, token string, lease time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if e, ok := b.locks[key]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	b.locks[key] = memoryEntry{token: token, expiresAt: now.Add(lease)}
	return true, nil
}

func (b *MemoryBackend) Renew(_ context.Context, key, token string, lease time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	e, ok := b.locks[key]
	if !ok || e.token != token || !now.Before(e.expiresAt) {
		return false, nil
	}
	e.expiresAt = now.Add(lease)
	b.locks[key] = e
	return true, nil
}

func (b *MemoryBackend) Release(_ context.Context, key, token string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.locks[key]
	if !ok || e.token != token {
		return false, nil
	}
	delete(b.locks, key)
	return b.now().Before(e.expiresAt), nil
}

func (b *MemoryBackend) Ping(context.Context) error { return nil }
