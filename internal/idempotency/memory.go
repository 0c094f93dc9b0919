// ABOUTME: In-process idempotency store built on the TTL cache.
// ABOUTME: Suitable for single-instance deployments and tests; refuses admission when full.

package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/2389/concierge/internal/ttlcache"
)

// MemoryStore keeps records in a bounded in-process cache. Live records are
// never evicted to make room: once every slot holds an unexpired record, Admit
// fails with ErrStoreUnavailable until records expire.
type MemoryStore struct {
	mu    sync.Mutex // orders the read-then-write in Complete and Abandon against Admit
	cache *ttlcache.Cache[Record]
	now   func() time.Time
}

// NewMemoryStore creates a store holding at most maxEntries records. A nil
// clock means time.Now.
func NewMemoryStore(maxEntries int, now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		cache: ttlcache.New[Record](maxEntries, ttlcache.WithClock(now)),
		now:   now,
	}
}

func (s *MemoryStore) Admit(_ context.Context, key, owner string, inFlightTTL time.Duration) (Admission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := Record{
		MessageID: key,
		Owner:     owner,
		Status:    StatusInProgress,
		ExpiresAt: s.now().Add(inFlightTTL),
	}
	existing, loaded, err := s.cache.GetOrSet(key, rec, inFlightTTL)
	if err != nil {
		return 0, s.wrap(err)
	}
	if !loaded {
		return Admitted, nil
	}
	return AdmissionFor(existing.Status), nil
}

func (s *MemoryStore) Complete(_ context.Context, key, owner string, status Status, summary string, retention time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.cache.Get(key); ok && !existing.OwnedBy(owner) {
		return fmt.Errorf("%w: %s is %s", ErrNotOwner, key, existing.Status)
	}
	err := s.cache.TrySet(key, Record{
		MessageID:     key,
		Owner:         owner,
		Status:        status,
		ResultSummary: summary,
		ExpiresAt:     s.now().Add(retention),
	}, retention)
	return s.wrap(err)
}

func (s *MemoryStore) Abandon(_ context.Context, key, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.cache.Get(key); ok && rec.OwnedBy(owner) {
		s.cache.Delete(key)
	}
	return nil
}

func (s *MemoryStore) wrap(err error) error {
	if errors.Is(err, ttlcache.ErrFull) {
		return fmt.Errorf("%w: memory store full of live records", ErrStoreUnavailable)
	}
	return err
}

// Get returns the current record for key, if any. Used by health views and tests.
func (s *MemoryStore) Get(key string) (Record, bool) {
	return s.cache.Get(key)
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close stops the cache's cleanup goroutine.
func (s *MemoryStore) Close() error {
	s.cache.Close()
	return nil
}
