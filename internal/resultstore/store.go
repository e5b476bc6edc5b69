// Package resultstore implements the indexed TaskResult store (spec.md §3
// "lifecycle/ownership", deepened in SPEC_FULL.md §4.6a): a process-local,
// mutex-guarded map by default, optionally mirrored to a persistence
// Driver (write-behind, best-effort) and fronted by a read-through cache
// for results evicted from memory under the retention policy.
package resultstore

import (
	"context"
	"sync"
	"time"

	"orchestratord/internal/logging"
	"orchestratord/internal/model"
)

// Driver is a pluggable persistence backend for TaskResults. Every method
// receives a context so drivers backed by a real database can bound their
// calls; Store returns never block the Dispatcher on a slow driver because
// Store always writes through to the driver asynchronously.
type Driver interface {
	Put(ctx context.Context, result *model.TaskResult) error
	Get(ctx context.Context, taskID string) (*model.TaskResult, bool, error)
	Close() error
}

// Cache is a read-through cache consulted when a result has been evicted
// from the in-memory map (spec.md §4.6a's optional Redis tier).
type Cache interface {
	Get(ctx context.Context, taskID string) (*model.TaskResult, bool, error)
	Set(ctx context.Context, result *model.TaskResult, ttl time.Duration) error
}

// Store is the Dispatcher-facing result store: synchronous in-memory
// writes/reads, with the Driver and Cache layered in behind it.
type Store struct {
	mu        sync.RWMutex
	entries   map[string]entry
	retention time.Duration

	driver Driver // nil disables persistence mirroring
	cache  Cache  // nil disables read-through

	logger *logging.Logger
}

type entry struct {
	result    *model.TaskResult
	expiresAt time.Time
}

// New builds a Store. retention<=0 disables eviction (entries live
// forever in memory, matching spec.md's undecorated default).
func New(retention time.Duration, driver Driver, cache Cache, logger *logging.Logger) *Store {
	return &Store{
		entries:   make(map[string]entry),
		retention: retention,
		driver:    driver,
		cache:     cache,
		logger:    logger,
	}
}

// Put records result both in memory and (best-effort, asynchronously) in
// the configured Driver. A Driver failure is logged, never returned: the
// Dispatcher's hot path must never block on persistence (SPEC_FULL.md
// §4.6a).
func (s *Store) Put(ctx context.Context, result *model.TaskResult) {
	s.mu.Lock()
	e := entry{result: result}
	if s.retention > 0 {
		e.expiresAt = time.Now().Add(s.retention)
	}
	s.entries[result.TaskID] = e
	s.mu.Unlock()

	if s.driver != nil {
		go func() {
			dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.driver.Put(dctx, result); err != nil && s.logger != nil {
				s.logger.WithError(err).Warn("resultstore: driver write-behind failed", "task_id", result.TaskID)
			}
		}()
	}
}

// Get retrieves result by task_id: first the in-memory map, then the
// read-through cache, then the Driver directly (for a result whose memory
// entry and cache entry have both expired — the driver is the store of
// record for persisted results).
func (s *Store) Get(ctx context.Context, taskID string) (*model.TaskResult, bool) {
	s.mu.RLock()
	e, ok := s.entries[taskID]
	s.mu.RUnlock()
	if ok && !s.expired(e) {
		return e.result, true
	}
	if ok && s.expired(e) {
		s.mu.Lock()
		delete(s.entries, taskID)
		s.mu.Unlock()
	}

	if s.cache != nil {
		if result, found, err := s.cache.Get(ctx, taskID); err == nil && found {
			return result, true
		}
	}

	if s.driver != nil {
		if result, found, err := s.driver.Get(ctx, taskID); err == nil && found {
			if s.cache != nil {
				_ = s.cache.Set(ctx, result, s.retention)
			}
			return result, true
		}
	}

	return nil, false
}

func (s *Store) expired(e entry) bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

// EvictExpired removes every in-memory entry past its retention deadline.
// Callers run this on a ticker; results already mirrored to a Driver
// remain retrievable through Get's driver fallback.
func (s *Store) EvictExpired() int {
	if s.retention <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	evicted := 0
	for id, e := range s.entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(s.entries, id)
			evicted++
		}
	}
	return evicted
}

// Size returns the number of entries currently held in memory.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close releases the underlying Driver, if any.
func (s *Store) Close() error {
	if s.driver == nil {
		return nil
	}
	return s.driver.Close()
}
