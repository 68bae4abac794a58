package pool

import (
	"context"
	"path"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded Store for unit tests and single-node
// development. It mirrors the redis semantics the pool relies on: per-key
// expiry, hash field increments that return the new value, and lazy eviction
// of expired keys on access.
type MemoryStore struct {
	mu      sync.Mutex
	hashes  map[string]map[string]string
	strings map[string]string
	expires map[string]time.Time

	// now is swappable so tests can drive TTL behavior deterministically.
	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hashes:  make(map[string]map[string]string),
		strings: make(map[string]string),
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

// SetClock replaces the store's time source. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// evictLocked drops the key when its expiry has passed.
func (s *MemoryStore) evictLocked(key string) {
	at, ok := s.expires[key]
	if !ok || s.now().Before(at) {
		return
	}
	delete(s.hashes, key)
	delete(s.strings, key)
	delete(s.expires, key)
}

func (s *MemoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(key)

	out := make(map[string]string, len(s.hashes[key]))
	for f, v := range s.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (s *MemoryStore) HSet(_ context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(key)

	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	for f, v := range fields {
		h[f] = v
	}
	return nil
}

func (s *MemoryStore) HIncrBy(_ context.Context, key, field string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(key)

	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	cur, _ := strconv.ParseInt(h[field], 10, 64)
	cur += delta
	h[field] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(key)

	v, ok := s.strings[key]
	return v, ok, nil
}

func (s *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(key)

	cur, _ := strconv.ParseInt(s.strings[key], 10, 64)
	cur++
	s.strings[key] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expires[key] = s.now().Add(ttl)
	return nil
}

func (s *MemoryStore) ExpireAt(_ context.Context, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expires[key] = at
	return nil
}

func (s *MemoryStore) Del(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for _, key := range keys {
		s.evictLocked(key)
		if _, ok := s.hashes[key]; ok {
			delete(s.hashes, key)
			deleted++
		}
		if _, ok := s.strings[key]; ok {
			delete(s.strings, key)
			deleted++
		}
		delete(s.expires, key)
	}
	return deleted, nil
}

func (s *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for key := range s.hashes {
		s.evictLocked(key)
		if _, still := s.hashes[key]; !still {
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			out = append(out, key)
		}
	}
	for key := range s.strings {
		s.evictLocked(key)
		if _, still := s.strings[key]; !still {
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			out = append(out, key)
		}
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
