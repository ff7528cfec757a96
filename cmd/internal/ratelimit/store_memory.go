package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryStore keeps counters in process. Counters are atomic; the mutex only
// guards creating a bucket. Suitable for a single replica or tests.
type MemoryStore struct {
	mu       sync.Mutex
	counters *ttlcache.Cache[string, *atomic.Int64]
	blocks   *ttlcache.Cache[string, time.Time]
}

// NewMemoryStore starts the eviction loops. Call Close to stop them.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		counters: ttlcache.New(
			ttlcache.WithDisableTouchOnHit[string, *atomic.Int64](),
		),
		blocks: ttlcache.New(
			ttlcache.WithDisableTouchOnHit[string, time.Time](),
		),
	}
	go s.counters.Start()
	go s.blocks.Start()
	return s
}

// Close stops the eviction loops.
func (s *MemoryStore) Close() {
	s.counters.Stop()
	s.blocks.Stop()
}

func bucketKey(key string, bucket int64) string {
	return key + ":" + strconv.FormatInt(bucket, 10)
}

func (s *MemoryStore) counter(key string, ttl time.Duration) *atomic.Int64 {
	if it := s.counters.Get(key); it != nil {
		return it.Value()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if it := s.counters.Get(key); it != nil {
		return it.Value()
	}
	v := new(atomic.Int64)
	s.counters.Set(key, v, ttl)
	return v
}

func (s *MemoryStore) load(key string) int64 {
	if it := s.counters.Get(key); it != nil {
		return it.Value().Load()
	}
	return 0
}

// Incr implements Store.
func (s *MemoryStore) Incr(_ context.Context, key string, bucket int64, window time.Duration) (Counts, error) {
	cur := s.counter(bucketKey(key, bucket), 2*window).Add(1)
	return Counts{Current: cur, Previous: s.load(bucketKey(key, bucket-1))}, nil
}

// Peek implements Store.
func (s *MemoryStore) Peek(_ context.Context, key string, bucket int64) (Counts, error) {
	return Counts{
		Current:  s.load(bucketKey(key, bucket)),
		Previous: s.load(bucketKey(key, bucket-1)),
	}, nil
}

// AddViolation implements Store.
func (s *MemoryStore) AddViolation(_ context.Context, key string, window time.Duration) (int64, error) {
	return s.counter(key+":viol", window).Add(1), nil
}

// Block implements Store.
func (s *MemoryStore) Block(_ context.Context, key string, until time.Time, ttl time.Duration) error {
	s.blocks.Set(key, until, ttl)
	return nil
}

// BlockedUntil implements Store.
func (s *MemoryStore) BlockedUntil(_ context.Context, key string) (time.Time, error) {
	if it := s.blocks.Get(key); it != nil {
		return it.Value(), nil
	}
	return time.Time{}, nil
}
