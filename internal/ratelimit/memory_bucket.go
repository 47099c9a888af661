package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"packaging-coordinator/internal/clock"
)

type bucketState struct {
	limiter *rate.Limiter
	last    time.Time
}

// MemoryBucket is an in-process token bucket for single-instance
// deployments. Idle buckets are evicted after ttl once Start has been called.
type MemoryBucket struct {
	clock    clock.Clock
	capacity int
	refill   float64
	ttl      time.Duration

	mu      sync.Mutex
	buckets map[string]*bucketState

	stop chan struct{}
	done chan struct{}
}

var _ Limiter = (*MemoryBucket)(nil)

// NewMemoryBucket constructs an in-process bucket. A nil clock reads the system time.
func NewMemoryBucket(c clock.Clock, capacity int, refillPerSecond float64, ttl time.Duration) *MemoryBucket {
	if c == nil {
		c = clock.Real{}
	}
	return &MemoryBucket{
		clock:    c,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		buckets:  make(map[string]*bucketState),
	}
}

// Allow consumes a single token for key if available.
func (m *MemoryBucket) Allow(_ context.Context, key string) (bool, float64, error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[key]
	if !ok {
		b = &bucketState{limiter: rate.NewLimiter(rate.Limit(m.refill), m.capacity)}
		m.buckets[key] = b
	}
	b.last = now

	allowed := b.limiter.AllowN(now, 1)
	return allowed, b.limiter.TokensAt(now), nil
}

// Evict drops buckets idle for longer than ttl and returns how many it removed.
func (m *MemoryBucket) Evict() int {
	if m.ttl <= 0 {
		return 0
	}
	cutoff := m.clock.Now().Add(-m.ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, b := range m.buckets {
		if b.last.Before(cutoff) {
			delete(m.buckets, k)
			n++
		}
	}
	return n
}

// Len reports how many buckets are tracked.
func (m *MemoryBucket) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// Start launches the eviction loop. Calling Start twice is a no-op.
func (m *MemoryBucket) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil || m.ttl <= 0 {
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.evictLoop(m.stop, m.done)
}

// Stop ends the eviction loop and waits for it to exit.
func (m *MemoryBucket) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (m *MemoryBucket) evictLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := m.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.Evict()
		}
	}
}
