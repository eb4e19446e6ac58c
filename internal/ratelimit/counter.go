package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// Counter counts hits per key within fixed windows.
type Counter interface {
	// Increment records one hit for key at now and returns the hit count in
	// the current window and when that window ends. A window that has ended
	// is replaced by a fresh one starting at now.
	Increment(ctx context.Context, key string, period time.Duration, now time.Time) (count int64, resetAt time.Time, err error)

	// Peek returns the hit count of key's current window and when it ends
	// without recording a hit. A missing or ended window reports zero.
	Peek(ctx context.Context, key string, now time.Time) (count int64, resetAt time.Time, err error)
}

const shardCount = 64

type window struct {
	start time.Time
	end   time.Time
	count int64
}

type shard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// MemoryCounter is an in-process Counter. Keys are spread over mutex-guarded
// shards so unrelated keys rarely contend. State is lost on restart.
type MemoryCounter struct {
	shards [shardCount]shard
}

// NewMemoryCounter creates an empty MemoryCounter.
func NewMemoryCounter() *MemoryCounter {
	c := &MemoryCounter{}
	for i := range c.shards {
		c.shards[i].windows = make(map[string]*window)
	}
	return c
}

func (c *MemoryCounter) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &c.shards[h.Sum32()%shardCount]
}

// Increment implements Counter.
func (c *MemoryCounter) Increment(_ context.Context, key string, period time.Duration, now time.Time) (int64, time.Time, error) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.windows[key]
	if w == nil || !now.Before(w.end) {
		w = &window{start: now, end: now.Add(period)}
		s.windows[key] = w
	}
	w.count++
	return w.count, w.end, nil
}

// Peek implements Counter.
func (c *MemoryCounter) Peek(_ context.Context, key string, now time.Time) (int64, time.Time, error) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.windows[key]
	if w == nil || !now.Before(w.end) {
		return 0, time.Time{}, nil
	}
	return w.count, w.end, nil
}

// Sweep drops windows that ended at or before now and returns how many were
// removed.
func (c *MemoryCounter) Sweep(now time.Time) int {
	removed := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for k, w := range s.windows {
			if !now.Before(w.end) {
				delete(s.windows, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of live windows.
func (c *MemoryCounter) Len() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		n += len(s.windows)
		s.mu.Unlock()
	}
	return n
}

// RunJanitor sweeps expired windows every interval until ctx is done.
func (c *MemoryCounter) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.Sweep(now)
		}
	}
}
