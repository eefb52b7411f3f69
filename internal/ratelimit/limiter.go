// Package ratelimit implements per-key token-bucket admission with lazy
// refill, sharded bucket storage and idle eviction.
package ratelimit

import (
	"hash/fnv"
	"math"
	"net/http"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/edgegate/edgegate/internal/logging"
)

const shardCount = 64

// Config holds limiter parameters.
type Config struct {
	// Requests is the bucket capacity per window.
	Requests int
	// Window is the refill period; refill rate is Requests/Window.
	Window time.Duration
	// KeyBy selects key derivation: "ip", "user" or "function".
	KeyBy string
	// KeyFunc derives the key when KeyBy is "function".
	KeyFunc func(r *http.Request) string
	// ExcludePaths are regex patterns whose matches bypass admission.
	ExcludePaths []string
}

// Result is one admission decision.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter int // seconds until a token is available; 0 when allowed
}

// Metrics is a snapshot of the process-wide counters.
type Metrics struct {
	TotalRequests   int64 `json:"totalRequests"`
	AllowedRequests int64 `json:"allowedRequests"`
	BlockedRequests int64 `json:"blockedRequests"`
	ActiveBuckets   int   `json:"activeBuckets"`
}

// BucketInfo is a read-only view of one bucket.
type BucketInfo struct {
	Key          string    `json:"key"`
	Tokens       float64   `json:"tokens"`
	LastActivity time.Time `json:"lastActivity"`
}

type bucket struct {
	mu           sync.Mutex
	tokens       float64
	lastRefill   time.Time
	lastActivity time.Time
}

type shard struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
}

// Limiter admits requests against per-key token buckets. Buckets live in a
// fixed set of shards hashed by key, so unrelated keys never contend.
type Limiter struct {
	capacity   float64
	refillRate float64 // tokens per second
	window     time.Duration
	keyBy      string
	keyFunc    func(r *http.Request) string
	excludes   []*regexp.Regexp

	shards [shardCount]*shard

	total   atomic.Int64
	allowed atomic.Int64
	blocked atomic.Int64

	cleanupMu   sync.Mutex
	cleanupStop chan struct{}
}

// New creates a limiter. Invalid exclude patterns are dropped with a
// warning.
func New(cfg Config) *Limiter {
	l := &Limiter{
		capacity:   float64(cfg.Requests),
		refillRate: float64(cfg.Requests) / cfg.Window.Seconds(),
		window:     cfg.Window,
		keyBy:      cfg.KeyBy,
		keyFunc:    cfg.KeyFunc,
	}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	for _, pattern := range cfg.ExcludePaths {
		re, err := regexp.Compile(pattern)
		if err != nil {
			logging.Warn("dropping invalid rate-limit exclude", zap.String("pattern", pattern), zap.Error(err))
			continue
		}
		l.excludes = append(l.excludes, re)
	}
	return l
}

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return l.shards[h.Sum32()%shardCount]
}

func (l *Limiter) getOrCreate(key string) *bucket {
	s := l.shardFor(key)

	s.mu.RLock()
	b, ok := s.buckets[key]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.buckets[key]; ok {
		return b
	}
	now := time.Now()
	b = &bucket{tokens: l.capacity, lastRefill: now, lastActivity: now}
	s.buckets[key] = b
	return b
}

// refillLocked brings the bucket up to date. Caller holds b.mu.
func (l *Limiter) refillLocked(b *bucket, now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	b.tokens = math.Min(l.capacity, b.tokens+elapsed*l.refillRate)
	b.lastRefill = now
}

// Allow consumes one token from key's bucket if available.
func (l *Limiter) Allow(key string) Result {
	b := l.getOrCreate(key)
	now := time.Now()

	b.mu.Lock()
	l.refillLocked(b, now)
	b.lastActivity = now

	var res Result
	if b.tokens >= 1 {
		b.tokens--
		res = Result{Allowed: true, Remaining: int(b.tokens)}
	} else {
		res = Result{
			Allowed:    false,
			Remaining:  int(b.tokens),
			RetryAfter: int(math.Ceil((1 - b.tokens) / l.refillRate)),
		}
	}
	b.mu.Unlock()

	l.total.Add(1)
	if res.Allowed {
		l.allowed.Add(1)
	} else {
		l.blocked.Add(1)
	}
	return res
}

// Excluded reports whether path bypasses admission entirely.
func (l *Limiter) Excluded(path string) bool {
	for _, re := range l.excludes {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// Metrics returns the aggregate counters. Counters are monotone for the
// process lifetime; eviction does not rewind them.
func (l *Limiter) Metrics() Metrics {
	return Metrics{
		TotalRequests:   l.total.Load(),
		AllowedRequests: l.allowed.Load(),
		BlockedRequests: l.blocked.Load(),
		ActiveBuckets:   l.bucketCount(),
	}
}

func (l *Limiter) bucketCount() int {
	n := 0
	for _, s := range l.shards {
		s.mu.RLock()
		n += len(s.buckets)
		s.mu.RUnlock()
	}
	return n
}

// ActiveBuckets returns a snapshot of all buckets ordered by last activity,
// most recent first.
func (l *Limiter) ActiveBuckets() []BucketInfo {
	var out []BucketInfo
	for _, s := range l.shards {
		s.mu.RLock()
		for key, b := range s.buckets {
			b.mu.Lock()
			out = append(out, BucketInfo{Key: key, Tokens: b.tokens, LastActivity: b.lastActivity})
			b.mu.Unlock()
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

// ClearBucket removes key's bucket, reporting whether it existed.
func (l *Limiter) ClearBucket(key string) bool {
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[key]; !ok {
		return false
	}
	delete(s.buckets, key)
	return true
}

// ClearAll removes every bucket, returning the number removed.
func (l *Limiter) ClearAll() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += len(s.buckets)
		s.buckets = make(map[string]*bucket)
		s.mu.Unlock()
	}
	return n
}

// ResetMetrics zeroes the aggregate counters. Test hook only.
func (l *Limiter) ResetMetrics() {
	l.total.Store(0)
	l.allowed.Store(0)
	l.blocked.Store(0)
}

// StartCleanup runs a periodic sweep evicting buckets that refilled back to
// capacity, meaning a full window elapsed without pressure.
func (l *Limiter) StartCleanup(interval time.Duration) {
	l.cleanupMu.Lock()
	defer l.cleanupMu.Unlock()
	if l.cleanupStop != nil {
		return
	}
	stop := make(chan struct{})
	l.cleanupStop = stop

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				l.sweep(time.Now())
			}
		}
	}()
}

// StopCleanup disarms the eviction sweep.
func (l *Limiter) StopCleanup() {
	l.cleanupMu.Lock()
	defer l.cleanupMu.Unlock()
	if l.cleanupStop != nil {
		close(l.cleanupStop)
		l.cleanupStop = nil
	}
}

func (l *Limiter) sweep(now time.Time) {
	evicted := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for key, b := range s.buckets {
			b.mu.Lock()
			l.refillLocked(b, now)
			full := b.tokens >= l.capacity
			b.mu.Unlock()
			if full {
				delete(s.buckets, key)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	if evicted > 0 {
		logging.Debug("evicted idle rate-limit buckets", zap.Int("count", evicted))
	}
}
