// Package snapshot samples the limiter aggregates on a timer and persists
// them as a bounded history in the KV store.
package snapshot

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/edgegate/edgegate/internal/kv"
	"github.com/edgegate/edgegate/internal/logging"
	"github.com/edgegate/edgegate/internal/ratelimit"
)

// DefaultInterval is the sampling period.
const DefaultInterval = time.Second

// MaxHistory caps the persisted snapshot list; older entries are dropped
// from the front.
const MaxHistory = 3600

// Snapshotter periodically records limiter metrics into the KV history.
type Snapshotter struct {
	limiter  *ratelimit.Limiter
	adapter  *kv.Adapter
	interval time.Duration

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// New creates a snapshotter. interval <= 0 selects the default.
func New(limiter *ratelimit.Limiter, adapter *kv.Adapter, interval time.Duration) *Snapshotter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Snapshotter{limiter: limiter, adapter: adapter, interval: interval}
}

// Start arms the sampling ticker. Persistence failures are logged, never
// fatal; the ticker keeps running until Stop.
func (s *Snapshotter) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil || s.limiter == nil || !s.adapter.Enabled() {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go func(stop, done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.sample()
			}
		}
	}(s.stop, s.done)
}

// Stop disarms the ticker and waits for the loop to exit.
func (s *Snapshotter) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil {
		return
	}
	close(s.stop)
	<-s.done
	s.stop = nil
	s.done = nil
}

func (s *Snapshotter) sample() {
	m := s.limiter.Metrics()
	snap := kv.Snapshot{
		Timestamp:       time.Now(),
		TotalRequests:   m.TotalRequests,
		AllowedRequests: m.AllowedRequests,
		BlockedRequests: m.BlockedRequests,
		ActiveBuckets:   m.ActiveBuckets,
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()
	if err := s.adapter.AppendSnapshot(ctx, snap, MaxHistory); err != nil {
		logging.Warn("persisting metrics snapshot", zap.Error(err))
	}
}
