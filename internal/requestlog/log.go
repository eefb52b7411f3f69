// Package requestlog keeps a fixed-capacity in-memory ring of classified
// requests for the control plane.
package requestlog

import (
	"fmt"
	"math/rand"
	"regexp"
	"sync"
	"time"
)

// DefaultCapacity bounds the ring when none is given.
const DefaultCapacity = 100

// Entry is one classified request. Entries are immutable once inserted.
type Entry struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	IP          string    `json:"ip"`
	Method      string    `json:"method"`
	Path        string    `json:"path"`
	Status      int       `json:"status"`
	Duration    int64     `json:"duration"` // milliseconds
	RateLimited bool      `json:"rateLimited"`
}

// Filter selects entries from the ring. Zero values match everything.
type Filter struct {
	IP          string
	PathPattern string
	Status      int
	StatusRange int // 4 selects 400..499
	RateLimited *bool
	Limit       int
}

// Stats summarises the ring contents.
type Stats struct {
	Total       int            `json:"total"`
	RateLimited int            `json:"rateLimited"`
	ByStatus    map[string]int `json:"byStatus"`
	AvgDuration float64        `json:"avgDuration"`
}

// Log is a bounded ring of entries. Oldest entries are dropped on overflow.
type Log struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
}

// New creates a log holding at most capacity entries.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{capacity: capacity}
}

// Add assigns an id and timestamp and inserts the entry, trimming the
// oldest on overflow.
func (l *Log) Add(e Entry) Entry {
	now := time.Now()
	e.ID = fmt.Sprintf("%d-%d", now.UnixMilli(), rand.Intn(1_000_000))
	e.Timestamp = now

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	if len(l.entries) > l.capacity {
		l.entries = l.entries[len(l.entries)-l.capacity:]
	}
	return e
}

// Recent returns the last n entries, newest first.
func (l *Log) Recent(n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]Entry, 0, n)
	for i := len(l.entries) - 1; i >= len(l.entries)-n; i-- {
		out = append(out, l.entries[i])
	}
	return out
}

// Query returns entries matching the filter, newest first. An invalid
// path pattern matches nothing.
func (l *Log) Query(f Filter) []Entry {
	var pathRe *regexp.Regexp
	if f.PathPattern != "" {
		var err error
		pathRe, err = regexp.Compile(f.PathPattern)
		if err != nil {
			return []Entry{}
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, 0)
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if f.IP != "" && e.IP != f.IP {
			continue
		}
		if pathRe != nil && !pathRe.MatchString(e.Path) {
			continue
		}
		if f.Status != 0 && e.Status != f.Status {
			continue
		}
		if f.StatusRange != 0 && (e.Status < f.StatusRange*100 || e.Status > f.StatusRange*100+99) {
			continue
		}
		if f.RateLimited != nil && e.RateLimited != *f.RateLimited {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

// Stats computes aggregate statistics over the current ring contents.
func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := Stats{ByStatus: make(map[string]int)}
	var totalDuration int64
	for _, e := range l.entries {
		stats.Total++
		if e.RateLimited {
			stats.RateLimited++
		}
		stats.ByStatus[fmt.Sprintf("%dxx", e.Status/100)]++
		totalDuration += e.Duration
	}
	if stats.Total > 0 {
		stats.AvgDuration = float64(totalDuration) / float64(stats.Total)
	}
	return stats
}

// Clear empties the ring.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}
