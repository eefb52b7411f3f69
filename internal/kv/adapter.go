package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Storage keys. "proxy" vs "gateway" prefixes follow the persisted layout
// that dynamic rules and operator tooling already depend on.
var (
	keyMetricsHistory = Key{"gateway", "metrics", "history"}
	keyShellExcludes  = Key{"gateway", "shell", "excludes"}
	rulePrefix        = Key{"proxy", "rules"}
)

// Snapshot is a point-in-time sample of the limiter aggregates.
type Snapshot struct {
	Timestamp       time.Time `json:"timestamp"`
	TotalRequests   int64     `json:"totalRequests"`
	AllowedRequests int64     `json:"allowedRequests"`
	BlockedRequests int64     `json:"blockedRequests"`
	ActiveBuckets   int       `json:"activeBuckets"`
}

// ShellExclude is a persisted or configured bypass basename with its source.
type ShellExclude struct {
	Basename string `json:"basename"`
	Source   string `json:"source"` // "env" or "keyval"
}

// RuleRecord is a serialized dynamic rule as stored in the KV.
type RuleRecord struct {
	ID   string
	Data []byte
}

// Adapter provides typed access to the gateway's persisted state. A nil or
// store-less adapter disables persistence: reads return empty results and
// writes are no-ops, so in-memory functionality keeps working without a KV.
type Adapter struct {
	store Store
}

// NewAdapter wraps a Store. store may be nil.
func NewAdapter(store Store) *Adapter {
	return &Adapter{store: store}
}

// Enabled reports whether a backing store is configured.
func (a *Adapter) Enabled() bool {
	return a != nil && a.store != nil
}

// AppendSnapshot appends a snapshot to the metrics history, trimming the
// list from the front so it never exceeds max entries.
func (a *Adapter) AppendSnapshot(ctx context.Context, snap Snapshot, max int) error {
	if !a.Enabled() {
		return nil
	}

	history, err := a.loadHistory(ctx)
	if err != nil {
		return err
	}

	history = append(history, snap)
	if len(history) > max {
		history = history[len(history)-max:]
	}

	data, err := json.Marshal(history)
	if err != nil {
		return err
	}
	return a.store.Set(ctx, keyMetricsHistory, data)
}

// MetricsHistory returns up to limit most recent snapshots, newest first.
// limit <= 0 returns the full history.
func (a *Adapter) MetricsHistory(ctx context.Context, limit int) ([]Snapshot, error) {
	if !a.Enabled() {
		return []Snapshot{}, nil
	}

	history, err := a.loadHistory(ctx)
	if err != nil {
		return nil, err
	}

	// Reverse to newest-first
	out := make([]Snapshot, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		out = append(out, history[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ClearMetricsHistory removes the persisted history.
func (a *Adapter) ClearMetricsHistory(ctx context.Context) error {
	if !a.Enabled() {
		return nil
	}
	_, err := a.store.Delete(ctx, keyMetricsHistory)
	return err
}

func (a *Adapter) loadHistory(ctx context.Context) ([]Snapshot, error) {
	data, ok, err := a.store.Get(ctx, keyMetricsHistory)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var history []Snapshot
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("corrupt metrics history: %w", err)
	}
	return history, nil
}

// ShellExcludes returns the persisted exclude basenames in insertion order.
func (a *Adapter) ShellExcludes(ctx context.Context) ([]string, error) {
	if !a.Enabled() {
		return []string{}, nil
	}

	data, ok, err := a.store.Get(ctx, keyShellExcludes)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []string{}, nil
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return nil, fmt.Errorf("corrupt shell excludes: %w", err)
	}
	return names, nil
}

// AddShellExclude appends a basename if not already present. Returns true
// iff the persisted set changed.
func (a *Adapter) AddShellExclude(ctx context.Context, name string) (bool, error) {
	if !a.Enabled() {
		return false, nil
	}

	names, err := a.ShellExcludes(ctx)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return false, nil
		}
	}

	names = append(names, name)
	data, err := json.Marshal(names)
	if err != nil {
		return false, err
	}
	if err := a.store.Set(ctx, keyShellExcludes, data); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveShellExclude removes a basename. Returns true iff the persisted set
// changed.
func (a *Adapter) RemoveShellExclude(ctx context.Context, name string) (bool, error) {
	if !a.Enabled() {
		return false, nil
	}

	names, err := a.ShellExcludes(ctx)
	if err != nil {
		return false, err
	}

	kept := names[:0]
	for _, n := range names {
		if n != name {
			kept = append(kept, n)
		}
	}
	if len(kept) == len(names) {
		return false, nil
	}

	data, err := json.Marshal(kept)
	if err != nil {
		return false, err
	}
	if err := a.store.Set(ctx, keyShellExcludes, data); err != nil {
		return false, err
	}
	return true, nil
}

// AllShellExcludes merges env-configured excludes with the persisted set.
// Env entries come first; persisted duplicates of env entries are suppressed.
func (a *Adapter) AllShellExcludes(ctx context.Context, env []string) ([]ShellExclude, error) {
	out := make([]ShellExclude, 0, len(env))
	seen := make(map[string]bool, len(env))
	for _, n := range env {
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, ShellExclude{Basename: n, Source: "env"})
	}

	persisted, err := a.ShellExcludes(ctx)
	if err != nil {
		return nil, err
	}
	for _, n := range persisted {
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, ShellExclude{Basename: n, Source: "keyval"})
	}
	return out, nil
}

// SaveRule persists a serialized dynamic rule.
func (a *Adapter) SaveRule(ctx context.Context, id string, data []byte) error {
	if !a.Enabled() {
		return fmt.Errorf("kv store not configured")
	}
	return a.store.Set(ctx, append(rulePrefix, id), data)
}

// DeleteRule removes a persisted dynamic rule.
func (a *Adapter) DeleteRule(ctx context.Context, id string) error {
	if !a.Enabled() {
		return fmt.Errorf("kv store not configured")
	}
	_, err := a.store.Delete(ctx, append(rulePrefix, id))
	return err
}

// LoadRules returns all persisted dynamic rules in key order.
func (a *Adapter) LoadRules(ctx context.Context) ([]RuleRecord, error) {
	if !a.Enabled() {
		return nil, nil
	}

	entries, err := a.store.List(ctx, rulePrefix)
	if err != nil {
		return nil, err
	}
	records := make([]RuleRecord, 0, len(entries))
	for _, e := range entries {
		records = append(records, RuleRecord{
			ID:   e.Key[len(e.Key)-1],
			Data: e.Value,
		})
	}
	return records, nil
}
