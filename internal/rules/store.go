package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edgegate/edgegate/config"
	"github.com/edgegate/edgegate/internal/kv"
	"github.com/edgegate/edgegate/internal/logging"
)

// Sentinel errors mapped to HTTP statuses by the control plane.
var (
	ErrInvalid   = errors.New("invalid rule")
	ErrNotFound  = errors.New("rule not found")
	ErrReadonly  = errors.New("rule is read-only")
	ErrNoStorage = errors.New("kv store not enabled")
)

// Persister is the storage contract for dynamic rules. *kv.Adapter
// satisfies it.
type Persister interface {
	SaveRule(ctx context.Context, id string, data []byte) error
	DeleteRule(ctx context.Context, id string) error
	LoadRules(ctx context.Context) ([]kv.RuleRecord, error)
}

// Store holds static rules (read-only, declared in configuration) and
// dynamic rules (mutable, persisted). Matching scans static rules in
// declared order, then dynamic rules in load order; first match wins.
//
// The hot path reads an immutable snapshot slice through an atomic pointer;
// mutations rebuild the snapshot under the store mutex.
type Store struct {
	mu       sync.Mutex
	static   []*CompiledRule
	dynamic  []*CompiledRule
	snapshot atomic.Pointer[[]*CompiledRule]
	persist  Persister
}

// NewStore compiles the static rules and prepares an empty dynamic set.
// Rules whose pattern fails to compile are dropped with a warning, never
// propagated. persist may be nil, which disables dynamic rule writes.
func NewStore(cfgs []config.RuleConfig, persist Persister) *Store {
	s := &Store{persist: persist}
	for i, cfg := range cfgs {
		r := FromConfig(cfg)
		r.ID = fmt.Sprintf("static-%d", i)
		compiled, err := Compile(r, true)
		if err != nil {
			logging.Warn("dropping static rule",
				zap.String("id", r.ID),
				zap.String("pattern", cfg.Pattern),
				zap.Error(err),
			)
			continue
		}
		s.static = append(s.static, compiled)
	}
	s.rebuildSnapshot()
	return s
}

// LoadDynamic replaces the dynamic set with the rules persisted in the KV,
// so it also serves reloads. Undecodable or uncompilable records are
// dropped with a warning.
func (s *Store) LoadDynamic(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	records, err := s.persist.LoadRules(ctx)
	if err != nil {
		return fmt.Errorf("loading dynamic rules: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.dynamic = nil
	for _, rec := range records {
		var r Rule
		if err := json.Unmarshal(rec.Data, &r); err != nil {
			logging.Warn("dropping undecodable dynamic rule", zap.String("id", rec.ID), zap.Error(err))
			continue
		}
		if r.ID == "" {
			r.ID = rec.ID
		}
		compiled, err := Compile(r, false)
		if err != nil {
			logging.Warn("dropping dynamic rule", zap.String("id", rec.ID), zap.Error(err))
			continue
		}
		s.dynamic = append(s.dynamic, compiled)
	}
	s.rebuildSnapshot()
	return nil
}

// rebuildSnapshot refreshes the lock-free read view. Caller holds s.mu
// (or is the constructor).
func (s *Store) rebuildSnapshot() {
	all := make([]*CompiledRule, 0, len(s.static)+len(s.dynamic))
	all = append(all, s.static...)
	all = append(all, s.dynamic...)
	s.snapshot.Store(&all)
}

// All returns static rules followed by dynamic rules. The returned slice is
// shared and must not be modified.
func (s *Store) All() []*CompiledRule {
	return *s.snapshot.Load()
}

// Match returns the first rule matching path and its capture groups.
func (s *Store) Match(path string) (*CompiledRule, []string) {
	for _, r := range s.All() {
		if groups, ok := r.Match(path); ok {
			return r, groups
		}
	}
	return nil, nil
}

// Get returns the rule with the given id, or nil.
func (s *Store) Get(id string) *CompiledRule {
	for _, r := range s.All() {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// Create validates, persists and appends a new dynamic rule. The KV write
// happens before the in-memory append, so an interrupted write never leaves
// a rule visible in memory but absent from storage.
func (s *Store) Create(ctx context.Context, r Rule) (*CompiledRule, error) {
	if s.persist == nil {
		return nil, ErrNoStorage
	}

	r.ID = uuid.NewString()
	compiled, err := Compile(r, false)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(compiled.Rule)
	if err != nil {
		return nil, err
	}
	if err := s.persist.SaveRule(ctx, r.ID, data); err != nil {
		return nil, fmt.Errorf("persisting rule: %w", err)
	}

	s.mu.Lock()
	s.dynamic = append(s.dynamic, compiled)
	s.rebuildSnapshot()
	s.mu.Unlock()
	return compiled, nil
}

// Patch is a partial rule update. Nil fields keep the stored value.
type Patch struct {
	Name          *string           `json:"name"`
	Pattern       *string           `json:"pattern"`
	Target        *string           `json:"target"`
	Rewrite       *string           `json:"rewrite"`
	ChangeOrigin  *bool             `json:"changeOrigin"`
	Secure        *bool             `json:"secure"`
	WS            *bool             `json:"ws"`
	Headers       map[string]string `json:"headers"`
	Base          *string           `json:"base"`
	RelativePaths *bool             `json:"relativePaths"`
	Fragment      *Fragment         `json:"fragment"`
}

func (p Patch) apply(r Rule) Rule {
	if p.Name != nil {
		r.Name = *p.Name
	}
	if p.Pattern != nil {
		r.Pattern = *p.Pattern
	}
	if p.Target != nil {
		r.Target = *p.Target
	}
	if p.Rewrite != nil {
		r.Rewrite = *p.Rewrite
	}
	if p.ChangeOrigin != nil {
		r.ChangeOrigin = *p.ChangeOrigin
	}
	if p.Secure != nil {
		r.Secure = *p.Secure
	}
	if p.WS != nil {
		r.WS = p.WS
	}
	if p.Headers != nil {
		r.Headers = p.Headers
	}
	if p.Base != nil {
		r.Base = *p.Base
	}
	if p.RelativePaths != nil {
		r.RelativePaths = *p.RelativePaths
	}
	if p.Fragment != nil {
		r.Fragment = p.Fragment
	}
	return r
}

// Update merges a partial update over the stored rule, re-validates,
// persists, and replaces the in-memory entry at its original position.
// Static rules are rejected.
func (s *Store) Update(ctx context.Context, id string, patch Patch) (*CompiledRule, error) {
	if s.persist == nil {
		return nil, ErrNoStorage
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.static {
		if r.ID == id {
			return nil, ErrReadonly
		}
	}

	idx := -1
	for i, r := range s.dynamic {
		if r.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, ErrNotFound
	}

	merged := patch.apply(s.dynamic[idx].Rule)
	merged.ID = id
	compiled, err := Compile(merged, false)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(compiled.Rule)
	if err != nil {
		return nil, err
	}
	if err := s.persist.SaveRule(ctx, id, data); err != nil {
		return nil, fmt.Errorf("persisting rule: %w", err)
	}

	s.dynamic[idx] = compiled
	s.rebuildSnapshot()
	return compiled, nil
}

// Delete removes a dynamic rule from storage and memory. Static rules are
// rejected.
func (s *Store) Delete(ctx context.Context, id string) error {
	if s.persist == nil {
		return ErrNoStorage
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.static {
		if r.ID == id {
			return ErrReadonly
		}
	}

	idx := -1
	for i, r := range s.dynamic {
		if r.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNotFound
	}

	if err := s.persist.DeleteRule(ctx, id); err != nil {
		return fmt.Errorf("deleting rule: %w", err)
	}

	s.dynamic = append(s.dynamic[:idx], s.dynamic[idx+1:]...)
	s.rebuildSnapshot()
	return nil
}

// Fragments returns all rules carrying fragment metadata.
func (s *Store) Fragments() []*CompiledRule {
	var out []*CompiledRule
	for _, r := range s.All() {
		if r.Fragment != nil {
			out = append(out, r)
		}
	}
	return out
}
