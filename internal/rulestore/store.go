// Package rulestore serves the active rules and scoring configuration of a
// tenant/module. Documents are cached per key with a TTL, refreshed through
// a single in-flight fetch, and the last good snapshot is served when the
// source fails.
package rulestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

const (
	// DefaultTTL is how long a snapshot is served before refetching.
	DefaultTTL = 5 * time.Minute

	defaultFetchTimeout = 10 * time.Second
)

// Snapshot is an immutable view of one rule document.
type Snapshot struct {
	TenantID  string
	Module    string
	Rules     []domain.FraudRule
	Config    domain.RiskScoreConfig
	FetchedAt time.Time
}

// Active returns the rules that are enabled for the snapshot's module, in
// document order.
func (s *Snapshot) Active() []domain.FraudRule {
	out := make([]domain.FraudRule, 0, len(s.Rules))
	for i := range s.Rules {
		if s.Rules[i].AppliesTo(s.Module) {
			out = append(out, s.Rules[i])
		}
	}
	return out
}

// Filter narrows ListRules. Zero fields match everything.
type Filter struct {
	RuleType domain.RuleType
	Category string
	Severity domain.Severity
	Enabled  *bool
}

func (f Filter) match(r *domain.FraudRule, module string) bool {
	if len(r.ApplicableModules) > 0 && !slices.Contains(r.ApplicableModules, module) {
		return false
	}
	if f.RuleType != "" && r.RuleType != f.RuleType {
		return false
	}
	if f.Category != "" && r.Category != f.Category {
		return false
	}
	if f.Severity != "" && r.Severity != f.Severity {
		return false
	}
	if f.Enabled != nil && r.Enabled != *f.Enabled {
		return false
	}
	return true
}

// invalidator is implemented by sources that keep their own cache.
type invalidator interface {
	Invalidate(ctx context.Context, tenantID, module string) error
	InvalidateTenant(ctx context.Context, tenantID string) error
}

// Store caches rule snapshots per tenant/module.
type Store struct {
	source       domain.RuleSource
	ttl          time.Duration
	fetchTimeout time.Duration
	now          func() time.Time

	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]*Snapshot
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for TTL checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithFetchTimeout bounds each fetch from the source.
func WithFetchTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.fetchTimeout = d
	}
}

// New creates a store over source. A non-positive ttl uses DefaultTTL.
func New(source domain.RuleSource, ttl time.Duration, opts ...Option) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{
		source:       source,
		ttl:          ttl,
		fetchTimeout: defaultFetchTimeout,
		now:          time.Now,
		entries:      make(map[string]*Snapshot),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func storeKey(tenantID, module string) string {
	return tenantID + "|" + module
}

// RulesFor returns the active rules and scoring configuration.
func (s *Store) RulesFor(ctx context.Context, tenantID, module string) ([]domain.FraudRule, domain.RiskScoreConfig, error) {
	snap, err := s.Snapshot(ctx, tenantID, module)
	if err != nil {
		return nil, domain.RiskScoreConfig{}, err
	}
	return snap.Active(), snap.Config, nil
}

// ListRules returns the document's rules matching f, including disabled ones
// unless f says otherwise.
func (s *Store) ListRules(ctx context.Context, tenantID, module string, f Filter) ([]domain.FraudRule, error) {
	snap, err := s.Snapshot(ctx, tenantID, module)
	if err != nil {
		return nil, err
	}
	out := []domain.FraudRule{}
	for i := range snap.Rules {
		if f.match(&snap.Rules[i], module) {
			out = append(out, snap.Rules[i])
		}
	}
	return out, nil
}

// Snapshot returns the cached snapshot, refetching it when older than the
// TTL. Only one fetch per key runs at a time; other callers wait for it.
// When the fetch fails the previous snapshot is served; without one, the
// error is a *domain.ConfigurationError.
func (s *Store) Snapshot(ctx context.Context, tenantID, module string) (*Snapshot, error) {
	key := storeKey(tenantID, module)

	s.mu.RLock()
	cached := s.entries[key]
	s.mu.RUnlock()

	if cached != nil && s.now().Sub(cached.FetchedAt) < s.ttl {
		return cached, nil
	}

	ch := s.group.DoChan(key, func() (any, error) {
		return s.refresh(ctx, tenantID, module)
	})

	select {
	case <-ctx.Done():
		if cached != nil {
			return cached, nil
		}
		return nil, &domain.ConfigurationError{TenantID: tenantID, Module: module, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	}
}

// refresh runs inside the single-flight group. It is detached from the
// caller's cancellation so that waiting callers are not failed by the one
// that started the fetch.
func (s *Store) refresh(ctx context.Context, tenantID, module string) (*Snapshot, error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
	defer cancel()

	start := time.Now()
	doc, err := s.source.Fetch(fctx, tenantID, module)
	if errors.Is(err, domain.ErrNotFound) {
		doc, err = &domain.RuleDocument{}, nil
	}

	key := storeKey(tenantID, module)
	if err != nil {
		s.mu.RLock()
		stale := s.entries[key]
		s.mu.RUnlock()

		if stale != nil {
			metrics.RecordRuleStoreFetch("stale")
			slog.Warn("rule fetch failed, serving last known good snapshot",
				"tenant_id", tenantID,
				"module", module,
				"age_ms", s.now().Sub(stale.FetchedAt).Milliseconds(),
				"error", err,
			)
			return stale, nil
		}

		metrics.RecordRuleStoreFetch("error")
		slog.Error("rule fetch failed",
			"tenant_id", tenantID,
			"module", module,
			"error", err,
		)
		return nil, &domain.ConfigurationError{
			TenantID: tenantID,
			Module:   module,
			Err:      fmt.Errorf("%w: %v", domain.ErrRuleStoreUnavailable, err),
		}
	}

	cfg := doc.ScoreConfig()
	if verr := cfg.Validate(); verr != nil {
		slog.Warn("invalid risk score config, using defaults",
			"tenant_id", tenantID,
			"module", module,
			"error", verr,
		)
		cfg = domain.DefaultRiskScoreConfig()
	}

	snap := &Snapshot{
		TenantID:  tenantID,
		Module:    module,
		Rules:     slices.Clone(doc.FraudRules),
		Config:    cfg,
		FetchedAt: s.now(),
	}

	s.mu.Lock()
	s.entries[key] = snap
	s.mu.Unlock()

	metrics.RecordRuleStoreFetch("ok")
	slog.Debug("rules loaded",
		"tenant_id", tenantID,
		"module", module,
		"rules", len(snap.Rules),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return snap, nil
}

// Invalidate drops the snapshot so the next call refetches it. The
// previous snapshot is not kept as a fallback.
func (s *Store) Invalidate(ctx context.Context, tenantID, module string) error {
	key := storeKey(tenantID, module)

	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	s.group.Forget(key)

	if inv, ok := s.source.(invalidator); ok {
		if err := inv.Invalidate(ctx, tenantID, module); err != nil {
			return fmt.Errorf("failed to invalidate rule source: %w", err)
		}
	}
	return nil
}

// InvalidateTenant drops every snapshot of the tenant and returns the
// modules that were cached, sorted.
func (s *Store) InvalidateTenant(ctx context.Context, tenantID string) ([]string, error) {
	var modules []string

	s.mu.Lock()
	for key, snap := range s.entries {
		if snap.TenantID == tenantID {
			delete(s.entries, key)
			s.group.Forget(key)
			modules = append(modules, snap.Module)
		}
	}
	s.mu.Unlock()
	slices.Sort(modules)

	if inv, ok := s.source.(invalidator); ok {
		if err := inv.InvalidateTenant(ctx, tenantID); err != nil {
			return modules, fmt.Errorf("failed to invalidate rule source: %w", err)
		}
	}
	return modules, nil
}

// ValidateDocument checks a document before it is stored: rule ids are
// unique and non-empty, severities and rule types are known, the scoring
// config is consistent, and checkRule accepts every rule.
func ValidateDocument(doc *domain.RuleDocument, checkRule func(*domain.FraudRule) error) error {
	if doc == nil {
		return errors.New("document is required")
	}

	seen := make(map[string]bool, len(doc.FraudRules))
	for i := range doc.FraudRules {
		r := &doc.FraudRules[i]
		if r.ID == "" {
			return fmt.Errorf("rule #%d: id is required", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("rule %s: duplicate id", r.ID)
		}
		seen[r.ID] = true

		if !r.Severity.Valid() {
			return fmt.Errorf("rule %s: unknown severity %q", r.ID, r.Severity)
		}
		if r.RuleType != domain.RuleTypeInternal && r.RuleType != domain.RuleTypeExternal {
			return fmt.Errorf("rule %s: unknown ruleType %q", r.ID, r.RuleType)
		}
		if checkRule != nil {
			if err := checkRule(r); err != nil {
				return err
			}
		}
	}

	if doc.RiskScoreConfig != nil {
		if err := doc.RiskScoreConfig.WithDefaults().Validate(); err != nil {
			return fmt.Errorf("RiskScoreConfig: %w", err)
		}
	}
	return nil
}
