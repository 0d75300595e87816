package rulestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// GlobalTenant holds documents shared by tenants without their own.
const GlobalTenant = "*"

// RepositorySource reads rule documents from the repository.
type RepositorySource struct {
	repo domain.Repository
}

// NewRepositorySource creates a source over repo.
func NewRepositorySource(repo domain.Repository) *RepositorySource {
	return &RepositorySource{repo: repo}
}

// Fetch returns the tenant document, falling back to the global one.
func (s *RepositorySource) Fetch(ctx context.Context, tenantID, module string) (*domain.RuleDocument, error) {
	doc, err := s.repo.GetRuleDocument(ctx, tenantID, module)
	if errors.Is(err, domain.ErrNotFound) && tenantID != GlobalTenant {
		doc, err = s.repo.GetRuleDocument(ctx, GlobalTenant, module)
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// FileSource reads <dir>/<tenant>/<module>.json, falling back to
// <dir>/<module>.json.
type FileSource struct {
	dir string
}

// NewFileSource creates a source rooted at dir.
func NewFileSource(dir string) *FileSource {
	return &FileSource{dir: dir}
}

// Fetch reads and decodes the document. A missing or empty file is
// reported as domain.ErrNotFound.
func (s *FileSource) Fetch(ctx context.Context, tenantID, module string) (*domain.RuleDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !safeName(tenantID) || !safeName(module) {
		return nil, fmt.Errorf("invalid tenant or module name: %q/%q", tenantID, module)
	}

	paths := []string{
		filepath.Join(s.dir, tenantID, module+".json"),
		filepath.Join(s.dir, module+".json"),
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read rule document %s: %w", path, err)
		}
		if len(strings.TrimSpace(string(data))) == 0 {
			return nil, domain.ErrNotFound
		}

		var doc domain.RuleDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse rule document %s: %w", path, err)
		}
		return &doc, nil
	}
	return nil, domain.ErrNotFound
}

func safeName(s string) bool {
	return s != "" && !strings.ContainsAny(s, `/\`) && s != "." && s != ".."
}

// CachedSource puts a shared cache in front of another source. Cache
// failures are logged and the source is read directly.
type CachedSource struct {
	next  domain.RuleSource
	cache domain.Cache
	ttl   time.Duration
}

// NewCachedSource wraps next with c.
func NewCachedSource(next domain.RuleSource, c domain.Cache, ttl time.Duration) *CachedSource {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &CachedSource{next: next, cache: c, ttl: ttl}
}

func documentKey(module string) string {
	return "rules:" + module
}

// Fetch serves the document from cache or loads and caches it.
func (s *CachedSource) Fetch(ctx context.Context, tenantID, module string) (*domain.RuleDocument, error) {
	doc, err := cache.GetJSON[domain.RuleDocument](ctx, s.cache, tenantID, documentKey(module))
	if err != nil {
		slog.Warn("rule document cache read failed", "tenant_id", tenantID, "module", module, "error", err)
	}
	if doc != nil {
		return doc, nil
	}

	doc, err = s.next.Fetch(ctx, tenantID, module)
	if err != nil {
		return nil, err
	}

	if err := cache.SetJSON(ctx, s.cache, tenantID, documentKey(module), doc, s.ttl); err != nil {
		slog.Warn("rule document cache write failed", "tenant_id", tenantID, "module", module, "error", err)
	}
	return doc, nil
}

// Invalidate drops the cached document.
func (s *CachedSource) Invalidate(ctx context.Context, tenantID, module string) error {
	return s.cache.Delete(ctx, tenantID, documentKey(module))
}

// InvalidateTenant drops every cached document of the tenant.
func (s *CachedSource) InvalidateTenant(ctx context.Context, tenantID string) error {
	n, err := s.cache.Purge(ctx, tenantID)
	if err != nil {
		return err
	}
	slog.Debug("rule document cache purged", "tenant_id", tenantID, "entries", n)
	return nil
}

// NewSource creates the rule source selected by configuration.
func NewSource(cfg domain.RulesConfig, repo domain.Repository, c domain.Cache) (domain.RuleSource, error) {
	var src domain.RuleSource
	switch cfg.Source {
	case "", "file":
		src = NewFileSource(cfg.Dir)
	case "repository":
		if repo == nil {
			return nil, fmt.Errorf("rule source %q requires a repository", cfg.Source)
		}
		src = NewRepositorySource(repo)
	default:
		return nil, fmt.Errorf("unsupported rule source: %s", cfg.Source)
	}

	if cfg.CacheDocuments && c != nil {
		src = NewCachedSource(src, c, cfg.TTL)
	}
	return src, nil
}
