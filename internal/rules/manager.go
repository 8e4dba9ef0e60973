package rules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/billguard/internal/domain"
)

// ConfigSource supplies per-tenant thresholds and expression rules.
// domain.Repository satisfies it.
type ConfigSource interface {
	GetThresholds(ctx context.Context, tenantID string) (*domain.Thresholds, error)
	ListExpressionRules(ctx context.Context, tenantID string) ([]*domain.ExpressionRule, error)
}

// Manager builds and caches one Engine per tenant. Engines are rebuilt on
// Reload, so a threshold or rule change takes effect on the next batch.
type Manager struct {
	mu       sync.RWMutex
	engines  map[string]*Engine
	source   ConfigSource
	compiler *ExpressionCompiler
	defaults domain.Thresholds
	opts     []Option
	logger   *slog.Logger
}

// NewManager creates a manager. Tenants without stored thresholds use
// defaults.
func NewManager(source ConfigSource, defaults domain.Thresholds, logger *slog.Logger, opts ...Option) (*Manager, error) {
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	compiler, err := NewExpressionCompiler()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		engines:  make(map[string]*Engine),
		source:   source,
		compiler: compiler,
		defaults: defaults,
		opts:     opts,
		logger:   logger,
	}, nil
}

// Compiler returns the expression compiler used for tenant rules.
func (m *Manager) Compiler() *ExpressionCompiler {
	return m.compiler
}

// Engine returns the tenant's engine, building it on first use.
func (m *Manager) Engine(ctx context.Context, tenantID string) (*Engine, error) {
	m.mu.RLock()
	e, ok := m.engines[tenantID]
	m.mu.RUnlock()
	if ok {
		return e, nil
	}
	return m.Reload(ctx, tenantID)
}

// Reload rebuilds the tenant's engine from the config source.
func (m *Manager) Reload(ctx context.Context, tenantID string) (*Engine, error) {
	e, err := m.build(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.engines[tenantID] = e
	m.mu.Unlock()

	m.logger.Info("rule engine loaded",
		"tenant_id", tenantID,
		"rules", e.RulesCount(),
		"version", e.Version(),
	)
	return e, nil
}

// Thresholds returns the thresholds in effect for a tenant.
func (m *Manager) Thresholds(ctx context.Context, tenantID string) (domain.Thresholds, error) {
	if m.source == nil {
		return m.defaults, nil
	}
	t, err := m.source.GetThresholds(ctx, tenantID)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && t == nil) {
		return m.defaults, nil
	}
	if err != nil {
		return domain.Thresholds{}, fmt.Errorf("failed to load thresholds for %s: %w", tenantID, err)
	}
	return *t, nil
}

// Invalidate drops every cached engine.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.engines = make(map[string]*Engine)
	m.mu.Unlock()
}

func (m *Manager) build(ctx context.Context, tenantID string) (*Engine, error) {
	t, err := m.Thresholds(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var extra []Rule
	var compiled []domain.ExpressionRule
	if m.source != nil {
		configs, err := m.source.ListExpressionRules(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("failed to load expression rules for %s: %w", tenantID, err)
		}
		for _, cfg := range configs {
			if cfg == nil || !cfg.Enabled {
				continue
			}
			rule, err := m.compiler.Compile(cfg)
			if err != nil {
				// Canonical rules still run without it.
				m.logger.Error("skipping expression rule",
					"tenant_id", tenantID,
					"rule_id", cfg.ID,
					"error", err,
				)
				continue
			}
			extra = append(extra, rule)
			compiled = append(compiled, rule.Config())
		}
	}

	version, err := configVersion(t, compiled)
	if err != nil {
		return nil, err
	}
	opts := append([]Option{WithVersion(version)}, m.opts...)
	return NewDefaultEngine(t, extra, opts...)
}

// configVersion hashes everything that changes what an engine reports.
// Timestamps are zeroed so re-saving an unchanged rule keeps the version.
func configVersion(t domain.Thresholds, exprs []domain.ExpressionRule) (string, error) {
	for i := range exprs {
		exprs[i].CreatedAt = time.Time{}
		exprs[i].UpdatedAt = time.Time{}
	}
	data, err := json.Marshal(struct {
		Thresholds  domain.Thresholds       `json:"thresholds"`
		Expressions []domain.ExpressionRule `json:"expressions"`
	}{t, exprs})
	if err != nil {
		return "", fmt.Errorf("failed to hash engine config: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8]), nil
}
