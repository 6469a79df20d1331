package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/hearth/pkg/audit"
	"github.com/platinummonkey/hearth/pkg/cache"
	"github.com/platinummonkey/hearth/pkg/observability"
)

// Config holds RBAC configuration
type Config struct {
	// ResolveTimeout bounds each backing store lookup
	ResolveTimeout time.Duration

	// AutoMigrate creates the members and admins tables on Initialize
	AutoMigrate bool

	// CapabilitiesFile overrides the built-in capability table when set
	CapabilitiesFile string
	// WatchCapabilities reloads CapabilitiesFile when it changes
	WatchCapabilities bool

	// ConsistencySchedule is a cron expression for the overlap sweep; empty disables it
	ConsistencySchedule string
}

// DefaultConfig returns default RBAC configuration
func DefaultConfig() Config {
	return Config{
		ResolveTimeout:      DefaultResolveTimeout,
		AutoMigrate:         true,
		ConsistencySchedule: "@every 15m",
	}
}

// Manager wires the store, resolver, evaluator, admin workflow and sweep
// together for the server.
type Manager struct {
	db         *sql.DB
	store      *PostgresStore
	resolver   *Resolver
	evaluator  *Evaluator
	admin      *AdminService
	checker    *ConsistencyChecker
	handlers   *Handlers
	middleware *PermissionMiddleware
	logger     *observability.Logger
	config     Config

	sweeps *cron.Cron
	cancel context.CancelFunc
}

// NewManager creates a manager over db, caching resolutions in roleCache.
// auditLogger and metrics may be nil.
func NewManager(db *sql.DB, roleCache *cache.Tiered[Resolution], auditLogger audit.Logger, logger *observability.Logger, metrics *observability.Metrics, config Config) *Manager {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if auditLogger == nil {
		auditLogger = audit.NopLogger()
	}

	store := NewPostgresStore(db, metrics)
	resolver := NewResolver(store, roleCache,
		WithResolveTimeout(config.ResolveTimeout),
		WithResolverLogger(logger.WithField("component", "resolver")),
		WithResolverMetrics(metrics),
	)
	evaluator := NewEvaluator(nil)
	admin := NewAdminService(store, resolver,
		WithAuditLogger(auditLogger),
		WithAdminLogger(logger.WithField("component", "admin")),
		WithAdminMetrics(metrics),
	)
	checker := NewConsistencyChecker(store, resolver, auditLogger, logger, metrics)

	searcher, _ := auditLogger.(audit.Searcher)
	handlers := NewHandlers(HandlersConfig{
		Store:     store,
		Resolver:  resolver,
		Evaluator: evaluator,
		Admin:     admin,
		Checker:   checker,
		Audit:     searcher,
		Logger:    logger,
	})

	return &Manager{
		db:         db,
		store:      store,
		resolver:   resolver,
		evaluator:  evaluator,
		admin:      admin,
		checker:    checker,
		handlers:   handlers,
		middleware: NewPermissionMiddleware(resolver, evaluator, logger),
		logger:     logger,
		config:     config,
	}
}

// Initialize runs migrations, loads the capability table and starts the
// capability watcher and consistency sweep. Call Close to stop them.
func (m *Manager) Initialize(ctx context.Context) error {
	if m.config.AutoMigrate {
		if err := RunMigrations(ctx, m.db, m.logger); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel

	if path := m.config.CapabilitiesFile; path != "" {
		table, err := LoadCapabilityTable(path)
		if err != nil {
			return err
		}
		m.evaluator.Replace(table)
		m.logger.WithField("path", path).Info("loaded capability table")

		if m.config.WatchCapabilities {
			if err := WatchCapabilityFile(bgCtx, path, m.evaluator, m.logger); err != nil {
				return err
			}
		}
	}

	if m.config.ConsistencySchedule != "" {
		sweeps, err := m.checker.Schedule(m.config.ConsistencySchedule, DefaultSweepTimeout)
		if err != nil {
			return err
		}
		m.sweeps = sweeps
	}
	return nil
}

// Close stops the background watcher and sweep, waiting for a running sweep
func (m *Manager) Close(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	if m.sweeps != nil {
		select {
		case <-m.sweeps.Stop().Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// RegisterRoutes registers RBAC routes with a router
func (m *Manager) RegisterRoutes(router *mux.Router) {
	m.handlers.RegisterRoutes(router)
}

// Store returns the Postgres store
func (m *Manager) Store() *PostgresStore {
	return m.store
}

// Resolver returns the role resolver
func (m *Manager) Resolver() *Resolver {
	return m.resolver
}

// Evaluator returns the capability evaluator
func (m *Manager) Evaluator() *Evaluator {
	return m.evaluator
}

// Admin returns the promote/demote service
func (m *Manager) Admin() *AdminService {
	return m.admin
}

// Middleware returns the permission middleware
func (m *Manager) Middleware() *PermissionMiddleware {
	return m.middleware
}
