package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/hearth/pkg/cache"
	"github.com/platinummonkey/hearth/pkg/config"
	"github.com/platinummonkey/hearth/pkg/observability"
	"github.com/platinummonkey/hearth/pkg/rbac"
	"github.com/platinummonkey/hearth/pkg/session"
	"github.com/platinummonkey/hearth/pkg/sso"
)

// Opener builds a Workspace for one command invocation
type Opener func(ctx context.Context) (*Workspace, error)

// Workspace is a session controller plus the admin workflow acting on the same
// store and cache
type Workspace struct {
	Session   *session.Controller
	Admin     *rbac.AdminService
	Evaluator *rbac.Evaluator

	closers []func() error
}

// NewWorkspace assembles a workspace. closers run in reverse order on Close,
// after the controller is closed.
func NewWorkspace(ctrl *session.Controller, admin *rbac.AdminService, evaluator *rbac.Evaluator, closers ...func() error) *Workspace {
	if evaluator == nil {
		evaluator = rbac.NewEvaluator(nil)
	}
	return &Workspace{Session: ctrl, Admin: admin, Evaluator: evaluator, closers: closers}
}

// Close stops the controller and releases everything the workspace opened
func (w *Workspace) Close() error {
	var errs []error
	if w.Session != nil {
		errs = append(errs, w.Session.Close())
	}
	for i := len(w.closers) - 1; i >= 0; i-- {
		errs = append(errs, w.closers[i]())
	}
	return errors.Join(errs...)
}

// OpenWorkspace returns an Opener that reads HEARTH_* configuration and
// connects to Postgres and the identity provider. The refresh token and the
// persisted role cache share the SQLite file at HEARTH_SESSION_PATH.
func OpenWorkspace(log *logrus.Logger) Opener {
	return func(ctx context.Context) (ws *Workspace, err error) {
		cfg, err := config.LoadConfig()
		if err != nil {
			return nil, err
		}
		if cfg.Database.URL == "" {
			return nil, errors.New("HEARTH_DATABASE_URL is required")
		}

		var closers []func() error
		defer func() {
			if err != nil {
				for i := len(closers) - 1; i >= 0; i-- {
					_ = closers[i]()
				}
			}
		}()

		logger := observability.NopLogger()
		if log.IsLevelEnabled(logrus.DebugLevel) {
			logger = observability.NewLogger(observability.DebugLevel, log.Out)
		}

		if err := os.MkdirAll(filepath.Dir(cfg.Auth.SessionPath), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create session directory: %w", err)
		}
		log.WithField("path", cfg.Auth.SessionPath).Debug("opening local session store")
		local, err := cache.OpenSQLiteBackend(cfg.Auth.SessionPath)
		if err != nil {
			return nil, err
		}

		roleCache := cache.NewTiered(
			cache.NewTier[rbac.Resolution]("memory", cache.NewMemoryBackend(cfg.Cache.MemoryMaxEntries, 2*cfg.Cache.MemoryTTL), cfg.Cache.MemoryTTL),
			cache.NewTier[rbac.Resolution]("persisted", local, cfg.Cache.PersistedTTL),
			cache.WithKeyPrefix(cfg.Cache.KeyPrefix),
			cache.WithLogger(logger),
		)
		closers = append(closers, roleCache.Close)

		log.Debug("connecting to database")
		db, err := sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		closers = append(closers, db.Close)
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		log.WithField("issuer", cfg.Auth.IssuerURL).Debug("discovering identity provider")
		provider, err := sso.NewPasswordProvider(ctx, &sso.Config{
			IssuerURL:    cfg.Auth.IssuerURL,
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			Scopes:       cfg.Auth.Scopes,
		}, local, sso.WithProviderLogger(logger))
		if err != nil {
			return nil, err
		}
		closers = append(closers, provider.Close)

		evaluator := rbac.NewEvaluator(nil)
		if path := cfg.Roles.CapabilitiesFile; path != "" {
			table, err := rbac.LoadCapabilityTable(path)
			if err != nil {
				return nil, err
			}
			evaluator.Replace(table)
		}

		store := rbac.NewPostgresStore(db, nil)
		resolver := rbac.NewResolver(store, roleCache,
			rbac.WithResolveTimeout(cfg.Roles.ResolveTimeout),
			rbac.WithResolverLogger(logger),
		)
		ctrl := session.NewController(provider, resolver,
			session.WithLogger(logger),
			session.WithEvaluator(evaluator),
		)
		admin := rbac.NewAdminService(store, resolver, rbac.WithAdminLogger(logger))

		return NewWorkspace(ctrl, admin, evaluator, closers...), nil
	}
}
