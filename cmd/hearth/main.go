package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/hearth/pkg/async"
	"github.com/platinummonkey/hearth/pkg/audit"
	"github.com/platinummonkey/hearth/pkg/cache"
	"github.com/platinummonkey/hearth/pkg/config"
	"github.com/platinummonkey/hearth/pkg/httputil"
	"github.com/platinummonkey/hearth/pkg/middleware"
	"github.com/platinummonkey/hearth/pkg/observability"
	"github.com/platinummonkey/hearth/pkg/rbac"
	"github.com/platinummonkey/hearth/pkg/sso"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

// maxRequestBytes bounds request bodies; the largest is a permissions object
const maxRequestBytes = 64 << 10

var migrateOnly = flag.Bool("migrate-only", false, "Run database migrations and exit")

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ValidateServer(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("service", "hearth")
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("hearth exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}

	if *migrateOnly {
		defer db.Close()
		return rbac.RunMigrations(ctx, db, logger)
	}

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		db.Close()
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry)

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)
	shutdown.Register("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})
	shutdown.Register("database", func(context.Context) error { return db.Close() })

	roleCache, err := cache.Open[rbac.Resolution](ctx, cfg.Cache, logger, metrics)
	if err != nil {
		_ = shutdown.Shutdown()
		return err
	}
	redisClient := roleCache.Redis
	shutdown.Register("role cache", func(context.Context) error { return roleCache.Close() })

	dbAudit, err := audit.NewDBLogger(ctx, db)
	if err != nil {
		_ = shutdown.Shutdown()
		return err
	}
	auditLogger := audit.NewMultiLogger(dbAudit, audit.NewSlogLogger(logger))

	manager := rbac.NewManager(db, roleCache.Tiered, auditLogger, logger, metrics, rbac.Config{
		ResolveTimeout:      cfg.Roles.ResolveTimeout,
		AutoMigrate:         cfg.Database.AutoMigrate,
		CapabilitiesFile:    cfg.Roles.CapabilitiesFile,
		WatchCapabilities:   cfg.Roles.WatchCapabilities,
		ConsistencySchedule: cfg.Roles.ConsistencySchedule,
	})
	if err := manager.Initialize(ctx); err != nil {
		_ = shutdown.Shutdown()
		return fmt.Errorf("failed to initialize roles: %w", err)
	}
	shutdown.Register("roles", manager.Close)

	verifier, err := sso.NewTokenVerifier(ctx, &sso.Config{
		IssuerURL:    cfg.Auth.IssuerURL,
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
		Scopes:       cfg.Auth.Scopes,
	})
	if err != nil {
		_ = shutdown.Shutdown()
		return err
	}

	router := mux.NewRouter()
	router.Use(
		observability.RecoveryMiddleware(logger),
		middleware.RequestID,
		requestLogger(logger),
		httputil.MaxBytesMiddleware(maxRequestBytes),
		httputil.ContentTypeMiddleware,
		observability.HTTPMetricsMiddleware(metrics),
		middleware.NewAuthMiddleware(verifier, false).Handler,
	)
	if cfg.RateLimit.Enabled {
		limiter, err := newLimiter(ctx, cfg, redisClient, shutdown)
		if err != nil {
			_ = shutdown.Shutdown()
			return err
		}
		router.Use(middleware.NewRateLimitMiddleware(limiter, logger).Handler)
	}
	manager.RegisterRoutes(router)

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      otelhttp.NewHandler(router, "hearth"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ops := http.NewServeMux()
	observability.RegisterHealthRoutes(ops, observability.NewHealthChecker(db, redisClient, version))
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(ops, registry)
	}
	opsServer := &http.Server{
		Addr:        net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:     ops,
		ReadTimeout: 5 * time.Second,
	}
	shutdown.AddServer(server)
	shutdown.AddServer(opsServer)

	for name, srv := range map[string]*http.Server{"api server": server, "ops server": opsServer} {
		async.SafeGo(ctx, logger, name, 0, func(context.Context) error {
			logger.WithField("addr", srv.Addr).Infof("%s listening", name)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				cancel()
				return err
			}
			return nil
		})
	}

	return shutdown.WaitForShutdown(ctx)
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func newLimiter(ctx context.Context, cfg *config.Config, redisClient *redis.Client, shutdown *observability.ShutdownManager) (middleware.Limiter, error) {
	limits := &middleware.RateLimitConfig{
		RequestsPerWindow: cfg.RateLimit.Requests,
		WindowDuration:    cfg.RateLimit.Window,
		BurstSize:         cfg.RateLimit.Burst,
	}

	if cfg.RateLimit.Backend == config.RateLimitBackendRedis {
		if redisClient == nil {
			opts, err := redis.ParseURL(cfg.Cache.RedisURL)
			if err != nil {
				return nil, fmt.Errorf("invalid redis URL: %w", err)
			}
			redisClient = redis.NewClient(opts)
			shutdown.Register("rate limit redis", func(context.Context) error { return redisClient.Close() })
		}
		return middleware.NewRedisLimiter(redisClient, limits, ""), nil
	}

	limiter := middleware.NewMemoryLimiter(limits)
	cleanupCtx, stop := context.WithCancel(ctx)
	limiter.StartCleanup(cleanupCtx)
	shutdown.Register("rate limit cleanup", func(context.Context) error {
		stop()
		return nil
	})
	return limiter, nil
}

// requestLogger puts the service logger in the request context so handlers can
// use observability.FromContext
func requestLogger(logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(observability.WithLogger(r.Context(), logger)))
		})
	}
}
