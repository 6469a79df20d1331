package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/platinummonkey/hearth/pkg/audit"
	"github.com/platinummonkey/hearth/pkg/cache"
	"github.com/platinummonkey/hearth/pkg/config"
	"github.com/platinummonkey/hearth/pkg/observability"
	"github.com/platinummonkey/hearth/pkg/rbac"
)

var (
	schedule = flag.String("schedule", "", "Cron schedule for the sweep (default: $HEARTH_CONSISTENCY_SCHEDULE)")
	runOnce  = flag.Bool("run-once", false, "Run one sweep and exit")
	timeout  = flag.Duration("timeout", rbac.DefaultSweepTimeout, "Time limit for one sweep")
)

// hearth-sweeper repairs identifiers present in both the admins and members
// tables. Run it next to servers started with HEARTH_CONSISTENCY_SCHEDULE=""
// so that only one process sweeps. With HEARTH_AUDIT_ARCHIVE_BUCKET set it
// also moves expired audit events to S3 on the same schedule.
func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if cfg.Database.URL == "" {
		fmt.Fprintln(os.Stderr, "Error: HEARTH_DATABASE_URL is required")
		os.Exit(1)
	}
	if *schedule == "" {
		*schedule = cfg.Roles.ConsistencySchedule
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("service", "hearth-sweeper")
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("sweeper exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx := context.Background()

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Repairs drop cached resolutions, so this must share the server's persisted tier
	roleCache, err := cache.Open[rbac.Resolution](ctx, cfg.Cache, logger, nil)
	if err != nil {
		return err
	}
	defer roleCache.Close()

	var auditLogger audit.Logger = audit.NewSlogLogger(logger)
	if dbAudit, err := audit.NewDBLogger(ctx, db); err != nil {
		logger.WithError(err).Warn("audit table unavailable, repairs are only logged")
	} else {
		auditLogger = audit.NewMultiLogger(dbAudit, auditLogger)
	}

	store := rbac.NewPostgresStore(db, nil)
	resolver := rbac.NewResolver(store, roleCache.Tiered,
		rbac.WithResolveTimeout(cfg.Roles.ResolveTimeout),
		rbac.WithResolverLogger(logger),
	)
	checker := rbac.NewConsistencyChecker(store, resolver, auditLogger, logger, nil)

	var archiver *audit.Archiver
	if cfg.Audit.ArchiveEnabled() {
		if archiver, err = newArchiver(ctx, cfg.Audit, db, logger); err != nil {
			return err
		}
	}

	if *runOnce {
		sweepCtx, cancel := context.WithTimeout(ctx, *timeout)
		defer cancel()
		report, err := checker.Sweep(sweepCtx)
		if report != nil {
			logger.WithFields(map[string]any{
				"found":    report.Found,
				"repaired": len(report.Repaired),
				"failed":   len(report.Failed),
			}).Info("sweep complete")
		}
		if archiver != nil {
			err = errors.Join(err, archive(sweepCtx, archiver, cfg.Audit.Retention, logger))
		}
		return err
	}

	if *schedule == "" {
		return fmt.Errorf("a schedule is required unless --run-once is set")
	}
	sweeps, err := checker.Schedule(*schedule, *timeout)
	if err != nil {
		return err
	}
	if archiver != nil {
		_, err := sweeps.AddFunc(*schedule, func() {
			archiveCtx, cancel := context.WithTimeout(context.Background(), *timeout)
			defer cancel()
			_ = archive(archiveCtx, archiver, cfg.Audit.Retention, logger)
		})
		if err != nil {
			<-sweeps.Stop().Done()
			return fmt.Errorf("failed to schedule audit archive: %w", err)
		}
	}
	logger.WithField("schedule", *schedule).Info("hearth-sweeper started")

	// Wait for termination signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down gracefully")

	<-sweeps.Stop().Done()
	logger.Info("sweeper stopped")
	return nil
}

func newArchiver(ctx context.Context, cfg config.AuditConfig, db *sql.DB, logger *observability.Logger) (*audit.Archiver, error) {
	client, err := audit.NewS3Client(ctx, audit.S3Config{
		Bucket:       cfg.ArchiveBucket,
		Region:       cfg.S3Region,
		Endpoint:     cfg.S3Endpoint,
		AccessKey:    cfg.S3AccessKey,
		SecretKey:    cfg.S3SecretKey,
		UsePathStyle: cfg.S3UsePathStyle,
	})
	if err != nil {
		return nil, err
	}
	return audit.NewArchiver(db, client, cfg.ArchiveBucket,
		audit.WithArchivePrefix(cfg.ArchivePrefix),
		audit.WithArchiveBatch(cfg.ArchiveBatch),
		audit.WithArchiveLogger(logger),
	)
}

func archive(ctx context.Context, archiver *audit.Archiver, retention time.Duration, logger *observability.Logger) error {
	result, err := archiver.Archive(ctx, retention)
	if err != nil {
		logger.WithError(err).Error("audit archive failed")
		return err
	}
	logger.WithFields(map[string]any{
		"archived": result.Archived,
		"objects":  len(result.Objects),
	}).Info("audit archive complete")
	return nil
}
