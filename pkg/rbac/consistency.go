package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/hearth/pkg/audit"
	"github.com/platinummonkey/hearth/pkg/observability"
)

// DefaultSweepTimeout bounds one scheduled sweep
const DefaultSweepTimeout = time.Minute

// ConsistencyChecker finds identifiers present in both the admins and members
// tables and repairs them. The admin record always wins: the member row is
// deleted and the cached resolution for that identifier is dropped.
type ConsistencyChecker struct {
	store    Store
	resolver RoleResolver
	audit    audit.Logger
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// SweepReport summarizes one sweep
type SweepReport struct {
	Found    int
	Repaired []string
	Failed   []string
}

// NewConsistencyChecker creates a checker. auditLogger and metrics may be nil.
func NewConsistencyChecker(store Store, resolver RoleResolver, auditLogger audit.Logger, logger *observability.Logger, metrics *observability.Metrics) *ConsistencyChecker {
	if auditLogger == nil {
		auditLogger = audit.NopLogger()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &ConsistencyChecker{
		store:    store,
		resolver: resolver,
		audit:    auditLogger,
		logger:   logger.WithField("component", "consistency"),
		metrics:  metrics,
	}
}

// Sweep repairs every overlap it finds. A failure on one identifier does not
// stop the others; all failures are joined into the returned error.
func (c *ConsistencyChecker) Sweep(ctx context.Context) (*SweepReport, error) {
	overlaps, err := c.store.FindOverlaps(ctx)
	if err != nil {
		return nil, fmt.Errorf("find overlaps: %w", err)
	}

	report := &SweepReport{Found: len(overlaps)}
	var errs []error
	for _, o := range overlaps {
		if err := c.repair(ctx, o); err != nil {
			report.Failed = append(report.Failed, o.Admin.ID)
			errs = append(errs, err)
			continue
		}
		report.Repaired = append(report.Repaired, o.Admin.ID)
	}

	if report.Found > 0 {
		c.logger.WithFields(map[string]any{
			"found":    report.Found,
			"repaired": len(report.Repaired),
			"failed":   len(report.Failed),
		}).Warn("consistency sweep found identifiers in both tables")
	} else {
		c.logger.Debug("consistency sweep found no overlaps")
	}
	return report, errors.Join(errs...)
}

func (c *ConsistencyChecker) repair(ctx context.Context, o Overlap) error {
	userID := o.Admin.ID
	c.logger.WithFields(map[string]any{
		"user_id":     userID,
		"admin_role":  string(o.Admin.Role()),
		"member_role": string(o.Member.Role),
	}).Warn("identifier present as both admin and member, keeping admin")

	err := c.store.DeleteMember(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		err = nil
	}
	if err == nil {
		if invErr := c.resolver.Invalidate(ctx, userID); invErr != nil {
			c.logger.WithError(invErr).WithField("user_id", userID).Warn("failed to invalidate cached resolution after repair")
		}
		if c.metrics != nil {
			c.metrics.OverlapsResolved.Inc()
		}
	}

	event := audit.NewEvent(ctx, audit.EventTypeOverlapRepaired, audit.EventStatusSuccess).WithError(err)
	event.TargetID = userID
	event.Message = "member row removed, admin record kept"
	event.With("member_role", string(o.Member.Role)).With("is_super_admin", o.Admin.IsSuperAdmin)
	if logErr := c.audit.Log(ctx, event); logErr != nil {
		c.logger.WithError(logErr).Warn("failed to record audit event")
	}

	if err != nil {
		return fmt.Errorf("repair %s: %w", userID, err)
	}
	return nil
}

// Schedule runs Sweep on a cron schedule such as "@every 15m". The returned
// cron is already started; Stop it on shutdown.
func (c *ConsistencyChecker) Schedule(schedule string, timeout time.Duration) (*cron.Cron, error) {
	if timeout <= 0 {
		timeout = DefaultSweepTimeout
	}
	logger := cronLogger{logger: c.logger}
	sched := cron.New(cron.WithLogger(logger), cron.WithChain(
		cron.Recover(logger),
		cron.SkipIfStillRunning(logger),
	))

	_, err := sched.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if _, err := c.Sweep(ctx); err != nil {
			c.logger.WithError(err).Error("consistency sweep failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid consistency schedule %q: %w", schedule, err)
	}
	sched.Start()
	return sched, nil
}

// cronLogger adapts the application logger to cron.Logger
type cronLogger struct {
	logger *observability.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kvFields(keysAndValues)).WithError(err).Error(msg)
}

func kvFields(kv []interface{}) map[string]any {
	fields := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
