package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/hearth/pkg/cache"
	"github.com/platinummonkey/hearth/pkg/observability"
)

// DefaultResolveTimeout bounds each backing store lookup
const DefaultResolveTimeout = 5 * time.Second

// RoleResolver produces the resolved role bundle for a user
type RoleResolver interface {
	Resolve(ctx context.Context, userID string, forceRefresh bool) (*Resolution, error)
	Invalidate(ctx context.Context, userID string) error
	InvalidateAll(ctx context.Context) error
}

// Resolver resolves roles from the store through a tiered cache. It is the only
// writer of that cache.
type Resolver struct {
	store   Store
	cache   *cache.Tiered[Resolution]
	timeout time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

// ResolverOption configures a Resolver
type ResolverOption func(*Resolver)

// WithResolveTimeout sets the per-lookup timeout
func WithResolveTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithResolverLogger sets the logger
func WithResolverLogger(logger *observability.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = logger }
}

// WithResolverMetrics records resolution counts and latency
func WithResolverMetrics(metrics *observability.Metrics) ResolverOption {
	return func(r *Resolver) { r.metrics = metrics }
}

// NewResolver creates a resolver over store, caching in c
func NewResolver(store Store, c *cache.Tiered[Resolution], opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:   store,
		cache:   c,
		timeout: DefaultResolveTimeout,
		logger:  observability.NopLogger(),
		tracer:  observability.Tracer(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the role bundle for userID.
//
// Unless forceRefresh is set a live cache entry is returned as is. Otherwise the
// admins table is queried first and the members table only when no admin exists;
// a user in neither table is a guest, which is not an error. Store failures are
// returned as *ResolutionError and leave the cache untouched.
func (r *Resolver) Resolve(ctx context.Context, userID string, forceRefresh bool) (res *Resolution, err error) {
	if userID == "" {
		return nil, errors.New("resolve role: empty user id")
	}

	start := time.Now()
	source := "store"
	ctx, span := r.tracer.Start(ctx, "rbac.Resolve", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.Bool("force_refresh", forceRefresh),
	))
	defer func() {
		outcome := "error"
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			outcome = string(res.Role)
			span.SetAttributes(attribute.String("role", outcome), attribute.String("source", source))
		}
		span.End()
		if r.metrics != nil {
			r.metrics.ResolutionsTotal.WithLabelValues(source, outcome).Inc()
			r.metrics.ResolutionDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())
		}
	}()

	if !forceRefresh {
		if entry, ok := r.cache.Get(ctx, userID); ok {
			source = "cache"
			cached := entry.Value
			return &cached, nil
		}
	}

	res, err = r.lookup(ctx, userID)
	if err != nil {
		r.logger.WithError(err).WithField("user_id", userID).Warn("role resolution failed")
		return nil, err
	}

	if err := r.cache.Put(ctx, userID, *res); err != nil {
		// the resolution itself succeeded; a later call will simply miss
		r.logger.WithError(err).WithField("user_id", userID).Warn("failed to cache resolution")
	}
	return res, nil
}

func (r *Resolver) lookup(ctx context.Context, userID string) (*Resolution, error) {
	admin, err := r.getAdmin(ctx, userID)
	if err != nil {
		return nil, &ResolutionError{UserID: userID, Stage: "admin", Err: asStoreError(err)}
	}
	if admin != nil {
		return resolutionFor(userID, admin, nil), nil
	}

	member, err := r.getMember(ctx, userID)
	if err != nil {
		return nil, &ResolutionError{UserID: userID, Stage: "member", Err: asStoreError(err)}
	}
	return resolutionFor(userID, nil, member), nil
}

func (r *Resolver) getAdmin(ctx context.Context, userID string) (*AdminRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	admin, err := r.store.GetAdmin(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return admin, err
}

func (r *Resolver) getMember(ctx context.Context, userID string) (*MemberRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	member, err := r.store.GetMember(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return member, err
}

// asStoreError makes sure every lookup failure matches ErrBackingStore
func asStoreError(err error) error {
	if errors.Is(err, ErrBackingStore) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrBackingStore, err)
}

// Invalidate drops the cached bundle for userID
func (r *Resolver) Invalidate(ctx context.Context, userID string) error {
	return r.cache.Invalidate(ctx, userID)
}

// InvalidateAll drops every cached bundle
func (r *Resolver) InvalidateAll(ctx context.Context) error {
	return r.cache.InvalidateAll(ctx)
}
