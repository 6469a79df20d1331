package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/platinummonkey/hearth/pkg/async"
	"github.com/platinummonkey/hearth/pkg/audit"
	"github.com/platinummonkey/hearth/pkg/auth"
	"github.com/platinummonkey/hearth/pkg/observability"
	"github.com/platinummonkey/hearth/pkg/rbac"
)

// State is the controller's lifecycle state
type State string

const (
	StateUninitialized State = "uninitialized"
	StateRestoring     State = "restoring"
	StateAuthenticated State = "authenticated"
	StateAnonymous     State = "anonymous"
)

// DefaultProviderTimeout bounds each call to the identity provider
const DefaultProviderTimeout = 5 * time.Second

// ErrAlreadyStarted is returned by a second call to Start
var ErrAlreadyStarted = errors.New("session controller already started")

// Snapshot is a consistent copy of the controller state
type Snapshot struct {
	State      State
	Identity   *auth.Identity
	Resolution *rbac.Resolution
	// Loading is true while a resolution is in flight
	Loading bool
	// Stale is true when Resolution is the last known-good value and a later
	// resolve failed
	Stale     bool
	LastError error
}

// Role returns the resolved role, or nil while none is known
func (s Snapshot) Role() *rbac.Role {
	return rbac.RoleOf(s.Resolution)
}

// Controller keeps the signed-in identity and its resolved role in step with
// the identity provider. It is safe for concurrent use.
type Controller struct {
	provider  auth.Provider
	resolver  rbac.RoleResolver
	evaluator *rbac.Evaluator
	audit     audit.Logger
	logger    *observability.Logger
	metrics   *observability.Metrics
	timeout   time.Duration

	mu         sync.RWMutex
	state      State
	identity   *auth.Identity
	resolution *rbac.Resolution
	inflight   int
	stale      bool
	lastErr    error
	// generation changes whenever the identity changes or is cleared; results
	// of resolves started under an older generation are dropped
	generation uint64
	// signedIn is the identity SignIn resolved itself; the provider's
	// signed_in event carrying it is skipped once
	signedIn *auth.Identity

	cancel    context.CancelFunc
	done      <-chan struct{}
	closeOnce sync.Once
}

// Option configures a Controller
type Option func(*Controller)

// WithLogger sets the logger
func WithLogger(logger *observability.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records state transitions
func WithMetrics(metrics *observability.Metrics) Option {
	return func(c *Controller) { c.metrics = metrics }
}

// WithAuditLogger records sign-in, sign-out and restore outcomes
func WithAuditLogger(l audit.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.audit = l
		}
	}
}

// WithProviderTimeout bounds each provider call (default DefaultProviderTimeout)
func WithProviderTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithEvaluator sets the capability table used by Can
func WithEvaluator(e *rbac.Evaluator) Option {
	return func(c *Controller) {
		if e != nil {
			c.evaluator = e
		}
	}
}

// NewController creates a controller in StateUninitialized
func NewController(provider auth.Provider, resolver rbac.RoleResolver, opts ...Option) *Controller {
	c := &Controller{
		provider:  provider,
		resolver:  resolver,
		evaluator: rbac.NewEvaluator(nil),
		audit:     audit.NopLogger(),
		logger:    observability.NopLogger(),
		timeout:   DefaultProviderTimeout,
		state:     StateUninitialized,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithField("component", "session")
	return c
}

// Start restores the persisted session and begins handling provider events.
// A missing, unusable or timed out session leaves the controller anonymous
// with every cached resolution cleared; that is not an error.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateUninitialized {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.setStateLocked(StateRestoring)
	c.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, c.timeout)
	identity, err := c.provider.GetSession(pctx)
	cancel()
	event := audit.NewEvent(ctx, audit.EventTypeAuthSessionRestore, audit.EventStatusSuccess)
	switch {
	case err == nil && identity != nil:
		event.ActorID = identity.UserID
		c.record(ctx, event)
		c.applyIdentity(ctx, identity, false)
	default:
		if err != nil && !errors.Is(err, auth.ErrNoSession) {
			c.logger.WithError(err).Warn("failed to restore session, continuing anonymously")
			c.record(ctx, event.WithError(err))
		}
		c.clear(ctx)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = async.SafeGo(loopCtx, c.logger, "session events", 0, c.loop)
	return nil
}

// SignIn authenticates with the provider and resolves the new identity's role
// bypassing the cache. The provider's signed_in event for the same identity
// does not resolve again.
func (c *Controller) SignIn(ctx context.Context, email, password string) (*auth.Identity, error) {
	pctx, cancel := context.WithTimeout(ctx, c.timeout)
	identity, err := c.provider.SignIn(pctx, email, password)
	cancel()
	event := audit.NewEvent(ctx, audit.EventTypeAuthSignIn, audit.EventStatusSuccess).WithError(err)
	event.With("email", email)
	if err != nil {
		c.record(ctx, event)
		return nil, err
	}
	event.ActorID = identity.UserID
	c.record(ctx, event)

	c.mu.Lock()
	c.signedIn = identity
	c.mu.Unlock()
	c.applyIdentity(ctx, identity, true)
	return identity, nil
}

// SignOut ends the provider session and clears local state. Local state is
// cleared even when the provider call fails.
func (c *Controller) SignOut(ctx context.Context) error {
	actor := ""
	if id := c.Snapshot().Identity; id != nil {
		actor = id.UserID
	}

	pctx, cancel := context.WithTimeout(ctx, c.timeout)
	err := c.provider.SignOut(pctx)
	cancel()
	if errors.Is(err, auth.ErrNoSession) {
		err = nil
	}
	c.clear(ctx)

	event := audit.NewEvent(ctx, audit.EventTypeAuthSignOut, audit.EventStatusSuccess).WithError(err)
	event.ActorID = actor
	c.record(ctx, event)
	return err
}

// RefreshProfile resolves the current identity again. With force set the
// cache is bypassed, which is how callers pick up a promote or demote.
func (c *Controller) RefreshProfile(ctx context.Context, force bool) (*rbac.Resolution, error) {
	c.mu.RLock()
	identity, gen := c.identity, c.generation
	c.mu.RUnlock()
	if identity == nil {
		return nil, auth.ErrNoSession
	}
	return c.resolve(ctx, identity.UserID, gen, force)
}

// Snapshot returns the current state
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		State:      c.state,
		Identity:   c.identity,
		Resolution: c.resolution,
		Loading:    c.inflight > 0,
		Stale:      c.stale,
		LastError:  c.lastErr,
	}
}

// Can reports whether the current role holds capability. With no known role
// every capability is denied.
func (c *Controller) Can(capability rbac.Capability) bool {
	return c.evaluator.HasCapability(c.Snapshot().Role(), capability)
}

// Close stops the event loop and waits for it to exit
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
			<-c.done
		}
	})
	return nil
}

func (c *Controller) loop(ctx context.Context) error {
	events := c.provider.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.handle(ctx, ev)
		}
	}
}

func (c *Controller) handle(ctx context.Context, ev auth.Event) {
	logger := c.logger.WithField("event", string(ev.Type))
	logger.Debug("auth event")
	switch {
	case ev.Type == auth.EventSignedOut:
		c.clear(ctx)
	case ev.Identity == nil && ev.Type == auth.EventInitialSession:
		c.clear(ctx)
	case ev.Identity == nil:
		logger.Warn("auth event without an identity, ignoring")
	case ev.Type == auth.EventSignedIn && c.consumeSignedIn(ev.Identity):
		logger.WithField("user_id", ev.Identity.UserID).Debug("already resolved by sign-in")
	default:
		c.applyIdentity(ctx, ev.Identity, ev.Type == auth.EventSignedIn)
	}
}

// consumeSignedIn reports whether identity is the one SignIn just resolved,
// forgetting it either way
func (c *Controller) consumeSignedIn(identity *auth.Identity) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	matched := c.signedIn == identity && c.identity == identity
	c.signedIn = nil
	return matched
}

// applyIdentity installs identity and resolves its role. Switching from one
// user id to another always bypasses the cache.
func (c *Controller) applyIdentity(ctx context.Context, identity *auth.Identity, force bool) {
	c.mu.Lock()
	switched := c.identity != nil && c.identity.UserID != identity.UserID
	if c.identity == nil || switched {
		c.generation++
		c.resolution = nil
		c.stale = false
		c.lastErr = nil
	}
	c.identity = identity
	c.setStateLocked(StateAuthenticated)
	gen := c.generation
	c.mu.Unlock()

	_, _ = c.resolve(ctx, identity.UserID, gen, force || switched)
}

func (c *Controller) resolve(ctx context.Context, userID string, gen uint64, force bool) (*rbac.Resolution, error) {
	c.mu.Lock()
	c.inflight++
	c.mu.Unlock()

	res, err := c.resolver.Resolve(ctx, userID, force)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight--
	if gen != c.generation {
		// identity changed while resolving
		return res, err
	}
	if err != nil {
		c.stale = c.resolution != nil
		c.lastErr = err
		c.logger.WithError(err).WithFields(map[string]any{
			"user_id": userID,
			"stale":   c.stale,
		}).Warn("role resolution failed, keeping last known role")
		return nil, err
	}
	c.resolution = res
	c.stale = false
	c.lastErr = nil
	return res, nil
}

// clear drops the identity and every cached resolution
func (c *Controller) clear(ctx context.Context) {
	c.mu.Lock()
	c.generation++
	c.identity = nil
	c.signedIn = nil
	c.resolution = nil
	c.stale = false
	c.lastErr = nil
	c.setStateLocked(StateAnonymous)
	c.mu.Unlock()

	if err := c.resolver.InvalidateAll(ctx); err != nil {
		c.logger.WithError(err).Warn("failed to clear cached roles")
	}
}

func (c *Controller) setStateLocked(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	if c.metrics != nil {
		c.metrics.SessionTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	}
	c.logger.WithFields(map[string]any{"from": string(from), "to": string(to)}).Debug("session state changed")
}

func (c *Controller) record(ctx context.Context, event *audit.Event) {
	if err := c.audit.Log(context.WithoutCancel(ctx), event); err != nil {
		c.logger.WithError(err).WithField("event_type", string(event.Type)).Warn("failed to record audit event")
	}
}
