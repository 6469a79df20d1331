package sso

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/platinummonkey/hearth/pkg/auth"
	"github.com/platinummonkey/hearth/pkg/cache"
	"github.com/platinummonkey/hearth/pkg/config"
	"github.com/platinummonkey/hearth/pkg/observability"
)

// DefaultTokenKey is the backend key holding the refresh token
const DefaultTokenKey = config.SessionTokenKey

const eventBuffer = 16

// PasswordProvider signs users in with the OAuth2 resource owner password
// grant against an OpenID Connect issuer and keeps the session alive with the
// refresh token, which it persists in a cache.Backend.
//
// It implements auth.Provider.
type PasswordProvider struct {
	oauth2   *oauth2.Config
	verifier *oidc.IDTokenVerifier
	claims   ClaimMap
	skew     time.Duration
	tokens   cache.Backend
	tokenKey string
	client   *http.Client
	logger   *observability.Logger
	now      func() time.Time

	mu      sync.Mutex
	current *auth.Identity
	events  chan auth.Event
	closed  bool
}

// ProviderOption configures a PasswordProvider
type ProviderOption func(*PasswordProvider)

// WithHTTPClient sets the client used for discovery and the token endpoint
func WithHTTPClient(client *http.Client) ProviderOption {
	return func(p *PasswordProvider) { p.client = client }
}

// WithTokenKey stores the refresh token under key instead of DefaultTokenKey
func WithTokenKey(key string) ProviderOption {
	return func(p *PasswordProvider) { p.tokenKey = key }
}

// WithProviderLogger sets the logger
func WithProviderLogger(logger *observability.Logger) ProviderOption {
	return func(p *PasswordProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPasswordProvider discovers the issuer in config and returns a provider
// persisting refresh tokens in tokens
func NewPasswordProvider(ctx context.Context, config *Config, tokens cache.Backend, opts ...ProviderOption) (*PasswordProvider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if tokens == nil {
		return nil, errors.New("token storage is required")
	}

	p := &PasswordProvider{
		claims:   config.claims(),
		skew:     config.RefreshSkew,
		tokens:   tokens,
		tokenKey: DefaultTokenKey,
		logger:   observability.NopLogger(),
		now:      time.Now,
		events:   make(chan auth.Event, eventBuffer),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.skew <= 0 {
		p.skew = 30 * time.Second
	}

	provider, err := oidc.NewProvider(p.clientContext(ctx), config.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}
	p.verifier = provider.Verifier(&oidc.Config{
		ClientID:        config.ClientID,
		SkipIssuerCheck: config.SkipIssuerCheck,
		Now:             p.now,
	})
	p.oauth2 = &oauth2.Config{
		ClientID:     config.ClientID,
		ClientSecret: config.ClientSecret,
		Endpoint:     provider.Endpoint(),
		Scopes:       config.Scopes,
	}
	return p, nil
}

func (p *PasswordProvider) clientContext(ctx context.Context) context.Context {
	if p.client == nil {
		return ctx
	}
	return oidc.ClientContext(ctx, p.client)
}

// SignIn exchanges email and password for tokens. Rejected credentials match
// auth.ErrAuthFailed.
func (p *PasswordProvider) SignIn(ctx context.Context, email, password string) (*auth.Identity, error) {
	ctx = p.clientContext(ctx)
	token, err := p.oauth2.PasswordCredentialsToken(ctx, email, password)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && rejected(re) {
			return nil, fmt.Errorf("%w: %s", auth.ErrAuthFailed, describe(re))
		}
		return nil, fmt.Errorf("sign in: %w", err)
	}

	identity, err := p.identity(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := p.storeRefreshToken(ctx, token); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.current = identity
	p.mu.Unlock()
	p.emit(auth.Event{Type: auth.EventSignedIn, Identity: identity})
	return identity, nil
}

// SignOut forgets the session. It returns auth.ErrNoSession when there was
// nothing to sign out of.
func (p *PasswordProvider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	hadSession := p.current != nil
	p.current = nil
	p.mu.Unlock()

	_, stored, err := p.tokens.Get(ctx, p.tokenKey)
	if err != nil {
		return fmt.Errorf("failed to read session: %w", err)
	}
	if !hadSession && !stored {
		return auth.ErrNoSession
	}
	if err := p.tokens.Delete(ctx, p.tokenKey); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	p.emit(auth.Event{Type: auth.EventSignedOut})
	return nil
}

// GetSession returns the current identity, refreshing it through the token
// endpoint when its ID token is about to expire or when only a persisted
// refresh token is available. A rejected refresh token is discarded and
// reported as auth.ErrInvalidRefreshToken.
func (p *PasswordProvider) GetSession(ctx context.Context) (*auth.Identity, error) {
	p.mu.Lock()
	current := p.current
	p.mu.Unlock()
	if current != nil && p.now().Add(p.skew).Before(current.ExpiresAt) {
		return current, nil
	}

	refreshToken, ok, err := p.tokens.Get(ctx, p.tokenKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	if !ok || refreshToken == "" {
		return nil, auth.ErrNoSession
	}

	ctx = p.clientContext(ctx)
	token, err := p.oauth2.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && rejected(re) {
			p.logger.WithField("reason", describe(re)).Info("refresh token rejected, clearing session")
			p.forget(ctx)
			return nil, fmt.Errorf("%w: %s", auth.ErrInvalidRefreshToken, describe(re))
		}
		return nil, fmt.Errorf("refresh session: %w", err)
	}

	identity, err := p.identity(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := p.storeRefreshToken(ctx, token); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.current = identity
	p.mu.Unlock()

	eventType := auth.EventTokenRefreshed
	if current == nil {
		eventType = auth.EventInitialSession
	}
	p.emit(auth.Event{Type: eventType, Identity: identity})
	return identity, nil
}

// Events delivers lifecycle notifications. Notifications are dropped when
// nobody drains the channel.
func (p *PasswordProvider) Events() <-chan auth.Event {
	return p.events
}

// Close closes the events channel
func (p *PasswordProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.events)
	}
	return nil
}

func (p *PasswordProvider) identity(ctx context.Context, token *oauth2.Token) (*auth.Identity, error) {
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("%w: missing id_token in response", auth.ErrAuthFailed)
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to verify ID token: %v", auth.ErrAuthFailed, err)
	}
	return identityFromToken(idToken, p.claims)
}

// storeRefreshToken persists a rotated refresh token. Issuers that do not
// rotate omit it, in which case the stored one stays valid.
func (p *PasswordProvider) storeRefreshToken(ctx context.Context, token *oauth2.Token) error {
	if token.RefreshToken == "" {
		return nil
	}
	if err := p.tokens.Set(ctx, p.tokenKey, token.RefreshToken); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	return nil
}

func (p *PasswordProvider) forget(ctx context.Context) {
	p.mu.Lock()
	p.current = nil
	p.mu.Unlock()
	if err := p.tokens.Delete(ctx, p.tokenKey); err != nil {
		p.logger.WithError(err).Warn("failed to clear rejected refresh token")
	}
}

func (p *PasswordProvider) emit(ev auth.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.events <- ev:
	default:
		p.logger.WithField("event", string(ev.Type)).Warn("auth event dropped, no listener")
	}
}

// rejected reports whether the issuer refused the grant itself rather than
// failing to answer
func rejected(re *oauth2.RetrieveError) bool {
	if re.ErrorCode == "invalid_grant" {
		return true
	}
	return re.Response != nil && re.Response.StatusCode == http.StatusUnauthorized
}

func describe(re *oauth2.RetrieveError) string {
	switch {
	case re.ErrorDescription != "":
		return re.ErrorDescription
	case re.ErrorCode != "":
		return re.ErrorCode
	case re.Response != nil:
		return re.Response.Status
	default:
		return "rejected"
	}
}
