package sso

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hearth/pkg/auth"
	"github.com/platinummonkey/hearth/pkg/cache"
)

func newProvider(t *testing.T, issuer *testIssuer, tokens cache.Backend, opts ...ProviderOption) *PasswordProvider {
	t.Helper()
	p, err := NewPasswordProvider(context.Background(), issuer.config(), tokens, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func storedToken(t *testing.T, tokens cache.Backend) (string, bool) {
	t.Helper()
	v, ok, err := tokens.Get(context.Background(), DefaultTokenKey)
	require.NoError(t, err)
	return v, ok
}

func nextEvent(t *testing.T, p *PasswordProvider) auth.Event {
	t.Helper()
	select {
	case ev := <-p.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no auth event")
		return auth.Event{}
	}
}

func TestNewPasswordProvider_Errors(t *testing.T) {
	issuer := newTestIssuer(t)
	tokens := cache.NewMemoryBackend(10, time.Hour)

	_, err := NewPasswordProvider(context.Background(), &Config{}, tokens)
	assert.Error(t, err)

	_, err = NewPasswordProvider(context.Background(), issuer.config(), nil)
	assert.Error(t, err)

	cfg := issuer.config()
	cfg.IssuerURL = issuer.URL() + "/elsewhere"
	_, err = NewPasswordProvider(context.Background(), cfg, tokens)
	assert.ErrorContains(t, err, "discover")
}

func TestPasswordProvider_SignIn(t *testing.T) {
	issuer := newTestIssuer(t)
	issuer.addUser("user-1", "ada@example.com", "hunter2")
	tokens := cache.NewMemoryBackend(10, time.Hour)
	p := newProvider(t, issuer, tokens, WithHTTPClient(http.DefaultClient))

	identity, err := p.SignIn(context.Background(), "ada@example.com", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "user-1", identity.UserID)
	assert.Equal(t, "ada@example.com", identity.Email)
	assert.WithinDuration(t, time.Now().Add(time.Hour), identity.ExpiresAt, time.Minute)

	rt, ok := storedToken(t, tokens)
	require.True(t, ok)
	assert.Equal(t, "refresh-1", rt)

	ev := nextEvent(t, p)
	assert.Equal(t, auth.EventSignedIn, ev.Type)
	assert.Equal(t, "user-1", ev.Identity.UserID)
}

func TestPasswordProvider_SignInRejected(t *testing.T) {
	issuer := newTestIssuer(t)
	issuer.addUser("user-1", "ada@example.com", "hunter2")
	tokens := cache.NewMemoryBackend(10, time.Hour)
	p := newProvider(t, issuer, tokens)

	_, err := p.SignIn(context.Background(), "ada@example.com", "wrong")
	require.ErrorIs(t, err, auth.ErrAuthFailed)
	assert.Contains(t, err.Error(), "Invalid login credentials")

	_, ok := storedToken(t, tokens)
	assert.False(t, ok)
}

func TestPasswordProvider_GetSession(t *testing.T) {
	issuer := newTestIssuer(t)
	issuer.addUser("user-1", "ada@example.com", "hunter2")
	tokens := cache.NewMemoryBackend(10, time.Hour)
	p := newProvider(t, issuer, tokens)

	_, err := p.GetSession(context.Background())
	assert.ErrorIs(t, err, auth.ErrNoSession)

	_, err = p.SignIn(context.Background(), "ada@example.com", "hunter2")
	require.NoError(t, err)
	nextEvent(t, p)
	before := issuer.requests()

	identity, err := p.GetSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "user-1", identity.UserID)
	assert.Equal(t, before, issuer.requests(), "a fresh session needs no token request")
}

func TestPasswordProvider_RestoreAfterRestart(t *testing.T) {
	issuer := newTestIssuer(t)
	issuer.addUser("user-1", "ada@example.com", "hunter2")
	tokens, err := cache.OpenSQLiteBackend(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tokens.Close() })

	first := newProvider(t, issuer, tokens)
	_, err = first.SignIn(context.Background(), "ada@example.com", "hunter2")
	require.NoError(t, err)

	second := newProvider(t, issuer, tokens)
	identity, err := second.GetSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "user-1", identity.UserID)

	ev := nextEvent(t, second)
	assert.Equal(t, auth.EventInitialSession, ev.Type)

	rt, ok := storedToken(t, tokens)
	require.True(t, ok)
	assert.Equal(t, "refresh-2", rt, "rotated refresh token is persisted")
}

func TestPasswordProvider_RefreshNearExpiry(t *testing.T) {
	issuer := newTestIssuer(t)
	issuer.addUser("user-1", "ada@example.com", "hunter2")
	issuer.idTTL = 10 * time.Second
	p := newProvider(t, issuer, cache.NewMemoryBackend(10, time.Hour))

	_, err := p.SignIn(context.Background(), "ada@example.com", "hunter2")
	require.NoError(t, err)
	nextEvent(t, p)

	// within the default 30s skew
	_, err = p.GetSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, auth.EventTokenRefreshed, nextEvent(t, p).Type)
}

func TestPasswordProvider_InvalidRefreshToken(t *testing.T) {
	issuer := newTestIssuer(t)
	tokens := cache.NewMemoryBackend(10, time.Hour)
	require.NoError(t, tokens.Set(context.Background(), DefaultTokenKey, "revoked"))
	p := newProvider(t, issuer, tokens)

	_, err := p.GetSession(context.Background())
	require.ErrorIs(t, err, auth.ErrInvalidRefreshToken)

	_, ok := storedToken(t, tokens)
	assert.False(t, ok, "rejected token is discarded")

	_, err = p.GetSession(context.Background())
	assert.ErrorIs(t, err, auth.ErrNoSession)
}

func TestPasswordProvider_IssuerUnavailableKeepsToken(t *testing.T) {
	issuer := newTestIssuer(t)
	tokens := cache.NewMemoryBackend(10, time.Hour)
	require.NoError(t, tokens.Set(context.Background(), DefaultTokenKey, "refresh-x"))
	issuer.failWith = http.StatusBadGateway
	p := newProvider(t, issuer, tokens)

	_, err := p.GetSession(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, auth.ErrInvalidRefreshToken)

	_, ok := storedToken(t, tokens)
	assert.True(t, ok)
}

func TestPasswordProvider_SignOut(t *testing.T) {
	issuer := newTestIssuer(t)
	issuer.addUser("user-1", "ada@example.com", "hunter2")
	tokens := cache.NewMemoryBackend(10, time.Hour)
	p := newProvider(t, issuer, tokens)

	assert.ErrorIs(t, p.SignOut(context.Background()), auth.ErrNoSession)

	_, err := p.SignIn(context.Background(), "ada@example.com", "hunter2")
	require.NoError(t, err)
	nextEvent(t, p)

	require.NoError(t, p.SignOut(context.Background()))
	assert.Equal(t, auth.EventSignedOut, nextEvent(t, p).Type)
	_, ok := storedToken(t, tokens)
	assert.False(t, ok)

	_, err = p.GetSession(context.Background())
	assert.ErrorIs(t, err, auth.ErrNoSession)
}

func TestPasswordProvider_ClaimMapping(t *testing.T) {
	issuer := newTestIssuer(t)
	issuer.addUser("sub-1", "ada@example.com", "hunter2")
	issuer.extraClaims = map[string]any{"oid": "object-1", "mail": "ada@corp.example.com"}
	cfg := issuer.config()
	cfg.Claims = ClaimMap{UserID: "oid", Email: "mail"}

	p, err := NewPasswordProvider(context.Background(), cfg, cache.NewMemoryBackend(10, time.Hour))
	require.NoError(t, err)
	defer p.Close()

	identity, err := p.SignIn(context.Background(), "ada@example.com", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "object-1", identity.UserID)
	assert.Equal(t, "ada@corp.example.com", identity.Email)
}

func TestPasswordProvider_Close(t *testing.T) {
	issuer := newTestIssuer(t)
	issuer.addUser("user-1", "ada@example.com", "hunter2")
	p := newProvider(t, issuer, cache.NewMemoryBackend(10, time.Hour))

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	_, ok := <-p.Events()
	assert.False(t, ok)

	// no panic emitting after close
	_, err := p.SignIn(context.Background(), "ada@example.com", "hunter2")
	assert.NoError(t, err)
}
