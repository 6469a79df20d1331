package sso

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/platinummonkey/hearth/pkg/auth"
)

// TokenVerifier checks bearer ID tokens presented to the API server
type TokenVerifier struct {
	verifier *oidc.IDTokenVerifier
	claims   ClaimMap
}

// NewTokenVerifier discovers the issuer and verifies tokens against its keys
func NewTokenVerifier(ctx context.Context, config *Config) (*TokenVerifier, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	provider, err := oidc.NewProvider(ctx, config.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}
	return newTokenVerifier(provider.Verifier(&oidc.Config{
		ClientID:        config.ClientID,
		SkipIssuerCheck: config.SkipIssuerCheck,
	}), config.claims()), nil
}

// NewStaticTokenVerifier verifies tokens from issuer against a fixed key set
func NewStaticTokenVerifier(issuer, clientID string, keys oidc.KeySet, claims ClaimMap) *TokenVerifier {
	cfg := &Config{Claims: claims}
	return newTokenVerifier(oidc.NewVerifier(issuer, keys, &oidc.Config{ClientID: clientID}), cfg.claims())
}

func newTokenVerifier(v *oidc.IDTokenVerifier, claims ClaimMap) *TokenVerifier {
	return &TokenVerifier{verifier: v, claims: claims}
}

// Verify checks the token signature, issuer, audience and expiry and returns
// the identity it carries. Every failure matches auth.ErrAuthFailed.
func (v *TokenVerifier) Verify(ctx context.Context, rawToken string) (*auth.Identity, error) {
	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", auth.ErrAuthFailed, err)
	}
	return identityFromToken(idToken, v.claims)
}

func identityFromToken(idToken *oidc.IDToken, mapping ClaimMap) (*auth.Identity, error) {
	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: failed to parse claims: %v", auth.ErrAuthFailed, err)
	}

	identity := &auth.Identity{
		UserID:    claimString(claims, mapping.UserID),
		Email:     claimString(claims, mapping.Email),
		ExpiresAt: idToken.Expiry,
	}
	// Use subject claim as fallback for user ID
	if identity.UserID == "" {
		identity.UserID = idToken.Subject
	}
	if identity.UserID == "" {
		return nil, fmt.Errorf("%w: missing user ID in token", auth.ErrAuthFailed)
	}
	return identity, nil
}
