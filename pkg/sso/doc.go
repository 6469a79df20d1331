// Package sso connects hearth to an external OpenID Connect identity provider.
//
// PasswordProvider implements auth.Provider for the CLI: it signs users in with
// the password grant, verifies the returned ID token and keeps the refresh
// token in a cache.Backend so the session survives restarts.
//
//	tokens, _ := cache.OpenSQLiteBackend(cfg.Auth.SessionPath)
//	provider, err := sso.NewPasswordProvider(ctx, &sso.Config{
//		IssuerURL: cfg.Auth.IssuerURL,
//		ClientID:  cfg.Auth.ClientID,
//		Scopes:    cfg.Auth.Scopes,
//	}, tokens)
//
// TokenVerifier checks bearer ID tokens on the API server and yields the
// auth.Identity they carry. Presets cover the claim layout of common issuers.
package sso
