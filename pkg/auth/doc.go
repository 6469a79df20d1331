// Package auth defines the boundary with the external identity provider: the
// verified Identity, provider lifecycle events, and the Provider interface the
// session controller drives.
package auth
