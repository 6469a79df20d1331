// Package session tracks who is signed in and what role they hold.
//
// A Controller sits between an auth.Provider and an rbac.RoleResolver. It
// restores the persisted session on Start, follows the provider's lifecycle
// events and keeps the resolved role current:
//
//	ctrl := session.NewController(provider, resolver, session.WithLogger(logger))
//	if err := ctrl.Start(ctx); err != nil {
//		return err
//	}
//	defer ctrl.Close()
//
//	if ctrl.Can(rbac.CapCreatePost) {
//		...
//	}
//
// States move from uninitialized through restoring to authenticated or
// anonymous. When a resolve fails the last known-good role is kept and marked
// stale; with no previous role every capability is denied.
package session
