// Package rbac resolves a user's effective role and gates actions on it.
//
// A user is a guest, a member or a promoted admin; admins flagged as super
// admins form a fourth, derived role. Roles come from two disjoint tables,
// members and admins, and the Resolver derives the effective role by checking
// admins first:
//
//	resolver := rbac.NewResolver(store, roleCache)
//	res, err := resolver.Resolve(ctx, userID, false)
//	if err != nil {
//		// a *ResolutionError; never treated as guest
//	}
//
// Resolutions are cached in a cache.Tiered; only the Resolver writes to it.
// Pass forceRefresh to bypass the cache after a promotion or demotion.
//
// # Capabilities
//
// The Evaluator maps named capabilities (create_post, manage_users, ...) to the
// roles allowed to use them. An absent role holds no capability. The built-in
// table can be overridden by a YAML file, optionally reloaded on change:
//
//	capabilities:
//	  download_file: [guest, member, admin, super_admin]
//
// # Promote and demote
//
// AdminService moves a user between the two tables. Both mutations run in one
// transaction when the store is a Transactor; otherwise a failed second step is
// compensated, and a failed compensation is reported as *CompensationError.
// Super admin records cannot be demoted or edited.
//
// ConsistencyChecker finds identifiers present in both tables and keeps the
// admin record. It runs on a cron schedule in the server.
//
// # HTTP
//
// Handlers registers the /v1/me and /v1/admin routes. PermissionMiddleware fails
// closed: 401 without an identity, 503 when the caller cannot be resolved and
// 403 when the role lacks the capability.
package rbac
