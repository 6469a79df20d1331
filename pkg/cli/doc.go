// Package cli implements hearthctl, the command-line client for signing in and
// managing roles.
//
// # Commands
//
// login: Sign in and store the refresh token locally
//
//	hearthctl login --email alice@example.com
//	# Password from --password, $HEARTH_PASSWORD, or one line of stdin
//
// whoami: Show the restored session and its role
//
//	hearthctl whoami --json
//	hearthctl whoami --refresh  # bypass the role cache
//
// refresh: Resolve the role again after a promote or demote
//
//	hearthctl refresh
//
// can: Exit non-zero unless the signed-in user holds the capability
//
//	hearthctl can manage_users
//
// promote / demote: Run the admin workflow as the signed-in user
//
//	hearthctl promote --manage-users --view-reports <user-id>
//	hearthctl demote <user-id>
//
// logout: Sign out and forget the stored session
//
// # Configuration
//
// Commands read the same HEARTH_* environment as the server (see pkg/config).
// The refresh token and the persisted role cache tier live in the SQLite file
// at HEARTH_SESSION_PATH. Set HEARTH_LOG_LEVEL=debug for diagnostics on stderr.
package cli
