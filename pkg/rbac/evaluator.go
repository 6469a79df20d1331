package rbac

import (
	"strings"
	"sync/atomic"
)

// Capability is a named action gated by role
type Capability string

const (
	CapViewPost      Capability = "view_post"
	CapCreatePost    Capability = "create_post"
	CapEditPost      Capability = "edit_post"
	CapDeletePost    Capability = "delete_post"
	CapCommentOnPost Capability = "comment_on_post"

	CapViewEvent    Capability = "view_event"
	CapCreateEvent  Capability = "create_event"
	CapManageEvents Capability = "manage_events"

	CapViewFile     Capability = "view_file"
	CapDownloadFile Capability = "download_file"
	CapUploadFile   Capability = "upload_file"
	CapDeleteFile   Capability = "delete_file"

	CapManageUsers  Capability = "manage_users"
	CapManageAdmins Capability = "manage_admins"
	CapViewReports  Capability = "view_reports"
)

// CapabilityTable maps each capability to the roles allowed to exercise it.
// Guests hold only the capabilities that list them explicitly.
type CapabilityTable struct {
	allowed map[Capability]map[Role]struct{}
}

// NewCapabilityTable builds a table from capability -> roles
func NewCapabilityTable(entries map[Capability][]Role) *CapabilityTable {
	t := &CapabilityTable{allowed: make(map[Capability]map[Role]struct{}, len(entries))}
	for c, roles := range entries {
		set := make(map[Role]struct{}, len(roles))
		for _, r := range roles {
			set[r] = struct{}{}
		}
		t.allowed[c] = set
	}
	return t
}

var (
	everyone = []Role{RoleGuest, RoleMember, RoleAdmin, RoleSuperAdmin}
	members  = []Role{RoleMember, RoleAdmin, RoleSuperAdmin}
	admins   = []Role{RoleAdmin, RoleSuperAdmin}
	supers   = []Role{RoleSuperAdmin}
)

func defaultEntries() map[Capability][]Role {
	return map[Capability][]Role{
		CapViewPost:      everyone,
		CapCreatePost:    members,
		CapEditPost:      admins,
		CapDeletePost:    admins,
		CapCommentOnPost: members,

		CapViewEvent:    everyone,
		CapCreateEvent:  admins,
		CapManageEvents: admins,

		CapViewFile:     everyone,
		CapDownloadFile: members,
		CapUploadFile:   admins,
		CapDeleteFile:   admins,

		CapManageUsers:  admins,
		CapManageAdmins: supers,
		CapViewReports:  admins,
	}
}

// DefaultCapabilityTable returns the built-in table
func DefaultCapabilityTable() *CapabilityTable {
	return NewCapabilityTable(defaultEntries())
}

// Capabilities lists the capabilities known to the table
func (t *CapabilityTable) Capabilities() []Capability {
	out := make([]Capability, 0, len(t.allowed))
	for c := range t.allowed {
		out = append(out, c)
	}
	return out
}

// Known reports whether c appears in the table
func (t *CapabilityTable) Known(c Capability) bool {
	_, ok := t.allowed[c]
	return ok
}

// HasCapability is false when role is nil; otherwise true iff the lowercased role
// is in the capability's allowed set. Unknown capabilities are denied.
func (t *CapabilityTable) HasCapability(role *Role, c Capability) bool {
	if role == nil {
		return false
	}
	_, ok := t.allowed[c][Role(strings.ToLower(string(*role)))]
	return ok
}

// RolesFor returns the roles allowed to exercise c
func (t *CapabilityTable) RolesFor(c Capability) []Role {
	var out []Role
	for _, r := range Roles() {
		if _, ok := t.allowed[c][r]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Evaluator answers capability checks against a table that can be replaced at
// runtime (see WatchCapabilityFile). Reads never block.
type Evaluator struct {
	table atomic.Pointer[CapabilityTable]
}

// NewEvaluator creates an evaluator; a nil table means the default table
func NewEvaluator(table *CapabilityTable) *Evaluator {
	if table == nil {
		table = DefaultCapabilityTable()
	}
	e := &Evaluator{}
	e.table.Store(table)
	return e
}

// Table returns the current table
func (e *Evaluator) Table() *CapabilityTable {
	return e.table.Load()
}

// Replace swaps in a new table
func (e *Evaluator) Replace(table *CapabilityTable) {
	e.table.Store(table)
}

// HasCapability checks role against the current table
func (e *Evaluator) HasCapability(role *Role, c Capability) bool {
	return e.table.Load().HasCapability(role, c)
}

var defaultTable = DefaultCapabilityTable()

// HasCapability checks role against the built-in table
func HasCapability(role *Role, c Capability) bool {
	return defaultTable.HasCapability(role, c)
}

// IsAdmin is true for admin and super_admin
func IsAdmin(role *Role) bool {
	if role == nil {
		return false
	}
	r := Role(strings.ToLower(string(*role)))
	return r == RoleAdmin || r == RoleSuperAdmin
}

// IsSuperAdmin is true only for super_admin
func IsSuperAdmin(role *Role) bool {
	return role != nil && Role(strings.ToLower(string(*role))) == RoleSuperAdmin
}

// RoleOf returns a pointer to the resolved role, or nil for a nil resolution.
// It adapts a possibly absent Resolution to the evaluator's optional-role input.
func RoleOf(res *Resolution) *Role {
	if res == nil {
		return nil
	}
	r := res.Role
	return &r
}
