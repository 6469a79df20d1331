package rbac

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// StoredRole is the role tag persisted on a MemberRecord. It deliberately has
// no super_admin case; that value only exists as a derived Role.
type StoredRole string

const (
	StoredGuest  StoredRole = "guest"
	StoredMember StoredRole = "member"
	StoredAdmin  StoredRole = "admin"
)

// NormalizeStoredRole lowercases a raw tag; anything unrecognised becomes guest
func NormalizeStoredRole(raw string) StoredRole {
	switch r := StoredRole(strings.ToLower(strings.TrimSpace(raw))); r {
	case StoredGuest, StoredMember, StoredAdmin:
		return r
	default:
		return StoredGuest
	}
}

// Role converts the stored tag to the effective role
func (s StoredRole) Role() Role {
	return Role(NormalizeStoredRole(string(s)))
}

// Role is the effective, derived permission level of a user
type Role string

const (
	RoleGuest      Role = "guest"
	RoleMember     Role = "member"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// Roles lists every effective role from least to most privileged
func Roles() []Role {
	return []Role{RoleGuest, RoleMember, RoleAdmin, RoleSuperAdmin}
}

// ParseRole lowercases raw and reports whether it names a known role
func ParseRole(raw string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(raw)))
	switch r {
	case RoleGuest, RoleMember, RoleAdmin, RoleSuperAdmin:
		return r, true
	}
	return r, false
}

// AdminPermissions is the set of named boolean capabilities granted to a promoted admin.
// It is stored as a JSON object.
type AdminPermissions struct {
	ManageUsers    bool `json:"manage_users"`
	ManagePosts    bool `json:"manage_posts"`
	ManageEvents   bool `json:"manage_events"`
	ManageFiles    bool `json:"manage_files"`
	ManageComments bool `json:"manage_comments"`
	ViewReports    bool `json:"view_reports"`
}

// DefaultAdminPermissions is granted on promotion when the caller supplies none
func DefaultAdminPermissions() AdminPermissions {
	return AdminPermissions{
		ManagePosts:    true,
		ManageEvents:   true,
		ManageFiles:    true,
		ManageComments: true,
	}
}

// Value implements driver.Valuer. The JSON is sent as text so Postgres can
// cast it to jsonb.
func (p AdminPermissions) Value() (driver.Value, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (p *AdminPermissions) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*p = AdminPermissions{}
		return nil
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	default:
		return fmt.Errorf("unsupported permissions type %T", src)
	}
}

// MemberRecord is a non-admin account
type MemberRecord struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	DisplayName *string    `json:"display_name,omitempty"`
	Role        StoredRole `json:"role"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// AdminRecord is a promoted account. A record with IsSuperAdmin set cannot be
// demoted or edited through this package.
type AdminRecord struct {
	ID           string           `json:"id"`
	Email        string           `json:"email"`
	DisplayName  *string          `json:"display_name,omitempty"`
	Permissions  AdminPermissions `json:"permissions"`
	IsSuperAdmin bool             `json:"is_super_admin"`
	CreatedBy    *string          `json:"created_by,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Role returns super_admin or admin depending on the super flag
func (a *AdminRecord) Role() Role {
	if a.IsSuperAdmin {
		return RoleSuperAdmin
	}
	return RoleAdmin
}

// Resolution is the resolved role bundle for one user. At most one of Member and
// Admin is set.
type Resolution struct {
	UserID string        `json:"user_id"`
	Role   Role          `json:"role"`
	Member *MemberRecord `json:"member"`
	Admin  *AdminRecord  `json:"admin"`
}

// resolutionFor derives the bundle from the records found, admin first
func resolutionFor(userID string, admin *AdminRecord, member *MemberRecord) *Resolution {
	switch {
	case admin != nil:
		return &Resolution{UserID: userID, Role: admin.Role(), Admin: admin}
	case member != nil:
		return &Resolution{UserID: userID, Role: member.Role.Role(), Member: member}
	default:
		return &Resolution{UserID: userID, Role: RoleGuest}
	}
}

// Overlap is an identifier present in both tables
type Overlap struct {
	Admin  *AdminRecord
	Member *MemberRecord
}

var (
	// ErrBackingStore wraps every failure of the members/admins store
	ErrBackingStore = errors.New("backing store failure")
	// ErrNotFound means the requested record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrNotMember means the promotion target has no member record
	ErrNotMember = errors.New("user is not a member")
	// ErrAlreadyAdmin means the promotion target is already an admin
	ErrAlreadyAdmin = errors.New("user is already an admin")
	// ErrNotAdmin means the demotion or edit target has no admin record
	ErrNotAdmin = errors.New("user is not an admin")
	// ErrSuperAdminImmutable rejects demotes and edits of super admin records
	ErrSuperAdminImmutable = errors.New("super admin records cannot be modified")
	// ErrForbidden means the acting user lacks the required authority
	ErrForbidden = errors.New("forbidden")
	// ErrSelfAction rejects an admin demoting themselves
	ErrSelfAction = errors.New("admins cannot demote themselves")
)

// ResolutionError is a failed resolution. It is distinct from a guest result.
type ResolutionError struct {
	UserID string
	Stage  string
	Err    error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve role for %s: %s lookup: %v", e.UserID, e.Stage, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// CompensationError is a partially applied admin operation whose rollback also
// failed. Both the original failure and the rollback failure are kept.
type CompensationError struct {
	Operation   string
	UserID      string
	Err         error
	RollbackErr error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("%s %s failed and rollback failed: %v; rollback: %v",
		e.Operation, e.UserID, e.Err, e.RollbackErr)
}

func (e *CompensationError) Unwrap() []error {
	return []error{e.Err, e.RollbackErr}
}
