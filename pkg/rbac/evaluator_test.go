package rbac

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hearth/pkg/observability"
)

func rolePtr(r Role) *Role { return &r }

func TestHasCapability_AbsentRoleDeniesEverything(t *testing.T) {
	table := DefaultCapabilityTable()
	for _, c := range table.Capabilities() {
		assert.False(t, table.HasCapability(nil, c), "capability %s", c)
	}
}

func TestHasCapability_DefaultTable(t *testing.T) {
	tests := []struct {
		role Role
		cap  Capability
		want bool
	}{
		{RoleGuest, CapViewPost, true},
		{RoleGuest, CapCreatePost, false},
		{RoleGuest, CapDownloadFile, false},
		{RoleMember, CapCommentOnPost, true},
		{RoleMember, CapDownloadFile, true},
		{RoleMember, CapDeleteFile, false},
		{RoleMember, CapManageUsers, false},
		{RoleAdmin, CapManageUsers, true},
		{RoleAdmin, CapManageAdmins, false},
		{RoleSuperAdmin, CapManageAdmins, true},
		{"ADMIN", CapDeletePost, true},
		{"moderator", CapViewPost, false},
		{RoleSuperAdmin, "launch_rockets", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.role)+"/"+string(tt.cap), func(t *testing.T) {
			assert.Equal(t, tt.want, HasCapability(rolePtr(tt.role), tt.cap))
		})
	}
}

func TestIsAdmin(t *testing.T) {
	assert.False(t, IsAdmin(nil))
	assert.False(t, IsAdmin(rolePtr(RoleMember)))
	assert.True(t, IsAdmin(rolePtr(RoleAdmin)))
	assert.True(t, IsAdmin(rolePtr(RoleSuperAdmin)))

	assert.False(t, IsSuperAdmin(nil))
	assert.False(t, IsSuperAdmin(rolePtr(RoleAdmin)))
	assert.True(t, IsSuperAdmin(rolePtr("Super_Admin")))
}

func TestRoleOf(t *testing.T) {
	assert.Nil(t, RoleOf(nil))
	r := RoleOf(&Resolution{Role: RoleMember})
	require.NotNil(t, r)
	assert.Equal(t, RoleMember, *r)
}

func TestRolesFor(t *testing.T) {
	assert.Equal(t, []Role{RoleAdmin, RoleSuperAdmin}, DefaultCapabilityTable().RolesFor(CapManageUsers))
}

func TestParseCapabilityTable(t *testing.T) {
	table, err := ParseCapabilityTable([]byte(`
capabilities:
  download_file: [guest, member, admin, super_admin]
  create_event: [Member, admin, super_admin]
`))
	require.NoError(t, err)
	assert.True(t, table.HasCapability(rolePtr(RoleGuest), CapDownloadFile))
	assert.True(t, table.HasCapability(rolePtr(RoleMember), CapCreateEvent))
	assert.True(t, table.HasCapability(rolePtr(RoleAdmin), CapManageUsers), "unlisted entries keep defaults")

	_, err = ParseCapabilityTable([]byte("capabilities:\n  fly: [admin]\n"))
	assert.ErrorContains(t, err, "unknown capability")

	_, err = ParseCapabilityTable([]byte("capabilities:\n  view_post: [visitor]\n"))
	assert.ErrorContains(t, err, "unknown role")

	_, err = ParseCapabilityTable([]byte("capabilities: [\n"))
	assert.Error(t, err)
}

func TestWatchCapabilityFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capabilities.yaml")
	require.NoError(t, os.WriteFile(path, []byte("capabilities:\n  view_post: [member]\n"), 0o600))

	table, err := LoadCapabilityTable(path)
	require.NoError(t, err)
	evaluator := NewEvaluator(table)
	assert.False(t, evaluator.HasCapability(rolePtr(RoleGuest), CapViewPost))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, WatchCapabilityFile(ctx, path, evaluator, observability.NopLogger()))

	require.NoError(t, os.WriteFile(path, []byte("capabilities:\n  view_post: [guest, member]\n"), 0o600))
	assert.Eventually(t, func() bool {
		return evaluator.HasCapability(rolePtr(RoleGuest), CapViewPost)
	}, 5*time.Second, 20*time.Millisecond)

	// an invalid file leaves the previous table in place
	require.NoError(t, os.WriteFile(path, []byte("capabilities:\n  view_post: [nobody]\n"), 0o600))
	time.Sleep(200 * time.Millisecond)
	assert.True(t, evaluator.HasCapability(rolePtr(RoleGuest), CapViewPost))
}
