package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasAtLeastRole_Exhaustive(t *testing.T) {
	order := map[Role]int{RoleViewer: 0, RoleStaff: 1, RoleAdmin: 2, RoleOwner: 3}
	for _, role := range Roles {
		for _, required := range Roles {
			want := order[role] >= order[required]
			assert.Equal(t, want, HasAtLeastRole(role, required), "HasAtLeastRole(%s, %s)", role, required)
		}
	}
}

func TestHasAtLeastRole_UnknownNeverSatisfies(t *testing.T) {
	assert.False(t, HasAtLeastRole("superuser", RoleViewer))
	assert.False(t, HasAtLeastRole(RoleOwner, "superuser"))
	assert.False(t, HasAtLeastRole("", ""))
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole(" Admin ")
	assert.NoError(t, err)
	assert.Equal(t, RoleAdmin, r)

	_, err = ParseRole("member")
	assert.Error(t, err)
}

func TestRoleFromProvider(t *testing.T) {
	tests := []struct {
		key  string
		want Role
		ok   bool
	}{
		{"org:owner", RoleOwner, true},
		{"org:admin", RoleAdmin, true},
		{"admin", RoleAdmin, true},
		{"org:member", RoleStaff, true},
		{"basic_member", RoleViewer, true},
		{"org:viewer", RoleViewer, true},
		{"org:billing", "", false},
	}
	for _, tt := range tests {
		got, ok := RoleFromProvider(tt.key)
		assert.Equal(t, tt.ok, ok, tt.key)
		assert.Equal(t, tt.want, got, tt.key)
	}
}
